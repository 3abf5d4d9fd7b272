package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
)

type memoryStore struct {
	mu      sync.Mutex
	classes map[string]ClassSchema
	reads   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{classes: make(map[string]ClassSchema)}
}

func (s *memoryStore) GetClass(_ context.Context, className string) (ClassSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	schema, ok := s.classes[className]
	if !ok {
		return ClassSchema{}, fmt.Errorf("%w: %s", ErrClassNotFound, className)
	}
	return schema.clone(), nil
}

func (s *memoryStore) GetAllClasses(_ context.Context) ([]ClassSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schemas := make([]ClassSchema, 0, len(s.classes))
	for _, schema := range s.classes {
		schemas = append(schemas, schema.clone())
	}
	return schemas, nil
}

func (s *memoryStore) CreateClass(_ context.Context, schema ClassSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classes[schema.ClassName]; ok {
		return fmt.Errorf("%w: %s", ErrClassExists, schema.ClassName)
	}
	s.classes[schema.ClassName] = schema.clone()
	return nil
}

func (s *memoryStore) UpdateClass(_ context.Context, schema ClassSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classes[schema.ClassName]; !ok {
		return fmt.Errorf("%w: %s", ErrClassNotFound, schema.ClassName)
	}
	s.classes[schema.ClassName] = schema.clone()
	return nil
}

func (s *memoryStore) DeleteClass(_ context.Context, className string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.classes, className)
	return nil
}

func (s *memoryStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func newTestController(t *testing.T) (*Controller, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	controller, err := NewController(ControllerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	return controller, store
}

func TestNewControllerRequiresStore(t *testing.T) {
	if _, err := NewController(ControllerConfig{}); !errors.Is(err, errMissingStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
}

func TestGetOneSchemaUnknownClass(t *testing.T) {
	controller, _ := newTestController(t)
	_, err := controller.GetOneSchema(context.Background(), "Missing", false)
	if !errors.Is(err, ErrClassNotFound) {
		t.Fatalf("expected ErrClassNotFound, got %v", err)
	}
	if !apierr.Is(err, apierr.InvalidClassName) {
		t.Fatalf("expected InvalidClassName code, got %v", err)
	}
}

func TestGetOneSchemaServesSystemAndVolatileClasses(t *testing.T) {
	controller, _ := newTestController(t)
	ctx := context.Background()

	userSchema, err := controller.GetOneSchema(ctx, ClassUser, false)
	if err != nil {
		t.Fatalf("expected builtin _User schema, got %v", err)
	}
	if fieldType, ok := userSchema.ExpectedType("username"); !ok || fieldType.Type != TypeString {
		t.Fatalf("expected username field, got %+v", fieldType)
	}
	if _, ok := userSchema.ExpectedType("objectId"); !ok {
		t.Fatalf("expected default objectId field")
	}

	if _, err := controller.GetOneSchema(ctx, "_PushStatus", true); err != nil {
		t.Fatalf("expected volatile schema, got %v", err)
	}
	if _, err := controller.GetOneSchema(ctx, "_PushStatus", false); !errors.Is(err, ErrClassNotFound) {
		t.Fatalf("expected volatile class to be absent from the store, got %v", err)
	}
}

func TestGetOneSchemaCachesUntilMutation(t *testing.T) {
	controller, store := newTestController(t)
	ctx := context.Background()

	if _, err := controller.AddClassIfNotExists(ctx, "Message", map[string]FieldType{"text": {Type: TypeString}}, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := controller.GetOneSchema(ctx, "Message", false); err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
	}
	if store.readCount() != 1 {
		t.Fatalf("expected one store read, got %d", store.readCount())
	}

	if _, err := controller.UpdateClass(ctx, "Message", ClassUpdate{AddFields: map[string]FieldType{"score": {Type: TypeNumber}}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	updated, err := controller.GetOneSchema(ctx, "Message", false)
	if err != nil {
		t.Fatalf("lookup after update failed: %v", err)
	}
	if _, ok := updated.ExpectedType("score"); !ok {
		t.Fatalf("expected updated snapshot to contain score")
	}
}

func TestAddClassIfNotExistsRejectsDuplicatesAndInvalidNames(t *testing.T) {
	controller, _ := newTestController(t)
	ctx := context.Background()

	if _, err := controller.AddClassIfNotExists(ctx, "1Bad", nil, nil); !apierr.Is(err, apierr.InvalidClassName) {
		t.Fatalf("expected InvalidClassName, got %v", err)
	}
	if _, err := controller.AddClassIfNotExists(ctx, "Message", nil, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err := controller.AddClassIfNotExists(ctx, "Message", nil, nil)
	if !errors.Is(err, ErrClassExists) {
		t.Fatalf("expected ErrClassExists, got %v", err)
	}
	if _, err := controller.AddClassIfNotExists(ctx, "Other", map[string]FieldType{"owner": {Type: TypePointer}}, nil); !apierr.Is(err, apierr.MissingObjectID) {
		t.Fatalf("expected pointer without target to fail, got %v", err)
	}
}

func TestAddClassValidatesPermissions(t *testing.T) {
	controller, _ := newTestController(t)
	clp := DefaultClassLevelPermissions()
	clp.ReadUserFields = []string{"owner"}

	_, err := controller.AddClassIfNotExists(context.Background(), "Doc", map[string]FieldType{"owner": {Type: TypeString}}, &clp)
	if !apierr.Is(err, apierr.InvalidJSON) {
		t.Fatalf("expected invalid pointer permission column, got %v", err)
	}

	_, err = controller.AddClassIfNotExists(context.Background(), "Doc",
		map[string]FieldType{"owner": {Type: TypePointer, TargetClass: ClassUser}}, &clp)
	if err != nil {
		t.Fatalf("expected valid pointer permission column, got %v", err)
	}
}

func TestValidateObjectAddsFieldsAndEnforcesTypes(t *testing.T) {
	controller, _ := newTestController(t)
	ctx := context.Background()

	schema, err := controller.ValidateObject(ctx, "Message", map[string]any{
		"text":  "hello",
		"score": float64(3),
		"owner": map[string]any{"__type": "Pointer", "className": "_User", "objectId": "u1"},
	})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if fieldType, _ := schema.ExpectedType("owner"); fieldType.String() != "Pointer<_User>" {
		t.Fatalf("expected owner pointer, got %s", fieldType)
	}

	_, err = controller.ValidateObject(ctx, "Message", map[string]any{"score": "high"})
	if !apierr.Is(err, apierr.IncorrectType) {
		t.Fatalf("expected IncorrectType, got %v", err)
	}

	if _, err := controller.ValidateObject(ctx, "Message", map[string]any{"score": map[string]any{"__op": "Increment", "amount": float64(1)}}); err != nil {
		t.Fatalf("expected increment on number to validate, got %v", err)
	}
	if _, err := controller.ValidateObject(ctx, "Message", map[string]any{"score": map[string]any{"__op": "Delete"}}); err != nil {
		t.Fatalf("expected delete op to validate, got %v", err)
	}
	if _, err := controller.ValidateObject(ctx, "Message", map[string]any{"bad-name": "x"}); !apierr.Is(err, apierr.InvalidKeyName) {
		t.Fatalf("expected InvalidKeyName, got %v", err)
	}
}

func TestControllerValidatePermissionUsesStoredCLP(t *testing.T) {
	controller, _ := newTestController(t)
	ctx := context.Background()

	if err := controller.ValidatePermission(ctx, "Unknown", []string{"*"}, OperationFind); err != nil {
		t.Fatalf("expected unknown class to be unrestricted, got %v", err)
	}

	clp := DefaultClassLevelPermissions()
	clp.Operations[OperationFind] = OperationPermissions{Principals: map[string]bool{"role:staff": true}}
	if _, err := controller.AddClassIfNotExists(ctx, "Ledger", nil, &clp); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := controller.ValidatePermission(ctx, "Ledger", []string{"*", "u1"}, OperationFind); !apierr.Is(err, apierr.OperationForbidden) {
		t.Fatalf("expected OperationForbidden, got %v", err)
	}
	if err := controller.ValidatePermission(ctx, "Ledger", []string{"*", "u1", "role:staff"}, OperationFind); err != nil {
		t.Fatalf("expected role to be granted, got %v", err)
	}
}

func TestDeleteClass(t *testing.T) {
	controller, _ := newTestController(t)
	ctx := context.Background()

	if err := controller.DeleteClass(ctx, ClassUser); !apierr.Is(err, apierr.OperationForbidden) {
		t.Fatalf("expected system class deletion to be refused, got %v", err)
	}
	if _, err := controller.AddClassIfNotExists(ctx, "Temp", nil, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := controller.GetOneSchema(ctx, "Temp", false); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if err := controller.DeleteClass(ctx, "Temp"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if exists, err := controller.HasClass(ctx, "Temp"); err != nil || exists {
		t.Fatalf("expected class to be gone, exists=%v err=%v", exists, err)
	}
}

func TestUpdateClassRejectsDefaultFieldRemoval(t *testing.T) {
	controller, _ := newTestController(t)
	ctx := context.Background()
	if _, err := controller.AddClassIfNotExists(ctx, "Message", nil, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err := controller.UpdateClass(ctx, "Message", ClassUpdate{DeleteFields: []string{"objectId"}})
	if !apierr.Is(err, apierr.ChangedImmutable) {
		t.Fatalf("expected ChangedImmutable, got %v", err)
	}
}

func TestTypeOf(t *testing.T) {
	testCases := []struct {
		name     string
		value    any
		expected string
		declared bool
		fails    bool
	}{
		{name: "string", value: "x", expected: "String", declared: true},
		{name: "number", value: float64(1), expected: "Number", declared: true},
		{name: "bool", value: true, expected: "Boolean", declared: true},
		{name: "array", value: []any{1}, expected: "Array", declared: true},
		{name: "object", value: map[string]any{"a": 1}, expected: "Object", declared: true},
		{name: "date", value: map[string]any{"__type": "Date", "iso": "2024-01-01T00:00:00.000Z"}, expected: "Date", declared: true},
		{name: "geopoint", value: map[string]any{"__type": "GeoPoint", "latitude": 1.0, "longitude": 2.0}, expected: "GeoPoint", declared: true},
		{name: "relation op", value: map[string]any{"__op": "AddRelation", "objects": []any{map[string]any{"__type": "Pointer", "className": "_User", "objectId": "u"}}}, expected: "Relation<_User>", declared: true},
		{name: "nil", value: nil, declared: false},
		{name: "bad date", value: map[string]any{"__type": "Date"}, fails: true},
		{name: "unknown op", value: map[string]any{"__op": "Explode"}, fails: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fieldType, declared, err := TypeOf(testCase.value)
			if testCase.fails {
				if !apierr.Is(err, apierr.IncorrectType) {
					t.Fatalf("expected IncorrectType, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if declared != testCase.declared {
				t.Fatalf("expected declared=%v, got %v", testCase.declared, declared)
			}
			if declared && fieldType.String() != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, fieldType)
			}
		})
	}
}

func TestClassAndFieldNames(t *testing.T) {
	if !ClassNameIsValid("_Join:users:_Role") {
		t.Fatalf("expected join class name to be valid")
	}
	if ClassNameIsValid("_Private") {
		t.Fatalf("expected unknown underscore class to be invalid")
	}
	if FieldNameIsValid("className", "Message") {
		t.Fatalf("expected className field to be reserved")
	}
	if !FieldNameIsValid("className", "_Hooks") {
		t.Fatalf("expected className to be allowed on _Hooks")
	}
	if FieldNameIsValid("length", "Message") {
		t.Fatalf("expected length to be reserved")
	}
}

func TestReloadWarmsCache(t *testing.T) {
	controller, store := newTestController(t)
	ctx := context.Background()
	store.classes["Message"] = ClassSchema{ClassName: "Message", Fields: map[string]FieldType{"text": {Type: TypeString}}}

	if err := controller.Reload(ctx); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	schema, err := controller.GetOneSchema(ctx, "Message", false)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if _, ok := schema.ExpectedType("objectId"); !ok {
		t.Fatalf("expected defaults on reloaded schema")
	}
	if store.readCount() != 0 {
		t.Fatalf("expected reload to serve lookups from cache, got %d reads", store.readCount())
	}
}
