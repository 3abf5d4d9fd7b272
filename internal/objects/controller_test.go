package objects_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/database"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/pubsub"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

const testAppID = "test"

type countingAdapter struct {
	*database.Adapter
	finds       atomic.Int64
	lastOptions objects.QueryOptions
}

func (a *countingAdapter) Find(ctx context.Context, className string, where map[string]any, options objects.QueryOptions) ([]map[string]any, error) {
	a.finds.Add(1)
	a.lastOptions = options
	return a.Adapter.Find(ctx, className, where, options)
}

// schemaStore serves class schemas from the database until failReads is set.
type schemaStore struct {
	*database.Adapter
	failReads atomic.Bool
}

func (s *schemaStore) GetClass(ctx context.Context, className string) (schema.ClassSchema, error) {
	if s.failReads.Load() {
		return schema.ClassSchema{}, errors.New("schema storage unavailable")
	}
	return s.Adapter.GetClass(ctx, className)
}

type harness struct {
	controller *objects.Controller
	schemas    *schema.Controller
	store      *schemaStore
	adapter    *countingAdapter
	bus        *pubsub.MemoryBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "objects.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	storage, err := database.NewAdapter(database.AdapterConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}
	adapter := &countingAdapter{Adapter: storage}
	store := &schemaStore{Adapter: storage}
	schemas, err := schema.NewController(schema.ControllerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create schema controller: %v", err)
	}
	bus := pubsub.NewMemoryBus(16, nil)
	var sequence atomic.Int64
	controller, err := objects.NewController(objects.ControllerConfig{
		Adapter:   adapter,
		Schemas:   schemas,
		Publisher: bus,
		AppID:     testAppID,
		Clock: func() time.Time {
			return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		},
		IDProvider: func() string {
			return fmt.Sprintf("obj%d", sequence.Add(1))
		},
	})
	if err != nil {
		t.Fatalf("failed to create object controller: %v", err)
	}
	return &harness{controller: controller, schemas: schemas, store: store, adapter: adapter, bus: bus}
}

func (h *harness) create(t *testing.T, className string, object map[string]any) string {
	t.Helper()
	created, err := h.controller.Create(context.Background(), className, object, objects.WriteOptions{})
	if err != nil {
		t.Fatalf("create %s failed: %v", className, err)
	}
	return created["objectId"].(string)
}

func (h *harness) restrict(t *testing.T, className string, operation schema.Operation, perms schema.OperationPermissions) {
	t.Helper()
	classSchema, err := h.schemas.GetOneSchema(context.Background(), className, false)
	if err != nil {
		t.Fatalf("schema lookup failed: %v", err)
	}
	clp := classSchema.ClassLevelPermissions
	operations := make(map[schema.Operation]schema.OperationPermissions, len(clp.Operations))
	for key, value := range clp.Operations {
		operations[key] = value
	}
	operations[operation] = perms
	clp.Operations = operations
	if _, err := h.schemas.UpdateClass(context.Background(), className, schema.ClassUpdate{ClassLevelPermissions: &clp}); err != nil {
		t.Fatalf("update permissions failed: %v", err)
	}
}

func TestFindValidatesPermissionBeforeTouchingStorage(t *testing.T) {
	h := newHarness(t)
	h.create(t, "Secret", map[string]any{"value": "x"})
	h.restrict(t, "Secret", schema.OperationFind, schema.OperationPermissions{Principals: map[string]bool{"role:admin": true}})

	before := h.adapter.finds.Load()
	_, err := h.controller.Find(context.Background(), "Secret", map[string]any{}, objects.FindOptions{ACL: []string{"*", "user-1"}})
	if !apierr.Is(err, apierr.OperationForbidden) {
		t.Fatalf("expected OperationForbidden, got %v", err)
	}
	if h.adapter.finds.Load() != before {
		t.Fatalf("expected the adapter not to be queried after a denial")
	}

	result, err := h.controller.Find(context.Background(), "Secret", map[string]any{}, objects.FindOptions{ACL: []string{"*", "user-1", "role:admin"}})
	if err != nil {
		t.Fatalf("expected role to read, got %v", err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("expected one result, got %d", len(result.Results))
	}
}

func TestFindDerivesGetAndCountOperations(t *testing.T) {
	h := newHarness(t)
	objectID := h.create(t, "Item", map[string]any{"value": float64(1)})
	h.restrict(t, "Item", schema.OperationGet, schema.OperationPermissions{Principals: map[string]bool{}})
	h.restrict(t, "Item", schema.OperationCount, schema.OperationPermissions{Principals: map[string]bool{}})
	acl := []string{"*"}

	if _, err := h.controller.Find(context.Background(), "Item", map[string]any{"objectId": objectID}, objects.FindOptions{ACL: acl}); !apierr.Is(err, apierr.OperationForbidden) {
		t.Fatalf("expected sole objectId query to require get, got %v", err)
	}
	result, err := h.controller.Find(context.Background(), "Item",
		map[string]any{"objectId": objectID, "value": float64(1)}, objects.FindOptions{ACL: acl})
	if err != nil || len(result.Results) != 1 {
		t.Fatalf("expected compound query to use find, got %v (%v)", result.Results, err)
	}
	if _, err := h.controller.Find(context.Background(), "Item", map[string]any{}, objects.FindOptions{ACL: acl, Count: true}); !apierr.Is(err, apierr.OperationForbidden) {
		t.Fatalf("expected count to be denied, got %v", err)
	}
	counted, err := h.controller.Find(context.Background(), "Item", map[string]any{}, objects.FindOptions{Count: true})
	if err != nil || counted.Count != 1 {
		t.Fatalf("expected master count of 1, got %d (%v)", counted.Count, err)
	}
}

func TestFindScopesByReadACL(t *testing.T) {
	h := newHarness(t)
	h.create(t, "Note", map[string]any{"title": "private", "ACL": map[string]any{"user-1": map[string]any{"read": true, "write": true}}})
	h.create(t, "Note", map[string]any{"title": "public"})

	anonymous, err := h.controller.Find(context.Background(), "Note", map[string]any{}, objects.FindOptions{ACL: []string{"*"}})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(anonymous.Results) != 1 || anonymous.Results[0]["title"] != "public" {
		t.Fatalf("expected only the public note, got %v", anonymous.Results)
	}

	owner, err := h.controller.Find(context.Background(), "Note", map[string]any{}, objects.FindOptions{ACL: []string{"*", "user-1"}, Order: []string{"title"}})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(owner.Results) != 2 {
		t.Fatalf("expected both notes for the owner, got %v", owner.Results)
	}
	private := owner.Results[0]
	if _, leaked := private["_rperm"]; leaked {
		t.Fatalf("expected _rperm to be stripped, got %v", private)
	}
	acl, ok := private["ACL"].(map[string]any)
	if !ok {
		t.Fatalf("expected ACL to be rebuilt, got %v", private)
	}
	grants, _ := acl["user-1"].(map[string]any)
	if grants["read"] != true || grants["write"] != true {
		t.Fatalf("unexpected ACL %v", acl)
	}
}

func TestFindRejectsInvalidQueries(t *testing.T) {
	h := newHarness(t)
	_, err := h.controller.Find(context.Background(), "Note", map[string]any{"$or": []any{}}, objects.FindOptions{})
	if !apierr.Is(err, apierr.InvalidQuery) {
		t.Fatalf("expected InvalidQuery, got %v", err)
	}
	_, err = h.controller.Find(context.Background(), "1Note", map[string]any{}, objects.FindOptions{})
	if !apierr.Is(err, apierr.InvalidClassName) {
		t.Fatalf("expected InvalidClassName, got %v", err)
	}
}

func TestFindProjectsKeys(t *testing.T) {
	h := newHarness(t)
	h.create(t, "Note", map[string]any{"title": "a", "body": "long"})

	result, err := h.controller.Find(context.Background(), "Note", map[string]any{}, objects.FindOptions{Keys: []string{"title"}})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	document := result.Results[0]
	if _, ok := document["body"]; ok {
		t.Fatalf("expected body to be projected away, got %v", document)
	}
	if document["title"] != "a" || document["objectId"] == nil || document["createdAt"] == nil {
		t.Fatalf("expected title and default fields, got %v", document)
	}
}

func TestRelationsAndRelatedTo(t *testing.T) {
	h := newHarness(t)
	userID := h.create(t, schema.ClassUser, map[string]any{"username": "ada", "password": "secret"})
	roleID := h.create(t, schema.ClassRole, map[string]any{
		"name":  "admin",
		"users": map[string]any{"__op": "AddRelation", "objects": []any{map[string]any{"__type": "Pointer", "className": "_User", "objectId": userID}}},
	})
	h.create(t, schema.ClassRole, map[string]any{"name": "guest"})

	roles, err := h.controller.Find(context.Background(), schema.ClassRole,
		map[string]any{"users": map[string]any{"__type": "Pointer", "className": "_User", "objectId": userID}}, objects.FindOptions{})
	if err != nil {
		t.Fatalf("find roles failed: %v", err)
	}
	if len(roles.Results) != 1 || roles.Results[0]["name"] != "admin" {
		t.Fatalf("expected the admin role, got %v", roles.Results)
	}

	users, err := h.controller.Find(context.Background(), schema.ClassUser, map[string]any{
		"$relatedTo": map[string]any{
			"object": map[string]any{"__type": "Pointer", "className": "_Role", "objectId": roleID},
			"key":    "users",
		},
	}, objects.FindOptions{})
	if err != nil {
		t.Fatalf("find related users failed: %v", err)
	}
	if len(users.Results) != 1 || users.Results[0]["username"] != "ada" {
		t.Fatalf("expected ada, got %v", users.Results)
	}
	if _, leaked := users.Results[0]["_hashed_password"]; leaked {
		t.Fatalf("expected password hash to be stripped")
	}

	others, err := h.controller.Find(context.Background(), schema.ClassRole,
		map[string]any{"users": map[string]any{"$ne": map[string]any{"__type": "Pointer", "className": "_User", "objectId": userID}}}, objects.FindOptions{})
	if err != nil {
		t.Fatalf("find other roles failed: %v", err)
	}
	if len(others.Results) != 1 || others.Results[0]["name"] != "guest" {
		t.Fatalf("expected the guest role, got %v", others.Results)
	}
}

func TestUpdateOperatorsAndEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	saves, unsubscribe, err := h.bus.Subscribe(ctx, pubsub.Channel(testAppID, pubsub.EventAfterSave))
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()

	objectID := h.create(t, "Counter", map[string]any{"count": float64(1), "tags": []any{"a"}, "note": "x"})
	created := receiveEvent(t, saves)
	if created.OriginalObject != nil || created.ClassName() != "Counter" {
		t.Fatalf("unexpected create event %+v", created)
	}

	updated, err := h.controller.Update(context.Background(), "Counter", objectID, map[string]any{
		"count": map[string]any{"__op": "Increment", "amount": float64(2)},
		"tags":  map[string]any{"__op": "AddUnique", "objects": []any{"a", "b"}},
		"note":  map[string]any{"__op": "Delete"},
	}, objects.WriteOptions{})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated["count"] != float64(3) {
		t.Fatalf("expected count 3, got %v", updated["count"])
	}
	if tags, _ := updated["tags"].([]any); len(tags) != 2 {
		t.Fatalf("expected two unique tags, got %v", updated["tags"])
	}
	if _, ok := updated["note"]; ok {
		t.Fatalf("expected note to be deleted")
	}

	event := receiveEvent(t, saves)
	if event.OriginalObject == nil || event.OriginalObject["count"] != float64(1) {
		t.Fatalf("expected original object in update event, got %+v", event.OriginalObject)
	}
	if event.CurrentObject["count"] != float64(3) {
		t.Fatalf("expected current object in update event, got %+v", event.CurrentObject)
	}
	if event.ClassLevelPermissions == nil {
		t.Fatalf("expected class level permissions in event")
	}

	_, err = h.controller.Update(context.Background(), "Counter", objectID, map[string]any{
		"tags": map[string]any{"__op": "Remove", "objects": []any{"a"}},
	}, objects.WriteOptions{})
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	stored, err := h.controller.Get(context.Background(), "Counter", objectID, nil)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if tags, _ := stored["tags"].([]any); len(tags) != 1 || tags[0] != "b" {
		t.Fatalf("expected tags [b], got %v", stored["tags"])
	}
}

func TestWritesRespectWriteACL(t *testing.T) {
	h := newHarness(t)
	objectID := h.create(t, "Note", map[string]any{
		"title": "mine",
		"ACL":   map[string]any{"*": map[string]any{"read": true}, "user-1": map[string]any{"write": true}},
	})

	_, err := h.controller.Update(context.Background(), "Note", objectID, map[string]any{"title": "theirs"}, objects.WriteOptions{ACL: []string{"*", "user-2"}})
	if !apierr.Is(err, apierr.ObjectNotFound) {
		t.Fatalf("expected ObjectNotFound for a non-writer, got %v", err)
	}
	if _, err := h.controller.Update(context.Background(), "Note", objectID, map[string]any{"title": "still mine"}, objects.WriteOptions{ACL: []string{"*", "user-1"}}); err != nil {
		t.Fatalf("expected writer to update, got %v", err)
	}
	if err := h.controller.Delete(context.Background(), "Note", objectID, objects.WriteOptions{ACL: []string{"*", "user-2"}}); !apierr.Is(err, apierr.ObjectNotFound) {
		t.Fatalf("expected ObjectNotFound on delete by non-writer, got %v", err)
	}
	if err := h.controller.Delete(context.Background(), "Note", objectID, objects.WriteOptions{ACL: []string{"*", "user-1"}}); err != nil {
		t.Fatalf("expected writer to delete, got %v", err)
	}
}

func TestDeletePublishesAfterDelete(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deletes, unsubscribe, err := h.bus.Subscribe(ctx, pubsub.Channel(testAppID, pubsub.EventAfterDelete))
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()

	objectID := h.create(t, "Note", map[string]any{"title": "gone"})
	if err := h.controller.Delete(context.Background(), "Note", objectID, objects.WriteOptions{}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	event := receiveEvent(t, deletes)
	if event.CurrentObject["objectId"] != objectID || event.CurrentObject["title"] != "gone" {
		t.Fatalf("unexpected delete event %+v", event.CurrentObject)
	}
}

func TestDeleteWithoutSchemaPublishesNoPermissions(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deletes, unsubscribe, err := h.bus.Subscribe(ctx, pubsub.Channel(testAppID, pubsub.EventAfterDelete))
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()

	objectID := h.create(t, "Note", map[string]any{"title": "admins only"})
	h.restrict(t, "Note", schema.OperationFind, schema.OperationPermissions{Principals: map[string]bool{"role:Admin": true}})
	h.restrict(t, "Note", schema.OperationGet, schema.OperationPermissions{Principals: map[string]bool{"role:Admin": true}})
	h.store.failReads.Store(true)
	h.schemas.Invalidate(context.Background())

	if err := h.controller.Delete(context.Background(), "Note", objectID, objects.WriteOptions{}); err != nil {
		t.Fatalf("master delete failed: %v", err)
	}
	event := receiveEvent(t, deletes)
	if event.CurrentObject["objectId"] != objectID {
		t.Fatalf("unexpected delete event %+v", event.CurrentObject)
	}
	if event.ClassLevelPermissions != nil {
		t.Fatalf("expected no class permissions on the event, got %+v", *event.ClassLevelPermissions)
	}
}

func TestDeletePublishesStoredPermissions(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deletes, unsubscribe, err := h.bus.Subscribe(ctx, pubsub.Channel(testAppID, pubsub.EventAfterDelete))
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsubscribe()

	objectID := h.create(t, "Note", map[string]any{"title": "admins only"})
	h.restrict(t, "Note", schema.OperationFind, schema.OperationPermissions{Principals: map[string]bool{"role:Admin": true}})
	if err := h.controller.Delete(context.Background(), "Note", objectID, objects.WriteOptions{}); err != nil {
		t.Fatalf("master delete failed: %v", err)
	}
	event := receiveEvent(t, deletes)
	if event.ClassLevelPermissions == nil {
		t.Fatal("expected class permissions on the event")
	}
	if schema.TestPermissions(*event.ClassLevelPermissions, []string{"*"}, schema.OperationFind) {
		t.Fatal("expected published permissions to deny anonymous find")
	}
}

func TestPointerPermissionsNarrowReads(t *testing.T) {
	h := newHarness(t)
	h.create(t, "Doc", map[string]any{"title": "ada's", "owner": map[string]any{"__type": "Pointer", "className": "_User", "objectId": "ada"}})
	h.create(t, "Doc", map[string]any{"title": "bob's", "owner": map[string]any{"__type": "Pointer", "className": "_User", "objectId": "bob"}})

	classSchema, err := h.schemas.GetOneSchema(context.Background(), "Doc", false)
	if err != nil {
		t.Fatalf("schema lookup failed: %v", err)
	}
	clp := classSchema.ClassLevelPermissions
	clp.Operations = map[schema.Operation]schema.OperationPermissions{
		schema.OperationFind: {Principals: map[string]bool{}},
	}
	clp.ReadUserFields = []string{"owner"}
	if _, err := h.schemas.UpdateClass(context.Background(), "Doc", schema.ClassUpdate{ClassLevelPermissions: &clp}); err != nil {
		t.Fatalf("update permissions failed: %v", err)
	}

	result, err := h.controller.Find(context.Background(), "Doc", map[string]any{}, objects.FindOptions{ACL: []string{"*", "ada"}})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(result.Results) != 1 || result.Results[0]["title"] != "ada's" {
		t.Fatalf("expected only ada's document, got %v", result.Results)
	}

	anonymous, err := h.controller.Find(context.Background(), "Doc", map[string]any{}, objects.FindOptions{ACL: []string{"*"}})
	if err != nil {
		t.Fatalf("anonymous find failed: %v", err)
	}
	if len(anonymous.Results) != 0 {
		t.Fatalf("expected no documents for anonymous reader, got %v", anonymous.Results)
	}
}

func TestCreateRequiresAddFieldPermissionForNewColumns(t *testing.T) {
	h := newHarness(t)
	h.create(t, "Locked", map[string]any{"title": "seed"})
	h.restrict(t, "Locked", schema.OperationAddField, schema.OperationPermissions{Principals: map[string]bool{}})

	acl := objects.WriteOptions{ACL: []string{"*", "user-1"}}
	if _, err := h.controller.Create(context.Background(), "Locked", map[string]any{"title": "ok"}, acl); err != nil {
		t.Fatalf("expected known fields to be writable, got %v", err)
	}
	_, err := h.controller.Create(context.Background(), "Locked", map[string]any{"extra": "no"}, acl)
	if !apierr.Is(err, apierr.OperationForbidden) {
		t.Fatalf("expected OperationForbidden for a new column, got %v", err)
	}
}

func TestCreateRejectsReservedAndMistypedFields(t *testing.T) {
	h := newHarness(t)
	if _, err := h.controller.Create(context.Background(), "Note", map[string]any{"objectId": "x"}, objects.WriteOptions{}); !apierr.Is(err, apierr.InvalidKeyName) {
		t.Fatalf("expected InvalidKeyName, got %v", err)
	}
	h.create(t, "Note", map[string]any{"score": float64(1)})
	if _, err := h.controller.Create(context.Background(), "Note", map[string]any{"score": "high"}, objects.WriteOptions{}); !apierr.Is(err, apierr.IncorrectType) {
		t.Fatalf("expected IncorrectType, got %v", err)
	}
}

func TestFindPassesReadPreference(t *testing.T) {
	h := newHarness(t)
	h.create(t, "Note", map[string]any{"title": "replicated"})

	result, err := h.controller.Find(context.Background(), "Note", map[string]any{}, objects.FindOptions{
		ACL:            []string{"*"},
		ReadPreference: objects.ReadSecondaryPreferred,
	})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("expected one result, got %v", result.Results)
	}
	if h.adapter.lastOptions.ReadPreference != objects.ReadSecondaryPreferred {
		t.Fatalf("expected read preference to reach the adapter, got %q", h.adapter.lastOptions.ReadPreference)
	}

	if preference, ok := objects.ParseReadPreference(" nearest "); !ok || preference != objects.ReadNearest {
		t.Fatalf("expected nearest to parse, got %q %t", preference, ok)
	}
	if _, ok := objects.ParseReadPreference("fastest"); ok {
		t.Fatal("expected an unknown read preference to be rejected")
	}
}

func TestFindHidesProtectedFields(t *testing.T) {
	h := newHarness(t)
	h.create(t, "Employee", map[string]any{
		"name":   "ada",
		"salary": float64(100),
		"owner":  map[string]any{"__type": "Pointer", "className": "_User", "objectId": "ada"},
	})
	classSchema, err := h.schemas.GetOneSchema(context.Background(), "Employee", false)
	if err != nil {
		t.Fatalf("schema lookup failed: %v", err)
	}
	clp := classSchema.ClassLevelPermissions
	clp.ProtectedFields = map[string][]string{"*": {"salary"}, "userField:owner": {}}
	if _, err := h.schemas.UpdateClass(context.Background(), "Employee", schema.ClassUpdate{ClassLevelPermissions: &clp}); err != nil {
		t.Fatalf("update permissions failed: %v", err)
	}

	testCases := []struct {
		name       string
		acl        []string
		seesSalary bool
	}{
		{name: "anonymous", acl: []string{"*"}, seesSalary: false},
		{name: "other user", acl: []string{"*", "bob"}, seesSalary: false},
		{name: "owner", acl: []string{"*", "ada"}, seesSalary: true},
		{name: "master", acl: nil, seesSalary: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			result, err := h.controller.Find(context.Background(), "Employee", map[string]any{}, objects.FindOptions{ACL: testCase.acl})
			if err != nil {
				t.Fatalf("find failed: %v", err)
			}
			if len(result.Results) != 1 || result.Results[0]["name"] != "ada" {
				t.Fatalf("unexpected results %v", result.Results)
			}
			if _, ok := result.Results[0]["salary"]; ok != testCase.seesSalary {
				t.Fatalf("expected salary visible=%t, got %v", testCase.seesSalary, result.Results[0])
			}
		})
	}
}

func TestUserSessionTokenHiddenFromNonMaster(t *testing.T) {
	h := newHarness(t)
	h.create(t, schema.ClassUser, map[string]any{"username": "ada", "password": "pw", "sessionToken": "r:abc"})

	public, err := h.controller.Find(context.Background(), schema.ClassUser, map[string]any{}, objects.FindOptions{ACL: []string{"*"}})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if _, ok := public.Results[0]["sessionToken"]; ok {
		t.Fatalf("expected sessionToken to be hidden")
	}
	if _, ok := public.Results[0]["password"]; ok {
		t.Fatalf("expected password to be hidden")
	}

	master, err := h.controller.Find(context.Background(), schema.ClassUser, map[string]any{}, objects.FindOptions{})
	if err != nil {
		t.Fatalf("master find failed: %v", err)
	}
	if master.Results[0]["sessionToken"] != "r:abc" {
		t.Fatalf("expected master to see sessionToken, got %v", master.Results[0])
	}
}

func receiveEvent(t *testing.T, stream <-chan pubsub.Message) pubsub.Event {
	t.Helper()
	select {
	case message := <-stream:
		event, err := pubsub.DecodeEvent(message.Payload)
		if err != nil {
			t.Fatalf("decode event failed: %v", err)
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("expected a mutation event")
	}
	return pubsub.Event{}
}
