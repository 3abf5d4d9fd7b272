package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrClassNotFound is returned (wrapped) when a class has no stored schema.
	ErrClassNotFound = errors.New("schema: class not found")
	// ErrClassExists is returned (wrapped) when creating a class that is already stored.
	ErrClassExists = errors.New("schema: class already exists")

	errMissingStore = errors.New("schema: store is required")
)

// Store persists class schemas. GetClass returns an error wrapping ErrClassNotFound for unknown classes
// and CreateClass an error wrapping ErrClassExists for duplicates.
type Store interface {
	GetClass(ctx context.Context, className string) (ClassSchema, error)
	GetAllClasses(ctx context.Context) ([]ClassSchema, error)
	CreateClass(ctx context.Context, schema ClassSchema) error
	UpdateClass(ctx context.Context, schema ClassSchema) error
	DeleteClass(ctx context.Context, className string) error
}

// ControllerConfig describes the dependencies of a Controller.
type ControllerConfig struct {
	Store  Store
	Cache  Cache
	Logger *zap.Logger
}

// Controller serves cached schema snapshots and applies schema mutations.
// Snapshots are replaced wholesale; every mutation clears the cache.
type Controller struct {
	store    Store
	cache    Cache
	logger   *zap.Logger
	loads    singleflight.Group
	volatile map[string]ClassSchema
}

// ClassUpdate describes a schema mutation.
type ClassUpdate struct {
	AddFields             map[string]FieldType
	DeleteFields          []string
	ClassLevelPermissions *ClassLevelPermissions
}

// NewController constructs a Controller. A MemoryCache without expiry is used when Cache is nil.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	volatile := make(map[string]ClassSchema, len(volatileClassFields))
	for className, fields := range volatileClassFields {
		volatile[className] = builtinSchema(className, fields)
	}
	return &Controller{
		store:    cfg.Store,
		cache:    cache,
		logger:   logger,
		volatile: volatile,
	}, nil
}

// GetOneSchema returns the snapshot for className, loading it from the store on a cache miss.
// Volatile classes are served from memory when allowVolatile is set.
func (c *Controller) GetOneSchema(ctx context.Context, className string, allowVolatile bool) (ClassSchema, error) {
	if allowVolatile {
		if schema, ok := c.volatile[className]; ok {
			return schema, nil
		}
	}
	if schema, ok := c.cache.Get(ctx, className); ok {
		return schema, nil
	}

	loaded, err, _ := c.loads.Do(className, func() (interface{}, error) {
		stored, err := c.store.GetClass(ctx, className)
		if errors.Is(err, ErrClassNotFound) && IsSystemClass(className) {
			stored, err = builtinSchema(className, nil), nil
		}
		if err != nil {
			return ClassSchema{}, err
		}
		schema := withDefaults(stored)
		c.cache.Set(ctx, schema)
		return schema, nil
	})
	if err != nil {
		if errors.Is(err, ErrClassNotFound) {
			return ClassSchema{}, apierr.Wrap(apierr.InvalidClassName, err, "Class %s does not exist.", className)
		}
		return ClassSchema{}, err
	}
	return loaded.(ClassSchema), nil
}

// GetAllClasses returns every stored class with defaults injected.
func (c *Controller) GetAllClasses(ctx context.Context) ([]ClassSchema, error) {
	stored, err := c.store.GetAllClasses(ctx)
	if err != nil {
		return nil, err
	}
	schemas := make([]ClassSchema, 0, len(stored))
	for _, schema := range stored {
		schemas = append(schemas, withDefaults(schema))
	}
	return schemas, nil
}

// HasClass reports whether className has a schema.
func (c *Controller) HasClass(ctx context.Context, className string) (bool, error) {
	_, err := c.GetOneSchema(ctx, className, true)
	if errors.Is(err, ErrClassNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetExpectedType returns the declared type of field on className.
func (c *Controller) GetExpectedType(ctx context.Context, className, field string) (FieldType, bool, error) {
	schema, err := c.GetOneSchema(ctx, className, true)
	if err != nil {
		if errors.Is(err, ErrClassNotFound) {
			return FieldType{}, false, nil
		}
		return FieldType{}, false, err
	}
	fieldType, ok := schema.ExpectedType(field)
	return fieldType, ok, nil
}

// GetClassLevelPermissions returns the permissions of className and whether the class exists.
func (c *Controller) GetClassLevelPermissions(ctx context.Context, className string) (ClassLevelPermissions, bool, error) {
	schema, err := c.GetOneSchema(ctx, className, true)
	if err != nil {
		if errors.Is(err, ErrClassNotFound) {
			return ClassLevelPermissions{}, false, nil
		}
		return ClassLevelPermissions{}, false, err
	}
	return schema.ClassLevelPermissions, true, nil
}

// ValidatePermission checks operation against the stored permissions of className.
// Classes that do not exist yet carry no restrictions.
func (c *Controller) ValidatePermission(ctx context.Context, className string, aclGroup []string, operation Operation) error {
	clp, exists, err := c.GetClassLevelPermissions(ctx, className)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return ValidatePermission(clp, className, aclGroup, operation)
}

// TestPermissionsForClassName reports whether aclGroup is granted operation outright.
func (c *Controller) TestPermissionsForClassName(ctx context.Context, className string, aclGroup []string, operation Operation) (bool, error) {
	clp, exists, err := c.GetClassLevelPermissions(ctx, className)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}
	return TestPermissions(clp, aclGroup, operation), nil
}

// AddClassIfNotExists creates className with fields and permissions.
func (c *Controller) AddClassIfNotExists(ctx context.Context, className string, fields map[string]FieldType, clp *ClassLevelPermissions) (ClassSchema, error) {
	if !ClassNameIsValid(className) {
		return ClassSchema{}, apierr.New(apierr.InvalidClassName, "%s", invalidClassNameMessage(className))
	}
	if schema, ok := c.volatile[className]; ok {
		return schema, nil
	}
	for name, fieldType := range fields {
		if err := validateFieldType(name, fieldType); err != nil {
			return ClassSchema{}, err
		}
		if builtin, ok := defaultFields[name]; ok && builtin != fieldType {
			return ClassSchema{}, apierr.New(apierr.ChangedImmutable, "field %s cannot be added", name)
		}
	}

	schema := builtinSchema(className, fields)
	if clp != nil {
		if err := ValidateCLP(*clp, schema.Fields); err != nil {
			return ClassSchema{}, err
		}
		schema.ClassLevelPermissions = *clp
	}

	err := c.store.CreateClass(ctx, schema)
	c.Invalidate(ctx)
	if err != nil {
		if errors.Is(err, ErrClassExists) {
			return ClassSchema{}, apierr.Wrap(apierr.InvalidClassName, err, "Class %s already exists.", className)
		}
		return ClassSchema{}, err
	}
	c.logger.Debug("schema class created", zap.String("class_name", className))
	return schema, nil
}

// UpdateClass adds and removes fields and optionally replaces the class-level permissions.
func (c *Controller) UpdateClass(ctx context.Context, className string, update ClassUpdate) (ClassSchema, error) {
	current, err := c.GetOneSchema(ctx, className, false)
	if err != nil {
		return ClassSchema{}, err
	}
	next := current.clone()
	for name, fieldType := range update.AddFields {
		if err := validateFieldType(name, fieldType); err != nil {
			return ClassSchema{}, err
		}
		if existing, ok := next.Fields[name]; ok {
			if existing != fieldType {
				return ClassSchema{}, apierr.New(apierr.IncorrectType,
					"schema mismatch for %s.%s; expected %s but got %s", className, name, existing, fieldType)
			}
			continue
		}
		next.Fields[name] = fieldType
	}
	for _, name := range update.DeleteFields {
		if _, ok := defaultFields[name]; ok {
			return ClassSchema{}, apierr.New(apierr.ChangedImmutable, "field %s cannot be changed", name)
		}
		if _, ok := next.Fields[name]; !ok {
			return ClassSchema{}, apierr.New(apierr.InvalidKeyName, "Field %s does not exist, cannot delete.", name)
		}
		delete(next.Fields, name)
	}
	if update.ClassLevelPermissions != nil {
		if err := ValidateCLP(*update.ClassLevelPermissions, next.Fields); err != nil {
			return ClassSchema{}, err
		}
		next.ClassLevelPermissions = *update.ClassLevelPermissions
	}

	err = c.store.UpdateClass(ctx, next)
	c.Invalidate(ctx)
	if err != nil {
		return ClassSchema{}, err
	}
	return next, nil
}

// DeleteClass removes the schema of className.
func (c *Controller) DeleteClass(ctx context.Context, className string) error {
	if IsSystemClass(className) || IsVolatileClass(className) {
		return apierr.New(apierr.OperationForbidden, "cannot delete system class %s", className)
	}
	err := c.store.DeleteClass(ctx, className)
	c.Invalidate(ctx)
	return err
}

// ValidateObject enforces the declared types of object's fields on className,
// creating the class and adding previously unseen fields as needed.
func (c *Controller) ValidateObject(ctx context.Context, className string, object map[string]any) (ClassSchema, error) {
	schema, err := c.GetOneSchema(ctx, className, true)
	if errors.Is(err, ErrClassNotFound) {
		schema, err = c.AddClassIfNotExists(ctx, className, nil, nil)
		if errors.Is(err, ErrClassExists) {
			schema, err = c.GetOneSchema(ctx, className, true)
		}
	}
	if err != nil {
		return ClassSchema{}, err
	}

	additions := make(map[string]FieldType)
	for field, value := range object {
		if field == "ACL" || strings.HasPrefix(field, "_") {
			continue
		}
		if !FieldNameIsValid(field, className) {
			return ClassSchema{}, apierr.New(apierr.InvalidKeyName, "Invalid field name: %s.", field)
		}
		expected, declared, err := TypeOf(value)
		if err != nil {
			return ClassSchema{}, err
		}
		if !declared {
			continue
		}
		if existing, ok := schema.Fields[field]; ok {
			if existing != expected {
				return ClassSchema{}, apierr.New(apierr.IncorrectType,
					"schema mismatch for %s.%s; expected %s but got %s", className, field, existing, expected)
			}
			continue
		}
		additions[field] = expected
	}
	if len(additions) == 0 {
		return schema, nil
	}
	if IsVolatileClass(className) {
		return ClassSchema{}, apierr.New(apierr.OperationForbidden, "cannot add fields to %s", className)
	}
	updated, err := c.UpdateClass(ctx, className, ClassUpdate{AddFields: additions})
	if err != nil {
		return ClassSchema{}, fmt.Errorf("schema: add fields to %s: %w", className, err)
	}
	return updated, nil
}

// Invalidate drops every cached snapshot.
func (c *Controller) Invalidate(ctx context.Context) {
	c.cache.Clear(ctx)
}

// Reload replaces the cached snapshots with the current store contents.
func (c *Controller) Reload(ctx context.Context) error {
	c.cache.Clear(ctx)
	schemas, err := c.GetAllClasses(ctx)
	if err != nil {
		return err
	}
	for _, schema := range schemas {
		c.cache.Set(ctx, schema)
	}
	c.logger.Debug("schema cache reloaded", zap.Int("classes", len(schemas)))
	return nil
}
