package objects

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/pubsub"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/query"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

const (
	opIncrement      = "Increment"
	opDelete         = "Delete"
	opAdd            = "Add"
	opAddUnique      = "AddUnique"
	opRemove         = "Remove"
	opAddRelation    = "AddRelation"
	opRemoveRelation = "RemoveRelation"
)

// WriteOptions carries the caller identity of a write. A nil ACL marks a master request.
type WriteOptions struct {
	ACL []string
}

type relationChange struct {
	field     string
	add       bool
	objectIDs []string
}

// Create stores a new object of className and publishes an afterSave event.
func (c *Controller) Create(ctx context.Context, className string, object map[string]any, options WriteOptions) (map[string]any, error) {
	isMaster := options.ACL == nil
	if !schema.ClassNameIsValid(className) {
		return nil, apierr.New(apierr.InvalidClassName, "Invalid classname: %s", className)
	}
	if err := rejectReservedKeys(object); err != nil {
		return nil, err
	}
	if !isMaster {
		if err := c.schemas.ValidatePermission(ctx, className, options.ACL, schema.OperationCreate); err != nil {
			return nil, err
		}
	}
	classSchema, err := c.ensureFields(ctx, className, object, options.ACL)
	if err != nil {
		return nil, err
	}

	now := c.clock().UTC().Format(isoLayout)
	document := map[string]any{
		fieldObjectID:  c.idProvider(),
		fieldCreatedAt: now,
		fieldUpdatedAt: now,
	}
	relations, err := applyChanges(className, document, object, true)
	if err != nil {
		return nil, err
	}
	if err := c.adapter.Insert(ctx, className, document); err != nil {
		if errors.Is(err, ErrDuplicateObject) {
			return nil, apierr.Wrap(apierr.InternalServerError, err, "objectId collision")
		}
		return nil, err
	}
	objectID := document[fieldObjectID].(string)
	if err := c.applyRelations(ctx, className, objectID, relations); err != nil {
		return nil, err
	}

	c.publish(ctx, pubsub.EventAfterSave, className, document, nil, &classSchema.ClassLevelPermissions)
	return sanitize(className, document, isMaster, nil), nil
}

// Update applies update to the object identified by objectID and publishes an afterSave event.
func (c *Controller) Update(ctx context.Context, className, objectID string, update map[string]any, options WriteOptions) (map[string]any, error) {
	isMaster := options.ACL == nil
	if err := rejectReservedKeys(update); err != nil {
		return nil, err
	}
	if !isMaster {
		if err := c.schemas.ValidatePermission(ctx, className, options.ACL, schema.OperationUpdate); err != nil {
			return nil, err
		}
	}
	classSchema, err := c.ensureFields(ctx, className, update, options.ACL)
	if err != nil {
		return nil, err
	}

	where := map[string]any{fieldObjectID: objectID}
	where, empty, err := c.pointerPermissions(ctx, className, where, options.ACL, schema.OperationUpdate)
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, apierr.New(apierr.ObjectNotFound, "Object not found.")
	}
	if !isMaster {
		where = andConstraint(where, writeScope(options.ACL))
	}

	var relations []relationChange
	now := c.clock().UTC().Format(isoLayout)
	original, updated, err := c.adapter.Update(ctx, className, where, func(document map[string]any) error {
		changes, err := applyChanges(className, document, update, false)
		if err != nil {
			return err
		}
		relations = changes
		document[fieldUpdatedAt] = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, apierr.Wrap(apierr.ObjectNotFound, err, "Object not found.")
		}
		return nil, err
	}
	if err := c.applyRelations(ctx, className, objectID, relations); err != nil {
		return nil, err
	}

	c.publish(ctx, pubsub.EventAfterSave, className, updated, original, &classSchema.ClassLevelPermissions)
	return sanitize(className, updated, isMaster, nil), nil
}

// Delete removes the object identified by objectID and publishes an afterDelete event.
func (c *Controller) Delete(ctx context.Context, className, objectID string, options WriteOptions) error {
	isMaster := options.ACL == nil
	if !isMaster {
		if err := c.schemas.ValidatePermission(ctx, className, options.ACL, schema.OperationDelete); err != nil {
			return err
		}
	}
	where := map[string]any{fieldObjectID: objectID}
	where, empty, err := c.pointerPermissions(ctx, className, where, options.ACL, schema.OperationDelete)
	if err != nil {
		return err
	}
	if empty {
		return apierr.New(apierr.ObjectNotFound, "Object not found.")
	}
	if !isMaster {
		where = andConstraint(where, writeScope(options.ACL))
	}

	// An event without permissions makes subscribers resolve them again and fail closed.
	var eventCLP *schema.ClassLevelPermissions
	clp, exists, err := c.schemas.GetClassLevelPermissions(ctx, className)
	switch {
	case err != nil:
		c.logger.Warn("object delete without class permissions", zap.String("class_name", className), zap.Error(err))
	case exists:
		eventCLP = &clp
	}

	deleted, err := c.adapter.Delete(ctx, className, where)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return apierr.Wrap(apierr.ObjectNotFound, err, "Object not found.")
		}
		return err
	}
	c.publish(ctx, pubsub.EventAfterDelete, className, deleted, nil, eventCLP)
	return nil
}

// ensureFields checks the addField permission when the write introduces new fields and
// then lets the schema controller validate and extend the class.
func (c *Controller) ensureFields(ctx context.Context, className string, object map[string]any, aclGroup []string) (schema.ClassSchema, error) {
	if aclGroup != nil {
		current, err := c.schemas.GetOneSchema(ctx, className, true)
		needsField := errors.Is(err, schema.ErrClassNotFound)
		if err != nil && !needsField {
			return schema.ClassSchema{}, err
		}
		if !needsField {
			for field, value := range object {
				if field == fieldACL {
					continue
				}
				if _, known := current.ExpectedType(field); known {
					continue
				}
				if _, declared, _ := schema.TypeOf(value); declared {
					needsField = true
					break
				}
			}
		}
		if needsField {
			if err := c.schemas.ValidatePermission(ctx, className, aclGroup, schema.OperationAddField); err != nil {
				return schema.ClassSchema{}, err
			}
		}
	}
	return c.schemas.ValidateObject(ctx, className, object)
}

func (c *Controller) applyRelations(ctx context.Context, className, objectID string, changes []relationChange) error {
	for _, change := range changes {
		joinTable := JoinTableName(className, change.field)
		for _, relatedID := range change.objectIDs {
			var err error
			if change.add {
				err = c.adapter.AddRelation(ctx, joinTable, objectID, relatedID)
			} else {
				err = c.adapter.RemoveRelation(ctx, joinTable, objectID, relatedID)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, event, className string, current, original map[string]any, clp *schema.ClassLevelPermissions) {
	if c.publisher == nil {
		return
	}
	payload, err := pubsub.EncodeEvent(pubsub.Event{
		CurrentObject:         eventObject(className, current),
		OriginalObject:        eventObject(className, original),
		ClassLevelPermissions: clp,
	})
	if err != nil {
		c.logger.Warn("mutation event encode failed", zap.String("class_name", className), zap.Error(err))
		return
	}
	if err := c.publisher.Publish(ctx, pubsub.Channel(c.appID, event), payload); err != nil {
		c.logger.Warn("mutation event publish failed",
			zap.String("class_name", className),
			zap.String("event", event),
			zap.Error(err))
	}
}

func rejectReservedKeys(object map[string]any) error {
	for key := range object {
		switch {
		case key == fieldObjectID, key == fieldCreatedAt, key == fieldUpdatedAt:
			return apierr.New(apierr.InvalidKeyName, "%s is an invalid field name.", key)
		case strings.HasPrefix(key, "_"):
			return apierr.New(apierr.InvalidKeyName, "Invalid field name: %s.", key)
		}
	}
	return nil
}

// applyChanges writes the REST values and operators of changes into the stored document
// and returns the relation edits to apply through the join tables.
func applyChanges(className string, document, changes map[string]any, creating bool) ([]relationChange, error) {
	var relations []relationChange
	for field, value := range changes {
		if field == fieldACL {
			if err := storageACL(document, value); err != nil {
				return nil, err
			}
			continue
		}
		if className == classUser && field == fieldPassword {
			hashed, err := hashPassword(value)
			if err != nil {
				return nil, err
			}
			document[fieldHashedPassword] = hashed
			continue
		}

		operation, isOperation := value.(map[string]any)
		name, _ := operation["__op"].(string)
		if !isOperation || name == "" {
			document[field] = value
			continue
		}

		switch name {
		case opDelete:
			delete(document, field)
		case opIncrement:
			amount, ok := toNumber(operation["amount"])
			if !ok {
				return nil, apierr.New(apierr.InvalidJSON, "Increment amount must be a number")
			}
			current, present := document[field]
			if !present || current == nil {
				document[field] = amount
				continue
			}
			existing, ok := toNumber(current)
			if !ok {
				return nil, apierr.New(apierr.InvalidJSON, "Cannot increment a non-number field %s", field)
			}
			document[field] = existing + amount
		case opAdd, opAddUnique, opRemove:
			items, ok := operation["objects"].([]any)
			if !ok {
				return nil, apierr.New(apierr.InvalidJSON, "%s objects must be an array", name)
			}
			existing, _ := document[field].([]any)
			if creating || existing == nil {
				existing = []any{}
			}
			document[field] = applyArrayOperation(name, existing, items)
		case opAddRelation, opRemoveRelation:
			change, err := relationChangeFor(field, name == opAddRelation, operation)
			if err != nil {
				return nil, err
			}
			relations = append(relations, change)
		case "Batch":
			ops, _ := operation["ops"].([]any)
			for _, entry := range ops {
				nested, err := applyChanges(className, document, map[string]any{field: entry}, creating)
				if err != nil {
					return nil, err
				}
				relations = append(relations, nested...)
			}
		default:
			return nil, apierr.New(apierr.InvalidJSON, "unknown operator %s", name)
		}
	}
	return relations, nil
}

func applyArrayOperation(name string, existing, items []any) []any {
	result := append([]any{}, existing...)
	switch name {
	case opAdd:
		return append(result, items...)
	case opAddUnique:
		for _, item := range items {
			if !containsValue(result, item) {
				result = append(result, item)
			}
		}
		return result
	default:
		kept := result[:0]
		for _, element := range result {
			if !containsValue(items, element) {
				kept = append(kept, element)
			}
		}
		return kept
	}
}

func containsValue(list []any, candidate any) bool {
	for _, element := range list {
		if query.Equal(element, candidate) {
			return true
		}
	}
	return false
}

func relationChangeFor(field string, add bool, operation map[string]any) (relationChange, error) {
	items, _ := operation["objects"].([]any)
	change := relationChange{field: field, add: add, objectIDs: make([]string, 0, len(items))}
	for _, item := range items {
		target, _ := item.(map[string]any)
		objectID, ok := target[fieldObjectID].(string)
		if !ok || objectID == "" {
			return relationChange{}, apierr.New(apierr.InvalidJSON, "relation objects must be pointers")
		}
		change.objectIDs = append(change.objectIDs, objectID)
	}
	return change, nil
}

func hashPassword(value any) (string, error) {
	password, ok := value.(string)
	if !ok || password == "" {
		return "", apierr.New(apierr.InvalidJSON, "password must be a non-empty string")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apierr.Wrap(apierr.InternalServerError, err, "password hashing failed")
	}
	return string(hashed), nil
}

func toNumber(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	default:
		return 0, false
	}
}
