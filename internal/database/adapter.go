package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/query"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

const (
	opAdapterNew    = "database.adapter.new"
	opFind          = "database.find"
	opCount         = "database.count"
	opInsert        = "database.insert"
	opUpdate        = "database.update"
	opDelete        = "database.delete"
	opRelation      = "database.relation"
	opGetClass      = "database.get_class"
	opListClasses   = "database.list_classes"
	opCreateClass   = "database.create_class"
	opUpdateClass   = "database.update_class"
	opDeleteClass   = "database.delete_class"
	reasonMissingDB = "missing_database"
	reasonQuery     = "query_failed"
	reasonWrite     = "write_failed"
	reasonDecode    = "decode_failed"
	reasonEncode    = "encode_failed"
	reasonInvalidID = "invalid_object_id"

	queryClassName       = "class_name = ?"
	queryClassAndObject  = "class_name = ? AND object_id = ?"
	queryJoinOwners      = "join_table = ? AND owning_id IN ?"
	queryJoinRelated     = "join_table = ? AND related_id IN ?"
	queryJoinPair        = "join_table = ? AND owning_id = ? AND related_id = ?"
	columnRelatedID      = "related_id"
	columnOwningID       = "owning_id"
	fieldObjectID        = "objectId"
	logFieldClassName    = "class_name"
	logFieldJoinTable    = "join_table"
	logFieldOperationKey = "operation"
)

var errMissingDatabase = errors.New("database connection is required")

// StoreError carries an "operation.reason" code and the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the "operation.reason" code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}

// AdapterConfig describes the dependencies of an Adapter.
type AdapterConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Adapter stores schemas, documents and relation joins in SQL tables through gorm.
// Documents are kept as JSON; filtering, ordering and paging run against the decoded documents.
type Adapter struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

var (
	_ schema.Store    = (*Adapter)(nil)
	_ objects.Adapter = (*Adapter)(nil)
)

// NewAdapter constructs an Adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opAdapterNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Find returns the documents of className matching where, ordered and paged by options.
// A single sqlite file has no replicas, so every read preference is served locally.
func (a *Adapter) Find(ctx context.Context, className string, where map[string]any, options objects.QueryOptions) ([]map[string]any, error) {
	if options.ReadPreference != "" && options.ReadPreference != objects.ReadPrimary {
		a.logger.Debug("read preference served by the primary",
			zap.String("class_name", className),
			zap.String("read_preference", string(options.ReadPreference)))
	}
	documents, err := a.matching(a.db.WithContext(ctx), opFind, className, where)
	if err != nil {
		return nil, err
	}
	query.Sort(documents, options.Order)
	if options.Skip > 0 {
		if options.Skip >= len(documents) {
			return []map[string]any{}, nil
		}
		documents = documents[options.Skip:]
	}
	if options.Limit > 0 && options.Limit < len(documents) {
		documents = documents[:options.Limit]
	}
	return documents, nil
}

// Count returns the number of documents of className matching where.
func (a *Adapter) Count(ctx context.Context, className string, where map[string]any) (int, error) {
	documents, err := a.matching(a.db.WithContext(ctx), opCount, className, where)
	if err != nil {
		return 0, err
	}
	return len(documents), nil
}

// Insert stores a new document; the document must carry an objectId.
func (a *Adapter) Insert(ctx context.Context, className string, document map[string]any) error {
	objectID, _ := document[fieldObjectID].(string)
	if objectID == "" || len(objectID) > maxIdentifierLength {
		return newStoreError(opInsert, reasonInvalidID, fmt.Errorf("invalid objectId %q", objectID))
	}
	encoded, err := json.Marshal(document)
	if err != nil {
		return newStoreError(opInsert, reasonEncode, err)
	}
	record := objectRecord{
		ClassName:        className,
		ObjectID:         objectID,
		Document:         string(encoded),
		UpdatedAtSeconds: a.clock().UTC().Unix(),
	}
	result := a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		a.logError(opInsert, reasonWrite, result.Error, zap.String(logFieldClassName, className))
		return newStoreError(opInsert, reasonWrite, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", objects.ErrDuplicateObject, className, objectID)
	}
	return nil
}

// Update applies mutate to the first document of className matching where.
func (a *Adapter) Update(ctx context.Context, className string, where map[string]any, mutate objects.Mutation) (map[string]any, map[string]any, error) {
	var original, updated map[string]any
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		documents, err := a.matching(tx, opUpdate, className, where)
		if err != nil {
			return err
		}
		if len(documents) == 0 {
			return fmt.Errorf("%w: %s", objects.ErrObjectNotFound, className)
		}
		original = documents[0]
		updated, err = cloneDocument(original)
		if err != nil {
			return newStoreError(opUpdate, reasonDecode, err)
		}
		if err := mutate(updated); err != nil {
			return err
		}
		encoded, err := json.Marshal(updated)
		if err != nil {
			return newStoreError(opUpdate, reasonEncode, err)
		}
		objectID, _ := original[fieldObjectID].(string)
		result := tx.Model(&objectRecord{}).
			Where(queryClassAndObject, className, objectID).
			Updates(map[string]any{"document": string(encoded), "updated_at_s": a.clock().UTC().Unix()})
		if result.Error != nil {
			a.logError(opUpdate, reasonWrite, result.Error, zap.String(logFieldClassName, className))
			return newStoreError(opUpdate, reasonWrite, result.Error)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return original, updated, nil
}

// Delete removes the first document of className matching where.
func (a *Adapter) Delete(ctx context.Context, className string, where map[string]any) (map[string]any, error) {
	var deleted map[string]any
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		documents, err := a.matching(tx, opDelete, className, where)
		if err != nil {
			return err
		}
		if len(documents) == 0 {
			return fmt.Errorf("%w: %s", objects.ErrObjectNotFound, className)
		}
		deleted = documents[0]
		objectID, _ := deleted[fieldObjectID].(string)
		if err := tx.Where(queryClassAndObject, className, objectID).Delete(&objectRecord{}).Error; err != nil {
			a.logError(opDelete, reasonWrite, err, zap.String(logFieldClassName, className))
			return newStoreError(opDelete, reasonWrite, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// AddRelation links owningID to relatedID in joinTable. Adding an existing link is a no-op.
func (a *Adapter) AddRelation(ctx context.Context, joinTable, owningID, relatedID string) error {
	link := relationJoin{JoinTable: joinTable, OwningID: owningID, RelatedID: relatedID}
	if err := a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
		a.logError(opRelation, reasonWrite, err, zap.String(logFieldJoinTable, joinTable))
		return newStoreError(opRelation, reasonWrite, err)
	}
	return nil
}

// RemoveRelation unlinks owningID from relatedID in joinTable.
func (a *Adapter) RemoveRelation(ctx context.Context, joinTable, owningID, relatedID string) error {
	if err := a.db.WithContext(ctx).Where(queryJoinPair, joinTable, owningID, relatedID).Delete(&relationJoin{}).Error; err != nil {
		a.logError(opRelation, reasonWrite, err, zap.String(logFieldJoinTable, joinTable))
		return newStoreError(opRelation, reasonWrite, err)
	}
	return nil
}

// RelatedIDs returns the distinct related ids linked from any of owningIDs.
func (a *Adapter) RelatedIDs(ctx context.Context, joinTable string, owningIDs []string) ([]string, error) {
	return a.pluckJoin(ctx, columnRelatedID, queryJoinOwners, joinTable, owningIDs)
}

// OwningIDs returns the distinct owning ids linking to any of relatedIDs.
func (a *Adapter) OwningIDs(ctx context.Context, joinTable string, relatedIDs []string) ([]string, error) {
	return a.pluckJoin(ctx, columnOwningID, queryJoinRelated, joinTable, relatedIDs)
}

func (a *Adapter) pluckJoin(ctx context.Context, column, condition, joinTable string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	var values []string
	err := a.db.WithContext(ctx).
		Model(&relationJoin{}).
		Distinct(column).
		Where(condition, joinTable, ids).
		Order(column).
		Pluck(column, &values).Error
	if err != nil {
		a.logError(opRelation, reasonQuery, err, zap.String(logFieldJoinTable, joinTable))
		return nil, newStoreError(opRelation, reasonQuery, err)
	}
	return values, nil
}

// GetClass loads the stored schema of className.
func (a *Adapter) GetClass(ctx context.Context, className string) (schema.ClassSchema, error) {
	var record schemaRecord
	err := a.db.WithContext(ctx).Where(queryClassName, className).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return schema.ClassSchema{}, fmt.Errorf("%w: %s", schema.ErrClassNotFound, className)
	}
	if err != nil {
		a.logError(opGetClass, reasonQuery, err, zap.String(logFieldClassName, className))
		return schema.ClassSchema{}, newStoreError(opGetClass, reasonQuery, err)
	}
	return decodeSchema(opGetClass, record)
}

// GetAllClasses loads every stored schema.
func (a *Adapter) GetAllClasses(ctx context.Context) ([]schema.ClassSchema, error) {
	var records []schemaRecord
	if err := a.db.WithContext(ctx).Order("class_name").Find(&records).Error; err != nil {
		a.logError(opListClasses, reasonQuery, err)
		return nil, newStoreError(opListClasses, reasonQuery, err)
	}
	schemas := make([]schema.ClassSchema, 0, len(records))
	for _, record := range records {
		decoded, err := decodeSchema(opListClasses, record)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, decoded)
	}
	return schemas, nil
}

// CreateClass stores a new schema.
func (a *Adapter) CreateClass(ctx context.Context, classSchema schema.ClassSchema) error {
	encoded, err := json.Marshal(classSchema)
	if err != nil {
		return newStoreError(opCreateClass, reasonEncode, err)
	}
	record := schemaRecord{ClassName: classSchema.ClassName, Definition: string(encoded)}
	result := a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		a.logError(opCreateClass, reasonWrite, result.Error, zap.String(logFieldClassName, classSchema.ClassName))
		return newStoreError(opCreateClass, reasonWrite, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", schema.ErrClassExists, classSchema.ClassName)
	}
	return nil
}

// UpdateClass replaces a stored schema.
func (a *Adapter) UpdateClass(ctx context.Context, classSchema schema.ClassSchema) error {
	encoded, err := json.Marshal(classSchema)
	if err != nil {
		return newStoreError(opUpdateClass, reasonEncode, err)
	}
	result := a.db.WithContext(ctx).Model(&schemaRecord{}).
		Where(queryClassName, classSchema.ClassName).
		Update("definition", string(encoded))
	if result.Error != nil {
		a.logError(opUpdateClass, reasonWrite, result.Error, zap.String(logFieldClassName, classSchema.ClassName))
		return newStoreError(opUpdateClass, reasonWrite, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", schema.ErrClassNotFound, classSchema.ClassName)
	}
	return nil
}

// DeleteClass removes a schema together with its documents.
func (a *Adapter) DeleteClass(ctx context.Context, className string) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryClassName, className).Delete(&objectRecord{}).Error; err != nil {
			a.logError(opDeleteClass, reasonWrite, err, zap.String(logFieldClassName, className))
			return newStoreError(opDeleteClass, reasonWrite, err)
		}
		if err := tx.Where(queryClassName, className).Delete(&schemaRecord{}).Error; err != nil {
			a.logError(opDeleteClass, reasonWrite, err, zap.String(logFieldClassName, className))
			return newStoreError(opDeleteClass, reasonWrite, err)
		}
		return nil
	})
}

func (a *Adapter) matching(db *gorm.DB, operation, className string, where map[string]any) ([]map[string]any, error) {
	scoped := db.Where(queryClassName, className)
	if objectID, ok := where[fieldObjectID].(string); ok {
		scoped = db.Where(queryClassAndObject, className, objectID)
	}
	var records []objectRecord
	if err := scoped.Order("object_id").Find(&records).Error; err != nil {
		a.logError(operation, reasonQuery, err, zap.String(logFieldClassName, className))
		return nil, newStoreError(operation, reasonQuery, err)
	}
	documents := make([]map[string]any, 0, len(records))
	for _, record := range records {
		var document map[string]any
		if err := json.Unmarshal([]byte(record.Document), &document); err != nil {
			a.logError(operation, reasonDecode, err, zap.String(logFieldClassName, className))
			return nil, newStoreError(operation, reasonDecode, err)
		}
		if query.Matches(document, where) {
			documents = append(documents, document)
		}
	}
	return documents, nil
}

func (a *Adapter) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{zap.String(logFieldOperationKey, operation), zap.String("reason", reason)}, fields...)
	allFields = append(allFields, zap.Error(err))
	a.logger.Error("database operation failed", allFields...)
}

func decodeSchema(operation string, record schemaRecord) (schema.ClassSchema, error) {
	var decoded schema.ClassSchema
	if err := json.Unmarshal([]byte(record.Definition), &decoded); err != nil {
		return schema.ClassSchema{}, newStoreError(operation, reasonDecode, err)
	}
	if decoded.Fields == nil {
		decoded.Fields = map[string]schema.FieldType{}
	}
	return decoded, nil
}

func cloneDocument(document map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}
	var clone map[string]any
	if err := json.Unmarshal(encoded, &clone); err != nil {
		return nil, err
	}
	return clone, nil
}
