// Package objects is the permission-checked read and write layer over the storage adapter.
package objects

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/pubsub"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/query"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

const (
	classUser      = schema.ClassUser
	principalAll   = "*"
	rolePrefix     = "role:"
	keyRelatedTo   = "$relatedTo"
	operatorIn     = "$in"
	operatorNotIn  = "$nin"
	operatorEquals = "$eq"
	operatorNot    = "$ne"
)

var (
	errMissingAdapter = errors.New("objects: adapter is required")
	errMissingSchemas = errors.New("objects: schema controller is required")
)

// ControllerConfig describes the dependencies of a Controller.
type ControllerConfig struct {
	Adapter    Adapter
	Schemas    *schema.Controller
	Publisher  pubsub.Publisher
	AppID      string
	Clock      func() time.Time
	IDProvider func() string
	Logger     *zap.Logger
}

// Controller validates permissions, rewrites queries for ACLs and relations, and delegates to the adapter.
type Controller struct {
	adapter    Adapter
	schemas    *schema.Controller
	publisher  pubsub.Publisher
	appID      string
	clock      func() time.Time
	idProvider func() string
	logger     *zap.Logger
}

// FindOptions carries the caller identity and paging of a find.
// A nil ACL marks a master request that bypasses every permission check.
type FindOptions struct {
	ACL            []string
	Skip           int
	Limit          int
	Order          []string
	Count          bool
	Keys           []string
	ReadPreference ReadPreference
}

// FindResult holds either the matching objects or, for counting finds, their number.
type FindResult struct {
	Results []map[string]any
	Count   int
}

// NewController constructs a Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Adapter == nil {
		return nil, errMissingAdapter
	}
	if cfg.Schemas == nil {
		return nil, errMissingSchemas
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		adapter:    cfg.Adapter,
		schemas:    cfg.Schemas,
		publisher:  cfg.Publisher,
		appID:      cfg.AppID,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Schemas returns the schema controller the object layer validates against.
func (c *Controller) Schemas() *schema.Controller {
	return c.schemas
}

// Find runs a permission-checked query against className.
func (c *Controller) Find(ctx context.Context, className string, where map[string]any, options FindOptions) (FindResult, error) {
	if where == nil {
		where = map[string]any{}
	}
	isMaster := options.ACL == nil
	operation := schema.OperationFind
	switch {
	case options.Count:
		operation = schema.OperationCount
	case query.IsObjectIDQuery(where):
		operation = schema.OperationGet
	}

	if !schema.ClassNameIsValid(className) {
		return FindResult{}, apierr.New(apierr.InvalidClassName, "Invalid classname: %s", className)
	}
	if !isMaster {
		if err := c.schemas.ValidatePermission(ctx, className, options.ACL, operation); err != nil {
			c.logger.Debug("object read denied",
				zap.String("class_name", className),
				zap.String("operation", string(operation)),
				zap.Error(err))
			return FindResult{}, err
		}
	}
	if err := query.Validate(where); err != nil {
		return FindResult{}, err
	}

	scoped, empty, err := c.pointerPermissions(ctx, className, where, options.ACL, operation)
	if err != nil {
		return FindResult{}, err
	}
	if empty {
		return emptyResult(options.Count), nil
	}
	scoped, err = c.reduceRelations(ctx, className, scoped)
	if err != nil {
		return FindResult{}, err
	}
	if !isMaster {
		scoped = andConstraint(scoped, readScope(options.ACL))
	}

	if options.Count {
		count, err := c.adapter.Count(ctx, className, scoped)
		if err != nil {
			return FindResult{}, err
		}
		return FindResult{Count: count}, nil
	}

	documents, err := c.adapter.Find(ctx, className, scoped, QueryOptions{
		Order:          options.Order,
		Skip:           options.Skip,
		Limit:          options.Limit,
		ReadPreference: options.ReadPreference,
	})
	if err != nil {
		return FindResult{}, err
	}
	var clp schema.ClassLevelPermissions
	if !isMaster {
		if clp, _, err = c.schemas.GetClassLevelPermissions(ctx, className); err != nil {
			return FindResult{}, err
		}
	}
	results := make([]map[string]any, 0, len(documents))
	for _, document := range documents {
		result := sanitize(className, document, isMaster, options.Keys)
		for _, field := range schema.ProtectedFieldsFor(clp, className, options.ACL, document) {
			delete(result, field)
		}
		results = append(results, result)
	}
	return FindResult{Results: results}, nil
}

// Get returns a single object by id.
func (c *Controller) Get(ctx context.Context, className, objectID string, acl []string) (map[string]any, error) {
	result, err := c.Find(ctx, className, map[string]any{fieldObjectID: objectID}, FindOptions{ACL: acl, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(result.Results) == 0 {
		return nil, apierr.New(apierr.ObjectNotFound, "Object not found.")
	}
	return result.Results[0], nil
}

// pointerPermissions narrows where to rows whose user pointer fields reference the caller
// when the class grants operation only through pointer permissions. The second result
// reports that no row can match.
func (c *Controller) pointerPermissions(ctx context.Context, className string, where map[string]any, aclGroup []string, operation schema.Operation) (map[string]any, bool, error) {
	if aclGroup == nil {
		return where, false, nil
	}
	classSchema, err := c.schemas.GetOneSchema(ctx, className, true)
	if err != nil {
		if errors.Is(err, schema.ErrClassNotFound) {
			return where, false, nil
		}
		return nil, false, err
	}
	clp := classSchema.ClassLevelPermissions
	if schema.TestPermissions(clp, aclGroup, operation) {
		return where, false, nil
	}
	fields := schema.PointerPermissionFields(clp, operation)
	if len(fields) == 0 {
		return where, false, nil
	}
	userID := userIDFromACL(aclGroup)
	if userID == "" {
		return nil, true, nil
	}

	userPointer := pointer(classUser, userID)
	clauses := make([]any, 0, len(fields))
	for _, field := range fields {
		if fieldType, ok := classSchema.ExpectedType(field); ok && fieldType.Type == schema.TypeArray {
			clauses = append(clauses, map[string]any{field: map[string]any{"$all": []any{userPointer}}})
			continue
		}
		clauses = append(clauses, map[string]any{field: userPointer})
	}
	if len(clauses) == 1 {
		return andConstraint(where, clauses[0].(map[string]any)), false, nil
	}
	return andConstraint(where, map[string]any{"$or": clauses}), false, nil
}

// reduceRelations replaces $relatedTo and relation-field constraints with objectId constraints
// resolved through the join tables.
func (c *Controller) reduceRelations(ctx context.Context, className string, where map[string]any) (map[string]any, error) {
	reduced := make(map[string]any, len(where))
	var objectIDConstraints []any

	classSchema, err := c.schemas.GetOneSchema(ctx, className, true)
	if err != nil && !errors.Is(err, schema.ErrClassNotFound) {
		return nil, err
	}

	for key, constraint := range where {
		switch key {
		case "$or", "$and", "$nor":
			clauses, _ := constraint.([]any)
			rewritten := make([]any, 0, len(clauses))
			for _, clause := range clauses {
				clauseMap, ok := clause.(map[string]any)
				if !ok {
					continue
				}
				reducedClause, err := c.reduceRelations(ctx, className, clauseMap)
				if err != nil {
					return nil, err
				}
				rewritten = append(rewritten, reducedClause)
			}
			reduced[key] = rewritten
			continue
		case keyRelatedTo:
			ids, err := c.relatedTo(ctx, constraint)
			if err != nil {
				return nil, err
			}
			objectIDConstraints = append(objectIDConstraints, map[string]any{fieldObjectID: map[string]any{operatorIn: toAnyList(ids)}})
			continue
		}

		fieldType, ok := classSchema.ExpectedType(key)
		if !ok || fieldType.Type != schema.TypeRelation {
			reduced[key] = constraint
			continue
		}
		relationConstraint, err := c.relationFieldConstraint(ctx, className, key, constraint)
		if err != nil {
			return nil, err
		}
		objectIDConstraints = append(objectIDConstraints, relationConstraint)
	}

	if len(objectIDConstraints) == 0 {
		return reduced, nil
	}
	if len(reduced) > 0 {
		objectIDConstraints = append([]any{reduced}, objectIDConstraints...)
	}
	if len(objectIDConstraints) == 1 {
		return objectIDConstraints[0].(map[string]any), nil
	}
	return map[string]any{"$and": objectIDConstraints}, nil
}

func (c *Controller) relatedTo(ctx context.Context, constraint any) ([]string, error) {
	relatedTo, _ := constraint.(map[string]any)
	owner, _ := relatedTo["object"].(map[string]any)
	key, _ := relatedTo["key"].(string)
	ownerClass, _ := owner["className"].(string)
	ownerID, _ := owner[fieldObjectID].(string)
	if ownerClass == "" || ownerID == "" || key == "" {
		return nil, apierr.New(apierr.InvalidJSON, "bad $relatedTo")
	}
	return c.adapter.RelatedIDs(ctx, JoinTableName(ownerClass, key), []string{ownerID})
}

func (c *Controller) relationFieldConstraint(ctx context.Context, className, field string, constraint any) (map[string]any, error) {
	joinTable := JoinTableName(className, field)
	include := true
	var targets []any
	switch typed := constraint.(type) {
	case map[string]any:
		switch {
		case typed["__type"] == "Pointer":
			targets = []any{typed}
		case typed[operatorIn] != nil:
			targets, _ = typed[operatorIn].([]any)
		case typed[operatorEquals] != nil:
			targets = []any{typed[operatorEquals]}
		case typed[operatorNotIn] != nil:
			targets, _ = typed[operatorNotIn].([]any)
			include = false
		case typed[operatorNot] != nil:
			targets = []any{typed[operatorNot]}
			include = false
		default:
			return nil, apierr.New(apierr.InvalidQuery, "unsupported constraint on relation field %s", field)
		}
	default:
		return nil, apierr.New(apierr.InvalidQuery, "unsupported constraint on relation field %s", field)
	}

	relatedIDs := make([]string, 0, len(targets))
	for _, target := range targets {
		targetPointer, _ := target.(map[string]any)
		if objectID, ok := targetPointer[fieldObjectID].(string); ok {
			relatedIDs = append(relatedIDs, objectID)
		}
	}
	owningIDs, err := c.adapter.OwningIDs(ctx, joinTable, relatedIDs)
	if err != nil {
		return nil, err
	}
	operator := operatorIn
	if !include {
		operator = operatorNotIn
	}
	return map[string]any{fieldObjectID: map[string]any{operator: toAnyList(owningIDs)}}, nil
}

func readScope(aclGroup []string) map[string]any {
	return map[string]any{fieldReadPerms: map[string]any{operatorIn: permissionCandidates(aclGroup)}}
}

func writeScope(aclGroup []string) map[string]any {
	return map[string]any{fieldWritePerms: map[string]any{operatorIn: permissionCandidates(aclGroup)}}
}

func permissionCandidates(aclGroup []string) []any {
	candidates := make([]any, 0, len(aclGroup)+2)
	candidates = append(candidates, nil, principalAll)
	for _, principal := range aclGroup {
		if principal != principalAll {
			candidates = append(candidates, principal)
		}
	}
	return candidates
}

func userIDFromACL(aclGroup []string) string {
	for _, principal := range aclGroup {
		if principal != principalAll && !strings.HasPrefix(principal, rolePrefix) {
			return principal
		}
	}
	return ""
}

func emptyResult(count bool) FindResult {
	if count {
		return FindResult{Count: 0}
	}
	return FindResult{Results: []map[string]any{}}
}
