package objects

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrObjectNotFound is returned (wrapped) by adapters when no stored document matches.
	ErrObjectNotFound = errors.New("objects: object not found")
	// ErrDuplicateObject is returned (wrapped) by adapters when an objectId is already taken.
	ErrDuplicateObject = errors.New("objects: duplicate object id")
)

// ReadPreference names the replica a find may be served from.
type ReadPreference string

// Read preferences accepted by finds. The zero value lets the adapter choose.
const (
	ReadPrimary            ReadPreference = "PRIMARY"
	ReadPrimaryPreferred   ReadPreference = "PRIMARY_PREFERRED"
	ReadSecondary          ReadPreference = "SECONDARY"
	ReadSecondaryPreferred ReadPreference = "SECONDARY_PREFERRED"
	ReadNearest            ReadPreference = "NEAREST"
)

// ParseReadPreference validates a read preference name, case-insensitively.
func ParseReadPreference(value string) (ReadPreference, bool) {
	switch preference := ReadPreference(strings.ToUpper(strings.TrimSpace(value))); preference {
	case "":
		return "", true
	case ReadPrimary, ReadPrimaryPreferred, ReadSecondary, ReadSecondaryPreferred, ReadNearest:
		return preference, true
	default:
		return "", false
	}
}

// QueryOptions orders and pages an adapter find.
type QueryOptions struct {
	Order          []string
	Skip           int
	Limit          int
	ReadPreference ReadPreference
}

// Mutation rewrites a stored document in place.
type Mutation func(document map[string]any) error

// Adapter persists documents in storage form: REST field values plus _rperm and _wperm, without ACL.
type Adapter interface {
	Find(ctx context.Context, className string, where map[string]any, options QueryOptions) ([]map[string]any, error)
	Count(ctx context.Context, className string, where map[string]any) (int, error)
	Insert(ctx context.Context, className string, document map[string]any) error
	// Update applies mutate to the first document matching where and returns the document before and after.
	Update(ctx context.Context, className string, where map[string]any, mutate Mutation) (map[string]any, map[string]any, error)
	// Delete removes the first document matching where and returns it.
	Delete(ctx context.Context, className string, where map[string]any) (map[string]any, error)

	AddRelation(ctx context.Context, joinTable, owningID, relatedID string) error
	RemoveRelation(ctx context.Context, joinTable, owningID, relatedID string) error
	RelatedIDs(ctx context.Context, joinTable string, owningIDs []string) ([]string, error)
	OwningIDs(ctx context.Context, joinTable string, relatedIDs []string) ([]string, error)
}

// JoinTableName names the join table backing the relation field of className.
func JoinTableName(className, field string) string {
	return "_Join:" + field + ":" + className
}
