package query

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
)

// Hash returns a stable digest of the (className, predicate) pair.
// Map keys are encoded in sorted order, so logically identical predicates share a hash.
func Hash(className string, predicate map[string]any) string {
	if predicate == nil {
		predicate = map[string]any{}
	}
	encoded, err := json.Marshal(map[string]any{
		"className": className,
		"where":     predicate,
	})
	if err != nil {
		encoded = []byte(className)
	}
	return strconv.FormatUint(xxhash.Sum64(encoded), 16)
}

// IsObjectIDQuery reports whether predicate is exactly {objectId: <string>}.
func IsObjectIDQuery(predicate map[string]any) bool {
	if len(predicate) != 1 {
		return false
	}
	_, ok := predicate["objectId"].(string)
	return ok
}
