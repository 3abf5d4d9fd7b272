package query

import (
	"regexp"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
)

var (
	keyNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.]*$`)
	optionsPattern = regexp.MustCompile(`^[imxs]+$`)
)

var specialQueryKeys = map[string]struct{}{
	"$and":                           {},
	"$or":                            {},
	"$nor":                           {},
	"$relatedTo":                     {},
	"_rperm":                         {},
	"_wperm":                         {},
	"_perishable_token":              {},
	"_email_verify_token":            {},
	"_email_verify_token_expires_at": {},
	"_account_lockout_expires_at":    {},
	"_failed_login_count":            {},
}

var knownOperators = map[string]struct{}{
	"$eq": {}, "$ne": {}, "$lt": {}, "$lte": {}, "$gt": {}, "$gte": {},
	"$in": {}, "$nin": {}, "$all": {}, "$containedBy": {}, "$exists": {},
	"$regex": {}, "$options": {},
	"$nearSphere": {}, "$maxDistance": {}, "$maxDistanceInRadians": {},
	"$maxDistanceInMiles": {}, "$maxDistanceInKilometers": {},
	"$within": {}, "$geoWithin": {}, "$geoIntersects": {},
	"$select": {}, "$dontSelect": {}, "$inQuery": {}, "$notInQuery": {}, "$text": {},
}

// Validate rejects predicates with malformed compound clauses, invalid key names,
// unknown operators or bad regex options.
func Validate(predicate map[string]any) error {
	if _, ok := predicate["ACL"]; ok {
		return apierr.New(apierr.InvalidQuery, "Cannot query on ACL.")
	}
	for _, compound := range []string{"$or", "$and", "$nor"} {
		raw, ok := predicate[compound]
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok || len(list) == 0 {
			return apierr.New(apierr.InvalidQuery, "Bad %s format - use an array of at least 1 value.", compound)
		}
		for _, entry := range list {
			clause, ok := entry.(map[string]any)
			if !ok {
				return apierr.New(apierr.InvalidQuery, "Bad %s format - use an array of objects.", compound)
			}
			if err := Validate(clause); err != nil {
				return err
			}
		}
	}

	for key, constraint := range predicate {
		if _, special := specialQueryKeys[key]; !special && !keyNamePattern.MatchString(key) {
			return apierr.New(apierr.InvalidKeyName, "Invalid key name: %s", key)
		}
		operators, ok := constraint.(map[string]any)
		if !ok || !isOperatorMap(operators) {
			continue
		}
		for operator := range operators {
			if _, known := knownOperators[operator]; !known {
				return apierr.New(apierr.InvalidQuery, "bad constraint: %s", operator)
			}
		}
		if _, hasRegex := operators["$regex"]; hasRegex {
			if options, ok := operators["$options"].(string); ok && !optionsPattern.MatchString(options) {
				return apierr.New(apierr.InvalidQuery, "Bad $options value for query: %s", options)
			}
		} else if _, hasOptions := operators["$options"]; hasOptions {
			return apierr.New(apierr.InvalidQuery, "$options requires $regex")
		}
		if pattern, ok := operators["$regex"].(string); ok {
			options, _ := operators["$options"].(string)
			if _, err := compileRegex(pattern, options); err != nil {
				return apierr.Wrap(apierr.InvalidQuery, err, "bad $regex: %s", pattern)
			}
		}
	}
	return nil
}
