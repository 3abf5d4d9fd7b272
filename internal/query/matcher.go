// Package query evaluates and validates where-clause predicates against object attribute maps.
package query

import (
	"math"
	"regexp"
	"strings"
	"time"
)

const (
	typeKey     = "__type"
	typePointer = "Pointer"
	typeObject  = "Object"
	typeDate    = "Date"
	typePolygon = "Polygon"

	earthRadiusMiles      = 3958.8
	earthRadiusKilometers = 6371.0
)

// Matches reports whether object satisfies every constraint in predicate.
// A nil object never matches. Matches performs no I/O and does not mutate its inputs.
func Matches(object map[string]any, predicate map[string]any) bool {
	if object == nil {
		return false
	}
	for key, constraint := range predicate {
		if !matchesKey(object, key, constraint) {
			return false
		}
	}
	return true
}

func matchesKey(object map[string]any, key string, constraint any) bool {
	switch key {
	case "$or":
		for _, clause := range clauses(constraint) {
			if Matches(object, clause) {
				return true
			}
		}
		return false
	case "$and":
		for _, clause := range clauses(constraint) {
			if !Matches(object, clause) {
				return false
			}
		}
		return true
	case "$nor":
		for _, clause := range clauses(constraint) {
			if Matches(object, clause) {
				return false
			}
		}
		return true
	case "$relatedTo":
		// relation constraints are flattened before they reach the matcher
		return false
	}

	value, present := lookup(object, key)
	return matchesConstraint(value, present, constraint)
}

func clauses(constraint any) []map[string]any {
	list, ok := constraint.([]any)
	if !ok {
		if typed, ok := constraint.([]map[string]any); ok {
			return typed
		}
		return nil
	}
	result := make([]map[string]any, 0, len(list))
	for _, entry := range list {
		if clause, ok := entry.(map[string]any); ok {
			result = append(result, clause)
		}
	}
	return result
}

func lookup(object map[string]any, key string) (any, bool) {
	if !strings.Contains(key, ".") {
		value, ok := object[key]
		return value, ok
	}
	current := any(object)
	for _, segment := range strings.Split(key, ".") {
		nested, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = nested[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func matchesConstraint(value any, present bool, constraint any) bool {
	operators, ok := constraint.(map[string]any)
	if !ok || !isOperatorMap(operators) {
		return equalGeneric(value, present, constraint)
	}

	for operator, operand := range operators {
		switch operator {
		case "$eq":
			if !equalGeneric(value, present, operand) {
				return false
			}
		case "$ne":
			if equalGeneric(value, present, operand) {
				return false
			}
		case "$lt", "$lte", "$gt", "$gte":
			if !present || !compareWith(operator, value, operand) {
				return false
			}
		case "$in":
			if !containsAny(value, present, operand) {
				return false
			}
		case "$nin":
			if containsAny(value, present, operand) {
				return false
			}
		case "$all":
			if !containsAll(value, operand) {
				return false
			}
		case "$containedBy":
			if !containedBy(value, operand) {
				return false
			}
		case "$exists":
			required, _ := operand.(bool)
			if present != required {
				return false
			}
		case "$regex":
			options, _ := operators["$options"].(string)
			if !matchesRegex(value, operand, options) {
				return false
			}
		case "$options", "$maxDistance", "$maxDistanceInRadians", "$maxDistanceInMiles", "$maxDistanceInKilometers":
			// consumed by $regex and $nearSphere
		case "$nearSphere":
			if !present || !withinDistance(value, operand, operators) {
				return false
			}
		case "$within":
			if !present || !withinBox(value, operand) {
				return false
			}
		case "$geoWithin":
			if !present || !geoWithin(value, operand) {
				return false
			}
		case "$geoIntersects":
			if !present || !geoIntersects(value, operand) {
				return false
			}
		default:
			// $select, $dontSelect, $inQuery, $notInQuery and $text cannot be evaluated locally
			return false
		}
	}
	return true
}

func isOperatorMap(candidate map[string]any) bool {
	if _, typed := candidate[typeKey]; typed {
		return false
	}
	for key := range candidate {
		if strings.HasPrefix(key, "$") {
			return true
		}
	}
	return false
}

// equalGeneric applies equality to a scalar field, or to any element of an array field.
func equalGeneric(value any, present bool, expected any) bool {
	if expected == nil {
		return !present || value == nil
	}
	if !present {
		return false
	}
	if list, ok := asList(value); ok {
		if _, expectedList := asList(expected); !expectedList {
			for _, element := range list {
				if equalValues(element, expected) {
					return true
				}
			}
			return false
		}
	}
	return equalValues(value, expected)
}

// Equal reports whether two field values are equal under the matcher's equality rules.
func Equal(left, right any) bool {
	return equalValues(left, right)
}

func equalValues(left, right any) bool {
	if lf, ok := toFloat(left); ok {
		rf, ok := toFloat(right)
		return ok && lf == rf
	}
	switch l := left.(type) {
	case nil:
		return right == nil
	case string:
		if r, ok := right.(string); ok {
			return l == r
		}
		if rt, ok := toTime(right); ok {
			lt, ok := toTime(l)
			return ok && lt.Equal(rt)
		}
		return false
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	case []any:
		r, ok := asList(right)
		if !ok || len(l) != len(r) {
			return false
		}
		for i := range l {
			if !equalValues(l[i], r[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		if isReference(l) && isReferenceValue(right) {
			r := right.(map[string]any)
			return l["className"] == r["className"] && l["objectId"] == r["objectId"]
		}
		if lt, ok := toTime(l); ok {
			rt, ok := toTime(right)
			return ok && lt.Equal(rt)
		}
		r, ok := right.(map[string]any)
		if !ok || len(l) != len(r) {
			return false
		}
		for key, lv := range l {
			rv, ok := r[key]
			if !ok || !equalValues(lv, rv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		list := make([]any, len(v))
		for i, entry := range v {
			list[i] = entry
		}
		return list, true
	default:
		return nil, false
	}
}

func isReference(value map[string]any) bool {
	kind, _ := value[typeKey].(string)
	return kind == typePointer || kind == typeObject
}

func isReferenceValue(value any) bool {
	typed, ok := value.(map[string]any)
	return ok && isReference(typed)
}

func containsAny(value any, present bool, operand any) bool {
	candidates, ok := asList(operand)
	if !ok {
		return false
	}
	for _, candidate := range candidates {
		if equalGeneric(value, present, candidate) {
			return true
		}
	}
	return false
}

func containsAll(value any, operand any) bool {
	list, ok := asList(value)
	if !ok {
		return false
	}
	required, ok := asList(operand)
	if !ok {
		return false
	}
	for _, needle := range required {
		found := false
		for _, element := range list {
			if equalValues(element, needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containedBy(value any, operand any) bool {
	list, ok := asList(value)
	if !ok {
		return false
	}
	allowed, ok := asList(operand)
	if !ok {
		return false
	}
	for _, element := range list {
		found := false
		for _, candidate := range allowed {
			if equalValues(element, candidate) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func compareWith(operator string, value, operand any) bool {
	result, ok := compare(value, operand)
	if !ok {
		return false
	}
	switch operator {
	case "$lt":
		return result < 0
	case "$lte":
		return result <= 0
	case "$gt":
		return result > 0
	default:
		return result >= 0
	}
}

func compare(left, right any) (int, bool) {
	if rt, ok := toTime(right); ok {
		lt, ok := toTime(left)
		if !ok {
			return 0, false
		}
		return lt.Compare(rt), true
	}
	if rf, ok := toFloat(right); ok {
		lf, ok := toFloat(left)
		if !ok {
			return 0, false
		}
		switch {
		case lf < rf:
			return -1, true
		case lf > rf:
			return 1, true
		default:
			return 0, true
		}
	}
	if rs, ok := right.(string); ok {
		ls, ok := left.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(ls, rs), true
	}
	return 0, false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func toTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		return parsed, err == nil
	case map[string]any:
		if kind, _ := v[typeKey].(string); kind != typeDate {
			return time.Time{}, false
		}
		iso, _ := v["iso"].(string)
		parsed, err := time.Parse(time.RFC3339Nano, iso)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func matchesRegex(value any, pattern any, options string) bool {
	subject, ok := value.(string)
	if !ok {
		return false
	}
	expression, ok := pattern.(string)
	if !ok {
		return false
	}
	compiled, err := compileRegex(expression, options)
	if err != nil {
		return false
	}
	return compiled.MatchString(subject)
}

func compileRegex(expression, options string) (*regexp.Regexp, error) {
	flags := ""
	for _, option := range options {
		switch option {
		case 'i', 'm', 's':
			flags += string(option)
		case 'x':
			expression = stripExtendedWhitespace(expression)
		}
	}
	if flags != "" {
		expression = "(?" + flags + ")" + expression
	}
	return regexp.Compile(expression)
}

// stripExtendedWhitespace drops unescaped whitespace and #-comments the way the x flag does.
func stripExtendedWhitespace(expression string) string {
	var builder strings.Builder
	escaped := false
	comment := false
	for _, r := range expression {
		switch {
		case comment:
			if r == '\n' {
				comment = false
			}
		case escaped:
			builder.WriteRune(r)
			escaped = false
		case r == '\\':
			builder.WriteRune(r)
			escaped = true
		case r == '#':
			comment = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
		default:
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

type geoPoint struct {
	latitude  float64
	longitude float64
}

func toGeoPoint(value any) (geoPoint, bool) {
	switch v := value.(type) {
	case map[string]any:
		lat, latOK := toFloat(v["latitude"])
		lng, lngOK := toFloat(v["longitude"])
		return geoPoint{latitude: lat, longitude: lng}, latOK && lngOK
	case []any:
		if len(v) != 2 {
			return geoPoint{}, false
		}
		lat, latOK := toFloat(v[0])
		lng, lngOK := toFloat(v[1])
		return geoPoint{latitude: lat, longitude: lng}, latOK && lngOK
	default:
		return geoPoint{}, false
	}
}

func radiansTo(from, to geoPoint) float64 {
	d2r := math.Pi / 180
	lat1 := from.latitude * d2r
	lat2 := to.latitude * d2r
	sinDeltaLat := math.Sin((lat1 - lat2) / 2)
	sinDeltaLng := math.Sin((from.longitude - to.longitude) * d2r / 2)
	a := sinDeltaLat*sinDeltaLat + math.Cos(lat1)*math.Cos(lat2)*sinDeltaLng*sinDeltaLng
	a = math.Min(1, a)
	return 2 * math.Asin(math.Sqrt(a))
}

func withinDistance(value, operand any, operators map[string]any) bool {
	point, ok := toGeoPoint(value)
	if !ok {
		return false
	}
	center, ok := toGeoPoint(operand)
	if !ok {
		return false
	}
	distance := radiansTo(point, center)
	if limit, ok := toFloat(operators["$maxDistance"]); ok {
		return distance <= limit
	}
	if limit, ok := toFloat(operators["$maxDistanceInRadians"]); ok {
		return distance <= limit
	}
	if limit, ok := toFloat(operators["$maxDistanceInMiles"]); ok {
		return distance <= limit/earthRadiusMiles
	}
	if limit, ok := toFloat(operators["$maxDistanceInKilometers"]); ok {
		return distance <= limit/earthRadiusKilometers
	}
	return true
}

func withinBox(value, operand any) bool {
	point, ok := toGeoPoint(value)
	if !ok {
		return false
	}
	spec, ok := operand.(map[string]any)
	if !ok {
		return false
	}
	corners, ok := spec["$box"].([]any)
	if !ok || len(corners) != 2 {
		return false
	}
	southWest, swOK := toGeoPoint(corners[0])
	northEast, neOK := toGeoPoint(corners[1])
	if !swOK || !neOK {
		return false
	}
	return point.latitude >= southWest.latitude && point.latitude <= northEast.latitude &&
		point.longitude >= southWest.longitude && point.longitude <= northEast.longitude
}

func geoWithin(value, operand any) bool {
	point, ok := toGeoPoint(value)
	if !ok {
		return false
	}
	spec, ok := operand.(map[string]any)
	if !ok {
		return false
	}
	if rawPolygon, ok := spec["$polygon"]; ok {
		vertices, ok := toVertices(rawPolygon)
		return ok && polygonContains(vertices, point)
	}
	if rawSphere, ok := spec["$centerSphere"].([]any); ok && len(rawSphere) == 2 {
		center, ok := toGeoPoint(rawSphere[0])
		if !ok {
			return false
		}
		radius, ok := toFloat(rawSphere[1])
		return ok && radiansTo(point, center) <= radius
	}
	return false
}

func geoIntersects(value, operand any) bool {
	polygon, ok := value.(map[string]any)
	if !ok {
		return false
	}
	if kind, _ := polygon[typeKey].(string); kind != typePolygon {
		return false
	}
	vertices, ok := toVertices(polygon["coordinates"])
	if !ok {
		return false
	}
	spec, ok := operand.(map[string]any)
	if !ok {
		return false
	}
	point, ok := toGeoPoint(spec["$point"])
	return ok && polygonContains(vertices, point)
}

func toVertices(raw any) ([]geoPoint, bool) {
	list, ok := raw.([]any)
	if !ok || len(list) < 3 {
		return nil, false
	}
	vertices := make([]geoPoint, 0, len(list))
	for _, entry := range list {
		vertex, ok := toGeoPoint(entry)
		if !ok {
			return nil, false
		}
		vertices = append(vertices, vertex)
	}
	return vertices, true
}

// polygonContains uses ray casting over latitude/longitude pairs.
func polygonContains(vertices []geoPoint, point geoPoint) bool {
	inside := false
	for i, j := 0, len(vertices)-1; i < len(vertices); j, i = i, i+1 {
		a, b := vertices[i], vertices[j]
		if (a.longitude > point.longitude) != (b.longitude > point.longitude) &&
			point.latitude < (b.latitude-a.latitude)*(point.longitude-a.longitude)/(b.longitude-a.longitude)+a.latitude {
			inside = !inside
		}
	}
	return inside
}
