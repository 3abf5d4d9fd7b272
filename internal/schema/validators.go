package schema

import (
	"regexp"
	"strings"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
)

var (
	classAndFieldPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	joinClassPattern     = regexp.MustCompile(`^_Join:[A-Za-z0-9_]+:[A-Za-z0-9_]+$`)
	userIDPattern        = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	roleNamePattern      = regexp.MustCompile(`^role:.+$`)
)

var validFieldTypes = map[string]struct{}{
	TypeString: {}, TypeNumber: {}, TypeBoolean: {}, TypeDate: {}, TypeObject: {},
	TypeArray: {}, TypePointer: {}, TypeRelation: {}, TypeFile: {}, TypeGeoPoint: {},
	TypePolygon: {}, TypeBytes: {}, TypeACL: {},
}

// ClassNameIsValid reports whether className may name a class.
func ClassNameIsValid(className string) bool {
	return IsSystemClass(className) ||
		IsVolatileClass(className) ||
		joinClassPattern.MatchString(className) ||
		FieldNameIsValid(className, "")
}

// FieldNameIsValid reports whether fieldName may name a field of className.
func FieldNameIsValid(fieldName, className string) bool {
	if className != "" && className != "_Hooks" && fieldName == "className" {
		return false
	}
	return classAndFieldPattern.MatchString(fieldName) && fieldName != "length"
}

func invalidClassNameMessage(className string) string {
	return "Invalid classname: " + className +
		", classnames can only have alphanumeric characters and _, and must start with an alpha character "
}

func validateFieldType(name string, fieldType FieldType) error {
	if _, ok := validFieldTypes[fieldType.Type]; !ok {
		return apierr.New(apierr.IncorrectType, "invalid field type: %s", fieldType.Type)
	}
	if fieldType.Type == TypePointer || fieldType.Type == TypeRelation {
		if fieldType.TargetClass == "" {
			return apierr.New(apierr.MissingObjectID, "type %s needs a class name", fieldType.Type)
		}
		if !ClassNameIsValid(fieldType.TargetClass) {
			return apierr.New(apierr.InvalidClassName, "%s", invalidClassNameMessage(fieldType.TargetClass))
		}
	}
	if !FieldNameIsValid(name, "") {
		return apierr.New(apierr.InvalidKeyName, "invalid field name: %s", name)
	}
	return nil
}

// TypeOf infers the field type of an incoming write value.
// The second result is false for values that do not declare a type, such as nil or a Delete op.
func TypeOf(value any) (FieldType, bool, error) {
	switch v := value.(type) {
	case nil:
		return FieldType{}, false, nil
	case bool:
		return FieldType{Type: TypeBoolean}, true, nil
	case string:
		return FieldType{Type: TypeString}, true, nil
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return FieldType{Type: TypeNumber}, true, nil
	case []any, []string:
		return FieldType{Type: TypeArray}, true, nil
	case map[string]any:
		return typeOfObject(v)
	default:
		return FieldType{}, false, apierr.New(apierr.IncorrectType, "bad obj: %v", value)
	}
}

func typeOfObject(object map[string]any) (FieldType, bool, error) {
	if kind, ok := object["__type"].(string); ok {
		switch kind {
		case TypePointer:
			if className, ok := object["className"].(string); ok {
				return FieldType{Type: TypePointer, TargetClass: className}, true, nil
			}
		case TypeRelation:
			if className, ok := object["className"].(string); ok {
				return FieldType{Type: TypeRelation, TargetClass: className}, true, nil
			}
		case TypeFile:
			if _, ok := object["name"].(string); ok {
				return FieldType{Type: TypeFile}, true, nil
			}
		case TypeDate:
			if _, ok := object["iso"].(string); ok {
				return FieldType{Type: TypeDate}, true, nil
			}
		case TypeGeoPoint:
			_, latOK := object["latitude"]
			_, lngOK := object["longitude"]
			if latOK && lngOK {
				return FieldType{Type: TypeGeoPoint}, true, nil
			}
		case TypeBytes:
			if _, ok := object["base64"].(string); ok {
				return FieldType{Type: TypeBytes}, true, nil
			}
		case TypePolygon:
			if _, ok := object["coordinates"].([]any); ok {
				return FieldType{Type: TypePolygon}, true, nil
			}
		}
		return FieldType{}, false, apierr.New(apierr.IncorrectType, "This is not a valid %s", kind)
	}
	if _, ok := object["$ne"]; ok {
		return TypeOf(object["$ne"])
	}
	if op, ok := object["__op"].(string); ok {
		switch op {
		case "Increment":
			return FieldType{Type: TypeNumber}, true, nil
		case "Delete":
			return FieldType{}, false, nil
		case "Add", "AddUnique", "Remove":
			return FieldType{Type: TypeArray}, true, nil
		case "AddRelation", "RemoveRelation":
			objects, _ := object["objects"].([]any)
			if len(objects) > 0 {
				if first, ok := objects[0].(map[string]any); ok {
					if className, ok := first["className"].(string); ok {
						return FieldType{Type: TypeRelation, TargetClass: className}, true, nil
					}
				}
			}
			return FieldType{}, false, apierr.New(apierr.IncorrectType, "%s requires pointer objects", op)
		case "Batch":
			ops, _ := object["ops"].([]any)
			if len(ops) > 0 {
				return TypeOf(ops[0])
			}
			return FieldType{}, false, nil
		default:
			return FieldType{}, false, apierr.New(apierr.IncorrectType, "unexpected op: %s", op)
		}
	}
	return FieldType{Type: TypeObject}, true, nil
}

// ValidateCLP checks the structure of clp against the declared fields.
func ValidateCLP(clp ClassLevelPermissions, fields map[string]FieldType) error {
	for operation, perms := range clp.Operations {
		if !isKnownOperation(operation) {
			return apierr.New(apierr.InvalidJSON, "%s is not a valid operation for class level permissions", operation)
		}
		for principal := range perms.Principals {
			if principal == principalPublic || userIDPattern.MatchString(principal) || roleNamePattern.MatchString(principal) {
				continue
			}
			return apierr.New(apierr.InvalidJSON, "'%s' is not a valid key for class level permissions", principal)
		}
		for _, field := range perms.PointerFields {
			if err := validatePointerPermissionField(field, fields, operation); err != nil {
				return err
			}
		}
	}
	for _, field := range clp.ReadUserFields {
		if err := validatePointerPermissionField(field, fields, OperationFind); err != nil {
			return err
		}
	}
	for _, field := range clp.WriteUserFields {
		if err := validatePointerPermissionField(field, fields, OperationUpdate); err != nil {
			return err
		}
	}
	for principal, protected := range clp.ProtectedFields {
		if principal != principalPublic && !strings.HasPrefix(principal, userFieldPrefix) &&
			!userIDPattern.MatchString(principal) && !roleNamePattern.MatchString(principal) &&
			principal != principalAuthenticated {
			return apierr.New(apierr.InvalidJSON, "'%s' is not a valid key for protectedFields", principal)
		}
		for _, field := range protected {
			if _, ok := fields[field]; !ok {
				return apierr.New(apierr.InvalidJSON, "Field '%s' in protectedFields:%s does not exist", field, principal)
			}
		}
	}
	return nil
}

func isKnownOperation(operation Operation) bool {
	for _, known := range Operations {
		if known == operation {
			return true
		}
	}
	return false
}

func validatePointerPermissionField(field string, fields map[string]FieldType, operation Operation) error {
	fieldType, ok := fields[field]
	if ok && ((fieldType.Type == TypePointer && fieldType.TargetClass == ClassUser) || fieldType.Type == TypeArray) {
		return nil
	}
	return apierr.New(apierr.InvalidJSON,
		"'%s' is not a valid column for class level pointer permissions %s", field, operation)
}
