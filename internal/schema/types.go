// Package schema projects class schemas, enforces field types and evaluates class-level permissions.
package schema

import (
	"sort"

	json "github.com/goccy/go-json"
)

// Field type names.
const (
	TypeString   = "String"
	TypeNumber   = "Number"
	TypeBoolean  = "Boolean"
	TypeDate     = "Date"
	TypeObject   = "Object"
	TypeArray    = "Array"
	TypePointer  = "Pointer"
	TypeRelation = "Relation"
	TypeFile     = "File"
	TypeGeoPoint = "GeoPoint"
	TypePolygon  = "Polygon"
	TypeBytes    = "Bytes"
	TypeACL      = "ACL"
)

// Operation names a class-level permission slot.
type Operation string

const (
	OperationGet      Operation = "get"
	OperationFind     Operation = "find"
	OperationCount    Operation = "count"
	OperationCreate   Operation = "create"
	OperationUpdate   Operation = "update"
	OperationDelete   Operation = "delete"
	OperationAddField Operation = "addField"
)

// Operations lists every operation in a stable order.
var Operations = []Operation{
	OperationGet, OperationFind, OperationCount, OperationCreate,
	OperationUpdate, OperationDelete, OperationAddField,
}

// IsRead reports whether the operation reads data.
func (o Operation) IsRead() bool {
	return o == OperationGet || o == OperationFind || o == OperationCount
}

const (
	principalPublic           = "*"
	keyRequiresAuthentication = "requiresAuthentication"
	keyPointerFields          = "pointerFields"
	keyReadUserFields         = "readUserFields"
	keyWriteUserFields        = "writeUserFields"
	keyProtectedFields        = "protectedFields"
)

// FieldType describes the declared type of a class field.
type FieldType struct {
	Type        string `json:"type"`
	TargetClass string `json:"targetClass,omitempty"`
}

// String renders the type the way mismatch errors report it.
func (f FieldType) String() string {
	if f.TargetClass != "" {
		return f.Type + "<" + f.TargetClass + ">"
	}
	return f.Type
}

// OperationPermissions is the grant set for a single operation.
type OperationPermissions struct {
	Principals             map[string]bool
	RequiresAuthentication bool
	PointerFields          []string
}

// ClassLevelPermissions maps operations to grants plus the pointer-permission field lists.
type ClassLevelPermissions struct {
	Operations      map[Operation]OperationPermissions
	ReadUserFields  []string
	WriteUserFields []string
	ProtectedFields map[string][]string
}

// DefaultClassLevelPermissions grants every operation to the public.
func DefaultClassLevelPermissions() ClassLevelPermissions {
	operations := make(map[Operation]OperationPermissions, len(Operations))
	for _, operation := range Operations {
		operations[operation] = OperationPermissions{Principals: map[string]bool{principalPublic: true}}
	}
	return ClassLevelPermissions{
		Operations:      operations,
		ProtectedFields: map[string][]string{principalPublic: {}},
	}
}

// MarshalJSON encodes the permissions in their wire form.
func (c ClassLevelPermissions) MarshalJSON() ([]byte, error) {
	encoded := make(map[string]any, len(c.Operations)+3)
	for operation, perms := range c.Operations {
		entry := make(map[string]any, len(perms.Principals)+2)
		for principal, granted := range perms.Principals {
			if granted {
				entry[principal] = true
			}
		}
		if perms.RequiresAuthentication {
			entry[keyRequiresAuthentication] = true
		}
		if len(perms.PointerFields) > 0 {
			entry[keyPointerFields] = perms.PointerFields
		}
		encoded[string(operation)] = entry
	}
	if len(c.ReadUserFields) > 0 {
		encoded[keyReadUserFields] = c.ReadUserFields
	}
	if len(c.WriteUserFields) > 0 {
		encoded[keyWriteUserFields] = c.WriteUserFields
	}
	if c.ProtectedFields != nil {
		encoded[keyProtectedFields] = c.ProtectedFields
	}
	return json.Marshal(encoded)
}

// UnmarshalJSON decodes the wire form.
func (c *ClassLevelPermissions) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded := ClassLevelPermissions{Operations: make(map[Operation]OperationPermissions)}
	for key, value := range raw {
		switch key {
		case keyReadUserFields:
			if err := json.Unmarshal(value, &decoded.ReadUserFields); err != nil {
				return err
			}
		case keyWriteUserFields:
			if err := json.Unmarshal(value, &decoded.WriteUserFields); err != nil {
				return err
			}
		case keyProtectedFields:
			if err := json.Unmarshal(value, &decoded.ProtectedFields); err != nil {
				return err
			}
		default:
			var entry map[string]json.RawMessage
			if err := json.Unmarshal(value, &entry); err != nil {
				return err
			}
			perms := OperationPermissions{Principals: make(map[string]bool)}
			for principal, grant := range entry {
				switch principal {
				case keyPointerFields:
					if err := json.Unmarshal(grant, &perms.PointerFields); err != nil {
						return err
					}
				case keyRequiresAuthentication:
					var flag bool
					if err := json.Unmarshal(grant, &flag); err != nil {
						return err
					}
					perms.RequiresAuthentication = flag
				default:
					var flag bool
					if err := json.Unmarshal(grant, &flag); err != nil {
						return err
					}
					if flag {
						perms.Principals[principal] = true
					}
				}
			}
			decoded.Operations[Operation(key)] = perms
		}
	}
	*c = decoded
	return nil
}

// ClassSchema is an immutable snapshot of one class definition.
type ClassSchema struct {
	ClassName             string                    `json:"className"`
	Fields                map[string]FieldType      `json:"fields"`
	ClassLevelPermissions ClassLevelPermissions     `json:"classLevelPermissions"`
	Indexes               map[string]map[string]any `json:"indexes,omitempty"`
}

// ExpectedType returns the declared type of field.
func (s ClassSchema) ExpectedType(field string) (FieldType, bool) {
	fieldType, ok := s.Fields[field]
	return fieldType, ok
}

// FieldNames returns the declared field names in sorted order.
func (s ClassSchema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s ClassSchema) clone() ClassSchema {
	fields := make(map[string]FieldType, len(s.Fields))
	for name, fieldType := range s.Fields {
		fields[name] = fieldType
	}
	s.Fields = fields
	return s
}
