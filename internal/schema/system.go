package schema

import "sort"

const (
	ClassUser    = "_User"
	ClassRole    = "_Role"
	ClassSession = "_Session"
)

var defaultFields = map[string]FieldType{
	"objectId":  {Type: TypeString},
	"createdAt": {Type: TypeDate},
	"updatedAt": {Type: TypeDate},
	"ACL":       {Type: TypeACL},
}

var systemClassFields = map[string]map[string]FieldType{
	ClassUser: {
		"username":      {Type: TypeString},
		"password":      {Type: TypeString},
		"email":         {Type: TypeString},
		"emailVerified": {Type: TypeBoolean},
		"authData":      {Type: TypeObject},
	},
	ClassRole: {
		"name":  {Type: TypeString},
		"users": {Type: TypeRelation, TargetClass: ClassUser},
		"roles": {Type: TypeRelation, TargetClass: ClassRole},
	},
	ClassSession: {
		"user":           {Type: TypePointer, TargetClass: ClassUser},
		"installationId": {Type: TypeString},
		"sessionToken":   {Type: TypeString},
		"expiresAt":      {Type: TypeDate},
		"createdWith":    {Type: TypeObject},
	},
}

// Volatile classes live in memory only and never reach the store.
var volatileClassFields = map[string]map[string]FieldType{
	"_JobStatus": {
		"jobName":    {Type: TypeString},
		"source":     {Type: TypeString},
		"status":     {Type: TypeString},
		"message":    {Type: TypeString},
		"params":     {Type: TypeObject},
		"finishedAt": {Type: TypeDate},
	},
	"_PushStatus": {
		"pushTime":  {Type: TypeString},
		"source":    {Type: TypeString},
		"query":     {Type: TypeString},
		"payload":   {Type: TypeString},
		"status":    {Type: TypeString},
		"numSent":   {Type: TypeNumber},
		"numFailed": {Type: TypeNumber},
		"expiry":    {Type: TypeNumber},
	},
	"_Hooks": {
		"functionName": {Type: TypeString},
		"className":    {Type: TypeString},
		"triggerName":  {Type: TypeString},
		"url":          {Type: TypeString},
	},
	"_GlobalConfig": {
		"params":        {Type: TypeObject},
		"masterKeyOnly": {Type: TypeObject},
	},
	"_JobSchedule": {
		"jobName":       {Type: TypeString},
		"description":   {Type: TypeString},
		"params":        {Type: TypeString},
		"startAfter":    {Type: TypeString},
		"daysOfWeek":    {Type: TypeArray},
		"timeOfDay":     {Type: TypeString},
		"lastRun":       {Type: TypeNumber},
		"repeatMinutes": {Type: TypeNumber},
	},
	"_Idempotency": {
		"reqId":  {Type: TypeString},
		"expire": {Type: TypeDate},
	},
}

// IsSystemClass reports whether className is a built-in persisted class.
func IsSystemClass(className string) bool {
	_, ok := systemClassFields[className]
	return ok
}

// IsVolatileClass reports whether className is served from memory only.
func IsVolatileClass(className string) bool {
	_, ok := volatileClassFields[className]
	return ok
}

// withDefaults returns a copy of schema with default and system fields injected.
func withDefaults(schema ClassSchema) ClassSchema {
	merged := schema.clone()
	for name, fieldType := range defaultFields {
		merged.Fields[name] = fieldType
	}
	for name, fieldType := range systemClassFields[schema.ClassName] {
		merged.Fields[name] = fieldType
	}
	if merged.ClassLevelPermissions.Operations == nil {
		merged.ClassLevelPermissions = DefaultClassLevelPermissions()
	}
	return merged
}

func builtinSchema(className string, fields map[string]FieldType) ClassSchema {
	schema := ClassSchema{ClassName: className, Fields: make(map[string]FieldType, len(fields))}
	for name, fieldType := range fields {
		schema.Fields[name] = fieldType
	}
	return withDefaults(schema)
}

// SystemSchemas returns the built-in persisted classes ordered by name.
func SystemSchemas() []ClassSchema {
	names := make([]string, 0, len(systemClassFields))
	for className := range systemClassFields {
		names = append(names, className)
	}
	sort.Strings(names)
	schemas := make([]ClassSchema, 0, len(names))
	for _, className := range names {
		schemas = append(schemas, builtinSchema(className, nil))
	}
	return schemas
}
