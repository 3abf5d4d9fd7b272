package objects

import (
	"sort"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
)

const (
	fieldObjectID       = "objectId"
	fieldCreatedAt      = "createdAt"
	fieldUpdatedAt      = "updatedAt"
	fieldACL            = "ACL"
	fieldClassName      = "className"
	fieldReadPerms      = "_rperm"
	fieldWritePerms     = "_wperm"
	fieldHashedPassword = "_hashed_password"
	fieldPassword       = "password"
	fieldSessionToken   = "sessionToken"
	isoLayout           = "2006-01-02T15:04:05.000Z"
)

// aclToPermissions splits a REST ACL into the sorted read and write principal lists.
func aclToPermissions(raw any) ([]string, []string, error) {
	acl, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, apierr.New(apierr.InvalidJSON, "ACL must be an object")
	}
	readers := make([]string, 0, len(acl))
	writers := make([]string, 0, len(acl))
	for principal, grant := range acl {
		perms, ok := grant.(map[string]any)
		if !ok {
			return nil, nil, apierr.New(apierr.InvalidJSON, "ACL entry for %s must be an object", principal)
		}
		for permission, value := range perms {
			allowed, ok := value.(bool)
			if !ok || (permission != "read" && permission != "write") {
				return nil, nil, apierr.New(apierr.InvalidJSON, "invalid ACL permission %s for %s", permission, principal)
			}
			if !allowed {
				continue
			}
			if permission == "read" {
				readers = append(readers, principal)
			} else {
				writers = append(writers, principal)
			}
		}
	}
	sort.Strings(readers)
	sort.Strings(writers)
	return readers, writers, nil
}

// permissionsToACL rebuilds the REST ACL from stored _rperm and _wperm lists.
// It returns nil when the document carries neither list.
func permissionsToACL(document map[string]any) map[string]any {
	readers, hasReaders := document[fieldReadPerms]
	writers, hasWriters := document[fieldWritePerms]
	if !hasReaders && !hasWriters {
		return nil
	}
	acl := make(map[string]any)
	grant := func(list any, permission string) {
		principals, _ := list.([]any)
		for _, entry := range principals {
			principal, ok := entry.(string)
			if !ok {
				continue
			}
			perms, ok := acl[principal].(map[string]any)
			if !ok {
				perms = make(map[string]any, 2)
				acl[principal] = perms
			}
			perms[permission] = true
		}
	}
	grant(readers, "read")
	grant(writers, "write")
	return acl
}

// storageACL writes the permission lists for acl into document, replacing any ACL key.
func storageACL(document map[string]any, acl any) error {
	readers, writers, err := aclToPermissions(acl)
	if err != nil {
		return err
	}
	delete(document, fieldACL)
	document[fieldReadPerms] = toAnyList(readers)
	document[fieldWritePerms] = toAnyList(writers)
	return nil
}

// sanitize converts a stored document into its REST form for a reader.
func sanitize(className string, document map[string]any, isMaster bool, keys []string) map[string]any {
	result := make(map[string]any, len(document))
	for key, value := range document {
		result[key] = value
	}
	if acl := permissionsToACL(result); acl != nil {
		result[fieldACL] = acl
	}
	delete(result, fieldReadPerms)
	delete(result, fieldWritePerms)
	delete(result, fieldHashedPassword)
	delete(result, fieldPassword)
	if className == classUser && !isMaster {
		delete(result, fieldSessionToken)
	}
	if len(keys) == 0 {
		return result
	}
	projected := make(map[string]any, len(keys)+4)
	for _, key := range append([]string{fieldObjectID, fieldCreatedAt, fieldUpdatedAt, fieldACL}, keys...) {
		if value, ok := result[key]; ok {
			projected[key] = value
		}
	}
	return projected
}

// eventObject renders a stored document for a mutation event.
func eventObject(className string, document map[string]any) map[string]any {
	if document == nil {
		return nil
	}
	result := make(map[string]any, len(document)+1)
	for key, value := range document {
		result[key] = value
	}
	if acl := permissionsToACL(result); acl != nil {
		result[fieldACL] = acl
	}
	delete(result, fieldReadPerms)
	delete(result, fieldWritePerms)
	delete(result, fieldHashedPassword)
	delete(result, fieldPassword)
	if className == classUser {
		delete(result, fieldSessionToken)
	}
	result[fieldClassName] = className
	return result
}

func toAnyList(values []string) []any {
	list := make([]any, len(values))
	for i, value := range values {
		list[i] = value
	}
	return list
}

func pointer(className, objectID string) map[string]any {
	return map[string]any{"__type": "Pointer", "className": className, "objectId": objectID}
}

// andConstraint returns where narrowed by constraint without mutating where.
func andConstraint(where map[string]any, constraint map[string]any) map[string]any {
	if len(where) == 0 {
		return constraint
	}
	return map[string]any{"$and": []any{where, constraint}}
}
