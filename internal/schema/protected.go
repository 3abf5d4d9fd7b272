package schema

import (
	"slices"
	"strings"
)

const (
	principalAuthenticated = "authenticated"
	userFieldPrefix        = "userField:"
	rolePrefix             = "role:"
)

// ProtectedFieldsFor returns the fields of object hidden from a reader holding aclGroup.
// Every protectedFields entry that applies to the reader contributes a list, and a field is
// hidden only when all of those lists name it. A nil aclGroup reads as master and sees everything,
// as does a user reading its own _User object.
func ProtectedFieldsFor(clp ClassLevelPermissions, className string, aclGroup []string, object map[string]any) []string {
	if aclGroup == nil || len(clp.ProtectedFields) == 0 {
		return nil
	}
	userID := userIDOf(aclGroup)
	if className == ClassUser && userID != "" && object["objectId"] == userID {
		return nil
	}

	var applicable [][]string
	for principal, fields := range clp.ProtectedFields {
		switch {
		case principal == principalPublic:
		case principal == principalAuthenticated:
			if userID == "" {
				continue
			}
		case strings.HasPrefix(principal, userFieldPrefix):
			if userID == "" || !referencesUser(object[strings.TrimPrefix(principal, userFieldPrefix)], userID) {
				continue
			}
		case !slices.Contains(aclGroup, principal):
			continue
		}
		applicable = append(applicable, fields)
	}
	if len(applicable) == 0 {
		return nil
	}

	var protected []string
	for _, field := range applicable[0] {
		if slices.Contains(protected, field) {
			continue
		}
		hiddenEverywhere := true
		for _, fields := range applicable[1:] {
			if !slices.Contains(fields, field) {
				hiddenEverywhere = false
				break
			}
		}
		if hiddenEverywhere {
			protected = append(protected, field)
		}
	}
	slices.Sort(protected)
	return protected
}

func userIDOf(aclGroup []string) string {
	for _, principal := range aclGroup {
		if principal != principalPublic && !strings.HasPrefix(principal, rolePrefix) {
			return principal
		}
	}
	return ""
}

func referencesUser(value any, userID string) bool {
	switch typed := value.(type) {
	case map[string]any:
		return typed["objectId"] == userID
	case []any:
		for _, element := range typed {
			if referencesUser(element, userID) {
				return true
			}
		}
	}
	return false
}
