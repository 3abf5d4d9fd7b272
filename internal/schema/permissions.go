package schema

import (
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
)

// TestPermissions reports whether aclGroup is granted operation outright:
// the operation is unrestricted, public, or names one of the principals.
func TestPermissions(clp ClassLevelPermissions, aclGroup []string, operation Operation) bool {
	perms, ok := clp.Operations[operation]
	if !ok {
		return true
	}
	if perms.Principals[principalPublic] {
		return true
	}
	for _, principal := range aclGroup {
		if perms.Principals[principal] {
			return true
		}
	}
	return false
}

// ValidatePermission returns nil when aclGroup may perform operation on className under clp.
// Pointer-permission grants (readUserFields, writeUserFields, pointerFields) are allowed here;
// the object layer narrows the query to the matching rows.
func ValidatePermission(clp ClassLevelPermissions, className string, aclGroup []string, operation Operation) error {
	if TestPermissions(clp, aclGroup, operation) {
		return nil
	}
	perms := clp.Operations[operation]

	if perms.RequiresAuthentication {
		if !isAuthenticatedGroup(aclGroup) {
			return apierr.New(apierr.OperationForbidden, "Permission denied, user needs to be authenticated.")
		}
		return nil
	}

	if operation == OperationCreate {
		return permissionDenied(operation, className)
	}
	userFields := clp.WriteUserFields
	if operation.IsRead() {
		userFields = clp.ReadUserFields
	}
	if len(userFields) > 0 || len(perms.PointerFields) > 0 {
		return nil
	}
	return permissionDenied(operation, className)
}

// PointerPermissionFields returns the user pointer fields that gate operation, if any.
func PointerPermissionFields(clp ClassLevelPermissions, operation Operation) []string {
	var fields []string
	if operation.IsRead() {
		fields = append(fields, clp.ReadUserFields...)
	} else {
		fields = append(fields, clp.WriteUserFields...)
	}
	if perms, ok := clp.Operations[operation]; ok {
		fields = append(fields, perms.PointerFields...)
	}
	return fields
}

func isAuthenticatedGroup(aclGroup []string) bool {
	if len(aclGroup) == 0 {
		return false
	}
	if len(aclGroup) == 1 && aclGroup[0] == principalPublic {
		return false
	}
	return true
}

func permissionDenied(operation Operation, className string) error {
	return apierr.New(apierr.OperationForbidden, "Permission denied for action %s on class %s.", operation, className)
}
