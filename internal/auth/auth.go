// Package auth resolves session tokens into caller identities and caches the results.
package auth

import (
	"context"
	"strings"
	"sync"
)

const (
	principalPublic = "*"
	rolePrefix      = "role:"
)

// RoleLoader returns the "role:<name>" entries granted to userID.
type RoleLoader func(ctx context.Context, userID string) ([]string, error)

// SessionResolver turns a session token into the Auth of the user holding it.
type SessionResolver interface {
	ResolveSession(ctx context.Context, sessionToken string) (*Auth, error)
}

// Auth identifies a caller. A user's roles load on first use and stay memoized once loaded.
type Auth struct {
	UserID   string
	IsMaster bool

	loadRoles   RoleLoader
	mu          sync.Mutex
	roles       []string
	rolesLoaded bool
}

// Master returns the Auth of a caller holding the master key.
func Master() *Auth {
	return &Auth{IsMaster: true}
}

// NewUserAuth returns the Auth of userID whose roles come from loader.
func NewUserAuth(userID string, loader RoleLoader) *Auth {
	return &Auth{UserID: userID, loadRoles: loader}
}

// NewUserAuthWithRoles returns the Auth of userID with a fixed role list.
// Entries without the "role:" prefix are prefixed.
func NewUserAuthWithRoles(userID string, roleNames []string) *Auth {
	roles := make([]string, 0, len(roleNames))
	for _, name := range roleNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !strings.HasPrefix(name, rolePrefix) {
			name = rolePrefix + name
		}
		roles = append(roles, name)
	}
	return &Auth{UserID: userID, roles: roles, rolesLoaded: true}
}

// UserRoles returns the caller's role entries. Failed loads are not memoized.
func (a *Auth) UserRoles(ctx context.Context) ([]string, error) {
	if a.IsMaster || a.UserID == "" {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rolesLoaded {
		return a.roles, nil
	}
	if a.loadRoles == nil {
		a.rolesLoaded = true
		return nil, nil
	}
	roles, err := a.loadRoles(ctx, a.UserID)
	if err != nil {
		return nil, err
	}
	a.roles = roles
	a.rolesLoaded = true
	return roles, nil
}

// ACLGroup lists the principals the caller acts as: the public entry, the user id and the roles.
// It returns nil for the master key, which bypasses every permission check.
func (a *Auth) ACLGroup(ctx context.Context) ([]string, error) {
	if a.IsMaster {
		return nil, nil
	}
	group := []string{principalPublic}
	if a.UserID == "" {
		return group, nil
	}
	group = append(group, a.UserID)
	roles, err := a.UserRoles(ctx)
	if err != nil {
		return nil, err
	}
	return append(group, roles...), nil
}
