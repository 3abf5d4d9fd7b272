// Package users resolves session tokens and role membership from the stored _Session, _User and _Role classes.
package users

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/apierr"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

const (
	fieldSessionToken = "sessionToken"
	fieldExpiresAt    = "expiresAt"
	fieldUser         = "user"
	fieldUsers        = "users"
	fieldRoles        = "roles"
	fieldName         = "name"
	fieldObjectID     = "objectId"
	rolePrefix        = "role:"
	isoLayout         = "2006-01-02T15:04:05.000Z"
)

var errMissingObjects = errors.New("users: object controller is required")

// ServiceConfig describes the dependencies required for session resolution.
type ServiceConfig struct {
	Objects *objects.Controller
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Service resolves session tokens to users and users to their roles.
type Service struct {
	objects *objects.Controller
	now     func() time.Time
	logger  *zap.Logger
}

// NewService constructs the session service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Objects == nil {
		return nil, errMissingObjects
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		objects: cfg.Objects,
		now:     clock,
		logger:  logger,
	}, nil
}

// ResolveSession implements auth.SessionResolver.
func (s *Service) ResolveSession(ctx context.Context, sessionToken string) (*auth.Auth, error) {
	return s.GetAuthForSessionToken(ctx, sessionToken)
}

// GetAuthForSessionToken loads the unexpired session holding sessionToken and the user it belongs to.
func (s *Service) GetAuthForSessionToken(ctx context.Context, sessionToken string) (*auth.Auth, error) {
	sessionToken = normalize(sessionToken)
	if sessionToken == "" {
		return nil, invalidSession()
	}
	sessions, err := s.objects.Find(ctx, schema.ClassSession,
		map[string]any{fieldSessionToken: sessionToken},
		objects.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sessions.Results) == 0 {
		return nil, invalidSession()
	}
	session := sessions.Results[0]

	if expiresAt, ok := parseDate(session[fieldExpiresAt]); ok && !expiresAt.After(s.now()) {
		return nil, apierr.New(apierr.InvalidSessionToken, "Session token is expired.")
	}
	userPointer, _ := session[fieldUser].(map[string]any)
	userID, _ := userPointer[fieldObjectID].(string)
	if userID == "" {
		return nil, invalidSession()
	}
	if _, err := s.objects.Get(ctx, schema.ClassUser, userID, nil); err != nil {
		if apierr.Is(err, apierr.ObjectNotFound) {
			return nil, invalidSession()
		}
		return nil, err
	}
	return auth.NewUserAuth(userID, s.GetUserRoles), nil
}

// GetUserRoles returns "role:<name>" for every role whose users relation holds userID, plus
// every role those roles inherit through the roles relation of their parents.
func (s *Service) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	direct, err := s.objects.Find(ctx, schema.ClassRole,
		map[string]any{fieldUsers: pointer(schema.ClassUser, userID)},
		objects.FindOptions{})
	if err != nil {
		return nil, err
	}

	names := make(map[string]struct{})
	seen := make(map[string]struct{})
	pending := collectRoles(direct.Results, names, seen)
	for len(pending) > 0 {
		children := make([]any, 0, len(pending))
		for _, roleID := range pending {
			children = append(children, pointer(schema.ClassRole, roleID))
		}
		parents, err := s.objects.Find(ctx, schema.ClassRole,
			map[string]any{fieldRoles: map[string]any{"$in": children}},
			objects.FindOptions{})
		if err != nil {
			return nil, err
		}
		pending = collectRoles(parents.Results, names, seen)
	}

	roles := make([]string, 0, len(names))
	for name := range names {
		roles = append(roles, rolePrefix+name)
	}
	sort.Strings(roles)
	s.logger.Debug("user roles resolved", zap.String("user_id", userID), zap.Int("roles", len(roles)))
	return roles, nil
}

// collectRoles records the names of unseen roles and returns their ids.
func collectRoles(roles []map[string]any, names, seen map[string]struct{}) []string {
	var fresh []string
	for _, role := range roles {
		roleID, _ := role[fieldObjectID].(string)
		if _, ok := seen[roleID]; ok || roleID == "" {
			continue
		}
		seen[roleID] = struct{}{}
		if name, ok := role[fieldName].(string); ok && name != "" {
			names[name] = struct{}{}
		}
		fresh = append(fresh, roleID)
	}
	return fresh
}

func parseDate(value any) (time.Time, bool) {
	var raw string
	switch typed := value.(type) {
	case string:
		raw = typed
	case map[string]any:
		raw, _ = typed["iso"].(string)
	}
	if raw == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(isoLayout, raw)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return time.Time{}, false
		}
	}
	return parsed, true
}

func pointer(className, objectID string) map[string]any {
	return map[string]any{"__type": "Pointer", "className": className, "objectId": objectID}
}

func invalidSession() error {
	return apierr.New(apierr.InvalidSessionToken, "Invalid session token")
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
