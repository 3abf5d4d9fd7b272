package livequery

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/pubsub"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/query"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

const (
	reasonDelivered       = "delivered"
	reasonUnmatched       = "unmatched"
	reasonClassPermission = "class_permission"
	reasonACL             = "acl"

	fieldACL      = "ACL"
	fieldObjectID = "objectId"
	rolePrefix    = "role:"
)

// Delivery is the outcome of one mutation for one subscribed request.
// The reason is for logs only; a suppressed push is indistinguishable from no match on the wire.
type Delivery struct {
	ClientID  string
	RequestID int
	Event     EventType
	Delivered bool
	reason    string
}

// Reason names why the push was made or suppressed.
func (d Delivery) Reason() string {
	return d.reason
}

// DeliveryHook observes every delivery outcome. It runs on fan-out goroutines.
type DeliveryHook func(Delivery)

type mutation struct {
	className             string
	deleted               bool
	current               map[string]any
	original              map[string]any
	classLevelPermissions *schema.ClassLevelPermissions
}

type target struct {
	client          *Client
	requestID       int
	info            SubscriptionInfo
	predicate       map[string]any
	originalMatched bool
	currentMatched  bool
}

// readGrant is the caller's standing for one target after the class-level check.
type readGrant struct {
	userID        string
	aclGroup      []string
	pointerFields []string
	permissions   schema.ClassLevelPermissions
}

// handleMutation matches one event against the class's subscriptions and hands the matched
// subscribers to worker goroutines.
func (s *Server) handleMutation(ctx context.Context, message pubsub.Message, deleted bool) {
	event, err := pubsub.DecodeEvent(message.Payload)
	if err != nil {
		s.logger.Warn("live query dropped malformed event", zap.String("channel", message.Channel), zap.Error(err))
		return
	}
	className := event.ClassName()
	bucket, ok := s.subscriptions[className]
	if !ok {
		return
	}
	current := mutation{
		className:             className,
		deleted:               deleted,
		current:               event.CurrentObject,
		original:              event.OriginalObject,
		classLevelPermissions: event.ClassLevelPermissions,
	}

	var targets []target
	for _, subscription := range bucket {
		currentMatched := query.Matches(current.current, subscription.Query)
		originalMatched := !deleted && current.original != nil && query.Matches(current.original, subscription.Query)
		if !currentMatched && !originalMatched {
			continue
		}
		for clientID, requestIDs := range subscription.ClientRequestIDs() {
			client, ok := s.clients[clientID]
			if !ok {
				continue
			}
			for _, requestID := range requestIDs {
				info, ok := client.GetSubscriptionInfo(requestID)
				if !ok {
					continue
				}
				targets = append(targets, target{
					client:          client,
					requestID:       requestID,
					info:            info,
					predicate:       subscription.Query,
					originalMatched: originalMatched,
					currentMatched:  currentMatched,
				})
			}
		}
	}
	if len(targets) == 0 {
		return
	}

	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		var group errgroup.Group
		group.SetLimit(s.fanoutLimit)
		for _, subscriber := range targets {
			group.Go(func() error {
				s.record(s.deliver(ctx, current, subscriber))
				return nil
			})
		}
		_ = group.Wait()
	}()
}

func (s *Server) deliver(ctx context.Context, m mutation, t target) Delivery {
	outcome := Delivery{ClientID: t.client.ID, RequestID: t.requestID}
	grant, err := s.classPermission(ctx, m, t)
	if err != nil {
		s.logger.Debug("live query class permission denied",
			zap.String("client_id", t.client.ID),
			zap.Int("request_id", t.requestID),
			zap.String("class_name", m.className),
			zap.Error(err))
		outcome.reason = reasonClassPermission
		return outcome
	}

	if m.deleted {
		if !s.visible(ctx, t, grant, m.current) {
			outcome.reason = reasonACL
			return outcome
		}
		outcome.Event = EventDelete
	} else {
		originalVisible := t.originalMatched && s.visible(ctx, t, grant, m.original)
		currentVisible := t.currentMatched && s.visible(ctx, t, grant, m.current)
		outcome.Event = Classify(originalVisible, currentVisible, m.original != nil)
		if outcome.Event == EventNone {
			outcome.reason = reasonACL
			return outcome
		}
	}

	object := selectFields(m.current, t.info.Fields)
	if !t.client.HasMasterKey {
		object = withoutFields(object, schema.ProtectedFieldsFor(grant.permissions, m.className, grant.aclGroup, m.current))
	}
	t.client.PushEvent(outcome.Event, t.requestID, object)
	outcome.Delivered = true
	outcome.reason = reasonDelivered
	return outcome
}

func (s *Server) record(outcome Delivery) {
	s.logger.Debug("live query delivery",
		zap.String("client_id", outcome.ClientID),
		zap.Int("request_id", outcome.RequestID),
		zap.String("event", string(outcome.Event)),
		zap.Bool("delivered", outcome.Delivered),
		zap.String("reason", outcome.reason))
	if s.onDelivery != nil {
		s.onDelivery(outcome)
	}
}

// classPermission checks the class-level permission of the subscriber for the subscription's
// operation. Any failure to resolve the permissions or the caller denies.
func (s *Server) classPermission(ctx context.Context, m mutation, t target) (readGrant, error) {
	clp, err := s.classLevelPermissions(ctx, m)
	if err != nil {
		return readGrant{}, err
	}

	aclGroup := []string{principalPublic}
	var userID string
	if token := firstNonEmpty(t.info.SessionToken, t.client.SessionToken); token != "" {
		if s.authenticator == nil {
			return readGrant{}, errNoAuthenticator
		}
		resolved, err := s.authenticator.GetAuth(ctx, token)
		if err != nil {
			return readGrant{}, err
		}
		aclGroup, err = resolved.ACLGroup(ctx)
		if err != nil {
			return readGrant{}, err
		}
		userID = resolved.UserID
	}

	operation := schema.OperationFind
	if query.IsObjectIDQuery(t.predicate) {
		operation = schema.OperationGet
	}
	if err := schema.ValidatePermission(clp, m.className, aclGroup, operation); err != nil {
		return readGrant{}, err
	}
	grant := readGrant{userID: userID, aclGroup: aclGroup, permissions: clp}
	if !schema.TestPermissions(clp, aclGroup, operation) {
		grant.pointerFields = schema.PointerPermissionFields(clp, operation)
	}
	return grant, nil
}

func (s *Server) classLevelPermissions(ctx context.Context, m mutation) (schema.ClassLevelPermissions, error) {
	if m.classLevelPermissions != nil {
		return *m.classLevelPermissions, nil
	}
	clp, exists, err := s.permissions.GetClassLevelPermissions(ctx, m.className)
	if err != nil {
		return schema.ClassLevelPermissions{}, err
	}
	if !exists {
		return schema.ClassLevelPermissions{}, errUnknownClass
	}
	return clp, nil
}

// visible reports whether object passes the pointer permissions of grant and the object's ACL.
func (s *Server) visible(ctx context.Context, t target, grant readGrant, object map[string]any) bool {
	if len(grant.pointerFields) > 0 && !pointsToUser(object, grant.pointerFields, grant.userID) {
		return false
	}
	return s.matchesACL(ctx, t, object)
}

// matchesACL checks read access through the subscription's session token first and then the
// client's, including the user's roles when the ACL names any.
func (s *Server) matchesACL(ctx context.Context, t target, object map[string]any) bool {
	acl, ok := object[fieldACL].(map[string]any)
	if !ok {
		return true
	}
	if grantsRead(acl, principalPublic) || t.client.HasMasterKey {
		return true
	}
	if s.authenticator == nil {
		return false
	}
	for _, token := range uniqueTokens(t.info.SessionToken, t.client.SessionToken) {
		resolved, err := s.authenticator.GetAuth(ctx, token)
		if err != nil {
			s.logger.Debug("live query session resolution failed", zap.String("client_id", t.client.ID), zap.Error(err))
			continue
		}
		if resolved.UserID != "" && grantsRead(acl, resolved.UserID) {
			return true
		}
		if !hasRoleEntries(acl) {
			continue
		}
		roles, err := resolved.UserRoles(ctx)
		if err != nil {
			s.logger.Debug("live query role resolution failed", zap.String("client_id", t.client.ID), zap.Error(err))
			continue
		}
		for _, role := range roles {
			if grantsRead(acl, role) {
				return true
			}
		}
	}
	return false
}

func grantsRead(acl map[string]any, principal string) bool {
	grant, ok := acl[principal].(map[string]any)
	if !ok {
		return false
	}
	read, _ := grant["read"].(bool)
	return read
}

func hasRoleEntries(acl map[string]any) bool {
	for principal := range acl {
		if strings.HasPrefix(principal, rolePrefix) {
			return true
		}
	}
	return false
}

func pointsToUser(object map[string]any, fields []string, userID string) bool {
	if userID == "" {
		return false
	}
	for _, field := range fields {
		switch value := object[field].(type) {
		case map[string]any:
			if value[fieldObjectID] == userID {
				return true
			}
		case []any:
			for _, element := range value {
				if pointer, ok := element.(map[string]any); ok && pointer[fieldObjectID] == userID {
					return true
				}
			}
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func uniqueTokens(tokens ...string) []string {
	unique := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token == "" {
			continue
		}
		duplicate := false
		for _, seen := range unique {
			if seen == token {
				duplicate = true
				break
			}
		}
		if !duplicate {
			unique = append(unique, token)
		}
	}
	return unique
}
