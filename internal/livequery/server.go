package livequery

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/pubsub"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/query"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

const (
	defaultMailboxSize = 1024
	defaultFanoutLimit = 64
	masterKeyName      = "masterKey"
	principalPublic    = "*"
)

var (
	errMissingSubscriber  = errors.New("live query server: subscriber is required")
	errMissingPermissions = errors.New("live query server: permission source is required")
	errServerStopped      = errors.New("live query server: stopped")
	errNoAuthenticator    = errors.New("live query server: no authenticator for session token")
	errUnknownClass       = errors.New("live query server: class does not exist")
)

// PermissionSource supplies class-level permissions when a mutation event carries none.
type PermissionSource interface {
	GetClassLevelPermissions(ctx context.Context, className string) (schema.ClassLevelPermissions, bool, error)
}

// Authenticator resolves session tokens, typically through an auth.Cache.
type Authenticator interface {
	GetAuth(ctx context.Context, sessionToken string) (*auth.Auth, error)
}

// ServerConfig describes the dependencies of a Server.
type ServerConfig struct {
	AppID         string
	KeyPairs      map[string]string
	Subscriber    pubsub.Subscriber
	Permissions   PermissionSource
	Authenticator Authenticator
	Lifecycle     LifecycleHook
	Deliveries    DeliveryHook
	IDProvider    func() string
	MailboxSize   int
	FanoutLimit   int
	Logger        *zap.Logger
}

// Stats is a snapshot of the registries.
type Stats struct {
	Clients       int
	Subscriptions int
	Classes       map[string]int
}

// Conn is one transport-level connection. Its client id is assigned by a successful connect.
type Conn struct {
	transport Transport
	clientID  string
}

// NewConn wraps transport for use with a Server.
func NewConn(transport Transport) *Conn {
	return &Conn{transport: transport}
}

// Server owns the client and subscription registries. Every registry mutation runs on the
// goroutine executing Run; permission checks for mutation events run on worker goroutines.
type Server struct {
	appID         string
	keyPairs      map[string]string
	subscriber    pubsub.Subscriber
	permissions   PermissionSource
	authenticator Authenticator
	lifecycle     LifecycleHook
	idProvider    func() string
	fanoutLimit   int
	logger        *zap.Logger

	mailbox    chan func()
	ready      chan struct{}
	stopped    chan struct{}
	deliveries sync.WaitGroup
	onDelivery DeliveryHook

	clients       map[string]*Client
	subscriptions map[string]map[string]*Subscription
}

// NewServer constructs a Server. Call Run to start processing.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Subscriber == nil {
		return nil, errMissingSubscriber
	}
	if cfg.Permissions == nil {
		return nil, errMissingPermissions
	}
	mailboxSize := cfg.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	fanoutLimit := cfg.FanoutLimit
	if fanoutLimit <= 0 {
		fanoutLimit = defaultFanoutLimit
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	keyPairs := make(map[string]string, len(cfg.KeyPairs))
	for name, secret := range cfg.KeyPairs {
		if secret != "" {
			keyPairs[name] = secret
		}
	}
	return &Server{
		appID:         cfg.AppID,
		keyPairs:      keyPairs,
		subscriber:    cfg.Subscriber,
		permissions:   cfg.Permissions,
		authenticator: cfg.Authenticator,
		lifecycle:     cfg.Lifecycle,
		onDelivery:    cfg.Deliveries,
		idProvider:    idProvider,
		fanoutLimit:   fanoutLimit,
		logger:        logger,
		mailbox:       make(chan func(), mailboxSize),
		ready:         make(chan struct{}),
		stopped:       make(chan struct{}),
		clients:       make(map[string]*Client),
		subscriptions: make(map[string]map[string]*Subscription),
	}, nil
}

// Ready is closed once Run is subscribed to the mutation channels.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Run ingests mutation events and serializes registry work until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.stopped)
	saveChannel := pubsub.Channel(s.appID, pubsub.EventAfterSave)
	deleteChannel := pubsub.Channel(s.appID, pubsub.EventAfterDelete)
	stream, cancel, err := s.subscriber.Subscribe(ctx, saveChannel, deleteChannel)
	if err != nil {
		return fmt.Errorf("live query server: subscribe: %w", err)
	}
	defer cancel()
	defer s.deliveries.Wait()
	close(s.ready)
	s.logger.Info("live query server running", zap.String("app_id", s.appID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-s.mailbox:
			task()
		case message, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			s.handleMutation(ctx, message, message.Channel == deleteChannel)
		}
	}
}

// Open registers a new transport connection.
func (s *Server) Open(transport Transport) *Conn {
	conn := NewConn(transport)
	s.enqueue(func() {
		s.emit(LifecycleEvent{Event: LifecycleWSConnect})
	})
	return conn
}

// Receive handles one inbound protocol message from conn.
func (s *Server) Receive(conn *Conn, message []byte) {
	request, protocolErr := decodeRequest(message)
	if protocolErr != nil {
		s.rejectMessage(conn, protocolErr, nil)
		return
	}
	switch typed := request.(type) {
	case *connectRequest:
		s.enqueue(func() { s.handleConnect(conn, typed) })
	case *subscribeRequest:
		if err := query.Validate(typed.Query.Where); err != nil {
			s.rejectMessage(conn, &protocolError{code: CodeBadRequest, message: err.Error()}, typed.RequestID)
			return
		}
		hash := query.Hash(typed.Query.ClassName, typed.Query.Where)
		s.enqueue(func() { s.handleSubscribe(conn, typed, hash) })
	case *unsubscribeRequest:
		s.enqueue(func() { s.handleUnsubscribe(conn, *typed.RequestID, true) })
	}
}

// Close handles a transport disconnect. A non-nil err reports an abnormal close.
func (s *Server) Close(conn *Conn, err error) {
	s.enqueue(func() { s.handleDisconnect(conn, err) })
}

// Stats returns the registry sizes.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if !s.enqueue(func() { reply <- s.snapshot() }) {
		return Stats{}, errServerStopped
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-s.stopped:
		return Stats{}, errServerStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (s *Server) enqueue(task func()) bool {
	select {
	case s.mailbox <- task:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Server) rejectMessage(conn *Conn, protocolErr *protocolError, requestID *int) {
	s.logger.Info("live query request rejected", zap.Int("code", protocolErr.code), zap.String("error", protocolErr.message))
	if err := PushError(conn.transport, protocolErr.code, protocolErr.message, true, requestID); err != nil {
		s.logger.Debug("live query error push failed", zap.Error(err))
	}
}

func (s *Server) handleConnect(conn *Conn, request *connectRequest) {
	if !validKeyPairs(request.keys(), s.keyPairs) {
		s.rejectMessage(conn, &protocolError{code: CodeInvalidKey, message: "Key in request is not valid"}, nil)
		return
	}
	if previous, ok := s.clients[conn.clientID]; ok {
		s.removeClient(previous)
	}
	hasMasterKey := s.keyPairs[masterKeyName] != "" && secretsEqual(request.MasterKey, s.keyPairs[masterKeyName])
	client := NewClient(s.idProvider(), conn.transport, hasMasterKey, request.SessionToken, s.logger)
	conn.clientID = client.ID
	s.clients[client.ID] = client
	client.PushConnect()
	s.logger.Debug("live query client connected", zap.String("client_id", client.ID), zap.Bool("master", hasMasterKey))
	s.emit(LifecycleEvent{Event: LifecycleConnect})
}

func (s *Server) handleSubscribe(conn *Conn, request *subscribeRequest, hash string) {
	requestID := *request.RequestID
	client, ok := s.clients[conn.clientID]
	if !ok {
		s.rejectMessage(conn, &protocolError{
			code:    CodeNotFound,
			message: "Can not find this client, make sure you connect to server before subscribing",
		}, &requestID)
		return
	}
	if info, exists := client.GetSubscriptionInfo(requestID); exists {
		s.detach(client, requestID, info)
	}

	className := request.Query.ClassName
	bucket, ok := s.subscriptions[className]
	if !ok {
		bucket = make(map[string]*Subscription)
		s.subscriptions[className] = bucket
	}
	subscription, ok := bucket[hash]
	if !ok {
		subscription = NewSubscription(className, request.Query.Where, hash)
		bucket[hash] = subscription
	}
	subscription.AddClientSubscription(client.ID, requestID)
	client.AddSubscriptionInfo(requestID, SubscriptionInfo{
		Subscription: subscription,
		SessionToken: request.SessionToken,
		Fields:       request.Query.Fields,
	})
	client.PushSubscribe(requestID)
	s.logger.Debug("live query subscribed",
		zap.String("client_id", client.ID),
		zap.Int("request_id", requestID),
		zap.String("class_name", className),
		zap.String("hash", hash))
	s.emit(LifecycleEvent{Event: LifecycleSubscribe})
}

func (s *Server) handleUnsubscribe(conn *Conn, requestID int, notify bool) {
	client, ok := s.clients[conn.clientID]
	if !ok {
		s.rejectMessage(conn, &protocolError{
			code:    CodeNotFound,
			message: "Can not find this client, make sure you connect to server before unsubscribing",
		}, &requestID)
		return
	}
	info, ok := client.GetSubscriptionInfo(requestID)
	if !ok {
		s.rejectMessage(conn, &protocolError{
			code: CodeNotFound,
			message: fmt.Sprintf("Cannot find subscription with clientId %s subscriptionId %d. "+
				"Make sure you subscribe to live query server before unsubscribing.", client.ID, requestID),
		}, &requestID)
		return
	}
	s.detach(client, requestID, info)
	if !notify {
		return
	}
	client.PushUnsubscribe(requestID)
	s.emit(LifecycleEvent{Event: LifecycleUnsubscribe})
}

func (s *Server) handleDisconnect(conn *Conn, cause error) {
	client, ok := s.clients[conn.clientID]
	if !ok {
		s.emit(LifecycleEvent{
			Event: LifecycleWSDisconnectError,
			Error: fmt.Errorf("unable to find client %q", conn.clientID),
		})
		return
	}
	s.removeClient(client)
	conn.clientID = ""
	if cause != nil {
		s.logger.Info("live query client disconnected with error", zap.String("client_id", client.ID), zap.Error(cause))
		s.emit(LifecycleEvent{Event: LifecycleWSDisconnectError, Error: cause})
		return
	}
	s.logger.Debug("live query client disconnected", zap.String("client_id", client.ID))
	s.emit(LifecycleEvent{Event: LifecycleWSDisconnect})
}

func (s *Server) removeClient(client *Client) {
	client.Close()
	for requestID, info := range client.subscriptionInfos {
		s.detach(client, requestID, info)
	}
	delete(s.clients, client.ID)
}

// detach removes the (client, requestID) pair and collects the emptied subscription and class bucket.
func (s *Server) detach(client *Client, requestID int, info SubscriptionInfo) {
	client.DeleteSubscriptionInfo(requestID)
	subscription := info.Subscription
	subscription.DeleteClientSubscription(client.ID, requestID)
	if subscription.HasSubscribingClient() {
		return
	}
	bucket := s.subscriptions[subscription.ClassName]
	if bucket[subscription.Hash] == subscription {
		delete(bucket, subscription.Hash)
	}
	if len(bucket) == 0 {
		delete(s.subscriptions, subscription.ClassName)
	}
}

func (s *Server) snapshot() Stats {
	stats := Stats{Clients: len(s.clients), Classes: make(map[string]int, len(s.subscriptions))}
	for className, bucket := range s.subscriptions {
		stats.Classes[className] = len(bucket)
		stats.Subscriptions += len(bucket)
	}
	return stats
}

func (s *Server) emit(event LifecycleEvent) {
	if s.lifecycle == nil {
		return
	}
	stats := s.snapshot()
	event.Clients = stats.Clients
	event.Subscriptions = stats.Subscriptions
	s.lifecycle(event)
}

// validKeyPairs accepts any request when no keys are configured, otherwise requires one
// presented key to equal its configured secret.
func validKeyPairs(presented, configured map[string]string) bool {
	if len(configured) == 0 {
		return true
	}
	for name, secret := range configured {
		if value := presented[name]; value != "" && secretsEqual(value, secret) {
			return true
		}
	}
	return false
}

func secretsEqual(presented, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}
