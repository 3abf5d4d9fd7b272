package livequery

import (
	"sync/atomic"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

var defaultPushedFields = []string{"className", "objectId", "updatedAt", "createdAt", "ACL"}

// Transport delivers encoded envelopes to one connection. Send must be safe for concurrent use.
type Transport interface {
	Send(payload []byte) error
}

// SubscriptionInfo is what a client registered under one request id.
type SubscriptionInfo struct {
	Subscription *Subscription
	SessionToken string
	Fields       []string
}

// Client is one connected live query consumer.
// Its subscription infos are owned by the server's registry goroutine; pushes are safe from any goroutine.
type Client struct {
	ID           string
	HasMasterKey bool
	SessionToken string

	transport         Transport
	subscriptionInfos map[int]SubscriptionInfo
	closed            atomic.Bool
	logger            *zap.Logger
}

// NewClient constructs a Client bound to transport.
func NewClient(id string, transport Transport, hasMasterKey bool, sessionToken string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		ID:                id,
		HasMasterKey:      hasMasterKey,
		SessionToken:      sessionToken,
		transport:         transport,
		subscriptionInfos: make(map[int]SubscriptionInfo),
		logger:            logger,
	}
}

func (c *Client) AddSubscriptionInfo(requestID int, info SubscriptionInfo) {
	c.subscriptionInfos[requestID] = info
}

func (c *Client) GetSubscriptionInfo(requestID int) (SubscriptionInfo, bool) {
	info, ok := c.subscriptionInfos[requestID]
	return info, ok
}

func (c *Client) DeleteSubscriptionInfo(requestID int) {
	delete(c.subscriptionInfos, requestID)
}

// Close marks the client disconnected; later pushes are dropped.
func (c *Client) Close() {
	c.closed.Store(true)
}

func (c *Client) PushConnect() {
	c.send(response{Op: opConnected, ClientID: c.ID})
}

func (c *Client) PushSubscribe(requestID int) {
	c.send(response{Op: opSubscribed, ClientID: c.ID, RequestID: &requestID})
}

func (c *Client) PushUnsubscribe(requestID int) {
	c.send(response{Op: opUnsubscribed, ClientID: c.ID, RequestID: &requestID})
}

func (c *Client) PushCreate(requestID int, object map[string]any) {
	c.pushEvent(EventCreate, requestID, object)
}

func (c *Client) PushEnter(requestID int, object map[string]any) {
	c.pushEvent(EventEnter, requestID, object)
}

func (c *Client) PushUpdate(requestID int, object map[string]any) {
	c.pushEvent(EventUpdate, requestID, object)
}

func (c *Client) PushLeave(requestID int, object map[string]any) {
	c.pushEvent(EventLeave, requestID, object)
}

func (c *Client) PushDelete(requestID int, object map[string]any) {
	c.pushEvent(EventDelete, requestID, object)
}

// PushEvent sends an object event of the given type.
func (c *Client) PushEvent(eventType EventType, requestID int, object map[string]any) {
	c.pushEvent(eventType, requestID, object)
}

func (c *Client) pushEvent(eventType EventType, requestID int, object map[string]any) {
	if eventType == EventNone {
		return
	}
	c.send(response{Op: string(eventType), ClientID: c.ID, RequestID: &requestID, Object: object})
}

func (c *Client) send(message response) {
	if c.closed.Load() {
		return
	}
	payload, err := json.Marshal(message)
	if err != nil {
		c.logger.Warn("live query push encode failed", zap.String("client_id", c.ID), zap.Error(err))
		return
	}
	if err := c.transport.Send(payload); err != nil {
		c.logger.Debug("live query push failed", zap.String("client_id", c.ID), zap.Error(err))
	}
}

// PushError sends an error envelope on a raw transport, before or without a Client.
func PushError(transport Transport, code int, message string, reconnect bool, requestID *int) error {
	payload, err := json.Marshal(response{
		Op:        opError,
		Code:      code,
		Error:     message,
		Reconnect: &reconnect,
		RequestID: requestID,
	})
	if err != nil {
		return err
	}
	return transport.Send(payload)
}

// withoutFields returns a copy of object without fields; object itself is shared between
// subscribers and is never modified.
func withoutFields(object map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return object
	}
	filtered := make(map[string]any, len(object))
	for key, value := range object {
		filtered[key] = value
	}
	for _, field := range fields {
		delete(filtered, field)
	}
	return filtered
}

// selectFields projects object onto fields plus the identifying default fields.
func selectFields(object map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return object
	}
	limited := make(map[string]any, len(fields)+len(defaultPushedFields))
	for _, field := range append(append([]string{}, defaultPushedFields...), fields...) {
		if value, ok := object[field]; ok {
			limited[field] = value
		}
	}
	return limited
}
