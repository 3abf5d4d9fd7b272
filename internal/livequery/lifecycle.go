package livequery

// Lifecycle event names reported to the LifecycleHook.
const (
	LifecycleConnect           = "connect"
	LifecycleWSConnect         = "ws_connect"
	LifecycleSubscribe         = "subscribe"
	LifecycleUnsubscribe       = "unsubscribe"
	LifecycleWSDisconnect      = "ws_disconnect"
	LifecycleWSDisconnectError = "ws_disconnect_error"
)

// LifecycleEvent reports a state transition with the registry sizes after it.
type LifecycleEvent struct {
	Event         string
	Clients       int
	Subscriptions int
	Error         error
}

// LifecycleHook observes state transitions. It runs on the registry goroutine and must not block.
type LifecycleHook func(LifecycleEvent)
