package pubsub

import (
	"context"
)

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Publisher sends payloads to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber streams payloads published on channels until ctx ends or the returned cancel func runs.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error)
}

// Bus is both ends of a pub/sub transport.
type Bus interface {
	Publisher
	Subscriber
}
