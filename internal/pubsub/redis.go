package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus publishes and subscribes through redis PUBLISH/SUBSCRIBE so several processes share events.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus wraps an existing redis client.
func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, logger: logger}
}

// Publish sends payload on channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe confirms the subscription with redis before returning the stream.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	subscription := b.client.Subscribe(ctx, channels...)
	if _, err := subscription.Receive(ctx); err != nil {
		_ = subscription.Close()
		return nil, nil, err
	}

	stream := make(chan Message)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := subscription.Close(); err != nil {
				b.logger.Warn("pubsub redis close failed", zap.Error(err))
			}
		})
	}

	go func() {
		defer close(stream)
		incoming := subscription.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case received, ok := <-incoming:
				if !ok {
					return
				}
				select {
				case stream <- Message{Channel: received.Channel, Payload: []byte(received.Payload)}:
				case <-ctx.Done():
					cancel()
					return
				case <-done:
					return
				}
			}
		}
	}()
	return stream, cancel, nil
}
