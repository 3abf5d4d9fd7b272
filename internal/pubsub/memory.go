package pubsub

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultBufferSize = 256

// MemoryBus delivers payloads between goroutines of one process.
// A subscriber whose buffer is full misses the payload.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*memorySubscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type memorySubscriber struct {
	id       int64
	channels []string
	stream   chan Message
}

// NewMemoryBus constructs a MemoryBus; a non-positive bufferSize selects the default.
func NewMemoryBus(bufferSize int, logger *zap.Logger) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		subscribers: make(map[string]map[int64]*memorySubscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a stream for channels.
func (b *MemoryBus) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	if len(channels) == 0 {
		stream := make(chan Message)
		close(stream)
		return stream, func() {}, nil
	}
	subscriber := &memorySubscriber{
		channels: channels,
		stream:   make(chan Message, b.bufferSize),
	}
	b.register(subscriber)

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.unregister(subscriber)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return subscriber.stream, cancel, nil
}

// Publish hands payload to every subscriber of channel without blocking.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	if channel == "" {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, subscriber := range b.subscribers[channel] {
		select {
		case subscriber.stream <- Message{Channel: channel, Payload: payload}:
		default:
			b.logger.Warn("pubsub subscriber buffer full, payload dropped", zap.String("channel", channel))
		}
	}
	return nil
}

func (b *MemoryBus) register(subscriber *memorySubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	subscriber.id = b.nextID
	for _, channel := range subscriber.channels {
		if _, ok := b.subscribers[channel]; !ok {
			b.subscribers[channel] = make(map[int64]*memorySubscriber)
		}
		b.subscribers[channel][subscriber.id] = subscriber
	}
}

func (b *MemoryBus) unregister(subscriber *memorySubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, channel := range subscriber.channels {
		subscribers := b.subscribers[channel]
		if subscribers == nil {
			continue
		}
		delete(subscribers, subscriber.id)
		if len(subscribers) == 0 {
			delete(b.subscribers, channel)
		}
	}
	close(subscriber.stream)
}
