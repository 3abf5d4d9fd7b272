package auth

import (
	"context"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/pubsub"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

const fieldSessionToken = "sessionToken"

// ForgetRevokedSessions drops cached resolutions as the mutation events of appID change them.
// A saved or deleted _Session forgets its token; any _Role change clears the whole cache.
// The subscription is active when it returns and the returned channel closes once ctx ends.
func (c *Cache) ForgetRevokedSessions(ctx context.Context, subscriber pubsub.Subscriber, appID string) (<-chan struct{}, error) {
	stream, cancel, err := subscriber.Subscribe(ctx,
		pubsub.Channel(appID, pubsub.EventAfterSave),
		pubsub.Channel(appID, pubsub.EventAfterDelete))
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-stream:
				if !ok {
					return
				}
				c.forgetFor(message)
			}
		}
	}()
	return done, nil
}

func (c *Cache) forgetFor(message pubsub.Message) {
	event, err := pubsub.DecodeEvent(message.Payload)
	if err != nil {
		return
	}
	switch event.ClassName() {
	case schema.ClassSession:
		for _, object := range []map[string]any{event.CurrentObject, event.OriginalObject} {
			if token, ok := object[fieldSessionToken].(string); ok && token != "" {
				c.Forget(token)
			}
		}
	case schema.ClassRole:
		c.items.DeleteAll()
		c.logger.Debug("auth cache cleared after role change")
	}
}
