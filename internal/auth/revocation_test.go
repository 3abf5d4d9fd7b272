package auth

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/pubsub"
	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

const revocationAppID = "app"

func publishEvent(t *testing.T, bus *pubsub.MemoryBus, event string, current map[string]any) {
	t.Helper()
	payload, err := pubsub.EncodeEvent(pubsub.Event{CurrentObject: current})
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	if err := bus.Publish(context.Background(), pubsub.Channel(revocationAppID, event), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitForLen(t *testing.T, cache *Cache, expected int) {
	t.Helper()
	deadline := time.After(time.Second)
	for cache.Len() != expected {
		select {
		case <-deadline:
			t.Fatalf("expected %d cached resolutions, got %d", expected, cache.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDeletedSessionIsResolvedAgain(t *testing.T) {
	resolver := &stubResolver{users: map[string]string{"r:1": "user-1", "r:2": "user-2"}}
	cache, err := NewCache(CacheConfig{Resolver: resolver, TTL: time.Hour})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	bus := pubsub.NewMemoryBus(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done, err := cache.ForgetRevokedSessions(ctx, bus, revocationAppID)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer func() {
		cancel()
		<-done
	}()

	for _, token := range []string{"r:1", "r:2"} {
		if _, err := cache.GetAuth(context.Background(), token); err != nil {
			t.Fatalf("resolve %s: %v", token, err)
		}
	}
	publishEvent(t, bus, pubsub.EventAfterSave, map[string]any{"className": "Note", "sessionToken": "r:2"})
	publishEvent(t, bus, pubsub.EventAfterDelete, map[string]any{"className": schema.ClassSession, "sessionToken": "r:1"})
	waitForLen(t, cache, 1)

	delete(resolver.users, "r:1")
	if _, err := cache.GetAuth(context.Background(), "r:1"); err == nil {
		t.Fatal("expected the deleted session to be rejected")
	}
	if _, err := cache.GetAuth(context.Background(), "r:2"); err != nil {
		t.Fatalf("expected the other session to stay cached, got %v", err)
	}
	if calls := resolver.calls.Load(); calls != 3 {
		t.Fatalf("expected three resolutions, got %d", calls)
	}
}

func TestRoleChangeClearsCache(t *testing.T) {
	resolver := &stubResolver{users: map[string]string{"r:1": "user-1", "r:2": "user-2"}}
	cache, err := NewCache(CacheConfig{Resolver: resolver, TTL: time.Hour})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	bus := pubsub.NewMemoryBus(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done, err := cache.ForgetRevokedSessions(ctx, bus, revocationAppID)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer func() {
		cancel()
		<-done
	}()

	for _, token := range []string{"r:1", "r:2"} {
		if _, err := cache.GetAuth(context.Background(), token); err != nil {
			t.Fatalf("resolve %s: %v", token, err)
		}
	}
	publishEvent(t, bus, pubsub.EventAfterSave, map[string]any{"className": schema.ClassRole, "name": "admins"})
	waitForLen(t, cache, 0)
}
