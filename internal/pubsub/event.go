// Package pubsub carries mutation events from the object layer to the live query server.
package pubsub

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

// Mutation events published after a successful write.
const (
	EventAfterSave   = "afterSave"
	EventAfterDelete = "afterDelete"
)

var errMissingCurrentObject = errors.New("pubsub: event has no currentObject")

// Channel names the pub/sub channel of event for appID.
func Channel(appID, event string) string {
	return appID + event
}

// Event is the envelope of a mutation. OriginalObject is nil for creations and deletions.
type Event struct {
	CurrentObject         map[string]any                `json:"currentObject"`
	OriginalObject        map[string]any                `json:"originalObject,omitempty"`
	ClassLevelPermissions *schema.ClassLevelPermissions `json:"classLevelPermissions,omitempty"`
}

// ClassName returns the className carried by the current object.
func (e Event) ClassName() string {
	className, _ := e.CurrentObject["className"].(string)
	return className
}

// EncodeEvent serializes event for publishing.
func EncodeEvent(event Event) ([]byte, error) {
	if event.CurrentObject == nil {
		return nil, errMissingCurrentObject
	}
	return json.Marshal(event)
}

// DecodeEvent parses a published payload.
func DecodeEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("pubsub: decode event: %w", err)
	}
	if event.CurrentObject == nil {
		return Event{}, errMissingCurrentObject
	}
	return event, nil
}
