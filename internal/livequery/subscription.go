// Package livequery pushes object mutations to the websocket clients whose live queries they match.
package livequery

import "sort"

// Subscription is one registered (className, where) pair shared by every client request
// that issued an identical predicate.
type Subscription struct {
	ClassName string
	Query     map[string]any
	Hash      string

	clientRequestIDs map[string]map[int]struct{}
}

// NewSubscription constructs a Subscription without subscribers.
func NewSubscription(className string, where map[string]any, hash string) *Subscription {
	return &Subscription{
		ClassName:        className,
		Query:            where,
		Hash:             hash,
		clientRequestIDs: make(map[string]map[int]struct{}),
	}
}

// AddClientSubscription records requestID for clientID. Adding an existing pair is a no-op.
func (s *Subscription) AddClientSubscription(clientID string, requestID int) {
	requestIDs, ok := s.clientRequestIDs[clientID]
	if !ok {
		requestIDs = make(map[int]struct{})
		s.clientRequestIDs[clientID] = requestIDs
	}
	requestIDs[requestID] = struct{}{}
}

// DeleteClientSubscription forgets requestID for clientID and drops the client once it has none left.
func (s *Subscription) DeleteClientSubscription(clientID string, requestID int) {
	requestIDs, ok := s.clientRequestIDs[clientID]
	if !ok {
		return
	}
	delete(requestIDs, requestID)
	if len(requestIDs) == 0 {
		delete(s.clientRequestIDs, clientID)
	}
}

// HasSubscribingClient reports whether any client still tracks a request on this subscription.
func (s *Subscription) HasSubscribingClient() bool {
	return len(s.clientRequestIDs) > 0
}

// ClientRequestIDs returns a snapshot of the tracked request ids per client, sorted.
func (s *Subscription) ClientRequestIDs() map[string][]int {
	snapshot := make(map[string][]int, len(s.clientRequestIDs))
	for clientID, requestIDs := range s.clientRequestIDs {
		ids := make([]int, 0, len(requestIDs))
		for requestID := range requestIDs {
			ids = append(ids, requestID)
		}
		sort.Ints(ids)
		snapshot[clientID] = ids
	}
	return snapshot
}
