package livequery

// EventType is the kind of push a saved object produces for one subscriber.
type EventType string

const (
	EventNone   EventType = ""
	EventCreate EventType = "create"
	EventEnter  EventType = "enter"
	EventUpdate EventType = "update"
	EventLeave  EventType = "leave"
	EventDelete EventType = "delete"
)

type classification struct {
	wasMatched  bool
	isMatched   bool
	hadOriginal bool
}

var classifications = map[classification]EventType{
	{wasMatched: true, isMatched: true, hadOriginal: true}:    EventUpdate,
	{wasMatched: true, isMatched: true, hadOriginal: false}:   EventUpdate,
	{wasMatched: true, isMatched: false, hadOriginal: true}:   EventLeave,
	{wasMatched: true, isMatched: false, hadOriginal: false}:  EventLeave,
	{wasMatched: false, isMatched: true, hadOriginal: true}:   EventEnter,
	{wasMatched: false, isMatched: true, hadOriginal: false}:  EventCreate,
	{wasMatched: false, isMatched: false, hadOriginal: true}:  EventNone,
	{wasMatched: false, isMatched: false, hadOriginal: false}: EventNone,
}

// Classify maps whether the original and current objects were visible to a subscriber,
// and whether an original existed at all, to the push it receives.
func Classify(wasMatched, isMatched, hadOriginal bool) EventType {
	return classifications[classification{wasMatched: wasMatched, isMatched: isMatched, hadOriginal: hadOriginal}]
}
