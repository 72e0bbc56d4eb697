package coord

import "fmt"

// AnyVersion disables the version check in Set.
const AnyVersion int64 = -1

// Stat is the metadata kept for every node.
type Stat struct {
	Version      int64 // incremented on every Set, starts at 0
	ChildVersion int64 // incremented when a direct child is created or deleted
	CreatedOn    int64 // ms since epoch
	UpdatedOn    int64 // ms since epoch
	DataLength   int
}

// EventType tags a watch notification.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventDeleted
	EventChanged
	EventChild
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventChanged:
		return "changed"
	case EventChild:
		return "child"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is delivered to a watch when it fires.
type Event struct {
	Type EventType
	Path string
}

// WatchFunc receives a single event and is then discarded.
type WatchFunc func(Event)

// State is the client session state.
type State int

const (
	StateStopped State = iota
	StateConnected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Listener is notified of session state transitions.
type Listener func(State)
