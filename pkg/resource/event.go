package resource

// EventType is the kind of desired-state change an event announces.
type EventType string

const (
	EventCreate EventType = "CREATE"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventCreate, EventUpdate, EventDelete:
		return true
	}
	return false
}

// Event announces a change to a resource's desired state. Events are
// transient and delivered at least once.
type Event struct {
	Type     EventType `json:"type"`
	Resource Resource  `json:"resource"`
}

// NewEvent creates an event of the given type.
func NewEvent(t EventType, r Resource) Event {
	return Event{Type: t, Resource: r}
}
