package lifecycle

import "github.com/layneker8/soft-turnos/internal/models"

// EventKind enumerates everything the realtime channel can deliver. Switches
// over it are expected to be exhaustive.
type EventKind int

const (
	EventInitialState EventKind = iota + 1
	EventCreated
	EventUpdated
	EventCalled
	EventRecalled
	EventAttending
	EventFinished
	EventCancelled
)

var eventNames = map[EventKind]string{
	EventInitialState: "initial-state",
	EventCreated:      "created",
	EventUpdated:      "updated",
	EventCalled:       "called",
	EventRecalled:     "recalled",
	EventAttending:    "attending",
	EventFinished:     "finished",
	EventCancelled:    "cancelled",
}

var eventKinds = func() map[string]EventKind {
	out := make(map[string]EventKind, len(eventNames))
	for kind, name := range eventNames {
		out[name] = kind
	}
	return out
}()

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k EventKind) Terminal() bool {
	return k == EventFinished || k == EventCancelled
}

func ParseEventKind(name string) (EventKind, bool) {
	kind, ok := eventKinds[name]
	return kind, ok
}

// Event is one delivery from a site room. Snapshot is only set for
// EventInitialState; Ticket is set for every other kind.
type Event struct {
	Kind     EventKind
	Ticket   models.DisplayTicket
	Snapshot []models.DisplayTicket
}

func EventForAction(action Action) EventKind {
	switch action {
	case ActionIssue:
		return EventCreated
	case ActionCall:
		return EventCalled
	case ActionRecall:
		return EventRecalled
	case ActionBeginAttend:
		return EventAttending
	case ActionFinish:
		return EventFinished
	case ActionCancel:
		return EventCancelled
	default:
		return EventUpdated
	}
}

// ActionForEvent is the transition an incremental event reports. Created and
// updated events carry no transition.
func ActionForEvent(kind EventKind) (Action, bool) {
	switch kind {
	case EventCalled:
		return ActionCall, true
	case EventRecalled:
		return ActionRecall, true
	case EventAttending:
		return ActionBeginAttend, true
	case EventFinished:
		return ActionFinish, true
	case EventCancelled:
		return ActionCancel, true
	case EventInitialState, EventCreated, EventUpdated:
		return "", false
	default:
		return "", false
	}
}
