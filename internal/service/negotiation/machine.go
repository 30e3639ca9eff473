package negotiation

import "fmt"

// State is the initiating client's position in one outbound handshake.
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateAwaitingResponse
	StateRoomReady
	StateDeclined
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateRoomReady:
		return "room_ready"
	case StateDeclined:
		return "declined"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind is one input to the handshake state machine.
type EventKind int

const (
	// EventStart begins an initiate call.
	EventStart EventKind = iota
	// EventRequestSent means room and pending request are persisted and
	// the response watcher is attached.
	EventRequestSent
	// EventAccepted and EventRejected are the receiver's resolution,
	// observed through the watched UPDATE notification.
	EventAccepted
	EventRejected
	// EventChannelLost is a subscription failure (error, timeout,
	// close) while waiting: treated as implicit abandonment.
	EventChannelLost
	// EventFailed is any step failure during initiate.
	EventFailed
	// EventReset acknowledges a terminal outcome and returns to idle.
	EventReset
)

// Transition is the pure handshake step function. Inputs that are not
// valid for the current state return the state unchanged, which is what
// makes re-delivered notifications harmless: a second accepted UPDATE
// lands on room_ready and changes nothing.
func Transition(s State, ev EventKind) State {
	switch s {
	case StateIdle:
		if ev == EventStart {
			return StateInitiating
		}
	case StateInitiating:
		switch ev {
		case EventRequestSent:
			return StateAwaitingResponse
		case EventFailed:
			return StateFailed
		}
	case StateAwaitingResponse:
		switch ev {
		case EventAccepted:
			return StateRoomReady
		case EventRejected:
			return StateDeclined
		case EventChannelLost, EventFailed:
			return StateFailed
		}
	case StateRoomReady, StateDeclined, StateFailed:
		if ev == EventReset {
			return StateIdle
		}
		// Terminal states also accept a fresh start directly: the
		// in-flight guard only covers initiating/awaiting_response.
		if ev == EventStart {
			return StateInitiating
		}
	}
	return s
}

// InFlight reports whether the state blocks a new outbound negotiation.
// The guard is global per client, not per target: one outstanding
// outbound handshake at a time.
func InFlight(s State) bool {
	return s == StateInitiating || s == StateAwaitingResponse
}
