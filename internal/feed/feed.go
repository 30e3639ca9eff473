// Package feed is the publish/subscribe change bus the rest of the core
// coordinates through: row-level insert/update/delete notifications for a
// named table, optionally filtered by column equality, plus ad-hoc
// broadcast messages scoped to a named channel.
//
// Delivery is at-least-once with ordering only within one channel, so
// every consumer must treat notifications as idempotent and
// last-write-wins-safe.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// EventType identifies a row mutation. Values are bit flags so a
// subscription can request any combination.
type EventType int

const (
	EventInsert EventType = 1 << iota
	EventUpdate
	EventDelete

	EventAll = EventInsert | EventUpdate | EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EventType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "INSERT":
		*t = EventInsert
	case "UPDATE":
		*t = EventUpdate
	case "DELETE":
		*t = EventDelete
	default:
		return fmt.Errorf("unknown event type %q", s)
	}
	return nil
}

// Event is one row-level change notification. New carries the JSON
// encoding of the written row; Old is an optional pre-image a publisher
// may include, kept on the wire for filter matching.
type Event struct {
	Table string          `json:"table"`
	Type  EventType       `json:"type"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
}

// DecodeNew unmarshals the new row image into v.
func (e Event) DecodeNew(v any) error { return json.Unmarshal(e.New, v) }

// Filter narrows a subscription to rows whose column equals a value,
// compared on the JSON representation of the row. Filtering happens on
// the subscriber side.
type Filter struct {
	Column string
	Equals string
}

// Matches reports whether the event's row (new image first, old as
// fallback) satisfies the filter.
func (f *Filter) Matches(e Event) bool {
	if f == nil {
		return true
	}
	raw := e.New
	if len(raw) == 0 {
		raw = e.Old
	}
	if len(raw) == 0 {
		return false
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return false
	}
	v, ok := row[f.Column]
	if !ok {
		return false
	}
	return fmt.Sprint(v) == f.Equals
}

// Status reports subscription lifecycle changes to the subscriber.
type Status int

const (
	StatusSubscribed Status = iota
	StatusError
	StatusTimedOut
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "subscribed"
	case StatusError:
		return "error"
	case StatusTimedOut:
		return "timed_out"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Handler consumes row-level events. It runs on the bus's delivery
// goroutine; implementations must be quick and idempotent.
type Handler func(Event)

// StatusFunc observes subscription state. May be nil.
type StatusFunc func(Status, error)

// BroadcastHandler consumes one broadcast payload.
type BroadcastHandler func(payload json.RawMessage)

// Subscription describes what a subscriber wants from a table.
type Subscription struct {
	Table  string
	Events EventType // bit mask; zero means EventAll
	Filter *Filter
}

// Bus is the change-feed contract. The Redis implementation is the
// primary one; a NATS implementation exists behind the same interface.
type Bus interface {
	// Subscribe starts delivery of matching row events. The returned
	// handle must be released via Unsubscribe on every exit path.
	Subscribe(ctx context.Context, sub Subscription, h Handler, status StatusFunc) (*Handle, error)

	// Publish emits one row-level change event. Called by the storage
	// layer after each successful write; every subscriber of the
	// event's table receives it.
	Publish(ctx context.Context, e Event) error

	// Broadcast sends a transient application message on a named
	// channel. Fire-and-forget: no retry, no acknowledgement.
	Broadcast(ctx context.Context, channel, event string, payload any) error

	// SubscribeBroadcast delivers broadcasts for one channel/event pair.
	SubscribeBroadcast(ctx context.Context, channel, event string, h BroadcastHandler, status StatusFunc) (*Handle, error)

	Close() error
}

// Handle identifies one active subscription.
type Handle struct {
	once   sync.Once
	cancel func()
}

func newHandle(cancel func()) *Handle { return &Handle{cancel: cancel} }

// Unsubscribe stops delivery. Safe to call multiple times.
func (h *Handle) Unsubscribe() {
	if h == nil {
		return
	}
	h.once.Do(h.cancel)
}

// broadcastEnvelope is the wire form of a Broadcast message.
type broadcastEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func encodeBroadcast(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}
	return json.Marshal(broadcastEnvelope{Event: event, Payload: raw})
}

func notify(status StatusFunc, s Status, err error) {
	if status != nil {
		status(s, err)
	}
}

// wantEvents normalizes an empty mask to EventAll.
func wantEvents(mask EventType) EventType {
	if mask == 0 {
		return EventAll
	}
	return mask
}
