// internal/errors/errors.go
package errors

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Kind classifies an error for the caller. Core operations never let raw
// infrastructure errors escape; they report one of these instead.
type Kind int

const (
	// KindTransient covers feed/subscription failures (subscribe error,
	// timeout, channel closed). Recovered by clearing dependent waiting
	// state; never fatal.
	KindTransient Kind = iota

	// KindNoOp covers write conflicts and not-found outcomes, e.g.
	// responding to an already-resolved request. Surfaced as a notice.
	KindNoOp

	// KindInvariant covers violations rejected synchronously before any
	// I/O, e.g. initiating while already in flight or targeting self.
	KindInvariant

	// KindInternal is everything unexpected, logged with full detail and
	// surfaced as a generic failure.
	KindInternal
)

// Sentinel errors used across the services.
var (
	ErrNegotiationInFlight = Invariant("another chat request is already in flight")
	ErrSelfTarget          = Invariant("cannot send a chat request to yourself")
	ErrNotReceiver         = Invariant("only the receiver may respond to a request")
	ErrAlreadyResolved     = NoOp("request already resolved")
	ErrNotRoomMember       = Invariant("user is not a member of this room")
	ErrFeedUnavailable     = Transient("change feed unavailable")
)

// Error carries a classification kind alongside the message and an
// optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind+message so sentinel comparisons with errors.Is work
// after wrapping.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind && te.Msg == e.Msg
}

func Transient(msg string) *Error { return &Error{Kind: KindTransient, Msg: msg} }
func NoOp(msg string) *Error      { return &Error{Kind: KindNoOp, Msg: msg} }
func Invariant(msg string) *Error { return &Error{Kind: KindInvariant, Msg: msg} }
func Internal(msg string) *Error  { return &Error{Kind: KindInternal, Msg: msg} }

// Wrap attaches a cause to a classified error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Classify converts repo/infra errors into classified core errors.
// Keeps service layer clean by centralizing the mapping.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Wrap(KindNoOp, "record not found", err)

	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTransient, "operation timed out", err)

	case errors.Is(err, context.Canceled):
		return Wrap(KindTransient, "operation canceled", err)

	default:
		return Wrap(KindInternal, "internal error", err)
	}
}

// KindOf reports the classification of err, defaulting to KindInternal
// for unclassified errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}
