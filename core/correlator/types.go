package correlator

import "errors"

// Result is a decoded compilation result. Its shape is caller-defined
// (asm/stdout/stderr/code/... or a synthetic error body) so it is kept as a
// plain map rather than a fixed struct.
type Result map[string]any

// ErrAlreadyWaiting is returned when WaitForResult is called twice for the
// same correlation id.
var ErrAlreadyWaiting = errors.New("correlator: waitForResult already registered for this id")

// ErrTimeout is returned when a wait expires before a result arrives.
var ErrTimeout = errors.New("correlator: wait timed out")

// Bus is the subset of the event-bus client the correlator drives.
// Subscribe failure is fatal to the caller: without a live subscription a
// result can never arrive, so it's the one call that returns an error.
// Unsubscribe/Ack remain best-effort; the correlator never treats their
// failure as fatal to the waiter it's managing.
type Bus interface {
	Subscribe(topic string) error
	Unsubscribe(topic string)
	Ack(topic string)
}
