package reception

import "errors"

var (
	// ErrUnknownProcess indicates the process id is not live: never started,
	// already evicted, or lost.
	ErrUnknownProcess = errors.New("reception: unknown process")

	// ErrNotYetComplete indicates AwaitResult timed out before the process
	// reached a terminal step. The instance is untouched and can be awaited
	// again.
	ErrNotYetComplete = errors.New("reception: process not yet complete")

	// ErrStateNotFound indicates the store has no persisted state for the id.
	ErrStateNotFound = errors.New("reception: state not found")

	// ErrInvalidSignal indicates an unrecognized signal name or a payload of
	// the wrong type for the signal.
	ErrInvalidSignal = errors.New("reception: invalid signal")

	// ErrHostClosed indicates the host is shutting down.
	ErrHostClosed = errors.New("reception: host closed")
)
