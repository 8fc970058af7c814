package shm

import (
	"errors"
	"time"
)

// Observer receives storage events. Implementations must be safe for
// concurrent use and must not call back into the storage.
type Observer interface {
	// OnOperation is called after every storage operation.
	OnOperation(storage, op string, err error, took time.Duration)
	// OnLockWait is called after Lock returns with the time spent waiting.
	OnLockWait(storage string, waited time.Duration)
	// OnUsage is called after mutations with the arena occupancy.
	OnUsage(storage string, used, size, entries uint64)
}

// NoopObserver ignores every event.
type NoopObserver struct{}

func (NoopObserver) OnOperation(string, string, error, time.Duration) {}
func (NoopObserver) OnLockWait(string, time.Duration)                 {}
func (NoopObserver) OnUsage(string, uint64, uint64, uint64)           {}

// Result classifies an operation error for metric labels.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNameAlreadyExists):
		return "exists"
	case errors.Is(err, ErrOutOfSpace):
		return "out_of_space"
	case errors.Is(err, ErrStaleHandle):
		return "stale"
	case errors.Is(err, ErrCorruptedEntry):
		return "corrupted"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
