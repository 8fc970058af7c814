package shm

import (
	"errors"
	"fmt"

	"github.com/srediag/shmstore/internal/arena"
	"github.com/srediag/shmstore/internal/index"
	internalshm "github.com/srediag/shmstore/internal/shm"
	"github.com/srediag/shmstore/pkg/codec"
)

var (
	// ErrNameAlreadyExists is returned by Create when a live storage already
	// uses the name.
	ErrNameAlreadyExists = errors.New("shm: storage name already exists")
	// ErrNotFound is returned by Get when no live storage has the name.
	ErrNotFound = errors.New("shm: storage not found")
	// ErrOutOfSpace is returned when the storage, or the filesystem backing
	// a new one, cannot hold the data.
	ErrOutOfSpace = errors.New("shm: out of space")
	// ErrStaleHandle is returned by every operation on a handle whose
	// storage has been destroyed.
	ErrStaleHandle = errors.New("shm: storage has been destroyed")
	// ErrCorruptedEntry is returned when stored bytes or the storage
	// structure fail validation. Once raised it sticks until Destroy.
	ErrCorruptedEntry = errors.New("shm: corrupted entry")
	// ErrInvalidName is returned for names that cannot identify a storage.
	ErrInvalidName = errors.New("shm: invalid storage name")
	// ErrInvalidCapacity is returned for capacities outside the allowed range.
	ErrInvalidCapacity = errors.New("shm: invalid capacity")
	// ErrInvalidConfig is returned by VerifyConfig.
	ErrInvalidConfig = errors.New("shm: invalid config")
	// ErrClosed is returned by operations on a closed handle or directory.
	ErrClosed = errors.New("shm: handle closed")
	// ErrUnsupported is returned on platforms without shared memory support.
	ErrUnsupported = errors.New("shm: unsupported platform")
)

// translateError maps errors from the lower layers onto the package's
// sentinels, keeping the original in the chain.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var target error
	switch {
	case isPublic(err):
		return err
	case errors.Is(err, internalshm.ErrExist):
		target = ErrNameAlreadyExists
	case errors.Is(err, internalshm.ErrNotExist):
		target = ErrNotFound
	case errors.Is(err, internalshm.ErrInvalidName):
		target = ErrInvalidName
	case errors.Is(err, internalshm.ErrUnsupported):
		target = ErrUnsupported
	case errors.Is(err, arena.ErrNoSpace):
		target = ErrOutOfSpace
	case errors.Is(err, arena.ErrCorrupt),
		errors.Is(err, index.ErrCorrupt),
		errors.Is(err, codec.ErrCorrupted):
		target = ErrCorruptedEntry
	default:
		return err
	}
	return fmt.Errorf("%w: %w", target, err)
}

func isPublic(err error) bool {
	for _, e := range []error{
		ErrNameAlreadyExists, ErrNotFound, ErrOutOfSpace, ErrStaleHandle,
		ErrCorruptedEntry, ErrInvalidName, ErrInvalidCapacity, ErrInvalidConfig,
		ErrClosed, ErrUnsupported,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// isCorruption reports whether err means the shared structure can no longer
// be trusted.
func isCorruption(err error) bool {
	return errors.Is(err, arena.ErrCorrupt) ||
		errors.Is(err, index.ErrCorrupt) ||
		errors.Is(err, codec.ErrCorrupted)
}
