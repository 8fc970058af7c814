//go:build !unix

package shm

import (
	"context"
)

// CreateRegion is not supported on this platform.
func CreateRegion(ctx context.Context, opts MapOptions, init func(mem []byte) error) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// SweepTemporaries is not supported on this platform.
func SweepTemporaries(ctx context.Context, dir, name string) (int, error) {
	return 0, ErrUnsupported
}

// OpenRegion is not supported on this platform.
func OpenRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// UnmapRegion is not supported on this platform.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return ErrUnsupported
}

// RemoveRegion is not supported on this platform.
func RemoveRegion(ctx context.Context, region *MappedRegion) error {
	return ErrUnsupported
}

// FreeSpace is not supported on this platform.
func FreeSpace(dir string) (uint64, error) {
	return 0, ErrUnsupported
}

// CanCreate always reports true; creation itself fails with ErrUnsupported.
func CanCreate(dir string, size uint64) bool {
	return true
}
