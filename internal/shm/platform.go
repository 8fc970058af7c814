// Package shm contains platform-specific helpers for named shared memory
// regions: exclusive creation, attach, unlink, futex waits and the
// cross-process mutex built on them.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FilePrefix is prepended to every region name to form its file name.
const FilePrefix = "shmstore."

// MaxNameLen bounds region names so the file name stays well under NAME_MAX
// even with the temporary-file decoration used while publishing.
const MaxNameLen = 200

var (
	// ErrExist is returned when a region with the requested name already exists.
	ErrExist = errors.New("shm: region already exists")
	// ErrNotExist is returned when no region with the requested name exists.
	ErrNotExist = errors.New("shm: region does not exist")
	// ErrInvalidName is returned for names that cannot be mapped to a file.
	ErrInvalidName = errors.New("shm: invalid region name")
	// ErrUnsupported is returned on platforms without shared memory support.
	ErrUnsupported = errors.New("shm: not supported on this platform")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Name string
	Path string

	// dev and ino identify the backing file so Remove never unlinks a newer
	// region that reused the name.
	dev uint64
	ino uint64
}

// Size returns the mapped length in bytes.
func (r *MappedRegion) Size() int {
	if r == nil {
		return 0
	}
	return len(r.Addr)
}

// MapOptions defines options for creating or attaching a region.
type MapOptions struct {
	Name string
	Dir  string
	Size int
	// MinSize rejects attaching to files shorter than a valid header.
	MinSize int
}

// DefaultDir returns /dev/shm when it is available and the OS temp dir otherwise.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// ValidateName checks that name can be used as a region file name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLen)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains '/' or NUL", ErrInvalidName, name)
	}
	return nil
}

// RegionPath returns the file path backing the region name inside dir.
func RegionPath(dir, name string) string {
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, FilePrefix+name)
}

// Exists reports whether a region file for name is present in dir.
func Exists(dir, name string) bool {
	_, err := os.Stat(RegionPath(dir, name))
	return err == nil
}
