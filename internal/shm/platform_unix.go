//go:build unix

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// tmpSeq keeps temporary names unique among concurrent creators in this process.
var tmpSeq atomic.Uint64

// CreateRegion builds a new region of opts.Size bytes and publishes it under
// opts.Name. The file is created and initialised under a private temporary
// name and then linked into place, so concurrent creators race on link(2):
// exactly one wins and the others get ErrExist. Attachers never see a region
// before init has run.
func CreateRegion(ctx context.Context, opts MapOptions, init func(mem []byte) error) (*MappedRegion, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", opts.Size)
	}
	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir()
	}
	final := RegionPath(dir, opts.Name)
	if _, err := os.Stat(final); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExist, final)
	}

	tmp := filepath.Join(dir, fmt.Sprintf("%s%d.%d", tempPrefix(opts.Name), os.Getpid(), tmpSeq.Add(1)))
	fd, err := unix.Open(tmp, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tmp, err)
	}
	// the temporary name is never needed once we are done, published or not
	defer func() {
		_ = unix.Unlink(tmp)
	}()
	defer func() {
		_ = unix.Close(fd)
	}()

	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	region := &MappedRegion{Addr: addr, Name: opts.Name, Path: final}
	if err := stampIdentity(fd, region); err != nil {
		_ = unix.Munmap(addr)
		return nil, err
	}

	if init != nil {
		if err := init(addr); err != nil {
			_ = unix.Munmap(addr)
			return nil, err
		}
	}
	if err := unix.Link(tmp, final); err != nil {
		_ = unix.Munmap(addr)
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("%w: %s", ErrExist, final)
		}
		return nil, fmt.Errorf("link %s: %w", final, err)
	}
	return region, nil
}

// tempPrefix is the start of every temporary file name CreateRegion uses
// for name. The pid of the creating process and a sequence number follow.
func tempPrefix(name string) string {
	return "." + FilePrefix + name + "."
}

// SweepTemporaries removes temporary files left in dir by creators of name
// that died before unlinking them. Files whose creator is still running are
// kept. It returns the number of files removed.
func SweepTemporaries(ctx context.Context, dir, name string) (int, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}
	prefix := tempPrefix(name)
	removed := 0
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok || e.IsDir() {
			continue
		}
		// a longer name sharing this prefix leaves more than pid.seq
		pidText, seqText, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		pid, err := strconv.ParseInt(pidText, 10, 32)
		if err != nil || pid <= 0 {
			continue
		}
		if _, err := strconv.ParseUint(seqText, 10, 64); err != nil {
			continue
		}
		if alive, err := process.PidExistsWithContext(ctx, int32(pid)); err != nil || alive {
			continue
		}
		if err := unix.Unlink(filepath.Join(dir, e.Name())); err != nil {
			if errors.Is(err, unix.ENOENT) {
				continue
			}
			return removed, fmt.Errorf("unlink %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// OpenRegion maps an existing region with its full file size.
func OpenRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}
	path := RegionPath(opts.Dir, opts.Name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = unix.Close(fd)
	}()

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat: %w", err)
	}
	size := int(st.Size)
	if size <= 0 || size < opts.MinSize {
		return nil, fmt.Errorf("region file %s too small: %d bytes", path, size)
	}
	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{
		Addr: addr,
		Name: opts.Name,
		Path: path,
		dev:  uint64(st.Dev),
		ino:  uint64(st.Ino),
	}, nil
}

// UnmapRegion unmaps the shared memory region. The region itself survives
// until it is removed.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	return nil
}

// RemoveRegion unlinks the file behind region, provided the path still
// refers to the same file that was mapped.
func RemoveRegion(ctx context.Context, region *MappedRegion) error {
	var st unix.Stat_t
	if err := unix.Stat(region.Path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return ErrNotExist
		}
		return fmt.Errorf("stat %s: %w", region.Path, err)
	}
	if uint64(st.Dev) != region.dev || uint64(st.Ino) != region.ino {
		return ErrNotExist
	}
	if err := unix.Unlink(region.Path); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return ErrNotExist
		}
		return fmt.Errorf("unlink %s: %w", region.Path, err)
	}
	return nil
}

// FreeSpace returns the bytes available on the filesystem holding dir.
func FreeSpace(dir string) (uint64, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	stat, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return stat.Free, nil
}

// CanCreate reports whether dir has room for a region of size bytes.
// Filesystems whose usage cannot be read are assumed to have room.
func CanCreate(dir string, size uint64) bool {
	free, err := FreeSpace(dir)
	if err != nil {
		return true
	}
	return free >= size
}

func stampIdentity(fd int, region *MappedRegion) error {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("fstat: %w", err)
	}
	region.dev = uint64(st.Dev)
	region.ino = uint64(st.Ino)
	return nil
}
