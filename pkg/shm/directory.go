package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/set"
	cmap "github.com/orcaman/concurrent-map/v2"

	internalshm "github.com/srediag/shmstore/internal/shm"
	"github.com/srediag/shmstore/pkg/codec"
)

// Directory creates, attaches to and destroys storages kept in one
// directory of the host. Storages are shared by name with every process
// that uses the same directory.
type Directory struct {
	config *Config
	codec  *codec.Codec
	tel    *telemetry

	// handles tracks the storages this process has open, by name.
	handles cmap.ConcurrentMap[string, *set.Set]
	closed  atomic.Bool
}

// CreateOption customises Create.
type CreateOption func(*createOptions)

type createOptions struct {
	capacity uint64
}

// WithCapacity sets the region size of a new storage in bytes. The size
// covers bookkeeping as well as entries.
func WithCapacity(capacity uint64) CreateOption {
	return func(o *createOptions) {
		o.capacity = capacity
	}
}

// NewDirectory returns a Directory for config. A nil config selects
// DefaultConfig.
func NewDirectory(config *Config) (*Directory, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	cfg := *config
	if cfg.Dir == "" {
		cfg.Dir = internalshm.DefaultDir()
	}
	if cfg.LogLevel >= 0 {
		SetLogLevel(cfg.LogLevel)
	}
	tel, err := newTelemetry(&cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return &Directory{
		config:  &cfg,
		codec:   codec.New(cfg.CompressThreshold),
		tel:     tel,
		handles: cmap.New[*set.Set](),
	}, nil
}

// Dir returns the filesystem directory holding the region files.
func (d *Directory) Dir() string {
	return d.config.Dir
}

// Create makes a new storage called name and returns a handle on it. It
// fails with ErrNameAlreadyExists when the name is taken, even by a storage
// created in another process.
func (d *Directory) Create(ctx context.Context, name string, opts ...CreateOption) (s *Storage, err error) {
	ctx, end := d.tel.start(ctx, name, "create")
	defer func() { end(err) }()
	if d.closed.Load() {
		return nil, ErrClosed
	}
	o := createOptions{capacity: d.config.DefaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	if err := internalshm.ValidateName(name); err != nil {
		return nil, translateError(err)
	}
	l, err := layoutFor(o.capacity)
	if err != nil {
		return nil, err
	}
	if n, err := internalshm.SweepTemporaries(ctx, d.config.Dir, name); err != nil {
		internalLogger.warnf("create %q: sweeping temporary files: %v", name, err)
	} else if n > 0 {
		internalLogger.infof("create %q: removed %d temporary files left by dead creators", name, n)
	}
	if d.config.CheckFreeSpace && !internalshm.CanCreate(d.config.Dir, o.capacity) {
		return nil, fmt.Errorf("%w: %s cannot hold %d bytes", ErrOutOfSpace, d.config.Dir, o.capacity)
	}

	region, err := internalshm.CreateRegion(ctx, internalshm.MapOptions{
		Name: name,
		Dir:  d.config.Dir,
		Size: int(o.capacity),
	}, func(mem []byte) error {
		return formatRegion(mem, o.capacity, l)
	})
	if err != nil {
		return nil, translateError(err)
	}
	s, err = d.open(region)
	if err != nil {
		return nil, err
	}
	internalLogger.infof("created storage %q: %d bytes, %d buckets, %s", name, o.capacity, l.buckets, region.Path)
	return s, nil
}

// Get attaches to the existing storage called name.
func (d *Directory) Get(ctx context.Context, name string) (s *Storage, err error) {
	ctx, end := d.tel.start(ctx, name, "attach")
	defer func() { end(err) }()
	if d.closed.Load() {
		return nil, ErrClosed
	}
	region, err := internalshm.OpenRegion(ctx, internalshm.MapOptions{
		Name:    name,
		Dir:     d.config.Dir,
		MinSize: headerSize,
	})
	if err != nil {
		return nil, translateError(err)
	}
	s, err = d.open(region)
	if err != nil {
		return nil, err
	}
	internalLogger.debugf("attached to storage %q", name)
	return s, nil
}

// Destroy removes the storage called name and reports whether there was one
// to remove. Handles on it, in any process, fail with ErrStaleHandle from
// then on and waiters blocked in Lock are released. The name can be reused
// immediately.
func (d *Directory) Destroy(ctx context.Context, name string) (removed bool, err error) {
	ctx, end := d.tel.start(ctx, name, "destroy")
	defer func() { end(err) }()
	if d.closed.Load() {
		return false, ErrClosed
	}
	region, err := internalshm.OpenRegion(ctx, internalshm.MapOptions{
		Name: name,
		Dir:  d.config.Dir,
	})
	if errors.Is(err, internalshm.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, translateError(err)
	}
	defer func() {
		if err := internalshm.UnmapRegion(ctx, region); err != nil {
			internalLogger.warnf("destroy %q: unmap failed: %v", name, err)
		}
	}()

	hdr := header{mem: region.Addr}
	if _, verr := hdr.validate(); verr == nil {
		hdr.markDestroyed()
		internalshm.NewMutex(hdr.opLockWord(), hdr.opHolderWord(), nil).WakeAll()
		internalshm.NewMutex(hdr.userLockWord(), hdr.userHolderWord(), nil).WakeAll()
	} else {
		internalLogger.warnf("destroy %q: removing region with invalid header: %v", name, verr)
	}

	if err := internalshm.RemoveRegion(ctx, region); err != nil {
		if errors.Is(err, internalshm.ErrNotExist) {
			// a concurrent Destroy got there first
			return false, nil
		}
		return false, translateError(err)
	}
	internalLogger.infof("destroyed storage %q", name)
	return true, nil
}

// Path returns the region file that backs the storage called name.
func (d *Directory) Path(name string) string {
	return internalshm.RegionPath(d.config.Dir, name)
}

// Exists reports whether a storage called name is present.
func (d *Directory) Exists(name string) bool {
	if internalshm.ValidateName(name) != nil {
		return false
	}
	return internalshm.Exists(d.config.Dir, name)
}

// Handles returns how many handles on name this directory has open.
func (d *Directory) Handles(name string) int {
	handles, ok := d.handles.Get(name)
	if !ok {
		return 0
	}
	return int(handles.Len())
}

// Close closes every handle opened through d. Storages are not destroyed.
func (d *Directory) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for name, handles := range d.handles.Items() {
		for _, item := range handles.Flatten() {
			if err := item.(*Storage).Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Directory) open(region *internalshm.MappedRegion) (*Storage, error) {
	s, err := newStorage(d, region)
	if err == nil && s.hdr.destroyed() {
		err = fmt.Errorf("%w: %q is being destroyed", ErrNotFound, region.Name)
	}
	if err != nil {
		_ = internalshm.UnmapRegion(context.Background(), region)
		return nil, translateError(err)
	}
	d.handles.Upsert(s.name, nil, func(exist bool, handles *set.Set, _ *set.Set) *set.Set {
		if !exist {
			handles = set.New()
		}
		handles.Add(s)
		return handles
	})
	return s, nil
}

func (d *Directory) release(s *Storage) {
	d.handles.RemoveCb(s.name, func(_ string, handles *set.Set, exists bool) bool {
		if !exists {
			return false
		}
		handles.Remove(s)
		return handles.Len() == 0
	})
}

var (
	defaultOnce sync.Once
	defaultDir  *Directory
	defaultErr  error
)

func defaultDirectory() (*Directory, error) {
	defaultOnce.Do(func() {
		defaultDir, defaultErr = NewDirectory(DefaultConfig())
	})
	return defaultDir, defaultErr
}

// Create makes a storage in the default directory.
func Create(ctx context.Context, name string, opts ...CreateOption) (*Storage, error) {
	d, err := defaultDirectory()
	if err != nil {
		return nil, err
	}
	return d.Create(ctx, name, opts...)
}

// Get attaches to a storage in the default directory.
func Get(ctx context.Context, name string) (*Storage, error) {
	d, err := defaultDirectory()
	if err != nil {
		return nil, err
	}
	return d.Get(ctx, name)
}

// Destroy removes a storage from the default directory.
func Destroy(ctx context.Context, name string) (bool, error) {
	d, err := defaultDirectory()
	if err != nil {
		return false, err
	}
	return d.Destroy(ctx, name)
}
