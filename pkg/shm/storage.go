package shm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmstore/internal/arena"
	"github.com/srediag/shmstore/internal/index"
	internalshm "github.com/srediag/shmstore/internal/shm"
	"github.com/srediag/shmstore/pkg/codec"
)

// Storage is a handle on a named shared memory key-value storage. Every
// process holding a handle on the same name sees the same entries.
//
// Each data operation is atomic with respect to every other handle. Lock,
// Unlock and TryLock drive a separate advisory lock that callers use to
// group several operations; it is not consulted by the data operations.
//
// A Storage is safe for concurrent use by multiple goroutines.
type Storage struct {
	name   string
	dir    *Directory
	region *internalshm.MappedRegion
	hdr    header
	arena  *arena.Arena
	index  *index.Index
	codec  *codec.Codec
	tel    *telemetry

	opLock   *internalshm.Mutex
	userLock *internalshm.Mutex

	// mu keeps the mapping alive while calls are in flight. closed is set
	// before mu is taken for writing so blocked lock waits can bail out.
	mu      sync.RWMutex
	closed  atomic.Bool
	holding atomic.Bool
}

// Entry is a stored value with its label.
type Entry struct {
	Key   string
	Label string
	Value codec.Value
}

// Stats describes a storage.
type Stats struct {
	Name        string
	Path        string
	Capacity    uint64
	Entries     uint64
	Buckets     int
	ArenaSize   uint64
	Used        uint64
	Free        uint64
	FreeBlocks  uint64
	LargestFree uint64
	Generation  uint64
	Created     time.Time
	Creator     int
}

// LockInfo describes who holds the storage's locks.
type LockInfo struct {
	Locked      bool
	Holder      int
	HolderAlive bool
	// OpLocked reports the internal lock that serialises data operations.
	// It stays held only while an operation runs or if its holder died.
	OpLocked      bool
	OpHolder      int
	OpHolderAlive bool
}

func newStorage(dir *Directory, region *internalshm.MappedRegion) (*Storage, error) {
	hdr := header{mem: region.Addr}
	l, err := hdr.validate()
	if err != nil {
		return nil, err
	}
	a, err := arena.Open(region.Addr[l.arenaOff : l.arenaOff+l.arenaSize])
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(region.Addr[l.indexOff:l.indexOff+l.indexSize], a)
	if err != nil {
		return nil, err
	}
	s := &Storage{
		name:   region.Name,
		dir:    dir,
		region: region,
		hdr:    hdr,
		arena:  a,
		index:  idx,
		codec:  dir.codec,
		tel:    dir.tel,
	}
	s.opLock = internalshm.NewMutex(hdr.opLockWord(), hdr.opHolderWord(), s.checkOpen)
	s.userLock = internalshm.NewMutex(hdr.userLockWord(), hdr.userHolderWord(), s.checkOpen)
	s.opLock.SetPollInterval(dir.config.LockPollInterval)
	s.userLock.SetPollInterval(dir.config.LockPollInterval)
	return s, nil
}

// formatRegion lays out an empty storage over mem.
func formatRegion(mem []byte, capacity uint64, l layout) error {
	a, err := arena.Format(mem[l.arenaOff : l.arenaOff+l.arenaSize])
	if err != nil {
		return err
	}
	if _, err := index.Format(mem[l.indexOff:l.indexOff+l.indexSize], l.buckets, a); err != nil {
		return err
	}
	header{mem: mem}.format(capacity, l)
	return nil
}

// Name returns the storage name.
func (s *Storage) Name() string { return s.name }

// Capacity returns the region size fixed at creation.
func (s *Storage) Capacity() uint64 { return uint64(s.region.Size()) }

// Set stores v under key with an empty label. v may be any type accepted by
// codec.Of. Overwriting may change the kind of the stored value.
func (s *Storage) Set(ctx context.Context, key string, v any) error {
	return s.SetWithLabel(ctx, key, v, "")
}

// SetWithLabel stores v under key together with a free-form label that
// GetEntry returns.
func (s *Storage) SetWithLabel(ctx context.Context, key string, v any, label string) error {
	value, err := codec.Of(v)
	if err != nil {
		return err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if buf.B, err = s.codec.Append(buf.B[:0], value); err != nil {
		return err
	}
	return s.do(ctx, "set", true, func() error {
		internalLogger.tracef("storage %q: set %q (%s, %d bytes)", s.name, key, value.Kind(), len(buf.B))
		return s.index.Put(key, []byte(label), buf.B)
	})
}

// Get returns the value stored under key. The boolean is false when the key
// is absent, which is distinct from a stored null.
func (s *Storage) Get(ctx context.Context, key string) (codec.Value, bool, error) {
	e, ok, err := s.getEntry(ctx, "get", key)
	return e.Value, ok, err
}

// GetEntry returns the value stored under key together with its label.
func (s *Storage) GetEntry(ctx context.Context, key string) (Entry, bool, error) {
	return s.getEntry(ctx, "get_entry", key)
}

func (s *Storage) getEntry(ctx context.Context, op, key string) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := s.do(ctx, op, false, func() error {
		e, ok, err := s.index.Get(key)
		if err != nil || !ok {
			return err
		}
		v, err := s.codec.Unmarshal(e.Value)
		if err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		entry = Entry{Key: key, Label: string(e.Label), Value: v}
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

// Has reports whether key is present.
func (s *Storage) Has(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.do(ctx, "has", false, func() error {
		_, ok, err := s.index.Get(key)
		found = ok
		return err
	})
	return found, err
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Storage) Remove(ctx context.Context, key string) error {
	return s.do(ctx, "remove", true, func() error {
		ok, err := s.index.Delete(key)
		if err == nil && ok {
			internalLogger.tracef("storage %q: removed %q", s.name, key)
		}
		return err
	})
}

// Clear deletes every entry and returns all space to the arena.
func (s *Storage) Clear(ctx context.Context) error {
	return s.do(ctx, "clear", true, func() error {
		internalLogger.debugf("storage %q: clear %d entries", s.name, s.index.Len())
		s.index.Reset()
		return nil
	})
}

// Keys returns every key in ascending order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.do(ctx, "keys", false, func() error {
		var err error
		keys, err = s.index.Keys()
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of entries.
func (s *Storage) Len(ctx context.Context) (int, error) {
	var n uint64
	err := s.do(ctx, "len", false, func() error {
		n = s.index.Len()
		return nil
	})
	return int(n), err
}

// Stats reports occupancy and identity of the storage.
func (s *Storage) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.do(ctx, "stats", false, func() error {
		as, err := s.arena.Stats()
		if err != nil {
			return err
		}
		st = Stats{
			Name:        s.name,
			Path:        s.region.Path,
			Capacity:    s.hdr.capacity(),
			Entries:     s.index.Len(),
			Buckets:     s.index.Buckets(),
			ArenaSize:   as.Size,
			Used:        as.Used,
			Free:        as.Free,
			FreeBlocks:  as.FreeBlocks,
			LargestFree: as.LargestFree,
			Generation:  s.hdr.generation(),
			Created:     s.hdr.created(),
			Creator:     int(s.hdr.creator()),
		}
		return nil
	})
	return st, err
}

// Verify walks the whole storage, checking the arena, the index and every
// stored value. A failure marks the storage corrupted.
func (s *Storage) Verify(ctx context.Context) error {
	return s.do(ctx, "verify", false, func() error {
		if err := s.index.Check(); err != nil {
			return err
		}
		return s.index.Walk(func(e index.Entry) error {
			if _, err := s.codec.Unmarshal(e.Value); err != nil {
				return fmt.Errorf("key %q: %w", e.Key, err)
			}
			return nil
		})
	})
}

// Lock blocks until this handle holds the advisory lock. The lock is not
// reentrant: locking twice from the same process deadlocks. Lock returns
// ErrStaleHandle if the storage is destroyed while waiting and ErrClosed if
// the handle is closed while waiting.
func (s *Storage) Lock() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	begin := time.Now()
	err := s.userLock.Lock()
	s.tel.lockWaited(s.name, time.Since(begin))
	if err == nil {
		s.holding.Store(true)
	}
	return err
}

// TryLock acquires the advisory lock if it is free and reports whether it
// did. It never blocks.
func (s *Storage) TryLock() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return false, ErrClosed
	}
	ok, err := s.userLock.TryLock()
	if ok {
		s.holding.Store(true)
	}
	return ok, err
}

// Unlock releases the advisory lock. Unlocking a lock this process does not
// hold releases it anyway. After Close it returns ErrClosed; Close has
// already released a lock taken through this handle.
func (s *Storage) Unlock() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.checkAlive(); err != nil {
		return err
	}
	s.holding.Store(false)
	s.userLock.Unlock()
	return nil
}

// LockInfo reports the holders of both locks and whether those processes
// still exist. A lock held by a dead process is never released
// automatically; Destroy is the way out.
func (s *Storage) LockInfo() (LockInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return LockInfo{}, ErrClosed
	}
	info := LockInfo{
		Locked:   s.userLock.Locked(),
		Holder:   int(s.userLock.Holder()),
		OpLocked: s.opLock.Locked(),
		OpHolder: int(s.opLock.Holder()),
	}
	info.HolderAlive = pidAlive(info.Holder)
	info.OpHolderAlive = pidAlive(info.OpHolder)
	return info, nil
}

// Ping reports whether the handle is usable without taking any lock.
func (s *Storage) Ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	return s.usable()
}

// CheckLiveness fails when either lock is held by a process that no longer
// exists, since every process waiting on it would block forever.
func (s *Storage) CheckLiveness() error {
	info, err := s.LockInfo()
	if err != nil {
		return err
	}
	if info.Locked && info.Holder != 0 && !info.HolderAlive {
		return fmt.Errorf("storage %q: advisory lock held by dead process %d", s.name, info.Holder)
	}
	if info.OpLocked && info.OpHolder != 0 && !info.OpHolderAlive {
		return fmt.Errorf("storage %q: operation lock held by dead process %d", s.name, info.OpHolder)
	}
	return nil
}

// Close unmaps this handle. The storage itself, and every other handle on
// it, is unaffected. Calls blocked in Lock on this handle return ErrClosed,
// other calls in flight are waited for. If the advisory lock was taken
// through this handle and not yet unlocked, Close releases it.
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// waiters re-run checkOpen once woken; sleeps are bounded so a lost
	// wake-up only delays them
	s.userLock.WakeAll()
	s.opLock.WakeAll()

	s.mu.Lock()
	if s.holding.Swap(false) && !s.hdr.destroyed() {
		internalLogger.warnf("storage %q: handle closed while holding the advisory lock, releasing it", s.name)
		s.userLock.Unlock()
	}
	err := internalshm.UnmapRegion(context.Background(), s.region)
	s.mu.Unlock()

	s.dir.release(s)
	if err != nil {
		internalLogger.warnf("storage %q: unmap failed: %v", s.name, err)
	}
	return err
}

// do runs fn under the operation lock after checking that the handle and
// the storage are usable.
func (s *Storage) do(ctx context.Context, op string, mutate bool, fn func() error) (err error) {
	ctx, end := s.tel.start(ctx, s.name, op)
	defer func() { end(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.opLock.Lock(); err != nil {
		return err
	}
	defer s.opLock.Unlock()
	if err := s.usable(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		if isCorruption(err) {
			s.hdr.markCorrupted()
			internalLogger.errorf("storage %q: %s: marking storage corrupted: %v", s.name, op, err)
		}
		return translateError(err)
	}
	if mutate {
		s.hdr.bumpGeneration()
		if st, err := s.arena.Stats(); err == nil {
			s.tel.usage(s.name, st.Used, st.Size, s.index.Len())
		}
	}
	return nil
}

// checkOpen guards lock waits on this handle.
func (s *Storage) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.checkAlive()
}

func (s *Storage) checkAlive() error {
	if s.hdr.destroyed() {
		return ErrStaleHandle
	}
	return nil
}

func (s *Storage) usable() error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if s.hdr.corrupted() {
		return fmt.Errorf("%w: storage %q was marked corrupted", ErrCorruptedEntry, s.name)
	}
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
