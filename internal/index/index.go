// Package index maps keys to entry records stored in an arena.
//
// The table is a fixed array of bucket heads followed by chains of records,
// all addressed by arena offsets so that every process mapping the region
// walks the same structure. Keys are hashed with xxhash.
package index

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/srediag/shmstore/internal/arena"
)

// Table header layout, followed by one 8-byte head per bucket.
const (
	countOffset   = 0
	bucketsOffset = countOffset + 8
	// HeaderSize is the fixed part of the index area.
	HeaderSize = 16
	bucketSize = 8
)

// Bucket count bounds.
const (
	MinBuckets = 16
	MaxBuckets = 1 << 20
	// BytesPerBucket is the region capacity that earns one bucket.
	BytesPerBucket = 512
)

// Entry record layout inside an arena block.
const (
	recNextOffset     = 0
	recHashOffset     = recNextOffset + 8
	recKeyLenOffset   = recHashOffset + 8
	recLabelLenOffset = recKeyLenOffset + 4
	recValLenOffset   = recLabelLenOffset + 4
	// 4 bytes of padding
	recordHeaderSize = 32
)

// ErrCorrupt is returned when a chain or record fails validation.
var ErrCorrupt = errors.New("index: corrupt")

// Index is a chained hash table over an arena.
type Index struct {
	mem     []byte
	buckets uint64
	arena   *arena.Arena
}

// Entry is a view of one record. Label and Value alias shared memory and are
// only valid until the next mutation; copy them before releasing the lock
// that guards the index.
type Entry struct {
	Key   string
	Label []byte
	Value []byte
}

// BucketsFor returns the bucket count used for a region of capacity bytes.
func BucketsFor(capacity uint64) int {
	n := capacity / BytesPerBucket
	if n <= MinBuckets {
		return MinBuckets
	}
	if n >= MaxBuckets {
		return MaxBuckets
	}
	return 1 << bits.Len64(n-1)
}

// AreaSize returns the bytes needed for an index with the given bucket count.
func AreaSize(buckets int) int {
	return HeaderSize + bucketSize*buckets
}

// Format initialises an empty table in mem. buckets must be a power of two.
func Format(mem []byte, buckets int, a *arena.Arena) (*Index, error) {
	if buckets <= 0 || buckets&(buckets-1) != 0 {
		return nil, fmt.Errorf("bucket count %d is not a power of two", buckets)
	}
	if len(mem) < AreaSize(buckets) {
		return nil, fmt.Errorf("index area of %d bytes cannot hold %d buckets", len(mem), buckets)
	}
	idx := &Index{mem: mem[:AreaSize(buckets)], buckets: uint64(buckets), arena: a}
	idx.setWord(bucketsOffset, uint64(buckets))
	idx.clearBuckets()
	return idx, nil
}

// Open attaches to a table previously formatted in mem.
func Open(mem []byte, a *arena.Arena) (*Index, error) {
	if len(mem) < HeaderSize {
		return nil, fmt.Errorf("%w: index area too small", ErrCorrupt)
	}
	n := *(*uint64)(unsafe.Pointer(&mem[bucketsOffset]))
	if n == 0 || n&(n-1) != 0 || n > MaxBuckets || uint64(len(mem)) < uint64(AreaSize(int(n))) {
		return nil, fmt.Errorf("%w: bad bucket count %d", ErrCorrupt, n)
	}
	return &Index{mem: mem[:AreaSize(int(n))], buckets: n, arena: a}, nil
}

// Len returns the number of entries.
func (x *Index) Len() uint64 {
	return x.word(countOffset)
}

// Buckets returns the bucket count.
func (x *Index) Buckets() int {
	return int(x.buckets)
}

// Put stores value and label under key, replacing any previous entry. When
// the arena has no room the table and the arena are left unchanged and the
// error wraps arena.ErrNoSpace.
func (x *Index) Put(key string, label, value []byte) error {
	if uint64(len(key)) > math.MaxUint32 || uint64(len(label)) > math.MaxUint32 || uint64(len(value)) > math.MaxUint32 {
		return fmt.Errorf("%w: entry too large", arena.ErrNoSpace)
	}
	size := recordHeaderSize + len(key) + len(label) + len(value)
	hash := xxhash.Sum64String(key)
	head := x.bucketOffset(hash)

	prev, cur, err := x.find(head, hash, key)
	if err != nil {
		return err
	}
	if cur != 0 {
		c, err := x.arena.Cap(cur)
		if err != nil {
			return x.corrupt(err)
		}
		if size <= c {
			rec, err := x.arena.Bytes(cur, size)
			if err != nil {
				return x.corrupt(err)
			}
			writeRecord(rec, recNext(rec), hash, key, label, value)
			if err := x.arena.Shrink(cur, size); err != nil {
				return x.corrupt(err)
			}
			return nil
		}
	}

	off, err := x.arena.Alloc(size)
	if err != nil {
		return err
	}
	rec, err := x.arena.Bytes(off, size)
	if err != nil {
		return x.corrupt(err)
	}

	if cur == 0 {
		writeRecord(rec, x.word(head), hash, key, label, value)
		x.setWord(head, off)
		x.setWord(countOffset, x.Len()+1)
		return nil
	}

	old, err := x.arena.Bytes(cur, recordHeaderSize)
	if err != nil {
		return x.corrupt(err)
	}
	writeRecord(rec, recNext(old), hash, key, label, value)
	x.link(head, prev, off)
	if err := x.arena.Free(cur); err != nil {
		return x.corrupt(err)
	}
	return nil
}

// Get looks key up. The returned entry aliases shared memory.
func (x *Index) Get(key string) (Entry, bool, error) {
	hash := xxhash.Sum64String(key)
	_, cur, err := x.find(x.bucketOffset(hash), hash, key)
	if err != nil || cur == 0 {
		return Entry{}, false, err
	}
	e, err := x.entryAt(cur)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Delete removes key and reports whether it was present.
func (x *Index) Delete(key string) (bool, error) {
	hash := xxhash.Sum64String(key)
	head := x.bucketOffset(hash)
	prev, cur, err := x.find(head, hash, key)
	if err != nil || cur == 0 {
		return false, err
	}
	rec, err := x.arena.Bytes(cur, recordHeaderSize)
	if err != nil {
		return false, x.corrupt(err)
	}
	x.link(head, prev, recNext(rec))
	if err := x.arena.Free(cur); err != nil {
		return false, x.corrupt(err)
	}
	x.setWord(countOffset, x.Len()-1)
	return true, nil
}

// Reset drops every entry and returns all arena space.
func (x *Index) Reset() {
	x.clearBuckets()
	x.arena.Reset()
}

// Walk calls fn for every entry until fn returns an error. Entries alias
// shared memory and fn must not mutate the index.
func (x *Index) Walk(fn func(Entry) error) error {
	budget := x.Len()
	for b := uint64(0); b < x.buckets; b++ {
		cur := x.word(HeaderSize + b*bucketSize)
		for cur != 0 {
			if budget == 0 {
				return fmt.Errorf("%w: more records than the entry count", ErrCorrupt)
			}
			budget--
			e, err := x.entryAt(cur)
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
			rec, _ := x.arena.Bytes(cur, recordHeaderSize)
			cur = recNext(rec)
		}
	}
	if budget != 0 {
		return fmt.Errorf("%w: %d entries counted but not reachable", ErrCorrupt, budget)
	}
	return nil
}

// Keys returns every key in bucket order.
func (x *Index) Keys() ([]string, error) {
	keys := make([]string, 0, min(x.Len(), 1024))
	err := x.Walk(func(e Entry) error {
		keys = append(keys, e.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Check verifies that every chain is well formed, every record hashes to its
// bucket and the arena structure is sound.
func (x *Index) Check() error {
	err := x.Walk(func(e Entry) error {
		return nil
	})
	if err != nil {
		return err
	}
	for b := uint64(0); b < x.buckets; b++ {
		for cur := x.word(HeaderSize + b*bucketSize); cur != 0; {
			rec, _ := x.arena.Bytes(cur, recordHeaderSize)
			if recHash(rec)&(x.buckets-1) != b {
				return fmt.Errorf("%w: record %d in wrong bucket", ErrCorrupt, cur)
			}
			cur = recNext(rec)
		}
	}
	if err := x.arena.Check(); err != nil {
		return x.corrupt(err)
	}
	return nil
}

// find returns the record holding key and its predecessor in the chain
// (0 when it is the chain head). cur is 0 when key is absent.
func (x *Index) find(head, hash uint64, key string) (prev, cur uint64, err error) {
	cur = x.word(head)
	for steps := x.Len() + 1; cur != 0; steps-- {
		if steps == 0 {
			return 0, 0, fmt.Errorf("%w: chain longer than the entry count", ErrCorrupt)
		}
		rec, err := x.arena.Bytes(cur, recordHeaderSize)
		if err != nil {
			return 0, 0, x.corrupt(err)
		}
		if recHash(rec) == hash {
			e, err := x.entryAt(cur)
			if err != nil {
				return 0, 0, err
			}
			if e.Key == key {
				return prev, cur, nil
			}
		}
		prev = cur
		cur = recNext(rec)
	}
	return 0, 0, nil
}

func (x *Index) entryAt(off uint64) (Entry, error) {
	c, err := x.arena.Cap(off)
	if err != nil {
		return Entry{}, x.corrupt(err)
	}
	rec, err := x.arena.Bytes(off, c)
	if err != nil || len(rec) < recordHeaderSize {
		return Entry{}, fmt.Errorf("%w: record %d truncated", ErrCorrupt, off)
	}
	kl := uint64(u32(rec, recKeyLenOffset))
	ll := uint64(u32(rec, recLabelLenOffset))
	vl := uint64(u32(rec, recValLenOffset))
	if recordHeaderSize+kl+ll+vl > uint64(len(rec)) {
		return Entry{}, fmt.Errorf("%w: record %d lengths exceed its block", ErrCorrupt, off)
	}
	p := uint64(recordHeaderSize)
	key := rec[p : p+kl]
	p += kl
	label := rec[p : p+ll : p+ll]
	p += ll
	value := rec[p : p+vl : p+vl]
	return Entry{Key: string(key), Label: label, Value: value}, nil
}

func (x *Index) link(head, prev, off uint64) {
	if prev == 0 {
		x.setWord(head, off)
		return
	}
	rec, _ := x.arena.Bytes(prev, recordHeaderSize)
	putU64(rec, recNextOffset, off)
}

func (x *Index) bucketOffset(hash uint64) uint64 {
	return HeaderSize + (hash&(x.buckets-1))*bucketSize
}

func (x *Index) clearBuckets() {
	clear(x.mem[HeaderSize:])
	x.setWord(countOffset, 0)
}

func (x *Index) corrupt(err error) error {
	if errors.Is(err, ErrCorrupt) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCorrupt, err)
}

func (x *Index) word(off uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(&x.mem[off]))
}

func (x *Index) setWord(off, v uint64) {
	*(*uint64)(unsafe.Pointer(&x.mem[off])) = v
}

func writeRecord(rec []byte, next, hash uint64, key string, label, value []byte) {
	putU64(rec, recNextOffset, next)
	putU64(rec, recHashOffset, hash)
	putU32(rec, recKeyLenOffset, uint32(len(key)))
	putU32(rec, recLabelLenOffset, uint32(len(label)))
	putU32(rec, recValLenOffset, uint32(len(value)))
	putU32(rec, recValLenOffset+4, 0)
	p := recordHeaderSize
	p += copy(rec[p:], key)
	p += copy(rec[p:], label)
	copy(rec[p:], value)
}

func recNext(rec []byte) uint64 { return u64(rec, recNextOffset) }
func recHash(rec []byte) uint64 { return u64(rec, recHashOffset) }

func u64(b []byte, off int) uint64 {
	return *(*uint64)(unsafe.Pointer(&b[off]))
}

func u32(b []byte, off int) uint32 {
	return *(*uint32)(unsafe.Pointer(&b[off]))
}

func putU64(b []byte, off int, v uint64) {
	*(*uint64)(unsafe.Pointer(&b[off])) = v
}

func putU32(b []byte, off int, v uint32) {
	*(*uint32)(unsafe.Pointer(&b[off])) = v
}
