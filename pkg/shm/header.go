package shm

import (
	"fmt"
	"os"
	"time"

	"github.com/srediag/shmstore/internal/arena"
	"github.com/srediag/shmstore/internal/index"
	internalshm "github.com/srediag/shmstore/internal/shm"
)

// Region header layout. All multi-byte fields use native byte order.
const (
	magicOffset      = 0x00
	versionOffset    = 0x08
	flagsOffset      = 0x0C
	capacityOffset   = 0x10
	opLockOffset     = 0x18
	userLockOffset   = 0x1C
	opHolderOffset   = 0x20
	userHolderOffset = 0x24
	indexOffOffset   = 0x28
	indexSizeOffset  = 0x30
	arenaOffOffset   = 0x38
	arenaSizeOffset  = 0x40
	generationOffset = 0x48
	createdOffset    = 0x50
	creatorOffset    = 0x58

	headerSize    = 0x80
	headerMagic   = "SHMSTOR\x00"
	layoutVersion = 1
)

// Header state flags.
const (
	flagDestroyed uint32 = 1 << iota
	flagCorrupted
)

type header struct {
	mem []byte
}

// layout splits a region of capacity bytes into header, index and arena.
type layout struct {
	buckets   int
	indexOff  uint64
	indexSize uint64
	arenaOff  uint64
	arenaSize uint64
}

func layoutFor(capacity uint64) (layout, error) {
	if err := verifyCapacity(capacity); err != nil {
		return layout{}, err
	}
	buckets := index.BucketsFor(capacity)
	l := layout{
		buckets:   buckets,
		indexOff:  headerSize,
		indexSize: uint64(index.AreaSize(buckets)),
	}
	l.arenaOff = (l.indexOff + l.indexSize + 7) &^ 7
	if l.arenaOff+arena.MinSize > capacity {
		return layout{}, fmt.Errorf("%w: %d bytes leave no room for data", ErrInvalidCapacity, capacity)
	}
	l.arenaSize = (capacity - l.arenaOff) &^ 7
	return l, nil
}

// format writes a fresh header. The magic goes last so a torn write never
// looks valid.
func (h header) format(capacity uint64, l layout) {
	internalshm.StoreUint32(h.mem, versionOffset, layoutVersion)
	internalshm.StoreUint32(h.mem, flagsOffset, 0)
	internalshm.StoreUint64(h.mem, capacityOffset, capacity)
	internalshm.StoreUint32(h.mem, opLockOffset, 0)
	internalshm.StoreUint32(h.mem, userLockOffset, 0)
	internalshm.StoreUint32(h.mem, opHolderOffset, 0)
	internalshm.StoreUint32(h.mem, userHolderOffset, 0)
	internalshm.StoreUint64(h.mem, indexOffOffset, l.indexOff)
	internalshm.StoreUint64(h.mem, indexSizeOffset, l.indexSize)
	internalshm.StoreUint64(h.mem, arenaOffOffset, l.arenaOff)
	internalshm.StoreUint64(h.mem, arenaSizeOffset, l.arenaSize)
	internalshm.StoreUint64(h.mem, generationOffset, 0)
	internalshm.StoreUint64(h.mem, createdOffset, uint64(time.Now().UnixMilli()))
	internalshm.StoreUint32(h.mem, creatorOffset, uint32(os.Getpid()))
	copy(h.mem[magicOffset:], headerMagic)
}

// validate checks an attached header against the mapping it lives in.
func (h header) validate() (layout, error) {
	if len(h.mem) < headerSize || string(h.mem[magicOffset:magicOffset+len(headerMagic)]) != headerMagic {
		return layout{}, fmt.Errorf("%w: bad region magic", ErrCorruptedEntry)
	}
	if v := h.version(); v != layoutVersion {
		return layout{}, fmt.Errorf("%w: region layout version %d, want %d", ErrCorruptedEntry, v, layoutVersion)
	}
	if c := h.capacity(); c != uint64(len(h.mem)) {
		return layout{}, fmt.Errorf("%w: header capacity %d, mapping %d", ErrCorruptedEntry, c, len(h.mem))
	}
	l := layout{
		indexOff:  h.indexOffset(),
		indexSize: h.indexSize(),
		arenaOff:  h.arenaOffset(),
		arenaSize: h.arenaSize(),
	}
	size := uint64(len(h.mem))
	if l.indexOff < headerSize || l.indexOff+l.indexSize > l.arenaOff ||
		l.arenaOff%8 != 0 || l.arenaOff+l.arenaSize > size {
		return layout{}, fmt.Errorf("%w: inconsistent region layout", ErrCorruptedEntry)
	}
	return l, nil
}

func (h header) version() uint32  { return internalshm.LoadUint32(h.mem, versionOffset) }
func (h header) flags() uint32    { return internalshm.LoadUint32(h.mem, flagsOffset) }
func (h header) capacity() uint64 { return internalshm.LoadUint64(h.mem, capacityOffset) }

func (h header) destroyed() bool { return h.flags()&flagDestroyed != 0 }
func (h header) corrupted() bool { return h.flags()&flagCorrupted != 0 }

// markDestroyed sets the destroyed flag and reports whether this call set it.
func (h header) markDestroyed() bool {
	return internalshm.OrUint32(h.mem, flagsOffset, flagDestroyed)&flagDestroyed == 0
}

func (h header) markCorrupted() {
	internalshm.OrUint32(h.mem, flagsOffset, flagCorrupted)
}

func (h header) opLockWord() *uint32     { return internalshm.Uint32At(h.mem, opLockOffset) }
func (h header) userLockWord() *uint32   { return internalshm.Uint32At(h.mem, userLockOffset) }
func (h header) opHolderWord() *uint32   { return internalshm.Uint32At(h.mem, opHolderOffset) }
func (h header) userHolderWord() *uint32 { return internalshm.Uint32At(h.mem, userHolderOffset) }

func (h header) indexOffset() uint64 { return internalshm.LoadUint64(h.mem, indexOffOffset) }
func (h header) indexSize() uint64   { return internalshm.LoadUint64(h.mem, indexSizeOffset) }
func (h header) arenaOffset() uint64 { return internalshm.LoadUint64(h.mem, arenaOffOffset) }
func (h header) arenaSize() uint64   { return internalshm.LoadUint64(h.mem, arenaSizeOffset) }

func (h header) generation() uint64 { return internalshm.LoadUint64(h.mem, generationOffset) }
func (h header) bumpGeneration()    { internalshm.AddUint64(h.mem, generationOffset, 1) }

func (h header) created() time.Time {
	return time.UnixMilli(int64(internalshm.LoadUint64(h.mem, createdOffset)))
}

func (h header) creator() uint32 { return internalshm.LoadUint32(h.mem, creatorOffset) }
