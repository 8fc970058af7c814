// Package arena implements a first-fit block allocator that keeps all of its
// state, free list included, inside the byte slice it manages.
//
// Every reference handed out is an offset from the start of that slice, so an
// arena laid over a shared mapping can be used from any process that maps it,
// whatever address the mapping lands at. The arena does no locking; callers
// serialise access.
package arena

import (
	"errors"
	"fmt"
	"unsafe"
)

// Arena header layout.
const (
	freeHeadOffset = 0
	usedOffset     = freeHeadOffset + 8
	blocksOffset   = usedOffset + 8
	// 8 reserved bytes follow

	// HeaderSize is the number of bytes the arena reserves at the start of
	// its memory for bookkeeping.
	HeaderSize = 32
)

// Block layout: an 8-byte header holding the block size (header included)
// with the low bit flagging the block as in use. A free block stores the
// offset of the next free block in its first payload word.
const (
	blockHeaderSize = 8
	minBlockSize    = 16
	align           = 8
	inUseFlag       = 1
)

// MinSize is the smallest memory an arena can be formatted over.
const MinSize = HeaderSize + minBlockSize

var (
	// ErrNoSpace is returned when no free block is large enough.
	ErrNoSpace = errors.New("arena: no space")
	// ErrCorrupt is returned when a reference or the arena structure is invalid.
	ErrCorrupt = errors.New("arena: corrupt")
)

// Arena manages the blocks inside mem.
type Arena struct {
	mem []byte
	end uint64
}

// Stats describes arena occupancy. Byte counts include block headers.
type Stats struct {
	Size        uint64
	Used        uint64
	Free        uint64
	Blocks      uint64
	FreeBlocks  uint64
	LargestFree uint64
}

// Format lays out a fresh arena over mem, discarding its previous content.
func Format(mem []byte) (*Arena, error) {
	a, err := newArena(mem)
	if err != nil {
		return nil, err
	}
	a.Reset()
	return a, nil
}

// Open attaches to an arena previously formatted over mem.
func Open(mem []byte) (*Arena, error) {
	a, err := newArena(mem)
	if err != nil {
		return nil, err
	}
	if head := a.word(freeHeadOffset); head != 0 && !a.blockInRange(head) {
		return nil, fmt.Errorf("%w: free list head %d out of range", ErrCorrupt, head)
	}
	if a.word(usedOffset) > a.end-HeaderSize {
		return nil, fmt.Errorf("%w: used bytes exceed arena size", ErrCorrupt)
	}
	return a, nil
}

func newArena(mem []byte) (*Arena, error) {
	if len(mem) < MinSize {
		return nil, fmt.Errorf("%w: arena of %d bytes is smaller than %d", ErrNoSpace, len(mem), MinSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%align != 0 {
		return nil, fmt.Errorf("arena memory is not %d-byte aligned", align)
	}
	end := uint64(len(mem)) &^ (align - 1)
	return &Arena{mem: mem[:end], end: end}, nil
}

// Reset frees every block at once, leaving a single free block spanning the
// arena.
func (a *Arena) Reset() {
	a.setWord(usedOffset, 0)
	a.setWord(blocksOffset, 0)
	a.setWord(HeaderSize, a.end-HeaderSize)
	a.setWord(HeaderSize+blockHeaderSize, 0)
	a.setWord(freeHeadOffset, HeaderSize)
}

// Alloc reserves a block with at least n payload bytes and returns the
// payload offset. On ErrNoSpace the arena is unchanged.
func (a *Arena) Alloc(n int) (uint64, error) {
	if n < 0 || uint64(n) > a.end {
		return 0, ErrNoSpace
	}
	need := blockSize(n)
	var prev uint64
	cur := a.word(freeHeadOffset)
	for steps := a.maxBlocks(); cur != 0; steps-- {
		if steps == 0 || !a.blockInRange(cur) {
			return 0, fmt.Errorf("%w: free list broken at %d", ErrCorrupt, cur)
		}
		size, inUse := a.header(cur)
		if inUse || size < minBlockSize || cur+size > a.end {
			return 0, fmt.Errorf("%w: bad free block at %d", ErrCorrupt, cur)
		}
		if size >= need {
			var h uint64
			if size-need >= minBlockSize {
				// carve the tail so the free block keeps its list position
				a.setHeader(cur, size-need, false)
				h = cur + size - need
			} else {
				a.unlink(prev, cur)
				h = cur
				need = size
			}
			a.setHeader(h, need, true)
			a.setWord(usedOffset, a.word(usedOffset)+need)
			a.setWord(blocksOffset, a.word(blocksOffset)+1)
			return h + blockHeaderSize, nil
		}
		prev = cur
		cur = a.next(cur)
	}
	return 0, ErrNoSpace
}

// Free releases the block whose payload starts at off and merges it with
// adjacent free blocks.
func (a *Arena) Free(off uint64) error {
	h, size, err := a.validate(off)
	if err != nil {
		return err
	}
	a.setWord(usedOffset, a.word(usedOffset)-size)
	a.setWord(blocksOffset, a.word(blocksOffset)-1)
	return a.insertFree(h, size)
}

// Shrink trims the block at off so it keeps at least n payload bytes, giving
// the tail back to the free list when it is large enough to form a block.
func (a *Arena) Shrink(off uint64, n int) error {
	h, size, err := a.validate(off)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%w: negative size", ErrCorrupt)
	}
	need := blockSize(n)
	if need > size || size-need < minBlockSize {
		return nil
	}
	a.setHeader(h, need, true)
	a.setWord(usedOffset, a.word(usedOffset)-(size-need))
	return a.insertFree(h+need, size-need)
}

// Cap returns the payload capacity of the block at off.
func (a *Arena) Cap(off uint64) (int, error) {
	_, size, err := a.validate(off)
	if err != nil {
		return 0, err
	}
	return int(size - blockHeaderSize), nil
}

// Bytes returns n payload bytes of the block at off. The slice aliases the
// arena memory.
func (a *Arena) Bytes(off uint64, n int) ([]byte, error) {
	_, size, err := a.validate(off)
	if err != nil {
		return nil, err
	}
	if n < 0 || uint64(n) > size-blockHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes requested from block of %d", ErrCorrupt, n, size-blockHeaderSize)
	}
	return a.mem[off : off+uint64(n) : off+size-blockHeaderSize], nil
}

// Size returns the number of bytes under management, header included.
func (a *Arena) Size() uint64 {
	return a.end
}

// Stats walks the free list and reports occupancy.
func (a *Arena) Stats() (Stats, error) {
	st := Stats{
		Size:   a.end,
		Used:   a.word(usedOffset),
		Blocks: a.word(blocksOffset),
	}
	cur := a.word(freeHeadOffset)
	for steps := a.maxBlocks(); cur != 0; steps-- {
		if steps == 0 || !a.blockInRange(cur) {
			return st, fmt.Errorf("%w: free list broken at %d", ErrCorrupt, cur)
		}
		size, _ := a.header(cur)
		st.Free += size
		st.FreeBlocks++
		if size > st.LargestFree {
			st.LargestFree = size
		}
		cur = a.next(cur)
	}
	return st, nil
}

// Check verifies the block chain and the free list against each other and
// against the header counters.
func (a *Arena) Check() error {
	var (
		used, blocks, freeBlocks uint64
		prevFree                 bool
	)
	for h := uint64(HeaderSize); h < a.end; {
		size, inUse := a.header(h)
		if size < minBlockSize || size%align != 0 || h+size > a.end {
			return fmt.Errorf("%w: bad block size %d at %d", ErrCorrupt, size, h)
		}
		if inUse {
			used += size
			blocks++
			prevFree = false
		} else {
			if prevFree {
				return fmt.Errorf("%w: adjacent free blocks at %d", ErrCorrupt, h)
			}
			freeBlocks++
			prevFree = true
		}
		h += size
	}
	if used != a.word(usedOffset) {
		return fmt.Errorf("%w: used counter %d, blocks hold %d", ErrCorrupt, a.word(usedOffset), used)
	}
	if blocks != a.word(blocksOffset) {
		return fmt.Errorf("%w: block counter %d, found %d", ErrCorrupt, a.word(blocksOffset), blocks)
	}

	var listed, last uint64
	cur := a.word(freeHeadOffset)
	for cur != 0 {
		if listed == freeBlocks || !a.blockInRange(cur) || cur <= last {
			return fmt.Errorf("%w: free list broken at %d", ErrCorrupt, cur)
		}
		if _, inUse := a.header(cur); inUse {
			return fmt.Errorf("%w: block %d on free list is in use", ErrCorrupt, cur)
		}
		listed++
		last = cur
		cur = a.next(cur)
	}
	if listed != freeBlocks {
		return fmt.Errorf("%w: %d free blocks, %d listed", ErrCorrupt, freeBlocks, listed)
	}
	return nil
}

func (a *Arena) insertFree(h, size uint64) error {
	a.setHeader(h, size, false)
	var prev uint64
	cur := a.word(freeHeadOffset)
	for steps := a.maxBlocks(); cur != 0 && cur < h; steps-- {
		if steps == 0 || !a.blockInRange(cur) {
			return fmt.Errorf("%w: free list broken at %d", ErrCorrupt, cur)
		}
		prev = cur
		cur = a.next(cur)
	}
	if cur == h {
		return fmt.Errorf("%w: block %d already free", ErrCorrupt, h)
	}

	next := cur
	if cur != 0 && h+size == cur {
		curSize, _ := a.header(cur)
		size += curSize
		next = a.next(cur)
	}
	if prev != 0 {
		prevSize, _ := a.header(prev)
		if prev+prevSize == h {
			a.setHeader(prev, prevSize+size, false)
			a.setNext(prev, next)
			return nil
		}
	}
	a.setHeader(h, size, false)
	a.setNext(h, next)
	if prev == 0 {
		a.setWord(freeHeadOffset, h)
	} else {
		a.setNext(prev, h)
	}
	return nil
}

func (a *Arena) unlink(prev, cur uint64) {
	if prev == 0 {
		a.setWord(freeHeadOffset, a.next(cur))
		return
	}
	a.setNext(prev, a.next(cur))
}

func (a *Arena) validate(off uint64) (h, size uint64, err error) {
	if off < HeaderSize+blockHeaderSize || off%align != 0 || off >= a.end {
		return 0, 0, fmt.Errorf("%w: offset %d out of range", ErrCorrupt, off)
	}
	h = off - blockHeaderSize
	size, inUse := a.header(h)
	if !inUse || size < minBlockSize || size%align != 0 || h+size > a.end {
		return 0, 0, fmt.Errorf("%w: no live block at %d", ErrCorrupt, off)
	}
	return h, size, nil
}

func (a *Arena) blockInRange(h uint64) bool {
	return h >= HeaderSize && h%align == 0 && h+minBlockSize <= a.end
}

func (a *Arena) maxBlocks() uint64 {
	return (a.end-HeaderSize)/minBlockSize + 1
}

func (a *Arena) header(h uint64) (size uint64, inUse bool) {
	w := a.word(h)
	return w &^ inUseFlag, w&inUseFlag != 0
}

func (a *Arena) setHeader(h, size uint64, inUse bool) {
	if inUse {
		size |= inUseFlag
	}
	a.setWord(h, size)
}

func (a *Arena) next(h uint64) uint64 {
	return a.word(h + blockHeaderSize)
}

func (a *Arena) setNext(h, next uint64) {
	a.setWord(h+blockHeaderSize, next)
}

func (a *Arena) word(off uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(&a.mem[off]))
}

func (a *Arena) setWord(off, v uint64) {
	*(*uint64)(unsafe.Pointer(&a.mem[off])) = v
}

func blockSize(n int) uint64 {
	size := (uint64(n) + blockHeaderSize + align - 1) &^ (align - 1)
	if size < minBlockSize {
		size = minBlockSize
	}
	return size
}
