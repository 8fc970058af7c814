package shm

import (
	"sync/atomic"
	"unsafe"
)

// Uint32At returns a pointer to the 4-byte word at off inside mem.
// off must be 4-byte aligned relative to a page-aligned mapping.
func Uint32At(mem []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// Uint64At returns a pointer to the 8-byte word at off inside mem.
func Uint64At(mem []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[off]))
}

// LoadUint32 atomically loads the shared word at off.
func LoadUint32(mem []byte, off int) uint32 {
	return atomic.LoadUint32(Uint32At(mem, off))
}

// StoreUint32 atomically stores val into the shared word at off.
func StoreUint32(mem []byte, off int, val uint32) {
	atomic.StoreUint32(Uint32At(mem, off), val)
}

// OrUint32 sets bits in the shared word at off and returns the previous value.
func OrUint32(mem []byte, off int, bits uint32) uint32 {
	return atomic.OrUint32(Uint32At(mem, off), bits)
}

// LoadUint64 atomically loads the shared word at off.
func LoadUint64(mem []byte, off int) uint64 {
	return atomic.LoadUint64(Uint64At(mem, off))
}

// StoreUint64 atomically stores val into the shared word at off.
func StoreUint64(mem []byte, off int, val uint64) {
	atomic.StoreUint64(Uint64At(mem, off), val)
}

// AddUint64 atomically adds delta to the shared word at off and returns the
// new value.
func AddUint64(mem []byte, off int, delta uint64) uint64 {
	return atomic.AddUint64(Uint64At(mem, off), delta)
}
