//go:build !linux

package shm

import (
	"time"
)

// FutexSupported reports whether FutexWait blocks in the kernel.
const FutexSupported = false

// FutexWait is not supported on this platform; Mutex polls instead.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	return ErrUnsupported
}

// FutexWake is a no-op on this platform.
func FutexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}
