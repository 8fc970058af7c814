package shm

import "errors"

// ErrFutexTimeout is returned by FutexWait when the wait times out.
var ErrFutexTimeout = errors.New("futex timeout")
