package shm

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Lock word states.
const (
	unlocked  uint32 = 0
	locked    uint32 = 1
	contended uint32 = 2
)

// DefaultPollInterval caps the sleep between acquisition attempts on
// platforms without futex support.
const DefaultPollInterval = 10 * time.Millisecond

// waitSlice bounds a single futex sleep so waiters re-run the staleness check
// even if a wake-up is lost.
const waitSlice = 200 * time.Millisecond

// Mutex is a cross-process mutex whose whole state is two 32-bit words inside
// a shared mapping: the lock word and the pid of the holder. Any process that
// maps the same words and builds a Mutex over them shares the lock.
//
// The lock word follows the classic three-state futex protocol (0 free, 1 held,
// 2 held with possible waiters), so an uncontended Lock/Unlock pair is two
// atomic operations and no system call.
//
// The mutex is not reentrant and has no owner check: Unlock from a process
// that does not hold it releases it anyway. A holder that dies keeps the lock
// held; Holder reports its pid so callers can detect that case.
type Mutex struct {
	word   *uint32
	holder *uint32
	check  func() error
	poll   time.Duration
}

// NewMutex builds a Mutex over the given shared words. check is consulted
// before every acquisition attempt; a non-nil error aborts Lock and TryLock
// and is returned to the caller. check may be nil.
func NewMutex(word, holder *uint32, check func() error) *Mutex {
	if check == nil {
		check = func() error { return nil }
	}
	return &Mutex{
		word:   word,
		holder: holder,
		check:  check,
		poll:   DefaultPollInterval,
	}
}

// SetPollInterval changes the maximum back-off between attempts on platforms
// that poll instead of sleeping in the kernel.
func (m *Mutex) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.poll = d
	}
}

// Lock blocks until the mutex is acquired or check fails.
func (m *Mutex) Lock() error {
	if err := m.check(); err != nil {
		return err
	}
	if atomic.CompareAndSwapUint32(m.word, unlocked, locked) {
		m.setHolder()
		return nil
	}

	var b *backoff.ExponentialBackOff
	if !FutexSupported {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Microsecond
		b.MaxInterval = m.poll
		b.MaxElapsedTime = 0
		b.Reset()
	}
	for {
		if err := m.check(); err != nil {
			return err
		}
		if atomic.SwapUint32(m.word, contended) == unlocked {
			m.setHolder()
			return nil
		}
		if b != nil {
			time.Sleep(b.NextBackOff())
			continue
		}
		if err := FutexWait(m.word, contended, waitSlice); err != nil && !errors.Is(err, ErrFutexTimeout) {
			return err
		}
	}
}

// TryLock acquires the mutex if it is free and reports whether it did.
func (m *Mutex) TryLock() (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	if atomic.CompareAndSwapUint32(m.word, unlocked, locked) {
		m.setHolder()
		return true, nil
	}
	return false, nil
}

// Unlock releases the mutex and wakes one waiter if there may be any.
func (m *Mutex) Unlock() {
	atomic.StoreUint32(m.holder, 0)
	if atomic.SwapUint32(m.word, unlocked) == contended {
		_, _ = FutexWake(m.word, 1)
	}
}

// WakeAll wakes every process sleeping on the lock word without changing its
// state. Woken waiters re-run check.
func (m *Mutex) WakeAll() {
	_, _ = FutexWake(m.word, 1<<30)
}

// Locked reports whether the mutex is currently held by anyone.
func (m *Mutex) Locked() bool {
	return atomic.LoadUint32(m.word) != unlocked
}

// Holder returns the pid recorded by the last successful acquisition, or 0
// when the mutex is free.
func (m *Mutex) Holder() uint32 {
	return atomic.LoadUint32(m.holder)
}

func (m *Mutex) setHolder() {
	atomic.StoreUint32(m.holder, uint32(os.Getpid()))
}
