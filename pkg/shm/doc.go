// Package shm provides named key-value storages that live in shared memory
// and can be used concurrently by independent processes on one host.
//
// A storage is a fixed-size region file (by default under /dev/shm) that
// holds a header, a hash index and an arena of entries. Values are tagged:
// null, booleans, numbers, text, raw bytes, timestamps, and lists and maps of
// those, see package codec.
//
// Example usage:
//
//	st, err := shm.Create(ctx, "workers", shm.WithCapacity(4<<20))
//	// ...
//	_ = st.Set(ctx, "jobs", 42)
//
//	// in another process
//	st, err := shm.Get(ctx, "workers")
//	v, ok, err := st.Get(ctx, "jobs")
//
//	// group several operations
//	_ = st.Lock()
//	n, _, _ := st.Get(ctx, "jobs")
//	f, _ := n.Number()
//	_ = st.Set(ctx, "jobs", f+1)
//	_ = st.Unlock()
//
// Every operation is atomic on its own. Lock, Unlock and TryLock drive a
// single advisory lock per storage that is not reentrant and is not
// consulted by the data operations. A process that dies while holding a
// lock leaves it held; LockInfo reports the holder and whether it is still
// alive, and Destroy releases every waiter.
//
// Destroy removes a storage by name. Handles on it, in any process, then
// fail with ErrStaleHandle. Close only unmaps the local handle: goroutines
// blocked in Lock on it return ErrClosed, and an advisory lock taken through
// it and not yet unlocked is released.
//
// Create builds a region under a temporary name and links it into place. A
// creator killed in between leaves a hidden ".shmstore.<name>.<pid>.<seq>"
// file behind; the next Create of the same name removes those whose pid no
// longer exists.
//
// This package is instrumented with OpenTelemetry metrics and tracing (OTel Go SDK v1.30.0).
//
// Platform-specific helpers are in internal/shm.
package shm
