// Package api defines public API contracts for shmstore.
package api

// Health defines the interface for store readiness and liveness.
type Health interface {
	Name() string
	// Ping fails when the store cannot serve requests.
	Ping() error
	// CheckLiveness fails when the store is wedged, e.g. a lock is held by a
	// process that no longer exists.
	CheckLiveness() error
}
