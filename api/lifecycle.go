// Package api defines public API contracts for shmstore.
package api

import "context"

// Lifecycle defines the interface for creating, attaching to and destroying
// stores by name.
type Lifecycle interface {
	CreateStore(ctx context.Context, name string, capacity uint64) (Store, error)
	OpenStore(ctx context.Context, name string) (Store, error)
	DestroyStore(ctx context.Context, name string) (bool, error)
}
