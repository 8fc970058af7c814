package shm

import (
	"context"

	"github.com/srediag/shmstore/api"
)

var (
	_ api.Store     = (*Storage)(nil)
	_ api.Health    = (*Storage)(nil)
	_ api.Lifecycle = (*Directory)(nil)
)

// CreateStore implements api.Lifecycle. A zero capacity selects the
// directory default.
func (d *Directory) CreateStore(ctx context.Context, name string, capacity uint64) (api.Store, error) {
	var opts []CreateOption
	if capacity > 0 {
		opts = append(opts, WithCapacity(capacity))
	}
	s, err := d.Create(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenStore implements api.Lifecycle.
func (d *Directory) OpenStore(ctx context.Context, name string) (api.Store, error) {
	s, err := d.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DestroyStore implements api.Lifecycle.
func (d *Directory) DestroyStore(ctx context.Context, name string) (bool, error) {
	return d.Destroy(ctx, name)
}
