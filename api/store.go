// Package api defines public API contracts for shmstore.
package api

import (
	"context"

	"github.com/srediag/shmstore/pkg/codec"
)

// Store defines the operations of one named key-value storage.
type Store interface {
	Name() string
	Set(ctx context.Context, key string, v any) error
	SetWithLabel(ctx context.Context, key string, v any, label string) error
	Get(ctx context.Context, key string) (codec.Value, bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)

	Lock() error
	Unlock() error
	TryLock() (bool, error)

	Close() error
}
