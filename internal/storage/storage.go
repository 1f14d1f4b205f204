// Package storage provides the durable key-value backends that hold session
// credentials and chat history between runs.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested key has never been written or was deleted.
	ErrNotFound = errors.New("storage: key not found")
	// ErrCorrupt indicates a stored value could not be decoded.
	ErrCorrupt = errors.New("storage: corrupt value")
)

// KV is a minimal durable key-value store. Implementations must make Put a
// single-step replacement and Delete of several keys a single call so callers
// never observe a partially written session.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
}
