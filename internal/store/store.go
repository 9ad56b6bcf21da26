// Package store provides the key-value blob persistence used by the core
// services. Values round-trip through JSON; backend choice is startup
// configuration.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned after the store has been closed.
var ErrClosed = errors.New("store is closed")

// Store is the persistence contract. Individual operation failures are
// reported to the caller and never crash the process.
type Store interface {
	// Save persists value under key, replacing any previous blob.
	Save(ctx context.Context, key string, value any) error
	// Load reads the blob at key into out. Returns false when absent.
	Load(ctx context.Context, key string, out any) (bool, error)
	// Delete removes the blob at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether a blob is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Keys lists all stored keys with the given prefix ("" for all).
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Clear removes every blob.
	Clear(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
