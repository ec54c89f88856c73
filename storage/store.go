package storage

import "context"

// Store persists small JSON documents by key.
type Store interface {
	// Read decodes the value under key into v. It reports false, and leaves
	// v untouched, when the key has never been written.
	Read(ctx context.Context, key string, v any) (bool, error)
	Write(ctx context.Context, key string, v any) error
	Close() error
}
