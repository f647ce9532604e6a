package bucket

import "context"

// Store is the storage backend behind a bucket Server. set/get/delete
// semantics match the wire contract: Get reports ok=false for an absent key
// rather than an error.
type Store interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error

	// Close releases any resources (open files, connections) held by the
	// store. Safe to call once during server shutdown.
	Close() error
}
