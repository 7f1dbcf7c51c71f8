package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("object not found")

// BlobStore is the durable key/bytes store snapshots are written to.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}
