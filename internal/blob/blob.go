package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no object behind it.
var ErrNotFound = errors.New("blob not found")

// Info describes a stored object.
type Info struct {
	Size int64
}

// Storage is the document blob collaborator. Implementations must be safe
// for concurrent use across distinct keys.
type Storage interface {
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (Info, error)
	ReadAll(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
