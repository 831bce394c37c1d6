package objectstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("object not found")
	ErrAborted  = errors.New("multipart upload aborted")
)

// Store is the byte store SST objects live in.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	GetRange(ctx context.Context, path string, off, length int64) ([]byte, error)
	Size(ctx context.Context, path string) (int64, error)
	Put(ctx context.Context, path string, data []byte) error
	PutMultipart(ctx context.Context, path string) (MultipartWriter, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// MultipartWriter uploads an object in parts. The object becomes visible
// only after Complete; Abort discards every written part.
type MultipartWriter interface {
	Write(p []byte) (int, error)
	Complete(ctx context.Context) error
	Abort(ctx context.Context) error
}
