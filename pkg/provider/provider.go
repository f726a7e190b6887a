// Package provider abstracts the object stores loraforge reads weight
// bundles from and publishes adapters to. Credentials always come from the
// store SDK's default chain.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider is the surface every store implements. Implementations are safe
// for concurrent use.
type Provider interface {
	// Head returns metadata for key, or an error wrapping ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectMeta, error)
	Close() error
}

// ObjectGetter streams object bodies. contentLength is -1 when unknown.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectPutter creates or overwrites objects.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectMeta describes one stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// ProviderType names a store implementation.
type ProviderType string

const (
	ProviderS3   ProviderType = "s3"
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string { return string(p) }
