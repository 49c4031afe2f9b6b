// Package provider abstracts the stores upload artifacts are read from.
//
// The queue needs two things from a store: proof that an artifact exists
// when a job is marked ready (Head) and its bytes when the executor stages
// it for a runner (GetObject). Authentication uses SDK default credential
// chains; providers do not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider reads artifacts from one store.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// GetObject opens the object for reading. The caller closes the body.
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)

	// Close releases any resources held by the provider.
	Close() error
}

// ObjectMeta describes a single artifact object.
type ObjectMeta struct {
	// Key is the object key (or path relative to a file provider's base).
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag when the store provides one.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time

	// ContentType is the MIME type of the object, if known.
	ContentType string
}

// ProviderType identifies an artifact store.
type ProviderType string

const (
	// ProviderFile represents the local filesystem.
	ProviderFile ProviderType = "file"

	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
