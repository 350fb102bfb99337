// Package provider abstracts the object stores that receive distributed
// documents.
//
// Providers implement a minimal write-oriented surface. Authentication uses
// SDK default credential chains; providers do not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider stores objects in one bucket or directory.
//
// Implementations should:
//   - Use SDK default credential chains (AWS default config, GCP ADC)
//   - Overwrite existing objects so repeated deliveries are idempotent
//   - Be safe for concurrent use
type Provider interface {
	// PutObject stores body under key.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, opts PutOptions) error

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// URI returns a provider-qualified reference for key, e.g. s3://bucket/key.
	URI(key string) string

	// Close releases any resources held by the provider.
	Close() error
}

// PutOptions carries optional object attributes.
type PutOptions struct {
	// ContentType is the MIME type recorded with the object.
	ContentType string

	// Metadata contains user-defined metadata key-value pairs.
	Metadata map[string]string
}

// ObjectMeta contains metadata for a single stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderGCS represents Google Cloud Storage.
	ProviderGCS ProviderType = "gcs"

	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
