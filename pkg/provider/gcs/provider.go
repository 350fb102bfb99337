// Package gcs implements the provider interface for Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/3leaps/docflow/pkg/provider"
)

// Config configures a GCS provider.
//
// Credentials resolve through Application Default Credentials unless
// CredentialsFile is set. Endpoint targets an emulator and disables
// authentication.
type Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("gcs config: Bucket: bucket name is required")
	}
	return nil
}

// Provider implements provider.Provider for a single GCS bucket.
type Provider struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

var _ provider.Provider = (*Provider)(nil)

// New creates a GCS provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderGCS, Bucket: cfg.Bucket, Err: err}
	}
	return &Provider{client: client, bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket}, nil
}

// PutObject streams body into the object, replacing any existing generation.
// The object becomes visible only when the writer closes successfully.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, opts provider.PutOptions) error {
	_ = contentLength
	key = strings.TrimPrefix(key, "/")

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := p.bucket.Object(key).NewWriter(wctx)
	if opts.ContentType != "" {
		w.ContentType = opts.ContentType
	}
	if len(opts.Metadata) > 0 {
		w.Metadata = opts.Metadata
	}

	if _, err := io.Copy(w, body); err != nil {
		// Cancelling before Close aborts the upload.
		cancel()
		_ = w.Close()
		return p.wrapError("PutObject", key, err)
	}
	if err := w.Close(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

// Head returns metadata for a single object.
func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	key = strings.TrimPrefix(key, "/")
	attrs, err := p.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{
		Key:          attrs.Name,
		Size:         attrs.Size,
		ETag:         attrs.Etag,
		LastModified: attrs.Updated,
		ContentType:  attrs.ContentType,
		Metadata:     attrs.Metadata,
	}, nil
}

// URI returns the gs:// reference for key.
func (p *Provider) URI(key string) string {
	return "gs://" + p.name + "/" + strings.TrimPrefix(key, "/")
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// wrapError converts GCS errors to provider errors with sentinel causes.
func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderGCS,
		Bucket:   p.name,
		Key:      key,
		Err:      err,
	}

	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		wrapped.Err = provider.ErrNotFound
		return wrapped
	case errors.Is(err, storage.ErrBucketNotExist):
		wrapped.Err = provider.ErrBucketNotFound
		return wrapped
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			wrapped.Err = provider.ErrBucketNotFound
		case gerr.Code == http.StatusUnauthorized:
			wrapped.Err = provider.ErrInvalidCredentials
		case gerr.Code == http.StatusForbidden:
			wrapped.Err = provider.ErrAccessDenied
		case gerr.Code == http.StatusTooManyRequests:
			wrapped.Err = provider.ErrThrottled
		case gerr.Code >= 500:
			wrapped.Err = provider.ErrProviderUnavailable
		}
	}
	return wrapped
}
