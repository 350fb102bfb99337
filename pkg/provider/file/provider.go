// Package file implements the provider interface on a local directory tree.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/docflow/pkg/provider"
)

// metaSuffix names the sidecar that carries content type and metadata.
const metaSuffix = ".meta.json"

// Provider implements provider.Provider for local filesystem paths.
//
// Keys are treated as relative paths under BaseDir.
type Provider struct {
	baseDir string
}

var _ provider.Provider = (*Provider)(nil)

type Config struct {
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir" json:"base_dir"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Clean(cfg.BaseDir))
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	return &Provider{baseDir: base}, nil
}

func (p *Provider) Close() error { return nil }

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, &provider.ProviderError{Op: "Head", Provider: provider.ProviderFile, Bucket: p.baseDir, Key: key, Err: provider.ErrNotFound}
	}

	meta := &provider.ObjectMeta{
		Key:          strings.TrimPrefix(key, "/"),
		Size:         st.Size(),
		LastModified: st.ModTime(),
	}
	// #nosec G304 -- path is confined to baseDir by fullPath
	if data, err := os.ReadFile(full + metaSuffix); err == nil {
		var sc sidecar
		if err := json.Unmarshal(data, &sc); err == nil {
			meta.ContentType = sc.ContentType
			meta.Metadata = sc.Metadata
		}
	}
	return meta, nil
}

// PutObject writes body to a temp file next to the destination and renames it
// into place, so readers never observe a partial object.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, opts provider.PutOptions) error {
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := writeAtomic(ctx, full, body, contentLength); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	if opts.ContentType == "" && len(opts.Metadata) == 0 {
		_ = os.Remove(full + metaSuffix)
		return nil
	}
	data, err := json.Marshal(sidecar{ContentType: opts.ContentType, Metadata: opts.Metadata})
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := writeAtomic(ctx, full+metaSuffix, strings.NewReader(string(data)), int64(len(data))); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

func writeAtomic(ctx context.Context, full string, body io.Reader, contentLength int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// #nosec G301 -- destination directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".docflow-put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return err
	}
	if contentLength >= 0 && n != contentLength {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, contentLength)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, full)
}

// URI returns the file:// reference for key.
func (p *Provider) URI(key string) string {
	full, err := p.fullPath(key)
	if err != nil {
		return ""
	}
	return "file://" + filepath.ToSlash(full)
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Bucket: p.baseDir, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to provider sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = provider.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
