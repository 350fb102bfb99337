// Package target turns manifest target entries into upload destinations for
// the distribution stage.
package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/manifest"
	"github.com/3leaps/docflow/pkg/processor"
	"github.com/3leaps/docflow/pkg/provider"
)

// ContentType is the media type of every distributed artifact.
const ContentType = "application/pdf"

// Target uploads final artifacts to one configured destination.
type Target struct {
	cfg      manifest.Target
	provider provider.Provider
}

var _ processor.UploadTarget = (*Target)(nil)

// New binds a manifest entry to an opened provider, applying the entry's
// rate limit.
func New(cfg manifest.Target, p provider.Provider) *Target {
	return &Target{cfg: cfg, provider: NewLimited(p, cfg.RateLimit)}
}

// Name returns the target name.
func (t *Target) Name() string { return t.cfg.Name }

// Upload stores the document's current artifact and returns the remote
// reference. Documents outside the target's match globs are skipped.
func (t *Target) Upload(ctx context.Context, doc document.Document) (string, error) {
	if !t.cfg.Matches(doc.OriginalFilename) {
		return "", processor.ErrSkip
	}

	// #nosec G304 -- location is a pipeline-managed artifact path
	f, err := os.Open(doc.Location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", processor.Permanentf("artifact %s: %w", doc.Location, err)
		}
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}

	key := ObjectKey(t.cfg.Prefix, doc)
	err = t.provider.PutObject(ctx, key, f, info.Size(), provider.PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			"document-id":       doc.ID,
			"content-hash":      doc.ContentHash,
			"original-filename": doc.OriginalFilename,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload to %s: %w", t.cfg.Name, err)
	}
	return t.provider.URI(key), nil
}

// Close releases the underlying provider.
func (t *Target) Close() error {
	return t.provider.Close()
}

// ObjectKey builds "<prefix>/<document id>/<stem>.pdf".
func ObjectKey(prefix string, doc document.Document) string {
	name := filepath.Base(filepath.ToSlash(doc.OriginalFilename))
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if stem == "" || stem == "." || stem == "/" {
		stem = doc.ID
	}
	return path.Join(strings.Trim(prefix, "/"), doc.ID, stem+".pdf")
}
