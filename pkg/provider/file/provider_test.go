package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/docflow/pkg/provider"
)

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{BaseDir: "  "}.Validate())
	assert.NoError(t, Config{BaseDir: "/tmp"}.Validate())
}

func TestProvider_PutObjectAndHead(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	body := []byte("%PDF-1.7 payload")
	err = p.PutObject(ctx, "archive/doc-1.pdf", bytes.NewReader(body), int64(len(body)), provider.PutOptions{
		ContentType: "application/pdf",
		Metadata:    map[string]string{"document-id": "doc-1"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(base, "archive", "doc-1.pdf"))
	require.NoError(t, err)
	assert.Equal(t, body, data)

	meta, err := p.Head(ctx, "archive/doc-1.pdf")
	require.NoError(t, err)
	assert.Equal(t, "archive/doc-1.pdf", meta.Key)
	assert.Equal(t, int64(len(body)), meta.Size)
	assert.Equal(t, "application/pdf", meta.ContentType)
	assert.Equal(t, "doc-1", meta.Metadata["document-id"])

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(base, "archive"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestProvider_PutObjectOverwrite(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, p.PutObject(ctx, "k", bytes.NewReader([]byte("first")), 5, provider.PutOptions{ContentType: "text/plain"}))
	require.NoError(t, p.PutObject(ctx, "k", bytes.NewReader([]byte("second!")), 7, provider.PutOptions{}))

	meta, err := p.Head(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(7), meta.Size)
	assert.Empty(t, meta.ContentType)
}

func TestProvider_ShortWrite(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = p.PutObject(context.Background(), "k", bytes.NewReader([]byte("abc")), 10, provider.PutOptions{})
	require.Error(t, err)

	_, err = p.Head(context.Background(), "k")
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_PathTraversal(t *testing.T) {
	base := t.TempDir()
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	// Traversal is clamped under the base directory.
	require.NoError(t, p.PutObject(context.Background(), "../../escape.txt", bytes.NewReader([]byte("x")), 1, provider.PutOptions{}))
	_, err = os.Stat(filepath.Join(base, "escape.txt"))
	assert.NoError(t, err)

	err = p.PutObject(context.Background(), "", bytes.NewReader(nil), 0, provider.PutOptions{})
	assert.Error(t, err)
}

func TestProvider_HeadMissing(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = p.Head(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_URI(t *testing.T) {
	base := t.TempDir()
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(base, "a", "b.pdf")), p.URI("a/b.pdf"))
}
