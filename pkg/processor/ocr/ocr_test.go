package ocr

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/processor"
	"github.com/3leaps/docflow/test/pdftest"
)

func newClient(t *testing.T, handler http.HandlerFunc) (*Client, processor.Workspace) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ws := processor.Workspace{Root: t.TempDir()}
	c, err := New(Config{Endpoint: srv.URL + "/v1/ocr", APIKey: "secret"}, ws, nil)
	require.NoError(t, err)
	return c, ws
}

func testDoc(t *testing.T) document.Document {
	return document.Document{ID: "doc-1", Location: pdftest.WriteMinimal(t, "converted.pdf")}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, processor.Workspace{}, nil)
	assert.Error(t, err)
	_, err = New(Config{Endpoint: "not a url"}, processor.Workspace{}, nil)
	assert.Error(t, err)
}

func TestClient_Searchable(t *testing.T) {
	c, ws := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/ocr", r.URL.Path)
		assert.Equal(t, "doc-1", r.URL.Query().Get("document_id"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, pdftest.Minimal(), body)

		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 searchable"))
	})

	res, err := c.Process(context.Background(), testDoc(t))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root, "doc-1", OutputFile), res.Location)

	data, err := os.ReadFile(res.Location)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 searchable", string(data))
}

func TestClient_TextSufficientSkips(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	_, err := c.Process(context.Background(), testDoc(t))
	assert.ErrorIs(t, err, processor.ErrSkip)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"throttled", http.StatusTooManyRequests, "slow down", false},
		{"request timeout", http.StatusRequestTimeout, "", false},
		{"server error", http.StatusInternalServerError, "boom", false},
		{"unavailable", http.StatusServiceUnavailable, "", false},
		{"bad request", http.StatusBadRequest, "encrypted pdf", true},
		{"unsupported", http.StatusUnsupportedMediaType, "", true},
		{"unauthorized", http.StatusUnauthorized, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Process(context.Background(), testDoc(t))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, processor.IsPermanent(err))
			assert.Contains(t, err.Error(), tt.body)
		})
	}
}

func TestClient_NonPDFResponseIsTransient(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>proxy error</html>"))
	})
	_, err := c.Process(context.Background(), testDoc(t))
	require.Error(t, err)
	assert.False(t, processor.IsPermanent(err))
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	c, err := New(Config{Endpoint: endpoint}, processor.Workspace{Root: t.TempDir()}, nil)
	require.NoError(t, err)
	_, err = c.Process(context.Background(), testDoc(t))
	require.Error(t, err)
	assert.False(t, processor.IsPermanent(err))
}

func TestClient_MissingInput(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := c.Process(context.Background(), document.Document{ID: "d", Location: filepath.Join(t.TempDir(), "gone.pdf")})
	require.Error(t, err)
	assert.True(t, processor.IsPermanent(err))
}
