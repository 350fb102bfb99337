package vertex

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/processor"
	"github.com/3leaps/docflow/test/pdftest"
)

type fakeGenerator struct {
	resp  *genai.GenerateContentResponse
	err   error
	parts []genai.Part
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.parts = parts
	return f.resp, f.err
}

func textResponse(texts ...string) *genai.GenerateContentResponse {
	parts := make([]genai.Part, 0, len(texts))
	for _, t := range texts {
		parts = append(parts, genai.Text(t))
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}},
	}
}

func TestExtractor_Process(t *testing.T) {
	ws := processor.Workspace{Root: t.TempDir()}
	gen := &fakeGenerator{resp: textResponse(`{"title": "Quarterly Report",`, ` "keywords": ["finance", "q3"], "pages": 4, "language": "en"}`)}
	e := NewWithGenerator(gen, ws, nil)

	doc := document.Document{ID: "doc-1", Location: pdftest.WriteMinimal(t, "ocr.pdf")}
	res, err := e.Process(context.Background(), doc)
	require.NoError(t, err)
	assert.Empty(t, res.Location, "extraction leaves the artifact in place")

	require.Len(t, gen.parts, 2)
	blob, ok := gen.parts[0].(genai.Blob)
	require.True(t, ok)
	assert.Equal(t, "application/pdf", blob.MIMEType)
	assert.Equal(t, pdftest.Minimal(), blob.Data)

	md, err := ws.ReadMetadata("doc-1")
	require.NoError(t, err)
	assert.Equal(t, processor.Metadata{
		"Title":    "Quarterly Report",
		"Keywords": "finance, q3",
		"Language": "en",
	}, md)
}

func TestExtractor_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		gen       *fakeGenerator
		permanent bool
	}{
		{"invalid argument", &fakeGenerator{err: status.Error(codes.InvalidArgument, "pdf too large")}, true},
		{"permission denied", &fakeGenerator{err: status.Error(codes.PermissionDenied, "no")}, true},
		{"unavailable", &fakeGenerator{err: status.Error(codes.Unavailable, "try later")}, false},
		{"quota", &fakeGenerator{err: status.Error(codes.ResourceExhausted, "quota")}, false},
		{"plain error", &fakeGenerator{err: errors.New("connection reset")}, false},
		{"blocked", &fakeGenerator{err: &genai.BlockedError{}}, true},
		{"no candidates", &fakeGenerator{resp: &genai.GenerateContentResponse{}}, true},
		{"no text", &fakeGenerator{resp: textResponse()}, true},
		{"not json", &fakeGenerator{resp: textResponse("I cannot help with that")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewWithGenerator(tt.gen, processor.Workspace{Root: t.TempDir()}, nil)
			_, err := e.Process(context.Background(), document.Document{ID: "d", Location: pdftest.WriteMinimal(t, "in.pdf")})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, processor.IsPermanent(err))
		})
	}
}

func TestExtractor_MissingInput(t *testing.T) {
	e := NewWithGenerator(&fakeGenerator{}, processor.Workspace{Root: t.TempDir()}, nil)
	_, err := e.Process(context.Background(), document.Document{ID: "d", Location: filepath.Join(t.TempDir(), "gone.pdf")})
	require.Error(t, err)
	assert.True(t, processor.IsPermanent(err))
}

func TestParseMetadata(t *testing.T) {
	md, err := ParseMetadata("```json\n{\"Title\": \" Lease \", \"author\": \"\", \"date\": \"2024-02-01\", \"extra\": 1}\n```")
	require.NoError(t, err)
	assert.Equal(t, processor.Metadata{"Title": "Lease", "DocumentDate": "2024-02-01"}, md)

	_, err = ParseMetadata("[1,2]")
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{}, processor.Workspace{}, nil)
	assert.Error(t, err)
}

func TestExtractor_CloseWithoutClient(t *testing.T) {
	assert.NoError(t, NewWithGenerator(&fakeGenerator{}, processor.Workspace{}, nil).Close())
}
