// Package pdf implements the conversion and metadata embedding stages on top
// of pdfcpu.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/processor"
)

const (
	// ConvertedFile is the artifact produced by the conversion stage.
	ConvertedFile = "converted.pdf"

	// EmbeddedFile is the artifact produced by the embedding stage.
	EmbeddedFile = "embedded.pdf"

	// DocumentIDProperty is always written by the embedder.
	DocumentIDProperty = "DocflowDocumentID"
)

var pdfMagic = []byte("%PDF-")

func configuration() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// IsPDF reports whether the file at path starts with the PDF header.
func IsPDF(path string) (bool, error) {
	// #nosec G304 -- path is a pipeline-managed artifact
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 1024)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return bytes.Contains(head[:n], pdfMagic), nil
}

// Converter normalises the ingested file into an optimised PDF.
//
// Inputs that are not PDFs fail permanently; format conversion from office
// or image formats belongs to an external converter plugged in through
// processor.Processor.
type Converter struct {
	Workspace processor.Workspace
	Logger    *zap.Logger
}

var _ processor.Processor = (*Converter)(nil)

// Process writes <workspace>/<doc>/converted.pdf.
func (c *Converter) Process(ctx context.Context, doc document.Document) (processor.Result, error) {
	ok, err := IsPDF(doc.Location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return processor.Result{}, processor.Permanentf("input %s: %w", doc.Location, err)
		}
		return processor.Result{}, fmt.Errorf("sniff input: %w", err)
	}
	if !ok {
		return processor.Result{}, processor.Permanentf("unsupported input format: %s", doc.OriginalFilename)
	}

	out, err := c.Workspace.Artifact(doc.ID, ConvertedFile)
	if err != nil {
		return processor.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return processor.Result{}, err
	}

	if err := api.OptimizeFile(doc.Location, out, configuration()); err != nil {
		_ = os.Remove(out)
		return processor.Result{}, processor.Permanentf("optimize pdf: %w", err)
	}

	pages, err := api.PageCountFile(out)
	if err != nil {
		return processor.Result{}, processor.Permanentf("count pages: %w", err)
	}
	if pages == 0 {
		return processor.Result{}, processor.Permanentf("pdf has no pages")
	}

	logger(c.Logger).Debug("Converted document",
		zap.String("document_id", doc.ID),
		zap.Int("pages", pages),
		zap.String("output", out))
	return processor.Result{Location: out}, nil
}

// Embedder writes the extracted metadata into the PDF document properties.
type Embedder struct {
	Workspace processor.Workspace
	Logger    *zap.Logger
}

var _ processor.Processor = (*Embedder)(nil)

// Process writes <workspace>/<doc>/embedded.pdf. A missing metadata sidecar
// fails permanently.
func (e *Embedder) Process(ctx context.Context, doc document.Document) (processor.Result, error) {
	md, err := e.Workspace.ReadMetadata(doc.ID)
	if err != nil {
		if errors.Is(err, processor.ErrNoMetadata) {
			return processor.Result{}, processor.Permanent(err)
		}
		return processor.Result{}, err
	}

	props := make(map[string]string, len(md)+1)
	for k, v := range md {
		if k == "" || v == "" {
			continue
		}
		props[k] = v
	}
	props[DocumentIDProperty] = doc.ID

	out, err := e.Workspace.Artifact(doc.ID, EmbeddedFile)
	if err != nil {
		return processor.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return processor.Result{}, err
	}

	if err := api.AddPropertiesFile(doc.Location, out, props, configuration()); err != nil {
		_ = os.Remove(out)
		return processor.Result{}, processor.Permanentf("embed properties: %w", err)
	}

	logger(e.Logger).Debug("Embedded metadata",
		zap.String("document_id", doc.ID),
		zap.Strings("properties", sortedKeys(props)))
	return processor.Result{Location: out}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
