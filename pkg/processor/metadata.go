package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/docflow/pkg/document"
)

// MetadataFile is the sidecar that carries extracted metadata from the
// extraction stage to the embedding stage.
const MetadataFile = "metadata.json"

// ErrNoMetadata reports that no metadata sidecar exists for a document.
var ErrNoMetadata = errors.New("metadata not extracted")

// Metadata is the flat set of document properties produced by extraction.
type Metadata map[string]string

// WriteMetadata stores the metadata sidecar of a document atomically.
func (w Workspace) WriteMetadata(documentID string, md Metadata) error {
	path, err := w.Artifact(documentID, MetadataFile)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	tmp := path + ".tmp"
	// #nosec G306 -- metadata is not secret
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the metadata sidecar of a document.
func (w Workspace) ReadMetadata(documentID string) (Metadata, error) {
	path, err := w.Artifact(documentID, MetadataFile)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is built from the workspace root
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoMetadata
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// FilenameMetadata is the metadata_extraction processor used when no
// extraction service is configured: it records the original filename stem
// as the title so embedding still has something to write.
func FilenameMetadata(ws Workspace) Processor {
	return ProcessorFunc(func(ctx context.Context, doc document.Document) (Result, error) {
		name := filepath.Base(doc.OriginalFilename)
		title := strings.TrimSuffix(name, filepath.Ext(name))
		md := Metadata{}
		if title != "" && title != "." {
			md["Title"] = title
		}
		if err := ws.WriteMetadata(doc.ID, md); err != nil {
			return Result{}, err
		}
		return Result{}, nil
	})
}
