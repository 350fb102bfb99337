// Package processor defines the contracts between the pipeline core and the
// collaborators that perform the actual work of a stage.
//
// A collaborator reports failures as transient (worth retrying) or permanent.
// Returning ErrSkip marks the step skipped; the pipeline then continues
// downstream exactly as on success.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/docflow/pkg/document"
)

// ErrSkip reports that the stage does not apply to this document.
var ErrSkip = errors.New("stage skipped")

// Result is the outcome of a successful stage.
type Result struct {
	// Location is the path of a newly produced artifact. Empty means the
	// document's current location is unchanged.
	Location string
}

// Processor performs one core stage for one document.
type Processor interface {
	Process(ctx context.Context, doc document.Document) (Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, doc document.Document) (Result, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, doc document.Document) (Result, error) {
	return f(ctx, doc)
}

// UploadTarget delivers the final artifact to one storage destination.
// It returns a reference to the stored object.
type UploadTarget interface {
	Upload(ctx context.Context, doc document.Document) (string, error)
}

// Kind classifies a collaborator failure.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified collaborator failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent reports whether retrying cannot help.
func (e *Error) Permanent() bool { return e.Kind == KindPermanent }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Transientf formats a transient error.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err carries a permanent classification.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}

// Workspace lays out per-document working directories for stage artifacts.
type Workspace struct {
	Root string
}

// Dir returns (and creates) the working directory of a document.
func (w Workspace) Dir(documentID string) (string, error) {
	if strings.TrimSpace(w.Root) == "" {
		return "", errors.New("workspace root is required")
	}
	if documentID == "" || strings.ContainsAny(documentID, `/\`) || documentID == "." || documentID == ".." {
		return "", fmt.Errorf("invalid document id %q", documentID)
	}
	dir := filepath.Join(w.Root, documentID)
	// #nosec G301 -- work directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	return dir, nil
}

// Artifact returns the path of a named artifact inside the document's
// working directory.
func (w Workspace) Artifact(documentID, name string) (string, error) {
	dir, err := w.Dir(documentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
