// Package dedup implements the duplicate check stage: a document whose
// content hash was already ingested under another id halts.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/processor"
)

// ErrDuplicate is wrapped by the permanent error returned for duplicates.
var ErrDuplicate = errors.New("duplicate document")

// HashFinder looks up documents by content hash, oldest first.
type HashFinder interface {
	FindByHash(ctx context.Context, hash string) ([]document.Document, error)
}

// Checker is the dedup_check processor.
type Checker struct {
	Documents HashFinder
}

var _ processor.Processor = (*Checker)(nil)

// Process succeeds when doc is the earliest record with its content hash.
// Documents without a hash are skipped.
func (c *Checker) Process(ctx context.Context, doc document.Document) (processor.Result, error) {
	if doc.ContentHash == "" {
		return processor.Result{}, processor.ErrSkip
	}

	matches, err := c.Documents.FindByHash(ctx, doc.ContentHash)
	if err != nil {
		return processor.Result{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if len(matches) > 0 && matches[0].ID != doc.ID {
		return processor.Result{}, processor.Permanent(fmt.Errorf("%w of %s", ErrDuplicate, matches[0].ID))
	}
	return processor.Result{}, nil
}
