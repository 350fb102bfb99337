// Package document persists ingested document records.
//
// A record is created once per unique upload. The pipeline only ever changes
// its Location, after the step that produced the new artifact has succeeded.
package document

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/3leaps/docflow/pkg/store"
)

var (
	// ErrNotFound indicates no document exists with the requested id.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicateID indicates a document with the same id already exists.
	ErrDuplicateID = errors.New("document id already exists")
)

// Document is the unit flowing through the pipeline.
type Document struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	ContentHash      string    `json:"content_hash"`
	Location         string    `json:"location"`
	PlanVersion      string    `json:"plan_version,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Repository reads and writes document records.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository returns a repository over a migrated pipeline database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

const selectColumns = `document_id, original_filename, content_hash, location, plan_version, created_at, updated_at`

// Create inserts a new document record.
func (r *Repository) Create(ctx context.Context, doc Document) (*Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(doc.ID) == "" {
		return nil, errors.New("document id is required")
	}
	if strings.TrimSpace(doc.Location) == "" {
		return nil, errors.New("document location is required")
	}

	now := r.now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (document_id, original_filename, content_hash, location, plan_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(document_id) DO NOTHING`,
		doc.ID, doc.OriginalFilename, doc.ContentHash, doc.Location, nullIfEmpty(doc.PlanVersion),
		store.Millis(doc.CreatedAt), store.Millis(doc.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, doc.ID)
	}

	doc.CreatedAt = store.FromMillis(store.Millis(doc.CreatedAt))
	doc.UpdatedAt = store.FromMillis(store.Millis(doc.UpdatedAt))
	return &doc, nil
}

// Get retrieves a document by id.
func (r *Repository) Get(ctx context.Context, id string) (*Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM documents WHERE document_id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// FindByHash returns every document with the given content hash, oldest first.
func (r *Repository) FindByHash(ctx context.Context, hash string) ([]Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM documents WHERE content_hash = ? ORDER BY created_at, document_id`, hash)
	if err != nil {
		return nil, fmt.Errorf("find documents by hash: %w", err)
	}
	return collect(rows)
}

// List returns up to limit documents, newest first. A non-positive limit
// returns all documents.
func (r *Repository) List(ctx context.Context, limit int) ([]Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM documents ORDER BY created_at DESC, document_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return collect(rows)
}

// UpdateLocation records the path of the latest artifact for a document.
func (r *Repository) UpdateLocation(ctx context.Context, id, location string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(location) == "" {
		return errors.New("document location is required")
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET location = ?, updated_at = ? WHERE document_id = ?`,
		location, store.Millis(r.now()), id)
	if err != nil {
		return fmt.Errorf("update document location: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document location: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- path is an operator-supplied intake file
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*Document, error) {
	var doc Document
	var planVersion sql.NullString
	var createdAt, updatedAt int64
	if err := s.Scan(&doc.ID, &doc.OriginalFilename, &doc.ContentHash, &doc.Location,
		&planVersion, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	doc.PlanVersion = planVersion.String
	doc.CreatedAt = store.FromMillis(createdAt)
	doc.UpdatedAt = store.FromMillis(updatedAt)
	return &doc, nil
}

func collect(rows *sql.Rows) ([]Document, error) {
	defer func() { _ = rows.Close() }()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
