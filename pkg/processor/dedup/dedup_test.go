package dedup

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/processor"
	"github.com/3leaps/docflow/pkg/store"
)

func openRepo(t *testing.T) *document.Repository {
	t.Helper()
	db, err := store.OpenAndMigrate(context.Background(), store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return document.NewRepository(db)
}

func create(t *testing.T, repo *document.Repository, id, hash string) document.Document {
	t.Helper()
	doc, err := repo.Create(context.Background(), document.Document{
		ID: id, OriginalFilename: id + ".pdf", ContentHash: hash, Location: "/in/" + id,
	})
	require.NoError(t, err)
	// Distinct creation timestamps keep the oldest-first order stable.
	time.Sleep(2 * time.Millisecond)
	return *doc
}

func TestChecker(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	c := &Checker{Documents: repo}

	original := create(t, repo, "a", "hash-1")
	dup := create(t, repo, "b", "hash-1")
	unique := create(t, repo, "c", "hash-2")

	_, err := c.Process(ctx, original)
	assert.NoError(t, err)

	_, err = c.Process(ctx, unique)
	assert.NoError(t, err)

	_, err = c.Process(ctx, dup)
	require.Error(t, err)
	assert.True(t, processor.IsPermanent(err))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "of a")

	_, err = c.Process(ctx, document.Document{ID: "x"})
	assert.ErrorIs(t, err, processor.ErrSkip)
}

type failingFinder struct{}

func (failingFinder) FindByHash(ctx context.Context, hash string) ([]document.Document, error) {
	return nil, sql.ErrConnDone
}

func TestChecker_LookupFailureIsTransient(t *testing.T) {
	c := &Checker{Documents: failingFinder{}}
	_, err := c.Process(context.Background(), document.Document{ID: "x", ContentHash: "h"})
	require.Error(t, err)
	assert.False(t, processor.IsPermanent(err))
	assert.True(t, errors.Is(err, sql.ErrConnDone))
}
