package document

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/docflow/pkg/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenAndMigrate(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	created, err := repo.Create(ctx, Document{
		ID:               "doc-1",
		OriginalFilename: "invoice.pdf",
		ContentHash:      "abc",
		Location:         "/intake/invoice.pdf",
		PlanVersion:      "v1",
	})
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := repo.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "invoice.pdf", got.OriginalFilename)
	assert.Equal(t, "abc", got.ContentHash)
	assert.Equal(t, "/intake/invoice.pdf", got.Location)
	assert.Equal(t, "v1", got.PlanVersion)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)

	_, err = repo.Create(ctx, Document{ID: "doc-1", Location: "/x"})
	require.ErrorIs(t, err, ErrDuplicateID)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_CreateValidation(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	_, err := repo.Create(ctx, Document{Location: "/x"})
	require.Error(t, err)

	_, err = repo.Create(ctx, Document{ID: "d"})
	require.Error(t, err)
}

func TestRepository_FindByHash(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		hash := "same"
		if id == "c" {
			hash = "other"
		}
		_, err := repo.Create(ctx, Document{
			ID:          id,
			ContentHash: hash,
			Location:    "/" + id,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	docs, err := repo.FindByHash(ctx, "same")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)

	docs, err = repo.FindByHash(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, docs)

	all, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	limited, err := repo.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRepository_UpdateLocation(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	_, err := repo.Create(ctx, Document{ID: "d", Location: "/in/d.pdf"})
	require.NoError(t, err)

	require.NoError(t, repo.UpdateLocation(ctx, "d", "/work/d.pdf"))
	got, err := repo.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "/work/d.pdf", got.Location)

	require.ErrorIs(t, repo.UpdateLocation(ctx, "missing", "/x"), ErrNotFound)
	require.Error(t, repo.UpdateLocation(ctx, "d", " "))
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
