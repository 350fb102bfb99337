package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "empty", cfg: Config{}, wantErr: true},
		{name: "memory", cfg: Config{Path: ":memory:"}, want: ":memory:"},
		{name: "plain path", cfg: Config{Path: filepath.Join(dir, "a", "docflow.db")}, want: "file:" + filepath.Join(dir, "a", "docflow.db")},
		{name: "url without token", cfg: Config{URL: "libsql://db.example.io"}, want: "libsql://db.example.io"},
		{name: "url with token", cfg: Config{URL: "libsql://db.example.io", AuthToken: "tok"}, want: "libsql://db.example.io?authToken=tok"},
		{name: "url keeps existing token", cfg: Config{URL: "libsql://db.example.io?authToken=a", AuthToken: "b"}, want: "libsql://db.example.io?authToken=a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))

	var version int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)

	for _, table := range []string{"documents", "steps", "step_events", "queue_jobs"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestOpenAndMigrate_FileDB(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "docflow.db")

	db, err := OpenAndMigrate(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenAndMigrate(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 30, 0, 123_000_000, time.UTC)
	assert.Equal(t, now, FromMillis(Millis(now)))

	assert.Nil(t, OptionalTime(sql.NullInt64{}))
	got := OptionalTime(sql.NullInt64{Int64: Millis(now), Valid: true})
	require.NotNil(t, got)
	assert.Equal(t, now, *got)

	assert.Nil(t, OptionalString(sql.NullString{}))
	s := OptionalString(sql.NullString{String: "x", Valid: true})
	require.NotNil(t, s)
	assert.Equal(t, "x", *s)
}
