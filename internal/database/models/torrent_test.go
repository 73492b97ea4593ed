package models

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riptide/internal/database"
)

func testRepository(t *testing.T) *TorrentRepository {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "riptide.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db))
	return NewTorrentRepository(db)
}

func TestTorrentCatalogRoundTrip(t *testing.T) {
	repo := testRepository(t)
	added := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, repo.Create(&Torrent{
		InfoHash: "c12fe1c06bba254a9dc9f519b335aa7c1367a88a",
		Name:     "test.iso",
		Magnet:   "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a",
		State:    "fetching_metadata",
		AddedAt:  added,
	}))

	// Re-creating the same info hash is a no-op, not an error.
	require.NoError(t, repo.Create(&Torrent{
		InfoHash: "c12fe1c06bba254a9dc9f519b335aa7c1367a88a",
		Name:     "other-name",
		State:    "downloading",
		AddedAt:  added.Add(time.Hour),
	}))

	row, err := repo.GetByHash("c12fe1c06bba254a9dc9f519b335aa7c1367a88a")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "test.iso", row.Name)
	assert.Equal(t, "fetching_metadata", row.State)
	assert.Nil(t, row.CompletedAt)

	missing, err := repo.GetByHash("0000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTorrentCatalogUpdateStateKeepsCompletedAt(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.Create(&Torrent{
		InfoHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Name:     "payload.bin",
		State:    "downloading",
		AddedAt:  time.Now(),
	}))

	done := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.UpdateState("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "payload.bin", "seeding", &done))

	// Later updates without a completion time must not erase it.
	require.NoError(t, repo.UpdateState("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "payload.bin", "paused", nil))

	row, err := repo.GetByHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "paused", row.State)
	require.NotNil(t, row.CompletedAt)
	assert.Equal(t, done.Unix(), row.CompletedAt.Unix())
}

func TestTorrentCatalogDelete(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.Create(&Torrent{
		InfoHash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Name:     "gone.bin",
		State:    "downloading",
		AddedAt:  time.Now(),
	}))

	require.NoError(t, repo.Delete("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	row, err := repo.GetByHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	assert.Nil(t, row)

	// Deleting a missing row is harmless.
	require.NoError(t, repo.Delete("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
}
