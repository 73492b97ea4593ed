package core

import (
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riptide/internal/config"
	"riptide/internal/database"
	"riptide/internal/database/models"
)

const testMagnet = "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=test.iso"

func testRepo(t *testing.T, cfg *config.Config) *models.TorrentRepository {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(cfg.App.DataPath, "riptide.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db))
	return models.NewTorrentRepository(db)
}

func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
		cfg.App.DataPath = t.TempDir()
	}
	m := NewManager(cfg, testRepo(t, cfg), nil, nil, testLogger())
	t.Cleanup(m.Stop)
	return m
}

func torrentFileBytes(t *testing.T, md []byte, announce string) []byte {
	t.Helper()
	data, err := bencode.Marshal(metainfo.MetaInfo{
		InfoBytes: md,
		Announce:  announce,
	})
	require.NoError(t, err)
	return data
}

func TestAddMagnetIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)

	first, created, err := m.AddMagnet(testMagnet)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StateFetchingMetadata, first.State())

	second, created, err := m.AddMagnet(testMagnet)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)

	assert.Len(t, m.List(), 1)
}

func TestAddTorrentFileIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	md, _ := testTorrent(t, 32, 64)
	data := torrentFileBytes(t, md.InfoBytes, "http://tracker.example/announce")

	first, created, err := m.AddTorrentData(data)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "payload.bin", first.Name())
	assert.Equal(t, StateDownloading, first.State())

	second, created, err := m.AddTorrentData(data)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
}

func TestGetAndDeleteUnknownHash(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Get("c12fe1c06bba254a9dc9f519b335aa7c1367a88a")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Get("not-a-hash")
	assert.ErrorIs(t, err, ErrNotFound)

	err = m.Delete("c12fe1c06bba254a9dc9f519b335aa7c1367a88a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteEvictsSession(t *testing.T) {
	m := newTestManager(t, nil)
	md, _ := testTorrent(t, 32, 64)
	data := torrentFileBytes(t, md.InfoBytes, "")

	s, _, err := m.AddTorrentData(data)
	require.NoError(t, err)
	hexHash := s.InfoHash().HexString()

	require.NoError(t, m.Delete(hexHash))
	_, err = m.Get(hexHash)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.List())

	// A deleted torrent can be added from scratch.
	again, created, err := m.AddTorrentData(data)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, s, again)
}

func TestPauseAndResumeThroughManager(t *testing.T) {
	m := newTestManager(t, nil)
	md, _ := testTorrent(t, 32, 64)

	s, _, err := m.AddTorrentData(torrentFileBytes(t, md.InfoBytes, ""))
	require.NoError(t, err)
	hexHash := s.InfoHash().HexString()

	require.NoError(t, m.Pause(hexHash))
	assert.Equal(t, StatePaused, s.State())
	require.NoError(t, m.Resume(hexHash))
	assert.Equal(t, StateDownloading, s.State())

	assert.ErrorIs(t, m.Pause("0000000000000000000000000000000000000000"), ErrNotFound)
}

func TestRestoreKeepsPausedSessionsPaused(t *testing.T) {
	cfg := testConfig(t)
	cfg.App.DataPath = t.TempDir()
	md, _ := testTorrent(t, 32, 64)

	first := NewManager(cfg, testRepo(t, cfg), nil, nil, testLogger())
	s, _, err := first.AddTorrentData(torrentFileBytes(t, md.InfoBytes, ""))
	require.NoError(t, err)
	hexHash := s.InfoHash().HexString()
	require.NoError(t, s.Pause())
	first.Stop()

	second := NewManager(cfg, testRepo(t, cfg), nil, nil, testLogger())
	require.NoError(t, second.Start())
	defer second.Stop()

	restored, err := second.Get(hexHash)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, restored.State())
	assert.Equal(t, "payload.bin", restored.Name())
}

func TestRestoreKeepsPausedMagnetPaused(t *testing.T) {
	cfg := testConfig(t)
	cfg.App.DataPath = t.TempDir()

	first := NewManager(cfg, testRepo(t, cfg), nil, nil, testLogger())
	s, _, err := first.AddMagnet(testMagnet)
	require.NoError(t, err)
	hexHash := s.InfoHash().HexString()
	require.NoError(t, first.Pause(hexHash))
	first.Stop()

	// The magnet never resolved, so there is no sidecar; the catalog
	// row alone must carry the pause across the restart.
	second := NewManager(cfg, testRepo(t, cfg), nil, nil, testLogger())
	require.NoError(t, second.Start())
	defer second.Stop()

	restored, err := second.Get(hexHash)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, restored.State())

	require.NoError(t, second.Resume(hexHash))
	assert.Equal(t, StateFetchingMetadata, restored.State())
}

func TestListOrderedByAddedAt(t *testing.T) {
	m := newTestManager(t, nil)

	a, _, err := m.AddMagnet(testMagnet)
	require.NoError(t, err)
	b, _, err := m.AddMagnet("magnet:?xt=urn:btih:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa&dn=second")
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.InfoHash().HexString(), list[0].InfoHash)
	assert.Equal(t, b.InfoHash().HexString(), list[1].InfoHash)
}
