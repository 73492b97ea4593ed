package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riptide/internal/torrent"
)

func TestResumeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	md, _ := testMetadata(t, 32, 64)

	bf := torrent.NewBitfield(md.NumPieces())
	bf.SetPiece(1)

	saved := &ResumeData{
		InfoBytes:  []byte("d4:name4:test6:lengthi64ee"),
		Trackers:   []string{"http://tracker.example/announce"},
		Bitfield:   bf,
		Downloaded: 4096,
		Uploaded:   128,
		Paused:     true,
		AddedAt:    1700000000,
	}
	require.NoError(t, SaveResume(dir, saved))

	loaded, err := LoadResume(dir)
	require.NoError(t, err)

	assert.Equal(t, saved.InfoBytes, loaded.InfoBytes)
	assert.Equal(t, saved.Trackers, loaded.Trackers)
	assert.Equal(t, saved.Downloaded, loaded.Downloaded)
	assert.Equal(t, saved.Uploaded, loaded.Uploaded)
	assert.True(t, loaded.Paused)
	assert.Equal(t, saved.AddedAt, loaded.AddedAt)

	restored := loaded.Bitmap(md)
	assert.False(t, restored.HasPiece(0))
	assert.True(t, restored.HasPiece(1))
	assert.Equal(t, bf.Count(), restored.Count())
}

func TestLoadResumeMissingSidecar(t *testing.T) {
	_, err := LoadResume(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResumeBitmapResizesToPieceCount(t *testing.T) {
	md, _ := testMetadata(t, 32, 64) // 2 pieces

	// A sidecar written for a larger torrent is cut down to the real
	// piece table size.
	rd := &ResumeData{Bitfield: []byte{0xC0, 0xFF}}
	bf := rd.Bitmap(md)

	assert.True(t, bf.HasPiece(0))
	assert.True(t, bf.HasPiece(1))
	assert.Len(t, []byte(bf), 1)
	assert.True(t, bf.Complete(md.NumPieces()))
}
