package torrent

import (
	"crypto/sha1"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pieceHashes(content []byte, pieceLength int64) []byte {
	var pieces []byte
	for begin := int64(0); begin < int64(len(content)); begin += pieceLength {
		end := begin + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		sum := sha1.Sum(content[begin:end])
		pieces = append(pieces, sum[:]...)
	}
	return pieces
}

func marshalInfo(t *testing.T, info metainfo.Info) []byte {
	t.Helper()
	data, err := bencode.Marshal(info)
	require.NoError(t, err)
	return data
}

func TestParseTorrentSingleFile(t *testing.T) {
	content := make([]byte, 40)
	for i := range content {
		content[i] = byte(i)
	}
	infoBytes := marshalInfo(t, metainfo.Info{
		Name:        "file.bin",
		PieceLength: 16,
		Pieces:      pieceHashes(content, 16),
		Length:      int64(len(content)),
	})
	mi := metainfo.MetaInfo{
		InfoBytes: infoBytes,
		Announce:  "http://tracker.example/announce",
	}
	data, err := bencode.Marshal(mi)
	require.NoError(t, err)

	md, err := ParseTorrent(data)
	require.NoError(t, err)

	assert.Equal(t, "file.bin", md.Name)
	assert.Equal(t, int64(40), md.TotalLength)
	assert.Equal(t, 3, md.NumPieces())
	assert.Equal(t, 16, md.PieceSize(0))
	assert.Equal(t, 8, md.PieceSize(2))
	assert.Equal(t, metainfo.HashBytes(infoBytes), md.InfoHash)
	assert.Equal(t, []string{"http://tracker.example/announce"}, md.Trackers)
	require.Len(t, md.Files, 1)
	assert.Equal(t, int64(0), md.Files[0].Offset)
}

func TestFromInfoBytesMultiFileOffsets(t *testing.T) {
	content := make([]byte, 12)
	infoBytes := marshalInfo(t, metainfo.Info{
		Name:        "bundle",
		PieceLength: 8,
		Pieces:      pieceHashes(content, 8),
		Files: []metainfo.FileInfo{
			{Length: 3, Path: []string{"a.txt"}},
			{Length: 5, Path: []string{"sub", "b.txt"}},
			{Length: 4, Path: []string{"c.txt"}},
		},
	})

	md, err := FromInfoBytes(infoBytes, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(12), md.TotalLength)
	assert.Equal(t, 2, md.NumPieces())
	require.Len(t, md.Files, 3)
	assert.Equal(t, int64(0), md.Files[0].Offset)
	assert.Equal(t, int64(3), md.Files[1].Offset)
	assert.Equal(t, int64(8), md.Files[2].Offset)
	assert.Equal(t, "sub/b.txt", md.Files[1].Path)
}

func TestFromInfoBytesRejectsBadLayouts(t *testing.T) {
	t.Run("piece count mismatch", func(t *testing.T) {
		// Two hashes for content that only needs one piece.
		infoBytes := marshalInfo(t, metainfo.Info{
			Name:        "x",
			PieceLength: 64,
			Pieces:      make([]byte, 40),
			Length:      10,
		})
		_, err := FromInfoBytes(infoBytes, nil)
		assert.ErrorIs(t, err, ErrInvalidSource)
	})

	t.Run("non-positive piece length", func(t *testing.T) {
		infoBytes := marshalInfo(t, metainfo.Info{
			Name:        "x",
			PieceLength: 0,
			Pieces:      make([]byte, 20),
			Length:      10,
		})
		_, err := FromInfoBytes(infoBytes, nil)
		assert.ErrorIs(t, err, ErrInvalidSource)
	})

	t.Run("ragged pieces string", func(t *testing.T) {
		infoBytes := marshalInfo(t, metainfo.Info{
			Name:        "x",
			PieceLength: 16,
			Pieces:      make([]byte, 21),
			Length:      10,
		})
		_, err := FromInfoBytes(infoBytes, nil)
		assert.ErrorIs(t, err, ErrInvalidSource)
	})

	t.Run("empty content", func(t *testing.T) {
		infoBytes := marshalInfo(t, metainfo.Info{
			Name:        "x",
			PieceLength: 16,
			Length:      0,
		})
		_, err := FromInfoBytes(infoBytes, nil)
		assert.ErrorIs(t, err, ErrInvalidSource)
	})

	t.Run("garbage bytes", func(t *testing.T) {
		_, err := FromInfoBytes([]byte("not bencode"), nil)
		assert.ErrorIs(t, err, ErrInvalidSource)
	})
}

func TestParseMagnet(t *testing.T) {
	uri := "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=ubuntu.iso&tr=udp%3A%2F%2Ftracker.example%3A6969"
	m, err := ParseMagnet(uri)
	require.NoError(t, err)

	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", m.InfoHash.HexString())
	assert.Equal(t, "ubuntu.iso", m.Name)
	assert.Equal(t, []string{"udp://tracker.example:6969"}, m.Trackers)
}

func TestParseMagnetRejectsNonMagnet(t *testing.T) {
	_, err := ParseMagnet("http://example.com/file.torrent")
	assert.ErrorIs(t, err, ErrInvalidSource)

	_, err = ParseMagnet("magnet:?xt=urn:btih:tooshort")
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func TestVerifyInfoBytes(t *testing.T) {
	infoBytes := []byte("d4:name1:x6:lengthi5ee")
	hash := metainfo.HashBytes(infoBytes)

	assert.True(t, VerifyInfoBytes(hash, infoBytes))
	assert.False(t, VerifyInfoBytes(hash, append(infoBytes, 'x')))
}
