package storage

import (
	"archive/zip"
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riptide/internal/torrent"
)

// testMetadata builds a content layout with deterministic bytes and the
// matching piece hash table.
func testMetadata(t *testing.T, pieceLength int64, fileSizes ...int64) (*torrent.Metadata, []byte) {
	t.Helper()

	var total int64
	files := make([]torrent.File, len(fileSizes))
	for i, size := range fileSizes {
		files[i] = torrent.File{
			Path:   fmt.Sprintf("file%d.bin", i),
			Length: size,
			Offset: total,
		}
		total += size
	}
	require.Positive(t, total)

	content := make([]byte, total)
	for i := range content {
		content[i] = byte(i*7 + 3)
	}

	numPieces := int((total + pieceLength - 1) / pieceLength)
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		begin := int64(i) * pieceLength
		end := begin + pieceLength
		if end > total {
			end = total
		}
		hashes[i] = sha1.Sum(content[begin:end])
	}

	return &torrent.Metadata{
		InfoHash:    metainfo.HashBytes(content),
		Name:        "test-torrent",
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Files:       files,
		TotalLength: total,
	}, content
}

func writePiece(t *testing.T, s *Store, md *torrent.Metadata, content []byte, index int, blockSize int) {
	t.Helper()
	pieceBegin := int64(index) * md.PieceLength
	for begin := 0; begin < md.PieceSize(index); begin += blockSize {
		length := blockSize
		if md.PieceSize(index)-begin < length {
			length = md.PieceSize(index) - begin
		}
		data := content[pieceBegin+int64(begin) : pieceBegin+int64(begin+length)]
		_, err := s.WriteBlock(index, begin, data)
		require.NoError(t, err)
	}
}

func TestOutOfOrderBlocksMatchSequentialWrite(t *testing.T) {
	md, content := testMetadata(t, 32, 64)
	s, err := Open(md, t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	// Second half of piece 0 first.
	committed, err := s.WriteBlock(0, 16, content[16:32])
	require.NoError(t, err)
	assert.False(t, committed)
	assert.False(t, s.HasPiece(0))

	committed, err = s.WriteBlock(0, 0, content[0:16])
	require.NoError(t, err)
	assert.True(t, committed)
	assert.True(t, s.HasPiece(0))

	writePiece(t, s, md, content, 1, 16)
	assert.Equal(t, int64(64), s.BytesCompleted())

	got, err := s.ReadFileRange(0, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDuplicateBlocksAreIgnored(t *testing.T) {
	md, content := testMetadata(t, 32, 32)
	s, err := Open(md, t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	committed, err := s.WriteBlock(0, 0, content[0:16])
	require.NoError(t, err)
	assert.False(t, committed)

	// Endgame can deliver the same block from several peers.
	committed, err = s.WriteBlock(0, 0, content[0:16])
	require.NoError(t, err)
	assert.False(t, committed)

	committed, err = s.WriteBlock(0, 16, content[16:32])
	require.NoError(t, err)
	assert.True(t, committed)

	// Deliveries after commit are silently dropped too.
	committed, err = s.WriteBlock(0, 0, content[0:16])
	require.NoError(t, err)
	assert.False(t, committed)
}

func TestHashMismatchKeepsPieceForRequeue(t *testing.T) {
	md, content := testMetadata(t, 32, 32)
	s, err := Open(md, t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	bad := make([]byte, 16)
	_, err = s.WriteBlock(0, 0, bad)
	require.NoError(t, err)
	_, err = s.WriteBlock(0, 16, content[16:32])
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.False(t, s.HasPiece(0))
	assert.Equal(t, int64(0), s.BytesCompleted())

	// Re-queueing drops the corrupt buffer; a clean retry commits.
	s.DiscardPartial(0)
	writePiece(t, s, md, content, 0, 16)
	assert.True(t, s.HasPiece(0))

	got, err := s.ReadFileRange(0, 0, 32)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestReadFileRangeRequiresVerifiedPieces(t *testing.T) {
	md, content := testMetadata(t, 32, 64)
	s, err := Open(md, t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadFileRange(0, 0, 10)
	assert.ErrorIs(t, err, ErrNotYetAvailable)

	writePiece(t, s, md, content, 0, 16)

	// Bytes inside the verified piece are readable, the rest is not.
	got, err := s.ReadFileRange(0, 0, 32)
	require.NoError(t, err)
	assert.Equal(t, content[:32], got)

	_, err = s.ReadFileRange(0, 16, 32)
	assert.ErrorIs(t, err, ErrNotYetAvailable)
}

func TestFileBytesPresentAcrossPieceBoundary(t *testing.T) {
	md, content := testMetadata(t, 32, 24, 40)
	s, err := Open(md, t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	// Piece 0 covers all of file 0 and the first 8 bytes of file 1.
	writePiece(t, s, md, content, 0, 16)

	assert.Equal(t, int64(24), s.FileBytesPresent(0))
	assert.Equal(t, int64(8), s.FileBytesPresent(1))
	assert.True(t, s.FileComplete(0))
	assert.False(t, s.FileComplete(1))

	writePiece(t, s, md, content, 1, 16)
	assert.True(t, s.FileComplete(1))
}

func TestExportArchive(t *testing.T) {
	md, content := testMetadata(t, 32, 24, 40)
	s, err := Open(md, t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	// File 1 is incomplete until both pieces are in.
	writePiece(t, s, md, content, 0, 16)
	err = s.ExportArchive(io.Discard, []int{1})
	assert.ErrorIs(t, err, ErrNotYetAvailable)

	// File 0 alone can be exported already.
	var buf bytes.Buffer
	require.NoError(t, s.ExportArchive(&buf, []int{0}))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "file0.bin", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content[:24], got)
}

func TestReopenWithRecoveredBitfield(t *testing.T) {
	md, content := testMetadata(t, 32, 64)
	dir := t.TempDir()

	s, err := Open(md, dir, nil)
	require.NoError(t, err)
	writePiece(t, s, md, content, 0, 16)
	writePiece(t, s, md, content, 1, 16)
	saved := s.Bitfield()
	require.NoError(t, s.Close())

	reopened, err := Open(md, dir, saved)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(64), reopened.BytesCompleted())
	got, err := reopened.ReadFileRange(0, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFileReaderServesRanges(t *testing.T) {
	md, content := testMetadata(t, 32, 64)
	s, err := Open(md, t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()
	writePiece(t, s, md, content, 0, 16)
	writePiece(t, s, md, content, 1, 16)

	r, err := s.FileReader(0)
	require.NoError(t, err)
	assert.Equal(t, int64(64), r.Size())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	pos, err := r.Seek(40, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(40), pos)
	tail, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content[40:], tail)
}
