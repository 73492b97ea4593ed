package storage

import (
	"archive/zip"
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"riptide/internal/torrent"
)

var (
	// ErrNotYetAvailable means the requested bytes fall in a piece that
	// has not been verified yet.
	ErrNotYetAvailable = errors.New("requested bytes are not yet available")

	// ErrHashMismatch means an assembled piece failed SHA-1 verification
	// and was discarded.
	ErrHashMismatch = errors.New("piece failed hash verification")

	// ErrStorage wraps disk failures. A storage error is fatal to the
	// owning session but never to the process.
	ErrStorage = errors.New("storage failure")
)

// partialPiece buffers blocks of one piece until all of them have
// arrived. Blocks may arrive in any order and more than once (endgame).
type partialPiece struct {
	buffer   []byte
	received map[int]bool // block begin offset -> received
	have     int          // received byte count, duplicates excluded
}

// Store persists the downloaded pieces of one torrent under a dedicated
// directory, laid out as the torrent's real content files plus a resume
// sidecar. A piece is marked present only after its SHA-1 digest matches
// the metadata's recorded hash.
type Store struct {
	md  *torrent.Metadata
	dir string

	mu       sync.Mutex
	bitfield torrent.Bitfield
	partial  map[int]*partialPiece
	files    map[int]*os.File
	closed   bool
}

// Open creates or reopens the store directory for a torrent. A bitfield
// recovered from the resume sidecar may be passed in; nil starts empty.
func Open(md *torrent.Metadata, dir string, bitfield torrent.Bitfield) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrStorage, dir, err)
	}

	if bitfield == nil {
		bitfield = torrent.NewBitfield(md.NumPieces())
	}

	return &Store{
		md:       md,
		dir:      dir,
		bitfield: bitfield.Clone(),
		partial:  make(map[int]*partialPiece),
		files:    make(map[int]*os.File),
	}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// WriteBlock buffers one block. When the block completes its piece the
// piece is verified and committed to disk; on digest mismatch
// ErrHashMismatch is returned and the corrupt buffer is kept until the
// caller re-queues the piece with DiscardPartial. Returns true once the
// piece has been committed.
func (s *Store) WriteBlock(index, begin int, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, fmt.Errorf("%w: store is closed", ErrStorage)
	}
	if index < 0 || index >= s.md.NumPieces() {
		return false, fmt.Errorf("piece index %d out of range", index)
	}
	if s.bitfield.HasPiece(index) {
		// Duplicate delivery after commit, common in endgame mode.
		return false, nil
	}

	pieceSize := s.md.PieceSize(index)
	if begin < 0 || begin+len(data) > pieceSize {
		return false, fmt.Errorf("block [%d, %d) out of bounds for piece %d (%d bytes)",
			begin, begin+len(data), index, pieceSize)
	}

	pp, ok := s.partial[index]
	if !ok {
		pp = &partialPiece{
			buffer:   make([]byte, pieceSize),
			received: make(map[int]bool),
		}
		s.partial[index] = pp
	}

	if !pp.received[begin] {
		pp.received[begin] = true
		pp.have += len(data)
		copy(pp.buffer[begin:], data)
	}

	if pp.have < pieceSize {
		return false, nil
	}

	hash := sha1.Sum(pp.buffer)
	if !bytes.Equal(hash[:], s.md.PieceHashes[index][:]) {
		return false, fmt.Errorf("piece %d: %w", index, ErrHashMismatch)
	}
	delete(s.partial, index)

	if err := s.writePiece(index, pp.buffer); err != nil {
		return false, err
	}
	s.bitfield.SetPiece(index)
	return true, nil
}

// DiscardPartial drops any buffered blocks for a piece so selection can
// start it over, e.g. after the assembled piece failed verification.
func (s *Store) DiscardPartial(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.partial, index)
}

// ReadBlock reads a sub-range of a committed piece, used to serve
// requests from remote peers while seeding.
func (s *Store) ReadBlock(index, begin, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= s.md.NumPieces() || !s.bitfield.HasPiece(index) {
		return nil, ErrNotYetAvailable
	}
	pieceSize := s.md.PieceSize(index)
	if begin < 0 || length <= 0 || begin+length > pieceSize {
		return nil, fmt.Errorf("block [%d, %d) out of bounds for piece %d", begin, begin+length, index)
	}

	buf := make([]byte, length)
	offset := int64(index)*s.md.PieceLength + int64(begin)
	if err := s.readAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFileRange reads bytes [offset, offset+length) of one content file.
// Fails with ErrNotYetAvailable if the range touches an absent piece.
func (s *Store) ReadFileRange(fileIndex int, offset, length int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fileIndex < 0 || fileIndex >= len(s.md.Files) {
		return nil, fmt.Errorf("file index %d out of range", fileIndex)
	}
	f := s.md.Files[fileIndex]
	if offset < 0 || length < 0 || offset+length > f.Length {
		return nil, fmt.Errorf("range [%d, %d) out of bounds for %s", offset, offset+length, f.Path)
	}

	global := f.Offset + offset
	first := int(global / s.md.PieceLength)
	last := int((global + length - 1) / s.md.PieceLength)
	for i := first; i <= last && length > 0; i++ {
		if !s.bitfield.HasPiece(i) {
			return nil, ErrNotYetAvailable
		}
	}

	buf := make([]byte, length)
	if err := s.readAt(buf, global); err != nil {
		return nil, err
	}
	return buf, nil
}

// Bitfield returns a copy of the verified-piece bitmap.
func (s *Store) Bitfield() torrent.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitfield.Clone()
}

func (s *Store) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitfield.HasPiece(index)
}

// BytesCompleted sums the lengths of all verified pieces.
func (s *Store) BytesCompleted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesCompletedLocked()
}

func (s *Store) bytesCompletedLocked() int64 {
	var total int64
	for i := 0; i < s.md.NumPieces(); i++ {
		if s.bitfield.HasPiece(i) {
			total += int64(s.md.PieceSize(i))
		}
	}
	return total
}

// FileBytesPresent reports how many bytes of one content file are
// covered by verified pieces.
func (s *Store) FileBytesPresent(fileIndex int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.md.Files[fileIndex]
	var present int64
	first := int(f.Offset / s.md.PieceLength)
	last := int((f.Offset + f.Length - 1) / s.md.PieceLength)
	for i := first; i <= last; i++ {
		if !s.bitfield.HasPiece(i) {
			continue
		}
		pieceBegin := int64(i) * s.md.PieceLength
		pieceEnd := pieceBegin + int64(s.md.PieceSize(i))
		overlapBegin := max64(pieceBegin, f.Offset)
		overlapEnd := min64(pieceEnd, f.Offset+f.Length)
		if overlapEnd > overlapBegin {
			present += overlapEnd - overlapBegin
		}
	}
	return present
}

// FileComplete reports whether every byte of a file is present.
func (s *Store) FileComplete(fileIndex int) bool {
	return s.FileBytesPresent(fileIndex) == s.md.Files[fileIndex].Length
}

// ExportArchive streams a zip of the requested files. Every requested
// file must be complete; the rest of the torrent may still be missing.
func (s *Store) ExportArchive(w io.Writer, fileIndices []int) error {
	for _, fi := range fileIndices {
		if fi < 0 || fi >= len(s.md.Files) {
			return fmt.Errorf("file index %d out of range", fi)
		}
		if !s.FileComplete(fi) {
			return fmt.Errorf("%s: %w", s.md.Files[fi].Path, ErrNotYetAvailable)
		}
	}

	zw := zip.NewWriter(w)
	for _, fi := range fileIndices {
		f := s.md.Files[fi]
		entry, err := zw.Create(f.Path)
		if err != nil {
			return err
		}

		var copied int64
		for copied < f.Length {
			chunk := int64(256 * 1024)
			if f.Length-copied < chunk {
				chunk = f.Length - copied
			}
			data, err := s.ReadFileRange(fi, copied, chunk)
			if err != nil {
				return err
			}
			if _, err := entry.Write(data); err != nil {
				return err
			}
			copied += chunk
		}
	}
	return zw.Close()
}

// Close releases file handles. Buffered partial pieces are dropped; the
// verified bitmap is persisted separately via the resume sidecar.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, f := range s.files {
		f.Close()
	}
	s.files = make(map[int]*os.File)
	return nil
}

// Remove closes the store and deletes its directory, sidecar included.
func (s *Store) Remove() error {
	s.Close()
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("%w: removing %s: %v", ErrStorage, s.dir, err)
	}
	return nil
}

// writePiece scatters a verified piece across the content files it
// overlaps. Caller holds s.mu.
func (s *Store) writePiece(index int, buf []byte) error {
	global := int64(index) * s.md.PieceLength
	remaining := buf

	for fi, f := range s.md.Files {
		if len(remaining) == 0 {
			break
		}
		fileEnd := f.Offset + f.Length
		if fileEnd <= global || f.Offset >= global+int64(len(buf)) {
			continue
		}

		handle, err := s.fileHandle(fi)
		if err != nil {
			return err
		}

		writeBegin := max64(global, f.Offset)
		writeEnd := min64(global+int64(len(buf)), fileEnd)
		data := buf[writeBegin-global : writeEnd-global]
		if _, err := handle.WriteAt(data, writeBegin-f.Offset); err != nil {
			return fmt.Errorf("%w: writing piece %d to %s: %v", ErrStorage, index, f.Path, err)
		}
		remaining = buf[writeEnd-global:]
	}
	return nil
}

// readAt gathers bytes starting at a global content offset from the
// underlying files. Caller holds s.mu.
func (s *Store) readAt(buf []byte, offset int64) error {
	read := 0
	for fi, f := range s.md.Files {
		if read == len(buf) {
			break
		}
		fileEnd := f.Offset + f.Length
		cur := offset + int64(read)
		if fileEnd <= cur || f.Offset >= offset+int64(len(buf)) {
			continue
		}

		handle, err := s.fileHandle(fi)
		if err != nil {
			return err
		}

		chunkEnd := min64(offset+int64(len(buf)), fileEnd)
		n, err := handle.ReadAt(buf[read:read+int(chunkEnd-cur)], cur-f.Offset)
		read += n
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrStorage, f.Path, err)
		}
	}
	return nil
}

func (s *Store) fileHandle(fileIndex int) (*os.File, error) {
	if f, ok := s.files[fileIndex]; ok {
		return f, nil
	}

	path := filepath.Join(s.dir, filepath.FromSlash(s.md.Files[fileIndex].Path))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrStorage, path, err)
	}
	s.files[fileIndex] = f
	return f, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
