package storage

import (
	"fmt"
	"io"
)

// FileReader adapts one content file to io.ReadSeeker so it can be
// served over HTTP with range support. Reads fail with
// ErrNotYetAvailable when they touch a piece that is not verified yet.
type FileReader struct {
	store     *Store
	fileIndex int
	size      int64
	pos       int64
}

func (s *Store) FileReader(fileIndex int) (*FileReader, error) {
	if fileIndex < 0 || fileIndex >= len(s.md.Files) {
		return nil, fmt.Errorf("file index %d out of range", fileIndex)
	}
	return &FileReader{
		store:     s,
		fileIndex: fileIndex,
		size:      s.md.Files[fileIndex].Length,
	}, nil
}

func (r *FileReader) Size() int64 {
	return r.size
}

func (r *FileReader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if r.size-r.pos < n {
		n = r.size - r.pos
	}
	data, err := r.store.ReadFileRange(r.fileIndex, r.pos, n)
	if err != nil {
		return 0, err
	}
	copy(p, data)
	r.pos += int64(len(data))
	return len(data), nil
}

func (r *FileReader) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = r.pos + offset
	case io.SeekEnd:
		next = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}
	r.pos = next
	return next, nil
}
