package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anacrolix/torrent/bencode"

	"riptide/internal/torrent"
)

// sidecarName is the per-torrent resume file written next to the piece
// data. It carries everything needed to reopen a session after a
// process restart without re-verifying from scratch.
const sidecarName = "resume.dat"

type ResumeData struct {
	InfoBytes  []byte            `bencode:"info"`
	Trackers   []string          `bencode:"trackers,omitempty"`
	Bitfield   []byte            `bencode:"bitfield"`
	Downloaded int64             `bencode:"downloaded"`
	Uploaded   int64             `bencode:"uploaded"`
	Paused     bool              `bencode:"paused"`
	AddedAt    int64             `bencode:"added_at"`
}

// SaveResume atomically writes the sidecar into the store directory.
func SaveResume(dir string, rd *ResumeData) error {
	data, err := bencode.Marshal(rd)
	if err != nil {
		return fmt.Errorf("%w: encoding resume data: %v", ErrStorage, err)
	}

	path := filepath.Join(dir, sidecarName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrStorage, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: committing %s: %v", ErrStorage, path, err)
	}
	return nil
}

// LoadResume reads the sidecar from a store directory. A missing file
// is reported as os.ErrNotExist so callers can skip stale directories.
func LoadResume(dir string) (*ResumeData, error) {
	data, err := os.ReadFile(filepath.Join(dir, sidecarName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading resume data: %v", ErrStorage, err)
	}

	rd := &ResumeData{}
	if err := bencode.Unmarshal(data, rd); err != nil {
		return nil, fmt.Errorf("%w: decoding resume data: %v", ErrStorage, err)
	}
	if len(rd.InfoBytes) == 0 {
		return nil, fmt.Errorf("%w: resume data has no metadata", ErrStorage)
	}
	return rd, nil
}

// Bitmap converts the persisted bitfield, resized to the piece count so
// a truncated sidecar cannot mark out-of-range pieces.
func (rd *ResumeData) Bitmap(md *torrent.Metadata) torrent.Bitfield {
	bf := torrent.NewBitfield(md.NumPieces())
	copy(bf, rd.Bitfield)
	return bf
}
