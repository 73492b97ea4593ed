package torrent

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

// ErrInvalidSource marks a magnet link or .torrent file that was rejected
// before a session was created for it.
var ErrInvalidSource = errors.New("invalid torrent source")

type File struct {
	Path   string
	Length int64
	Offset int64 // byte offset of this file within the torrent's contiguous layout
}

// Metadata is the parsed, immutable description of a torrent's content layout.
type Metadata struct {
	InfoHash    metainfo.Hash
	Name        string
	PieceLength int64
	PieceHashes [][20]byte
	Files       []File
	TotalLength int64
	Trackers    []string

	// Raw bencoded info dictionary, kept so it can be written to the
	// resume sidecar and served to peers over ut_metadata.
	InfoBytes []byte
}

// Magnet is the partial identity carried by a magnet link. The full
// Metadata is fetched lazily from peers.
type Magnet struct {
	InfoHash metainfo.Hash
	Name     string
	Trackers []string
}

// ParseMagnet extracts the info hash, display name and tracker hints
// from a magnet URI.
func ParseMagnet(uri string) (*Magnet, error) {
	if !strings.HasPrefix(uri, "magnet:?") {
		return nil, fmt.Errorf("%w: not a magnet URI", ErrInvalidSource)
	}
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	return &Magnet{
		InfoHash: m.InfoHash,
		Name:     m.DisplayName,
		Trackers: m.Trackers,
	}, nil
}

// ParseTorrent parses the contents of a .torrent file.
func ParseTorrent(data []byte) (*Metadata, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	var trackers []string
	for _, tier := range mi.UpvertedAnnounceList() {
		trackers = append(trackers, tier...)
	}

	return FromInfoBytes(mi.InfoBytes, trackers)
}

// FromInfoBytes builds Metadata from a raw bencoded info dictionary, as
// parsed from a .torrent file or fetched from peers for a magnet add.
func FromInfoBytes(infoBytes []byte, trackers []string) (*Metadata, error) {
	var info metainfo.Info
	if err := bencode.Unmarshal(infoBytes, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: non-positive piece length", ErrInvalidSource)
	}
	if len(info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("%w: pieces string is not a multiple of 20", ErrInvalidSource)
	}

	md := &Metadata{
		InfoHash:    metainfo.HashBytes(infoBytes),
		Name:        info.Name,
		PieceLength: info.PieceLength,
		Trackers:    trackers,
		InfoBytes:   infoBytes,
	}

	numHashes := len(info.Pieces) / 20
	md.PieceHashes = make([][20]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(md.PieceHashes[i][:], info.Pieces[i*20:(i+1)*20])
	}

	var offset int64
	for _, f := range info.UpvertedFiles() {
		if f.Length < 0 {
			return nil, fmt.Errorf("%w: negative file length", ErrInvalidSource)
		}
		md.Files = append(md.Files, File{
			Path:   f.DisplayPath(&info),
			Length: f.Length,
			Offset: offset,
		})
		offset += f.Length
	}
	md.TotalLength = offset

	if md.TotalLength == 0 {
		return nil, fmt.Errorf("%w: empty content layout", ErrInvalidSource)
	}

	// The piece table must cover exactly the declared content size.
	wantPieces := int((md.TotalLength + md.PieceLength - 1) / md.PieceLength)
	if wantPieces != numHashes {
		return nil, fmt.Errorf("%w: %d piece hashes for %d bytes of content (want %d)",
			ErrInvalidSource, numHashes, md.TotalLength, wantPieces)
	}

	return md, nil
}

// VerifyInfoBytes reports whether raw info-dictionary bytes hash to the
// expected info hash. Used to validate metadata fetched from peers.
func VerifyInfoBytes(infoHash metainfo.Hash, infoBytes []byte) bool {
	return sha1.Sum(infoBytes) == [20]byte(infoHash)
}

func (md *Metadata) NumPieces() int {
	return len(md.PieceHashes)
}

// PieceSize returns the byte length of a piece; the final piece is
// usually shorter than PieceLength.
func (md *Metadata) PieceSize(index int) int {
	begin := int64(index) * md.PieceLength
	end := begin + md.PieceLength
	if end > md.TotalLength {
		end = md.TotalLength
	}
	return int(end - begin)
}

// PieceHash returns the recorded SHA-1 digest for a piece.
func (md *Metadata) PieceHash(index int) [20]byte {
	return md.PieceHashes[index]
}
