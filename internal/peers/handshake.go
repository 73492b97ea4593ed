package peers

import (
	"bytes"
	"fmt"
	"io"
)

const protocolIdentifier = "BitTorrent protocol"

// handshakeLen is the fixed size of the handshake string: 1 byte pstr
// length, 19 bytes pstr, 8 reserved bytes, 20 bytes info hash, 20 bytes
// peer ID.
const handshakeLen = 68

// Bit 0x10 of reserved byte 5 advertises BEP-10 extension support,
// which carries the ut_metadata exchange used for magnet adds.
const extensionBit = 0x10

type handshake struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Extensions bool
}

func newHandshake(infoHash, peerID [20]byte) *handshake {
	return &handshake{
		InfoHash:   infoHash,
		PeerID:     peerID,
		Extensions: true,
	}
}

func (h *handshake) serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(protocolIdentifier))
	curr := 1
	curr += copy(buf[curr:], protocolIdentifier)

	reserved := make([]byte, 8)
	if h.Extensions {
		reserved[5] |= extensionBit
	}
	curr += copy(buf[curr:], reserved)
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

func readHandshake(r io.Reader) (*handshake, error) {
	pstrLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, pstrLenBuf); err != nil {
		return nil, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(protocolIdentifier) {
		return nil, fmt.Errorf("pstr length should be %d but is %d", len(protocolIdentifier), pstrLen)
	}

	buf := make([]byte, handshakeLen-1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if !bytes.Equal(buf[:pstrLen], []byte(protocolIdentifier)) {
		return nil, fmt.Errorf("unknown protocol identifier %q", buf[:pstrLen])
	}

	h := &handshake{Extensions: buf[pstrLen+5]&extensionBit != 0}
	copy(h.InfoHash[:], buf[pstrLen+8:pstrLen+28])
	copy(h.PeerID[:], buf[pstrLen+28:])
	return h, nil
}
