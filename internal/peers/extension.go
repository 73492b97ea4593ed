package peers

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// BEP-10 extended messages share wire ID 20; the first payload byte is
// the extended message ID. ID 0 is the extended handshake, every other
// ID is whatever the two sides agreed on in their "m" dictionaries.
const (
	extHandshakeID  = 0
	localMetadataID = 1
)

// ut_metadata (BEP-9) message types.
const (
	metadataRequest = 0
	metadataData    = 1
	metadataReject  = 2
)

const metadataPieceSize = 16 * 1024

// maxMetadataSize caps the info dictionary size a peer may announce.
const maxMetadataSize = 4 * 1024 * 1024

type extHandshakeMsg struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize int64            `bencode:"metadata_size,omitempty"`
}

type metadataMsg struct {
	MsgType   int   `bencode:"msg_type"`
	Piece     int   `bencode:"piece"`
	TotalSize int64 `bencode:"total_size,omitempty"`
}

func (c *Conn) sendExtendedHandshake() error {
	eh := extHandshakeMsg{M: map[string]int64{"ut_metadata": localMetadataID}}
	if info := c.host.MetadataBytes(); info != nil {
		eh.MetadataSize = int64(len(info))
	}
	payload, err := bencode.Marshal(eh)
	if err != nil {
		return err
	}
	return c.writeMessage(newExtendedMessage(extHandshakeID, payload))
}

func (c *Conn) handleExtended(payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("extended message without ID")
	}
	extID := payload[0]
	body := payload[1:]

	if extID == extHandshakeID {
		return c.handleExtendedHandshake(body)
	}
	if extID == localMetadataID {
		return c.handleMetadataMessage(body)
	}
	// Extension we never advertised; ignore.
	return nil
}

func (c *Conn) handleExtendedHandshake(body []byte) error {
	var eh extHandshakeMsg
	if err := bencode.Unmarshal(body, &eh); err != nil {
		return fmt.Errorf("bad extended handshake: %w", err)
	}

	c.mu.Lock()
	c.peerMetadataID = uint8(eh.M["ut_metadata"])
	c.metadataSize = eh.MetadataSize
	want := c.peerMetadataID != 0 &&
		c.metadataSize > 0 && c.metadataSize <= maxMetadataSize &&
		c.host.NeedMetadata() && c.metadataBuf == nil
	if want {
		c.metadataBuf = make([]byte, c.metadataSize)
		c.metadataHave = make(map[int]bool)
	}
	size := c.metadataSize
	peerID := c.peerMetadataID
	c.mu.Unlock()

	if !want {
		return nil
	}

	// Metadata pieces are small; request them all at once.
	numPieces := int((size + metadataPieceSize - 1) / metadataPieceSize)
	for i := 0; i < numPieces; i++ {
		if err := c.sendMetadataMessage(peerID, metadataMsg{MsgType: metadataRequest, Piece: i}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) handleMetadataMessage(body []byte) error {
	var msg metadataMsg
	dec := bencode.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&msg); err != nil {
		return fmt.Errorf("bad ut_metadata message: %w", err)
	}
	trailer := body[dec.Offset:]

	switch msg.MsgType {
	case metadataRequest:
		return c.serveMetadataPiece(msg.Piece)
	case metadataData:
		return c.storeMetadataPiece(msg.Piece, trailer)
	case metadataReject:
		// Peer advertised metadata it will not serve; nothing to do,
		// another peer may still complete the fetch.
		return nil
	}
	return nil
}

func (c *Conn) serveMetadataPiece(piece int) error {
	info := c.host.MetadataBytes()

	c.mu.Lock()
	peerID := c.peerMetadataID
	c.mu.Unlock()
	if peerID == 0 {
		// Peer asked without completing the extended handshake.
		peerID = localMetadataID
	}

	begin := piece * metadataPieceSize
	if info == nil || begin < 0 || begin >= len(info) {
		return c.sendMetadataMessage(peerID, metadataMsg{MsgType: metadataReject, Piece: piece})
	}

	end := begin + metadataPieceSize
	if end > len(info) {
		end = len(info)
	}

	reply := metadataMsg{MsgType: metadataData, Piece: piece, TotalSize: int64(len(info))}
	return c.sendMetadataMessage(peerID, reply, info[begin:end]...)
}

func (c *Conn) storeMetadataPiece(piece int, data []byte) error {
	c.mu.Lock()
	if c.metadataBuf == nil || c.metadataHave == nil {
		c.mu.Unlock()
		return nil
	}

	begin := piece * metadataPieceSize
	if begin < 0 || begin+len(data) > len(c.metadataBuf) {
		c.mu.Unlock()
		return fmt.Errorf("metadata piece %d out of bounds", piece)
	}
	if !c.metadataHave[piece] {
		c.metadataHave[piece] = true
		copy(c.metadataBuf[begin:], data)
	}

	total := int((c.metadataSize + metadataPieceSize - 1) / metadataPieceSize)
	done := len(c.metadataHave) == total
	var buf []byte
	if done {
		buf = c.metadataBuf
		c.metadataBuf = nil
		c.metadataHave = nil
	}
	c.mu.Unlock()

	if !done {
		return nil
	}

	if sha1.Sum(buf) != c.infoHash {
		c.Penalize()
		return fmt.Errorf("fetched metadata does not match info hash")
	}
	c.host.OnMetadata(c, buf)
	return nil
}

func (c *Conn) sendMetadataMessage(extID uint8, msg metadataMsg, trailer ...byte) error {
	payload, err := bencode.Marshal(msg)
	if err != nil {
		return err
	}
	payload = append(payload, trailer...)
	return c.writeMessage(newExtendedMessage(extID, payload))
}
