package peers

import (
	"encoding/binary"
	"fmt"
	"io"
)

type messageID uint8

// Peer wire message IDs. A zero-length message is a keepalive and has
// no ID at all.
const (
	msgChoke         messageID = 0
	msgUnchoke       messageID = 1
	msgInterested    messageID = 2
	msgNotInterested messageID = 3
	msgHave          messageID = 4
	msgBitfield      messageID = 5
	msgRequest       messageID = 6
	msgPiece         messageID = 7
	msgCancel        messageID = 8
	msgExtended      messageID = 20
)

// Every message on the wire is <length prefix><ID><payload>. The length
// prefix is consumed while parsing and not kept.
type message struct {
	ID      messageID
	Payload []byte
}

func newRequestMessage(index, begin, length int) *message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &message{ID: msgRequest, Payload: payload}
}

func newCancelMessage(index, begin, length int) *message {
	msg := newRequestMessage(index, begin, length)
	msg.ID = msgCancel
	return msg
}

func newHaveMessage(index int) *message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &message{ID: msgHave, Payload: payload}
}

func newPieceMessage(index, begin int, block []byte) *message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &message{ID: msgPiece, Payload: payload}
}

func newExtendedMessage(extID uint8, payload []byte) *message {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(extID)
	copy(buf[1:], payload)
	return &message{ID: msgExtended, Payload: buf}
}

func parseHave(msg *message) (int, error) {
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("have: expected payload of length 4, got %d", len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

func parsePiece(msg *message) (index, begin int, block []byte, err error) {
	if len(msg.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("piece: payload too short: %d < 8", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	return index, begin, msg.Payload[8:], nil
}

func parseRequest(msg *message) (index, begin, length int, err error) {
	if len(msg.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("request: expected payload of length 12, got %d", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

// serialize frames the message with its length prefix. A nil message
// serializes as a keepalive.
func (msg *message) serialize() []byte {
	if msg == nil {
		return make([]byte, 4)
	}

	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// maxMessageLen bounds incoming frames; the largest legitimate message
// is a piece carrying one block.
const maxMessageLen = 8 + 2*maxBlockSize

// readMessage parses one framed message. Keepalives come back as nil.
func readMessage(r io.Reader) (*message, error) {
	bufLen := make([]byte, 4)
	if _, err := io.ReadFull(r, bufLen); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(bufLen)

	if length == 0 {
		return nil, nil
	}
	if length > maxMessageLen {
		return nil, fmt.Errorf("message length %d exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &message{ID: messageID(payload[0]), Payload: payload[1:]}, nil
}
