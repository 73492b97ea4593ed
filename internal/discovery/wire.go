package discovery

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// BEP 15 packet layouts for UDP tracker announces.

const (
	connectLen  = 16
	announceLen = 98

	udpProtocolID = 0x41727101980

	actionConnect  = 0
	actionAnnounce = 1
)

type connectPacket struct {
	Action        uint32
	TransactionID [4]byte
	ConnectionID  [8]byte
}

func newConnectRequest() *connectPacket {
	c := &connectPacket{Action: actionConnect}
	rand.Read(c.TransactionID[:])
	return c
}

func (c *connectPacket) serialize() []byte {
	buf := make([]byte, connectLen)
	binary.BigEndian.PutUint64(buf[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:12], c.Action)
	copy(buf[12:16], c.TransactionID[:])
	return buf
}

func readConnectResponse(buf []byte) (*connectPacket, error) {
	if len(buf) < connectLen {
		return nil, fmt.Errorf("short connect response: %d bytes", len(buf))
	}
	c := &connectPacket{Action: binary.BigEndian.Uint32(buf[0:4])}
	copy(c.TransactionID[:], buf[4:8])
	copy(c.ConnectionID[:], buf[8:16])
	return c, nil
}

type announcePacket struct {
	ConnectionID  [8]byte
	Action        uint32
	TransactionID [4]byte
	InfoHash      [20]byte
	PeerID        [20]byte
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	Key           [4]byte
	NumWant       int32
	Port          uint16

	Interval uint32
	Leechers uint32
	Seeders  uint32
	Peers    []byte
}

func newAnnounceRequest(connectionID [8]byte, infoHash, peerID [20]byte, downloaded, uploaded, left int64, port int) *announcePacket {
	a := &announcePacket{
		ConnectionID: connectionID,
		Action:       actionAnnounce,
		InfoHash:     infoHash,
		PeerID:       peerID,
		Downloaded:   uint64(downloaded),
		Uploaded:     uint64(uploaded),
		Left:         uint64(left),
		NumWant:      -1,
		Port:         uint16(port),
	}
	rand.Read(a.TransactionID[:])
	rand.Read(a.Key[:])
	return a
}

func (a *announcePacket) serialize() []byte {
	buf := make([]byte, announceLen)
	copy(buf[0:8], a.ConnectionID[:])
	binary.BigEndian.PutUint32(buf[8:12], a.Action)
	copy(buf[12:16], a.TransactionID[:])
	copy(buf[16:36], a.InfoHash[:])
	copy(buf[36:56], a.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], a.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], a.Left)
	binary.BigEndian.PutUint64(buf[72:80], a.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], a.Event)
	// IP address field stays zero; the tracker uses the sender address.
	copy(buf[88:92], a.Key[:])
	binary.BigEndian.PutUint32(buf[92:96], uint32(a.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], a.Port)
	return buf
}

func readAnnounceResponse(buf []byte) (*announcePacket, error) {
	if len(buf) < 20 {
		return nil, fmt.Errorf("short announce response: %d bytes", len(buf))
	}
	a := &announcePacket{
		Action:   binary.BigEndian.Uint32(buf[0:4]),
		Interval: binary.BigEndian.Uint32(buf[8:12]),
		Leechers: binary.BigEndian.Uint32(buf[12:16]),
		Seeders:  binary.BigEndian.Uint32(buf[16:20]),
	}
	copy(a.TransactionID[:], buf[4:8])
	a.Peers = buf[20:]
	return a, nil
}

// parseCompactPeers unpacks the compact peer list format: 6 bytes per
// peer, 4 for the IPv4 address and 2 for the port.
func parseCompactPeers(data []byte) ([]string, error) {
	const peerSize = 6
	if len(data)%peerSize != 0 {
		return nil, fmt.Errorf("malformed compact peer list: %d bytes", len(data))
	}

	addrs := make([]string, 0, len(data)/peerSize)
	for offset := 0; offset < len(data); offset += peerSize {
		port := binary.BigEndian.Uint16(data[offset+4 : offset+6])
		if port == 0 {
			continue
		}
		addrs = append(addrs, fmt.Sprintf("%d.%d.%d.%d:%d",
			data[offset], data[offset+1], data[offset+2], data[offset+3], port))
	}
	return addrs, nil
}
