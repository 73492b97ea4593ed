package peers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"riptide/internal/torrent"
	"riptide/internal/utils"
)

// ErrConnect marks a dial, handshake timeout or protocol mismatch while
// establishing a peer connection.
var ErrConnect = errors.New("peer connection failed")

const (
	// maxBlockSize is the unit actually requested over the wire.
	maxBlockSize = 16 * 1024

	dialTimeout       = 5 * time.Second
	handshakeTimeout  = 5 * time.Second
	writeTimeout      = 15 * time.Second
	requestTimeout    = 30 * time.Second
	keepaliveInterval = 2 * time.Minute
	tickInterval      = 5 * time.Second
)

// Request identifies one block of one piece.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// Host is the session-side surface a connection reports into. All
// callbacks run on the connection's goroutine.
type Host interface {
	// OnReady is called once the handshake has completed and the
	// connection is part of the session's active peer set.
	OnReady(c *Conn)
	// OnBlock delivers one received block.
	OnBlock(c *Conn, index, begin int, block []byte)
	// OnExpired returns requests that timed out or were dropped by a
	// choke or disconnect, so selection can reassign them.
	OnExpired(c *Conn, reqs []Request)
	// OnClose is called exactly once when the connection terminates.
	OnClose(c *Conn)
	// OnMetadata delivers the verified info dictionary fetched over
	// ut_metadata during a magnet add.
	OnMetadata(c *Conn, infoBytes []byte)

	// NeedMetadata reports whether the session still lacks metadata.
	NeedMetadata() bool
	// MetadataBytes returns the raw info dictionary for serving to
	// peers, or nil while unresolved.
	MetadataBytes() []byte
	// NumPieces is 0 while metadata is unresolved.
	NumPieces() int
	// Bitfield is the session's verified-piece bitmap, nil if empty.
	Bitfield() torrent.Bitfield
	// ReadBlock serves a committed block to a remote peer.
	ReadBlock(index, begin, length int) ([]byte, error)
}

// Conn owns one peer socket. The read loop, timeout scan and keepalives
// all run under Run; everything the session needs flows through Host
// callbacks and the Try/Cancel request methods.
type Conn struct {
	host   Host
	logger *utils.Logger

	conn     net.Conn
	addr     string
	infoHash [20]byte
	remoteID [20]byte

	pipelineDepth int

	writeMu sync.Mutex

	mu             sync.Mutex
	bitfield       torrent.Bitfield
	peerChoking    bool
	inflight       map[Request]time.Time
	score          int
	closed         bool
	peerExtensions bool
	peerMetadataID uint8
	metadataSize   int64
	metadataBuf    []byte
	metadataHave   map[int]bool

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a peer address and completes the BitTorrent
// handshake. Failures are reported as ErrConnect.
func Dial(host Host, addr string, infoHash, peerID [20]byte, pipelineDepth int, logger *utils.Logger) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, addr, err)
	}

	nc.SetDeadline(time.Now().Add(handshakeTimeout))
	if _, err := nc.Write(newHandshake(infoHash, peerID).serialize()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, addr, err)
	}
	theirs, err := readHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, addr, err)
	}
	if !bytes.Equal(theirs.InfoHash[:], infoHash[:]) {
		nc.Close()
		return nil, fmt.Errorf("%w: %s announced a different info hash", ErrConnect, addr)
	}
	nc.SetDeadline(time.Time{})

	return newConn(host, nc, theirs, infoHash, logger, pipelineDepth), nil
}

// Accept completes the handshake on an inbound socket. The lookup maps
// the announced info hash to an owning session; unknown hashes are
// rejected by closing the socket.
func Accept(nc net.Conn, peerID [20]byte, pipelineDepth int, logger *utils.Logger,
	lookup func(infoHash [20]byte) (Host, bool)) (*Conn, error) {

	nc.SetDeadline(time.Now().Add(handshakeTimeout))
	theirs, err := readHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: inbound from %s: %v", ErrConnect, nc.RemoteAddr(), err)
	}

	host, ok := lookup(theirs.InfoHash)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("%w: inbound from %s for unknown torrent", ErrConnect, nc.RemoteAddr())
	}

	if _, err := nc.Write(newHandshake(theirs.InfoHash, peerID).serialize()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: inbound from %s: %v", ErrConnect, nc.RemoteAddr(), err)
	}
	nc.SetDeadline(time.Time{})

	return newConn(host, nc, theirs, theirs.InfoHash, logger, pipelineDepth), nil
}

func newConn(host Host, nc net.Conn, theirs *handshake, infoHash [20]byte, logger *utils.Logger, pipelineDepth int) *Conn {
	c := &Conn{
		host:           host,
		logger:         logger,
		conn:           nc,
		addr:           nc.RemoteAddr().String(),
		infoHash:       infoHash,
		remoteID:       theirs.PeerID,
		pipelineDepth:  pipelineDepth,
		peerChoking:    true,
		inflight:       make(map[Request]time.Time),
		peerExtensions: theirs.Extensions,
		done:           make(chan struct{}),
	}
	return c
}

func (c *Conn) Addr() string {
	return c.addr
}

func (c *Conn) RemoteID() [20]byte {
	return c.remoteID
}

// Run drives the connection until the socket fails or ctx is cancelled.
// It blocks; the session starts one goroutine per connection.
func (c *Conn) Run(ctx context.Context) {
	defer c.terminate()

	go c.watch(ctx)

	if c.peerExtensions {
		if err := c.sendExtendedHandshake(); err != nil {
			return
		}
	}

	if bf := c.host.Bitfield(); bf != nil && bf.Count() > 0 {
		if err := c.writeMessage(&message{ID: msgBitfield, Payload: bf}); err != nil {
			return
		}
	}
	if err := c.writeMessage(&message{ID: msgUnchoke}); err != nil {
		return
	}
	if err := c.writeMessage(&message{ID: msgInterested}); err != nil {
		return
	}

	c.host.OnReady(c)

	for {
		msg, err := readMessage(c.conn)
		if err != nil {
			return
		}
		if msg == nil {
			continue // keepalive
		}
		if err := c.handleMessage(msg); err != nil {
			c.logger.Debug("peer", c.addr, "dropped:", err)
			return
		}
	}
}

// watch enforces cancellation, request timeouts and keepalives without
// touching the read loop.
func (c *Conn) watch(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastKeepalive := time.Now()
	for {
		select {
		case <-ctx.Done():
			// Cooperative stop: closing the socket unblocks the read
			// loop, which then runs the shared teardown path.
			c.conn.Close()
			return
		case <-c.done:
			return
		case now := <-ticker.C:
			if expired := c.expireRequests(now); len(expired) > 0 {
				for _, req := range expired {
					c.sendCancel(req)
				}
				c.host.OnExpired(c, expired)
			}
			if now.Sub(lastKeepalive) >= keepaliveInterval {
				lastKeepalive = now
				c.writeMessage(nil)
			}
		}
	}
}

func (c *Conn) handleMessage(msg *message) error {
	switch msg.ID {
	case msgChoke:
		c.mu.Lock()
		c.peerChoking = true
		dropped := c.drainInflightLocked()
		c.mu.Unlock()
		if len(dropped) > 0 {
			c.host.OnExpired(c, dropped)
		}

	case msgUnchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()

	case msgInterested, msgNotInterested:
		// We serve everyone we can; interest tracking is not used to
		// gate uploads.

	case msgHave:
		index, err := parseHave(msg)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.ensureBitfieldLocked(index)
		c.bitfield.SetPiece(index)
		c.mu.Unlock()

	case msgBitfield:
		c.mu.Lock()
		c.bitfield = torrent.Bitfield(msg.Payload).Clone()
		c.mu.Unlock()

	case msgPiece:
		index, begin, block, err := parsePiece(msg)
		if err != nil {
			return err
		}
		req := Request{Index: index, Begin: begin, Length: len(block)}
		c.mu.Lock()
		delete(c.inflight, req)
		c.mu.Unlock()
		c.host.OnBlock(c, index, begin, block)

	case msgRequest:
		index, begin, length, err := parseRequest(msg)
		if err != nil {
			return err
		}
		if length > maxBlockSize {
			return fmt.Errorf("peer requested %d bytes in one block", length)
		}
		block, err := c.host.ReadBlock(index, begin, length)
		if err != nil {
			// We do not have it (yet); silently dropping the request
			// is what the reference clients do.
			return nil
		}
		return c.writeMessage(newPieceMessage(index, begin, block))

	case msgCancel:
		// Uploads are served synchronously, so there is no queue to
		// cancel from.

	case msgExtended:
		return c.handleExtended(msg.Payload)
	}
	return nil
}

// TryRequest pipelines one block request if the peer is unchoked, has
// the piece, and the pipeline has room. Returns false otherwise.
func (c *Conn) TryRequest(req Request) bool {
	c.mu.Lock()
	if c.closed || c.peerChoking ||
		len(c.inflight) >= c.pipelineDepth ||
		!c.bitfield.HasPiece(req.Index) {
		c.mu.Unlock()
		return false
	}
	if _, dup := c.inflight[req]; dup {
		c.mu.Unlock()
		return false
	}
	c.inflight[req] = time.Now()
	c.mu.Unlock()

	if err := c.writeMessage(newRequestMessage(req.Index, req.Begin, req.Length)); err != nil {
		c.mu.Lock()
		delete(c.inflight, req)
		c.mu.Unlock()
		return false
	}
	return true
}

// CancelRequest withdraws an in-flight request, used by endgame mode
// when another peer completed the block first.
func (c *Conn) CancelRequest(req Request) {
	c.mu.Lock()
	_, ok := c.inflight[req]
	if ok {
		delete(c.inflight, req)
	}
	c.mu.Unlock()
	if ok {
		c.sendCancel(req)
	}
}

// HasInflight reports whether the request is currently pipelined here.
func (c *Conn) HasInflight(req Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[req]
	return ok
}

// InflightCount returns the current pipeline occupancy.
func (c *Conn) InflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// HasPiece reports whether the peer advertised the piece.
func (c *Conn) HasPiece(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitfield.HasPiece(index)
}

// SendHave announces a newly verified piece to the peer.
func (c *Conn) SendHave(index int) {
	c.writeMessage(newHaveMessage(index))
}

// Penalize decrements the peer's reliability score, e.g. after it
// contributed to a piece that failed verification.
func (c *Conn) Penalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.score--
}

// Score returns the peer's reliability score; it starts at zero and
// only ever decreases.
func (c *Conn) Score() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.score
}

// Close force-closes the socket; the read loop then runs the shared
// teardown path exactly once.
func (c *Conn) Close() {
	c.conn.Close()
}

func (c *Conn) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		c.mu.Lock()
		c.closed = true
		dropped := c.drainInflightLocked()
		c.mu.Unlock()

		if len(dropped) > 0 {
			c.host.OnExpired(c, dropped)
		}
		c.host.OnClose(c)
	})
}

func (c *Conn) expireRequests(now time.Time) []Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []Request
	for req, sent := range c.inflight {
		if now.Sub(sent) >= requestTimeout {
			expired = append(expired, req)
			delete(c.inflight, req)
		}
	}
	return expired
}

func (c *Conn) drainInflightLocked() []Request {
	if len(c.inflight) == 0 {
		return nil
	}
	dropped := make([]Request, 0, len(c.inflight))
	for req := range c.inflight {
		dropped = append(dropped, req)
	}
	c.inflight = make(map[Request]time.Time)
	return dropped
}

func (c *Conn) ensureBitfieldLocked(index int) {
	need := index/8 + 1
	if len(c.bitfield) < need {
		grown := make(torrent.Bitfield, need)
		copy(grown, c.bitfield)
		c.bitfield = grown
	}
}

func (c *Conn) sendCancel(req Request) {
	c.writeMessage(newCancelMessage(req.Index, req.Begin, req.Length))
}

func (c *Conn) writeMessage(msg *message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(msg.serialize())
	return err
}
