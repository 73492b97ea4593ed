package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"

	"riptide/internal/config"
	"riptide/internal/peers"
	"riptide/internal/storage"
	"riptide/internal/torrent"
	"riptide/internal/utils"
)

type State string

const (
	StateFetchingMetadata State = "fetching_metadata"
	StateDownloading      State = "downloading"
	StateCompleted        State = "completed"
	StateSeeding          State = "seeding"
	StatePaused           State = "paused"
	StateErrored          State = "errored"
	StateDeleted          State = "deleted"
)

// blockSize is the request unit; pieces are split into 16 KiB blocks.
const blockSize = 16 * 1024

// maxEndgameDuplicates bounds how many peers may hold the same block
// request at once in endgame mode.
const maxEndgameDuplicates = 3

// dropScore is the reliability score at which a peer is disconnected.
const dropScore = -3

// metadataTimeout bounds how long a magnet add may sit without its
// metadata resolving before the session gives up. The timer restarts
// on resume.
const metadataTimeout = 30 * time.Minute

type blockState struct {
	begin   int
	length  int
	done    bool
	holders []*peers.Conn
}

// pendingPiece tracks block-level progress of one piece being fetched.
type pendingPiece struct {
	index        int
	blocks       []blockState
	contributors map[*peers.Conn]bool
}

func newPendingPiece(index, size int) *pendingPiece {
	pp := &pendingPiece{index: index, contributors: make(map[*peers.Conn]bool)}
	for begin := 0; begin < size; begin += blockSize {
		length := blockSize
		if size-begin < length {
			length = size - begin
		}
		pp.blocks = append(pp.blocks, blockState{begin: begin, length: length})
	}
	return pp
}

func (pp *pendingPiece) remaining() int {
	n := 0
	for i := range pp.blocks {
		if !pp.blocks[i].done {
			n++
		}
	}
	return n
}

// Summary is the caller-facing snapshot of one session.
type Summary struct {
	InfoHash    string     `json:"info_hash"`
	Name        string     `json:"name"`
	State       State      `json:"state"`
	Progress    float64    `json:"progress"`
	Rate        float64    `json:"rate"`
	ETASeconds  *int64     `json:"eta_seconds"`
	Peers       int        `json:"peers"`
	TotalSize   int64      `json:"total_size"`
	Downloaded  int64      `json:"downloaded"`
	Uploaded    int64      `json:"uploaded"`
	AddedAt     time.Time  `json:"added_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FileSummary describes one content file and how much of it is present.
type FileSummary struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	PresentBytes int64  `json:"present_bytes"`
}

// Session owns one torrent: its piece store, its peer connections and
// its statistics. Sessions are created and destroyed only by the
// Manager.
type Session struct {
	infoHash metainfo.Hash
	cfg      *config.Config
	logger   *utils.Logger
	peerID   [20]byte
	sources  []PeerSource
	selector *Selector

	// onEvent is the manager's hook for state changes (catalog update,
	// completion notification). Called without the session lock held.
	onEvent func(s *Session, completed bool)

	mu           sync.Mutex
	name         string
	trackers     []string
	md           *torrent.Metadata
	store        *storage.Store
	conns        map[string]*peers.Conn
	dialing      map[string]bool
	activePieces map[int]*pendingPiece
	paused       bool
	deleted      bool
	errored      error
	downloaded   int64
	uploaded     int64
	addedAt      time.Time
	completedAt  *time.Time

	rate         float64
	rateSample   int64
	rateSampleAt time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func newSession(cfg *config.Config, logger *utils.Logger, peerID [20]byte, sources []PeerSource, onEvent func(*Session, bool)) *Session {
	return &Session{
		cfg:          cfg,
		logger:       logger,
		peerID:       peerID,
		sources:      sources,
		selector:     NewSelector(cfg.Engine.EndgameThreshold),
		onEvent:      onEvent,
		conns:        make(map[string]*peers.Conn),
		dialing:      make(map[string]bool),
		activePieces: make(map[int]*pendingPiece),
		addedAt:      time.Now(),
	}
}

func (s *Session) InfoHash() metainfo.Hash {
	return s.infoHash
}

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) storeDir() string {
	return filepath.Join(s.cfg.Engine.DownloadPath, s.infoHash.HexString())
}

// attachMetadata builds the piece store once the content layout is
// known, either immediately for a .torrent add or after the ut_metadata
// fetch for a magnet add. Caller holds s.mu.
func (s *Session) attachMetadataLocked(md *torrent.Metadata, bitfield torrent.Bitfield) error {
	store, err := storage.Open(md, s.storeDir(), bitfield)
	if err != nil {
		return err
	}
	s.md = md
	s.store = store
	s.name = md.Name
	if len(md.Trackers) > 0 {
		s.trackers = md.Trackers
	}
	if store.Bitfield().Complete(md.NumPieces()) {
		now := time.Now()
		s.completedAt = &now
	}
	return nil
}

// start spins up the coordination goroutine. Caller holds s.mu.
func (s *Session) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.runCtx = ctx
	s.runCancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// run is the per-session coordination loop: it merges peer candidates
// from the discovery sources, dials them, and hands out block requests
// every tick. It exits when the session is paused or deleted.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	peerCh := make(chan []string, 16)
	for _, src := range s.sources {
		src := src
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for batch := range src.Discover(ctx, s.announceRequest()) {
				select {
				case peerCh <- batch:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var metaDeadline <-chan time.Time
	s.mu.Lock()
	if s.md == nil {
		timer := time.NewTimer(metadataTimeout)
		defer timer.Stop()
		metaDeadline = timer.C
	}
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			s.closeAllConns()
			return
		case <-metaDeadline:
			metaDeadline = nil
			// Cancels the run context when the fetch really is stuck;
			// the next iteration then tears everything down.
			s.abandonMetadataFetch()
		case batch := <-peerCh:
			s.dialPeers(ctx, batch)
		case <-ticker.C:
			s.assignWork()
		}
	}
}

// abandonMetadataFetch fails a magnet session whose metadata never
// arrived. A no-op when the metadata resolved in the meantime.
func (s *Session) abandonMetadataFetch() {
	s.mu.Lock()
	if s.md != nil || s.paused || s.deleted || s.errored != nil {
		s.mu.Unlock()
		return
	}
	s.errored = fmt.Errorf("metadata not resolved within %s", metadataTimeout)
	cancel := s.runCancel
	s.mu.Unlock()

	s.logger.Error("session", s.infoHash.HexString(), "errored: metadata fetch timed out")
	if cancel != nil {
		cancel()
	}
	s.fireEvent(false)
}

func (s *Session) announceRequest() AnnounceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AnnounceRequest{
		InfoHash: [20]byte(s.infoHash),
		PeerID:   s.peerID,
		Trackers: append([]string(nil), s.trackers...),
		Port:     s.cfg.Engine.PeerPort,
		Stats:    s.transferSnapshot,
	}
}

// transferSnapshot feeds live counters to tracker re-announces.
func (s *Session) transferSnapshot() (downloaded, uploaded, left int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	left = 0
	if s.md != nil && s.store != nil {
		left = s.md.TotalLength - s.store.BytesCompleted()
	}
	return s.downloaded, s.uploaded, left
}

func (s *Session) dialPeers(ctx context.Context, addrs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, addr := range addrs {
		if s.paused || s.deleted || s.errored != nil {
			return
		}
		if len(s.conns)+len(s.dialing) >= s.cfg.Engine.MaxPeers {
			return
		}
		if _, connected := s.conns[addr]; connected || s.dialing[addr] {
			continue
		}
		s.dialing[addr] = true

		addr := addr
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.dialing, addr)
				s.mu.Unlock()
			}()

			c, err := peers.Dial(s, addr, [20]byte(s.infoHash), s.peerID, s.cfg.Engine.PipelineDepth, s.logger)
			if err != nil {
				s.logger.Debug(err)
				return
			}
			select {
			case <-ctx.Done():
				c.Close()
				return
			default:
			}
			c.Run(ctx)
		}()
	}
}

// runIncoming hands an accepted, handshaken connection to the session.
// Paused and deleted sessions turn inbound peers away.
func (s *Session) runIncoming(c *peers.Conn) {
	s.mu.Lock()
	ctx := s.runCtx
	running := s.runCancel != nil && !s.paused && !s.deleted
	s.mu.Unlock()

	if !running {
		c.Close()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.Run(ctx)
	}()
}

func (s *Session) closeAllConns() {
	s.mu.Lock()
	conns := make([]*peers.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// assignWork is the selection pass: activate the rarest wanted pieces
// and distribute their outstanding blocks across unchoked peers. In
// endgame mode outstanding blocks are duplicated across peers.
func (s *Session) assignWork() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.md == nil || s.store == nil || s.paused || s.deleted || s.errored != nil {
		return
	}
	if len(s.conns) == 0 {
		return
	}

	have := s.store.Bitfield()
	numPieces := s.md.NumPieces()
	remaining := numPieces - have.Count()
	if remaining == 0 {
		return
	}
	endgame := s.selector.Endgame(remaining)

	conns := make([]*peers.Conn, 0, len(s.conns))
	peersHave := make([]torrent.Bitfield, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	for _, c := range conns {
		bf := torrent.NewBitfield(numPieces)
		for i := 0; i < numPieces; i++ {
			if c.HasPiece(i) {
				bf.SetPiece(i)
			}
		}
		peersHave = append(peersHave, bf)
	}

	// Keep enough pieces active to fill every pipeline.
	active := make(map[int]bool, len(s.activePieces))
	for index := range s.activePieces {
		active[index] = true
	}
	limit := len(conns)*2 + 2
	for len(s.activePieces) < limit {
		index, ok := s.selector.NextPiece(have, active, numPieces, peersHave)
		if !ok {
			break
		}
		active[index] = true
		s.activePieces[index] = newPendingPiece(index, s.md.PieceSize(index))
	}

	for _, pp := range s.activePieces {
		for i := range pp.blocks {
			b := &pp.blocks[i]
			if b.done {
				continue
			}

			want := 1
			if endgame {
				want = maxEndgameDuplicates
			}
			if len(b.holders) >= want {
				continue
			}

			req := peers.Request{Index: pp.index, Begin: b.begin, Length: b.length}
			for _, c := range conns {
				if len(b.holders) >= want {
					break
				}
				if holdsRequest(b.holders, c) {
					continue
				}
				if c.TryRequest(req) {
					b.holders = append(b.holders, c)
					if !endgame {
						break
					}
				}
			}
		}
	}
}

func holdsRequest(holders []*peers.Conn, c *peers.Conn) bool {
	for _, h := range holders {
		if h == c {
			return true
		}
	}
	return false
}

// ---- peers.Host callbacks ----

func (s *Session) OnReady(c *peers.Conn) {
	s.mu.Lock()
	if s.paused || s.deleted || s.errored != nil || len(s.conns) >= s.cfg.Engine.MaxPeers {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c.Addr()] = c
	s.mu.Unlock()
	s.logger.Debug("peer connected:", c.Addr())
}

func (s *Session) OnBlock(c *peers.Conn, index, begin int, block []byte) {
	s.mu.Lock()

	if s.store == nil || s.paused || s.deleted || s.errored != nil {
		s.mu.Unlock()
		return
	}
	if !s.onRequestGridLocked(index, begin, len(block)) {
		s.mu.Unlock()
		s.logger.Debug("dropping unsolicited block", index, "/", begin)
		return
	}

	s.downloaded += int64(len(block))

	req := peers.Request{Index: index, Begin: begin, Length: len(block)}
	pp := s.activePieces[index]
	if pp != nil {
		pp.contributors[c] = true
		for i := range pp.blocks {
			b := &pp.blocks[i]
			if b.begin != begin || b.length != len(block) {
				continue
			}
			b.done = true
			// First completion wins; withdraw the duplicates.
			for _, holder := range b.holders {
				if holder != c {
					holder.CancelRequest(req)
				}
			}
			b.holders = nil
			break
		}
	}

	committed, err := s.store.WriteBlock(index, begin, block)
	switch {
	case errors.Is(err, storage.ErrHashMismatch):
		// Discard and re-queue the piece; everyone who contributed a
		// block is suspect.
		var punish []*peers.Conn
		if pp != nil {
			for contributor := range pp.contributors {
				punish = append(punish, contributor)
			}
		}
		s.store.DiscardPartial(index)
		delete(s.activePieces, index)
		s.mu.Unlock()

		s.logger.Warn("piece", index, "failed verification, re-queued")
		for _, contributor := range punish {
			contributor.Penalize()
			if contributor.Score() <= dropScore {
				contributor.Close()
			}
		}
		return

	case err != nil:
		// Disk failure is fatal to this session only.
		s.errored = fmt.Errorf("%w: %v", storage.ErrStorage, err)
		cancel := s.runCancel
		s.mu.Unlock()

		s.logger.Error("session", s.infoHash.HexString(), "errored:", err)
		if cancel != nil {
			cancel()
		}
		s.fireEvent(false)
		return
	}

	if !committed {
		s.mu.Unlock()
		return
	}

	delete(s.activePieces, index)
	conns := make([]*peers.Conn, 0, len(s.conns))
	for _, peer := range s.conns {
		conns = append(conns, peer)
	}
	complete := s.store.Bitfield().Complete(s.md.NumPieces())
	if complete && s.completedAt == nil {
		now := time.Now()
		s.completedAt = &now
	}
	s.mu.Unlock()

	for _, peer := range conns {
		peer.SendHave(index)
	}
	if complete {
		s.logger.Info("download complete:", s.Name())
		if err := s.Checkpoint(); err != nil {
			s.logger.Error("checkpoint after completion failed:", err)
		}
		s.fireEvent(true)
	}
}

// onRequestGridLocked reports whether a delivered block matches a
// geometry this session would actually have requested. Anything else is
// unsolicited and must never reach the store: a short block would burn
// its offset and leave the piece unable to assemble. Caller holds s.mu
// with the store attached.
func (s *Session) onRequestGridLocked(index, begin, length int) bool {
	if index < 0 || index >= s.md.NumPieces() || begin < 0 || begin%blockSize != 0 {
		return false
	}
	pieceSize := s.md.PieceSize(index)
	if begin >= pieceSize {
		return false
	}
	want := blockSize
	if pieceSize-begin < want {
		want = pieceSize - begin
	}
	return length == want
}

func (s *Session) OnExpired(c *peers.Conn, reqs []peers.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range reqs {
		pp := s.activePieces[req.Index]
		if pp == nil {
			continue
		}
		for i := range pp.blocks {
			b := &pp.blocks[i]
			if b.begin != req.Begin || b.done {
				continue
			}
			held := b.holders[:0]
			for _, h := range b.holders {
				if h != c {
					held = append(held, h)
				}
			}
			b.holders = held
		}
	}
}

func (s *Session) OnClose(c *peers.Conn) {
	s.mu.Lock()
	delete(s.conns, c.Addr())
	for _, pp := range s.activePieces {
		for i := range pp.blocks {
			b := &pp.blocks[i]
			held := b.holders[:0]
			for _, h := range b.holders {
				if h != c {
					held = append(held, h)
				}
			}
			b.holders = held
		}
	}
	s.mu.Unlock()
	s.logger.Debug("peer disconnected:", c.Addr())
}

func (s *Session) OnMetadata(c *peers.Conn, infoBytes []byte) {
	if !torrent.VerifyInfoBytes(s.infoHash, infoBytes) {
		return
	}

	s.mu.Lock()
	if s.md != nil || s.deleted {
		s.mu.Unlock()
		return
	}
	md, err := torrent.FromInfoBytes(infoBytes, s.trackers)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("fetched metadata is unusable:", err)
		return
	}
	if err := s.attachMetadataLocked(md, nil); err != nil {
		s.errored = err
		s.mu.Unlock()
		s.fireEvent(false)
		return
	}
	s.mu.Unlock()

	s.logger.Info("metadata resolved for", md.Name)
	if err := s.Checkpoint(); err != nil {
		s.logger.Error("checkpoint after metadata fetch failed:", err)
	}
	s.fireEvent(false)
}

func (s *Session) NeedMetadata() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md == nil
}

func (s *Session) MetadataBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.md == nil {
		return nil
	}
	return s.md.InfoBytes
}

func (s *Session) NumPieces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.md == nil {
		return 0
	}
	return s.md.NumPieces()
}

func (s *Session) Bitfield() torrent.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.Bitfield()
}

func (s *Session) ReadBlock(index, begin, length int) ([]byte, error) {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return nil, storage.ErrNotYetAvailable
	}

	block, err := store.ReadBlock(index, begin, length)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.uploaded += int64(length)
	s.mu.Unlock()
	return block, nil
}

// ---- lifecycle operations ----

// Pause stops the session. It is idempotent, and it does not return
// until every actor has fully stopped, so no disk write for this
// session can happen afterwards.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.paused || s.deleted {
		s.mu.Unlock()
		return nil
	}
	s.paused = true
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.activePieces = make(map[int]*pendingPiece)
	s.rate = 0
	s.mu.Unlock()

	if err := s.Checkpoint(); err != nil {
		s.logger.Error("checkpoint on pause failed:", err)
	}
	s.fireEvent(false)
	return nil
}

// Resume restarts peer discovery for a paused session. Idempotent.
// An errored session cannot be resumed; the fault comes back instead.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return nil
	}
	if s.errored != nil {
		err := s.errored
		s.mu.Unlock()
		return err
	}
	if !s.paused {
		s.mu.Unlock()
		return nil
	}
	s.paused = false
	s.rateSampleAt = time.Time{}
	s.startLocked()
	s.mu.Unlock()

	if err := s.Checkpoint(); err != nil {
		s.logger.Error("checkpoint on resume failed:", err)
	}
	s.fireEvent(false)
	return nil
}

// delete tears the session down and reclaims its storage. Only the
// Manager calls this; external callers go through Manager.Delete.
func (s *Session) delete() error {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return nil
	}
	s.deleted = true
	cancel := s.runCancel
	s.runCancel = nil
	store := s.store
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if store != nil {
		if err := store.Remove(); err != nil {
			return err
		}
	}
	return nil
}

// shutdown stops actors and checkpoints without touching the pause
// flag, used for process exit.
func (s *Session) shutdown() {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if err := s.Checkpoint(); err != nil {
		s.logger.Error("checkpoint on shutdown failed:", err)
	}
	s.mu.Lock()
	if s.store != nil {
		s.store.Close()
	}
	s.mu.Unlock()
}

// Checkpoint writes the resume sidecar: verified bitmap, counters and
// the cached metadata.
func (s *Session) Checkpoint() error {
	s.mu.Lock()
	if s.md == nil || s.store == nil || s.deleted {
		s.mu.Unlock()
		return nil
	}
	rd := &storage.ResumeData{
		InfoBytes:  s.md.InfoBytes,
		Trackers:   s.trackers,
		Bitfield:   s.store.Bitfield(),
		Downloaded: s.downloaded,
		Uploaded:   s.uploaded,
		Paused:     s.paused,
		AddedAt:    s.addedAt.Unix(),
	}
	dir := s.store.Dir()
	s.mu.Unlock()

	return storage.SaveResume(dir, rd)
}

func (s *Session) fireEvent(completed bool) {
	if s.onEvent != nil {
		s.onEvent(s, completed)
	}
}

// ---- queries ----

// State derives the lifecycle state from the piece bitmap and the
// explicit pause/error/delete flags.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.deleted:
		return StateDeleted
	case s.errored != nil:
		return StateErrored
	case s.paused:
		return StatePaused
	case s.md == nil:
		return StateFetchingMetadata
	case s.store.Bitfield().Complete(s.md.NumPieces()):
		if s.cfg.Engine.SeedOnComplete {
			return StateSeeding
		}
		return StateCompleted
	default:
		return StateDownloading
	}
}

// Err returns the fault that stopped the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

// Summary recomputes statistics on demand; nothing ticks in the
// background for display purposes.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		InfoHash:    s.infoHash.HexString(),
		Name:        s.name,
		State:       s.stateLocked(),
		Peers:       len(s.conns),
		Downloaded:  s.downloaded,
		Uploaded:    s.uploaded,
		AddedAt:     s.addedAt,
		CompletedAt: s.completedAt,
	}

	if s.md == nil || s.store == nil {
		return sum
	}

	sum.TotalSize = s.md.TotalLength
	completed := s.store.BytesCompleted()
	if s.md.TotalLength > 0 {
		sum.Progress = float64(completed) / float64(s.md.TotalLength)
	}

	sum.Rate = s.sampleRateLocked()
	if remaining := s.md.TotalLength - completed; remaining > 0 && sum.Rate > 0 {
		eta := int64(float64(remaining) / sum.Rate)
		sum.ETASeconds = &eta
	}
	return sum
}

// sampleRateLocked folds the bytes received since the last sample into
// an exponentially weighted moving average. Caller holds s.mu.
func (s *Session) sampleRateLocked() float64 {
	now := time.Now()
	if s.rateSampleAt.IsZero() {
		s.rateSampleAt = now
		s.rateSample = s.downloaded
		return s.rate
	}

	elapsed := now.Sub(s.rateSampleAt).Seconds()
	if elapsed < 1 {
		return s.rate
	}

	const alpha = 0.3
	instant := float64(s.downloaded-s.rateSample) / elapsed
	s.rate = alpha*instant + (1-alpha)*s.rate
	s.rateSample = s.downloaded
	s.rateSampleAt = now
	return s.rate
}

// Files lists the content layout with per-file present bytes. Empty
// while metadata is still being fetched.
func (s *Session) Files() []FileSummary {
	s.mu.Lock()
	md := s.md
	store := s.store
	s.mu.Unlock()

	if md == nil || store == nil {
		return nil
	}

	out := make([]FileSummary, len(md.Files))
	for i, f := range md.Files {
		out[i] = FileSummary{
			Path:         f.Path,
			Size:         f.Length,
			PresentBytes: store.FileBytesPresent(i),
		}
	}
	return out
}

// Store exposes the piece store for file streaming and archive export.
// Nil while metadata is unresolved.
func (s *Session) Store() *storage.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}
