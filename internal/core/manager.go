package core

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/disk"
	"golang.org/x/net/netutil"

	"riptide/internal/clients/notifications"
	"riptide/internal/config"
	"riptide/internal/database/models"
	"riptide/internal/peers"
	"riptide/internal/storage"
	"riptide/internal/torrent"
	"riptide/internal/utils"
)

// Manager is the process-wide registry of torrent sessions and the
// only component allowed to create or destroy them.
type Manager struct {
	config   *config.Config
	repo     *models.TorrentRepository
	logger   *utils.Logger
	notifier notifications.Notifier
	sources  []PeerSource
	peerID   [20]byte

	mu       sync.RWMutex
	sessions map[metainfo.Hash]*Session

	scheduler *cron.Cron
	watcher   *fsnotify.Watcher
	listener  net.Listener
	stopped   chan struct{}
}

func NewManager(cfg *config.Config, repo *models.TorrentRepository, sources []PeerSource, notifier notifications.Notifier, logger *utils.Logger) *Manager {
	return &Manager{
		config:    cfg,
		repo:      repo,
		logger:    logger,
		notifier:  notifier,
		sources:   sources,
		peerID:    generatePeerID(),
		sessions:  make(map[metainfo.Hash]*Session),
		scheduler: cron.New(),
		stopped:   make(chan struct{}),
	}
}

// generatePeerID builds an Azureus-style peer ID: an 8 byte client
// prefix followed by 12 random bytes.
func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-RP0010-")
	random := uuid.New()
	copy(id[8:], random[:12])
	return id
}

// Start restores persisted sessions and brings up the background
// machinery: periodic checkpoints, the watch folder and the inbound
// peer listener.
func (m *Manager) Start() error {
	if err := m.restoreSessions(); err != nil {
		return err
	}

	m.scheduler.AddFunc("@every 1m", m.checkpointAll)
	m.scheduler.Start()

	if m.config.WatchFolder.Enabled {
		if err := m.startWatchFolder(); err != nil {
			m.logger.Error("watch folder disabled:", err)
		}
	}

	if err := m.startPeerListener(); err != nil {
		m.logger.Error("inbound peer listener disabled:", err)
	}
	return nil
}

// Stop checkpoints and stops every session. Pause flags are preserved
// so sessions come back in the same state after a restart.
func (m *Manager) Stop() {
	close(m.stopped)
	m.scheduler.Stop()
	if m.watcher != nil {
		m.watcher.Close()
	}
	if m.listener != nil {
		m.listener.Close()
	}

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.shutdown()
	}
	m.logger.Info("All sessions stopped.")
}

// AddMagnet registers a session for a magnet link. Adding an info hash
// that is already registered is not an error: the existing session is
// returned with created=false.
func (m *Manager) AddMagnet(uri string) (*Session, bool, error) {
	magnet, err := torrent.ParseMagnet(uri)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[magnet.InfoHash]; ok {
		m.mu.Unlock()
		return existing, false, nil
	}

	s := newSession(m.config, m.logger, m.peerID, m.sources, m.onSessionEvent)
	s.infoHash = magnet.InfoHash
	s.name = magnet.Name
	if s.name == "" {
		s.name = magnet.InfoHash.HexString()
	}
	s.trackers = mergeTrackers(magnet.Trackers, m.config.Discovery.ExtraTrackers)
	s.mu.Lock()
	s.startLocked()
	s.mu.Unlock()
	m.sessions[magnet.InfoHash] = s
	m.mu.Unlock()

	if err := m.repo.Create(&models.Torrent{
		InfoHash: magnet.InfoHash.HexString(),
		Name:     s.Name(),
		Magnet:   uri,
		State:    string(s.State()),
		AddedAt:  time.Now(),
	}); err != nil {
		m.logger.Error("failed to persist torrent:", err)
	}

	m.logger.Info("Added magnet:", s.Name())
	return s, true, nil
}

// AddTorrentData registers a session from the raw contents of a
// .torrent file. Duplicate adds return the existing session.
func (m *Manager) AddTorrentData(data []byte) (*Session, bool, error) {
	md, err := torrent.ParseTorrent(data)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[md.InfoHash]; ok {
		m.mu.Unlock()
		return existing, false, nil
	}

	s := newSession(m.config, m.logger, m.peerID, m.sources, m.onSessionEvent)
	s.infoHash = md.InfoHash
	s.trackers = mergeTrackers(md.Trackers, m.config.Discovery.ExtraTrackers)
	s.mu.Lock()
	if err := s.attachMetadataLocked(md, nil); err != nil {
		s.mu.Unlock()
		m.mu.Unlock()
		return nil, false, err
	}
	s.startLocked()
	s.mu.Unlock()
	m.sessions[md.InfoHash] = s
	m.mu.Unlock()

	if err := s.Checkpoint(); err != nil {
		m.logger.Error("initial checkpoint failed:", err)
	}
	if err := m.repo.Create(&models.Torrent{
		InfoHash: md.InfoHash.HexString(),
		Name:     md.Name,
		State:    string(s.State()),
		AddedAt:  time.Now(),
	}); err != nil {
		m.logger.Error("failed to persist torrent:", err)
	}

	m.logger.Info("Added torrent:", md.Name)
	return s, true, nil
}

// Get returns the session for a hex info hash.
func (m *Manager) Get(hexHash string) (*Session, error) {
	var hash metainfo.Hash
	if err := hash.FromHexString(hexHash); err != nil {
		return nil, fmt.Errorf("%w: bad info hash %q", ErrNotFound, hexHash)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns session summaries ordered by added time, oldest first;
// ties fall back to the info hash for a stable order.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].InfoHash < out[j].InfoHash
	})
	return out
}

func (m *Manager) Pause(hexHash string) error {
	s, err := m.Get(hexHash)
	if err != nil {
		return err
	}
	return s.Pause()
}

func (m *Manager) Resume(hexHash string) error {
	s, err := m.Get(hexHash)
	if err != nil {
		return err
	}
	return s.Resume()
}

// Delete tears a session down, removes its storage and evicts it from
// the registry.
func (m *Manager) Delete(hexHash string) error {
	s, err := m.Get(hexHash)
	if err != nil {
		return err
	}

	if err := s.delete(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, s.InfoHash())
	m.mu.Unlock()

	if err := m.repo.Delete(s.InfoHash().HexString()); err != nil {
		m.logger.Error("failed to remove torrent from catalog:", err)
	}
	m.logger.Info("Deleted torrent:", s.Name())
	return nil
}

// restoreSessions reopens every cataloged torrent from its resume
// sidecar. Magnet adds that never resolved metadata are restarted from
// their magnet link.
func (m *Manager) restoreSessions() error {
	rows, err := m.repo.GetAll()
	if err != nil {
		return fmt.Errorf("loading torrent catalog: %w", err)
	}

	for _, row := range rows {
		if err := m.restoreSession(row); err != nil {
			m.logger.Error("could not restore", row.InfoHash, ":", err)
		}
	}
	return nil
}

func (m *Manager) restoreSession(row models.Torrent) error {
	dir := filepath.Join(m.config.Engine.DownloadPath, row.InfoHash)
	rd, err := storage.LoadResume(dir)
	if errors.Is(err, os.ErrNotExist) {
		// Metadata was never resolved; retry the magnet if we have it.
		if row.Magnet == "" {
			return fmt.Errorf("no resume data and no magnet link")
		}
		return m.restoreMagnet(row)
	}
	if err != nil {
		return err
	}

	md, err := torrent.FromInfoBytes(rd.InfoBytes, rd.Trackers)
	if err != nil {
		return err
	}

	var hash metainfo.Hash
	if err := hash.FromHexString(row.InfoHash); err != nil {
		return err
	}
	if md.InfoHash != hash {
		return fmt.Errorf("resume data belongs to %s", md.InfoHash.HexString())
	}

	s := newSession(m.config, m.logger, m.peerID, m.sources, m.onSessionEvent)
	s.infoHash = md.InfoHash
	s.trackers = mergeTrackers(md.Trackers, m.config.Discovery.ExtraTrackers)
	s.downloaded = rd.Downloaded
	s.uploaded = rd.Uploaded
	s.paused = rd.Paused
	if rd.AddedAt > 0 {
		s.addedAt = time.Unix(rd.AddedAt, 0)
	}

	s.mu.Lock()
	if err := s.attachMetadataLocked(md, rd.Bitmap(md)); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.paused {
		s.startLocked()
	}
	s.mu.Unlock()

	m.mu.Lock()
	m.sessions[md.InfoHash] = s
	m.mu.Unlock()

	m.logger.Info("Restored torrent:", md.Name, "state:", string(s.State()))
	return nil
}

// restoreMagnet re-registers a magnet add whose metadata never
// resolved. There is no sidecar yet, so the catalog row is the only
// record of how the user left it; in particular a pause survives the
// restart.
func (m *Manager) restoreMagnet(row models.Torrent) error {
	magnet, err := torrent.ParseMagnet(row.Magnet)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.sessions[magnet.InfoHash]; ok {
		m.mu.Unlock()
		return nil
	}

	s := newSession(m.config, m.logger, m.peerID, m.sources, m.onSessionEvent)
	s.infoHash = magnet.InfoHash
	s.name = row.Name
	if s.name == "" {
		s.name = magnet.InfoHash.HexString()
	}
	s.trackers = mergeTrackers(magnet.Trackers, m.config.Discovery.ExtraTrackers)
	s.paused = row.State == string(StatePaused)
	if !row.AddedAt.IsZero() {
		s.addedAt = row.AddedAt
	}
	s.mu.Lock()
	if !s.paused {
		s.startLocked()
	}
	s.mu.Unlock()
	m.sessions[magnet.InfoHash] = s
	m.mu.Unlock()

	m.logger.Info("Restored magnet:", s.Name(), "state:", string(s.State()))
	return nil
}

// onSessionEvent is every session's hook back into the manager: keep
// the catalog row current and notify on completion. Never called with
// the registry lock held.
func (m *Manager) onSessionEvent(s *Session, completed bool) {
	now := time.Now()
	var completedAt *time.Time
	if completed {
		completedAt = &now
	}
	if err := m.repo.UpdateState(s.InfoHash().HexString(), s.Name(), string(s.State()), completedAt); err != nil {
		m.logger.Error("failed to update torrent catalog:", err)
	}

	if m.notifier == nil {
		return
	}
	if completed {
		m.notifier.NotifyDownloadComplete(s.Name())
	} else if err := s.Err(); err != nil {
		m.notifier.NotifyDownloadError(s.Name(), err)
	}
}

func (m *Manager) checkpointAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Checkpoint(); err != nil {
			m.logger.Error("periodic checkpoint failed for", s.Name(), ":", err)
		}
	}
}

// startWatchFolder adds .torrent files dropped into the configured
// directory; the file is removed once it has been registered.
func (m *Manager) startWatchFolder() error {
	if err := os.MkdirAll(m.config.WatchFolder.Path, 0755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.config.WatchFolder.Path); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create == 0 || !strings.HasSuffix(event.Name, ".torrent") {
					continue
				}
				m.addFromWatchFolder(event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Error("watch folder error:", err)
			}
		}
	}()

	m.logger.Info("Watching", m.config.WatchFolder.Path, "for .torrent files")
	return nil
}

func (m *Manager) addFromWatchFolder(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Error("could not read", path, ":", err)
		return
	}
	s, created, err := m.AddTorrentData(data)
	if err != nil {
		m.logger.Error("could not add", path, ":", err)
		return
	}
	if created {
		m.logger.Info("Watch folder picked up:", s.Name())
	}
	if err := os.Remove(path); err != nil {
		m.logger.Warn("could not remove", path, ":", err)
	}
}

// startPeerListener accepts inbound peer connections for seeding. The
// listener is capped so a busy swarm cannot exhaust file descriptors.
func (m *Manager) startPeerListener() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", m.config.Engine.PeerPort))
	if err != nil {
		return err
	}
	m.listener = netutil.LimitListener(ln, m.config.Engine.MaxIncoming)

	go func() {
		for {
			conn, err := m.listener.Accept()
			if err != nil {
				select {
				case <-m.stopped:
					return
				default:
					m.logger.Debug("accept failed:", err)
					continue
				}
			}
			go m.handleInbound(conn)
		}
	}()

	m.logger.Info("Listening for peers on port", m.config.Engine.PeerPort)
	return nil
}

func (m *Manager) handleInbound(conn net.Conn) {
	var sess *Session
	c, err := peers.Accept(conn, m.peerID, m.config.Engine.PipelineDepth, m.logger,
		func(infoHash [20]byte) (peers.Host, bool) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			s, ok := m.sessions[metainfo.Hash(infoHash)]
			if !ok {
				return nil, false
			}
			sess = s
			return s, true
		})
	if err != nil {
		m.logger.Debug(err)
		return
	}
	sess.runIncoming(c)
}

// SystemStatus is the aggregate view behind the status endpoint.
type SystemStatus struct {
	Sessions      map[State]int `json:"sessions"`
	DownloadRate  float64       `json:"download_rate"`
	DiskTotal     uint64        `json:"disk_total"`
	DiskFree      uint64        `json:"disk_free"`
	DiskUsedPct   float64       `json:"disk_used_pct"`
	PeerListening bool          `json:"peer_listening"`
}

func (m *Manager) SystemStatus() SystemStatus {
	status := SystemStatus{
		Sessions:      make(map[State]int),
		PeerListening: m.listener != nil,
	}

	for _, sum := range m.List() {
		status.Sessions[sum.State]++
		status.DownloadRate += sum.Rate
	}

	if usage, err := disk.Usage(m.config.Engine.DownloadPath); err == nil {
		status.DiskTotal = usage.Total
		status.DiskFree = usage.Free
		status.DiskUsedPct = usage.UsedPercent
	}
	return status
}

func mergeTrackers(primary, extra []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range append(append([]string(nil), primary...), extra...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
