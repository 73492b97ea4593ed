package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/nictuku/dht"

	"riptide/internal/core"
	"riptide/internal/utils"
)

const dhtRequestInterval = 15 * time.Second

// DHTSource finds peers through the mainline DHT. One node is shared by
// every torrent; results are routed to subscribers by info hash.
type DHTSource struct {
	logger *utils.Logger

	mu   sync.Mutex
	node *dht.DHT
	subs map[dht.InfoHash]map[chan []string]bool
}

func NewDHTSource(logger *utils.Logger) *DHTSource {
	return &DHTSource{
		logger: logger,
		subs:   make(map[dht.InfoHash]map[chan []string]bool),
	}
}

// startLocked brings the shared node up on first use. Caller holds mu.
func (d *DHTSource) startLocked() error {
	if d.node != nil {
		return nil
	}
	node, err := dht.New(nil)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	d.node = node
	go d.drain(node)
	return nil
}

// drain routes node results to whoever subscribed to that info hash.
func (d *DHTSource) drain(node *dht.DHT) {
	for results := range node.PeersRequestResults {
		for infoHash, peers := range results {
			addrs := make([]string, 0, len(peers))
			for _, p := range peers {
				addrs = append(addrs, dht.DecodePeerAddress(p))
			}
			if len(addrs) == 0 {
				continue
			}

			d.mu.Lock()
			for ch := range d.subs[infoHash] {
				select {
				case ch <- addrs:
				default: // subscriber is behind, drop the batch
				}
			}
			d.mu.Unlock()
		}
	}
}

func (d *DHTSource) Discover(ctx context.Context, req core.AnnounceRequest) <-chan []string {
	out := make(chan []string, 4)
	infoHash := dht.InfoHash(string(req.InfoHash[:]))

	d.mu.Lock()
	if err := d.startLocked(); err != nil {
		d.mu.Unlock()
		d.logger.Warn("DHT unavailable:", err)
		close(out)
		return out
	}
	if d.subs[infoHash] == nil {
		d.subs[infoHash] = make(map[chan []string]bool)
	}
	d.subs[infoHash][out] = true
	node := d.node
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.subs[infoHash], out)
			if len(d.subs[infoHash]) == 0 {
				delete(d.subs, infoHash)
			}
			d.mu.Unlock()
			close(out)
		}()

		node.PeersRequest(string(infoHash), true)
		ticker := time.NewTicker(dhtRequestInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				node.PeersRequest(string(infoHash), true)
			}
		}
	}()
	return out
}
