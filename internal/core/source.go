package core

import "context"

// AnnounceRequest carries everything a peer source needs to find
// candidates for one torrent.
type AnnounceRequest struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Trackers []string
	Port     int
	// Stats supplies live transfer counters so periodic re-announces
	// report real numbers.
	Stats func() (downloaded, uploaded, left int64)
}

// PeerSource supplies candidate peer addresses for a torrent. The core
// does not care where they come from; trackers and DHT are the shipped
// implementations and tests inject static ones.
type PeerSource interface {
	// Discover streams batches of host:port addresses until ctx is
	// cancelled, at which point the returned channel is closed.
	Discover(ctx context.Context, req AnnounceRequest) <-chan []string
}
