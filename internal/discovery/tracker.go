package discovery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/anacrolix/torrent/bencode"

	"riptide/internal/core"
	"riptide/internal/utils"
)

const (
	trackerTimeout  = 5 * time.Second
	minInterval     = 30 * time.Second
	maxInterval     = 30 * time.Minute
	defaultInterval = 2 * time.Minute
)

// TrackerSource announces to the torrent's tracker list over HTTP(S)
// and UDP and streams the returned peers. Re-announce cadence follows
// the interval each tracker hands back.
type TrackerSource struct {
	logger *utils.Logger
	client *http.Client
}

func NewTrackerSource(logger *utils.Logger) *TrackerSource {
	return &TrackerSource{
		logger: logger,
		client: &http.Client{Timeout: trackerTimeout},
	}
}

func (t *TrackerSource) Discover(ctx context.Context, req core.AnnounceRequest) <-chan []string {
	out := make(chan []string, 4)
	go t.loop(ctx, req, out)
	return out
}

func (t *TrackerSource) loop(ctx context.Context, req core.AnnounceRequest, out chan<- []string) {
	defer close(out)

	interval := defaultInterval
	timer := time.NewTimer(0) // announce immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		var anyPeers bool
		for _, tracker := range req.Trackers {
			if ctx.Err() != nil {
				return
			}
			addrs, next, err := t.announce(ctx, tracker, req)
			if err != nil {
				t.logger.Debug("announce to", tracker, "failed:", err)
				continue
			}
			if next > 0 {
				interval = clampInterval(next)
			}
			if len(addrs) == 0 {
				continue
			}
			anyPeers = true
			select {
			case out <- addrs:
			case <-ctx.Done():
				return
			}
		}

		if !anyPeers {
			// Every tracker came back empty or unreachable; retry soon.
			interval = minInterval
		}
		timer.Reset(interval)
	}
}

func (t *TrackerSource) announce(ctx context.Context, tracker string, req core.AnnounceRequest) ([]string, time.Duration, error) {
	base, err := url.Parse(tracker)
	if err != nil {
		return nil, 0, err
	}

	switch base.Scheme {
	case "http", "https":
		return t.announceHTTP(ctx, base, req)
	case "udp":
		return t.announceUDP(ctx, base.Host, req)
	default:
		return nil, 0, fmt.Errorf("unsupported tracker scheme %q", base.Scheme)
	}
}

type httpTrackerResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int64  `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

func (t *TrackerSource) announceHTTP(ctx context.Context, base *url.URL, req core.AnnounceRequest) ([]string, time.Duration, error) {
	downloaded, uploaded, left := req.Stats()
	params := url.Values{
		"info_hash":  []string{string(req.InfoHash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(req.Port)},
		"uploaded":   []string{strconv.FormatInt(uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(downloaded, 10)},
		"left":       []string{strconv.FormatInt(left, 10)},
		"compact":    []string{"1"},
	}
	base.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	response, err := t.client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}

	var tr httpTrackerResponse
	if err := bencode.Unmarshal(body, &tr); err != nil {
		return nil, 0, err
	}
	if tr.FailureReason != "" {
		return nil, 0, fmt.Errorf("tracker refused announce: %s", tr.FailureReason)
	}

	addrs, err := parseCompactPeers([]byte(tr.Peers))
	if err != nil {
		return nil, 0, err
	}
	return addrs, time.Duration(tr.Interval) * time.Second, nil
}

func (t *TrackerSource) announceUDP(ctx context.Context, host string, req core.AnnounceRequest) ([]string, time.Duration, error) {
	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, 0, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	deadline := time.Now().Add(trackerTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	connectReq := newConnectRequest()
	if _, err := conn.Write(connectReq.serialize()); err != nil {
		return nil, 0, err
	}
	connectBuf := make([]byte, connectLen)
	if _, err := conn.Read(connectBuf); err != nil {
		return nil, 0, err
	}
	connectRes, err := readConnectResponse(connectBuf)
	if err != nil {
		return nil, 0, err
	}
	if !bytes.Equal(connectReq.TransactionID[:], connectRes.TransactionID[:]) {
		return nil, 0, fmt.Errorf("connect transaction ID mismatch")
	}
	if connectRes.Action != actionConnect {
		return nil, 0, fmt.Errorf("expected connect action, got %d", connectRes.Action)
	}

	downloaded, uploaded, left := req.Stats()
	announceReq := newAnnounceRequest(connectRes.ConnectionID, req.InfoHash, req.PeerID, downloaded, uploaded, left, req.Port)
	if _, err := conn.Write(announceReq.serialize()); err != nil {
		return nil, 0, err
	}
	announceBuf := make([]byte, 2048)
	size, err := conn.Read(announceBuf)
	if err != nil {
		return nil, 0, err
	}
	announceRes, err := readAnnounceResponse(announceBuf[:size])
	if err != nil {
		return nil, 0, err
	}
	if !bytes.Equal(announceReq.TransactionID[:], announceRes.TransactionID[:]) {
		return nil, 0, fmt.Errorf("announce transaction ID mismatch")
	}
	if announceRes.Action != actionAnnounce {
		return nil, 0, fmt.Errorf("expected announce action, got %d", announceRes.Action)
	}

	addrs, err := parseCompactPeers(announceRes.Peers)
	if err != nil {
		return nil, 0, err
	}
	return addrs, time.Duration(announceRes.Interval) * time.Second, nil
}

func clampInterval(d time.Duration) time.Duration {
	if d < minInterval {
		return minInterval
	}
	if d > maxInterval {
		return maxInterval
	}
	return d
}
