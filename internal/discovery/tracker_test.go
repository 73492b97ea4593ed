package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riptide/internal/core"
	"riptide/internal/utils"
)

func testLogger() *utils.Logger {
	return utils.NewLogger(false, io.Discard)
}

func testAnnounceRequest() core.AnnounceRequest {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aabbccddeeffgghhiijj")
	copy(peerID[:], "-RP0010-123456789012")
	return core.AnnounceRequest{
		InfoHash: infoHash,
		PeerID:   peerID,
		Port:     6881,
		Stats: func() (downloaded, uploaded, left int64) {
			return 2048, 512, 8192
		},
	}
}

func compactPeers(addrs ...[6]byte) string {
	var out []byte
	for _, a := range addrs {
		out = append(out, a[:]...)
	}
	return string(out)
}

func TestAnnounceHTTPParsesPeersAndInterval(t *testing.T) {
	peers := compactPeers(
		[6]byte{127, 0, 0, 1, 0x1A, 0xE1},  // 127.0.0.1:6881
		[6]byte{10, 0, 0, 2, 0xC8, 0xD5},   // 10.0.0.2:51413
	)

	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		fmt.Fprintf(w, "d8:intervali1800e5:peers%d:%se", len(peers), peers)
	}))
	defer srv.Close()

	ts := NewTrackerSource(testLogger())
	req := testAnnounceRequest()
	addrs, interval, err := ts.announce(context.Background(), srv.URL+"/announce", req)
	require.NoError(t, err)

	assert.Equal(t, []string{"127.0.0.1:6881", "10.0.0.2:51413"}, addrs)
	assert.Equal(t, 1800*time.Second, interval)

	// The announce must carry live transfer counters, not zeros.
	assert.Equal(t, []string{"2048"}, query["downloaded"])
	assert.Equal(t, []string{"512"}, query["uploaded"])
	assert.Equal(t, []string{"8192"}, query["left"])
	assert.Equal(t, []string{"6881"}, query["port"])
	assert.Equal(t, []string{"1"}, query["compact"])
	assert.Equal(t, []string{string(req.InfoHash[:])}, query["info_hash"])
}

func TestAnnounceHTTPReportsTrackerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d14:failure reason17:torrent not founde")
	}))
	defer srv.Close()

	ts := NewTrackerSource(testLogger())
	_, _, err := ts.announce(context.Background(), srv.URL+"/announce", testAnnounceRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "torrent not found")
}

func TestAnnounceRejectsUnknownScheme(t *testing.T) {
	ts := NewTrackerSource(testLogger())
	_, _, err := ts.announce(context.Background(), "wss://tracker.example/announce", testAnnounceRequest())
	assert.Error(t, err)
}

func TestDiscoverClosesOnCancel(t *testing.T) {
	peers := compactPeers([6]byte{127, 0, 0, 1, 0x1A, 0xE1})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "d8:intervali1800e5:peers%d:%se", len(peers), peers)
	}))
	defer srv.Close()

	ts := NewTrackerSource(testLogger())
	req := testAnnounceRequest()
	req.Trackers = []string{srv.URL + "/announce"}

	ctx, cancel := context.WithCancel(context.Background())
	ch := ts.Discover(ctx, req)

	batch, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, []string{"127.0.0.1:6881"}, batch)

	cancel()
	for range ch {
		// drain until the source shuts down
	}
}

func TestParseCompactPeers(t *testing.T) {
	addrs, err := parseCompactPeers([]byte{192, 168, 1, 5, 0x00, 0x50})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.5:80"}, addrs)

	// Zero ports are useless and dropped.
	addrs, err = parseCompactPeers([]byte{192, 168, 1, 5, 0, 0})
	require.NoError(t, err)
	assert.Empty(t, addrs)

	_, err = parseCompactPeers([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestAnnouncePacketLayout(t *testing.T) {
	var connectionID [8]byte
	copy(connectionID[:], "CONNECTD")
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aabbccddeeffgghhiijj")
	copy(peerID[:], "-RP0010-123456789012")

	pkt := newAnnounceRequest(connectionID, infoHash, peerID, 100, 50, 900, 6881)
	buf := pkt.serialize()

	require.Len(t, buf, announceLen)
	assert.Equal(t, connectionID[:], buf[0:8])
	assert.EqualValues(t, actionAnnounce, binary.BigEndian.Uint32(buf[8:12]))
	assert.Equal(t, infoHash[:], buf[16:36])
	assert.Equal(t, peerID[:], buf[36:56])
	assert.EqualValues(t, 100, binary.BigEndian.Uint64(buf[56:64]))
	assert.EqualValues(t, 900, binary.BigEndian.Uint64(buf[64:72]))
	assert.EqualValues(t, 50, binary.BigEndian.Uint64(buf[72:80]))
	assert.EqualValues(t, 6881, binary.BigEndian.Uint16(buf[96:98]))
}

func TestConnectPacketRoundTrip(t *testing.T) {
	req := newConnectRequest()
	buf := req.serialize()
	require.Len(t, buf, connectLen)
	assert.EqualValues(t, udpProtocolID, binary.BigEndian.Uint64(buf[0:8]))

	// A well-formed response echoes the transaction ID.
	response := make([]byte, connectLen)
	binary.BigEndian.PutUint32(response[0:4], actionConnect)
	copy(response[4:8], req.TransactionID[:])
	copy(response[8:16], "CONNECTD")

	parsed, err := readConnectResponse(response)
	require.NoError(t, err)
	assert.Equal(t, req.TransactionID, parsed.TransactionID)
	assert.Equal(t, [8]byte{'C', 'O', 'N', 'N', 'E', 'C', 'T', 'D'}, parsed.ConnectionID)

	_, err = readConnectResponse(response[:10])
	assert.Error(t, err)
}
