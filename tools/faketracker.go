package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
)

// A fake HTTP tracker for local testing. It answers every announce with
// the same fixed peer list, handed out in the compact format, so the
// engine can be pointed at known peers without a real swarm.
//
// Usage:
//
//	go run tools/faketracker.go -port 8080 -peers 127.0.0.1:6881,127.0.0.1:6882
//
// then add the torrent with tracker http://localhost:8080/announce.
func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	peers := flag.String("peers", "127.0.0.1:6881", "Comma-separated peer addresses to hand out")
	interval := flag.Int("interval", 30, "Re-announce interval in seconds")
	flag.Parse()

	compact, err := compactPeerList(*peers)
	if err != nil {
		log.Fatal(err)
	}

	http.HandleFunc("/announce", func(w http.ResponseWriter, r *http.Request) {
		infoHash := r.URL.Query().Get("info_hash")
		log.Printf("announce from %s for %x", r.RemoteAddr, infoHash)

		w.Header().Set("Content-Type", "text/plain")
		// Minimal bencoded tracker response: interval and compact peers.
		fmt.Fprintf(w, "d8:intervali%de5:peers%d:%se", *interval, len(compact), compact)
	})

	fmt.Printf("Fake tracker on :%d handing out peers %s\n", *port, *peers)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", *port), nil))
}

func compactPeerList(peers string) (string, error) {
	var buf []byte
	for _, addr := range strings.Split(peers, ",") {
		host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
		if err != nil {
			return "", fmt.Errorf("bad peer address %q: %w", addr, err)
		}
		ip := net.ParseIP(host).To4()
		if ip == nil {
			return "", fmt.Errorf("peer address %q is not IPv4", addr)
		}
		var portNum uint16
		if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil {
			return "", fmt.Errorf("bad port in %q: %w", addr, err)
		}
		entry := make([]byte, 6)
		copy(entry, ip)
		binary.BigEndian.PutUint16(entry[4:], portNum)
		buf = append(buf, entry...)
	}
	return string(buf), nil
}
