package main

import (
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// packetReader is the read half of a remote track.
type packetReader interface {
	Read(b []byte) (int, interceptor.Attributes, error)
}

type trackKey struct {
	peerID string
	kind   string
}

type trackCounters struct {
	packets   uint64
	bytes     uint64
	lost      uint64
	lastSeq   uint16
	haveSeq   bool
	malformed uint64
}

// trackStats counts what arrives on every remote track. The CLI has nowhere
// to render media, so tracks are drained to keep the receive path flowing.
type trackStats struct {
	mu     sync.Mutex
	tracks map[trackKey]*trackCounters
}

func newTrackStats() *trackStats {
	return &trackStats{tracks: make(map[trackKey]*trackCounters)}
}

// drain reads r until it fails. io.EOF (track ended) is not an error.
func (s *trackStats) drain(peerID, kind string, r packetReader) error {
	key := trackKey{peerID: peerID, kind: kind}
	s.mu.Lock()
	if _, ok := s.tracks[key]; !ok {
		s.tracks[key] = &trackCounters{}
	}
	s.mu.Unlock()

	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := r.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		valid := pkt.Unmarshal(buf[:n]) == nil
		s.record(key, n, valid, pkt.SequenceNumber)
	}
}

func (s *trackStats) record(key trackKey, n int, valid bool, seq uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.tracks[key]
	if !valid {
		c.malformed++
		return
	}
	c.packets++
	c.bytes += uint64(n)
	if c.haveSeq {
		// Forward gaps count as loss; reordering and wrap are ignored.
		if gap := seq - c.lastSeq; gap > 1 && gap < 1<<15 {
			c.lost += uint64(gap - 1)
		}
	}
	if !c.haveSeq || seq-c.lastSeq < 1<<15 {
		c.lastSeq = seq
		c.haveSeq = true
	}
}

func (s *trackStats) forget(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.tracks {
		if k.peerID == peerID {
			delete(s.tracks, k)
		}
	}
}

func (s *trackStats) rows() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]trackKey, 0, len(s.tracks))
	for k := range s.tracks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].peerID != keys[j].peerID {
			return keys[i].peerID < keys[j].peerID
		}
		return keys[i].kind < keys[j].kind
	})

	out := make([][]string, 0, len(keys))
	for _, k := range keys {
		c := s.tracks[k]
		out = append(out, []string{
			shortID(k.peerID),
			k.kind,
			strconv.FormatUint(c.packets, 10),
			strconv.FormatUint(c.bytes, 10),
			strconv.FormatUint(c.lost, 10),
		})
	}
	return out
}

func (s *trackStats) table() string {
	rows := s.rows()
	if len(rows) == 0 {
		return mutedStyle.Render("No remote tracks")
	}
	return renderTable([]string{"Peer", "Kind", "Packets", "Bytes", "Lost"}, rows)
}
