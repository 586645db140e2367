package collector

import (
	"hash/fnv"
	"strings"
)

// LineDeduplicator rejects lines already seen within a bounded recent
// window. FTP byte-range semantics are inexact on some servers and
// resend trailing chunks; this absorbs those replays. Fingerprints are
// evicted FIFO once the window is full, so memory stays bounded
// regardless of run length.
//
// Not safe for concurrent use; each poll loop owns its own instance.
type LineDeduplicator struct {
	seen map[uint64]struct{}
	ring []uint64
	next int
	full bool
}

// NewLineDeduplicator creates a deduplicator remembering the last
// capacity line fingerprints.
func NewLineDeduplicator(capacity int) *LineDeduplicator {
	if capacity <= 0 {
		capacity = 1
	}
	return &LineDeduplicator{
		seen: make(map[uint64]struct{}, capacity),
		ring: make([]uint64, capacity),
	}
}

// Accept reports whether the line is new within the window. Blank
// lines are never accepted. A rejected line is not re-inserted, so it
// keeps its original position in the eviction order.
func (d *LineDeduplicator) Accept(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	h := fingerprint(line)
	if _, ok := d.seen[h]; ok {
		return false
	}

	if d.full {
		delete(d.seen, d.ring[d.next])
	}
	d.ring[d.next] = h
	d.seen[h] = struct{}{}
	d.next++
	if d.next == len(d.ring) {
		d.next = 0
		d.full = true
	}
	return true
}

func fingerprint(line string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(line))
	return h.Sum64()
}
