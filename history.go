package go_peerlink

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// PacketDirection selects one of the two history rings.
type PacketDirection uint8

const (
	PacketSent PacketDirection = iota
	PacketReceived
)

// String returns a human-readable name for the direction.
func (d PacketDirection) String() string {
	if d == PacketSent {
		return "sent"
	}
	return "received"
}

// packetRing is a fixed-capacity circular buffer of (time, weak hash) samples.
// Once wrapped, the slot at cursor is the oldest sample.
type packetRing struct {
	times   [LINK_TRACK_PACKETS]time.Time
	hashes  [LINK_TRACK_PACKETS]uint64
	cursor  int
	wrapped bool
}

func (r *packetRing) record(now time.Time, hash uint64) {
	r.times[r.cursor] = now
	r.hashes[r.cursor] = hash
	r.cursor++
	if r.cursor == LINK_TRACK_PACKETS {
		r.cursor = 0
		r.wrapped = true
	}
}

func (r *packetRing) len() int {
	if r.wrapped {
		return LINK_TRACK_PACKETS
	}
	return r.cursor
}

// snapshot returns the samples oldest first.
func (r *packetRing) snapshot() ([]time.Time, []uint64) {
	n := r.len()
	times := make([]time.Time, n)
	hashes := make([]uint64, n)
	if !r.wrapped {
		copy(times, r.times[:n])
		copy(hashes, r.hashes[:n])
		return times, hashes
	}
	tail := LINK_TRACK_PACKETS - r.cursor
	copy(times, r.times[r.cursor:])
	copy(times[tail:], r.times[:r.cursor])
	copy(hashes, r.hashes[r.cursor:])
	copy(hashes[tail:], r.hashes[:r.cursor])
	return times, hashes
}

// PacketHistory keeps the most recent sent and received packet samples of a link.
// It is fed on every send and receive and read when building a SentPacketsDigest.
type PacketHistory struct {
	mu       sync.Mutex
	sent     packetRing
	received packetRing
}

// NewPacketHistory creates an empty history.
func NewPacketHistory() *PacketHistory {
	return &PacketHistory{}
}

// WeakPacketHash returns the non-cryptographic hash recorded for a packet.
func WeakPacketHash(buf []byte) uint64 {
	return xxhash.Sum64(buf)
}

// Record inserts a sample into the ring for direction. O(1); the oldest
// sample is overwritten once the ring is full.
func (h *PacketHistory) Record(direction PacketDirection, now time.Time, hash uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if direction == PacketSent {
		h.sent.record(now, hash)
	} else {
		h.received.record(now, hash)
	}
}

// RecordSent hashes buf and records it as sent at now.
func (h *PacketHistory) RecordSent(buf []byte, now time.Time) {
	h.Record(PacketSent, now, WeakPacketHash(buf))
}

// RecordReceived hashes buf and records it as received at now.
func (h *PacketHistory) RecordReceived(buf []byte, now time.Time) {
	h.Record(PacketReceived, now, WeakPacketHash(buf))
}

// Snapshot returns the samples of one ring in chronological order.
func (h *PacketHistory) Snapshot(direction PacketDirection) ([]time.Time, []uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if direction == PacketSent {
		return h.sent.snapshot()
	}
	return h.received.snapshot()
}

// Len returns the number of samples held for direction.
func (h *PacketHistory) Len(direction PacketDirection) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if direction == PacketSent {
		return h.sent.len()
	}
	return h.received.len()
}

// Wrapped reports whether the ring for direction has overwritten samples.
func (h *PacketHistory) Wrapped(direction PacketDirection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if direction == PacketSent {
		return h.sent.wrapped
	}
	return h.received.wrapped
}

// BuildDigest reads the sent ring oldest first, drops samples older than horizon
// and returns the remainder as ages relative to now.
func (h *PacketHistory) BuildDigest(now time.Time, horizon time.Duration) *SentPacketsDigest {
	times, hashes := h.Snapshot(PacketSent)

	if horizon <= 0 || horizon > LINK_DEFAULT_HISTORY_HORIZON {
		horizon = LINK_DEFAULT_HISTORY_HORIZON
	}

	// Oldest first, so everything beyond the horizon is a prefix.
	skip := 0
	for skip < len(times) && now.Sub(times[skip]) > horizon {
		skip++
	}
	if skip > 0 {
		Debug("Dropping %d sent packet samples older than %v from digest", skip, horizon)
	}

	digest := &SentPacketsDigest{
		Now:    now,
		Ages:   make([]time.Duration, 0, len(times)-skip),
		Hashes: make([]uint64, 0, len(times)-skip),
	}
	for i := skip; i < len(times); i++ {
		age := now.Sub(times[i])
		if age < 0 {
			age = 0
		}
		digest.Ages = append(digest.Ages, age)
		digest.Hashes = append(digest.Hashes, hashes[i])
	}
	return digest
}
