package go_peerlink

import (
	"sort"
	"sync"
	"time"
)

// SendRecord is one packet sent under a tracker and not yet acknowledged.
type SendRecord struct {
	PacketNumber int64
	Payload      []byte
	Callbacks    []AsyncMessageCallback
	Priority     int
	SentAt       time.Time
	resend       bool
}

// PacketTracker is the per-epoch record of packet numbering, outstanding sends,
// pending acks and the deprecation flag. It is owned by one SessionKey, but the
// same tracker may be carried over into a newer SessionKey when the peer asks to
// keep its tracker ID across a rekey.
//
// PacketTracker has its own lock which is always taken after the link lock.
type PacketTracker struct {
	mu sync.Mutex

	trackerID         int64
	firstPacketNumber int64
	nextPacketNumber  int64

	ackTimeout    time.Duration
	resendTimeout time.Duration

	deprecated bool
	everUsed   bool

	outstanding map[int64]*SendRecord
	pendingAcks map[int64]time.Time
}

// NewPacketTracker creates a tracker. A nil config selects the default timeouts.
func NewPacketTracker(trackerID, firstPacketNumber int64, config *LinkConfig) *PacketTracker {
	if config == nil {
		config = NewLinkConfig()
	}
	return &PacketTracker{
		trackerID:         trackerID,
		firstPacketNumber: firstPacketNumber,
		nextPacketNumber:  firstPacketNumber,
		ackTimeout:        config.AckTimeout(),
		resendTimeout:     config.ResendTimeout(),
		outstanding:       make(map[int64]*SendRecord),
		pendingAcks:       make(map[int64]time.Time),
	}
}

// TrackerID returns the identifier the peer uses to refer to this tracker.
func (t *PacketTracker) TrackerID() int64 {
	return t.trackerID
}

// FirstPacketNumber returns the number of the first packet sent under this tracker.
func (t *PacketTracker) FirstPacketNumber() int64 {
	return t.firstPacketNumber
}

// AllocatePacketNumber reserves the next outgoing packet number.
// A deprecated tracker accepts no new packets and reports SendErrorKeyChanged.
func (t *PacketTracker) AllocatePacketNumber() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deprecated {
		return -1, NewSendError(SendErrorKeyChanged)
	}
	seq := t.nextPacketNumber
	t.nextPacketNumber++
	t.everUsed = true
	return seq, nil
}

// SentPacket records that packet seq left with payload.
func (t *PacketTracker) SentPacket(seq int64, payload []byte, callbacks []AsyncMessageCallback, priority int, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq < t.firstPacketNumber || seq >= t.nextPacketNumber {
		return NewSendError(SendErrorSequence)
	}
	t.everUsed = true
	t.outstanding[seq] = &SendRecord{
		PacketNumber: seq,
		Payload:      payload,
		Callbacks:    callbacks,
		Priority:     priority,
		SentAt:       now,
	}
	return nil
}

// Acknowledged removes seq from the outstanding set. It reports whether seq was outstanding.
func (t *PacketTracker) Acknowledged(seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.outstanding[seq]; !ok {
		return false
	}
	delete(t.outstanding, seq)
	return true
}

// ReceivedPacket queues an ack for seq, due within the ack timeout.
func (t *PacketTracker) ReceivedPacket(seq int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.everUsed = true
	if _, ok := t.pendingAcks[seq]; !ok {
		t.pendingAcks[seq] = now.Add(t.ackTimeout)
	}
}

// GrabAcks returns and clears the pending acks in ascending order.
func (t *PacketTracker) GrabAcks() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingAcks) == 0 {
		return nil
	}
	acks := make([]int64, 0, len(t.pendingAcks))
	for seq := range t.pendingAcks {
		acks = append(acks, seq)
	}
	t.pendingAcks = make(map[int64]time.Time)
	sort.Slice(acks, func(i, j int) bool { return acks[i] < acks[j] })
	return acks
}

// ResendPacket flags an outstanding packet for resending. It reports false if
// the packet is not outstanding on this tracker.
func (t *PacketTracker) ResendPacket(seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.outstanding[seq]
	if !ok {
		return false
	}
	rec.resend = true
	return true
}

// HasPacketsToResend reports whether any packet is flagged for resending.
func (t *PacketTracker) HasPacketsToResend() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.outstanding {
		if rec.resend {
			return true
		}
	}
	return false
}

// GrabResendPackets returns the flagged packets oldest first and clears their flag.
// Their send time is reset to now.
func (t *PacketTracker) GrabResendPackets(now time.Time) []SendRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []SendRecord
	for _, rec := range t.outstanding {
		if rec.resend {
			rec.resend = false
			rec.SentAt = now
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PacketNumber < out[j].PacketNumber })
	return out
}

// Outstanding returns the number of unacknowledged packets.
func (t *PacketTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// NextUrgentTime returns the earliest time a pending ack must go out or an
// unacknowledged packet must be resent, or NoDeadline.
func (t *PacketTracker) NextUrgentTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := NoDeadline
	for _, due := range t.pendingAcks {
		if due.Before(next) {
			next = due
		}
	}
	for _, rec := range t.outstanding {
		if due := rec.SentAt.Add(t.resendTimeout); due.Before(next) {
			next = due
		}
	}
	return next
}

// Deprecated stops new packets from being allocated. In-flight packets may
// still be acknowledged and resent. Deprecation is permanent.
func (t *PacketTracker) Deprecated() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deprecated = true
}

// IsDeprecated reports whether Deprecated has been called.
func (t *PacketTracker) IsDeprecated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deprecated
}

// CompletelyDeprecated retires the tracker in favour of the one carried by by.
// The outstanding packets are returned as resend items for the link to requeue;
// pending acks are dropped.
func (t *PacketTracker) CompletelyDeprecated(by *SessionKey) []*ResendItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deprecated = true
	t.pendingAcks = make(map[int64]time.Time)
	if len(t.outstanding) == 0 {
		return nil
	}

	items := make([]*ResendItem, 0, len(t.outstanding))
	for _, rec := range t.outstanding {
		items = append(items, &ResendItem{
			OwnerTrackerID: t.trackerID,
			PacketNumber:   rec.PacketNumber,
			Payload:        rec.Payload,
			Callbacks:      rec.Callbacks,
			Priority:       rec.Priority,
		})
	}
	t.outstanding = make(map[int64]*SendRecord)
	sort.Slice(items, func(i, j int) bool { return items[i].PacketNumber < items[j].PacketNumber })

	if by != nil {
		Debug("Tracker %d completely deprecated by %s, %d packets to requeue", t.trackerID, by, len(items))
	}
	return items
}

// Disconnected drops all state. When notify is set, callbacks of packets still
// outstanding are told the link went down; this happens after the tracker lock is released.
func (t *PacketTracker) Disconnected(notify bool) {
	t.mu.Lock()
	t.deprecated = true
	dropped := t.outstanding
	t.outstanding = make(map[int64]*SendRecord)
	t.pendingAcks = make(map[int64]time.Time)
	t.mu.Unlock()

	if !notify {
		return
	}
	for _, rec := range dropped {
		for _, cb := range rec.Callbacks {
			if cb != nil {
				cb.Disconnected()
			}
		}
	}
}

// WasUsed reports whether any packet was ever sent or received under this tracker.
func (t *PacketTracker) WasUsed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.everUsed
}
