package go_peerlink

import (
	"github.com/sirupsen/logrus"
)

// ResendItem is a packet that must be sent again after its send failed or its
// tracker was retired. It is consumed by RequeueResendItems exactly once.
type ResendItem struct {
	OwnerTrackerID int64
	PacketNumber   int64
	Payload        []byte
	Callbacks      []AsyncMessageCallback
	Priority       int
}

// RequeueResendItems hands each item back to the tracker that still owns it,
// looking at current, previous and unverified in that order. An item whose
// tracker is gone becomes a fresh message at the front of the outbound queue
// with its payload and callbacks.
func (link *PeerLink) RequeueResendItems(items []*ResendItem) {
	if len(items) == 0 {
		return
	}

	link.mu.Lock()
	s := link.slotsLocked()
	link.mu.Unlock()

	// The trackers are only read from here on; their own lock guards the resend flag.
	trackers := make([]*PacketTracker, 0, 3)
	for _, k := range []*SessionKey{s.Current, s.Previous, s.Unverified} {
		if k != nil {
			trackers = append(trackers, k.packets)
		}
	}
	if s.Current == nil && s.Unverified == nil {
		log.WithFields(linkFields(link, logrus.Fields{"items": len(items)})).
			Warn("Requeueing resend items with no current or unverified tracker")
	}

	for _, item := range items {
		if item == nil {
			continue
		}
		if link.requeueOnTracker(trackers, item) {
			if link.metrics != nil {
				link.metrics.IncrementRequeue(REQUEUE_TRACKER)
			}
			continue
		}

		msg := NewMessageItem(item.Payload, item.Callbacks, item.Priority, NoDeadline)
		msg.FromResend = true
		link.queue.Requeue([]*MessageItem{msg}, msg.Priority, true)
		if link.metrics != nil {
			link.metrics.IncrementRequeue(REQUEUE_FRESH)
		}
		log.WithFields(linkFields(link, logrus.Fields{
			"tracker": item.OwnerTrackerID,
			"packet":  item.PacketNumber,
		})).Debug("Resend item requeued as fresh message")
	}
}

// requeueOnTracker reports whether a live tracker owns item. A packet the owning
// tracker no longer holds has been acknowledged and is not sent again.
func (link *PeerLink) requeueOnTracker(trackers []*PacketTracker, item *ResendItem) bool {
	for _, t := range trackers {
		if t.TrackerID() != item.OwnerTrackerID {
			continue
		}
		if !t.ResendPacket(item.PacketNumber) {
			Debug("Packet %d on tracker %d of %s is no longer outstanding", item.PacketNumber, item.OwnerTrackerID, link.name)
		}
		return true
	}
	return false
}
