package go_peerlink

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// NextUrgentTime returns when the link next has to send something: a resend or
// ack due on the current or previous tracker, or, while the packet format
// allows new sends on the current epoch, the earliest queue deadline and the
// format's own estimate. A tracker with packets flagged for resend makes the
// answer now. NoDeadline is returned while the link is disconnected or has no
// established epoch; an unverified epoch never makes the link urgent.
func (link *PeerLink) NextUrgentTime(now time.Time) time.Time {
	link.mu.Lock()
	if !link.connected {
		link.mu.Unlock()
		return NoDeadline
	}
	cur := link.arena.get(link.slots.current)
	prev := link.arena.get(link.slots.previous)
	pf := link.packetFormat
	link.mu.Unlock()

	if cur == nil && prev == nil {
		return NoDeadline
	}

	next := NoDeadline
	for _, k := range []*SessionKey{cur, prev} {
		if k == nil {
			continue
		}
		if k.packets.HasPacketsToResend() {
			return now
		}
		if t := k.packets.NextUrgentTime(); t.Before(next) {
			next = t
		}
	}

	if pf != nil {
		canSend := cur != nil && pf.CanSend(cur)
		if canSend {
			if t := link.queue.NextUrgentTime(next, LINK_PRIORITY_NOW); t.Before(next) {
				next = t
			}
		}
		if t := pf.TimeNextUrgent(canSend, now); t.Before(next) {
			next = t
		}
	}
	return next
}

// SendUrgentNotifications sends a notification-only packet on the current
// epoch if it has an overdue ack or resend, or unconditionally when
// forcePrimary is set, and likewise on the previous epoch without the force.
// It reports whether anything was sent. Send failures never propagate.
func (link *PeerLink) SendUrgentNotifications(forcePrimary bool, now time.Time) bool {
	link.mu.Lock()
	cur := link.arena.get(link.slots.current)
	prev := link.arena.get(link.slots.previous)
	link.mu.Unlock()

	sent := false
	if cur != nil && (forcePrimary || cur.packets.NextUrgentTime().Before(now)) {
		sent = link.sendNotification(cur, "current", now) || sent
	}
	if prev != nil && prev.packets.NextUrgentTime().Before(now) {
		sent = link.sendNotification(prev, "previous", now) || sent
	}
	return sent
}

func (link *PeerLink) sendNotification(key *SessionKey, slot string, now time.Time) bool {
	n, err := link.sender.SendNotificationOnly(key, LINK_PRIORITY_NOW)
	if err == nil {
		link.SentPacket(now)
		if link.metrics != nil {
			link.metrics.IncrementUrgentSend(n)
		}
		return true
	}

	var sendErr *SendError
	switch {
	case IsTemporary(err):
		Debug("Urgent notification on %s of %s not sent: %v", slot, link.name, err)
	case IsImpossibleSendError(err), errors.As(err, &sendErr):
		log.WithFields(linkFields(link, logrus.Fields{
			"slot":  slot,
			"key":   key.String(),
			"error": err,
		})).Error("Caught impossible send error")
		if link.metrics != nil {
			link.metrics.IncrementError("impossible_send")
		}
	default:
		log.WithFields(linkFields(link, logrus.Fields{
			"slot":  slot,
			"error": err,
		})).Error("Urgent notification failed")
		if link.metrics != nil {
			link.metrics.IncrementError("urgent_send")
		}
	}
	return false
}
