package go_peerlink

import "time"

// PacketSender is the transport send primitive used for notification-only packets.
//
// SendNotificationOnly sends a packet without payload on key, carrying only
// pending acks and resend requests, and returns its size. Failures are reported
// as *SendError: SendErrorNotConnected and SendErrorKeyChanged are retried by
// the next urgent pass, SendErrorWouldBlock and SendErrorSequence are bugs.
type PacketSender interface {
	SendNotificationOnly(key *SessionKey, priority int) (int, error)
}

// Handshaker starts key-exchange negotiations for a link. Completed negotiations
// come back through PeerLink.CompleteHandshake.
type Handshaker interface {
	// StartHandshake begins a new negotiation. It must not block.
	StartHandshake(link *PeerLink, now time.Time) error
	// HasLiveHandshake reports whether a negotiation is still in progress.
	HasLiveHandshake(now time.Time) bool
}

// LinkCollaborators are the external components a PeerLink drives.
// Sender and Handshaker are required; Queue defaults to a PriorityMessageQueue
// and Metrics may be nil.
type LinkCollaborators struct {
	Sender     PacketSender
	Handshaker Handshaker
	Queue      MessageQueue
	Metrics    MetricsCollector
}
