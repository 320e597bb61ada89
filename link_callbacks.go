package go_peerlink

import (
	"fmt"
	"net"
)

// LinkStatus is reported through LinkCallbacks.OnStatus.
type LinkStatus uint8

const (
	LINK_STATUS_CONNECTED LinkStatus = iota
	LINK_STATUS_DISCONNECTED
	LINK_STATUS_REKEYING
	LINK_STATUS_FORCE_DISCONNECTED
	LINK_STATUS_RESTARTED
)

func (s LinkStatus) String() string {
	switch s {
	case LINK_STATUS_CONNECTED:
		return "CONNECTED"
	case LINK_STATUS_DISCONNECTED:
		return "DISCONNECTED"
	case LINK_STATUS_REKEYING:
		return "REKEYING"
	case LINK_STATUS_FORCE_DISCONNECTED:
		return "FORCE_DISCONNECTED"
	case LINK_STATUS_RESTARTED:
		return "RESTARTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// LinkCallbacks lets the surrounding node react to link events. Every field is
// optional. Callbacks never run with the link lock held, so they may call back
// into the link.
type LinkCallbacks struct {
	// OnConnected fires when the link becomes usable: a fresh (non-rekey)
	// handshake or a promotion of an unverified epoch.
	OnConnected func(link *PeerLink)
	// OnDisconnected fires when a handshake leaves the link unusable or when
	// Disconnect tears down a connected link.
	OnDisconnected func(link *PeerLink)
	// OnRestart fires when the peer's boot ID changed; queued messages have
	// already been failed.
	OnRestart func(link *PeerLink, bootID int64)
	// OnBootConnection fires after every accepted handshake so address and
	// port-forward bookkeeping can be refreshed.
	OnBootConnection func(link *PeerLink, replyTo net.Addr)
	// OnForceDisconnect fires when a rekey missed its deadline.
	OnForceDisconnect func(link *PeerLink)
	OnStatus          func(link *PeerLink, status LinkStatus)
}
