package go_peerlink

import (
	"sync"
	"time"
)

// PeerLink is the connection state of one link to a remote peer: the three
// epoch slots, connectivity, rekey bookkeeping and packet history.
//
// Lock order: PeerLink.mu is always taken before any PacketTracker lock.
// Callbacks, metrics and message notifications run after mu is released.
type PeerLink struct {
	name      string
	config    *LinkConfig
	callbacks *LinkCallbacks

	sender     PacketSender
	handshaker Handshaker
	queue      MessageQueue
	metrics    MetricsCollector

	history      *PacketHistory
	stateTracker *LinkStateTracker

	// Guards everything below
	mu sync.Mutex

	arena        keyArena
	slots        trackerSlots
	packetFormat PacketFormat

	connected      bool
	neverConnected bool

	// Rekey bookkeeping, preserved across Disconnect
	rekeyState      RekeyState
	rekeying        bool
	rekeyStartedAt  time.Time
	lastRekeyedAt   time.Time
	bytesSinceRekey uint64

	// Boot IDs: the peer's, and ours as last announced vs last completed
	haveBootID           bool
	bootID               int64
	outgoingBootID       int64
	lastSuccessfulBootID int64

	connectedSince     time.Time
	lastConnectedAt    time.Time
	lastDisconnectAt   time.Time
	prevDisconnectAt   time.Time
	lastSentAt         time.Time
	lastReceivedAt     time.Time
	lastReceivedDataAt time.Time

	// Callback behavior control (for testing)
	syncCallbacks bool
}
