package go_peerlink

import (
	"math"
	"time"
)

// Link Protocol Constants
//
// This file contains the constants shared by the link layer: tracker identifiers,
// packet numbering, negotiation levels and the default timing parameters used by
// the rekey scheduler. Defaults can be overridden per link through LinkConfig.

// Tracker and packet numbering constants
const (
	// LINK_NO_TRACKER_ID is the tracker ID hint meaning "create a fresh tracker".
	// It is also returned by CompleteHandshake when the handshake is rejected.
	LINK_NO_TRACKER_ID int64 = -1

	// LINK_TRACK_PACKETS is the capacity of each packet history ring.
	LINK_TRACK_PACKETS = 64

	// LINK_RANDOM_FIRST_PACKET_LIMIT bounds the random first packet number used by
	// legacy negotiation. Sequenced negotiation always starts at 0.
	LINK_RANDOM_FIRST_PACKET_LIMIT = 100 * 1000

	// LINK_PRIORITY_NOW is the highest message priority, used for notification-only packets.
	LINK_PRIORITY_NOW = 0

	// LINK_PRIORITY_BULK is the lowest message priority.
	LINK_PRIORITY_BULK = 6

	// LINK_NUM_PRIORITIES is the number of distinct message priorities.
	LINK_NUM_PRIORITIES = LINK_PRIORITY_BULK + 1
)

// Negotiation levels
const (
	// LINK_NEG_TYPE_TRACKER_IDS is the first negotiation type whose final
	// handshake message carries a tracker ID.
	LINK_NEG_TYPE_TRACKER_IDS = 4

	// LINK_NEG_TYPE_SEQUENCED is the default first negotiation type that uses the
	// sequenced packet format.
	LINK_NEG_TYPE_SEQUENCED = 5
)

// Default timing parameters
const (
	// LINK_DEFAULT_REKEY_INTERVAL is how long a session key is used before a rekey is due.
	LINK_DEFAULT_REKEY_INTERVAL = 60 * time.Minute

	// LINK_DEFAULT_MAX_REKEY_DELAY is how long a rekey may stay in progress past its
	// due time before the link is forcibly disconnected.
	LINK_DEFAULT_MAX_REKEY_DELAY = 5 * time.Minute

	// LINK_DEFAULT_REKEY_BYTES is the traffic volume after which a rekey is due
	// regardless of elapsed time.
	LINK_DEFAULT_REKEY_BYTES uint64 = 1024 * 1024 * 1024

	// LINK_DEFAULT_ACK_TIMEOUT is the longest an incoming packet may wait for its ack.
	LINK_DEFAULT_ACK_TIMEOUT = 200 * time.Millisecond

	// LINK_DEFAULT_RESEND_TIMEOUT is how long a sent packet may stay unacknowledged
	// before it must be resent.
	LINK_DEFAULT_RESEND_TIMEOUT = 2 * time.Second

	// LINK_DEFAULT_SWEEP_INTERVAL is how often the scheduler loop runs.
	LINK_DEFAULT_SWEEP_INTERVAL = 1 * time.Second

	// LINK_DEFAULT_HISTORY_HORIZON is the oldest sample reported in a sent-packets digest.
	// Ages are transmitted as unsigned 32-bit milliseconds, so this is also the wire limit.
	LINK_DEFAULT_HISTORY_HORIZON = time.Duration(math.MaxInt32) * time.Millisecond

	// LINK_DEFAULT_SEQUENCED_WINDOW is the number of in-flight messages the
	// sequenced packet format allows.
	LINK_DEFAULT_SEQUENCED_WINDOW = 256
)

// NoDeadline is returned by NextUrgentTime when nothing needs to be sent.
// It compares after every realistic timestamp.
var NoDeadline = time.Unix(1<<62, 0)

// Log levels accepted by LogInit
const (
	DEBUG   = 1
	INFO    = 2
	WARNING = 3
	ERROR   = 4
	FATAL   = 5
)
