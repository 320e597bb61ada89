package go_peerlink

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Standard Link Error Types
//
// These errors follow Go 1.13+ error wrapping conventions and can be
// checked using errors.Is() and errors.As(). Errors returned by the link are
// built with oops so they carry a domain, a code and key/value context, but the
// sentinels below always remain reachable through Unwrap.

// Sentinel errors for handshake rejection and send failures
var (
	// ErrReplayedHandshake indicates a completed handshake offered key material identical
	// to a session key that is still installed. The attempt must be abandoned.
	ErrReplayedHandshake = errors.New("peerlink: handshake replays installed key material")

	// ErrStaleTrackerID indicates the final handshake message asked to keep the old tracker
	// but no live, non-deprecated tracker carries the requested ID.
	ErrStaleTrackerID = errors.New("peerlink: cannot reuse requested tracker id")

	// ErrNotConnected indicates a send was attempted on a link that is not connected.
	// Transient: the next urgent-send pass retries.
	ErrNotConnected = errors.New("peerlink: not connected")

	// ErrKeyChanged indicates the session key changed underneath a send.
	// Transient: the next urgent-send pass retries.
	ErrKeyChanged = errors.New("peerlink: session key changed")

	// ErrWouldBlock indicates a notification-only send would have blocked.
	// This should never happen and is logged as a bug.
	ErrWouldBlock = errors.New("peerlink: send would block")

	// ErrPacketSequence indicates a packet numbering inconsistency during a send.
	// This should never happen and is logged as a bug.
	ErrPacketSequence = errors.New("peerlink: packet sequence error")

	// ErrNoTracker indicates an operation needed a session key but none is installed.
	ErrNoTracker = errors.New("peerlink: no session key installed")

	// ErrLinkNotInitialized indicates a PeerLink was used without NewPeerLink.
	ErrLinkNotInitialized = errors.New("peerlink: link not initialized (use NewPeerLink)")

	// ErrInvalidArgument indicates a nil or invalid argument was passed to a public API method.
	ErrInvalidArgument = errors.New("peerlink: invalid argument (nil or empty value)")

	// ErrInvalidConfiguration indicates a LinkConfig property could not be parsed or is out of range.
	ErrInvalidConfiguration = errors.New("peerlink: invalid link configuration")

	// ErrMalformedDigest indicates a sent-packets digest could not be decoded.
	ErrMalformedDigest = errors.New("peerlink: malformed sent-packets digest")
)

// HandshakeError describes why CompleteHandshake rejected a handshake.
// Connection state is never modified when a HandshakeError is returned.
type HandshakeError struct {
	Reason    string // Short machine-friendly reason, e.g. "replayed_handshake"
	TrackerID int64  // Tracker ID hint carried by the rejected handshake
	Slot      string // Slot whose key matched, for replays
	Err       error  // Underlying sentinel
}

func (e *HandshakeError) Error() string {
	if e.Slot != "" {
		return fmt.Sprintf("peerlink: handshake rejected (%s, slot %s, tracker %d): %v", e.Reason, e.Slot, e.TrackerID, e.Err)
	}
	return fmt.Sprintf("peerlink: handshake rejected (%s, tracker %d): %v", e.Reason, e.TrackerID, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// newHandshakeError builds the error returned for a rejected handshake.
func newHandshakeError(reason string, trackerID int64, slot string, sentinel error) error {
	return oops.
		In("handshake").
		Code(reason).
		With("tracker_id", trackerID, "slot", slot).
		Wrap(&HandshakeError{Reason: reason, TrackerID: trackerID, Slot: slot, Err: sentinel})
}

// SendErrorKind classifies failures reported by a PacketSender.
type SendErrorKind uint8

const (
	// SendErrorNotConnected - the link went down; retried by the next urgent pass
	SendErrorNotConnected SendErrorKind = iota
	// SendErrorKeyChanged - the key rotated during the send; retried by the next urgent pass
	SendErrorKeyChanged
	// SendErrorWouldBlock - impossible for notification-only packets, logged as a bug
	SendErrorWouldBlock
	// SendErrorSequence - impossible packet numbering failure, logged as a bug
	SendErrorSequence
)

// String returns a human-readable name for the send error kind.
func (k SendErrorKind) String() string {
	switch k {
	case SendErrorNotConnected:
		return "not_connected"
	case SendErrorKeyChanged:
		return "key_changed"
	case SendErrorWouldBlock:
		return "would_block"
	case SendErrorSequence:
		return "sequence"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// SendError is returned by PacketSender implementations.
type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("peerlink: send failed (%s): %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure is expected to clear on its own.
func (e *SendError) Temporary() bool {
	return e.Kind == SendErrorNotConnected || e.Kind == SendErrorKeyChanged
}

// NewSendError creates a SendError wrapping the sentinel matching kind.
//
// Example:
//
//	if !conn.up {
//	    return 0, NewSendError(SendErrorNotConnected)
//	}
func NewSendError(kind SendErrorKind) error {
	var sentinel error
	switch kind {
	case SendErrorNotConnected:
		sentinel = ErrNotConnected
	case SendErrorKeyChanged:
		sentinel = ErrKeyChanged
	case SendErrorWouldBlock:
		sentinel = ErrWouldBlock
	default:
		sentinel = ErrPacketSequence
	}
	return &SendError{Kind: kind, Err: sentinel}
}

// IsTemporary returns true if the error is temporary and the operation can be retried.
// Errors without a Temporary() method are treated as permanent.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrKeyChanged) {
		return true
	}

	type temporary interface {
		Temporary() bool
	}
	var te temporary
	if errors.As(err, &te) {
		return te.Temporary()
	}

	return false
}

// IsImpossibleSendError returns true for send failures that indicate a bug in the
// sender rather than a network condition. They are logged and otherwise ignored.
func IsImpossibleSendError(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrPacketSequence)
}

// IsHandshakeRejected returns true if err means "abandon this handshake attempt".
func IsHandshakeRejected(err error) bool {
	return errors.Is(err, ErrReplayedHandshake) || errors.Is(err, ErrStaleTrackerID)
}

// configError wraps ErrInvalidConfiguration with the offending property.
func configError(property, value string, cause error) error {
	return oops.
		In("config").
		With("property", property, "value", value).
		Wrapf(fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfiguration, property, value, cause), "invalid link property")
}
