package go_peerlink

import (
	"sort"
	"sync"
	"time"
)

// PacketFormatKind is the closed set of packet formats a link can speak.
type PacketFormatKind uint8

const (
	// PacketFormatLegacy numbers packets per tracker and leaves all resend
	// timing to the tracker.
	PacketFormatLegacy PacketFormatKind = iota
	// PacketFormatSequenced carries messages in a window of message IDs that
	// survives tracker changes.
	PacketFormatSequenced
)

func (k PacketFormatKind) String() string {
	if k == PacketFormatSequenced {
		return "sequenced"
	}
	return "legacy"
}

// PacketFormatForNegType selects the format for a negotiation type.
func PacketFormatForNegType(negType, sequencedNegType int) PacketFormatKind {
	if negType >= sequencedNegType {
		return PacketFormatSequenced
	}
	return PacketFormatLegacy
}

// PacketFormat is the capability a link consults before sending on an epoch.
// Only the two formats in this package implement it.
type PacketFormat interface {
	Kind() PacketFormatKind
	// CanSend reports whether new messages may be sent on key.
	CanSend(key *SessionKey) bool
	// TimeNextUrgent returns when the format next needs to send, or NoDeadline.
	TimeNextUrgent(canSend bool, now time.Time) time.Time
	// OnDisconnect hands back every message the format still holds. The caller
	// notifies them; a format is discarded after this call.
	OnDisconnect() []*MessageItem

	sealed()
}

// NewPacketFormat creates the format of the given kind. ctx seeds the message
// IDs of the sequenced format.
func NewPacketFormat(kind PacketFormatKind, ctx KeyContext, config *LinkConfig) PacketFormat {
	if config == nil {
		config = NewLinkConfig()
	}
	if kind == PacketFormatSequenced {
		return newSequencedFormat(ctx, config.SequencedWindow(), config.AckTimeout())
	}
	return &legacyFormat{}
}

type legacyFormat struct{}

func (f *legacyFormat) Kind() PacketFormatKind { return PacketFormatLegacy }

func (f *legacyFormat) CanSend(key *SessionKey) bool {
	return key != nil && !key.Packets().IsDeprecated()
}

func (f *legacyFormat) TimeNextUrgent(canSend bool, now time.Time) time.Time {
	return NoDeadline
}

func (f *legacyFormat) OnDisconnect() []*MessageItem { return nil }

func (f *legacyFormat) sealed() {}

type inFlightMessage struct {
	item   *MessageItem
	sentAt time.Time
}

// SequencedFormat is the sequenced packet format. Exported methods beyond
// PacketFormat let the send path feed it.
type SequencedFormat struct {
	mu         sync.Mutex
	window     int
	ackTimeout time.Duration
	nextMsgID  int32
	theirMsgID int32
	inFlight   map[int32]inFlightMessage
	closed     bool
}

func newSequencedFormat(ctx KeyContext, window int, ackTimeout time.Duration) *SequencedFormat {
	return &SequencedFormat{
		window:     window,
		ackTimeout: ackTimeout,
		nextMsgID:  ctx.OurInitialMsgID,
		theirMsgID: ctx.TheirInitialMsgID,
		inFlight:   make(map[int32]inFlightMessage),
	}
}

func (f *SequencedFormat) Kind() PacketFormatKind { return PacketFormatSequenced }

func (f *SequencedFormat) CanSend(key *SessionKey) bool {
	if key == nil || key.Packets().IsDeprecated() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && len(f.inFlight) < f.window
}

func (f *SequencedFormat) TimeNextUrgent(canSend bool, now time.Time) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := NoDeadline
	for _, m := range f.inFlight {
		if due := m.sentAt.Add(f.ackTimeout); due.Before(next) {
			next = due
		}
	}
	return next
}

func (f *SequencedFormat) OnDisconnect() []*MessageItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if len(f.inFlight) == 0 {
		return nil
	}
	ids := make([]int32, 0, len(f.inFlight))
	for id := range f.inFlight {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	items := make([]*MessageItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, f.inFlight[id].item)
	}
	f.inFlight = make(map[int32]inFlightMessage)
	return items
}

func (f *SequencedFormat) sealed() {}

// Track assigns the next message ID to item and holds it until acknowledged.
// It fails with SendErrorWouldBlock when the window is full.
func (f *SequencedFormat) Track(item *MessageItem, now time.Time) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, NewSendError(SendErrorNotConnected)
	}
	if len(f.inFlight) >= f.window {
		return 0, NewSendError(SendErrorWouldBlock)
	}
	id := f.nextMsgID
	f.nextMsgID++
	f.inFlight[id] = inFlightMessage{item: item, sentAt: now}
	return id, nil
}

// Acknowledge releases message id and tells its callbacks it was sent. It
// reports whether id was in flight. A message is either acknowledged or handed
// back by OnDisconnect, never both.
func (f *SequencedFormat) Acknowledge(id int32) bool {
	f.mu.Lock()
	m, ok := f.inFlight[id]
	if ok {
		delete(f.inFlight, id)
	}
	f.mu.Unlock()

	if !ok {
		return false
	}
	m.item.OnSent()
	return true
}

// InFlight returns the number of unacknowledged messages.
func (f *SequencedFormat) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inFlight)
}
