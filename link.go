package go_peerlink

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// NewPeerLink creates the connection state for one peer. config is validated;
// a nil config selects the defaults.
func NewPeerLink(name string, config *LinkConfig, callbacks LinkCallbacks, collab LinkCollaborators) (*PeerLink, error) {
	if config == nil {
		config = NewLinkConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if collab.Sender == nil || collab.Handshaker == nil {
		return nil, fmt.Errorf("sender and handshaker are required: %w", ErrInvalidArgument)
	}
	queue := collab.Queue
	if queue == nil {
		queue = NewPriorityMessageQueue()
	}

	link := &PeerLink{
		name:           name,
		config:         config,
		callbacks:      &callbacks,
		sender:         collab.Sender,
		handshaker:     collab.Handshaker,
		queue:          queue,
		metrics:        collab.Metrics,
		history:        NewPacketHistory(),
		stateTracker:   NewLinkStateTracker(0),
		neverConnected: true,
		rekeyState:     RekeyStateStable,
		outgoingBootID: rand.Int64(),
		syncCallbacks:  true,
	}
	link.lastSuccessfulBootID = link.outgoingBootID
	Debug("Created peer link %s", name)
	return link, nil
}

// ensureInitialized checks that the link was created via NewPeerLink.
func (link *PeerLink) ensureInitialized() error {
	if link == nil || link.config == nil || link.sender == nil {
		return ErrLinkNotInitialized
	}
	return nil
}

// SetSyncCallbacks selects synchronous (true) or goroutine-per-event (false) callback delivery.
func (link *PeerLink) SetSyncCallbacks(sync bool) {
	link.mu.Lock()
	defer link.mu.Unlock()
	link.syncCallbacks = sync
}

func (link *PeerLink) Name() string                    { return link.name }
func (link *PeerLink) Config() *LinkConfig             { return link.config }
func (link *PeerLink) Queue() MessageQueue             { return link.queue }
func (link *PeerLink) History() *PacketHistory         { return link.history }
func (link *PeerLink) StateTracker() *LinkStateTracker { return link.stateTracker }

// Current returns the epoch new traffic is sent on, or nil.
func (link *PeerLink) Current() *SessionKey {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.arena.get(link.slots.current)
}

// Previous returns the epoch kept to drain in-flight traffic, or nil.
func (link *PeerLink) Previous() *SessionKey {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.arena.get(link.slots.previous)
}

// Unverified returns the offered epoch awaiting its first verified packet, or nil.
func (link *PeerLink) Unverified() *SessionKey {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.arena.get(link.slots.unverified)
}

// LinkSlots is a consistent snapshot of the three slots.
type LinkSlots struct {
	Current    *SessionKey
	Previous   *SessionKey
	Unverified *SessionKey
}

// Keys returns the occupied slots in current, previous, unverified order.
func (s LinkSlots) Keys() []*SessionKey {
	return lo.Filter([]*SessionKey{s.Current, s.Previous, s.Unverified}, func(k *SessionKey, _ int) bool {
		return k != nil
	})
}

// Slots returns a snapshot of all three slots taken under one lock.
func (link *PeerLink) Slots() LinkSlots {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.slotsLocked()
}

func (link *PeerLink) slotsLocked() LinkSlots {
	return LinkSlots{
		Current:    link.arena.get(link.slots.current),
		Previous:   link.arena.get(link.slots.previous),
		Unverified: link.arena.get(link.slots.unverified),
	}
}

// PacketFormat returns the active packet format, or nil before the first handshake.
func (link *PeerLink) PacketFormat() PacketFormat {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.packetFormat
}

// applyLocked is the single point where slots change. It applies t, drops the
// evicted epochs from the arena and returns them for post-lock notification.
// Caller must hold link.mu.
func (link *PeerLink) applyLocked(t slotTransition, incoming EpochHandle, now time.Time, changes *[]SlotChange) []*SessionKey {
	next, evicted := rotate(link.slots, t, incoming)
	link.slots = next

	keys := lo.FilterMap(evicted, func(h EpochHandle, _ int) (*SessionKey, bool) {
		k := link.arena.release(h)
		return k, k != nil
	})

	if changes != nil {
		s := link.slotsLocked()
		*changes = append(*changes, SlotChange{
			Transition: t.String(),
			Current:    s.Current.String(),
			Previous:   s.Previous.String(),
			Unverified: s.Unverified.String(),
			Evicted:    len(keys),
			Timestamp:  now,
		})
	}
	return keys
}

// dispatch runs fn with panic protection, synchronously or on its own goroutine.
// Must not be called with link.mu held.
func (link *PeerLink) dispatch(event string, fn func()) {
	link.mu.Lock()
	sync := link.syncCallbacks
	link.mu.Unlock()

	run := func() {
		defer func() {
			if r := recover(); r != nil {
				Error("Panic in %s callback for link %s: %v", event, link.name, r)
			}
		}()
		fn()
	}
	if sync {
		run()
	} else {
		go run()
	}
}

func (link *PeerLink) notifyConnected() {
	if cb := link.callbacks.OnConnected; cb != nil {
		link.dispatch("connected", func() { cb(link) })
	}
	link.notifyStatus(LINK_STATUS_CONNECTED)
}

func (link *PeerLink) notifyDisconnected() {
	if cb := link.callbacks.OnDisconnected; cb != nil {
		link.dispatch("disconnected", func() { cb(link) })
	}
	link.notifyStatus(LINK_STATUS_DISCONNECTED)
}

func (link *PeerLink) notifyStatus(status LinkStatus) {
	if cb := link.callbacks.OnStatus; cb != nil {
		link.dispatch("status", func() { cb(link, status) })
	}
}

func (link *PeerLink) recordSlotChanges(changes []SlotChange) {
	for _, c := range changes {
		link.stateTracker.RecordSlotChange(c)
	}
}

func (link *PeerLink) reportState(connected, rekeying bool, live int) {
	if link.metrics == nil {
		return
	}
	switch {
	case connected && rekeying:
		link.metrics.SetConnectionState("rekeying")
	case connected:
		link.metrics.SetConnectionState("connected")
	default:
		link.metrics.SetConnectionState("disconnected")
	}
	link.metrics.SetLiveEpochs(live)
}

// IsConnected reports whether the link is connected and its current epoch is
// usable. A true result records now as the last time the link was seen connected.
func (link *PeerLink) IsConnected(now time.Time) bool {
	link.mu.Lock()
	defer link.mu.Unlock()
	cur := link.arena.get(link.slots.current)
	if link.connected && cur != nil && !cur.packets.IsDeprecated() {
		link.lastConnectedAt = now
		return true
	}
	return false
}

// LastConnectedAt returns the last time IsConnected returned true.
func (link *PeerLink) LastConnectedAt() time.Time {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.lastConnectedAt
}

// ConnectedSince returns when the current connection was established.
func (link *PeerLink) ConnectedSince() time.Time {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.connectedSince
}

// NeverConnected reports whether no verified epoch has ever been installed.
func (link *PeerLink) NeverConnected() bool {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.neverConnected
}

// CheckConsistency looks for connectivity that the slots cannot back and
// returns a description of each problem found. A connected link whose current
// epoch is deprecated with no unverified fallback is marked disconnected.
func (link *PeerLink) CheckConsistency() []string {
	var problems []string
	healed := false

	link.mu.Lock()
	if link.connected {
		cur := link.arena.get(link.slots.current)
		unv := link.arena.get(link.slots.unverified)
		switch {
		case cur == nil && unv == nil:
			problems = append(problems, "connected but current and unverified are both empty")
		case cur == nil && unv.packets.IsDeprecated():
			problems = append(problems, fmt.Sprintf("connected but current is empty and unverified %s is deprecated", unv))
		case cur == nil:
			Debug("Link %s connected with empty current, unverified %s pending", link.name, unv)
		case cur.packets.IsDeprecated() && unv == nil:
			problems = append(problems, fmt.Sprintf("connected but current %s is deprecated and unverified is empty", cur))
			link.connected = false
			healed = true
		case cur.packets.IsDeprecated() && unv.packets.IsDeprecated():
			problems = append(problems, fmt.Sprintf("connected but current %s and unverified %s are deprecated", cur, unv))
		}
	}
	live := link.arena.live()
	rekeying := link.rekeying
	link.mu.Unlock()

	for _, p := range problems {
		log.WithFields(linkFields(link, logrus.Fields{"check": "consistency"})).Error(p)
		if link.metrics != nil {
			link.metrics.IncrementError("consistency")
		}
	}
	if healed {
		link.reportState(false, rekeying, live)
		link.notifyStatus(LINK_STATUS_DISCONNECTED)
	}
	return problems
}

// Disconnect marks the link disconnected and reports whether it was connected.
// dumpQueue fails every message held by the packet format and the outbound
// queue; dumpTrackers empties all three slots and tells each evicted epoch it
// was disconnected. Rekey and timing bookkeeping are preserved.
func (link *PeerLink) Disconnect(dumpQueue, dumpTrackers bool) bool {
	now := time.Now()
	var changes []SlotChange
	var oldFormat PacketFormat

	link.mu.Lock()
	wasConnected := link.connected
	link.connected = false
	var evicted []*SessionKey
	if dumpTrackers {
		evicted = link.applyLocked(clearAll, EpochHandle{}, now, &changes)
	}
	link.prevDisconnectAt = link.lastDisconnectAt
	link.lastDisconnectAt = now
	if dumpQueue {
		oldFormat = link.packetFormat
		link.packetFormat = nil
	}
	live := link.arena.live()
	rekeying := link.rekeying
	link.mu.Unlock()

	var tellDisconnected []*MessageItem
	if oldFormat != nil {
		tellDisconnected = append(tellDisconnected, oldFormat.OnDisconnect()...)
	}
	if dumpQueue {
		tellDisconnected = append(tellDisconnected, link.queue.DrainAll()...)
	}
	for _, item := range tellDisconnected {
		item.OnDisconnect()
	}
	for _, k := range evicted {
		k.Disconnected(true)
	}

	link.recordSlotChanges(changes)
	link.reportState(false, rekeying, live)
	log.WithFields(linkFields(link, logrus.Fields{
		"was_connected": wasConnected,
		"dump_queue":    dumpQueue,
		"dump_trackers": dumpTrackers,
		"failed":        len(tellDisconnected),
	})).Debug("Link disconnected")

	if wasConnected {
		link.notifyDisconnected()
	}
	return wasConnected
}

// LastDisconnectAt returns the times of the last two disconnects, latest first.
func (link *PeerLink) LastDisconnectAt() (last, previous time.Time) {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.lastDisconnectAt, link.prevDisconnectAt
}

// ReusableTrackerID returns the ID of the current tracker if a handshake may
// ask to keep it, otherwise LINK_NO_TRACKER_ID.
func (link *PeerLink) ReusableTrackerID() int64 {
	cur := link.Current()
	if cur == nil {
		Debug("ReusableTrackerID: no current epoch on %s", link.name)
		return LINK_NO_TRACKER_ID
	}
	if cur.packets.IsDeprecated() {
		Debug("ReusableTrackerID: current tracker deprecated on %s", link.name)
		return LINK_NO_TRACKER_ID
	}
	return cur.TrackerID()
}

// SetOutgoingBootID changes the boot ID we announce. The next completed
// handshake treats it like a peer restart and starts a new tracker.
func (link *PeerLink) SetOutgoingBootID(bootID int64) {
	link.mu.Lock()
	defer link.mu.Unlock()
	link.outgoingBootID = bootID
}

// OutgoingBootID returns the boot ID we announce to the peer.
func (link *PeerLink) OutgoingBootID() int64 {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.outgoingBootID
}

// BootID returns the peer's last known boot ID.
func (link *PeerLink) BootID() (int64, bool) {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.bootID, link.haveBootID
}

// ReceivedPacket records the arrival of a packet.
func (link *PeerLink) ReceivedPacket(dontLog, dataPacket bool, now time.Time) {
	link.mu.Lock()
	link.lastReceivedAt = now
	if dataPacket {
		link.lastReceivedDataAt = now
	}
	link.mu.Unlock()
	if !dontLog {
		Debug("Received %s packet on %s", lo.Ternary(dataPacket, "data", "control"), link.name)
	}
}

// SentPacket records that a packet left.
func (link *PeerLink) SentPacket(now time.Time) {
	link.mu.Lock()
	defer link.mu.Unlock()
	link.lastSentAt = now
}

func (link *PeerLink) LastSentPacketTime() time.Time {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.lastSentAt
}

func (link *PeerLink) LastReceivedPacketTime() time.Time {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.lastReceivedAt
}

func (link *PeerLink) LastReceivedDataPacketTime() time.Time {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.lastReceivedDataAt
}

// AddBytes counts traffic towards the volume rekey threshold.
func (link *PeerLink) AddBytes(n int) {
	if n <= 0 {
		return
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	link.bytesSinceRekey += uint64(n)
}

// BytesSinceRekey returns the traffic counted since the last completed handshake.
func (link *PeerLink) BytesSinceRekey() uint64 {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.bytesSinceRekey
}

// ReportOutgoingPacket feeds a sent packet into the history and byte counters.
func (link *PeerLink) ReportOutgoingPacket(buf []byte, now time.Time) {
	link.history.RecordSent(buf, now)
	link.AddBytes(len(buf))
	if link.metrics != nil {
		link.metrics.AddBytesSent(uint64(len(buf)))
	}
}

// ReportIncomingPacket feeds a received packet into the history and byte counters.
func (link *PeerLink) ReportIncomingPacket(buf []byte, now time.Time) {
	link.history.RecordReceived(buf, now)
	link.AddBytes(len(buf))
	if link.metrics != nil {
		link.metrics.AddBytesReceived(uint64(len(buf)))
	}
}

// BuildSentPacketsDigest returns the diagnostic digest of recently sent packets.
func (link *PeerLink) BuildSentPacketsDigest(now time.Time) *SentPacketsDigest {
	return link.history.BuildDigest(now, link.config.HistoryHorizon())
}

func (link *PeerLink) String() string {
	s := link.Slots()
	return fmt.Sprintf("PeerLink[%s current=%s previous=%s unverified=%s]", link.name, s.Current, s.Previous, s.Unverified)
}
