package go_peerlink

import (
	"math/rand/v2"
	"net"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// HandshakeResult is what a completed key-exchange negotiation hands to the link.
type HandshakeResult struct {
	// BootID is the boot identifier the peer asserted.
	BootID int64
	Keys   KeyMaterial
	// ReplyTo is the address the negotiation completed on.
	ReplyTo net.Addr
	// Unverified installs the epoch as unverified until a packet decrypts under it.
	Unverified bool
	// NegType is the negotiated protocol level; it selects the packet format.
	NegType int
	// TrackerID is the tracker the peer wants to keep, or LINK_NO_TRACKER_ID.
	TrackerID int64
	// IsFinalMessage is set when the result comes from the authoritative last
	// message of the exchange; SameAsOld is only meaningful then.
	IsFinalMessage bool
	SameAsOld      bool
	Context        KeyContext
	Now            time.Time
	// Newer and Older are the negotiation's freshness verdict for the new epoch.
	Newer bool
	Older bool
}

// CompleteHandshake installs the epoch produced by a completed negotiation and
// returns the ID of the tracker it sends on.
//
// A handshake that replays installed key material, or asks to keep a tracker
// the link no longer has, is rejected with a *HandshakeError and leaves the
// link untouched. A changed peer boot ID discards the established epochs and
// fails every queued message.
func (link *PeerLink) CompleteHandshake(r HandshakeResult) (int64, error) {
	if err := link.ensureInitialized(); err != nil {
		return LINK_NO_TRACKER_ID, err
	}
	now := r.Now
	if now.IsZero() {
		now = time.Now()
	}

	// Built before taking the lock so a bad key cannot leave partial state.
	newKey, err := buildSessionKey(r.Keys, r.Context, r.ReplyTo, now)
	if err != nil {
		return LINK_NO_TRACKER_ID, err
	}
	kind := PacketFormatForNegType(r.NegType, link.config.SequencedNegType())

	var (
		changes       []SlotChange
		evicted       []*SessionKey
		demoted       *SessionKey
		tellQueued    bool
		oldFormat     PacketFormat
		rekeyDuration time.Duration
	)

	link.mu.Lock()
	for _, role := range []SlotRole{SlotCurrent, SlotPrevious, SlotUnverified} {
		k := link.arena.get(link.slots.get(role))
		if k != nil && k.keys.sameKeys(r.Keys) {
			link.mu.Unlock()
			return link.rejectHandshake("replayed_handshake", HANDSHAKE_REJECTED_REPLAY, r, role.String(), ErrReplayedHandshake)
		}
	}

	cur := link.arena.get(link.slots.current)
	prev := link.arena.get(link.slots.previous)

	bootIDChanged := link.haveBootID && link.bootID != r.BootID
	ownBootChanged := link.lastSuccessfulBootID != link.outgoingBootID

	// Resolve the tracker before anything is modified.
	var packets *PacketTracker
	notReusingTracker := false
	dropUsed := false
	firstPacketNumber := int64(0)
	if kind == PacketFormatLegacy {
		firstPacketNumber = rand.Int64N(LINK_RANDOM_FIRST_PACKET_LIMIT)
	}
	switch {
	case cur != nil && cur.TrackerID() == r.TrackerID && !cur.packets.IsDeprecated():
		packets = cur.packets
		link.warnNotSameAsOld(r, SlotCurrent)
	case prev != nil && prev.TrackerID() == r.TrackerID && !prev.packets.IsDeprecated():
		packets = prev.packets
		link.warnNotSameAsOld(r, SlotPrevious)
	case r.IsFinalMessage && r.SameAsOld:
		link.mu.Unlock()
		return link.rejectHandshake("stale_tracker_id", HANDSHAKE_REJECTED_STALE, r, "", ErrStaleTrackerID)
	case r.TrackerID == LINK_NO_TRACKER_ID:
		packets = NewPacketTracker(link.freshTrackerIDLocked(), firstPacketNumber, link.config)
		if kind == PacketFormatSequenced {
			dropUsed = link.packetFormat == nil || link.packetFormat.Kind() != kind
		} else {
			notReusingTracker = true
		}
	default:
		notReusingTracker = true
		id := link.freshTrackerIDLocked()
		if r.IsFinalMessage && r.TrackerID >= 0 {
			id = r.TrackerID
		}
		packets = NewPacketTracker(id, firstPacketNumber, link.config)
	}
	newKey.packets = packets

	// Accepted: from here on the handshake mutates the link.
	wasARekey := link.connected
	if bootIDChanged || ownBootChanged {
		if wasARekey {
			log.WithFields(linkFields(link, logrus.Fields{
				"old_boot_id": link.bootID,
				"boot_id":     r.BootID,
			})).Info("Boot ID changed while connected")
		}
		bootIDChanged = true
		wasARekey = false
	}
	if !wasARekey {
		link.connectedSince = now
	}
	link.connected = true
	link.lastSuccessfulBootID = link.outgoingBootID
	link.bootID = r.BootID
	link.haveBootID = true

	if dropUsed {
		oldFormat = link.packetFormat
		link.packetFormat = nil
		if prev != nil && prev.packets.WasUsed() {
			log.WithFields(linkFields(link, logrus.Fields{"slot": "previous", "tracker": prev.TrackerID()})).
				Error("Packet format changed, previous tracker had packets in progress")
			evicted = append(evicted, link.applyLocked(dropPrevious, EpochHandle{}, now, &changes)...)
		}
		if cur != nil && cur.packets.WasUsed() {
			log.WithFields(linkFields(link, logrus.Fields{"slot": "current", "tracker": cur.TrackerID()})).
				Error("Packet format changed, current tracker had packets in progress")
			evicted = append(evicted, link.applyLocked(dropCurrent, EpochHandle{}, now, &changes)...)
		}
	}
	if bootIDChanged || notReusingTracker {
		if !bootIDChanged && (cur != nil || prev != nil) {
			log.WithFields(linkFields(link, logrus.Fields{"tracker": packets.TrackerID()})).
				Error("Not reusing tracker, wiping old trackers")
		}
		evicted = append(evicted, link.applyLocked(wipeEstablished, EpochHandle{}, now, &changes)...)
	}
	if bootIDChanged {
		tellQueued = true
		if link.packetFormat != nil {
			oldFormat = link.packetFormat
			link.packetFormat = nil
		}
	}

	h := link.arena.insert(newKey)
	if r.Unverified {
		evicted = append(evicted, link.applyLocked(installUnverified, h, now, &changes)...)
		if c := link.arena.get(link.slots.current); c == nil || c.packets.IsDeprecated() {
			link.connected = false
		}
	} else {
		evicted = append(evicted, link.applyLocked(installCurrent, h, now, &changes)...)
		link.neverConnected = false
		if r.Older && link.config.SwapOnFreshness() && !link.slots.previous.IsZero() {
			evicted = append(evicted, link.applyLocked(swapCurrentPrevious, EpochHandle{}, now, &changes)...)
		}
		demoted = link.arena.get(link.slots.previous)
	}

	if link.rekeying {
		rekeyDuration = now.Sub(link.rekeyStartedAt)
	}
	link.rekeying = false
	link.rekeyState = RekeyStateStable
	if r.Unverified {
		link.lastRekeyedAt = now
	} else {
		link.lastRekeyedAt = now.Add(-link.config.MaxRekeyDelay() / 2)
	}
	link.bytesSinceRekey = 0

	link.checkDuplicateKeysLocked()
	if link.packetFormat == nil {
		link.packetFormat = NewPacketFormat(kind, r.Context, link.config)
	}
	link.lastSentAt = now
	link.lastReceivedAt = now
	link.lastReceivedDataAt = now
	if link.connected {
		link.lastConnectedAt = now
	}

	connected := link.connected
	rekeying := link.rekeying
	live := link.arena.live()
	slots := link.slotsLocked()
	link.mu.Unlock()

	// Side effects, outside the link lock.
	if tellQueued {
		for _, item := range link.queue.DrainAll() {
			item.OnDisconnect()
		}
	}
	if bootIDChanged {
		if cb := link.callbacks.OnRestart; cb != nil {
			link.dispatch("restart", func() { cb(link, r.BootID) })
		}
		link.notifyStatus(LINK_STATUS_RESTARTED)
	}

	resend := link.retireEpochs(evicted, newKey)
	if demoted != nil && demoted.packets != newKey.packets {
		demoted.packets.Deprecated()
	}
	if oldFormat != nil {
		for _, item := range oldFormat.OnDisconnect() {
			item.OnDisconnect()
		}
	}
	if bootIDChanged {
		// Messages do not survive a restart of either side.
		for _, item := range resend {
			for _, cb := range item.Callbacks {
				if cb != nil {
					cb.Disconnected()
				}
			}
		}
	} else {
		link.RequeueResendItems(resend)
	}

	link.recordSlotChanges(changes)
	link.stateTracker.SetState(RekeyStateStable, "handshake completed", now)
	if link.metrics != nil {
		link.metrics.IncrementHandshake(lo.Ternary(wasARekey, HANDSHAKE_REKEYED, HANDSHAKE_COMPLETED))
		if rekeyDuration > 0 {
			link.metrics.RecordRekeyDuration(rekeyDuration)
		}
	}
	link.reportState(connected, rekeying, live)

	log.WithFields(linkFields(link, logrus.Fields{
		"current":         slots.Current.String(),
		"previous":        slots.Previous.String(),
		"unverified":      slots.Unverified.String(),
		"boot_id":         r.BootID,
		"boot_id_changed": bootIDChanged,
		"reply_to":        r.ReplyTo,
	})).Info("Completed handshake")

	if r.Newer || r.Older || !connected {
		link.notifyDisconnected()
	} else if !wasARekey {
		link.notifyConnected()
	}
	if cb := link.callbacks.OnBootConnection; cb != nil {
		link.dispatch("boot_connection", func() { cb(link, r.ReplyTo) })
	}
	return packets.TrackerID(), nil
}

func (link *PeerLink) rejectHandshake(reason, metric string, r HandshakeResult, slot string, sentinel error) (int64, error) {
	log.WithFields(linkFields(link, logrus.Fields{
		"reason":  reason,
		"slot":    slot,
		"tracker": r.TrackerID,
	})).Error("Rejected handshake")
	if link.metrics != nil {
		link.metrics.IncrementHandshake(metric)
	}
	return LINK_NO_TRACKER_ID, newHandshakeError(reason, r.TrackerID, slot, sentinel)
}

func (link *PeerLink) warnNotSameAsOld(r HandshakeResult, role SlotRole) {
	if r.IsFinalMessage && !r.SameAsOld {
		log.WithFields(linkFields(link, logrus.Fields{"tracker": r.TrackerID, "slot": role.String()})).
			Error("Final handshake message names an existing tracker but says it is new")
	} else {
		Debug("Re-using tracker %d from %s on %s", r.TrackerID, role, link.name)
	}
}

// freshTrackerIDLocked picks a random non-negative tracker ID not used by any
// live epoch. Caller must hold link.mu.
func (link *PeerLink) freshTrackerIDLocked() int64 {
	inUse := lo.Map(link.slotsLocked().Keys(), func(k *SessionKey, _ int) int64 { return k.TrackerID() })
	for {
		id := rand.Int64()
		if !lo.Contains(inUse, id) {
			return id
		}
	}
}

// checkDuplicateKeysLocked logs installed epochs that share key material.
// Caller must hold link.mu.
func (link *PeerLink) checkDuplicateKeysLocked() {
	s := link.slotsLocked()
	if s.Current != nil && s.Previous != nil && s.Current.keys.sameKeys(s.Previous.keys) {
		Error("Current key equals previous key on %s: %s %s", link.name, s.Current, s.Previous)
	}
	if s.Previous != nil && s.Unverified != nil && s.Previous.keys.sameKeys(s.Unverified.keys) {
		Error("Previous key equals unverified key on %s: %s %s", link.name, s.Previous, s.Unverified)
	}
}

// retireEpochs tells epochs evicted from every slot that the link dropped them.
// An epoch whose tracker by does not carry on is completely deprecated; its
// outstanding packets are returned for requeueing.
func (link *PeerLink) retireEpochs(evicted []*SessionKey, by *SessionKey) []*ResendItem {
	var items []*ResendItem
	for _, k := range lo.Uniq(evicted) {
		if by != nil && k.packets == by.packets {
			k.release()
			continue
		}
		items = append(items, k.packets.CompletelyDeprecated(by)...)
		k.Disconnected(true)
	}
	return items
}

// OnPacketVerified promotes key from unverified to current after a packet
// decrypted and authenticated under it. It reports whether a promotion took
// place; a key that is not the unverified epoch, or whose tracker is
// deprecated, is ignored.
func (link *PeerLink) OnPacketVerified(key *SessionKey) bool {
	if key == nil {
		return false
	}
	now := time.Now()
	var changes []SlotChange

	link.mu.Lock()
	if link.slots.unverified.IsZero() || link.slots.unverified != key.handle ||
		link.arena.get(key.handle) != key || key.packets.IsDeprecated() {
		link.mu.Unlock()
		return false
	}
	wasConnected := link.connected
	evicted := link.applyLocked(promoteUnverified, EpochHandle{}, now, &changes)
	link.connected = true
	link.neverConnected = false
	if !wasConnected {
		link.connectedSince = now
	}
	link.lastConnectedAt = now
	demoted := link.arena.get(link.slots.previous)
	rekeying := link.rekeying
	live := link.arena.live()
	link.mu.Unlock()

	log.WithFields(linkFields(link, logrus.Fields{"key": key.String()})).Debug("Promoted unverified key")
	if demoted != nil && demoted.packets != key.packets {
		demoted.packets.Deprecated()
	}

	link.recordSlotChanges(changes)
	if link.metrics != nil {
		link.metrics.IncrementPromotion()
	}
	link.reportState(true, rekeying, live)
	link.notifyConnected()

	link.RequeueResendItems(link.retireEpochs(evicted, key))
	return true
}
