package go_peerlink

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
)

// RekeyState is the position of a link in its rekey cycle.
type RekeyState uint8

const (
	RekeyStateStable RekeyState = iota
	// RekeyStateDue means a rekey is due but cannot start yet.
	RekeyStateDue
	RekeyStateRekeying
	// RekeyStateForceDisconnected is terminal for the cycle: the rekey missed
	// its deadline and the link was torn down.
	RekeyStateForceDisconnected
)

func (s RekeyState) String() string {
	switch s {
	case RekeyStateStable:
		return "STABLE"
	case RekeyStateDue:
		return "REKEY_DUE"
	case RekeyStateRekeying:
		return "REKEYING"
	case RekeyStateForceDisconnected:
		return "FORCE_DISCONNECTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// RekeyState returns the state reached by the last MaybeRekey or handshake.
func (link *PeerLink) RekeyState() RekeyState {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.rekeyState
}

// IsRekeying reports whether a rekey handshake has been started and not completed.
func (link *PeerLink) IsRekeying() bool {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.rekeying
}

// LastRekeyedAt returns the reference time of the current rekey cycle.
func (link *PeerLink) LastRekeyedAt() time.Time {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.lastRekeyedAt
}

// MaybeRekey advances the rekey state machine to now.
//
// A rekey is due rekeyInterval after the last completed handshake, or as soon
// as bytesSinceRekey reaches the configured threshold. A rekey still in
// progress maxRekeyDelay after it became due forces a disconnect. No rekey is
// started while one is in progress, while the link is down, or while the
// handshaker has a negotiation running.
func (link *PeerLink) MaybeRekey(now time.Time) RekeyState {
	interval := link.config.RekeyInterval()
	maxDelay := link.config.MaxRekeyDelay()
	threshold := link.config.RekeyBytes()

	link.mu.Lock()
	if link.rekeying && link.rekeyState == RekeyStateForceDisconnected {
		link.mu.Unlock()
		return RekeyStateForceDisconnected
	}
	due := link.lastRekeyedAt.Add(interval)
	forceAt := due.Add(maxDelay)
	shouldDisconnect := link.rekeying && now.After(forceAt)
	shouldReturn := link.rekeying || !link.connected
	shouldRekey := !now.Before(due)
	if !shouldRekey && link.bytesSinceRekey >= threshold {
		shouldRekey = true
		due = now
	}
	bytes := link.bytesSinceRekey
	prev := link.rekeyState
	if shouldDisconnect {
		link.rekeyState = RekeyStateForceDisconnected
	}
	link.mu.Unlock()

	switch {
	case shouldDisconnect:
		if !link.forceDisconnect(now, forceAt) {
			return link.RekeyState()
		}
		return RekeyStateForceDisconnected
	case shouldReturn:
		return prev
	case !shouldRekey:
		return RekeyStateStable
	case link.handshaker.HasLiveHandshake(now):
		link.setRekeyState(RekeyStateDue, "handshake already in progress", now)
		return RekeyStateDue
	}

	link.mu.Lock()
	// Re-check under the lock: a handshake may have completed meanwhile.
	if link.rekeying || !link.connected || (link.lastRekeyedAt.Add(interval).After(now) && link.bytesSinceRekey < threshold) {
		state := link.rekeyState
		link.mu.Unlock()
		return state
	}
	link.rekeying = true
	link.rekeyStartedAt = now
	live := link.arena.live()
	link.mu.Unlock()

	log.WithFields(linkFields(link, logrus.Fields{
		"due":   due,
		"bytes": bytes,
	})).Debug("Starting rekey")
	link.setRekeyState(RekeyStateRekeying, "rekey due", now)
	if link.metrics != nil {
		link.metrics.IncrementRekeyStarted()
	}
	link.reportState(true, true, live)
	link.notifyStatus(LINK_STATUS_REKEYING)

	if err := link.handshaker.StartHandshake(link, now); err != nil {
		// The deadline resolves a handshake that never starts.
		log.WithFields(linkFields(link, logrus.Fields{"error": err})).Error("Failed to start rekey handshake")
		if link.metrics != nil {
			link.metrics.IncrementError("rekey_start")
		}
	}
	return RekeyStateRekeying
}

// forceDisconnect tears the link down after a missed rekey deadline. It does
// nothing and returns false when a handshake completed the rekey after the
// deadline was detected.
func (link *PeerLink) forceDisconnect(now, deadline time.Time) bool {
	link.mu.Lock()
	stillRekeying := link.rekeying
	link.mu.Unlock()
	if !stillRekeying {
		Debug("Rekey on %s completed before the forced disconnect, keeping link", link.name)
		return false
	}

	log.WithFields(linkFields(link, logrus.Fields{
		"deadline": deadline,
		"now":      now,
	})).Error("Rekey deadline exceeded, forcing disconnect")

	link.Disconnect(true, true)

	link.mu.Lock()
	link.outgoingBootID = rand.Int64()
	link.mu.Unlock()

	link.stateTracker.SetState(RekeyStateForceDisconnected, "rekey deadline exceeded", now)
	if link.metrics != nil {
		link.metrics.IncrementForcedDisconnect()
	}
	if cb := link.callbacks.OnForceDisconnect; cb != nil {
		link.dispatch("force_disconnect", func() { cb(link) })
	}
	link.notifyStatus(LINK_STATUS_FORCE_DISCONNECTED)
	return true
}

// setRekeyState stores state and records the transition. Must not be called with link.mu held.
func (link *PeerLink) setRekeyState(state RekeyState, reason string, now time.Time) {
	link.mu.Lock()
	link.rekeyState = state
	link.mu.Unlock()
	link.stateTracker.SetState(state, reason, now)
}

// RekeyScheduler drives the periodic work of a link: rekey checks, the
// consistency sweep and urgent notifications.
type RekeyScheduler struct {
	link     *PeerLink
	interval time.Duration
	clock    func() time.Time
}

// NewRekeyScheduler creates a scheduler ticking at the link's sweep interval.
func NewRekeyScheduler(link *PeerLink) (*RekeyScheduler, error) {
	if err := link.ensureInitialized(); err != nil {
		return nil, err
	}
	return &RekeyScheduler{
		link:     link,
		interval: link.config.SweepInterval(),
		clock:    time.Now,
	}, nil
}

// Sweep performs one scheduler pass at now and returns the rekey state reached.
func (s *RekeyScheduler) Sweep(now time.Time) RekeyState {
	state := s.link.MaybeRekey(now)
	s.link.CheckConsistency()
	if !s.link.NextUrgentTime(now).After(now) {
		s.link.SendUrgentNotifications(false, now)
	}
	return state
}

// Run sweeps until ctx is cancelled and returns ctx.Err().
func (s *RekeyScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	Debug("Rekey scheduler started for %s, interval %v", s.link.name, s.interval)
	for {
		select {
		case <-ctx.Done():
			Debug("Rekey scheduler stopped for %s", s.link.name)
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(s.clock())
		}
	}
}
