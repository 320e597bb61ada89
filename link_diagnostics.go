package go_peerlink

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// RekeyTransition records a rekey state change for diagnostic purposes.
type RekeyTransition struct {
	From      RekeyState
	To        RekeyState
	Timestamp time.Time
	Reason    string
}

// SlotChange records one application of a slot transition.
type SlotChange struct {
	Transition string
	Current    string
	Previous   string
	Unverified string
	Evicted    int
	Timestamp  time.Time
}

// LinkStateTracker keeps a bounded history of a link's rekey states and slot
// changes for debugging. It is disabled by default.
type LinkStateTracker struct {
	mu           sync.RWMutex
	state        RekeyState
	stateSince   time.Time
	stateHistory []RekeyTransition
	slotHistory  []SlotChange
	maxHistory   int
	enabled      bool
}

// NewLinkStateTracker creates a tracker keeping at most maxHistory entries of each kind.
func NewLinkStateTracker(maxHistory int) *LinkStateTracker {
	if maxHistory <= 0 {
		maxHistory = 64
	}
	return &LinkStateTracker{
		state:      RekeyStateStable,
		maxHistory: maxHistory,
	}
}

// Enable enables state tracking.
func (lst *LinkStateTracker) Enable() {
	lst.mu.Lock()
	defer lst.mu.Unlock()
	lst.enabled = true
}

// Disable disables state tracking.
func (lst *LinkStateTracker) Disable() {
	lst.mu.Lock()
	defer lst.mu.Unlock()
	lst.enabled = false
}

// IsEnabled returns whether state tracking is enabled.
func (lst *LinkStateTracker) IsEnabled() bool {
	lst.mu.RLock()
	defer lst.mu.RUnlock()
	return lst.enabled
}

// SetState records a rekey state change. Repeating the current state is ignored.
func (lst *LinkStateTracker) SetState(newState RekeyState, reason string, now time.Time) {
	lst.mu.Lock()
	defer lst.mu.Unlock()

	if !lst.enabled || newState == lst.state {
		return
	}

	lst.stateHistory = append(lst.stateHistory, RekeyTransition{
		From:      lst.state,
		To:        newState,
		Timestamp: now,
		Reason:    reason,
	})
	if len(lst.stateHistory) > lst.maxHistory {
		lst.stateHistory = lst.stateHistory[len(lst.stateHistory)-lst.maxHistory:]
	}
	Debug("Link rekey state: %s -> %s (%s)", lst.state, newState, reason)
	lst.state = newState
	lst.stateSince = now
}

// RecordSlotChange records the slots after a transition.
func (lst *LinkStateTracker) RecordSlotChange(change SlotChange) {
	lst.mu.Lock()
	defer lst.mu.Unlock()

	if !lst.enabled {
		return
	}
	lst.slotHistory = append(lst.slotHistory, change)
	if len(lst.slotHistory) > lst.maxHistory {
		lst.slotHistory = lst.slotHistory[len(lst.slotHistory)-lst.maxHistory:]
	}
}

// CurrentState returns the last recorded rekey state and when it was entered.
func (lst *LinkStateTracker) CurrentState() (RekeyState, time.Time) {
	lst.mu.RLock()
	defer lst.mu.RUnlock()
	return lst.state, lst.stateSince
}

// History returns a copy of the recorded rekey transitions, oldest first.
func (lst *LinkStateTracker) History() []RekeyTransition {
	lst.mu.RLock()
	defer lst.mu.RUnlock()
	out := make([]RekeyTransition, len(lst.stateHistory))
	copy(out, lst.stateHistory)
	return out
}

// SlotHistory returns a copy of the recorded slot changes, oldest first.
func (lst *LinkStateTracker) SlotHistory() []SlotChange {
	lst.mu.RLock()
	defer lst.mu.RUnlock()
	out := make([]SlotChange, len(lst.slotHistory))
	copy(out, lst.slotHistory)
	return out
}

// DiagnosticReport generates a human-readable report of the recorded history.
func (lst *LinkStateTracker) DiagnosticReport() string {
	lst.mu.RLock()
	defer lst.mu.RUnlock()

	if !lst.enabled {
		return "Link state tracking is disabled"
	}

	var b strings.Builder
	b.WriteString("=== Link State Diagnostic Report ===\n")
	fmt.Fprintf(&b, "Rekey state: %s", lst.state)
	if !lst.stateSince.IsZero() {
		fmt.Fprintf(&b, " since %s", lst.stateSince.Format(time.RFC3339))
	}
	b.WriteString("\n")

	if len(lst.stateHistory) > 0 {
		b.WriteString("  Rekey History:\n")
		for _, t := range lst.stateHistory {
			fmt.Fprintf(&b, "    %s -> %s (%s) at %s\n", t.From, t.To, t.Reason, t.Timestamp.Format(time.RFC3339Nano))
		}
	}
	if len(lst.slotHistory) > 0 {
		b.WriteString("  Slot History:\n")
		for _, c := range lst.slotHistory {
			fmt.Fprintf(&b, "    %s: current=%s previous=%s unverified=%s evicted=%d at %s\n",
				c.Transition, c.Current, c.Previous, c.Unverified, c.Evicted, c.Timestamp.Format(time.RFC3339Nano))
		}
	}
	return b.String()
}
