package go_peerlink

import (
	"math/rand/v2"
	"testing"
)

func newArenaKey(t *testing.T, a *keyArena) EpochHandle {
	t.Helper()
	return a.insert(&SessionKey{})
}

// TestKeyArena_StaleHandle tests that a released handle never resolves again
func TestKeyArena_StaleHandle(t *testing.T) {
	var a keyArena
	h1 := newArenaKey(t, &a)
	k1 := a.get(h1)
	if k1 == nil {
		t.Fatal("get() returned nil for a live handle")
	}
	if got := a.release(h1); got != k1 {
		t.Fatalf("release() = %p, want %p", got, k1)
	}
	if a.get(h1) != nil {
		t.Error("get() resolved a released handle")
	}
	if a.release(h1) != nil {
		t.Error("release() of a stale handle returned an epoch")
	}

	h2 := newArenaKey(t, &a)
	if h2.index != h1.index {
		t.Fatalf("entry not reused: %v then %v", h1, h2)
	}
	if a.get(h1) != nil {
		t.Error("stale handle resolved to the recycled entry")
	}
	if a.live() != 1 {
		t.Errorf("live() = %d, want 1", a.live())
	}
}

// TestKeyArena_ZeroHandle tests the "no epoch" handle
func TestKeyArena_ZeroHandle(t *testing.T) {
	var a keyArena
	if a.get(EpochHandle{}) != nil {
		t.Error("zero handle resolved")
	}
	if !(EpochHandle{}).IsZero() || (EpochHandle{}).String() != "none" {
		t.Error("zero handle is not reported as none")
	}
	if a.get(EpochHandle{index: 7, generation: 1}) != nil {
		t.Error("out of range handle resolved")
	}
}

// TestRotate_Transitions tests each slot transition on a full triple
func TestRotate_Transitions(t *testing.T) {
	c := EpochHandle{index: 0, generation: 1}
	p := EpochHandle{index: 1, generation: 1}
	u := EpochHandle{index: 2, generation: 1}
	n := EpochHandle{index: 3, generation: 1}
	full := trackerSlots{current: c, previous: p, unverified: u}

	tests := []struct {
		name    string
		from    trackerSlots
		t       slotTransition
		want    trackerSlots
		evicted int
	}{
		{"install current", full, installCurrent, trackerSlots{current: n, previous: c, unverified: u}, 1},
		{"install unverified keeps previous", full, installUnverified, trackerSlots{current: c, previous: p, unverified: n}, 1},
		{"install unverified fills empty previous", trackerSlots{current: c, unverified: u}, installUnverified, trackerSlots{current: c, previous: u, unverified: n}, 0},
		{"promote", full, promoteUnverified, trackerSlots{current: u, previous: c}, 1},
		{"promote without unverified", trackerSlots{current: c}, promoteUnverified, trackerSlots{current: c}, 0},
		{"wipe", full, wipeEstablished, trackerSlots{unverified: u}, 2},
		{"drop current", full, dropCurrent, trackerSlots{previous: p, unverified: u}, 1},
		{"drop previous", full, dropPrevious, trackerSlots{current: c, unverified: u}, 1},
		{"swap", full, swapCurrentPrevious, trackerSlots{current: p, previous: c, unverified: u}, 0},
		{"clear", full, clearAll, trackerSlots{}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, evicted := rotate(tt.from, tt.t, n)
			if got != tt.want {
				t.Errorf("rotate(%s) = %+v, want %+v", tt.t, got, tt.want)
			}
			if len(evicted) != tt.evicted {
				t.Errorf("rotate(%s) evicted %v, want %d handles", tt.t, evicted, tt.evicted)
			}
		})
	}
}

// TestRotate_RandomSequences tests that no epoch ever occupies two slots and
// every handle leaving the triple is reported exactly once.
func TestRotate_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	transitions := []slotTransition{
		installUnverified, installCurrent, promoteUnverified, wipeEstablished,
		dropCurrent, dropPrevious, swapCurrentPrevious, clearAll,
	}

	var a keyArena
	var s trackerSlots
	for step := 0; step < 5000; step++ {
		tr := transitions[rng.IntN(len(transitions))]
		var incoming EpochHandle
		if tr == installUnverified || tr == installCurrent {
			incoming = newArenaKey(t, &a)
		}

		next, evicted := rotate(s, tr, incoming)

		hs := next.handles()
		for i := 0; i < 3; i++ {
			for j := i + 1; j < 3; j++ {
				if !hs[i].IsZero() && hs[i] == hs[j] {
					t.Fatalf("step %d %s: handle %v in two slots: %+v", step, tr, hs[i], next)
				}
			}
		}
		for _, h := range evicted {
			if next.contains(h) {
				t.Fatalf("step %d %s: evicted handle %v still installed", step, tr, h)
			}
			if a.release(h) == nil {
				t.Fatalf("step %d %s: evicted handle %v released twice or never installed", step, tr, h)
			}
		}
		for _, h := range hs {
			if !h.IsZero() && a.get(h) == nil {
				t.Fatalf("step %d %s: installed handle %v was released", step, tr, h)
			}
		}
		// An incoming epoch that did not land anywhere is released by the caller.
		if !incoming.IsZero() && !next.contains(incoming) {
			a.release(incoming)
		}
		s = next
	}

	installed := 0
	for _, h := range s.handles() {
		if !h.IsZero() {
			installed++
		}
	}
	if a.live() != installed {
		t.Errorf("live() = %d, want %d installed epochs", a.live(), installed)
	}
}

// TestSlotNames tests the diagnostic names
func TestSlotNames(t *testing.T) {
	if SlotPrevious.String() != "previous" {
		t.Errorf("SlotPrevious.String() = %q", SlotPrevious)
	}
	if promoteUnverified.String() != "promote_unverified" {
		t.Errorf("promoteUnverified.String() = %q", promoteUnverified)
	}
	if got := slotTransition(99).String(); got != "transition(99)" {
		t.Errorf("unknown transition = %q", got)
	}
}
