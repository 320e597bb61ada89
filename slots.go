package go_peerlink

import "fmt"

// EpochHandle refers to a SessionKey held in a link's arena. The zero value
// means "no epoch". A handle whose epoch has been released resolves to nil.
type EpochHandle struct {
	index      uint32
	generation uint32
}

// IsZero reports whether the handle refers to nothing.
func (h EpochHandle) IsZero() bool {
	return h.generation == 0
}

func (h EpochHandle) String() string {
	if h.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%d@%d", h.index, h.generation)
}

type arenaEntry struct {
	key        *SessionKey
	generation uint32
}

// keyArena stores the epochs of one link. Slots reference epochs by handle so
// eviction is a single write and stale handles cannot reach a recycled entry.
// Not safe for concurrent use; guarded by the link lock.
type keyArena struct {
	entries []arenaEntry
	free    []uint32
}

func (a *keyArena) insert(key *SessionKey) EpochHandle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.entries = append(a.entries, arenaEntry{})
		idx = uint32(len(a.entries) - 1)
	}
	entry := &a.entries[idx]
	entry.generation++
	if entry.generation == 0 {
		entry.generation = 1
	}
	entry.key = key
	h := EpochHandle{index: idx, generation: entry.generation}
	key.handle = h
	return h
}

func (a *keyArena) get(h EpochHandle) *SessionKey {
	if h.IsZero() || int(h.index) >= len(a.entries) {
		return nil
	}
	entry := a.entries[h.index]
	if entry.generation != h.generation {
		return nil
	}
	return entry.key
}

// release frees the entry behind h and returns its epoch, or nil if h is stale.
func (a *keyArena) release(h EpochHandle) *SessionKey {
	key := a.get(h)
	if key == nil {
		return nil
	}
	a.entries[h.index].key = nil
	a.entries[h.index].generation++
	a.free = append(a.free, h.index)
	return key
}

func (a *keyArena) live() int {
	return len(a.entries) - len(a.free)
}

// SlotRole names one of the three tracker slots of a link.
type SlotRole uint8

const (
	SlotCurrent SlotRole = iota
	SlotPrevious
	SlotUnverified
)

func (r SlotRole) String() string {
	switch r {
	case SlotCurrent:
		return "current"
	case SlotPrevious:
		return "previous"
	case SlotUnverified:
		return "unverified"
	default:
		return fmt.Sprintf("slot(%d)", r)
	}
}

// trackerSlots is the (current, previous, unverified) triple of a link.
type trackerSlots struct {
	current    EpochHandle
	previous   EpochHandle
	unverified EpochHandle
}

func (s trackerSlots) get(role SlotRole) EpochHandle {
	switch role {
	case SlotCurrent:
		return s.current
	case SlotPrevious:
		return s.previous
	default:
		return s.unverified
	}
}

func (s trackerSlots) handles() [3]EpochHandle {
	return [3]EpochHandle{s.current, s.previous, s.unverified}
}

func (s trackerSlots) contains(h EpochHandle) bool {
	return !h.IsZero() && (s.current == h || s.previous == h || s.unverified == h)
}

// slotTransition enumerates every legal change to a link's slots.
type slotTransition uint8

const (
	// installUnverified offers a new epoch; a displaced unverified epoch moves to
	// previous only if previous is empty.
	installUnverified slotTransition = iota
	// installCurrent rotates current into previous and installs a new current.
	installCurrent
	// promoteUnverified moves unverified into current after a verified packet.
	promoteUnverified
	// wipeEstablished clears current and previous.
	wipeEstablished
	dropCurrent
	dropPrevious
	swapCurrentPrevious
	clearAll
)

func (t slotTransition) String() string {
	switch t {
	case installUnverified:
		return "install_unverified"
	case installCurrent:
		return "install_current"
	case promoteUnverified:
		return "promote_unverified"
	case wipeEstablished:
		return "wipe_established"
	case dropCurrent:
		return "drop_current"
	case dropPrevious:
		return "drop_previous"
	case swapCurrentPrevious:
		return "swap_current_previous"
	case clearAll:
		return "clear_all"
	default:
		return fmt.Sprintf("transition(%d)", t)
	}
}

// rotate applies transition t to s and returns the new triple together with the
// handles that no longer appear in it. incoming is the new epoch for the install
// transitions and ignored otherwise. rotate is the only place slots change.
func rotate(s trackerSlots, t slotTransition, incoming EpochHandle) (trackerSlots, []EpochHandle) {
	next := s
	switch t {
	case installUnverified:
		if !s.unverified.IsZero() && s.previous.IsZero() {
			next.previous = s.unverified
		}
		next.unverified = incoming
	case installCurrent:
		next.previous = s.current
		next.current = incoming
	case promoteUnverified:
		if s.unverified.IsZero() {
			return s, nil
		}
		next.previous = s.current
		next.current = s.unverified
		next.unverified = EpochHandle{}
	case wipeEstablished:
		next.current = EpochHandle{}
		next.previous = EpochHandle{}
	case dropCurrent:
		next.current = EpochHandle{}
	case dropPrevious:
		next.previous = EpochHandle{}
	case swapCurrentPrevious:
		next.current, next.previous = s.previous, s.current
	case clearAll:
		next = trackerSlots{}
	}

	var evicted []EpochHandle
	for _, h := range s.handles() {
		if h.IsZero() || next.contains(h) {
			continue
		}
		dup := false
		for _, e := range evicted {
			if e == h {
				dup = true
				break
			}
		}
		if !dup {
			evicted = append(evicted, h)
		}
	}
	return next, evicted
}
