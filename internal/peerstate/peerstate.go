// Package peerstate tracks the per-peer fields the anti-entropy FSM
// (spec section 4.G) reads and writes: handshake status, inventory
// throttling, and the ignore/disable controls driven by
// smsgIgnore/smsgMatch/smsgDisabled.
//
// Grounded on the same mutex-guarded-map shape as
// Operative-001-lethe/internal/seen/cache.go's Cache, generalized from
// a single boolean "seen" flag per key to the several mutable fields
// spec section 3's PeerState record names.
package peerstate

import (
	"math/rand"
	"sync"
	"time"
)

// State is one peer's session state, protected by the owning Table's
// mutex rather than its own — spec section 5 holds cs_smsg across an
// entire smsg* message handling, so per-field locking would add
// nothing.
type State struct {
	PeerID      uint32
	Enabled     bool
	LastSeen    int64
	LastMatched int64
	IgnoreUntil int64
	WakeCounter int64 // next SMSG_SEND_DELAY tick at which lastMatched resets to 0
}

// Table is the set of known peers, keyed by peerID.
type Table struct {
	mu    sync.Mutex
	peers map[uint32]*State
	rng   *rand.Rand
}

// New creates an empty peer table.
func New() *Table {
	return &Table{
		peers: make(map[uint32]*State),
		rng:   rand.New(rand.NewSource(1)), //nolint:gosec
	}
}

// Ensure returns the State for peerID, creating it (disabled, never
// matched) if this is the first time the peer is seen.
func (t *Table) Ensure(peerID uint32) *State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.peers[peerID]
	if !ok {
		s = &State{PeerID: peerID}
		t.peers[peerID] = s
	}
	return s
}

// Get returns the State for peerID, or nil if unknown.
func (t *Table) Get(peerID uint32) *State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[peerID]
}

// Remove drops a peer's state, e.g. on disconnect.
func (t *Table) Remove(peerID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}

// All returns a snapshot of every known peerID.
func (t *Table) All() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint32, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

// SetEnabled marks a peer enabled, per the smsgPong handler in spec
// section 4.G's handshake.
func (t *Table) SetEnabled(peerID uint32, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.peers[peerID]; ok {
		s.Enabled = enabled
	}
}

// SetMatched applies an smsgMatch(t): lastMatched = min(t, now), per
// spec section 4.G's control-message handling.
func (t *Table) SetMatched(peerID uint32, matchedAt, now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.peers[peerID]
	if !ok {
		return
	}
	if matchedAt > now {
		matchedAt = now
	}
	s.LastMatched = matchedAt
}

// SetIgnoreUntil applies an smsgIgnore(t): ignoreUntil = t.
func (t *Table) SetIgnoreUntil(peerID uint32, until int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.peers[peerID]; ok {
		s.IgnoreUntil = until
	}
}

// ReadyToSend reports whether peerID is enabled and past any ignore
// window, the gate spec section 4.G's inventory push checks on every
// SMSG_SEND_DELAY tick.
func (t *Table) ReadyToSend(peerID uint32, now int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.peers[peerID]
	if !ok {
		return false
	}
	return s.Enabled && now >= s.IgnoreUntil
}

// MaybeResetMatched implements the wakeCounter re-announce behavior:
// lastMatched resets to 0 at random intervals of [3,120] x sendDelay,
// per spec section 4.G's inventory-push paragraph.
func (t *Table) MaybeResetMatched(peerID uint32, tick int64, sendDelay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.peers[peerID]
	if !ok {
		return
	}
	if s.WakeCounter == 0 {
		s.WakeCounter = tick + 3 + int64(t.rng.Intn(118))
	}
	if tick >= s.WakeCounter {
		s.LastMatched = 0
		s.WakeCounter = tick + 3 + int64(t.rng.Intn(118))
	}
}
