package gossip

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DigitSF/smsg/internal/bucket"
	"github.com/DigitSF/smsg/internal/overlay"
	"github.com/DigitSF/smsg/internal/peerstate"
	"github.com/DigitSF/smsg/internal/smsgerr"
	"github.com/DigitSF/smsg/internal/store"
	"github.com/DigitSF/smsg/internal/validator"
	"github.com/DigitSF/smsg/internal/wire"
)

// lockCount is the fixed lock duration (in GC ticks) applied on a
// Have->Want transition, per spec section 4.G.
const lockCount = 3

// Deps are the Handler's dependencies, all owned by the engine.
type Deps struct {
	Store       *store.Store
	Peers       *peerstate.Table
	Overlay     overlay.PeerOverlay
	Log         *zap.Logger
	SendDelay   time.Duration
	Retention   time.Duration
	TimeLeeway  time.Duration
	TimeIgnore  time.Duration
	MaxMsgWorst int
	// TryDecrypt attempts to match and persist an inbound envelope
	// against every owned address (spec section 4.J). It returns
	// nothing actionable to the gossip layer beyond "handled"; the
	// inbox package owns match bookkeeping.
	TryDecrypt func(header wire.Header, payload []byte)
}

// Handler drives the per-peer anti-entropy FSM of spec section 4.G.
// Every exported method holds mu while it reads or changes bucket and
// peer state, modeling cs_smsg. Payload decoding and the misbehavior
// reports for malformed payloads happen before mu is taken, and
// HandleWant releases mu before it sends the smsgMsg frames.
type Handler struct {
	mu sync.Mutex
	d  Deps
}

// New creates a Handler over the given dependencies.
func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Handler{d: d}
}

// HandlePing replies smsgPong and, on first contact, creates peer state.
func (h *Handler) HandlePing(peerID uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.d.Peers.Ensure(peerID)
	return h.d.Overlay.Send(peerID, CmdPong, nil)
}

// HandlePong marks the peer enabled, completing the handshake.
func (h *Handler) HandlePong(peerID uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.d.Peers.Ensure(peerID)
	h.d.Peers.SetEnabled(peerID, true)
}

// HandleDisabled marks the peer's remote side disabled.
func (h *Handler) HandleDisabled(peerID uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.d.Peers.SetEnabled(peerID, false)
}

// HandleIgnore applies an inbound smsgIgnore(t).
func (h *Handler) HandleIgnore(peerID uint32, payload []byte) error {
	t, err := DecodeTime(payload)
	if err != nil {
		h.d.Overlay.Misbehaving(peerID, 1, "malformed smsgIgnore")
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.d.Peers.SetIgnoreUntil(peerID, t)
	return nil
}

// HandleMatch applies an inbound smsgMatch(t).
func (h *Handler) HandleMatch(peerID uint32, payload []byte, now time.Time) error {
	t, err := DecodeTime(payload)
	if err != nil {
		h.d.Overlay.Misbehaving(peerID, 1, "malformed smsgMatch")
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.d.Peers.SetMatched(peerID, t, now.Unix())
	return nil
}

// SendInvTick runs the per-peer inventory push of spec section 4.G's
// "Inventory push" paragraph, called by the engine's send-delay ticker.
func (h *Handler) SendInvTick(peerID uint32, tick int64, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.d.Peers.ReadyToSend(peerID, now.Unix()) {
		return nil
	}
	h.d.Peers.MaybeResetMatched(peerID, tick, h.d.SendDelay)

	peer := h.d.Peers.Get(peerID)
	if peer == nil {
		return nil
	}

	var entries []InvEntry
	for _, start := range h.d.Store.BucketStarts() {
		b := h.d.Store.Bucket(start)
		if b == nil || b.Count() == 0 {
			continue
		}
		if b.TimeChanged < peer.LastMatched {
			continue
		}
		entries = append(entries, InvEntry{BucketStart: start, Count: uint32(b.Count()), Hash: b.Hash})
	}
	if len(entries) == 0 {
		return nil
	}
	return h.d.Overlay.Send(peerID, CmdInv, EncodeInv(entries))
}

// HandleInv runs spec section 4.G's "Inventory receive" paragraph.
func (h *Handler) HandleInv(peerID uint32, payload []byte, now time.Time) error {
	entries, err := DecodeInv(payload)
	if err != nil {
		h.d.Overlay.Misbehaving(peerID, 1, "malformed smsgInv")
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cutoffOld := now.Unix() - int64(h.d.Retention/time.Second) - int64(h.d.TimeLeeway/time.Second)
	cutoffFuture := now.Unix() + int64(h.d.TimeLeeway/time.Second)

	var want []int64
	skippedLocked := false
	for _, e := range entries {
		if e.BucketStart < cutoffOld || e.BucketStart > cutoffFuture {
			h.d.Overlay.Misbehaving(peerID, 1, "smsgInv bucket outside admission window")
			continue
		}
		if e.Count == 0 {
			continue
		}
		local := h.d.Store.Bucket(e.BucketStart)
		localCount, localHash := 0, uint32(0)
		if local != nil {
			localCount, localHash = local.Count(), local.Hash
		}
		if local != nil && local.IsLocked() {
			skippedLocked = true
			continue
		}
		if uint32(localCount) < e.Count || (uint32(localCount) == e.Count && localHash != e.Hash) {
			want = append(want, e.BucketStart)
		}
	}

	if len(want) > 0 {
		return h.d.Overlay.Send(peerID, CmdShow, EncodeShow(want))
	}
	if !skippedLocked {
		return h.d.Overlay.Send(peerID, CmdMatch, EncodeTime(now.Unix()))
	}
	return nil
}

// HandleShow runs spec section 4.G's "Show -> Have" transition.
func (h *Handler) HandleShow(peerID uint32, payload []byte, now time.Time) error {
	starts, err := DecodeShow(payload)
	if err != nil {
		h.d.Overlay.Misbehaving(peerID, 1, "malformed smsgShow")
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, start := range starts {
		b := h.d.Store.Bucket(start)
		if b == nil {
			continue
		}
		if err := h.d.Overlay.Send(peerID, CmdHave, EncodeTokenList(start, b.Tokens())); err != nil {
			return err
		}
	}
	return nil
}

// HandleHave runs spec section 4.G's "Have -> Want" transition.
func (h *Handler) HandleHave(peerID uint32, payload []byte) error {
	bucketStart, remoteTokens, err := DecodeTokenList(payload)
	if err != nil {
		h.d.Overlay.Misbehaving(peerID, 1, "malformed smsgHave")
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.d.Store.Bucket(bucketStart)
	if b != nil && b.IsLocked() {
		return nil // already locked; no-op per spec
	}

	var missing []bucket.Token
	for _, tok := range remoteTokens {
		if b == nil || !b.Has(tok) {
			missing = append(missing, tok)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if b == nil {
		b = h.d.Store.EnsureBucket(bucketStart)
	}
	b.Lock(peerID, lockCount, time.Now())
	return h.d.Overlay.Send(peerID, CmdWant, EncodeTokenList(bucketStart, missing))
}

// HandleWant runs spec section 4.G's "Want -> Msg" transition,
// streaming back the requested tokens in bunches.
func (h *Handler) HandleWant(peerID uint32, payload []byte) error {
	bucketStart, wanted, err := DecodeTokenList(payload)
	if err != nil {
		h.d.Overlay.Misbehaving(peerID, 1, "malformed smsgWant")
		return nil
	}

	h.mu.Lock()
	b := h.d.Store.Bucket(bucketStart)
	if b == nil {
		h.mu.Unlock()
		return nil
	}

	var envelopes [][]byte
	for _, tok := range wanted {
		real, found := b.Find(tok)
		if !found {
			continue
		}
		env, err := h.d.Store.Retrieve(bucketStart, real)
		if err != nil {
			h.d.Log.Warn("retrieve for smsgWant failed", zap.Error(err))
			continue
		}
		envelopes = append(envelopes, env.Encode())
	}
	h.mu.Unlock()

	for _, frame := range EncodeMsgBunches(bucketStart, envelopes) {
		if err := h.d.Overlay.Send(peerID, CmdMsg, frame); err != nil {
			return err
		}
	}
	return nil
}

// HandleMsg runs spec section 4.G's "Msg receive" paragraph.
func (h *Handler) HandleMsg(peerID uint32, payload []byte, now time.Time) error {
	bunch, err := DecodeMsgBunch(payload)
	if err != nil {
		h.d.Overlay.Misbehaving(peerID, 1, "malformed smsgMsg")
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, raw := range bunch.Envelopes {
		env, err := wire.Decode(raw)
		if err != nil {
			h.d.Overlay.Misbehaving(peerID, 1, "malformed envelope in smsgMsg")
			continue
		}
		if verr := validator.Validate(env.Header, env.Payload, h.d.MaxMsgWorst); verr != nil {
			if smsgerr.Is(verr, smsgerr.KindInvalidPow) {
				h.d.Overlay.Misbehaving(peerID, 10, "invalid PoW")
			} else {
				h.d.Overlay.Misbehaving(peerID, 1, "envelope failed validation")
			}
			continue
		}
		if _, err := h.d.Store.Store(env.Header, env.Payload, false, now); err != nil {
			if smsgerr.Is(err, smsgerr.KindIoError) {
				// Spec section 7: IoError on Store is the one per-envelope
				// failure that breaks the bunch rather than just dropping
				// the one envelope.
				h.d.Log.Warn("store failed mid-bunch, aborting bunch", zap.Uint32("peer", peerID), zap.Error(err))
				break
			}
			continue // duplicate or out-of-window; not misbehavior on its own
		}
		if h.d.TryDecrypt != nil {
			h.d.TryDecrypt(env.Header, env.Payload)
		}
	}

	if b := h.d.Store.Bucket(bunch.BucketStart); b != nil {
		b.Unlock(now)
		b.Rehash(now)
	}
	return nil
}

// ApplyLockTimeout runs the "transition to zero" branch of spec
// section 4.H's lock ticker: send smsgIgnore(now+SMSG_TIME_IGNORE) to
// the peer that held the lock and mark them ignored locally too, since
// they will presumably retry the same stale want.
func (h *Handler) ApplyLockTimeout(peerID uint32, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	until := now.Add(h.d.TimeIgnore).Unix()
	h.d.Peers.SetIgnoreUntil(peerID, until)
	return h.d.Overlay.Send(peerID, CmdIgnore, EncodeTime(until))
}
