// Package sendqueue implements the send-queue worker of spec section
// 4.I: a single thread draining a FIFO of outbound messages, running
// proof-of-work admission on each before committing it to the bucket
// store.
//
// Grounded on Operative-001-lethe/internal/seen/cache.go's reap() for
// the ticker-driven background thread shape, and on spec section 4.I
// directly for the per-item state machine (Aborted/NotFound/success),
// which has no teacher analogue since lethe never defers work past
// admission.
package sendqueue

import (
	"time"

	"go.uber.org/zap"

	"github.com/DigitSF/smsg/internal/kvstore"
	"github.com/DigitSF/smsg/internal/pow"
	"github.com/DigitSF/smsg/internal/smsgerr"
	"github.com/DigitSF/smsg/internal/store"
	"github.com/DigitSF/smsg/internal/wire"
)

// OnStoredFunc is called after a queued item is successfully admitted
// and written to the bucket store, so the engine can attempt an inbox
// match (spec section 4.I: "the sender may be the recipient too")
// without this package depending on internal/ecies or internal/inbox.
type OnStoredFunc func(header wire.Header, payload []byte, now time.Time)

// Worker drains the kvstore send queue, one item at a time. It holds
// no mutex of its own: access to the queue is serialized by
// kvstore.Store's bbolt transactions, which take the place of
// cs_smsgSendQueue in spec section 5's terms.
type Worker struct {
	kv       *kvstore.Store
	store    *store.Store
	period   time.Duration
	log      *zap.Logger
	onStored OnStoredFunc

	stop chan struct{}
	done chan struct{}
}

// New creates a Worker. onStored may be nil.
func New(kv *kvstore.Store, s *store.Store, period time.Duration, onStored OnStoredFunc, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		kv:       kv,
		store:    s,
		period:   period,
		log:      log,
		onStored: onStored,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the worker loop in a new goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case now := <-ticker.C:
			w.drain(now)
		}
	}
}

// shouldAbort is polled by the inner PoW loop so Stop can interrupt a
// long-running SetHash call, per spec section 5's cancellation model.
func (w *Worker) shouldAbort() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// drain processes every item currently in the queue, stopping early if
// PoW is aborted mid-item (the item is left in place to resume later).
func (w *Worker) drain(now time.Time) {
	for {
		item, ok, err := w.kv.PeekFront()
		if err != nil {
			w.log.Warn("send queue peek failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		if !w.processOne(item.Seq, item.Header, item.Payload, now) {
			return
		}
	}
}

// processOne runs PoW for one queued item and commits it. Returns
// false when the caller should stop draining (an abort occurred).
func (w *Worker) processOne(seq uint64, header wire.Header, payload []byte, now time.Time) bool {
	err := pow.SetHash(&header, payload, w.shouldAbort)
	switch {
	case smsgerr.Is(err, smsgerr.KindPowAborted):
		return false
	case smsgerr.Is(err, smsgerr.KindPowNotFound):
		w.log.Warn("dropping send-queue item: no nonce satisfies PoW", zap.Uint64("seq", seq))
		if derr := w.kv.DeleteQueueItem(seq); derr != nil {
			w.log.Warn("delete queue item failed", zap.Error(derr))
		}
		return true
	case err != nil:
		w.log.Warn("unexpected PoW error", zap.Error(err))
		return true
	}

	if _, serr := w.store.Store(header, payload, true, now); serr != nil && !smsgerr.Is(serr, smsgerr.KindDuplicate) {
		w.log.Warn("store after PoW failed", zap.Error(serr))
		return true
	}

	if w.onStored != nil {
		w.onStored(header, payload, now)
	}

	if derr := w.kv.DeleteQueueItem(seq); derr != nil {
		w.log.Warn("delete queue item failed", zap.Error(derr))
	}
	return true
}
