// Package retention implements the bucket GC and lock ticker of spec
// section 4.H: a single periodic thread that expires old buckets and
// decrements the lock countdown on buckets currently reserved for an
// in-flight Want exchange.
//
// Grounded on Operative-001-lethe/internal/seen/cache.go's reap(): a
// time.Ticker loop that walks a map and removes expired entries,
// generalized here from unconditional removal to the two-way branch
// (expire vs. decrement-and-maybe-ignore) spec section 4.H specifies,
// and switched from a bare goroutine to an explicit Start/Stop pair so
// the engine controls its lifetime instead of leaking one per Cache.
package retention

import (
	"time"

	"go.uber.org/zap"

	"github.com/DigitSF/smsg/internal/bucket"
	"github.com/DigitSF/smsg/internal/store"
)

// LockTimeoutFunc is called when a bucket's lock count reaches zero on
// this tick, per spec section 4.G's lock-timeout transition.
type LockTimeoutFunc func(peerID uint32, now time.Time)

// Ticker runs the GC/lock thread.
type Ticker struct {
	store       *store.Store
	period      time.Duration
	onTimeout   LockTimeoutFunc
	log         *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a Ticker over store, firing every period (SMSG_THREAD_DELAY).
func New(s *store.Store, period time.Duration, onTimeout LockTimeoutFunc, log *zap.Logger) *Ticker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ticker{
		store:     s,
		period:    period,
		onTimeout: onTimeout,
		log:       log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the ticker loop in a new goroutine. Call Stop to end it;
// Stop blocks until the goroutine has observed the stop signal, the
// "shutdown waits for threads to observe the flag" rule of spec
// section 5.
func (t *Ticker) Start() {
	go t.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (t *Ticker) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Ticker) run() {
	defer close(t.done)
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.tick(now)
		}
	}
}

func (t *Ticker) tick(now time.Time) {
	expired := t.store.Expire(now)
	if len(expired) > 0 {
		t.log.Debug("expired buckets", zap.Int64s("starts", expired))
	}

	for _, start := range t.store.BucketStarts() {
		b := t.store.Bucket(start)
		if b == nil {
			continue
		}
		t.decrementLock(b, now)
	}
}

func (t *Ticker) decrementLock(b *bucket.Bucket, now time.Time) {
	if !b.IsLocked() {
		return
	}
	peerID := b.LockPeerID
	if justUnlocked := b.DecrementLock(); justUnlocked && t.onTimeout != nil {
		t.onTimeout(peerID, now)
	}
}
