package retention

import (
	"testing"
	"time"

	"github.com/DigitSF/smsg/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir(), 60*time.Minute, 48*time.Hour, 60*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTickExpiresOldBuckets(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	s.EnsureBucket(now.Add(-50 * time.Hour).Unix())

	tk := New(s, time.Second, nil, nil)
	tk.tick(now)

	if len(s.BucketStarts()) != 0 {
		t.Fatalf("expected expired bucket removed, got %v", s.BucketStarts())
	}
}

func TestTickDecrementsLockAndFiresTimeout(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	b := s.EnsureBucket(now.Unix())
	b.Lock(42, 1, now)

	var firedPeer uint32
	fired := false
	tk := New(s, time.Second, func(peerID uint32, _ time.Time) {
		fired = true
		firedPeer = peerID
	}, nil)

	tk.tick(now)

	if !fired || firedPeer != 42 {
		t.Fatalf("expected lock timeout callback for peer 42, fired=%v peer=%d", fired, firedPeer)
	}
	if b.IsLocked() {
		t.Fatal("expected bucket unlocked after countdown reaches zero")
	}
}

func TestTickDecrementsWithoutFiringBeforeZero(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	b := s.EnsureBucket(now.Unix())
	b.Lock(42, 3, now)

	fired := false
	tk := New(s, time.Second, func(uint32, time.Time) { fired = true }, nil)
	tk.tick(now)

	if fired {
		t.Fatal("did not expect a timeout callback before the lock count reaches zero")
	}
	if !b.IsLocked() || b.LockCount != 2 {
		t.Fatalf("expected lock count decremented to 2, got locked=%v count=%d", b.IsLocked(), b.LockCount)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestStore(t)
	tk := New(s, 10*time.Millisecond, nil, nil)
	tk.Start()
	time.Sleep(25 * time.Millisecond)
	tk.Stop()
}
