package sendqueue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/DigitSF/smsg/internal/kvstore"
	"github.com/DigitSF/smsg/internal/store"
	"github.com/DigitSF/smsg/internal/wire"
)

func newTestDeps(t *testing.T) (*kvstore.Store, *store.Store) {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "smsg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })
	s, err := store.New(t.TempDir(), 60*time.Minute, 48*time.Hour, 60*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return kv, s
}

func TestDrainAdmitsQueuedItem(t *testing.T) {
	kv, s := newTestDeps(t)
	now := time.Now()

	var h wire.Header
	h.Version = wire.CurrentVersion
	h.Timestamp = now.Unix()
	payload := []byte("queued message body")
	h.NPayload = uint32(len(payload))
	if _, err := kv.Enqueue(h, payload, now); err != nil {
		t.Fatal(err)
	}

	var storedCalled bool
	w := New(kv, s, time.Hour, func(wire.Header, []byte, time.Time) { storedCalled = true }, nil)
	w.drain(now)

	if !storedCalled {
		t.Fatal("expected onStored callback to fire")
	}
	if n, err := kv.QueueLen(); err != nil || n != 0 {
		t.Fatalf("expected queue drained, got len=%d err=%v", n, err)
	}
	if len(s.BucketStarts()) != 1 {
		t.Fatalf("expected 1 bucket after admission, got %d", len(s.BucketStarts()))
	}
}

func TestDrainAbortsAndLeavesItemQueued(t *testing.T) {
	kv, s := newTestDeps(t)
	now := time.Now()

	var h wire.Header
	h.Version = wire.CurrentVersion
	h.Timestamp = now.Unix()
	payload := []byte("item that never gets to run PoW")
	h.NPayload = uint32(len(payload))
	if _, err := kv.Enqueue(h, payload, now); err != nil {
		t.Fatal(err)
	}

	w := New(kv, s, time.Hour, nil, nil)
	close(w.stop) // simulate shutdown before draining starts

	w.drain(now)

	if n, err := kv.QueueLen(); err != nil || n != 1 {
		t.Fatalf("expected aborted item to remain queued, got len=%d err=%v", n, err)
	}
}

func TestDrainProcessesMultipleItemsInOrder(t *testing.T) {
	kv, s := newTestDeps(t)
	now := time.Now()

	var order []string
	for _, body := range []string{"first", "second", "third"} {
		var h wire.Header
		h.Version = wire.CurrentVersion
		h.Timestamp = now.Unix()
		payload := []byte(body)
		h.NPayload = uint32(len(payload))
		if _, err := kv.Enqueue(h, payload, now); err != nil {
			t.Fatal(err)
		}
	}

	w := New(kv, s, time.Hour, func(_ wire.Header, payload []byte, _ time.Time) {
		order = append(order, string(payload))
	}, nil)
	w.drain(now)

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected FIFO processing order, got %v", order)
	}
}
