package kvstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/DigitSF/smsg/internal/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "smsg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPubKeyDirectoryRoundtrip(t *testing.T) {
	s := newTestStore(t)
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	if err := s.PutPubKey("addr1", priv.PubKey(), now); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LookupPubKey("addr1")
	if err != nil || !ok {
		t.Fatalf("LookupPubKey: ok=%v err=%v", ok, err)
	}
	if got.SerializeCompressed() == nil || string(got.SerializeCompressed()) != string(priv.PubKey().SerializeCompressed()) {
		t.Fatal("recovered pubkey does not match stored one")
	}
}

func TestPubKeyDirectoryKeepsNewerEntry(t *testing.T) {
	s := newTestStore(t)
	older, _ := btcec.NewPrivateKey()
	newer, _ := btcec.NewPrivateKey()
	t0 := time.Now()

	if err := s.PutPubKey("addr1", newer.PubKey(), t0); err != nil {
		t.Fatal(err)
	}
	if err := s.PutPubKey("addr1", older.PubKey(), t0.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.LookupPubKey("addr1")
	if err != nil || !ok {
		t.Fatal("expected an entry")
	}
	if string(got.SerializeCompressed()) != string(newer.PubKey().SerializeCompressed()) {
		t.Fatal("older entry should not have overwritten the newer one")
	}
}

func TestInboxPutSkipsDuplicateKey(t *testing.T) {
	s := newTestStore(t)
	key := NewInboxKey(100, [8]byte{1, 2, 3})
	entry := InboxEntry{Key: key, ToAddress: "addr1", Plaintext: []byte("hello"), Received: time.Now()}

	isNew, err := s.PutInboxEntry(entry)
	if err != nil || !isNew {
		t.Fatalf("expected first insert to be new: isNew=%v err=%v", isNew, err)
	}

	entry2 := entry
	entry2.Plaintext = []byte("different")
	isNew, err = s.PutInboxEntry(entry2)
	if err != nil || isNew {
		t.Fatalf("expected duplicate key insert to be skipped: isNew=%v err=%v", isNew, err)
	}

	list, err := s.ListInbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || string(list[0].Plaintext) != "hello" {
		t.Fatalf("expected original entry preserved, got %+v", list)
	}
}

func TestInboxUnreadTracking(t *testing.T) {
	s := newTestStore(t)
	key := NewInboxKey(200, [8]byte{9})
	if _, err := s.PutInboxEntry(InboxEntry{Key: key, ToAddress: "addr1", Received: time.Now()}); err != nil {
		t.Fatal(err)
	}

	unread, err := s.UnreadKeys()
	if err != nil || len(unread) != 1 || unread[0] != key {
		t.Fatalf("expected 1 unread key, got %v err=%v", unread, err)
	}

	if err := s.MarkRead(key); err != nil {
		t.Fatal(err)
	}
	unread, err = s.UnreadKeys()
	if err != nil || len(unread) != 0 {
		t.Fatalf("expected no unread keys after MarkRead, got %v", unread)
	}
}

func TestSendQueueFIFO(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	var h1, h2 wire.Header
	h1.Timestamp = 1
	h2.Timestamp = 2

	seq1, err := s.Enqueue(h1, []byte("first"), now)
	if err != nil {
		t.Fatal(err)
	}
	seq2, err := s.Enqueue(h2, []byte("second"), now)
	if err != nil {
		t.Fatal(err)
	}
	if seq2 <= seq1 {
		t.Fatalf("expected increasing sequence numbers, got %d then %d", seq1, seq2)
	}

	item, ok, err := s.PeekFront()
	if err != nil || !ok {
		t.Fatalf("expected a front item: ok=%v err=%v", ok, err)
	}
	if string(item.Payload) != "first" {
		t.Fatalf("expected FIFO order, got payload %q", item.Payload)
	}

	if err := s.DeleteQueueItem(item.Seq); err != nil {
		t.Fatal(err)
	}
	item, ok, err = s.PeekFront()
	if err != nil || !ok {
		t.Fatalf("expected remaining item: ok=%v err=%v", ok, err)
	}
	if string(item.Payload) != "second" {
		t.Fatalf("expected second item after deleting first, got %q", item.Payload)
	}

	n, err := s.QueueLen()
	if err != nil || n != 1 {
		t.Fatalf("expected queue length 1, got %d err=%v", n, err)
	}
}
