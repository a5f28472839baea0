package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/DigitSF/smsg/internal/kvstore"
	"github.com/DigitSF/smsg/internal/overlay"
	"github.com/DigitSF/smsg/internal/store"
)

type fakeOverlay struct {
	sent []sentMsg
	mis  []misbehave
}

type sentMsg struct {
	peerID  uint32
	command string
	payload []byte
}

type misbehave struct {
	peerID uint32
	score  int
	reason string
}

func (f *fakeOverlay) Send(peerID uint32, command string, payload []byte) error {
	f.sent = append(f.sent, sentMsg{peerID, command, payload})
	return nil
}

func (f *fakeOverlay) Misbehaving(peerID uint32, score int, reason string) {
	f.mis = append(f.mis, misbehave{peerID, score, reason})
}

type fakeWallet struct {
	addrs map[string]*btcec.PrivateKey
}

func (f *fakeWallet) PrivateKeyFor(addr string) (*btcec.PrivateKey, bool) {
	k, ok := f.addrs[addr]
	return k, ok
}

func (f *fakeWallet) AddressOf(pub *btcec.PublicKey) string {
	return "addr-" + string(pub.SerializeCompressed()[:4])
}

func (f *fakeWallet) OwnedAddresses() []string {
	out := make([]string, 0, len(f.addrs))
	for a := range f.addrs {
		out = append(out, a)
	}
	return out
}

type fakeChainScanner struct {
	observations []overlay.PubKeyObservation
	scans        int
}

func (f *fakeChainScanner) ScanForPublicKeys(ctx context.Context) (<-chan overlay.PubKeyObservation, error) {
	f.scans++
	ch := make(chan overlay.PubKeyObservation, len(f.observations))
	for _, obs := range f.observations {
		ch <- obs
	}
	close(ch)
	return ch, nil
}

func newTestEngine(t *testing.T) (*Engine, *kvstore.Store, *fakeWallet) {
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

	fromPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	wallet := &fakeWallet{addrs: map[string]*btcec.PrivateKey{"me": fromPriv}}

	cfg := Config{
		Retention:   48 * time.Hour,
		BucketLen:   60 * time.Minute,
		SendDelay:   10 * time.Second,
		ThreadDelay: 30 * time.Second,
		TimeLeeway:  60 * time.Second,
		TimeIgnore:  15 * time.Minute,
		MaxMsgWorst: 32 * 1024,
	}
	e := New(cfg, kv, s, wallet, &fakeOverlay{}, nil)
	return e, kv, wallet
}

func TestSendUnknownRecipientFails(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Send("me", "nobody", []byte("hi"), time.Now())
	if err == nil {
		t.Fatal("expected error for unknown recipient")
	}
}

func TestSendQueuesAndOutboxRecordsMessage(t *testing.T) {
	e, kv, _ := newTestEngine(t)
	recipientPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.PutPubKey("them", recipientPriv.PubKey(), time.Now()); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	msg, err := e.Send("me", "them", []byte("hello there"), now)
	if err != nil {
		t.Fatal(err)
	}
	if msg.To != "them" {
		t.Fatalf("unexpected recipient on result: %q", msg.To)
	}

	n, err := kv.QueueLen()
	if err != nil || n != 1 {
		t.Fatalf("expected 1 queued item, got %d err=%v", n, err)
	}
	outbox, err := kv.ListOutbox()
	if err != nil || len(outbox) != 1 {
		t.Fatalf("expected 1 outbox entry, got %d err=%v", len(outbox), err)
	}
}

func TestReceivePingRepliesPong(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ov := e.peer.(*fakeOverlay)

	if err := e.Receive(7, "smsgPing", nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(ov.sent) != 1 || ov.sent[0].command != "smsgPong" {
		t.Fatalf("expected a smsgPong reply, got %v", ov.sent)
	}
}

func TestReceiveUnknownCommandFlagsMisbehavior(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ov := e.peer.(*fakeOverlay)

	if err := e.Receive(7, "smsgBogus", nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(ov.mis) != 1 {
		t.Fatalf("expected one misbehavior report, got %v", ov.mis)
	}
}

func TestStartShutdownDoesNotHang(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Start(false)
	time.Sleep(10 * time.Millisecond)
	e.Shutdown()
}

func TestDisableSuppressesInventoryTick(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Disable()
	e.peers.Ensure(1)
	e.peers.SetEnabled(1, true)
	e.invTickOnce(time.Now())
	ov := e.peer.(*fakeOverlay)
	if len(ov.sent) != 0 {
		t.Fatalf("expected no sends while disabled, got %v", ov.sent)
	}
}

func TestDisableSuppressesSendTick(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Disable()
	e.peers.Ensure(1)
	e.peers.SetEnabled(1, true)
	if err := e.SendTick(1, time.Now()); err != nil {
		t.Fatal(err)
	}
	ov := e.peer.(*fakeOverlay)
	if len(ov.sent) != 0 {
		t.Fatalf("expected no sends while disabled, got %v", ov.sent)
	}
}

func TestStartWithScanChainRunsChainScanner(t *testing.T) {
	e, kv, _ := newTestEngine(t)
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	scanner := &fakeChainScanner{observations: []overlay.PubKeyObservation{
		{Address: "bob", PubKey: priv.PubKey()},
	}}
	e.scanner = scanner

	e.Start(true)
	e.Shutdown()

	if scanner.scans != 1 {
		t.Fatalf("expected exactly one chain scan, got %d", scanner.scans)
	}
	_, found, err := kv.LookupPubKey("bob")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected chain-scanned pubkey to be persisted to the directory")
	}
}

func TestStartWithoutScanChainSkipsChainScanner(t *testing.T) {
	e, _, _ := newTestEngine(t)
	scanner := &fakeChainScanner{}
	e.scanner = scanner

	e.Start(false)
	e.Shutdown()

	if scanner.scans != 0 {
		t.Fatalf("expected no chain scan when scanChain is false, got %d", scanner.scans)
	}
}
