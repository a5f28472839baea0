package inbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/DigitSF/smsg/internal/ecies"
	"github.com/DigitSF/smsg/internal/kvstore"
)

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

func newTestKV(t *testing.T) *kvstore.Store {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "smsg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestTryDecryptMatchesOwnedAddress(t *testing.T) {
	kv := newTestKV(t)
	recipientPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	wallet := &fakeWallet{addrs: map[string]*btcec.PrivateKey{"mine": recipientPriv}}

	var matched kvstore.InboxEntry
	matchCount := 0
	m := New(kv, wallet, func(e kvstore.InboxEntry) { matched = e; matchCount++ }, nil)

	header, ciphertext, err := ecies.Encrypt(ecies.EncryptInput{
		RecipientPub: recipientPriv.PubKey(),
		Plaintext:    []byte("hello inbox"),
		Now:          time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	m.TryDecrypt(header, ciphertext)

	if matchCount != 1 {
		t.Fatalf("expected exactly one match callback, got %d", matchCount)
	}
	if string(matched.Plaintext) != "hello inbox" {
		t.Fatalf("unexpected plaintext: %q", matched.Plaintext)
	}
	if matched.ToAddress != "mine" {
		t.Fatalf("expected match against owned address, got %q", matched.ToAddress)
	}

	unread, err := kv.UnreadKeys()
	if err != nil || len(unread) != 1 {
		t.Fatalf("expected 1 unread entry, got %v err=%v", unread, err)
	}
}

func TestTryDecryptNoMatchIsSilent(t *testing.T) {
	kv := newTestKV(t)
	recipientPriv, _ := btcec.NewPrivateKey()
	otherPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	wallet := &fakeWallet{addrs: map[string]*btcec.PrivateKey{"mine": otherPriv}}

	called := false
	m := New(kv, wallet, func(kvstore.InboxEntry) { called = true }, nil)

	header, ciphertext, err := ecies.Encrypt(ecies.EncryptInput{
		RecipientPub: recipientPriv.PubKey(),
		Plaintext:    []byte("not for you"),
		Now:          time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	m.TryDecrypt(header, ciphertext)

	if called {
		t.Fatal("expected no match callback when no owned key matches")
	}
	list, err := kv.ListInbox()
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty inbox, got %v", list)
	}
}

func TestTryDecryptDuplicateKeyOnlyMatchesOnce(t *testing.T) {
	kv := newTestKV(t)
	recipientPriv, _ := btcec.NewPrivateKey()
	wallet := &fakeWallet{addrs: map[string]*btcec.PrivateKey{"mine": recipientPriv}}

	matchCount := 0
	m := New(kv, wallet, func(kvstore.InboxEntry) { matchCount++ }, nil)

	now := time.Now()
	header, ciphertext, err := ecies.Encrypt(ecies.EncryptInput{
		RecipientPub: recipientPriv.PubKey(),
		Plaintext:    []byte("same message delivered twice"),
		Now:          now,
	})
	if err != nil {
		t.Fatal(err)
	}

	m.TryDecrypt(header, ciphertext)
	m.TryDecrypt(header, ciphertext) // re-delivery of the identical envelope

	if matchCount != 1 {
		t.Fatalf("expected exactly one match callback across re-delivery, got %d", matchCount)
	}
}
