package ecies

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/DigitSF/smsg/internal/smsgerr"
)

func mustKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func TestEncryptDecryptAnonymousRoundtrip(t *testing.T) {
	recipient := mustKey(t)
	plaintext := []byte("a short anonymous message")

	header, ciphertext, err := Encrypt(EncryptInput{
		RecipientPub: recipient.PubKey(),
		Plaintext:    plaintext,
		Now:          time.Now(),
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	res, err := Decrypt(header, ciphertext, recipient)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !res.Anonymous {
		t.Fatal("expected anonymous result")
	}
	if string(res.Plaintext) != string(plaintext) {
		t.Fatalf("plaintext mismatch: got %q want %q", res.Plaintext, plaintext)
	}
	if res.SenderPub != nil {
		t.Fatal("expected nil SenderPub for anonymous message")
	}
}

func TestEncryptDecryptSignedRoundtrip(t *testing.T) {
	recipient := mustKey(t)
	sender := mustKey(t)
	senderKeyID := KeyIDFor(sender.PubKey())
	plaintext := []byte("a signed message from a known sender")

	header, ciphertext, err := Encrypt(EncryptInput{
		RecipientPub: recipient.PubKey(),
		SenderPriv:   sender,
		SenderKeyID:  senderKeyID,
		Plaintext:    plaintext,
		Now:          time.Now(),
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	res, err := Decrypt(header, ciphertext, recipient)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if res.Anonymous {
		t.Fatal("expected non-anonymous result")
	}
	if string(res.Plaintext) != string(plaintext) {
		t.Fatalf("plaintext mismatch: got %q want %q", res.Plaintext, plaintext)
	}
	if res.SenderPub == nil || KeyIDFor(res.SenderPub) != senderKeyID {
		t.Fatal("recovered sender pubkey does not match expected keyId")
	}
}

func TestEncryptDecryptLongPlaintextIsCompressed(t *testing.T) {
	recipient := mustKey(t)
	plaintext := make([]byte, 4096)
	for i := range plaintext {
		plaintext[i] = byte(i % 7) // highly repetitive: compresses well
	}

	header, ciphertext, err := Encrypt(EncryptInput{
		RecipientPub: recipient.PubKey(),
		Plaintext:    plaintext,
		Now:          time.Now(),
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	res, err := Decrypt(header, ciphertext, recipient)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(res.Plaintext) != len(plaintext) {
		t.Fatalf("length mismatch: got %d want %d", len(res.Plaintext), len(plaintext))
	}
	for i := range plaintext {
		if res.Plaintext[i] != plaintext[i] {
			t.Fatalf("content mismatch at byte %d", i)
		}
	}
}

func TestDecryptWithWrongKeyIsNotForRecipient(t *testing.T) {
	recipient := mustKey(t)
	other := mustKey(t)
	plaintext := []byte("addressed to recipient, not other")

	header, ciphertext, err := Encrypt(EncryptInput{
		RecipientPub: recipient.PubKey(),
		Plaintext:    plaintext,
		Now:          time.Now(),
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = Decrypt(header, ciphertext, other)
	if !smsgerr.Is(err, smsgerr.KindNotForRecipient) {
		t.Fatalf("expected KindNotForRecipient, got %v", err)
	}
}

func TestKeyIDForIsStableAndDistinct(t *testing.T) {
	a := mustKey(t)
	b := mustKey(t)
	if KeyIDFor(a.PubKey()) != KeyIDFor(a.PubKey()) {
		t.Fatal("expected KeyIDFor to be deterministic for the same key")
	}
	if KeyIDFor(a.PubKey()) == KeyIDFor(b.PubKey()) {
		t.Fatal("expected distinct keys to produce distinct keyIds")
	}
}
