package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/ripemd160"
)

// fileWallet is a minimal, file-backed implementation of
// overlay.Wallet for running this node standalone. Spec section 1's
// Non-goals keep wallet management out of the core on purpose — a
// real deployment plugs in its own key-management service — so this
// exists only to make the CLI runnable, grounded on
// Operative-001-lethe/internal/crypto/keys.go's JSON-file identity
// (hex-encoded scalars, a Save/Load pair) generalized from lethe's one
// fixed identity to a small map of addresses.
type fileWallet struct {
	path string
	keys map[string]*btcec.PrivateKey // address -> private key
}

type walletRecord struct {
	Keys map[string]string `json:"keys"` // address -> hex private key
}

func addressFor(pub *btcec.PublicKey) string {
	sum := sha256.Sum256(pub.SerializeCompressed())
	h := ripemd160.New()
	h.Write(sum[:])
	return hex.EncodeToString(h.Sum(nil))
}

func newFileWallet(path string) *fileWallet {
	return &fileWallet{path: path, keys: make(map[string]*btcec.PrivateKey)}
}

func loadFileWallet(path string) (*fileWallet, error) {
	w := newFileWallet(path)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return w, nil
	}
	if err != nil {
		return nil, err
	}
	var rec walletRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse wallet file: %w", err)
	}
	for addr, hexKey := range rec.Keys {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("wallet entry %s: %w", addr, err)
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		w.keys[addr] = priv
	}
	return w, nil
}

func (w *fileWallet) save() error {
	rec := walletRecord{Keys: make(map[string]string, len(w.keys))}
	for addr, priv := range w.keys {
		rec.Keys[addr] = hex.EncodeToString(priv.Serialize())
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(w.path, b, 0600)
}

// generate creates a new identity, adds it to the wallet, and returns
// its address.
func (w *fileWallet) generate() (string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", err
	}
	addr := addressFor(priv.PubKey())
	w.keys[addr] = priv
	return addr, nil
}

func (w *fileWallet) PrivateKeyFor(addr string) (*btcec.PrivateKey, bool) {
	k, ok := w.keys[addr]
	return k, ok
}

func (w *fileWallet) AddressOf(pub *btcec.PublicKey) string {
	return addressFor(pub)
}

func (w *fileWallet) OwnedAddresses() []string {
	out := make([]string, 0, len(w.keys))
	for addr := range w.keys {
		out = append(out, addr)
	}
	return out
}
