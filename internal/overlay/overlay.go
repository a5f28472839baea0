// Package overlay defines the external-collaborator interfaces this
// core depends on but does not implement: the host's peer connection
// manager, the wallet/keystore, and the blockchain scanner. Per spec
// section 1's Non-goals, none of wallet management, chain indexing, or
// peer connection lifecycle belong to this module — only the narrow
// surface the engine calls through.
//
// PeerOverlay is grounded on Operative-001-lethe/internal/transport.
// Transport: the same "the core only sees an interface, tests inject
// an in-memory fake" shape, narrowed from flood-broadcast semantics
// (Broadcast/Incoming/PeerCount) to the addressed, scored sends an
// anti-entropy session needs (Send/Misbehaving). ChainScanner is
// grounded on original_source/src/emessage.cpp's
// SecureMsgScanBlockChain, which walks transactions at startup looking
// for public keys to seed the directory with.
package overlay

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Wallet resolves between this node's own wallet addresses and their
// keys. The core never generates or stores spending keys itself.
type Wallet interface {
	// PrivateKeyFor returns the private key for addr if this node owns
	// it, used by the inbox matcher (spec section 4.J) to attempt
	// decryption for every owned address.
	PrivateKeyFor(addr string) (*btcec.PrivateKey, bool)

	// AddressOf derives the wallet address for a public key, used when
	// persisting a sender's recovered pubkey back into the directory.
	AddressOf(pub *btcec.PublicKey) string

	// OwnedAddresses lists every address the inbox matcher should try.
	OwnedAddresses() []string
}

// PubKeyObservation is one public key seen for an address, as surfaced
// by ChainScanner.
type PubKeyObservation struct {
	Address string
	PubKey  *btcec.PublicKey
}

// ChainScanner is the startup-time source of public keys harvested
// from on-chain transactions, per the chain-scan-at-startup supplement.
type ChainScanner interface {
	// ScanForPublicKeys walks the chain once and streams every
	// observed (address, pubkey) pair. The channel closes when the
	// scan completes or ctx is cancelled.
	ScanForPublicKeys(ctx context.Context) (<-chan PubKeyObservation, error)
}

// PeerOverlay is the host's peer connection manager, as seen by the
// anti-entropy FSM (spec section 4.G).
type PeerOverlay interface {
	// Send transmits payload to peerID under the given smsg* command
	// name. The overlay owns framing and delivery; this core only
	// ever sees it succeed or fail.
	Send(peerID uint32, command string, payload []byte) error

	// Misbehaving reports a protocol violation, letting the host apply
	// its own ban-score policy. score follows spec section 4.G/7's
	// fixed increments (+1 structural, +10 invalid PoW).
	Misbehaving(peerID uint32, score int, reason string)
}
