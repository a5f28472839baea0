// Package inbox implements the inbox matcher of spec section 4.J: for
// every envelope that lands in the bucket store, try to decrypt it
// against each of the node's own wallet addresses, and persist the
// first match.
//
// There is no teacher analogue (lethe's node.go has a single fixed
// identity, so "try every owned address" never arises); grounded
// directly on spec section 4.J, built on internal/ecies.Decrypt and
// internal/kvstore's inbox bucket.
package inbox

import (
	"time"

	"go.uber.org/zap"

	"github.com/DigitSF/smsg/internal/ecies"
	"github.com/DigitSF/smsg/internal/kvstore"
	"github.com/DigitSF/smsg/internal/overlay"
	"github.com/DigitSF/smsg/internal/smsgerr"
	"github.com/DigitSF/smsg/internal/wire"
)

// MatchedFunc is called once per newly-matched (not previously seen)
// message, letting the engine signal an observer, per spec section
// 4.J's "signal an observer" step.
type MatchedFunc func(entry kvstore.InboxEntry)

// Matcher ties a Wallet's owned addresses to the kvstore inbox.
type Matcher struct {
	kv      *kvstore.Store
	wallet  overlay.Wallet
	log     *zap.Logger
	onMatch MatchedFunc
}

// New creates a Matcher.
func New(kv *kvstore.Store, wallet overlay.Wallet, onMatch MatchedFunc, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{kv: kv, wallet: wallet, onMatch: onMatch, log: log}
}

// TryDecrypt attempts header/payload against every owned address;
// first success wins, per spec section 4.J. It is safe to call for
// every envelope this node stores, including ones it cannot decrypt
// (the normal case for most gossip traffic).
func (m *Matcher) TryDecrypt(header wire.Header, payload []byte) {
	received := time.Now()
	for _, addr := range m.wallet.OwnedAddresses() {
		priv, ok := m.wallet.PrivateKeyFor(addr)
		if !ok {
			continue
		}
		res, err := ecies.Decrypt(header, payload, priv)
		if err != nil {
			if !smsgerr.Is(err, smsgerr.KindNotForRecipient) {
				m.log.Debug("decrypt attempt failed", zap.String("address", addr), zap.Error(err))
			}
			continue
		}

		if !res.Anonymous && res.SenderPub != nil {
			if perr := m.kv.PutPubKey(m.wallet.AddressOf(res.SenderPub), res.SenderPub, received); perr != nil {
				m.log.Warn("persist sender pubkey failed", zap.Error(perr))
			}
		}

		var fromKeyID [20]byte
		if res.SenderPub != nil {
			fromKeyID = ecies.KeyIDFor(res.SenderPub)
		}

		entry := kvstore.InboxEntry{
			Key:       kvstore.NewInboxKey(header.Timestamp, wire.Sample(payload)),
			ToAddress: addr,
			Anonymous: res.Anonymous,
			FromKeyID: fromKeyID,
			Plaintext: res.Plaintext,
			Received:  received,
			RawHeader: header,
		}
		isNew, perr := m.kv.PutInboxEntry(entry)
		if perr != nil {
			m.log.Warn("persist inbox entry failed", zap.Error(perr))
			return
		}
		if isNew && m.onMatch != nil {
			m.onMatch(entry)
		}
		return // first success wins
	}
}
