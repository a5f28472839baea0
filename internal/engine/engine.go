// Package engine is the façade that owns every background thread and
// wires the core's packages into a single object the host embeds: the
// bucket store, the send queue, the anti-entropy gossip handler, and
// the inbox matcher.
//
// Grounded on Operative-001-lethe/internal/node/node.go's role as the
// single object a host constructs and calls Start/Shutdown/Send on;
// unlike node.Node, which owns a transport and a session per peer,
// Engine owns no connections at all (spec section 1's Non-goals push
// peer connection lifecycle out to overlay.PeerOverlay) and instead
// owns three independent background loops: the GC/lock-timeout
// ticker (internal/retention), the send-queue worker
// (internal/sendqueue), and the inventory-push ticker run here
// directly, since its per-peer fan-out has no obvious home in either
// of those packages.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DigitSF/smsg/internal/ecies"
	"github.com/DigitSF/smsg/internal/gossip"
	"github.com/DigitSF/smsg/internal/inbox"
	"github.com/DigitSF/smsg/internal/kvstore"
	"github.com/DigitSF/smsg/internal/overlay"
	"github.com/DigitSF/smsg/internal/peerstate"
	"github.com/DigitSF/smsg/internal/retention"
	"github.com/DigitSF/smsg/internal/sendqueue"
	"github.com/DigitSF/smsg/internal/smsgerr"
	"github.com/DigitSF/smsg/internal/store"
	"github.com/DigitSF/smsg/internal/wire"
)

// Config is the subset of config.Config the engine needs directly;
// kept narrow so this package doesn't import internal/config and
// force every caller through one particular config loader.
type Config struct {
	DataDir     string
	Retention   time.Duration
	BucketLen   time.Duration
	SendDelay   time.Duration
	ThreadDelay time.Duration
	TimeLeeway  time.Duration
	TimeIgnore  time.Duration
	MaxMsgWorst int
}

// SecureMessage is the result of a successful Send call: enough for a
// caller to show the user what was queued.
type SecureMessage struct {
	From      string
	To        string
	Plaintext []byte
	QueuedAt  time.Time
}

// Engine ties the bucket store, send queue, anti-entropy handler, and
// inbox matcher into the one object a host constructs.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	log     *zap.Logger
	store   *store.Store
	kv      *kvstore.Store
	wallet  overlay.Wallet
	peer    overlay.PeerOverlay
	peers   *peerstate.Table
	handler *gossip.Handler
	matcher *inbox.Matcher

	gc    *retention.Ticker
	sendq *sendqueue.Worker

	scanner overlay.ChainScanner

	enabled bool
	invStop chan struct{}
	invDone chan struct{}
}

// Option configures an Engine at construction, following the same
// functional-option shape as internal/store.Option.
type Option func(*Engine)

// WithChainScanner installs the chain-scan-at-startup collaborator, per
// the Start(scanChain) supplement to spec section 6. Without this
// option, Start(true) is a no-op with respect to chain scanning — there
// is nothing to scan.
func WithChainScanner(s overlay.ChainScanner) Option {
	return func(e *Engine) { e.scanner = s }
}

// New constructs an Engine. The caller owns kv and store's lifetime
// (Close them after Shutdown); peerOverlay and wallet are the host's
// collaborators, per spec section 1's Non-goals.
func New(cfg Config, kv *kvstore.Store, s *store.Store, wallet overlay.Wallet, peerOverlay overlay.PeerOverlay, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:     cfg,
		log:     log,
		store:   s,
		kv:      kv,
		wallet:  wallet,
		peer:    peerOverlay,
		peers:   peerstate.New(),
		enabled: true,
	}
	e.matcher = inbox.New(kv, wallet, e.onInboxMatch, log)
	e.handler = gossip.New(gossip.Deps{
		Store:       s,
		Peers:       e.peers,
		Overlay:     peerOverlay,
		Log:         log,
		SendDelay:   cfg.SendDelay,
		Retention:   cfg.Retention,
		TimeLeeway:  cfg.TimeLeeway,
		TimeIgnore:  cfg.TimeIgnore,
		MaxMsgWorst: cfg.MaxMsgWorst,
		TryDecrypt:  e.matcher.TryDecrypt,
	})
	e.gc = retention.New(s, cfg.ThreadDelay, func(peerID uint32, now time.Time) {
		if err := e.handler.ApplyLockTimeout(peerID, now); err != nil {
			log.Warn("apply lock timeout failed", zap.Uint32("peer", peerID), zap.Error(err))
		}
	}, log)
	e.sendq = sendqueue.New(kv, s, cfg.ThreadDelay, e.onSendQueueStored, log)
	for _, o := range opts {
		o(e)
	}
	return e
}

// onInboxMatch is the inbox matcher's callback; logging only, since
// the host observes new mail through ListInbox/UnreadKeys on its own
// schedule rather than through a push channel.
func (e *Engine) onInboxMatch(entry kvstore.InboxEntry) {
	e.log.Info("matched inbound message",
		zap.String("to", entry.ToAddress),
		zap.Bool("anonymous", entry.Anonymous))
}

// onSendQueueStored runs after the send-queue worker commits a
// message to the bucket store: the sender may also be a recipient
// (spec section 4.I), so every freshly admitted message gets the same
// inbox-match attempt an inbound gossip message would.
func (e *Engine) onSendQueueStored(header wire.Header, payload []byte, now time.Time) {
	e.matcher.TryDecrypt(header, payload)
}

// Start launches the background threads: GC/lock timeout, send-queue
// drain, and (if the overlay has peers to push to) inventory pushes. If
// scanChain is true and a ChainScanner was supplied via WithChainScanner,
// Start runs the one-time public-key directory scan of spec section
// 4.J's chain-scan-at-startup supplement before any peer exchange
// happens.
func (e *Engine) Start(scanChain bool) {
	if scanChain && e.scanner != nil {
		if err := e.ScanChain(e.scanner, time.Now()); err != nil {
			e.log.Warn("startup chain scan failed", zap.Error(err))
		}
	}

	e.gc.Start()
	e.sendq.Start()

	e.mu.Lock()
	e.invStop = make(chan struct{})
	e.invDone = make(chan struct{})
	e.mu.Unlock()
	go e.runInvLoop()
}

// Shutdown stops every background thread and waits for them to exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	stop := e.invStop
	done := e.invDone
	e.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	e.sendq.Stop()
	e.gc.Stop()
}

func (e *Engine) runInvLoop() {
	e.mu.Lock()
	stop := e.invStop
	done := e.invDone
	e.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(e.cfg.SendDelay)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			e.invTickOnce(now)
		}
	}
}

func (e *Engine) invTickOnce(now time.Time) {
	for _, peerID := range e.peers.All() {
		if err := e.SendTick(peerID, now); err != nil {
			e.log.Warn("inventory push failed", zap.Uint32("peer", peerID), zap.Error(err))
		}
	}
}

// SendTick runs one inventory push to peerID, per spec section 6's
// externally-exposed SendTick(peer) control. The engine's own send-delay
// ticker (runInvLoop) calls this for every known peer once per
// SendDelay interval; a host may also call it directly to force an
// off-schedule push to one peer (e.g. right after PeerConnected).
//
// tick is derived from now rather than an incrementing counter so that
// calling SendTick once per known peer (as invTickOnce does) doesn't
// advance the match-reset window faster than real SendDelay intervals
// actually elapse — peerstate.Table.MaybeResetMatched's reset window is
// specified in units of SendDelay, not in units of "calls to SendTick".
func (e *Engine) SendTick(peerID uint32, now time.Time) error {
	e.mu.Lock()
	enabled := e.enabled
	e.mu.Unlock()
	if !enabled {
		return nil
	}
	tick := now.Unix() / int64(e.cfg.SendDelay/time.Second)
	return e.handler.SendInvTick(peerID, tick, now)
}

// Enable turns the anti-entropy loop back on (spec section 6's
// "-nosmsg" runtime control, inverted).
func (e *Engine) Enable() {
	e.mu.Lock()
	e.enabled = true
	e.mu.Unlock()
}

// Disable suspends inventory pushes without tearing down the engine.
func (e *Engine) Disable() {
	e.mu.Lock()
	e.enabled = false
	e.mu.Unlock()
}

// Send encrypts body for to's public key (looked up in the directory;
// callers must have previously learned it via chain scan or an
// incoming signed message), enqueues it for proof-of-work admission,
// and returns immediately — SendTick/the background send-queue worker
// performs the actual PoW and broadcast-by-gossip.
func (e *Engine) Send(from, to string, body []byte, now time.Time) (SecureMessage, error) {
	recipientPub, found, err := e.kv.LookupPubKey(to)
	if err != nil {
		return SecureMessage{}, err
	}
	if !found {
		return SecureMessage{}, smsgerr.New(smsgerr.KindUnknownRecipient, fmt.Errorf("no known public key for %s", to))
	}

	in := ecies.EncryptInput{
		RecipientPub: recipientPub,
		Plaintext:    body,
		Now:          now,
	}
	if senderPriv, ok := e.wallet.PrivateKeyFor(from); ok {
		in.SenderPriv = senderPriv
		in.SenderKeyID = ecies.KeyIDFor(senderPriv.PubKey())
	}

	header, ciphertext, err := ecies.Encrypt(in)
	if err != nil {
		return SecureMessage{}, err
	}

	if _, err := e.kv.Enqueue(header, ciphertext, now); err != nil {
		return SecureMessage{}, err
	}
	if err := e.kv.PutOutboxEntry(kvstore.OutboxEntry{
		Key:         kvstore.NewInboxKey(header.Timestamp, wire.Sample(ciphertext)),
		FromAddress: from,
		ToAddress:   to,
		Plaintext:   body,
		SentAt:      now,
	}); err != nil {
		e.log.Warn("persist outbox entry failed", zap.Error(err))
	}

	return SecureMessage{From: from, To: to, Plaintext: body, QueuedAt: now}, nil
}

// Receive dispatches one decoded peer command to the gossip handler,
// per spec section 4.G. command is one of the gossip.Cmd* names.
func (e *Engine) Receive(peerID uint32, command string, payload []byte, now time.Time) error {
	switch command {
	case gossip.CmdPing:
		return e.handler.HandlePing(peerID)
	case gossip.CmdPong:
		e.handler.HandlePong(peerID)
		return nil
	case gossip.CmdDisabled:
		e.handler.HandleDisabled(peerID)
		return nil
	case gossip.CmdIgnore:
		return e.handler.HandleIgnore(peerID, payload)
	case gossip.CmdMatch:
		return e.handler.HandleMatch(peerID, payload, now)
	case gossip.CmdInv:
		return e.handler.HandleInv(peerID, payload, now)
	case gossip.CmdShow:
		return e.handler.HandleShow(peerID, payload, now)
	case gossip.CmdHave:
		return e.handler.HandleHave(peerID, payload)
	case gossip.CmdWant:
		return e.handler.HandleWant(peerID, payload)
	case gossip.CmdMsg:
		return e.handler.HandleMsg(peerID, payload, now)
	default:
		e.peer.Misbehaving(peerID, 1, "unknown smsg command: "+command)
		return nil
	}
}

// PeerConnected starts the handshake with a newly connected peer, per
// spec section 4.G's "on connect, send smsgPing".
func (e *Engine) PeerConnected(peerID uint32) error {
	return e.peer.Send(peerID, gossip.CmdPing, nil)
}

// PeerDisconnected drops any per-peer state this engine was tracking.
func (e *Engine) PeerDisconnected(peerID uint32) {
	e.peers.Remove(peerID)
}

// ScanChain walks scanner once at startup, seeding the public key
// directory with every observed (address, pubkey) pair, per the
// chain-scan-at-startup supplement to spec section 4.J.
func (e *Engine) ScanChain(scanner overlay.ChainScanner, now time.Time) error {
	ch, err := scanner.ScanForPublicKeys(context.Background())
	if err != nil {
		return err
	}
	for obs := range ch {
		if err := e.kv.PutPubKey(obs.Address, obs.PubKey, now); err != nil {
			e.log.Warn("persist scanned pubkey failed", zap.Error(err))
		}
	}
	return nil
}
