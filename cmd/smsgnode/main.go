// Command smsgnode runs the secure-messaging core as a standalone
// daemon, grounded on Operative-001-lethe/cmd/lethe/main.go's
// keygen/daemon/send/status command tree and interactive console, with
// "keygen" renamed "init-identity" and "register" dropped (name
// registration has no equivalent in this spec) in favor of an "inbox"
// command for reading matched mail.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DigitSF/smsg/internal/config"
	"github.com/DigitSF/smsg/internal/engine"
	"github.com/DigitSF/smsg/internal/kvstore"
	"github.com/DigitSF/smsg/internal/overlay"
	"github.com/DigitSF/smsg/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "smsgnode",
	Short: "Store-and-forward secure messaging core",
	Long: `smsgnode runs the bucket store, anti-entropy gossip, and
proof-of-work send queue of the secure messaging core as a standalone
daemon.

This binary has no peer transport of its own — Receive/PeerConnected
are exposed for a host process to drive over whatever wire it already
speaks to other nodes. Run standalone to exercise identity, send-queue
admission, and the local inbox without a network.`,
}

func dataDir(cmd *cobra.Command) string {
	d, _ := cmd.Flags().GetString("data")
	return d
}

func walletPath(dir string) string { return filepath.Join(dir, "wallet.json") }
func kvPath(dir string) string     { return filepath.Join(dir, "smsg.db") }
func bucketsDir(dir string) string { return filepath.Join(dir, "buckets") }

// ─── init-identity ──────────────────────────────────────────────────────────

var initIdentityCmd = &cobra.Command{
	Use:   "init-identity",
	Short: "Generate a new wallet address for sending and receiving",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := dataDir(cmd)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
		w, err := loadFileWallet(walletPath(dir))
		if err != nil {
			return err
		}
		addr, err := w.generate()
		if err != nil {
			return err
		}
		if err := w.save(); err != nil {
			return err
		}
		fmt.Printf("New address: %s\n", addr)
		fmt.Printf("Wallet file: %s\n", walletPath(dir))
		return nil
	},
}

// ─── daemon ──────────────────────────────────────────────────────────────────

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background threads: GC, send-queue, inventory push",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := dataDir(cmd)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}

		cfg := config.Default()
		cfg.DataDir = dir

		w, err := loadFileWallet(walletPath(dir))
		if err != nil {
			return err
		}
		if len(w.OwnedAddresses()) == 0 {
			return fmt.Errorf("no identity found — run 'smsgnode init-identity' first")
		}

		kv, err := kvstore.Open(kvPath(dir))
		if err != nil {
			return fmt.Errorf("open kvstore: %w", err)
		}
		defer kv.Close()

		s, err := store.New(bucketsDir(dir), cfg.BucketLen, cfg.Retention, cfg.TimeLeeway)
		if err != nil {
			return fmt.Errorf("open bucket store: %w", err)
		}
		if err := s.BuildIndex(time.Now()); err != nil {
			return fmt.Errorf("rebuild bucket index: %w", err)
		}

		log, _ := zap.NewProduction()
		defer log.Sync()

		eng := engine.New(engine.Config{
			DataDir:     dir,
			Retention:   cfg.Retention,
			BucketLen:   cfg.BucketLen,
			SendDelay:   cfg.SendDelay,
			ThreadDelay: cfg.ThreadDelay,
			TimeLeeway:  cfg.TimeLeeway,
			TimeIgnore:  cfg.TimeIgnore,
			MaxMsgWorst: cfg.MaxMsgWorst,
		}, kv, s, w, &noopOverlay{log: log}, log, engine.WithChainScanner(&noopChainScanner{}))

		eng.Start(cfg.ScanChainAtStartup)
		defer eng.Shutdown()

		fmt.Printf("smsgnode daemon running\n")
		fmt.Printf("  data dir   : %s\n", dir)
		fmt.Printf("  addresses  : %v\n", w.OwnedAddresses())
		fmt.Println("  (no peer transport attached — this process only runs local admission)")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nshutting down")
		return nil
	},
}

// noopOverlay is the peer-connection collaborator used when no host
// process has attached a real transport, per spec section 1's
// Non-goals. Sends are logged and dropped; nothing is ever actually
// misbehaving since there is no peer to misbehave.
type noopOverlay struct{ log *zap.Logger }

func (n *noopOverlay) Send(peerID uint32, command string, payload []byte) error {
	n.log.Debug("overlay send (no transport attached)", zap.Uint32("peer", peerID), zap.String("command", command))
	return nil
}

func (n *noopOverlay) Misbehaving(peerID uint32, score int, reason string) {
	n.log.Warn("peer misbehavior", zap.Uint32("peer", peerID), zap.Int("score", score), zap.String("reason", reason))
}

// noopChainScanner is the ChainScanner used when no host process has
// wired in a real block-chain source of public keys, per spec section
// 1's Non-goals. ScanForPublicKeys returns an already-closed, empty
// channel so Start(true) is a harmless no-op rather than a dead path.
type noopChainScanner struct{}

func (noopChainScanner) ScanForPublicKeys(ctx context.Context) (<-chan overlay.PubKeyObservation, error) {
	ch := make(chan overlay.PubKeyObservation)
	close(ch)
	return ch, nil
}

// ─── send ────────────────────────────────────────────────────────────────────

var sendCmd = &cobra.Command{
	Use:   "send <from-address> <to-address> <message>",
	Short: "Encrypt a message and queue it for proof-of-work admission",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := dataDir(cmd)
		from, to, body := args[0], args[1], args[2]

		recipientPubHex, _ := cmd.Flags().GetString("recipient-pubkey")

		w, err := loadFileWallet(walletPath(dir))
		if err != nil {
			return err
		}
		if _, ok := w.PrivateKeyFor(from); !ok {
			return fmt.Errorf("unknown sender address %q — run 'smsgnode init-identity'", from)
		}

		kv, err := kvstore.Open(kvPath(dir))
		if err != nil {
			return fmt.Errorf("open kvstore: %w", err)
		}
		defer kv.Close()

		if recipientPubHex != "" {
			raw, err := hex.DecodeString(recipientPubHex)
			if err != nil {
				return fmt.Errorf("invalid --recipient-pubkey: %w", err)
			}
			pub, err := btcec.ParsePubKey(raw)
			if err != nil {
				return fmt.Errorf("invalid --recipient-pubkey: %w", err)
			}
			if err := kv.PutPubKey(to, pub, time.Now()); err != nil {
				return err
			}
		}

		cfg := config.Default()
		s, err := store.New(bucketsDir(dir), cfg.BucketLen, cfg.Retention, cfg.TimeLeeway)
		if err != nil {
			return fmt.Errorf("open bucket store: %w", err)
		}

		eng := engine.New(engine.Config{
			DataDir:     dir,
			MaxMsgWorst: cfg.MaxMsgWorst,
		}, kv, s, w, &noopOverlay{log: zap.NewNop()}, nil)

		msg, err := eng.Send(from, to, []byte(body), time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("queued for PoW admission: %s -> %s (%d bytes)\n", msg.From, msg.To, len(msg.Plaintext))
		fmt.Println("run 'smsgnode daemon' to admit and gossip it.")
		return nil
	},
}

// ─── inbox ───────────────────────────────────────────────────────────────────

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List matched inbound messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := dataDir(cmd)
		kv, err := kvstore.Open(kvPath(dir))
		if err != nil {
			return fmt.Errorf("open kvstore: %w", err)
		}
		defer kv.Close()

		entries, err := kv.ListInbox()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("(empty)")
			return nil
		}
		for _, e := range entries {
			tag := "signed"
			if e.Anonymous {
				tag = "anonymous"
			}
			fmt.Printf("[%s] to=%s %s: %s\n", e.Received.Format(time.RFC3339), e.ToAddress, tag, e.Plaintext)
		}
		return nil
	},
}

// ─── status ──────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show wallet addresses, queue depth, and bucket counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := dataDir(cmd)

		w, err := loadFileWallet(walletPath(dir))
		if err != nil {
			return err
		}
		fmt.Printf("Addresses: %v\n", w.OwnedAddresses())

		kv, err := kvstore.Open(kvPath(dir))
		if err != nil {
			fmt.Println("kvstore: not initialized")
			return nil
		}
		defer kv.Close()
		n, err := kv.QueueLen()
		if err != nil {
			return err
		}
		fmt.Printf("Send queue depth: %d\n", n)

		s, err := store.New(bucketsDir(dir), config.Default().BucketLen, config.Default().Retention, config.Default().TimeLeeway)
		if err != nil {
			fmt.Println("bucket store: not initialized")
			return nil
		}
		fmt.Printf("Buckets: %d\n", len(s.BucketStarts()))
		return nil
	},
}

func init() {
	dd := defaultDataDir()
	for _, cmd := range []*cobra.Command{initIdentityCmd, daemonCmd, sendCmd, inboxCmd, statusCmd} {
		cmd.Flags().String("data", dd, "Data directory")
	}
	sendCmd.Flags().String("recipient-pubkey", "", "Hex-encoded compressed secp256k1 public key to register for the recipient address before sending")

	rootCmd.AddCommand(initIdentityCmd, daemonCmd, sendCmd, inboxCmd, statusCmd)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".smsg"
	}
	return filepath.Join(home, ".smsg")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
