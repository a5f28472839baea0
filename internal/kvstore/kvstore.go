// Package kvstore persists the four record stores named in spec
// section 2/6 — the public-key directory, the inbox, the outbox, and
// the send queue — in a single bbolt database file.
//
// Grounded on Operative-001-lethe/internal/directory/dir.go: one
// bolt.DB opened with a connect timeout, one top-level bucket per
// record kind created with CreateBucketIfNotExists, JSON-encoded
// values, View/Update closures per operation. This package
// generalizes that shape from a single signed-entry bucket to the
// four buckets spec section 2 names, and adds the FIFO sequence
// keying the send queue needs that the directory never did.
package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/DigitSF/smsg/internal/smsgerr"
	"github.com/DigitSF/smsg/internal/wire"
)

var (
	bucketPubKeys  = []byte("pubkeys")
	bucketInbox    = []byte("inbox")
	bucketUnread   = []byte("unread")
	bucketOutbox   = []byte("outbox")
	bucketSendQ    = []byte("sendqueue")
)

// Store is the bbolt-backed home for every persistent record kind the
// core owns directly (as opposed to the bucket store, internal/store,
// which owns the wire-format message files).
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, smsgerr.New(smsgerr.KindIoError, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPubKeys, bucketInbox, bucketUnread, bucketOutbox, bucketSendQ} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, smsgerr.New(smsgerr.KindIoError, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Public-key directory -------------------------------------------------

type pubKeyRecord struct {
	Pub      []byte `json:"pub"`
	SeenUnix int64  `json:"seen_unix"`
}

// PutPubKey records the public key observed for address, keeping the
// most recently seen one. Used both by the decrypt path (spec 4.F's
// "persist the pubkey into the directory") and by the chain-scan
// supplement (SPEC_FULL's ChainScanner feed).
func (s *Store) PutPubKey(address string, pub *btcec.PublicKey, seenAt time.Time) error {
	rec := pubKeyRecord{Pub: pub.SerializeCompressed(), SeenUnix: seenAt.Unix()}
	data, err := json.Marshal(rec)
	if err != nil {
		return smsgerr.New(smsgerr.KindIoError, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPubKeys)
		if existing := bkt.Get([]byte(address)); existing != nil {
			var old pubKeyRecord
			if json.Unmarshal(existing, &old) == nil && old.SeenUnix > rec.SeenUnix {
				return nil
			}
		}
		return bkt.Put([]byte(address), data)
	})
	if err != nil {
		return smsgerr.New(smsgerr.KindIoError, err)
	}
	return nil
}

// LookupPubKey returns the directory's most recent key for address, if any.
func (s *Store) LookupPubKey(address string) (*btcec.PublicKey, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPubKeys).Get([]byte(address))
		if v != nil {
			data = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, smsgerr.New(smsgerr.KindIoError, err)
	}
	if data == nil {
		return nil, false, nil
	}
	var rec pubKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, smsgerr.New(smsgerr.KindIoError, err)
	}
	pub, err := btcec.ParsePubKey(rec.Pub)
	if err != nil {
		return nil, false, smsgerr.New(smsgerr.KindIoError, err)
	}
	return pub, true, nil
}

// --- Inbox -----------------------------------------------------------------

// InboxKey is timestamp(8) || sample(8), per spec section 4.J.
type InboxKey [16]byte

func inboxKey(timestamp int64, sample [8]byte) InboxKey {
	var k InboxKey
	binary.BigEndian.PutUint64(k[:8], uint64(timestamp))
	copy(k[8:], sample[:])
	return k
}

// InboxEntry is a matched, decrypted message addressed to one of the
// node's own wallet addresses.
type InboxEntry struct {
	Key       InboxKey
	ToAddress string
	Anonymous bool
	FromKeyID [20]byte
	Plaintext []byte
	Received  time.Time
	RawHeader wire.Header
}

type inboxRecord struct {
	ToAddress   string `json:"to_address"`
	Anonymous   bool   `json:"anonymous"`
	FromKeyID   []byte `json:"from_key_id"`
	Plaintext   []byte `json:"plaintext"`
	ReceivedAt  int64  `json:"received_at"`
	HeaderBytes []byte `json:"header_bytes"`
}

// PutInboxEntry stores e, keyed by timestamp||sample. Returns
// isNew=false without error if an entry already exists at that key,
// matching spec section 4.J's "skip if already present".
func (s *Store) PutInboxEntry(e InboxEntry) (isNew bool, err error) {
	rec := inboxRecord{
		ToAddress:   e.ToAddress,
		Anonymous:   e.Anonymous,
		FromKeyID:   e.FromKeyID[:],
		Plaintext:   e.Plaintext,
		ReceivedAt:  e.Received.Unix(),
		HeaderBytes: e.RawHeader.EncodeHeader(),
	}
	data, jerr := json.Marshal(rec)
	if jerr != nil {
		return false, smsgerr.New(smsgerr.KindIoError, jerr)
	}

	txErr := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketInbox)
		if bkt.Get(e.Key[:]) != nil {
			isNew = false
			return nil
		}
		if err := bkt.Put(e.Key[:], data); err != nil {
			return err
		}
		isNew = true
		return tx.Bucket(bucketUnread).Put(e.Key[:], []byte{1})
	})
	if txErr != nil {
		return false, smsgerr.New(smsgerr.KindIoError, txErr)
	}
	return isNew, nil
}

// NewInboxKey derives the inbox key for a decrypted message, per spec
// section 4.J.
func NewInboxKey(timestamp int64, sample [8]byte) InboxKey {
	return inboxKey(timestamp, sample)
}

// ListInbox returns every inbox entry, in key order.
func (s *Store) ListInbox() ([]InboxEntry, error) {
	var out []InboxEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInbox).ForEach(func(k, v []byte) error {
			var rec inboxRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			var key InboxKey
			copy(key[:], k)
			h, err := wire.DecodeHeader(rec.HeaderBytes)
			if err != nil {
				return err
			}
			var fromKeyID [20]byte
			copy(fromKeyID[:], rec.FromKeyID)
			out = append(out, InboxEntry{
				Key:       key,
				ToAddress: rec.ToAddress,
				Anonymous: rec.Anonymous,
				FromKeyID: fromKeyID,
				Plaintext: rec.Plaintext,
				Received:  time.Unix(rec.ReceivedAt, 0),
				RawHeader: h,
			})
			return nil
		})
	})
	if err != nil {
		return nil, smsgerr.New(smsgerr.KindIoError, err)
	}
	return out, nil
}

// UnreadKeys returns the packed list of unread inbox keys, per spec
// section 4.J's "append the key to a packed unread list".
func (s *Store) UnreadKeys() ([]InboxKey, error) {
	var out []InboxKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnread).ForEach(func(k, _ []byte) error {
			var key InboxKey
			copy(key[:], k)
			out = append(out, key)
			return nil
		})
	})
	if err != nil {
		return nil, smsgerr.New(smsgerr.KindIoError, err)
	}
	return out, nil
}

// MarkRead removes key from the unread list.
func (s *Store) MarkRead(key InboxKey) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnread).Delete(key[:])
	})
	if err != nil {
		return smsgerr.New(smsgerr.KindIoError, err)
	}
	return nil
}

// --- Outbox ------------------------------------------------------------

// OutboxEntry records a message this node originated, for the
// sender's own history view.
type OutboxEntry struct {
	Key       InboxKey
	FromAddress string
	ToAddress   string
	Plaintext   []byte
	SentAt      time.Time
}

type outboxRecord struct {
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Plaintext   []byte `json:"plaintext"`
	SentAtUnix  int64  `json:"sent_at"`
}

// PutOutboxEntry stores e.
func (s *Store) PutOutboxEntry(e OutboxEntry) error {
	rec := outboxRecord{
		FromAddress: e.FromAddress,
		ToAddress:   e.ToAddress,
		Plaintext:   e.Plaintext,
		SentAtUnix:  e.SentAt.Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return smsgerr.New(smsgerr.KindIoError, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).Put(e.Key[:], data)
	})
	if err != nil {
		return smsgerr.New(smsgerr.KindIoError, err)
	}
	return nil
}

// ListOutbox returns every outbox entry.
func (s *Store) ListOutbox() ([]OutboxEntry, error) {
	var out []OutboxEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var rec outboxRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			var key InboxKey
			copy(key[:], k)
			out = append(out, OutboxEntry{
				Key:         key,
				FromAddress: rec.FromAddress,
				ToAddress:   rec.ToAddress,
				Plaintext:   rec.Plaintext,
				SentAt:      time.Unix(rec.SentAtUnix, 0),
			})
			return nil
		})
	})
	if err != nil {
		return nil, smsgerr.New(smsgerr.KindIoError, err)
	}
	return out, nil
}

// --- Send queue --------------------------------------------------------

// QueueItem is one pending outbound message awaiting PoW, per spec
// section 4.I.
type QueueItem struct {
	Seq      uint64
	Header   wire.Header
	Payload  []byte
	Enqueued time.Time
}

type queueRecord struct {
	HeaderBytes []byte `json:"header_bytes"`
	Payload     []byte `json:"payload"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Enqueue appends a pending item and returns its sequence number.
// Sequence numbers are assigned from bbolt's bucket NextSequence, so
// a cursor walk in key order is a FIFO walk, matching spec section
// 4.I's "FIFO cursor over the send queue".
func (s *Store) Enqueue(header wire.Header, payload []byte, now time.Time) (uint64, error) {
	rec := queueRecord{HeaderBytes: header.EncodeHeader(), Payload: payload, EnqueuedAt: now.Unix()}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, smsgerr.New(smsgerr.KindIoError, err)
	}

	var seq uint64
	txErr := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketSendQ)
		seq, err = bkt.NextSequence()
		if err != nil {
			return err
		}
		return bkt.Put(seqKey(seq), data)
	})
	if txErr != nil {
		return 0, smsgerr.New(smsgerr.KindIoError, txErr)
	}
	return seq, nil
}

// PeekFront returns the oldest queued item without removing it.
func (s *Store) PeekFront() (QueueItem, bool, error) {
	var item QueueItem
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSendQ).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		var rec queueRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		h, err := wire.DecodeHeader(rec.HeaderBytes)
		if err != nil {
			return err
		}
		item = QueueItem{
			Seq:      binary.BigEndian.Uint64(k),
			Header:   h,
			Payload:  rec.Payload,
			Enqueued: time.Unix(rec.EnqueuedAt, 0),
		}
		found = true
		return nil
	})
	if err != nil {
		return QueueItem{}, false, smsgerr.New(smsgerr.KindIoError, err)
	}
	return item, found, nil
}

// DeleteQueueItem removes the item at seq, applied after a successful
// PoW+store (spec section 4.I) or after it is dropped for PowNotFound.
func (s *Store) DeleteQueueItem(seq uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSendQ).Delete(seqKey(seq))
	})
	if err != nil {
		return smsgerr.New(smsgerr.KindIoError, err)
	}
	return nil
}

// QueueLen reports how many items are currently queued.
func (s *Store) QueueLen() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketSendQ).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, smsgerr.New(smsgerr.KindIoError, err)
	}
	return n, nil
}
