// Package bucket implements the in-memory index of messages belonging to
// one time window: the BucketToken and Bucket types of spec section 3,
// and the deterministic digest (BucketHash) of section 3/9.
//
// The sorted-set-with-mutex shape is grounded on
// Operative-001-lethe/internal/seen/cache.go's Cache (a mutex-guarded map
// with a bounded lifetime), generalized here to an ordered collection
// since bucket membership must support deterministic, order-independent
// hashing (spec invariant P2) rather than cache's unordered expiry scan.
package bucket

import (
	"sort"
	"time"

	"github.com/OneOfOne/xxhash"
)

// HashSeed is the XXH32 seed used for BucketHash, per spec section 3.
// Grounded on original_source/src/emessage.cpp's use of
// xxhash/xxhash.c's XXH32(data, len, 1) — seed is fixed at 1 for wire
// interoperability, not a tunable.
const HashSeed = 1

// Token is a BucketToken: the compact identifier of a stored message.
// Offset is carry-along I/O metadata and is ignored by Equal and by the
// ordering used for set membership, per spec section 3.
type Token struct {
	Timestamp int64
	Sample    [8]byte
	Offset    uint64
}

// Less implements the total ordering: lexicographic by (Timestamp, Sample).
func (t Token) Less(other Token) bool {
	if t.Timestamp != other.Timestamp {
		return t.Timestamp < other.Timestamp
	}
	for i := range t.Sample {
		if t.Sample[i] != other.Sample[i] {
			return t.Sample[i] < other.Sample[i]
		}
	}
	return false
}

// Equal compares Timestamp and Sample only; Offset is not part of token
// identity.
func (t Token) Equal(other Token) bool {
	return t.Timestamp == other.Timestamp && t.Sample == other.Sample
}

// ErrAlreadyPresent is returned by Insert when an equal token already
// exists in the bucket.
var ErrAlreadyPresent = errAlreadyPresent{}

type errAlreadyPresent struct{}

func (errAlreadyPresent) Error() string { return "bucket: token already present" }

// Bucket is the in-memory index of messages whose timestamp falls in
// [Start, Start+bucketLen). Start itself is tracked by the owner (the
// bucket map is keyed by it); Bucket only carries the mutable state.
type Bucket struct {
	TimeChanged int64
	Hash        uint32
	LockCount   uint32
	LockPeerID  uint32

	tokens []Token // kept sorted by Token.Less at all times
}

// Tokens returns the bucket's tokens in ascending order. The returned
// slice must not be mutated by the caller.
func (b *Bucket) Tokens() []Token {
	return b.tokens
}

// Count returns the number of tokens currently in the bucket.
func (b *Bucket) Count() int {
	return len(b.tokens)
}

func (b *Bucket) search(tok Token) (int, bool) {
	i := sort.Search(len(b.tokens), func(i int) bool {
		return !b.tokens[i].Less(tok)
	})
	if i < len(b.tokens) && b.tokens[i].Equal(tok) {
		return i, true
	}
	return i, false
}

// Has reports whether an equal token (by Timestamp+Sample) is present.
func (b *Bucket) Has(tok Token) bool {
	_, found := b.search(tok)
	return found
}

// Find returns the stored token equal to tok (by Timestamp+Sample),
// which carries the real Offset — unlike a token decoded off the
// wire, which never does. Used by the Want->Msg transition (spec
// section 4.G) to resolve a peer's requested token to a local file
// offset before calling Store.Retrieve.
func (b *Bucket) Find(tok Token) (Token, bool) {
	i, found := b.search(tok)
	if !found {
		return Token{}, false
	}
	return b.tokens[i], true
}

// Insert adds tok to the bucket, keeping tokens sorted. Returns
// ErrAlreadyPresent if an equal token (ignoring Offset) is already
// present — the bucket is left unchanged in that case.
func (b *Bucket) Insert(tok Token, now time.Time) error {
	i, found := b.search(tok)
	if found {
		return ErrAlreadyPresent
	}
	b.tokens = append(b.tokens, Token{})
	copy(b.tokens[i+1:], b.tokens[i:])
	b.tokens[i] = tok
	b.TimeChanged = now.Unix()
	return nil
}

// Rehash recomputes Hash over the concatenation of every token's Sample in
// ascending order (spec section 3: the tokens slice's iteration order is
// itself deterministic, which is what makes the digest order-independent
// across insertion order) and bumps TimeChanged.
func (b *Bucket) Rehash(now time.Time) {
	h := xxhash.NewS32(HashSeed)
	for _, tok := range b.tokens {
		h.Write(tok.Sample[:]) //nolint:errcheck
	}
	b.Hash = h.Sum32()
	b.TimeChanged = now.Unix()
}

// Touch marks the bucket as changed without recomputing the hash — used
// when a lock transitions, which is "any state change visible to peers"
// per spec section 4.B but does not alter the token set.
func (b *Bucket) Touch(now time.Time) {
	b.TimeChanged = now.Unix()
}

// Lock sets LockCount/LockPeerID, per spec section 4.G's Have→Want
// transition (lockCount = 3, lockPeerId = peer).
func (b *Bucket) Lock(peerID uint32, count uint32, now time.Time) {
	b.LockCount = count
	b.LockPeerID = peerID
	b.Touch(now)
}

// Unlock clears the lock fields, per spec section 4.G's Msg-receive and
// lock-timeout transitions.
func (b *Bucket) Unlock(now time.Time) {
	b.LockCount = 0
	b.LockPeerID = 0
	b.Touch(now)
}

// IsLocked reports whether the bucket currently has an active lock.
func (b *Bucket) IsLocked() bool {
	return b.LockCount > 0
}

// DecrementLock decrements LockCount by one if it is non-zero, returning
// true when the lock transitions to zero on this call (the GC ticker uses
// this to decide whether to fire smsgIgnore).
func (b *Bucket) DecrementLock() (justUnlocked bool) {
	if b.LockCount == 0 {
		return false
	}
	b.LockCount--
	if b.LockCount == 0 {
		b.LockPeerID = 0
		return true
	}
	return false
}

// StartFor computes the bucket start time b such that
// b <= timestamp < b+bucketLen, per spec section 3.
func StartFor(timestamp int64, bucketLen time.Duration) int64 {
	secs := int64(bucketLen / time.Second)
	if secs <= 0 {
		return timestamp
	}
	mod := timestamp % secs
	if mod < 0 {
		mod += secs
	}
	return timestamp - mod
}
