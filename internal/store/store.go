// Package store implements the time-partitioned, content-addressed
// message store of spec section 4.C: one append-only file per bucket,
// with an in-memory index rebuilt from disk at startup.
//
// File I/O shape is grounded on Operative-001-lethe/internal/transport/
// tcp.go's readLoop: sequential io.ReadFull calls for a fixed header
// followed by a variable body, stopping cleanly on a short read instead
// of treating it as fatal — tcp.go does this for a length-prefixed frame
// over a socket, store.go does the same for a length-prefixed record in a
// file, and both tolerate a trailing partial unit rather than erroring.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DigitSF/smsg/internal/bucket"
	"github.com/DigitSF/smsg/internal/smsgerr"
	"github.com/DigitSF/smsg/internal/wire"
)

// DirName is the subdirectory under the data directory holding bucket
// files, per spec section 6.
const DirName = "smsgStore"

var fileNameRe = regexp.MustCompile(`^(-?\d+)_01\.dat$`)

// Store owns the on-disk bucket files and the in-memory bucket.Bucket
// index rebuilt from them.
type Store struct {
	dir         string
	bucketLen   time.Duration
	retention   time.Duration
	timeLeeway  time.Duration
	log         *zap.Logger

	mu      sync.RWMutex
	buckets map[int64]*bucket.Bucket
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger overrides the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store rooted at dataDir/smsgStore. It does not scan disk;
// call BuildIndex for that.
func New(dataDir string, bucketLen, retention, timeLeeway time.Duration, opts ...Option) (*Store, error) {
	dir := filepath.Join(dataDir, DirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, smsgerr.New(smsgerr.KindIoError, err)
	}
	s := &Store{
		dir:        dir,
		bucketLen:  bucketLen,
		retention:  retention,
		timeLeeway: timeLeeway,
		log:        zap.NewNop(),
		buckets:    make(map[int64]*bucket.Bucket),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) bucketFile(bucketStart int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_01.dat", bucketStart))
}

// BucketStarts returns every bucket start time currently indexed, sorted
// ascending.
func (s *Store) BucketStarts() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.buckets))
	for b := range s.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Bucket returns the in-memory bucket for bucketStart, or nil if absent.
// The returned pointer is live; callers must hold whatever higher-level
// lock (cs_smsg) guards concurrent mutation before touching it.
func (s *Store) Bucket(bucketStart int64) *bucket.Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buckets[bucketStart]
}

// ensureBucket returns the bucket for bucketStart, creating it lazily.
func (s *Store) ensureBucket(bucketStart int64) *bucket.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketStart]
	if !ok {
		b = &bucket.Bucket{}
		s.buckets[bucketStart] = b
	}
	return b
}

// EnsureBucket is the exported form of ensureBucket, used by the
// gossip handler to lock a bucket that a peer has just told us (via
// smsgHave) it has messages for but that we have no local record of
// yet.
func (s *Store) EnsureBucket(bucketStart int64) *bucket.Bucket {
	return s.ensureBucket(bucketStart)
}

// Store appends header+payload to the appropriate bucket file and inserts
// a token for it into the in-memory index. Returns smsgerr with
// KindDuplicate if an equal token is already present, KindBadArgument if
// the timestamp falls outside the admission window, or KindIoError on any
// filesystem failure.
func (s *Store) Store(header wire.Header, payload []byte, updateHash bool, now time.Time) (bucket.Token, error) {
	ts := header.Timestamp
	if ts > now.Unix()+int64(s.timeLeeway/time.Second) {
		return bucket.Token{}, smsgerr.New(smsgerr.KindBadArgument, errTimestampInFuture)
	}
	if ts < now.Unix()-int64(s.retention/time.Second) {
		return bucket.Token{}, smsgerr.New(smsgerr.KindBadArgument, errTimestampExpired)
	}

	bucketStart := bucket.StartFor(ts, s.bucketLen)
	b := s.ensureBucket(bucketStart)

	sample := wire.Sample(payload)
	probe := bucket.Token{Timestamp: ts, Sample: sample}
	if b.Has(probe) {
		return bucket.Token{}, smsgerr.New(smsgerr.KindDuplicate, nil)
	}

	path := s.bucketFile(bucketStart)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return bucket.Token{}, smsgerr.New(smsgerr.KindIoError, err)
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return bucket.Token{}, smsgerr.New(smsgerr.KindIoError, err)
	}

	env := wire.Envelope{Header: header, Payload: payload}
	env.Header.NPayload = uint32(len(payload))
	if _, err := f.Write(env.Encode()); err != nil {
		return bucket.Token{}, smsgerr.New(smsgerr.KindIoError, err)
	}

	tok := bucket.Token{Timestamp: ts, Sample: sample, Offset: uint64(offset)}
	if err := b.Insert(tok, now); err != nil {
		// Another writer raced us between Has and Insert; surface as
		// Duplicate rather than IoError since the file write already
		// landed a harmless duplicate record on disk.
		return bucket.Token{}, smsgerr.New(smsgerr.KindDuplicate, nil)
	}
	if updateHash {
		b.Rehash(now)
	}
	return tok, nil
}

// Retrieve reads back the envelope identified by token from bucketStart's
// file.
func (s *Store) Retrieve(bucketStart int64, token bucket.Token) (wire.Envelope, error) {
	f, err := os.Open(s.bucketFile(bucketStart))
	if err != nil {
		return wire.Envelope{}, smsgerr.New(smsgerr.KindIoError, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(token.Offset), io.SeekStart); err != nil {
		return wire.Envelope{}, smsgerr.New(smsgerr.KindIoError, err)
	}

	hdrBuf := make([]byte, wire.HdrLen)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		return wire.Envelope{}, smsgerr.New(smsgerr.KindIoError, err)
	}
	h, err := wire.DecodeHeader(hdrBuf)
	if err != nil {
		return wire.Envelope{}, smsgerr.New(smsgerr.KindIoError, err)
	}
	payload := make([]byte, h.NPayload)
	if _, err := io.ReadFull(f, payload); err != nil {
		return wire.Envelope{}, smsgerr.New(smsgerr.KindIoError, err)
	}
	return wire.Envelope{Header: h, Payload: payload}, nil
}

// BuildIndex scans the store directory and rebuilds the in-memory index
// from every bucket file not already past retention. A truncated trailing
// record — the crash-consistency boundary named in spec section 4.C — is
// tolerated silently: the scan just stops at the first short read.
func (s *Store) BuildIndex(now time.Time) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return smsgerr.New(smsgerr.KindIoError, err)
	}

	cutoff := now.Unix() - int64(s.retention/time.Second)

	newBuckets := make(map[int64]*bucket.Bucket)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		m := fileNameRe.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		bucketStart, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		if bucketStart < cutoff {
			s.log.Debug("dropping expired bucket file at startup", zap.Int64("bucket", bucketStart))
			continue
		}

		b, err := s.scanFile(filepath.Join(s.dir, ent.Name()), now)
		if err != nil {
			s.log.Warn("scan bucket file failed", zap.String("file", ent.Name()), zap.Error(err))
			continue
		}
		b.Rehash(now)
		newBuckets[bucketStart] = b
	}

	s.mu.Lock()
	s.buckets = newBuckets
	s.mu.Unlock()
	return nil
}

// scanFile reads one bucket file front-to-back, building the Bucket's
// token set. It stops at the first short read (EOF mid-record), which is
// the expected shape of an interrupted final write.
func (s *Store) scanFile(path string, now time.Time) (*bucket.Bucket, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := &bucket.Bucket{}
	hdrBuf := make([]byte, wire.HdrLen)
	for {
		offset, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return b, nil
		}
		if _, err := io.ReadFull(f, hdrBuf); err != nil {
			// Short/partial header: truncated trailing record, tolerated.
			return b, nil
		}
		h, err := wire.DecodeHeader(hdrBuf)
		if err != nil {
			return b, nil
		}

		sampleBuf := make([]byte, 8)
		n, err := io.ReadFull(f, sampleBuf)
		if err != nil && n < 8 {
			return b, nil
		}
		var sample [8]byte
		copy(sample[:], sampleBuf)

		remaining := int64(h.NPayload) - int64(n)
		if remaining < 0 {
			return b, nil
		}
		if _, err := f.Seek(remaining, io.SeekCurrent); err != nil {
			return b, nil
		}

		tok := bucket.Token{Timestamp: h.Timestamp, Sample: sample, Offset: uint64(offset)}
		if err := b.Insert(tok, now); err != nil {
			// Duplicate records from a prior crash are skipped, not fatal.
			continue
		}
	}
}

// Expire removes every bucket (and its file) whose start is older than
// now-retention. Used by the GC ticker (spec section 4.H).
func (s *Store) Expire(now time.Time) []int64 {
	cutoff := now.Unix() - int64(s.retention/time.Second)

	s.mu.Lock()
	var expired []int64
	for start := range s.buckets {
		if start < cutoff {
			expired = append(expired, start)
			delete(s.buckets, start)
		}
	}
	s.mu.Unlock()

	for _, start := range expired {
		if err := os.Remove(s.bucketFile(start)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove expired bucket file", zap.Int64("bucket", start), zap.Error(err))
		}
	}
	return expired
}
