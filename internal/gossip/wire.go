// Package gossip implements the anti-entropy wire protocol of spec
// section 4.G: the smsg* command encoders/decoders and the session
// handler that drives bucket reconciliation between two peers.
//
// There is no teacher analogue for a reconciliation protocol (lethe
// floods identical packets to every peer instead of comparing state),
// so the message shapes are grounded directly on spec sections 3/6 and
// original_source/src/emessage.cpp's SecureMsgInv/SecureMsgShow/
// SecureMsgHave/SecureMsgWant/SecureMsgMsg handlers, which this
// package's Encode/Decode pairs are a literal transcription of. The
// fixed-field little-endian Encode/Decode shape itself follows
// Operative-001-lethe/internal/protocol/packet.go.
package gossip

import (
	"encoding/binary"
	"errors"

	"github.com/DigitSF/smsg/internal/bucket"
)

// Command names, per spec section 6.
const (
	CmdPing     = "smsgPing"
	CmdPong     = "smsgPong"
	CmdDisabled = "smsgDisabled"
	CmdIgnore   = "smsgIgnore"
	CmdMatch    = "smsgMatch"
	CmdInv      = "smsgInv"
	CmdShow     = "smsgShow"
	CmdHave     = "smsgHave"
	CmdWant     = "smsgWant"
	CmdMsg      = "smsgMsg"
)

var errShortBuffer = errors.New("gossip: buffer too short")

// InvEntry is one bucket summary carried in smsgInv.
type InvEntry struct {
	BucketStart int64
	Count       uint32
	Hash        uint32
}

// EncodeTime encodes an i64 time payload, used by smsgIgnore/smsgMatch.
func EncodeTime(t int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(t))
	return buf
}

// DecodeTime decodes an smsgIgnore/smsgMatch payload.
func DecodeTime(b []byte) (int64, error) {
	if len(b) < 8 {
		return 0, errShortBuffer
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// EncodeInv encodes smsgInv: u32 n || n x (i64 bkt, u32 count, u32 hash).
func EncodeInv(entries []InvEntry) []byte {
	buf := make([]byte, 4+len(entries)*16)
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.BucketStart))
		binary.LittleEndian.PutUint32(buf[off+8:], e.Count)
		binary.LittleEndian.PutUint32(buf[off+12:], e.Hash)
		off += 16
	}
	return buf
}

// DecodeInv decodes an smsgInv payload.
func DecodeInv(b []byte) ([]InvEntry, error) {
	if len(b) < 4 {
		return nil, errShortBuffer
	}
	n := binary.LittleEndian.Uint32(b)
	out := make([]InvEntry, 0, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		if len(b) < off+16 {
			return nil, errShortBuffer
		}
		out = append(out, InvEntry{
			BucketStart: int64(binary.LittleEndian.Uint64(b[off:])),
			Count:       binary.LittleEndian.Uint32(b[off+8:]),
			Hash:        binary.LittleEndian.Uint32(b[off+12:]),
		})
		off += 16
	}
	return out, nil
}

// EncodeShow encodes smsgShow: u32 n || n x i64 bkt.
func EncodeShow(starts []int64) []byte {
	buf := make([]byte, 4+len(starts)*8)
	binary.LittleEndian.PutUint32(buf, uint32(len(starts)))
	off := 4
	for _, s := range starts {
		binary.LittleEndian.PutUint64(buf[off:], uint64(s))
		off += 8
	}
	return buf
}

// DecodeShow decodes an smsgShow payload.
func DecodeShow(b []byte) ([]int64, error) {
	if len(b) < 4 {
		return nil, errShortBuffer
	}
	n := binary.LittleEndian.Uint32(b)
	out := make([]int64, 0, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		if len(b) < off+8 {
			return nil, errShortBuffer
		}
		out = append(out, int64(binary.LittleEndian.Uint64(b[off:])))
		off += 8
	}
	return out, nil
}

// EncodeTokenList encodes smsgHave/smsgWant: i64 bkt || k x (i64 ts, u8[8] sample).
func EncodeTokenList(bucketStart int64, tokens []bucket.Token) []byte {
	buf := make([]byte, 8+len(tokens)*16)
	binary.LittleEndian.PutUint64(buf, uint64(bucketStart))
	off := 8
	for _, tok := range tokens {
		binary.LittleEndian.PutUint64(buf[off:], uint64(tok.Timestamp))
		copy(buf[off+8:off+16], tok.Sample[:])
		off += 16
	}
	return buf
}

// DecodeTokenList decodes an smsgHave/smsgWant payload.
func DecodeTokenList(b []byte) (bucketStart int64, tokens []bucket.Token, err error) {
	if len(b) < 8 {
		return 0, nil, errShortBuffer
	}
	bucketStart = int64(binary.LittleEndian.Uint64(b))
	off := 8
	for off+16 <= len(b) {
		var tok bucket.Token
		tok.Timestamp = int64(binary.LittleEndian.Uint64(b[off:]))
		copy(tok.Sample[:], b[off+8:off+16])
		tokens = append(tokens, tok)
		off += 16
	}
	if off != len(b) {
		return 0, nil, errShortBuffer
	}
	return bucketStart, tokens, nil
}

// MsgBunch is the decoded form of an smsgMsg frame: every envelope
// destined for one bucket, already validated by the sender.
type MsgBunch struct {
	BucketStart int64
	Envelopes   [][]byte // each a full wire.Envelope.Encode() blob
}

// MaxBunchCount and MaxBunchBytes are the smsgMsg framing limits of
// spec section 4.G's Want->Msg transition.
const (
	MaxBunchCount = 500
	MaxBunchBytes = 96000
)

// EncodeMsgBunches splits envelopes into one or more smsgMsg frames,
// each holding at most MaxBunchCount envelopes and at most
// MaxBunchBytes bytes of envelope data. The 12-byte frame header and
// the 4-byte length prefix per envelope are not counted, and an
// envelope larger than MaxBunchBytes is sent alone in its own frame.
func EncodeMsgBunches(bucketStart int64, envelopes [][]byte) [][]byte {
	var frames [][]byte
	var cur [][]byte
	curBytes := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		frames = append(frames, encodeOneBunch(bucketStart, cur))
		cur = nil
		curBytes = 0
	}

	for _, env := range envelopes {
		if len(cur) >= MaxBunchCount || (curBytes+len(env) > MaxBunchBytes && len(cur) > 0) {
			flush()
		}
		cur = append(cur, env)
		curBytes += len(env)
	}
	flush()
	return frames
}

func encodeOneBunch(bucketStart int64, envelopes [][]byte) []byte {
	total := 4 + 8
	for _, e := range envelopes {
		total += 4 + len(e)
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf, uint32(len(envelopes)))
	binary.LittleEndian.PutUint64(buf[4:], uint64(bucketStart))
	off := 12
	for _, e := range envelopes {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e)))
		off += 4
		copy(buf[off:], e)
		off += len(e)
	}
	return buf
}

// DecodeMsgBunch decodes one smsgMsg frame.
func DecodeMsgBunch(b []byte) (MsgBunch, error) {
	if len(b) < 12 {
		return MsgBunch{}, errShortBuffer
	}
	n := binary.LittleEndian.Uint32(b)
	bucketStart := int64(binary.LittleEndian.Uint64(b[4:]))
	off := 12
	envelopes := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < off+4 {
			return MsgBunch{}, errShortBuffer
		}
		elen := binary.LittleEndian.Uint32(b[off:])
		off += 4
		if len(b) < off+int(elen) {
			return MsgBunch{}, errShortBuffer
		}
		envelopes = append(envelopes, b[off:off+int(elen)])
		off += int(elen)
	}
	return MsgBunch{BucketStart: bucketStart, Envelopes: envelopes}, nil
}
