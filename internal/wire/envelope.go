// Package wire defines the SecureMessage envelope: the fixed header plus
// variable ciphertext payload that is the unit of storage and exchange for
// the rest of the core.
//
// Shaped after Operative-001-lethe/internal/protocol/packet.go's
// Encode/Decode pattern (fixed fields marshalled into a byte slice by
// hand), but unlike the teacher's fixed-size, padded-to-PacketSize
// packet, the envelope's payload is variable-length — bucket storage and
// the smsgMsg wire bunches both need to know the true payload length up
// front rather than padding every message out to a worst case.
package wire

import (
	"encoding/binary"
	"errors"
)

// Field sizes, per spec section 3/6.
const (
	HashLen      = 4
	VersionLen   = 1
	TimestampLen = 8
	IVLen        = 16
	CpkRLen      = 33
	DestHashLen  = 20
	MacLen       = 32
	NonseLen     = 4
	NPayloadLen  = 4

	// HdrLen is SMSG_HDR_LEN.
	HdrLen = HashLen + VersionLen + TimestampLen + IVLen + CpkRLen + DestHashLen + MacLen + NonseLen + NPayloadLen

	// CurrentVersion is the only version this implementation accepts.
	CurrentVersion = 1
)

var (
	ErrShortHeader  = errors.New("wire: buffer shorter than header")
	ErrShortPayload = errors.New("wire: buffer shorter than declared payload")
)

// Header is the fixed-size prefix of a SecureMessage.
type Header struct {
	Hash      [HashLen]byte
	Version   byte
	Timestamp int64 // little-endian signed on the wire
	IV        [IVLen]byte
	CpkR      [CpkRLen]byte // compressed ephemeral secp256k1 point
	DestHash  [DestHashLen]byte // reserved, always zero
	Mac       [MacLen]byte
	Nonse     [NonseLen]byte
	NPayload  uint32
}

// Envelope is a Header plus its ciphertext payload.
type Envelope struct {
	Header  Header
	Payload []byte
}

// EncodeHeader marshals h into exactly HdrLen bytes.
func (h *Header) EncodeHeader() []byte {
	buf := make([]byte, HdrLen)
	off := 0
	copy(buf[off:], h.Hash[:])
	off += HashLen
	buf[off] = h.Version
	off += VersionLen
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.Timestamp))
	off += TimestampLen
	copy(buf[off:], h.IV[:])
	off += IVLen
	copy(buf[off:], h.CpkR[:])
	off += CpkRLen
	copy(buf[off:], h.DestHash[:])
	off += DestHashLen
	copy(buf[off:], h.Mac[:])
	off += MacLen
	copy(buf[off:], h.Nonse[:])
	off += NonseLen
	binary.LittleEndian.PutUint32(buf[off:], h.NPayload)
	return buf
}

// DecodeHeader parses exactly HdrLen bytes into a Header.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HdrLen {
		return h, ErrShortHeader
	}
	off := 0
	copy(h.Hash[:], b[off:])
	off += HashLen
	h.Version = b[off]
	off += VersionLen
	h.Timestamp = int64(binary.LittleEndian.Uint64(b[off:]))
	off += TimestampLen
	copy(h.IV[:], b[off:])
	off += IVLen
	copy(h.CpkR[:], b[off:])
	off += CpkRLen
	copy(h.DestHash[:], b[off:])
	off += DestHashLen
	copy(h.Mac[:], b[off:])
	off += MacLen
	copy(h.Nonse[:], b[off:])
	off += NonseLen
	h.NPayload = binary.LittleEndian.Uint32(b[off:])
	return h, nil
}

// Encode marshals the full envelope: header followed by payload.
func (e *Envelope) Encode() []byte {
	hdr := e.Header.EncodeHeader()
	out := make([]byte, len(hdr)+len(e.Payload))
	copy(out, hdr)
	copy(out[len(hdr):], e.Payload)
	return out
}

// Decode parses a full envelope from b. The payload slice is a copy, not a
// re-slice of b, so callers may reuse b's backing array.
func Decode(b []byte) (Envelope, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Envelope{}, err
	}
	if uint32(len(b)-HdrLen) < h.NPayload {
		return Envelope{}, ErrShortPayload
	}
	payload := make([]byte, h.NPayload)
	copy(payload, b[HdrLen:HdrLen+int(h.NPayload)])
	return Envelope{Header: h, Payload: payload}, nil
}

// HashPreimage returns header[4..HdrLen] (everything but the hash field),
// the slice the PoW HMAC and validator operate over per spec section 4.D.
func (h *Header) HashPreimage() []byte {
	full := h.EncodeHeader()
	return full[HashLen:]
}

// Sample returns the first 8 bytes of payload, used as the BucketToken
// sample. Per spec design note 9, this MUST be derived from the payload's
// leading bytes on both the writer and reader side — never from a pointer
// or record address, which the original implementation did for its
// send-queue and outbox keys and which spec section 9 flags as an
// unintended bug not to be reproduced.
func Sample(payload []byte) [8]byte {
	var s [8]byte
	copy(s[:], payload)
	return s
}
