// Package validator implements the structural admission check of spec
// section 4.E: version, size bound, and proof-of-work recomputation,
// each failure reported as a distinct smsgerr.Kind so the protocol
// handler (4.G) can assign differentiated misbehavior scores.
//
// Grounded on Operative-001-lethe/internal/protocol/packet.go's
// Validate method, which runs the same "decode, then check fixed
// fields in order, return the first failing Kind" shape for its own
// transport packets.
package validator

import (
	"github.com/DigitSF/smsg/internal/pow"
	"github.com/DigitSF/smsg/internal/smsgerr"
	"github.com/DigitSF/smsg/internal/wire"
)

// Validate checks header+payload against the fixed admission rules of
// spec section 4.E. It returns nil on success, or an *smsgerr.Error
// with one of KindInvalidVersion, KindPayloadTooLarge, KindInvalidPow,
// or KindChecksumMismatch.
func Validate(header wire.Header, payload []byte, maxMsgWorst int) error {
	if header.Version != wire.CurrentVersion {
		return smsgerr.New(smsgerr.KindInvalidVersion, nil)
	}
	if int(header.NPayload) > maxMsgWorst || len(payload) > maxMsgWorst {
		return smsgerr.New(smsgerr.KindPayloadTooLarge, nil)
	}

	h := pow.ComputeHash(header, payload)
	if !pow.PassesBitTest(h) {
		return smsgerr.New(smsgerr.KindInvalidPow, nil)
	}
	var got [4]byte
	copy(got[:], h[0:4])
	if got != header.Hash {
		return smsgerr.New(smsgerr.KindChecksumMismatch, nil)
	}
	return nil
}
