package pow

import (
	"testing"
	"time"

	"github.com/DigitSF/smsg/internal/smsgerr"
	"github.com/DigitSF/smsg/internal/wire"
)

func testHeader(payload []byte) wire.Header {
	var h wire.Header
	h.Version = wire.CurrentVersion
	h.Timestamp = time.Now().Unix()
	h.NPayload = uint32(len(payload))
	return h
}

func TestSetHashThenPassesBitTest(t *testing.T) {
	h := testHeader([]byte("payload for proof of work test"))
	payload := []byte("payload for proof of work test")

	if err := SetHash(&h, payload, nil); err != nil {
		t.Fatalf("SetHash: %v", err)
	}

	got := ComputeHash(h, payload)
	if !PassesBitTest(got) {
		t.Fatal("computed hash after SetHash does not pass bit test")
	}
	var want [4]byte
	copy(want[:], got[0:4])
	if h.Hash != want {
		t.Fatalf("header.Hash %v != computed %v", h.Hash, want)
	}
}

func TestSetHashDeterministicComposition(t *testing.T) {
	// Same header+payload must always accept at the same nonce value,
	// since the HMAC composition is pure.
	h1 := testHeader([]byte("deterministic"))
	h2 := h1
	payload := []byte("deterministic")

	if err := SetHash(&h1, payload, nil); err != nil {
		t.Fatal(err)
	}
	if err := SetHash(&h2, payload, nil); err != nil {
		t.Fatal(err)
	}
	if h1.Nonse != h2.Nonse || h1.Hash != h2.Hash {
		t.Fatalf("expected identical nonse/hash for identical input: %v/%v vs %v/%v", h1.Nonse, h1.Hash, h2.Nonse, h2.Hash)
	}
}

func TestSetHashAborts(t *testing.T) {
	h := testHeader([]byte("abort-me"))
	err := SetHash(&h, []byte("abort-me"), func() bool { return true })
	if !smsgerr.Is(err, smsgerr.KindPowAborted) {
		t.Fatalf("expected KindPowAborted, got %v", err)
	}
}

func TestPassesBitTestRejectsNonZeroTrailingBytes(t *testing.T) {
	var h [32]byte
	h[31] = 1 // violates H[31]==0
	if PassesBitTest(h) {
		t.Fatal("expected rejection when H[31] != 0")
	}
}

func TestPassesBitTestAllThreeLowBitsSetRejects(t *testing.T) {
	var h [32]byte
	h[29] = 0b00000111 // ~H[29] & 0b111 == 0
	if PassesBitTest(h) {
		t.Fatal("expected rejection when all three tested bits of H[29] are set")
	}
}

// TestPassesBitTestOnlyChecksParityBit pins the mask the original source
// actually deploys on the wire. Its C++ condition is
// `(~sha256Hash[29]) & ((1<<0) || (1<<1) || (1<<2))`; those `||`s are
// logical-OR, which short-circuits every `1<<n` operand down to the int 1
// before the bitwise AND runs, so the real mask is 1 — only bit 0 of
// ~H[29] is ever tested. A mask=7 reimplementation (the clean-looking but
// wrong "bit0|bit1|bit2" bitwise-OR) would accept the bit1-only and
// bit2-only cases below; this test fails under that mask and passes
// under the deployed one.
func TestPassesBitTestOnlyChecksParityBit(t *testing.T) {
	var bit1Only [32]byte
	bit1Only[29] = 0xFD // ~0xFD == 0x02: bit1 set, bit0 clear
	if PassesBitTest(bit1Only) {
		t.Fatal("bit1-only should be rejected under the deployed mask=1 test")
	}

	var bit2Only [32]byte
	bit2Only[29] = 0xFB // ~0xFB == 0x04: bit2 set, bit0 clear
	if PassesBitTest(bit2Only) {
		t.Fatal("bit2-only should be rejected under the deployed mask=1 test")
	}

	var bit0Only [32]byte
	bit0Only[29] = 0xFE // ~0xFE == 0x01: bit0 set
	if !PassesBitTest(bit0Only) {
		t.Fatal("bit0-only should be accepted under the deployed mask=1 test")
	}
}

func TestComputeHashDependsOnPayload(t *testing.T) {
	h := testHeader([]byte("x"))
	a := ComputeHash(h, []byte("x"))
	// Changing payload changes the hash (sanity: not ignoring payload).
	b := ComputeHash(h, []byte("y"))
	if a == b {
		t.Fatal("expected different hash for different payload")
	}
}
