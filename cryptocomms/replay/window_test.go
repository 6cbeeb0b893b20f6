package replay

import (
	"testing"

	"github.com/cryptocomms/cryptocomms/cryptocomms/protocol"
	"github.com/cryptocomms/cryptocomms/cryptocomms/rtt"
)

func TestLogThenSeenIsTrue(t *testing.T) {
	w := New(rtt.New())
	w.Log(42)
	if !w.Seen(42) {
		t.Fatalf("expected logged msgnum to be seen")
	}
}

func TestBelowBaseAlwaysSeen(t *testing.T) {
	w := New(rtt.New())
	// push the window far forward so msgnum 0 falls below base
	w.Log(protocol.MsgNum(BlockSize * MaxBlocks * 4))
	if !w.Seen(0) {
		t.Fatalf("numbers below window_base must report seen=true")
	}
}

func TestAboveWindowNotSeen(t *testing.T) {
	w := New(rtt.New())
	if w.Seen(1000000) {
		t.Fatalf("numbers above the window must report seen=false")
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	w := New(rtt.New())
	w.Log(10)
	w.Log(10)
	if !w.Seen(10) {
		t.Fatalf("expected idempotent log to remain seen")
	}
}

func TestResetClearsWindow(t *testing.T) {
	w := New(rtt.New())
	w.Log(5)
	w.Reset()
	if w.Seen(5) {
		t.Fatalf("reset should forget previously logged numbers")
	}
	if w.base != 0 || w.currentIdx != 0 {
		t.Fatalf("reset should restore base/currentIdx to 0")
	}
}

// TestWindowAdvancesByWholeBlocks mirrors the concrete end-to-end scenario
// from the spec: log MsgNums at H, H-256, H-2*256, ... H-63*256 (filling
// every block within the RTT horizon), then log H+3*256. The window should
// advance by exactly 3 blocks, keeping H-63*256 visible while discarding
// H-64*256.
func TestWindowAdvancesByWholeBlocks(t *testing.T) {
	tracker := rtt.New()
	tracker.Update(1000) // generous RTT so blocks look "fresh"
	w := New(tracker)

	H := uint64(BlockSize * MaxBlocks * 10)
	for k := uint64(0); k < MaxBlocks; k++ {
		w.Log(protocol.MsgNum(H - k*BlockSize))
	}

	w.Log(protocol.MsgNum(H + 3*BlockSize))

	if !w.Seen(protocol.MsgNum(H - (MaxBlocks-1)*BlockSize)) {
		t.Fatalf("H-63*256 should still be visible after a 3-block advance")
	}
	if !w.Seen(protocol.MsgNum(H - MaxBlocks*BlockSize)) {
		t.Fatalf("H-64*256 should report seen=true (it fell below the new base)")
	}
}

func TestWindowEnlargesWhenBlockStillFresh(t *testing.T) {
	tracker := rtt.New()
	tracker.Update(1_000_000) // huge RTT: every block looks fresh
	w := New(tracker)

	// write into block 0 so it is "fresh" (written within RTT) and
	// unsaturated, then log far enough forward to force at least one block
	// move; the window should grow instead of discarding block 0.
	w.Log(0)
	w.Log(protocol.MsgNum(BlockSize * 5))
	if len(w.blocks) <= 1 {
		t.Fatalf("expected window to enlarge rather than discard a fresh block, got %d blocks", len(w.blocks))
	}
	if !w.Seen(0) {
		t.Fatalf("original block 0 should have been preserved by enlargement")
	}
}

// TestWindowMovesPlainlyWithZeroRTT exercises the realistic production
// path: a fresh Tracker (CurrentRTT()==0, since nothing ever calls
// Update outside a handshake-less test) and a forward jump past the
// single allocated block. With no live block found within the RTT
// horizon, the window must advance by the full forwardBlocks*256 and
// never enlarge — the "otherwise" branch of the spec's block-reuse
// algorithm, not a partial reallocate.
func TestWindowMovesPlainlyWithZeroRTT(t *testing.T) {
	w := New(rtt.New())

	w.Log(1000)

	if len(w.blocks) != 1 {
		t.Fatalf("expected window to stay at 1 block, got %d", len(w.blocks))
	}
	if w.base != 768 {
		t.Fatalf("expected base to advance by the full 3 blocks (768), got %d", w.base)
	}
	if !w.Seen(0) {
		t.Fatalf("msgnum 0 fell below the new base and must be reported as seen")
	}
	if !w.Seen(1000) {
		t.Fatalf("expected 1000 to be seen after logging it")
	}
}

func TestWindowCapsAtMaxBlocks(t *testing.T) {
	tracker := rtt.New()
	tracker.Update(1_000_000)
	w := New(tracker)

	// repeatedly force moves far beyond the window so it keeps trying to
	// enlarge; it must never exceed MaxBlocks.
	for i := uint64(1); i <= MaxBlocks+10; i++ {
		w.Log(protocol.MsgNum(i * BlockSize * 2))
	}
	if len(w.blocks) > MaxBlocks {
		t.Fatalf("window grew past MaxBlocks: %d", len(w.blocks))
	}
}
