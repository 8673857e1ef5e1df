package spkindex

import (
	"cmp"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func newTestIndex() *Index[uint32] {
	return New(cmp.Compare[uint32])
}

func script(b byte) []byte {
	return []byte{0x00, 0x14, b}
}

func outpoint(label string, vout uint32) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.HashH([]byte(label)), Index: vout}
}

func TestAddSpkAndLookup(t *testing.T) {
	x := newTestIndex()
	x.AddSpk(0, script(0xaa))
	x.AddSpk(1, script(0xbb))

	if got, ok := x.Script(0); !ok || got[2] != 0xaa {
		t.Errorf("Script(0) = %x (ok=%v), want aa script", got, ok)
	}
	if tag, ok := x.IndexOf(script(0xbb)); !ok || tag != 1 {
		t.Errorf("IndexOf(bb) = %d (ok=%v), want 1", tag, ok)
	}
	if _, ok := x.IndexOf(script(0xcc)); ok {
		t.Error("IndexOf of unwatched script succeeded")
	}
	if x.Len() != 2 {
		t.Errorf("Len = %d, want 2", x.Len())
	}
}

func TestAddSpk_ReplaceReindexes(t *testing.T) {
	x := newTestIndex()
	x.AddSpk(0, script(0xaa))
	x.AddSpk(0, script(0xbb))

	if _, ok := x.IndexOf(script(0xaa)); ok {
		t.Error("old script still indexed after replacement")
	}
	if tag, ok := x.IndexOf(script(0xbb)); !ok || tag != 0 {
		t.Errorf("IndexOf(new) = %d (ok=%v), want 0", tag, ok)
	}
	if x.Len() != 1 {
		t.Errorf("Len = %d, want 1", x.Len())
	}
}

func TestScriptPubkeys_Ordered(t *testing.T) {
	x := newTestIndex()
	x.AddSpk(2, script(2))
	x.AddSpk(0, script(0))
	x.AddSpk(1, script(1))

	spks := x.ScriptPubkeys()
	if len(spks) != 3 {
		t.Fatalf("len = %d, want 3", len(spks))
	}
	for i, ts := range spks {
		if ts.Tag != uint32(i) {
			t.Errorf("spks[%d].Tag = %d, want %d", i, ts.Tag, i)
		}
	}
}

func TestScanTxOut(t *testing.T) {
	x := newTestIndex()
	x.AddSpk(0, script(0xaa))

	op := outpoint("tx1", 0)
	x.ScanTxOut(op, wire.NewTxOut(1000, script(0xaa)))

	if !x.IsUsed(0) {
		t.Error("tag 0 not used after matching scan")
	}
	indexed, ok := x.TxOut(op)
	if !ok || indexed.Tag != 0 || indexed.TxOut.Value != 1000 {
		t.Errorf("TxOut = %+v (ok=%v)", indexed, ok)
	}

	// Non-matching scripts are ignored.
	x.ScanTxOut(outpoint("tx2", 0), wire.NewTxOut(500, script(0xcc)))
	if len(x.TxOuts()) != 1 {
		t.Errorf("TxOuts len = %d, want 1", len(x.TxOuts()))
	}
}

func TestScanTx(t *testing.T) {
	x := newTestIndex()
	x.AddSpk(7, script(0xaa))

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(123, script(0xaa)))
	tx.AddTxOut(wire.NewTxOut(456, script(0xdd)))
	x.ScanTx(tx)

	op := wire.OutPoint{Hash: tx.TxHash(), Index: 0}
	indexed, ok := x.TxOut(op)
	if !ok || indexed.TxOut.Value != 123 {
		t.Errorf("TxOut = %+v (ok=%v), want matched output 0", indexed, ok)
	}
	if len(x.TxOuts()) != 1 {
		t.Errorf("TxOuts len = %d, want 1 (second output unwatched)", len(x.TxOuts()))
	}
}

func TestUnused(t *testing.T) {
	x := newTestIndex()
	for i := uint32(0); i < 5; i++ {
		x.AddSpk(i, script(byte(i)))
	}
	x.ScanTxOut(outpoint("tx1", 0), wire.NewTxOut(1, script(1)))
	x.ScanTxOut(outpoint("tx1", 1), wire.NewTxOut(1, script(3)))

	unused := x.Unused(0, 5)
	if len(unused) != 3 {
		t.Fatalf("unused len = %d, want 3", len(unused))
	}
	want := []uint32{0, 2, 4}
	for i, ts := range unused {
		if ts.Tag != want[i] {
			t.Errorf("unused[%d] = %d, want %d", i, ts.Tag, want[i])
		}
	}

	// Range bounds are honored.
	if got := x.Unused(2, 4); len(got) != 1 || got[0].Tag != 2 {
		t.Errorf("Unused(2, 4) = %v, want just tag 2", got)
	}
}

func TestUnscanTxOut(t *testing.T) {
	x := newTestIndex()
	x.AddSpk(0, script(0xaa))

	op1, op2 := outpoint("tx1", 0), outpoint("tx2", 0)
	x.ScanTxOut(op1, wire.NewTxOut(1, script(0xaa)))
	x.ScanTxOut(op2, wire.NewTxOut(2, script(0xaa)))

	if !x.UnscanTxOut(op1) {
		t.Fatal("UnscanTxOut(op1) = false, want true")
	}
	if !x.IsUsed(0) {
		t.Error("tag demoted while another outpoint still pays it")
	}
	if !x.UnscanTxOut(op2) {
		t.Fatal("UnscanTxOut(op2) = false, want true")
	}
	if x.IsUsed(0) {
		t.Error("tag still used after removing every outpoint")
	}
	if x.UnscanTxOut(op1) {
		t.Error("UnscanTxOut of unknown outpoint = true")
	}
}

func TestMaxInRange(t *testing.T) {
	x := newTestIndex()
	for _, tag := range []uint32{1, 3, 9} {
		x.AddSpk(tag, script(byte(tag)))
	}
	if got, ok := x.MaxInRange(0, 5); !ok || got != 3 {
		t.Errorf("MaxInRange(0, 5) = %d (ok=%v), want 3", got, ok)
	}
	if got, ok := x.MaxInRange(0, 100); !ok || got != 9 {
		t.Errorf("MaxInRange(0, 100) = %d (ok=%v), want 9", got, ok)
	}
	if _, ok := x.MaxInRange(4, 8); ok {
		t.Error("MaxInRange(4, 8) found a tag, want none")
	}
}

func TestScan_Source(t *testing.T) {
	x := newTestIndex()
	x.AddSpk(0, script(0xaa))

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(77, script(0xaa)))
	x.Scan(singleTx{tx})

	if len(x.TxOuts()) != 1 {
		t.Errorf("TxOuts len = %d, want 1", len(x.TxOuts()))
	}
}

// singleTx adapts one transaction to the TxOutSource interface.
type singleTx struct {
	tx *wire.MsgTx
}

func (s singleTx) ForEachTxOut(fn func(op wire.OutPoint, txout *wire.TxOut)) {
	txid := s.tx.TxHash()
	for vout, txout := range s.tx.TxOut {
		fn(wire.OutPoint{Hash: txid, Index: uint32(vout)}, txout)
	}
}
