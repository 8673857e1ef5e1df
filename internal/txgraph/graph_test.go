package txgraph

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func makeTx(value int64, prevs ...wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for i := range prevs {
		tx.AddTxIn(wire.NewTxIn(&prevs[i], nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(value, []byte{0x51}))
	return tx
}

func TestInsertAndGet(t *testing.T) {
	g := New()
	tx := makeTx(1000)
	txid := g.InsertTx(tx)

	if got := g.Tx(txid); got != tx {
		t.Errorf("Tx(%s) = %v, want inserted tx", txid, got)
	}
	if g.Len() != 1 {
		t.Errorf("Len = %d, want 1", g.Len())
	}

	// Re-inserting is a no-op.
	if again := g.InsertTx(tx); again != txid {
		t.Errorf("re-insert txid = %s, want %s", again, txid)
	}
	if g.Len() != 1 {
		t.Errorf("Len after re-insert = %d, want 1", g.Len())
	}
}

func TestOutspend(t *testing.T) {
	g := New()
	fund := makeTx(5000)
	fundID := g.InsertTx(fund)
	op := wire.OutPoint{Hash: fundID, Index: 0}

	if got := g.Outspend(op); got != nil {
		t.Errorf("Outspend of unspent = %v, want nil", got)
	}

	spendA := makeTx(4000, op)
	spendAID := g.InsertTx(spendA)

	spenders := g.Outspend(op)
	if len(spenders) != 1 || spenders[0] != spendAID {
		t.Errorf("Outspend = %v, want [%s]", spenders, spendAID)
	}

	// A conflicting spend of the same outpoint is tracked alongside.
	spendB := makeTx(3999, op)
	spendBID := g.InsertTx(spendB)
	spenders = g.Outspend(op)
	if len(spenders) != 2 {
		t.Fatalf("Outspend len = %d, want 2 conflicting spenders", len(spenders))
	}
	seen := map[string]bool{}
	for _, txid := range spenders {
		seen[txid.String()] = true
	}
	if !seen[spendAID.String()] || !seen[spendBID.String()] {
		t.Errorf("Outspend = %v, want both %s and %s", spenders, spendAID, spendBID)
	}
}

func TestForEachTxOut(t *testing.T) {
	g := New()
	g.InsertTx(makeTx(1))
	g.InsertTx(makeTx(2))

	var visited int
	g.ForEachTxOut(func(op wire.OutPoint, txout *wire.TxOut) {
		if got := g.Tx(op.Hash); got == nil {
			t.Errorf("visited outpoint %s for unknown tx", op)
		}
		visited++
	})
	if visited != 2 {
		t.Errorf("visited %d outputs, want 2", visited)
	}
}
