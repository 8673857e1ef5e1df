// Package txgraph stores full transactions and indexes which transactions
// spend which outpoints.
//
// The graph is the engine's read-only source of transaction data: the chain
// resolves outpoints against it and the scanner walks its outputs. Callers
// (such as the wallet tracker) insert transactions; the chain and the scanner
// only read.
package txgraph

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Graph holds transactions and a spend index keyed by outpoint.
//
// Graph is not safe for concurrent use; callers serialize access.
type Graph struct {
	txs map[chainhash.Hash]*wire.MsgTx
	// spends maps an outpoint to the set of txids spending it. More than
	// one spender can be known at once (conflicting unconfirmed spends).
	spends map[wire.OutPoint]map[chainhash.Hash]struct{}
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		txs:    make(map[chainhash.Hash]*wire.MsgTx),
		spends: make(map[wire.OutPoint]map[chainhash.Hash]struct{}),
	}
}

// InsertTx stores a transaction and records the outpoints its inputs spend.
// Returns the txid. Inserting the same transaction twice is a no-op.
func (g *Graph) InsertTx(tx *wire.MsgTx) chainhash.Hash {
	txid := tx.TxHash()
	if _, ok := g.txs[txid]; ok {
		return txid
	}
	g.txs[txid] = tx
	for _, txin := range tx.TxIn {
		spenders, ok := g.spends[txin.PreviousOutPoint]
		if !ok {
			spenders = make(map[chainhash.Hash]struct{})
			g.spends[txin.PreviousOutPoint] = spenders
		}
		spenders[txid] = struct{}{}
	}
	return txid
}

// Tx returns the transaction for a txid, or nil when unknown.
func (g *Graph) Tx(txid chainhash.Hash) *wire.MsgTx {
	return g.txs[txid]
}

// Len returns the number of stored transactions.
func (g *Graph) Len() int {
	return len(g.txs)
}

// Outspend returns the txids known to spend the given outpoint.
func (g *Graph) Outspend(op wire.OutPoint) []chainhash.Hash {
	spenders := g.spends[op]
	if len(spenders) == 0 {
		return nil
	}
	txids := make([]chainhash.Hash, 0, len(spenders))
	for txid := range spenders {
		txids = append(txids, txid)
	}
	return txids
}

// ForEachTxOut visits every output of every stored transaction.
func (g *Graph) ForEachTxOut(fn func(op wire.OutPoint, txout *wire.TxOut)) {
	for txid, tx := range g.txs {
		for vout, txout := range tx.TxOut {
			fn(wire.OutPoint{Hash: txid, Index: uint32(vout)}, txout)
		}
	}
}
