package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxGraph is the read-only transaction store the chain consults when
// resolving outpoints. The chain never mutates it.
type TxGraph interface {
	// Tx returns the full transaction for a txid, or nil when unknown.
	Tx(txid chainhash.Hash) *wire.MsgTx
	// Outspend returns the txids known to spend the given outpoint.
	Outspend(op wire.OutPoint) []chainhash.Hash
}

// FullTxOut is a transaction output with as much data as the chain and graph
// can retrieve about it.
type FullTxOut struct {
	Outpoint wire.OutPoint
	TxOut    *wire.TxOut
	// At is the output's chain position (confirmed height or mempool).
	At TxHeight
	// SpentBy is the confirmed transaction spending this output, nil when
	// unspent as far as the chain knows.
	SpentBy *chainhash.Hash
}

// FullTxOut resolves an outpoint against the graph. It returns nil when the
// chain does not know the transaction or the graph cannot supply the output.
func (c *SparseChain) FullTxOut(graph TxGraph, op wire.OutPoint) *FullTxOut {
	at, ok := c.TransactionAt(op.Hash)
	if !ok {
		return nil
	}

	tx := graph.Tx(op.Hash)
	if tx == nil || int(op.Index) >= len(tx.TxOut) {
		return nil
	}

	// Of the spenders the graph knows, at most one can be in the chain.
	var spentBy *chainhash.Hash
	for _, spender := range graph.Outspend(op) {
		if _, confirmed := c.txidHeight[spender]; confirmed {
			spentBy = &spender
			break
		}
	}

	return &FullTxOut{
		Outpoint: op,
		TxOut:    tx.TxOut[op.Index],
		At:       at,
		SpentBy:  spentBy,
	}
}
