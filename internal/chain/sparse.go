// Package chain implements a reorg-aware sparse index of transactions
// against block checkpoints.
//
// A SparseChain records (height, hash) checkpoints for the blocks it has
// observed and the confirmation height of every transaction it has been told
// about, without requiring the checkpoints to be contiguous. Updates arrive
// as two-phase checkpoint candidates: all validation happens before any
// mutation, so a rejected candidate leaves the chain untouched.
package chain

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/btree"
)

// btreeDegree is the branching factor for the internal ordered sets.
const btreeDegree = 32

// BlockID identifies a block by height and hash.
type BlockID struct {
	Height uint32
	Hash   chainhash.Hash
}

func (b BlockID) String() string {
	return fmt.Sprintf("%d:%s", b.Height, b.Hash)
}

// TxHeight locates a transaction in the chain: confirmed at Height when
// Confirmed is set, otherwise in the mempool.
type TxHeight struct {
	Height    uint32
	Confirmed bool
}

// HeightTxid is a confirmed transaction keyed by (height, txid).
type HeightTxid struct {
	Height uint32
	Txid   chainhash.Hash
}

// TxRef is a transaction id together with its chain position.
type TxRef struct {
	Txid chainhash.Hash
	At   TxHeight
}

// checkpoint is the internal btree item for the height-to-hash mapping.
type checkpoint struct {
	height uint32
	hash   chainhash.Hash
}

func lessCheckpoint(a, b checkpoint) bool {
	return a.height < b.height
}

func lessHeightTxid(a, b HeightTxid) bool {
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	return bytes.Compare(a.Txid[:], b.Txid[:]) < 0
}

// SparseChain is a checkpoint ledger with a transaction-height index and a
// mempool set. The zero limit keeps every checkpoint.
//
// SparseChain is not safe for concurrent use; callers serialize access.
type SparseChain struct {
	// checkpoints maps height to block hash, ascending by height. The
	// largest entry is the tip.
	checkpoints *btree.BTreeG[checkpoint]
	// txidByHeight orders confirmed transactions by (height, txid),
	// enabling per-height range scans.
	txidByHeight *btree.BTreeG[HeightTxid]
	// txidHeight is the inverse mapping, kept consistent with
	// txidByHeight at all times.
	txidHeight map[chainhash.Hash]uint32
	// mempool holds unconfirmed txids, disjoint from txidHeight.
	mempool map[chainhash.Hash]struct{}
	// checkpointLimit bounds retained checkpoints to the most recent
	// limit+1; zero or negative means unbounded.
	checkpointLimit int
}

// New creates an empty sparse chain with no checkpoint limit.
func New() *SparseChain {
	return &SparseChain{
		checkpoints:  btree.NewG(btreeDegree, lessCheckpoint),
		txidByHeight: btree.NewG(btreeDegree, lessHeightTxid),
		txidHeight:   make(map[chainhash.Hash]uint32),
		mempool:      make(map[chainhash.Hash]struct{}),
	}
}

// LatestCheckpoint returns the tip, the checkpoint with the largest height.
func (c *SparseChain) LatestCheckpoint() (BlockID, bool) {
	cp, ok := c.checkpoints.Max()
	if !ok {
		return BlockID{}, false
	}
	return BlockID{Height: cp.height, Hash: cp.hash}, true
}

// CheckpointAt returns the checkpoint at the given height, if any.
func (c *SparseChain) CheckpointAt(height uint32) (BlockID, bool) {
	cp, ok := c.checkpoints.Get(checkpoint{height: height})
	if !ok {
		return BlockID{}, false
	}
	return BlockID{Height: cp.height, Hash: cp.hash}, true
}

// Checkpoints returns the checkpoints with start <= height < end, ascending.
func (c *SparseChain) Checkpoints(start, end uint32) []BlockID {
	var ids []BlockID
	c.checkpoints.AscendRange(checkpoint{height: start}, checkpoint{height: end}, func(cp checkpoint) bool {
		ids = append(ids, BlockID{Height: cp.height, Hash: cp.hash})
		return true
	})
	return ids
}

// AllCheckpoints returns every checkpoint, ascending by height.
func (c *SparseChain) AllCheckpoints() []BlockID {
	ids := make([]BlockID, 0, c.checkpoints.Len())
	c.checkpoints.Ascend(func(cp checkpoint) bool {
		ids = append(ids, BlockID{Height: cp.height, Hash: cp.hash})
		return true
	})
	return ids
}

// CheckpointTxids returns the confirmed txids of the given checkpoint in
// ascending (height, txid) order.
//
// Panics if no checkpoint exists at that height or its hash differs: callers
// must only pass checkpoints read back from this chain.
func (c *SparseChain) CheckpointTxids(blockID BlockID) []chainhash.Hash {
	cp, ok := c.checkpoints.Get(checkpoint{height: blockID.Height})
	if !ok {
		panic(fmt.Sprintf("chain: no checkpoint at height %d", blockID.Height))
	}
	if cp.hash != blockID.Hash {
		panic(fmt.Sprintf("chain: checkpoint at height %d has hash %s, not %s",
			blockID.Height, cp.hash, blockID.Hash))
	}

	var txids []chainhash.Hash
	c.txidByHeight.AscendRange(
		HeightTxid{Height: blockID.Height},
		HeightTxid{Height: blockID.Height + 1},
		func(ht HeightTxid) bool {
			txids = append(txids, ht.Txid)
			return true
		},
	)
	return txids
}

// TransactionAt returns the position of a transaction. The second return is
// false when the transaction is unknown to the chain.
func (c *SparseChain) TransactionAt(txid chainhash.Hash) (TxHeight, bool) {
	if _, ok := c.mempool[txid]; ok {
		return TxHeight{}, true
	}
	height, ok := c.txidHeight[txid]
	if !ok {
		return TxHeight{}, false
	}
	return TxHeight{Height: height, Confirmed: true}, true
}

// ConfirmedTxids returns the confirmed transactions in descending
// (height, txid) order, newest first.
func (c *SparseChain) ConfirmedTxids() []HeightTxid {
	txids := make([]HeightTxid, 0, c.txidByHeight.Len())
	c.txidByHeight.Descend(func(ht HeightTxid) bool {
		txids = append(txids, ht)
		return true
	})
	return txids
}

// MempoolTxids returns the unconfirmed txids in no particular order.
func (c *SparseChain) MempoolTxids() []chainhash.Hash {
	txids := make([]chainhash.Hash, 0, len(c.mempool))
	for txid := range c.mempool {
		txids = append(txids, txid)
	}
	return txids
}

// Txids returns every known transaction: unconfirmed first, then confirmed
// in descending (height, txid) order.
func (c *SparseChain) Txids() []TxRef {
	refs := make([]TxRef, 0, len(c.mempool)+c.txidByHeight.Len())
	for txid := range c.mempool {
		refs = append(refs, TxRef{Txid: txid})
	}
	c.txidByHeight.Descend(func(ht HeightTxid) bool {
		refs = append(refs, TxRef{Txid: ht.Txid, At: TxHeight{Height: ht.Height, Confirmed: true}})
		return true
	})
	return refs
}

// ClearMempool drops every unconfirmed txid. Use with caution.
func (c *SparseChain) ClearMempool() {
	clear(c.mempool)
}

// SetCheckpointLimit bounds the retained checkpoints to the most recent
// limit+1. Zero or negative means unbounded.
func (c *SparseChain) SetCheckpointLimit(limit int) {
	c.checkpointLimit = limit
}

// PruneCheckpoints removes checkpoints older than the limit-th from the tip
// and returns the removed mapping, or nil when nothing was pruned.
//
// Pruning drops only the checkpoint hashes; confirmed transactions at pruned
// heights stay indexed (they are removed by invalidation alone), so
// CheckpointTxids on a pruned height panics like any missing checkpoint.
func (c *SparseChain) PruneCheckpoints() map[uint32]chainhash.Hash {
	if c.checkpointLimit <= 0 {
		return nil
	}

	// Find the highest height that falls outside the retained window.
	var cutoff uint32
	found := false
	remaining := c.checkpointLimit
	c.checkpoints.Descend(func(cp checkpoint) bool {
		if remaining == 0 {
			cutoff = cp.height
			found = true
			return false
		}
		remaining--
		return true
	})
	if !found {
		return nil
	}

	removed := make(map[uint32]chainhash.Hash)
	c.checkpoints.AscendLessThan(checkpoint{height: cutoff}, func(cp checkpoint) bool {
		removed[cp.height] = cp.hash
		return true
	})
	if len(removed) == 0 {
		return nil
	}
	for height := range removed {
		c.checkpoints.Delete(checkpoint{height: height})
	}
	return removed
}
