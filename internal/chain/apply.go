package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/marlinwallet/marlin-engine/internal/log"
)

// ErrStale marks candidate rejections caused by a view of the chain that no
// longer matches: the caller should refresh and retry. Every stale error
// wraps this sentinel, so errors.Is(err, ErrStale) detects the class.
var ErrStale = errors.New("stale checkpoint candidate")

// BaseTipError reports a candidate whose base tip is not the current tip.
type BaseTipError struct {
	// Got is the current tip, nil when the chain is empty.
	Got *BlockID
	// Expected is the base tip the candidate was built on.
	Expected BlockID
}

func (e *BaseTipError) Error() string {
	if e.Got == nil {
		return fmt.Sprintf("base tip %s does not match: chain has no checkpoints", e.Expected)
	}
	return fmt.Sprintf("base tip %s does not match current tip %s", e.Expected, *e.Got)
}

func (e *BaseTipError) Unwrap() error { return ErrStale }

// InvalidationError reports an invalidation whose hash does not match the
// stored checkpoint at that height.
type InvalidationError struct {
	// Got is the stored hash at the invalidation height, nil when absent.
	Got *chainhash.Hash
	// Expected is the checkpoint the candidate wanted to invalidate.
	Expected BlockID
}

func (e *InvalidationError) Error() string {
	if e.Got == nil {
		return fmt.Sprintf("cannot invalidate %s: no checkpoint at that height", e.Expected)
	}
	return fmt.Sprintf("cannot invalidate %s: stored hash is %s", e.Expected, *e.Got)
}

func (e *InvalidationError) Unwrap() error { return ErrStale }

// TxHeightError reports a candidate transaction confirmed above the
// candidate's own new tip.
type TxHeightError struct {
	Tip    BlockID
	Txid   chainhash.Hash
	Height uint32
}

func (e *TxHeightError) Error() string {
	return fmt.Sprintf("txid %s at height %d is above new tip %s", e.Txid, e.Height, e.Tip)
}

func (e *TxHeightError) Unwrap() error { return ErrStale }

// InconsistentError reports a transaction whose confirmed height would
// change without an invalidation covering the old height. To force the
// candidate through, invalidate the block ConflictsWith is in (or one
// preceding it), or drop the transaction.
type InconsistentError struct {
	Txid          chainhash.Hash
	ConflictsWith chainhash.Hash
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("txid %s conflicts with confirmed txid %s", e.Txid, e.ConflictsWith)
}

// CandidateTx places one transaction in a checkpoint candidate: confirmed at
// Height, or destined for the mempool when Confirmed is false.
type CandidateTx struct {
	Txid      chainhash.Hash
	Height    uint32
	Confirmed bool
}

// CheckpointCandidate is a proposed chain update. All of its data must be
// valid with respect to NewTip.
type CheckpointCandidate struct {
	// Txids lists the transactions this checkpoint carries. They must be
	// consistent with the chain's state for the candidate to apply.
	Txids []CandidateTx
	// BaseTip, when non-nil, is the tip this candidate was built on; the
	// chain rejects the candidate if its current tip differs.
	BaseTip *BlockID
	// Invalidate, when non-nil, names a checkpoint to invalidate (along
	// with everything above it) before installing the new tip.
	Invalidate *BlockID
	// NewTip is the checkpoint this candidate installs.
	NewTip BlockID
}

// ApplyBlockTxs applies transactions that are all confirmed in the given
// block. It builds a candidate based on the current tip, and invalidates the
// existing checkpoint at that height when its hash conflicts.
func (c *SparseChain) ApplyBlockTxs(blockID BlockID, txids []chainhash.Hash) error {
	candidate := CheckpointCandidate{
		Txids:  make([]CandidateTx, 0, len(txids)),
		NewTip: blockID,
	}
	for _, txid := range txids {
		candidate.Txids = append(candidate.Txids, CandidateTx{
			Txid:      txid,
			Height:    blockID.Height,
			Confirmed: true,
		})
	}
	if tip, ok := c.LatestCheckpoint(); ok {
		candidate.BaseTip = &tip
	}
	if existing, ok := c.CheckpointAt(blockID.Height); ok && existing.Hash != blockID.Hash {
		candidate.Invalidate = &existing
	}
	return c.ApplyCheckpoint(candidate)
}

// ApplyCheckpoint validates and applies a candidate. A non-nil return means
// the candidate was rejected and the chain is unchanged; validation runs in
// full before the first mutation.
func (c *SparseChain) ApplyCheckpoint(candidate CheckpointCandidate) error {
	// Base-tip rule: the candidate must have been built on the current tip.
	if candidate.BaseTip != nil {
		tip, ok := c.LatestCheckpoint()
		if !ok || tip != *candidate.BaseTip {
			e := &BaseTipError{Expected: *candidate.BaseTip}
			if ok {
				e.Got = &tip
			}
			return e
		}
	}

	for _, ct := range candidate.Txids {
		// No transaction may confirm above the new tip. Checked before
		// invalidation coverage on purpose: a too-high txid is rejected
		// even when the invalidation would have removed its old entry.
		if ct.Confirmed && ct.Height > candidate.NewTip.Height {
			return &TxHeightError{Tip: candidate.NewTip, Txid: ct.Txid, Height: ct.Height}
		}

		// Already-confirmed transactions must keep their height unless the
		// invalidation covers it.
		height, confirmed := c.txidHeight[ct.Txid]
		if !confirmed {
			continue
		}
		if candidate.Invalidate != nil && height >= candidate.Invalidate.Height {
			continue
		}
		if ct.Confirmed && ct.Height == height {
			continue
		}
		return &InconsistentError{Txid: ct.Txid, ConflictsWith: ct.Txid}
	}

	// Invalidation precedes installation.
	if invalid := candidate.Invalidate; invalid != nil {
		stored, ok := c.checkpoints.Get(checkpoint{height: invalid.Height})
		if !ok || stored.hash != invalid.Hash {
			e := &InvalidationError{Expected: *invalid}
			if ok {
				hash := stored.hash
				e.Got = &hash
			}
			return e
		}
		c.invalidateFrom(invalid.Height)
	}

	// Install the new tip unless a matching checkpoint already exists.
	if _, ok := c.checkpoints.Get(checkpoint{height: candidate.NewTip.Height}); !ok {
		c.checkpoints.ReplaceOrInsert(checkpoint{
			height: candidate.NewTip.Height,
			hash:   candidate.NewTip.Hash,
		})
	}

	// Merge the candidate's transactions.
	for _, ct := range candidate.Txids {
		if !ct.Confirmed {
			c.mempool[ct.Txid] = struct{}{}
			continue
		}
		entry := HeightTxid{Height: ct.Height, Txid: ct.Txid}
		if !c.txidByHeight.Has(entry) {
			c.txidByHeight.ReplaceOrInsert(entry)
			c.txidHeight[ct.Txid] = ct.Height
			delete(c.mempool, ct.Txid)
		}
	}

	c.PruneCheckpoints()

	log.Chain.Debug().
		Uint32("height", candidate.NewTip.Height).
		Stringer("hash", candidate.NewTip.Hash).
		Int("txids", len(candidate.Txids)).
		Bool("reorg", candidate.Invalidate != nil).
		Msg("checkpoint applied")
	return nil
}

// DisconnectBlock reverses the block with the given id: if the checkpoint at
// that height matches, everything from that height up is invalidated. The
// mempool cannot be guaranteed consistent afterwards, so it is cleared.
func (c *SparseChain) DisconnectBlock(blockID BlockID) {
	stored, ok := c.checkpoints.Get(checkpoint{height: blockID.Height})
	if !ok || stored.hash != blockID.Hash {
		return
	}
	c.invalidateFrom(blockID.Height)
	c.ClearMempool()
	log.Chain.Info().
		Uint32("height", blockID.Height).
		Stringer("hash", blockID.Hash).
		Msg("block disconnected")
}

// invalidateFrom drops every checkpoint and confirmed transaction at or
// above the given height. The mempool is cleared whenever confirmed
// transactions were removed, since their conflicts may be in it.
func (c *SparseChain) invalidateFrom(height uint32) {
	var removedCheckpoints []checkpoint
	c.checkpoints.AscendGreaterOrEqual(checkpoint{height: height}, func(cp checkpoint) bool {
		removedCheckpoints = append(removedCheckpoints, cp)
		return true
	})
	for _, cp := range removedCheckpoints {
		c.checkpoints.Delete(cp)
	}

	var removedTxids []HeightTxid
	c.txidByHeight.AscendGreaterOrEqual(HeightTxid{Height: height}, func(ht HeightTxid) bool {
		removedTxids = append(removedTxids, ht)
		return true
	})
	for _, ht := range removedTxids {
		c.txidByHeight.Delete(ht)
		delete(c.txidHeight, ht.Txid)
	}

	if len(removedTxids) > 0 {
		c.ClearMempool()
	}

	log.Chain.Debug().
		Uint32("from_height", height).
		Int("checkpoints", len(removedCheckpoints)).
		Int("txids", len(removedTxids)).
		Msg("invalidated")
}
