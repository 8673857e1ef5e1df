// Package spkindex indexes transaction outputs against a set of watched
// script pubkeys.
//
// An Index keeps a bidirectional mapping between opaque, ordered tags and
// scripts, and records every scanned outpoint whose script matches a watched
// one. A tag is "used" once such an outpoint exists for its script.
package spkindex

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/google/btree"

	"github.com/marlinwallet/marlin-engine/internal/log"
)

const btreeDegree = 32

// TxOutSource is anything holding transaction outputs that can be scanned:
// a single transaction, a block's worth of them, or a whole graph.
type TxOutSource interface {
	ForEachTxOut(fn func(op wire.OutPoint, txout *wire.TxOut))
}

// TaggedScript pairs a tag with its watched script.
type TaggedScript[T comparable] struct {
	Tag    T
	Script []byte
}

// IndexedTxOut is a scanned output paying one of the watched scripts.
type IndexedTxOut[T comparable] struct {
	Outpoint wire.OutPoint
	Tag      T
	TxOut    *wire.TxOut
}

type spkEntry[T comparable] struct {
	tag    T
	script []byte
}

// Index watches scripts keyed by totally ordered tags.
//
// Index is not safe for concurrent use; callers serialize access.
type Index[T comparable] struct {
	cmp func(a, b T) int
	// spks orders tag → script; the ordering enables per-keychain range
	// scans by composite tags.
	spks *btree.BTreeG[spkEntry[T]]
	// spkTags is the inverse mapping, keyed by the raw script bytes.
	spkTags map[string]T
	// txouts records every scanned outpoint paying a watched script.
	txouts map[wire.OutPoint]IndexedTxOut[T]
	// used counts matched outpoints per tag; a tag with a positive count
	// has been seen on-chain.
	used map[T]int
}

// New creates an empty index ordered by cmp.
func New[T comparable](cmp func(a, b T) int) *Index[T] {
	return &Index[T]{
		cmp: cmp,
		spks: btree.NewG(btreeDegree, func(a, b spkEntry[T]) bool {
			return cmp(a.tag, b.tag) < 0
		}),
		spkTags: make(map[string]T),
		txouts:  make(map[wire.OutPoint]IndexedTxOut[T]),
		used:    make(map[T]int),
	}
}

// AddSpk inserts the tag ↔ script mapping. Re-adding a tag with a different
// script replaces the old mapping and reindexes the inverse.
func (x *Index[T]) AddSpk(tag T, script []byte) {
	if old, ok := x.spks.Get(spkEntry[T]{tag: tag}); ok {
		delete(x.spkTags, string(old.script))
	}
	x.spks.ReplaceOrInsert(spkEntry[T]{tag: tag, script: script})
	x.spkTags[string(script)] = tag
}

// Script returns the watched script for a tag.
func (x *Index[T]) Script(tag T) ([]byte, bool) {
	entry, ok := x.spks.Get(spkEntry[T]{tag: tag})
	if !ok {
		return nil, false
	}
	return entry.script, true
}

// IndexOf returns the tag watching the given script.
func (x *Index[T]) IndexOf(script []byte) (T, bool) {
	tag, ok := x.spkTags[string(script)]
	return tag, ok
}

// Len returns the number of watched scripts.
func (x *Index[T]) Len() int {
	return x.spks.Len()
}

// ScriptPubkeys returns every tag → script pair in ascending tag order.
func (x *Index[T]) ScriptPubkeys() []TaggedScript[T] {
	spks := make([]TaggedScript[T], 0, x.spks.Len())
	x.spks.Ascend(func(entry spkEntry[T]) bool {
		spks = append(spks, TaggedScript[T]{Tag: entry.tag, Script: entry.script})
		return true
	})
	return spks
}

// AscendRange visits tag → script pairs with lo <= tag < hi in ascending
// order, until fn returns false.
func (x *Index[T]) AscendRange(lo, hi T, fn func(tag T, script []byte) bool) {
	x.spks.AscendRange(spkEntry[T]{tag: lo}, spkEntry[T]{tag: hi}, func(entry spkEntry[T]) bool {
		return fn(entry.tag, entry.script)
	})
}

// MaxInRange returns the greatest tag with lo <= tag <= hi.
func (x *Index[T]) MaxInRange(lo, hi T) (T, bool) {
	var (
		found bool
		best  T
	)
	x.spks.DescendLessOrEqual(spkEntry[T]{tag: hi}, func(entry spkEntry[T]) bool {
		if x.cmp(entry.tag, lo) < 0 {
			return false
		}
		best = entry.tag
		found = true
		return false
	})
	return best, found
}

// Scan records every output of the source that pays a watched script.
func (x *Index[T]) Scan(source TxOutSource) {
	source.ForEachTxOut(x.ScanTxOut)
}

// ScanTx scans a single transaction's outputs.
func (x *Index[T]) ScanTx(tx *wire.MsgTx) {
	txid := tx.TxHash()
	for vout, txout := range tx.TxOut {
		x.ScanTxOut(wire.OutPoint{Hash: txid, Index: uint32(vout)}, txout)
	}
}

// ScanTxOut records the outpoint if its script is watched, marking the
// owning tag used.
func (x *Index[T]) ScanTxOut(op wire.OutPoint, txout *wire.TxOut) {
	tag, ok := x.spkTags[string(txout.PkScript)]
	if !ok {
		return
	}
	if _, seen := x.txouts[op]; !seen {
		x.used[tag]++
	}
	x.txouts[op] = IndexedTxOut[T]{Outpoint: op, Tag: tag, TxOut: txout}
	log.Scanner.Debug().
		Stringer("outpoint", op).
		Int64("value", txout.Value).
		Msg("matched txout")
}

// UnscanTxOut removes a previously recorded outpoint, demoting its tag back
// to unused when no other outpoint pays the same script.
func (x *Index[T]) UnscanTxOut(op wire.OutPoint) bool {
	indexed, ok := x.txouts[op]
	if !ok {
		return false
	}
	delete(x.txouts, op)
	if x.used[indexed.Tag]--; x.used[indexed.Tag] <= 0 {
		delete(x.used, indexed.Tag)
	}
	return true
}

// TxOut returns the indexed output at the given outpoint.
func (x *Index[T]) TxOut(op wire.OutPoint) (IndexedTxOut[T], bool) {
	indexed, ok := x.txouts[op]
	return indexed, ok
}

// TxOuts returns every indexed output, in no particular order.
func (x *Index[T]) TxOuts() []IndexedTxOut[T] {
	outs := make([]IndexedTxOut[T], 0, len(x.txouts))
	for _, indexed := range x.txouts {
		outs = append(outs, indexed)
	}
	return outs
}

// IsUsed reports whether any scanned outpoint pays the tag's script.
func (x *Index[T]) IsUsed(tag T) bool {
	return x.used[tag] > 0
}

// Unused returns the tags with lo <= tag < hi whose scripts have not been
// seen on any scanned outpoint, in ascending tag order.
func (x *Index[T]) Unused(lo, hi T) []TaggedScript[T] {
	var unused []TaggedScript[T]
	x.AscendRange(lo, hi, func(tag T, script []byte) bool {
		if !x.IsUsed(tag) {
			unused = append(unused, TaggedScript[T]{Tag: tag, Script: script})
		}
		return true
	})
	return unused
}
