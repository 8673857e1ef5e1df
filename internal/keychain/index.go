package keychain

import (
	"cmp"
	"fmt"
	"math"
	"sort"

	"github.com/btcsuite/btcd/wire"

	"github.com/marlinwallet/marlin-engine/internal/log"
	"github.com/marlinwallet/marlin-engine/internal/spkindex"
)

// Tag identifies one derived script: the keychain it belongs to and its
// derivation index. Tags order first by keychain, then by index, so all of a
// keychain's scripts form one contiguous range in the inner index.
type Tag[K cmp.Ordered] struct {
	Keychain K
	Index    uint32
}

func compareTags[K cmp.Ordered](a, b Tag[K]) int {
	if c := cmp.Compare(a.Keychain, b.Keychain); c != 0 {
		return c
	}
	return cmp.Compare(a.Index, b.Index)
}

// IndexedScript pairs a derivation index with its script.
type IndexedScript struct {
	Index  uint32
	Script []byte
}

// Index lazily materializes scripts from per-keychain descriptors and
// tracks their on-chain use through an inner script-pubkey index.
//
// The derivation state of a keychain is implicit: it is the largest index
// stored for it. Index is not safe for concurrent use.
type Index[K cmp.Ordered] struct {
	inner     *spkindex.Index[Tag[K]]
	keychains map[K]*Descriptor
}

// New creates an empty keychain index.
func New[K cmp.Ordered]() *Index[K] {
	return &Index[K]{
		inner:     spkindex.New(compareTags[K]),
		keychains: make(map[K]*Descriptor),
	}
}

// Inner exposes the underlying script-pubkey index for read access.
func (x *Index[K]) Inner() *spkindex.Index[Tag[K]] {
	return x.inner
}

// AddKeychain records the descriptor for a keychain. Re-adding a keychain
// with a different descriptor replaces it (last write wins); scripts already
// derived from the old descriptor stay indexed under their tags.
func (x *Index[K]) AddKeychain(keychain K, descriptor *Descriptor) {
	if old, ok := x.keychains[keychain]; ok && old != descriptor {
		log.Keychain.Warn().
			Any("keychain", keychain).
			Stringer("descriptor", descriptor).
			Msg("replacing descriptor for existing keychain")
	}
	x.keychains[keychain] = descriptor
}

// Keychains returns the registered keychains in ascending order.
func (x *Index[K]) Keychains() []K {
	keychains := make([]K, 0, len(x.keychains))
	for k := range x.keychains {
		keychains = append(keychains, k)
	}
	sort.Slice(keychains, func(i, j int) bool { return keychains[i] < keychains[j] })
	return keychains
}

// Descriptor returns the descriptor registered for a keychain.
func (x *Index[K]) Descriptor(keychain K) (*Descriptor, bool) {
	descriptor, ok := x.keychains[keychain]
	return descriptor, ok
}

// DerivationIndex returns the highest stored derivation index for the
// keychain; ok is false when nothing is stored for it.
func (x *Index[K]) DerivationIndex(keychain K) (uint32, bool) {
	tag, ok := x.inner.MaxInRange(
		Tag[K]{Keychain: keychain},
		Tag[K]{Keychain: keychain, Index: math.MaxUint32},
	)
	if !ok {
		return 0, false
	}
	return tag.Index, true
}

// NextDerivationIndex returns the derivation index after the current one:
// zero when nothing is stored yet.
func (x *Index[K]) NextDerivationIndex(keychain K) uint32 {
	index, ok := x.DerivationIndex(keychain)
	if !ok {
		return 0
	}
	return index + 1
}

// DerivationIndices returns the current derivation index of every keychain
// that has stored scripts.
func (x *Index[K]) DerivationIndices() map[K]uint32 {
	indices := make(map[K]uint32, len(x.keychains))
	for keychain := range x.keychains {
		if index, ok := x.DerivationIndex(keychain); ok {
			indices[keychain] = index
		}
	}
	return indices
}

// StoreUpTo derives and stores scripts from the next derivation index up to
// and including upTo (clamped to 0 for fixed descriptors). Returns whether
// any new script was stored; false when the keychain is unknown or all of
// them already exist.
func (x *Index[K]) StoreUpTo(keychain K, upTo uint32) bool {
	descriptor, ok := x.keychains[keychain]
	if !ok {
		return false
	}

	end := uint32(0)
	if descriptor.HasWildcard() {
		end = upTo
	}
	next := x.NextDerivationIndex(keychain)
	if next > end {
		return false
	}

	for index := next; ; index++ {
		x.inner.AddSpk(Tag[K]{Keychain: keychain, Index: index}, descriptor.ScriptAt(index))
		if index == end {
			break
		}
	}
	log.Keychain.Debug().
		Any("keychain", keychain).
		Uint32("from", next).
		Uint32("to", end).
		Msg("stored scripts")
	return true
}

// StoreAllUpTo applies StoreUpTo for each keychain in the map and reports
// whether any keychain stored new scripts.
func (x *Index[K]) StoreAllUpTo(upTo map[K]uint32) bool {
	stored := false
	for keychain, index := range upTo {
		if x.StoreUpTo(keychain, index) {
			stored = true
		}
	}
	return stored
}

// DeriveNew derives and stores the script at the next derivation index,
// returning both. Panics if the keychain was never added.
func (x *Index[K]) DeriveNew(keychain K) (uint32, []byte) {
	descriptor, ok := x.keychains[keychain]
	if !ok {
		panic(fmt.Sprintf("keychain: no descriptor for keychain %v", keychain))
	}
	next := x.NextDerivationIndex(keychain)
	script := descriptor.ScriptAt(next)
	x.inner.AddSpk(Tag[K]{Keychain: keychain, Index: next}, script)
	return next, script
}

// DeriveNextUnused returns the lowest-index stored script not yet seen
// on-chain, deriving a new one when every stored script is used. Panics if
// the keychain was never added.
func (x *Index[K]) DeriveNextUnused(keychain K) (uint32, []byte) {
	if unused := x.Unused(keychain); len(unused) > 0 {
		return unused[0].Index, unused[0].Script
	}
	return x.DeriveNew(keychain)
}

// Unused returns the stored-but-unused scripts of a keychain, ascending by
// derivation index.
func (x *Index[K]) Unused(keychain K) []IndexedScript {
	tagged := x.inner.Unused(
		Tag[K]{Keychain: keychain},
		Tag[K]{Keychain: keychain, Index: math.MaxUint32},
	)
	unused := make([]IndexedScript, 0, len(tagged))
	for _, ts := range tagged {
		unused = append(unused, IndexedScript{Index: ts.Tag.Index, Script: ts.Script})
	}
	return unused
}

// ScriptPubkeys returns the stored scripts of a keychain, ascending by
// derivation index.
func (x *Index[K]) ScriptPubkeys(keychain K) []IndexedScript {
	var scripts []IndexedScript
	x.inner.AscendRange(
		Tag[K]{Keychain: keychain},
		Tag[K]{Keychain: keychain, Index: math.MaxUint32},
		func(tag Tag[K], script []byte) bool {
			scripts = append(scripts, IndexedScript{Index: tag.Index, Script: script})
			return true
		},
	)
	return scripts
}

// AllScriptPubkeys returns, per keychain, a lazy iterator over every script
// the descriptor can produce, decoupled from what is stored. This is the
// interface block scanners consume.
func (x *Index[K]) AllScriptPubkeys() map[K]*ScriptIter {
	iters := make(map[K]*ScriptIter, len(x.keychains))
	for keychain, descriptor := range x.keychains {
		iters[keychain] = descriptor.Scripts()
	}
	return iters
}

// Scan records every output of the source paying a stored script.
func (x *Index[K]) Scan(source spkindex.TxOutSource) {
	x.inner.Scan(source)
}

// ScanTx scans a single transaction's outputs.
func (x *Index[K]) ScanTx(tx *wire.MsgTx) {
	x.inner.ScanTx(tx)
}

// ScanTxOut records a single output if its script is stored.
func (x *Index[K]) ScanTxOut(op wire.OutPoint, txout *wire.TxOut) {
	x.inner.ScanTxOut(op, txout)
}
