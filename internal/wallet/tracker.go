// Package wallet ties the sparse chain, the keychain index, and the
// transaction graph into one tracked wallet state.
package wallet

import (
	"cmp"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/marlinwallet/marlin-engine/internal/chain"
	"github.com/marlinwallet/marlin-engine/internal/keychain"
	"github.com/marlinwallet/marlin-engine/internal/log"
	"github.com/marlinwallet/marlin-engine/internal/txgraph"
)

// Config holds the engine's runtime settings. There is no file or
// environment loading; callers construct it directly.
type Config struct {
	// Net selects the network the wallet's scripts encode for.
	Net *chaincfg.Params
	// CheckpointLimit bounds retained checkpoints; zero keeps all.
	CheckpointLimit int
	// DefaultFeerate is used by Fund when the caller passes zero, in
	// satoshis per weight unit.
	DefaultFeerate float32
}

// DefaultConfig returns mainnet settings with one sat/vbyte funding.
func DefaultConfig() Config {
	return Config{
		Net:            &chaincfg.MainNetParams,
		DefaultFeerate: 0.25,
	}
}

// OwnedTxOut is an output paying one of the wallet's scripts, resolved
// against the chain.
type OwnedTxOut[K cmp.Ordered] struct {
	Outpoint wire.OutPoint
	TxOut    *wire.TxOut
	Keychain K
	// Derivation is the script's derivation index within Keychain.
	Derivation uint32
	// At is the owning transaction's chain position.
	At chain.TxHeight
	// SpentBy names the confirmed spender, nil when unspent.
	SpentBy *chainhash.Hash
}

// Tracker owns the three engine structures behind a single read-write lock,
// the concurrency model the components themselves assume.
type Tracker[K cmp.Ordered] struct {
	mu    sync.RWMutex
	cfg   Config
	chain *chain.SparseChain
	index *keychain.Index[K]
	graph *txgraph.Graph
}

// NewTracker creates an empty tracker.
func NewTracker[K cmp.Ordered](cfg Config) *Tracker[K] {
	if cfg.Net == nil {
		cfg.Net = &chaincfg.MainNetParams
	}
	if cfg.DefaultFeerate == 0 {
		cfg.DefaultFeerate = 0.25
	}
	c := chain.New()
	c.SetCheckpointLimit(cfg.CheckpointLimit)
	return &Tracker[K]{
		cfg:   cfg,
		chain: c,
		index: keychain.New[K](),
		graph: txgraph.New(),
	}
}

// Chain exposes the sparse chain for read access.
func (t *Tracker[K]) Chain() *chain.SparseChain {
	return t.chain
}

// Index exposes the keychain index for read access.
func (t *Tracker[K]) Index() *keychain.Index[K] {
	return t.index
}

// Graph exposes the transaction graph for read access.
func (t *Tracker[K]) Graph() *txgraph.Graph {
	return t.graph
}

// AddKeychain registers a descriptor under a keychain label and stores its
// first lookahead scripts.
func (t *Tracker[K]) AddKeychain(k K, descriptor *keychain.Descriptor, lookahead uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.index.AddKeychain(k, descriptor)
	if lookahead > 0 {
		t.index.StoreUpTo(k, lookahead-1)
	}
}

// ApplyBlock scans the block's transactions for owned outputs, stores them
// in the graph, and applies a checkpoint confirming them all in the block.
func (t *Tracker[K]) ApplyBlock(blockID chain.BlockID, txs []*wire.MsgTx) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	txids := make([]chainhash.Hash, 0, len(txs))
	for _, tx := range txs {
		t.index.ScanTx(tx)
		txids = append(txids, t.graph.InsertTx(tx))
	}
	if err := t.chain.ApplyBlockTxs(blockID, txids); err != nil {
		return err
	}
	log.Wallet.Info().
		Uint32("height", blockID.Height).
		Int("txs", len(txs)).
		Msg("block applied")
	return nil
}

// ApplyMempoolTxs scans unconfirmed transactions and records them in the
// mempool set against the current tip.
func (t *Tracker[K]) ApplyMempoolTxs(txs []*wire.MsgTx) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	candidate := chain.CheckpointCandidate{}
	tip, ok := t.chain.LatestCheckpoint()
	if !ok {
		// Nothing confirmed yet: unconfirmed transactions still need a
		// tip to anchor the candidate, so an empty chain keeps them out.
		return chain.ErrStale
	}
	candidate.BaseTip = &tip
	candidate.NewTip = tip

	for _, tx := range txs {
		t.index.ScanTx(tx)
		txid := t.graph.InsertTx(tx)
		candidate.Txids = append(candidate.Txids, chain.CandidateTx{Txid: txid})
	}
	return t.chain.ApplyCheckpoint(candidate)
}

// DisconnectBlock reverses a block; the keychain index keeps its scripts
// but the chain forgets everything from that height up.
func (t *Tracker[K]) DisconnectBlock(blockID chain.BlockID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chain.DisconnectBlock(blockID)
}

// OwnedTxOuts returns every scanned output paying a wallet script that the
// chain can place, spent or not.
func (t *Tracker[K]) OwnedTxOuts() []OwnedTxOut[K] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ownedTxOuts()
}

func (t *Tracker[K]) ownedTxOuts() []OwnedTxOut[K] {
	var owned []OwnedTxOut[K]
	for _, indexed := range t.index.Inner().TxOuts() {
		full := t.chain.FullTxOut(t.graph, indexed.Outpoint)
		if full == nil {
			continue
		}
		owned = append(owned, OwnedTxOut[K]{
			Outpoint:   indexed.Outpoint,
			TxOut:      indexed.TxOut,
			Keychain:   indexed.Tag.Keychain,
			Derivation: indexed.Tag.Index,
			At:         full.At,
			SpentBy:    full.SpentBy,
		})
	}
	return owned
}

// UnspentOwned returns the owned outputs with no known confirmed spender.
func (t *Tracker[K]) UnspentOwned() []OwnedTxOut[K] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var unspent []OwnedTxOut[K]
	for _, owned := range t.ownedTxOuts() {
		if owned.SpentBy == nil {
			unspent = append(unspent, owned)
		}
	}
	return unspent
}

// Balance sums the unspent owned outputs: confirmed counts outputs with a
// confirmed height, pending those still in the mempool.
func (t *Tracker[K]) Balance() (confirmed, pending uint64) {
	for _, owned := range t.UnspentOwned() {
		if owned.At.Confirmed {
			confirmed += uint64(owned.TxOut.Value)
		} else {
			pending += uint64(owned.TxOut.Value)
		}
	}
	return confirmed, pending
}
