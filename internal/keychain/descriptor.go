// Package keychain derives script pubkeys from output descriptors and
// indexes their on-chain use per keychain.
package keychain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	bip39 "github.com/tyler-smith/go-bip39"
)

// MaxWildcardIndex is the largest derivation index a wildcard descriptor can
// be expanded at; indices beyond it would require hardened derivation.
const MaxWildcardIndex uint32 = 1<<31 - 1

// ScriptKind selects the script template a descriptor expands to.
type ScriptKind int

const (
	// P2WPKH pays to a witness public key hash (bech32 addresses).
	P2WPKH ScriptKind = iota
	// P2PKH pays to a legacy public key hash (base58 addresses).
	P2PKH
)

func (k ScriptKind) String() string {
	switch k {
	case P2WPKH:
		return "p2wpkh"
	case P2PKH:
		return "p2pkh"
	default:
		return fmt.Sprintf("ScriptKind(%d)", int(k))
	}
}

// ErrPrivateKey is returned when a descriptor is built from an un-neutered
// extended key.
var ErrPrivateKey = errors.New("descriptor key must be public")

// Descriptor is a parameterized script template: an account-level extended
// public key plus a script kind. A wildcard descriptor expands at any
// non-hardened index; a fixed one always expands to the index-0 script of
// its own key.
type Descriptor struct {
	key      *hdkeychain.ExtendedKey
	kind     ScriptKind
	net      *chaincfg.Params
	wildcard bool
}

// NewDescriptor builds a descriptor from a serialized extended public key
// (xpub/tpub). Private keys are rejected; neuter them first.
func NewDescriptor(xpub string, kind ScriptKind, net *chaincfg.Params, wildcard bool) (*Descriptor, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("parse extended key: %w", err)
	}
	if key.IsPrivate() {
		return nil, ErrPrivateKey
	}
	return &Descriptor{key: key, kind: kind, net: net, wildcard: wildcard}, nil
}

// DescriptorFromSeed derives the account-level key m/44'/coin'/account'/change
// from a BIP-39 seed and returns its public descriptor.
func DescriptorFromSeed(seed []byte, account, change uint32, kind ScriptKind, net *chaincfg.Params) (*Descriptor, error) {
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + net.HDCoinType,
		hdkeychain.HardenedKeyStart + account,
		change,
	}
	key := master
	for _, index := range path {
		key, err = key.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", index, err)
		}
	}
	neutered, err := key.Neuter()
	if err != nil {
		return nil, fmt.Errorf("neuter account key: %w", err)
	}
	return &Descriptor{key: neutered, kind: kind, net: net, wildcard: true}, nil
}

// DescriptorFromMnemonic is DescriptorFromSeed over a BIP-39 mnemonic.
func DescriptorFromMnemonic(mnemonic, passphrase string, account, change uint32, kind ScriptKind, net *chaincfg.Params) (*Descriptor, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("mnemonic to seed: %w", err)
	}
	return DescriptorFromSeed(seed, account, change, kind, net)
}

// HasWildcard reports whether the descriptor expands at arbitrary indices.
func (d *Descriptor) HasWildcard() bool {
	return d.wildcard
}

// Kind returns the descriptor's script template kind.
func (d *Descriptor) Kind() ScriptKind {
	return d.kind
}

// String renders the descriptor in a compact template notation.
func (d *Descriptor) String() string {
	if d.wildcard {
		return fmt.Sprintf("%s(%s/*)", d.kind, d.key)
	}
	return fmt.Sprintf("%s(%s)", d.kind, d.key)
}

// ScriptAt expands the descriptor at the given derivation index. For a
// fixed (non-wildcard) descriptor the index is ignored and the key's own
// script is returned.
//
// Panics, for a wildcard descriptor, when index exceeds MaxWildcardIndex, and
// whenever child derivation fails: both are precondition violations — the engine only accepts non-hardened
// public descriptors, and callers must stay below the wildcard bound.
func (d *Descriptor) ScriptAt(index uint32) []byte {
	pkHash := btcutil.Hash160(d.PubKeyAt(index).SerializeCompressed())

	var (
		addr  btcutil.Address
		mkErr error
	)
	switch d.kind {
	case P2WPKH:
		addr, mkErr = btcutil.NewAddressWitnessPubKeyHash(pkHash, d.net)
	case P2PKH:
		addr, mkErr = btcutil.NewAddressPubKeyHash(pkHash, d.net)
	default:
		panic(fmt.Sprintf("keychain: unknown script kind %d", int(d.kind)))
	}
	if mkErr != nil {
		panic(fmt.Sprintf("keychain: build address: %v", mkErr))
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		panic(fmt.Sprintf("keychain: build script: %v", err))
	}
	return script
}

// PubKeyAt returns the public key the script at the given index commits to.
// External signing layers use it to locate keys for selected inputs; the
// same precondition rules as ScriptAt apply.
func (d *Descriptor) PubKeyAt(index uint32) *btcec.PublicKey {
	key := d.key
	if d.wildcard {
		if index > MaxWildcardIndex {
			panic(fmt.Sprintf("keychain: derivation index %d exceeds wildcard bound %d", index, MaxWildcardIndex))
		}
		child, err := key.Derive(index)
		if err != nil {
			panic(fmt.Sprintf("keychain: derive child %d: %v", index, err))
		}
		key = child
	}
	pub, err := key.ECPubKey()
	if err != nil {
		panic(fmt.Sprintf("keychain: extract pubkey: %v", err))
	}
	return pub
}

// Scripts returns a lazy iterator over the descriptor's scripts: every index
// in [0, MaxWildcardIndex] for a wildcard descriptor, the single index 0
// otherwise. Nothing is materialized until Next is called.
func (d *Descriptor) Scripts() *ScriptIter {
	end := uint32(0)
	if d.wildcard {
		end = MaxWildcardIndex
	}
	return &ScriptIter{desc: d, end: end}
}

// ScriptIter lazily yields (index, script) pairs from a descriptor. It is
// cheap to Clone: iterators share the immutable descriptor and carry only a
// cursor.
type ScriptIter struct {
	desc *Descriptor
	next uint32
	end  uint32
	done bool
}

// Next derives and returns the next (index, script) pair. The third return
// is false once the iterator is exhausted.
func (it *ScriptIter) Next() (uint32, []byte, bool) {
	if it.done {
		return 0, nil, false
	}
	index := it.next
	script := it.desc.ScriptAt(index)
	if index == it.end {
		it.done = true
	} else {
		it.next = index + 1
	}
	return index, script, true
}

// Clone returns an independent iterator at the same position.
func (it *ScriptIter) Clone() *ScriptIter {
	clone := *it
	return &clone
}
