package wallet

import (
	"cmp"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/marlinwallet/marlin-engine/internal/coinselect"
	"github.com/marlinwallet/marlin-engine/internal/keychain"
	"github.com/marlinwallet/marlin-engine/internal/log"
)

// Funding errors.
var (
	ErrNoUTXOs           = errors.New("no confirmed UTXOs available")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownKeychain   = errors.New("unknown keychain")
)

// Input satisfaction weights beyond coinselect.TxInBaseWeight, by script
// kind. Signature and pubkey push sizes assume compressed keys and
// high-R-avoidant signatures.
const (
	// p2wpkhSatisfactionWeight: witness item count, ~72-byte signature and
	// 33-byte pubkey with their length prefixes, counted at 1 wu per byte.
	p2wpkhSatisfactionWeight uint32 = 108
	// p2pkhSatisfactionWeight: ~107-byte scriptSig at 4 wu per byte.
	p2pkhSatisfactionWeight uint32 = 428
)

func satisfactionWeight(kind keychain.ScriptKind) uint32 {
	if kind == keychain.P2PKH {
		return p2pkhSatisfactionWeight
	}
	return p2wpkhSatisfactionWeight
}

// outputWeight is the weight a txout with the given script adds to a
// transaction: value, script length prefix, and script, all non-witness.
func outputWeight(script []byte) uint32 {
	return uint32(8+wire.VarIntSerializeSize(uint64(len(script)))+len(script)) * 4
}

// Funding is a successful funding decision: which owned outputs to spend and
// where change, if any, should go.
type Funding[K cmp.Ordered] struct {
	Selection *coinselect.Selection
	// Inputs are the owned outputs the selection chose, parallel to
	// Selection.Selected.
	Inputs []OwnedTxOut[K]
	// ChangeScript receives the excess when Selection.UseChange is set; it
	// is the next unused script of the change keychain.
	ChangeScript []byte
	// ChangeIndex is ChangeScript's derivation index.
	ChangeIndex uint32
}

// Fund selects confirmed owned outputs that pay for the given recipient
// outputs at the feerate (sats per weight unit; zero means the configured
// default). The change template comes from the change keychain's next
// unused script.
func (t *Tracker[K]) Fund(recipients []*wire.TxOut, feerate float32, changeKeychain K) (*Funding[K], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index.Descriptor(changeKeychain); !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKeychain, changeKeychain)
	}
	if feerate == 0 {
		feerate = t.cfg.DefaultFeerate
	}

	var candidates []OwnedTxOut[K]
	for _, owned := range t.ownedTxOuts() {
		if owned.SpentBy == nil && owned.At.Confirmed {
			candidates = append(candidates, owned)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoUTXOs
	}

	changeIndex, changeScript := t.index.DeriveNextUnused(changeKeychain)

	opts := coinselect.FundOutputs(recipients, outputWeight(changeScript))
	opts.TargetFeerate = feerate

	weighted := make([]coinselect.WeightedValue, 0, len(candidates))
	for _, owned := range candidates {
		kind := keychain.P2WPKH
		if descriptor, ok := t.index.Descriptor(owned.Keychain); ok {
			kind = descriptor.Kind()
		}
		weighted = append(weighted, coinselect.WeightedValue{
			Value:  uint64(owned.TxOut.Value),
			Weight: satisfactionWeight(kind),
		})
	}

	selector := coinselect.New(weighted, opts)
	selection := selector.SelectUntilFinished()
	if selection == nil {
		return nil, fmt.Errorf("%w: target %d at feerate %.3f sat/wu",
			ErrInsufficientFunds, opts.TargetValue, feerate)
	}

	funding := &Funding[K]{
		Selection:    selection,
		Inputs:       coinselect.Apply(selection, candidates),
		ChangeScript: changeScript,
		ChangeIndex:  changeIndex,
	}
	log.Wallet.Debug().
		Int("inputs", len(funding.Inputs)).
		Uint64("fee", selection.Fee).
		Bool("change", selection.UseChange).
		Uint64("excess", selection.Excess).
		Msg("funding selected")
	return funding, nil
}
