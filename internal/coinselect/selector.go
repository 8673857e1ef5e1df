// Package coinselect implements fee-aware coin selection over weighted
// input candidates.
//
// A Selector is an in-place builder: callers add candidate inputs one at a
// time and ask whether the selection funds the target output set at the
// required feerate, with or without a change output. Infeasibility is not an
// error; it is an invitation to select more.
package coinselect

import (
	"fmt"
	"math"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

// TxInBaseWeight is the fixed weight cost of spending one input: 32-byte
// previous txid, 4-byte output index, 4-byte sequence, and a 1-byte script
// length, scaled by the witness discount factor.
const TxInBaseWeight uint32 = (32 + 4 + 4 + 1) * 4

// WeightedValue is a candidate input: its value in satoshis and the weight
// its satisfaction adds on top of TxInBaseWeight.
type WeightedValue struct {
	Value  uint64
	Weight uint32
}

// Options parameterizes a selection attempt.
type Options struct {
	// TargetValue is the value the selection must fund.
	TargetValue uint64
	// TargetFeerate is the feerate to achieve, in satoshis per weight unit.
	TargetFeerate float32
	// MinAbsoluteFee is the minimum fee in satoshis regardless of feerate.
	MinAbsoluteFee uint64
	// BaseWeight is the weight of the template transaction including fixed
	// inputs and outputs.
	BaseWeight uint32
	// DrainWeight is the weight of the change output template.
	DrainWeight uint32
	// StartingInputValue is the input value already present in the template.
	StartingInputValue uint64
}

// NewOptions returns options for the given template weights at one satoshi
// per virtual byte (0.25 sat/wu).
func NewOptions(baseWeight, drainWeight uint32) Options {
	return Options{
		TargetFeerate: 0.25,
		BaseWeight:    baseWeight,
		DrainWeight:   drainWeight,
	}
}

// FundOutputs returns options that fund the given outputs: the target value
// is their sum and the base weight is that of an input-less transaction
// carrying them.
func FundOutputs(txouts []*wire.TxOut, drainWeight uint32) Options {
	template := wire.NewMsgTx(wire.TxVersion)
	var target uint64
	for _, txout := range txouts {
		template.AddTxOut(txout)
		target += uint64(txout.Value)
	}
	opts := NewOptions(txWeight(template), drainWeight)
	opts.TargetValue = target
	return opts
}

// txWeight computes a transaction's weight: three times the size without
// witness data plus the full serialized size.
func txWeight(tx *wire.MsgTx) uint32 {
	return uint32(tx.SerializeSizeStripped()*3 + tx.SerializeSize())
}

// Selector accumulates a subset of candidate inputs toward a funded
// selection. The candidate list and options are fixed at construction.
type Selector struct {
	candidates []WeightedValue
	selected   map[int]struct{}
	opts       Options
}

// New creates a selector over the given candidates.
func New(candidates []WeightedValue, opts Options) *Selector {
	return &Selector{
		candidates: candidates,
		selected:   make(map[int]struct{}),
		opts:       opts,
	}
}

// Candidates returns the full candidate list.
func (s *Selector) Candidates() []WeightedValue {
	return s.candidates
}

// Options returns the selection options.
func (s *Selector) Options() Options {
	return s.opts
}

// Select adds candidate i to the selection. Selecting an already-selected
// index is a no-op. Panics if i is out of range.
func (s *Selector) Select(i int) {
	if i < 0 || i >= len(s.candidates) {
		panic(fmt.Sprintf("coinselect: candidate index %d out of range [0, %d)", i, len(s.candidates)))
	}
	s.selected[i] = struct{}{}
}

// Selected returns the selected candidate indices in ascending order.
func (s *Selector) Selected() []int {
	indices := make([]int, 0, len(s.selected))
	for i := range s.selected {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// Unselected returns the candidate indices not yet selected, ascending.
func (s *Selector) Unselected() []int {
	indices := make([]int, 0, len(s.candidates)-len(s.selected))
	for i := range s.candidates {
		if _, ok := s.selected[i]; !ok {
			indices = append(indices, i)
		}
	}
	return indices
}

// AllSelected reports whether every candidate has been selected.
func (s *Selector) AllSelected() bool {
	return len(s.selected) == len(s.candidates)
}

// CurrentWeight is the template weight plus the weight of every selected
// input, each costing its own weight plus TxInBaseWeight.
func (s *Selector) CurrentWeight() uint32 {
	weight := s.opts.BaseWeight
	for i := range s.selected {
		weight += s.candidates[i].Weight + TxInBaseWeight
	}
	return weight
}

// CurrentValue is the starting input value plus every selected input's value.
func (s *Selector) CurrentValue() uint64 {
	value := s.opts.StartingInputValue
	for i := range s.selected {
		value += s.candidates[i].Value
	}
	return value
}

// Finish attempts to close the selection at its current state. It returns
// nil when the selected inputs cannot fund the target at the required
// feerate. When both a change and a no-change outcome are possible, change
// is preferred.
func (s *Selector) Finish() *Selection {
	weight := s.CurrentWeight()
	value := s.CurrentValue()

	if value < s.opts.TargetValue {
		return nil
	}
	diff := value - s.opts.TargetValue

	// The surplus must cover the feerate even before accounting for a
	// change output.
	if float32(diff)/float32(weight) < s.opts.TargetFeerate {
		return nil
	}
	if diff < s.opts.MinAbsoluteFee {
		return nil
	}

	weightWithChange := weight + s.opts.DrainWeight
	feeWithChange := maxFee(s.opts.TargetFeerate, weightWithChange, s.opts.MinAbsoluteFee)
	feeNoChange := maxFee(s.opts.TargetFeerate, weight, s.opts.MinAbsoluteFee)

	var (
		excess    uint64
		useChange bool
	)
	switch {
	case diff >= feeWithChange:
		excess = diff - feeWithChange
		useChange = true
	case value >= feeNoChange && value-feeNoChange >= s.opts.TargetValue:
		excess = value - feeNoChange - s.opts.TargetValue
		useChange = false
	default:
		return nil
	}

	sel := &Selection{
		Selected:  s.Selected(),
		Excess:    excess,
		UseChange: useChange,
	}
	if useChange {
		sel.TotalWeight = weightWithChange
		sel.Fee = feeWithChange
	} else {
		sel.TotalWeight = weight
		sel.Fee = feeNoChange
	}
	return sel
}

// SelectUntilFinished repeatedly checks Finish, selecting the next
// unselected candidate in natural order after each failed check. Returns the
// first successful selection, or nil when no prefix of the candidate list
// funds the target.
func (s *Selector) SelectUntilFinished() *Selection {
	for _, next := range s.Unselected() {
		if sel := s.Finish(); sel != nil {
			return sel
		}
		s.Select(next)
	}
	return s.Finish()
}

// maxFee is the feerate-implied fee for the given weight, rounded up, but
// never below the absolute minimum.
func maxFee(feerate float32, weight uint32, minAbsolute uint64) uint64 {
	fee := uint64(math.Ceil(float64(feerate) * float64(weight)))
	if fee < minAbsolute {
		return minAbsolute
	}
	return fee
}

// Selection is a successfully closed selection.
type Selection struct {
	// Selected holds the chosen candidate indices in ascending order.
	Selected []int
	// Excess is the value left over after the target and fee; folded into
	// the change output when UseChange is set, otherwise already implied by
	// the fee arithmetic.
	Excess uint64
	// Fee is the fee the selection pays.
	Fee uint64
	// UseChange reports whether a change output should be added.
	UseChange bool
	// TotalWeight is the expected weight of the final transaction,
	// including the change output when UseChange is set.
	TotalWeight uint32
}

// Apply maps the selected indices over a parallel candidate slice.
func Apply[T any](sel *Selection, candidates []T) []T {
	chosen := make([]T, 0, len(sel.Selected))
	for _, i := range sel.Selected {
		chosen = append(chosen, candidates[i])
	}
	return chosen
}
