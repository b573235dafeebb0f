// Package order provides the concrete Fragment implementation for a plain
// time-bounded limit order — the discrete liquidity kind the matching
// engine batches against pools. Specialized (non-fragment) order kinds
// live in internal/backlog instead.
package order

import (
	"tlbengine/internal/book"
	"tlbengine/internal/price"
)

// LimitOrder is an immutable limit order fragment: a fixed input quantity
// offered at a fixed price, with a proportionally-shrinking fee budget as
// it gets partially filled.
type LimitOrder struct {
	ID          book.StableID
	SideTag     price.Tag
	InputQty    uint64
	PriceVal    price.Rational
	FeeQty      uint64
	MinOutput   uint64
	CostHintVal uint64
	Bounds      book.TimeBounds
}

func (o LimitOrder) StableID() book.StableID { return o.ID }
func (o LimitOrder) Side() price.Tag         { return o.SideTag }
func (o LimitOrder) Input() uint64           { return o.InputQty }
func (o LimitOrder) Price() price.Rational   { return o.PriceVal }
func (o LimitOrder) Fee() uint64             { return o.FeeQty }
func (o LimitOrder) MinMarginalOutput() uint64 { return o.MinOutput }
func (o LimitOrder) CostHint() uint64        { return o.CostHintVal }
func (o LimitOrder) TimeBounds() book.TimeBounds { return o.Bounds }

// WithUpdatedTime leaves the order's content unchanged (a limit order has
// no time-dependent fields beyond its validity window) but reports EOL once
// the clock moves outside Bounds, so the matcher's chronology can drop it.
func (o LimitOrder) WithUpdatedTime(t uint64) book.StateTrans[book.Fragment] {
	if !o.Bounds.Contains(t) {
		return book.EOL[book.Fragment]()
	}
	return book.Active[book.Fragment](o)
}

// WithUpdatedLiquidity removes removedInput from the order's remaining
// input and charges a proportional share of its fee budget, returning EOL
// once the order's remaining input reaches zero.
func (o LimitOrder) WithUpdatedLiquidity(removedInput, addedOutput uint64) (book.StateTrans[book.Fragment], uint64, uint64) {
	if removedInput >= o.InputQty {
		// Fully consumed: the whole remaining fee budget is spent.
		return book.EOL[book.Fragment](), o.FeeQty, o.FeeQty
	}
	budgetUsed := o.FeeQty * removedInput / o.InputQty
	next := o
	next.InputQty = o.InputQty - removedInput
	next.FeeQty = o.FeeQty - budgetUsed
	return book.Active[book.Fragment](next), budgetUsed, budgetUsed
}
