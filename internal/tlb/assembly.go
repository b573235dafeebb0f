package tlb

import (
	"math/big"

	"tlbengine/internal/book"
	"tlbengine/internal/price"
)

// ExecutionCap bounds how much abstract execution cost an attempt may
// spend, in domain-specific units. SafeThreshold gates the fragment-branch
// of the attempt loop: once the remaining budget drops to the soft
// threshold, only a pool fill (which always terminates the remainder) is
// attempted.
type ExecutionCap struct {
	Soft uint64
	Hard uint64
}

// SafeThreshold returns Hard - Soft.
func (c ExecutionCap) SafeThreshold() uint64 {
	if c.Hard < c.Soft {
		return 0
	}
	return c.Hard - c.Soft
}

const maxBiasPercent = 3

// feeDensity approximates a fragment's "weight" as fee per unit of input,
// the quantity §4.4.1 calls bid/ask "weight" when comparing which side to
// prefer.
func feeDensity(f book.Fragment) price.Rational {
	if f.Input() == 0 {
		return price.MustRational(0, 1)
	}
	return price.MustRational(int64(f.Fee()), int64(f.Input()))
}

// PickBestFrEither implements §4.4.1: pop the best bid and best ask,
// decide which one the attempt should open with, and put the other one
// back. If only one side has a fragment, that one is returned outright.
func PickBestFrEither(t *TLB, indexPrice *price.Rational) (book.Fragment, bool) {
	bid, bidOK := t.TryPickFr(price.BidTag)
	ask, askOK := t.TryPickFr(price.AskTag)

	switch {
	case !bidOK && !askOK:
		return nil, false
	case bidOK && !askOK:
		return bid, true
	case !bidOK && askOK:
		return ask, true
	}

	bidUnderpriced := indexPrice != nil && bid.Price().Less(*indexPrice)
	askOverpriced := indexPrice != nil && indexPrice.Less(ask.Price())
	bidHeavier := !feeDensity(bid).Less(feeDensity(ask))

	if (bidHeavier && !bidUnderpriced) || askOverpriced {
		t.PutBackFr(ask)
		return bid, true
	}
	t.PutBackFr(bid)
	return ask, true
}

// SettlePrice implements §4.4.2: a fee-weighted pivot between ask and bid,
// biased toward whichever party pays the larger absolute fee, capped at
// ±3% of the pivot, and clamped into [ask, bid].
func SettlePrice(ask, bid book.Fragment, indexPrice *price.Rational) price.Rational {
	pa, pb := ask.Price(), bid.Price()

	var pivot price.Rational
	if indexPrice != nil {
		pivot = price.Clamp(*indexPrice, pa, pb)
	} else {
		pivot = pa.Add(pb.Sub(pa).Mul(price.MustRational(1, 2)))
	}

	fa := new(big.Int).SetUint64(ask.Fee())
	fb := new(big.Int).SetUint64(bid.Fee())

	// biasPercent is the signed percent deviation §4.4.2 defines directly
	// from the raw fees (not normalized by their sum): it biases toward
	// whichever side pays the larger absolute fee, and is deliberately
	// allowed to overshoot — the final clamp to [pa, pb] is what keeps it in
	// range, including the edge case where it pins the settled price exactly
	// at one side.
	var biasPercent price.Rational
	switch {
	case fa.Sign() == 0 && fb.Sign() == 0:
		biasPercent = price.MustRational(0, 1)
	case fa.Cmp(fb) < 0:
		mag, _ := price.NewRational(new(big.Int).Mul(fa, big.NewInt(100)), fb)
		biasPercent = price.MustRational(0, 1).Sub(mag)
	default:
		biasPercent, _ = price.NewRational(new(big.Int).Mul(fb, big.NewInt(100)), fa)
	}

	deviation := pivot.Mul(price.MustRational(maxBiasPercent, 100)).Mul(biasPercent.Mul(price.MustRational(1, 100)))
	settled := pivot.Add(deviation)
	return price.Clamp(settled, pa, pb)
}

// fillResult is the outcome of matching two fragments against each other:
// zero, one, or two terminal fills plus an optional remainder continuing
// the attempt.
type fillResult struct {
	fills     []Fill
	remainder *PartialFill
}

// FillFromFragment implements §4.4.3. lhs/rhs are canonicalized into
// (ask, bid) by side; demand_base is computed from the bid's remaining
// input (authoritative per the engine's design notes), supply_base from
// the ask's remaining input.
//
// Both amounts come from lhsRemaining/rhsRemaining. When the remainder is
// the ask, Attempt passes the bid candidate's Input() as its remaining
// input, so on that path demand_base is computed from bid.Input(); a
// freshly popped candidate has no partial fill, so the two are equal.
func FillFromFragment(settledPrice price.Rational, lhs, rhs book.Fragment, lhsRemaining, rhsRemaining uint64) fillResult {
	var ask, bid book.Fragment
	var askRemaining, bidRemaining uint64
	if lhs.Side() == price.AskTag {
		ask, bid = lhs, rhs
		askRemaining, bidRemaining = lhsRemaining, rhsRemaining
	} else {
		ask, bid = rhs, lhs
		askRemaining, bidRemaining = rhsRemaining, lhsRemaining
	}

	demandBase := price.LinearOutput(bidRemaining, price.Bid(settledPrice))
	supplyBase := askRemaining

	switch {
	case supplyBase > demandBase:
		// Bid fills fully; ask remains with the leftover base supply, having
		// accumulated the bid's entire input as quote received so far.
		bidTrans, bidBudget, bidFee := bid.WithUpdatedLiquidity(bidRemaining, demandBase)
		bidFill := Fill{
			TargetFr:     bid,
			NextFr:       bidTrans,
			RemovedInput: bidRemaining,
			AddedOutput:  demandBase,
			BudgetUsed:   bidBudget,
			FeeUsed:      bidFee,
		}
		rem := PartialFill{Target: ask, RemainingInput: supplyBase - demandBase, AccumulatedOutput: bidRemaining}
		return fillResult{fills: []Fill{bidFill}, remainder: &rem}

	case supplyBase < demandBase:
		// Ask terminates fully on its whole supply; bid partially fills,
		// accumulating the base it received and spending the matching quote.
		askOutput := price.LinearOutput(supplyBase, price.Ask(settledPrice))
		askTrans, askBudget, askFee := ask.WithUpdatedLiquidity(askRemaining, askOutput)
		askFill := Fill{TargetFr: ask, NextFr: askTrans, RemovedInput: askRemaining, AddedOutput: askOutput, BudgetUsed: askBudget, FeeUsed: askFee}
		rem := PartialFill{Target: bid, RemainingInput: bidRemaining - askOutput, AccumulatedOutput: supplyBase}
		return fillResult{fills: []Fill{askFill}, remainder: &rem}

	default:
		askOutput := price.LinearOutput(supplyBase, price.Ask(settledPrice))
		askTrans, askBudget, askFee := ask.WithUpdatedLiquidity(askRemaining, askOutput)
		askFill := Fill{TargetFr: ask, NextFr: askTrans, RemovedInput: askRemaining, AddedOutput: askOutput, BudgetUsed: askBudget, FeeUsed: askFee}
		bidTrans, bidBudget, bidFee := bid.WithUpdatedLiquidity(bidRemaining, demandBase)
		bidFill := Fill{TargetFr: bid, NextFr: bidTrans, RemovedInput: bidRemaining, AddedOutput: demandBase, BudgetUsed: bidBudget, FeeUsed: bidFee}
		return fillResult{fills: []Fill{askFill, bidFill}}
	}
}

// FillFromPool implements §4.4.4: swap the remainder's remaining input
// against the pool, promote the remainder to a terminal fill, and record
// the Swap.
func FillFromPool(rem PartialFill, pool book.MarketMaker) (Fill, Swap, book.MarketMaker) {
	input := price.Side[uint64]{Tag: rem.Target.Side(), Value: rem.RemainingInput}
	output, next := pool.Swap(input)

	filled := rem
	filled.AccumulatedOutput += output
	filled.RemainingInput = 0
	fill := filled.ToFill()

	swap := Swap{Target: pool, Transition: next, Side: rem.Target, Input: rem.RemainingInput, Output: output}
	return fill, swap, next
}

// Attempt implements the §4.4 matching loop for a pair's TLB, given the
// current clock's index price (nil if unavailable) and an execution cap.
// Returns nil if no fragment is available to open a recipe.
func Attempt(t *TLB, indexPrice *price.Rational, execCap ExecutionCap) *ExecutionRecipe {
	opening, ok := PickBestFrEither(t, indexPrice)
	if !ok {
		return nil
	}

	rec := NewIntermediateRecipe(opening)
	unitsLeft := execCap.Hard

	for rec.Remainder != nil {
		rem := *rec.Remainder
		oppositeSide := rem.Target.Side().Opposite()

		opposite, haveOpposite := t.activeFragments().PeekBest(oppositeSide)
		var pPool price.Rational
		havePool := false
		if p, ok := t.BestPoolStaticPrice(); ok {
			pPool, havePool = p, true
		}

		fragmentPreferred := haveOpposite &&
			(!havePool || book.PriceSide(opposite).BetterThan(pPool)) &&
			unitsLeft > execCap.SafeThreshold()

		if fragmentPreferred {
			candidate, ok := t.TryPickFr(oppositeSide)
			if !ok || !book.PriceSide(candidate).Overlaps(rem.Target.Price()) || candidate.CostHint() > unitsLeft {
				if ok {
					t.PutBackFr(candidate)
				}
				break
			}
			unitsLeft -= candidate.CostHint()

			settled := SettlePrice(pickAsk(rem.Target, candidate), pickBid(rem.Target, candidate), indexPrice)
			res := FillFromFragment(settled, rem.Target, candidate, rem.RemainingInput, candidate.Input())

			for _, f := range res.fills {
				rec.Push(TerminalInstruction{Kind: TerminalFill, Fill: f})
				t.PreAddFragment(f.NextFr)
			}
			if res.remainder != nil {
				rec.SetRemainder(*res.remainder)
			} else {
				rec.Remainder = nil
			}
			continue
		}

		if havePool && unitsLeft > 0 {
			pool, ok := t.TryPickPool(func(p book.MarketMaker) bool {
				realPrice := p.RealPrice(price.Side[uint64]{Tag: rem.Target.Side(), Value: rem.RemainingInput})
				return book.PriceSide(rem.Target).Overlaps(realPrice)
			})
			if ok {
				fill, swap, next := FillFromPool(rem, pool)
				rec.Push(TerminalInstruction{Kind: TerminalSwap, Swap: swap})
				rec.Terminate(TerminalInstruction{Kind: TerminalFill, Fill: fill})
				t.PreAddPool(next)
				break
			}
		}

		break
	}

	finished, _, err := ExecutionRecipeFromIntermediate(rec)
	if err != nil {
		t.Rollback(UnstashOpt())
		return nil
	}
	// Deliberately not committed here: per §4.4/§4.6 the TLB stays in
	// PartialPreview/Preview until the driver signals on_recipe_succeeded
	// (commit) or on_recipe_failed (rollback) from submission feedback.
	return &finished
}

func pickAsk(a, b book.Fragment) book.Fragment {
	if a.Side() == price.AskTag {
		return a
	}
	return b
}

func pickBid(a, b book.Fragment) book.Fragment {
	if a.Side() == price.BidTag {
		return a
	}
	return b
}
