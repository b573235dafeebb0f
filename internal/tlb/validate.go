package tlb

import (
	"fmt"

	"tlbengine/internal/book"
)

// BearerCache resolves a stable id to its on-chain bearer reference — the
// boundary between the pure matcher and whatever upstream cache (C9) tracks
// live entity state. Implementations must be safe for the single driver
// goroutine that owns this pair's TLB; no concurrency guarantees beyond
// that are required.
type BearerCache interface {
	Bearer(id book.StableID) (book.Bearer, bool)
}

// LinkedFill is a Fill with its target's bearer attached, ready for the
// transaction builder.
type LinkedFill struct {
	Fill
	Bearer book.Bearer
}

// LinkedSwap is a Swap with its target pool's bearer attached.
type LinkedSwap struct {
	Swap
	Bearer book.Bearer
}

// LinkedTerminalInstruction is a TerminalInstruction after linking: exactly
// one of LinkedFill/LinkedSwap is populated, selected by Kind.
type LinkedTerminalInstruction struct {
	Kind TerminalKind
	Fill LinkedFill
	Swap LinkedSwap
}

// ScaleBudget rescales this instruction's fee budget by factor num/den,
// never letting it go below zero. Used to redistribute a recipe's total
// fee budget across instructions after a pool successor changes available
// liquidity (see CorrectBudget).
func (li *LinkedTerminalInstruction) ScaleBudget(num, den uint64) {
	if den == 0 || li.Kind != TerminalFill {
		return
	}
	li.Fill.BudgetUsed = li.Fill.BudgetUsed * num / den
}

// CorrectBudget clamps this instruction's fee budget to at most cap,
// the final adjustment pass after scaling every instruction in a linked
// recipe (mirrors the source's scale-then-correct two-step budget
// reconciliation).
func (li *LinkedTerminalInstruction) CorrectBudget(capBudget uint64) {
	if li.Kind == TerminalFill && li.Fill.BudgetUsed > capBudget {
		li.Fill.BudgetUsed = capBudget
	}
}

// LinkRecipe resolves a bearer for every instruction's target stable id via
// cache, attaching it to produce a recipe ready for transaction building.
// A missing bearer is a programming-invariant violation — §4.5 calls this
// fatal within the attempt, so the caller should treat ErrMissingBearer as
// unrecoverable for this attempt rather than retry it.
func LinkRecipe(rec ExecutionRecipe, cache BearerCache) ([]LinkedTerminalInstruction, error) {
	out := make([]LinkedTerminalInstruction, 0, len(rec.Instructions()))
	for _, ti := range rec.Instructions() {
		switch ti.Kind {
		case TerminalFill:
			bearer, ok := cache.Bearer(ti.Fill.TargetFr.StableID())
			if !ok {
				return nil, fmt.Errorf("%w: fill target %s", ErrMissingBearer, ti.Fill.TargetFr.StableID())
			}
			out = append(out, LinkedTerminalInstruction{Kind: TerminalFill, Fill: LinkedFill{Fill: ti.Fill, Bearer: bearer}})
		case TerminalSwap:
			bearer, ok := cache.Bearer(ti.Swap.Target.StableID())
			if !ok {
				return nil, fmt.Errorf("%w: swap target %s", ErrMissingBearer, ti.Swap.Target.StableID())
			}
			out = append(out, LinkedTerminalInstruction{Kind: TerminalSwap, Swap: LinkedSwap{Swap: ti.Swap, Bearer: bearer}})
		}
	}
	return out, nil
}
