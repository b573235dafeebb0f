package tlb

import (
	"fmt"

	"tlbengine/internal/book"
)

// Fill records a terminal fragment fill: the target fragment, its next
// state (Active|EOL), and the amounts moved.
type Fill struct {
	TargetFr     book.Fragment
	NextFr       book.StateTrans[book.Fragment]
	RemovedInput uint64
	AddedOutput  uint64
	BudgetUsed   uint64
	FeeUsed      uint64
}

// NewFill builds a Fill from a target fragment and the next-state/budget
// triple returned by WithUpdatedLiquidity, recording RemovedInput as the
// target's pre-fill input (the amount actually removed).
func NewFill(target book.Fragment, next book.StateTrans[book.Fragment], addedOutput, budgetUsed, feeUsed uint64) Fill {
	return Fill{
		TargetFr:     target,
		NextFr:       next,
		RemovedInput: target.Input(),
		AddedOutput:  addedOutput,
		BudgetUsed:   budgetUsed,
		FeeUsed:      feeUsed,
	}
}

// Swap records a terminal pool swap: pool before/after, side, input, output.
type Swap struct {
	Target     book.MarketMaker
	Transition book.MarketMaker
	Side       book.Fragment // carries the remainder fragment whose side/target the swap fulfilled
	Input      uint64
	Output     uint64
}

// PartialFill is the recipe's remainder: a fragment consumed partially so
// far, carried forward for further matching within the same attempt.
type PartialFill struct {
	Target             book.Fragment
	RemainingInput     uint64
	AccumulatedOutput  uint64
}

// NewPartialFill starts a remainder at fr's full input, zero accumulated.
func NewPartialFill(fr book.Fragment) PartialFill {
	return PartialFill{Target: fr, RemainingInput: fr.Input(), AccumulatedOutput: 0}
}

// FilledUnsafe forces the remainder into a terminal Fill without checking
// that it is actually satisfied (the caller must check separately via
// unsatisfied-fragment detection in §4.5).
func (pf PartialFill) FilledUnsafe() Fill {
	next, budgetUsed, feeUsed := pf.Target.WithUpdatedLiquidity(pf.Target.Input(), pf.AccumulatedOutput)
	return Fill{
		TargetFr:     pf.Target,
		NextFr:       next,
		RemovedInput: pf.Target.Input(),
		AddedOutput:  pf.AccumulatedOutput,
		BudgetUsed:   budgetUsed,
		FeeUsed:      feeUsed,
	}
}

// ToFill converts a partially-progressed remainder into a terminal Fill,
// computing removed input from the gap between the target's original
// input and what remains.
func (pf PartialFill) ToFill() Fill {
	removed := pf.Target.Input() - pf.RemainingInput
	next, budgetUsed, feeUsed := pf.Target.WithUpdatedLiquidity(removed, pf.AccumulatedOutput)
	return Fill{
		TargetFr:     pf.Target,
		NextFr:       next,
		RemovedInput: removed,
		AddedOutput:  pf.AccumulatedOutput,
		BudgetUsed:   budgetUsed,
		FeeUsed:      feeUsed,
	}
}

// TerminalKind distinguishes a Fill instruction from a Swap instruction.
type TerminalKind int

const (
	TerminalFill TerminalKind = iota
	TerminalSwap
)

// TerminalInstruction is one line item of a recipe: either a fragment Fill
// or a pool Swap.
type TerminalInstruction struct {
	Kind TerminalKind
	Fill Fill
	Swap Swap
}

func (ti TerminalInstruction) String() string {
	if ti.Kind == TerminalFill {
		return fmt.Sprintf("Fill(target=%s, removed=%d, added=%d)", ti.Fill.TargetFr.StableID(), ti.Fill.RemovedInput, ti.Fill.AddedOutput)
	}
	return fmt.Sprintf("Swap(target=%s, input=%d, output=%d)", ti.Swap.Target.StableID(), ti.Swap.Input, ti.Swap.Output)
}

// IntermediateRecipe is the recipe under construction during an attempt:
// an ordered list of terminal instructions plus an optional remainder.
type IntermediateRecipe struct {
	Terminal  []TerminalInstruction
	Remainder *PartialFill
}

// NewIntermediateRecipe opens a recipe with fr as the initial remainder.
func NewIntermediateRecipe(fr book.Fragment) *IntermediateRecipe {
	rem := NewPartialFill(fr)
	return &IntermediateRecipe{Remainder: &rem}
}

// Push appends a terminal instruction without touching the remainder.
func (r *IntermediateRecipe) Push(ti TerminalInstruction) {
	r.Terminal = append(r.Terminal, ti)
}

// Terminate appends a terminal instruction and clears the remainder (used
// when a pool fill consumes the entire remainder).
func (r *IntermediateRecipe) Terminate(ti TerminalInstruction) {
	r.Push(ti)
	r.Remainder = nil
}

// SetRemainder replaces the current remainder.
func (r *IntermediateRecipe) SetRemainder(pf PartialFill) {
	r.Remainder = &pf
}

// IsComplete reports whether the recipe satisfies §4.5's completeness
// predicate: at least two terminal instructions, or at least one terminal
// plus a remainder.
func (r *IntermediateRecipe) IsComplete() bool {
	n := len(r.Terminal)
	return n >= 2 || (n > 0 && r.Remainder != nil)
}

// UnsatisfiedFragments returns every fragment (terminal fills and the
// remainder) whose added/accumulated output fell short of its minimum
// marginal output.
func (r *IntermediateRecipe) UnsatisfiedFragments() []book.Fragment {
	var out []book.Fragment
	for _, ti := range r.Terminal {
		if ti.Kind == TerminalFill && ti.Fill.AddedOutput < ti.Fill.TargetFr.MinMarginalOutput() {
			out = append(out, ti.Fill.TargetFr)
		}
	}
	if r.Remainder != nil && r.Remainder.AccumulatedOutput < r.Remainder.Target.MinMarginalOutput() {
		out = append(out, r.Remainder.Target)
	}
	return out
}

// ExecutionRecipe is a terminal recipe after validation: complete and
// satisfied, remainder (if any) promoted to a terminal Fill.
type ExecutionRecipe struct {
	instructions []TerminalInstruction
}

// Instructions returns the recipe's ordered terminal instructions.
func (r ExecutionRecipe) Instructions() []TerminalInstruction { return r.instructions }

// ExecutionRecipeFromIntermediate validates rec and, if complete and
// satisfied, promotes any remainder to a terminal Fill and returns the
// finished ExecutionRecipe. On failure it returns the unsatisfied
// fragments (nil if the recipe was simply incomplete, distinguishing the
// two failure shapes §4.5 calls out).
func ExecutionRecipeFromIntermediate(rec *IntermediateRecipe) (ExecutionRecipe, []book.Fragment, error) {
	if !rec.IsComplete() {
		return ExecutionRecipe{}, nil, errIncompleteRecipe
	}
	unsatisfied := rec.UnsatisfiedFragments()
	if len(unsatisfied) > 0 {
		return ExecutionRecipe{}, unsatisfied, errUnsatisfiedRecipe
	}
	terminal := append([]TerminalInstruction(nil), rec.Terminal...)
	if rec.Remainder != nil {
		terminal = append(terminal, TerminalInstruction{Kind: TerminalFill, Fill: rec.Remainder.ToFill()})
	}
	return ExecutionRecipe{instructions: terminal}, nil, nil
}
