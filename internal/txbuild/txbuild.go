// Package txbuild is the reference transaction builder and prover: a
// concrete, chain-agnostic implementation of driver.Interpreter,
// driver.SpecializedInterpreter, and driver.Prover, good enough to run
// cmd/tlbd end to end against a DryRun submitter. A real deployment swaps
// this package for one that knows its chain's datum encoding and signing
// scheme — both out of scope here, exactly as the core only consumes these
// through abstract interfaces.
//
// Grounded on internal/exchange.Client.buildOrderPayload: construct an
// opaque payload from the recipe's linked instructions, carrying enough
// structured data for a Submitter to serialize, without encoding any
// particular on-chain format.
package txbuild

import (
	"context"
	"fmt"

	"tlbengine/internal/backlog"
	"tlbengine/internal/book"
	"tlbengine/internal/driver"
	"tlbengine/internal/tlb"
)

// InstructionPayload is one linked instruction reduced to the fields a
// submission payload needs, opaque to the core but concrete enough for a
// Submitter to marshal over the wire.
type InstructionPayload struct {
	Kind         string // "fill" | "swap"
	TargetID     string
	RemovedInput uint64
	AddedOutput  uint64
	BudgetUsed   uint64
	FeeUsed      uint64
	SwapInput    uint64
	SwapOutput   uint64
}

// RecipePayload is the TxCandidate.Payload shape this builder produces for
// a linked TLB recipe.
type RecipePayload struct {
	Pair         book.PairID
	Instructions []InstructionPayload
}

// BacklogPayload is the TxCandidate.Payload shape for a specialized
// backlog-order run against one pool.
type BacklogPayload struct {
	Pair    book.PairID
	OrderID book.StableID
	PoolRef book.StableID
}

// VersionResolver looks up the current version of a tracked entity, the
// way a real interpreter would consult the cache to populate
// driver.ConsumedRef. The reference Builder is given one at construction
// so it can report consumed versions without driver.Interpreter itself
// carrying a cache dependency.
type VersionResolver func(id book.StableID) (book.Version, bool)

// Builder implements driver.Interpreter.
type Builder struct {
	resolve VersionResolver
}

// NewBuilder returns a reference Builder that resolves consumed versions
// via resolve.
func NewBuilder(resolve VersionResolver) *Builder {
	return &Builder{resolve: resolve}
}

// Build implements driver.Interpreter: it reduces a linked recipe to a
// RecipePayload and reports the entity versions it consumed so the driver
// can invalidate exactly those on a bad-versions failure. It produces no
// new state.Row entries itself — that is the cache's job once a
// submission is confirmed, driven by whatever the real chain-specific
// interpreter observes on-chain.
func (b *Builder) Build(ctx context.Context, pair book.PairID, linked []tlb.LinkedTerminalInstruction) (driver.TxCandidate, driver.Effects, error) {
	if len(linked) == 0 {
		return driver.TxCandidate{}, driver.Effects{}, fmt.Errorf("txbuild: empty recipe for pair %s", pair)
	}

	payload := RecipePayload{Pair: pair, Instructions: make([]InstructionPayload, 0, len(linked))}
	effects := driver.Effects{Consumed: make([]driver.ConsumedRef, 0, len(linked))}

	for _, li := range linked {
		switch li.Kind {
		case tlb.TerminalFill:
			id := li.Fill.TargetFr.StableID()
			payload.Instructions = append(payload.Instructions, InstructionPayload{
				Kind:         "fill",
				TargetID:     string(id),
				RemovedInput: li.Fill.RemovedInput,
				AddedOutput:  li.Fill.AddedOutput,
				BudgetUsed:   li.Fill.BudgetUsed,
				FeeUsed:      li.Fill.FeeUsed,
			})
			if v, ok := b.resolve(id); ok {
				effects.Consumed = append(effects.Consumed, driver.ConsumedRef{ID: id, Version: v})
			}
		case tlb.TerminalSwap:
			id := li.Swap.Target.StableID()
			payload.Instructions = append(payload.Instructions, InstructionPayload{
				Kind:       "swap",
				TargetID:   string(id),
				SwapInput:  li.Swap.Input,
				SwapOutput: li.Swap.Output,
			})
			if v, ok := b.resolve(id); ok {
				effects.Consumed = append(effects.Consumed, driver.ConsumedRef{ID: id, Version: v})
			}
		}
	}

	return driver.TxCandidate{Pair: pair, Payload: payload}, effects, nil
}

var _ driver.Interpreter = (*Builder)(nil)

// SpecializedBuilder implements driver.SpecializedInterpreter. It is a
// distinct type from Builder since the two interfaces both name their sole
// method Build with different signatures — no single type can satisfy
// both at once.
type SpecializedBuilder struct {
	resolve VersionResolver
}

// NewSpecializedBuilder returns a reference SpecializedBuilder that
// resolves consumed versions via resolve.
func NewSpecializedBuilder(resolve VersionResolver) *SpecializedBuilder {
	return &SpecializedBuilder{resolve: resolve}
}

// Build implements driver.SpecializedInterpreter.
func (b *SpecializedBuilder) Build(ctx context.Context, pair book.PairID, order backlog.SpecializedOrder, poolRef book.StableID, poolBearer book.Bearer) (driver.TxCandidate, driver.Effects, error) {
	payload := BacklogPayload{Pair: pair, OrderID: order.OrderID(), PoolRef: poolRef}
	effects := driver.Effects{}
	if v, ok := b.resolve(poolRef); ok {
		effects.Consumed = []driver.ConsumedRef{{ID: poolRef, Version: v}}
	}
	return driver.TxCandidate{Pair: pair, Payload: payload}, effects, nil
}

var _ driver.SpecializedInterpreter = (*SpecializedBuilder)(nil)

// Prover turns a TxCandidate into a Tx deterministically. The reference
// implementation performs no signing or encoding — it passes the payload
// through unchanged, trusting the Submitter to know what to do with it.
type Prover struct{}

// NewProver returns a reference, pass-through Prover.
func NewProver() *Prover { return &Prover{} }

// Prove implements driver.Prover.
func (p *Prover) Prove(ctx context.Context, cand driver.TxCandidate) (driver.Tx, error) {
	return driver.Tx{Pair: cand.Pair, Payload: cand.Payload}, nil
}

var _ driver.Prover = (*Prover)(nil)
