// Package driver implements the execution driver (C10): the single-pair-
// affine poll loop that turns TLB recipes and backlog orders into
// submitted transactions, and routes submission feedback and upstream
// events back into the registry's per-pair rows. Grounded structurally on
// internal/engine.Engine's goroutine-and-select orchestration, generalized
// from "one goroutine per market slot" to "one poll loop over a
// registry.Registry of pair rows" per the engine's single-threaded
// cooperative scheduling model.
package driver

import (
	"context"
	"fmt"
	"time"

	"tlbengine/internal/backlog"
	"tlbengine/internal/book"
	"tlbengine/internal/price"
	"tlbengine/internal/state"
	"tlbengine/internal/tlb"
)

// EntityUpdate is an evolving-entity event: a new version of a fragment or
// pool observed at some provenance status, carrying the transition kind
// the upstream source computed (mirroring the Left/Right/Both/Rollback
// shape of a Confirmed/Unconfirmed StateUpdate pipeline).
type EntityUpdate struct {
	Status  state.Status
	Kind    state.TransitionKind
	ID      book.StableID
	Version book.Version
	Entity  state.Entity
	Bearer  book.Bearer
}

// OrderUpdateKind distinguishes an atomic-order sighting from its removal.
type OrderUpdateKind int

const (
	OrderCreated OrderUpdateKind = iota
	OrderEliminated
)

// OrderUpdate is an atomic-order event for the backlog (C11): orders that
// are run by a specialized interpreter rather than matched through the
// fragment/pool composition.
type OrderUpdate struct {
	Kind  OrderUpdateKind
	ID    book.StableID
	Order backlog.SpecializedOrder // nil for OrderEliminated
}

// Event is one upstream occurrence for a pair: exactly one of Entity/Order
// is set.
type Event struct {
	Pair   book.PairID
	Entity *EntityUpdate
	Order  *OrderUpdate
}

// UpstreamSource is the boundary the driver polls for (Pair, Event) pairs.
// The core only consumes this channel; discovery, decoding, and reconnect
// logic live entirely on the adapter side.
type UpstreamSource interface {
	Events() <-chan Event
}

// TxCandidate is an unsigned/unproven transaction shape, opaque to the
// core: interpreters produce it, a Prover consumes it. The core never
// inspects Payload.
type TxCandidate struct {
	Pair    book.PairID
	Payload any
}

// Tx is a proven, submittable transaction, equally opaque to the core.
type Tx struct {
	Pair    book.PairID
	Payload any
}

// ConsumedRef names one entity version a transaction spent, so a failed
// submission's bad-version set can be checked against exactly what this
// batch consumed.
type ConsumedRef struct {
	ID      book.StableID
	Version book.Version
}

// Effects is what a successful interpreter build reports alongside a
// TxCandidate: the versions it consumed (checked against a submission
// failure's bad-version set) and the rows it will produce if the
// transaction confirms (applied to the cache as Unconfirmed on success).
type Effects struct {
	Consumed []ConsumedRef
	Produced []state.Row
}

// Interpreter builds a transaction candidate from a linked TLB recipe.
type Interpreter interface {
	Build(ctx context.Context, pair book.PairID, linked []tlb.LinkedTerminalInstruction) (TxCandidate, Effects, error)
}

// SpecializedInterpreter builds a transaction candidate for one backlog
// order run against one specific pool.
type SpecializedInterpreter interface {
	Build(ctx context.Context, pair book.PairID, order backlog.SpecializedOrder, poolRef book.StableID, poolBearer book.Bearer) (TxCandidate, Effects, error)
}

// Prover turns a candidate into a submittable transaction, deterministically.
type Prover interface {
	Prove(ctx context.Context, cand TxCandidate) (Tx, error)
}

// BadVersionsErr is a submission error that can name the specific entity
// versions the ledger rejected, letting the driver invalidate exactly
// those and retry rather than discarding the whole batch's knowledge.
// Errors that don't implement it are treated as unknown failures.
type BadVersionsErr interface {
	error
	BadVersions() []book.Version
}

// Submitter submits tx asynchronously, returning a channel that receives
// exactly one error (nil on success) when the network round-trip
// completes. The driver never blocks on this channel directly — a chained
// goroutine forwards the result into the driver's bounded feedback
// channel, per §5's "transaction network send performed outside the
// driver by a chained task".
type Submitter interface {
	SubmitTx(ctx context.Context, tx Tx) <-chan error
}

// IndexPriceSource optionally supplies an oracle index price per pair, used
// to bias fragment selection and settlement (§4.4.1/§4.4.2 in the source
// matching-rules). A driver without one runs every attempt with
// indexPrice == nil, the spec's documented degraded-but-valid fallback.
type IndexPriceSource interface {
	IndexPrice(pair book.PairID) (price.Rational, bool)
}

// RecipeEventKind classifies one RecipeEvent for external observers (e.g.
// internal/httpapi's SSE stream). Purely informational — the driver's own
// control flow never branches on it.
type RecipeEventKind string

const (
	RecipeAttempted       RecipeEventKind = "attempted"
	RecipeSucceeded       RecipeEventKind = "succeeded"
	RecipeFailed          RecipeEventKind = "failed"
	BacklogOrderSubmitted RecipeEventKind = "backlog_submitted"
)

// RecipeEvent is one notable driver occurrence, broadcast to anyone
// reading Driver.Events.
type RecipeEvent struct {
	Pair   book.PairID
	Kind   RecipeEventKind
	Detail string
}

// PairSnapshot reports one pair's externally-visible state, for the HTTP
// snapshot endpoint.
type PairSnapshot struct {
	Pair         book.PairID
	Queued       bool
	PendingBatch bool
	BacklogDepth int
}

// Snapshot is the driver's point-in-time state across every registered pair.
type Snapshot struct {
	Pairs        []PairSnapshot
	FocusDepth   int
	PendingCount int
}

// Config recognizes the options the driver itself consumes.
type Config struct {
	StartingClock      uint64
	ExecutionCap       tlb.ExecutionCap
	FeedbackBuffer     int
	SkipFilterSize     int
	NumPartitions      int
	AssignedPartitions []int
	PerPairBuffer      time.Duration
}

// Validate checks the partitioning and execution-cap invariants the driver
// relies on, per §6: "integrity check fails otherwise".
func (c Config) Validate() error {
	if c.ExecutionCap.Soft > c.ExecutionCap.Hard {
		return fmt.Errorf("driver: execution cap soft (%d) exceeds hard (%d)", c.ExecutionCap.Soft, c.ExecutionCap.Hard)
	}
	for _, p := range c.AssignedPartitions {
		if p < 0 || p >= c.NumPartitions {
			return fmt.Errorf("driver: assigned partition %d out of range [0,%d)", p, c.NumPartitions)
		}
	}
	return nil
}
