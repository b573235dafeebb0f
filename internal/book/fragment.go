package book

import "tlbengine/internal/price"

// TimeBoundsKind enumerates the four shapes a fragment's activation window
// can take.
type TimeBoundsKind int

const (
	// Always active.
	BoundsNone TimeBoundsKind = iota
	// Active from t onward, no upper bound.
	BoundsAfter
	// Active up to and including t.
	BoundsUntil
	// Active within [t1, t2] inclusive.
	BoundsBetween
)

// TimeBounds is the validity window of a fragment on the clock axis. The
// zero value (BoundsNone) means "always active".
type TimeBounds struct {
	Kind  TimeBoundsKind
	Lower uint64 // meaningful for BoundsAfter, BoundsBetween
	Upper uint64 // meaningful for BoundsUntil, BoundsBetween
}

// After builds a TimeBounds active from t onward.
func After(t uint64) TimeBounds { return TimeBounds{Kind: BoundsAfter, Lower: t} }

// Until builds a TimeBounds active up to and including t.
func Until(t uint64) TimeBounds { return TimeBounds{Kind: BoundsUntil, Upper: t} }

// Between builds a TimeBounds active within [t1, t2].
func Between(t1, t2 uint64) TimeBounds { return TimeBounds{Kind: BoundsBetween, Lower: t1, Upper: t2} }

// Contains reports whether clock t falls within the bounds.
func (b TimeBounds) Contains(t uint64) bool {
	switch b.Kind {
	case BoundsAfter:
		return t >= b.Lower
	case BoundsUntil:
		return t <= b.Upper
	case BoundsBetween:
		return t >= b.Lower && t <= b.Upper
	default:
		return true
	}
}

// StateTrans is the result of applying a time advance or a swap to an
// order: either the order survives as Active(next), or it is exhausted
// (EOL). Go has no tagged union, so an EOL result carries the zero value of
// T in Value, which must be ignored when IsEOL is true.
type StateTrans[T any] struct {
	Value T
	IsEOL bool
}

// Active wraps a surviving next state.
func Active[T any](v T) StateTrans[T] { return StateTrans[T]{Value: v} }

// EOL returns the exhausted-order sentinel for T.
func EOL[T any]() StateTrans[T] { return StateTrans[T]{IsEOL: true} }

// MapTrans transforms the wrapped value, passing EOL through unchanged.
func MapTrans[T, U any](s StateTrans[T], f func(T) U) StateTrans[U] {
	if s.IsEOL {
		return StateTrans[U]{IsEOL: true}
	}
	return StateTrans[U]{Value: f(s.Value)}
}

// Fragment is an immutable, time-bounded projection of an order at a
// specific point in time together with its order-state capability: given
// updated time or an applied swap, it yields either a surviving successor
// fragment or EOL. Concrete fragment kinds (limit orders, specialized
// backlog orders) implement this interface; the matcher never depends on
// anything beyond it.
type Fragment interface {
	Side() price.Tag
	Input() uint64
	// Price returns the absolute price of base asset in quote asset.
	Price() price.Rational
	// Fee returns the total fee budget, in output-asset units.
	Fee() uint64
	// MinMarginalOutput is the minimum output below which a partial fill is
	// rejected as unsatisfied.
	MinMarginalOutput() uint64
	// CostHint is an abstract execution-cost estimate, compared against the
	// execution cap's remaining budget.
	CostHint() uint64
	TimeBounds() TimeBounds
	StableID() StableID

	// WithUpdatedTime advances the order to clock t, returning the next
	// fragment or EOL if the order's bounds no longer contain t.
	WithUpdatedTime(t uint64) StateTrans[Fragment]
	// WithUpdatedLiquidity applies a fill of removedInput/addedOutput,
	// returning the next fragment (or EOL if exhausted) along with the
	// execution budget and fee actually used.
	WithUpdatedLiquidity(removedInput, addedOutput uint64) (StateTrans[Fragment], uint64, uint64)
}

// PriceSide returns f wrapped in a price.Side carrying f's own side tag, a
// convenience for overlap/better-than comparisons against an opposite-side
// fragment or a pool price.
func PriceSide(f Fragment) price.PriceSide {
	return price.Side[price.Rational]{Tag: f.Side(), Value: f.Price()}
}

// InputSide returns f's input quantity tagged with f's side, the shape
// pool.Swap expects.
func InputSide(f Fragment) price.Side[uint64] {
	return price.Side[uint64]{Tag: f.Side(), Value: f.Input()}
}
