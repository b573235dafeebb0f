package book

import "tlbengine/internal/price"

// PoolQuality orders pools within a pair: higher quality is preferred.
// Stored as a plain uint64 rather than the source's reversed-Ord wrapper —
// the quality index in internal/tlb keeps pools sorted descending directly,
// so PoolQuality itself just needs natural (ascending) ordering.
type PoolQuality uint64

// MarketMaker is the capability set of a continuous liquidity pool: a
// deterministic swap function plus the metadata the matcher needs to rank
// and budget pool fills against fragment fills.
type MarketMaker interface {
	// StaticPrice is the price of a theoretical zero-size swap in the pool.
	StaticPrice() price.Rational
	// RealPrice is the actual price of a swap of the given side-tagged
	// input size (accounts for price impact).
	RealPrice(input price.Side[uint64]) price.Rational
	// Swap executes a swap of the given side-tagged input, returning the
	// output quantity and the pool's next state. Must be deterministic: for
	// CFMM-style pools, x*y=k modulo fees.
	Swap(input price.Side[uint64]) (output uint64, next MarketMaker)
	// Quality ranks the pool against others in the same pair.
	Quality() PoolQuality
	// MarginalCostHint is an abstract execution-cost estimate, comparable
	// against a fragment's CostHint for execution-cap budgeting.
	MarginalCostHint() uint64
	// IsActive reports whether the pool currently accepts swaps.
	IsActive() bool
	StableID() StableID
}
