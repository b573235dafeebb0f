// Package pool provides the closed set of concrete MarketMaker
// implementations the matcher can pick a fragment counterparty from: a
// constant-product AMM, a weighted-balance pool, and a quadratic bonding
// curve. Each is a self-contained value type — Swap returns a fresh pool
// rather than mutating in place, matching the matcher's versioned-state
// discipline (a pool's next state is itself a first-class value to be
// staged into Preview, never mutated under a live attempt).
package pool

import (
	"math/big"

	"tlbengine/internal/book"
	"tlbengine/internal/price"
)

// CFMM is a constant-product pool with an integer fee numerator out of
// 1000 (e.g. FeeNum=997 means a 0.3% fee), the default pool kind named in
// the matching engine's design notes. Swap math is grounded on the
// reference SimpleCFMMPool fixture: output = reserves_out * input *
// fee_num / (reserves_in * 1000 + input * fee_num).
type CFMM struct {
	ID_           book.StableID
	ReservesBase  uint64
	ReservesQuote uint64
	FeeNum        uint64 // out of 1000
	Active        bool
}

const feeDenom = 1000

func (p CFMM) StableID() book.StableID { return p.ID_ }

func (p CFMM) IsActive() bool { return p.Active }

// Quality ranks CFMM pools by total liquidity depth (base + quote
// reserves), matching the reference fixture's quality=reserves_quote+
// reserves_base.
func (p CFMM) Quality() book.PoolQuality {
	return book.PoolQuality(p.ReservesBase + p.ReservesQuote)
}

// MarginalCostHint is a flat per-swap execution cost estimate; CFMM swaps
// are single on-chain interactions regardless of size.
func (p CFMM) MarginalCostHint() uint64 { return 10 }

func (p CFMM) StaticPrice() price.Rational {
	return price.MustRational(int64(p.ReservesQuote), int64(p.ReservesBase))
}

func (p CFMM) RealPrice(input price.Side[uint64]) price.Rational {
	out, _ := p.Swap(input)
	if input.Value == 0 || out == 0 {
		return p.StaticPrice()
	}
	return price.MustRational(int64(out), int64(input.Value))
}

// Swap executes a constant-product swap. Side tags which asset the caller
// is providing: Ask(input) provides base and receives quote; Bid(input)
// provides quote and receives base — mirroring a fragment's own side
// convention, since a fragment and its pool counterparty trade opposite
// assets for the same side tag.
func (p CFMM) Swap(input price.Side[uint64]) (uint64, book.MarketMaker) {
	if input.Value == 0 {
		return 0, p
	}
	in := new(big.Int).SetUint64(input.Value)
	feeNum := new(big.Int).SetUint64(p.FeeNum)
	inWithFee := new(big.Int).Mul(in, feeNum)

	next := p
	var out *big.Int

	switch input.Tag {
	case price.AskTag:
		// Base in, quote out.
		reservesIn := new(big.Int).SetUint64(p.ReservesBase)
		reservesOut := new(big.Int).SetUint64(p.ReservesQuote)
		num := new(big.Int).Mul(reservesOut, inWithFee)
		denom := new(big.Int).Add(new(big.Int).Mul(reservesIn, big.NewInt(feeDenom)), inWithFee)
		out = new(big.Int).Quo(num, denom)
		next.ReservesBase = p.ReservesBase + input.Value
		next.ReservesQuote = p.ReservesQuote - out.Uint64()
	default:
		// Quote in, base out.
		reservesIn := new(big.Int).SetUint64(p.ReservesQuote)
		reservesOut := new(big.Int).SetUint64(p.ReservesBase)
		num := new(big.Int).Mul(reservesOut, inWithFee)
		denom := new(big.Int).Add(new(big.Int).Mul(reservesIn, big.NewInt(feeDenom)), inWithFee)
		out = new(big.Int).Quo(num, denom)
		next.ReservesQuote = p.ReservesQuote + input.Value
		next.ReservesBase = p.ReservesBase - out.Uint64()
	}

	return out.Uint64(), next
}
