package pool

import (
	"math"
	"math/big"

	"tlbengine/internal/book"
	"tlbengine/internal/price"
)

// BalanceFn is a weighted-balance pool (a weighted constant-product invariant
// generalized from the royalty-bearing balance pool in the source corpus,
// stripped of royalty bookkeeping): two reserves with possibly unequal
// weights, swap output solved from the constant-value invariant
// reserves_base^w_base * reserves_quote^w_quote = k. Weights are expressed
// as parts per WeightDenom so they stay plain integers in config.
type BalanceFn struct {
	ID_           book.StableID
	ReservesBase  uint64
	ReservesQuote uint64
	WeightBase    uint64 // parts per WeightDenom
	WeightQuote   uint64
	FeeNum        uint64 // out of 1000
	Active        bool
}

const WeightDenom = 100

func (p BalanceFn) StableID() book.StableID { return p.ID_ }

func (p BalanceFn) IsActive() bool { return p.Active }

func (p BalanceFn) Quality() book.PoolQuality {
	return book.PoolQuality(p.ReservesBase + p.ReservesQuote)
}

func (p BalanceFn) MarginalCostHint() uint64 { return 15 }

func (p BalanceFn) StaticPrice() price.Rational {
	// Static price of a weighted pool is (reserves_quote/weight_quote) /
	// (reserves_base/weight_base), the marginal exchange rate at zero size.
	num := new(big.Int).Mul(big.NewInt(int64(p.ReservesQuote)), big.NewInt(int64(p.WeightBase)))
	den := new(big.Int).Mul(big.NewInt(int64(p.ReservesBase)), big.NewInt(int64(p.WeightQuote)))
	r, err := price.NewRational(num, den)
	if err != nil {
		return price.MustRational(0, 1)
	}
	return r
}

func (p BalanceFn) RealPrice(input price.Side[uint64]) price.Rational {
	out, _ := p.Swap(input)
	if input.Value == 0 || out == 0 {
		return p.StaticPrice()
	}
	return price.MustRational(int64(out), int64(input.Value))
}

// Swap solves the weighted invariant for output using the standard
// Balancer-style closed form:
//
//	out = reserves_out * (1 - (reserves_in / (reserves_in + in_after_fee))^(w_in/w_out))
//
// float64 is used for the exponentiation step only (the weighted invariant
// has no exact integer closed form); the final output is truncated to an
// integer, matching the engine's "truncate, never round up" convention.
func (p BalanceFn) Swap(input price.Side[uint64]) (uint64, book.MarketMaker) {
	if input.Value == 0 {
		return 0, p
	}
	inWithFee := input.Value * p.FeeNum / feeDenom

	next := p
	var out uint64
	var wIn, wOut float64
	var reservesIn, reservesOut uint64

	switch input.Tag {
	case price.AskTag:
		reservesIn, reservesOut = p.ReservesBase, p.ReservesQuote
		wIn, wOut = float64(p.WeightBase), float64(p.WeightQuote)
	default:
		reservesIn, reservesOut = p.ReservesQuote, p.ReservesBase
		wIn, wOut = float64(p.WeightQuote), float64(p.WeightBase)
	}

	ratio := float64(reservesIn) / float64(reservesIn+inWithFee)
	factor := 1 - math.Pow(ratio, wIn/wOut)
	out = uint64(float64(reservesOut) * factor)

	switch input.Tag {
	case price.AskTag:
		next.ReservesBase = p.ReservesBase + input.Value
		next.ReservesQuote = p.ReservesQuote - out
	default:
		next.ReservesQuote = p.ReservesQuote + input.Value
		next.ReservesBase = p.ReservesBase - out
	}

	return out, next
}
