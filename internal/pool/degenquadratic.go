package pool

import (
	"tlbengine/internal/book"
	"tlbengine/internal/price"
)

// DegenQuadratic is a single-sided quadratic bonding-curve pool: price
// rises quadratically with cumulative base sold, price = base_price +
// coefficient * sold^2. It trades one direction economically (base is
// minted against quote) but implements the full MarketMaker interface so
// it can sit in the same pools store as CFMM/BalanceFn. The smallest and
// most aggressive of the three concrete pool kinds named in the design
// notes — useful for modeling low-liquidity launch curves.
type DegenQuadratic struct {
	ID_         book.StableID
	Sold        uint64 // cumulative base sold so far
	BasePriceN  uint64 // base_price numerator (quote per base at Sold=0)
	BasePriceD  uint64
	Coefficient uint64 // scales the quadratic term, same denom as BasePriceD
	Active      bool
}

func (p DegenQuadratic) StableID() book.StableID { return p.ID_ }

func (p DegenQuadratic) IsActive() bool { return p.Active }

// Quality is inversely related to how far up the curve the pool already
// is: a freshly-launched curve (Sold=0) is the highest quality, since it
// offers the best marginal price.
func (p DegenQuadratic) Quality() book.PoolQuality {
	if p.Sold == 0 {
		return book.PoolQuality(^uint64(0))
	}
	return book.PoolQuality(^uint64(0) / (1 + p.Sold))
}

func (p DegenQuadratic) MarginalCostHint() uint64 { return 8 }

func (p DegenQuadratic) priceAt(sold uint64) price.Rational {
	quad := p.Coefficient * sold * sold
	return price.MustRational(int64(p.BasePriceN+quad), int64(p.BasePriceD))
}

func (p DegenQuadratic) StaticPrice() price.Rational {
	return p.priceAt(p.Sold)
}

func (p DegenQuadratic) RealPrice(input price.Side[uint64]) price.Rational {
	out, _ := p.Swap(input)
	if input.Value == 0 || out == 0 {
		return p.StaticPrice()
	}
	return price.MustRational(int64(input.Value), int64(out))
}

// Swap only meaningfully supports Ask(input) — quote paid in for base out,
// moving further up the curve. A Bid input (selling base back) is accepted
// but priced at the current marginal rate without walking the curve
// backward, since the curve is one-directional by design.
func (p DegenQuadratic) Swap(input price.Side[uint64]) (uint64, book.MarketMaker) {
	if input.Value == 0 {
		return 0, p
	}
	next := p
	marginal := p.priceAt(p.Sold)

	switch input.Tag {
	case price.AskTag:
		// input is quote, output is base: base = quote * denom / numer
		out := price.LinearOutput(input.Value, price.Bid(marginal))
		next.Sold = p.Sold + out
		return out, next
	default:
		out := price.LinearOutput(input.Value, price.Ask(marginal))
		if out > p.Sold {
			out = p.Sold
		}
		next.Sold = p.Sold - out
		return out, next
	}
}
