// Package price implements the side and absolute-price algebra that the rest
// of the matching engine is built on: typed sides (bid/ask), absolute prices
// as exact rationals, and the overlap/better-than comparisons the matcher
// uses to pick counterparties.
//
// Absolute price is always a non-negative rational quote-per-base. All
// arithmetic goes through math/big so that numerator/denominator products
// never silently wrap, matching the "no silent wrap, widen on overflow"
// numeric contract the matcher depends on.
package price

import (
	"fmt"
	"math/big"
)

// AssetClass identifies a fungible asset. It is deliberately opaque and
// comparable so it can be used as a map key without a hashing wrapper.
type AssetClass struct {
	Policy string
	Name   string
}

func (a AssetClass) String() string {
	if a.Policy == "" {
		return a.Name
	}
	return a.Policy + "." + a.Name
}

// PairID identifies a trading pair (base asset priced in quote asset).
// It keys every per-pair resource in the engine: fragments store, pools
// store, TLB state, backlog, cache rows.
type PairID struct {
	Base  AssetClass
	Quote AssetClass
}

func (p PairID) String() string {
	return fmt.Sprintf("%s/%s", p.Base, p.Quote)
}

// Rational is a non-negative rational number (numerator/denominator, both
// arbitrary precision) used for absolute prices. The zero value is invalid;
// use NewRational or one of the constructors below.
type Rational struct {
	r *big.Rat
}

// NewRational builds a Rational from a numerator and denominator. The
// denominator must be strictly positive; a zero or negative denominator is
// an invalid price and is rejected rather than silently coerced, matching
// the "fail the fill construction" contract for invalid externally-sourced
// numbers.
func NewRational(num, den *big.Int) (Rational, error) {
	if den.Sign() <= 0 {
		return Rational{}, fmt.Errorf("price: denominator must be positive, got %s", den)
	}
	if num.Sign() < 0 {
		return Rational{}, fmt.Errorf("price: numerator must be non-negative, got %s", num)
	}
	return Rational{r: new(big.Rat).SetFrac(num, den)}, nil
}

// RationalFromInt64 builds a Rational from plain int64 numerator/denominator,
// convenient for literals in tests and config.
func RationalFromInt64(num, den int64) (Rational, error) {
	return NewRational(big.NewInt(num), big.NewInt(den))
}

// MustRational panics on an invalid numerator/denominator pair. Reserved for
// literals known to be valid at compile time (tests, seeded scenarios).
func MustRational(num, den int64) Rational {
	p, err := RationalFromInt64(num, den)
	if err != nil {
		panic(err)
	}
	return p
}

// Num returns the reduced numerator.
func (p Rational) Num() *big.Int { return new(big.Int).Set(p.r.Num()) }

// Denom returns the reduced denominator.
func (p Rational) Denom() *big.Int { return new(big.Int).Set(p.r.Denom()) }

// IsValid reports whether p was constructed through a Rational constructor.
func (p Rational) IsValid() bool { return p.r != nil }

// Cmp compares p to other: -1, 0, 1 for less, equal, greater.
func (p Rational) Cmp(other Rational) int { return p.r.Cmp(other.r) }

// Less reports p < other.
func (p Rational) Less(other Rational) bool { return p.Cmp(other) < 0 }

// Add returns p + other.
func (p Rational) Add(other Rational) Rational {
	return Rational{r: new(big.Rat).Add(p.r, other.r)}
}

// Sub returns p - other. The result may be negative (used for pivot deltas
// before clamping); callers that require a non-negative price must check.
func (p Rational) Sub(other Rational) Rational {
	return Rational{r: new(big.Rat).Sub(p.r, other.r)}
}

// Mul returns p * other.
func (p Rational) Mul(other Rational) Rational {
	return Rational{r: new(big.Rat).Mul(p.r, other.r)}
}

// Sign returns -1, 0, or 1 depending on the sign of p.
func (p Rational) Sign() int { return p.r.Sign() }

// Float64 returns the nearest float64 approximation, for logging/metrics only.
func (p Rational) Float64() float64 {
	f, _ := p.r.Float64()
	return f
}

func (p Rational) String() string {
	if p.r == nil {
		return "<invalid>"
	}
	return p.r.RatString()
}

// Min returns the smaller of a and b.
func Min(a, b Rational) Rational {
	if a.Less(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Rational) Rational {
	if a.Less(b) {
		return b
	}
	return a
}

// Clamp constrains p into [lo, hi] (lo must be <= hi).
func Clamp(p, lo, hi Rational) Rational {
	if p.Less(lo) {
		return lo
	}
	if hi.Less(p) {
		return hi
	}
	return p
}
