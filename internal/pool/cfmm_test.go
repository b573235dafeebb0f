package pool

import (
	"testing"

	"tlbengine/internal/book"
	"tlbengine/internal/price"
)

func TestCFMMSwapMatchesFragmentPoolScenario(t *testing.T) {
	t.Parallel()

	// S2 in the matching engine's test corpus: reserves_base=1e15,
	// reserves_quote=3.7e14, fee_num=997, Ask swap of 1000 base in should
	// yield 368 quote out.
	p := CFMM{
		ID_:           book.StableID("pool-1"),
		ReservesBase:  1_000_000_000_000_000,
		ReservesQuote: 370_000_000_000_000,
		FeeNum:        997,
		Active:        true,
	}

	out, next := p.Swap(price.Ask[uint64](1000))
	if out != 368 {
		t.Fatalf("Swap(Ask(1000)) output = %d, want 368", out)
	}
	nextCFMM := next.(CFMM)
	if nextCFMM.ReservesBase != p.ReservesBase+1000 {
		t.Errorf("reserves_base not updated correctly")
	}
	if nextCFMM.ReservesQuote != p.ReservesQuote-368 {
		t.Errorf("reserves_quote not updated correctly")
	}
}

func TestCFMMSwapDeterministic(t *testing.T) {
	t.Parallel()

	p := CFMM{ID_: "pool-2", ReservesBase: 1_000_000, ReservesQuote: 500_000, FeeNum: 997, Active: true}

	out1, _ := p.Swap(price.Ask[uint64](5000))
	out2, _ := p.Swap(price.Ask[uint64](5000))
	if out1 != out2 {
		t.Fatalf("swap is not deterministic: %d != %d", out1, out2)
	}
}

func TestCFMMZeroInputIsNoOp(t *testing.T) {
	t.Parallel()

	p := CFMM{ID_: "pool-3", ReservesBase: 1000, ReservesQuote: 1000, FeeNum: 997, Active: true}
	out, next := p.Swap(price.Ask[uint64](0))
	if out != 0 {
		t.Fatalf("zero-input swap should yield zero output, got %d", out)
	}
	if next.(CFMM) != p {
		t.Fatalf("zero-input swap should not change pool state")
	}
}
