package tlb

import (
	"testing"

	"tlbengine/internal/book"
	"tlbengine/internal/order"
	"tlbengine/internal/pool"
	"tlbengine/internal/price"
)

func limitOrder(id string, side price.Tag, input uint64, num, den int64, fee uint64) order.LimitOrder {
	return order.LimitOrder{
		ID:          book.StableID(id),
		SideTag:     side,
		InputQty:    input,
		PriceVal:    price.MustRational(num, den),
		FeeQty:      fee,
		MinOutput:   0,
		CostHintVal: 1,
	}
}

// S1: pure fragment-to-fragment exact match.
func TestAttemptExactFragmentMatch(t *testing.T) {
	tl := New()
	o1 := limitOrder("o1", price.AskTag, 1000, 37, 100, 1000)
	o2 := limitOrder("o2", price.BidTag, 370, 37, 100, 1000)
	tl.AddFragment(o1)
	tl.AddFragment(o2)

	idx := price.MustRational(37, 100)
	rec := Attempt(tl, &idx, ExecutionCap{Soft: 100, Hard: 1000})
	if rec == nil {
		t.Fatal("expected a recipe")
	}
	instrs := rec.Instructions()
	if len(instrs) != 2 {
		t.Fatalf("expected 2 terminal instructions, got %d", len(instrs))
	}

	byTarget := map[book.StableID]Fill{}
	for _, ti := range instrs {
		if ti.Kind != TerminalFill {
			t.Fatalf("expected only fills, got a swap")
		}
		byTarget[ti.Fill.TargetFr.StableID()] = ti.Fill
	}
	if got := byTarget["o1"].AddedOutput; got != 370 {
		t.Errorf("o1 added_output = %d, want 370", got)
	}
	if got := byTarget["o2"].AddedOutput; got != 1000 {
		t.Errorf("o2 added_output = %d, want 1000", got)
	}
	if tl.CurrentPhase() == Idle {
		t.Error("phase should still be non-Idle until the driver signals on_recipe_succeeded")
	}
	tl.Commit()
	if tl.CurrentPhase() != Idle {
		t.Errorf("phase after commit = %s, want Idle", tl.CurrentPhase())
	}
}

// S2: fragment + pool mixed fill.
func TestAttemptFragmentAndPoolMix(t *testing.T) {
	tl := New()
	o1 := limitOrder("o1", price.AskTag, 2000, 36, 100, 1000)
	o2 := limitOrder("o2", price.BidTag, 370, 37, 100, 990)
	tl.AddFragment(o1)
	tl.AddFragment(o2)
	tl.UpdatePool(pool.CFMM{
		ID_:           "P",
		ReservesBase:  1_000_000_000_000_000,
		ReservesQuote: 370_000_000_000_000,
		FeeNum:        997,
		Active:        true,
	})

	rec := Attempt(tl, nil, ExecutionCap{Soft: 100, Hard: 1000})
	if rec == nil {
		t.Fatal("expected a recipe")
	}
	instrs := rec.Instructions()
	if len(instrs) != 3 {
		t.Fatalf("expected 3 terminal instructions, got %d: %v", len(instrs), instrs)
	}

	fill1, ok1 := instrs[0].Fill, instrs[0].Kind == TerminalFill
	swap, okSwap := instrs[1].Swap, instrs[1].Kind == TerminalSwap
	fill2, ok2 := instrs[2].Fill, instrs[2].Kind == TerminalFill
	if !ok1 || !okSwap || !ok2 {
		t.Fatalf("expected Fill, Swap, Fill order, got %v", instrs)
	}
	if fill1.TargetFr.StableID() != "o2" || fill1.AddedOutput != 1000 {
		t.Errorf("first fill = %+v, want o2 added=1000", fill1)
	}
	if swap.Input != 1000 || swap.Output != 368 {
		t.Errorf("swap = %+v, want input=1000 output=368", swap)
	}
	if fill2.TargetFr.StableID() != "o1" || fill2.AddedOutput != 738 {
		t.Errorf("second fill = %+v, want o1 added=738", fill2)
	}
}

// S3: partial fill from fragment, exercised directly against FillFromFragment.
func TestFillFromFragmentPartial(t *testing.T) {
	o1 := limitOrder("o1", price.AskTag, 1000, 37, 100, 2000)
	o2 := limitOrder("o2", price.BidTag, 210, 37, 100, 2000)

	settled := SettlePrice(o1, o2, nil)
	res := FillFromFragment(settled, o1, o2, o1.Input(), o2.Input())

	if len(res.fills) != 1 {
		t.Fatalf("expected exactly 1 terminal fill, got %d", len(res.fills))
	}
	fill := res.fills[0]
	if fill.TargetFr.StableID() != "o2" || fill.AddedOutput != 567 {
		t.Errorf("fill = %+v, want o2 added=567", fill)
	}
	if res.remainder == nil {
		t.Fatal("expected a remainder")
	}
	if res.remainder.Target.StableID() != "o1" || res.remainder.RemainingInput != 433 || res.remainder.AccumulatedOutput != 210 {
		t.Errorf("remainder = %+v, want o1 remaining=433 accumulated=210", res.remainder)
	}
}

// S4: fee-biased settlement.
func TestSettlePriceFeeBias(t *testing.T) {
	ask := limitOrder("a", price.AskTag, 1, 30, 100, 4000)
	bid := limitOrder("b", price.BidTag, 1, 50, 100, 2000)
	idx := price.MustRational(40, 100)

	settled := SettlePrice(ask, bid, &idx)
	want := price.MustRational(406, 1000)
	if settled.Cmp(want) != 0 {
		t.Errorf("settled price = %s, want %s", settled, want)
	}
}

// S5: settled price clamps at bid when ask == bid.
func TestSettlePriceClampsAtEqualEndpoints(t *testing.T) {
	ask := limitOrder("a", price.AskTag, 1, 37, 100, 1000)
	bid := limitOrder("b", price.BidTag, 1, 37, 100, 1000)
	idx := price.MustRational(40, 100)

	settled := SettlePrice(ask, bid, &idx)
	want := price.MustRational(37, 100)
	if settled.Cmp(want) != 0 {
		t.Errorf("settled price = %s, want %s", settled, want)
	}
}

// S6: inactive fragment activation.
func TestAttemptSkipsInactiveFragmentUntilActivated(t *testing.T) {
	tl := New()
	tl.AdvanceClocks(1000)

	ask := order.LimitOrder{
		ID: "late-ask", SideTag: price.AskTag, InputQty: 100,
		PriceVal: price.MustRational(37, 100), FeeQty: 10, CostHintVal: 1,
		Bounds: book.After(1100),
	}
	tl.AddFragment(ask)

	if rec := Attempt(tl, nil, ExecutionCap{Soft: 10, Hard: 100}); rec != nil {
		t.Fatalf("expected no recipe before activation, got %v", rec.Instructions())
	}

	tl.AdvanceClocks(1100)
	bid := order.LimitOrder{
		ID: "bid", SideTag: price.BidTag, InputQty: 37,
		PriceVal: price.MustRational(37, 100), FeeQty: 10, CostHintVal: 1,
	}
	tl.AddFragment(bid)

	rec := Attempt(tl, nil, ExecutionCap{Soft: 10, Hard: 100})
	if rec == nil {
		t.Fatal("expected a recipe after activation")
	}
}

// S7: rollback after preview restores the exact pre-attempt snapshot.
func TestRollbackRestoresSnapshot(t *testing.T) {
	tl := New()
	tl.AddFragment(limitOrder("o1", price.AskTag, 1000, 37, 100, 1000))
	before := tl.TakeSnapshot()

	f, ok := tl.TryPickFr(price.AskTag)
	if !ok {
		t.Fatal("expected to pop a fragment")
	}
	tl.PreAddFragment(book.Active[book.Fragment](limitOrder("o2", price.BidTag, 1, 1, 1, 0)))

	tl.Rollback(UnstashOpt())
	_ = f

	after := tl.TakeSnapshot()
	if before != after {
		t.Errorf("snapshot after rollback = %+v, want %+v", after, before)
	}
	if tl.CurrentPhase() != Idle {
		t.Errorf("phase after rollback = %s, want Idle", tl.CurrentPhase())
	}
}
