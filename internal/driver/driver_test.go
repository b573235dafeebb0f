package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tlbengine/internal/audit"
	"tlbengine/internal/backlog"
	"tlbengine/internal/book"
	"tlbengine/internal/observability"
	"tlbengine/internal/order"
	"tlbengine/internal/price"
	"tlbengine/internal/registry"
	"tlbengine/internal/state"
	"tlbengine/internal/tlb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func adaUsdt() book.PairID {
	return book.PairID{Base: price.AssetClass{Name: "ADA"}, Quote: price.AssetClass{Name: "USDT"}}
}

type fakeUpstream struct {
	events chan Event
}

func newFakeUpstream() *fakeUpstream { return &fakeUpstream{events: make(chan Event, 16)} }
func (f *fakeUpstream) Events() <-chan Event { return f.events }

type fakeSubmitter struct {
	results chan chan error
}

func newFakeSubmitter() *fakeSubmitter { return &fakeSubmitter{results: make(chan chan error, 16)} }

func (f *fakeSubmitter) SubmitTx(ctx context.Context, tx Tx) <-chan error {
	ch := make(chan error, 1)
	f.results <- ch
	return ch
}

type fakeInterpreter struct {
	effects Effects
}

func (f *fakeInterpreter) Build(ctx context.Context, pair book.PairID, linked []tlb.LinkedTerminalInstruction) (TxCandidate, Effects, error) {
	return TxCandidate{Pair: pair, Payload: linked}, f.effects, nil
}

type fakeSpecInterp struct {
	effects Effects
}

func (f *fakeSpecInterp) Build(ctx context.Context, pair book.PairID, o backlog.SpecializedOrder, poolRef book.StableID, poolBearer book.Bearer) (TxCandidate, Effects, error) {
	return TxCandidate{Pair: pair, Payload: o}, f.effects, nil
}

type fakeProver struct{}

func (fakeProver) Prove(ctx context.Context, cand TxCandidate) (Tx, error) {
	return Tx{Pair: cand.Pair, Payload: cand.Payload}, nil
}

type badVersionsError struct {
	versions []book.Version
}

func (e badVersionsError) Error() string           { return "bad versions" }
func (e badVersionsError) BadVersions() []book.Version { return e.versions }

func limitOrder(id string, side price.Tag, input uint64, num, den int64, fee uint64) order.LimitOrder {
	return order.LimitOrder{
		ID:          book.StableID(id),
		SideTag:     side,
		InputQty:    input,
		PriceVal:    price.MustRational(num, den),
		FeeQty:      fee,
		CostHintVal: 1,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// An EntityUpdate event feeding a new fragment syncs it into the pair's
// TLB, and a subsequent focus drain finds a recipe and submits it.
func TestDriverAppliesEntityUpdateAndSubmitsRecipe(t *testing.T) {
	reg := registry.New(16)
	up := newFakeUpstream()
	sub := newFakeSubmitter()
	interp := &fakeInterpreter{}
	prover := fakeProver{}

	d := New(Config{ExecutionCap: tlb.ExecutionCap{Soft: 10, Hard: 100}}, reg, up, sub, interp, nil, prover, nil, nil, nil, testLogger())
	pair := adaUsdt()

	up.events <- Event{Pair: pair, Entity: &EntityUpdate{
		Status: state.Confirmed, Kind: state.Right,
		ID: "ask1", Version: "v1", Entity: limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000), Bearer: book.StaticBearer("b1"),
	}}
	up.events <- Event{Pair: pair, Entity: &EntityUpdate{
		Status: state.Confirmed, Kind: state.Right,
		ID: "bid1", Version: "v2", Entity: limitOrder("bid1", price.BidTag, 370, 37, 100, 1000), Bearer: book.StaticBearer("b2"),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o1 := d.Step(ctx)
	if o1.Kind != OutcomeEvent {
		t.Fatalf("step 1 kind = %v, want OutcomeEvent", o1.Kind)
	}
	o2 := d.Step(ctx)
	if o2.Kind != OutcomeEvent {
		t.Fatalf("step 2 kind = %v, want OutcomeEvent", o2.Kind)
	}

	row, ok := reg.Get(pair)
	if !ok {
		t.Fatal("expected a row to exist after applying events")
	}
	if row.TLB.CurrentPhase() != tlb.Idle {
		t.Fatalf("TLB phase after upstream sync = %v, want Idle", row.TLB.CurrentPhase())
	}

	o3 := d.Step(ctx)
	if o3.Kind != OutcomeSubmitted {
		t.Fatalf("step 3 kind = %v, want OutcomeSubmitted", o3.Kind)
	}
	if row.TLB.CurrentPhase() == tlb.Idle {
		t.Error("expected TLB to remain in preview while the batch is pending")
	}
	if len(sub.results) != 1 {
		t.Fatalf("expected exactly one dispatched submission, got %d", len(sub.results))
	}
}

// Positive feedback commits the TLB and applies the recipe's produced rows
// as Unconfirmed.
func TestDriverCommitsOnSuccessFeedback(t *testing.T) {
	reg := registry.New(16)
	up := newFakeUpstream()
	sub := newFakeSubmitter()
	producedID := book.StableID("ask1")
	interp := &fakeInterpreter{effects: Effects{
		Produced: []state.Row{{Version: "v3", Entity: limitOrder("ask1", price.AskTag, 630, 37, 100, 630), Bearer: book.StaticBearer("b3")}},
	}}
	prover := fakeProver{}

	d := New(Config{ExecutionCap: tlb.ExecutionCap{Soft: 10, Hard: 100}}, reg, up, sub, interp, nil, prover, nil, nil, nil, testLogger())
	pair := adaUsdt()

	row := reg.GetOrCreate(pair)
	row.Cache.Apply("ask1", state.Unconfirmed, state.Row{Version: "v1", Entity: limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000), Bearer: book.StaticBearer("b1")})
	row.Cache.Apply("bid1", state.Unconfirmed, state.Row{Version: "v2", Entity: limitOrder("bid1", price.BidTag, 370, 37, 100, 1000), Bearer: book.StaticBearer("b2")})
	row.TLB.AddFragment(limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000))
	row.TLB.AddFragment(limitOrder("bid1", price.BidTag, 370, 37, 100, 1000))
	d.pushFocus(pair)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := d.Step(ctx)
	if out.Kind != OutcomeSubmitted {
		t.Fatalf("expected a submitted recipe, got %v", out.Kind)
	}

	resultCh := <-sub.results
	resultCh <- nil

	waitFor(t, func() bool { return len(d.feedback) == 1 })
	fb := d.Step(ctx)
	if fb.Kind != OutcomeFeedback {
		t.Fatalf("expected OutcomeFeedback, got %v", fb.Kind)
	}

	if row.TLB.CurrentPhase() != tlb.Idle {
		t.Errorf("TLB phase after success feedback = %v, want Idle", row.TLB.CurrentPhase())
	}
	cached, ok := row.Cache.Resolve(producedID)
	if !ok || cached.Version != "v3" {
		t.Errorf("expected produced row to be cached as v3, got %+v, ok=%v", cached, ok)
	}
}

// Known-bad-version feedback invalidates the named versions and rolls the
// TLB back rather than committing.
func TestDriverInvalidatesKnownBadVersionsOnFailure(t *testing.T) {
	reg := registry.New(16)
	up := newFakeUpstream()
	sub := newFakeSubmitter()
	interp := &fakeInterpreter{effects: Effects{
		Consumed: []ConsumedRef{{ID: "ask1", Version: "v1"}, {ID: "bid1", Version: "v2"}},
	}}
	prover := fakeProver{}

	d := New(Config{ExecutionCap: tlb.ExecutionCap{Soft: 10, Hard: 100}}, reg, up, sub, interp, nil, prover, nil, nil, nil, testLogger())
	pair := adaUsdt()

	row := reg.GetOrCreate(pair)
	row.Cache.Apply("ask1", state.Unconfirmed, state.Row{Version: "v1", Entity: limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000), Bearer: book.StaticBearer("b1")})
	row.Cache.Apply("bid1", state.Unconfirmed, state.Row{Version: "v2", Entity: limitOrder("bid1", price.BidTag, 370, 37, 100, 1000), Bearer: book.StaticBearer("b2")})
	row.TLB.AddFragment(limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000))
	row.TLB.AddFragment(limitOrder("bid1", price.BidTag, 370, 37, 100, 1000))
	d.pushFocus(pair)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := d.Step(ctx)
	if out.Kind != OutcomeSubmitted {
		t.Fatalf("expected a submitted recipe, got %v", out.Kind)
	}

	resultCh := <-sub.results
	resultCh <- badVersionsError{versions: []book.Version{"v1"}}

	waitFor(t, func() bool { return len(d.feedback) == 1 })
	fb := d.Step(ctx)
	if fb.Kind != OutcomeFeedback {
		t.Fatalf("expected OutcomeFeedback, got %v", fb.Kind)
	}

	if row.TLB.CurrentPhase() != tlb.Idle {
		t.Errorf("TLB phase after failure feedback = %v, want Idle", row.TLB.CurrentPhase())
	}
	if _, ok := row.Cache.Resolve("ask1"); ok {
		t.Error("expected ask1's bad version to be invalidated out of the cache")
	}
}

// A backlog order is only run once its target pool becomes available, and
// unknown submission failures recharge it for a later retry.
func TestDriverRunsBacklogOrderAndRechargesOnUnknownFailure(t *testing.T) {
	reg := registry.New(16)
	up := newFakeUpstream()
	sub := newFakeSubmitter()
	interp := &fakeInterpreter{}
	specInterp := &fakeSpecInterp{}
	prover := fakeProver{}

	d := New(Config{ExecutionCap: tlb.ExecutionCap{Soft: 10, Hard: 100}}, reg, up, sub, interp, specInterp, prover, nil, nil, nil, testLogger())
	pair := adaUsdt()

	row := reg.GetOrCreate(pair)
	ord := stubSpecializedOrder{id: "dep1", pool: "P1"}
	row.Backlog.Put(ord)
	row.Cache.Apply("P1", state.Confirmed, state.Row{Version: "pv1", Entity: stubPool{id: "P1"}, Bearer: book.StaticBearer("pb1")})
	d.pushFocus(pair)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if out := d.Step(ctx); out.Kind != OutcomePending {
		t.Fatalf("expected no tx while pool P1 isn't in the TLB yet, got %v", out.Kind)
	}
	if row.Backlog.Len() != 1 {
		t.Fatalf("expected the order to remain queued, Len()=%d", row.Backlog.Len())
	}

	row.TLB.UpdatePool(stubPool{id: "P1", active: true})
	d.pushFocus(pair)

	out := d.Step(ctx)
	if out.Kind != OutcomeSubmitted {
		t.Fatalf("expected a submitted specialized order, got %v", out.Kind)
	}
	if row.Backlog.Len() != 0 {
		t.Errorf("expected the order to be popped from the backlog, Len()=%d", row.Backlog.Len())
	}

	resultCh := <-sub.results
	resultCh <- errors.New("unknown network error")

	waitFor(t, func() bool { return len(d.feedback) == 1 })
	fb := d.Step(ctx)
	if fb.Kind != OutcomeFeedback {
		t.Fatalf("expected OutcomeFeedback, got %v", fb.Kind)
	}
	if row.Backlog.Len() != 1 {
		t.Errorf("expected the order to be recharged into the backlog, Len()=%d", row.Backlog.Len())
	}
}

type stubSpecializedOrder struct {
	id   book.StableID
	pool book.StableID
}

func (o stubSpecializedOrder) OrderID() book.StableID { return o.id }
func (o stubSpecializedOrder) PoolRef() book.StableID { return o.pool }

type stubPool struct {
	id     book.StableID
	active bool
}

func (p stubPool) StaticPrice() price.Rational                    { return price.MustRational(1, 1) }
func (p stubPool) RealPrice(price.Side[uint64]) price.Rational    { return price.MustRational(1, 1) }
func (p stubPool) Swap(input price.Side[uint64]) (uint64, book.MarketMaker) {
	return input.Value, p
}
func (p stubPool) Quality() book.PoolQuality   { return 1 }
func (p stubPool) MarginalCostHint() uint64    { return 1 }
func (p stubPool) IsActive() bool              { return p.active }
func (p stubPool) StableID() book.StableID     { return p.id }

// A wired *observability.Metrics reflects a committed recipe: attempted and
// succeeded counters increment, and the pending-batches gauge returns to 0
// once feedback clears it.
func TestDriverReportsMetricsOnSuccessFeedback(t *testing.T) {
	reg := registry.New(16)
	up := newFakeUpstream()
	sub := newFakeSubmitter()
	interp := &fakeInterpreter{}
	prover := fakeProver{}
	metrics := observability.New(prometheus.NewRegistry())

	d := New(Config{ExecutionCap: tlb.ExecutionCap{Soft: 10, Hard: 100}}, reg, up, sub, interp, nil, prover, nil, metrics, nil, testLogger())
	pair := adaUsdt()

	row := reg.GetOrCreate(pair)
	row.Cache.Apply("ask1", state.Unconfirmed, state.Row{Version: "v1", Entity: limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000), Bearer: book.StaticBearer("b1")})
	row.Cache.Apply("bid1", state.Unconfirmed, state.Row{Version: "v2", Entity: limitOrder("bid1", price.BidTag, 370, 37, 100, 1000), Bearer: book.StaticBearer("b2")})
	row.TLB.AddFragment(limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000))
	row.TLB.AddFragment(limitOrder("bid1", price.BidTag, 370, 37, 100, 1000))
	d.pushFocus(pair)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if out := d.Step(ctx); out.Kind != OutcomeSubmitted {
		t.Fatalf("expected a submitted recipe, got %v", out.Kind)
	}
	if got := testutil.ToFloat64(metrics.RecipesAttempted); got != 1 {
		t.Errorf("RecipesAttempted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.PendingBatches); got != 1 {
		t.Errorf("PendingBatches = %v, want 1", got)
	}

	resultCh := <-sub.results
	resultCh <- nil
	waitFor(t, func() bool { return len(d.feedback) == 1 })
	if out := d.Step(ctx); out.Kind != OutcomeFeedback {
		t.Fatalf("expected OutcomeFeedback, got %v", out.Kind)
	}

	if got := testutil.ToFloat64(metrics.RecipesSucceeded); got != 1 {
		t.Errorf("RecipesSucceeded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.PendingBatches); got != 0 {
		t.Errorf("PendingBatches after feedback = %v, want 0", got)
	}
}

type fakeAuditSink struct {
	recorded []tlb.LinkedTerminalInstruction
}

func (s *fakeAuditSink) RecordRecipe(pair book.PairID, linked []tlb.LinkedTerminalInstruction) error {
	s.recorded = append(s.recorded, linked...)
	return nil
}

func (s *fakeAuditSink) Close() error { return nil }

// A wired audit.Sink receives every submitted recipe's linked instructions,
// recorded before the submission is dispatched.
func TestDriverRecordsRecipeToAuditSink(t *testing.T) {
	reg := registry.New(16)
	up := newFakeUpstream()
	sub := newFakeSubmitter()
	interp := &fakeInterpreter{}
	prover := fakeProver{}
	sink := &fakeAuditSink{}

	d := New(Config{ExecutionCap: tlb.ExecutionCap{Soft: 10, Hard: 100}}, reg, up, sub, interp, nil, prover, nil, nil, sink, testLogger())
	pair := adaUsdt()

	row := reg.GetOrCreate(pair)
	row.Cache.Apply("ask1", state.Unconfirmed, state.Row{Version: "v1", Entity: limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000), Bearer: book.StaticBearer("b1")})
	row.Cache.Apply("bid1", state.Unconfirmed, state.Row{Version: "v2", Entity: limitOrder("bid1", price.BidTag, 370, 37, 100, 1000), Bearer: book.StaticBearer("b2")})
	row.TLB.AddFragment(limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000))
	row.TLB.AddFragment(limitOrder("bid1", price.BidTag, 370, 37, 100, 1000))
	d.pushFocus(pair)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if out := d.Step(ctx); out.Kind != OutcomeSubmitted {
		t.Fatalf("expected a submitted recipe, got %v", out.Kind)
	}
	if len(sink.recorded) == 0 {
		t.Fatal("expected at least one recorded instruction")
	}
}

// A nil audit.Sink is replaced with a no-op, so omitting it entirely must
// not panic when a recipe is submitted.
func TestDriverToleratesNilAuditSink(t *testing.T) {
	reg := registry.New(16)
	up := newFakeUpstream()
	sub := newFakeSubmitter()
	interp := &fakeInterpreter{}
	prover := fakeProver{}

	var nilSink audit.Sink
	d := New(Config{ExecutionCap: tlb.ExecutionCap{Soft: 10, Hard: 100}}, reg, up, sub, interp, nil, prover, nil, nil, nilSink, testLogger())
	pair := adaUsdt()

	row := reg.GetOrCreate(pair)
	row.Cache.Apply("ask1", state.Unconfirmed, state.Row{Version: "v1", Entity: limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000), Bearer: book.StaticBearer("b1")})
	row.Cache.Apply("bid1", state.Unconfirmed, state.Row{Version: "v2", Entity: limitOrder("bid1", price.BidTag, 370, 37, 100, 1000), Bearer: book.StaticBearer("b2")})
	row.TLB.AddFragment(limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000))
	row.TLB.AddFragment(limitOrder("bid1", price.BidTag, 370, 37, 100, 1000))
	d.pushFocus(pair)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if out := d.Step(ctx); out.Kind != OutcomeSubmitted {
		t.Fatalf("expected a submitted recipe, got %v", out.Kind)
	}
}

// A partitioned driver drops events for pairs outside its assigned
// partitions before a registry row is ever created.
func TestDriverDropsUnownedPartitionEvents(t *testing.T) {
	reg := registry.New(16)
	up := newFakeUpstream()
	sub := newFakeSubmitter()
	interp := &fakeInterpreter{}
	prover := fakeProver{}

	cfg := Config{ExecutionCap: tlb.ExecutionCap{Soft: 10, Hard: 100}, NumPartitions: 4, AssignedPartitions: []int{0}}
	d := New(cfg, reg, up, sub, interp, nil, prover, nil, nil, nil, testLogger())
	pair := adaUsdt()

	owned := d.ownsPair(pair)

	up.events <- Event{Pair: pair, Entity: &EntityUpdate{
		Status: state.Confirmed, Kind: state.Right,
		ID: "ask1", Version: "v1", Entity: limitOrder("ask1", price.AskTag, 1000, 37, 100, 1000), Bearer: book.StaticBearer("b1"),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if out := d.Step(ctx); out.Kind != OutcomeEvent {
		t.Fatalf("expected OutcomeEvent, got %v", out.Kind)
	}

	_, exists := reg.Get(pair)
	if owned && !exists {
		t.Fatal("pair is owned by this partition assignment but no row was created")
	}
	if !owned && exists {
		t.Fatal("pair is not owned by this partition assignment but a row was created anyway")
	}
}

// A non-zero PerPairBuffer collapses a second focus push for the same pair
// within the window into the already-scheduled one, instead of re-entering
// the focus queue immediately.
func TestDriverDebouncesRepeatedFocusWithinPerPairBuffer(t *testing.T) {
	reg := registry.New(16)
	up := newFakeUpstream()
	sub := newFakeSubmitter()
	interp := &fakeInterpreter{}
	prover := fakeProver{}

	cfg := Config{ExecutionCap: tlb.ExecutionCap{Soft: 10, Hard: 100}, PerPairBuffer: time.Hour}
	d := New(cfg, reg, up, sub, interp, nil, prover, nil, nil, nil, testLogger())
	pair := adaUsdt()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.ctx = ctx

	d.scheduleFocus(pair)
	if len(d.focusQueue) != 1 {
		t.Fatalf("focus queue after first schedule = %d, want 1", len(d.focusQueue))
	}

	d.popFocus()
	d.scheduleFocus(pair)
	if len(d.focusQueue) != 0 {
		t.Fatalf("focus queue after debounced schedule = %d, want 0 (held back)", len(d.focusQueue))
	}
	if _, pending := d.debouncePending[pair]; !pending {
		t.Fatal("expected pair to be marked debounce-pending")
	}
}

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected New to panic on a soft cap exceeding the hard cap")
		}
	}()
	reg := registry.New(16)
	New(Config{ExecutionCap: tlb.ExecutionCap{Soft: 200, Hard: 100}}, reg, newFakeUpstream(), newFakeSubmitter(), &fakeInterpreter{}, nil, fakeProver{}, nil, nil, nil, testLogger())
}
