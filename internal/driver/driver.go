package driver

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"tlbengine/internal/audit"
	"tlbengine/internal/backlog"
	"tlbengine/internal/book"
	"tlbengine/internal/observability"
	"tlbengine/internal/price"
	"tlbengine/internal/registry"
	"tlbengine/internal/state"
	"tlbengine/internal/tlb"
)

// pendingBatch tracks the one outstanding, unacknowledged transaction a
// pair may have at a time (§5: "at most one unacknowledged transaction per
// pair exists at any time"). specializedOrder is nil for a TLB-recipe
// batch, set for a backlog (pool-order) batch.
type pendingBatch struct {
	effects          Effects
	specializedOrder backlog.SpecializedOrder
}

type feedbackMsg struct {
	pair book.PairID
	err  error
}

// Driver is the execution driver (C10): a cooperative poll loop over a
// registry.Registry of per-pair rows, reacting to submission feedback,
// upstream events, and a focus set of pairs with recent activity, exactly
// as §4.6 orders them.
type Driver struct {
	cfg         Config
	reg         *registry.Registry
	upstream    UpstreamSource
	submitter   Submitter
	interp      Interpreter
	specInterp  SpecializedInterpreter
	prover      Prover
	indexPrices IndexPriceSource
	metrics     *observability.Metrics
	audit       audit.Sink
	logger      *slog.Logger

	feedback chan feedbackMsg
	pending  map[book.PairID]*pendingBatch

	focusQueue []book.PairID
	focusSet   map[book.PairID]struct{}

	// debounce backs the per-pair buffering duration (§6): a pair pushed to
	// focus more recently than cfg.PerPairBuffer ago is held back, with a
	// single chained goroutine per suppressed pair re-delivering it onto
	// this channel once the window elapses, collapsing a burst of upstream
	// events for one pair into at most one attempt per window.
	debounce        chan book.PairID
	lastPush        map[book.PairID]time.Time
	debouncePending map[book.PairID]struct{}

	// events is an optional, best-effort broadcast of notable occurrences
	// for an external observer (internal/httpapi's SSE stream); a full
	// channel drops the event rather than ever stalling a step.
	events chan RecipeEvent

	ctx context.Context
}

const eventBufferSize = 256

// New wires a Driver. specInterp, indexPrices, and metrics may all be nil: a
// deployment with no specialized orders, no index-price oracle, or no
// metrics registry simply runs without that optional capability. A nil
// auditSink is replaced with audit.NoopSink so call sites never need a
// guard the way they do for metrics.
//
// New panics if cfg fails Validate — a caller wiring a Driver together is
// expected to have already loaded and validated its own configuration
// layer (internal/config.Config.Validate mirrors the same checks), so an
// invalid Config reaching here is a programmer error, not a runtime one.
func New(cfg Config, reg *registry.Registry, upstream UpstreamSource, submitter Submitter, interp Interpreter, specInterp SpecializedInterpreter, prover Prover, indexPrices IndexPriceSource, metrics *observability.Metrics, auditSink audit.Sink, logger *slog.Logger) *Driver {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("driver: invalid config: %v", err))
	}

	buf := cfg.FeedbackBuffer
	if buf <= 0 {
		buf = 100
	}
	if auditSink == nil {
		auditSink = audit.NoopSink{}
	}
	return &Driver{
		cfg:             cfg,
		reg:             reg,
		upstream:        upstream,
		submitter:       submitter,
		interp:          interp,
		specInterp:      specInterp,
		prover:          prover,
		indexPrices:     indexPrices,
		metrics:         metrics,
		audit:           auditSink,
		logger:          logger.With("component", "driver"),
		feedback:        make(chan feedbackMsg, buf),
		pending:         make(map[book.PairID]*pendingBatch),
		focusSet:        make(map[book.PairID]struct{}),
		debounce:        make(chan book.PairID, buf),
		lastPush:        make(map[book.PairID]time.Time),
		debouncePending: make(map[book.PairID]struct{}),
		events:          make(chan RecipeEvent, eventBufferSize),
	}
}

// Events returns a channel of notable driver occurrences (recipes
// attempted/succeeded/failed, backlog orders submitted), for an optional
// external observer such as internal/httpapi's SSE stream. Reading from it
// is entirely optional: the driver never blocks waiting for a reader.
func (d *Driver) Events() <-chan RecipeEvent { return d.events }

func (d *Driver) emitEvent(pair book.PairID, kind RecipeEventKind, detail string) {
	select {
	case d.events <- RecipeEvent{Pair: pair, Kind: kind, Detail: detail}:
	default:
	}
}

// Snapshot reports the current focus set, pending batches, and per-pair
// backlog depth across every registered pair, for the HTTP snapshot
// endpoint.
func (d *Driver) Snapshot() Snapshot {
	pairs := d.reg.Pairs()
	out := make([]PairSnapshot, 0, len(pairs))
	for _, pair := range pairs {
		depth := 0
		if row, ok := d.reg.Get(pair); ok {
			depth = row.Backlog.Len()
		}
		_, queued := d.focusSet[pair]
		_, pending := d.pending[pair]
		out = append(out, PairSnapshot{Pair: pair, Queued: queued, PendingBatch: pending, BacklogDepth: depth})
	}
	return Snapshot{Pairs: out, FocusDepth: len(d.focusQueue), PendingCount: len(d.pending)}
}

// OutcomeKind classifies what one Step call did, for tests and metrics.
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeFeedback
	OutcomeEvent
	OutcomeSubmitted
)

// Outcome reports the result of one Step call.
type Outcome struct {
	Kind OutcomeKind
	Pair book.PairID
	Tx   Tx
}

// Run executes the poll loop until ctx is cancelled. A terminated upstream
// event stream does not stop Run: outstanding pending batches are left to
// drain, per §5's "pending batches are never cancelled".
func (d *Driver) Run(ctx context.Context) {
	d.ctx = ctx
	for {
		outcome := d.Step(ctx)
		if outcome.Kind != OutcomePending {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case fb := <-d.feedback:
			d.handleFeedback(fb)
		case pair := <-d.debounce:
			d.releaseFocus(pair)
		case evt, ok := <-d.upstream.Events():
			if ok {
				d.applyEvent(evt)
			}
		}
	}
}

// Step runs exactly one poll iteration per §4.6's priority order: pending
// feedback first, then a released debounce, then an upstream event, then
// draining the focus set, else OutcomePending.
func (d *Driver) Step(ctx context.Context) Outcome {
	d.ctx = ctx

	select {
	case fb := <-d.feedback:
		d.handleFeedback(fb)
		return Outcome{Kind: OutcomeFeedback, Pair: fb.pair}
	default:
	}

	select {
	case pair := <-d.debounce:
		d.releaseFocus(pair)
		return Outcome{Kind: OutcomeEvent, Pair: pair}
	default:
	}

	select {
	case evt, ok := <-d.upstream.Events():
		if ok {
			d.applyEvent(evt)
			return Outcome{Kind: OutcomeEvent, Pair: evt.Pair}
		}
	default:
	}

	if pair, tx, ok := d.drainFocus(ctx); ok {
		return Outcome{Kind: OutcomeSubmitted, Pair: pair, Tx: tx}
	}

	return Outcome{Kind: OutcomePending}
}

func (d *Driver) pushFocus(pair book.PairID) {
	if _, ok := d.focusSet[pair]; ok {
		return
	}
	d.focusSet[pair] = struct{}{}
	d.focusQueue = append(d.focusQueue, pair)
	d.reportFocusDepth()
}

func (d *Driver) popFocus() (book.PairID, bool) {
	if len(d.focusQueue) == 0 {
		return book.PairID{}, false
	}
	pair := d.focusQueue[0]
	d.focusQueue = d.focusQueue[1:]
	delete(d.focusSet, pair)
	d.reportFocusDepth()
	return pair, true
}

func (d *Driver) reportFocusDepth() {
	if d.metrics != nil {
		d.metrics.FocusSetDepth.Set(float64(len(d.focusQueue)))
	}
}

// scheduleFocus pushes pair into focus immediately, unless cfg.PerPairBuffer
// is set and pair was already pushed more recently than that window allows
// — in which case the push is held back and redelivered once via d.debounce
// after the remaining wait, so a burst of upstream events for one pair
// collapses into at most one attempt per window.
func (d *Driver) scheduleFocus(pair book.PairID) {
	if d.cfg.PerPairBuffer <= 0 {
		d.pushFocus(pair)
		return
	}
	now := time.Now()
	if last, seen := d.lastPush[pair]; !seen || now.Sub(last) >= d.cfg.PerPairBuffer {
		d.pushFocus(pair)
		d.lastPush[pair] = now
		return
	}
	if _, pending := d.debouncePending[pair]; pending {
		return
	}
	d.debouncePending[pair] = struct{}{}
	wait := d.cfg.PerPairBuffer - now.Sub(d.lastPush[pair])
	ctx := d.ctx
	go func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		select {
		case d.debounce <- pair:
		case <-ctx.Done():
		}
	}()
}

// releaseFocus applies a debounce-delayed focus push once its window has
// elapsed.
func (d *Driver) releaseFocus(pair book.PairID) {
	delete(d.debouncePending, pair)
	d.pushFocus(pair)
	d.lastPush[pair] = time.Now()
}

// ownsPair reports whether this driver instance is responsible for pair
// under the partitioning scheme (§6: "partitioning {num_partitions_total,
// assigned_partitions}"). NumPartitions <= 0 means unpartitioned: every
// instance owns every pair.
func (d *Driver) ownsPair(pair book.PairID) bool {
	if d.cfg.NumPartitions <= 0 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(pair.String()))
	part := int(h.Sum32() % uint32(d.cfg.NumPartitions))
	for _, p := range d.cfg.AssignedPartitions {
		if p == part {
			return true
		}
	}
	return false
}

// applyEvent routes one upstream event into the affected pair's row and
// schedules that pair for a focus attempt. Pairs this instance does not own
// under the partitioning scheme are dropped before any row is created.
func (d *Driver) applyEvent(evt Event) {
	if !d.ownsPair(evt.Pair) {
		return
	}
	row := d.reg.GetOrCreate(evt.Pair)
	switch {
	case evt.Entity != nil:
		d.applyEntityUpdate(row, *evt.Entity)
	case evt.Order != nil:
		d.applyOrderUpdate(row, *evt.Order)
	}
	d.scheduleFocus(evt.Pair)
}

// applyEntityUpdate feeds C9 (the cache/index) then syncs C3/C4 (the
// TLB's fragments/pools stores) from the resulting transition.
//
// Skip filter: a Confirmed sighting (other than a Left) that echoes a
// version already added to the filter on its Unconfirmed sighting is
// suppressed entirely (removed from the filter, cache/TLB untouched); a
// Confirmed Left is always applied. Every Unconfirmed sighting adds its
// version to the filter so the later echo is caught.
func (d *Driver) applyEntityUpdate(row *registry.Row, u EntityUpdate) {
	if u.Status == state.Confirmed && u.Kind != state.Left {
		skipped := row.SkipFilter.Remove(u.Version)
		d.reportSkipFilterOutcome(skipped)
		if skipped {
			return
		}
	}

	var tr state.Transition
	switch u.Kind {
	case state.Left, state.Rollback:
		tr = row.Cache.InvalidateVersion(u.ID, u.Version)
	default:
		tr = row.Cache.Apply(u.ID, u.Status, state.Row{Version: u.Version, Entity: u.Entity, Bearer: u.Bearer})
	}
	syncTLBFromTransition(row.TLB, tr)

	if u.Status == state.Unconfirmed {
		row.SkipFilter.Add(u.Version)
	}
}

func (d *Driver) reportSkipFilterOutcome(skipped bool) {
	if d.metrics == nil {
		return
	}
	if skipped {
		d.metrics.SkipFilterHits.Inc()
	} else {
		d.metrics.SkipFilterMisses.Inc()
	}
}

func (d *Driver) applyOrderUpdate(row *registry.Row, u OrderUpdate) {
	switch u.Kind {
	case OrderCreated:
		row.Backlog.Put(u.Order)
	case OrderEliminated:
		row.Backlog.Remove(u.ID)
	}
	d.reportBacklogDepth()
}

// reportBacklogDepth sums backlog length across every registered pair. The
// registry is small enough (one row per traded pair) that a full scan on
// every backlog mutation is cheaper than maintaining a running total.
func (d *Driver) reportBacklogDepth() {
	if d.metrics == nil {
		return
	}
	total := 0
	for _, pair := range d.reg.Pairs() {
		if row, ok := d.reg.Get(pair); ok {
			total += row.Backlog.Len()
		}
	}
	d.metrics.BacklogDepth.Set(float64(total))
}

// syncTLBFromTransition applies a cache transition to the live TLB
// fragments/pools stores. Only valid while the TLB is Idle, which holds
// here: upstream events are only applied between attempts, never mid-
// preview, per §5's ordering guarantee.
func syncTLBFromTransition(t *tlb.TLB, tr state.Transition) {
	switch tr.Kind {
	case state.Right:
		addEntity(t, tr.Next.Entity)
	case state.Both:
		removeEntity(t, tr.ID)
		addEntity(t, tr.Next.Entity)
	case state.Left:
		removeEntity(t, tr.ID)
	}
}

func addEntity(t *tlb.TLB, e state.Entity) {
	switch v := e.(type) {
	case book.Fragment:
		t.AddFragment(v)
	case book.MarketMaker:
		t.UpdatePool(v)
	}
}

func removeEntity(t *tlb.TLB, id book.StableID) {
	if !t.RemoveFragment(id) {
		t.RemovePool(id)
	}
}

// drainFocus implements §4.6 step 3: pop focused pairs until one yields a
// transaction (TLB recipe first, backlog fallback second) or the queue
// empties. Pairs with an outstanding pending batch are skipped — they will
// re-enter the focus set once their feedback arrives.
func (d *Driver) drainFocus(ctx context.Context) (book.PairID, Tx, bool) {
	for {
		pair, ok := d.popFocus()
		if !ok {
			return book.PairID{}, Tx{}, false
		}
		if _, busy := d.pending[pair]; busy {
			continue
		}
		row := d.reg.GetOrCreate(pair)

		var idx *price.Rational
		if d.indexPrices != nil {
			if p, ok := d.indexPrices.IndexPrice(pair); ok {
				idx = &p
			}
		}

		if rec := tlb.Attempt(row.TLB, idx, d.cfg.ExecutionCap); rec != nil {
			tx, ok := d.submitRecipe(ctx, pair, row, rec)
			if ok {
				d.pushFocus(pair)
				return pair, tx, true
			}
			continue
		}

		if tx, ok := d.tryBacklog(ctx, pair, row); ok {
			d.pushFocus(pair)
			return pair, tx, true
		}
	}
}

func (d *Driver) submitRecipe(ctx context.Context, pair book.PairID, row *registry.Row, rec *tlb.ExecutionRecipe) (Tx, bool) {
	linked, err := tlb.LinkRecipe(*rec, row.Cache)
	if err != nil {
		// A missing bearer at link time is a programming invariant
		// violation, not a recoverable condition: §4.5/§7 call this fatal.
		panic(err)
	}

	cand, effects, err := d.interp.Build(ctx, pair, linked)
	if err != nil {
		d.logger.Error("recipe interpretation failed", "pair", pair, "error", err)
		row.TLB.Rollback(tlb.UnstashOpt())
		return Tx{}, false
	}

	tx, err := d.prover.Prove(ctx, cand)
	if err != nil {
		d.logger.Error("recipe proving failed", "pair", pair, "error", err)
		row.TLB.Rollback(tlb.UnstashOpt())
		return Tx{}, false
	}

	if d.metrics != nil {
		d.metrics.RecipesAttempted.Inc()
	}
	if err := d.audit.RecordRecipe(pair, linked); err != nil {
		d.logger.Warn("audit record failed", "pair", pair, "error", err)
	}
	d.emitEvent(pair, RecipeAttempted, fmt.Sprintf("%d instructions", len(linked)))
	d.setPending(pair, &pendingBatch{effects: effects})
	d.dispatchSubmit(pair, tx)
	return tx, true
}

func (d *Driver) tryBacklog(ctx context.Context, pair book.PairID, row *registry.Row) (Tx, bool) {
	if d.specInterp == nil {
		return Tx{}, false
	}

	order, ok := row.Backlog.TryPop(func(poolRef book.StableID) bool {
		_, avail := row.TLB.PoolAvailable(poolRef)
		return avail
	})
	if !ok {
		return Tx{}, false
	}
	d.reportBacklogDepth()

	poolBearer, hasBearer := row.Cache.Bearer(order.PoolRef())
	if !hasBearer {
		row.Backlog.Put(order)
		d.reportBacklogDepth()
		return Tx{}, false
	}

	cand, effects, err := d.specInterp.Build(ctx, pair, order, order.PoolRef(), poolBearer)
	if err != nil {
		d.logger.Error("specialized order interpretation failed", "pair", pair, "error", err)
		row.Backlog.Put(order)
		d.reportBacklogDepth()
		return Tx{}, false
	}

	tx, err := d.prover.Prove(ctx, cand)
	if err != nil {
		d.logger.Error("specialized order proving failed", "pair", pair, "error", err)
		row.Backlog.Put(order)
		d.reportBacklogDepth()
		return Tx{}, false
	}

	if d.metrics != nil {
		d.metrics.BacklogSubmitted.Inc()
	}
	d.emitEvent(pair, BacklogOrderSubmitted, string(order.OrderID()))
	d.setPending(pair, &pendingBatch{effects: effects, specializedOrder: order})
	d.dispatchSubmit(pair, tx)
	return tx, true
}

// setPending records pair's pending batch and reflects the total pending
// count in the pending-batches gauge.
func (d *Driver) setPending(pair book.PairID, pb *pendingBatch) {
	d.pending[pair] = pb
	if d.metrics != nil {
		d.metrics.PendingBatches.Set(float64(len(d.pending)))
	}
}

// clearPending removes pair's pending batch and reflects the total pending
// count in the pending-batches gauge.
func (d *Driver) clearPending(pair book.PairID) {
	delete(d.pending, pair)
	if d.metrics != nil {
		d.metrics.PendingBatches.Set(float64(len(d.pending)))
	}
}

// dispatchSubmit hands tx to the Submitter and, in a chained goroutine
// (§5's "transaction network send performed outside the driver by a
// chained task"), forwards the eventual result into the bounded feedback
// channel.
func (d *Driver) dispatchSubmit(pair book.PairID, tx Tx) {
	resultCh := d.submitter.SubmitTx(d.ctx, tx)
	go func() {
		err := <-resultCh
		select {
		case d.feedback <- feedbackMsg{pair: pair, err: err}:
		case <-d.ctx.Done():
		}
	}()
}

func (d *Driver) handleFeedback(fb feedbackMsg) {
	pb, ok := d.pending[fb.pair]
	if !ok {
		d.logger.Warn("feedback for a pair with no pending batch", "pair", fb.pair)
		return
	}
	d.clearPending(fb.pair)
	row := d.reg.GetOrCreate(fb.pair)

	if fb.err == nil {
		d.onSuccess(row, pb)
		d.emitEvent(fb.pair, RecipeSucceeded, "")
	} else {
		d.onFailure(row, pb, fb.err)
		d.emitEvent(fb.pair, RecipeFailed, fb.err.Error())
	}
	d.pushFocus(fb.pair)
}

// onSuccess implements §4.6 step 1's success path: apply every produced
// row as Unconfirmed, then signal on_recipe_succeeded by committing the
// TLB — only for a TLB-origin batch, since a specialized-order batch never
// put the TLB into preview in the first place.
func (d *Driver) onSuccess(row *registry.Row, pb *pendingBatch) {
	for _, r := range pb.effects.Produced {
		row.Cache.Apply(r.Entity.StableID(), state.Unconfirmed, r)
	}
	if pb.specializedOrder == nil {
		row.TLB.Commit()
		if d.metrics != nil {
			d.metrics.RecipesSucceeded.Inc()
		}
	}
}

// onFailure implements §4.6 step 1's failure path, classifying the error
// as known-bad-versions or unknown.
func (d *Driver) onFailure(row *registry.Row, pb *pendingBatch, err error) {
	reason := "unknown"
	if bv, known := err.(BadVersionsErr); known {
		reason = "bad_versions"
		bad := make(map[book.Version]bool, len(bv.BadVersions()))
		for _, v := range bv.BadVersions() {
			bad[v] = true
		}
		for _, c := range pb.effects.Consumed {
			if bad[c.Version] {
				row.Cache.InvalidateVersion(c.ID, c.Version)
			}
		}
		if pb.specializedOrder != nil {
			if v, ok := consumedVersion(pb.effects, pb.specializedOrder.PoolRef()); ok && bad[v] {
				d.logger.Warn("specialized order dropped: pool ref rejected", "order", pb.specializedOrder.OrderID())
			} else {
				row.Backlog.Put(pb.specializedOrder)
				d.reportBacklogRecharge()
			}
		}
	} else if pb.specializedOrder != nil {
		row.Backlog.Put(pb.specializedOrder)
		d.reportBacklogRecharge()
	}

	if pb.specializedOrder == nil {
		row.TLB.Rollback(tlb.UnstashOpt())
		if d.metrics != nil {
			d.metrics.RecipesFailed.WithLabelValues(reason).Inc()
		}
	}
}

func (d *Driver) reportBacklogRecharge() {
	if d.metrics != nil {
		d.metrics.BacklogRecharged.Inc()
	}
	d.reportBacklogDepth()
}

func consumedVersion(effects Effects, id book.StableID) (book.Version, bool) {
	for _, c := range effects.Consumed {
		if c.ID == id {
			return c.Version, true
		}
	}
	return "", false
}
