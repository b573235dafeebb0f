package tlb

import (
	"fmt"

	"tlbengine/internal/book"
	"tlbengine/internal/price"
)

// Phase is the versioned state automaton's current phase.
type Phase int

const (
	Idle Phase = iota
	PartialPreview
	Preview
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case PartialPreview:
		return "PartialPreview"
	default:
		return "Preview"
	}
}

// StashOption parameterizes Rollback's handling of the intact active
// fragment set: Unstash re-inserts previously-stashed fragments; Stash
// removes a given set from the intact active set, retaining them for a
// later Unstash (used to keep a just-failed fragment out of the very next
// attempt without discarding it).
type StashOption struct {
	Unstash bool
	ToStash []book.Fragment
}

// UnstashOpt is the StashOption the driver uses on every feedback-driven
// rollback (§4.6: "signal on_recipe_failed(Unstash)").
func UnstashOpt() StashOption { return StashOption{Unstash: true} }

// StashOpt removes xs from the intact active set on rollback, retaining
// them for a later Unstash.
func StashOpt(xs ...book.Fragment) StashOption { return StashOption{ToStash: xs} }

// ErrProtocolViolation is returned (and, at the driver boundary, turned
// fatal) when a caller breaks the state automaton's contract: external
// mutation outside Idle, or a second attempt before feedback.
type ErrProtocolViolation struct {
	Op    string
	Phase Phase
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s called while TLB is in %s, not Idle", e.Op, e.Phase)
}

// TLB is the versioned state automaton for one pair: Idle holds the
// committed fragments/pools snapshot; PartialPreview tracks fragments
// popped directly from the live active set (pools untouched); Preview
// holds a full clone of both, plus a changeset of newly-observed inactive
// fragments, pending commit or rollback.
//
// The automaton is not safe for concurrent use — per the engine's
// concurrency model, a pair's TLB is owned by exactly one driver step at a
// time, so no internal locking is needed.
type TLB struct {
	phase Phase

	chronology *Chronology
	pools      *Pools

	// PartialPreview bookkeeping: fragments popped directly from chronology
	// (no clone was made), replayed back on rollback.
	consumedActive []book.Fragment

	// Preview bookkeeping: full clones, mutated freely until commit/rollback.
	previewChronology *Chronology
	previewPools      *Pools
	inactiveChangeset map[uint64][]book.Fragment

	stashed []book.Fragment
}

// New returns a TLB in Idle phase with empty fragments and pools.
func New() *TLB {
	return &TLB{
		phase:             Idle,
		chronology:        NewChronology(),
		pools:             NewPools(),
		inactiveChangeset: make(map[uint64][]book.Fragment),
	}
}

func (t *TLB) requireIdle(op string) {
	if t.phase != Idle {
		panic(&ErrProtocolViolation{Op: op, Phase: t.phase})
	}
}

// AddFragment is an external mutation: only valid in Idle.
func (t *TLB) AddFragment(f book.Fragment) {
	t.requireIdle("AddFragment")
	t.chronology.Add(f)
}

// RemoveFragment is an external mutation: only valid in Idle.
func (t *TLB) RemoveFragment(id book.StableID) bool {
	t.requireIdle("RemoveFragment")
	return t.chronology.Remove(id)
}

// UpdatePool is an external mutation: only valid in Idle.
func (t *TLB) UpdatePool(p book.MarketMaker) {
	t.requireIdle("UpdatePool")
	t.pools.UpdatePool(p)
}

// RemovePool is an external mutation: only valid in Idle.
func (t *TLB) RemovePool(id book.StableID) {
	t.requireIdle("RemovePool")
	t.pools.RemovePool(id)
}

// AdvanceClocks is an external mutation: only valid in Idle.
func (t *TLB) AdvanceClocks(clock uint64) {
	t.requireIdle("AdvanceClocks")
	t.chronology.AdvanceClocks(clock)
}

// Clock returns the current chronology clock.
func (t *TLB) Clock() uint64 { return t.chronology.Clock }

// CurrentPhase returns the automaton's current phase.
func (t *TLB) CurrentPhase() Phase { return t.phase }

// activeFragments returns the fragments container an attempt should read
// from: the live one in Idle/PartialPreview, the preview clone in Preview.
func (t *TLB) activeFragments() *Fragments {
	if t.phase == Preview {
		return t.previewChronology.Active
	}
	return t.chronology.Active
}

// activePools returns the pools container an attempt should read from.
func (t *TLB) activePools() *Pools {
	if t.phase == Preview {
		return t.previewPools
	}
	return t.pools
}

// TryPickFr pops the best fragment on the given side, transitioning
// Idle -> PartialPreview on the first consumption of an attempt.
func (t *TLB) TryPickFr(side price.Tag) (book.Fragment, bool) {
	switch t.phase {
	case Idle:
		f, ok := t.chronology.Active.PopBest(side)
		if !ok {
			return nil, false
		}
		t.phase = PartialPreview
		t.consumedActive = append(t.consumedActive, f)
		return f, true
	case PartialPreview:
		f, ok := t.chronology.Active.PopBest(side)
		if !ok {
			return nil, false
		}
		t.consumedActive = append(t.consumedActive, f)
		return f, true
	default: // Preview
		return t.previewChronology.Active.PopBest(side)
	}
}

// PutBackFr re-inserts a fragment previously popped via TryPickFr back into
// the active set it came from, undoing the "consumed" bookkeeping so a
// later rollback does not also replay it (which would duplicate it).
func (t *TLB) PutBackFr(f book.Fragment) {
	if t.phase == Preview {
		t.previewChronology.Active.Insert(f)
		return
	}
	for i, cf := range t.consumedActive {
		if cf.StableID() == f.StableID() {
			t.consumedActive = append(t.consumedActive[:i], t.consumedActive[i+1:]...)
			break
		}
	}
	t.chronology.Active.Insert(f)
}

// enterPreview clones the live fragments/pools into the preview staging
// area on first production, per §4.3: "Idle/PartialPreview ->(first
// production) Preview".
func (t *TLB) enterPreview() {
	if t.phase == Preview {
		return
	}
	t.previewChronology = t.chronology.Clone()
	t.previewPools = t.pools.Clone()
	t.inactiveChangeset = make(map[uint64][]book.Fragment)
	t.phase = Preview
}

// PreAddFragment stages a post-fill fragment result into the Preview active
// set (or the inactive changeset, if its bounds aren't yet satisfied at the
// chronology's clock), entering Preview if this is the attempt's first
// production.
func (t *TLB) PreAddFragment(trans book.StateTrans[book.Fragment]) {
	if trans.IsEOL {
		return
	}
	t.enterPreview()
	f := trans.Value
	if f.TimeBounds().Contains(t.previewChronology.Clock) {
		t.previewChronology.Active.Insert(f)
	} else {
		t.inactiveChangeset[f.TimeBounds().Lower] = append(t.inactiveChangeset[f.TimeBounds().Lower], f)
	}
}

// PreAddPool stages a swapped pool's successor into the Preview pools set,
// entering Preview if needed.
func (t *TLB) PreAddPool(p book.MarketMaker) {
	t.enterPreview()
	t.previewPools.UpdatePool(p)
}

// TryPickPool removes and returns the best active pool if it satisfies
// pred (no other pool is tried when it does not), entering Preview if needed (a pool pick always counts as a "production"
// step, since the attempt loop terminates the remainder on this branch).
func (t *TLB) TryPickPool(pred func(book.MarketMaker) bool) (book.MarketMaker, bool) {
	pools := t.activePools()
	if t.phase != Preview {
		// Picking from the live pools store still requires staging into
		// Preview, since the pool's successor will be written back via
		// PreAddPool before the attempt concludes.
		t.enterPreview()
		pools = t.previewPools
	}
	best, ok := pools.Best()
	if !ok || !pred(best) {
		return nil, false
	}
	pools.RemovePool(best.StableID())
	return best, true
}

// BestPoolStaticPrice peeks the best active pool's static price without
// removing it, for the fragment-vs-pool preference comparison in the
// attempt loop.
func (t *TLB) BestPoolStaticPrice() (price.Rational, bool) {
	pools := t.activePools()
	best, ok := pools.Best()
	if !ok {
		return price.Rational{}, false
	}
	return best.StaticPrice(), true
}

// PoolAvailable reports whether a pool with the given id is known and
// active, without entering Preview — unlike TryPickPool this never
// mutates, so the driver can use it to decide whether a backlog order's
// target pool is ready before spending a specialized interpreter call.
// Only meaningful in Idle; callers are expected to check this between
// attempts, never mid-preview.
func (t *TLB) PoolAvailable(id book.StableID) (book.MarketMaker, bool) {
	pool, ok := t.pools.Get(id)
	if !ok || !pool.IsActive() {
		return nil, false
	}
	return pool, true
}

// Commit finalizes the current attempt's effects and returns to Idle.
func (t *TLB) Commit() {
	switch t.phase {
	case Idle:
		panic(&ErrProtocolViolation{Op: "Commit", Phase: t.phase})
	case PartialPreview:
		// Only consumption happened; the live active set already reflects
		// it and pools were never touched.
		t.consumedActive = nil
		t.phase = Idle
	case Preview:
		t.chronology = t.previewChronology
		t.chronology.DrainInactiveChangeset(t.inactiveChangeset)
		t.pools = t.previewPools
		t.previewChronology = nil
		t.previewPools = nil
		t.inactiveChangeset = nil
		t.consumedActive = nil
		t.phase = Idle
	}
}

// Rollback discards the current attempt's effects and restores the
// pre-attempt Idle snapshot, applying opt to the intact active set.
//
// Inactive-changeset entries accumulated during the attempt are preserved
// across rollback: per the engine's design notes this knowledge is treated
// as durable regardless of whether the recipe that produced it succeeded.
func (t *TLB) Rollback(opt StashOption) {
	switch t.phase {
	case Idle:
		panic(&ErrProtocolViolation{Op: "Rollback", Phase: t.phase})
	case PartialPreview:
		for _, f := range t.consumedActive {
			t.chronology.Active.Insert(f)
		}
		t.consumedActive = nil
		t.applyStash(opt)
		t.phase = Idle
	case Preview:
		// Durable knowledge survives: drain the changeset into the intact
		// chronology even though the preview itself is discarded.
		t.chronology.DrainInactiveChangeset(t.inactiveChangeset)
		for _, f := range t.consumedActive {
			t.chronology.Active.Insert(f)
		}
		t.consumedActive = nil
		t.previewChronology = nil
		t.previewPools = nil
		t.inactiveChangeset = nil
		t.applyStash(opt)
		t.phase = Idle
	}
}

func (t *TLB) applyStash(opt StashOption) {
	if opt.Unstash {
		for _, f := range t.stashed {
			t.chronology.Active.Insert(f)
		}
		t.stashed = nil
	}
	for _, f := range opt.ToStash {
		if t.chronology.Active.Remove(f.StableID()) {
			t.stashed = append(t.stashed, f)
		}
	}
}

// Snapshot is a read-only view of the committed Idle state, used by tests
// to assert rollback restores the exact pre-attempt snapshot.
type Snapshot struct {
	BidCount, AskCount, PoolCount int
}

// TakeSnapshot captures the current committed state's shape.
func (t *TLB) TakeSnapshot() Snapshot {
	return Snapshot{
		BidCount:  len(t.chronology.Active.bids),
		AskCount:  len(t.chronology.Active.asks),
		PoolCount: t.pools.Len(),
	}
}
