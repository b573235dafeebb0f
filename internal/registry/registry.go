// Package registry lazily instantiates and owns, per trading pair, the row
// of components the driver needs to service it: a TLB, a backlog, and a
// state cache. Grounded on internal/engine.Engine's slots map — a
// sync.RWMutex-protected map keyed by a stable id, populated on first sight
// and torn down explicitly — generalized from "per market, one goroutine's
// worth of book+inventory+maker" to "per pair, one TLB+backlog+cache row".
package registry

import (
	"sync"

	"tlbengine/internal/backlog"
	"tlbengine/internal/book"
	"tlbengine/internal/skipfilter"
	"tlbengine/internal/state"
	"tlbengine/internal/tlb"
)

// Row bundles the per-pair components a driver step operates on. Once
// obtained from the Registry, a Row is owned by the calling driver step for
// the duration of that step — no internal locking, same rationale as
// internal/tlb.TLB, internal/backlog.Backlog, and internal/state.Cache.
type Row struct {
	Pair       book.PairID
	TLB        *tlb.TLB
	Backlog    *backlog.Backlog
	Cache      *state.Cache
	SkipFilter *skipfilter.Filter
}

func newRow(pair book.PairID, skipFilterCapacity int, startingClock uint64) *Row {
	row := &Row{
		Pair:       pair,
		TLB:        tlb.New(),
		Backlog:    backlog.New(),
		Cache:      state.NewCache(),
		SkipFilter: skipfilter.New(skipFilterCapacity),
	}
	if startingClock > 0 {
		row.TLB.AdvanceClocks(startingClock)
	}
	return row
}

// Registry is the multi-pair registry (C8): lazy per-pair component
// instantiation keyed by pair id, safe for concurrent use across
// partition goroutines (unlike the rows it hands out, which are not).
type Registry struct {
	mu                 sync.RWMutex
	rows               map[book.PairID]*Row
	skipFilterCapacity int
	startingClock      uint64
}

// New returns an empty Registry whose per-pair skip filters hold at most
// skipFilterCapacity versions. Rows it creates keep the TLB's zero clock;
// use NewWithClock to start every row at a configured starting clock
// (§6's "starting clock" config item).
func New(skipFilterCapacity int) *Registry {
	return &Registry{rows: make(map[book.PairID]*Row), skipFilterCapacity: skipFilterCapacity}
}

// NewWithClock is New, additionally setting the starting clock every
// lazily-created row advances to immediately.
func NewWithClock(skipFilterCapacity int, startingClock uint64) *Registry {
	r := New(skipFilterCapacity)
	r.startingClock = startingClock
	return r
}

// GetOrCreate returns the Row for pair, creating it on first sight.
func (r *Registry) GetOrCreate(pair book.PairID) *Row {
	r.mu.RLock()
	row, ok := r.rows[pair]
	r.mu.RUnlock()
	if ok {
		return row
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[pair]; ok {
		return row
	}
	row = newRow(pair, r.skipFilterCapacity, r.startingClock)
	r.rows[pair] = row
	return row
}

// Get returns the Row for pair without creating one, reporting whether it
// existed.
func (r *Registry) Get(pair book.PairID) (*Row, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[pair]
	return row, ok
}

// Remove tears down the row for pair, if any.
func (r *Registry) Remove(pair book.PairID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, pair)
}

// Pairs returns a snapshot of every pair currently registered, in no
// particular order.
func (r *Registry) Pairs() []book.PairID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]book.PairID, 0, len(r.rows))
	for p := range r.rows {
		out = append(out, p)
	}
	return out
}
