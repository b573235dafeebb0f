// Package state implements the canonical entity index and the hot resolved
// cache the driver consults before linking a recipe. Grounded on
// spectrum-offchain-cardano's Confirmed/Unconfirmed StateUpdate pipeline
// (event_sink/handlers/pool.rs) for the Left/Right/Both/Rollback transition
// shape, and on the teacher's internal/market.Book for the
// "owned snapshot, derived queries" container style — unlike Book, these
// containers carry no mutex: per the driver's single-threaded-per-pair
// ownership model, a pair's state row is touched by exactly one driver step
// at a time.
package state

import (
	"tlbengine/internal/book"
)

// Status is the provenance of one version of an entity: a transaction seen
// on-chain, only in the mempool, or merely predicted from a pending batch's
// recorded effects.
type Status int

const (
	Confirmed Status = iota
	Unconfirmed
	Predicted
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "Confirmed"
	case Unconfirmed:
		return "Unconfirmed"
	default:
		return "Predicted"
	}
}

// Entity is anything the index can hold a version of: book.Fragment and
// book.MarketMaker both already expose StableID, so both satisfy this
// without adapters.
type Entity interface {
	StableID() book.StableID
}

// Row bundles one version's entity with the bearer needed to reconstruct
// its on-ledger reference.
type Row struct {
	Version book.Version
	Entity  Entity
	Bearer  book.Bearer
}

// TransitionKind classifies how an entity's resolved state moved.
type TransitionKind int

const (
	// Left: the entity existed before and now resolves to nothing (consumed,
	// no replacement observed yet, or eliminated entirely).
	Left TransitionKind = iota
	// Right: the entity did not resolve before and now does (first sighting).
	Right
	// Both: a replacement — the entity resolved to Prior before and to Next
	// now.
	Both
	// Rollback: undoes a previously emitted transition (a ledger rollback
	// unwound the transaction that produced it).
	Rollback
)

// Transition describes one change to an entity's resolved state. Prior/Next
// are nil when not applicable to Kind (Right has no Prior, Left has no
// Next).
type Transition struct {
	Kind  TransitionKind
	ID    book.StableID
	Prior *Row
	Next  *Row
}

// statusBucket holds one status's version history for one entity, ordered
// oldest-to-newest; the last element is the current one for that status.
type statusBucket []Row

func (b statusBucket) remove(v book.Version) statusBucket {
	out := b[:0]
	for _, row := range b {
		if row.Version != v {
			out = append(out, row)
		}
	}
	return out
}

func (b statusBucket) latest() (Row, bool) {
	if len(b) == 0 {
		return Row{}, false
	}
	return b[len(b)-1], true
}

// history is the per-entity multi-status version log.
type history struct {
	byStatus [3]statusBucket
}

// Index stores ordered multi-version history by status per stable id, with
// the ability to invalidate a specific version and resolve the current
// source-of-truth snapshot.
type Index struct {
	entities map[book.StableID]*history
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{entities: make(map[book.StableID]*history)}
}

func (ix *Index) entry(id book.StableID) *history {
	h, ok := ix.entities[id]
	if !ok {
		h = &history{}
		ix.entities[id] = h
	}
	return h
}

// Put records a newly observed version of id under status, appending it as
// that status's most recent entry.
func (ix *Index) Put(id book.StableID, status Status, row Row) {
	h := ix.entry(id)
	h.byStatus[status] = append(h.byStatus[status], row)
}

// Resolve picks the most recent coherent state for id: the latest entry of
// the highest-priority non-empty status bucket, Confirmed first, then
// Unconfirmed, then Predicted.
func (ix *Index) Resolve(id book.StableID) (Row, bool) {
	h, ok := ix.entities[id]
	if !ok {
		return Row{}, false
	}
	for _, status := range [3]Status{Confirmed, Unconfirmed, Predicted} {
		if row, ok := h.byStatus[status].latest(); ok {
			return row, true
		}
	}
	return Row{}, false
}

// InvalidateVersion removes v from id's index across all status buckets and
// re-resolves, reporting the current snapshot (if any remains) and whether
// id has any history left at all.
func (ix *Index) InvalidateVersion(id book.StableID, v book.Version) (Row, bool) {
	h, ok := ix.entities[id]
	if !ok {
		return Row{}, false
	}
	for s := range h.byStatus {
		h.byStatus[s] = h.byStatus[s].remove(v)
	}
	row, ok := ix.Resolve(id)
	if !ok {
		delete(ix.entities, id)
	}
	return row, ok
}

// Cache is the hot stable_id -> (entity, bearer) snapshot map the driver
// and C7 linking read from; it stays in sync with Index by construction
// (every mutation goes through Cache, never the Index directly).
type Cache struct {
	index *Index
	rows  map[book.StableID]Row
}

// NewCache returns an empty Cache backed by a fresh Index.
func NewCache() *Cache {
	return &Cache{index: NewIndex(), rows: make(map[book.StableID]Row)}
}

// Bearer implements tlb.BearerCache.
func (c *Cache) Bearer(id book.StableID) (book.Bearer, bool) {
	row, ok := c.rows[id]
	if !ok {
		return nil, false
	}
	return row.Bearer, true
}

// Resolve returns the currently cached row for id, if any.
func (c *Cache) Resolve(id book.StableID) (Row, bool) {
	row, ok := c.rows[id]
	return row, ok
}

// Apply records a newly observed version of id under status and
// re-resolves the cache row, returning the transition that occurred.
// Resolve always succeeds here since index.Put just added a row for id.
func (c *Cache) Apply(id book.StableID, status Status, row Row) Transition {
	prior, hadPrior := c.rows[id]
	c.index.Put(id, status, row)
	next, _ := c.index.Resolve(id)
	c.rows[id] = next
	if !hadPrior {
		return Transition{Kind: Right, ID: id, Next: &next}
	}
	return Transition{Kind: Both, ID: id, Prior: &prior, Next: &next}
}

// InvalidateVersion implements §4.7: remove v from id's index, re-resolve;
// if nothing remains the cache entry is dropped and a Left transition is
// returned, else the cache is updated to the re-resolved row and a Both
// transition is returned.
func (c *Cache) InvalidateVersion(id book.StableID, v book.Version) Transition {
	prior, hadPrior := c.rows[id]
	next, ok := c.index.InvalidateVersion(id, v)
	if !ok {
		delete(c.rows, id)
		return Transition{Kind: Left, ID: id, Prior: rowPtr(prior, hadPrior)}
	}
	c.rows[id] = next
	return Transition{Kind: Both, ID: id, Prior: rowPtr(prior, hadPrior), Next: &next}
}

// Rollback undoes a previously applied transition: Prior (if any) becomes
// the cache row again, Next (if any) is dropped. The caller is responsible
// for also retracting the corresponding index entry via whatever Put call
// produced Next, if that bookkeeping matters to the caller's upstream
// replay model; Cache itself only restores the resolved view.
func (c *Cache) Rollback(t Transition) {
	if t.Prior != nil {
		c.rows[t.ID] = *t.Prior
		return
	}
	delete(c.rows, t.ID)
}

func rowPtr(r Row, ok bool) *Row {
	if !ok {
		return nil
	}
	return &r
}
