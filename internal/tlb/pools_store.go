package tlb

import "tlbengine/internal/book"

// Pools keeps the primary stable-id -> pool map for a pair plus a
// quality-ordered index (highest quality first), so the matcher can ask
// for "the best available pool" in O(1) amortized and still support O(n)
// point lookups by id.
//
// update_pool must remove the previous entry from the quality index under
// the previous quality before inserting under the new one — the index must
// never contain a stale quality key. This is the one hard invariant this
// store exists to protect.
type Pools struct {
	byID       map[book.StableID]book.MarketMaker
	qualityIdx []book.StableID // descending by Quality()
}

// NewPools returns an empty pools container.
func NewPools() *Pools {
	return &Pools{byID: make(map[book.StableID]book.MarketMaker)}
}

func (p *Pools) removeFromIndex(id book.StableID) {
	for i, pid := range p.qualityIdx {
		if pid == id {
			p.qualityIdx = append(p.qualityIdx[:i], p.qualityIdx[i+1:]...)
			return
		}
	}
}

func (p *Pools) insertIntoIndex(pool book.MarketMaker) {
	id := pool.StableID()
	i := 0
	for i < len(p.qualityIdx) {
		existing := p.byID[p.qualityIdx[i]]
		if existing != nil && existing.Quality() < pool.Quality() {
			break
		}
		i++
	}
	p.qualityIdx = append(p.qualityIdx, "")
	copy(p.qualityIdx[i+1:], p.qualityIdx[i:])
	p.qualityIdx[i] = id
}

// UpdatePool inserts or replaces a pool, fixing up the quality index so it
// never retains a stale quality key for this pool's id.
func (p *Pools) UpdatePool(pool book.MarketMaker) {
	id := pool.StableID()
	if _, exists := p.byID[id]; exists {
		p.removeFromIndex(id)
	}
	p.byID[id] = pool
	p.insertIntoIndex(pool)
}

// RemovePool deletes a pool entirely.
func (p *Pools) RemovePool(id book.StableID) {
	if _, exists := p.byID[id]; !exists {
		return
	}
	delete(p.byID, id)
	p.removeFromIndex(id)
}

// Get returns the pool with the given id, if present.
func (p *Pools) Get(id book.StableID) (book.MarketMaker, bool) {
	pool, ok := p.byID[id]
	return pool, ok
}

// Best returns the highest-quality active pool, if any.
func (p *Pools) Best() (book.MarketMaker, bool) {
	for _, id := range p.qualityIdx {
		pool := p.byID[id]
		if pool != nil && pool.IsActive() {
			return pool, true
		}
	}
	return nil, false
}

// Len returns the number of pools tracked.
func (p *Pools) Len() int { return len(p.byID) }

// Clone returns an independent copy suitable for staging into a Preview.
func (p *Pools) Clone() *Pools {
	out := &Pools{
		byID:       make(map[book.StableID]book.MarketMaker, len(p.byID)),
		qualityIdx: make([]book.StableID, len(p.qualityIdx)),
	}
	for id, pool := range p.byID {
		out.byID[id] = pool
	}
	copy(out.qualityIdx, p.qualityIdx)
	return out
}
