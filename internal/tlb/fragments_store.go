// Package tlb implements the Temporal Liquidity Book matcher: the
// per-pair fragments/pools stores (C3, C4), the versioned state automaton
// (C5), recipe assembly and price settlement (C6), and recipe validation
// and linking (C7).
package tlb

import (
	"tlbengine/internal/book"
	"tlbengine/internal/price"
)

// Fragments keeps two ordered sets of active fragments for a pair: bids
// (highest price first) and asks (lowest price first), each tie-broken
// deterministically by stable id. Frontier sizes are expected to stay
// small (~10^2 per the engine's design notes), so a kept-sorted slice with
// linear insert/remove is the right primitive — no need for a balanced
// tree.
type Fragments struct {
	bids []book.Fragment
	asks []book.Fragment
}

// NewFragments returns an empty fragments container.
func NewFragments() *Fragments {
	return &Fragments{}
}

func better(side price.Tag, a, b book.Fragment) bool {
	if a.Price().Cmp(b.Price()) != 0 {
		if side == price.BidTag {
			return b.Price().Less(a.Price())
		}
		return a.Price().Less(b.Price())
	}
	return a.StableID() < b.StableID()
}

func (fr *Fragments) slice(side price.Tag) *[]book.Fragment {
	if side == price.BidTag {
		return &fr.bids
	}
	return &fr.asks
}

// Insert adds f to its side's ordered set, preserving sort order.
func (fr *Fragments) Insert(f book.Fragment) {
	s := fr.slice(f.Side())
	i := 0
	for i < len(*s) && better(f.Side(), (*s)[i], f) {
		i++
	}
	*s = append(*s, nil)
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = f
}

// PeekBest returns the best fragment on the given side without removing it.
func (fr *Fragments) PeekBest(side price.Tag) (book.Fragment, bool) {
	s := *fr.slice(side)
	if len(s) == 0 {
		return nil, false
	}
	return s[0], true
}

// PopBest removes and returns the best fragment on the given side.
func (fr *Fragments) PopBest(side price.Tag) (book.Fragment, bool) {
	s := fr.slice(side)
	if len(*s) == 0 {
		return nil, false
	}
	f := (*s)[0]
	*s = (*s)[1:]
	return f, true
}

// Remove deletes the fragment with the given stable id from either side,
// reporting whether it was found.
func (fr *Fragments) Remove(id book.StableID) bool {
	for _, side := range []price.Tag{price.BidTag, price.AskTag} {
		s := fr.slice(side)
		for i, f := range *s {
			if f.StableID() == id {
				*s = append((*s)[:i], (*s)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Len returns the total number of active fragments on both sides.
func (fr *Fragments) Len() int { return len(fr.bids) + len(fr.asks) }

// Clone returns a deep-enough copy for staging into a Preview: the slices
// are copied (fragment values themselves are immutable), matching the
// "plain slice clone is fine at this frontier size" design-note decision.
func (fr *Fragments) Clone() *Fragments {
	out := &Fragments{
		bids: make([]book.Fragment, len(fr.bids)),
		asks: make([]book.Fragment, len(fr.asks)),
	}
	copy(out.bids, fr.bids)
	copy(out.asks, fr.asks)
	return out
}

// Chronology buckets not-yet-active fragments by activation time and
// drains them into the active set as the clock advances.
type Chronology struct {
	Clock    uint64
	Active   *Fragments
	inactive map[uint64][]book.Fragment
}

// NewChronology returns an empty chronology starting at clock 0.
func NewChronology() *Chronology {
	return &Chronology{Active: NewFragments(), inactive: make(map[uint64][]book.Fragment)}
}

// Add inserts f into the active set if it is already valid at the current
// clock, or buckets it under its activation time otherwise.
func (c *Chronology) Add(f book.Fragment) {
	if f.TimeBounds().Contains(c.Clock) {
		c.Active.Insert(f)
		return
	}
	c.inactive[f.TimeBounds().Lower] = append(c.inactive[f.TimeBounds().Lower], f)
}

// Remove deletes the fragment with the given id from either the active set
// or an inactive bucket.
func (c *Chronology) Remove(id book.StableID) bool {
	if c.Active.Remove(id) {
		return true
	}
	for at, frs := range c.inactive {
		for i, f := range frs {
			if f.StableID() == id {
				c.inactive[at] = append(frs[:i], frs[i+1:]...)
				if len(c.inactive[at]) == 0 {
					delete(c.inactive, at)
				}
				return true
			}
		}
	}
	return false
}

// AdvanceClocks moves every fragment whose activation time is <= t from the
// inactive buckets into the active set, applies WithUpdatedTime(t) to every
// currently active fragment (dropping any that report EOL), and advances
// the clock to t.
func (c *Chronology) AdvanceClocks(t uint64) {
	for at, frs := range c.inactive {
		if at <= t {
			for _, f := range frs {
				c.Active.Insert(f)
			}
			delete(c.inactive, at)
		}
	}

	next := NewFragments()
	for _, side := range []price.Tag{price.BidTag, price.AskTag} {
		s := *c.Active.slice(side)
		for _, f := range s {
			trans := f.WithUpdatedTime(t)
			if !trans.IsEOL {
				next.Insert(trans.Value)
			}
		}
	}
	c.Active = next
	c.Clock = t
}

// Clone returns a deep-enough copy for staging into a Preview.
func (c *Chronology) Clone() *Chronology {
	out := &Chronology{
		Clock:    c.Clock,
		Active:   c.Active.Clone(),
		inactive: make(map[uint64][]book.Fragment, len(c.inactive)),
	}
	for at, frs := range c.inactive {
		cp := make([]book.Fragment, len(frs))
		copy(cp, frs)
		out.inactive[at] = cp
	}
	return out
}

// DrainInactiveChangeset merges a changeset of newly-observed inactive
// fragments into the chronology's own inactive buckets, used when
// committing a Preview (§4.3: "drain the inactive-changeset into the
// chronology, bucket per activation time").
func (c *Chronology) DrainInactiveChangeset(changeset map[uint64][]book.Fragment) {
	for at, frs := range changeset {
		c.inactive[at] = append(c.inactive[at], frs...)
	}
}
