// Package book defines the core capability contracts of the matching
// engine: the Fragment/OrderState pair that models a discrete limit order as
// a state machine, and the MarketMaker pair that models a continuous AMM
// pool as mutable liquidity. Concrete fragment/pool kinds live in other
// packages (internal/pool for market makers); book only fixes the
// interfaces the matcher (internal/tlb) programs against.
package book

import "tlbengine/internal/price"

// StableID is the canonical identity of a long-lived entity (a pool or an
// order) across versions. It stays constant while Version changes with
// every on-ledger mutation.
type StableID string

// Version identifies one specific on-ledger instance of an entity (one per
// UTxO-like cell). The pair (StableID, Version) uniquely identifies a
// cached snapshot.
type Version string

// PairID re-exports price.PairID so callers only need to import one package
// for the common identifiers.
type PairID = price.PairID

// Bearer is an opaque per-version handle supplied by the upstream data
// source and consumed by the transaction builder to reconstruct a concrete
// on-ledger reference. The core never inspects its contents.
type Bearer interface {
	Ref() string
}

// StaticBearer is the simplest possible Bearer, carrying just the opaque
// reference string. Adapters that don't need anything richer can use it
// directly instead of defining their own type.
type StaticBearer string

// Ref implements Bearer.
func (b StaticBearer) Ref() string { return string(b) }
