// Package audit implements an optional, append-only persistence path for
// every recipe's terminal instructions, for post-hoc inspection — not a
// historical-trade query store (the core makes no promise of answering
// "what happened to pair X between t1 and t2"; a sink here just gives
// whatever happened a durable row). Grounded on the
// ChoSanghyuk-blackholedex example's internal/db.MySQLRecorder: a
// gorm.io/gorm + gorm.io/driver/mysql writer, AutoMigrate on construction,
// wrapped errors throughout.
package audit

import (
	"fmt"

	"tlbengine/internal/book"
	"tlbengine/internal/tlb"
)

// Sink records every recipe a driver step submits. Implementations must
// tolerate being called from exactly one pair's driver step at a time —
// same single-threaded-per-pair discipline as the rest of the engine — but
// may be shared across pairs, so any internal locking is the
// implementation's concern, not the caller's.
type Sink interface {
	RecordRecipe(pair book.PairID, linked []tlb.LinkedTerminalInstruction) error
	Close() error
}

// NoopSink discards everything. It is the default: audit persistence is
// opt-in, never required for the driver to run.
type NoopSink struct{}

func (NoopSink) RecordRecipe(book.PairID, []tlb.LinkedTerminalInstruction) error { return nil }
func (NoopSink) Close() error                                                   { return nil }

var _ Sink = NoopSink{}

// New returns a NoopSink when dsn is empty, or a MySQL-backed sink
// otherwise. dsn format: "user:password@tcp(host:port)/dbname?parseTime=True".
func New(dsn string) (Sink, error) {
	if dsn == "" {
		return NoopSink{}, nil
	}
	sink, err := newMySQLSink(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return sink, nil
}
