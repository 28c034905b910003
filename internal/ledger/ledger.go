package ledger

import (
	"context"
	"time"
)

// Outcome records how the dispatch of a deduplicated record ended.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeDispatched Outcome = "dispatched"
	OutcomeFailed     Outcome = "dispatch_failed"
)

// Ledger tracks which (table, content hash) pairs have already triggered a
// notification. Acquire is the serialization point that guarantees at most
// one dispatch per pair regardless of how the live and poll paths interleave.
type Ledger interface {
	// Seen reports whether the hash has already been successfully
	// dispatched for the table.
	Seen(ctx context.Context, table, hash string) (bool, error)

	// Acquire atomically claims the right to dispatch the pair. Exactly one
	// concurrent caller wins; losers are silent duplicates.
	Acquire(ctx context.Context, table, hash string) (bool, error)

	// Record sets the final outcome for a previously acquired pair.
	// It is idempotent.
	Record(ctx context.Context, table, hash string, outcome Outcome) error

	// Release gives back a claim whose dispatch was interrupted before an
	// outcome was reached, so a later pass can deliver the record. Only
	// the claim's owner may call it.
	Release(ctx context.Context, table, hash string) error

	// EvictOlderThan removes entries first seen longer ago than the given
	// duration and returns how many were removed. Eviction is a memory
	// bound, not a correctness requirement: the monitored tables remain the
	// source of truth.
	EvictOlderThan(ctx context.Context, d time.Duration) (int, error)
}
