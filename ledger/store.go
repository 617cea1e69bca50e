/*
store.go - Persistence contract for the points ledger

PURPOSE:
  Defines the interface between the ledger engine and the database.
  A Mutation bundles one entry with its lot effects and the account
  update so the store can commit them as a single atomic unit.

APPEND-ONLY CONTRACT:
  - Commit() is the ONLY write path for entries
  - No Update() or Delete() on entries exists
  - Lots mutate only through the drawdowns carried by a Mutation

OPTIMISTIC CONCURRENCY:
  Every Mutation carries the account sequence number it was planned
  against (ExpectedSeq). The store commits only if that is still the
  head sequence and assigns ExpectedSeq+1 to the new entry; otherwise
  it returns ErrStorageConflict and the caller replans. No two
  operations on one account can both observe a stale balance.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: Durable SQLite

SEE ALSO:
  - ledger.go: Idempotent append wrapper over Store
  - lots.go: Builds the drawdowns a Mutation carries
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// MUTATION - One atomic ledger commit
// =============================================================================

// Mutation is the unit of write. Either everything in it commits or
// nothing does: the entry, the lot opened by a credit, the drawdowns
// made by a debit, and the account's materialized balance, lifetime
// points and sequence.
type Mutation struct {
	AccountID AccountID

	// ExpectedSeq is the account sequence the planner observed. Commit
	// fails with ErrStorageConflict if the account has moved past it.
	// Zero means the account is being created by this mutation.
	ExpectedSeq uint64

	Entry Entry

	// NewLot is set for credits: a lot opened alongside the entry.
	NewLot *Lot

	// Drawdowns is set for debits: FIFO consumption against open lots.
	// A lot drawn to zero is closed in the same commit.
	Drawdowns []Drawdown

	// LifetimeDelta is added to the account's lifetime qualifying
	// points. Positive for credits, zero for debits and expiry.
	LifetimeDelta Amount
}

// =============================================================================
// STORE - Interface for ledger persistence (append-only)
// =============================================================================

// Store handles persistence of accounts, entries and lots.
// IMPORTANT: entries are APPEND-ONLY. No Update, No Delete. Ever.
// Corrections are made via adjustment entries.
type Store interface {
	// Commit atomically applies a Mutation: assigns the next sequence
	// number, persists the entry, applies lot effects, and updates the
	// account. Returns the committed entry or ErrStorageConflict if the
	// expected sequence no longer matches.
	Commit(ctx context.Context, m Mutation) (Entry, error)

	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// GetEntryByKey returns the entry committed under an idempotency
	// key, or (nil, nil) if the key is unused for this account.
	GetEntryByKey(ctx context.Context, id AccountID, key string) (*Entry, error)

	// ListEntries returns committed entries for an account in sequence
	// order, optionally filtered.
	ListEntries(ctx context.Context, id AccountID, filter EntryFilter) ([]Entry, error)

	// ListOpenLots returns the account's open lots ordered by expiry
	// ascending, ties broken by sequence of the originating entry.
	ListOpenLots(ctx context.Context, id AccountID) ([]Lot, error)

	// ListExpiringAccounts returns up to limit distinct accounts that
	// hold open lots expiring at or before cutoff, ordered by account
	// ID, starting strictly after the given account ID. The cursor
	// makes sweep pagination resumable.
	ListExpiringAccounts(ctx context.Context, cutoff time.Time, after AccountID, limit int) ([]AccountID, error)

	// SetBelowTierStreak persists the downgrade grace counter.
	SetBelowTierStreak(ctx context.Context, id AccountID, streak int) error

	// SetTier persists a tier change together with its immutable
	// transition record, in one atomic unit.
	SetTier(ctx context.Context, id AccountID, transition Transition) error

	// ListTransitions returns an account's tier transitions in
	// chronological order.
	ListTransitions(ctx context.Context, id AccountID) ([]Transition, error)

	// FlagAccount marks an account as failed by a consistency check.
	// Flagged accounts reject further operations.
	FlagAccount(ctx context.Context, id AccountID) error
}

// =============================================================================
// TRANSITION - Immutable tier audit record
// =============================================================================

type TransitionAction string

const (
	ActionUpgrade   TransitionAction = "upgrade"
	ActionDowngrade TransitionAction = "downgrade"
	ActionRetain    TransitionAction = "retain"
)

// Transition records one tier change. Never mutated.
type Transition struct {
	ID        TransitionID
	AccountID AccountID
	FromTier  string
	ToTier    string
	Action    TransitionAction

	// TriggerEntryID is the ledger entry whose commit triggered the
	// evaluation, empty for standalone evaluations.
	TriggerEntryID EntryID

	CreatedAt time.Time
}
