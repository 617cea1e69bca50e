/*
Package ledger provides the core points-ledger engine.

PURPOSE:
  This package contains the domain types and algorithms for recording
  loyalty point movements. Points are earned with an expiry horizon,
  spent against the soonest-expiring lots first, and expired by sweep.
  Balance is always derivable from the immutable entry log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A point quantity backed by decimal.Decimal
  - Entry: An immutable ledger record of one point movement
  - Lot: The expiring remainder of a single credit entry
  - Account: A loyalty participant with tier and lifetime points

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only appended
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Derivability: Balance = sum of entries = sum of open lot remainders
  4. Auditability: Every entry carries a reason and an idempotency key

USAGE:
  entry := ledger.Entry{
      AccountID: "cust-123",
      Quantity:  ledger.NewAmount(100),
      Reason:    ledger.ReasonEarn,
  }

SEE ALSO:
  - store.go: Persistence contract
  - balance.go: Balance derivation and the consistency invariant
  - lots.go: FIFO drawdown planning
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Point quantity
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

func NewAmountFromFloat(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}
}

func MustParseAmount(s string) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{Value: decimal.Zero}
	}
	return Amount{Value: d}
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) String() string            { return a.Value.String() }

// Min returns the smaller of the two amounts.
func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string
type TransitionID string

// NewEntryID generates a unique entry identifier.
func NewEntryID() EntryID { return EntryID(uuid.NewString()) }

// NewTransitionID generates a unique transition identifier.
func NewTransitionID() TransitionID { return TransitionID(uuid.NewString()) }

// =============================================================================
// ENTRY - Immutable record of one point movement
// =============================================================================

type Reason string

const (
	ReasonEarn       Reason = "earn"       // Credit from qualifying activity
	ReasonRedeem     Reason = "redeem"     // User-initiated debit
	ReasonExpiry     Reason = "expiry"     // Sweep-initiated debit of an expired lot
	ReasonAdjustment Reason = "adjustment" // Manual correction (new entry, never an edit)
)

// Entry is one committed point movement. Positive Quantity is a credit,
// negative is a debit. Entries are append-only: corrections are new
// adjustment entries, never edits.
type Entry struct {
	ID        EntryID
	AccountID AccountID

	// Seq is the per-account sequence number, strictly increasing,
	// assigned by the store at commit time.
	Seq uint64

	Quantity Amount
	Reason   Reason

	// ExpiresAt is set only on credit entries; nil for debits.
	ExpiresAt *time.Time

	// Drawdowns records which lots a debit consumed from, in the order
	// they were consumed. Empty for credits.
	Drawdowns []Drawdown

	// BalanceAfter is the spendable balance immediately after this entry
	// committed. Materialized in the same atomic unit as the append.
	BalanceAfter Amount

	// IdempotencyKey ties the entry to the originating request so that
	// retried requests are applied at most once.
	IdempotencyKey string

	// ReferenceID is an optional caller reference (order ID, campaign ID).
	ReferenceID string

	CreatedAt time.Time
}

// IsCredit reports whether the entry adds points.
func (e Entry) IsCredit() bool { return e.Quantity.IsPositive() }

// Drawdown is one lot consumption made by a debit entry.
type Drawdown struct {
	LotID    EntryID // the credit entry that opened the lot
	Quantity Amount  // positive quantity taken from the lot
}

// =============================================================================
// LOT - Expiring remainder of a credit entry
// =============================================================================

// Lot tracks how much of a single credit entry is still spendable.
// Remaining decreases only via FIFO consumption or expiry sweep;
// once zero the lot is closed and ignored by future sweeps.
type Lot struct {
	ID        EntryID // same as the originating credit entry ID
	AccountID AccountID
	Original  Amount
	Remaining Amount
	ExpiresAt time.Time
	ClosedAt  *time.Time
}

// Open reports whether the lot still has spendable points.
func (l Lot) Open() bool { return l.ClosedAt == nil && l.Remaining.IsPositive() }

// =============================================================================
// ACCOUNT - Loyalty participant
// =============================================================================

// Account is created implicitly on the first credit. Balance is the
// materialized sum of committed entries, updated in the same atomic
// unit as each append. LifetimePoints is monotonic: expiry and
// redemption never reduce it.
type Account struct {
	ID AccountID

	// Seq is the sequence number of the last committed entry. Mutations
	// are planned against a Seq and rejected if it moved (optimistic
	// concurrency).
	Seq uint64

	Balance        Amount
	LifetimePoints Amount

	Tier      string
	TierSince time.Time

	// BelowTierStreak counts consecutive tier evaluations where the
	// computed tier was below the held tier. Downgrade grace input.
	BelowTierStreak int

	// Flagged marks an account that failed the ledger/lot consistency
	// check. Operations on a flagged account are rejected.
	Flagged bool

	CreatedAt time.Time
}

// =============================================================================
// ENTRY FILTER - For ListEntries queries
// =============================================================================

type EntryFilter struct {
	Reasons []Reason
	From    *time.Time
	To      *time.Time
	Limit   int
}

func (f EntryFilter) matchReason(r Reason) bool {
	if len(f.Reasons) == 0 {
		return true
	}
	for _, want := range f.Reasons {
		if r == want {
			return true
		}
	}
	return false
}

// Matches reports whether an entry passes the filter.
func (f EntryFilter) Matches(e Entry) bool {
	if !f.matchReason(e.Reason) {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	return true
}
