/*
ledger.go - Idempotent append over the Store

PURPOSE:
  The Ledger is the immutable source of truth for all point movements.
  Every earn, redemption, expiry, and adjustment is recorded here.
  Balance is always explainable by replaying entries - the materialized
  account balance is updated in the same atomic unit, never separately.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, entries cannot be modified
  3. IDEMPOTENT: Same key + same payload = the original entry, once
  4. ATOMIC: Entry, lot effects and account update commit together

IDEMPOTENCY SEMANTICS:
  Retried requests are the norm with at-least-once delivery upstream.
  Append distinguishes two cases for a key that already exists:
  - Same payload:   replay. The original entry is returned, no write.
  - Other payload:  conflict. DuplicateRequestError, nothing written.

CORRECTIONS:
  Mistakes are never edited. A new adjustment entry with the opposite
  sign restores the balance while preserving history.

SEE ALSO:
  - store.go: Low-level persistence contract
  - balance.go: Derivation and the consistency invariant
*/
package ledger

import "context"

// Ledger wraps a Store with idempotent append semantics.
type Ledger struct {
	Store Store
}

func New(store Store) *Ledger {
	return &Ledger{Store: store}
}

// Append commits a mutation. If the entry's idempotency key was already
// used for this account, Append returns the previously committed entry
// with replayed=true when the payload matches, or DuplicateRequestError
// when it does not. This is the ONLY write path for entries.
func (l *Ledger) Append(ctx context.Context, m Mutation) (entry Entry, replayed bool, err error) {
	if m.Entry.IdempotencyKey != "" {
		existing, err := l.Store.GetEntryByKey(ctx, m.AccountID, m.Entry.IdempotencyKey)
		if err != nil {
			return Entry{}, false, err
		}
		if existing != nil {
			if !samePayload(*existing, m.Entry) {
				return Entry{}, false, &DuplicateRequestError{
					AccountID:      m.AccountID,
					IdempotencyKey: m.Entry.IdempotencyKey,
					ExistingID:     existing.ID,
				}
			}
			return *existing, true, nil
		}
	}

	committed, err := l.Store.Commit(ctx, m)
	if err != nil {
		return Entry{}, false, err
	}
	return committed, false, nil
}

// Entries returns committed entries for an account in sequence order.
func (l *Ledger) Entries(ctx context.Context, id AccountID, filter EntryFilter) ([]Entry, error) {
	return l.Store.ListEntries(ctx, id, filter)
}

// OpenLots returns the account's open lots ordered by expiry ascending.
func (l *Ledger) OpenLots(ctx context.Context, id AccountID) ([]Lot, error) {
	return l.Store.ListOpenLots(ctx, id)
}

// samePayload reports whether a retried request matches the entry its
// idempotency key originally committed. Sequence, timestamps and the
// materialized balance are assigned by the store and excluded.
func samePayload(existing, retry Entry) bool {
	if !existing.Quantity.Equal(retry.Quantity) || existing.Reason != retry.Reason {
		return false
	}
	switch {
	case existing.ExpiresAt == nil && retry.ExpiresAt == nil:
		return true
	case existing.ExpiresAt == nil || retry.ExpiresAt == nil:
		return false
	default:
		return existing.ExpiresAt.Equal(*retry.ExpiresAt)
	}
}
