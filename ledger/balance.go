/*
balance.go - Balance derivation and the consistency invariant

PURPOSE:
  Computes the spendable balance from the entry log and checks it
  against the open-lot view. The calculator only reports state; it
  never decides whether an operation is admissible - that check
  belongs to the orchestrator.

STANDING INVARIANT:
  sum of committed entries == sum of open lot remainders

  Every credit opens a lot of equal size and every debit's drawdowns
  remove exactly the debited quantity from lots, so the two views must
  agree. A mismatch means data loss or a partial write and is treated
  as fatal for the account (CorruptionError), never silently repaired.

SEE ALSO:
  - lots.go: SumOpenLots
  - program: runs VerifyConsistency before admitting debits
*/
package ledger

import "context"

// Calculator derives balances from the ledger.
type Calculator struct {
	Store Store
}

// CurrentBalance returns the sum of all committed entries for the
// account. Unknown accounts have a zero balance.
func (c *Calculator) CurrentBalance(ctx context.Context, id AccountID) (Amount, error) {
	entries, err := c.Store.ListEntries(ctx, id, EntryFilter{})
	if err != nil {
		return Amount{}, err
	}
	balance := ZeroAmount()
	for _, e := range entries {
		balance = balance.Add(e.Quantity)
	}
	return balance, nil
}

// Preview returns the balance that would result from applying delta,
// without committing anything.
func (c *Calculator) Preview(ctx context.Context, id AccountID, delta Amount) (Amount, error) {
	balance, err := c.CurrentBalance(ctx, id)
	if err != nil {
		return Amount{}, err
	}
	return balance.Add(delta), nil
}

// VerifyConsistency checks the entry sum against the open-lot sum and
// returns a CorruptionError on mismatch. The caller decides whether to
// flag the account; this function only detects.
func (c *Calculator) VerifyConsistency(ctx context.Context, id AccountID) error {
	entrySum, err := c.CurrentBalance(ctx, id)
	if err != nil {
		return err
	}
	lots, err := c.Store.ListOpenLots(ctx, id)
	if err != nil {
		return err
	}
	lotSum := SumOpenLots(lots)
	if !entrySum.Equal(lotSum) {
		return &CorruptionError{AccountID: id, EntrySum: entrySum, LotSum: lotSum}
	}
	return nil
}
