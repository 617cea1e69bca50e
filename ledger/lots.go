/*
lots.go - FIFO drawdown planning

PURPOSE:
  Decides which lots a debit consumes from. Points closest to expiry
  are always spent first, so the ordering key is the lot's expiry
  timestamp, never the creation time of the originating entry.

ORDERING INVARIANT:
  Given lots expiring at T1 < T2 < T3, a debit smaller than lot1's
  remainder touches only lot1. A debit spanning lot1+lot2 drains lot1
  fully, takes the rest from lot2, and never touches lot3.

SEE ALSO:
  - store.go: ListOpenLots returns lots already ordered by expiry
  - program: uses the plan inside a Mutation
*/
package ledger

// PlanDrawdowns allocates a debit across open lots, earliest expiry
// first. The lots slice must already be ordered by expiry ascending,
// as returned by Store.ListOpenLots. Returns InsufficientBalanceError
// if the open lots cannot cover the amount.
func PlanDrawdowns(accountID AccountID, lots []Lot, amount Amount) ([]Drawdown, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{AccountID: accountID, Field: "quantity", Message: "must be positive"}
	}

	available := ZeroAmount()
	for _, lot := range lots {
		if lot.Open() {
			available = available.Add(lot.Remaining)
		}
	}
	if amount.GreaterThan(available) {
		return nil, &InsufficientBalanceError{
			AccountID: accountID,
			Available: available,
			Requested: amount,
			Shortfall: amount.Sub(available),
		}
	}

	var plan []Drawdown
	remaining := amount
	for _, lot := range lots {
		if !lot.Open() {
			continue
		}
		take := lot.Remaining.Min(remaining)
		plan = append(plan, Drawdown{LotID: lot.ID, Quantity: take})
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			break
		}
	}
	return plan, nil
}

// SumOpenLots returns the total remaining quantity across open lots.
func SumOpenLots(lots []Lot) Amount {
	total := ZeroAmount()
	for _, lot := range lots {
		if lot.Open() {
			total = total.Add(lot.Remaining)
		}
	}
	return total
}
