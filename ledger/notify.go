/*
notify.go - Outward event contract

PURPOSE:
  The engine produces exactly one notification per committed entry and
  per committed tier transition. Delivery guarantees belong to the
  messaging layer behind the Notifier; from the engine's perspective
  these are fire-and-forget.
*/
package ledger

import "time"

// LedgerChange summarizes one committed entry for the messaging layer.
type LedgerChange struct {
	AccountID    AccountID
	EntryID      EntryID
	Seq          uint64
	Quantity     Amount
	Reason       Reason
	BalanceAfter Amount
	At           time.Time
}

// TierChange summarizes one committed tier transition.
type TierChange struct {
	AccountID AccountID
	FromTier  string
	ToTier    string
	Action    TransitionAction
	At        time.Time
}

// Notifier receives engine events. Implementations must not block the
// caller; slow consumers should buffer internally.
type Notifier interface {
	LedgerCommitted(change LedgerChange)
	TierChanged(change TierChange)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) LedgerCommitted(LedgerChange) {}
func (NopNotifier) TierChanged(TierChange)       {}
