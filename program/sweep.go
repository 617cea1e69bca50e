/*
sweep.go - Expiry sweep

PURPOSE:
  For an evaluation time T, expire every open lot whose expiry is at or
  before T by emitting an expiry debit for the lot's full remainder.
  The sweep is a paged scan over accounts, not a per-entry timer, and
  each account commits under the same per-account atomicity rules as a
  user debit. A crash mid-sweep affects only unprocessed accounts; the
  idempotency key expiry:<lot>:<date> makes re-runs harmless.

ORDERING:
  Lots expire earliest-first, which is the same FIFO order user debits
  consume in, so a re-run after a partial sweep continues exactly where
  the ledger left off.

SEE ALSO:
  - sweeper.go: background scheduler driving this on an interval
  - ledger/lots.go: the FIFO ordering rule
*/
package program

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/ledger"
)

// errLotAlreadyClosed aborts a planned expiry when a concurrent
// operation drained the lot between planning attempts.
var errLotAlreadyClosed = errors.New("lot already closed")

// SweepReport summarizes one expiry sweep.
type SweepReport struct {
	AsOf          time.Time
	AccountsSwept int
	LotsExpired   int
	PointsExpired ledger.Amount

	// Failed maps accounts whose expiry could not commit to the error.
	// Accounts after a failure are still processed; a later sweep picks
	// the failed ones up again.
	Failed map[ledger.AccountID]error
}

// RunExpirySweep expires all open lots with expiry <= asOf across all
// accounts, paging by the configured sweep page size so no single scan
// grows unbounded. Safe to re-run for the same asOf.
func (p *Program) RunExpirySweep(ctx context.Context, asOf time.Time) (SweepReport, error) {
	asOf = asOf.UTC()
	report := SweepReport{
		AsOf:          asOf,
		PointsExpired: ledger.ZeroAmount(),
		Failed:        make(map[ledger.AccountID]error),
	}

	after := ledger.AccountID("")
	for {
		ids, err := p.store.ListExpiringAccounts(ctx, asOf, after, p.sweepPageSize)
		if err != nil {
			return report, err
		}
		if len(ids) == 0 {
			return report, nil
		}
		for _, id := range ids {
			expired, points, err := p.expireAccount(ctx, id, asOf)
			if err != nil {
				report.Failed[id] = err
				continue
			}
			report.AccountsSwept++
			report.LotsExpired += expired
			report.PointsExpired = report.PointsExpired.Add(points)
		}
		after = ids[len(ids)-1]
		if len(ids) < p.sweepPageSize {
			return report, nil
		}
	}
}

// expireAccount expires due lots for one account, earliest first, one
// entry per lot. Re-reads open lots after each commit so a concurrent
// debit never double-counts.
func (p *Program) expireAccount(ctx context.Context, id ledger.AccountID, asOf time.Time) (int, ledger.Amount, error) {
	expired := 0
	points := ledger.ZeroAmount()

	for {
		lots, err := p.store.ListOpenLots(ctx, id)
		if err != nil {
			return expired, points, err
		}
		var due *ledger.Lot
		for i := range lots {
			if !lots[i].ExpiresAt.After(asOf) {
				due = &lots[i]
				break
			}
		}
		if due == nil {
			return expired, points, nil
		}

		quantity, err := p.expireLot(ctx, id, due.ID, asOf)
		if errors.Is(err, errLotAlreadyClosed) {
			continue
		}
		if err != nil {
			return expired, points, err
		}
		expired++
		points = points.Add(quantity)
	}
}

// expireLot commits one expiry entry consuming the lot's remainder.
func (p *Program) expireLot(ctx context.Context, id ledger.AccountID, lotID ledger.EntryID, asOf time.Time) (ledger.Amount, error) {
	key := fmt.Sprintf("expiry:%s:%s", lotID, asOf.Format("2006-01-02"))

	result, err := p.commit(ctx, id, func(account ledger.Account, lots []ledger.Lot) (ledger.Mutation, error) {
		var target *ledger.Lot
		for i := range lots {
			if lots[i].ID == lotID {
				target = &lots[i]
				break
			}
		}
		if target == nil || !target.Open() {
			return ledger.Mutation{}, errLotAlreadyClosed
		}
		return ledger.Mutation{
			AccountID:   id,
			ExpectedSeq: account.Seq,
			Entry: ledger.Entry{
				ID:             ledger.NewEntryID(),
				AccountID:      id,
				Quantity:       target.Remaining.Neg(),
				Reason:         ledger.ReasonExpiry,
				IdempotencyKey: key,
				ReferenceID:    string(lotID),
				CreatedAt:      p.now(),
			},
			Drawdowns: []ledger.Drawdown{{LotID: lotID, Quantity: target.Remaining}},
		}, nil
	}, debitRequiresAccount)
	if err != nil {
		return ledger.Amount{}, err
	}
	return result.Entry.Quantity.Neg(), nil
}
