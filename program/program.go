/*
Package program is the loyalty program orchestrator.

PURPOSE:
  The only entry point external callers use. Sequences credit, debit,
  expiry and tier evaluation against the ledger so every operation
  sees one coherent view of an account.

OPERATION SHAPE:
  validate input -> plan mutation against the account's current
  sequence -> append through the ledger (idempotent) -> re-evaluate
  tier -> emit notifications. A conflict on the optimistic sequence
  check replans and retries a bounded number of times before
  surfacing ErrStorageUnavailable.

ADMISSION:
  A debit beyond the spendable balance is rejected before any lot is
  touched. The ledger/lot consistency invariant is verified before
  debits; a mismatch flags the account and fails the operation.

IDEMPOTENCY:
  Every operation takes a caller-supplied idempotency key. Replaying
  a request with the same key and payload returns the original result
  and writes nothing; the same key with a different payload is a
  conflict. Expiry sweeps derive keys from (lot, evaluation date) so
  re-running a sweep never double-expires.

SEE ALSO:
  - ledger: entry log, lots, balance derivation
  - tier: the pure tier state machine
  - sweeper.go: background scheduler invoking RunExpirySweep
*/
package program

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/tier"
)

// =============================================================================
// PROGRAM - Orchestrator
// =============================================================================

// Config wires the orchestrator. Zero values get sane defaults.
type Config struct {
	Tiers      tier.Definition
	TierPolicy tier.Policy
	Notifier   ledger.Notifier

	// MaxRetries bounds replanning on optimistic-concurrency conflicts.
	MaxRetries int

	// SweepPageSize bounds how many accounts one sweep page touches.
	SweepPageSize int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Program struct {
	store    ledger.Store
	ledger   *ledger.Ledger
	balance  *ledger.Calculator
	tiers    tier.Definition
	policy   tier.Policy
	notifier ledger.Notifier

	maxRetries    int
	sweepPageSize int
	now           func() time.Time
}

func New(store ledger.Store, cfg Config) *Program {
	if cfg.Notifier == nil {
		cfg.Notifier = ledger.NopNotifier{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SweepPageSize <= 0 {
		cfg.SweepPageSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if len(cfg.Tiers.Levels) == 0 {
		cfg.Tiers = tier.DefaultDefinition()
		cfg.TierPolicy = tier.DefaultPolicy()
	}
	return &Program{
		store:         store,
		ledger:        ledger.New(store),
		balance:       &ledger.Calculator{Store: store},
		tiers:         cfg.Tiers,
		policy:        cfg.TierPolicy,
		notifier:      cfg.Notifier,
		maxRetries:    cfg.MaxRetries,
		sweepPageSize: cfg.SweepPageSize,
		now:           cfg.Now,
	}
}

// Result is what a committed (or replayed) operation returns.
type Result struct {
	Entry      ledger.Entry
	Balance    ledger.Amount
	Transition *ledger.Transition

	// Replayed is true when the idempotency key had already committed
	// this operation and no new entry was written.
	Replayed bool
}

// =============================================================================
// CREDIT
// =============================================================================

type CreditRequest struct {
	AccountID      ledger.AccountID
	Quantity       ledger.Amount
	ExpiresAt      time.Time
	IdempotencyKey string
	ReferenceID    string
}

// Credit records earned points. The account is created implicitly on
// its first credit; a lot opens alongside the entry and lifetime
// qualifying points increase by the credited quantity.
func (p *Program) Credit(ctx context.Context, req CreditRequest) (Result, error) {
	if !req.Quantity.IsPositive() {
		return Result{}, &ledger.ValidationError{AccountID: req.AccountID, Field: "quantity", Message: "must be positive"}
	}
	if req.ExpiresAt.IsZero() {
		return Result{}, &ledger.ValidationError{AccountID: req.AccountID, Field: "expires_at", Message: "is required on credits"}
	}
	if req.AccountID == "" {
		return Result{}, &ledger.ValidationError{Field: "account_id", Message: "is required"}
	}

	expiresAt := req.ExpiresAt.UTC()
	return p.commit(ctx, req.AccountID, func(account ledger.Account, _ []ledger.Lot) (ledger.Mutation, error) {
		return ledger.Mutation{
			AccountID:   req.AccountID,
			ExpectedSeq: account.Seq,
			Entry: ledger.Entry{
				ID:             ledger.NewEntryID(),
				AccountID:      req.AccountID,
				Quantity:       req.Quantity,
				Reason:         ledger.ReasonEarn,
				ExpiresAt:      &expiresAt,
				IdempotencyKey: req.IdempotencyKey,
				ReferenceID:    req.ReferenceID,
				CreatedAt:      p.now(),
			},
			NewLot: &ledger.Lot{
				Original:  req.Quantity,
				Remaining: req.Quantity,
				ExpiresAt: expiresAt,
			},
			LifetimeDelta: req.Quantity,
		}, nil
	}, creditMayCreateAccount)
}

// =============================================================================
// DEBIT
// =============================================================================

type DebitRequest struct {
	AccountID      ledger.AccountID
	Quantity       ledger.Amount
	IdempotencyKey string
	ReferenceID    string
}

// Debit redeems points, consuming open lots FIFO by expiry so that
// soon-to-expire points are spent first. Rejected before any lot
// mutation if the balance cannot cover the quantity. Lifetime
// qualifying points are unchanged.
func (p *Program) Debit(ctx context.Context, req DebitRequest) (Result, error) {
	if !req.Quantity.IsPositive() {
		return Result{}, &ledger.ValidationError{AccountID: req.AccountID, Field: "quantity", Message: "must be positive"}
	}
	if req.AccountID == "" {
		return Result{}, &ledger.ValidationError{Field: "account_id", Message: "is required"}
	}

	return p.commit(ctx, req.AccountID, func(account ledger.Account, lots []ledger.Lot) (ledger.Mutation, error) {
		plan, err := ledger.PlanDrawdowns(req.AccountID, lots, req.Quantity)
		if err != nil {
			return ledger.Mutation{}, err
		}
		return ledger.Mutation{
			AccountID:   req.AccountID,
			ExpectedSeq: account.Seq,
			Entry: ledger.Entry{
				ID:             ledger.NewEntryID(),
				AccountID:      req.AccountID,
				Quantity:       req.Quantity.Neg(),
				Reason:         ledger.ReasonRedeem,
				IdempotencyKey: req.IdempotencyKey,
				ReferenceID:    req.ReferenceID,
				CreatedAt:      p.now(),
			},
			Drawdowns: plan,
		}, nil
	}, debitRequiresAccount)
}

// =============================================================================
// ADJUSTMENT
// =============================================================================

type AdjustRequest struct {
	AccountID      ledger.AccountID
	Quantity       ledger.Amount // signed: positive grants, negative removes
	ExpiresAt      time.Time     // required for positive adjustments
	IdempotencyKey string
	ReferenceID    string
}

// Adjust records a manual correction as a new entry. A positive
// adjustment opens a lot like a credit but does not raise lifetime
// qualifying points; a negative adjustment consumes lots like a debit.
func (p *Program) Adjust(ctx context.Context, req AdjustRequest) (Result, error) {
	if req.Quantity.IsZero() {
		return Result{}, &ledger.ValidationError{AccountID: req.AccountID, Field: "quantity", Message: "must be non-zero"}
	}
	if req.AccountID == "" {
		return Result{}, &ledger.ValidationError{Field: "account_id", Message: "is required"}
	}
	if req.Quantity.IsPositive() && req.ExpiresAt.IsZero() {
		return Result{}, &ledger.ValidationError{AccountID: req.AccountID, Field: "expires_at", Message: "is required on positive adjustments"}
	}

	return p.commit(ctx, req.AccountID, func(account ledger.Account, lots []ledger.Lot) (ledger.Mutation, error) {
		m := ledger.Mutation{
			AccountID:   req.AccountID,
			ExpectedSeq: account.Seq,
			Entry: ledger.Entry{
				ID:             ledger.NewEntryID(),
				AccountID:      req.AccountID,
				Quantity:       req.Quantity,
				Reason:         ledger.ReasonAdjustment,
				IdempotencyKey: req.IdempotencyKey,
				ReferenceID:    req.ReferenceID,
				CreatedAt:      p.now(),
			},
		}
		if req.Quantity.IsPositive() {
			expiresAt := req.ExpiresAt.UTC()
			m.Entry.ExpiresAt = &expiresAt
			m.NewLot = &ledger.Lot{Original: req.Quantity, Remaining: req.Quantity, ExpiresAt: expiresAt}
			return m, nil
		}
		plan, err := ledger.PlanDrawdowns(req.AccountID, lots, req.Quantity.Neg())
		if err != nil {
			return ledger.Mutation{}, err
		}
		m.Drawdowns = plan
		return m, nil
	}, debitRequiresAccount)
}

// =============================================================================
// COMMIT LOOP - Plan, append, retry on conflict
// =============================================================================

type accountMode int

const (
	creditMayCreateAccount accountMode = iota
	debitRequiresAccount
)

// planFunc builds a mutation from the account state observed this
// attempt. It is re-invoked on every optimistic-concurrency retry so
// plans never reference stale lots.
type planFunc func(account ledger.Account, lots []ledger.Lot) (ledger.Mutation, error)

func (p *Program) commit(ctx context.Context, id ledger.AccountID, plan planFunc, mode accountMode) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		account, err := p.store.GetAccount(ctx, id)
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			if mode == debitRequiresAccount {
				return Result{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
			}
			account = ledger.Account{ID: id}
		case err != nil:
			return Result{}, err
		}
		if account.Flagged {
			return Result{}, fmt.Errorf("%w: %s", ledger.ErrAccountFlagged, id)
		}

		lots, err := p.store.ListOpenLots(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if mode == debitRequiresAccount {
			if err := p.checkConsistency(ctx, id); err != nil {
				return Result{}, err
			}
		}

		mutation, err := plan(account, lots)
		if err != nil {
			return Result{}, err
		}

		entry, replayed, err := p.ledger.Append(ctx, mutation)
		if errors.Is(err, ledger.ErrStorageConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return Result{}, err
		}

		result := Result{Entry: entry, Balance: entry.BalanceAfter, Replayed: replayed}
		if replayed {
			return result, nil
		}

		p.notifier.LedgerCommitted(ledger.LedgerChange{
			AccountID:    id,
			EntryID:      entry.ID,
			Seq:          entry.Seq,
			Quantity:     entry.Quantity,
			Reason:       entry.Reason,
			BalanceAfter: entry.BalanceAfter,
			At:           entry.CreatedAt,
		})

		transition, err := p.evaluateTier(ctx, id, entry.ID)
		if err != nil {
			return Result{}, err
		}
		result.Transition = transition
		return result, nil
	}
	return Result{}, fmt.Errorf("%w: %d conflicts on %s: %v", ledger.ErrStorageUnavailable, p.maxRetries, id, lastErr)
}

// checkConsistency verifies the standing invariant and flags the
// account on mismatch. Never repairs.
func (p *Program) checkConsistency(ctx context.Context, id ledger.AccountID) error {
	err := p.balance.VerifyConsistency(ctx, id)
	if err == nil {
		return nil
	}
	var corruption *ledger.CorruptionError
	if errors.As(err, &corruption) {
		if flagErr := p.store.FlagAccount(ctx, id); flagErr != nil {
			return flagErr
		}
	}
	return err
}

// =============================================================================
// TIER EVALUATION
// =============================================================================

// EvaluateTier re-runs the tier state machine for an account and
// persists the outcome. Safe to call at any time; retain outcomes
// write no transition record.
func (p *Program) EvaluateTier(ctx context.Context, id ledger.AccountID) (*ledger.Transition, error) {
	return p.evaluateTier(ctx, id, "")
}

func (p *Program) evaluateTier(ctx context.Context, id ledger.AccountID, trigger ledger.EntryID) (*ledger.Transition, error) {
	account, err := p.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	current := account.Tier
	if current == "" {
		current = p.tiers.Base()
	}
	res := tier.Evaluate(p.tiers, p.policy, tier.Input{
		CurrentTier:    current,
		LifetimePoints: account.LifetimePoints,
		BelowStreak:    account.BelowTierStreak,
	})

	if !res.Changed {
		if res.BelowStreak != account.BelowTierStreak {
			if err := p.store.SetBelowTierStreak(ctx, id, res.BelowStreak); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	transition := ledger.Transition{
		ID:             ledger.NewTransitionID(),
		AccountID:      id,
		FromTier:       current,
		ToTier:         res.Tier,
		Action:         res.Action,
		TriggerEntryID: trigger,
		CreatedAt:      p.now(),
	}
	if err := p.store.SetTier(ctx, id, transition); err != nil {
		return nil, err
	}

	p.notifier.TierChanged(ledger.TierChange{
		AccountID: id,
		FromTier:  transition.FromTier,
		ToTier:    transition.ToTier,
		Action:    transition.Action,
		At:        transition.CreatedAt,
	})
	return &transition, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// CurrentBalance derives the spendable balance from committed entries.
func (p *Program) CurrentBalance(ctx context.Context, id ledger.AccountID) (ledger.Amount, error) {
	return p.balance.CurrentBalance(ctx, id)
}

// GetAccount returns the account record.
func (p *Program) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return p.store.GetAccount(ctx, id)
}

// ListEntries returns committed entries in sequence order.
func (p *Program) ListEntries(ctx context.Context, id ledger.AccountID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	return p.ledger.Entries(ctx, id, filter)
}

// ListOpenLots returns open lots ordered by expiry ascending.
func (p *Program) ListOpenLots(ctx context.Context, id ledger.AccountID) ([]ledger.Lot, error) {
	return p.ledger.OpenLots(ctx, id)
}

// ListTransitions returns the account's tier transition history.
func (p *Program) ListTransitions(ctx context.Context, id ledger.AccountID) ([]ledger.Transition, error) {
	return p.store.ListTransitions(ctx, id)
}
