package program_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/tier"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// recorder captures notifications so tests can assert exactly-once emission.
type recorder struct {
	mu            sync.Mutex
	ledgerChanges []ledger.LedgerChange
	tierChanges   []ledger.TierChange
}

func (r *recorder) LedgerCommitted(c ledger.LedgerChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledgerChanges = append(r.ledgerChanges, c)
}

func (r *recorder) TierChanged(c ledger.TierChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tierChanges = append(r.tierChanges, c)
}

func (r *recorder) ledgerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ledgerChanges)
}

func (r *recorder) tierCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tierChanges)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestProgram(t *testing.T) (*program.Program, *store.Memory, *recorder, *testClock) {
	t.Helper()
	mem := store.NewMemory()
	rec := &recorder{}
	clock := &testClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
	p := program.New(mem, program.Config{
		Notifier: rec,
		Now:      clock.Now,
	})
	return p, mem, rec, clock
}

func expiryIn(clock *testClock, d time.Duration) time.Time {
	return clock.Now().Add(d)
}

// =============================================================================
// CREDIT TESTS
// =============================================================================

func TestCredit_CreatesAccountAndLot(t *testing.T) {
	// GIVEN: An account that has never transacted
	// WHEN: Crediting 100 points expiring in 30 days
	// THEN: The account exists with balance 100, one open lot, and
	//       lifetime points 100

	p, mem, rec, clock := newTestProgram(t)
	ctx := context.Background()

	res, err := p.Credit(ctx, program.CreditRequest{
		AccountID:      "cust-1",
		Quantity:       ledger.NewAmount(100),
		ExpiresAt:      expiryIn(clock, 30*24*time.Hour),
		IdempotencyKey: "order-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.True(t, res.Balance.Equal(ledger.NewAmount(100)))
	assert.Equal(t, ledger.ReasonEarn, res.Entry.Reason)

	account, err := mem.GetAccount(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, account.LifetimePoints.Equal(ledger.NewAmount(100)))

	lots, err := p.ListOpenLots(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Remaining.Equal(ledger.NewAmount(100)))
	assert.Equal(t, res.Entry.ID, lots[0].ID, "lot shares the credit entry's ID")

	assert.Equal(t, 1, rec.ledgerCount())
}

func TestCredit_ReplayReturnsOriginal(t *testing.T) {
	// GIVEN: A committed credit under key "order-1"
	// WHEN: Retrying the identical request
	// THEN: Same entry, Replayed=true, no second notification, balance unchanged

	p, _, rec, clock := newTestProgram(t)
	ctx := context.Background()
	expiry := expiryIn(clock, 30*24*time.Hour)

	first, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(100),
		ExpiresAt: expiry, IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	retry, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(100),
		ExpiresAt: expiry, IdempotencyKey: "order-1",
	})
	require.NoError(t, err)
	assert.True(t, retry.Replayed)
	assert.Equal(t, first.Entry.ID, retry.Entry.ID)
	assert.True(t, retry.Balance.Equal(ledger.NewAmount(100)))
	assert.Equal(t, 1, rec.ledgerCount(), "replay must not re-notify")
}

func TestCredit_SameKeyDifferentPayloadRejected(t *testing.T) {
	// GIVEN: A committed credit under key "order-1"
	// WHEN: Reusing the key with a different quantity
	// THEN: DuplicateRequestError and no new entry

	p, _, _, clock := newTestProgram(t)
	ctx := context.Background()
	expiry := expiryIn(clock, 30*24*time.Hour)

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(100),
		ExpiresAt: expiry, IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	_, err = p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(999),
		ExpiresAt: expiry, IdempotencyKey: "order-1",
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateRequest)

	entries, err := p.ListEntries(ctx, "cust-1", ledger.EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCredit_Validation(t *testing.T) {
	// GIVEN: Malformed credit requests
	// WHEN: Submitting them
	// THEN: Each is rejected before touching storage

	p, mem, _, clock := newTestProgram(t)
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.ZeroAmount(),
		ExpiresAt: expiryIn(clock, time.Hour), IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation, "zero quantity")

	_, err = p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(-10),
		ExpiresAt: expiryIn(clock, time.Hour), IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation, "negative quantity")

	_, err = p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(10), IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation, "missing expiry")

	_, err = p.Credit(ctx, program.CreditRequest{
		Quantity: ledger.NewAmount(10), ExpiresAt: expiryIn(clock, time.Hour), IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation, "missing account")

	_, err = mem.GetAccount(ctx, "cust-1")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound, "validation must not create the account")
}

// =============================================================================
// DEBIT TESTS
// =============================================================================

func TestDebit_ConsumesSoonestExpiringLotFirst(t *testing.T) {
	// GIVEN: Credits of 100 (expires +30d) then 50 (expires +5d)
	// WHEN: Debiting 30
	// THEN: The 5-day lot is consumed first, leaving 20 in it and 100
	//       in the 30-day lot

	p, _, _, clock := newTestProgram(t)
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(100),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	soon, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(50),
		ExpiresAt: expiryIn(clock, 5*24*time.Hour), IdempotencyKey: "order-2",
	})
	require.NoError(t, err)

	res, err := p.Debit(ctx, program.DebitRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(30), IdempotencyKey: "redeem-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(ledger.NewAmount(120)))
	require.Len(t, res.Entry.Drawdowns, 1)
	assert.Equal(t, soon.Entry.ID, res.Entry.Drawdowns[0].LotID)

	lots, err := p.ListOpenLots(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.True(t, lots[0].Remaining.Equal(ledger.NewAmount(20)), "soonest lot drained first")
	assert.True(t, lots[1].Remaining.Equal(ledger.NewAmount(100)))
}

func TestDebit_InsufficientBalanceRejected(t *testing.T) {
	// GIVEN: A balance of 100
	// WHEN: Debiting 150
	// THEN: InsufficientBalanceError; the balance and lots are untouched

	p, _, rec, clock := newTestProgram(t)
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(100),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	_, err = p.Debit(ctx, program.DebitRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(150), IdempotencyKey: "redeem-1",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err := p.CurrentBalance(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(ledger.NewAmount(100)))
	assert.Equal(t, 1, rec.ledgerCount(), "rejected debit must not notify")
}

func TestDebit_UnknownAccountRejected(t *testing.T) {
	// GIVEN: No such account
	// WHEN: Debiting it
	// THEN: ErrAccountNotFound; debit never creates accounts

	p, _, _, _ := newTestProgram(t)

	_, err := p.Debit(context.Background(), program.DebitRequest{
		AccountID: "ghost", Quantity: ledger.NewAmount(10), IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestDebit_DoesNotReduceLifetimePoints(t *testing.T) {
	// GIVEN: 150 lifetime points earned
	// WHEN: Redeeming 120 of them
	// THEN: Lifetime points stay at 150

	p, mem, _, clock := newTestProgram(t)
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(150),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	_, err = p.Debit(ctx, program.DebitRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(120), IdempotencyKey: "redeem-1",
	})
	require.NoError(t, err)

	account, err := mem.GetAccount(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, account.LifetimePoints.Equal(ledger.NewAmount(150)))
	assert.True(t, account.Balance.Equal(ledger.NewAmount(30)))
}

func TestDebit_TwoRacingDebitsExactlyOneWins(t *testing.T) {
	// GIVEN: A balance of 100
	// WHEN: Two concurrent debits of 60 race
	// THEN: Exactly one succeeds; the loser replans against the fresh
	//       balance and gets InsufficientBalance

	mem := store.NewMemory()
	clock := &testClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
	p := program.New(mem, program.Config{MaxRetries: 5, Now: clock.Now})
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(100),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			_, err := p.Debit(ctx, program.DebitRequest{
				AccountID:      "cust-1",
				Quantity:       ledger.NewAmount(60),
				IdempotencyKey: fmt.Sprintf("redeem-%d", i),
			})
			errs <- err
		}(i)
	}
	err1, err2 := <-errs, <-errs

	if err1 == nil {
		assert.ErrorIs(t, err2, ledger.ErrInsufficientBalance)
	} else {
		assert.NoError(t, err2)
		assert.ErrorIs(t, err1, ledger.ErrInsufficientBalance)
	}

	balance, err := p.CurrentBalance(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(ledger.NewAmount(40)))
}

func TestDebit_ConcurrentDebitsNeverOverspend(t *testing.T) {
	// GIVEN: A balance of 100
	// WHEN: Five goroutines each debit 30 concurrently
	// THEN: At most three succeed and the balance never goes negative

	mem := store.NewMemory()
	clock := &testClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
	p := program.New(mem, program.Config{MaxRetries: 10, Now: clock.Now})
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(100),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Debit(ctx, program.DebitRequest{
				AccountID:      "cust-1",
				Quantity:       ledger.NewAmount(30),
				IdempotencyKey: fmt.Sprintf("redeem-%d", i),
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.LessOrEqual(t, succeeded, 3)

	balance, err := p.CurrentBalance(ctx, "cust-1")
	require.NoError(t, err)
	assert.False(t, balance.IsNegative(), "balance must never go negative")
	assert.True(t, balance.Equal(ledger.NewAmount(int64(100-30*succeeded))))
}

// =============================================================================
// ADJUSTMENT TESTS
// =============================================================================

func TestAdjust_PositiveOpensLotWithoutLifetimePoints(t *testing.T) {
	// GIVEN: An account with 100 earned points
	// WHEN: A support adjustment grants 50 more
	// THEN: Balance rises, a lot opens, lifetime points do not move

	p, mem, _, clock := newTestProgram(t)
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(100),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	res, err := p.Adjust(ctx, program.AdjustRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(50),
		ExpiresAt: expiryIn(clock, 60*24*time.Hour), IdempotencyKey: "ticket-77",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.ReasonAdjustment, res.Entry.Reason)
	assert.True(t, res.Balance.Equal(ledger.NewAmount(150)))

	account, err := mem.GetAccount(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, account.LifetimePoints.Equal(ledger.NewAmount(100)),
		"goodwill adjustments are not qualifying points")

	lots, err := p.ListOpenLots(ctx, "cust-1")
	require.NoError(t, err)
	assert.Len(t, lots, 2)
}

func TestAdjust_NegativeConsumesLots(t *testing.T) {
	// GIVEN: A balance of 100
	// WHEN: Adjusting by -40
	// THEN: The lot is drawn down like a debit

	p, _, _, clock := newTestProgram(t)
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(100),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	res, err := p.Adjust(ctx, program.AdjustRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(-40), IdempotencyKey: "ticket-78",
	})
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(ledger.NewAmount(60)))
	assert.Len(t, res.Entry.Drawdowns, 1)
}

func TestAdjust_NegativeBeyondBalanceRejected(t *testing.T) {
	// GIVEN: A balance of 50
	// WHEN: Adjusting by -80
	// THEN: InsufficientBalanceError; corrections cannot go negative either

	p, _, _, clock := newTestProgram(t)
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(50),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	_, err = p.Adjust(ctx, program.AdjustRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(-80), IdempotencyKey: "ticket-79",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

// =============================================================================
// TIER TESTS
// =============================================================================

func TestTier_UpgradeOnCrossingThreshold(t *testing.T) {
	// GIVEN: 80 lifetime points (base)
	// WHEN: A credit of 40 crosses the silver threshold of 100
	// THEN: Exactly one base->silver transition is recorded and notified

	p, _, rec, clock := newTestProgram(t)
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(80),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.tierCount(), "80 points stays base")

	res, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(40),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-2",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, "base", res.Transition.FromTier)
	assert.Equal(t, "silver", res.Transition.ToTier)
	assert.Equal(t, ledger.ActionUpgrade, res.Transition.Action)
	assert.Equal(t, res.Entry.ID, res.Transition.TriggerEntryID)

	transitions, err := p.ListTransitions(ctx, "cust-1")
	require.NoError(t, err)
	assert.Len(t, transitions, 1)
	assert.Equal(t, 1, rec.tierCount())
}

func TestTier_RedemptionNeverDowngrades(t *testing.T) {
	// GIVEN: A silver account with 120 lifetime points
	// WHEN: Redeeming 110 points (balance drops to 10)
	// THEN: The tier stays silver because lifetime points are monotonic

	p, mem, _, clock := newTestProgram(t)
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(120),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	res, err := p.Debit(ctx, program.DebitRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(110), IdempotencyKey: "redeem-1",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Transition)

	account, err := mem.GetAccount(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "silver", account.Tier)
	assert.Equal(t, 0, account.BelowTierStreak)
}

func TestTier_DowngradeAfterGraceWhenThresholdsRaised(t *testing.T) {
	// GIVEN: A silver account under the default table, then the operator
	//        ships a table where silver starts at 500
	// WHEN: Evaluating under the new table with GraceCycles=1
	// THEN: First evaluation retains within grace, second downgrades

	mem := store.NewMemory()
	clock := &testClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	before := program.New(mem, program.Config{Now: clock.Now})
	_, err := before.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(120),
		ExpiresAt: expiryIn(clock, 30*24*time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)

	raised := tier.Definition{Levels: []tier.Level{
		{Name: "base", MinPoints: ledger.NewAmount(0)},
		{Name: "silver", MinPoints: ledger.NewAmount(500)},
	}}
	after := program.New(mem, program.Config{
		Tiers:      raised,
		TierPolicy: tier.Policy{GraceCycles: 1},
		Now:        clock.Now,
	})

	transition, err := after.EvaluateTier(ctx, "cust-1")
	require.NoError(t, err)
	assert.Nil(t, transition, "first below evaluation is within grace")

	account, err := mem.GetAccount(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "silver", account.Tier)
	assert.Equal(t, 1, account.BelowTierStreak)

	transition, err = after.EvaluateTier(ctx, "cust-1")
	require.NoError(t, err)
	require.NotNil(t, transition)
	assert.Equal(t, ledger.ActionDowngrade, transition.Action)
	assert.Equal(t, "base", transition.ToTier)

	account, err = mem.GetAccount(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "base", account.Tier)
	assert.Equal(t, 0, account.BelowTierStreak)
}

// =============================================================================
// CONSISTENCY AND FLAGGING TESTS
// =============================================================================

func TestDebit_CorruptionFlagsAccount(t *testing.T) {
	// GIVEN: An entry committed without its matching lot, so the entry
	//        sum no longer equals the open-lot sum
	// WHEN: Attempting a debit
	// THEN: CorruptionError, the account is flagged, and further
	//       operations are rejected

	p, mem, _, _ := newTestProgram(t)
	ctx := context.Background()

	// Bypass the orchestrator to plant the inconsistency.
	_, err := mem.Commit(ctx, ledger.Mutation{
		AccountID:   "cust-1",
		ExpectedSeq: 0,
		Entry: ledger.Entry{
			ID:        ledger.NewEntryID(),
			AccountID: "cust-1",
			Quantity:  ledger.NewAmount(100),
			Reason:    ledger.ReasonEarn,
		},
	})
	require.NoError(t, err)

	_, err = p.Debit(ctx, program.DebitRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(10), IdempotencyKey: "redeem-1",
	})
	assert.ErrorIs(t, err, ledger.ErrCorruptionDetected)

	account, err := mem.GetAccount(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, account.Flagged)

	_, err = p.Debit(ctx, program.DebitRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(10), IdempotencyKey: "redeem-2",
	})
	assert.ErrorIs(t, err, ledger.ErrAccountFlagged)
}

func TestCredit_FlaggedAccountRejected(t *testing.T) {
	// GIVEN: A flagged account
	// WHEN: Crediting it
	// THEN: ErrAccountFlagged; no writes until an operator intervenes

	p, mem, _, clock := newTestProgram(t)
	ctx := context.Background()

	_, err := p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(10),
		ExpiresAt: expiryIn(clock, time.Hour), IdempotencyKey: "order-1",
	})
	require.NoError(t, err)
	require.NoError(t, mem.FlagAccount(ctx, "cust-1"))

	_, err = p.Credit(ctx, program.CreditRequest{
		AccountID: "cust-1", Quantity: ledger.NewAmount(10),
		ExpiresAt: expiryIn(clock, time.Hour), IdempotencyKey: "order-2",
	})
	assert.ErrorIs(t, err, ledger.ErrAccountFlagged)
}
