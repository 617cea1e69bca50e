// Package store provides the in-memory Store implementation.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	accounts map[ledger.AccountID]*accountState
}

// accountState keeps everything for one account together so a Commit
// can apply entry, lots and account update under one lock.
type accountState struct {
	account     ledger.Account
	entries     []ledger.Entry
	lots        []*ledger.Lot // insertion order; sorted views built per query
	keys        map[string]int // idempotency key -> index into entries
	transitions []ledger.Transition
}

func NewMemory() *Memory {
	return &Memory{accounts: make(map[ledger.AccountID]*accountState)}
}

func (m *Memory) state(id ledger.AccountID) *accountState {
	st, ok := m.accounts[id]
	if !ok {
		st = &accountState{
			account: ledger.Account{ID: id, Tier: "", CreatedAt: time.Now().UTC()},
			keys:    make(map[string]int),
		}
		m.accounts[id] = st
	}
	return st
}

// Commit applies a mutation atomically. The optimistic sequence check
// runs under the write lock, so concurrent commits for one account
// serialize and the loser sees ErrStorageConflict.
func (m *Memory) Commit(ctx context.Context, mut ledger.Mutation) (ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Entry{}, ledger.ErrStorageUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(mut.AccountID)
	if st.account.Seq != mut.ExpectedSeq {
		return ledger.Entry{}, ledger.ErrStorageConflict
	}

	entry := mut.Entry
	entry.AccountID = mut.AccountID
	entry.Seq = st.account.Seq + 1
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.BalanceAfter = st.account.Balance.Add(entry.Quantity)
	entry.Drawdowns = mut.Drawdowns

	// Apply lot effects before mutating anything visible, so a stale
	// plan aborts the whole commit.
	for _, dd := range mut.Drawdowns {
		lot := st.findLot(dd.LotID)
		if lot == nil || !lot.Open() || dd.Quantity.GreaterThan(lot.Remaining) {
			return ledger.Entry{}, ledger.ErrStorageConflict
		}
	}
	for _, dd := range mut.Drawdowns {
		lot := st.findLot(dd.LotID)
		lot.Remaining = lot.Remaining.Sub(dd.Quantity)
		if lot.Remaining.IsZero() {
			closedAt := entry.CreatedAt
			lot.ClosedAt = &closedAt
		}
	}
	if mut.NewLot != nil {
		lot := *mut.NewLot
		lot.ID = entry.ID
		lot.AccountID = mut.AccountID
		st.lots = append(st.lots, &lot)
	}

	st.entries = append(st.entries, entry)
	if entry.IdempotencyKey != "" {
		st.keys[entry.IdempotencyKey] = len(st.entries) - 1
	}
	st.account.Seq = entry.Seq
	st.account.Balance = entry.BalanceAfter
	st.account.LifetimePoints = st.account.LifetimePoints.Add(mut.LifetimeDelta)

	return entry, nil
}

func (st *accountState) findLot(id ledger.EntryID) *ledger.Lot {
	for _, lot := range st.lots {
		if lot.ID == id {
			return lot
		}
	}
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return st.account, nil
}

func (m *Memory) GetEntryByKey(_ context.Context, id ledger.AccountID, key string) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	idx, ok := st.keys[key]
	if !ok {
		return nil, nil
	}
	entry := st.entries[idx]
	return &entry, nil
}

func (m *Memory) ListEntries(_ context.Context, id ledger.AccountID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	var result []ledger.Entry
	for _, e := range st.entries {
		if filter.Matches(e) {
			result = append(result, e)
		}
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) ListOpenLots(_ context.Context, id ledger.AccountID) ([]ledger.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	var result []ledger.Lot
	for _, lot := range st.lots {
		if lot.Open() {
			result = append(result, *lot)
		}
	}
	// Expiry ascending; insertion order already breaks ties by sequence.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

func (m *Memory) ListExpiringAccounts(_ context.Context, cutoff time.Time, after ledger.AccountID, limit int) ([]ledger.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []ledger.AccountID
	for id, st := range m.accounts {
		if id <= after {
			continue
		}
		for _, lot := range st.lots {
			if lot.Open() && !lot.ExpiresAt.After(cutoff) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) SetBelowTierStreak(_ context.Context, id ledger.AccountID, streak int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	st.account.BelowTierStreak = streak
	return nil
}

func (m *Memory) SetTier(_ context.Context, id ledger.AccountID, transition ledger.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	st.account.Tier = transition.ToTier
	st.account.TierSince = transition.CreatedAt
	st.account.BelowTierStreak = 0
	st.transitions = append(st.transitions, transition)
	return nil
}

func (m *Memory) ListTransitions(_ context.Context, id ledger.AccountID) ([]ledger.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	result := make([]ledger.Transition, len(st.transitions))
	copy(result, st.transitions)
	return result, nil
}

func (m *Memory) FlagAccount(_ context.Context, id ledger.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	st.account.Flagged = true
	return nil
}
