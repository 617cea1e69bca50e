/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Durable persistence for accounts, entries, lots and tier transitions.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch the entries table
  - Lots mutate only through the drawdowns a Commit carries
  - Corrections are adjustment entries, never edits

OPTIMISTIC CONCURRENCY:
  Commit re-reads the account row inside the transaction and aborts
  with ErrStorageConflict when the head sequence moved past the
  mutation's ExpectedSeq. The caller replans and retries.

KEY TABLES:
  accounts:    Materialized balance, lifetime points, tier, sequence
  entries:     Immutable ledger of point movements
  drawdowns:   Per-lot consumption made by each debit entry
  lots:        Expiring remainders of credit entries
  transitions: Immutable tier audit records

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better
  concurrency: readers don't block, single writer at a time.

USAGE:
  st, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

SEE ALSO:
  - ledger/store.go: Contract definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/loyalty-engine/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Accounts (materialized view of the entry log, updated atomically
	-- with each append)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL DEFAULT 0,
		balance TEXT NOT NULL DEFAULT '0',
		lifetime_points TEXT NOT NULL DEFAULT '0',
		tier TEXT NOT NULL DEFAULT '',
		tier_since TEXT,
		below_tier_streak INTEGER NOT NULL DEFAULT 0,
		flagged INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Entries (append-only ledger)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		quantity TEXT NOT NULL,
		reason TEXT NOT NULL,
		expires_at TEXT,
		balance_after TEXT NOT NULL,
		idempotency_key TEXT,
		reference_id TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(account_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_idempotency
		ON entries(account_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_account_seq
		ON entries(account_id, seq);

	-- Lot drawdowns made by debit entries
	CREATE TABLE IF NOT EXISTS drawdowns (
		entry_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		lot_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		PRIMARY KEY (entry_id, position)
	);

	-- Lots (expiring remainders of credit entries)
	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		original TEXT NOT NULL,
		remaining TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		closed_at TEXT
	);

	-- Hot path: sweep scans and FIFO consumption both read open lots
	-- by expiry ascending
	CREATE INDEX IF NOT EXISTS idx_lots_account_expiry
		ON lots(account_id, expires_at) WHERE closed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_lots_expiry
		ON lots(expires_at) WHERE closed_at IS NULL;

	-- Tier transitions (append-only audit)
	CREATE TABLE IF NOT EXISTS transitions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		from_tier TEXT NOT NULL,
		to_tier TEXT NOT NULL,
		action TEXT NOT NULL,
		trigger_entry_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_account
		ON transitions(account_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// COMMIT - Atomic mutation (ledger.Store interface)
// =============================================================================

func (s *Store) Commit(ctx context.Context, mut ledger.Mutation) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	entry, err := s.commitTx(ctx, tx, mut)
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	return entry, nil
}

func (s *Store) commitTx(ctx context.Context, tx *sql.Tx, mut ledger.Mutation) (ledger.Entry, error) {
	// Optimistic check: the account row must still be at ExpectedSeq.
	var (
		seq      uint64
		balance  string
		lifetime string
		exists   = true
	)
	err := tx.QueryRowContext(ctx,
		`SELECT seq, balance, lifetime_points FROM accounts WHERE id = ?`,
		mut.AccountID).Scan(&seq, &balance, &lifetime)
	switch {
	case err == sql.ErrNoRows:
		exists = false
		seq, balance, lifetime = 0, "0", "0"
	case err != nil:
		return ledger.Entry{}, fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	if seq != mut.ExpectedSeq {
		return ledger.Entry{}, ledger.ErrStorageConflict
	}

	entry := mut.Entry
	entry.AccountID = mut.AccountID
	entry.Seq = seq + 1
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.BalanceAfter = ledger.MustParseAmount(balance).Add(entry.Quantity)
	entry.Drawdowns = mut.Drawdowns
	newLifetime := ledger.MustParseAmount(lifetime).Add(mut.LifetimeDelta)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries
		(id, account_id, seq, quantity, reason, expires_at, balance_after,
		 idempotency_key, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AccountID,
		entry.Seq,
		entry.Quantity.String(),
		entry.Reason,
		nullTime(entry.ExpiresAt),
		entry.BalanceAfter.String(),
		nullString(entry.IdempotencyKey),
		entry.ReferenceID,
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Another writer landed the same idempotency key or
			// sequence first; the caller replans and hits the replay
			// path instead.
			return ledger.Entry{}, ledger.ErrStorageConflict
		}
		return ledger.Entry{}, fmt.Errorf("failed to append entry: %w", err)
	}

	for i, dd := range mut.Drawdowns {
		var remaining string
		var closedAt sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT remaining, closed_at FROM lots WHERE id = ? AND account_id = ?`,
			dd.LotID, mut.AccountID).Scan(&remaining, &closedAt)
		if err != nil {
			return ledger.Entry{}, ledger.ErrStorageConflict
		}
		left := ledger.MustParseAmount(remaining)
		if closedAt.Valid || dd.Quantity.GreaterThan(left) {
			return ledger.Entry{}, ledger.ErrStorageConflict
		}
		left = left.Sub(dd.Quantity)

		var closed interface{}
		if left.IsZero() {
			closed = entry.CreatedAt.Format(time.RFC3339)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE lots SET remaining = ?, closed_at = ? WHERE id = ?`,
			left.String(), closed, dd.LotID); err != nil {
			return ledger.Entry{}, fmt.Errorf("failed to update lot: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO drawdowns (entry_id, position, lot_id, quantity) VALUES (?, ?, ?, ?)`,
			entry.ID, i, dd.LotID, dd.Quantity.String()); err != nil {
			return ledger.Entry{}, fmt.Errorf("failed to record drawdown: %w", err)
		}
	}

	if mut.NewLot != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lots (id, account_id, seq, original, remaining, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			entry.ID,
			mut.AccountID,
			entry.Seq,
			mut.NewLot.Original.String(),
			mut.NewLot.Remaining.String(),
			mut.NewLot.ExpiresAt.UTC().Format(time.RFC3339),
		); err != nil {
			return ledger.Entry{}, fmt.Errorf("failed to open lot: %w", err)
		}
	}

	if exists {
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET seq = ?, balance = ?, lifetime_points = ? WHERE id = ? AND seq = ?`,
			entry.Seq, entry.BalanceAfter.String(), newLifetime.String(), mut.AccountID, mut.ExpectedSeq)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO accounts (id, seq, balance, lifetime_points, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			mut.AccountID, entry.Seq, entry.BalanceAfter.String(), newLifetime.String(),
			entry.CreatedAt.Format(time.RFC3339))
	}
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to update account: %w", err)
	}

	return entry, nil
}

// =============================================================================
// ACCOUNT QUERIES
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		account   ledger.Account
		balance   string
		lifetime  string
		tierSince sql.NullString
		createdAt string
		flagged   int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, seq, balance, lifetime_points, tier, tier_since,
		       below_tier_streak, flagged, created_at
		FROM accounts WHERE id = ?`, id).Scan(
		&account.ID, &account.Seq, &balance, &lifetime, &account.Tier,
		&tierSince, &account.BelowTierStreak, &flagged, &createdAt)
	if err == sql.ErrNoRows {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}

	account.Balance = ledger.MustParseAmount(balance)
	account.LifetimePoints = ledger.MustParseAmount(lifetime)
	account.Flagged = flagged != 0
	account.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if tierSince.Valid {
		account.TierSince, _ = time.Parse(time.RFC3339, tierSince.String)
	}
	return account, nil
}

func (s *Store) SetBelowTierStreak(ctx context.Context, id ledger.AccountID, streak int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET below_tier_streak = ? WHERE id = ?`, streak, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	return requireRow(res)
}

func (s *Store) SetTier(ctx context.Context, id ledger.AccountID, transition ledger.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET tier = ?, tier_since = ?, below_tier_streak = 0 WHERE id = ?`,
		transition.ToTier, transition.CreatedAt.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update tier: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transitions (id, account_id, from_tier, to_tier, action, trigger_entry_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		transition.ID, transition.AccountID, transition.FromTier, transition.ToTier,
		transition.Action, string(transition.TriggerEntryID),
		transition.CreatedAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return tx.Commit()
}

func (s *Store) FlagAccount(ctx context.Context, id ledger.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET flagged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	return requireRow(res)
}

// =============================================================================
// ENTRY QUERIES
// =============================================================================

func (s *Store) GetEntryByKey(ctx context.Context, id ledger.AccountID, key string) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.queryEntries(ctx, `
		SELECT id, account_id, seq, quantity, reason, expires_at, balance_after,
		       idempotency_key, reference_id, created_at
		FROM entries WHERE account_id = ? AND idempotency_key = ?`, id, key)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (s *Store) ListEntries(ctx context.Context, id ledger.AccountID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.queryEntries(ctx, `
		SELECT id, account_id, seq, quantity, reason, expires_at, balance_after,
		       idempotency_key, reference_id, created_at
		FROM entries WHERE account_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}

	var result []ledger.Entry
	for _, e := range entries {
		if !filter.Matches(e) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e         ledger.Entry
			quantity  string
			balAfter  string
			expiresAt sql.NullString
			idemKey   sql.NullString
			refID     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Seq, &quantity, &e.Reason,
			&expiresAt, &balAfter, &idemKey, &refID, &createdAt); err != nil {
			return nil, err
		}
		e.Quantity = ledger.MustParseAmount(quantity)
		e.BalanceAfter = ledger.MustParseAmount(balAfter)
		e.IdempotencyKey = idemKey.String
		e.ReferenceID = refID.String
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if expiresAt.Valid {
			t, _ := time.Parse(time.RFC3339, expiresAt.String)
			e.ExpiresAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		if err := s.loadDrawdowns(ctx, &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *Store) loadDrawdowns(ctx context.Context, e *ledger.Entry) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lot_id, quantity FROM drawdowns WHERE entry_id = ? ORDER BY position ASC`, e.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			dd       ledger.Drawdown
			quantity string
		)
		if err := rows.Scan(&dd.LotID, &quantity); err != nil {
			return err
		}
		dd.Quantity = ledger.MustParseAmount(quantity)
		e.Drawdowns = append(e.Drawdowns, dd)
	}
	return rows.Err()
}

// =============================================================================
// LOT QUERIES
// =============================================================================

func (s *Store) ListOpenLots(ctx context.Context, id ledger.AccountID) ([]ledger.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, original, remaining, expires_at
		FROM lots
		WHERE account_id = ? AND closed_at IS NULL
		ORDER BY expires_at ASC, seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var lots []ledger.Lot
	for rows.Next() {
		var (
			lot       ledger.Lot
			original  string
			remaining string
			expiresAt string
		)
		if err := rows.Scan(&lot.ID, &lot.AccountID, &original, &remaining, &expiresAt); err != nil {
			return nil, err
		}
		lot.Original = ledger.MustParseAmount(original)
		lot.Remaining = ledger.MustParseAmount(remaining)
		lot.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (s *Store) ListExpiringAccounts(ctx context.Context, cutoff time.Time, after ledger.AccountID, limit int) ([]ledger.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT account_id
		FROM lots
		WHERE closed_at IS NULL AND expires_at <= ? AND account_id > ?
		ORDER BY account_id ASC
		LIMIT ?`,
		cutoff.UTC().Format(time.RFC3339), after, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var ids []ledger.AccountID
	for rows.Next() {
		var id ledger.AccountID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// TRANSITION QUERIES
// =============================================================================

func (s *Store) ListTransitions(ctx context.Context, id ledger.AccountID) ([]ledger.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, from_tier, to_tier, action, trigger_entry_id, created_at
		FROM transitions WHERE account_id = ? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var transitions []ledger.Transition
	for rows.Next() {
		var (
			tr        ledger.Transition
			trigger   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&tr.ID, &tr.AccountID, &tr.FromTier, &tr.ToTier,
			&tr.Action, &trigger, &createdAt); err != nil {
			return nil, err
		}
		tr.TriggerEntryID = ledger.EntryID(trigger.String)
		tr.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
