/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupling the internal
  domain model from the external contract. Validation is done in
  handlers; DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/program"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreditRequest is the body of POST /api/accounts/{id}/credit.
type CreditRequest struct {
	Quantity       int64     `json:"quantity"`
	ExpiresAt      time.Time `json:"expires_at"`
	IdempotencyKey string    `json:"idempotency_key"`
	ReferenceID    string    `json:"reference_id,omitempty"`
}

// DebitRequest is the body of POST /api/accounts/{id}/debit.
type DebitRequest struct {
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
	ReferenceID    string `json:"reference_id,omitempty"`
}

// AdjustRequest is the body of POST /api/accounts/{id}/adjust.
type AdjustRequest struct {
	Quantity       int64      `json:"quantity"` // signed
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	ReferenceID    string     `json:"reference_id,omitempty"`
}

// SweepRequest is the body of POST /api/sweep.
type SweepRequest struct {
	AsOf *time.Time `json:"as_of,omitempty"` // defaults to now
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID           string     `json:"id"`
	Seq          uint64     `json:"seq"`
	Quantity     string     `json:"quantity"`
	Reason       string     `json:"reason"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	BalanceAfter string     `json:"balance_after"`
	ReferenceID  string     `json:"reference_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// OperationDTO is the response to credit/debit/adjust.
type OperationDTO struct {
	Entry      EntryDTO       `json:"entry"`
	Balance    string         `json:"balance"`
	Replayed   bool           `json:"replayed"`
	Transition *TransitionDTO `json:"transition,omitempty"`
}

// AccountDTO represents an account summary.
type AccountDTO struct {
	ID             string    `json:"id"`
	Balance        string    `json:"balance"`
	LifetimePoints string    `json:"lifetime_points"`
	Tier           string    `json:"tier"`
	TierSince      time.Time `json:"tier_since,omitempty"`
}

// LotDTO represents an open lot.
type LotDTO struct {
	ID        string    `json:"id"`
	Original  string    `json:"original"`
	Remaining string    `json:"remaining"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TransitionDTO represents a tier transition.
type TransitionDTO struct {
	ID        string    `json:"id"`
	FromTier  string    `json:"from_tier"`
	ToTier    string    `json:"to_tier"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// SweepDTO is the response to POST /api/sweep.
type SweepDTO struct {
	AsOf          time.Time `json:"as_of"`
	AccountsSwept int       `json:"accounts_swept"`
	LotsExpired   int       `json:"lots_expired"`
	PointsExpired string    `json:"points_expired"`
	FailedCount   int       `json:"failed_count"`
}

// ErrorDTO is the uniform error envelope.
type ErrorDTO struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:           string(e.ID),
		Seq:          e.Seq,
		Quantity:     e.Quantity.String(),
		Reason:       string(e.Reason),
		ExpiresAt:    e.ExpiresAt,
		BalanceAfter: e.BalanceAfter.String(),
		ReferenceID:  e.ReferenceID,
		CreatedAt:    e.CreatedAt,
	}
}

func toTransitionDTO(t ledger.Transition) TransitionDTO {
	return TransitionDTO{
		ID:        string(t.ID),
		FromTier:  t.FromTier,
		ToTier:    t.ToTier,
		Action:    string(t.Action),
		CreatedAt: t.CreatedAt,
	}
}

func toOperationDTO(res program.Result) OperationDTO {
	dto := OperationDTO{
		Entry:    toEntryDTO(res.Entry),
		Balance:  res.Balance.String(),
		Replayed: res.Replayed,
	}
	if res.Transition != nil {
		t := toTransitionDTO(*res.Transition)
		dto.Transition = &t
	}
	return dto
}
