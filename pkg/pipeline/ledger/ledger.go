// Package ledger tracks spend per organization per billing period and
// enforces budget and article-count caps.
//
// The ledger is the only component allowed to mutate budget state. Every
// stage execution takes a Reservation before the agent call and settles
// (or releases) it afterwards, so the invariant
//
//	spent + committed <= monthly_budget
//
// holds at every observable point, even under concurrent runs for the
// same organization. Reservations that would violate it are rejected
// whole, never partially applied.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for reservation and settlement.
var (
	// ErrBudgetExceeded indicates the reservation would push
	// committed+spent past the monthly budget.
	ErrBudgetExceeded = errors.New("monthly budget exceeded")

	// ErrArticleLimitExceeded indicates the organization has used its
	// article allowance for the period.
	ErrArticleLimitExceeded = errors.New("article limit exceeded")

	// ErrReservationNotFound indicates an unknown reservation token.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationClosed indicates the reservation was already
	// settled or released. Settle and Release are not idempotent by
	// design: a double settlement is an accounting bug.
	ErrReservationClosed = errors.New("reservation already settled or released")
)

// CurrentPeriod returns the current billing period string (YYYY-MM).
func CurrentPeriod() string {
	return time.Now().UTC().Format("2006-01")
}

// Account is the budget state for one organization in one billing period.
// Created lazily on first reservation of a period; never deleted
// mid-period.
type Account struct {
	OrganizationID string  `json:"organization_id"`
	Period         string  `json:"period"`
	MonthlyBudget  float64 `json:"monthly_budget"`
	CommittedCost  float64 `json:"committed_cost"`
	SpentCost      float64 `json:"spent_cost"`
	ArticlesUsed   int     `json:"articles_used"`
	ArticlesLimit  int     `json:"articles_limit"`

	// OverBudget is flagged when a settlement with actual > reserved
	// pushed the account past its budget. In-flight work is allowed to
	// finish; the next reservation is blocked instead.
	OverBudget bool `json:"over_budget"`

	// Alerted records that the alert threshold notification fired for
	// this period.
	Alerted bool `json:"alerted"`
}

// Used returns committed plus spent cost.
func (a Account) Used() float64 {
	return a.CommittedCost + a.SpentCost
}

// Limits defines the caps applied to an organization. Zero values mean
// unlimited.
type Limits struct {
	MonthlyBudget float64
	ArticlesLimit int
}

// LimitsFunc resolves the limits for an organization. It is consulted
// when an account is created lazily for a new billing period.
type LimitsFunc func(organizationID string) Limits

// AlertFunc is invoked at most once per account per period when
// committed+spent crosses the alert threshold fraction of the budget.
// Implementations call it outside their locks; it must not block for
// long.
type AlertFunc func(acct Account)

// Reservation is a provisional budget hold taken before a stage
// executes.
type Reservation struct {
	Token          string  `json:"token"`
	OrganizationID string  `json:"organization_id"`
	Period         string  `json:"period"`
	RunID          string  `json:"run_id"`
	Stage          string  `json:"stage"`
	Amount         float64 `json:"amount"`

	// Article marks the reservation that holds an article slot
	// (the first reservation of a run). Releasing it returns the slot.
	Article bool `json:"article"`
}

// ReserveRequest describes a requested budget hold.
type ReserveRequest struct {
	OrganizationID string
	RunID          string
	Stage          string
	Estimate       float64

	// NewArticle additionally claims one article slot against the
	// period's article limit.
	NewArticle bool

	// Period overrides the billing period; empty means CurrentPeriod().
	Period string
}

// Ledger is the budget accounting contract. All three mutating
// operations are atomic with respect to concurrent operations on the
// same account.
type Ledger interface {
	// Reserve takes a provisional hold of the estimated cost. Fails
	// with ErrBudgetExceeded or ErrArticleLimitExceeded; a failed
	// reservation leaves the account untouched.
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)

	// Settle replaces the reserved amount with the actual cost. If
	// actual exceeds the reservation and pushes the account past its
	// budget, the account is flagged over budget but the settlement
	// still lands.
	Settle(ctx context.Context, token string, actual float64) error

	// Release returns an unused reservation (stage failed or run
	// cancelled). Settled costs are never refunded through Release.
	Release(ctx context.Context, token string) error

	// ReleaseRun releases every open reservation held by a run.
	// Used when resuming an interrupted run whose in-memory tokens
	// were lost. Returns the number of reservations released.
	ReleaseRun(ctx context.Context, runID string) (int, error)

	// Account returns a snapshot of the account for the organization
	// and period, or a zero-usage account if none exists yet.
	Account(ctx context.Context, organizationID, period string) (Account, error)

	// Close releases any resources.
	Close() error
}
