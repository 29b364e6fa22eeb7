package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DefaultAlertThreshold is the fraction of the monthly budget at which
// the alert notification fires.
const DefaultAlertThreshold = 0.8

// reservationState tracks a reservation's lifecycle.
type reservationState int

const (
	stateOpen reservationState = iota
	stateSettled
	stateReleased
)

type reservationRecord struct {
	Reservation
	state reservationState
}

// MemoryLedger is an in-memory Ledger implementation. Suitable for tests
// and single-instance deployments without durability requirements.
type MemoryLedger struct {
	limits         LimitsFunc
	alertFn        AlertFunc
	alertThreshold float64

	mu           sync.Mutex
	accounts     map[string]*Account // key: org + "/" + period
	reservations map[string]*reservationRecord
}

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithAlert sets the alert callback and threshold fraction.
func WithAlert(fn AlertFunc, threshold float64) MemoryOption {
	return func(l *MemoryLedger) {
		l.alertFn = fn
		if threshold > 0 {
			l.alertThreshold = threshold
		}
	}
}

// NewMemoryLedger creates an in-memory ledger. limits resolves per-org
// caps for lazily created accounts; nil means unlimited for every org.
func NewMemoryLedger(limits LimitsFunc, opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		limits:         limits,
		alertThreshold: DefaultAlertThreshold,
		accounts:       make(map[string]*Account),
		reservations:   make(map[string]*reservationRecord),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func accountKey(orgID, period string) string {
	return orgID + "/" + period
}

// account returns the account for org/period, creating it lazily.
// Caller must hold l.mu.
func (l *MemoryLedger) account(orgID, period string) *Account {
	key := accountKey(orgID, period)
	acct, ok := l.accounts[key]
	if !ok {
		var lim Limits
		if l.limits != nil {
			lim = l.limits(orgID)
		}
		acct = &Account{
			OrganizationID: orgID,
			Period:         period,
			MonthlyBudget:  lim.MonthlyBudget,
			ArticlesLimit:  lim.ArticlesLimit,
		}
		l.accounts[key] = acct
	}
	return acct
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(_ context.Context, req ReserveRequest) (Reservation, error) {
	period := req.Period
	if period == "" {
		period = CurrentPeriod()
	}

	l.mu.Lock()
	acct := l.account(req.OrganizationID, period)

	if req.NewArticle && acct.ArticlesLimit > 0 && acct.ArticlesUsed >= acct.ArticlesLimit {
		used, limit := acct.ArticlesUsed, acct.ArticlesLimit
		l.mu.Unlock()
		return Reservation{}, fmt.Errorf("%w: %d/%d articles this period", ErrArticleLimitExceeded, used, limit)
	}
	if acct.MonthlyBudget > 0 && acct.SpentCost+acct.CommittedCost+req.Estimate > acct.MonthlyBudget {
		used, budget := acct.Used(), acct.MonthlyBudget
		l.mu.Unlock()
		return Reservation{}, fmt.Errorf("%w: %.2f committed+spent of %.2f, requested %.2f",
			ErrBudgetExceeded, used, budget, req.Estimate)
	}

	res := Reservation{
		Token:          uuid.NewString(),
		OrganizationID: req.OrganizationID,
		Period:         period,
		RunID:          req.RunID,
		Stage:          req.Stage,
		Amount:         req.Estimate,
		Article:        req.NewArticle,
	}
	acct.CommittedCost += req.Estimate
	if req.NewArticle {
		acct.ArticlesUsed++
	}
	l.reservations[res.Token] = &reservationRecord{Reservation: res}

	alert := l.checkAlertLocked(acct)
	l.mu.Unlock()

	if alert != nil {
		l.alertFn(*alert)
	}
	return res, nil
}

// Settle implements Ledger.
func (l *MemoryLedger) Settle(_ context.Context, token string, actual float64) error {
	l.mu.Lock()
	rec, ok := l.reservations[token]
	if !ok {
		l.mu.Unlock()
		return ErrReservationNotFound
	}
	if rec.state != stateOpen {
		l.mu.Unlock()
		return ErrReservationClosed
	}

	acct := l.account(rec.OrganizationID, rec.Period)
	acct.CommittedCost -= rec.Amount
	acct.SpentCost += actual
	rec.state = stateSettled

	// Actual may exceed the reservation. Let the work land; the next
	// reservation is blocked instead.
	if acct.MonthlyBudget > 0 && acct.SpentCost+acct.CommittedCost > acct.MonthlyBudget {
		acct.OverBudget = true
	}

	alert := l.checkAlertLocked(acct)
	l.mu.Unlock()

	if alert != nil {
		l.alertFn(*alert)
	}
	return nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.reservations[token]
	if !ok {
		return ErrReservationNotFound
	}
	if rec.state != stateOpen {
		return ErrReservationClosed
	}
	l.releaseLocked(rec)
	return nil
}

// ReleaseRun implements Ledger.
func (l *MemoryLedger) ReleaseRun(_ context.Context, runID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	released := 0
	for _, rec := range l.reservations {
		if rec.RunID == runID && rec.state == stateOpen {
			l.releaseLocked(rec)
			released++
		}
	}
	return released, nil
}

// releaseLocked returns a reservation's hold. Caller must hold l.mu.
func (l *MemoryLedger) releaseLocked(rec *reservationRecord) {
	acct := l.account(rec.OrganizationID, rec.Period)
	acct.CommittedCost -= rec.Amount
	if rec.Article {
		acct.ArticlesUsed--
	}
	rec.state = stateReleased
}

// Account implements Ledger.
func (l *MemoryLedger) Account(_ context.Context, orgID, period string) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acct, ok := l.accounts[accountKey(orgID, period)]; ok {
		return *acct, nil
	}
	var lim Limits
	if l.limits != nil {
		lim = l.limits(orgID)
	}
	return Account{
		OrganizationID: orgID,
		Period:         period,
		MonthlyBudget:  lim.MonthlyBudget,
		ArticlesLimit:  lim.ArticlesLimit,
	}, nil
}

// Close implements Ledger.
func (l *MemoryLedger) Close() error { return nil }

// checkAlertLocked marks the account alerted and returns a snapshot for
// the callback when the threshold is crossed. Caller must hold l.mu and
// invoke the callback after unlocking.
func (l *MemoryLedger) checkAlertLocked(acct *Account) *Account {
	if l.alertFn == nil || acct.Alerted || acct.MonthlyBudget <= 0 {
		return nil
	}
	if acct.Used() >= l.alertThreshold*acct.MonthlyBudget {
		acct.Alerted = true
		snap := *acct
		return &snap
	}
	return nil
}
