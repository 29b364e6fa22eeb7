package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPeriod = "2026-08"

func fixedLimits(budget float64, articles int) LimitsFunc {
	return func(string) Limits {
		return Limits{MonthlyBudget: budget, ArticlesLimit: articles}
	}
}

func reserve(t *testing.T, l Ledger, org string, amount float64, newArticle bool) Reservation {
	t.Helper()
	res, err := l.Reserve(context.Background(), ReserveRequest{
		OrganizationID: org,
		RunID:          "run-1",
		Stage:          "topic_analysis",
		Estimate:       amount,
		NewArticle:     newArticle,
		Period:         testPeriod,
	})
	require.NoError(t, err)
	return res
}

func account(t *testing.T, l Ledger, org string) Account {
	t.Helper()
	acct, err := l.Account(context.Background(), org, testPeriod)
	require.NoError(t, err)
	return acct
}

// ledgerFactories builds each implementation for the shared behavior
// tests.
func ledgerFactories(t *testing.T, limits LimitsFunc) map[string]func() Ledger {
	t.Helper()
	return map[string]func() Ledger{
		"memory": func() Ledger {
			return NewMemoryLedger(limits)
		},
		"sqlite": func() Ledger {
			l, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"), limits)
			require.NoError(t, err)
			return l
		},
	}
}

// TestLedger_ReserveSettleAccounting tests that reserve moves the
// estimate to committed and settle converts it to actual spend.
func TestLedger_ReserveSettleAccounting(t *testing.T) {
	for name, newLedger := range ledgerFactories(t, fixedLimits(10, 5)) {
		t.Run(name, func(t *testing.T) {
			l := newLedger()
			defer l.Close()

			res := reserve(t, l, "org-1", 1.5, true)
			acct := account(t, l, "org-1")
			assert.InDelta(t, 1.5, acct.CommittedCost, 1e-9)
			assert.InDelta(t, 0, acct.SpentCost, 1e-9)
			assert.Equal(t, 1, acct.ArticlesUsed)

			require.NoError(t, l.Settle(context.Background(), res.Token, 0.9))
			acct = account(t, l, "org-1")
			assert.InDelta(t, 0, acct.CommittedCost, 1e-9)
			assert.InDelta(t, 0.9, acct.SpentCost, 1e-9)
			// Settlement keeps the article slot.
			assert.Equal(t, 1, acct.ArticlesUsed)
		})
	}
}

// TestLedger_ReleaseReturnsHold tests that release undoes the hold and
// the article slot.
func TestLedger_ReleaseReturnsHold(t *testing.T) {
	for name, newLedger := range ledgerFactories(t, fixedLimits(10, 5)) {
		t.Run(name, func(t *testing.T) {
			l := newLedger()
			defer l.Close()

			res := reserve(t, l, "org-1", 2, true)
			require.NoError(t, l.Release(context.Background(), res.Token))

			acct := account(t, l, "org-1")
			assert.InDelta(t, 0, acct.CommittedCost, 1e-9)
			assert.Equal(t, 0, acct.ArticlesUsed)
		})
	}
}

// TestLedger_BudgetExceeded tests that committed plus spent plus the new
// estimate may never exceed the budget.
func TestLedger_BudgetExceeded(t *testing.T) {
	for name, newLedger := range ledgerFactories(t, fixedLimits(10, 0)) {
		t.Run(name, func(t *testing.T) {
			l := newLedger()
			defer l.Close()

			reserve(t, l, "org-1", 6, false)
			_, err := l.Reserve(context.Background(), ReserveRequest{
				OrganizationID: "org-1",
				RunID:          "run-2",
				Stage:          "article_generation",
				Estimate:       5,
				Period:         testPeriod,
			})
			require.ErrorIs(t, err, ErrBudgetExceeded)

			// The failed reservation left the account untouched.
			acct := account(t, l, "org-1")
			assert.InDelta(t, 6, acct.CommittedCost, 1e-9)
		})
	}
}

// TestLedger_ArticleLimit tests the per-period article allowance.
func TestLedger_ArticleLimit(t *testing.T) {
	for name, newLedger := range ledgerFactories(t, fixedLimits(0, 1)) {
		t.Run(name, func(t *testing.T) {
			l := newLedger()
			defer l.Close()

			reserve(t, l, "org-1", 0.1, true)
			_, err := l.Reserve(context.Background(), ReserveRequest{
				OrganizationID: "org-1",
				RunID:          "run-2",
				Stage:          "topic_analysis",
				Estimate:       0.1,
				NewArticle:     true,
				Period:         testPeriod,
			})
			require.ErrorIs(t, err, ErrArticleLimitExceeded)

			// Non-article reservations are unaffected by the limit.
			_, err = l.Reserve(context.Background(), ReserveRequest{
				OrganizationID: "org-1",
				RunID:          "run-2",
				Stage:          "article_generation",
				Estimate:       0.1,
				Period:         testPeriod,
			})
			assert.NoError(t, err)
		})
	}
}

// TestLedger_SettleOverBudget tests that actual above the reservation
// lands and flags the account instead of failing.
func TestLedger_SettleOverBudget(t *testing.T) {
	for name, newLedger := range ledgerFactories(t, fixedLimits(10, 0)) {
		t.Run(name, func(t *testing.T) {
			l := newLedger()
			defer l.Close()

			res := reserve(t, l, "org-1", 8, false)
			require.NoError(t, l.Settle(context.Background(), res.Token, 12))

			acct := account(t, l, "org-1")
			assert.InDelta(t, 12, acct.SpentCost, 1e-9)
			assert.True(t, acct.OverBudget)

			// The next reservation is blocked.
			_, err := l.Reserve(context.Background(), ReserveRequest{
				OrganizationID: "org-1",
				RunID:          "run-2",
				Stage:          "topic_analysis",
				Estimate:       0.01,
				Period:         testPeriod,
			})
			assert.ErrorIs(t, err, ErrBudgetExceeded)
		})
	}
}

// TestLedger_DoubleSettleRejected tests the reservation lifecycle guards.
func TestLedger_DoubleSettleRejected(t *testing.T) {
	for name, newLedger := range ledgerFactories(t, fixedLimits(10, 0)) {
		t.Run(name, func(t *testing.T) {
			l := newLedger()
			defer l.Close()

			res := reserve(t, l, "org-1", 1, false)
			require.NoError(t, l.Settle(context.Background(), res.Token, 1))

			assert.ErrorIs(t, l.Settle(context.Background(), res.Token, 1), ErrReservationClosed)
			assert.ErrorIs(t, l.Release(context.Background(), res.Token), ErrReservationClosed)
			assert.ErrorIs(t, l.Settle(context.Background(), "no-such-token", 1), ErrReservationNotFound)
		})
	}
}

// TestLedger_ReleaseRun tests that only a run's open reservations are
// released.
func TestLedger_ReleaseRun(t *testing.T) {
	for name, newLedger := range ledgerFactories(t, fixedLimits(100, 10)) {
		t.Run(name, func(t *testing.T) {
			l := newLedger()
			defer l.Close()
			ctx := context.Background()

			settled, err := l.Reserve(ctx, ReserveRequest{
				OrganizationID: "org-1", RunID: "run-1", Stage: "topic_analysis",
				Estimate: 1, NewArticle: true, Period: testPeriod,
			})
			require.NoError(t, err)
			require.NoError(t, l.Settle(ctx, settled.Token, 1))

			_, err = l.Reserve(ctx, ReserveRequest{
				OrganizationID: "org-1", RunID: "run-1", Stage: "article_generation",
				Estimate: 2, Period: testPeriod,
			})
			require.NoError(t, err)
			_, err = l.Reserve(ctx, ReserveRequest{
				OrganizationID: "org-1", RunID: "run-other", Stage: "topic_analysis",
				Estimate: 3, Period: testPeriod,
			})
			require.NoError(t, err)

			released, err := l.ReleaseRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, 1, released)

			acct := account(t, l, "org-1")
			assert.InDelta(t, 3, acct.CommittedCost, 1e-9) // run-other's hold survives
			assert.InDelta(t, 1, acct.SpentCost, 1e-9)
			// The settled article slot stays consumed.
			assert.Equal(t, 1, acct.ArticlesUsed)
		})
	}
}

// TestLedger_OrganizationsIsolated tests that accounts never bleed into
// each other.
func TestLedger_OrganizationsIsolated(t *testing.T) {
	l := NewMemoryLedger(fixedLimits(1, 0))
	defer l.Close()

	reserve(t, l, "org-a", 1, false)

	_, err := l.Reserve(context.Background(), ReserveRequest{
		OrganizationID: "org-b",
		RunID:          "run-b",
		Stage:          "topic_analysis",
		Estimate:       1,
		Period:         testPeriod,
	})
	assert.NoError(t, err)
}

// TestLedger_AlertFiresOnce tests the threshold notification fires
// exactly once per account per period.
func TestLedger_AlertFiresOnce(t *testing.T) {
	var mu sync.Mutex
	var alerts []Account
	l := NewMemoryLedger(fixedLimits(10, 0), WithAlert(func(acct Account) {
		mu.Lock()
		alerts = append(alerts, acct)
		mu.Unlock()
	}, 0.8))
	defer l.Close()

	reserve(t, l, "org-1", 5, false) // 50%, below threshold
	mu.Lock()
	assert.Empty(t, alerts)
	mu.Unlock()

	reserve(t, l, "org-1", 4, false) // 90%, crosses threshold
	res := reserve(t, l, "org-1", 0.5, false)
	require.NoError(t, l.Settle(context.Background(), res.Token, 0.5))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, "org-1", alerts[0].OrganizationID)
	assert.True(t, alerts[0].Alerted)
}

// TestLedger_ConcurrentReserves tests that parallel reservations never
// push committed spend past the budget.
func TestLedger_ConcurrentReserves(t *testing.T) {
	l := NewMemoryLedger(fixedLimits(10, 0))
	defer l.Close()

	const workers = 50
	var wg sync.WaitGroup
	granted := make(chan Reservation, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Reserve(context.Background(), ReserveRequest{
				OrganizationID: "org-1",
				RunID:          fmt.Sprintf("run-%d", i),
				Stage:          "topic_analysis",
				Estimate:       1,
				Period:         testPeriod,
			})
			if err == nil {
				granted <- res
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	assert.Equal(t, 10, count)

	acct := account(t, l, "org-1")
	assert.InDelta(t, 10, acct.CommittedCost, 1e-9)
}

// TestSQLiteLedger_SurvivesReopen tests that accounts and open
// reservations persist across ledger instances.
func TestSQLiteLedger_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := NewSQLiteLedger(path, fixedLimits(10, 5))
	require.NoError(t, err)

	res := reserve(t, l, "org-1", 2, true)
	require.NoError(t, l.Close())

	l2, err := NewSQLiteLedger(path, fixedLimits(10, 5))
	require.NoError(t, err)
	defer l2.Close()

	acct := account(t, l2, "org-1")
	assert.InDelta(t, 2, acct.CommittedCost, 1e-9)
	assert.Equal(t, 1, acct.ArticlesUsed)

	// The orphan hold from the previous process can still be released.
	released, err := l2.ReleaseRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	acct = account(t, l2, "org-1")
	assert.InDelta(t, 0, acct.CommittedCost, 1e-9)
	assert.Equal(t, 0, acct.ArticlesUsed)
}
