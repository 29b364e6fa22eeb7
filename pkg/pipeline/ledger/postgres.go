package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema creates the ledger tables. Idempotent.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS budget_accounts (
	organization_id TEXT NOT NULL,
	period TEXT NOT NULL,
	monthly_budget DOUBLE PRECISION NOT NULL,
	committed_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	spent_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	articles_used INTEGER NOT NULL DEFAULT 0,
	articles_limit INTEGER NOT NULL DEFAULT 0,
	over_budget BOOLEAN NOT NULL DEFAULT FALSE,
	alerted BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (organization_id, period)
);
CREATE TABLE IF NOT EXISTS reservations (
	token UUID PRIMARY KEY,
	organization_id TEXT NOT NULL,
	period TEXT NOT NULL,
	run_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	amount DOUBLE PRECISION NOT NULL,
	article BOOLEAN NOT NULL DEFAULT FALSE,
	state TEXT NOT NULL DEFAULT 'open'
);
CREATE INDEX IF NOT EXISTS idx_reservations_run_id ON reservations(run_id);
`

// PostgresLedger is a Postgres-backed Ledger for multi-instance
// deployments. Atomicity comes from row-level locks: every mutating
// operation locks the account row with SELECT ... FOR UPDATE inside a
// transaction, so concurrent reservations on the same account serialize
// at the database.
type PostgresLedger struct {
	pool           *pgxpool.Pool
	limits         LimitsFunc
	alertFn        AlertFunc
	alertThreshold float64
}

// PostgresOption configures a PostgresLedger.
type PostgresOption func(*PostgresLedger)

// WithPostgresAlert sets the alert callback and threshold fraction.
func WithPostgresAlert(fn AlertFunc, threshold float64) PostgresOption {
	return func(l *PostgresLedger) {
		l.alertFn = fn
		if threshold > 0 {
			l.alertThreshold = threshold
		}
	}
}

// NewPostgresLedger creates a Postgres-backed ledger on an existing pool
// and ensures the schema exists.
func NewPostgresLedger(ctx context.Context, pool *pgxpool.Pool, limits LimitsFunc, opts ...PostgresOption) (*PostgresLedger, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	l := &PostgresLedger{
		pool:           pool,
		limits:         limits,
		alertThreshold: DefaultAlertThreshold,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// isRetriable returns true for Postgres error codes that indicate a
// transient conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// withRetry executes fn, retrying on serialization or deadlock errors
// with jittered exponential backoff.
func withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	baseDelay := 10 * time.Millisecond

	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}

// lockAccount reads the account row FOR UPDATE, creating it lazily.
// After inserting it loops back to lock the row: two transactions can
// race to create the period's account, and the loser of the ON CONFLICT
// must still read the winner's committed state under the row lock
// rather than proceed with a zero-state account.
func (l *PostgresLedger) lockAccount(ctx context.Context, tx pgx.Tx, orgID, period string) (Account, error) {
	for {
		var acct Account
		err := tx.QueryRow(ctx, `
			SELECT organization_id, period, monthly_budget, committed_cost, spent_cost,
			       articles_used, articles_limit, over_budget, alerted
			FROM budget_accounts
			WHERE organization_id = $1 AND period = $2
			FOR UPDATE
		`, orgID, period).Scan(
			&acct.OrganizationID, &acct.Period, &acct.MonthlyBudget,
			&acct.CommittedCost, &acct.SpentCost,
			&acct.ArticlesUsed, &acct.ArticlesLimit, &acct.OverBudget, &acct.Alerted,
		)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("ledger: lock account: %w", err)
		}
		var lim Limits
		if l.limits != nil {
			lim = l.limits(orgID)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO budget_accounts (organization_id, period, monthly_budget, articles_limit)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (organization_id, period) DO NOTHING
		`, orgID, period, lim.MonthlyBudget, lim.ArticlesLimit); err != nil {
			return Account{}, fmt.Errorf("ledger: create account: %w", err)
		}
	}
}

// saveAccount writes the mutated account row back.
func (l *PostgresLedger) saveAccount(ctx context.Context, tx pgx.Tx, acct Account) error {
	_, err := tx.Exec(ctx, `
		UPDATE budget_accounts
		SET committed_cost = $1, spent_cost = $2, articles_used = $3, over_budget = $4, alerted = $5
		WHERE organization_id = $6 AND period = $7
	`, acct.CommittedCost, acct.SpentCost, acct.ArticlesUsed, acct.OverBudget, acct.Alerted,
		acct.OrganizationID, acct.Period)
	if err != nil {
		return fmt.Errorf("ledger: save account: %w", err)
	}
	return nil
}

// Reserve implements Ledger.
func (l *PostgresLedger) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	period := req.Period
	if period == "" {
		period = CurrentPeriod()
	}

	var res Reservation
	var alert *Account
	err := withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
			acct, err := l.lockAccount(ctx, tx, req.OrganizationID, period)
			if err != nil {
				return err
			}
			if req.NewArticle && acct.ArticlesLimit > 0 && acct.ArticlesUsed >= acct.ArticlesLimit {
				return fmt.Errorf("%w: %d/%d articles this period",
					ErrArticleLimitExceeded, acct.ArticlesUsed, acct.ArticlesLimit)
			}
			if acct.MonthlyBudget > 0 && acct.SpentCost+acct.CommittedCost+req.Estimate > acct.MonthlyBudget {
				return fmt.Errorf("%w: %.2f committed+spent of %.2f, requested %.2f",
					ErrBudgetExceeded, acct.Used(), acct.MonthlyBudget, req.Estimate)
			}

			res = Reservation{
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
			if _, err := tx.Exec(ctx, `
				INSERT INTO reservations (token, organization_id, period, run_id, stage, amount, article)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, res.Token, res.OrganizationID, res.Period, res.RunID, res.Stage, res.Amount, res.Article); err != nil {
				return fmt.Errorf("ledger: insert reservation: %w", err)
			}

			alert = l.checkAlert(&acct)
			return l.saveAccount(ctx, tx, acct)
		})
	})
	if err != nil {
		return Reservation{}, err
	}
	if alert != nil {
		l.alertFn(*alert)
	}
	return res, nil
}

// Settle implements Ledger.
func (l *PostgresLedger) Settle(ctx context.Context, token string, actual float64) error {
	var alert *Account
	err := withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
			res, state, err := l.lockReservation(ctx, tx, token)
			if err != nil {
				return err
			}
			if state != "open" {
				return ErrReservationClosed
			}
			acct, err := l.lockAccount(ctx, tx, res.OrganizationID, res.Period)
			if err != nil {
				return err
			}

			acct.CommittedCost -= res.Amount
			acct.SpentCost += actual
			if acct.MonthlyBudget > 0 && acct.SpentCost+acct.CommittedCost > acct.MonthlyBudget {
				acct.OverBudget = true
			}
			if _, err := tx.Exec(ctx,
				`UPDATE reservations SET state = 'settled' WHERE token = $1`, token); err != nil {
				return fmt.Errorf("ledger: settle reservation: %w", err)
			}

			alert = l.checkAlert(&acct)
			return l.saveAccount(ctx, tx, acct)
		})
	})
	if err != nil {
		return err
	}
	if alert != nil {
		l.alertFn(*alert)
	}
	return nil
}

// Release implements Ledger.
func (l *PostgresLedger) Release(ctx context.Context, token string) error {
	return withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
			res, state, err := l.lockReservation(ctx, tx, token)
			if err != nil {
				return err
			}
			if state != "open" {
				return ErrReservationClosed
			}
			return l.releaseInTx(ctx, tx, res)
		})
	})
}

// ReleaseRun implements Ledger.
func (l *PostgresLedger) ReleaseRun(ctx context.Context, runID string) (int, error) {
	released := 0
	err := withRetry(ctx, func() error {
		released = 0
		return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
				SELECT token FROM reservations
				WHERE run_id = $1 AND state = 'open'
				FOR UPDATE
			`, runID)
			if err != nil {
				return fmt.Errorf("ledger: list run reservations: %w", err)
			}
			tokens, err := pgx.CollectRows(rows, pgx.RowTo[string])
			if err != nil {
				return fmt.Errorf("ledger: collect reservations: %w", err)
			}

			for _, t := range tokens {
				res, _, err := l.lockReservation(ctx, tx, t)
				if err != nil {
					return err
				}
				if err := l.releaseInTx(ctx, tx, res); err != nil {
					return err
				}
				released++
			}
			return nil
		})
	})
	return released, err
}

// Account implements Ledger.
func (l *PostgresLedger) Account(ctx context.Context, orgID, period string) (Account, error) {
	var acct Account
	err := l.pool.QueryRow(ctx, `
		SELECT organization_id, period, monthly_budget, committed_cost, spent_cost,
		       articles_used, articles_limit, over_budget, alerted
		FROM budget_accounts
		WHERE organization_id = $1 AND period = $2
	`, orgID, period).Scan(
		&acct.OrganizationID, &acct.Period, &acct.MonthlyBudget,
		&acct.CommittedCost, &acct.SpentCost,
		&acct.ArticlesUsed, &acct.ArticlesLimit, &acct.OverBudget, &acct.Alerted,
	)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if err != nil {
		return Account{}, fmt.Errorf("ledger: load account: %w", err)
	}
	return acct, nil
}

// Close implements Ledger. The pool is owned by the caller.
func (l *PostgresLedger) Close() error { return nil }

// lockReservation reads a reservation row FOR UPDATE.
func (l *PostgresLedger) lockReservation(ctx context.Context, tx pgx.Tx, token string) (Reservation, string, error) {
	var res Reservation
	var state string
	err := tx.QueryRow(ctx, `
		SELECT token, organization_id, period, run_id, stage, amount, article, state
		FROM reservations WHERE token = $1
		FOR UPDATE
	`, token).Scan(&res.Token, &res.OrganizationID, &res.Period, &res.RunID,
		&res.Stage, &res.Amount, &res.Article, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, "", ErrReservationNotFound
	}
	if err != nil {
		return Reservation{}, "", fmt.Errorf("ledger: lock reservation: %w", err)
	}
	return res, state, nil
}

// releaseInTx returns an open reservation's hold.
func (l *PostgresLedger) releaseInTx(ctx context.Context, tx pgx.Tx, res Reservation) error {
	acct, err := l.lockAccount(ctx, tx, res.OrganizationID, res.Period)
	if err != nil {
		return err
	}
	acct.CommittedCost -= res.Amount
	if res.Article {
		acct.ArticlesUsed--
	}
	if _, err := tx.Exec(ctx,
		`UPDATE reservations SET state = 'released' WHERE token = $1`, res.Token); err != nil {
		return fmt.Errorf("ledger: release reservation: %w", err)
	}
	return l.saveAccount(ctx, tx, acct)
}

// checkAlert marks the account alerted and returns a snapshot for the
// callback when the threshold is crossed.
func (l *PostgresLedger) checkAlert(acct *Account) *Account {
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
