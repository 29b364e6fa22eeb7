package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteLedger persists budget accounts and reservations to SQLite.
// It is suitable for single-process production use. All mutating
// operations run in a transaction under a store-level write lock, so
// reserve/settle/release are serialized per database.
type SQLiteLedger struct {
	db             *sql.DB
	limits         LimitsFunc
	alertFn        AlertFunc
	alertThreshold float64

	mu     sync.Mutex
	closed bool
}

// SQLiteOption configures a SQLiteLedger.
type SQLiteOption func(*SQLiteLedger)

// WithSQLiteAlert sets the alert callback and threshold fraction.
func WithSQLiteAlert(fn AlertFunc, threshold float64) SQLiteOption {
	return func(l *SQLiteLedger) {
		l.alertFn = fn
		if threshold > 0 {
			l.alertThreshold = threshold
		}
	}
}

// NewSQLiteLedger creates a SQLite-backed ledger. The path should be a
// file path (e.g. "./budget.db") or ":memory:" for testing.
func NewSQLiteLedger(path string, limits LimitsFunc, opts ...SQLiteOption) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS budget_accounts (
			organization_id TEXT NOT NULL,
			period TEXT NOT NULL,
			monthly_budget REAL NOT NULL,
			committed_cost REAL NOT NULL DEFAULT 0,
			spent_cost REAL NOT NULL DEFAULT 0,
			articles_used INTEGER NOT NULL DEFAULT 0,
			articles_limit INTEGER NOT NULL DEFAULT 0,
			over_budget INTEGER NOT NULL DEFAULT 0,
			alerted INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (organization_id, period)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create accounts table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reservations (
			token TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			period TEXT NOT NULL,
			run_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			amount REAL NOT NULL,
			article INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'open'
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create reservations table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_reservations_run_id
		ON reservations(run_id)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	l := &SQLiteLedger{
		db:             db,
		limits:         limits,
		alertThreshold: DefaultAlertThreshold,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// loadAccountTx reads the account row, creating it lazily.
func (l *SQLiteLedger) loadAccountTx(ctx context.Context, tx *sql.Tx, orgID, period string) (Account, error) {
	var acct Account
	err := tx.QueryRowContext(ctx, `
		SELECT organization_id, period, monthly_budget, committed_cost, spent_cost,
		       articles_used, articles_limit, over_budget, alerted
		FROM budget_accounts
		WHERE organization_id = ? AND period = ?
	`, orgID, period).Scan(
		&acct.OrganizationID, &acct.Period, &acct.MonthlyBudget,
		&acct.CommittedCost, &acct.SpentCost,
		&acct.ArticlesUsed, &acct.ArticlesLimit, &acct.OverBudget, &acct.Alerted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		var lim Limits
		if l.limits != nil {
			lim = l.limits(orgID)
		}
		acct = Account{
			OrganizationID: orgID,
			Period:         period,
			MonthlyBudget:  lim.MonthlyBudget,
			ArticlesLimit:  lim.ArticlesLimit,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO budget_accounts (organization_id, period, monthly_budget, articles_limit)
			VALUES (?, ?, ?, ?)
		`, orgID, period, acct.MonthlyBudget, acct.ArticlesLimit)
		if err != nil {
			return Account{}, fmt.Errorf("create account: %w", err)
		}
		return acct, nil
	}
	if err != nil {
		return Account{}, fmt.Errorf("load account: %w", err)
	}
	return acct, nil
}

// saveAccountTx writes the mutated account row back.
func (l *SQLiteLedger) saveAccountTx(ctx context.Context, tx *sql.Tx, acct Account) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE budget_accounts
		SET committed_cost = ?, spent_cost = ?, articles_used = ?, over_budget = ?, alerted = ?
		WHERE organization_id = ? AND period = ?
	`, acct.CommittedCost, acct.SpentCost, acct.ArticlesUsed, acct.OverBudget, acct.Alerted,
		acct.OrganizationID, acct.Period)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// Reserve implements Ledger.
func (l *SQLiteLedger) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	period := req.Period
	if period == "" {
		period = CurrentPeriod()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Reservation{}, sql.ErrConnDone
	}

	var res Reservation
	var alert *Account
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := l.loadAccountTx(ctx, tx, req.OrganizationID, period)
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
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (token, organization_id, period, run_id, stage, amount, article)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, res.Token, res.OrganizationID, res.Period, res.RunID, res.Stage, res.Amount, res.Article); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		alert = l.checkAlert(&acct)
		return l.saveAccountTx(ctx, tx, acct)
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
func (l *SQLiteLedger) Settle(ctx context.Context, token string, actual float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return sql.ErrConnDone
	}

	var alert *Account
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		res, state, err := l.loadReservationTx(ctx, tx, token)
		if err != nil {
			return err
		}
		if state != "open" {
			return ErrReservationClosed
		}
		acct, err := l.loadAccountTx(ctx, tx, res.OrganizationID, res.Period)
		if err != nil {
			return err
		}

		acct.CommittedCost -= res.Amount
		acct.SpentCost += actual
		if acct.MonthlyBudget > 0 && acct.SpentCost+acct.CommittedCost > acct.MonthlyBudget {
			acct.OverBudget = true
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE reservations SET state = 'settled' WHERE token = ?`, token); err != nil {
			return fmt.Errorf("settle reservation: %w", err)
		}

		alert = l.checkAlert(&acct)
		return l.saveAccountTx(ctx, tx, acct)
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
func (l *SQLiteLedger) Release(ctx context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return sql.ErrConnDone
	}

	return l.inTx(ctx, func(tx *sql.Tx) error {
		res, state, err := l.loadReservationTx(ctx, tx, token)
		if err != nil {
			return err
		}
		if state != "open" {
			return ErrReservationClosed
		}
		return l.releaseTx(ctx, tx, res)
	})
}

// ReleaseRun implements Ledger.
func (l *SQLiteLedger) ReleaseRun(ctx context.Context, runID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, sql.ErrConnDone
	}

	released := 0
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT token FROM reservations WHERE run_id = ? AND state = 'open'
		`, runID)
		if err != nil {
			return fmt.Errorf("list run reservations: %w", err)
		}
		var tokens []string
		for rows.Next() {
			var t string
			if err := rows.Scan(&t); err != nil {
				rows.Close()
				return fmt.Errorf("scan reservation: %w", err)
			}
			tokens = append(tokens, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate reservations: %w", err)
		}

		for _, t := range tokens {
			res, _, err := l.loadReservationTx(ctx, tx, t)
			if err != nil {
				return err
			}
			if err := l.releaseTx(ctx, tx, res); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	return released, err
}

// Account implements Ledger.
func (l *SQLiteLedger) Account(ctx context.Context, orgID, period string) (Account, error) {
	var acct Account
	err := l.db.QueryRowContext(ctx, `
		SELECT organization_id, period, monthly_budget, committed_cost, spent_cost,
		       articles_used, articles_limit, over_budget, alerted
		FROM budget_accounts
		WHERE organization_id = ? AND period = ?
	`, orgID, period).Scan(
		&acct.OrganizationID, &acct.Period, &acct.MonthlyBudget,
		&acct.CommittedCost, &acct.SpentCost,
		&acct.ArticlesUsed, &acct.ArticlesLimit, &acct.OverBudget, &acct.Alerted,
	)
	if errors.Is(err, sql.ErrNoRows) {
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
		return Account{}, fmt.Errorf("load account: %w", err)
	}
	return acct, nil
}

// Close implements Ledger.
func (l *SQLiteLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

// inTx runs fn inside a transaction, committing on nil error.
func (l *SQLiteLedger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// loadReservationTx reads a reservation and its state.
func (l *SQLiteLedger) loadReservationTx(ctx context.Context, tx *sql.Tx, token string) (Reservation, string, error) {
	var res Reservation
	var state string
	err := tx.QueryRowContext(ctx, `
		SELECT token, organization_id, period, run_id, stage, amount, article, state
		FROM reservations WHERE token = ?
	`, token).Scan(&res.Token, &res.OrganizationID, &res.Period, &res.RunID,
		&res.Stage, &res.Amount, &res.Article, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, "", ErrReservationNotFound
	}
	if err != nil {
		return Reservation{}, "", fmt.Errorf("load reservation: %w", err)
	}
	return res, state, nil
}

// releaseTx returns an open reservation's hold.
func (l *SQLiteLedger) releaseTx(ctx context.Context, tx *sql.Tx, res Reservation) error {
	acct, err := l.loadAccountTx(ctx, tx, res.OrganizationID, res.Period)
	if err != nil {
		return err
	}
	acct.CommittedCost -= res.Amount
	if res.Article {
		acct.ArticlesUsed--
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET state = 'released' WHERE token = ?`, res.Token); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return l.saveAccountTx(ctx, tx, acct)
}

// checkAlert marks the account alerted and returns a snapshot for the
// callback when the threshold is crossed.
func (l *SQLiteLedger) checkAlert(acct *Account) *Account {
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
