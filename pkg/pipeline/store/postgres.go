package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rankforge/pipeline/pkg/pipeline"
)

// postgresRunsSchema creates the runs table. Idempotent.
const postgresRunsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_org_status ON runs(organization_id, status);
`

// PostgresStore is a Postgres-backed run store for multi-instance
// deployments. The full run document lives in a JSONB column; indexed
// scalar columns exist only for filtering.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres run store on an existing pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresRunsSchema); err != nil {
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveRun implements Store.
func (s *PostgresStore) SaveRun(ctx context.Context, run *pipeline.Run) error {
	if run == nil {
		return pipeline.ErrNilRun
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("store: encode run: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, organization_id, status, started_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			data = EXCLUDED.data
	`, run.ID, run.OrganizationID, string(run.Status), run.StartedAt, run.UpdatedAt, data)
	if err != nil {
		return fmt.Errorf("store: save run: %w", err)
	}
	return nil
}

// GetRun implements Store.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM runs WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load run: %w", err)
	}
	return decodeRun(data)
}

// ListRuns implements Store.
func (s *PostgresStore) ListRuns(ctx context.Context, f Filter) ([]*pipeline.Run, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	args := make([]any, 0, 3)
	if f.OrganizationID != "" {
		args = append(args, f.OrganizationID)
		query += fmt.Sprintf(` AND organization_id = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	return s.queryRuns(ctx, query, args...)
}

// ListActive implements Store.
func (s *PostgresStore) ListActive(ctx context.Context) ([]*pipeline.Run, error) {
	return s.queryRuns(ctx, `
		SELECT data FROM runs
		WHERE status NOT IN ($1, $2, $3)
		ORDER BY started_at ASC
	`, string(pipeline.StatusCompleted), string(pipeline.StatusFailed), string(pipeline.StatusCancelled))
}

// PurgeTerminal implements Store.
func (s *PostgresStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM runs
		WHERE status IN ($1, $2, $3) AND updated_at < $4
	`, string(pipeline.StatusCompleted), string(pipeline.StatusFailed), string(pipeline.StatusCancelled), before)
	if err != nil {
		return 0, fmt.Errorf("store: purge runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) queryRuns(ctx context.Context, query string, args ...any) ([]*pipeline.Run, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	defer rows.Close()

	blobs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("store: collect runs: %w", err)
	}
	runs := make([]*pipeline.Run, 0, len(blobs))
	for _, data := range blobs {
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
