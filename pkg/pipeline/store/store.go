// Package store provides persistent run storage for crash recovery and
// run history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rankforge/pipeline/pkg/pipeline"
)

// Store persists pipeline runs. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveRun writes the full run record, overwriting any previous
	// version. Runs are saved after every state transition so that a
	// restart can recover mid-flight work.
	SaveRun(ctx context.Context, run *pipeline.Run) error

	// GetRun retrieves a run by ID.
	// Returns ErrNotFound if the run doesn't exist.
	GetRun(ctx context.Context, runID string) (*pipeline.Run, error)

	// ListRuns returns runs matching the filter, newest first.
	// Returns empty slice (not error) when nothing matches.
	ListRuns(ctx context.Context, f Filter) ([]*pipeline.Run, error)

	// ListActive returns all runs whose status is not terminal. Used at
	// startup to find work interrupted by a crash.
	ListActive(ctx context.Context) ([]*pipeline.Run, error)

	// PurgeTerminal deletes terminal runs last updated before the cutoff
	// and reports how many were removed.
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Filter narrows ListRuns results. Zero-value fields are ignored.
type Filter struct {
	OrganizationID string
	Status         pipeline.Status
	Limit          int
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a run doesn't exist.
	ErrNotFound = errors.New("run not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("run store closed")
)

// defaultListLimit bounds unfiltered listings.
const defaultListLimit = 100
