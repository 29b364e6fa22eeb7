// Package sched admits, executes, and recovers pipeline runs.
//
// The scheduler enforces two per-organization admission controls: a
// token-bucket submission rate limit (rejected submissions never create
// a run) and a concurrency cap (excess runs queue FIFO on a weighted
// semaphore). Admitted runs execute on their own goroutine under a
// wall-clock timeout.
package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/rankforge/pipeline/pkg/pipeline"
	"github.com/rankforge/pipeline/pkg/pipeline/store"
)

// Sentinel errors for scheduling.
var (
	// ErrRateLimited indicates the organization exceeded its submission
	// rate. The run was never created.
	ErrRateLimited = errors.New("submission rate limit exceeded")

	// ErrSchedulerClosed indicates Submit was called after Shutdown.
	ErrSchedulerClosed = errors.New("scheduler closed")

	// ErrRunNotFound indicates the run is neither active nor stored.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunTerminal indicates a cancel request for an already finished
	// run.
	ErrRunTerminal = errors.New("run already terminal")
)

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	// MaxConcurrentPerOrg caps simultaneously executing runs per
	// organization. Default 3.
	MaxConcurrentPerOrg int64

	// SubmitRate is the sustained submissions per second per
	// organization. Default 1.
	SubmitRate float64

	// SubmitBurst is the submission burst size. Default 5.
	SubmitBurst int

	// RunTimeout bounds a run's wall-clock execution, queueing excluded.
	// Default 30 minutes.
	RunTimeout time.Duration

	// ResumeGrace is how stale an interrupted run may be and still be
	// resumed by Recover. Older runs are failed as interrupted.
	// Default 1 hour.
	ResumeGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentPerOrg <= 0 {
		c.MaxConcurrentPerOrg = 3
	}
	if c.SubmitRate <= 0 {
		c.SubmitRate = 1
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 5
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.ResumeGrace <= 0 {
		c.ResumeGrace = time.Hour
	}
	return c
}

// SubmitRequest describes a new run.
type SubmitRequest struct {
	OrganizationID string
	RequestedBy    string
	Topic          string
	Input          json.RawMessage
}

// activeRun tracks one executing run.
type activeRun struct {
	machine *pipeline.Machine
	cancel  context.CancelFunc
}

// Scheduler owns run admission and execution.
type Scheduler struct {
	cfg     Config
	stages  []pipeline.StageDef
	deps    pipeline.Deps
	store   store.Store
	limiter *Limiter
	logger  *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	sems   map[string]*semaphore.Weighted
	active map[string]*activeRun
	closed bool
}

// New creates a scheduler. The store is used both as the machine's run
// store and for status lookups and recovery; deps.Store is overwritten
// with it.
func New(cfg Config, stages []pipeline.StageDef, st store.Store, deps pipeline.Deps) (*Scheduler, error) {
	if st == nil {
		return nil, errors.New("sched: store is required")
	}
	if err := pipeline.ValidateSequence(stages); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	deps.Store = st

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		stages:     stages,
		deps:       deps,
		store:      st,
		limiter:    NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		logger:     deps.Logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		sems:       make(map[string]*semaphore.Weighted),
		active:     make(map[string]*activeRun),
	}, nil
}

// Submit admits a new run and starts executing it asynchronously.
// Returns the run ID. A rate-limited submission returns ErrRateLimited
// and leaves no trace.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.OrganizationID == "" {
		return "", errors.New("sched: organization_id is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSchedulerClosed
	}
	s.mu.Unlock()

	if !s.limiter.Allow(req.OrganizationID) {
		return "", fmt.Errorf("%w: organization %s", ErrRateLimited, req.OrganizationID)
	}

	now := time.Now().UTC()
	run := &pipeline.Run{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		RequestedBy:    req.RequestedBy,
		Topic:          req.Topic,
		Input:          req.Input,
		Status:         pipeline.StatusPending,
		StageSequence:  pipeline.StageNames(s.stages),
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveRun(ctx, run); err != nil {
		return "", fmt.Errorf("sched: persist run: %w", err)
	}

	if err := s.launch(run); err != nil {
		return "", err
	}
	return run.ID, nil
}

// launch builds the machine and starts the run goroutine.
func (s *Scheduler) launch(run *pipeline.Run) error {
	m, err := pipeline.NewMachine(run, s.stages, s.deps)
	if err != nil {
		return fmt.Errorf("sched: build machine: %w", err)
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrSchedulerClosed
	}
	s.active[run.ID] = &activeRun{machine: m, cancel: cancel}
	sem := s.sems[run.OrganizationID]
	if sem == nil {
		sem = semaphore.NewWeighted(s.cfg.MaxConcurrentPerOrg)
		s.sems[run.OrganizationID] = sem
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(runCtx, cancel, run.ID, m, sem)
	return nil
}

// execute waits for an organization slot, runs the machine under the
// wall-clock timeout, and cleans up.
func (s *Scheduler) execute(runCtx context.Context, cancel context.CancelFunc, runID string, m *pipeline.Machine, sem *semaphore.Weighted) {
	defer s.wg.Done()
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.active, runID)
		s.mu.Unlock()
	}()

	// Queued runs stay Pending. Cancellation while queued is honored
	// here: the semaphore wait aborts and the machine marks the run
	// cancelled without invoking any stage.
	if err := sem.Acquire(runCtx, 1); err == nil {
		defer sem.Release(1)
	}

	execCtx, timeoutCancel := context.WithTimeout(runCtx, s.cfg.RunTimeout)
	defer timeoutCancel()

	if _, err := m.Run(execCtx); err != nil {
		var rerr *pipeline.RunError
		if !errors.As(err, &rerr) && s.logger != nil {
			s.logger.Error("run finished abnormally",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Cancel stops a run. Active runs are cancelled cooperatively; the
// machine finishes the transition to Cancelled itself.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		ar.cancel()
		return nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRunNotFound
	}
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}
	// Stored but not active: an orphan from a previous process. Close it
	// out directly and return its budget holds.
	now := time.Now().UTC()
	run.Status = pipeline.StatusCancelled
	run.Error = &pipeline.RunError{Kind: pipeline.ErrKindCancelled, Message: "cancelled while not scheduled"}
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := s.store.SaveRun(ctx, run); err != nil {
		return err
	}
	if s.deps.Ledger != nil {
		if _, err := s.deps.Ledger.ReleaseRun(ctx, runID); err != nil && s.logger != nil {
			s.logger.Warn("release reservations failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// GetRun returns the freshest view of a run: the live snapshot for
// active runs, the stored record otherwise.
func (s *Scheduler) GetRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		return ar.machine.Snapshot(), nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// Recover scans the store for runs interrupted by a previous process
// and either resumes them or fails them as interrupted, depending on
// how stale they are. Orphaned budget holds are released first so the
// resumed stages can reserve again. Returns (resumed, failed) counts.
func (s *Scheduler) Recover(ctx context.Context) (int, int, error) {
	runs, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sched: list active runs: %w", err)
	}

	resumed, failed := 0, 0
	cutoff := time.Now().UTC().Add(-s.cfg.ResumeGrace)
	for _, run := range runs {
		if s.isActive(run.ID) {
			continue
		}
		if s.deps.Ledger != nil {
			if _, err := s.deps.Ledger.ReleaseRun(ctx, run.ID); err != nil && s.logger != nil {
				s.logger.Warn("release reservations failed",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		if run.UpdatedAt.Before(cutoff) {
			now := time.Now().UTC()
			run.Status = pipeline.StatusFailed
			run.Error = &pipeline.RunError{
				Kind:    pipeline.ErrKindInterrupted,
				Message: "interrupted by process restart and past the resume grace window",
			}
			run.CompletedAt = &now
			run.UpdatedAt = now
			if err := s.store.SaveRun(ctx, run); err != nil {
				return resumed, failed, fmt.Errorf("sched: fail interrupted run: %w", err)
			}
			failed++
			continue
		}

		if err := s.launch(run); err != nil {
			if s.logger != nil {
				s.logger.Error("resume failed",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		resumed++
	}

	if s.logger != nil && (resumed > 0 || failed > 0) {
		s.logger.Info("recovery finished",
			slog.Int("resumed", resumed),
			slog.Int("failed", failed),
		)
	}
	return resumed, failed, nil
}

func (s *Scheduler) isActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

// ActiveCount returns the number of runs currently executing or queued.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown stops accepting submissions, cancels every active run, and
// waits for them to settle their reservations and persist their final
// state, up to the context deadline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.baseCancel()
	s.limiter.Close()

	donech := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(donech)
	}()
	select {
	case <-donech:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
