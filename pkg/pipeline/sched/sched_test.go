package sched

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/pipeline/pkg/pipeline"
	"github.com/rankforge/pipeline/pkg/pipeline/ledger"
	"github.com/rankforge/pipeline/pkg/pipeline/stageconf"
	"github.com/rankforge/pipeline/pkg/pipeline/store"
)

// stubInvoker succeeds every stage. When gate is non-nil, invocations
// block until the gate closes or the context dies.
type stubInvoker struct {
	gate chan struct{}

	mu    sync.Mutex
	calls int
}

func (s *stubInvoker) Invoke(ctx context.Context, stage string, _ json.RawMessage, _ stageconf.Config) pipeline.StageOutcome {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return pipeline.StageOutcome{
				StageName:    stage,
				AttemptCount: 1,
				Succeeded:    false,
				ErrorKind:    pipeline.ErrKindCancelled,
				ErrorMessage: ctx.Err().Error(),
			}
		}
	}
	return pipeline.StageOutcome{
		StageName:    stage,
		AttemptCount: 1,
		Succeeded:    true,
		Payload:      json.RawMessage(`{}`),
		CostIncurred: 0.01,
	}
}

func (s *stubInvoker) EstimateCost(string, json.RawMessage) float64 { return 0.01 }

func (s *stubInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func twoStages() []pipeline.StageDef {
	return []pipeline.StageDef{
		{Name: "topic_analysis"},
		{Name: "publish"},
	}
}

func newScheduler(t *testing.T, cfg Config, inv pipeline.StageInvoker) (*Scheduler, *store.MemoryStore, *ledger.MemoryLedger) {
	t.Helper()
	st := store.NewMemoryStore()
	costs := ledger.NewMemoryLedger(nil)
	s, err := New(cfg, twoStages(), st, pipeline.Deps{Invoker: inv, Ledger: costs})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, st, costs
}

func waitForStatus(t *testing.T, s *Scheduler, runID string, want pipeline.Status) *pipeline.Run {
	t.Helper()
	var run *pipeline.Run
	require.Eventually(t, func() bool {
		got, err := s.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = got
		return got.Status == want
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

// TestScheduler_SubmitRunsToCompletion tests the basic submit/execute
// path.
func TestScheduler_SubmitRunsToCompletion(t *testing.T) {
	inv := &stubInvoker{}
	s, st, _ := newScheduler(t, Config{}, inv)

	id, err := s.Submit(context.Background(), SubmitRequest{
		OrganizationID: "org-1",
		RequestedBy:    "user-1",
		Topic:          "running shoes",
		Input:          json.RawMessage(`{"topic":"running shoes"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	final := waitForStatus(t, s, id, pipeline.StatusCompleted)
	assert.InDelta(t, 0.02, final.TotalCost, 1e-9)
	assert.Equal(t, 2, inv.callCount())

	// The terminal state was persisted.
	stored, err := st.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, stored.Status)
}

// TestScheduler_RateLimitRejectsSubmission tests that a rejected
// submission creates no run at all.
func TestScheduler_RateLimitRejectsSubmission(t *testing.T) {
	inv := &stubInvoker{}
	s, st, _ := newScheduler(t, Config{SubmitRate: 0.001, SubmitBurst: 1}, inv)

	_, err := s.Submit(context.Background(), SubmitRequest{OrganizationID: "org-1", Topic: "a"})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), SubmitRequest{OrganizationID: "org-1", Topic: "b"})
	require.ErrorIs(t, err, ErrRateLimited)

	// Another organization has its own bucket.
	_, err = s.Submit(context.Background(), SubmitRequest{OrganizationID: "org-2", Topic: "c"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		runs, err := st.ListRuns(context.Background(), store.Filter{})
		return err == nil && len(runs) == 2
	}, 5*time.Second, 5*time.Millisecond)
}

// TestScheduler_PerOrgConcurrencyCap tests that excess runs queue as
// Pending until a slot frees up.
func TestScheduler_PerOrgConcurrencyCap(t *testing.T) {
	gate := make(chan struct{})
	inv := &stubInvoker{gate: gate}
	s, _, _ := newScheduler(t, Config{MaxConcurrentPerOrg: 1, SubmitBurst: 10}, inv)

	first, err := s.Submit(context.Background(), SubmitRequest{OrganizationID: "org-1", Topic: "a"})
	require.NoError(t, err)
	second, err := s.Submit(context.Background(), SubmitRequest{OrganizationID: "org-1", Topic: "b"})
	require.NoError(t, err)

	waitForStatus(t, s, first, pipeline.StatusRunning)

	// The second run is admitted but not executing.
	run, err := s.GetRun(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusPending, run.Status)
	assert.Equal(t, 2, s.ActiveCount())

	close(gate)
	waitForStatus(t, s, first, pipeline.StatusCompleted)
	waitForStatus(t, s, second, pipeline.StatusCompleted)
}

// TestScheduler_CancelActiveRun tests cooperative cancellation of an
// in-flight run.
func TestScheduler_CancelActiveRun(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	inv := &stubInvoker{gate: gate}
	s, st, costs := newScheduler(t, Config{}, inv)

	id, err := s.Submit(context.Background(), SubmitRequest{OrganizationID: "org-1", Topic: "a"})
	require.NoError(t, err)
	waitForStatus(t, s, id, pipeline.StatusRunning)

	require.NoError(t, s.Cancel(context.Background(), id))
	final := waitForStatus(t, s, id, pipeline.StatusCancelled)
	require.NotNil(t, final.Error)
	assert.Equal(t, pipeline.ErrKindCancelled, final.Error.Kind)

	stored, err := st.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, stored.Status)

	// The in-flight stage's hold was returned.
	acct, err := costs.Account(context.Background(), "org-1", ledger.CurrentPeriod())
	require.NoError(t, err)
	assert.InDelta(t, 0, acct.CommittedCost, 1e-9)
}

// TestScheduler_CancelMissingAndTerminal tests cancel error cases.
func TestScheduler_CancelMissingAndTerminal(t *testing.T) {
	inv := &stubInvoker{}
	s, st, _ := newScheduler(t, Config{}, inv)
	ctx := context.Background()

	assert.ErrorIs(t, s.Cancel(ctx, "unknown"), ErrRunNotFound)

	done := &pipeline.Run{
		ID:             "done-run",
		OrganizationID: "org-1",
		Status:         pipeline.StatusCompleted,
		StageSequence:  []string{"topic_analysis", "publish"},
		StartedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.SaveRun(ctx, done))
	assert.ErrorIs(t, s.Cancel(ctx, "done-run"), ErrRunTerminal)
}

// TestScheduler_CancelOrphanRun tests cancelling a stored run no process
// is executing: it is closed out directly and its holds released.
func TestScheduler_CancelOrphanRun(t *testing.T) {
	inv := &stubInvoker{}
	s, st, costs := newScheduler(t, Config{}, inv)
	ctx := context.Background()

	orphan := &pipeline.Run{
		ID:             "orphan-run",
		OrganizationID: "org-1",
		Status:         pipeline.StatusRunning,
		StageSequence:  []string{"topic_analysis", "publish"},
		StartedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.SaveRun(ctx, orphan))
	_, err := costs.Reserve(ctx, ledger.ReserveRequest{
		OrganizationID: "org-1",
		RunID:          "orphan-run",
		Stage:          "topic_analysis",
		Estimate:       0.5,
	})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, "orphan-run"))

	stored, err := st.GetRun(ctx, "orphan-run")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, stored.Status)

	acct, err := costs.Account(ctx, "org-1", ledger.CurrentPeriod())
	require.NoError(t, err)
	assert.InDelta(t, 0, acct.CommittedCost, 1e-9)
}

// TestScheduler_RecoverResumesFreshRuns tests that an interrupted run
// inside the grace window is resumed and finishes.
func TestScheduler_RecoverResumesFreshRuns(t *testing.T) {
	inv := &stubInvoker{}
	s, st, costs := newScheduler(t, Config{ResumeGrace: time.Hour}, inv)
	ctx := context.Background()

	interrupted := &pipeline.Run{
		ID:             "run-interrupted",
		OrganizationID: "org-1",
		Status:         pipeline.StatusRunning,
		StageSequence:  []string{"topic_analysis", "publish"},
		StageResults: []pipeline.StageOutcome{{
			StageName:    "topic_analysis",
			AttemptCount: 1,
			Succeeded:    true,
			Payload:      json.RawMessage(`{"keywords":[]}`),
			CostIncurred: 0.01,
		}},
		StartedAt: time.Now().UTC().Add(-time.Minute),
		UpdatedAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, st.SaveRun(ctx, interrupted))

	// Orphan hold left behind by the dead process.
	_, err := costs.Reserve(ctx, ledger.ReserveRequest{
		OrganizationID: "org-1",
		RunID:          "run-interrupted",
		Stage:          "publish",
		Estimate:       0.3,
	})
	require.NoError(t, err)

	resumed, failed, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, 0, failed)

	final := waitForStatus(t, s, "run-interrupted", pipeline.StatusCompleted)
	require.Len(t, final.StageResults, 2)

	// Only the remaining stage was re-invoked.
	assert.Equal(t, 1, inv.callCount())

	acct, err := costs.Account(ctx, "org-1", ledger.CurrentPeriod())
	require.NoError(t, err)
	assert.InDelta(t, 0, acct.CommittedCost, 1e-9)
}

// TestScheduler_RecoverFailsStaleRuns tests that runs past the grace
// window are failed as interrupted instead of resumed.
func TestScheduler_RecoverFailsStaleRuns(t *testing.T) {
	inv := &stubInvoker{}
	s, st, _ := newScheduler(t, Config{ResumeGrace: time.Minute}, inv)
	ctx := context.Background()

	stale := &pipeline.Run{
		ID:             "run-stale",
		OrganizationID: "org-1",
		Status:         pipeline.StatusRunning,
		StageSequence:  []string{"topic_analysis", "publish"},
		StartedAt:      time.Now().UTC().Add(-2 * time.Hour),
		UpdatedAt:      time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, st.SaveRun(ctx, stale))

	resumed, failed, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, inv.callCount())

	stored, err := st.GetRun(ctx, "run-stale")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, pipeline.ErrKindInterrupted, stored.Error.Kind)
}

// TestScheduler_ShutdownCancelsActiveRuns tests that shutdown rejects
// new work and drives in-flight runs to a persisted terminal state.
func TestScheduler_ShutdownCancelsActiveRuns(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	inv := &stubInvoker{gate: gate}

	st := store.NewMemoryStore()
	costs := ledger.NewMemoryLedger(nil)
	s, err := New(Config{}, twoStages(), st, pipeline.Deps{Invoker: inv, Ledger: costs})
	require.NoError(t, err)

	id, err := s.Submit(context.Background(), SubmitRequest{OrganizationID: "org-1", Topic: "a"})
	require.NoError(t, err)
	waitForStatus(t, s, id, pipeline.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err = s.Submit(context.Background(), SubmitRequest{OrganizationID: "org-1", Topic: "b"})
	assert.ErrorIs(t, err, ErrSchedulerClosed)

	stored, err := st.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, stored.Status)
}

// TestLimiter_BurstAndRefill tests token bucket exhaustion and refill.
func TestLimiter_BurstAndRefill(t *testing.T) {
	l := NewLimiter(100, 3)
	defer l.Close()

	assert.True(t, l.Allow("org-1"))
	assert.True(t, l.Allow("org-1"))
	assert.True(t, l.Allow("org-1"))
	assert.False(t, l.Allow("org-1"))

	// Independent bucket per organization.
	assert.True(t, l.Allow("org-2"))

	// 100 tokens/s refills well within 50ms.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, l.Allow("org-1"))
}
