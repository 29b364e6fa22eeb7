package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rankforge/pipeline/pkg/pipeline/ledger"
	"github.com/rankforge/pipeline/pkg/pipeline/observability"
	"github.com/rankforge/pipeline/pkg/pipeline/progress"
)

// Deps wires the machine to its collaborators. Invoker and Ledger are
// required; everything else is optional and defaults to a no-op.
type Deps struct {
	// Invoker executes stages. Usually an *agent.Registry.
	Invoker StageInvoker

	// Ledger enforces the budget. Every stage takes a reservation
	// before invoking and settles or releases it after.
	Ledger ledger.Ledger

	// Store persists the run after every transition. Nil disables
	// persistence (tests, dry runs).
	Store RunStore

	// Progress receives an event for every transition. Nil disables
	// progress publication.
	Progress *progress.Publisher

	// Logger receives structured execution logs. Nil disables logging.
	Logger *slog.Logger

	// Metrics records stage and run metrics. Nil means no-op.
	Metrics observability.MetricsRecorder

	// Spans manages trace spans. Nil means no-op.
	Spans observability.SpanManager
}

// Machine drives one run through its stage sequence.
//
// A machine owns its run: all mutation happens on the goroutine that
// called Run, and concurrent observers use Snapshot. Run is not
// reentrant; a machine executes exactly once.
type Machine struct {
	deps   Deps
	stages []StageDef

	mu  sync.Mutex
	run *Run
}

// NewMachine builds a machine for a run. For a fresh run the stage
// sequence is taken from the definitions; for a resumed run the
// persisted sequence must match them.
func NewMachine(run *Run, stages []StageDef, deps Deps) (*Machine, error) {
	if run == nil {
		return nil, ErrNilRun
	}
	if deps.Invoker == nil {
		return nil, ErrNilInvoker
	}
	if deps.Ledger == nil {
		return nil, ErrNilLedger
	}
	if err := ValidateSequence(stages); err != nil {
		return nil, err
	}

	names := StageNames(stages)
	if len(run.StageSequence) == 0 {
		run.StageSequence = names
	} else if !equalNames(run.StageSequence, names) {
		return nil, ErrSequenceMismatch
	}

	if run.Status == "" {
		run.Status = StatusPending
	}
	if run.PerStageCost == nil {
		run.PerStageCost = make(map[string]float64)
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NoopMetrics{}
	}
	if deps.Spans == nil {
		deps.Spans = observability.NoopSpanManager{}
	}

	return &Machine{deps: deps, stages: stages, run: run}, nil
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of the run safe to read concurrently with
// execution.
func (m *Machine) Snapshot() *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run.Clone()
}

// Run executes the stage sequence to a terminal status. For a resumed
// run it continues from the first stage without a settled outcome,
// feeding it the last persisted payload.
//
// The returned run is a snapshot. The error is nil when the run
// completed; otherwise it is the *RunError explaining the failure or
// cancellation.
func (m *Machine) Run(ctx context.Context) (*Run, error) {
	m.mu.Lock()
	if m.run.Status.Terminal() {
		m.mu.Unlock()
		return m.run.Clone(), ErrRunTerminal
	}

	start := m.run.resumeIndex()
	payload := m.run.lastPayload(start)

	if m.run.StartedAt.IsZero() {
		m.run.StartedAt = time.Now().UTC()
	}
	m.run.Status = StatusRunning
	m.run.CurrentStage = start
	m.run.UpdatedAt = time.Now().UTC()
	runID, orgID := m.run.ID, m.run.OrganizationID
	m.mu.Unlock()

	m.persist(ctx)
	m.publish(progress.EventRunStarted, start, 0, "")

	observability.LogRunStart(m.deps.Logger, runID, orgID, len(m.stages))
	done := observability.TimedOperation()

	runCtx, runSpan := m.deps.Spans.StartRunSpan(ctx, runID, orgID)
	var runErr error
	defer func() {
		m.deps.Spans.EndSpanWithError(runSpan, runErr)
	}()

	for i := start; i < len(m.stages); i++ {
		// Cancellation is honored at stage boundaries: earlier stages
		// keep their settled costs, the current stage never starts.
		if err := runCtx.Err(); err != nil {
			runErr = m.cancelRun(ctx, i, err)
			return m.finish(ctx, done(), runErr)
		}

		next, err := m.runStage(runCtx, i, payload)
		if err != nil {
			runErr = err
			return m.finish(ctx, done(), runErr)
		}
		if next != nil {
			payload = next
		}
	}

	m.mu.Lock()
	now := time.Now().UTC()
	m.run.Status = StatusCompleted
	m.run.CompletedAt = &now
	m.run.UpdatedAt = now
	totalCost := m.run.TotalCost
	m.mu.Unlock()

	m.persist(ctx)
	m.publish(progress.EventRunCompleted, len(m.stages), totalCost, "")
	observability.LogRunComplete(m.deps.Logger, runID, done(), totalCost)
	m.deps.Metrics.RecordRun(ctx, string(StatusCompleted), time.Duration(done())*time.Millisecond, totalCost)
	return m.Snapshot(), nil
}

// runStage executes one stage: reserve, invoke (with a single
// machine-level retry for optional stages), then settle or release.
// Returns the payload for the next stage, or an error when the run
// reached a terminal failure.
func (m *Machine) runStage(ctx context.Context, index int, input json.RawMessage) (json.RawMessage, error) {
	def := m.stages[index]
	logger := observability.EnrichLogger(m.deps.Logger, m.runID(), m.orgID(), def.Name)

	m.mu.Lock()
	m.run.CurrentStage = index
	m.run.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	m.persist(ctx)
	m.publish(progress.EventStageStarted, index, 0, def.Name)

	estimate := m.deps.Invoker.EstimateCost(def.Name, input)

	// The stage-0 reservation claims the period's article slot. A run
	// that settled stage 0 never reserves for it again, and recovery
	// releases interrupted holds before resuming, so a resumed run that
	// never finished stage 0 must take the slot back here.
	newArticle := index == 0
	res, err := m.deps.Ledger.Reserve(ctx, ledger.ReserveRequest{
		OrganizationID: m.orgID(),
		RunID:          m.runID(),
		Stage:          def.Name,
		Estimate:       estimate,
		NewArticle:     newArticle,
	})
	if err != nil {
		kind := ErrKindPermanent
		switch {
		case errors.Is(err, ledger.ErrBudgetExceeded):
			kind = ErrKindBudgetExceeded
		case errors.Is(err, ledger.ErrArticleLimitExceeded):
			kind = ErrKindArticleLimit
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil, m.cancelRun(ctx, index, err)
		}
		observability.LogBudgetReject(m.deps.Logger, m.runID(), m.orgID(), def.Name, err)
		m.deps.Metrics.RecordBudgetReject(ctx, m.orgID(), string(kind))
		m.appendOutcome(StageOutcome{
			StageName:    def.Name,
			Succeeded:    false,
			ErrorKind:    kind,
			ErrorMessage: err.Error(),
			CompletedAt:  time.Now().UTC(),
		})
		return nil, m.failRun(ctx, index, &RunError{Stage: def.Name, Kind: kind, Message: err.Error()})
	}

	out := m.invoke(ctx, def, input, logger)

	// Optional stages get one more chance after adapter retries are
	// exhausted on a transient error, under the same reservation.
	if !out.Succeeded && out.ErrorKind == ErrKindTransient && def.Optional && ctx.Err() == nil {
		prior := out.AttemptCount
		m.appendOutcome(out)
		m.setStatus(ctx, StatusRetrying)
		m.publish(progress.EventStageRetrying, index, 0, def.Name)
		out = m.invoke(ctx, def, input, logger)
		out.AttemptCount += prior
		m.setStatus(ctx, StatusRunning)
	}

	if out.Succeeded {
		if err := m.deps.Ledger.Settle(ctx, res.Token, out.CostIncurred); err != nil {
			observability.LogPersistError(m.deps.Logger, m.runID(), err)
		}
		m.appendOutcome(out)
		m.addCost(def.Name, out.CostIncurred)
		m.persist(ctx)
		m.publish(progress.EventStageCompleted, index+1, m.totalCost(), def.Name)
		observability.LogStageComplete(logger, def.Name, float64(out.DurationMS), out.CostIncurred)
		return out.Payload, nil
	}

	// Failed invocation: the hold is returned unless partial cost was
	// actually incurred, which must still land on the account.
	if out.CostIncurred > 0 {
		if err := m.deps.Ledger.Settle(ctx, res.Token, out.CostIncurred); err != nil {
			observability.LogPersistError(m.deps.Logger, m.runID(), err)
		}
		m.addCost(def.Name, out.CostIncurred)
	} else if err := m.deps.Ledger.Release(ctx, res.Token); err != nil {
		observability.LogPersistError(m.deps.Logger, m.runID(), err)
	}

	if out.ErrorKind == ErrKindCancelled || ctx.Err() != nil {
		m.appendOutcome(out)
		return nil, m.cancelRun(ctx, index, errors.New(out.ErrorMessage))
	}

	if def.Optional && out.ErrorKind == ErrKindTransient {
		// Degrade: record the skip and hand the previous payload to the
		// next stage.
		out.ErrorKind = ErrKindDegraded
		m.appendOutcome(out)
		m.persist(ctx)
		m.publish(progress.EventStageDegraded, index+1, m.totalCost(), def.Name)
		observability.LogStageDegraded(logger, def.Name, out.AttemptCount)
		return nil, nil
	}

	m.appendOutcome(out)
	return nil, m.failRun(ctx, index, &RunError{
		Stage:   def.Name,
		Kind:    out.ErrorKind,
		Message: out.ErrorMessage,
	})
}

// invoke calls the stage adapter under a stage span and records metrics.
func (m *Machine) invoke(ctx context.Context, def StageDef, input json.RawMessage, logger *slog.Logger) StageOutcome {
	stageCtx, span := m.deps.Spans.StartStageSpan(ctx, def.Name)
	observability.LogStageStart(logger, def.Name, 1)
	started := time.Now()

	out := m.deps.Invoker.Invoke(stageCtx, def.Name, input, def.Config)
	if out.StageName == "" {
		out.StageName = def.Name
	}
	if out.CompletedAt.IsZero() {
		out.CompletedAt = time.Now().UTC()
	}

	duration := time.Since(started)
	var stageErr error
	if !out.Succeeded {
		stageErr = &RunError{Stage: def.Name, Kind: out.ErrorKind, Message: out.ErrorMessage}
		observability.LogStageError(logger, def.Name, string(out.ErrorKind), stageErr)
	}
	m.deps.Metrics.RecordStageExecution(stageCtx, def.Name, duration, out.CostIncurred, stageErr)
	m.deps.Spans.EndSpanWithError(span, stageErr)
	return out
}

// failRun moves the run to Failed and returns the run error.
func (m *Machine) failRun(ctx context.Context, index int, rerr *RunError) error {
	m.mu.Lock()
	now := time.Now().UTC()
	m.run.Status = StatusFailed
	m.run.Error = rerr
	m.run.CompletedAt = &now
	m.run.UpdatedAt = now
	m.mu.Unlock()

	m.persist(ctx)
	m.publish(progress.EventRunFailed, index, m.totalCost(), rerr.Stage)
	return rerr
}

// cancelRun moves the run to Cancelled.
func (m *Machine) cancelRun(ctx context.Context, index int, cause error) error {
	msg := "run cancelled"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	stage := ""
	if index < len(m.stages) {
		stage = m.stages[index].Name
	}
	rerr := &RunError{Stage: stage, Kind: ErrKindCancelled, Message: msg}

	m.mu.Lock()
	now := time.Now().UTC()
	m.run.Status = StatusCancelled
	m.run.Error = rerr
	m.run.CompletedAt = &now
	m.run.UpdatedAt = now
	m.mu.Unlock()

	m.persist(ctx)
	m.publish(progress.EventRunCancelled, index, m.totalCost(), stage)
	return rerr
}

// finish records terminal metrics and logs, then returns the snapshot.
func (m *Machine) finish(ctx context.Context, durationMs float64, runErr error) (*Run, error) {
	snap := m.Snapshot()
	m.deps.Metrics.RecordRun(ctx, string(snap.Status), time.Duration(durationMs)*time.Millisecond, snap.TotalCost)
	lastStage := ""
	if snap.CurrentStage < len(snap.StageSequence) {
		lastStage = snap.StageSequence[snap.CurrentStage]
	}
	observability.LogRunError(m.deps.Logger, snap.ID, runErr, durationMs, lastStage)
	return snap, runErr
}

// persist saves the run, detached from cancellation so terminal states
// land even when the run context is already dead. Save failures are
// logged, not fatal: the run keeps executing and the next transition
// retries.
func (m *Machine) persist(ctx context.Context) {
	if m.deps.Store == nil {
		return
	}
	snap := m.Snapshot()
	if err := m.deps.Store.SaveRun(context.WithoutCancel(ctx), snap); err != nil {
		observability.LogPersistError(m.deps.Logger, snap.ID, err)
	}
}

// publish emits a progress event for the current run state.
func (m *Machine) publish(t progress.EventType, stageIndex int, cost float64, stage string) {
	if m.deps.Progress == nil {
		return
	}
	m.mu.Lock()
	total := len(m.run.StageSequence)
	status := string(m.run.Status)
	runID := m.run.ID
	if cost == 0 {
		cost = m.run.TotalCost
	}
	var msg string
	if m.run.Error != nil {
		msg = m.run.Error.Message
	} else if t == progress.EventRunCompleted {
		var degraded []string
		for _, out := range m.run.StageResults {
			if out.ErrorKind == ErrKindDegraded {
				degraded = append(degraded, out.StageName)
			}
		}
		if len(degraded) > 0 {
			msg = "degraded stages: " + strings.Join(degraded, ", ")
		}
	}
	m.mu.Unlock()

	percent := 0.0
	if total > 0 {
		done := stageIndex
		if done > total {
			done = total
		}
		percent = float64(done) / float64(total) * 100
	}
	m.deps.Progress.Publish(progress.Event{
		RunID:       runID,
		Type:        t,
		Status:      status,
		Stage:       stage,
		StageIndex:  stageIndex,
		TotalStages: total,
		Percent:     percent,
		CostSoFar:   cost,
		Message:     msg,
	})
}

func (m *Machine) appendOutcome(out StageOutcome) {
	m.mu.Lock()
	m.run.StageResults = append(m.run.StageResults, out)
	m.run.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Machine) addCost(stage string, cost float64) {
	if cost <= 0 {
		return
	}
	m.mu.Lock()
	m.run.TotalCost += cost
	m.run.PerStageCost[stage] += cost
	m.mu.Unlock()
}

func (m *Machine) setStatus(ctx context.Context, s Status) {
	m.mu.Lock()
	m.run.Status = s
	m.run.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	m.persist(ctx)
}

func (m *Machine) runID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run.ID
}

func (m *Machine) orgID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run.OrganizationID
}

func (m *Machine) totalCost() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run.TotalCost
}
