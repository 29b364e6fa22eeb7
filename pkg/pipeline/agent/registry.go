package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rankforge/pipeline/pkg/pipeline"
	"github.com/rankforge/pipeline/pkg/pipeline/stageconf"
)

// BackoffConfig configures retry backoff between attempts.
type BackoffConfig struct {
	// Initial is the starting backoff duration.
	Initial time.Duration

	// Max is the maximum backoff duration.
	Max time.Duration

	// Factor is the multiplier applied after each attempt.
	Factor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64
}

// DefaultBackoff is the standard backoff configuration.
var DefaultBackoff = BackoffConfig{
	Initial: 1 * time.Second,
	Max:     30 * time.Second,
	Factor:  2.0,
	Jitter:  0.1,
}

// Registry holds the agent adapters and implements the uniform invoke
// contract the state machine depends on. Invoke never panics and never
// returns an error: all failure detail is carried in the StageOutcome.
type Registry struct {
	backoff BackoffConfig
	logger  *slog.Logger

	mu     sync.RWMutex
	agents map[string]Agent
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBackoff overrides the retry backoff configuration.
func WithBackoff(cfg BackoffConfig) RegistryOption {
	return func(r *Registry) { r.backoff = cfg }
}

// WithLogger sets the logger for attempt-level logging.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty agent registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		backoff: DefaultBackoff,
		agents:  make(map[string]Agent),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an agent. Registering two agents for the same stage is
// a wiring bug and returns an error.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name()]; exists {
		return fmt.Errorf("agent already registered for stage %q", a.Name())
	}
	r.agents[a.Name()] = a
	return nil
}

// Get returns the agent for a stage name.
func (r *Registry) Get(stage string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[stage]
	return a, ok
}

// EstimateCost implements pipeline.StageInvoker. Unknown stages estimate
// zero; Invoke reports the real failure.
func (r *Registry) EstimateCost(stage string, input json.RawMessage) float64 {
	a, ok := r.Get(stage)
	if !ok {
		return 0
	}
	return a.EstimateCost(input)
}

// Invoke implements pipeline.StageInvoker. It drives the adapter's
// retry loop: transient errors are retried with jittered exponential
// backoff up to the adapter's MaxRetries; permanent and compliance
// errors fail immediately. Cancellation is observed before every
// attempt and during backoff.
func (r *Registry) Invoke(ctx context.Context, stage string, input json.RawMessage, cfg stageconf.Config) pipeline.StageOutcome {
	start := time.Now()

	a, ok := r.Get(stage)
	if !ok {
		return pipeline.StageOutcome{
			StageName:    stage,
			AttemptCount: 0,
			ErrorKind:    pipeline.ErrKindPermanent,
			ErrorMessage: fmt.Sprintf("%v: %s", ErrUnknownStage, stage),
			CompletedAt:  time.Now().UTC(),
		}
	}

	attempts := a.MaxRetries() + 1
	backoff := r.backoff.Initial
	var lastErr error

	// Failed attempts can still burn tokens; the cost rides along on
	// the failure outcome so the ledger settles what was spent.
	var costSoFar float64

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return r.outcome(stage, attempt-1, start, costSoFar, pipeline.ErrKindCancelled, err)
		}

		res, err := r.callOnce(ctx, a, input, cfg)
		costSoFar += res.Cost
		if err == nil {
			return pipeline.StageOutcome{
				StageName:    stage,
				AttemptCount: attempt,
				Succeeded:    true,
				Payload:      res.Payload,
				CostIncurred: costSoFar,
				DurationMS:   time.Since(start).Milliseconds(),
				CompletedAt:  time.Now().UTC(),
			}
		}
		lastErr = err

		// The attempt may have died because the run was cancelled
		// mid-call; report that, not a transient failure.
		if ctx.Err() != nil {
			return r.outcome(stage, attempt, start, costSoFar, pipeline.ErrKindCancelled, ctx.Err())
		}

		switch a.Classify(err) {
		case CategoryCompliance:
			return r.outcome(stage, attempt, start, costSoFar, pipeline.ErrKindComplianceGate, err)
		case CategoryPermanent:
			return r.outcome(stage, attempt, start, costSoFar, pipeline.ErrKindPermanent, err)
		}

		if r.logger != nil {
			r.logger.Warn("stage attempt failed, retrying",
				slog.String("stage", stage),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}

		// Don't sleep after the last attempt.
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return r.outcome(stage, attempt, start, costSoFar, pipeline.ErrKindCancelled, ctx.Err())
			case <-time.After(jittered(backoff, r.backoff.Jitter)):
			}
			backoff = time.Duration(float64(backoff) * r.backoff.Factor)
			if backoff > r.backoff.Max {
				backoff = r.backoff.Max
			}
		}
	}

	return r.outcome(stage, attempts, start, costSoFar, pipeline.ErrKindTransient, lastErr)
}

// callOnce makes a single attempt with the adapter's per-attempt timeout
// and panic recovery.
func (r *Registry) callOnce(ctx context.Context, a Agent, input json.RawMessage, cfg stageconf.Config) (res Result, err error) {
	if t := a.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent panic: %v\n%s", rec, debug.Stack())
		}
	}()

	return a.Call(ctx, input, cfg)
}

func (r *Registry) outcome(stage string, attempts int, start time.Time, cost float64, kind pipeline.ErrorKind, err error) pipeline.StageOutcome {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return pipeline.StageOutcome{
		StageName:    stage,
		AttemptCount: attempts,
		CostIncurred: cost,
		DurationMS:   time.Since(start).Milliseconds(),
		ErrorKind:    kind,
		ErrorMessage: msg,
		CompletedAt:  time.Now().UTC(),
	}
}

// jittered returns the backoff duration with jitter applied.
func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	amount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + amount)
}
