package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/pipeline/pkg/pipeline"
	"github.com/rankforge/pipeline/pkg/pipeline/stageconf"
)

// fastBackoff keeps retry tests quick.
var fastBackoff = BackoffConfig{
	Initial: time.Millisecond,
	Max:     5 * time.Millisecond,
	Factor:  2.0,
	Jitter:  0,
}

// fakeAgent fails a fixed number of times, then succeeds. Each failed
// attempt reports failCost as its partial spend.
type fakeAgent struct {
	Spec
	failures int
	failWith error
	failCost float64
	estimate float64

	mu    sync.Mutex
	calls int
}

func (f *fakeAgent) EstimateCost(json.RawMessage) float64 { return f.estimate }

func (f *fakeAgent) Call(_ context.Context, _ json.RawMessage, _ stageconf.Config) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return Result{Cost: f.failCost}, f.failWith
	}
	return Result{Payload: json.RawMessage(`{"ok":true}`), Cost: 0.01}, nil
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newFakeAgent(name string, retries, failures int, failWith error) *fakeAgent {
	return &fakeAgent{
		Spec:     Spec{StageName: name, Retries: retries},
		failures: failures,
		failWith: failWith,
		estimate: 0.05,
	}
}

// TestRegistry_RegisterDuplicate tests the one-agent-per-stage rule.
func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFakeAgent("topic_analysis", 0, 0, nil)))
	assert.Error(t, r.Register(newFakeAgent("topic_analysis", 0, 0, nil)))
}

// TestRegistry_InvokeSuccess tests the single-attempt happy path.
func TestRegistry_InvokeSuccess(t *testing.T) {
	r := NewRegistry(WithBackoff(fastBackoff))
	a := newFakeAgent("topic_analysis", 2, 0, nil)
	require.NoError(t, r.Register(a))

	out := r.Invoke(context.Background(), "topic_analysis", json.RawMessage(`{}`), stageconf.New(nil))

	assert.True(t, out.Succeeded)
	assert.Equal(t, 1, out.AttemptCount)
	assert.InDelta(t, 0.01, out.CostIncurred, 1e-9)
	assert.JSONEq(t, `{"ok":true}`, string(out.Payload))
	assert.Equal(t, "topic_analysis", out.StageName)
	assert.False(t, out.CompletedAt.IsZero())
}

// TestRegistry_RetriesTransientThenSucceeds tests the backoff retry loop.
func TestRegistry_RetriesTransientThenSucceeds(t *testing.T) {
	r := NewRegistry(WithBackoff(fastBackoff))
	a := newFakeAgent("topic_analysis", 2, 2, &RateLimitError{Endpoint: "llm"})
	require.NoError(t, r.Register(a))

	out := r.Invoke(context.Background(), "topic_analysis", json.RawMessage(`{}`), stageconf.New(nil))

	assert.True(t, out.Succeeded)
	assert.Equal(t, 3, out.AttemptCount)
	assert.Equal(t, 3, a.callCount())
}

// TestRegistry_TransientExhausted tests that exhausting retries surfaces
// a transient outcome with the last error.
func TestRegistry_TransientExhausted(t *testing.T) {
	r := NewRegistry(WithBackoff(fastBackoff))
	a := newFakeAgent("topic_analysis", 2, 99, &HTTPError{StatusCode: 503, Message: "overloaded"})
	require.NoError(t, r.Register(a))

	out := r.Invoke(context.Background(), "topic_analysis", json.RawMessage(`{}`), stageconf.New(nil))

	assert.False(t, out.Succeeded)
	assert.Equal(t, pipeline.ErrKindTransient, out.ErrorKind)
	assert.Equal(t, 3, out.AttemptCount)
	assert.Contains(t, out.ErrorMessage, "overloaded")
}

// TestRegistry_PermanentFailsFast tests that permanent errors are never
// retried.
func TestRegistry_PermanentFailsFast(t *testing.T) {
	r := NewRegistry(WithBackoff(fastBackoff))
	a := newFakeAgent("topic_analysis", 5, 99, &ValidationError{Field: "topic", Message: "required"})
	require.NoError(t, r.Register(a))

	out := r.Invoke(context.Background(), "topic_analysis", json.RawMessage(`{}`), stageconf.New(nil))

	assert.False(t, out.Succeeded)
	assert.Equal(t, pipeline.ErrKindPermanent, out.ErrorKind)
	assert.Equal(t, 1, out.AttemptCount)
	assert.Equal(t, 1, a.callCount())
}

// TestRegistry_ComplianceFailsFast tests that gate rejections carry
// their own error kind and are never retried.
func TestRegistry_ComplianceFailsFast(t *testing.T) {
	r := NewRegistry(WithBackoff(fastBackoff))
	a := newFakeAgent("compliance_check", 5, 99, &ComplianceError{Reasons: []string{"medical claim"}})
	require.NoError(t, r.Register(a))

	out := r.Invoke(context.Background(), "compliance_check", json.RawMessage(`{}`), stageconf.New(nil))

	assert.False(t, out.Succeeded)
	assert.Equal(t, pipeline.ErrKindComplianceGate, out.ErrorKind)
	assert.Equal(t, 1, a.callCount())
	assert.Contains(t, out.ErrorMessage, "medical claim")
}

// TestRegistry_FailureCarriesPartialCost tests that the spend of failed
// attempts rides along on the failure outcome so the ledger can settle
// it instead of releasing the full reservation.
func TestRegistry_FailureCarriesPartialCost(t *testing.T) {
	r := NewRegistry(WithBackoff(fastBackoff))
	a := newFakeAgent("topic_analysis", 1, 99, &HTTPError{StatusCode: 503, Message: "overloaded"})
	a.failCost = 0.02
	require.NoError(t, r.Register(a))

	out := r.Invoke(context.Background(), "topic_analysis", json.RawMessage(`{}`), stageconf.New(nil))

	assert.False(t, out.Succeeded)
	assert.Equal(t, pipeline.ErrKindTransient, out.ErrorKind)
	assert.Equal(t, 2, out.AttemptCount)
	assert.InDelta(t, 0.04, out.CostIncurred, 1e-9)
}

// TestRegistry_ComplianceRejectionCarriesCost tests that a gate verdict
// reports what it cost to produce.
func TestRegistry_ComplianceRejectionCarriesCost(t *testing.T) {
	r := NewRegistry(WithBackoff(fastBackoff))
	a := newFakeAgent("compliance_check", 5, 99, &ComplianceError{Reasons: []string{"medical claim"}})
	a.failCost = 0.015
	require.NoError(t, r.Register(a))

	out := r.Invoke(context.Background(), "compliance_check", json.RawMessage(`{}`), stageconf.New(nil))

	assert.Equal(t, pipeline.ErrKindComplianceGate, out.ErrorKind)
	assert.InDelta(t, 0.015, out.CostIncurred, 1e-9)
}

// TestRegistry_SuccessAccumulatesRetrySpend tests that a success after
// failed attempts still bills for those attempts.
func TestRegistry_SuccessAccumulatesRetrySpend(t *testing.T) {
	r := NewRegistry(WithBackoff(fastBackoff))
	a := newFakeAgent("topic_analysis", 2, 2, &RateLimitError{Endpoint: "llm"})
	a.failCost = 0.005
	require.NoError(t, r.Register(a))

	out := r.Invoke(context.Background(), "topic_analysis", json.RawMessage(`{}`), stageconf.New(nil))

	assert.True(t, out.Succeeded)
	assert.InDelta(t, 0.02, out.CostIncurred, 1e-9)
}

// TestRegistry_UnknownStage tests invoking a stage with no adapter.
func TestRegistry_UnknownStage(t *testing.T) {
	r := NewRegistry()

	out := r.Invoke(context.Background(), "no_such_stage", nil, stageconf.New(nil))
	assert.False(t, out.Succeeded)
	assert.Equal(t, pipeline.ErrKindPermanent, out.ErrorKind)
	assert.Equal(t, 0, out.AttemptCount)

	assert.Zero(t, r.EstimateCost("no_such_stage", nil))
}

// TestRegistry_PanicContained tests that an agent panic becomes a failed
// outcome instead of crashing the run goroutine.
func TestRegistry_PanicContained(t *testing.T) {
	r := NewRegistry(WithBackoff(fastBackoff))
	require.NoError(t, r.Register(&panickyAgent{Spec{StageName: "topic_analysis"}}))

	out := r.Invoke(context.Background(), "topic_analysis", nil, stageconf.New(nil))

	assert.False(t, out.Succeeded)
	assert.Equal(t, pipeline.ErrKindPermanent, out.ErrorKind)
	assert.Contains(t, out.ErrorMessage, "agent panic")
}

type panickyAgent struct{ Spec }

func (p *panickyAgent) EstimateCost(json.RawMessage) float64 { return 0 }

func (p *panickyAgent) Call(context.Context, json.RawMessage, stageconf.Config) (Result, error) {
	panic("nil map write")
}

// TestRegistry_CancellationDuringBackoff tests that a cancelled context
// cuts the retry loop short with a cancelled outcome.
func TestRegistry_CancellationDuringBackoff(t *testing.T) {
	r := NewRegistry(WithBackoff(BackoffConfig{Initial: time.Hour, Max: time.Hour, Factor: 1}))
	a := newFakeAgent("topic_analysis", 3, 99, &RateLimitError{Endpoint: "llm"})
	require.NoError(t, r.Register(a))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out := r.Invoke(ctx, "topic_analysis", json.RawMessage(`{}`), stageconf.New(nil))

	assert.False(t, out.Succeeded)
	assert.Equal(t, pipeline.ErrKindCancelled, out.ErrorKind)
	assert.Equal(t, 1, a.callCount())
}

// TestRegistry_EstimateCostDelegates tests estimate pass-through.
func TestRegistry_EstimateCostDelegates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFakeAgent("topic_analysis", 0, 0, nil)))
	assert.InDelta(t, 0.05, r.EstimateCost("topic_analysis", nil), 1e-9)
}

// TestDefaultClassify tests the shared error classification rules.
func TestDefaultClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"rate limit", &RateLimitError{Endpoint: "llm"}, CategoryTransient},
		{"http 429", &HTTPError{StatusCode: 429}, CategoryTransient},
		{"http 503", &HTTPError{StatusCode: 503}, CategoryTransient},
		{"http 500", &HTTPError{StatusCode: 500}, CategoryTransient},
		{"http 400", &HTTPError{StatusCode: 400}, CategoryPermanent},
		{"http 401", &HTTPError{StatusCode: 401}, CategoryPermanent},
		{"validation", &ValidationError{Message: "bad"}, CategoryPermanent},
		{"compliance", &ComplianceError{}, CategoryCompliance},
		{"deadline", context.DeadlineExceeded, CategoryTransient},
		{"unknown", errors.New("mystery"), CategoryPermanent},
		{"wrapped compliance", wrap(&ComplianceError{Reasons: []string{"x"}}), CategoryCompliance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultClassify(tt.err))
		})
	}
}

func wrap(err error) error {
	return errors.Join(errors.New("call failed"), err)
}
