package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rankforge/pipeline/pkg/pipeline/stageconf"
)

// Result is the output of one capability call.
type Result struct {
	// Payload is opaque to the orchestrator: produced by this agent,
	// consumed by the next stage.
	Payload json.RawMessage

	// Cost is the actual cost of the call, used for settlement. A
	// failed call may still report a non-zero Cost alongside its
	// error when tokens were consumed before the failure.
	Cost float64
}

// Agent is one concrete capability adapter. Implementations declare
// their own retry budget, per-attempt timeout, cost model, and error
// classification; the Registry drives the retry loop so Call only needs
// to make a single attempt.
type Agent interface {
	// Name is the stage name this agent serves.
	Name() string

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries() int

	// Timeout bounds a single attempt. Zero means no per-attempt
	// timeout beyond the caller's context.
	Timeout() time.Duration

	// EstimateCost predicts the cost of a call for budget reservation.
	EstimateCost(input json.RawMessage) float64

	// Classify decides whether an error from this capability is
	// transient, permanent, or a compliance rejection.
	Classify(err error) Category

	// Call makes one attempt against the backing capability. On error
	// the Result's Cost still counts: it is the partial spend of the
	// failed attempt.
	Call(ctx context.Context, input json.RawMessage, cfg stageconf.Config) (Result, error)
}

// Spec carries the common adapter knobs. Concrete adapters embed it.
type Spec struct {
	StageName  string
	Retries    int
	PerAttempt time.Duration
}

// Name returns the stage name.
func (s Spec) Name() string { return s.StageName }

// MaxRetries returns the retry budget.
func (s Spec) MaxRetries() int { return s.Retries }

// Timeout returns the per-attempt timeout.
func (s Spec) Timeout() time.Duration { return s.PerAttempt }

// Classify applies the default classification. Adapters with
// capability-specific rules override this.
func (s Spec) Classify(err error) Category { return DefaultClassify(err) }

// ErrUnknownStage indicates no agent is registered for a stage name.
var ErrUnknownStage = fmt.Errorf("no agent registered for stage")
