package pipeline

import (
	"encoding/json"
	"time"
)

// Status represents the state of a pipeline run.
type Status string

// Run status constants.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs are
// immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorKind classifies why a stage or run failed.
type ErrorKind string

// Error kind constants.
const (
	// ErrKindTransient indicates a retryable failure (timeout, 5xx,
	// rate limit from the capability). Transient errors only surface
	// after adapter retries are exhausted.
	ErrKindTransient ErrorKind = "transient"

	// ErrKindPermanent indicates retry won't help (validation, auth,
	// permanent 4xx).
	ErrKindPermanent ErrorKind = "permanent"

	// ErrKindBudgetExceeded indicates the reservation for a stage was
	// rejected because it would exceed the monthly budget.
	ErrKindBudgetExceeded ErrorKind = "budget_exceeded"

	// ErrKindArticleLimit indicates the organization has used its
	// article allowance for the billing period.
	ErrKindArticleLimit ErrorKind = "article_limit_exceeded"

	// ErrKindRateLimited indicates the submission rate limit rejected
	// the run before admission.
	ErrKindRateLimited ErrorKind = "rate_limited"

	// ErrKindInterrupted indicates a process restart caught the run
	// mid-flight and it could not be resumed within the grace window.
	ErrKindInterrupted ErrorKind = "interrupted"

	// ErrKindComplianceGate indicates the legal/compliance stage
	// explicitly rejected the content.
	ErrKindComplianceGate ErrorKind = "compliance_gate_failed"

	// ErrKindDegraded marks an optional stage that was skipped after
	// exhausting retries. Degraded outcomes do not fail the run.
	ErrKindDegraded ErrorKind = "degraded"

	// ErrKindCancelled marks an outcome cut short by cancellation.
	ErrKindCancelled ErrorKind = "cancelled"
)

// StageOutcome is the result of one agent invocation. Outcomes are
// append-only: retries produce new entries, and the last entry for a
// stage wins for sequencing while earlier attempts remain for audit.
type StageOutcome struct {
	StageName    string          `json:"stage_name"`
	AttemptCount int             `json:"attempt_count"`
	Succeeded    bool            `json:"succeeded"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CostIncurred float64         `json:"cost_incurred"`
	DurationMS   int64           `json:"duration_ms"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// Degraded reports whether this outcome represents a skipped optional
// stage.
func (o StageOutcome) Degraded() bool {
	return o.ErrorKind == ErrKindDegraded
}

// RunError describes why a run reached Failed or Cancelled.
type RunError struct {
	Stage   string    `json:"stage,omitempty"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Stage != "" {
		return "stage " + e.Stage + ": " + string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

// Run is one pipeline execution. It is owned exclusively by the Machine
// that drives it; callers observe it through Snapshot copies.
type Run struct {
	ID             string `json:"run_id"`
	OrganizationID string `json:"organization_id"`
	RequestedBy    string `json:"requested_by"`
	Topic          string `json:"topic"`

	// Input carries the client-supplied run configuration. It becomes
	// the input payload of the first stage.
	Input json.RawMessage `json:"input,omitempty"`

	Status        Status         `json:"status"`
	StageSequence []string       `json:"stage_sequence"`
	CurrentStage  int            `json:"current_stage_index"`
	StageResults  []StageOutcome `json:"stage_results"`

	TotalCost    float64            `json:"total_cost"`
	PerStageCost map[string]float64 `json:"per_stage_cost"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Error *RunError `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Run) Clone() *Run {
	cp := *r
	cp.StageSequence = append([]string(nil), r.StageSequence...)
	cp.StageResults = append([]StageOutcome(nil), r.StageResults...)
	if r.Input != nil {
		cp.Input = append(json.RawMessage(nil), r.Input...)
	}
	if r.PerStageCost != nil {
		cp.PerStageCost = make(map[string]float64, len(r.PerStageCost))
		for k, v := range r.PerStageCost {
			cp.PerStageCost[k] = v
		}
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

// LastOutcome returns the most recent outcome for a stage, or nil if the
// stage has not produced one.
func (r *Run) LastOutcome(stage string) *StageOutcome {
	for i := len(r.StageResults) - 1; i >= 0; i-- {
		if r.StageResults[i].StageName == stage {
			return &r.StageResults[i]
		}
	}
	return nil
}

// resumeIndex returns the index of the first stage that still needs to
// execute, given the persisted stage results. A stage counts as done when
// its last outcome either succeeded (cost settled) or was degraded.
func (r *Run) resumeIndex() int {
	idx := 0
	for _, name := range r.StageSequence {
		out := r.LastOutcome(name)
		if out == nil || !(out.Succeeded || out.Degraded()) {
			break
		}
		idx++
	}
	return idx
}

// lastPayload returns the payload that should feed the stage at
// startIndex: the output of the nearest preceding stage that produced
// one, falling back to the run input.
func (r *Run) lastPayload(startIndex int) json.RawMessage {
	for i := startIndex - 1; i >= 0; i-- {
		out := r.LastOutcome(r.StageSequence[i])
		if out != nil && out.Succeeded && len(out.Payload) > 0 {
			return out.Payload
		}
	}
	return r.Input
}
