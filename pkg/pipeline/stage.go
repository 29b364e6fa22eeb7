package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rankforge/pipeline/pkg/pipeline/stageconf"
)

// Built-in stage names, in default execution order.
const (
	StageTopicAnalysis     = "topic_analysis"
	StageCompetitorMonitor = "competitor_monitoring"
	StageArticleGeneration = "article_generation"
	StageComplianceCheck   = "compliance_check"
	StagePublish           = "publish"
)

// StageDef describes one stage in a pipeline sequence.
type StageDef struct {
	// Name identifies the stage and selects its agent adapter.
	Name string `yaml:"name" json:"name"`

	// Optional stages degrade instead of failing the run when they
	// exhaust transient retries. Gate stages cannot be optional.
	Optional bool `yaml:"optional" json:"optional"`

	// Gate marks a hard gate: the run can only advance past this stage
	// on an explicit pass.
	Gate bool `yaml:"gate" json:"gate"`

	// Config carries stage-specific settings handed to the adapter.
	Config stageconf.Config `yaml:"-" json:"-"`
}

// DefaultSequence returns the standard five-stage content pipeline.
func DefaultSequence() []StageDef {
	return []StageDef{
		{Name: StageTopicAnalysis},
		{Name: StageCompetitorMonitor, Optional: true},
		{Name: StageArticleGeneration},
		{Name: StageComplianceCheck, Gate: true},
		{Name: StagePublish},
	}
}

// ValidateSequence checks a stage sequence for structural errors.
func ValidateSequence(stages []StageDef) error {
	if len(stages) == 0 {
		return ErrEmptySequence
	}
	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d: %w", i, ErrUnnamedStage)
		}
		if seen[s.Name] {
			return fmt.Errorf("stage %q: %w", s.Name, ErrDuplicateStage)
		}
		seen[s.Name] = true
		if s.Gate && s.Optional {
			return fmt.Errorf("stage %q: %w", s.Name, ErrOptionalGate)
		}
	}
	return nil
}

// StageNames extracts the ordered names from a sequence.
func StageNames(stages []StageDef) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}

// StageInvoker is the uniform contract the machine uses to call agent
// capabilities. Implementations wrap timeout, retry, and cost reporting;
// Invoke never panics and never returns capability-specific errors; all
// failure detail is carried in the StageOutcome.
type StageInvoker interface {
	// Invoke executes the named stage with the given input payload.
	Invoke(ctx context.Context, stage string, input json.RawMessage, cfg stageconf.Config) StageOutcome

	// EstimateCost predicts the stage's cost for budget reservation
	// before the call is made.
	EstimateCost(stage string, input json.RawMessage) float64
}

// RunStore persists run snapshots. The machine saves after every
// transition so an interrupted run can resume from its last persisted
// stage result.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
}
