package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rankforge/pipeline/pkg/pipeline"
	"github.com/rankforge/pipeline/pkg/pipeline/stageconf"
)

// PublishAgent pushes the approved article to the publishing target.
// It refuses to publish a payload that doesn't carry an explicit
// compliance pass, as a second line of defense behind the gate stage.
type PublishAgent struct {
	Spec
	publisher Publisher
	flatCost  float64
}

// NewPublish creates the publishing adapter.
func NewPublish(p Publisher) *PublishAgent {
	return &PublishAgent{
		Spec: Spec{
			StageName:  pipeline.StagePublish,
			Retries:    3,
			PerAttempt: 60 * time.Second,
		},
		publisher: p,
		flatCost:  0.001,
	}
}

// EstimateCost implements Agent.
func (a *PublishAgent) EstimateCost(json.RawMessage) float64 {
	return a.flatCost
}

// Call implements Agent.
func (a *PublishAgent) Call(ctx context.Context, input json.RawMessage, cfg stageconf.Config) (Result, error) {
	var in struct {
		Title          string   `json:"title"`
		BodyHTML       string   `json:"body_html"`
		CompliancePass bool     `json:"compliance_pass"`
		Keywords       []string `json:"keywords"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return Result{}, &ValidationError{Message: fmt.Sprintf("malformed stage input: %v", err)}
	}
	if !in.CompliancePass {
		return Result{}, &ComplianceError{Reasons: []string{"payload reached publish without a compliance pass"}}
	}
	if in.Title == "" || in.BodyHTML == "" {
		return Result{}, &ValidationError{Message: "empty article"}
	}

	result, err := a.publisher.Publish(ctx, PublishRequest{
		Site:  cfg.String("site", ""),
		Title: in.Title,
		Body:  in.BodyHTML,
		Tags:  cfg.StringSlice("tags", in.Keywords),
	})
	if err != nil {
		return Result{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"post_id": result.PostID,
		"url":     result.URL,
		"title":   in.Title,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Result{Payload: payload, Cost: a.flatCost}, nil
}
