package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rankforge/pipeline/pkg/pipeline"
	"github.com/rankforge/pipeline/pkg/pipeline/stageconf"
)

// Pricing converts token usage to cost.
type Pricing struct {
	// InputPer1K and OutputPer1K are dollars per thousand tokens.
	InputPer1K  float64
	OutputPer1K float64
}

// DefaultPricing approximates a mid-tier completion model.
var DefaultPricing = Pricing{InputPer1K: 0.003, OutputPer1K: 0.015}

// cost computes the settled cost from actual token usage.
func (p Pricing) cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}

// estimate predicts cost from the input size and the output ceiling.
// Rough heuristic: four characters per token.
func (p Pricing) estimate(inputBytes, maxTokens int) float64 {
	return float64(inputBytes)/4/1000*p.InputPer1K + float64(maxTokens)/1000*p.OutputPer1K
}

// completionAgent is the shared base for the three LLM-backed stages.
type completionAgent struct {
	Spec
	completer Completer
	pricing   Pricing
	maxTokens int
	system    string
}

// EstimateCost implements Agent.
func (a *completionAgent) EstimateCost(input json.RawMessage) float64 {
	return a.pricing.estimate(len(input), a.maxTokens)
}

// complete runs one completion and returns the response plus its cost.
func (a *completionAgent) complete(ctx context.Context, cfg stageconf.Config, prompt string) (CompletionResponse, float64, error) {
	resp, err := a.completer.Complete(ctx, CompletionRequest{
		Model:     cfg.String("model", ""),
		System:    a.system,
		Prompt:    prompt,
		MaxTokens: cfg.Int("max_tokens", a.maxTokens),
	})
	if err != nil {
		return CompletionResponse{}, 0, err
	}
	return resp, a.pricing.cost(resp.InputTokens, resp.OutputTokens), nil
}

// TopicAnalysisAgent produces the content brief that seeds the rest of
// the pipeline.
type TopicAnalysisAgent struct {
	completionAgent
}

// NewTopicAnalysis creates the topic analysis adapter.
func NewTopicAnalysis(c Completer) *TopicAnalysisAgent {
	return &TopicAnalysisAgent{completionAgent{
		Spec: Spec{
			StageName:  pipeline.StageTopicAnalysis,
			Retries:    2,
			PerAttempt: 90 * time.Second,
		},
		completer: c,
		pricing:   DefaultPricing,
		maxTokens: 2048,
		system:    "You are an SEO strategist. Produce a structured content brief as JSON.",
	}}
}

// topicInput is the lenient shape read from the run input.
type topicInput struct {
	Topic    string   `json:"topic"`
	Keywords []string `json:"keywords"`
	Audience string   `json:"audience"`
}

// Call implements Agent.
func (a *TopicAnalysisAgent) Call(ctx context.Context, input json.RawMessage, cfg stageconf.Config) (Result, error) {
	var in topicInput
	if err := json.Unmarshal(input, &in); err != nil {
		return Result{}, &ValidationError{Message: fmt.Sprintf("malformed run input: %v", err)}
	}
	if in.Topic == "" {
		return Result{}, &ValidationError{Field: "topic", Message: "topic is required"}
	}

	prompt := fmt.Sprintf("Topic: %s\nAudience: %s\nTarget keywords: %s\n\nWrite the content brief.",
		in.Topic, in.Audience, strings.Join(in.Keywords, ", "))
	resp, cost, err := a.complete(ctx, cfg, prompt)
	if err != nil {
		return Result{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"topic":    in.Topic,
		"keywords": in.Keywords,
		"brief":    resp.Content,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Result{Payload: payload, Cost: cost}, nil
}

// ArticleGenerationAgent writes the article from the brief and any
// competitor findings.
type ArticleGenerationAgent struct {
	completionAgent
}

// NewArticleGeneration creates the article generation adapter.
func NewArticleGeneration(c Completer) *ArticleGenerationAgent {
	return &ArticleGenerationAgent{completionAgent{
		Spec: Spec{
			StageName:  pipeline.StageArticleGeneration,
			Retries:    2,
			PerAttempt: 4 * time.Minute, // long-form generation dominates run latency
		},
		completer: c,
		pricing:   DefaultPricing,
		maxTokens: 8192,
		system:    "You are a long-form SEO writer. Return JSON with title and body_html fields.",
	}}
}

// Call implements Agent.
func (a *ArticleGenerationAgent) Call(ctx context.Context, input json.RawMessage, cfg stageconf.Config) (Result, error) {
	var in struct {
		Topic       string   `json:"topic"`
		Keywords    []string `json:"keywords"`
		Brief       string   `json:"brief"`
		Competitors string   `json:"competitor_summary"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return Result{}, &ValidationError{Message: fmt.Sprintf("malformed stage input: %v", err)}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nKeywords: %s\nBrief:\n%s\n", in.Topic, strings.Join(in.Keywords, ", "), in.Brief)
	if in.Competitors != "" {
		fmt.Fprintf(&b, "\nCompetitor landscape:\n%s\n", in.Competitors)
	}
	b.WriteString("\nWrite the article.")

	resp, cost, err := a.complete(ctx, cfg, b.String())
	if err != nil {
		return Result{}, err
	}

	var article struct {
		Title    string `json:"title"`
		BodyHTML string `json:"body_html"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &article); err != nil {
		return Result{}, &ValidationError{Message: fmt.Sprintf("generation returned non-JSON article: %v", err)}
	}
	if article.Title == "" || article.BodyHTML == "" {
		return Result{}, &ValidationError{Message: "generation returned empty title or body"}
	}

	payload, err := json.Marshal(map[string]any{
		"topic":     in.Topic,
		"keywords":  in.Keywords,
		"title":     article.Title,
		"body_html": article.BodyHTML,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Result{Payload: payload, Cost: cost}, nil
}

// ComplianceCheckAgent is the hard gate before publishing: it asks the
// reviewer capability for an explicit pass/fail verdict and converts
// rejections into ComplianceError.
type ComplianceCheckAgent struct {
	completionAgent
}

// NewComplianceCheck creates the compliance check adapter.
func NewComplianceCheck(c Completer) *ComplianceCheckAgent {
	return &ComplianceCheckAgent{completionAgent{
		Spec: Spec{
			StageName:  pipeline.StageComplianceCheck,
			Retries:    1,
			PerAttempt: 90 * time.Second,
		},
		completer: c,
		pricing:   DefaultPricing,
		maxTokens: 1024,
		system:    `You are a legal and factual reviewer. Return JSON: {"pass": bool, "reasons": [string]}.`,
	}}
}

// Call implements Agent.
func (a *ComplianceCheckAgent) Call(ctx context.Context, input json.RawMessage, cfg stageconf.Config) (Result, error) {
	var in struct {
		Title    string   `json:"title"`
		BodyHTML string   `json:"body_html"`
		Keywords []string `json:"keywords"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return Result{}, &ValidationError{Message: fmt.Sprintf("malformed stage input: %v", err)}
	}
	if in.BodyHTML == "" {
		return Result{}, &ValidationError{Field: "body_html", Message: "nothing to review"}
	}

	prompt := fmt.Sprintf("Review this article for legal, factual, and policy issues.\n\nTitle: %s\n\n%s", in.Title, in.BodyHTML)
	resp, cost, err := a.complete(ctx, cfg, prompt)
	if err != nil {
		return Result{}, err
	}

	var verdict struct {
		Pass    bool     `json:"pass"`
		Reasons []string `json:"reasons"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &verdict); err != nil {
		return Result{}, &ValidationError{Message: fmt.Sprintf("reviewer returned non-JSON verdict: %v", err)}
	}
	if !verdict.Pass {
		// The verdict itself consumed tokens; report the spend so the
		// ledger settles it even though the stage is rejected.
		return Result{Cost: cost}, &ComplianceError{Reasons: verdict.Reasons}
	}

	// Pass the article through unchanged for the publish stage; attach
	// the verdict for the audit trail.
	payload, err := json.Marshal(map[string]any{
		"title":              in.Title,
		"body_html":          in.BodyHTML,
		"keywords":           in.Keywords,
		"compliance_pass":    true,
		"compliance_reasons": verdict.Reasons,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Result{Payload: payload, Cost: cost}, nil
}
