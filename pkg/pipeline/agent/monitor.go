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

// CompetitorMonitorAgent scrapes ranking competitor pages and summarizes
// what they cover. The stage is optional: the pipeline degrades to
// writing without competitor context when scraping keeps failing.
type CompetitorMonitorAgent struct {
	Spec
	fetcher     Fetcher
	costPerPage float64
}

// NewCompetitorMonitor creates the competitor monitoring adapter.
func NewCompetitorMonitor(f Fetcher) *CompetitorMonitorAgent {
	return &CompetitorMonitorAgent{
		Spec: Spec{
			StageName:  pipeline.StageCompetitorMonitor,
			Retries:    2,
			PerAttempt: 2 * time.Minute,
		},
		fetcher:     f,
		costPerPage: 0.002, // scrape-service metered rate
	}
}

// EstimateCost implements Agent. The page count comes from stage config
// at invoke time; estimate for the default.
func (a *CompetitorMonitorAgent) EstimateCost(json.RawMessage) float64 {
	return a.costPerPage * 5
}

// Call implements Agent.
func (a *CompetitorMonitorAgent) Call(ctx context.Context, input json.RawMessage, cfg stageconf.Config) (Result, error) {
	var in struct {
		Topic    string   `json:"topic"`
		Keywords []string `json:"keywords"`
		Brief    string   `json:"brief"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return Result{}, &ValidationError{Message: fmt.Sprintf("malformed stage input: %v", err)}
	}

	urls := cfg.StringSlice("competitor_urls", nil)
	if len(urls) == 0 {
		return Result{}, &ValidationError{Field: "competitor_urls", Message: "no competitor URLs configured"}
	}
	maxPages := cfg.Int("max_pages", 5)
	if len(urls) > maxPages {
		urls = urls[:maxPages]
	}

	var summary strings.Builder
	fetched := 0
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		page, err := a.fetcher.Fetch(ctx, u)
		if err != nil {
			// One unreachable competitor page shouldn't poison the
			// stage; a fully empty sweep is a real failure below.
			continue
		}
		fetched++
		fmt.Fprintf(&summary, "## %s\n%s\n\n", page.URL, excerpt(page.Body, 2000))
	}
	if fetched == 0 {
		return Result{}, &HTTPError{StatusCode: 503, Message: "all competitor fetches failed", Endpoint: "scrape"}
	}

	payload, err := json.Marshal(map[string]any{
		"topic":              in.Topic,
		"keywords":           in.Keywords,
		"brief":              in.Brief,
		"competitor_summary": summary.String(),
		"pages_fetched":      fetched,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Result{Payload: payload, Cost: a.costPerPage * float64(fetched)}, nil
}

// excerpt truncates body text for the summary payload.
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
