package agent

import "context"

// The orchestrator does not own the NLP, scraping, or publishing logic.
// Each capability is supplied by a collaborator behind one of the narrow
// interfaces below; the adapters in this package translate between stage
// payloads and these contracts.

// CompletionRequest is one LLM completion call.
type CompletionRequest struct {
	Model     string `json:"model,omitempty"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// CompletionResponse carries the completion text and token usage for
// cost settlement.
type CompletionResponse struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Completer is the LLM completion capability.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// FetchResult is the body of one scraped page.
type FetchResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// Fetcher is the web-scrape capability.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// PublishRequest is one article submission to the publishing target.
type PublishRequest struct {
	Site  string   `json:"site,omitempty"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

// PublishResult identifies the published post.
type PublishResult struct {
	PostID string `json:"post_id"`
	URL    string `json:"url"`
}

// Publisher is the publishing capability (e.g. a WordPress site).
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (PublishResult, error)
}
