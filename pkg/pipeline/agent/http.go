package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCompleter calls a JSON completion endpoint
// (POST {baseURL}/v1/complete). It is the default Completer wiring;
// deployments with an in-process LLM client can substitute their own.
type HTTPCompleter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPCompleter creates a completer against the given base URL.
func NewHTTPCompleter(baseURL, apiKey string) *HTTPCompleter {
	return &HTTPCompleter{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // generations can run long; attempts are bounded by the adapter timeout
		},
	}
}

// Complete implements Completer.
func (c *HTTPCompleter) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var resp CompletionResponse
	if err := c.postJSON(ctx, "/v1/complete", req, &resp); err != nil {
		return CompletionResponse{}, err
	}
	return resp, nil
}

func (c *HTTPCompleter) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("completer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("completer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("completer: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, c.baseURL+path); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("completer: decode response: %w", err)
	}
	return nil
}

// HTTPFetcher scrapes pages through a fetch service
// (GET {baseURL}/v1/fetch?url=...). Routing scrapes through a service
// keeps proxy rotation and robots handling out of the orchestrator.
type HTTPFetcher struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher against the given base URL.
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, target string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/v1/fetch", nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetcher: create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("url", target)
	req.URL.RawQuery = q.Encode()

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetcher: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, f.baseURL+"/v1/fetch"); err != nil {
		return FetchResult{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetcher: read body: %w", err)
	}
	return FetchResult{URL: target, StatusCode: resp.StatusCode, Body: string(body)}, nil
}

// HTTPPublisher posts finished articles to the publishing target
// (POST {baseURL}/wp-json/rankforge/v1/posts by default; the path is
// configurable).
type HTTPPublisher struct {
	baseURL    string
	path       string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPPublisher creates a publisher against the given base URL and
// post path.
func NewHTTPPublisher(baseURL, path, apiKey string) *HTTPPublisher {
	if path == "" {
		path = "/v1/posts"
	}
	return &HTTPPublisher{
		baseURL: baseURL,
		path:    path,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Publish implements Publisher.
func (p *HTTPPublisher) Publish(ctx context.Context, pub PublishRequest) (PublishResult, error) {
	body, err := json.Marshal(pub)
	if err != nil {
		return PublishResult{}, fmt.Errorf("publisher: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.path, bytes.NewReader(body))
	if err != nil {
		return PublishResult{}, fmt.Errorf("publisher: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return PublishResult{}, fmt.Errorf("publisher: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, p.baseURL+p.path); err != nil {
		return PublishResult{}, err
	}

	var result PublishResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return PublishResult{}, fmt.Errorf("publisher: decode response: %w", err)
	}
	return result, nil
}

// checkStatus converts non-2xx responses into classifiable errors.
func checkStatus(resp *http.Response, endpoint string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Endpoint: endpoint}
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    string(snippet),
		Endpoint:   endpoint,
	}
}
