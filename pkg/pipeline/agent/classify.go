// Package agent wraps the five heterogeneous pipeline capabilities
// (LLM completion, web scrape, publish call) behind one uniform invoke
// contract with timeout, retry, and cost reporting.
//
// The package implements a layered error handling approach:
//   - Classification: transient errors retry, permanent errors fail fast
//   - Retry: jittered exponential backoff up to the adapter's MaxRetries
//   - Containment: capability-specific errors never cross the adapter
//     boundary; the orchestrator only sees StageOutcome values
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Category represents how a capability error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: rate limits, timeouts, temporary network issues.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: authentication failures, invalid input.
	CategoryPermanent

	// CategoryCompliance indicates the compliance gate explicitly
	// rejected the content. Never retried; fails the run.
	CategoryCompliance
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryCompliance:
		return "compliance"
	default:
		return "unknown"
	}
}

// Classifier decides how an error from a specific capability should be
// handled. Each adapter supplies its own; DefaultClassify covers the
// common HTTP and context cases.
type Classifier func(err error) Category

// HTTPError represents an HTTP error from a capability endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// RateLimitError indicates the capability asked us to back off.
type RateLimitError struct {
	Endpoint string
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s", e.Endpoint)
}

// ValidationError indicates the capability rejected the input.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ComplianceError indicates the legal/compliance check explicitly
// rejected the content. Carries the reviewer verdict for the audit
// trail.
type ComplianceError struct {
	Reasons []string
}

// Error implements the error interface.
func (e *ComplianceError) Error() string {
	if len(e.Reasons) == 0 {
		return "compliance check rejected content"
	}
	return fmt.Sprintf("compliance check rejected content: %v", e.Reasons)
}

// DefaultClassify determines how an error should be handled.
// Adapters can wrap it with capability-specific rules.
func DefaultClassify(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var compErr *ComplianceError
	if errors.As(err, &compErr) {
		return CategoryCompliance
	}

	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return CategoryTransient
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return CategoryTransient
		default:
			if httpErr.StatusCode >= 500 {
				return CategoryTransient // server errors are often transient
			}
			return CategoryPermanent
		}
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryPermanent
	}

	// Per-attempt timeouts are transient; cancellation is handled by
	// the invoker before classification.
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	// Unknown errors are permanent (fail safe).
	return CategoryPermanent
}
