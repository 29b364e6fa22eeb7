// Package progress distributes per-run progress events to subscribers.
//
// Events for a run carry a monotonically increasing sequence number so
// consumers can detect gaps when a slow subscriber's buffer overflows.
// Delivery never blocks the publisher: when a subscriber's buffer is
// full the oldest buffered event is dropped to make room.
package progress

import (
	"time"
)

// EventType identifies what happened.
type EventType string

// Progress event types.
const (
	EventRunStarted     EventType = "run_started"
	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"
	EventStageRetrying  EventType = "stage_retrying"
	EventStageDegraded  EventType = "stage_degraded"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
	EventRunCancelled   EventType = "run_cancelled"
)

// Terminal reports whether this event type ends the run's stream.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunFailed || t == EventRunCancelled
}

// Event is one progress update for a run.
type Event struct {
	RunID    string    `json:"run_id"`
	Sequence uint64    `json:"sequence"`
	Type     EventType `json:"type"`

	// Status is the run status at the time of the event.
	Status string `json:"status"`

	// Stage fields are set for stage-level events.
	Stage      string `json:"stage,omitempty"`
	StageIndex int    `json:"stage_index"`
	// Attempt is the attempt number for retry events.
	Attempt int `json:"attempt,omitempty"`

	TotalStages int     `json:"total_stages"`
	Percent     float64 `json:"percent"`
	CostSoFar   float64 `json:"cost_so_far"`

	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
