package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rankforge/pipeline/pkg/pipeline"
	"github.com/rankforge/pipeline/pkg/pipeline/ledger"
	"github.com/rankforge/pipeline/pkg/pipeline/progress"
	"github.com/rankforge/pipeline/pkg/pipeline/sched"
	"github.com/rankforge/pipeline/pkg/pipeline/store"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	scheduler *sched.Scheduler
	store     store.Store
	ledger    ledger.Ledger
	progress  *progress.Publisher
	logger    *slog.Logger
	version   string
	maxBody   int64
}

// HandlersDeps configures Handlers.
type HandlersDeps struct {
	Scheduler *sched.Scheduler
	Store     store.Store
	Ledger    ledger.Ledger
	Progress  *progress.Publisher
	Logger    *slog.Logger
	Version   string
	MaxBody   int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	if deps.MaxBody <= 0 {
		deps.MaxBody = 1 << 20
	}
	return &Handlers{
		scheduler: deps.Scheduler,
		store:     deps.Store,
		ledger:    deps.Ledger,
		progress:  deps.Progress,
		logger:    deps.Logger,
		version:   deps.Version,
		maxBody:   deps.MaxBody,
	}
}

// createRunRequest is the POST /v1/runs body.
type createRunRequest struct {
	OrganizationID string          `json:"organization_id"`
	RequestedBy    string          `json:"requested_by"`
	Topic          string          `json:"topic"`
	Input          json.RawMessage `json:"input"`
}

// HandleCreateRun submits a new pipeline run.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return
	}
	if req.OrganizationID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "organization_id is required")
		return
	}
	if req.Topic == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "topic is required")
		return
	}
	if len(req.Input) == 0 {
		// The first stage reads the topic from the input payload.
		input, err := json.Marshal(map[string]string{"topic": req.Topic})
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		req.Input = input
	}

	runID, err := h.scheduler.Submit(r.Context(), sched.SubmitRequest{
		OrganizationID: req.OrganizationID,
		RequestedBy:    req.RequestedBy,
		Topic:          req.Topic,
		Input:          req.Input,
	})
	if errors.Is(err, sched.ErrRateLimited) {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusTooManyRequests, string(pipeline.ErrKindRateLimited), err.Error())
		return
	}
	if errors.Is(err, sched.ErrSchedulerClosed) {
		writeError(w, r, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]string{"run_id": runID})
}

// HandleGetRun returns a run's current state.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := h.scheduler.GetRun(r.Context(), runID)
	if errors.Is(err, sched.ErrRunNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns lists runs, optionally filtered by organization and status.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{
		OrganizationID: r.URL.Query().Get("organization_id"),
		Status:         pipeline.Status(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	runs, err := h.store.ListRuns(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// HandleCancelRun requests cooperative cancellation of a run.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	err := h.scheduler.Cancel(r.Context(), runID)
	switch {
	case errors.Is(err, sched.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "run not found")
	case errors.Is(err, sched.ErrRunTerminal):
		writeError(w, r, http.StatusConflict, "run_terminal", "run already finished")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	default:
		writeJSON(w, r, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
	}
}

// HandleRunEvents streams a run's progress events over SSE.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	// Reject streams for unknown runs up front; terminal runs get a
	// stream that closes immediately after the current state snapshot.
	run, err := h.scheduler.GetRun(r.Context(), runID)
	if errors.Is(err, sched.ErrRunNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	sub := h.progress.Subscribe(runID)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// Snapshot first so late subscribers see where the run stands.
	if err := writeSSE(w, "snapshot", run); err != nil {
		return
	}
	flusher.Flush()
	if run.Status.Terminal() {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, "progress", evt); err != nil {
				return
			}
			flusher.Flush()
			if evt.Type.Terminal() {
				return
			}
		}
	}
}

// writeSSE writes one named SSE event with a JSON payload.
func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

// HandleUsage returns the organization's budget account for a period.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "organization_id is required")
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = ledger.CurrentPeriod()
	}
	acct, err := h.ledger.Account(r.Context(), orgID, period)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, acct)
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     h.version,
		"active_runs": h.scheduler.ActiveCount(),
	})
}
