// Package ingest accepts events over HTTP and TCP and queues them for
// correlation.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"siem-correlator/internal/metrics"
	"siem-correlator/internal/queue"
	"siem-correlator/internal/schema"
)

const (
	defaultMaxPayload = 10 << 20
	defaultMaxBatch   = 1000
)

// Handler serves event intake and the health probe.
type Handler struct {
	validator   *schema.Validator
	queue       *queue.RingBuffer
	metrics     metrics.Sink
	metricsHTTP http.Handler
	maxPayload  int
	maxBatch    int
	started     time.Time
	accepted    atomic.Uint64
}

func NewHandler(validator *schema.Validator, q *queue.RingBuffer) *Handler {
	return &Handler{
		validator:  validator,
		queue:      q,
		metrics:    metrics.Noop{},
		maxPayload: defaultMaxPayload,
		maxBatch:   defaultMaxBatch,
		started:    time.Now(),
	}
}

// WithMaxPayload caps the request body in bytes.
func (h *Handler) WithMaxPayload(n int) *Handler {
	h.maxPayload = n
	return h
}

// WithMaxBatch caps the number of events per request.
func (h *Handler) WithMaxBatch(n int) *Handler {
	h.maxBatch = n
	return h
}

// WithMetrics counts rejected events in sink and serves exposition on
// GET /metrics when it is non-nil.
func (h *Handler) WithMetrics(sink metrics.Sink, exposition http.Handler) *Handler {
	if sink != nil {
		h.metrics = sink
	}
	h.metricsHTTP = exposition
	return h
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", h.HandleEvents)
	mux.HandleFunc("GET /health", h.HealthCheck)
	if h.metricsHTTP != nil {
		mux.Handle("GET /metrics", h.metricsHTTP)
	}
}

// IngestResponse reports per-request intake results. Errors are indexed by
// the event's position in the request.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// status maps the outcome to 200 (all accepted), 207 (some) or 400 (none).
func (r IngestResponse) status() int {
	switch {
	case r.Rejected == 0:
		return http.StatusOK
	case r.Accepted == 0:
		return http.StatusBadRequest
	default:
		return http.StatusMultiStatus
	}
}

// HandleEvents serves POST /v1/events. The body is a single event object
// or {"events": [...]}.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(h.maxPayload)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			replyError(w, http.StatusRequestEntityTooLarge, "payload too large", reqID)
		} else {
			replyError(w, http.StatusBadRequest, "failed to read request body", reqID)
		}
		return
	}

	raws, err := splitBatch(body)
	switch {
	case err != nil:
		replyError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), reqID)
		return
	case len(raws) == 0:
		replyError(w, http.StatusBadRequest, "no events provided", reqID)
		return
	case len(raws) > h.maxBatch:
		replyError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), reqID)
		return
	}

	resp := IngestResponse{RequestID: reqID}
	now := time.Now()
	for i, raw := range raws {
		if reason := h.admit(raw, now); reason != "" {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("event[%d]: %s", i, reason))
			continue
		}
		resp.Accepted++
	}
	resp.Success = resp.Rejected == 0
	reply(w, resp.status(), resp)
}

// admit decodes, validates and queues one event. It returns why the event
// was refused, or "" when it was queued.
func (h *Handler) admit(raw json.RawMessage, now time.Time) string {
	event, err := schema.DecodeEvent(raw, now)
	if err == nil {
		err = h.validator.ValidateAt(event, now)
	}
	if err != nil {
		h.metrics.EventRejected(metrics.ReasonInvalid)
		return err.Error()
	}

	switch err := h.queue.Push(event); {
	case err == nil:
		h.accepted.Add(1)
		return ""
	case errors.Is(err, queue.ErrQueueFull):
		h.metrics.EventRejected(metrics.ReasonQueueFull)
		return "queue full"
	default:
		return err.Error()
	}
}

// splitBatch returns the raw events of a request body: the "events" array
// when the object has one, otherwise the object itself.
func splitBatch(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	events, ok := fields["events"]
	if !ok {
		return []json.RawMessage{body}, nil
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(events, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// HealthCheck serves GET /health. The service reports degraded above 90%
// queue occupancy.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	q := h.queue.Metrics()
	status := "healthy"
	if q.Depth*10 > q.Capacity*9 {
		status = "degraded"
	}
	reply(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    q.Depth,
		"queue_capacity": q.Capacity,
		"queue_policy":   q.Policy,
		"events_total":   h.accepted.Load(),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func replyError(w http.ResponseWriter, status int, msg, reqID string) {
	reply(w, status, map[string]any{"success": false, "error": msg, "request_id": reqID})
}
