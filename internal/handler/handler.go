// Package handler provides the HTTP handlers of the instrumented demo server.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/trafficmeter/trafficmeter/internal/metrics"
)

// Version is reported by the root endpoint.
const Version = "0.1.0"

// DefaultMaxBodySize caps echoed request bodies (1MB).
const DefaultMaxBodySize int64 = 1 << 20

// Handler wraps application dependencies for HTTP handlers.
type Handler struct {
	collector   *metrics.Collector
	logger      *slog.Logger
	maxBodySize int64
}

// New creates a new Handler instance. collector may be nil when the live
// interval endpoint is not needed.
func New(collector *metrics.Collector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		collector:   collector,
		logger:      logger.With("component", "handler"),
		maxBodySize: DefaultMaxBodySize,
	}
}

// Hello is a simple hello endpoint for testing.
// GET /
func (h *Handler) Hello(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"message": "Hello from trafficmeter!",
		"version": Version,
	}
	writeJSON(w, http.StatusOK, response)
}

// Echo returns the request body unchanged.
// POST /echo
func (h *Handler) Echo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.logger.Warn("failed to read request body", "error", err)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Status responds with the status code given in the path.
// GET /status/{code}
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(chi.URLParam(r, "code"))
	if err != nil || code < 200 || code > 599 {
		writeError(w, http.StatusBadRequest, "status code must be between 200 and 599")
		return
	}

	writeJSON(w, code, map[string]any{
		"status": code,
		"text":   http.StatusText(code),
	})
}

// IntervalResponse is the live interval as exposed over HTTP.
type IntervalResponse struct {
	StartedAt     string `json:"started_at"`
	Requests      int64  `json:"requests"`
	Errors        int64  `json:"errors"`
	Status3xx     int64  `json:"status_3xx"`
	Status4xx     int64  `json:"status_4xx"`
	Status5xx     int64  `json:"status_5xx"`
	RequestBytes  int64  `json:"request_bytes"`
	ResponseBytes int64  `json:"response_bytes"`
	LatencyCount  int64  `json:"latency_count"`
	LatencyMinUs  int64  `json:"latency_min_us"`
	LatencyMaxUs  int64  `json:"latency_max_us"`
	LatencySumUs  int64  `json:"latency_sum_us"`
	LatencyP50Us  int64  `json:"latency_p50_us"`
	LatencyP95Us  int64  `json:"latency_p95_us"`
	LatencyP99Us  int64  `json:"latency_p99_us"`
}

// Interval reports the values collected so far in the current interval.
// GET /debug/interval
func (h *Handler) Interval(w http.ResponseWriter, r *http.Request) {
	if h.collector == nil {
		writeError(w, http.StatusServiceUnavailable, "collector not configured")
		return
	}

	cur := h.collector.Current()
	writeJSON(w, http.StatusOK, IntervalResponse{
		StartedAt:     cur.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Requests:      cur.Requests,
		Errors:        cur.Errors,
		Status3xx:     cur.Status3xx,
		Status4xx:     cur.Status4xx,
		Status5xx:     cur.Status5xx,
		RequestBytes:  cur.RequestBytes,
		ResponseBytes: cur.ResponseBytes,
		LatencyCount:  cur.Latency.Count,
		LatencyMinUs:  cur.Latency.Min,
		LatencyMaxUs:  cur.Latency.Max,
		LatencySumUs:  cur.Latency.Sum,
		LatencyP50Us:  cur.Latency.P50,
		LatencyP95Us:  cur.Latency.P95,
		LatencyP99Us:  cur.Latency.P99,
	})
}

// NotFound handles 404 responses.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "resource not found")
}

// MethodNotAllowed handles 405 responses.
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given status code.
// The body is encoded up front so Content-Length is advertised.
func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
