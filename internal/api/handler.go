// Package api serves the admin HTTP surface: the JSON job API, /healthz,
// /metrics and optional pprof.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crosspost/internal/post"
	"crosspost/internal/scheduler"
	"crosspost/internal/stats"
	"crosspost/internal/storage"
	"crosspost/pkg/logx"
)

const maxBody = 1 << 20

// Scheduler is the job API backend.
type Scheduler interface {
	SubmitNow(ctx context.Context, content post.Content, targets []string) (post.Job, error)
	Schedule(ctx context.Context, content post.Content, targets []string, at time.Time) (post.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	ExecuteNow(ctx context.Context, id string) (post.Job, bool, error)
	GetJob(ctx context.Context, id string) (post.Job, error)
	ListJobs(ctx context.Context, f storage.Filter) ([]post.Job, error)
	Stats() stats.Snapshot
}

type handler struct {
	sched    Scheduler
	token    string
	gatherer prometheus.Gatherer
	pprof    bool
	health   func(ctx context.Context) error
	extra    map[string]func() any
	log      logx.Logger
}

type Option func(*handler)

// WithToken requires "Authorization: Bearer <token>" on every route except
// /healthz.
func WithToken(token string) Option {
	return func(h *handler) { h.token = strings.TrimSpace(token) }
}

// WithMetrics serves g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option { return func(h *handler) { h.gatherer = g } }

func WithPprof(enabled bool) Option { return func(h *handler) { h.pprof = enabled } }

// WithHealth makes /healthz answer 503 while fn returns an error.
func WithHealth(fn func(ctx context.Context) error) Option {
	return func(h *handler) { h.health = fn }
}

// WithDebug exposes fn's result as JSON at GET /v1/debug/{name}.
func WithDebug(name string, fn func() any) Option {
	return func(h *handler) {
		if h.extra == nil {
			h.extra = map[string]func() any{}
		}
		h.extra[name] = fn
	}
}

func WithLogger(l logx.Logger) Option { return func(h *handler) { h.log = l } }

// NewHandler builds the admin mux.
func NewHandler(s Scheduler, opts ...Option) http.Handler {
	h := &handler{sched: s, log: logx.Nop()}
	for _, o := range opts {
		o(h)
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)

	mux.HandleFunc("POST /v1/posts", h.auth(h.submit))
	mux.HandleFunc("POST /v1/schedules", h.auth(h.schedule))
	mux.HandleFunc("GET /v1/jobs", h.auth(h.list))
	mux.HandleFunc("GET /v1/jobs/{id}", h.auth(h.get))
	mux.HandleFunc("POST /v1/jobs/{id}/execute", h.auth(h.execute))
	mux.HandleFunc("DELETE /v1/jobs/{id}", h.auth(h.cancel))
	mux.HandleFunc("GET /v1/stats", h.auth(h.stats))
	if len(h.extra) > 0 {
		mux.HandleFunc("GET /v1/debug/{name}", h.auth(h.debug))
	}

	if h.gatherer != nil {
		mux.Handle("GET /metrics", h.auth(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}
	if h.pprof {
		mux.HandleFunc("/debug/pprof/", h.auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", h.auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", h.auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", h.auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", h.auth(hpprof.Trace))
	}
	return mux
}

// PostRequest is the body of POST /v1/posts.
type PostRequest struct {
	Content post.Content `json:"content"`
	Targets []string     `json:"targets"`
}

// ScheduleRequest is the body of POST /v1/schedules. Exactly one of
// ScheduledAt (RFC 3339) or Delay (Go duration) must be set.
type ScheduleRequest struct {
	Content     post.Content `json:"content"`
	Targets     []string     `json:"targets"`
	ScheduledAt *time.Time   `json:"scheduled_at,omitempty"`
	Delay       string       `json:"delay,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req PostRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := h.sched.SubmitNow(r.Context(), req.Content, req.Targets)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	var at time.Time
	switch {
	case req.ScheduledAt != nil && req.Delay != "":
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "set scheduled_at or delay, not both"})
		return
	case req.ScheduledAt != nil:
		at = *req.ScheduledAt
	case req.Delay != "":
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "delay must be a positive duration", Field: "delay"})
			return
		}
		at = time.Now().Add(d)
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "scheduled_at or delay is required", Field: "scheduled_at"})
		return
	}

	job, err := h.sched.Schedule(r.Context(), req.Content, req.Targets, at)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f storage.Filter
	if s := q.Get("status"); s != "" {
		f.Status = post.Status(s)
		if !f.Status.Valid() {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("unknown status %q", s), Field: "status"})
			return
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer", Field: "limit"})
			return
		}
		f.Limit = n
	}
	jobs, err := h.sched.ListJobs(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []post.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	job, err := h.sched.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok, err := h.sched.ExecuteNow(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.conflict(w, r, id, "job is not pending or is already running")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.sched.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.conflict(w, r, id, "job is not pending or is already running")
		return
	}
	job, err := h.sched.GetJob(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Stats())
}

func (h *handler) debug(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.extra[r.PathValue("name")]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	writeJSON(w, http.StatusOK, fn())
}

// conflict answers 404 for unknown ids and 409 otherwise.
func (h *handler) conflict(w http.ResponseWriter, r *http.Request, id, msg string) {
	if _, err := h.sched.GetJob(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusConflict, errorBody{Error: msg})
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *post.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Message, Field: ve.Field})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "job not found"})
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, storage.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "shutting down"})
	default:
		h.log.Error("api request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (h *handler) auth(next http.HandlerFunc) http.HandlerFunc {
	if h.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == h.token {
			next(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: trailing data"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
