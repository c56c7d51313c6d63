package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crosspost/internal/dispatch"
	"crosspost/internal/metrics"
	"crosspost/internal/post"
	"crosspost/internal/ratelimit"
	"crosspost/internal/retry"
	"crosspost/internal/scheduler"
	"crosspost/internal/stats"
	"crosspost/internal/storage"
	"crosspost/internal/transport"
	"crosspost/internal/transport/dryrun"
	"crosspost/pkg/logx"
)

type stack struct {
	sched *scheduler.Scheduler
	srv   *httptest.Server
}

func newStack(t *testing.T, opts ...Option) stack {
	t.Helper()

	reg := transport.NewRegistry()
	if err := reg.Register("sandbox", dryrun.New(dryrun.Config{}, logx.Nop())); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("broken", dryrun.New(dryrun.Config{FailTimes: 1000, FailStatus: http.StatusBadRequest}, logx.Nop())); err != nil {
		t.Fatalf("register: %v", err)
	}
	tbl, _ := ratelimit.NewTable(ratelimit.Policy{}, nil)
	lim, err := ratelimit.New(tbl, nil)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	rp, err := retry.New(retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	reg2 := prometheus.NewRegistry()
	sink := metrics.NewPrometheus(reg2, logx.Nop())
	d, err := dispatch.New(dispatch.Config{}, reg, lim, rp, dispatch.WithMetrics(sink))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s, err := scheduler.New(scheduler.Config{}, storage.NewMemory(), d,
		scheduler.WithStats(stats.New()),
		scheduler.WithMetrics(sink),
	)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	opts = append([]Option{WithMetrics(reg2)}, opts...)
	srv := httptest.NewServer(NewHandler(s, opts...))
	t.Cleanup(srv.Close)
	return stack{sched: s, srv: srv}
}

func (st stack) do(t *testing.T, method, path, body string, hdr ...string) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, st.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := st.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func decodeJob(t *testing.T, b []byte) post.Job {
	t.Helper()
	var j post.Job
	if err := json.Unmarshal(b, &j); err != nil {
		t.Fatalf("decode job: %v (%s)", err, b)
	}
	return j
}

func TestSubmitPost(t *testing.T) {
	t.Parallel()

	st := newStack(t)
	resp, body := st.do(t, http.MethodPost, "/v1/posts", `{"content":{"text":"hi"},"targets":["sandbox"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	job := decodeJob(t, body)
	if job.Status != post.StatusPosted || len(job.Results) != 1 || job.Results[0].ExternalID == "" {
		t.Fatalf("job=%+v", job)
	}

	resp, body = st.do(t, http.MethodGet, "/v1/jobs/"+job.ID, "")
	if resp.StatusCode != http.StatusOK || decodeJob(t, body).Status != post.StatusPosted {
		t.Fatalf("get: %d %s", resp.StatusCode, body)
	}
}

func TestSubmitPartialFailure(t *testing.T) {
	t.Parallel()

	st := newStack(t)
	resp, body := st.do(t, http.MethodPost, "/v1/posts", `{"content":{"text":"hi"},"targets":["sandbox","broken"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	job := decodeJob(t, body)
	if job.Status != post.StatusFailed || !job.Results[0].Success || job.Results[1].Success {
		t.Fatalf("job=%+v", job)
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()

	st := newStack(t)
	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"duplicate targets", http.MethodPost, "/v1/posts", `{"content":{"text":"x"},"targets":["sandbox","sandbox"]}`, http.StatusBadRequest},
		{"empty content", http.MethodPost, "/v1/posts", `{"content":{},"targets":["sandbox"]}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/posts", `{"content":{"text":"x"},"targets":["sandbox"],"x":1}`, http.StatusBadRequest},
		{"trailing", http.MethodPost, "/v1/posts", `{"content":{"text":"x"},"targets":["sandbox"]}{}`, http.StatusBadRequest},
		{"past schedule", http.MethodPost, "/v1/schedules", `{"content":{"text":"x"},"targets":["sandbox"],"scheduled_at":"2001-01-01T00:00:00Z"}`, http.StatusBadRequest},
		{"no time", http.MethodPost, "/v1/schedules", `{"content":{"text":"x"},"targets":["sandbox"]}`, http.StatusBadRequest},
		{"both times", http.MethodPost, "/v1/schedules", `{"content":{"text":"x"},"targets":["sandbox"],"delay":"1h","scheduled_at":"2099-01-01T00:00:00Z"}`, http.StatusBadRequest},
		{"bad status", http.MethodGet, "/v1/jobs?status=lost", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/jobs?limit=-1", "", http.StatusBadRequest},
		{"missing job", http.MethodGet, "/v1/jobs/nope", "", http.StatusNotFound},
		{"cancel missing", http.MethodDelete, "/v1/jobs/nope", "", http.StatusNotFound},
		{"execute missing", http.MethodPost, "/v1/jobs/nope/execute", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, body := st.do(t, tc.method, tc.path, tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status=%d want %d body=%s", tc.name, resp.StatusCode, tc.want, body)
		}
	}
}

func TestScheduleCancelAndExecute(t *testing.T) {
	t.Parallel()

	st := newStack(t)

	resp, body := st.do(t, http.MethodPost, "/v1/schedules", `{"content":{"text":"later"},"targets":["sandbox"],"delay":"1h"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("schedule: %d %s", resp.StatusCode, body)
	}
	first := decodeJob(t, body)
	if first.Status != post.StatusPending {
		t.Fatalf("status=%s", first.Status)
	}

	resp, body = st.do(t, http.MethodDelete, "/v1/jobs/"+first.ID, "")
	if resp.StatusCode != http.StatusOK || decodeJob(t, body).Status != post.StatusCancelled {
		t.Fatalf("cancel: %d %s", resp.StatusCode, body)
	}
	resp, _ = st.do(t, http.MethodDelete, "/v1/jobs/"+first.ID, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status=%d", resp.StatusCode)
	}

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp, body = st.do(t, http.MethodPost, "/v1/schedules", `{"content":{"text":"later"},"targets":["sandbox"],"scheduled_at":"`+at+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("schedule: %d %s", resp.StatusCode, body)
	}
	second := decodeJob(t, body)

	resp, body = st.do(t, http.MethodPost, "/v1/jobs/"+second.ID+"/execute", "")
	if resp.StatusCode != http.StatusOK || decodeJob(t, body).Status != post.StatusPosted {
		t.Fatalf("execute: %d %s", resp.StatusCode, body)
	}
	resp, _ = st.do(t, http.MethodPost, "/v1/jobs/"+second.ID+"/execute", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-execute status=%d", resp.StatusCode)
	}

	resp, body = st.do(t, http.MethodGet, "/v1/jobs?status=cancelled", "")
	var list struct {
		Jobs []post.Job `json:"jobs"`
	}
	if err := json.Unmarshal(body, &list); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %v", resp.StatusCode, err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != first.ID {
		t.Fatalf("cancelled jobs=%+v", list.Jobs)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	t.Parallel()

	st := newStack(t)
	st.do(t, http.MethodPost, "/v1/posts", `{"content":{"text":"hi"},"targets":["sandbox"]}`)

	resp, body := st.do(t, http.MethodGet, "/v1/stats", "")
	var snap stats.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %v", resp.StatusCode, err)
	}
	if snap.JobsSucceeded != 1 || snap.Targets["sandbox"].Successes != 1 {
		t.Fatalf("snap=%+v", snap)
	}

	resp, body = st.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "crosspost_scheduler_executions_total") {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	st := newStack(t, WithToken("s3cret"))

	resp, _ := st.do(t, http.MethodGet, "/v1/stats", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", resp.StatusCode)
	}
	resp, _ = st.do(t, http.MethodGet, "/v1/stats", "", "Authorization", "Bearer wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", resp.StatusCode)
	}
	resp, _ = st.do(t, http.MethodGet, "/v1/stats", "", "Authorization", "Bearer s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: %d", resp.StatusCode)
	}
	resp, _ = st.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz needs no token: %d", resp.StatusCode)
	}
}

func TestHealthAndDebug(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	st := newStack(t,
		WithHealth(func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return context.DeadlineExceeded
		}),
		WithDebug("circuits", func() any { return []string{"ok"} }),
	)
	if resp, _ := st.do(t, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz=%d", resp.StatusCode)
	}
	healthy.Store(false)
	if resp, _ := st.do(t, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy=%d", resp.StatusCode)
	}
	if resp, body := st.do(t, http.MethodGet, "/v1/debug/circuits", ""); resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("debug=%d %s", resp.StatusCode, body)
	}
	if resp, _ := st.do(t, http.MethodGet, "/v1/debug/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown debug=%d", resp.StatusCode)
	}
}

func TestShutdownAnswers503(t *testing.T) {
	t.Parallel()

	st := newStack(t)
	if err := st.sched.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	resp, _ := st.do(t, http.MethodPost, "/v1/posts", `{"content":{"text":"hi"},"targets":["sandbox"]}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestServerRun(t *testing.T) {
	t.Parallel()

	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, NewHandler(nil), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server never listened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	srv := NewServer(ServerConfig{Addr: "0.0.0.0:0"}, http.NotFoundHandler(), logx.Nop())
	if err := srv.Run(context.Background()); err != ErrInsecureBind {
		t.Fatalf("err=%v", err)
	}
}
