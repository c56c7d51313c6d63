package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crosspost/internal/post"
	"crosspost/internal/transport"
)

func TestPublishSignsAndDecodesReceipt(t *testing.T) {
	t.Parallel()

	const secret = "s3cret"
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !Verify(secret, body, r.Header.Get(HeaderSignature)) {
			t.Errorf("bad signature %q", r.Header.Get(HeaderSignature))
		}
		if r.Header.Get(HeaderTarget) != "mastodon" || r.Header.Get("X-Extra") != "1" {
			t.Errorf("headers=%v", r.Header)
		}
		_ = json.Unmarshal(body, &got)
		_, _ = io.WriteString(w, `{"id":"109","url":"https://social.example/@me/109"}`)
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL, Secret: secret, Headers: map[string]string{"X-Extra": "1"}}, srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r, err := s.Publish(context.Background(), "mastodon", post.Content{Text: "hello", Hashtags: []string{"go"}})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if r.ExternalID != "109" || r.URL == "" {
		t.Fatalf("receipt=%+v", r)
	}
	if got.Target != "mastodon" || got.Content.Text != "hello" || got.DeliveryID == "" {
		t.Fatalf("payload=%+v", got)
	}
}

func TestPublishEmptyBodyUsesDeliveryID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, _ := New(Config{URL: srv.URL}, srv.Client())
	r, err := s.Publish(context.Background(), "x", post.Content{Text: "t"})
	if err != nil || r.ExternalID == "" {
		t.Fatalf("r=%+v err=%v", r, err)
	}
}

func TestPublishStatusClasses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		header string
		kind   transport.ErrorKind
		after  time.Duration
	}{
		{http.StatusBadRequest, "", transport.KindClient, 0},
		{http.StatusUnauthorized, "", transport.KindClient, 0},
		{http.StatusTooManyRequests, "12", transport.KindRateLimited, 12 * time.Second},
		{http.StatusInternalServerError, "", transport.KindServer, 0},
		{http.StatusServiceUnavailable, "3", transport.KindServer, 3 * time.Second},
	}
	for _, tc := range cases {
		tc := tc
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.header != "" {
				w.Header().Set("Retry-After", tc.header)
			}
			w.WriteHeader(tc.status)
		}))
		s, _ := New(Config{URL: srv.URL}, srv.Client())
		_, err := s.Publish(context.Background(), "x", post.Content{Text: "t"})
		srv.Close()

		var pe *transport.PublishError
		if !errors.As(err, &pe) {
			t.Fatalf("%d: err=%v", tc.status, err)
		}
		if pe.Kind != tc.kind || pe.StatusCode != tc.status || pe.After != tc.after {
			t.Fatalf("%d: got %+v", tc.status, pe)
		}
	}
}

func TestPublishNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, _ := New(Config{URL: url, Timeout: time.Second}, nil)
	_, err := s.Publish(context.Background(), "x", post.Content{Text: "t"})
	if transport.KindOf(err) != transport.KindNetwork {
		t.Fatalf("err=%v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if d := parseRetryAfter("30", now); d != 30*time.Second {
		t.Fatalf("seconds: %s", d)
	}
	if d := parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now); d != time.Minute {
		t.Fatalf("date: %s", d)
	}
	if d := parseRetryAfter("soon", now); d != 0 {
		t.Fatalf("garbage: %s", d)
	}
}
