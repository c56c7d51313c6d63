// Package webhook publishes posts as signed JSON requests to an HTTP
// endpoint, such as a platform bridge or an automation service.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/post"
	"crosspost/internal/transport"
)

const (
	HeaderDelivery  = "X-Crosspost-Delivery"
	HeaderTarget    = "X-Crosspost-Target"
	HeaderSignature = "X-Crosspost-Signature"

	maxResponseBody = 64 << 10
)

type Config struct {
	URL     string
	Secret  string
	Headers map[string]string
	Timeout time.Duration
}

// Payload is the request body.
type Payload struct {
	DeliveryID string       `json:"delivery_id"`
	Target     string       `json:"target"`
	Content    post.Content `json:"content"`
	SentAt     time.Time    `json:"sent_at"`
}

// Response is what the endpoint may answer with on 2xx.
type Response struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Sender struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config, client *http.Client) (*Sender, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook: url is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Sender{cfg: cfg, client: client}, nil
}

// Publish posts the payload and maps the HTTP outcome onto transport error
// kinds. A 2xx without a JSON body still succeeds, with the delivery id as
// the external id.
func (s *Sender) Publish(ctx context.Context, target string, content post.Content) (transport.Receipt, error) {
	p := Payload{
		DeliveryID: uuid.NewString(),
		Target:     target,
		Content:    content,
		SentAt:     time.Now().UTC(),
	}
	body, err := json.Marshal(p)
	if err != nil {
		return transport.Receipt{}, &transport.PublishError{Kind: transport.KindClient, Message: "marshal payload", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return transport.Receipt{}, &transport.PublishError{Kind: transport.KindClient, Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderDelivery, p.DeliveryID)
	req.Header.Set(HeaderTarget, target)
	if s.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(s.cfg.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return transport.Receipt{}, transport.NetworkError(fmt.Errorf("send: %w", err))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		pe := transport.StatusError(resp.StatusCode, strings.TrimSpace(string(raw)))
		if pe.Message == "" {
			pe.Message = http.StatusText(resp.StatusCode)
		}
		pe.After = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return transport.Receipt{}, pe
	}

	var out Response
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	if out.ID == "" {
		out.ID = p.DeliveryID
	}
	return transport.Receipt{ExternalID: out.ID, URL: out.URL}, nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value, with or without the sha256= prefix.
func Verify(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
