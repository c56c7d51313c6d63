package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind is the coarse failure class of a publish attempt.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer      ErrorKind = "server_error"
	KindClient      ErrorKind = "client_error"
)

// PublishError is the classified error adapters return.
type PublishError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// After is the platform's suggested wait, if it sent one.
	After time.Duration
	Err   error
}

func (e *PublishError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed. Only client
// errors are final.
func (e *PublishError) Retryable() bool { return e.Kind != KindClient }

// RetryAfter exposes the platform hint to the retry policy.
func (e *PublishError) RetryAfter() time.Duration { return e.After }

// NetworkError wraps a transport-level failure.
func NetworkError(err error) *PublishError {
	return &PublishError{Kind: KindNetwork, Err: err}
}

// StatusError classifies an HTTP status: 429 is rate limited, 5xx server,
// every other non-2xx a client error.
func StatusError(code int, message string) *PublishError {
	kind := KindClient
	switch {
	case code == http.StatusTooManyRequests:
		kind = KindRateLimited
	case code >= 500:
		kind = KindServer
	}
	return &PublishError{Kind: kind, StatusCode: code, Message: message}
}

// KindOf returns the kind of a PublishError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
