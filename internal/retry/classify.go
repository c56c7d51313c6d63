package retry

import (
	"context"
	"errors"
)

// Classifier decides whether a failed attempt may be retried.
type Classifier func(err error) bool

// Retryabler is implemented by errors that know their own retry class, such
// as transport.PublishError.
type Retryabler interface {
	Retryable() bool
}

// DefaultClassifier retries transport failures, timeouts, HTTP 5xx and 429.
// Client errors (other 4xx), caller cancellation and Permanent errors stop
// immediately. Errors with no classification are treated as transport
// failures.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r Retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}
	// Timeouts, net.Error and anything unclassified are transport class.
	return true
}

// RetryableStatus classifies an HTTP status code: 429 and 5xx retry.
func RetryableStatus(code int) bool {
	return code == 429 || code >= 500
}
