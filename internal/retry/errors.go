package retry

import (
	"errors"
	"fmt"
	"time"
)

// Permanent marks err as not worth retrying regardless of the classifier.
//
//	return retry.Permanent(fmt.Errorf("bad payload: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// bare strips Permanent markers so callers see the operation's own error.
func bare(err error) error {
	for {
		p, ok := err.(permanentError)
		if !ok {
			return err
		}
		err = p.err
	}
}

// AfterError is implemented by errors that carry a server-suggested delay,
// such as an HTTP Retry-After. The hint replaces the computed backoff but is
// still capped by MaxDelay.
type AfterError interface {
	error
	RetryAfter() time.Duration
}

// hint returns the retry-after delay carried by err, if any.
func hint(err error) (time.Duration, bool) {
	var ae AfterError
	if errors.As(err, &ae) {
		d := ae.RetryAfter()
		if d > 0 {
			return d, true
		}
	}
	return 0, false
}
