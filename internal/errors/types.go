// Package errors classifies failures for the retry machinery: transient
// errors may be retried by the queue or the push loop, permanent errors
// must not be.
package errors

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError wraps a failure that is expected to succeed on retry.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient error"
	}
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that must not be retried. The worker pool
// fails the job terminally when a handler returns one.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// FromStatusCode classifies an HTTP response status: 5xx and 429 are
// transient, other 4xx permanent, everything else nil.
func FromStatusCode(code int, err error) error {
	switch {
	case code >= 500 || code == http.StatusTooManyRequests:
		return &TransientError{Err: err, StatusCode: code}
	case code >= 400:
		return &PermanentError{Err: err, StatusCode: code}
	default:
		return err
	}
}

// IsPermanent reports whether err carries an explicit permanent marker.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// IsTransient reports whether err is worth retrying. Explicit markers win;
// otherwise network-level failures are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return true
	}
	if IsPermanent(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"connection reset", "connection refused", "timeout", "temporarily unavailable", "tls handshake"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
