package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sells-group/leadrun/internal/model"
)

// TransientError marks a failure that is safe to retry, such as an HTTP 429
// or 5xx response or a temporary SMTP rejection.
type TransientError struct {
	Err        error
	StatusCode int
	// RetryAfter is the wait the service asked for, if any.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// FromHTTPResponse wraps err as transient when status is retryable, taking
// the Retry-After header into account. Other statuses return err unchanged.
func FromHTTPResponse(err error, status int, header http.Header, now time.Time) error {
	if !IsTransientHTTPStatus(status) {
		return err
	}
	te := NewTransientError(err, status)
	te.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), now)
	return te
}

// ParseRetryAfter reads a Retry-After value given in seconds or as an HTTP
// date. Unparseable or past values yield 0.
func ParseRetryAfter(v string, now time.Time) time.Duration {
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
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// RetryAfterOf returns the wait requested by the service behind err.
func RetryAfterOf(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// RejectedError marks a failure caused by the lead or request itself: no
// address, a mailbox that does not exist, an invalid event. Retrying cannot
// help and the service is not at fault.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string { return e.Err.Error() }

func (e *RejectedError) Unwrap() error { return e.Err }

// Reject wraps err as a rejection. A nil err stays nil.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &RejectedError{Err: err}
}

// IsRejected reports whether err was caused by the lead or request rather
// than the service. Validation errors count as rejections.
func IsRejected(err error) bool {
	var re *RejectedError
	if errors.As(err, &re) {
		return true
	}
	var ve *model.ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is worth retrying. Context cancellation
// and deadline errors never are: a timed-out action may already have taken
// effect on the remote side.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return false
	}
	if IsRejected(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ErrorType labels a failure for the retry queue.
type ErrorType string

const (
	ErrorTypeTransient   ErrorType = "transient"
	ErrorTypePermanent   ErrorType = "permanent"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
)

// ClassifyError categorizes a failed action. Timeouts and open circuits are
// retryable from the queue even though they are not retried in-line.
// Rejections are permanent.
func ClassifyError(err error) ErrorType {
	switch {
	case IsRejected(err):
		return ErrorTypePermanent
	case errors.Is(err, ErrCircuitOpen):
		return ErrorTypeCircuitOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case IsTransient(err):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}

// Trips reports whether a failed call says something about the health of
// the service. Rejections, permanent errors and cancellation by the caller
// do not.
func Trips(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return ClassifyError(err) != ErrorTypePermanent
}
