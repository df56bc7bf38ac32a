package mpesa

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidPhone  = errors.New("invalid phone number")
	ErrNoClient      = errors.New("no active mpesa configuration")
	ErrInvalidAmount = errors.New("amount must be a positive whole number of shillings")
)

// ProcessingErrorCode is returned by the STK query while the customer has
// not yet answered the prompt.
const ProcessingErrorCode = "500.001.1001"

// APIError is a non-success answer from Daraja.
type APIError struct {
	Op         string
	HTTPStatus int
	Code       string
	Message    string
	RequestID  string
	// RetryIn carries the Retry-After header of a 429 or 503.
	RetryIn time.Duration
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("mpesa ")
	b.WriteString(e.Op)
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, ": http %d", e.HTTPStatus)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

// Temporary reports whether the call may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.HTTPStatus == http.StatusTooManyRequests || e.HTTPStatus >= 500
}

// RetryAfter lets the task engine honour the provider's backoff hint.
func (e *APIError) RetryAfter() time.Duration { return e.RetryIn }

// IsProcessing reports whether err is the "still processing" answer of an
// STK query.
func IsProcessing(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == ProcessingErrorCode
}

func parseRetryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if n, err := strconv.Atoi(h); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
