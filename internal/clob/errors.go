package clob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// RateLimitedError is returned on HTTP 429. ResetAt is derived from the
// Retry-After header when present.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// UpstreamError is returned on any non-2xx status other than 429.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the error class is worth retrying (5xx only;
// other 4xx are permanent).
func (e *UpstreamError) Retryable() bool {
	return e.Status >= 500
}

// ErrTimeout classifies request deadline expiry.
var ErrTimeout = errors.New("request timed out")

// classify maps a resty response/error pair onto the client error taxonomy.
func classify(resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}
	if resp.IsSuccess() {
		return nil
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		resetAt := time.Now().Add(30 * time.Second)
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				resetAt = time.Now().Add(time.Duration(secs) * time.Second)
			}
		}
		return &RateLimitedError{ResetAt: resetAt}
	}
	return &UpstreamError{Status: resp.StatusCode(), Body: resp.String()}
}

// IsRetryable reports whether the caller should retry with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.Retryable()
	}
	// Transport-level failures (connection refused, reset) are transient.
	var target *resty.ResponseError
	return !errors.As(err, &target)
}
