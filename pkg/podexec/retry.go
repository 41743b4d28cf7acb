package podexec

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// RetryPolicy bounds the exec engine's idempotent retry loop. Delays are
// generated by backoff.ExponentialBackOff, which already implements the
// base·multiplier^attempt plus randomization jitter this loop needs.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy holds conservative defaults for the exec engine's
// transport retries.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   10 * time.Second,
}

// backOff builds a fresh exponential backoff generator bounded by p, with
// its own stop condition disabled: the caller's attempt counter, not
// backoff.Stop, decides when retries end.
func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// delay returns the attempt'th backoff interval (1-based), capped at
// MaxDelay.
func (p RetryPolicy) delay(attempt int) time.Duration {
	b := p.backOff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// isRetryable classifies a websocket transport failure: a connection-closed,
// SSL EOF, or handshake failure with HTTP status >= 500 is retryable,
// unless the response body names a permanent condition ("pod does not
// exist", "container not found").
func isRetryable(err error, resp *http.Response, responseBody string) bool {
	if err == nil {
		return false
	}
	body := strings.ToLower(responseBody)
	if strings.Contains(body, "pod does not exist") || strings.Contains(body, "container not found") {
		return false
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, websocket.ErrBadHandshake) && resp != nil && resp.StatusCode >= 500 {
		return true
	}
	return false
}
