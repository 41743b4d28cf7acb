package podexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/config"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/errs"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/kubernetes"
)

// testEngine builds an Engine whose execAttempt/probeMarkerFn/cleanupFn are
// stubbed out, exercising Exec's retry/classification logic without a real
// cluster or websocket connection.
func testEngine(t *testing.T, restartCheckEnabled bool) *Engine {
	t.Helper()
	return &Engine{
		settings: &config.Settings{PodRestartCheckEnabled: restartCheckEnabled},
		policy:   RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		cleanupFn: func(ctx context.Context, req Request, id string) {
		},
	}
}

func testRequest() Request {
	return Request{Pod: kubernetes.PodInfo{Name: "pod1", Namespace: "ns1"}}
}

func TestExecSucceedsFirstAttempt(t *testing.T) {
	e := testEngine(t, false)
	calls := 0
	e.execAttempt = func(ctx context.Context, req Request, id string) (*Result, error) {
		calls++
		return &Result{ReturnCode: 0, Stdout: "hi"}, nil
	}

	res, err := e.Exec(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "hi" {
		t.Errorf("Stdout = %q, want hi", res.Stdout)
	}
	if calls != 1 {
		t.Errorf("execAttempt called %d times, want 1", calls)
	}
}

// TestExecRetriesClosedConnectionWhenMarkerNotStarted exercises the closed-
// connection retry scenario: the first attempt fails with an abnormal
// websocket close, the marker probe confirms the command never started, and
// the second attempt succeeds.
func TestExecRetriesClosedConnectionWhenMarkerNotStarted(t *testing.T) {
	e := testEngine(t, false)
	attempts := 0
	e.execAttempt = func(ctx context.Context, req Request, id string) (*Result, error) {
		attempts++
		if attempts == 1 {
			return nil, &attemptFailure{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}}
		}
		return &Result{ReturnCode: 0}, nil
	}
	probes := 0
	e.probeMarkerFn = func(ctx context.Context, req Request, id string) (bool, error) {
		probes++
		return false, nil
	}

	res, err := e.Exec(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ReturnCode != 0 {
		t.Errorf("ReturnCode = %d, want 0", res.ReturnCode)
	}
	if attempts != 2 {
		t.Errorf("execAttempt called %d times, want 2", attempts)
	}
	if probes != 1 {
		t.Errorf("probeMarkerFn called %d times, want 1", probes)
	}
}

// TestExecDoesNotRetryWhenMarkerReportsStarted exercises the unsafe-to-retry
// branch: the marker probe reports the command already started, so the
// original transport error propagates without a second attempt.
func TestExecDoesNotRetryWhenMarkerReportsStarted(t *testing.T) {
	e := testEngine(t, false)
	attempts := 0
	closeErr := &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	e.execAttempt = func(ctx context.Context, req Request, id string) (*Result, error) {
		attempts++
		return nil, &attemptFailure{err: closeErr}
	}
	e.probeMarkerFn = func(ctx context.Context, req Request, id string) (bool, error) {
		return true, nil
	}

	_, err := e.Exec(context.Background(), testRequest())
	if err == nil {
		t.Fatal("Exec() = nil error, want failure")
	}
	var podErr *errs.PodError
	if !errors.As(err, &podErr) {
		t.Fatalf("Exec() error = %T, want *errs.PodError", err)
	}
	if !errors.Is(podErr.Err, closeErr) {
		t.Errorf("PodError.Err = %v, want the original close error", podErr.Err)
	}
	if attempts != 1 {
		t.Errorf("execAttempt called %d times, want 1 (no retry)", attempts)
	}
}

// TestExecGivesUpAfterMaxRetries exercises retry exhaustion: every attempt
// fails with a retryable close error and the marker never reports started,
// so Exec retries MaxRetries times and then surfaces the last error.
func TestExecGivesUpAfterMaxRetries(t *testing.T) {
	e := testEngine(t, false)
	attempts := 0
	e.execAttempt = func(ctx context.Context, req Request, id string) (*Result, error) {
		attempts++
		return nil, &attemptFailure{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}}
	}
	e.probeMarkerFn = func(ctx context.Context, req Request, id string) (bool, error) {
		return false, nil
	}

	_, err := e.Exec(context.Background(), testRequest())
	if err == nil {
		t.Fatal("Exec() = nil error, want failure after exhausting retries")
	}
	var podErr *errs.PodError
	if !errors.As(err, &podErr) {
		t.Fatalf("Exec() error = %T, want *errs.PodError", err)
	}
	if attempts != e.policy.MaxRetries+1 {
		t.Errorf("execAttempt called %d times, want %d", attempts, e.policy.MaxRetries+1)
	}
}

// TestExecRoutesNormalClosureWithoutSentinelToMissingSentinel exercises the
// sentinelMissing path directly: a normal websocket closure with no sentinel
// observed skips the retry/marker-probe machinery entirely.
func TestExecRoutesNormalClosureWithoutSentinelToMissingSentinel(t *testing.T) {
	e := testEngine(t, false)
	attempts := 0
	e.execAttempt = func(ctx context.Context, req Request, id string) (*Result, error) {
		attempts++
		return nil, &attemptFailure{
			err:             &websocket.CloseError{Code: websocket.CloseNormalClosure},
			sentinelMissing: true,
		}
	}
	e.probeMarkerFn = func(ctx context.Context, req Request, id string) (bool, error) {
		t.Fatal("probeMarkerFn should not be consulted when the sentinel is missing")
		return false, nil
	}

	_, err := e.Exec(context.Background(), testRequest())
	if err == nil {
		t.Fatal("Exec() = nil error, want GetReturncodeError")
	}
	var rcErr *errs.GetReturncodeError
	if !errors.As(err, &rcErr) {
		t.Fatalf("Exec() error = %T, want *errs.GetReturncodeError", err)
	}
	if attempts != 1 {
		t.Errorf("execAttempt called %d times, want 1 (no retry for a missing sentinel)", attempts)
	}
}

func TestExecPropagatesOutputLimitExceeded(t *testing.T) {
	e := testEngine(t, false)
	e.execAttempt = func(ctx context.Context, req Request, id string) (*Result, error) {
		return nil, &errs.OutputLimitExceededError{Limit: 1024, Observed: 2048}
	}

	_, err := e.Exec(context.Background(), testRequest())
	var limitErr *errs.OutputLimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Exec() error = %T, want *errs.OutputLimitExceededError", err)
	}
}
