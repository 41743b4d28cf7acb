// Package podexec is the pod exec engine: it wraps every user command in a
// shell trampoline carrying a completion sentinel, talks to the exec
// subresource over a channel.k8s.io websocket, and retries idempotently
// when the command is known not to have started.
package podexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/client-go/rest"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/config"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/errs"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/logging"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/kubernetes"
)

// Request is one exec call's inputs.
type Request struct {
	Pod     kubernetes.PodInfo
	Command []string
	Stdin   []byte
	Cwd     string
	Env     map[string]string
	User    string
	Timeout time.Duration

	// RestartBaseline is each container's restart count observed when the
	// owning Sandbox was created, used by pod-restart detection to tell a
	// restart that happened *during this exec* from one that predates it.
	RestartBaseline map[string]int32

	// RestartBehavior overrides the Engine's default "warn"/"raise" choice
	// for this call's pod-restart detection, since restarted_container_behavior
	// is resolved per sample while the Engine itself is a process-wide
	// singleton. Empty means "use the Engine's default".
	RestartBehavior string
}

// Result is the reconstructed outcome of a completed exec. A non-zero
// ReturnCode is not an error: non-zero exit codes are a normal result,
// not an exception.
type Result struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Engine runs exec requests against one cluster.
type Engine struct {
	resolver          *kubernetes.Resolver
	podOps            *kubernetes.PodOpExecutor
	settings          *config.Settings
	policy            RetryPolicy
	keepaliveInterval time.Duration
	outputLimitBytes  int
	restartBehavior   string // "warn" | "raise"

	// execAttempt, probeMarkerFn and cleanupFn default to e.attempt,
	// e.probeMarker and e.cleanup; tests in this package override them to
	// drive Exec's retry loop without a real cluster or websocket.
	execAttempt   func(ctx context.Context, req Request, id string) (*Result, error)
	probeMarkerFn func(ctx context.Context, req Request, id string) (bool, error)
	cleanupFn     func(ctx context.Context, req Request, id string)
}

// NewEngine builds an Engine. restartBehavior is the façade's configured
// `restarted_container_behavior`.
func NewEngine(resolver *kubernetes.Resolver, podOps *kubernetes.PodOpExecutor, settings *config.Settings, restartBehavior string) *Engine {
	if restartBehavior == "" {
		restartBehavior = "warn"
	}
	e := &Engine{
		resolver:          resolver,
		podOps:            podOps,
		settings:          settings,
		policy:            DefaultRetryPolicy,
		keepaliveInterval: 30 * time.Second,
		outputLimitBytes:  10 * 1024 * 1024,
		restartBehavior:   restartBehavior,
	}
	e.execAttempt = e.attempt
	e.probeMarkerFn = e.probeMarker
	e.cleanupFn = e.cleanup
	return e
}

// attemptFailure carries enough detail about one failed exec attempt to
// route it either through isRetryable/marker-probe classification or
// straight to pod-restart detection. sentinelMissing is true only when the
// websocket closed normally (the apiserver's own end-of-stream signal) with
// no sentinel ever observed; any other failure, including an abnormal close
// that looks identical at the ExtractSentinel call site, is left false so it
// still gets a chance to retry.
type attemptFailure struct {
	err             error
	resp            *http.Response
	responseBody    string
	sentinelMissing bool
}

func (f *attemptFailure) Error() string { return f.err.Error() }
func (f *attemptFailure) Unwrap() error { return f.err }

// Exec runs req to completion, applying req.Timeout, the Engine's retry
// policy and pod-restart detection (handleMissingSentinel).
func (e *Engine) Exec(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	id := uuid.New().String()
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxRetries+1; attempt++ {
		result, execErr := e.execAttempt(ctx, req, id)
		if execErr == nil {
			e.cleanupFn(ctx, req, id)
			return result, nil
		}

		var outputErr *errs.OutputLimitExceededError
		if errors.As(execErr, &outputErr) {
			return nil, execErr
		}

		if ctx.Err() != nil {
			return nil, &errs.TimeoutError{Op: "pod exec", Timeout: req.Timeout.String()}
		}

		var af *attemptFailure
		if !errors.As(execErr, &af) {
			return nil, &errs.PodError{Pod: req.Pod.Name, Op: "exec", Err: execErr}
		}

		if af.sentinelMissing {
			return e.handleMissingSentinel(ctx, req)
		}

		lastErr = af.err
		if !isRetryable(af.err, af.resp, af.responseBody) {
			break
		}

		started, probeErr := e.probeMarkerFn(ctx, req, id)
		if probeErr == nil && started {
			logging.L(ctx).Info("exec retry aborted: marker indicates the command already started",
				logging.Fields("pod", req.Pod.Name)...)
			break
		}

		if attempt <= e.policy.MaxRetries {
			logging.L(ctx).Info("retrying exec after a transport failure",
				logging.Fields("pod", req.Pod.Name, "attempt", attempt)...)
			if !e.sleep(ctx, e.policy.delay(attempt)) {
				return nil, &errs.TimeoutError{Op: "pod exec", Timeout: req.Timeout.String()}
			}
		}
	}

	return nil, &errs.PodError{Pod: req.Pod.Name, Op: "exec", Err: lastErr}
}

func (e *Engine) containerCommand(id string, req Request) []string {
	script := trampoline(id, req.Command, req.Cwd, req.Env)
	if req.User != "" {
		return []string{"su", "-s", "/bin/sh", "-l", req.User, "-c", script}
	}
	return []string{"sh", "-c", script}
}

// attempt runs a single dial-and-stream exec attempt.
func (e *Engine) attempt(ctx context.Context, req Request, id string) (*Result, error) {
	_, cfg, err := e.resolver.Client(0, req.Pod.ContextName)
	if err != nil {
		return nil, err
	}
	return e.runOnce(ctx, cfg, req, id)
}

func (e *Engine) runOnce(ctx context.Context, cfg *rest.Config, req Request, id string) (*Result, error) {
	command := e.containerCommand(id, req)
	conn, resp, err := dialExec(cfg, req.Pod.Namespace, req.Pod.Name, req.Pod.DefaultContainerName, command, len(req.Stdin) > 0)
	if err != nil {
		body := ""
		if resp != nil {
			var buf bytes.Buffer
			buf.ReadFrom(resp.Body)
			body = buf.String()
			resp.Body.Close()
		}
		return nil, &attemptFailure{err: err, resp: resp, responseBody: body}
	}
	defer conn.Close()

	stop := make(chan struct{})
	var writeMu sync.Mutex
	go keepalive(conn, e.keepaliveInterval, stop, &writeMu)
	defer close(stop)

	if len(req.Stdin) > 0 {
		frame := append([]byte{channelStdin}, req.Stdin...)
		writeMu.Lock()
		werr := conn.WriteMessage(websocket.BinaryMessage, frame)
		writeMu.Unlock()
		if werr != nil {
			return nil, &attemptFailure{err: werr}
		}
	}

	var stdout, stderr bytes.Buffer
	var closeErr error
	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			closeErr = rerr
			break
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case channelStdout:
			stdout.Write(data[1:])
		case channelStderr:
			stderr.Write(data[1:])
		}
		if e.outputLimitBytes > 0 && (stdout.Len() > e.outputLimitBytes || stderr.Len() > e.outputLimitBytes) {
			return nil, &errs.OutputLimitExceededError{Limit: e.outputLimitBytes, Observed: max(stdout.Len(), stderr.Len())}
		}
	}

	cleaned, code, ok := ExtractSentinel(stdout.String())
	if !ok {
		// A normal closure (the apiserver's own signal that the exec stream is
		// done) with no sentinel means the command's output genuinely never
		// carried one, not that the connection dropped mid-command; retrying
		// wouldn't change that, so this skips isRetryable and goes straight
		// to pod-restart detection. Any other close reason is indistinguishable
		// from a transient network failure and is routed through the same
		// isRetryable/marker-probe classification a dial failure gets.
		var wsClose *websocket.CloseError
		normalClosure := errors.As(closeErr, &wsClose) && wsClose.Code == websocket.CloseNormalClosure
		return nil, &attemptFailure{err: closeErr, sentinelMissing: normalClosure}
	}
	return &Result{ReturnCode: code, Stdout: cleaned, Stderr: stderr.String()}, nil
}

// probeMarker asks the pod whether id's marker file exists, the idempotency
// check that gates every retry: if the marker file exists, the command did
// start, so retrying is unsafe.
func (e *Engine) probeMarker(ctx context.Context, req Request, id string) (bool, error) {
	_, cfg, err := e.resolver.Client(0, req.Pod.ContextName)
	if err != nil {
		return false, err
	}
	conn, resp, err := dialExec(cfg, req.Pod.Namespace, req.Pod.Name, req.Pod.DefaultContainerName, markerProbeCommand(id), false)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, err
	}
	defer conn.Close()

	var stdout bytes.Buffer
	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			break
		}
		if len(data) > 0 && data[0] == channelStdout {
			stdout.Write(data[1:])
		}
	}
	return strings.TrimSpace(stdout.String()) == "started", nil
}

// cleanup removes the marker/status pair after a successful terminal
// attempt. Best-effort: failures are swallowed since the files
// are debugging aids, not correctness-critical once the result is in hand.
func (e *Engine) cleanup(ctx context.Context, req Request, id string) {
	_, cfg, err := e.resolver.Client(0, req.Pod.ContextName)
	if err != nil {
		return
	}
	conn, resp, err := dialExec(cfg, req.Pod.Namespace, req.Pod.Name, req.Pod.DefaultContainerName, cleanupCommand(id), false)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	defer conn.Close()
	for {
		if _, _, rerr := conn.ReadMessage(); rerr != nil {
			break
		}
	}
}

// handleMissingSentinel runs pod-restart detection when no return code was
// recovered, reporting a restart according to restartBehavior before
// surfacing GetReturncodeError.
func (e *Engine) handleMissingSentinel(ctx context.Context, req Request) (*Result, error) {
	noRC := func(cause error) error {
		return &errs.GetReturncodeError{ExecutionID: "", Err: cause}
	}

	if !e.settings.PodRestartCheckEnabled || req.RestartBaseline == nil {
		return nil, noRC(errors.New("no completion sentinel observed in stdout"))
	}

	after, err := kubernetes.RestartCounts(ctx, e.podOps, e.resolver, req.Pod.ContextName, req.Pod.Namespace, req.Pod.Name)
	if err != nil {
		return nil, noRC(fmt.Errorf("no completion sentinel observed and restart check failed: %w", err))
	}

	restarted := false
	for container, count := range after {
		if count > req.RestartBaseline[container] {
			restarted = true
			break
		}
	}

	if restarted {
		behavior := e.restartBehavior
		if req.RestartBehavior != "" {
			behavior = req.RestartBehavior
		}
		msg := fmt.Sprintf("container restarted during exec for pod %s", req.Pod.Name)
		if behavior == "raise" {
			return nil, &errs.PodError{Pod: req.Pod.Name, Op: "exec", Err: errors.New(msg)}
		}
		logging.L(ctx).Info(msg, logging.Fields("pod", req.Pod.Name)...)
	}

	return nil, noRC(errors.New("no completion sentinel observed in stdout"))
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
