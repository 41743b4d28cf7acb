// Package errs defines the error taxonomy shared by the release, exec and
// sandbox layers. Each type wraps an underlying cause and is
// usable with errors.Is/errors.As.
package errs

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ValidationError signals a config or prerequisite problem. Never retried.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("validation error: %s", e.Msg)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError with an optional cause.
func NewValidationError(msg string, cause error) *ValidationError {
	return &ValidationError{Msg: msg, Err: cause}
}

// TransientInstallError marks a Helm install failure classified as
// retryable (quota modified or quota exceeded).
type TransientInstallError struct {
	Reason string // "quota-modified" | "quota-exceeded"
	Stderr string
}

func (e *TransientInstallError) Error() string {
	return fmt.Sprintf("transient install error (%s): %s", e.Reason, e.Stderr)
}

// InstallTimeoutError marks a non-retryable Helm context-deadline failure.
type InstallTimeoutError struct {
	TimeoutSeconds int
	DocsURL        string
}

func (e *InstallTimeoutError) Error() string {
	return fmt.Sprintf(
		"helm install exceeded the configured timeout of %ds; see %s for remediation",
		e.TimeoutSeconds, e.DocsURL,
	)
}

// PodError wraps an unexpected Kubernetes API fault with release, pod and
// argument context.
type PodError struct {
	Release string
	Pod     string
	Op      string
	Err     error
}

func (e *PodError) Error() string {
	return fmt.Sprintf("pod error: release=%s pod=%s op=%s: %v", e.Release, e.Pod, e.Op, e.Err)
}

func (e *PodError) Unwrap() error { return e.Err }

// GetReturncodeError means an exec completed but no sentinel was observed
// in stdout.
type GetReturncodeError struct {
	ExecutionID string
	Err         error
}

func (e *GetReturncodeError) Error() string {
	return fmt.Sprintf("could not recover return code for execution %s: %v", e.ExecutionID, e.Err)
}

func (e *GetReturncodeError) Unwrap() error { return e.Err }

// OutputLimitExceededError means captured stdout/stderr or a transferred
// file exceeded the configured byte limit.
type OutputLimitExceededError struct {
	Limit    int
	Observed int
}

func (e *OutputLimitExceededError) Error() string {
	return fmt.Sprintf("output limit exceeded: observed %d bytes, limit %d", e.Observed, e.Limit)
}

// K8sError is the enriched, "unexpected" error the façade rethrows:
// pod/release/task/argument context wrapped around the cause.
type K8sError struct {
	Task    string
	Release string
	Pod     string
	Args    []string
	Err     error
}

func (e *K8sError) Error() string {
	return fmt.Sprintf("k8s sandbox error: task=%s release=%s pod=%s args=%v: %v",
		e.Task, e.Release, e.Pod, e.Args, e.Err)
}

func (e *K8sError) Unwrap() error { return e.Err }

// TimeoutError, OutputLimitExceededError (above), PermissionError,
// FileNotFoundError, UnicodeDecodeError and IsADirectoryError are the
// "expected" errors the façade passes through unenriched. The
// Go standard library already supplies equivalents for permission denied,
// not found and is-a-directory (os.ErrPermission / os.ErrNotExist /
// syscall.EISDIR-wrapping errors), so TimeoutError and UnicodeDecodeError
// (below) are the only new types here.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError pairs ErrTimeout with the operation that timed out.
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// UnicodeDecodeError means a file read from a pod could not be decoded as
// UTF-8 when a text read was requested.
type UnicodeDecodeError struct {
	Path string
}

func (e *UnicodeDecodeError) Error() string {
	return fmt.Sprintf("could not decode %s as UTF-8", e.Path)
}

// NewUnicodeDecodeError builds a UnicodeDecodeError for path.
func NewUnicodeDecodeError(path string) *UnicodeDecodeError {
	return &UnicodeDecodeError{Path: path}
}

// IsExpected reports whether err is one of the "expected" classes the
// façade passes through without enrichment: TimeoutError,
// OutputLimitExceededError, ValidationError, or one of the file-transfer
// errors a pod file read/write can legitimately raise (permission denied,
// not found, is-a-directory, undecodable UTF-8).
func IsExpected(err error) bool {
	var (
		timeoutErr     *TimeoutError
		outputLimitErr *OutputLimitExceededError
		validationErr  *ValidationError
		unicodeErr     *UnicodeDecodeError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return true
	case errors.As(err, &outputLimitErr):
		return true
	case errors.As(err, &validationErr):
		return true
	case errors.As(err, &unicodeErr):
		return true
	case errors.Is(err, ErrTimeout):
		return true
	case errors.Is(err, os.ErrPermission):
		return true
	case errors.Is(err, os.ErrNotExist):
		return true
	case errors.Is(err, syscall.EISDIR):
		return true
	}
	return false
}
