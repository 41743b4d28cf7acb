// Package helmrelease is the install/uninstall half of the sandbox core: a
// single Helm release's lifecycle (Release) and the per-context registry
// that tracks releases for cleanup (Manager, see manager.go). Helm is
// invoked as an external process rather than wrapped as a Go library for
// mutating operations; Helm's library packages are used only for
// values-document plumbing, never pkg/action.
package helmrelease

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/config"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/errs"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/logging"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/kubernetes"
)

// MaxInstallAttempts bounds the quota-modified and quota-exceeded retry
// loops; fixed as an internal constant rather than exposed as a config
// knob.
const MaxInstallAttempts = 5

const (
	quotaModifiedRetryDelay = 2 * time.Second
	quotaExceededBaseDelay  = 1 * time.Second
	quotaExceededMaxDelay   = 30 * time.Second

	installTimeoutDocsURL = "https://www.google.com/search?q=inspect-k8s-sandbox+helm+install+timeout"
)

// quotaExceededBackOff builds the generator behind the quota-exceeded retry
// loop's growing delay. MaxElapsedTime is disabled since
// MaxInstallAttempts, not elapsed wall time, bounds the loop.
func quotaExceededBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = quotaExceededBaseDelay
	b.MaxInterval = quotaExceededMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

var (
	quotaModifiedPattern  = regexp.MustCompile(`(?s)resourcequotas.*object has been modified`)
	quotaExceededPattern  = regexp.MustCompile(`forbidden: exceeded quota`)
	installTimeoutPattern = regexp.MustCompile(`(?i)INSTALLATION FAILED:.*context deadline exceeded`)
)

var (
	semOnce      sync.Once
	installSem   *semaphore.Weighted
	uninstallSem *semaphore.Weighted

	quotaWarnOnce sync.Once
	quotaExceeded atomic.Int64
)

// InitSemaphores builds the process-wide install/uninstall semaphores;
// later calls with different sizes are ignored, matching the singleton
// treatment of the kubeconfig resolver and pod-op executor.
func InitSemaphores(maxInstall, maxUninstall int) {
	semOnce.Do(func() {
		installSem = semaphore.NewWeighted(int64(maxInstall))
		uninstallSem = semaphore.NewWeighted(int64(maxUninstall))
	})
}

// QuotaExceededCount returns how many times a quota-exceeded install
// failure has been observed process-wide.
func QuotaExceededCount() int64 {
	return quotaExceeded.Load()
}

// Release is one Helm release's lifecycle. Construct with New;
// fields are set once and never mutated afterwards.
type Release struct {
	Name        string
	ChartPath   string
	Namespace   string
	TaskName    string
	Context     *string
	ValuesPath  string // empty when no values source file is in play
	ExtraValues map[string]string

	settings *config.Settings
	resolver *kubernetes.Resolver
	podOps   *kubernetes.PodOpExecutor

	attempted atomic.Bool
}

// New mints a release name and builds a Release ready to Install.
func New(settings *config.Settings, resolver *kubernetes.Resolver, podOps *kubernetes.PodOpExecutor,
	chartPath, namespace, taskName string, contextName *string, valuesPath string, extraValues map[string]string,
) (*Release, error) {
	name, err := NewReleaseName()
	if err != nil {
		return nil, fmt.Errorf("failed to mint release name: %w", err)
	}
	return &Release{
		Name:        name,
		ChartPath:   chartPath,
		Namespace:   namespace,
		TaskName:    taskName,
		Context:     contextName,
		ValuesPath:  valuesPath,
		ExtraValues: extraValues,
		settings:    settings,
		resolver:    resolver,
		podOps:      podOps,
	}, nil
}

// Install runs the Helm install/upgrade retry loop; it uses `install` on
// the first attempt and `upgrade --install` on every retry. Cancellation
// during install still runs uninstall before the cancellation is
// propagated. Helm's own `--wait --timeout` failure is classified directly
// from its stderr (installTimeoutPattern) rather than through ctx, since
// that failure mode is unrelated to the caller's context deadline.
func (r *Release) Install(ctx context.Context) error {
	if err := installSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer installSem.Release(1)

	quotaBackOff := quotaExceededBackOff()
	var lastStderr string

	for attempt := 1; attempt <= MaxInstallAttempts; attempt++ {
		args := r.installArgs(attempt > 1)
		res, err := kubernetes.RunCommand(ctx, "helm", args...)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelledErr(ctx)
			}
			return fmt.Errorf("failed to invoke helm: %w", err)
		}
		if res.Success {
			r.attempted.Store(true)
			return nil
		}
		lastStderr = res.Stderr

		if ctx.Err() != nil {
			return r.cancelledErr(ctx)
		}

		switch {
		case installTimeoutPattern.MatchString(res.Stderr):
			r.cleanupAfterCancellation()
			return &errs.InstallTimeoutError{TimeoutSeconds: r.settings.HelmTimeoutSeconds, DocsURL: installTimeoutDocsURL}

		case quotaModifiedPattern.MatchString(res.Stderr):
			logging.L(ctx).Info("helm install hit a quota-modified conflict, retrying",
				logging.Fields("release", r.Name, "attempt", attempt)...)
			if !r.sleep(ctx, quotaModifiedRetryDelay) {
				return r.cancelledErr(ctx)
			}
			continue

		case quotaExceededPattern.MatchString(res.Stderr):
			quotaExceeded.Add(1)
			quotaWarnOnce.Do(func() {
				logging.L(ctx).Info("helm install is being retried due to exceeded resource quota",
					logging.Fields("release", r.Name)...)
			})
			if !r.sleep(ctx, quotaBackOff.NextBackOff()) {
				return r.cancelledErr(ctx)
			}
			continue

		default:
			return &errs.K8sError{
				Task: r.TaskName, Release: r.Name, Args: args,
				Err: fmt.Errorf("helm install failed: %s", res.Stderr),
			}
		}
	}

	return &errs.K8sError{
		Task: r.TaskName, Release: r.Name,
		Err: fmt.Errorf("helm install did not succeed after %d attempts: %s", MaxInstallAttempts, lastStderr),
	}
}

// cancelledErr runs the best-effort uninstall triggered by install
// cancellation and classifies ctx's own error: a caller-side context
// deadline also becomes InstallTimeoutError for a consistent error type
// at the call site; any other cancellation (e.g. explicit Cancel) is
// returned as-is.
func (r *Release) cancelledErr(ctx context.Context) error {
	r.cleanupAfterCancellation()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &errs.InstallTimeoutError{TimeoutSeconds: r.settings.HelmTimeoutSeconds, DocsURL: installTimeoutDocsURL}
	}
	return ctx.Err()
}

// sleep waits for d or ctx cancellation, reporting which happened.
func (r *Release) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// cleanupAfterCancellation runs uninstall on a fresh, uncancelled context so
// cluster-side resources are still released even though the caller's ctx is
// gone.
func (r *Release) cleanupAfterCancellation() {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()),
		time.Duration(r.settings.HelmTimeoutSeconds)*time.Second)
	defer cancel()
	_ = r.Uninstall(cleanupCtx, true)
}

func (r *Release) installArgs(retry bool) []string {
	verb := []string{"install"}
	if retry {
		verb = []string{"upgrade", "--install"}
	}

	args := append(verb, r.Name, r.ChartPath,
		"--namespace", r.Namespace,
		"--wait",
		"--timeout", fmt.Sprintf("%ds", r.settings.HelmTimeoutSeconds),
		"--labels", "inspectSandbox=true",
		"--set", "annotations.inspectTaskName="+r.TaskName,
	)

	if r.ValuesPath != "" {
		args = append(args, "--values", r.ValuesPath)
	}
	for k, v := range r.ExtraValues {
		args = append(args, fmt.Sprintf("--set-string=%s=%s", k, EscapeSetString(v)))
	}
	if r.settings.CreateNamespace {
		args = append(args, "--create-namespace")
	}
	return args
}

var releaseNotFoundSuffix = ": release: not found"

// Uninstall invokes `helm uninstall` under the distinct uninstall semaphore
//. A release already gone from the cluster is treated as
// success (idempotence); quiet suppresses passing stdout/stderr through to
// the log.
func (r *Release) Uninstall(ctx context.Context, quiet bool) error {
	if err := uninstallSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer uninstallSem.Release(1)

	args := []string{"uninstall", r.Name,
		"--namespace", r.Namespace,
		"--wait",
		"--timeout", fmt.Sprintf("%ds", r.settings.HelmTimeoutSeconds),
	}
	res, err := kubernetes.RunCommand(ctx, "helm", args...)
	if err != nil {
		return fmt.Errorf("failed to invoke helm uninstall: %w", err)
	}
	if res.Success {
		if !quiet {
			logging.L(ctx).Info("helm uninstall succeeded", logging.Fields("release", r.Name)...)
		}
		return nil
	}

	expected := fmt.Sprintf("Error: uninstall: Release not loaded: %s%s", r.Name, releaseNotFoundSuffix)
	scanner := bufio.NewScanner(strings.NewReader(res.Stderr))
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == expected {
			return nil
		}
	}

	if !quiet {
		logging.L(ctx).Error(fmt.Errorf("%s", res.Stderr), "helm uninstall failed", logging.Fields("release", r.Name)...)
	}
	return &errs.K8sError{Task: r.TaskName, Release: r.Name, Args: args, Err: fmt.Errorf("helm uninstall failed: %s", res.Stderr)}
}

// GetSandboxPods enumerates this release's service pods, keyed by their
// Compose/Helm service name.
func (r *Release) GetSandboxPods(ctx context.Context) (map[string]kubernetes.PodInfo, error) {
	pods, err := kubernetes.EnumerateReleasePods(ctx, r.podOps, r.resolver, r.Context, r.Namespace, r.Name)
	if err != nil {
		return nil, &errs.K8sError{Task: r.TaskName, Release: r.Name, Err: err}
	}
	return pods, nil
}
