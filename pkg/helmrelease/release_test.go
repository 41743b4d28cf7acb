package helmrelease

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/config"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/errs"
)

// installFailScript writes a fake `helm` executable to dir that always
// succeeds on "uninstall", and on "install"/"upgrade" fails with stderr for
// the first failCount invocations before succeeding, letting tests drive
// Release.Install through its retry branches without a real cluster.
func installFailScript(t *testing.T, dir string, failCount int, stderr string) {
	t.Helper()
	counter := filepath.Join(dir, "counter")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"uninstall\" ]; then exit 0; fi\n" +
		"n=0\n" +
		"if [ -f " + counter + " ]; then n=$(cat " + counter + "); fi\n" +
		"n=$((n+1))\n" +
		"echo $n > " + counter + "\n" +
		"if [ $n -le " + itoa(failCount) + " ]; then\n" +
		"  echo '" + stderr + "' >&2\n" +
		"  exit 1\n" +
		"fi\n" +
		"exit 0\n"
	writeFakeHelm(t, dir, script)
}

func writeFakeHelm(t *testing.T, dir, script string) {
	t.Helper()
	path := filepath.Join(dir, "helm")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// kubectl is looked up by sandbox.ValidatePrerequisites but Install/
	// Uninstall only ever invoke "helm"; a stub is harmless to also provide.
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func testSettings() *config.Settings {
	return &config.Settings{
		HelmTimeoutSeconds: 5,
		MaxHelmInstall:     10,
		MaxHelmUninstall:   10,
		MaxPodOps:          4,
	}
}

func newTestRelease(t *testing.T, dir string) *Release {
	t.Helper()
	InitSemaphores(10, 10)
	r, err := New(testSettings(), nil, nil, filepath.Join(dir, "chart"), "ns1", "task1", nil, "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestInstallRetriesOnQuotaModifiedConflict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake helm script requires a POSIX shell")
	}
	dir := t.TempDir()
	installFailScript(t, dir, 2, "Error: UPDATE FAILED: resourcequotas \"ns1\" object has been modified")

	r := newTestRelease(t, dir)
	if err := r.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
}

func TestInstallRetriesOnQuotaExceeded(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake helm script requires a POSIX shell")
	}
	dir := t.TempDir()
	installFailScript(t, dir, 2, "Error: admission webhook forbidden: exceeded quota")

	r := newTestRelease(t, dir)
	before := QuotaExceededCount()
	if err := r.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if QuotaExceededCount() <= before {
		t.Errorf("QuotaExceededCount did not increase")
	}
}

func TestInstallGivesUpAfterMaxAttempts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake helm script requires a POSIX shell")
	}
	dir := t.TempDir()
	installFailScript(t, dir, 99, "Error: admission webhook forbidden: exceeded quota")

	r := newTestRelease(t, dir)
	err := r.Install(context.Background())
	if err == nil {
		t.Fatalf("Install() = nil error, want failure after exhausting retries")
	}
	var k8sErr *errs.K8sError
	if !errors.As(err, &k8sErr) {
		t.Errorf("Install() error = %T, want *errs.K8sError", err)
	}
}

func TestInstallCancellationDuringRetryProducesInstallTimeoutError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake helm script requires a POSIX shell")
	}
	dir := t.TempDir()
	// Always fails with a quota-modified conflict, forcing Install into its
	// 2s sleep-and-retry branch every attempt.
	installFailScript(t, dir, 99, "Error: UPDATE FAILED: resourcequotas \"ns1\" object has been modified")

	r := newTestRelease(t, dir)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := r.Install(ctx)
	if err == nil {
		t.Fatalf("Install() = nil error, want InstallTimeoutError")
	}
	var timeoutErr *errs.InstallTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Errorf("Install() error = %T (%v), want *errs.InstallTimeoutError", err, err)
	}
}

// TestInstallHelmOwnTimeoutStderrProducesInstallTimeoutError exercises
// helm's own `--wait --timeout` failure, which surfaces purely as stderr
// text while the caller's context is still live (no ctx.Err() involved).
func TestInstallHelmOwnTimeoutStderrProducesInstallTimeoutError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake helm script requires a POSIX shell")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"uninstall\" ]; then exit 0; fi\n" +
		"echo 'Error: INSTALLATION FAILED: context deadline exceeded' >&2\n" +
		"exit 1\n"
	writeFakeHelm(t, dir, script)

	r := newTestRelease(t, dir)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := r.Install(ctx)
	if err == nil {
		t.Fatalf("Install() = nil error, want InstallTimeoutError")
	}
	var timeoutErr *errs.InstallTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Errorf("Install() error = %T (%v), want *errs.InstallTimeoutError", err, err)
	}
	if ctx.Err() != nil {
		t.Errorf("test context was cancelled unexpectedly: %v", ctx.Err())
	}
}

func TestUninstallTreatsReleaseNotFoundAsSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake helm script requires a POSIX shell")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\n" +
		"echo 'Error: uninstall: Release not loaded: task1-abc: release: not found' >&2\n" +
		"exit 1\n"
	writeFakeHelm(t, dir, script)

	r := newTestRelease(t, dir)
	r.Name = "task1-abc"
	if err := r.Uninstall(context.Background(), true); err != nil {
		t.Errorf("Uninstall() = %v, want nil for an already-gone release", err)
	}
}

func TestUninstallReportsOtherFailures(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake helm script requires a POSIX shell")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\necho 'Error: some other failure' >&2\nexit 1\n"
	writeFakeHelm(t, dir, script)

	r := newTestRelease(t, dir)
	err := r.Uninstall(context.Background(), true)
	if err == nil {
		t.Fatalf("Uninstall() = nil error, want failure")
	}
	var k8sErr *errs.K8sError
	if !errors.As(err, &k8sErr) {
		t.Errorf("Uninstall() error = %T, want *errs.K8sError", err)
	}
}
