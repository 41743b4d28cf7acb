package helmrelease

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// fakeHelmListAndUninstall writes a fake helm that answers `helm list` with
// names (newline-joined) and, on `helm uninstall <name>`, touches
// markerDir/<name> before succeeding, letting tests assert which releases
// were actually torn down without a real cluster.
func fakeHelmListAndUninstall(t *testing.T, dir, names, markerDir string) {
	t.Helper()
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"list\" ]; then printf '%s' \"$LIST_OUTPUT\"; exit 0; fi\n" +
		"if [ \"$1\" = \"uninstall\" ]; then touch \"$MARKER_DIR/$2\"; exit 0; fi\n" +
		"exit 1\n"
	path := filepath.Join(dir, "helm")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv("LIST_OUTPUT", names)
	t.Setenv("MARKER_DIR", markerDir)
}

func TestUninstallUnmanagedWithReleaseNameSkipsDiscovery(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake helm script requires a POSIX shell")
	}
	dir := t.TempDir()
	markerDir := t.TempDir()
	fakeHelmListAndUninstall(t, dir, "", markerDir)

	m := NewManager(testSettings(), "ns1", nil)
	name := "inspect-abc123"
	if err := m.UninstallUnmanaged(context.Background(), &name, nil); err != nil {
		t.Fatalf("UninstallUnmanaged: %v", err)
	}
	if _, err := os.Stat(filepath.Join(markerDir, name)); err != nil {
		t.Errorf("release %s was not uninstalled: %v", name, err)
	}
}

func TestUninstallUnmanagedBulkRespectsDeclinedConfirmation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake helm script requires a POSIX shell")
	}
	dir := t.TempDir()
	markerDir := t.TempDir()
	fakeHelmListAndUninstall(t, dir, "inspect-a\ninspect-b\n", markerDir)

	m := NewManager(testSettings(), "ns1", nil)
	confirmed := false
	err := m.UninstallUnmanaged(context.Background(), nil, func(names []string) bool {
		confirmed = true
		return false
	})
	if err != nil {
		t.Fatalf("UninstallUnmanaged: %v", err)
	}
	if !confirmed {
		t.Errorf("confirm callback was never invoked")
	}
	entries, _ := os.ReadDir(markerDir)
	if len(entries) != 0 {
		t.Errorf("uninstall ran despite declined confirmation: %v", entries)
	}
}

func TestUninstallUnmanagedBulkUninstallsAfterConfirmation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake helm script requires a POSIX shell")
	}
	dir := t.TempDir()
	markerDir := t.TempDir()
	fakeHelmListAndUninstall(t, dir, "inspect-a\ninspect-b\n", markerDir)

	m := NewManager(testSettings(), "ns1", nil)
	err := m.UninstallUnmanaged(context.Background(), nil, func(names []string) bool { return true })
	if err != nil {
		t.Fatalf("UninstallUnmanaged: %v", err)
	}
	for _, name := range []string{"inspect-a", "inspect-b"} {
		if _, err := os.Stat(filepath.Join(markerDir, name)); err != nil {
			t.Errorf("release %s was not uninstalled: %v", name, err)
		}
	}
}

func TestUninstallUnmanagedNoReleasesFound(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake helm script requires a POSIX shell")
	}
	dir := t.TempDir()
	markerDir := t.TempDir()
	fakeHelmListAndUninstall(t, dir, "", markerDir)

	m := NewManager(testSettings(), "ns1", nil)
	called := false
	err := m.UninstallUnmanaged(context.Background(), nil, func(names []string) bool {
		called = true
		return true
	})
	if err != nil {
		t.Fatalf("UninstallUnmanaged: %v", err)
	}
	if called {
		t.Errorf("confirm should not be called when no releases are discovered")
	}
}
