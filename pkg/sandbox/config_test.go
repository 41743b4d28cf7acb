package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveDefaultsRestartBehaviorToWarn(t *testing.T) {
	rc, err := Resolve(Config{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rc.RestartedContainerBehavior != "warn" {
		t.Errorf("RestartedContainerBehavior = %q, want warn", rc.RestartedContainerBehavior)
	}
}

func TestResolveRejectsUnknownRestartBehavior(t *testing.T) {
	_, err := Resolve(Config{RestartedContainerBehavior: "explode"})
	if err == nil {
		t.Fatalf("Resolve() = nil error, want rejection of an unknown restart behavior")
	}
}

func TestResolveRoutesComposeFileToComposeDoc(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docker-compose.yaml")
	if err := os.WriteFile(path, []byte("services: {}\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rc, err := Resolve(Config{Values: path})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rc.ComposeDoc == nil {
		t.Errorf("ComposeDoc is nil, want the compose file content")
	}
	if rc.ValuesPath != "" {
		t.Errorf("ValuesPath = %q, want empty for a compose source", rc.ValuesPath)
	}
}

func TestResolveRejectsComposeWithExplicitChart(t *testing.T) {
	dir := t.TempDir()
	chartDir := filepath.Join(dir, "chart")
	if err := os.Mkdir(chartDir, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	composePath := filepath.Join(dir, "compose.yml")
	if err := os.WriteFile(composePath, []byte("services: {}\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Resolve(Config{Chart: chartDir, Values: composePath})
	if err == nil {
		t.Fatalf("Resolve() = nil error, want rejection of compose+explicit-chart combination")
	}
}

func TestResolveStaticValuesFileMustExist(t *testing.T) {
	_, err := Resolve(Config{Values: "/does/not/exist/values.yaml"})
	if err == nil {
		t.Fatalf("Resolve() = nil error, want rejection of a missing values file")
	}
}
