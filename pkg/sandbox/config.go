// Package sandbox is component J of the sandbox core: the façade that
// binds a Release, a pod and a resolved config into the per-sample object
// the embedding framework actually talks to.
package sandbox

import (
	"os"
	"strings"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/errs"
)

// Config is the raw, external config surface:
// {chart?, values?, context?, default_user?, restarted_container_behavior?,
// max_pod_ops?}. Values may name either a Helm values file or a Compose
// file; which one is inferred from the filename (see isDockerComposeFile).
type Config struct {
	Chart                      string
	Values                     string
	Context                    *string
	DefaultUser                string
	RestartedContainerBehavior string
	MaxPodOps                  int
}

// ResolvedConfig is the immutable, validated value produced once per
// sample, ready to drive the release install.
type ResolvedConfig struct {
	Chart                      string
	ValuesPath                 string
	ComposeDoc                 []byte
	ComposeSourcePath          string
	Context                    *string
	DefaultUser                string
	RestartedContainerBehavior string
	MaxPodOps                  int
}

// Resolve validates cfg into a ResolvedConfig. A values file whose name
// ends in compose.yaml/compose.yml is routed to the Compose converter
// rather than treated as a static Helm values file.
func Resolve(cfg Config) (*ResolvedConfig, error) {
	behavior := cfg.RestartedContainerBehavior
	if behavior == "" {
		behavior = "warn"
	}
	if behavior != "warn" && behavior != "raise" {
		return nil, errs.NewValidationError(
			"restarted_container_behavior must be \"warn\" or \"raise\", got \""+behavior+"\"", nil)
	}

	if cfg.Chart != "" {
		info, err := os.Stat(cfg.Chart)
		if err != nil || !info.IsDir() {
			return nil, errs.NewValidationError("helm chart directory not found: "+cfg.Chart, err)
		}
	}

	rc := &ResolvedConfig{
		Chart:                      cfg.Chart,
		Context:                    cfg.Context,
		DefaultUser:                cfg.DefaultUser,
		RestartedContainerBehavior: behavior,
		MaxPodOps:                  cfg.MaxPodOps,
	}

	if cfg.Values == "" {
		return rc, nil
	}

	if !isDockerComposeFile(cfg.Values) {
		if _, err := os.Stat(cfg.Values); err != nil {
			return nil, errs.NewValidationError("helm values file not found: "+cfg.Values, err)
		}
		rc.ValuesPath = cfg.Values
		return rc, nil
	}

	if cfg.Chart != "" {
		return nil, errs.NewValidationError(
			"automatic conversion from compose.yaml to helm values is only supported with the built-in chart", nil)
	}
	doc, err := os.ReadFile(cfg.Values)
	if err != nil {
		return nil, errs.NewValidationError("compose file not found: "+cfg.Values, err)
	}
	rc.ComposeDoc = doc
	rc.ComposeSourcePath = cfg.Values
	return rc, nil
}

// isDockerComposeFile infers a Compose document from the filename alone,
// erring toward false negatives to avoid silently auto-converting a
// misnamed values file.
func isDockerComposeFile(path string) bool {
	return strings.HasSuffix(path, "compose.yaml") || strings.HasSuffix(path, "compose.yml")
}
