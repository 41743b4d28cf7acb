// Package config resolves the environment variables that configure the
// sandbox runtime through viper, the same library the CLI command tree
// uses for flag/env binding. Unlike the CLI flags, these are process-wide
// settings read once at task_init and frozen.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/errs"
)

const (
	envHelmTimeout       = "INSPECT_HELM_TIMEOUT"
	envCreateNamespace   = "INSPECT_HELM_CREATE_NAMESPACE"
	envMaxHelmInstall    = "INSPECT_MAX_HELM_INSTALL"
	envMaxHelmUninstall  = "INSPECT_MAX_HELM_UNINSTALL"
	envMaxPodOps         = "INSPECT_MAX_POD_OPS"
	envLogTruncation     = "INSPECT_K8S_LOG_TRUNCATION_THRESHOLD"
	envPodRestartCheck   = "INSPECT_POD_RESTART_CHECK"
	defaultHelmTimeout   = 600
	defaultMaxHelmInst   = 8
	defaultMaxHelmUninst = 8
)

// Settings is the frozen, process-wide view of the resolved environment
// variables. Construct with Load; never mutate after construction.
type Settings struct {
	HelmTimeoutSeconds     int
	CreateNamespace        bool
	MaxHelmInstall         int
	MaxHelmUninstall       int
	MaxPodOps              int
	LogTruncationThreshold int
	PodRestartCheckEnabled bool
}

// Load reads and validates the environment, returning a *ValidationError
// (wrapped) for any present-but-invalid variable: an invalid env variable
// fails fast at startup rather than surfacing later, while an unset one
// takes its default.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(envHelmTimeout, defaultHelmTimeout)
	v.SetDefault(envCreateNamespace, false)
	v.SetDefault(envMaxHelmInstall, defaultMaxHelmInst)
	v.SetDefault(envMaxHelmUninstall, defaultMaxHelmUninst)
	v.SetDefault(envMaxPodOps, runtime.NumCPU()*4)
	v.SetDefault(envLogTruncation, 0)
	v.SetDefault(envPodRestartCheck, true)

	s := &Settings{}

	helmTimeout, err := positiveInt(v, envHelmTimeout)
	if err != nil {
		return nil, err
	}
	s.HelmTimeoutSeconds = helmTimeout

	s.CreateNamespace = truthy(v.GetString(envCreateNamespace))

	maxInstall, err := positiveInt(v, envMaxHelmInstall)
	if err != nil {
		return nil, err
	}
	s.MaxHelmInstall = maxInstall

	maxUninstall, err := positiveInt(v, envMaxHelmUninstall)
	if err != nil {
		return nil, err
	}
	s.MaxHelmUninstall = maxUninstall

	maxPodOps, err := positiveInt(v, envMaxPodOps)
	if err != nil {
		return nil, err
	}
	s.MaxPodOps = maxPodOps

	logTrunc := v.GetInt(envLogTruncation)
	rawTrunc := strings.TrimSpace(v.GetString(envLogTruncation))
	if logTrunc < 0 || (rawTrunc != "" && fmt.Sprintf("%d", logTrunc) != rawTrunc) {
		return nil, errs.NewValidationError(
			fmt.Sprintf("%s must be a non-negative integer", envLogTruncation), nil)
	}
	s.LogTruncationThreshold = logTrunc

	// "false" (case-insensitive) disables the check; anything else leaves
	// it enabled.
	s.PodRestartCheckEnabled = !strings.EqualFold(v.GetString(envPodRestartCheck), "false")

	return s, nil
}

func positiveInt(v *viper.Viper, key string) (int, error) {
	raw := v.GetString(key)
	n := v.GetInt(key)
	if raw != "" && fmt.Sprintf("%d", n) != strings.TrimSpace(raw) {
		return 0, errs.NewValidationError(
			fmt.Sprintf("%s must be a positive integer, got %q", key, raw), nil)
	}
	if n <= 0 {
		return 0, errs.NewValidationError(
			fmt.Sprintf("%s must be a positive integer, got %d", key, n), nil)
	}
	return n, nil
}

// truthy matches the "1|true|yes|y" (case-insensitive) toggle grammar.
func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}
