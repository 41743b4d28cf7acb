package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/config"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/errs"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/logging"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/health"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/helmrelease"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/kubernetes"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/podexec"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/podfile"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/values"
)

// Facade owns the process-wide singletons and builds/tears down Sandboxes
// on behalf of the embedding framework's task/sample callbacks.
type Facade struct {
	settings *config.Settings
	resolver *kubernetes.Resolver
	podOps   *kubernetes.PodOpExecutor
	engine   *podexec.Engine
	transfer *podfile.Transferer

	// Health reports task_init readiness to an operator running the
	// embedding process as a long-lived worker (e.g. behind a liveness
	// probe); wire health.AttachHealthEndpoints to an http.ServeMux to
	// expose it.
	Health *health.HealthChecker
}

// Sandbox is one sample's environment: a Release, a discovered pod and its
// resolved config.
type Sandbox struct {
	Release *helmrelease.Release
	Pod     kubernetes.PodInfo
	Config  *ResolvedConfig

	// restartBaseline is each container's restart count observed when this
	// Sandbox was created, the reference point for exec's pod-restart
	// detection.
	restartBaseline map[string]int32

	facade *Facade
}

// NamedSandbox pairs a sandbox with the service key it was enumerated
// under, used to carry sample_init's ordered "default-first" result, since
// a plain Go map has no stable order of its own.
type NamedSandbox struct {
	Key     string
	Sandbox *Sandbox
}

// ValidatePrerequisites checks that the helm and kubectl binaries are on
// PATH, recording each binary's outcome on hc (when non-nil) before
// returning the first failure.
func ValidatePrerequisites(hc *health.HealthChecker) error {
	var firstErr error
	for _, bin := range []string{"helm", "kubectl"} {
		_, err := exec.LookPath(bin)
		if hc != nil {
			if err != nil {
				hc.SetCheck(bin, false, err.Error())
			} else {
				hc.SetCheck(bin, true, "")
			}
		}
		if err != nil && firstErr == nil {
			firstErr = errs.NewValidationError(fmt.Sprintf("required binary %q not found on PATH", bin), err)
		}
	}
	return firstErr
}

// TaskInit validates prerequisites, initializes the process-wide resolver
// and pod-op pool, and returns a context carrying a fresh Release Manager
// scoped to this task.
func TaskInit(ctx context.Context, settings *config.Settings, kubeconfigPath string) (context.Context, *Facade, error) {
	hc := health.NewHealthChecker()

	if err := ValidatePrerequisites(hc); err != nil {
		return ctx, nil, err
	}

	resolver, err := kubernetes.InitResolver(kubeconfigPath)
	if err != nil {
		hc.SetCheck("kubeconfig", false, err.Error())
		return ctx, nil, err
	}
	hc.SetCheck("kubeconfig", true, "")

	podOps := kubernetes.InitPodOpExecutor(settings.MaxPodOps)
	helmrelease.InitSemaphores(settings.MaxHelmInstall, settings.MaxHelmUninstall)
	hc.SetCheck("pod-op-executor", true, "")

	engine := podexec.NewEngine(resolver, podOps, settings, "warn")
	f := &Facade{
		settings: settings,
		resolver: resolver,
		podOps:   podOps,
		engine:   engine,
		transfer: podfile.NewTransferer(engine, 0),
		Health:   hc,
	}

	manager := helmrelease.NewManager(settings, "", nil)
	return helmrelease.WithManager(ctx, manager), f, nil
}

// SampleInit resolves cfg, creates and installs a Release, enumerates its
// pods and returns the resulting Sandboxes with "default" placed first.
func (f *Facade) SampleInit(ctx context.Context, taskName string, cfg Config, metadata map[string]string) ([]NamedSandbox, error) {
	rc, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}

	manager := helmrelease.ManagerFromContext(ctx)
	if manager == nil {
		return nil, errs.NewValidationError("sample_init called before task_init", nil)
	}

	namespace, err := f.resolver.GetDefaultNamespace(rc.Context)
	if err != nil {
		return nil, err
	}

	source := valuesSourceFor(rc)

	var sandboxes []NamedSandbox
	err = source.WithValuesFile(ctx, func(path string) error {
		extraValues, everr := ExtraValuesFromMetadata(ctx, metadata, rc.Chart, path)
		if everr != nil {
			return everr
		}

		release, nerr := helmrelease.New(f.settings, f.resolver, f.podOps, rc.Chart, namespace, taskName, rc.Context, path, extraValues)
		if nerr != nil {
			return nerr
		}

		if ierr := manager.Install(ctx, release); ierr != nil {
			return ierr
		}

		pods, perr := release.GetSandboxPods(ctx)
		if perr != nil {
			return perr
		}

		sandboxes = f.namedSandboxes(ctx, release, pods, rc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sandboxes, nil
}

// namedSandboxes wraps each discovered pod into a Sandbox, sorted by key
// with "default" moved to the front. Each Sandbox captures its
// pod's current restart counts as the baseline exec's pod-restart detection
// compares against later.
func (f *Facade) namedSandboxes(ctx context.Context, release *helmrelease.Release, pods map[string]kubernetes.PodInfo, rc *ResolvedConfig) []NamedSandbox {
	keys := make([]string, 0, len(pods))
	for k := range pods {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	build := func(key string) NamedSandbox {
		pod := pods[key]
		baseline, err := kubernetes.RestartCounts(ctx, f.podOps, f.resolver, pod.ContextName, pod.Namespace, pod.Name)
		if err != nil {
			logging.L(ctx).Info("could not capture restart-count baseline, pod-restart detection disabled for this sandbox",
				logging.Fields("pod", pod.Name)...)
			baseline = nil
		}
		return NamedSandbox{Key: key, Sandbox: &Sandbox{Release: release, Pod: pod, Config: rc, restartBaseline: baseline, facade: f}}
	}

	out := make([]NamedSandbox, 0, len(keys))
	for _, k := range keys {
		if k == "default" {
			continue
		}
		out = append(out, build(k))
	}
	if _, ok := pods["default"]; ok {
		out = append([]NamedSandbox{build("default")}, out...)
	}
	return out
}

// SampleCleanup uninstalls release unless the sample was interrupted, in
// which case cleanup is deferred to TaskCleanup.
func (f *Facade) SampleCleanup(ctx context.Context, release *helmrelease.Release, interrupted bool) error {
	if interrupted {
		return nil
	}
	manager := helmrelease.ManagerFromContext(ctx)
	if manager == nil {
		return nil
	}
	return manager.Uninstall(ctx, release, true)
}

// TaskCleanup tears down (or, with cleanup=false, merely prints
// instructions for) every release the task's Manager still tracks.
func (f *Facade) TaskCleanup(ctx context.Context, cleanup bool) {
	manager := helmrelease.ManagerFromContext(ctx)
	if manager == nil {
		return
	}
	manager.UninstallAll(ctx, !cleanup)
}

// CliCleanup implements the operator-facing cleanup surface: with
// releaseName set, uninstalls that one release; without, discovers every
// unmanaged sandbox release and uninstalls them after confirm approves.
func (f *Facade) CliCleanup(ctx context.Context, namespace string, contextName *string, releaseName *string, confirm func([]string) bool) error {
	return CliCleanup(ctx, f.settings, namespace, contextName, releaseName, confirm)
}

// CliCleanup is the standalone form of (*Facade).CliCleanup, usable by the
// sandboxctl CLI without spinning up the rest of a Facade (resolver, pod-op
// pool, exec engine) that cleanup itself never touches.
func CliCleanup(ctx context.Context, settings *config.Settings, namespace string, contextName *string, releaseName *string, confirm func([]string) bool) error {
	manager := helmrelease.NewManager(settings, namespace, contextName)
	return manager.UninstallUnmanaged(ctx, releaseName, confirm)
}

func valuesSourceFor(rc *ResolvedConfig) values.Source {
	switch {
	case rc.ComposeDoc != nil:
		return values.Compose{Doc: rc.ComposeDoc, SourcePath: rc.ComposeSourcePath}
	case rc.ValuesPath != "":
		return values.Static{Path: rc.ValuesPath}
	default:
		return values.None{}
	}
}

// Exec runs cmd in the sandbox's pod, applying the resolved default_user
// when the caller did not specify one, and enriching unexpected errors
// into a K8sError carrying pod/task/argument context.
func (s *Sandbox) Exec(ctx context.Context, cmd []string, stdin []byte, cwd string, env map[string]string, user string, timeout int) (*podexec.Result, error) {
	if user == "" {
		user = s.Config.DefaultUser
	}
	req := podexec.Request{
		Pod:             s.Pod,
		Command:         cmd,
		Stdin:           stdin,
		Cwd:             cwd,
		Env:             env,
		User:            user,
		RestartBaseline: s.restartBaseline,
		RestartBehavior: s.Config.RestartedContainerBehavior,
	}
	if timeout > 0 {
		req.Timeout = time.Duration(timeout) * time.Second
	}
	res, err := s.facade.engine.Exec(ctx, req)
	if err != nil {
		return nil, s.classify(ctx, err, "exec", cmd)
	}
	return res, nil
}

// WriteFile uploads contents to file inside the sandbox's pod.
func (s *Sandbox) WriteFile(ctx context.Context, file string, contents []byte, user string) error {
	if user == "" {
		user = s.Config.DefaultUser
	}
	if err := s.facade.transfer.Write(ctx, s.Pod, file, contents, user); err != nil {
		return s.classify(ctx, err, "write_file", []string{file})
	}
	return nil
}

// ReadFile downloads file from the sandbox's pod, optionally decoding it as
// UTF-8 text.
func (s *Sandbox) ReadFile(ctx context.Context, file string, decodeUTF8 bool, user string) ([]byte, error) {
	if user == "" {
		user = s.Config.DefaultUser
	}
	data, err := s.facade.transfer.Read(ctx, s.Pod, file, decodeUTF8, user)
	if err != nil {
		return nil, s.classify(ctx, err, "read_file", []string{file})
	}
	return data, nil
}

// Connection builds the kubectl exec attach command (and, where
// applicable, the VS Code attach hint) for the sandbox's pod.
func (s *Sandbox) Connection(user string) (cmd string, vscodeHint string) {
	if user == "" {
		user = s.Config.DefaultUser
	}
	cmd = ConnectionCommand(s.Pod.Namespace, s.Pod.Name, s.Pod.DefaultContainerName, s.Pod.ContextName, user)
	vscodeHint = VSCodeAttachCommand(s.Pod.Namespace, s.Pod.Name, s.Pod.DefaultContainerName, s.Pod.ContextName, user)
	return cmd, vscodeHint
}

// classify logs and enriches err per the façade's expected/unexpected
// propagation policy: expected errors and PodErrors (which already carry
// pod context) pass through untouched; everything else becomes a K8sError
// carrying pod/task/argument context, after being logged at error level
// for operator visibility.
func (s *Sandbox) classify(ctx context.Context, err error, op string, args []string) error {
	if errs.IsExpected(err) {
		return err
	}
	var podErr *errs.PodError
	if errors.As(err, &podErr) {
		return err
	}
	logging.L(ctx).Error(err, "unexpected sandbox operation failure",
		logging.Fields("op", op, "pod", s.Pod.Name, "task", s.Release.TaskName)...)
	return &errs.K8sError{Task: s.Release.TaskName, Release: s.Release.Name, Pod: s.Pod.Name, Args: args, Err: err}
}
