package helmrelease

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/config"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/logging"
	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/pkg/kubernetes"
)

// managerCtxKey is the context key a Manager is threaded through under: an
// explicit context value, never a mutable package-level global, so
// parallel evaluations see independent registries.
type managerCtxKey struct{}

// Manager is a per-context registry of Releases awaiting cleanup. Always
// obtain one via NewManager and carry it with WithManager/ManagerFromContext;
// never share a single Manager across independent evaluations.
type Manager struct {
	namespace string
	context   *string
	settings  *config.Settings

	mu       sync.Mutex
	releases []*Release
}

// NewManager builds an empty registry scoped to namespace/context. It also
// makes sure the process-wide install/uninstall semaphores exist
// (InitSemaphores; the first sizes given win), so a Manager built outside
// task_init, e.g. for CLI cleanup, can uninstall releases.
func NewManager(settings *config.Settings, namespace string, contextName *string) *Manager {
	InitSemaphores(settings.MaxHelmInstall, settings.MaxHelmUninstall)
	return &Manager{settings: settings, namespace: namespace, context: contextName}
}

// WithManager returns a context carrying m, retrievable with ManagerFromContext.
func WithManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, managerCtxKey{}, m)
}

// ManagerFromContext retrieves the Manager previously attached with
// WithManager, or nil if none is present.
func ManagerFromContext(ctx context.Context) *Manager {
	m, _ := ctx.Value(managerCtxKey{}).(*Manager)
	return m
}

// Install registers release with the registry *before* awaiting Install, so
// a failed install is still tracked for cleanup, then awaits it.
func (m *Manager) Install(ctx context.Context, release *Release) error {
	m.mu.Lock()
	m.releases = append(m.releases, release)
	m.mu.Unlock()

	return release.Install(ctx)
}

// Uninstall awaits release's uninstall, then removes it from the registry
// regardless of outcome.
func (m *Manager) Uninstall(ctx context.Context, release *Release, quiet bool) error {
	err := release.Uninstall(ctx, quiet)
	m.remove(release)
	return err
}

func (m *Manager) remove(release *Release) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.releases {
		if r == release {
			m.releases = append(m.releases[:i], m.releases[i+1:]...)
			return
		}
	}
}

// UninstallAll tears down every registered release. When printOnly is set
// it only prints cleanup instructions and returns, touching nothing.
// Otherwise it atomically snapshots and clears the registry, then
// uninstalls every release in parallel, swallowing per-release errors so
// one bad release cannot strand the rest (gather-with-ignore).
func (m *Manager) UninstallAll(ctx context.Context, printOnly bool) {
	m.mu.Lock()
	snapshot := m.releases
	if !printOnly {
		m.releases = nil
	}
	m.mu.Unlock()

	if printOnly {
		for _, r := range snapshot {
			fmt.Printf("helm uninstall %s --namespace %s\n", r.Name, m.namespace)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range snapshot {
		r := r
		g.Go(func() error {
			if err := r.Uninstall(gctx, true); err != nil {
				logging.L(ctx).Error(err, "uninstall failed during cleanup", logging.Fields("release", r.Name)...)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// UninstallUnmanaged tears down a release this process did not itself
// install. With releaseName set, it
// uninstalls that release directly. Without one, it discovers every release
// tagged inspectSandbox=true via `helm list`, asks confirm to approve, then
// uninstalls them all in parallel.
func (m *Manager) UninstallUnmanaged(ctx context.Context, releaseName *string, confirm func(names []string) bool) error {
	if releaseName != nil {
		return m.unmanagedRelease(*releaseName).Uninstall(ctx, false)
	}

	names, err := m.discoverSandboxReleases(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no sandbox releases found")
		return nil
	}
	if confirm != nil && !confirm(names) {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := m.unmanagedRelease(name).Uninstall(gctx, false); err != nil {
				logging.L(ctx).Error(err, "uninstall failed", logging.Fields("release", name)...)
			}
			return nil
		})
	}
	return g.Wait()
}

// unmanagedRelease builds a bare Release wrapping a name discovered outside
// this registry, enough to drive Uninstall without ever having run Install.
func (m *Manager) unmanagedRelease(name string) *Release {
	return &Release{
		Name:      name,
		Namespace: m.namespace,
		Context:   m.context,
		settings:  m.settings,
	}
}

func (m *Manager) discoverSandboxReleases(ctx context.Context) ([]string, error) {
	args := []string{"list", "-q", "--selector", "inspectSandbox=true", "--max", "0", "--namespace", m.namespace}
	res, err := kubernetes.RunCommand(ctx, "helm", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke helm list: %w", err)
	}
	if !res.Success {
		return nil, fmt.Errorf("helm list failed: %s", res.Stderr)
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
