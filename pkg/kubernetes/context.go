// Package kubernetes provides the real client-go bootstrap the sandbox
// core needs: a process-wide context resolver, a subprocess runner and a
// bounded pod-op executor.
package kubernetes

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/errs"
)

const inClusterNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// clientBundle is everything a caller needs to talk to one cluster context:
// a typed clientset, a discovery client and the REST config (the latter is
// what remotecommand/portforward need directly).
type clientBundle struct {
	config    *rest.Config
	clientset *kubernetes.Clientset
	discovery discovery.DiscoveryInterface
}

// Resolver is the process-wide singleton that picks in-cluster or
// kubeconfig credentials once, then hands out per-(worker, context)
// clients from a cache. Initialize it exactly once via InitResolver;
// subsequent Client calls never mutate its configuration.
type Resolver struct {
	mu           sync.Mutex
	initialized  bool
	inCluster    bool
	kubeconfig   clientcmd.ClientConfig
	rawConfig    *rawKubeconfig
	cacheMu      sync.RWMutex
	clientCache  map[cacheKey]*clientBundle
	watcher      *fsnotify.Watcher
	kubeconfPath string
}

type cacheKey struct {
	worker  int
	context string
}

// rawKubeconfig mirrors the subset of clientcmdapi.Config this resolver
// needs: the context list and the current context name.
type rawKubeconfig struct {
	currentContext string
	namespaces     map[string]string // context name -> namespace
}

var (
	singletonMu sync.Mutex
	singleton   *Resolver
)

// InitResolver initializes the process-wide Resolver under a single lock.
// Calling it more than once is a no-op; the first call wins, treating the
// resolver as a once-constructed value for the lifetime of the process.
func InitResolver(kubeconfigPath string) (*Resolver, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		return singleton, nil
	}
	r := &Resolver{clientCache: map[cacheKey]*clientBundle{}}
	if err := r.init(kubeconfigPath); err != nil {
		return nil, err
	}
	singleton = r
	return r, nil
}

// CurrentResolver returns the already-initialized singleton, or nil.
func CurrentResolver() *Resolver {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return singleton
}

func (r *Resolver) init(kubeconfigPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	if cfg, err := rest.InClusterConfig(); err == nil {
		r.inCluster = true
		r.rawConfig = &rawKubeconfig{currentContext: "", namespaces: map[string]string{}}
		_ = cfg // validated further in restConfig via rest.InClusterConfig again
		r.initialized = true
		return nil
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	kcfg := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	raw, err := kcfg.RawConfig()
	if err != nil {
		return errs.NewValidationError("failed to load kubeconfig", err)
	}

	namespaces := map[string]string{}
	for name, ctx := range raw.Contexts {
		ns := ctx.Namespace
		if ns == "" {
			ns = "default"
		}
		namespaces[name] = ns
	}

	r.kubeconfig = kcfg
	r.rawConfig = &rawKubeconfig{currentContext: raw.CurrentContext, namespaces: namespaces}
	r.kubeconfPath = resolvedPath(loadingRules)
	r.initialized = true
	r.watchKubeconfig()
	return nil
}

func resolvedPath(rules *clientcmd.ClientConfigLoadingRules) string {
	if rules.ExplicitPath != "" {
		return rules.ExplicitPath
	}
	if len(rules.Precedence) > 0 {
		return rules.Precedence[0]
	}
	return ""
}

// watchKubeconfig uses fsnotify to invalidate the per-(worker,context)
// client cache when the backing kubeconfig file changes on disk, so a
// rotated credential is picked up without restarting the process. Errors
// here are non-fatal: absence of a watchable file just means the cache
// never auto-invalidates.
func (r *Resolver) watchKubeconfig() {
	if r.kubeconfPath == "" {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	if err := w.Add(r.kubeconfPath); err != nil {
		w.Close()
		return
	}
	r.watcher = w
	go func() {
		for range w.Events {
			r.cacheMu.Lock()
			r.clientCache = map[cacheKey]*clientBundle{}
			r.cacheMu.Unlock()
		}
	}()
}

// Contexts returns the named contexts available (kubeconfig mode only).
func (r *Resolver) Contexts() []string {
	if r.inCluster {
		return nil
	}
	names := make([]string, 0, len(r.rawConfig.namespaces))
	for name := range r.rawConfig.namespaces {
		names = append(names, name)
	}
	return names
}

// GetDefaultNamespace returns the namespace for contextName, or the current
// context's namespace when contextName is nil. In-cluster mode rejects any
// non-nil contextName and falls back to the service-account namespace,
// defaulting to "default" on read failure.
func (r *Resolver) GetDefaultNamespace(contextName *string) (string, error) {
	if r.inCluster {
		if contextName != nil {
			return "", errs.NewValidationError(
				"named contexts are not supported when running in-cluster", nil)
		}
		ns, err := os.ReadFile(inClusterNamespaceFile)
		if err != nil {
			return "default", nil
		}
		return string(ns), nil
	}

	name := r.rawConfig.currentContext
	if contextName != nil {
		name = *contextName
	}
	ns, ok := r.rawConfig.namespaces[name]
	if !ok {
		available := make([]string, 0, len(r.rawConfig.namespaces))
		for n := range r.rawConfig.namespaces {
			available = append(available, n)
		}
		return "", errs.NewValidationError(
			fmt.Sprintf("unknown context %q, available contexts: %v", name, available), nil)
	}
	return ns, nil
}

// Client returns the typed clientset for (workerID, contextName), building
// and caching it on first use for that pair. workerID lets the bounded pod
// op executor hand each goroutine its own client instance without a shared
// mutex on every call, a per-worker cache rather than one shared client.
func (r *Resolver) Client(workerID int, contextName *string) (*kubernetes.Clientset, *rest.Config, error) {
	key := cacheKey{worker: workerID}
	if contextName != nil {
		key.context = *contextName
	}

	r.cacheMu.RLock()
	if b, ok := r.clientCache[key]; ok {
		r.cacheMu.RUnlock()
		return b.clientset, b.config, nil
	}
	r.cacheMu.RUnlock()

	cfg, err := r.restConfig(contextName)
	if err != nil {
		return nil, nil, err
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, errs.NewValidationError("failed to build clientset", err)
	}
	dc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, nil, errs.NewValidationError("failed to build discovery client", err)
	}

	bundle := &clientBundle{config: cfg, clientset: cs, discovery: dc}
	r.cacheMu.Lock()
	r.clientCache[key] = bundle
	r.cacheMu.Unlock()
	return cs, cfg, nil
}

func (r *Resolver) restConfig(contextName *string) (*rest.Config, error) {
	if r.inCluster {
		if contextName != nil {
			return nil, errs.NewValidationError(
				"named contexts are not supported when running in-cluster", nil)
		}
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, errs.NewValidationError("failed to read in-cluster config", err)
		}
		return cfg, nil
	}

	overrides := &clientcmd.ConfigOverrides{}
	if contextName != nil {
		overrides.CurrentContext = *contextName
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if r.kubeconfPath != "" {
		loadingRules.ExplicitPath = r.kubeconfPath
	}
	kcfg := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
	cfg, err := kcfg.ClientConfig()
	if err != nil {
		return nil, errs.NewValidationError("failed to build REST config", err)
	}
	return cfg, nil
}

// Close stops the kubeconfig watcher, if any. Primarily useful in tests.
func (r *Resolver) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}
