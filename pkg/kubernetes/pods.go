package kubernetes

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// LabelInstance is the standard Helm release-ownership label every
	// release's pods carry.
	LabelInstance = "app.kubernetes.io/instance"
	// LabelService marks a sandbox pod with its service key.
	LabelService = "inspect/service"
	// LabelSandbox marks a release as one this system created, for bulk
	// discovery.
	LabelSandbox = "inspectSandbox"
)

// PodInfo is immutable once discovered.
type PodInfo struct {
	Name                 string
	Namespace            string
	DefaultContainerName string
	ContextName          *string
}

// EnumerateReleasePods lists the pods of releaseName in namespace and keys
// them by their inspect/service label, skipping any pod that lacks it
//. Each pod's default container is the first
// container in its spec.
func EnumerateReleasePods(ctx context.Context, p *PodOpExecutor, r *Resolver, contextName *string, namespace, releaseName string) (map[string]PodInfo, error) {
	return Do(ctx, p, func(workerID int) (map[string]PodInfo, error) {
		cs, _, err := r.Client(workerID, contextName)
		if err != nil {
			return nil, err
		}
		list, err := cs.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("%s=%s", LabelInstance, releaseName),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list pods for release %s: %w", releaseName, err)
		}

		out := map[string]PodInfo{}
		for i := range list.Items {
			pod := &list.Items[i]
			key, ok := pod.Labels[LabelService]
			if !ok {
				continue
			}
			out[key] = PodInfo{
				Name:                 pod.Name,
				Namespace:            pod.Namespace,
				DefaultContainerName: defaultContainer(pod),
				ContextName:          contextName,
			}
		}
		return out, nil
	})
}

func defaultContainer(pod *corev1.Pod) string {
	if len(pod.Spec.Containers) == 0 {
		return ""
	}
	return pod.Spec.Containers[0].Name
}

// RestartCounts returns the per-container restart counts currently
// reported for pod, used by the exec engine's pod-restart detection.
func RestartCounts(ctx context.Context, p *PodOpExecutor, r *Resolver, contextName *string, namespace, name string) (map[string]int32, error) {
	return Do(ctx, p, func(workerID int) (map[string]int32, error) {
		cs, _, err := r.Client(workerID, contextName)
		if err != nil {
			return nil, err
		}
		pod, err := cs.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get pod %s/%s: %w", namespace, name, err)
		}
		out := make(map[string]int32, len(pod.Status.ContainerStatuses))
		for _, cstatus := range pod.Status.ContainerStatuses {
			out[cstatus.Name] = cstatus.RestartCount
		}
		return out, nil
	})
}
