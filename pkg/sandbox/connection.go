package sandbox

import (
	"fmt"
	"strings"
)

// ConnectionCommand builds the kubectl exec invocation for attaching an
// interactive shell to pod.
func ConnectionCommand(namespace, podName, container string, contextName *string, user string) string {
	args := []string{"kubectl", "exec", "-it", podName, "-n", namespace, "-c", container}
	if contextName != nil {
		args = append(args, "--context", *contextName)
	}
	args = append(args, "--")
	if user != "" {
		args = append(args, "su", "-s", "/bin/bash", "-l", user)
	} else {
		args = append(args, "bash", "-l")
	}
	return strings.Join(args, " ")
}

// VSCodeAttachCommand returns the VS Code remote-container attach hint for
// pod, or "" when a named context or user override is set. The hint only
// makes sense against the current kubeconfig context and the container's
// own default user, so it is withheld whenever either has been overridden.
func VSCodeAttachCommand(namespace, podName, container string, contextName *string, user string) string {
	if contextName != nil || user != "" {
		return ""
	}
	return fmt.Sprintf("code --folder-uri vscode-remote://k8s-container+%s+%s+%s/root", namespace, podName, container)
}
