package podexec

import (
	"fmt"
	"sort"
	"strings"
)

func markerPath(id string) string { return fmt.Sprintf("/tmp/.k8s_exec_%s.marker", id) }
func statusPath(id string) string { return fmt.Sprintf("/tmp/.k8s_exec_%s.status", id) }

// trampoline wraps the user's command in the marker/sentinel framing of
//: it writes the marker file before the command starts, applies
// cwd/env, then prints the sentinel and writes the status file once the
// command completes. Paths, command arguments and env values are
// shell-quoted; env names are written as given.
func trampoline(id string, command []string, cwd string, env map[string]string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "touch %s; ", shellQuote(markerPath(id)))
	if cwd != "" {
		fmt.Fprintf(&b, "cd %s; ", shellQuote(cwd))
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(env[k]))
	}

	b.WriteString(shellJoin(command))
	b.WriteString("; rc=$?; ")
	fmt.Fprintf(&b, "printf '<completed-sentinel-value-%%d>' \"$rc\"; echo \"$rc\" > %s; ", shellQuote(statusPath(id)))
	b.WriteString("exit \"$rc\"")
	return b.String()
}

// markerProbeCommand builds the one-shot command used to ask whether the id
// marker exists before an idempotent retry.
func markerProbeCommand(id string) []string {
	return []string{"sh", "-c", fmt.Sprintf("test -f %s && echo started || echo not_started", shellQuote(markerPath(id)))}
}

// cleanupCommand removes the marker/status pair after a successful
// terminal attempt, so a later idempotent retry never sees a stale marker.
func cleanupCommand(id string) []string {
	return []string{"rm", "-f", markerPath(id), statusPath(id)}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
