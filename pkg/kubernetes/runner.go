package kubernetes

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/UKGovernmentBEIS/inspect-k8s-sandbox/internal/logging"
)

// CommandResult is the uniform shape the subprocess runner returns for
// every external command invocation.
type CommandResult struct {
	Success    bool
	ReturnCode int
	Stdout     string
	Stderr     string
}

// RunCommand runs name with args, capturing stdout/stderr to strings. No
// shell is involved: args pass through as an argument vector, never
// interpolated into a shell string. Cancelling ctx terminates the child
// process (via exec.CommandContext's kill-on-cancel) and still returns
// control to the caller with whatever was captured up to that point.
func RunCommand(ctx context.Context, name string, args ...string) (*CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.L(ctx).V(1).Info("running command", logging.Fields("name", name, "args", args)...)

	err := cmd.Run()
	result := &CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err == nil {
		result.Success = true
		result.ReturnCode = 0
		return result, nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.Success = false
		result.ReturnCode = exitErr.ExitCode()
		return result, nil
	}

	// Context cancellation, missing binary, etc: the caller still gets
	// whatever was captured, but this is not a normal non-zero exit.
	return result, err
}
