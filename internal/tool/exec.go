package tool

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/pkg/types"
)

// MaxOutputLength bounds how much captured stdout/stderr is handed back to
// the model in one observation, matching the teacher's bash tool's output
// cap.
const MaxOutputLength = 30000

// handleExecutePythonScript runs script in an isolated python3 interpreter,
// grounded on the teacher's bash tool's process-group execution and
// SIGTERM/SIGKILL teardown, but invoking an interpreter rather than a shell
// and carrying no handler-internal timeout: per the spec, a script run is
// bounded by the reasoning loop's own context deadline, not by the handler.
func handleExecutePythonScript(ctx context.Context, ts *Toolset, _ *session.ActiveSession, cmd Command) (types.ToolResult, error) {
	c := cmd.(ExecutePythonScript)

	cmdExec := exec.CommandContext(ctx, "python3", "-c", c.Script)
	cmdExec.Dir = ts.SandboxDir
	if runtime.GOOS != "windows" {
		cmdExec.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	output, runErr := cmdExec.CombinedOutput()
	timedOut := ctx.Err() == context.DeadlineExceeded

	result := string(output)
	if len(result) > MaxOutputLength {
		result = result[:MaxOutputLength] + "\n\n(Output truncated)"
	}
	if timedOut {
		killProcessGroup(cmdExec)
		result += "\n\n(Script timed out)"
	}

	exitCode := 0
	if cmdExec.ProcessState != nil {
		exitCode = cmdExec.ProcessState.ExitCode()
	}
	if runErr != nil && !timedOut {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return types.ToolResult{}, apierr.Wrap(apierr.Unknown, "launching python3", runErr)
		}
	}

	return types.Success("script executed", map[string]any{
		"output":    result,
		"exit_code": exitCode,
	}), nil
}

// killProcessGroup sends SIGTERM to the whole process group, then SIGKILL if
// it is still alive after a short grace period — mirrors the teacher bash
// tool's killProcess, with the grace period fixed at 200ms.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if runtime.GOOS == "windows" {
		exec.Command("taskkill", "/pid", fmt.Sprint(pid), "/f", "/t").Run()
		return
	}
	syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(200 * time.Millisecond)
	if cmd.ProcessState == nil {
		syscall.Kill(-pid, syscall.SIGKILL)
	}
}
