package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/conveyor-ci/conveyor/pkg/core"
)

// maxCapturedOutput bounds how much tool output a stage keeps around.
const maxCapturedOutput = 64 * 1024

// runCommand executes an external tool for a stage, returning its combined
// stdout+stderr. A non-zero exit maps to a stage execution error carrying
// the exit code and the output tail.
func runCommand(ctx context.Context, workdir string, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), env...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := capTail(buf.String())
	if err == nil {
		return output, nil
	}

	if ctx.Err() != nil {
		return output, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, core.NewDomain("stage", core.ErrCodeStageExecution,
			fmt.Sprintf("%s exited with code %d", name, exitErr.ExitCode())).
			WithDetails("output", output)
	}
	return output, core.Wrap(err, core.ErrCodeStageExecution, fmt.Sprintf("run %s", name))
}

// splitCommand breaks a whitespace-separated command line into argv.
// Stage params carry simple commands, not shell syntax.
func splitCommand(cmdline string) (string, []string, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return "", nil, core.NewDomain("stage", core.ErrCodeStageExecution, "empty command")
	}
	return fields[0], fields[1:], nil
}

func capTail(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[len(s)-maxCapturedOutput:]
}
