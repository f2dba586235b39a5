package executor

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"time"
)

// RunResult is the outcome of one process spawn.
type RunResult struct {
	ExitCode   int
	Output     string
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Runner spawns a shell command. Run returns immediately; the result is
// delivered once on the returned channel, which is then closed.
type Runner interface {
	Run(ctx context.Context, command string) <-chan RunResult
}

// ShellRunner runs commands through the platform shell and captures
// combined stdout and stderr.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, command string) <-chan RunResult {
	ch := make(chan RunResult, 1)
	go func() {
		defer close(ch)

		var cmd *exec.Cmd
		if runtime.GOOS == "windows" {
			cmd = exec.CommandContext(ctx, "cmd", "/C", command)
		} else {
			cmd = exec.CommandContext(ctx, "sh", "-c", command)
		}

		res := RunResult{StartedAt: time.Now()}
		output, err := cmd.CombinedOutput()
		res.FinishedAt = time.Now()
		res.Output = string(output)

		if err != nil {
			res.Err = err
			res.ExitCode = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
			}
		}
		ch <- res
	}()
	return ch
}
