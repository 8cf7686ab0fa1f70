package script

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// ErrTimeout is returned when a command outlives its deadline.
var ErrTimeout = errors.New("command timed out")

// Result is what a finished command left behind.
type Result struct {
	Output   []byte
	ExitCode int
}

// Executor runs external commands. A non-zero exit is reported in Result,
// not as an error; errors mean the command could not be run to completion.
type Executor interface {
	Run(ctx context.Context, env []string, name string, args ...string) (Result, error)
}

// CommandExecutor runs commands with os/exec under a per-command timeout.
type CommandExecutor struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewCommandExecutor creates an executor. A zero timeout means no limit
// beyond ctx.
func NewCommandExecutor(timeout time.Duration, logger zerolog.Logger) *CommandExecutor {
	return &CommandExecutor{
		timeout: timeout,
		logger:  logger.With().Str("component", "exec").Logger(),
	}
}

func (e *CommandExecutor) Run(ctx context.Context, env []string, name string, args ...string) (Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if env != nil {
		cmd.Env = env
	}

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		e.logger.Error().Str("command", name).Dur("timeout", e.timeout).Msg("Command timed out")
		return Result{Output: output, ExitCode: -1}, fmt.Errorf("%s: %w", name, ErrTimeout)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		e.logger.Debug().Str("command", name).Strs("args", args).Msg("Command succeeded")
		return Result{Output: output}, nil
	case errors.As(err, &exitErr):
		e.logger.Debug().Str("command", name).Strs("args", args).Int("exit", exitErr.ExitCode()).Bytes("output", output).Msg("Command exited non-zero")
		return Result{Output: output, ExitCode: exitErr.ExitCode()}, nil
	default:
		return Result{Output: output, ExitCode: -1}, fmt.Errorf("failed to run %s: %w", name, err)
	}
}
