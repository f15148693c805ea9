package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/shlex"

	"task-automation-service/internal/models"
	"task-automation-service/pkg/template"
)

// CommandExecutor runs a single command line. The line is split into argv
// after interpolation and executed without a shell.
type CommandExecutor struct {
	DefaultTimeout time.Duration
}

func (e *CommandExecutor) Execute(ctx context.Context, a models.Action, inv Invocation) (string, error) {
	cfg, err := configAs[models.CommandConfig](a)
	if err != nil {
		return "", err
	}
	line := template.Interpolate(cfg.Command, inv.Vars)
	argv, err := shlex.Split(line)
	if err != nil {
		return "", &models.ExecutionError{Command: line, ExitCode: -1, Err: fmt.Errorf("failed to parse command line: %w", err)}
	}
	if len(argv) == 0 {
		return "", &models.ExecutionError{Command: line, ExitCode: -1, Err: errors.New("command is empty")}
	}
	return runProcess(ctx, line, argv, timeoutFor(cfg.TimeoutSeconds, e.DefaultTimeout), inv.Vars)
}
