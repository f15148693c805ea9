package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-automation-service/internal/models"
)

// DefaultCommandTimeout bounds commands and scripts without their own timeout.
const DefaultCommandTimeout = 30 * time.Second

const maxCapturedOutput = 64 << 10

func timeoutFor(seconds int, fallback time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultCommandTimeout
}

// varEnv exports template variables as TASK_VAR_<KEY>.
func varEnv(vars map[string]string) []string {
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, "TASK_VAR_"+envKey(k)+"="+v)
	}
	return env
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, k)
}

// runProcess executes argv directly, without a shell, under the timeout.
func runProcess(ctx context.Context, label string, argv []string, timeout time.Duration, vars map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), varEnv(vars)...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		hlog.CtxWarnf(ctx, "CommandExecutor: %q timed out after %s", label, timeout)
		return "", &models.ExecutionError{Command: label, TimedOut: true, ExitCode: -1, Stderr: clip(stderr.String()), Err: ctx.Err()}
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &models.ExecutionError{Command: label, ExitCode: exitCode, Stderr: clip(stderr.String()), Err: err}
	}
	if stderr.Len() > 0 {
		hlog.CtxDebugf(ctx, "CommandExecutor: %q wrote to stderr:\n%s", label, clip(stderr.String()))
	}
	return clip(stdout.String()), nil
}

func clip(s string) string {
	if len(s) > maxCapturedOutput {
		return s[:maxCapturedOutput]
	}
	return s
}
