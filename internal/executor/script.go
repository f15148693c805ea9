package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/shlex"

	"task-automation-service/internal/models"
	"task-automation-service/pkg/template"
)

// DefaultInterpreter runs scripts that do not name one.
const DefaultInterpreter = "sh"

// ScriptExecutor writes the script body to a temporary file and runs it with
// the configured interpreter.
type ScriptExecutor struct {
	DefaultTimeout time.Duration
}

func (e *ScriptExecutor) Execute(ctx context.Context, a models.Action, inv Invocation) (string, error) {
	cfg, err := configAs[models.ScriptConfig](a)
	if err != nil {
		return "", err
	}
	code := template.Interpolate(cfg.Script, inv.Vars)
	if code == "" {
		return "", &models.ExecutionError{Command: "<script " + a.ID + ">", ExitCode: -1, Err: errors.New("script body is empty")}
	}
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	argv, err := shlex.Split(interpreter)
	if err != nil || len(argv) == 0 {
		return "", &models.ExecutionError{Command: interpreter, ExitCode: -1, Err: fmt.Errorf("invalid interpreter %q", interpreter)}
	}

	tempDir, err := os.MkdirTemp("", "task_engine_scripts_")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	scriptPath := filepath.Join(tempDir, "script")
	if err := os.WriteFile(scriptPath, []byte(code), 0o700); err != nil {
		return "", fmt.Errorf("failed to write script to temp file: %w", err)
	}
	hlog.CtxDebugf(ctx, "ScriptExecutor: task %s action %s script written to %s", inv.TaskID, a.ID, scriptPath)

	label := fmt.Sprintf("%s <script %s>", interpreter, a.ID)
	return runProcess(ctx, label, append(argv, scriptPath), timeoutFor(cfg.TimeoutSeconds, e.DefaultTimeout), inv.Vars)
}
