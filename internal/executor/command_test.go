package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-automation-service/internal/models"
)

func commandAction(cmd string, timeout int) models.Action {
	return models.Action{ID: "cmd", Type: models.ActionCommand, Config: models.CommandConfig{Command: cmd, TimeoutSeconds: timeout}}
}

func TestCommandExecutor_InterpolatesWithoutShell(t *testing.T) {
	e := &CommandExecutor{}
	out, err := e.Execute(context.Background(), commandAction(`echo "{{greeting}}" $HOME;ls`, 0), Invocation{
		Vars: map[string]string{"greeting": "hello world"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world $HOME;ls\n", out, "no shell expansion or command chaining")
}

func TestCommandExecutor_ExportsVars(t *testing.T) {
	e := &CommandExecutor{}
	out, err := e.Execute(context.Background(), commandAction(`printenv TASK_VAR_SERVER_NAME`, 0), Invocation{
		Vars: map[string]string{"server-name": "db-01"},
	})
	require.NoError(t, err)
	assert.Equal(t, "db-01\n", out)
}

func TestCommandExecutor_NonZeroExit(t *testing.T) {
	e := &CommandExecutor{}
	_, err := e.Execute(context.Background(), commandAction(`sh -c "echo oops >&2; exit 3"`, 0), Invocation{})
	var execErr *models.ExecutionError
	require.True(t, errors.As(err, &execErr), "got %v", err)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.False(t, execErr.TimedOut)
	assert.Contains(t, execErr.Stderr, "oops")
}

func TestCommandExecutor_Timeout(t *testing.T) {
	e := &CommandExecutor{}
	_, err := e.Execute(context.Background(), commandAction(`sleep 5`, 1), Invocation{})
	var execErr *models.ExecutionError
	require.True(t, errors.As(err, &execErr), "got %v", err)
	assert.True(t, execErr.TimedOut)
}

func TestCommandExecutor_EmptyAndUnknownBinary(t *testing.T) {
	e := &CommandExecutor{}
	_, err := e.Execute(context.Background(), commandAction(`{{missing_only}}`, 0), Invocation{Vars: map[string]string{"missing_only": ""}})
	assert.Error(t, err)

	_, err = e.Execute(context.Background(), commandAction(`definitely-not-a-binary-xyz`, 0), Invocation{})
	var execErr *models.ExecutionError
	assert.True(t, errors.As(err, &execErr))
}

func TestScriptExecutor_Success(t *testing.T) {
	e := &ScriptExecutor{}
	a := models.Action{ID: "s1", Type: models.ActionScript, Config: models.ScriptConfig{
		Script: "echo \"host={{host}}\"\necho warn >&2\n",
	}}
	out, err := e.Execute(context.Background(), a, Invocation{Vars: map[string]string{"host": "web-1"}})
	require.NoError(t, err)
	assert.Equal(t, "host=web-1\n", out)
}

func TestScriptExecutor_Failure(t *testing.T) {
	e := &ScriptExecutor{}
	a := models.Action{ID: "s2", Type: models.ActionScript, Config: models.ScriptConfig{
		Script:      "echo 'custom error message' >&2\nexit 5\n",
		Interpreter: "sh -e",
	}}
	out, err := e.Execute(context.Background(), a, Invocation{})
	assert.Empty(t, out)
	var execErr *models.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 5, execErr.ExitCode)
	assert.Contains(t, err.Error(), "custom error message")
}

func TestScriptExecutor_EmptyBody(t *testing.T) {
	e := &ScriptExecutor{}
	a := models.Action{ID: "s3", Type: models.ActionScript, Config: models.ScriptConfig{Script: "{{body}}"}}
	_, err := e.Execute(context.Background(), a, Invocation{Vars: map[string]string{"body": ""}})
	var execErr *models.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, -1, execErr.ExitCode)
	assert.Contains(t, err.Error(), "script body is empty")
}

func TestScriptExecutor_WrongConfig(t *testing.T) {
	e := &ScriptExecutor{}
	_, err := e.Execute(context.Background(), commandAction("ls", 0), Invocation{})
	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))
}
