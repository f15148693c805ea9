package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"task-automation-service/internal/models"
	"task-automation-service/pkg/db"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.NewGormDB(db.Config{DSN: filepath.Join(t.TempDir(), "store.db"), LogLevel: logger.Silent})
	require.NoError(t, err)
	s := New(gdb)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return s
}

func sampleTask(userID string) models.Task {
	return models.Task{
		UserID:     userID,
		Name:       "Disk alert",
		Category:   models.CategoryServer,
		Trigger:    models.Trigger{Type: models.TriggerSchedule, Config: models.ScheduleConfig{Schedule: "*/5 * * * *"}},
		Conditions: []models.Condition{{Field: "usage", Operator: models.OpGreaterThan, Value: "90"}},
		Actions: []models.Action{
			{ID: "a1", Type: models.ActionCommand, Config: models.CommandConfig{Command: "df -h"}},
			{ID: "a2", Type: models.ActionNotification, Config: models.NotificationConfig{Message: "disk {{usage}}"}},
		},
		Variables: map[string]string{"host": "db-01"},
	}
}

func TestTaskCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, sampleTask("u1"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, models.StatusActive, created.Status)

	got, err := s.GetTask(ctx, created.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Disk alert", got.Name)
	cfg, ok := got.Trigger.Config.(models.ScheduleConfig)
	require.True(t, ok, "trigger config type survives the JSON column")
	assert.Equal(t, "*/5 * * * *", cfg.Schedule)
	require.Len(t, got.Actions, 2)
	assert.IsType(t, models.NotificationConfig{}, got.Actions[1].Config)
	assert.Equal(t, "db-01", got.Variables["host"])

	_, err = s.GetTask(ctx, created.ID, "someone-else")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	list, err := s.ListTasks(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteTask(ctx, created.ID, "u1"))
	_, err = s.GetTask(ctx, created.ID, "u1")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.True(t, errors.Is(s.DeleteTask(ctx, created.ID, "u1"), models.ErrNotFound))
}

func TestSaveTask_OptimisticConcurrency(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	created, err := s.CreateTask(ctx, sampleTask("u1"))
	require.NoError(t, err)

	first := created.WithRun(time.Now().UTC())
	saved, err := s.SaveTask(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	stale := created.WithStatus(models.StatusInactive)
	_, err = s.SaveTask(ctx, stale)
	assert.True(t, errors.Is(err, models.ErrConflict), "got %v", err)

	got, err := s.GetTaskByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	assert.Equal(t, models.StatusActive, got.Status)

	missing := created
	missing.ID = "does-not-exist"
	_, err = s.SaveTask(ctx, missing)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestListActiveTasks(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a, _ := s.CreateTask(ctx, sampleTask("u1"))
	b, _ := s.CreateTask(ctx, sampleTask("u2"))
	_, err := s.SaveTask(ctx, b.WithStatus(models.StatusInactive))
	require.NoError(t, err)

	active, err := s.ListActiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)
}

func TestRunLog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.RecordRun(ctx, models.TaskRun{
			TaskID:     "t1",
			Trigger:    models.TriggerWebhook,
			OccurredAt: time.Now().UTC(),
			Outcome:    models.RunPartial,
			Results:    []models.ActionOutcome{{ActionID: "a1", Error: "boom"}, {ActionID: "a2"}},
		})
		require.NoError(t, err)
	}
	runs, err := s.ListRuns(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Greater(t, runs[0].ID, runs[1].ID)
	assert.Equal(t, "boom", runs[0].Results[0].Error)
}
