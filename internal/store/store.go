// Package store persists tasks, campaigns and the run log with GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"task-automation-service/internal/models"
)

// Store is the GORM-backed repository.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps an open database.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(All()...); err != nil {
		return fmt.Errorf("failed to auto-migrate store: %w", err)
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// ListTasks returns the caller's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, userID string) ([]models.Task, error) {
	var recs []TaskRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasksOf(recs), nil
}

// ListActiveTasks returns every active task of every user.
func (s *Store) ListActiveTasks(ctx context.Context) ([]models.Task, error) {
	var recs []TaskRecord
	if err := s.db.WithContext(ctx).Where("status = ?", models.StatusActive).Order("created_at").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return tasksOf(recs), nil
}

// GetTask returns the task when it belongs to userID.
func (s *Store) GetTask(ctx context.Context, id, userID string) (models.Task, error) {
	var rec TaskRecord
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&rec).Error
	if err != nil {
		return models.Task{}, notFound("task "+id, err)
	}
	return rec.toModel(), nil
}

// GetTaskByID returns the task regardless of owner. It is meant for
// background components that already hold a task id.
func (s *Store) GetTaskByID(ctx context.Context, id string) (models.Task, error) {
	var rec TaskRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return models.Task{}, notFound("task "+id, err)
	}
	return rec.toModel(), nil
}

// CreateTask inserts a new task with a fresh id and version 1.
func (s *Store) CreateTask(ctx context.Context, t models.Task) (models.Task, error) {
	now := s.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.StatusActive
	}
	t.Version = 1
	t.CreatedAt, t.UpdatedAt = now, now
	rec := toTaskRecord(t)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return models.Task{}, fmt.Errorf("create task: %w", err)
	}
	return rec.toModel(), nil
}

// SaveTask writes t if the stored version still equals t.Version and returns
// the saved copy with the next version. A stale version yields
// models.ErrConflict.
func (s *Store) SaveTask(ctx context.Context, t models.Task) (models.Task, error) {
	rec := toTaskRecord(t)
	rec.Version = t.Version + 1
	rec.UpdatedAt = s.now()

	res := s.db.WithContext(ctx).Model(&rec).
		Where("version = ?", t.Version).
		Select("*").Omit("id", "user_id", "created_at", "deleted_at").
		Updates(&rec)
	if res.Error != nil {
		return models.Task{}, fmt.Errorf("save task %s: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetTaskByID(ctx, t.ID); err != nil {
			return models.Task{}, err
		}
		return models.Task{}, fmt.Errorf("save task %s at version %d: %w", t.ID, t.Version, models.ErrConflict)
	}
	saved := t.Clone()
	saved.Version = rec.Version
	saved.UpdatedAt = rec.UpdatedAt
	return saved, nil
}

// DeleteTask removes the task and every campaign it owns.
func (s *Store) DeleteTask(ctx context.Context, id, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&TaskRecord{})
		if res.Error != nil {
			return fmt.Errorf("delete task %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("task %s: %w", id, models.ErrNotFound)
		}
		return deleteCampaigns(tx, "task_id = ?", id)
	})
}

// RecordRun appends to the run log.
func (s *Store) RecordRun(ctx context.Context, run models.TaskRun) (models.TaskRun, error) {
	rec := RunRecord{
		TaskID:     run.TaskID,
		Trigger:    string(run.Trigger),
		OccurredAt: run.OccurredAt,
		Outcome:    string(run.Outcome),
		Fields:     run.Fields,
		Results:    run.Results,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return models.TaskRun{}, fmt.Errorf("record run for task %s: %w", run.TaskID, err)
	}
	return rec.toModel(), nil
}

// ListRuns returns the most recent runs of a task.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]models.TaskRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var recs []RunRecord
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list runs for task %s: %w", taskID, err)
	}
	out := make([]models.TaskRun, len(recs))
	for i, r := range recs {
		out[i] = r.toModel()
	}
	return out, nil
}

func tasksOf(recs []TaskRecord) []models.Task {
	out := make([]models.Task, len(recs))
	for i, r := range recs {
		out[i] = r.toModel()
	}
	return out
}

func notFound(what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}
