package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Han-Qiu/sora2api/internal/service"
)

// taskRepository 实现 service.TaskRepository。
type taskRepository struct {
	sql *sql.DB
}

// NewTaskRepository 创建任务仓储实例。
func NewTaskRepository(sqlDB *sql.DB) service.TaskRepository {
	return &taskRepository{sql: sqlDB}
}

func (r *taskRepository) Create(ctx context.Context, task *service.Task) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO tasks (task_id, token_id, model, prompt, status, progress, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, task.TaskID, task.TokenID, task.Model, task.Prompt, task.Status, task.Progress)
	return err
}

func (r *taskRepository) GetByTaskID(ctx context.Context, taskID string) (*service.Task, error) {
	row := r.sql.QueryRowContext(ctx, `
		SELECT task_id, token_id, model, prompt, status, progress, result_urls,
			error_message, created_at, completed_at
		FROM tasks WHERE task_id = ?
	`, taskID)
	return scanTask(row)
}

func (r *taskRepository) UpdateStatus(ctx context.Context, taskID, status string, progress float64, resultURLs, errorMessage string, completedAt *time.Time) error {
	_, err := r.sql.ExecContext(ctx, `
		UPDATE tasks SET status = ?, progress = ?, result_urls = ?, error_message = ?, completed_at = ?
		WHERE task_id = ?
	`, status, progress, resultURLs, errorMessage, completedAt, taskID)
	return err
}

func (r *taskRepository) ListRecent(ctx context.Context, limit int) ([]*service.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.sql.QueryContext(ctx, `
		SELECT task_id, token_id, model, prompt, status, progress, result_urls,
			error_message, created_at, completed_at
		FROM tasks ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*service.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *taskRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = ?`, status).Scan(&count)
	return count, err
}

func scanTask(row rowScanner) (*service.Task, error) {
	var (
		t           service.Task
		completedAt sql.NullTime
	)
	err := row.Scan(&t.TaskID, &t.TokenID, &t.Model, &t.Prompt, &t.Status, &t.Progress,
		&t.ResultURLs, &t.ErrorMessage, &t.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.CompletedAt = nullTimePtr(completedAt)
	return &t, nil
}
