package repository

import (
	"context"
	"database/sql"

	"github.com/Han-Qiu/sora2api/internal/service"
)

// requestLogRepository 实现 service.RequestLogRepository。
type requestLogRepository struct {
	sql *sql.DB
}

// NewRequestLogRepository 创建请求日志仓储实例。
func NewRequestLogRepository(sqlDB *sql.DB) service.RequestLogRepository {
	return &requestLogRepository{sql: sqlDB}
}

func (r *requestLogRepository) Create(ctx context.Context, log *service.RequestLog) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO request_logs (model, token_id, status_code, duration_ms, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, log.Model, log.TokenID, log.StatusCode, log.DurationMs, log.ErrorMessage)
	return err
}

func (r *requestLogRepository) ListRecent(ctx context.Context, limit int) ([]*service.RequestLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.sql.QueryContext(ctx, `
		SELECT id, model, token_id, status_code, duration_ms, error_message, created_at
		FROM request_logs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []*service.RequestLog
	for rows.Next() {
		var l service.RequestLog
		if err := rows.Scan(&l.ID, &l.Model, &l.TokenID, &l.StatusCode,
			&l.DurationMs, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (r *requestLogRepository) DeleteAll(ctx context.Context) error {
	_, err := r.sql.ExecContext(ctx, `DELETE FROM request_logs`)
	return err
}
