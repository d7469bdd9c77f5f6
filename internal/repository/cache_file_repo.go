package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/Han-Qiu/sora2api/internal/service"
)

// cachedFileRepository 实现 service.CachedFileRepository。
type cachedFileRepository struct {
	sql *sql.DB
}

// NewCachedFileRepository 创建缓存文件索引仓储实例。
func NewCachedFileRepository(sqlDB *sql.DB) service.CachedFileRepository {
	return &cachedFileRepository{sql: sqlDB}
}

func (r *cachedFileRepository) Create(ctx context.Context, file *service.CachedFile) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO cached_files (file_name, media_type, original_url, size_bytes, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (file_name) DO UPDATE SET
			media_type = excluded.media_type,
			original_url = excluded.original_url,
			size_bytes = excluded.size_bytes,
			expires_at = excluded.expires_at
	`, file.FileName, file.MediaType, file.OriginalURL, file.SizeBytes, file.ExpiresAt)
	return err
}

func (r *cachedFileRepository) GetByFileName(ctx context.Context, fileName string) (*service.CachedFile, error) {
	row := r.sql.QueryRowContext(ctx, `
		SELECT id, file_name, media_type, original_url, size_bytes, expires_at, created_at
		FROM cached_files WHERE file_name = ?
	`, fileName)

	var (
		f         service.CachedFile
		expiresAt sql.NullTime
	)
	err := row.Scan(&f.ID, &f.FileName, &f.MediaType, &f.OriginalURL, &f.SizeBytes, &expiresAt, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.ExpiresAt = nullTimePtr(expiresAt)
	return &f, nil
}

// ListExpired 返回已过期的索引项。expires_at 为空表示永不过期。
func (r *cachedFileRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*service.CachedFile, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.sql.QueryContext(ctx, `
		SELECT id, file_name, media_type, original_url, size_bytes, expires_at, created_at
		FROM cached_files
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var files []*service.CachedFile
	for rows.Next() {
		var (
			f         service.CachedFile
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&f.ID, &f.FileName, &f.MediaType, &f.OriginalURL,
			&f.SizeBytes, &expiresAt, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.ExpiresAt = nullTimePtr(expiresAt)
		files = append(files, &f)
	}
	return files, rows.Err()
}

func (r *cachedFileRepository) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := r.sql.ExecContext(ctx, `DELETE FROM cached_files WHERE id IN (`+placeholders+`)`, args...)
	return err
}
