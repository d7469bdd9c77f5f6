// Package repository 提供基于 SQLite 的持久层实现。
package repository

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open 打开（必要时创建）数据库并执行迁移。
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc/sqlite 单连接写入最稳妥，WAL 允许读写并行
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate 创建缺失的表和索引，可重复执行。
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			access_token TEXT NOT NULL,
			session_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			proxy_url TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			remark TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			cooled_until TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at TIMESTAMP,
			use_count INTEGER NOT NULL DEFAULT 0,
			plan_type TEXT NOT NULL DEFAULT '',
			plan_title TEXT NOT NULL DEFAULT '',
			subscription_end TIMESTAMP,
			is_expired INTEGER NOT NULL DEFAULT 0,
			sora2_supported INTEGER NOT NULL DEFAULT 0,
			sora2_invite_code TEXT NOT NULL DEFAULT '',
			sora2_redeemed_count INTEGER NOT NULL DEFAULT 0,
			sora2_total_count INTEGER NOT NULL DEFAULT 0,
			sora2_remaining_count INTEGER NOT NULL DEFAULT 0,
			sora2_cooldown_until TIMESTAMP,
			image_enabled INTEGER NOT NULL DEFAULT 1,
			video_enabled INTEGER NOT NULL DEFAULT 1,
			image_concurrency INTEGER NOT NULL DEFAULT 1,
			video_concurrency INTEGER NOT NULL DEFAULT 3
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_email ON tokens(email) WHERE email != ''`,
		`CREATE TABLE IF NOT EXISTS token_stats (
			token_id INTEGER PRIMARY KEY REFERENCES tokens(id) ON DELETE CASCADE,
			image_count INTEGER NOT NULL DEFAULT 0,
			video_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			today_image_count INTEGER NOT NULL DEFAULT 0,
			today_video_count INTEGER NOT NULL DEFAULT 0,
			today_error_count INTEGER NOT NULL DEFAULT 0,
			today_date TEXT,
			consecutive_error_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			token_id INTEGER NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'processing',
			progress REAL NOT NULL DEFAULT 0,
			result_urls TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model TEXT NOT NULL DEFAULT '',
			token_id INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS cached_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_name TEXT NOT NULL UNIQUE,
			media_type TEXT NOT NULL DEFAULT 'image',
			original_url TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS admin_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			error_ban_threshold INTEGER NOT NULL DEFAULT 3,
			task_retry_enabled INTEGER NOT NULL DEFAULT 0,
			task_max_retries INTEGER NOT NULL DEFAULT 1,
			auto_disable_on_401 INTEGER NOT NULL DEFAULT 1,
			api_key TEXT NOT NULL DEFAULT '',
			admin_password TEXT NOT NULL DEFAULT '',
			debug_enabled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS proxy_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL DEFAULT 0,
			proxy_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS pow_proxy_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL DEFAULT 0,
			proxy_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS watermark_free_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL DEFAULT 0,
			custom_parse_enabled INTEGER NOT NULL DEFAULT 0,
			parse_url TEXT NOT NULL DEFAULT '',
			parse_token TEXT NOT NULL DEFAULT '',
			fallback_enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS cache_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL DEFAULT 1,
			timeout_seconds INTEGER NOT NULL DEFAULT 3600,
			base_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS generation_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			image_timeout_seconds INTEGER NOT NULL DEFAULT 300,
			video_timeout_seconds INTEGER NOT NULL DEFAULT 1800
		)`,
		`CREATE TABLE IF NOT EXISTS token_refresh_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL DEFAULT 0,
			interval_hours INTEGER NOT NULL DEFAULT 24,
			workers INTEGER NOT NULL DEFAULT 4
		)`,
		`CREATE TABLE IF NOT EXISTS call_logic_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			mode TEXT NOT NULL DEFAULT 'auto'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
