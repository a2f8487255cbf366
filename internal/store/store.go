// Package store 事件本地持久层 — 纯 Go SQLite 嵌入式缓存。
//
// 职责仅两件事: 事件落盘 (进程重启后可还原全量事件) 与系统日志
// 留存 (pkg/logger 的 StoreHandler 异步写入, 本包只读查询)。
// 周期永不落盘 — 周期是事件的纯投影, 重启后由 cycle 包整体重算。
package store

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	apperrors "github.com/it-agent/support-console/pkg/errors"
)

// SchemaVersion 迁移器支持的最新 schema 版本。
const SchemaVersion = 1

// Open 打开 (必要时创建) path 处的 SQLite 缓存并完成迁移。
//
// path 为 ":memory:" 时使用内存库 (测试用)。
func Open(path string) (*sql.DB, error) {
	const op = "store.Open"

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, apperrors.Wrap(err, op, "create cache directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "open database")
	}

	// modernc 驱动在并发连接下易遇 SQLITE_BUSY, 单连接即可满足本场景
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA synchronous = NORMAL;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, apperrors.Wrapf(err, op, "apply %s", pragma)
		}
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate 确保 schema 存在并升级到 SchemaVersion。幂等。
func Migrate(db *sql.DB) error {
	const op = "store.Migrate"
	if db == nil {
		return apperrors.New(op, "db is nil")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`); err != nil {
		return apperrors.Wrap(err, op, "create schema_migrations")
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return apperrors.Wrap(err, op, "read current version")
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return apperrors.Wrap(err, op, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id      TEXT PRIMARY KEY,
			ts      TEXT NOT NULL,
			type    TEXT NOT NULL,
			payload TEXT NOT NULL
		);
	`); err != nil {
		return apperrors.Wrap(err, op, "create events table")
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`); err != nil {
		return apperrors.Wrap(err, op, "create idx_events_ts")
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS system_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ts         TEXT NOT NULL,
			level      TEXT NOT NULL,
			message    TEXT NOT NULL,
			source     TEXT,
			component  TEXT,
			event_type TEXT,
			email_id   TEXT,
			thread_id  TEXT,
			extra      TEXT
		);
	`); err != nil {
		return apperrors.Wrap(err, op, "create system_logs table")
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_system_logs_ts ON system_logs(ts);`); err != nil {
		return apperrors.Wrap(err, op, "create idx_system_logs_ts")
	}

	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, SchemaVersion); err != nil {
		return apperrors.Wrap(err, op, "record schema version")
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, op, "commit transaction")
	}
	return nil
}
