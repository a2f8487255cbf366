// system_log_store.go — 系统日志查询。
//
// 写入侧在 pkg/logger 的 StoreHandler (异步批量); 本文件只负责
// dashboard 的只读查询。
package store

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/it-agent/support-console/pkg/errors"
	"github.com/it-agent/support-console/pkg/util"
)

// SystemLogEntry 一条留存的系统日志。
type SystemLogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Component string    `json:"component,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	EmailID   string    `json:"email_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Extra     string    `json:"extra,omitempty"`
}

// SystemLogStore 系统日志表访问器。
type SystemLogStore struct {
	db *sql.DB
}

// NewSystemLogStore 绑定到已打开的数据库句柄。
func NewSystemLogStore(db *sql.DB) *SystemLogStore {
	return &SystemLogStore{db: db}
}

const selectSystemLogs = `
	SELECT id, ts, level, message,
	       COALESCE(source, ''), COALESCE(component, ''), COALESCE(event_type, ''),
	       COALESCE(email_id, ''), COALESCE(thread_id, ''), COALESCE(extra, '')
	FROM system_logs`

// Recent 返回最近 limit 条系统日志, 新的在前。limit <= 0 取 100。
func (s *SystemLogStore) Recent(ctx context.Context, limit int) ([]SystemLogEntry, error) {
	const op = "store.SystemLogStore.Recent"
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, op, selectSystemLogs+` ORDER BY id DESC LIMIT ?`, limit)
}

// Search 按 message 子串过滤最近日志, 新的在前。keyword 中的
// LIKE 通配符 (%, _) 按字面匹配。空 keyword 等价于 Recent。
func (s *SystemLogStore) Search(ctx context.Context, keyword string, limit int) ([]SystemLogEntry, error) {
	const op = "store.SystemLogStore.Search"
	if keyword == "" {
		return s.Recent(ctx, limit)
	}
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + util.EscapeLike(keyword) + "%"
	return s.query(ctx, op,
		selectSystemLogs+` WHERE message LIKE ? ESCAPE '\' ORDER BY id DESC LIMIT ?`,
		pattern, limit)
}

func (s *SystemLogStore) query(ctx context.Context, op, q string, args ...any) ([]SystemLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "query system logs")
	}
	defer rows.Close()

	var out []SystemLogEntry
	for rows.Next() {
		var e SystemLogEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.Message,
			&e.Source, &e.Component, &e.EventType, &e.EmailID, &e.ThreadID, &e.Extra); err != nil {
			return nil, apperrors.Wrap(err, op, "scan row")
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, op, "iterate rows")
	}
	return out, nil
}
