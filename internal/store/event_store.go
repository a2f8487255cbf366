// event_store.go — 归一化事件的落盘与回灌。
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/it-agent/support-console/internal/event"
	apperrors "github.com/it-agent/support-console/pkg/errors"
	"github.com/it-agent/support-console/pkg/logger"
)

// EventStore 事件表访问器。
type EventStore struct {
	db *sql.DB
}

// NewEventStore 绑定到已打开的数据库句柄。
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// SaveBatch 落盘一批事件。主键冲突 (重复 ID) 静默忽略 —
// 落盘幂等性与内存去重共同保证 exactly-once 展示。
func (s *EventStore) SaveBatch(ctx context.Context, events []event.CanonicalEvent) error {
	const op = "store.EventStore.SaveBatch"
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, op, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO events (id, ts, type, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(err, op, "prepare insert")
	}
	defer stmt.Close()

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return apperrors.Wrapf(err, op, "marshal event %s", ev.ID)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Type, string(payload)); err != nil {
			return apperrors.Wrapf(err, op, "insert event %s", ev.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, op, "commit transaction")
	}
	return nil
}

// LoadAll 回灌全量事件, 按落盘时间升序。
//
// 损坏行 (payload 无法解析) 记日志后跳过, 不让单行坏数据
// 拖垮整次回灌。
func (s *EventStore) LoadAll(ctx context.Context) ([]event.CanonicalEvent, error) {
	const op = "store.EventStore.LoadAll"

	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM events ORDER BY ts ASC, id ASC`)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "query events")
	}
	defer rows.Close()

	var out []event.CanonicalEvent
	corrupt := 0
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, apperrors.Wrap(err, op, "scan row")
		}
		var ev event.CanonicalEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.ID == "" || ev.Type == "" {
			corrupt++
			logger.Warn("skipping corrupt cached event",
				logger.FieldID, id,
				logger.FieldError, apperrors.ErrCacheCorrupt)
			continue
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, op, "iterate rows")
	}
	if corrupt > 0 {
		logger.Warn("event cache rehydrated with corrupt rows skipped", logger.FieldCount, corrupt)
	}
	return out, nil
}

// Count 返回缓存事件总数。
func (s *EventStore) Count(ctx context.Context) (int, error) {
	const op = "store.EventStore.Count"
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(err, op, "count events")
	}
	return n, nil
}

// PruneBefore 清理 cutoff 之前的事件, 返回删除行数。缓存容量治理用。
func (s *EventStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "store.EventStore.PruneBefore"
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, apperrors.Wrap(err, op, "delete old events")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(err, op, "rows affected")
	}
	return n, nil
}
