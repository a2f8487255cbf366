package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// ─── applyAttr 字段映射 ───

func TestApplyAttr_KnownFields(t *testing.T) {
	var e LogEntry
	applyAttr(&e, slog.String(FieldSource, "stream"))
	applyAttr(&e, slog.String(FieldComponent, "tracker"))
	applyAttr(&e, slog.String(FieldEventType, "email_detected"))
	applyAttr(&e, slog.String(FieldEmailID, "e1"))
	applyAttr(&e, slog.String(FieldThreadID, "t1"))

	if e.Source != "stream" || e.Component != "tracker" {
		t.Errorf("source/component = %q/%q", e.Source, e.Component)
	}
	if e.EventType != "email_detected" || e.EmailID != "e1" || e.ThreadID != "t1" {
		t.Errorf("event fields = %q/%q/%q", e.EventType, e.EmailID, e.ThreadID)
	}
	if len(e.Extra) != 0 {
		t.Errorf("known fields should not land in Extra, got %v", e.Extra)
	}
}

func TestApplyAttr_UnknownFieldGoesToExtra(t *testing.T) {
	var e LogEntry
	applyAttr(&e, slog.Int64("retries", 3))
	if v, ok := e.Extra["retries"]; !ok || v.(int64) != 3 {
		t.Errorf("Extra[retries] = %v", e.Extra["retries"])
	}
}

// ─── MultiHandler ───

type captureHandler struct {
	mu      sync.Mutex
	level   slog.Level
	records []slog.Record
}

func (h *captureHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func TestMultiHandler_FanOutRespectsLevel(t *testing.T) {
	info := &captureHandler{level: slog.LevelInfo}
	warn := &captureHandler{level: slog.LevelWarn}
	l := slog.New(NewMultiHandler(info, warn))

	l.Info("hello")
	l.Warn("careful")

	if got := info.count(); got != 2 {
		t.Errorf("info handler records = %d, want 2", got)
	}
	if got := warn.count(); got != 1 {
		t.Errorf("warn handler records = %d, want 1", got)
	}
}

// ─── StoreHandler 关闭语义 ───

func TestStoreHandler_HandleAfterShutdownIsNoop(t *testing.T) {
	h := NewStoreHandler(nil, slog.LevelWarn)
	h.Shutdown()

	r := slog.NewRecord(time.Now(), slog.LevelError, "late", 0)
	if err := h.Handle(context.Background(), r); err != nil {
		t.Errorf("Handle after Shutdown returned error: %v", err)
	}
	// 重复 Shutdown 不应 panic
	h.Shutdown()
}

func TestStoreHandler_EnabledThreshold(t *testing.T) {
	h := NewStoreHandler(nil, slog.LevelWarn)
	defer h.Shutdown()

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("INFO should be below WARN threshold")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("ERROR should pass WARN threshold")
	}
}
