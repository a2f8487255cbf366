package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/it-agent/support-console/internal/cycle"
	"github.com/it-agent/support-console/internal/event"
	"github.com/it-agent/support-console/internal/store"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTracker(t *testing.T, es *store.EventStore) (*Tracker, chan *Snapshot) {
	t.Helper()
	snaps := make(chan *Snapshot, 32)
	tr := New(cycle.NewEngine(0), es, nil,
		WithClock(func() time.Time { return t0 }),
		WithSnapshotHook(func(s *Snapshot) { snaps <- s }))
	return tr, snaps
}

func openEventStore(t *testing.T) *store.EventStore {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewEventStore(db)
}

func waitSnapshot(t *testing.T, snaps chan *Snapshot) *Snapshot {
	t.Helper()
	select {
	case s := <-snaps:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("snapshot never published")
		return nil
	}
}

func startTracker(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-tr.Done()
	})
}

// ─── 摄入 ───

func TestHandleMessage_BuildsSnapshot(t *testing.T) {
	tr, snaps := newTracker(t, nil)
	startTracker(t, tr)

	tr.HandleMessage([]byte(`{"type":"email_detected","email_id":"e1","subject":"VPN"}`))

	snap := waitSnapshot(t, snaps)
	if len(snap.Events) != 1 || len(snap.Cycles) != 1 {
		t.Fatalf("snapshot = %d events, %d cycles", len(snap.Events), len(snap.Cycles))
	}
	if snap.Cycles[0].EmailID != "e1" || snap.Cycles[0].Subject != "VPN" {
		t.Errorf("cycle = %+v", snap.Cycles[0])
	}
	if tr.Snapshot().Seq != snap.Seq {
		t.Error("Snapshot() must expose the published snapshot")
	}
}

func TestHandleMessage_BadPayloadDoesNotPublish(t *testing.T) {
	tr, snaps := newTracker(t, nil)
	startTracker(t, tr)

	tr.HandleMessage([]byte(`{broken`))
	tr.HandleMessage([]byte(`{"type":"ping"}`))

	select {
	case s := <-snaps:
		t.Fatalf("unexpected snapshot: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIngest_DedupeAcrossSources(t *testing.T) {
	tr, snaps := newTracker(t, nil)
	startTracker(t, tr)

	// 流与轮询各送达一次同 ID 事件
	tr.HandleMessage([]byte(`{"type":"ticket_created","event_id":"srv-1","email_id":"e1"}`))
	waitSnapshot(t, snaps)
	tr.IngestBacklog([]map[string]any{
		{"type": "ticket_created", "event_id": "srv-1", "email_id": "e1"},
		{"type": "email_reply", "event_id": "srv-2", "email_id": "e1"},
	})

	snap := waitSnapshot(t, snaps)
	if len(snap.Events) != 2 {
		t.Fatalf("events = %d, want 2 (duplicate collapsed)", len(snap.Events))
	}
	if !snap.Cycles[0].Completed {
		t.Error("reply should complete the cycle")
	}
}

// ─── 持久化与回灌 ───

func TestSeed_RehydratesFromStore(t *testing.T) {
	es := openEventStore(t)

	first, firstSnaps := newTracker(t, es)
	startTracker(t, first)
	first.HandleMessage([]byte(`{"type":"email_detected","event_id":"a","email_id":"e1"}`))
	waitSnapshot(t, firstSnaps)

	// 第二个实例模拟进程重启
	second, _ := newTracker(t, es)
	if err := second.Seed(context.Background()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	snap := second.Snapshot()
	if len(snap.Events) != 1 || snap.Events[0].ID != "a" {
		t.Fatalf("rehydrated = %+v", snap.Events)
	}

	// 回灌后同 ID 再次到达不得重复
	startTracker(t, second)
	second.HandleMessage([]byte(`{"type":"email_detected","event_id":"a","email_id":"e1"}`))
	second.HandleMessage([]byte(`{"type":"email_reply","event_id":"b","email_id":"e1"}`))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(second.Snapshot().Events) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("events = %d, want 2", len(second.Snapshot().Events))
}

// ─── 重推 ───

func TestRefresh_RepublishesWithoutNewEvents(t *testing.T) {
	tr, snaps := newTracker(t, nil)
	startTracker(t, tr)

	tr.HandleMessage([]byte(`{"type":"email_detected","event_id":"a","email_id":"e1"}`))
	first := waitSnapshot(t, snaps)

	tr.Refresh()
	second := waitSnapshot(t, snaps)
	if second.Seq <= first.Seq {
		t.Errorf("refresh seq = %d, want > %d", second.Seq, first.Seq)
	}
	if len(second.Events) != 1 {
		t.Errorf("refresh must not invent events: %d", len(second.Events))
	}
}

// ─── 合批 ───

func TestIngest_CoalescesQueuedBatches(t *testing.T) {
	tr, _ := newTracker(t, nil)

	// 未启动写协程, 先排队再启动 — 全部批次应收敛处理
	tr.Ingest([]event.CanonicalEvent{{ID: "1", Timestamp: t0, RawEvent: event.RawEvent{Type: "error"}}})
	tr.Ingest([]event.CanonicalEvent{{ID: "2", Timestamp: t0, RawEvent: event.RawEvent{Type: "error"}}})
	startTracker(t, tr)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(tr.Snapshot().Events) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("events = %d, want 2", len(tr.Snapshot().Events))
}
