package cycle

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/it-agent/support-console/internal/event"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// ev 构造测试事件; id 为空时按序号合成。
func ev(id string, kind event.Kind, offset time.Duration, mut ...func(*event.CanonicalEvent)) event.CanonicalEvent {
	e := event.CanonicalEvent{
		ID:        id,
		Timestamp: base.Add(offset),
		RawEvent:  event.RawEvent{Type: string(kind)},
	}
	for _, m := range mut {
		m(&e)
	}
	return e
}

func withEmail(id string) func(*event.CanonicalEvent) {
	return func(e *event.CanonicalEvent) { e.EmailID = id }
}

func withThread(id string) func(*event.CanonicalEvent) {
	return func(e *event.CanonicalEvent) { e.ThreadID = id }
}

func withSubject(s, sender string) func(*event.CanonicalEvent) {
	return func(e *event.CanonicalEvent) { e.Subject = s; e.Sender = sender }
}

// ─── 关联分组 ───

func TestRebuild_ThreadOverEmail(t *testing.T) {
	eng := NewEngine(0)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("1", event.KindEmailDetected, 0, withEmail("e1")),
		ev("2", event.KindTicketCreated, time.Minute, withEmail("e1"), withThread("t1")),
		ev("3", event.KindEmailReply, 2*time.Minute, withThread("t1")),
	}, base.Add(3*time.Minute))

	if len(cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(cycles))
	}
	c := cycles[0]
	if c.ThreadID != "t1" || c.EmailID != "e1" {
		t.Errorf("identity = thread %q email %q", c.ThreadID, c.EmailID)
	}
	if len(c.Members) != 3 {
		t.Errorf("members = %d, want 3", len(c.Members))
	}
}

func TestRebuild_ThreadArrivesBeforeEmailOnlyEvents(t *testing.T) {
	// 反序: 带 thread 的事件先到, 只带 email 的后到, 仍应收敛到一个周期
	eng := NewEngine(0)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("2", event.KindTicketCreated, time.Minute, withEmail("e1"), withThread("t1")),
		ev("1", event.KindEmailDetected, 0, withEmail("e1")),
	}, base.Add(2*time.Minute))

	if len(cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(cycles))
	}
	if cycles[0].CorrelationKey != "t1" {
		t.Errorf("key = %q, want t1", cycles[0].CorrelationKey)
	}
}

func TestRebuild_SyntheticKeyForCorrelationFreeEvents(t *testing.T) {
	eng := NewEngine(0)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("1", event.KindMonitoringStarted, 0),
		ev("2", event.KindMonitoringStopped, time.Minute),
	}, base.Add(2*time.Minute))

	// 无关联字段的事件各成单例周期
	if len(cycles) != 2 {
		t.Fatalf("cycles = %d, want 2 singletons", len(cycles))
	}
	for _, c := range cycles {
		if len(c.Members) != 1 {
			t.Errorf("singleton cycle has %d members", len(c.Members))
		}
	}
}

func TestRebuild_SeparateEmailsStaySeparate(t *testing.T) {
	eng := NewEngine(0)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("1", event.KindEmailDetected, 0, withEmail("e1")),
		ev("2", event.KindEmailDetected, time.Minute, withEmail("e2")),
	}, base.Add(2*time.Minute))

	if len(cycles) != 2 {
		t.Fatalf("cycles = %d, want 2", len(cycles))
	}
}

// ─── 幂等与去重 ───

func TestRebuild_Idempotent(t *testing.T) {
	eng := NewEngine(0)
	events := []event.CanonicalEvent{
		ev("1", event.KindEmailDetected, 0, withEmail("e1"), withSubject("VPN", "a@corp")),
		ev("2", event.KindTicketCreated, time.Minute, withEmail("e1"), withThread("t1")),
		ev("3", event.KindError, 2*time.Minute, withThread("t1")),
		ev("4", event.KindEmailReply, 3*time.Minute, withThread("t1")),
	}
	now := base.Add(5 * time.Minute)

	first := eng.Rebuild(events, now)
	second := eng.Rebuild(events, now)

	if len(first) != len(second) {
		t.Fatalf("cycle counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.CorrelationKey != b.CorrelationKey || a.Completed != b.Completed || a.Active != b.Active {
			t.Errorf("cycle %d diverged between rebuilds", i)
		}
		var aIDs, bIDs []string
		for _, m := range a.Members {
			aIDs = append(aIDs, m.ID)
		}
		for _, m := range b.Members {
			bIDs = append(bIDs, m.ID)
		}
		if !reflect.DeepEqual(aIDs, bIDs) {
			t.Errorf("member order diverged: %v vs %v", aIDs, bIDs)
		}
	}
}

func TestRebuild_DuplicateIDAbsorbedOnce(t *testing.T) {
	eng := NewEngine(0)
	dup := ev("1", event.KindEmailDetected, 0, withEmail("e1"))
	cycles := eng.Rebuild([]event.CanonicalEvent{dup, dup, dup}, base.Add(time.Minute))

	if len(cycles) != 1 || len(cycles[0].Members) != 1 {
		t.Fatalf("duplicate IDs must collapse to one member, got %d", len(cycles[0].Members))
	}
}

// ─── 完成推断 ───

func TestDerive_EmailReplyCompletes(t *testing.T) {
	eng := NewEngine(0)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("1", event.KindTicketCreated, 0, withEmail("e1")),
		ev("2", event.KindEmailReply, time.Minute, withEmail("e1")),
	}, base.Add(2*time.Minute))

	if !cycles[0].Completed {
		t.Error("email_reply should complete the cycle")
	}
	if cycles[0].LastCompletion == nil || !cycles[0].LastCompletion.Equal(base.Add(time.Minute)) {
		t.Errorf("LastCompletion = %v", cycles[0].LastCompletion)
	}
}

func TestDerive_ErrorReopens(t *testing.T) {
	eng := NewEngine(0)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("1", event.KindTicketCreated, 0, withEmail("e1")),
		ev("2", event.KindEmailReply, time.Minute, withEmail("e1")),
		ev("3", event.KindError, 2*time.Minute, withEmail("e1")),
	}, base.Add(3*time.Minute))

	c := cycles[0]
	if c.Completed {
		t.Error("activity after the completion event must reopen the cycle")
	}
	if !c.Active {
		t.Error("freshly reopened cycle inside the liveness window must be active")
	}
}

func TestDerive_ScriptFailureCompletes(t *testing.T) {
	eng := NewEngine(0)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("1", event.KindTicketCreated, 0, withEmail("e1")),
		ev("2", event.KindScriptExecutionFailed, time.Minute, withEmail("e1")),
	}, base.Add(2*time.Minute))

	if !cycles[0].Completed {
		t.Error("script_execution_failed is terminal")
	}
}

func TestDerive_ActionPerformedRevocationIndicator(t *testing.T) {
	eng := NewEngine(0)
	for _, tc := range []struct {
		message   string
		completed bool
	}{
		{"Access revoked for user x", true},
		{"Removed access to repo y", true},
		{"Added user to GitHub team", false},
		{"Committed onboarding script", false},
	} {
		cycles := eng.Rebuild([]event.CanonicalEvent{
			ev("1", event.KindActionPerformed, 0, withEmail("e1"), func(e *event.CanonicalEvent) {
				e.Message = tc.message
			}),
		}, base.Add(time.Minute))
		if cycles[0].Completed != tc.completed {
			t.Errorf("message %q: completed = %v, want %v", tc.message, cycles[0].Completed, tc.completed)
		}
	}
}

func TestDerive_PlainErrorAloneIsNotComplete(t *testing.T) {
	eng := NewEngine(0)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("1", event.KindError, 0, withEmail("e1")),
	}, base.Add(time.Minute))

	if cycles[0].Completed {
		t.Error("a lone error event is not a terminal state")
	}
}

// ─── 活跃窗口 ───

func TestDerive_LivenessWindow(t *testing.T) {
	eng := NewEngine(30 * time.Minute)
	events := []event.CanonicalEvent{
		ev("1", event.KindTicketCreated, 0, withEmail("e1")),
	}

	inside := eng.Rebuild(events, base.Add(29*time.Minute))
	if !inside[0].Active {
		t.Error("incomplete cycle inside the window must be active")
	}

	outside := eng.Rebuild(events, base.Add(31*time.Minute))
	if outside[0].Active {
		t.Error("cycle past the liveness window must go inactive")
	}
}

func TestDerive_CompletedCycleNotActive(t *testing.T) {
	eng := NewEngine(30 * time.Minute)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("1", event.KindTicketCreated, 0, withEmail("e1")),
		ev("2", event.KindEmailReply, time.Minute, withEmail("e1")),
	}, base.Add(2*time.Minute))

	if cycles[0].Active {
		t.Error("completed cycle with no newer activity is not active, even inside the window")
	}
}

// ─── 排序与元数据 ───

func TestRebuild_NewestCycleFirst(t *testing.T) {
	eng := NewEngine(0)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("1", event.KindEmailDetected, 0, withEmail("old")),
		ev("2", event.KindEmailDetected, time.Hour, withEmail("new")),
	}, base.Add(2*time.Hour))

	if cycles[0].EmailID != "new" || cycles[1].EmailID != "old" {
		t.Errorf("order = [%s, %s], want newest first", cycles[0].EmailID, cycles[1].EmailID)
	}
}

func TestRebuild_MembersAscendingWithIDTieBreak(t *testing.T) {
	eng := NewEngine(0)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("b", event.KindTicketUpdated, time.Minute, withEmail("e1")),
		ev("a", event.KindTicketCreated, time.Minute, withEmail("e1")),
		ev("c", event.KindEmailDetected, 0, withEmail("e1")),
	}, base.Add(2*time.Minute))

	var ids []string
	for _, m := range cycles[0].Members {
		ids = append(ids, m.ID)
	}
	if !reflect.DeepEqual(ids, []string{"c", "a", "b"}) {
		t.Errorf("member order = %v", ids)
	}
}

func TestAbsorb_SubjectSenderFirstWriteWins(t *testing.T) {
	eng := NewEngine(0)
	cycles := eng.Rebuild([]event.CanonicalEvent{
		ev("1", event.KindEmailDetected, 0, withEmail("e1"), withSubject("VPN access", "alice@corp")),
		ev("2", event.KindTicketUpdated, time.Minute, withEmail("e1"), withSubject("RE: VPN access", "agent@corp")),
	}, base.Add(2*time.Minute))

	c := cycles[0]
	if c.Subject != "VPN access" || c.Sender != "alice@corp" {
		t.Errorf("metadata = %q / %q, want first write preserved", c.Subject, c.Sender)
	}
}

// ─── 端到端场景 ───

func TestRebuild_FullLifecycleScenario(t *testing.T) {
	eng := NewEngine(30 * time.Minute)
	events := []event.CanonicalEvent{
		ev("1", event.KindEmailDetected, 0, withEmail("e1"), withSubject("Need GitHub access", "bob@corp")),
		ev("2", event.KindIntentAnalyzed, time.Minute, withEmail("e1")),
		ev("3", event.KindTicketCreated, 2*time.Minute, withEmail("e1"), withThread("t1")),
		ev("4", event.KindActionPerformed, 3*time.Minute, withThread("t1")),
		ev("5", event.KindEmailReply, 4*time.Minute, withThread("t1")),
	}
	cycles := eng.Rebuild(events, base.Add(5*time.Minute))

	if len(cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(cycles))
	}
	c := cycles[0]
	if c.EmailID != "e1" || c.ThreadID != "t1" {
		t.Errorf("identity = %q / %q", c.EmailID, c.ThreadID)
	}
	if len(c.Members) != 5 {
		t.Errorf("members = %d, want 5", len(c.Members))
	}
	if !c.Completed {
		t.Error("lifecycle ending in email_reply must be completed")
	}
	if c.Newest().Kind() != event.KindEmailReply {
		t.Errorf("newest = %q", c.Newest().Kind())
	}
}

// ─── 选中态保持 ───

func TestResolveSelection(t *testing.T) {
	eng := NewEngine(0)
	events := []event.CanonicalEvent{
		ev("1", event.KindEmailDetected, 0, withEmail("e1")),
		ev("2", event.KindEmailDetected, time.Minute, withEmail("e2")),
	}
	first := eng.Rebuild(events, base.Add(2*time.Minute))
	prev := first[1] // e1 周期

	// 后续事件补上 thread_id, 关联键变化, 选中仍应跟住
	events = append(events, ev("3", event.KindTicketCreated, 2*time.Minute, withEmail("e1"), withThread("t1")))
	second := eng.Rebuild(events, base.Add(3*time.Minute))

	got := ResolveSelection(prev, second)
	if got == nil || got.EmailID != "e1" {
		t.Fatalf("selection lost: %+v", got)
	}

	if ResolveSelection(nil, second) != nil {
		t.Error("nil previous selection resolves to nil")
	}
	gone := &Cycle{CorrelationKey: "vanished", EmailID: "nope"}
	if ResolveSelection(gone, second) != nil {
		t.Error("vanished cycle resolves to nil")
	}
}

// ─── 规模基准 ───

func BenchmarkRebuild(b *testing.B) {
	eng := NewEngine(0)
	var events []event.CanonicalEvent
	for i := 0; i < 2000; i++ {
		events = append(events, ev(
			fmt.Sprintf("id-%d", i),
			event.Kinds[i%len(event.Kinds)],
			time.Duration(i)*time.Second,
			withEmail(fmt.Sprintf("e%d", i/5)),
		))
	}
	now := base.Add(time.Hour)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng.Rebuild(events, now)
	}
}
