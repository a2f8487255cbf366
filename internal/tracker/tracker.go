// Package tracker 事件累积器 — 模块的装配中枢。
//
// 单写者模型: 所有事件 (实时流、兜底轮询、启动回灌) 都经同一条
// ingest 通道进入唯一的写协程, 在那里完成去重、落盘、周期重算与
// 快照发布。读侧 (dashboard) 只消费不可变快照, 无锁竞争。
package tracker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/it-agent/support-console/internal/cycle"
	"github.com/it-agent/support-console/internal/event"
	"github.com/it-agent/support-console/internal/metrics"
	"github.com/it-agent/support-console/internal/store"
	"github.com/it-agent/support-console/pkg/logger"
	"github.com/it-agent/support-console/pkg/util"
)

const ingestBuffer = 256

// Snapshot 某一时刻的完整重建结果。发布后只读。
type Snapshot struct {
	Seq    uint64                 `json:"seq"`
	Taken  time.Time              `json:"taken"`
	Events []event.CanonicalEvent `json:"events"` // 接收顺序
	Cycles []*cycle.Cycle         `json:"cycles"` // 最近活跃在前
}

// Tracker 单写者事件累积器。
type Tracker struct {
	engine *cycle.Engine
	events *store.EventStore // nil 时跳过落盘 (纯内存模式)
	met    *metrics.Metrics
	now    func() time.Time

	in       chan []event.CanonicalEvent
	refresh  chan struct{}
	snapshot atomic.Pointer[Snapshot]
	seq      atomic.Uint64

	onSnapshot func(*Snapshot) // 发布回调 (SSE 推送), 写协程上调用

	// 写协程私有, 不加锁
	seen map[string]struct{}
	all  []event.CanonicalEvent

	done chan struct{}
}

// Option 构造选项。
type Option func(*Tracker)

// WithClock 替换墙钟 (测试用)。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSnapshotHook 设置快照发布回调。
func WithSnapshotHook(fn func(*Snapshot)) Option {
	return func(t *Tracker) { t.onSnapshot = fn }
}

// New 创建累积器。eventStore 可为 nil (不落盘)。
func New(engine *cycle.Engine, eventStore *store.EventStore, met *metrics.Metrics, opts ...Option) *Tracker {
	t := &Tracker{
		engine:  engine,
		events:  eventStore,
		met:     met,
		now:     time.Now,
		in:      make(chan []event.CanonicalEvent, ingestBuffer),
		refresh: make(chan struct{}, 1),
		seen:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.snapshot.Store(&Snapshot{Taken: t.now()})
	return t
}

// Seed 从本地缓存回灌历史事件并发布首个快照。Start 之前调用。
func (t *Tracker) Seed(ctx context.Context) error {
	if t.events == nil {
		return nil
	}
	cached, err := t.events.LoadAll(ctx)
	if err != nil {
		return err
	}
	fresh := t.dedupe(cached)
	t.all = append(t.all, fresh...)
	t.publish()
	logger.Info("tracker: seeded from cache", logger.FieldCount, len(fresh))
	return nil
}

// Start 启动写协程。ctx 取消后协程退出, Done() 关闭。
func (t *Tracker) Start(ctx context.Context) {
	util.SafeGo(func() {
		defer close(t.done)
		t.run(ctx)
	})
}

// Done 在写协程退出后关闭。
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Snapshot 返回最新发布的快照 (永不为 nil)。
func (t *Tracker) Snapshot() *Snapshot { return t.snapshot.Load() }

// ========================================
// 摄入口
// ========================================

// HandleMessage 流消息入口 (stream.Client 的 onMessage 回调)。
//
// 解码或归一化失败只计数、不阻断 — 单条坏消息不能影响流。
func (t *Tracker) HandleMessage(data []byte) {
	raw, err := event.Decode(data)
	if err != nil {
		t.reject("undecodable stream message", err)
		return
	}
	ev, err := event.Normalize(raw, t.now())
	if err != nil {
		t.reject("unnormalizable stream message", err)
		return
	}
	t.Ingest([]event.CanonicalEvent{ev})
}

// IngestBacklog 兜底轮询入口: agent 返回的松散事件对象批量摄入。
func (t *Tracker) IngestBacklog(items []map[string]any) {
	if len(items) == 0 {
		return
	}
	batch := make([]event.CanonicalEvent, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		raw, err := event.Decode(data)
		if err != nil {
			t.reject("undecodable backlog item", err)
			continue
		}
		ev, err := event.Normalize(raw, t.now())
		if err != nil {
			t.reject("unnormalizable backlog item", err)
			continue
		}
		batch = append(batch, ev)
	}
	t.Ingest(batch)
}

// Ingest 提交一批归一化事件。满载时丢弃并告警, 绝不阻塞流读协程。
func (t *Tracker) Ingest(batch []event.CanonicalEvent) {
	if len(batch) == 0 {
		return
	}
	select {
	case t.in <- batch:
	default:
		logger.Warn("tracker: ingest buffer full, batch dropped", logger.FieldCount, len(batch))
	}
}

// Refresh 请求一次无新事件的重算 — 活跃窗口随时间推移衰减,
// completed/active 标志需要周期性对新墙钟重推。
func (t *Tracker) Refresh() {
	select {
	case t.refresh <- struct{}{}:
	default:
	}
}

func (t *Tracker) reject(msg string, err error) {
	if t.met != nil {
		t.met.EventsRejected.Inc()
	}
	logger.Warn("tracker: "+msg, logger.FieldError, err)
}

// ========================================
// 写协程
// ========================================

func (t *Tracker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.refresh:
			t.publish()
		case batch := <-t.in:
			// 尽量吸干通道, 合并为一次重算
			for drained := false; !drained; {
				select {
				case more := <-t.in:
					batch = append(batch, more...)
				default:
					drained = true
				}
			}
			t.apply(ctx, batch)
		}
	}
}

func (t *Tracker) apply(ctx context.Context, batch []event.CanonicalEvent) {
	fresh := t.dedupe(batch)
	if len(fresh) == 0 {
		return
	}

	if t.events != nil {
		if err := t.events.SaveBatch(ctx, fresh); err != nil {
			// 落盘失败不阻断展示, 重启后可能丢这批
			logger.Error("tracker: persist batch failed",
				logger.FieldCount, len(fresh), logger.FieldError, err)
		}
	}

	t.all = append(t.all, fresh...)
	if t.met != nil {
		for _, ev := range fresh {
			t.met.EventsIngested.WithLabelValues(ev.Type).Inc()
		}
	}
	t.publish()
}

// dedupe 过滤已见 ID, 返回真正的新事件。写协程 (或 Seed) 专用。
func (t *Tracker) dedupe(batch []event.CanonicalEvent) []event.CanonicalEvent {
	var fresh []event.CanonicalEvent
	for _, ev := range batch {
		if _, dup := t.seen[ev.ID]; dup {
			if t.met != nil {
				t.met.EventsDuplicate.Inc()
			}
			continue
		}
		t.seen[ev.ID] = struct{}{}
		fresh = append(fresh, ev)
	}
	return fresh
}

// publish 重算周期并发布新快照。
func (t *Tracker) publish() {
	now := t.now()
	started := time.Now()
	cycles := t.engine.Rebuild(t.all, now)
	if t.met != nil {
		t.met.RebuildTotal.Inc()
		t.met.RebuildSeconds.Observe(time.Since(started).Seconds())
		t.met.CyclesTotal.Set(float64(len(cycles)))
		active := 0
		for _, c := range cycles {
			if c.Active {
				active++
			}
		}
		t.met.CyclesActive.Set(float64(active))
	}

	snap := &Snapshot{
		Seq:    t.seq.Add(1),
		Taken:  now,
		Events: t.all[:len(t.all):len(t.all)],
		Cycles: cycles,
	}
	t.snapshot.Store(snap)
	if t.onSnapshot != nil {
		t.onSnapshot(snap)
	}
}
