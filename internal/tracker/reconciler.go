// reconciler.go — 兜底轮询: 流的第二事实来源。
//
// WebSocket 断线期间广播的事件会永久丢失; 周期性拉取 agent 的
// 事件积压, 走与实时流完全相同的摄入路径, 靠 ID 去重保证
// 两路来源重叠不重复展示。同时借每次心跳触发一次活跃窗口重推。
package tracker

import (
	"context"
	"time"

	"github.com/it-agent/support-console/internal/agentapi"
	"github.com/it-agent/support-console/pkg/logger"
	"github.com/it-agent/support-console/pkg/util"
)

// Reconciler 周期性对账器。
type Reconciler struct {
	tracker  *Tracker
	agent    *agentapi.Client
	interval time.Duration

	lastSeen time.Time
}

// NewReconciler 创建对账器。interval <= 0 时 Run 直接返回 (禁用)。
func NewReconciler(t *Tracker, agent *agentapi.Client, interval time.Duration) *Reconciler {
	return &Reconciler{tracker: t, agent: agent, interval: interval}
}

// Start 启动轮询协程。
func (r *Reconciler) Start(ctx context.Context) {
	util.SafeGo(func() { r.run(ctx) })
}

func (r *Reconciler) run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	// 无论积压拉取成败, 都重推一次活跃窗口
	defer r.tracker.Refresh()

	reqCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	items, err := r.agent.RecentEvents(reqCtx, r.lastSeen)
	if err != nil {
		logger.Warn("reconciler: backlog fetch failed", logger.FieldError, err)
		return
	}
	if len(items) == 0 {
		return
	}
	r.lastSeen = time.Now()
	r.tracker.IngestBacklog(items)
	logger.Debug("reconciler: backlog ingested", logger.FieldCount, len(items))
}
