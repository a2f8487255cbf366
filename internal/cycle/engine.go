// Package cycle 从无序事件流重建请求生命周期 ("周期")。
//
// 上游没有稳定的会话包络: email_detected 可能只带 email_id,
// 后续 email_reply 才补上 thread_id, action_performed 可能两者皆缺。
// 本包用三级关联键 (thread_id > email_id > 合成键) 把全量事件
// 收敛为每请求一个周期, 并推导 completed / active 展示状态。
//
// Rebuild 是纯函数: 同一事件集合重算任意多次, 成员划分与状态
// 标志完全一致 (幂等), 因此每来一批新事件整体重算即可, 无需增量维护。
package cycle

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/it-agent/support-console/internal/event"
	"github.com/it-agent/support-console/pkg/util"
)

// DefaultLiveness 活跃窗口默认值: 距最后活动 30 分钟内算 "进行中"。
//
// 上游没有显式的关闭信号, 只能按完成类事件 + 时间窗推断。
const DefaultLiveness = 30 * time.Minute

// revocationIndicators 判定 action_performed 是否为收权完成动作的关键词。
var revocationIndicators = []string{
	"revoked", "revoke access", "removed access", "access removed",
}

// ========================================
// Cycle
// ========================================

// Cycle 一个重建出的请求生命周期。
//
// 周期是事件集合的纯投影: 每次重算整体丢弃重建, 不做原地修改;
// CorrelationKey 在成员有交集的两次重算间保持稳定, UI 据此保持选中态。
type Cycle struct {
	CorrelationKey string                 `json:"correlation_key"`
	ThreadID       string                 `json:"thread_id,omitempty"`
	EmailID        string                 `json:"email_id"`
	Members        []event.CanonicalEvent `json:"members"`
	LastTimestamp  time.Time              `json:"last_timestamp"`
	Subject        string                 `json:"subject,omitempty"`
	Sender         string                 `json:"sender,omitempty"`

	Completed      bool       `json:"completed"`
	Active         bool       `json:"active"`
	LastCompletion *time.Time `json:"last_completion,omitempty"`

	memberIDs map[string]struct{}
}

// Newest 返回时间最新的成员事件 (成员排序后为最后一个)。
func (c *Cycle) Newest() event.CanonicalEvent {
	return c.Members[len(c.Members)-1]
}

// ========================================
// Engine
// ========================================

// Engine 周期重建引擎。无内部状态, 并发重算安全。
type Engine struct {
	liveness time.Duration
}

// NewEngine 创建引擎。liveness <= 0 时取 DefaultLiveness。
func NewEngine(liveness time.Duration) *Engine {
	if liveness <= 0 {
		liveness = DefaultLiveness
	}
	return &Engine{liveness: liveness}
}

// Rebuild 将全量去重事件集合重建为周期序列, 最近活跃在前。
//
// events 顺序任意; now 为活跃判定用的墙钟读数。
func (e *Engine) Rebuild(events []event.CanonicalEvent, now time.Time) []*Cycle {
	byKey := make(map[string]*Cycle)
	keyByThread := make(map[string]string)
	keyByEmail := make(map[string]string)
	var order []*Cycle

	for _, ev := range events {
		key := resolveKey(ev, keyByThread, keyByEmail)

		c, ok := byKey[key]
		if !ok {
			c = &Cycle{
				CorrelationKey: key,
				memberIDs:      make(map[string]struct{}),
			}
			byKey[key] = c
			order = append(order, c)
		}
		c.absorb(ev)
	}

	for _, c := range order {
		c.derive(now, e.liveness)
	}

	// 全局排序: lastTimestamp 降序, 平局按关联键保证确定性
	sort.SliceStable(order, func(i, j int) bool {
		if !order[i].LastTimestamp.Equal(order[j].LastTimestamp) {
			return order[i].LastTimestamp.After(order[j].LastTimestamp)
		}
		return order[i].CorrelationKey < order[j].CorrelationKey
	})
	return order
}

// resolveKey 按优先级解析事件的关联键, 并登记 thread/email → key 映射。
//
// 三级优先: 已知 thread 映射 > thread_id 本身 > email_id > 合成单例键。
// email → key 映射让 "先只有 email_id、后补 thread_id" 的两条事件
// 收敛到同一周期, 与处理顺序无关。
func resolveKey(ev event.CanonicalEvent, keyByThread, keyByEmail map[string]string) string {
	key := ""
	switch {
	case ev.ThreadID != "":
		if mapped, ok := keyByThread[ev.ThreadID]; ok {
			key = mapped
		} else if mapped, ok := keyByEmail[ev.EmailID]; ok && ev.EmailID != "" {
			// 该邮件已有周期 (早先事件无 thread_id): 并入, 而非另起
			key = mapped
		} else {
			key = ev.ThreadID
		}
		keyByThread[ev.ThreadID] = key
	case ev.EmailID != "":
		if mapped, ok := keyByEmail[ev.EmailID]; ok {
			key = mapped
		} else {
			key = ev.EmailID
		}
	default:
		// 无任何关联字段: 单例周期
		return fmt.Sprintf("%s@%d", ev.Type, ev.Timestamp.UnixNano())
	}
	if ev.EmailID != "" {
		keyByEmail[ev.EmailID] = key
	}
	return key
}

// absorb 将事件并入周期: 按 ID 去重, subject/sender 首写生效, 时间戳取最大。
func (c *Cycle) absorb(ev event.CanonicalEvent) {
	if _, dup := c.memberIDs[ev.ID]; dup {
		return
	}
	c.memberIDs[ev.ID] = struct{}{}
	c.Members = append(c.Members, ev)

	if c.ThreadID == "" && ev.ThreadID != "" {
		c.ThreadID = ev.ThreadID
	}
	if c.EmailID == "" && ev.EmailID != "" {
		c.EmailID = ev.EmailID
	}
	c.Subject = util.FirstNonEmpty(c.Subject, ev.Subject)
	c.Sender = util.FirstNonEmpty(c.Sender, ev.Sender)
	if ev.Timestamp.After(c.LastTimestamp) {
		c.LastTimestamp = ev.Timestamp
	}
}

// derive 推导单个周期的 completed / active 状态。
func (c *Cycle) derive(now time.Time, liveness time.Duration) {
	// 成员升序排序; 同刻平局按 ID 保证幂等
	sort.SliceStable(c.Members, func(i, j int) bool {
		if !c.Members[i].Timestamp.Equal(c.Members[j].Timestamp) {
			return c.Members[i].Timestamp.Before(c.Members[j].Timestamp)
		}
		return c.Members[i].ID < c.Members[j].ID
	})

	// 缺 email_id 的周期退回关联键本身
	if c.EmailID == "" {
		c.EmailID = c.CorrelationKey
	}

	var lastCompletion *time.Time
	for i := range c.Members {
		if !completionIndicating(c.Members[i]) {
			continue
		}
		ts := c.Members[i].Timestamp
		if lastCompletion == nil || ts.After(*lastCompletion) {
			t := ts
			lastCompletion = &t
		}
	}
	c.LastCompletion = lastCompletion

	hasNewer := false
	if lastCompletion != nil {
		for i := range c.Members {
			if c.Members[i].Timestamp.After(*lastCompletion) {
				hasNewer = true
				break
			}
		}
	}

	c.Completed = lastCompletion != nil && !hasNewer
	c.Active = (!c.Completed || hasNewer) && now.Sub(c.LastTimestamp) < liveness
}

// completionIndicating 判定事件是否为完成类证据。
//
// 终回信 (email_reply)、脚本执行终败 (script_execution_failed)、
// 带收权指征的 action_performed 视为完成; 普通 error 是活动而非终态 —
// 出错后周期重新打开, 等待后续处理。
func completionIndicating(ev event.CanonicalEvent) bool {
	switch ev.Kind() {
	case event.KindEmailReply, event.KindScriptExecutionFailed:
		return true
	case event.KindActionPerformed:
		text := strings.ToLower(ev.Message + " " + ev.Comment)
		for _, ind := range revocationIndicators {
			if strings.Contains(text, ind) {
				return true
			}
		}
	}
	return false
}

// ========================================
// 选中态保持
// ========================================

// ResolveSelection 在重算后的结果集中重新定位之前选中的周期。
//
// 按 thread_id > email_id > 关联键匹配; 找不到返回 nil (周期已消失)。
func ResolveSelection(prev *Cycle, cycles []*Cycle) *Cycle {
	if prev == nil {
		return nil
	}
	for _, c := range cycles {
		if prev.ThreadID != "" && c.ThreadID == prev.ThreadID {
			return c
		}
	}
	for _, c := range cycles {
		if prev.EmailID != "" && c.EmailID == prev.EmailID {
			return c
		}
	}
	for _, c := range cycles {
		if c.CorrelationKey == prev.CorrelationKey {
			return c
		}
	}
	return nil
}
