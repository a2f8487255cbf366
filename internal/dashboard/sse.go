// sse.go — SSE 事件总线 + handler。
package dashboard

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/it-agent/support-console/internal/metrics"
	"github.com/it-agent/support-console/pkg/logger"
)

// sseKeepaliveInterval 无事件时的保活 ping 间隔。
const sseKeepaliveInterval = 30 * time.Second

// EventBus SSE 推送总线。
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	met         *metrics.Metrics
}

// Event 一条 SSE 事件。
type Event struct {
	Type string
	Data any
}

// NewEventBus 创建总线。met 可为 nil。
func NewEventBus(met *metrics.Metrics) *EventBus {
	return &EventBus{subscribers: make(map[string]chan Event), met: met}
}

// Publish 广播事件。慢订阅者丢弃, 不阻塞发布方。
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe 订阅。
func (b *EventBus) Subscribe(id string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 32)
	b.subscribers[id] = ch
	if b.met != nil {
		b.met.SSESubscribers.Set(float64(len(b.subscribers)))
	}
	return ch
}

// Unsubscribe 取消订阅。
//
// 不关闭 ch — sseHandler 通过 ctx.Done() 退出, GC 回收未引用的 channel。
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	if b.met != nil {
		b.met.SSESubscribers.Set(float64(len(b.subscribers)))
	}
	b.mu.Unlock()
}

// sseHandler Gin SSE handler。连接建立即推一份当前快照。
func (s *Server) sseHandler(c *gin.Context) {
	clientID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	ch := s.bus.Subscribe(clientID)
	defer func() {
		s.bus.Unsubscribe(clientID)
		logger.Info("dashboard: SSE client disconnected", logger.FieldID, clientID)
	}()

	logger.Info("dashboard: SSE client connected", logger.FieldID, clientID)

	// 新订阅者先拿到存量状态, 不必等下一次变更
	if snap := s.deps.Tracker.Snapshot(); snap != nil {
		c.SSEvent("snapshot", snapshotPayload(snap))
		c.Writer.Flush()
	}

	// timer 在 Stream 回调外创建, 跨步骤复用
	keepalive := time.NewTimer(sseKeepaliveInterval)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(evt.Type, evt.Data)
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(sseKeepaliveInterval)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			keepalive.Reset(sseKeepaliveInterval)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
