// Package dashboard 提供支持台前端的 HTTP/SSE 服务。
//
// 两类端点: 代理端点把控制面请求转给后端 agent (工单、启停、问答);
// 观察端点只读 tracker 快照与本地留存 (周期、活动流、系统日志)。
// 观察端点永不依赖 agent 在线 — agent 挂了, 重建结果照常可看。
package dashboard

import (
	"github.com/gin-gonic/gin"

	"github.com/it-agent/support-console/internal/agentapi"
	"github.com/it-agent/support-console/internal/metrics"
	"github.com/it-agent/support-console/internal/store"
	"github.com/it-agent/support-console/internal/stream"
	"github.com/it-agent/support-console/internal/tracker"
)

// Deps 服务依赖聚合 (一次注入)。
type Deps struct {
	Agent     *agentapi.Client
	Tracker   *tracker.Tracker
	SystemLog *store.SystemLogStore // 可为 nil (无本地缓存时)
	Stream    *stream.Client
	Metrics   *metrics.Metrics

	SystemLogLimit int
}

// Server 支持台 HTTP 服务。
type Server struct {
	router *gin.Engine
	deps   *Deps
	bus    *EventBus
}

// NewServer 创建服务并注册路由。
func NewServer(deps *Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{router: r, deps: deps, bus: NewEventBus(deps.Metrics)}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Bus 返回 SSE 事件总线。
func (s *Server) Bus() *EventBus { return s.bus }

// PublishSnapshot 把新快照推给 SSE 订阅者 (tracker 快照钩子)。
func (s *Server) PublishSnapshot(snap *tracker.Snapshot) {
	s.bus.Publish(Event{Type: "snapshot", Data: snapshotPayload(snap)})
}
