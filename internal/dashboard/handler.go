// handler.go — REST API handlers。
package dashboard

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/it-agent/support-console/internal/cycle"
	"github.com/it-agent/support-console/internal/event"
	"github.com/it-agent/support-console/internal/present"
	"github.com/it-agent/support-console/internal/tracker"
	apperrors "github.com/it-agent/support-console/pkg/errors"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	// 代理端点 (转发后端 agent)
	api.GET("/tickets", s.listTickets)
	api.GET("/tickets/by-type/:type", s.listTicketsByType)
	api.GET("/request-types", s.listRequestTypes)
	api.GET("/status", s.agentStatus)
	api.POST("/run", s.runAgent)
	api.POST("/stop", s.stopAgent)
	api.POST("/chat", s.chat)
	api.GET("/agent-logs", s.agentLogs)

	// 观察端点 (本地重建状态, 不依赖 agent 在线)
	api.GET("/cycles", s.listCycles)
	api.GET("/activity", s.listActivity)
	api.GET("/system-log", s.listSystemLog)
	api.GET("/stream-state", s.streamState)

	api.GET("/events", s.sseHandler)

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	s.router.Static("/static", "./static")
	s.router.GET("/", func(c *gin.Context) { c.File("./static/index.html") })
}

// proxyError 按失败类别映射状态码。
func proxyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrAgentUnavailable):
		badGateway(c, err)
	case errors.Is(err, apperrors.ErrInvalidInput):
		badRequest(c, "invalid_request", err.Error())
	default:
		serverError(c, err)
	}
}

func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

// ========================================
// 代理端点
// ========================================

func (s *Server) listTickets(c *gin.Context) {
	tickets, err := s.deps.Agent.ListTickets(c.Request.Context())
	if err != nil {
		proxyError(c, err)
		return
	}
	success(c, tickets)
}

func (s *Server) listTicketsByType(c *gin.Context) {
	tickets, err := s.deps.Agent.TicketsByType(c.Request.Context(), c.Param("type"))
	if err != nil {
		proxyError(c, err)
		return
	}
	success(c, tickets)
}

func (s *Server) listRequestTypes(c *gin.Context) {
	types, err := s.deps.Agent.RequestTypes(c.Request.Context())
	if err != nil {
		proxyError(c, err)
		return
	}
	success(c, types)
}

func (s *Server) agentStatus(c *gin.Context) {
	info, err := s.deps.Agent.Status(c.Request.Context())
	if err != nil {
		proxyError(c, err)
		return
	}
	success(c, info)
}

func (s *Server) runAgent(c *gin.Context) {
	msg, err := s.deps.Agent.Run(c.Request.Context())
	if err != nil {
		proxyError(c, err)
		return
	}
	success(c, gin.H{"message": msg})
}

func (s *Server) stopAgent(c *gin.Context) {
	msg, err := s.deps.Agent.Stop(c.Request.Context())
	if err != nil {
		proxyError(c, err)
		return
	}
	success(c, gin.H{"message": msg})
}

func (s *Server) chat(c *gin.Context) {
	var req struct {
		Query string `json:"query"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	resp, err := s.deps.Agent.Chat(c.Request.Context(), req.Query)
	if err != nil {
		proxyError(c, err)
		return
	}
	success(c, gin.H{"response": resp})
}

func (s *Server) agentLogs(c *gin.Context) {
	lines, err := s.deps.Agent.Logs(c.Request.Context())
	if err != nil {
		proxyError(c, err)
		return
	}
	success(c, lines)
}

// ========================================
// 观察端点
// ========================================

func (s *Server) listCycles(c *gin.Context) {
	snap := s.deps.Tracker.Snapshot()
	success(c, snapshotPayload(snap))
}

func (s *Server) listActivity(c *gin.Context) {
	snap := s.deps.Tracker.Snapshot()
	limit := queryLimit(c, 200)

	events := snap.Events
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	// 新的在前
	rows := make([]eventRow, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		rows = append(rows, toEventRow(events[i]))
	}
	success(c, rows)
}

func (s *Server) listSystemLog(c *gin.Context) {
	if s.deps.SystemLog == nil {
		success(c, []any{})
		return
	}
	limit := s.deps.SystemLogLimit
	if limit <= 0 {
		limit = 100
	}
	// ?q= 按消息子串过滤
	entries, err := s.deps.SystemLog.Search(c.Request.Context(), c.Query("q"), queryLimit(c, limit))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, entries)
}

func (s *Server) streamState(c *gin.Context) {
	state := "disabled"
	if s.deps.Stream != nil {
		state = string(s.deps.Stream.State())
	}
	success(c, gin.H{"state": state})
}

// ========================================
// 行投影
// ========================================

// eventRow 单条事件的展示投影。
type eventRow struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Label     string    `json:"label"`
	Color     string    `json:"color"`
	Icon      string    `json:"icon"`
	Detail    string    `json:"detail"`
}

func toEventRow(ev event.CanonicalEvent) eventRow {
	return eventRow{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		Type:      ev.Type,
		Label:     present.Label(ev),
		Color:     present.ColorClass(ev),
		Icon:      present.Icon(ev),
		Detail:    present.DetailText(ev),
	}
}

// cycleRow 单个周期的展示投影。
type cycleRow struct {
	CorrelationKey string     `json:"correlation_key"`
	EmailID        string     `json:"email_id"`
	ThreadID       string     `json:"thread_id,omitempty"`
	Subject        string     `json:"subject,omitempty"`
	Sender         string     `json:"sender,omitempty"`
	Status         string     `json:"status"`
	Preview        string     `json:"preview"`
	LastTimestamp  time.Time  `json:"last_timestamp"`
	Completed      bool       `json:"completed"`
	Active         bool       `json:"active"`
	LastCompletion *time.Time `json:"last_completion,omitempty"`
	Events         []eventRow `json:"events"`
}

func toCycleRow(c *cycle.Cycle) cycleRow {
	rows := make([]eventRow, 0, len(c.Members))
	for _, m := range c.Members {
		rows = append(rows, toEventRow(m))
	}
	return cycleRow{
		CorrelationKey: c.CorrelationKey,
		EmailID:        c.EmailID,
		ThreadID:       c.ThreadID,
		Subject:        c.Subject,
		Sender:         c.Sender,
		Status:         string(present.Status(c)),
		Preview:        present.PreviewText(c),
		LastTimestamp:  c.LastTimestamp,
		Completed:      c.Completed,
		Active:         c.Active,
		LastCompletion: c.LastCompletion,
		Events:         rows,
	}
}

// snapshotPayload 快照的线上形态 (REST /api/cycles 与 SSE snapshot 共用)。
func snapshotPayload(snap *tracker.Snapshot) gin.H {
	rows := make([]cycleRow, 0, len(snap.Cycles))
	for _, c := range snap.Cycles {
		rows = append(rows, toCycleRow(c))
	}
	return gin.H{
		"seq":    snap.Seq,
		"taken":  snap.Taken,
		"cycles": rows,
	}
}
