// Package event 定义 agent 事件流的线上形态与归一化形态。
//
// 上游 (后端 agent 的 /ws 广播) 不保证字段齐全、不保证顺序、
// 不保证 exactly-once; 本包只负责把每条消息收敛为带唯一 ID
// 和接收时间戳的 CanonicalEvent, 分组与补全由 cycle 包完成。
package event

import (
	"time"
)

// ========================================
// 事件类型
// ========================================

// Kind 事件流消息类型 (13 种业务事件 + ping/pong 控制消息)。
type Kind string

const (
	KindEmailDetected         Kind = "email_detected"
	KindIntentAnalyzed        Kind = "intent_analyzed"
	KindTicketCreated         Kind = "ticket_created"
	KindTicketUpdated         Kind = "ticket_updated"
	KindActionPerformed       Kind = "action_performed"
	KindEmailReply            Kind = "email_reply"
	KindSession               Kind = "session"
	KindError                 Kind = "error"
	KindSpamAlert             Kind = "spam_alert"
	KindMonitoringStarted     Kind = "monitoring_started"
	KindMonitoringStopped     Kind = "monitoring_stopped"
	KindPermissionFixed       Kind = "permission_fixed"
	KindScriptExecutionFailed Kind = "script_execution_failed"

	// 控制消息 — 由连接层就地应答, 永不进入归一化管线。
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

// Valid 返回 k 是否为已知业务事件类型 (控制消息不算)。
func (k Kind) Valid() bool {
	switch k {
	case KindEmailDetected, KindIntentAnalyzed,
		KindTicketCreated, KindTicketUpdated,
		KindActionPerformed, KindEmailReply,
		KindSession, KindError, KindSpamAlert,
		KindMonitoringStarted, KindMonitoringStopped,
		KindPermissionFixed, KindScriptExecutionFailed:
		return true
	}
	return false
}

// Control 返回 k 是否为连接层控制消息。
func (k Kind) Control() bool {
	return k == KindPing || k == KindPong
}

// Kinds 全部业务事件类型 (固定顺序, 供展示层/测试遍历)。
var Kinds = []Kind{
	KindEmailDetected, KindIntentAnalyzed,
	KindTicketCreated, KindTicketUpdated,
	KindActionPerformed, KindEmailReply,
	KindSession, KindError, KindSpamAlert,
	KindMonitoringStarted, KindMonitoringStopped,
	KindPermissionFixed, KindScriptExecutionFailed,
}

// ========================================
// 线上形态
// ========================================

// RawEvent 线上消息的可选字段全集。
//
// 除 Type 外任何字段都可能缺失; details 为开放式附加信息袋。
type RawEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"` // 服务端幂等键 (新版 agent 才下发)

	EmailID  string `json:"email_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`

	Intent      string `json:"intent,omitempty"`
	RequestType string `json:"request_type,omitempty"`

	TicketID        int64  `json:"ticket_id,omitempty"`
	ADOURL          string `json:"ado_url,omitempty"`
	ServiceNowSysID string `json:"servicenow_sys_id,omitempty"`
	ServiceNowURL   string `json:"servicenow_url,omitempty"`

	Subject       string `json:"subject,omitempty"`
	Sender        string `json:"sender,omitempty"`
	IsValidDomain *bool  `json:"is_valid_domain,omitempty"`

	PendingActions *bool  `json:"pending_actions,omitempty"`
	Success        *bool  `json:"success,omitempty"`
	Status         string `json:"status,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	InstanceID     string `json:"instance_id,omitempty"`

	Comment string `json:"comment,omitempty"`
	Message string `json:"message,omitempty"`

	Details map[string]any `json:"details,omitempty"`
}

// ========================================
// 归一化形态
// ========================================

// CanonicalEvent 归一化事件: 唯一 ID + 接收时间戳 + 原始字段全量携带。
//
// 不可变: 创建后任何路径都不得修改 (重建周期时只读)。
type CanonicalEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RawEvent
}

// Kind 返回归一化后的事件类型。
func (e CanonicalEvent) Kind() Kind { return Kind(e.Type) }
