// Package present 事件与周期的展示推导 — 纯函数, 无 IO。
//
// 标签/颜色/图标/详情文案全部从 CanonicalEvent 推导, 不持有状态;
// dashboard 层在序列化响应时调用。颜色类与图标名对应前端样式表
// 与图标字体的既有命名, 改动需要前端同步。
package present

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/it-agent/support-console/internal/cycle"
	"github.com/it-agent/support-console/internal/event"
	"github.com/it-agent/support-console/pkg/util"
)

// CycleStatus 周期的三态展示状态。
type CycleStatus string

const (
	StatusCompleted  CycleStatus = "Completed"
	StatusInProgress CycleStatus = "In Progress"
	StatusPending    CycleStatus = "Pending"
)

// previewMaxRunes 周期预览文案的最大长度 (按 rune 计)。
const previewMaxRunes = 60

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// ========================================
// 事件级推导
// ========================================

// Label 返回事件的展示标题。
//
// action_performed 按消息内容细分子类; 其余类型固定映射。
func Label(ev event.CanonicalEvent) string {
	switch ev.Kind() {
	case event.KindEmailDetected:
		return "Email Detected"
	case event.KindIntentAnalyzed:
		return "Intent Analyzed"
	case event.KindTicketCreated:
		return "Ticket Created"
	case event.KindTicketUpdated:
		return "Ticket Updated"
	case event.KindActionPerformed:
		return actionLabel(ev)
	case event.KindEmailReply:
		return "Reply Sent"
	case event.KindSession:
		return "Agent Session"
	case event.KindError:
		return "Error"
	case event.KindSpamAlert:
		return "Spam Alert"
	case event.KindMonitoringStarted:
		return "Monitoring Started"
	case event.KindMonitoringStopped:
		return "Monitoring Stopped"
	case event.KindPermissionFixed:
		return "Permission Fixed"
	case event.KindScriptExecutionFailed:
		return "Script Failed"
	}
	return "Event"
}

// actionCategory 按消息关键词细分 action_performed 的子类。
// Label 与 Icon 共用同一套判定, 标题与图标永远一致。
func actionCategory(ev event.CanonicalEvent) string {
	text := strings.ToLower(ev.Message + " " + ev.Comment)
	switch {
	case strings.Contains(text, "permission"):
		return "permission"
	case strings.Contains(text, "commit"):
		return "commit"
	case strings.Contains(text, "bucket"):
		return "bucket"
	case strings.Contains(text, "script"):
		return "script"
	}
	return ""
}

func actionLabel(ev event.CanonicalEvent) string {
	switch actionCategory(ev) {
	case "permission":
		return "Permission Action"
	case "commit":
		return "Code Committed"
	case "bucket":
		return "Bucket Action"
	case "script":
		return "Script Executed"
	}
	return "Action Performed"
}

func actionIcon(ev event.CanonicalEvent) string {
	switch actionCategory(ev) {
	case "permission":
		return "lock"
	case "commit":
		return "git-commit"
	case "bucket":
		return "bucket"
	case "script":
		return "square-terminal"
	}
	return "bolt"
}

// ColorClass 返回事件的前端颜色类名。
func ColorClass(ev event.CanonicalEvent) string {
	switch ev.Kind() {
	case event.KindEmailDetected:
		return "event-blue"
	case event.KindIntentAnalyzed:
		return "event-purple"
	case event.KindTicketCreated, event.KindTicketUpdated:
		return "event-amber"
	case event.KindActionPerformed, event.KindPermissionFixed:
		return "event-green"
	case event.KindEmailReply:
		return "event-teal"
	case event.KindSession, event.KindMonitoringStarted, event.KindMonitoringStopped:
		return "event-gray"
	case event.KindError, event.KindScriptExecutionFailed:
		return "event-red"
	case event.KindSpamAlert:
		return "event-orange"
	}
	return "event-gray"
}

// Icon 返回事件的图标名。
func Icon(ev event.CanonicalEvent) string {
	switch ev.Kind() {
	case event.KindEmailDetected:
		return "mail"
	case event.KindIntentAnalyzed:
		return "brain"
	case event.KindTicketCreated, event.KindTicketUpdated:
		return "ticket"
	case event.KindActionPerformed:
		return actionIcon(ev)
	case event.KindEmailReply:
		return "reply"
	case event.KindSession:
		return "terminal"
	case event.KindError, event.KindScriptExecutionFailed:
		return "alert-triangle"
	case event.KindSpamAlert:
		return "shield-alert"
	case event.KindMonitoringStarted:
		return "eye"
	case event.KindMonitoringStopped:
		return "eye-off"
	case event.KindPermissionFixed:
		return "lock-open"
	}
	return "circle"
}

// DetailText 返回事件的详情文案 (可含链接 HTML, 前端按信任片段渲染)。
func DetailText(ev event.CanonicalEvent) string {
	switch ev.Kind() {
	case event.KindEmailDetected:
		return detailEmailDetected(ev)
	case event.KindIntentAnalyzed:
		if ev.Intent != "" {
			return fmt.Sprintf("Intent: %s", ev.Intent)
		}
		return "Intent analyzed"
	case event.KindTicketCreated:
		return detailTicket(ev, "created")
	case event.KindTicketUpdated:
		return detailTicket(ev, "updated")
	case event.KindActionPerformed:
		return util.FirstNonEmpty(ev.Message, ev.Comment, "Action performed")
	case event.KindEmailReply:
		return util.FirstNonEmpty(ev.Message, "Reply sent to requester")
	case event.KindSession:
		if ev.SessionID != "" {
			return fmt.Sprintf("Agent session %s (%s)", ev.SessionID, util.FirstNonEmpty(ev.Status, "running"))
		}
		return "Agent session"
	case event.KindError:
		return util.FirstNonEmpty(ev.Message, "Processing error")
	case event.KindSpamAlert:
		return fmt.Sprintf("Spam suspected from %s", util.FirstNonEmpty(ev.Sender, "unknown sender"))
	case event.KindMonitoringStarted:
		return "Mailbox monitoring started"
	case event.KindMonitoringStopped:
		return "Mailbox monitoring stopped"
	case event.KindPermissionFixed:
		return util.FirstNonEmpty(ev.Message, "Permission issue fixed")
	case event.KindScriptExecutionFailed:
		return util.FirstNonEmpty(ev.Message, "Script execution failed")
	}
	return util.FirstNonEmpty(ev.Message, ev.Comment)
}

func detailEmailDetected(ev event.CanonicalEvent) string {
	subject := util.FirstNonEmpty(ev.Subject, "(no subject)")
	if ev.Sender != "" {
		return fmt.Sprintf("%s — from %s", subject, ev.Sender)
	}
	return subject
}

// detailTicket 工单事件详情; 带外链时输出 <a> 片段。
func detailTicket(ev event.CanonicalEvent, verb string) string {
	label := "Ticket"
	if ev.RawEvent.TicketID != 0 {
		label = fmt.Sprintf("Ticket #%d", ev.RawEvent.TicketID)
	}
	text := fmt.Sprintf("%s %s", label, verb)
	if ev.Comment != "" {
		text = fmt.Sprintf("%s: %s", text, ev.Comment)
	}
	switch {
	case ev.ADOURL != "":
		return fmt.Sprintf(`%s · <a href="%s" target="_blank">Azure DevOps</a>`, text, ev.ADOURL)
	case ev.ServiceNowURL != "":
		return fmt.Sprintf(`%s · <a href="%s" target="_blank">ServiceNow</a>`, text, ev.ServiceNowURL)
	}
	return text
}

// ========================================
// 周期级推导
// ========================================

// PreviewText 返回周期列表行的预览文案: 最新成员的详情, 去 HTML,
// 截断到 previewMaxRunes。空周期返回空串。
func PreviewText(c *cycle.Cycle) string {
	if c == nil || len(c.Members) == 0 {
		return ""
	}
	text := htmlTagRe.ReplaceAllString(DetailText(c.Newest()), "")
	return util.TruncateRunes(strings.TrimSpace(text), previewMaxRunes)
}

// Status 返回周期的三态展示状态。
func Status(c *cycle.Cycle) CycleStatus {
	switch {
	case c.Completed:
		return StatusCompleted
	case c.Active:
		return StatusInProgress
	default:
		return StatusPending
	}
}
