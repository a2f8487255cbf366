// Package agentapi 后端 agent 的 REST 客户端。
//
// agent 的控制面全部为 GET 语义 (run/stop 也是); 响应统一包络
// {status, ...}, status == "error" 视为业务失败。本包失败只影响
// 控制面与兜底轮询, 不会波及流处理管线。
package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/it-agent/support-console/pkg/errors"
	"github.com/it-agent/support-console/pkg/util"
)

// Ticket 一条 agent 工单记录 (agent 侧文档库的投影)。
type Ticket struct {
	ADOTicketID       int64            `json:"ado_ticket_id"`
	Sender            string           `json:"sender"`
	Subject           string           `json:"subject"`
	ThreadID          string           `json:"thread_id"`
	EmailID           string           `json:"email_id"`
	OriginalMessageID string           `json:"original_message_id,omitempty"`
	TicketDescription string           `json:"ticket_description,omitempty"`
	EmailTimestamp    string           `json:"email_timestamp,omitempty"`
	Updates           []map[string]any `json:"updates,omitempty"`
	Actions           []string         `json:"actions,omitempty"`
	PendingActions    bool             `json:"pending_actions"`
	TypeOfRequest     string           `json:"type_of_request,omitempty"`
	Details           map[string]any   `json:"details,omitempty"`
}

// StatusInfo agent 运行状态。
type StatusInfo struct {
	IsRunning bool   `json:"is_running"`
	SessionID string `json:"session_id,omitempty"`
}

// envelope agent 响应统一包络。
type envelope struct {
	Status       string           `json:"status"`
	Message      string           `json:"message,omitempty"`
	Tickets      []Ticket         `json:"tickets,omitempty"`
	Logs         []string         `json:"logs,omitempty"`
	RequestTypes []string         `json:"request_types,omitempty"`
	IsRunning    bool             `json:"is_running"`
	SessionID    string           `json:"session_id,omitempty"`
	Response     string           `json:"response,omitempty"`
	Events       []any            `json:"events,omitempty"`
}

// Client agent REST 客户端。并发安全。
type Client struct {
	base string
	http *http.Client
}

// New 创建客户端。timeout <= 0 取 15s。
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// get 请求 path 并解包响应。
func (c *Client) get(ctx context.Context, path string, query url.Values) (*envelope, error) {
	op := "agentapi." + path

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAgentUnavailable, op, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, apperrors.Wrap(err, op, "read body")
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, op, "http 404")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Wrapf(apperrors.ErrAgentUnavailable, op, "http %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.Wrap(err, op, "decode envelope")
	}
	if env.Status == "error" {
		return nil, apperrors.Newf(op, "agent error: %s", env.Message)
	}
	return &env, nil
}

// Status 查询 agent 运行状态。
func (c *Client) Status(ctx context.Context) (StatusInfo, error) {
	env, err := c.get(ctx, "/status", nil)
	if err != nil {
		return StatusInfo{}, err
	}
	return StatusInfo{IsRunning: env.IsRunning, SessionID: env.SessionID}, nil
}

// Run 启动 agent。重复启动不算错误, 返回 agent 的提示消息。
func (c *Client) Run(ctx context.Context) (string, error) {
	env, err := c.get(ctx, "/run-agent", nil)
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

// Stop 停止 agent。
func (c *Client) Stop(ctx context.Context) (string, error) {
	env, err := c.get(ctx, "/stop-agent", nil)
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

// ListTickets 拉取全量工单。
func (c *Client) ListTickets(ctx context.Context) ([]Ticket, error) {
	env, err := c.get(ctx, "/tickets", nil)
	if err != nil {
		return nil, err
	}
	return env.Tickets, nil
}

// TicketsByType 按请求类型过滤工单。
func (c *Client) TicketsByType(ctx context.Context, requestType string) ([]Ticket, error) {
	if requestType == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "agentapi.TicketsByType", "empty request type")
	}
	env, err := c.get(ctx, "/tickets/by-type/"+url.PathEscape(requestType), nil)
	if err != nil {
		return nil, err
	}
	return env.Tickets, nil
}

// RequestTypes 拉取系统内出现过的请求类型。
func (c *Client) RequestTypes(ctx context.Context) ([]string, error) {
	env, err := c.get(ctx, "/request-types", nil)
	if err != nil {
		return nil, err
	}
	return env.RequestTypes, nil
}

// Logs 拉取 agent 最近日志行。
func (c *Client) Logs(ctx context.Context) ([]string, error) {
	env, err := c.get(ctx, "/logs", nil)
	if err != nil {
		return nil, err
	}
	return env.Logs, nil
}

// Chat 向 agent 发起一次问答。
func (c *Client) Chat(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, "agentapi.Chat", "empty query")
	}
	env, err := c.get(ctx, "/chat", url.Values{"query": {query}})
	if err != nil {
		return "", err
	}
	return env.Response, nil
}

// RecentEvents 拉取 agent 的事件积压 (兜底轮询用)。
//
// since 非零时只取其后的事件。agent 旧版本没有该端点,
// 404 按空积压处理, 轮询静默退化。
func (c *Client) RecentEvents(ctx context.Context, since time.Time) ([]map[string]any, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	env, err := c.get(ctx, "/events/recent", q)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	// 积压条目松散类型: 统一收敛为 map, 非对象条目丢弃
	out := make([]map[string]any, 0, len(env.Events))
	for _, item := range env.Events {
		if m := util.ToMapAny(item); len(m) > 0 {
			out = append(out, m)
		}
	}
	return out, nil
}
