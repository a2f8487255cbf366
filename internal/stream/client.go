// Package stream 维护到 agent /ws 广播端点的长连接。
//
// 职责: 拨号、心跳应答、断线指数退避重连 (有限次)、把业务消息
// 原样交给上层。消息解析、归一化、分组都不在本包 — 这里只保证
// "连接活着, 或明确宣告连不上了"。
package stream

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/it-agent/support-console/internal/event"
	apperrors "github.com/it-agent/support-console/pkg/errors"
	"github.com/it-agent/support-console/pkg/logger"
	"github.com/it-agent/support-console/pkg/util"
)

// State 连接状态机。
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDown         State = "down"   // 重试穷尽, 终态 (仅手动重启可恢复)
	StateClosed       State = "closed" // 调用方主动关闭, 终态
)

const writeTimeout = 5 * time.Second

// Config 连接参数。零值字段取默认。
type Config struct {
	URL              string
	MaxRetries       int           // 每次断线后的重连上限, 默认 5
	BackoffBase      time.Duration // 首次重连延迟, 默认 1s
	BackoffMax       time.Duration // 延迟封顶, 默认 30s
	BackoffFactor    float64       // 每次重试的延迟倍率, 默认 2
	HandshakeTimeout time.Duration // 默认 5s
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
}

// Client WebSocket 流客户端。
//
// onMessage 在读协程上按到达顺序调用, 不得长时间阻塞;
// onState 在每次状态迁移时调用 (终态 down/closed 只通知一次)。
type Client struct {
	cfg       Config
	onMessage func(data []byte)
	onState   func(s State, err error)

	ctx    context.Context
	cancel context.CancelFunc

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	stopped atomic.Bool
	state   atomic.Value // State

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// New 创建客户端。Start 之前不建立任何连接。
func New(cfg Config, onMessage func([]byte), onState func(State, error)) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:       cfg,
		onMessage: onMessage,
		onState:   onState,
		done:      make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state.Store(StateConnecting)
	return c
}

// State 返回当前连接状态。
func (c *Client) State() State { return c.state.Load().(State) }

// Done 在运行循环退出后关闭。
func (c *Client) Done() <-chan struct{} { return c.done }

// Start 启动连接循环。重复调用无效。
func (c *Client) Start() {
	c.startOnce.Do(func() {
		util.SafeGo(func() {
			defer close(c.done)
			c.run()
		})
	})
}

// Close 主动关闭: 取消循环、断开连接, 不触发重连与 down 通知。
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		c.cancel()
		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.connMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		c.setState(StateClosed, nil)
	})
}

// ========================================
// 连接循环
// ========================================

func (c *Client) run() {
	for {
		if c.stopped.Load() {
			return
		}

		conn, err := c.connectWithRetry()
		if err != nil {
			if !c.stopped.Load() {
				c.setState(StateDown, err)
			}
			return
		}

		c.replaceConn(conn)
		c.setState(StateConnected, nil)
		logger.Info("stream: connected", logger.FieldURL, c.cfg.URL)

		readErr := c.readLoop(conn)
		if c.stopped.Load() {
			return
		}
		logger.Warn("stream: connection lost", logger.FieldURL, c.cfg.URL, logger.FieldError, readErr)
		c.setState(StateReconnecting, readErr)
	}
}

// connectWithRetry 带退避重试拨号, 穷尽后返回 ErrRetryExhausted。
//
// 首次尝试 (attempt 1) 不等待; 之后延迟 base×factor^(attempt-2), 封顶 BackoffMax。
func (c *Client) connectWithRetry() (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if !c.sleepWithContext(reconnectDelay(attempt, c.cfg.BackoffBase, c.cfg.BackoffMax, c.cfg.BackoffFactor)) {
			return nil, apperrors.Wrap(c.ctx.Err(), "stream.connectWithRetry", "cancelled")
		}

		conn, err := c.dial()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Warn("stream: dial failed",
			logger.FieldURL, c.cfg.URL,
			logger.FieldAttempt, attempt,
			logger.FieldMax, c.cfg.MaxRetries,
			logger.FieldError, err)
	}
	return nil, apperrors.Wrapf(apperrors.ErrRetryExhausted, "stream.connectWithRetry",
		"gave up after %d attempts: %v", c.cfg.MaxRetries, lastErr)
}

func reconnectDelay(attempt int, base, max time.Duration, factor float64) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := float64(base)
	for i := 2; i < attempt; i++ {
		delay *= factor
		if delay >= float64(max) {
			return max
		}
	}
	d := time.Duration(delay)
	if d > max {
		return max
	}
	return d
}

func (c *Client) sleepWithContext(delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: c.cfg.HandshakeTimeout}).DialContext,
	}
	conn, _, err := dialer.DialContext(c.ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, "stream.dial", "ws connect")
	}
	return conn, nil
}

func (c *Client) replaceConn(conn *websocket.Conn) {
	c.connMu.Lock()
	prev := c.conn
	c.conn = conn
	c.connMu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

// ========================================
// 读循环与心跳
// ========================================

// readLoop 持续读消息直到连接出错; 返回触发断开的错误。
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		// 应用层心跳: ping 就地应答 pong, pong 丢弃, 均不上抛
		if kind := peekKind(data); kind.Control() {
			if kind == event.KindPing {
				c.writePong(conn)
			}
			continue
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

// peekKind 只解出 type 判别字段, 失败返回空 Kind (按业务消息上抛)。
func peekKind(data []byte) event.Kind {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return event.Kind(head.Type)
}

func (c *Client) writePong(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
		logger.Warn("stream: pong write failed", logger.FieldError, err)
	}
}

func (c *Client) setState(s State, err error) {
	c.state.Store(s)
	if c.onState != nil {
		c.onState(s, err)
	}
}
