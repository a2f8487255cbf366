// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"github.com/it-agent/support-console/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 后端 agent
	AgentBaseURL string `env:"AGENT_BASE_URL" default:"http://127.0.0.1:8000"`
	AgentWSURL   string `env:"AGENT_WS_URL" default:"ws://127.0.0.1:8000/ws"`
	AgentTimeout int    `env:"AGENT_TIMEOUT_SEC" default:"15" min:"1"`

	// 事件流重连
	StreamMaxRetries       int     `env:"STREAM_MAX_RETRIES" default:"5" min:"1"`
	StreamBackoffBaseMS    int     `env:"STREAM_BACKOFF_BASE_MS" default:"1000" min:"100"`
	StreamBackoffMaxMS     int     `env:"STREAM_BACKOFF_MAX_MS" default:"30000" min:"1000"`
	StreamBackoffFactor    float64 `env:"STREAM_BACKOFF_FACTOR" default:"2" min:"1.1"`
	StreamHandshakeTimeout int     `env:"STREAM_HANDSHAKE_TIMEOUT_SEC" default:"5" min:"1"`

	// 周期重建
	LivenessWindowMin int `env:"LIVENESS_WINDOW_MIN" default:"30" min:"1"`

	// 轮询对账 (第二事件生产者, 0 = 关闭)
	ReconcileIntervalSec int `env:"RECONCILE_INTERVAL_SEC" default:"60" min:"0"`

	// 本地缓存
	CachePath string `env:"CACHE_PATH" default:".console/events.db"`

	// Dashboard
	ListenAddr     string `env:"LISTEN_ADDR" default:":8090"`
	SystemLogLimit int    `env:"SYSTEM_LOG_LIMIT" default:"100" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"production"`
	LogDir   string `env:"LOG_DIR" default:""`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
