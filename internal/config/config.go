// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充, 无需手动逐行赋值。
package config

import (
	"github.com/agent-console/go-console/pkg/util"
)

// Config 应用全局配置, 字段名与 .env 变量一一对应。
type Config struct {
	// HTTP 控制台
	ListenAddr string `env:"CONSOLE_LISTEN_ADDR" default:":8490"`

	// Harness 网关
	GatewayBaseURL    string `env:"GATEWAY_BASE_URL" default:"http://127.0.0.1:19830"`
	GatewayWSURL      string `env:"GATEWAY_WS_URL" default:"ws://127.0.0.1:19830/events"`
	GatewayTimeoutSec int    `env:"GATEWAY_TIMEOUT_SEC" default:"30" min:"1"`

	// 工作区 (run 启动前置条件)
	Workspace string `env:"CONSOLE_WORKSPACE"`

	// 事件日志窗口
	RunEventLogCap int `env:"RUN_EVENT_LOG_CAP" default:"2000" min:"100"`

	// PostgreSQL (可选 — 空连接串 → 纯内存运行)
	PostgresConnStr     string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema      string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	MigrationsDir       string `env:"MIGRATIONS_DIR" default:"migrations"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"LOG_DIR"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
