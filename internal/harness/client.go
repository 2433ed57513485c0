// Package harness 定义并实现外部 harness/调度器协作方的消费接口。
//
// 引擎只依赖 Client 接口; GatewayClient 是默认实现 —
// HTTP 承载用户动作 (start/cancel/input) 与 detail 拉取,
// WebSocket 承载全部 run 共享的事件推送订阅。
//
// 进程孵化、排队调度、超时控制都在协作方进程内, 本包不做。
package harness

import (
	"context"

	"github.com/agent-console/go-console/internal/run"
)

// StartParams 启动一次 Run 的参数。
type StartParams struct {
	Provider       run.Provider `json:"provider"`
	Prompt         string       `json:"prompt"`
	Mode           run.Mode     `json:"mode"`
	Model          string       `json:"model,omitempty"`
	ResumeHandle   string       `json:"resume_handle,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Workspace      string       `json:"workspace,omitempty"`
}

// EventHandler 订阅回调。同一 run 的事件 seq 非递减;
// 不同 run 之间无全局顺序保证。
type EventHandler func(ev run.Event)

// Client harness/调度器协作方接口。
type Client interface {
	// StartRun 提交一次调用, 返回 run 标识。前置条件不满足时同步失败。
	StartRun(ctx context.Context, params StartParams) (string, error)

	// CancelRun 请求取消。run 非活跃态时失败。
	CancelRun(ctx context.Context, runID string) error

	// SendInput 向交互式会话发送输入。run 非活跃态时失败。
	SendInput(ctx context.Context, runID, text string) error

	// FetchRunDetail 拉取 run 的完整历史。未知 run 返回 (nil, nil)。
	FetchRunDetail(ctx context.Context, runID string) (*run.Detail, error)

	// Subscribe 订阅共享事件推送通道, 返回退订函数。
	Subscribe(handler EventHandler) (func(), error)
}
