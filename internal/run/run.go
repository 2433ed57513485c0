// Package run 定义 Run 事件溯源模型与生命周期状态机。
//
// 一个 Run = 一次外部 harness 调用 (codex / claude, 单发或会话)。
// Run 只能通过按序应用 RunEvent 变更; 状态机保证:
//   - queued → running → {completed, failed, canceled} 单向流转
//   - 事件应用幂等 (seq 重放为 no-op)
//   - 事件日志有界 (超出容量整批截断最旧部分)
package run

import (
	"encoding/json"
	"time"
)

// Provider harness 提供方 (封闭集合, 分发必须穷尽)。
type Provider string

const (
	// ProviderCodex Codex 家族 harness。
	ProviderCodex Provider = "codex"
	// ProviderClaude Claude 家族 harness。
	ProviderClaude Provider = "claude"
)

// Valid 检查 provider 是否属于封闭集合。
func (p Provider) Valid() bool {
	switch p {
	case ProviderCodex, ProviderClaude:
		return true
	}
	return false
}

// Mode 运行模式。
type Mode string

const (
	// ModeSession 交互式会话 (多轮, 支持 send-input)。
	ModeSession Mode = "session"
	// ModeOneShot 单发任务。
	ModeOneShot Mode = "oneshot"
)

// Status Run 生命周期状态。
type Status string

const (
	// StatusQueued 初始态, 等待调度。
	StatusQueued Status = "queued"
	// StatusRunning harness 已启动。
	StatusRunning Status = "running"
	// StatusCompleted 正常结束 (终态)。
	StatusCompleted Status = "completed"
	// StatusFailed 失败结束 (终态)。
	StatusFailed Status = "failed"
	// StatusCanceled 被取消 (终态)。
	StatusCanceled Status = "canceled"
)

// Terminal 返回状态是否为终态。终态不再接受任何生命周期转换。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Active 返回 run 是否仍可接受 cancel/input。
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// ========================================
// RunEvent — 事件流单元
// ========================================

// EventKind RunEvent 类别。
type EventKind string

const (
	// EventStarted 生命周期: queued → running。
	EventStarted EventKind = "started"
	// EventCompleted 生命周期: → completed (终态)。
	EventCompleted EventKind = "completed"
	// EventFailed 生命周期: → failed (终态), payload.message 记入错误摘要。
	EventFailed EventKind = "failed"
	// EventCanceled 生命周期: → canceled (终态)。
	EventCanceled EventKind = "canceled"
	// EventStdout 主输出通道文本块, payload = {"chunk": "..."}。
	EventStdout EventKind = "stdout"
	// EventStderr 诊断输出通道文本块, payload = {"chunk": "..."}。
	EventStderr EventKind = "stderr"
	// EventSemantic 增量渲染协议事件, payload = {"phase":"delta"|"complete","text":"..."}。
	EventSemantic EventKind = "semantic"
	// EventWarning 兼容性警告, payload = {"message": "..."}, 按值去重, 不影响状态。
	EventWarning EventKind = "warning"
)

// Lifecycle 返回该事件类别是否为生命周期转换。
func (k EventKind) Lifecycle() bool {
	switch k {
	case EventStarted, EventCompleted, EventFailed, EventCanceled:
		return true
	}
	return false
}

// Event 一条 Run 事件 (追加写, 永不单条删除)。
type Event struct {
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"` // 每 run 严格递增
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      time.Time       `json:"ts"`
}

// eventPayload 事件 payload 的通用字段集合。
// 各事件类别只用其中一部分, 解码时容忍缺失。
type eventPayload struct {
	Chunk   string `json:"chunk,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// 语义事件 phase 值。
const (
	PhaseDelta    = "delta"
	PhaseComplete = "complete"
)

func (e Event) payload() eventPayload {
	var p eventPayload
	if len(e.Payload) > 0 {
		_ = json.Unmarshal(e.Payload, &p)
	}
	return p
}

// Chunk 返回输出事件携带的文本块 (非输出事件返回空)。
func (e Event) Chunk() string { return e.payload().Chunk }

// SemanticPhase 返回语义事件的 phase 与 text。
func (e Event) SemanticPhase() (phase, text string) {
	p := e.payload()
	return p.Phase, p.Text
}

// Message 返回 failed/warning 事件的消息字段。
func (e Event) Message() string { return e.payload().Message }

// ========================================
// Run / Detail
// ========================================

// Run 一次 harness 调用的聚合根。
// 只在创建时和 Machine.Apply 中变更; 终态后除展示字段外不可变。
type Run struct {
	ID             string     `json:"id"`
	Provider       Provider   `json:"provider"`
	Mode           Mode       `json:"mode"`
	Status         Status     `json:"status"`
	Prompt         string     `json:"prompt"`
	Model          string     `json:"model,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ErrorSummary   string     `json:"error_summary,omitempty"`
	Warnings       []string   `json:"warnings,omitempty"` // 去重后的警告集合 (插入序)
}

// Detail Run + 有界有序事件日志, 折叠器与会话提取器的操作单元。
type Detail struct {
	Run    Run     `json:"run"`
	Events []Event `json:"events"`
}
