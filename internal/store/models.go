// models.go — store 层行模型 (与表结构一一对应)。
package store

import (
	"encoding/json"
	"time"
)

// ConversationRecord 对应 conversations 表行。
//
// session_handle 由会话提取器恢复后挂接; 后续 run 以它续接上下文。
type ConversationRecord struct {
	ID            string     `json:"id" db:"id"`
	Provider      string     `json:"provider" db:"provider"`
	Title         string     `json:"title" db:"title"`
	SessionHandle string     `json:"session_handle" db:"session_handle"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty" db:"archived_at"`
}

// RunRecord 对应 runs 表行。
//
// 只存元数据 — 事件日志是内存窗口, 不落盘。
type RunRecord struct {
	ID             string          `json:"id" db:"id"`
	ConversationID string          `json:"conversation_id" db:"conversation_id"`
	Provider       string          `json:"provider" db:"provider"`
	Mode           string          `json:"mode" db:"mode"`
	Status         string          `json:"status" db:"status"`
	Prompt         string          `json:"prompt" db:"prompt"`
	Model          string          `json:"model" db:"model"`
	ErrorSummary   string          `json:"error_summary" db:"error_summary"`
	Warnings       json.RawMessage `json:"warnings" db:"warnings"`
	StartedAt      time.Time       `json:"started_at" db:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
}

// BusPendingMessage 对应 bus_pending 表行 (总线降级落盘)。
type BusPendingMessage struct {
	Seq       int64           `json:"seq" db:"seq"`
	Topic     string          `json:"topic" db:"topic"`
	MsgType   string          `json:"msg_type" db:"msg_type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
