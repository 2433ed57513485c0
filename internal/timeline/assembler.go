// Package timeline 将一组 Run 及其折叠回复装配成按时间排序的对话消息列表。
//
// ChatMessage 是纯派生数据, 每次装配都重新生成, 不持久化、无独立生命周期。
package timeline

import (
	"sort"
	"time"

	"github.com/agent-console/go-console/internal/run"
)

// Role 消息角色。
type Role string

const (
	// RoleUser 用户消息 (回显 prompt)。
	RoleUser Role = "user"
	// RoleAssistant 助手消息 (折叠回复 / 失败合成 / 占位)。
	RoleAssistant Role = "assistant"
)

// ChatMessage 对话转写的一行。
type ChatMessage struct {
	ID      string    `json:"id"`
	Role    Role      `json:"role"`
	Text    string    `json:"text"`
	Ts      time.Time `json:"ts"`
	Pending bool      `json:"pending,omitempty"`
}

// Entry 装配输入: 一个 Run + 其折叠结果。
//
// Reply 为空不代表错误 — 由 Run 状态与 HasDetail 共同决定占位形态。
// HasDetail 表示 RunDetail 已在本地就绪 (完成态但 detail 未取到时
// 显示"回复加载中"占位, 而非错误)。
type Entry struct {
	Run       run.Run
	Reply     string
	HasDetail bool
}

// Filter 旧式非线程化聊天的装配过滤: provider+mode + 起始时间栅栏。
// 零值表示不过滤。
type Filter struct {
	Provider   run.Provider
	Mode       run.Mode
	StartAfter time.Time
}

func (f Filter) match(r run.Run) bool {
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.Mode != "" && r.Mode != f.Mode {
		return false
	}
	if !f.StartAfter.IsZero() && !r.StartedAt.After(f.StartAfter) {
		return false
	}
	return true
}

// Assemble 按 Run 顺序装配完整转写。
//
// 每个 Run 产出: 起始时刻的用户消息 + 恰好一条助手侧条目
// (回复 / 失败合成 / pending 占位 / 加载占位)。
// 最终按时间戳稳定排序 — detail 异步到达顺序不影响转写时序。
func Assemble(entries []Entry) []ChatMessage {
	return AssembleFiltered(entries, Filter{})
}

// AssembleFiltered 带过滤条件装配 (旧式聊天视图)。
func AssembleFiltered(entries []Entry, filter Filter) []ChatMessage {
	var messages []ChatMessage
	for _, entry := range entries {
		if !filter.match(entry.Run) {
			continue
		}
		messages = append(messages, runMessages(entry)...)
	}
	// 稳定排序: 时间相同时保持产出顺序
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Ts.Before(messages[j].Ts)
	})
	return messages
}

// runMessages 为单个 Run 产出用户消息 + 一条助手侧条目。
func runMessages(entry Entry) []ChatMessage {
	r := entry.Run
	out := []ChatMessage{{
		ID:   r.ID + "-user",
		Role: RoleUser,
		Text: r.Prompt,
		Ts:   r.StartedAt,
	}}

	assistantID := r.ID + "-assistant"
	switch {
	case entry.Reply != "":
		out = append(out, ChatMessage{
			ID:   assistantID,
			Role: RoleAssistant,
			Text: entry.Reply,
			Ts:   endTime(r),
		})
	case r.Status == run.StatusFailed:
		// 折叠器已兜底; 此处再兜一层防御 (detail 缺失的失败 run)
		text := r.ErrorSummary
		if text == "" {
			text = "run failed"
		}
		out = append(out, ChatMessage{
			ID:   assistantID,
			Role: RoleAssistant,
			Text: "Error: " + text,
			Ts:   endTime(r),
		})
	case r.Status.Active():
		// queued/running → pending 占位, 挂在起始时刻
		out = append(out, ChatMessage{
			ID:      assistantID,
			Role:    RoleAssistant,
			Ts:      r.StartedAt,
			Pending: true,
		})
	case entry.HasDetail:
		// detail 已就绪但折叠无产出 (如无输出即取消) → 终态空回复, 不再占位
		out = append(out, ChatMessage{
			ID:   assistantID,
			Role: RoleAssistant,
			Text: "(no output)",
			Ts:   endTime(r),
		})
	default:
		// completed/canceled 且 detail 未就绪 → 回复加载占位
		out = append(out, ChatMessage{
			ID:      assistantID,
			Role:    RoleAssistant,
			Ts:      endTime(r),
			Pending: true,
		})
	}
	return out
}

func endTime(r run.Run) time.Time {
	if r.EndedAt != nil {
		return *r.EndedAt
	}
	return r.StartedAt
}
