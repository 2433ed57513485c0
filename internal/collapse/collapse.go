// Package collapse 将一个 Run 的事件日志折叠为单条逻辑助手回复。
//
// 分层策略, 按序尝试, 首个非空结果胜出:
//  1. 语义事件层 — delta/complete 增量渲染协议, complete 快照优先
//  2. 结构化记录层 — 按 provider 家族解析 stdout JSON 行
//  3. 原始输出兜底 — 拼接 stdout 块并折叠整段重发
//  4. 失败合成 — 仅当 run 终态为 failed 且上述各层均为空
//
// 本包永不报错: 无法恢复回复是合法的空结果, 由 timeline 层解释。
package collapse

import (
	"strings"

	"github.com/agent-console/go-console/internal/record"
	"github.com/agent-console/go-console/internal/run"
	"github.com/agent-console/go-console/pkg/util"
)

// rawDupMinLen 整段重发折叠的最小半长。低于此长度的相等双半段
// 视为巧合而非重发, 不折叠。
const rawDupMinLen = 3

// failureFallback 无任何可用失败消息时的兜底文案。
const failureFallback = "Error: run failed"

// Collapse 折叠 RunDetail 为一条回复文本 (可能为空)。
//
// provider 分发是穷尽的: 未知 provider 只能走语义层与原始兜底。
func Collapse(detail run.Detail) string {
	if text := collapseSemantic(detail.Events); text != "" {
		return text
	}

	var text string
	switch detail.Run.Provider {
	case run.ProviderCodex:
		text = collapseCodexRecords(detail.Events)
	case run.ProviderClaude:
		text = collapseClaudeRecords(detail.Events)
	}
	if text != "" {
		return text
	}

	if text := collapseRawOutput(detail.Events); text != "" {
		return text
	}

	if detail.Run.Status == run.StatusFailed {
		return synthesizeFailure(detail)
	}
	return ""
}

// ========================================
// 第 1 层: 语义事件 (delta / complete)
// ========================================

// collapseSemantic 折叠语义事件。
//
// complete 快照是 harness 自己的权威最终渲染, 永远压过累积 delta;
// 多个 complete 时取最后一个非空的。
func collapseSemantic(events []run.Event) string {
	var deltas strings.Builder
	lastComplete := ""
	for _, ev := range events {
		if ev.Kind != run.EventSemantic {
			continue
		}
		phase, text := ev.SemanticPhase()
		switch phase {
		case run.PhaseComplete:
			if strings.TrimSpace(text) != "" {
				lastComplete = text
			}
		case run.PhaseDelta:
			deltas.WriteString(text)
		}
	}
	if lastComplete != "" {
		return lastComplete
	}
	return strings.TrimSpace(deltas.String())
}

// ========================================
// 第 3 层: 原始输出兜底 + 整段重发折叠
// ========================================

// collapseRawOutput 拼接主通道块, 归一换行并折叠整段重发。
//
// 结构化记录行是协议流量而非人类可读文本, 在本层剔除 —
// 否则失败 run 的 JSON 记录会被当成回复原样吐出。
// 某些 harness 版本会周期性重发整个增长中的输出而非增量 —
// 归一后的文本若前半段 (中点切分) 与后半段完全相等且长度达标,
// 只保留前半段。
func collapseRawOutput(events []run.Event) string {
	text := strings.TrimSpace(stripRecordLines(normalizeNewlines(channelText(events, run.EventStdout))))
	if text == "" {
		return ""
	}
	if half := len(text) / 2; len(text)%2 == 0 && half >= rawDupMinLen && text[:half] == text[half:] {
		text = strings.TrimSpace(text[:half])
	}
	return text
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// stripRecordLines 剔除能解析为结构化记录的行, 其余行原样保留。
func stripRecordLines(s string) string {
	if !strings.ContainsAny(s, "{[") {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if _, ok := record.Parse(line); ok {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// channelText 按序拼接指定输出通道的所有文本块。
func channelText(events []run.Event, kind run.EventKind) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == kind {
			b.WriteString(ev.Chunk())
		}
	}
	return b.String()
}

// stdoutRecords 解析主通道的全部结构化记录。
func stdoutRecords(events []run.Event) []record.Record {
	return record.ParseLines(channelText(events, run.EventStdout))
}

// ========================================
// 第 4 层: 失败合成
// ========================================

// synthesizeFailure 按优先级合成失败行:
// 失败记录的 message 字段 → run 的错误摘要 → 兜底文案。
func synthesizeFailure(detail run.Detail) string {
	msg := util.FirstNonEmpty(
		failureRecordMessage(detail.Events),
		detail.Run.ErrorSummary,
	)
	if msg == "" {
		return failureFallback
	}
	return "Error: " + msg
}

// failureRecordMessage 扫描两个通道的结构化记录, 取最后一条失败消息。
//
// 失败记录 = type 为 "error"/"failure" 或无 type 标签、且携带
// 非空 message 字段的记录 (wire 形态不稳定, 宽松匹配)。
func failureRecordMessage(events []run.Event) string {
	last := ""
	scan := func(recs []record.Record) {
		for _, rec := range recs {
			switch rec.Kind() {
			case "", "error", "failure":
				if msg := strings.TrimSpace(rec.Str("message")); msg != "" {
					last = msg
				}
			}
		}
	}
	scan(stdoutRecords(events))
	scan(record.ParseLines(channelText(events, run.EventStderr)))
	return last
}
