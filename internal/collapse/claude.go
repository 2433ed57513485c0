// claude.go — Claude 家族结构化记录折叠。
package collapse

import (
	"strings"

	"github.com/agent-console/go-console/internal/record"
	"github.com/agent-console/go-console/internal/run"
)

// collapseClaudeRecords 收集 Claude 形态的助手消息。
//
// 两类记录:
//   - {"type":"assistant","message":{"content":[{"type":"text","text":"..."}]}}
//     累积所有 text part
//   - {"type":"result","result":"..."} 权威最终答案, 非空时压过累积 part
func collapseClaudeRecords(events []run.Event) string {
	var parts []string
	result := ""

	for _, rec := range stdoutRecords(events) {
		switch rec.Kind() {
		case "assistant":
			if text := assistantText(rec); text != "" {
				parts = append(parts, text)
			}
		case "result":
			if text := strings.TrimSpace(rec.Str("result")); text != "" {
				result = text
			}
		}
	}

	if result != "" {
		return result
	}
	return strings.Join(parts, "\n\n")
}

// assistantText 提取 assistant 记录 content 列表中的全部 text part。
// message 包装层缺失时容忍记录顶层直接携带 content。
func assistantText(rec record.Record) string {
	msg := rec.Sub("message")
	if msg == nil {
		msg = rec
	}
	var b strings.Builder
	for _, entry := range msg.List("content") {
		part, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := part["type"].(string); t != "text" {
			continue
		}
		if text, _ := part["text"].(string); text != "" {
			b.WriteString(text)
		}
	}
	return strings.TrimSpace(b.String())
}
