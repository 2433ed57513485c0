// codex.go — Codex 家族结构化记录折叠。
package collapse

import (
	"strings"

	"github.com/agent-console/go-console/internal/run"
)

// collapseCodexRecords 收集 Codex 形态的助手消息。
//
// 形态: {"type":"item.completed","item":{"type":"agent_message","text":"..."}}
// 完全重复的消息只保留一条 (harness 重发防御), 不同消息用空行连接。
func collapseCodexRecords(events []run.Event) string {
	var messages []string
	seen := make(map[string]struct{})

	for _, rec := range stdoutRecords(events) {
		if rec.Kind() != "item.completed" {
			continue
		}
		item := rec.Sub("item")
		if item == nil || item.Kind() != "agent_message" {
			continue
		}
		text := strings.TrimSpace(item.Str("text"))
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		messages = append(messages, text)
	}
	return strings.Join(messages, "\n\n")
}
