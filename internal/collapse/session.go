// session.go — 跨 Run 上下文续接用的外部会话句柄提取。
package collapse

import (
	"regexp"
	"strings"

	"github.com/agent-console/go-console/internal/run"
)

// codexStderrSessionPattern Codex CLI 在诊断通道打印的会话标识行。
// 接受 "session_id: xxx" / "session id: xxx" 变体。
var codexStderrSessionPattern = regexp.MustCompile(`(?i)session[ _]id:?\s*([0-9a-f][0-9a-f-]{7,})`)

// ExtractSessionHandle 从 RunDetail 中提取 provider 特定的会话句柄。
//
// 句柄对系统其余部分不透明, 只会回填到后续 Run 的启动参数中
// 请求上下文续接。未找到返回空串。
func ExtractSessionHandle(detail run.Detail) string {
	switch detail.Run.Provider {
	case run.ProviderCodex:
		return extractCodexSession(detail.Events)
	case run.ProviderClaude:
		return extractClaudeSession(detail.Events)
	}
	return ""
}

// extractCodexSession 主通道找 thread.started 记录的线程标识;
// 缺席时退回诊断通道的固定文本模式。首个命中胜出。
func extractCodexSession(events []run.Event) string {
	for _, rec := range stdoutRecords(events) {
		if rec.Kind() != "thread.started" {
			continue
		}
		if id := strings.TrimSpace(rec.Str("thread_id")); id != "" {
			return id
		}
	}
	if m := codexStderrSessionPattern.FindStringSubmatch(channelText(events, run.EventStderr)); m != nil {
		return m[1]
	}
	return ""
}

// extractClaudeSession 主通道任意记录暴露的 session_id 字段, 首个命中胜出。
func extractClaudeSession(events []run.Event) string {
	for _, rec := range stdoutRecords(events) {
		if id := strings.TrimSpace(rec.Str("session_id")); id != "" {
			return id
		}
	}
	return ""
}
