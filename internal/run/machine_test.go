// machine_test.go — 生命周期状态机: 幂等性、单向流转、日志有界性。
package run

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func lifecycleEvent(seq int64, kind EventKind) Event {
	return Event{RunID: "r-1", Seq: seq, Kind: kind, Ts: time.Now()}
}

func messageEvent(seq int64, kind EventKind, msg string) Event {
	payload, _ := json.Marshal(map[string]string{"message": msg})
	return Event{RunID: "r-1", Seq: seq, Kind: kind, Payload: payload, Ts: time.Now()}
}

func chunkEvent(seq int64, chunk string) Event {
	payload, _ := json.Marshal(map[string]string{"chunk": chunk})
	return Event{RunID: "r-1", Seq: seq, Kind: EventStdout, Payload: payload, Ts: time.Now()}
}

func newQueuedMachine() *Machine {
	return NewMachine(Run{ID: "r-1", Provider: ProviderCodex, Mode: ModeOneShot, Prompt: "hi"})
}

// TestApply_LifecyclePath 验证 queued → running → 各终态的唯一路径。
func TestApply_LifecyclePath(t *testing.T) {
	tests := []struct {
		name     string
		terminal EventKind
		want     Status
	}{
		{"completed", EventCompleted, StatusCompleted},
		{"failed", EventFailed, StatusFailed},
		{"canceled", EventCanceled, StatusCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newQueuedMachine()
			if m.Status() != StatusQueued {
				t.Fatalf("initial status = %q, want queued", m.Status())
			}

			m.Apply(lifecycleEvent(1, EventStarted))
			if m.Status() != StatusRunning {
				t.Fatalf("after started: status = %q, want running", m.Status())
			}

			m.Apply(lifecycleEvent(2, tt.terminal))
			if m.Status() != tt.want {
				t.Fatalf("after %s: status = %q, want %q", tt.terminal, m.Status(), tt.want)
			}
			if m.Run().EndedAt == nil {
				t.Error("EndedAt not stamped on terminal transition")
			}
		})
	}
}

// TestApply_TerminalAbsorbsLaterLifecycle 终态后任何生命周期事件都是 no-op。
func TestApply_TerminalAbsorbsLaterLifecycle(t *testing.T) {
	m := newQueuedMachine()
	m.Apply(lifecycleEvent(1, EventStarted))
	m.Apply(lifecycleEvent(2, EventCanceled))

	ended := m.Run().EndedAt
	for seq, kind := range map[int64]EventKind{
		3: EventStarted,
		4: EventCompleted,
		5: EventFailed,
	} {
		m.Apply(lifecycleEvent(seq, kind))
		if m.Status() != StatusCanceled {
			t.Fatalf("after late %s: status = %q, want canceled", kind, m.Status())
		}
	}
	if got := m.Run().EndedAt; got == nil || !got.Equal(*ended) {
		t.Error("EndedAt changed by post-terminal lifecycle event")
	}
}

// TestApply_Idempotent 同一事件应用两次等于应用一次。
func TestApply_Idempotent(t *testing.T) {
	m := newQueuedMachine()
	started := lifecycleEvent(1, EventStarted)

	if !m.Apply(started) {
		t.Fatal("first Apply returned false")
	}
	if m.Apply(started) {
		t.Error("replay Apply returned true, want false (no-op)")
	}
	if m.Status() != StatusRunning {
		t.Errorf("status = %q, want running", m.Status())
	}
	if len(m.Events()) != 1 {
		t.Errorf("event log has %d entries after replay, want 1", len(m.Events()))
	}
}

// TestApply_StaleSeqIgnored seq 低于已应用最高值的事件不改变状态。
func TestApply_StaleSeqIgnored(t *testing.T) {
	m := newQueuedMachine()
	m.Apply(lifecycleEvent(5, EventStarted))
	m.Apply(messageEvent(3, EventFailed, "late failure")) // 过期 seq

	if m.Status() != StatusRunning {
		t.Errorf("stale event changed status to %q", m.Status())
	}
	if m.LastSeq() != 5 {
		t.Errorf("LastSeq = %d, want 5", m.LastSeq())
	}
}

// TestApply_FailedRecordsErrorSummary failed 事件从 payload 提取错误摘要。
func TestApply_FailedRecordsErrorSummary(t *testing.T) {
	m := newQueuedMachine()
	m.Apply(lifecycleEvent(1, EventStarted))
	m.Apply(messageEvent(2, EventFailed, "model not found"))

	if got := m.Run().ErrorSummary; got != "model not found" {
		t.Errorf("ErrorSummary = %q, want %q", got, "model not found")
	}
}

// TestApply_WarningDedup 同一警告投递三次, 集合大小为 1。
func TestApply_WarningDedup(t *testing.T) {
	m := newQueuedMachine()
	for seq := int64(1); seq <= 3; seq++ {
		m.Apply(messageEvent(seq, EventWarning, "model may be incompatible"))
	}
	m.Apply(messageEvent(4, EventWarning, "another warning"))

	warnings := m.Run().Warnings
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v, want 2 distinct entries", warnings)
	}
	if warnings[0] != "model may be incompatible" || warnings[1] != "another warning" {
		t.Errorf("warnings order = %v, want insertion order", warnings)
	}
	if m.Status() != StatusQueued {
		t.Errorf("warning event changed status to %q", m.Status())
	}
}

// TestApply_BoundedLog 插入 N+k 条事件后日志恰为最近 N 条, 顺序不变。
func TestApply_BoundedLog(t *testing.T) {
	const logCap = 10
	const extra = 7
	m := NewMachineWithCap(Run{ID: "r-1", Provider: ProviderCodex}, logCap)

	for seq := int64(1); seq <= logCap+extra; seq++ {
		m.Apply(chunkEvent(seq, fmt.Sprintf("line-%d", seq)))
	}

	events := m.Events()
	if len(events) != logCap {
		t.Fatalf("log size = %d, want %d", len(events), logCap)
	}
	// 存活的应是最近 logCap 条且 seq 连续递增
	wantSeq := int64(extra + 1)
	for i, ev := range events {
		if ev.Seq != wantSeq+int64(i) {
			t.Fatalf("events[%d].Seq = %d, want %d", i, ev.Seq, wantSeq+int64(i))
		}
	}
}

// TestEvent_PayloadAccessors 事件 payload 访问器对缺失字段容忍。
func TestEvent_PayloadAccessors(t *testing.T) {
	ev := chunkEvent(1, "hello")
	if got := ev.Chunk(); got != "hello" {
		t.Errorf("Chunk = %q, want hello", got)
	}

	payload, _ := json.Marshal(map[string]string{"phase": PhaseComplete, "text": "done"})
	sem := Event{Seq: 2, Kind: EventSemantic, Payload: payload}
	phase, text := sem.SemanticPhase()
	if phase != PhaseComplete || text != "done" {
		t.Errorf("SemanticPhase = (%q, %q)", phase, text)
	}

	// 空 payload 不 panic
	empty := Event{Seq: 3, Kind: EventStdout}
	if empty.Chunk() != "" || empty.Message() != "" {
		t.Error("empty payload accessors should return zero values")
	}
}

// TestStatus_Predicates 终态/活跃谓词。
func TestStatus_Predicates(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCanceled} {
		if !s.Terminal() || s.Active() {
			t.Errorf("%q: Terminal=%v Active=%v, want true/false", s, s.Terminal(), s.Active())
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if s.Terminal() || !s.Active() {
			t.Errorf("%q: Terminal=%v Active=%v, want false/true", s, s.Terminal(), s.Active())
		}
	}
}

// TestProvider_Valid 封闭集合校验。
func TestProvider_Valid(t *testing.T) {
	if !ProviderCodex.Valid() || !ProviderClaude.Valid() {
		t.Error("known providers reported invalid")
	}
	if Provider("gemini").Valid() {
		t.Error("unknown provider reported valid")
	}
}
