// machine.go — Run 生命周期状态机 + 有界事件日志。
package run

import (
	"time"
)

// DefaultLogCap 事件日志默认容量。超出后整批截断最旧条目,
// 为长时/高频输出的 run 保留最近窗口。
const DefaultLogCap = 2000

// Machine 单个 Run 的事件溯源状态机。
//
// 非并发安全 — 所有变更由上层 (engine) 串行驱动;
// 各 run 的 Machine 相互独立, 无跨 run 共享可变状态。
type Machine struct {
	run      Run
	events   []Event
	logCap   int
	lastSeq  int64
	warnings map[string]struct{} // 按值去重
}

// NewMachine 以初始 Run (status=queued) 创建状态机。
func NewMachine(r Run) *Machine {
	return NewMachineWithCap(r, DefaultLogCap)
}

// NewMachineWithCap 指定事件日志容量创建状态机 (测试用)。
func NewMachineWithCap(r Run, logCap int) *Machine {
	if r.Status == "" {
		r.Status = StatusQueued
	}
	if logCap <= 0 {
		logCap = DefaultLogCap
	}
	return &Machine{
		run:      r,
		logCap:   logCap,
		warnings: make(map[string]struct{}),
	}
}

// Apply 幂等应用一条事件。
//
// seq ≤ 已应用最高 seq 的事件视为重放, 完全不改变状态, 返回 false。
// 生命周期事件对已终态的 run 是 no-op (防御重复投递), 但事件本身
// 仍计入日志窗口 (返回 true)。
func (m *Machine) Apply(ev Event) bool {
	if ev.Seq <= m.lastSeq {
		return false
	}
	m.lastSeq = ev.Seq

	m.appendEvent(ev)

	switch ev.Kind {
	case EventStarted:
		if m.run.Status == StatusQueued {
			m.run.Status = StatusRunning
		}
	case EventCompleted:
		m.transitionTerminal(StatusCompleted, ev.Ts)
	case EventFailed:
		if m.transitionTerminal(StatusFailed, ev.Ts) {
			if msg := ev.Message(); msg != "" {
				m.run.ErrorSummary = msg
			}
		}
	case EventCanceled:
		m.transitionTerminal(StatusCanceled, ev.Ts)
	case EventWarning:
		m.addWarning(ev.Message())
	case EventStdout, EventStderr, EventSemantic:
		// 仅入日志, 状态不变
	}
	return true
}

// transitionTerminal 尝试进入终态。已终态则 no-op。
func (m *Machine) transitionTerminal(to Status, ts time.Time) bool {
	if m.run.Status.Terminal() {
		return false
	}
	m.run.Status = to
	if ts.IsZero() {
		ts = time.Now()
	}
	ended := ts
	m.run.EndedAt = &ended
	return true
}

// addWarning 将警告按值插入集合, 重复投递只记一次。
func (m *Machine) addWarning(msg string) {
	if msg == "" {
		return
	}
	if _, seen := m.warnings[msg]; seen {
		return
	}
	m.warnings[msg] = struct{}{}
	m.run.Warnings = append(m.run.Warnings, msg)
}

// AddWarning 供上层 (兼容性分类器) 直接注入警告, 同样按值去重。
func (m *Machine) AddWarning(msg string) { m.addWarning(msg) }

// appendEvent 追加事件, 超容量时整批左移截断 (复用底层数组, 不重排存活事件)。
func (m *Machine) appendEvent(ev Event) {
	m.events = append(m.events, ev)
	if len(m.events) > m.logCap {
		drop := len(m.events) - m.logCap
		n := copy(m.events, m.events[drop:])
		m.events = m.events[:n]
	}
}

// Run 返回当前 Run 快照 (含警告副本)。
func (m *Machine) Run() Run {
	r := m.run
	if len(m.run.Warnings) > 0 {
		r.Warnings = append([]string(nil), m.run.Warnings...)
	}
	return r
}

// Status 返回当前状态。
func (m *Machine) Status() Status { return m.run.Status }

// LastSeq 返回已应用的最高序列号。
func (m *Machine) LastSeq() int64 { return m.lastSeq }

// Events 返回事件日志副本 (seq 有序)。
func (m *Machine) Events() []Event {
	return append([]Event(nil), m.events...)
}

// Detail 返回 Run + 事件日志的聚合快照。
func (m *Machine) Detail() Detail {
	return Detail{Run: m.Run(), Events: m.Events()}
}
