// Package engine 是 run 事件整合与转写重建的核心。
//
// 单点串行变更模型: 所有可变状态都在 Engine 的互斥锁内,
// 订阅事件、用户动作、detail 拉取完成三类输入依次进入,
// 任意两次变更不会交错执行。
//
// 数据单向流动: 订阅流 → 状态机 → 折叠器/会话提取 → 转写装配 → 上层。
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-console/go-console/internal/bus"
	"github.com/agent-console/go-console/internal/collapse"
	"github.com/agent-console/go-console/internal/harness"
	"github.com/agent-console/go-console/internal/run"
	"github.com/agent-console/go-console/internal/timeline"
	apperrors "github.com/agent-console/go-console/pkg/errors"
	"github.com/agent-console/go-console/pkg/logger"
	"github.com/agent-console/go-console/pkg/util"
)

// Persister 引擎侧需要的最小持久化接口 (由 store 实现, 可为 nil)。
//
// 内存状态对活跃 run 始终是权威; 持久化只负责跨进程留痕。
type Persister interface {
	// SaveRun 落盘 run 元数据 (upsert)。
	SaveRun(ctx context.Context, r run.Run) error
	// SaveConversation 落盘新建会话。
	SaveConversation(ctx context.Context, conversationID string, provider run.Provider, title string) error
	// AttachSessionHandle 把提取到的会话句柄挂到会话上。
	AttachSessionHandle(ctx context.Context, conversationID, handle string) error
}

// StartRequest 用户侧启动一次 Run 的请求。
type StartRequest struct {
	Provider       run.Provider `json:"provider"`
	Prompt         string       `json:"prompt"`
	Mode           run.Mode     `json:"mode"`
	Model          string       `json:"model,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
}

// RunView 暴露给上层的单 run 视图: 状态 + 折叠回复 + 警告 + 会话句柄。
type RunView struct {
	Run           run.Run `json:"run"`
	Reply         string  `json:"reply"`
	SessionHandle string  `json:"session_handle,omitempty"`
	HasDetail     bool    `json:"has_detail"`
}

// runState 单个 run 的引擎侧状态。
type runState struct {
	machine   *run.Machine
	reply     string
	session   string
	hasDetail bool
}

// Options 引擎配置。
type Options struct {
	// Workspace 启动 run 的工作区路径。为空时 StartRun 同步拒绝。
	Workspace string
	// LogCap 每 run 事件日志容量, 0 → run.DefaultLogCap。
	LogCap int
}

// Engine 整合引擎。
type Engine struct {
	mu sync.Mutex

	client     harness.Client
	pub        *bus.ResilientPublisher
	persister  Persister
	classifier *Classifier
	opts       Options

	runs  map[string]*runState
	order []string // run 创建顺序

	convSessions map[string]string // conversationID → 已提取句柄

	selection    string
	selectionGen uint64

	unsubscribe func()
}

// New 创建引擎。pub 必填; persister 可为 nil (纯内存运行)。
func New(client harness.Client, pub *bus.ResilientPublisher, persister Persister, opts Options) *Engine {
	return &Engine{
		client:       client,
		pub:          pub,
		persister:    persister,
		classifier:   NewClassifier(),
		opts:         opts,
		runs:         make(map[string]*runState),
		convSessions: make(map[string]string),
	}
}

// Classifier 返回注入的警告分类器 (供上层换规则)。
func (e *Engine) Classifier() *Classifier { return e.classifier }

// Start 建立共享事件订阅。
func (e *Engine) Start() error {
	unsub, err := e.client.Subscribe(e.HandleEvent)
	if err != nil {
		return apperrors.Wrap(err, "Engine.Start", "subscribe event stream")
	}
	e.mu.Lock()
	e.unsubscribe = unsub
	e.mu.Unlock()
	return nil
}

// Close 退订事件流。
func (e *Engine) Close() {
	e.mu.Lock()
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// ========================================
// 用户动作
// ========================================

// StartRun 校验前置条件后向 harness 提交一次调用。
//
// 前置失败同步拒绝, 不产生 Run。会话模式下自动续接已提取的
// 会话句柄; 无会话 ID 时铸造新会话。
func (e *Engine) StartRun(ctx context.Context, req StartRequest) (string, error) {
	const op = "Engine.StartRun"

	if !req.Provider.Valid() {
		return "", apperrors.WrapSentinel(apperrors.ErrInvalidInput, op, "unknown provider "+string(req.Provider))
	}
	if req.Prompt == "" {
		return "", apperrors.WrapSentinel(apperrors.ErrInvalidInput, op, "empty prompt")
	}
	if req.Mode == "" {
		req.Mode = run.ModeOneShot
	}
	if e.opts.Workspace == "" {
		return "", apperrors.WrapSentinel(apperrors.ErrNoWorkspace, op, "no workspace configured")
	}

	e.mu.Lock()
	conversationID := req.ConversationID
	newConversation := false
	if req.Mode == run.ModeSession && conversationID == "" {
		conversationID = uuid.NewString()
		newConversation = true
	}
	resumeHandle := e.convSessions[conversationID]
	e.mu.Unlock()

	runID, err := e.client.StartRun(ctx, harness.StartParams{
		Provider:       req.Provider,
		Prompt:         req.Prompt,
		Mode:           req.Mode,
		Model:          req.Model,
		ResumeHandle:   resumeHandle,
		ConversationID: conversationID,
		Workspace:      e.opts.Workspace,
	})
	if err != nil {
		return "", apperrors.Wrap(err, op, "submit run")
	}

	r := run.Run{
		ID:             runID,
		Provider:       req.Provider,
		Mode:           req.Mode,
		Status:         run.StatusQueued,
		Prompt:         req.Prompt,
		Model:          req.Model,
		ConversationID: conversationID,
		StartedAt:      time.Now(),
	}

	e.mu.Lock()
	e.trackLocked(r)
	e.mu.Unlock()

	e.pub.PublishRun(runID, "status", bus.MsgRunStatus, r)
	logger.Info("engine: run submitted",
		logger.FieldRunID, runID,
		logger.FieldProvider, string(req.Provider),
		logger.FieldMode, string(req.Mode),
		logger.FieldConversationID, conversationID)

	if e.persister != nil {
		persister := e.persister
		util.SafeGo(func() {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if newConversation {
				title := util.TruncateRunes(req.Prompt, 64)
				if err := persister.SaveConversation(pctx, conversationID, req.Provider, title); err != nil {
					logger.Warn("engine: save conversation failed",
						logger.FieldConversationID, conversationID, logger.FieldError, err)
				}
			}
			if err := persister.SaveRun(pctx, r); err != nil {
				logger.Warn("engine: save run failed", logger.FieldRunID, runID, logger.FieldError, err)
			}
		})
	}
	return runID, nil
}

// CancelRun 请求取消。终态 run → ErrRunInactive。
//
// 本地不立即变更状态 — 等 harness 的 canceled 事件走正常管线。
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	const op = "Engine.CancelRun"

	e.mu.Lock()
	st, ok := e.runs[runID]
	if !ok {
		e.mu.Unlock()
		return apperrors.WrapSentinel(apperrors.ErrNotFound, op, "unknown run "+runID)
	}
	if !st.machine.Status().Active() {
		e.mu.Unlock()
		return apperrors.WrapSentinel(apperrors.ErrRunInactive, op, "run already "+string(st.machine.Status()))
	}
	e.mu.Unlock()

	if err := e.client.CancelRun(ctx, runID); err != nil {
		return apperrors.Wrap(err, op, "cancel via harness")
	}
	return nil
}

// SendInput 向交互式会话发送输入。
func (e *Engine) SendInput(ctx context.Context, runID, text string) error {
	const op = "Engine.SendInput"

	if text == "" {
		return apperrors.WrapSentinel(apperrors.ErrInvalidInput, op, "empty input")
	}

	e.mu.Lock()
	st, ok := e.runs[runID]
	if !ok {
		e.mu.Unlock()
		return apperrors.WrapSentinel(apperrors.ErrNotFound, op, "unknown run "+runID)
	}
	if st.machine.Run().Mode != run.ModeSession {
		e.mu.Unlock()
		return apperrors.WrapSentinel(apperrors.ErrInvalidInput, op, "run is not an interactive session")
	}
	if !st.machine.Status().Active() {
		e.mu.Unlock()
		return apperrors.WrapSentinel(apperrors.ErrRunInactive, op, "run already "+string(st.machine.Status()))
	}
	e.mu.Unlock()

	if err := e.client.SendInput(ctx, runID, text); err != nil {
		return apperrors.Wrap(err, op, "send via harness")
	}
	return nil
}

// ========================================
// 事件消费
// ========================================

// HandleEvent 消费订阅流的一条事件。
//
// 每个 run 的子流独立处理; 跨 run 无全局顺序假设。
// 重放 (seq ≤ 已应用) 是 no-op。
func (e *Engine) HandleEvent(ev run.Event) {
	e.mu.Lock()
	st, ok := e.runs[ev.RunID]
	if !ok {
		e.mu.Unlock()
		logger.Debug("engine: drop event for unknown run",
			logger.FieldRunID, ev.RunID, logger.FieldSeq, ev.Seq)
		return
	}

	prev := st.machine.Status()
	if !st.machine.Apply(ev) {
		e.mu.Unlock()
		return
	}
	status := st.machine.Status()
	finalized := status.Terminal() && !prev.Terminal()
	if finalized {
		e.finalizeLocked(st)
	}
	r := st.machine.Run()
	reply := st.reply
	session := st.session
	e.mu.Unlock()

	// 发布在锁外, 订阅者回调不占引擎锁
	e.pub.PublishRun(ev.RunID, "event", bus.MsgRunEvent, ev)
	if status != prev {
		e.pub.PublishRun(ev.RunID, "status", bus.MsgRunStatus, r)
	}
	if ev.Kind == run.EventWarning {
		e.pub.PublishRun(ev.RunID, "warning", bus.MsgRunWarning, r.Warnings)
	}
	if finalized {
		e.pub.PublishRun(ev.RunID, "reply", bus.MsgReplyReady, map[string]string{"reply": reply})
		if session != "" {
			e.pub.PublishRun(ev.RunID, "session", bus.MsgSessionHandle, map[string]string{"handle": session})
		}
		if r.ConversationID != "" {
			e.pub.PublishConversation(r.ConversationID, bus.MsgTimelineUpdate, nil)
		}
		e.persistTerminal(r, session)
	}
}

// finalizeLocked 终态派生: 折叠回复、会话句柄提取、兼容性警告分类。
// 调用方持锁。
func (e *Engine) finalizeLocked(st *runState) {
	detail := st.machine.Detail()
	st.reply = collapse.Collapse(detail)
	st.hasDetail = true

	if handle := collapse.ExtractSessionHandle(detail); handle != "" {
		st.session = handle
		if conv := detail.Run.ConversationID; conv != "" {
			e.convSessions[conv] = handle
		}
	}

	if detail.Run.Status == run.StatusFailed {
		for _, w := range e.classifier.Classify(detail.Run.ErrorSummary + "\n" + st.reply) {
			st.machine.AddWarning(w)
		}
	}
}

// persistTerminal 终态落盘 (带会话句柄挂接), 异步执行。
func (e *Engine) persistTerminal(r run.Run, session string) {
	if e.persister == nil {
		return
	}
	persister := e.persister
	util.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := persister.SaveRun(ctx, r); err != nil {
			logger.Warn("engine: persist terminal run failed",
				logger.FieldRunID, r.ID, logger.FieldError, err)
		}
		if session != "" && r.ConversationID != "" {
			if err := persister.AttachSessionHandle(ctx, r.ConversationID, session); err != nil {
				logger.Warn("engine: attach session handle failed",
					logger.FieldConversationID, r.ConversationID, logger.FieldError, err)
			}
		}
	})
}

// ========================================
// 选中与 detail 拉取
// ========================================

// SelectRun 选中一个 run 并异步拉取其完整历史。
//
// 代际守卫: 拉取发起时记录代数, 结果返回时选中已变更 → 丢弃,
// 绝不覆盖更新选中的状态。
func (e *Engine) SelectRun(ctx context.Context, runID string) {
	e.mu.Lock()
	e.selection = runID
	e.selectionGen++
	gen := e.selectionGen
	e.mu.Unlock()

	util.SafeGo(func() {
		detail, err := e.client.FetchRunDetail(ctx, runID)

		e.mu.Lock()
		defer e.mu.Unlock()
		if gen != e.selectionGen {
			logger.Debug("engine: discard stale detail fetch", logger.FieldRunID, runID)
			return
		}
		if err != nil {
			logger.Warn("engine: detail fetch failed", logger.FieldRunID, runID, logger.FieldError, err)
			return
		}
		if detail == nil {
			logger.Warn("engine: detail fetch for unknown run", logger.FieldRunID, runID)
			return
		}
		e.integrateDetailLocked(*detail)
	})
}

// Selection 返回当前选中的 run ID。
func (e *Engine) Selection() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selection
}

// integrateDetailLocked 把拉取到的 RunDetail 合入引擎状态。
//
// 本地状态机已经应用了更高 seq 时保留本地日志, 只补齐派生字段;
// 否则以拉取结果重建状态机。
func (e *Engine) integrateDetailLocked(detail run.Detail) {
	var fetchedLast int64
	if n := len(detail.Events); n > 0 {
		fetchedLast = detail.Events[n-1].Seq
	}

	st, ok := e.runs[detail.Run.ID]
	if ok && st.machine.LastSeq() >= fetchedLast {
		// 本地更新鲜, 仅重算派生字段
		e.finalizeFromMachineLocked(st)
		return
	}

	m := run.NewMachineWithCap(detail.Run, e.opts.LogCap)
	for _, ev := range detail.Events {
		m.Apply(ev)
	}
	if !ok {
		st = &runState{}
		e.runs[detail.Run.ID] = st
		e.order = append(e.order, detail.Run.ID)
	}
	st.machine = m
	e.finalizeFromMachineLocked(st)
}

// finalizeFromMachineLocked 基于现有状态机重算回复/句柄并标记 detail 就绪。
func (e *Engine) finalizeFromMachineLocked(st *runState) {
	detail := st.machine.Detail()
	st.reply = collapse.Collapse(detail)
	st.hasDetail = true
	if handle := collapse.ExtractSessionHandle(detail); handle != "" {
		st.session = handle
		if conv := detail.Run.ConversationID; conv != "" {
			e.convSessions[conv] = handle
		}
	}
}

// ========================================
// 上层视图
// ========================================

// View 返回单 run 视图。
func (e *Engine) View(runID string) (RunView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.runs[runID]
	if !ok {
		return RunView{}, apperrors.WrapSentinel(apperrors.ErrNotFound, "Engine.View", "unknown run "+runID)
	}
	return RunView{
		Run:           st.machine.Run(),
		Reply:         st.reply,
		SessionHandle: st.session,
		HasDetail:     st.hasDetail,
	}, nil
}

// Views 按创建顺序返回所有 run 视图 (活跃列表)。
func (e *Engine) Views() []RunView {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RunView, 0, len(e.order))
	for _, id := range e.order {
		st := e.runs[id]
		out = append(out, RunView{
			Run:           st.machine.Run(),
			Reply:         st.reply,
			SessionHandle: st.session,
			HasDetail:     st.hasDetail,
		})
	}
	return out
}

// Timeline 装配一个会话的完整转写。
func (e *Engine) Timeline(conversationID string) []timeline.ChatMessage {
	return timeline.AssembleFiltered(e.entries(func(r run.Run) bool {
		return r.ConversationID == conversationID
	}), timeline.Filter{})
}

// LegacyTimeline 旧式非线程化聊天: provider+mode 过滤 + 时间栅栏。
func (e *Engine) LegacyTimeline(filter timeline.Filter) []timeline.ChatMessage {
	return timeline.AssembleFiltered(e.entries(nil), filter)
}

// SessionHandle 返回会话已提取的外部句柄 (可能为空)。
func (e *Engine) SessionHandle(conversationID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convSessions[conversationID]
}

// entries 按创建顺序收集装配条目。match 为 nil 时收集全部。
func (e *Engine) entries(match func(run.Run) bool) []timeline.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []timeline.Entry
	for _, id := range e.order {
		st := e.runs[id]
		r := st.machine.Run()
		if match != nil && !match(r) {
			continue
		}
		out = append(out, timeline.Entry{
			Run:       r,
			Reply:     st.reply,
			HasDetail: st.hasDetail,
		})
	}
	return out
}

// trackLocked 注册新 run。调用方持锁。
func (e *Engine) trackLocked(r run.Run) {
	if _, exists := e.runs[r.ID]; exists {
		return
	}
	e.runs[r.ID] = &runState{machine: run.NewMachineWithCap(r, e.opts.LogCap)}
	e.order = append(e.order, r.ID)
}
