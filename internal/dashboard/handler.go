// handler.go — 控制台 REST API handlers。
package dashboard

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-console/go-console/internal/engine"
	"github.com/agent-console/go-console/internal/run"
	"github.com/agent-console/go-console/internal/store"
	"github.com/agent-console/go-console/internal/timeline"
	apperrors "github.com/agent-console/go-console/pkg/errors"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/runs", s.listRuns)
	api.POST("/runs", s.startRun)
	api.GET("/runs/:id", s.getRun)
	api.POST("/runs/:id/cancel", s.cancelRun)
	api.POST("/runs/:id/input", s.sendInput)
	api.POST("/runs/:id/select", s.selectRun)

	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:id", s.getConversation)
	api.GET("/conversations/:id/timeline", s.conversationTimeline)
	api.POST("/conversations/:id/archive", s.archiveConversation)
	api.POST("/conversations/:id/unarchive", s.unarchiveConversation)

	api.GET("/timeline/legacy", s.legacyTimeline)
	api.GET("/providers", s.listProviders)
	api.GET("/health", s.health)

	api.GET("/events", s.sseHandler)
}

// queryLimit 从 query 读分页参数 (DRY)。
func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

// ========================================
// Runs
// ========================================

// listRuns 活跃列表默认来自内存 (对活跃 run 权威);
// source=persisted 时改查落盘历史 (provider/status 过滤)。
func (s *Server) listRuns(c *gin.Context) {
	if c.Query("source") == "persisted" {
		if s.stores == nil {
			success(c, []store.RunRecord{})
			return
		}
		items, err := s.stores.Runs.List(c.Request.Context(),
			c.Query("provider"), c.Query("status"), queryLimit(c, 100))
		if err != nil {
			serverError(c, err)
			return
		}
		success(c, items)
		return
	}
	success(c, s.engine.Views())
}

func (s *Server) startRun(c *gin.Context) {
	var req engine.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_input", err.Error())
		return
	}
	runID, err := s.engine.StartRun(c.Request.Context(), req)
	if err != nil {
		actionError(c, err)
		return
	}
	created(c, gin.H{"run_id": runID})
}

// getRun 内存视图优先; 引擎不认识且有落盘时回落到 runs 表
// (跨进程重启后的历史 run 依然可查)。
func (s *Server) getRun(c *gin.Context) {
	view, err := s.engine.View(c.Param("id"))
	if err == nil {
		success(c, view)
		return
	}
	if s.stores != nil && apperrors.Is(err, apperrors.ErrNotFound) {
		rec, derr := s.stores.Runs.Get(c.Request.Context(), c.Param("id"))
		if derr != nil {
			serverError(c, derr)
			return
		}
		if rec != nil {
			success(c, rec)
			return
		}
	}
	actionError(c, err)
}

func (s *Server) cancelRun(c *gin.Context) {
	if err := s.engine.CancelRun(c.Request.Context(), c.Param("id")); err != nil {
		actionError(c, err)
		return
	}
	success(c, nil)
}

func (s *Server) sendInput(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid_input", err.Error())
		return
	}
	if err := s.engine.SendInput(c.Request.Context(), c.Param("id"), body.Text); err != nil {
		actionError(c, err)
		return
	}
	success(c, nil)
}

// selectRun 选中 run 并触发异步 detail 拉取 (结果经 SSE 到达)。
func (s *Server) selectRun(c *gin.Context) {
	s.engine.SelectRun(c.Request.Context(), c.Param("id"))
	success(c, gin.H{"selected": c.Param("id")})
}

// ========================================
// Conversations & Timeline
// ========================================

func (s *Server) listConversations(c *gin.Context) {
	if s.stores == nil {
		success(c, []store.ConversationRecord{})
		return
	}
	includeArchived := c.Query("include_archived") == "true"
	items, err := s.stores.Conversations.List(c.Request.Context(),
		c.Query("provider"), c.Query("keyword"), includeArchived, queryLimit(c, 100))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

// getConversation 会话详情: 落盘记录 + 会话内 run 全序。
func (s *Server) getConversation(c *gin.Context) {
	if s.stores == nil {
		notFound(c, "persistence disabled")
		return
	}
	conv, err := s.stores.Conversations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		serverError(c, err)
		return
	}
	if conv == nil {
		notFound(c, "unknown conversation")
		return
	}
	runs, err := s.stores.Runs.ListByConversation(c.Request.Context(), c.Param("id"), queryLimit(c, 200))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"conversation": conv, "runs": runs})
}

func (s *Server) conversationTimeline(c *gin.Context) {
	msgs := s.engine.Timeline(c.Param("id"))
	if msgs == nil {
		msgs = []timeline.ChatMessage{}
	}
	success(c, gin.H{
		"messages":       msgs,
		"session_handle": s.engine.SessionHandle(c.Param("id")),
	})
}

func (s *Server) archiveConversation(c *gin.Context) {
	if s.stores == nil {
		notFound(c, "persistence disabled")
		return
	}
	if err := s.stores.Conversations.Archive(c.Request.Context(), c.Param("id")); err != nil {
		serverError(c, err)
		return
	}
	success(c, nil)
}

func (s *Server) unarchiveConversation(c *gin.Context) {
	if s.stores == nil {
		notFound(c, "persistence disabled")
		return
	}
	if err := s.stores.Conversations.Unarchive(c.Request.Context(), c.Param("id")); err != nil {
		serverError(c, err)
		return
	}
	success(c, nil)
}

// listProviders 筛选器下拉: 落盘时取会话表去重值, 否则返回封闭集合。
func (s *Server) listProviders(c *gin.Context) {
	if s.stores == nil {
		success(c, []string{string(run.ProviderCodex), string(run.ProviderClaude)})
		return
	}
	values, err := store.DistinctValues(c.Request.Context(),
		s.stores.Conversations.Pool(), "conversations", "provider")
	if err != nil {
		serverError(c, err)
		return
	}
	if values == nil {
		values = []string{}
	}
	success(c, values)
}

// health 服务健康: 总线降级积压量 (纯内存部署恒为 0)。
func (s *Server) health(c *gin.Context) {
	pending := 0
	if s.stores != nil {
		n, err := s.stores.BusPending.CountPending(c.Request.Context())
		if err != nil {
			serverError(c, err)
			return
		}
		pending = n
	}
	success(c, gin.H{"status": "ok", "pending_messages": pending})
}

// legacyTimeline 旧式非线程化聊天: provider+mode 过滤 + start_after 时间栅栏。
func (s *Server) legacyTimeline(c *gin.Context) {
	filter := timeline.Filter{
		Provider: run.Provider(c.Query("provider")),
		Mode:     run.Mode(c.Query("mode")),
	}
	if raw := c.Query("start_after"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "invalid_input", "start_after must be RFC3339")
			return
		}
		filter.StartAfter = ts
	}
	msgs := s.engine.LegacyTimeline(filter)
	if msgs == nil {
		msgs = []timeline.ChatMessage{}
	}
	success(c, msgs)
}
