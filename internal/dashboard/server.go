// Package dashboard 提供控制台 HTTP API + SSE 推送。
package dashboard

import (
	"github.com/gin-gonic/gin"

	"github.com/agent-console/go-console/internal/bus"
	"github.com/agent-console/go-console/internal/engine"
	"github.com/agent-console/go-console/internal/store"
)

// Server 控制台 HTTP 服务。
type Server struct {
	router *gin.Engine
	engine *engine.Engine
	stores *store.Store // 可为 nil (纯内存部署)
	bus    *EventBus
}

// NewServer 创建控制台服务。stores 传 nil 时会话列表等持久化端点返回空集。
func NewServer(eng *engine.Engine, stores *store.Store) *Server {
	r := gin.Default()
	s := &Server{router: r, engine: eng, stores: stores, bus: NewEventBus()}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Bus 返回 SSE 事件总线。
func (s *Server) Bus() *EventBus { return s.bus }

// BridgeMessageBus 把进程内消息总线的每条消息转发到 SSE。
//
// 经由 SetOnPublish 全局回调 — 订阅者通道容量与 SSE 下发解耦。
func (s *Server) BridgeMessageBus(mb *bus.MessageBus) {
	mb.SetOnPublish(func(msg bus.Message) {
		s.bus.Publish(Event{Type: msg.Type, Data: msg})
	})
}
