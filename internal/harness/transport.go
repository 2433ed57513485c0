// transport.go — WebSocket 订阅: 连接、读循环、有界退避重连。
package harness

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-console/go-console/internal/run"
	apperrors "github.com/agent-console/go-console/pkg/errors"
	"github.com/agent-console/go-console/pkg/logger"
	"github.com/agent-console/go-console/pkg/util"
)

const (
	wsHandshakeTimeout  = 5 * time.Second
	wsReadIdleTimeout   = 90 * time.Second
	wsPingInterval      = 30 * time.Second
	reconnectBaseDelay  = 500 * time.Millisecond
	reconnectMaxDelay   = 15 * time.Second
	reconnectMaxRetries = 8
)

// Subscribe 建立事件订阅。
//
// 单条 WebSocket 连接承载所有 run 的事件; 连接断开后按指数退避
// 重连, 重试耗尽才放弃。返回的退订函数幂等。
func (c *GatewayClient) Subscribe(handler EventHandler) (func(), error) {
	if handler == nil {
		return nil, apperrors.New("GatewayClient.Subscribe", "nil handler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := c.dialWS(ctx)
	if err != nil {
		cancel()
		return nil, apperrors.Wrap(err, "GatewayClient.Subscribe", "ws connect")
	}

	// live 跟踪当前活跃连接 — 重连后退订依然能立即关掉新连接,
	// 而不是等读超时才发现 ctx 已取消。
	var live atomic.Pointer[websocket.Conn]
	live.Store(conn)

	var stopped atomic.Bool
	unsubscribe := func() {
		if stopped.CompareAndSwap(false, true) {
			cancel()
			if cur := live.Load(); cur != nil {
				_ = cur.Close()
			}
		}
	}

	util.SafeGo(func() { c.readLoop(ctx, &live, handler, &stopped) })
	util.SafeGo(func() { pingLoop(ctx, conn) })
	logger.Info("harness: event subscription established", logger.FieldURL, c.wsURL)
	return unsubscribe, nil
}

func (c *GatewayClient) dialWS(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: wsHandshakeTimeout}).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsReadIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadIdleTimeout))
		return nil
	})
	return conn, nil
}

// readLoop 解码事件帧并派发; 连接断开时尝试重连。
func (c *GatewayClient) readLoop(ctx context.Context, live *atomic.Pointer[websocket.Conn], handler EventHandler, stopped *atomic.Bool) {
	conn := live.Load()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if stopped.Load() || ctx.Err() != nil {
				return
			}
			logger.Warn("harness: event stream broken", logger.FieldError, err)
			next, ok := c.reconnect(ctx, stopped)
			if !ok {
				logger.Error("harness: reconnect exhausted, subscription dead")
				return
			}
			live.Store(next)
			// 退订可能发生在重连成功与 Store 之间, 此处补关
			if stopped.Load() {
				_ = next.Close()
				return
			}
			conn = next
			continue
		}

		var ev run.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			// 坏帧跳过, 不中断订阅
			logger.Warn("harness: drop malformed event frame",
				logger.FieldError, err, logger.FieldDataLen, len(raw))
			continue
		}
		if ev.RunID == "" {
			continue
		}
		handler(ev)
	}
}

// reconnect 指数退避重连, 上限 reconnectMaxRetries 次。
func (c *GatewayClient) reconnect(ctx context.Context, stopped *atomic.Bool) (*websocket.Conn, bool) {
	for attempt := 1; attempt <= reconnectMaxRetries; attempt++ {
		if stopped.Load() || ctx.Err() != nil {
			return nil, false
		}
		if !sleepWithContext(ctx, reconnectDelay(attempt)) {
			return nil, false
		}
		conn, err := c.dialWS(ctx)
		if err == nil {
			util.SafeGo(func() { pingLoop(ctx, conn) })
			logger.Info("harness: event stream reconnected", "attempt", attempt)
			return conn, true
		}
		logger.Warn("harness: reconnect attempt failed",
			"attempt", attempt, "max_retries", reconnectMaxRetries, logger.FieldError, err)
	}
	return nil, false
}

// reconnectDelay 第 attempt 次重连前的退避时长。
func reconnectDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return reconnectBaseDelay
	}
	delay := reconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	return delay
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// pingLoop 周期性发送 ping 维持读超时窗口。连接更换后旧循环随写失败退出。
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsHandshakeTimeout)); err != nil {
				return
			}
		}
	}
}
