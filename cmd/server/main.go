// cmd/server — 控制台主入口: harness 网关 + 整合引擎 + HTTP API/SSE。
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/agent-console/go-console/internal/bus"
	"github.com/agent-console/go-console/internal/config"
	"github.com/agent-console/go-console/internal/dashboard"
	"github.com/agent-console/go-console/internal/database"
	"github.com/agent-console/go-console/internal/engine"
	"github.com/agent-console/go-console/internal/harness"
	"github.com/agent-console/go-console/internal/store"
	"github.com/agent-console/go-console/pkg/logger"
	"github.com/agent-console/go-console/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			logger.Warn("file logging disabled", logger.FieldError, err)
		}
	}

	// PostgreSQL 可选: 连接串缺失 → 纯内存运行
	var stores *store.Store
	var fallback bus.FallbackStore
	var persister engine.Persister
	if cfg.PostgresConnStr != "" {
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
			logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
		}
		stores = store.New(pool)
		fallback = stores.BusPending
		persister = stores
	} else {
		logger.Warn("no POSTGRES_CONNECTION_STRING, running in-memory only")
	}

	// 进程内消息总线 (带 DB 降级)
	mb := bus.NewMessageBus()
	pub := bus.NewResilientPublisher(mb, fallback)
	pub.Start(ctx)
	defer pub.Stop()

	// Harness 网关 + 整合引擎
	client := harness.NewGatewayClient(cfg.GatewayBaseURL, cfg.GatewayWSURL,
		time.Duration(cfg.GatewayTimeoutSec)*time.Second)
	eng := engine.New(client, pub, persister, engine.Options{
		Workspace: cfg.Workspace,
		LogCap:    cfg.RunEventLogCap,
	})
	if err := eng.Start(); err != nil {
		logger.Fatal("event subscription failed", logger.Any(logger.FieldError, err))
	}
	defer eng.Close()

	// HTTP API + SSE, 总线消息桥接到 SSE
	srv := dashboard.NewServer(eng, stores)
	srv.BridgeMessageBus(mb)

	logger.Info("console starting", logger.FieldListen, cfg.ListenAddr)
	util.SafeGo(func() {
		if err := srv.Engine().Run(cfg.ListenAddr); err != nil {
			logger.Fatal("server failed", logger.Any(logger.FieldError, err))
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
}
