package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sudooom.collab/internal/audit"
	"sudooom.collab/internal/auth"
	"sudooom.collab/internal/config"
	"sudooom.collab/internal/gateway"
	collabnats "sudooom.collab/internal/nats"
	"sudooom.collab/internal/state"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", envOr("COLLAB_CONFIG", "configs/config.yaml"), "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	if cfg.Auth.TokenSecret == "" {
		logger.Error("auth.token_secret is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 共享状态：配置了 Redis 时多节点共享，否则单节点内存
	var store state.Store
	if cfg.Redis.Addr != "" {
		store = state.NewRedisStore(cfg.Redis, cfg.Collab.PresenceTTL, logger)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := store.Ping(pingCtx)
		pingCancel()
		if err != nil {
			logger.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	} else {
		store = state.NewMemoryStore()
		logger.Info("Using in-memory state, running as a single node")
	}
	defer store.Close()

	deps := gateway.Deps{
		Store: store,
		Auth:  auth.NewService(cfg.Auth.TokenSecret, cfg.Auth.TokenExpire),
	}

	// 跨节点事件转发
	if cfg.NATS.URL != "" {
		natsClient, err := collabnats.NewClient(cfg.NATS, logger)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)

		bridge := collabnats.NewBridge(natsClient, cfg.Server.NodeID, logger)
		defer bridge.Close()
		deps.Bridge = bridge
		deps.NATS = natsClient
	}

	// 审计日志
	if cfg.Database.DSN != "" {
		db, err := audit.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		sink := audit.NewPgSink(db)
		if err := sink.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to prepare audit schema", "error", err)
			os.Exit(1)
		}
		batcher := audit.NewBatcher(sink, audit.BatcherConfig{
			BatchSize:     cfg.Database.BatchSize,
			FlushInterval: cfg.Database.FlushInterval,
		}, logger)
		batcher.Start(ctx)
		defer batcher.Stop()
		deps.Audit = batcher
		logger.Info("Audit log enabled")
	}

	// 创建并启动网关
	srv := gateway.New(cfg, deps, logger)
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("Gateway failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("Collab gateway started",
		"addr", cfg.Server.Addr,
		"node_id", cfg.Server.NodeID,
		"webtransport", cfg.WebTransport.Enabled)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gateway...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	cancel()
	logger.Info("Gateway stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
