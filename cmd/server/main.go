package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/duel-engine/internal"
	"github.com/koopa0/duel-engine/internal/migrations"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置檔路徑")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		migrateDB  = flag.Bool("migrate", true, "啟動時執行資料庫遷移")
	)
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 對戰儲存與使用者目錄：有 PostgreSQL 用 PostgreSQL，否則記憶體
	var (
		store internal.MatchStore
		users internal.UserDirectory
	)
	if cfg.Postgres.URL != "" {
		if *migrateDB {
			migrator, err := migrations.New(cfg.Postgres.URL, logger)
			if err != nil {
				logger.Error("create migrator failed", "error", err)
				os.Exit(1)
			}
			if err := migrator.Up(); err != nil {
				logger.Error("run migrations failed", "error", err)
				os.Exit(1)
			}
			_ = migrator.Close()
		}

		pg, err := internal.NewPostgresStore(ctx, cfg.Postgres.URL, logger)
		if err != nil {
			logger.Error("connect postgres failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		users = internal.NewPostgresUserDirectory(pg.Pool())
		logger.Info("match store ready", "backend", "postgres")
	} else {
		store = internal.NewMemoryMatchStore()
		users = internal.NewMemoryUserDirectory()
		logger.Info("match store ready", "backend", "memory")
	}

	// 房間註冊表
	registry := internal.NewRegistry(cfg, logger)

	// 配對佇列：有 Redis 走跨行程佇列，否則記憶體
	var queue internal.Matchmaker
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("connect redis failed", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		queue = internal.NewRedisQueue(client, registry, store, cfg, logger)
		logger.Info("matchmaking queue ready", "backend", "redis")
	} else {
		queue = internal.NewMemoryQueue(registry, store, logger)
		logger.Info("matchmaking queue ready", "backend", "memory")
	}

	// 廣播織網：有 NATS 跨節點廣播，否則只遞送本地
	var fabric internal.Fabric = internal.NoopFabric{}
	if cfg.NATS.URL != "" {
		nf, err := internal.NewNATSFabric(cfg.NATS.URL, hostname(), logger)
		if err != nil {
			logger.Error("connect nats failed", "error", err)
			os.Exit(1)
		}
		defer nf.Close()
		fabric = nf
		logger.Info("broadcast fabric ready", "backend", "nats")
	}

	identity := internal.NewHeaderIdentity("")

	hub, err := internal.NewHub(registry, fabric, identity, users, cfg, logger)
	if err != nil {
		logger.Error("create hub failed", "error", err)
		os.Exit(1)
	}

	rps := internal.NewRPSService(store, logger)
	handler := internal.NewHandler(registry, queue, rps, hub, identity, users, logger)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("game session server starting", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server start failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	hub.Stop()
	registry.Stop()

	logger.Info("server stopped")
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug",
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func hostname() string {
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "node"
}
