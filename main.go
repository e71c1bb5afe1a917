// Command backend is the main entrypoint for the loomy API and background workers.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Registers the YouTube platform adapter and (when configured) the RAG
//     reply pipeline.
//   - Starts background workers: poll scheduler, reply workers, stream
//     discovery, stale-session reaper, retention sweep, token refresher.
//   - Serves the HTTP API until SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/loomy/backend/config"
	"github.com/onnwee/loomy/backend/db"
	"github.com/onnwee/loomy/backend/oauth"
	"github.com/onnwee/loomy/backend/platform"
	"github.com/onnwee/loomy/backend/quota"
	"github.com/onnwee/loomy/backend/rag"
	"github.com/onnwee/loomy/backend/server"
	"github.com/onnwee/loomy/backend/session"
	"github.com/onnwee/loomy/backend/telemetry"
	"github.com/onnwee/loomy/backend/youtubeapi"
)

func setupLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	_ = godotenv.Load()
	setupLogger()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(ctx)
	if err != nil {
		slog.Error("tracing init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutCtx); err != nil {
			slog.Warn("tracing shutdown failed", slog.Any("err", err))
		}
	}()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("database connect failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("database unreachable", slog.Any("err", err))
		os.Exit(1)
	}
	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("database ready")

	if err := cfg.ValidateYouTubeReady(); err != nil {
		slog.Error("youtube credentials missing", slog.Any("err", err))
		os.Exit(1)
	}
	yt, err := youtubeapi.New(cfg)
	if err != nil {
		slog.Error("youtube adapter init failed", slog.Any("err", err))
		os.Exit(1)
	}
	platform.Register(platform.YouTube, yt)

	deps := &session.Deps{DB: database, Cfg: cfg}
	var engine *rag.Engine
	if err := cfg.ValidateRAGReady(); err != nil {
		slog.Warn("rag pipeline disabled", slog.Any("err", err))
	} else {
		engine, err = rag.New(cfg)
		if err != nil {
			slog.Error("rag init failed", slog.Any("err", err))
			os.Exit(1)
		}
		engine.SetUsageTracker(func(ctx context.Context, requests int, cost float64) {
			if err := quota.Track(ctx, database, requests, cost); err != nil {
				slog.Warn("quota tracking failed", slog.Any("err", err))
			}
		})
		deps.Responder = engine
		slog.Info("rag pipeline ready",
			slog.String("chat_model", cfg.ChatModel),
			slog.String("embedding_model", cfg.EmbeddingModel))
	}

	go session.StartPollWorker(ctx, deps)
	session.StartReplyWorkers(ctx, deps, cfg.ReplyWorkers)
	go session.StartDiscoveryJob(ctx, deps)
	go session.StartReaperJob(ctx, deps)
	go session.StartRetentionJob(ctx, deps)
	go oauth.StartRefresher(ctx, database, cfg, 6*time.Hour)

	srv := server.New(database, cfg, deps, engine)
	if err := srv.Start(ctx); err != nil {
		slog.Error("http server failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
