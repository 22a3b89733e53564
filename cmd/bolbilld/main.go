package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bolbill/bolbill/internal/config"
	"github.com/bolbill/bolbill/internal/conversation"
	"github.com/bolbill/bolbill/internal/kv"
	"github.com/bolbill/bolbill/internal/kv/memory"
	"github.com/bolbill/bolbill/internal/kv/redis"
	"github.com/bolbill/bolbill/internal/kv/sqlite"
	"github.com/bolbill/bolbill/internal/scheduler"
	"github.com/bolbill/bolbill/internal/session"
)

const appVersion = "0.1.0"

var (
	version    = flag.Bool("version", false, "Print version and exit")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	configPath = flag.String("config", "", "Path to YAML config file")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("bolbilld v%s\n", appVersion)
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Logging, *debug)
	slog.SetDefault(logger)

	logger.Info("Starting bolbilld",
		"version", appVersion,
		"debug", *debug,
		"storage_backend", cfg.Storage.Backend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := newBackend(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open storage backend: %v", err)
	}

	store := conversation.New(backend, conversation.Config{
		TTL:             cfg.Conversation.TTL,
		HistoryCap:      cfg.Conversation.HistoryCap,
		RecentEntityCap: cfg.Conversation.RecentEntityCap,
	}, logger)

	// The language layer and the billing engine live outside this process.
	// Until their transports are wired in, stand-ins keep the pipeline
	// exercisable end to end.
	coord := session.New(store, passthroughUnderstander{}, nil, logger, session.Config{
		StatsInterval:   cfg.Session.StatsInterval,
		SummaryMessages: cfg.Session.SummaryMessages,
	})

	sched := scheduler.New(acknowledgingExecutor{}, coord, nil, logger, scheduler.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		MaxInFlight:   cfg.Scheduler.MaxInFlight,
		ExecTimeout:   cfg.Scheduler.ExecTimeout,
		Retention:     cfg.Scheduler.Retention,
	})
	coord.BindScheduler(sched)

	sched.Start()
	coord.Start()

	logger.Info("Session core initialized",
		"max_concurrent", cfg.Scheduler.MaxConcurrent,
		"conversation_ttl", cfg.Conversation.TTL,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", "signal", sig.String())

	coord.Stop()
	sched.Stop()
	if err := backend.Close(); err != nil {
		logger.Error("Storage backend close failed", "error", err)
	}
	logger.Info("Shutdown complete")
}

func newLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func newBackend(ctx context.Context, cfg config.StorageConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "redis":
		return redis.New(ctx, cfg.RedisURL)
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath)
	default:
		return memory.New(), nil
	}
}

// passthroughUnderstander wraps the transcript into a note command without
// interpreting it. Replaced by the real language layer client.
type passthroughUnderstander struct{}

func (passthroughUnderstander) Understand(ctx context.Context, in session.UnderstandInput) (session.Understanding, error) {
	payload, err := json.Marshal(map[string]string{"transcript": in.Transcript})
	if err != nil {
		return session.Understanding{}, err
	}
	return session.Understanding{
		Intent:   "note",
		Payload:  payload,
		Priority: scheduler.PriorityNormal,
	}, nil
}

// acknowledgingExecutor accepts every command without executing anything.
// Replaced by the billing engine client.
type acknowledgingExecutor struct{}

func (acknowledgingExecutor) Execute(ctx context.Context, conversationID string, payload json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"reply":"Okay, noted."}`), nil
}
