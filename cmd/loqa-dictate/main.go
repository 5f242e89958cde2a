package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `loqa-dictate records push-to-talk dictation and races a streaming and a
batch recognizer for each session. Start and stop edges arrive on the bus;
committed text, refinements and session status are published back to it.

Usage: loqa-dictate [flags]

`)
		flag.PrintDefaults()
	}
	flag.StringVar(&configPath, "config", "loqa-dictation.yaml", "Dictation daemon config (YAML); LOQA_* env vars override it")
	flag.StringVar(&logLevel, "log-level", "", "Override telemetry.log_level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Print the daemon version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load dictation config", slog.String("path", configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Telemetry.LogLevel = logLevel
	}
	level.Set(parseLevel(cfg.Telemetry.LogLevel))
	logger = logger.With(slog.String("runtime", cfg.RuntimeName))

	logger.Info("starting dictation daemon",
		slog.String("version", version),
		slog.String("streaming", cfg.Streaming.Mode),
		slog.String("batch", cfg.Batch.Mode),
		slog.String("audio", cfg.Audio.Device))

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("dictation daemon stopped with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("dictation daemon stopped")
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
