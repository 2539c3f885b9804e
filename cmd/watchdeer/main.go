// Command watchdeer runs the check-execution agent: a scheduler that
// selects due checks, a runner that executes them against the
// configured store, and a cleaner that prunes old results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/watchdeer/watchdeer/internal/agent"
	"github.com/watchdeer/watchdeer/internal/notifier"
	"github.com/watchdeer/watchdeer/internal/seed"
	"github.com/watchdeer/watchdeer/internal/store"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dbDSN             = flag.String("db", "", "store DSN: a filesystem path for the embedded store, or a postgres:// URL")
		interval          = flag.Uint64("interval", 5, "scheduler poll interval in seconds")
		cleanupInterval   = flag.Uint64("cleanup-interval", 3600, "cleaner run interval in seconds")
		retentionPeriod   = flag.Int64("retention-period", 86400, "how long, in seconds, to keep results")
		batchSize         = flag.Int("batch-size", 1000, "max rows the cleaner deletes per pass, and the scheduler's max due-check batch")
		disableCleaner    = flag.Bool("disable-cleaner", false, "disable the background result-retention cleaner")
		logLevel          = flag.String("log-level", "info", "zap log level: debug, info, warn, error")
		enableTelegram    = flag.Bool("enable-telegram", false, "send failure notifications to Telegram (requires TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID)")
		seedConfig        = flag.String("seed-config", "", "optional HCL file describing services/checks to create at startup")
		runnerConcurrency = flag.Int("runner-concurrency", 0, "max checks executed concurrently within a batch (0 = default)")
	)
	flag.Parse()

	log, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "watchdeer: invalid log level:", err)
		return exitStartup
	}
	defer log.Sync()

	if *dbDSN == "" {
		log.Error("--db is required")
		return exitStartup
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.Open(ctx, *dbDSN)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		return exitStartup
	}
	defer s.Close()

	if *seedConfig != "" {
		src, err := os.ReadFile(*seedConfig)
		if err != nil {
			log.Error("failed to read seed config", zap.String("path", *seedConfig), zap.Error(err))
			return exitStartup
		}
		cfg, err := seed.Parse(*seedConfig, src)
		if err != nil {
			log.Error("failed to parse seed config", zap.Error(err))
			return exitStartup
		}
		if err := seed.Apply(ctx, s, cfg); err != nil {
			log.Error("failed to apply seed config", zap.Error(err))
			return exitStartup
		}
	}

	sink, err := buildNotifySink(*enableTelegram, log)
	if err != nil {
		log.Error("failed to configure notifier", zap.Error(err))
		return exitStartup
	}

	a := agent.New(s, log, agent.Options{
		PollIntervalSeconds:    *interval,
		CleanupIntervalSeconds: *cleanupInterval,
		RetentionPeriodSeconds: *retentionPeriod,
		BatchSize:              *batchSize,
		DisableCleaner:         *disableCleaner,
		RunnerConcurrency:      *runnerConcurrency,
		NotifySink:             sink,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		log.Error("agent exited with an error", zap.Error(err))
		return exitRuntime
	}

	return exitOK
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func buildNotifySink(enableTelegram bool, log *zap.Logger) (notifier.Sink, error) {
	if !enableTelegram {
		return notifier.NewLoggingSink(log), nil
	}
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatID == "" {
		return nil, fmt.Errorf("--enable-telegram requires TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID")
	}
	return notifier.NewTelegramSink(token, chatID), nil
}
