package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nelssec/gapscan/internal/api"
	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/notifications"
	"github.com/nelssec/gapscan/internal/queue"
	"github.com/nelssec/gapscan/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	withWorker := flag.Bool("worker", true, "Run a discovery worker alongside the API")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gapscan-server v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	server, err := api.NewServer(cfg, api.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize server: %v\n", err)
		os.Exit(1)
	}

	var worker *queue.Worker
	if *withWorker {
		worker, err = buildWorker(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize worker: %v\n", err)
			os.Exit(1)
		}
		if err := worker.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start worker: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("starting gapscan server", "host", cfg.Server.Host, "port", cfg.Server.Port, "worker", *withWorker)
	err = server.Run(ctx)

	if worker != nil {
		worker.Stop()
	}
	if closeErr := server.Close(); closeErr != nil {
		logger.Warn("closing server resources", "error", closeErr)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// buildWorker wires a worker with its own store and queue connections so
// its lifecycle is independent of the API server's.
func buildWorker(cfg *config.Config, logger *slog.Logger) (*queue.Worker, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}

	notifier := notifications.NewService(notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
			Username:   "Gapscan Bot",
			IconEmoji:  ":mag:",
			Enabled:    cfg.Notifications.Slack.Enabled,
		},
		Email: notifications.EmailConfig{
			SMTPHost: cfg.Notifications.Email.SMTPHost,
			SMTPPort: cfg.Notifications.Email.SMTPPort,
			Username: cfg.Notifications.Email.Username,
			Password: cfg.Notifications.Email.Password,
			From:     cfg.Notifications.Email.From,
			To:       cfg.Notifications.Email.To,
			Enabled:  cfg.Notifications.Email.Enabled,
		},
		HighPriorityThreshold: cfg.Notifications.MinScore,
	}, logger)

	return queue.NewWorker(queue.WorkerConfig{
		Queue:    q,
		Store:    st,
		Config:   cfg,
		Notifier: notifier,
	}), nil
}
