package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"authmon/internal/api"
	"authmon/internal/config"
	"authmon/internal/health"
	"authmon/internal/ingest"
	"authmon/internal/logging"
	"authmon/internal/model"
	"authmon/internal/monitor"
	"authmon/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config (defaults to $AUTHMON_CONFIG)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	manager, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg := manager.Get()

	lvl := new(slog.LevelVar)
	lvl.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(os.Stdout, "authmon", lvl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, manager, lvl, logger); err != nil {
		logger.Error("authmon exited", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		v, err := config.RequireEnv("CONFIG", func(s string) (string, error) {
			if s == "" {
				return "", errors.New("empty path")
			}
			return s, nil
		})
		if err == nil {
			path = v
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, err
		}
		return config.NewStaticManager(cfg), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

func run(ctx context.Context, manager *config.Manager, lvl *slog.LevelVar, logger *slog.Logger) error {
	cfg := manager.Get()

	var audit monitor.AuditSink = logging.NewAuditLogger(logger)
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := store.Init(initCtx)
		cancel()
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("storage init: %w", err)
		}
		defer store.Close()
		audit = store
		logger.Info("audit store ready", "driver", cfg.Storage.Driver)
	} else {
		logger.Info("audit store disabled, writing audit records to the log")
	}

	m, err := monitor.New(cfg, monitor.Options{
		Logger:     logger,
		Audit:      audit,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}

	if cfg.SessionStore.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.SessionStore.Addr, DB: cfg.SessionStore.DB})
		defer client.Close()
		if err := m.RegisterCheck(health.RedisCheck(client)); err != nil {
			return fmt.Errorf("session store check: %w", err)
		}
		logger.Info("session store health check enabled", "addr", cfg.SessionStore.Addr)
	}

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer m.Stop()

	events := make(chan model.Event, cfg.Ingest.ChannelBuffer)
	sink := ingest.ChannelSink(events, logger)
	ingest.StartREST(ctx, cfg.Ingest.REST, sink, nil, logger)
	ingest.StartKafka(ctx, cfg.Ingest.Kafka, sink, nil, logger)
	api.Start(ctx, manager, m, logger, version)

	go manager.Watch(0, func(next *config.Config) {
		lvl.Set(logging.ParseLevel(next.LogLevel))
		_ = m.ApplyAlertConfig(next.Alerts)
		logger.Info("config reloaded", "path", manager.Path(), "log_level", next.LogLevel)
	}, func(err error) {
		logger.Warn("config reload failed", "error", err)
	}, ctx.Done())

	logger.Info("authmon started", "version", version)
	err = m.Run(ctx, events)
	logger.Info("authmon shutting down")
	return err
}
