package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemyapp/dwarf-link/internal/config"
	"github.com/telemyapp/dwarf-link/internal/jobs"
	"github.com/telemyapp/dwarf-link/internal/logger"
	"github.com/telemyapp/dwarf-link/internal/store"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.StateBackend != config.BackendPostgres {
		log.Error("retention worker requires the postgres backend", "event", "startup_failed", "backend", cfg.StateBackend)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("connect db failed", "event", "startup_failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Error("ping db failed", "event", "startup_failed", "err", err)
		os.Exit(1)
	}

	st := store.New(pool)
	day := 24 * time.Hour
	runner := jobs.NewRunner(log)
	runner.Add("connection_event_retention", time.Hour, jobs.EventRetention(st, time.Duration(cfg.EventRetentionDays)*day, log))
	runner.Add("stale_device_state_prune", 6*time.Hour, jobs.StatePrune(st, time.Duration(cfg.StateRetentionDays)*day, log))
	runner.Start(ctx)

	log.Info("dwarf-link jobs worker started", "event", "startup")
	<-ctx.Done()
	log.Info("dwarf-link jobs worker stopping", "event", "shutdown")
}
