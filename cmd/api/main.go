package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemyapp/dwarf-link/internal/api"
	"github.com/telemyapp/dwarf-link/internal/channel"
	"github.com/telemyapp/dwarf-link/internal/config"
	"github.com/telemyapp/dwarf-link/internal/device"
	"github.com/telemyapp/dwarf-link/internal/jobs"
	"github.com/telemyapp/dwarf-link/internal/logger"
	"github.com/telemyapp/dwarf-link/internal/mirror"
	"github.com/telemyapp/dwarf-link/internal/orchestrator"
	"github.com/telemyapp/dwarf-link/internal/relay"
	"github.com/telemyapp/dwarf-link/internal/state"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := buildStateBackend(ctx, cfg, log)
	if err != nil {
		log.Error("state backend init failed", "event", "startup_failed", "backend", cfg.StateBackend, "err", err)
		os.Exit(1)
	}
	defer closeBackend()

	var persister state.Persister = backend
	if cfg.MQTTBrokerURL != "" {
		client, err := mirror.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID, cfg.ConnectTimeout, log)
		if err != nil {
			log.Warn("state mirror disabled", "event", "mqtt_unavailable", "broker", cfg.MQTTBrokerURL, "err", err)
		} else {
			defer client.Disconnect(250)
			persister = mirror.New(backend, client, mirror.Options{TopicPrefix: cfg.MQTTTopicPrefix, QoS: 1}, log)
		}
	}

	hub := orchestrator.NewHub(buildHubOptions(cfg, backend, persister, log))

	for _, addr := range cfg.AutoConnect {
		if _, err := hub.Connect(ctx, addr, false); err != nil {
			log.Error("autoconnect failed", "event", "autoconnect_failed", "address", addr, "err", err)
		}
	}

	runner := jobs.NewRunner(log)
	if cfg.RelayEnabled {
		runner.Add("relay_stream_audit", cfg.StreamAuditInterval, jobs.StreamAudit(hub))
	}
	runner.Start(ctx)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewRouter(cfg, hub, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		hub.Shutdown(shutdownCtx)
	}()

	log.Info("dwarf-link listening", "event", "startup", "addr", cfg.ListenAddr, "backend", cfg.StateBackend, "relay_enabled", cfg.RelayEnabled)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server failed", "event", "http_server_failed", "err", err)
		os.Exit(1)
	}
}

// buildStateBackend returns the configured backend and a func releasing its
// resources.
func buildStateBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Backend, func(), error) {
	switch cfg.StateBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect db: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping db: %w", err)
		}
		st := store.New(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return st, pool.Close, nil
	case config.BackendDynamoDB:
		st, err := store.NewDynamoStoreFromConfig(ctx, cfg.AWSRegion, cfg.DynamoDBTable, retentionDays(cfg.EventRetentionDays), log)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	case config.BackendMemory, "":
		return store.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

func buildRelay(cfg config.Config, log *slog.Logger) relay.Configurator {
	if !cfg.RelayEnabled {
		return relay.NewNopConfigurator(log)
	}
	return relay.NewMediaMTX(relay.MediaMTXOptions{BaseURL: cfg.RelayAPIURL, Timeout: cfg.RelayTimeout}, log)
}

func buildHubOptions(cfg config.Config, backend store.Backend, persister state.Persister, log *slog.Logger) orchestrator.HubOptions {
	urls := device.URLs{DwarfII: cfg.ProbeDwarfIIURL, Dwarf3: cfg.ProbeDwarf3URL, Config: cfg.ProbeConfigURL}
	if urls.DwarfII == "" || urls.Dwarf3 == "" || urls.Config == "" {
		urls = device.DefaultURLs()
	}
	identifier := device.NewIdentifier(device.DefaultProbes(device.NewHTTPClient(cfg.ProbeTimeout), urls), log)
	wsOpts := channel.WSOptions{
		Port:              cfg.DevicePort,
		HandshakeTimeout:  cfg.ConnectTimeout,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
	}
	return orchestrator.HubOptions{
		Store:     backend,
		Persister: persister,
		NewTransport: func(address string) channel.Transport {
			return channel.NewWSTransport(address, wsOpts, log)
		},
		Identifier:      identifier,
		Relay:           buildRelay(cfg, log),
		Log:             log,
		WatchdogTimeout: cfg.ConnectTimeout,
		ProbeTimeout:    cfg.ProbeTimeout,
		// One verify pass plus both replaces.
		RelayTimeout:    cfg.RelayTimeout * 3,
	}
}

func retentionDays(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
