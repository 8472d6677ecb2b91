package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/telemyapp/dwarf-link/internal/auth"
	"github.com/telemyapp/dwarf-link/internal/config"
	"github.com/telemyapp/dwarf-link/internal/metrics"
	"github.com/telemyapp/dwarf-link/internal/model"
	"github.com/telemyapp/dwarf-link/internal/orchestrator"
)

type Hub interface {
	Connect(ctx context.Context, address string, forceAddress bool) (orchestrator.DeviceView, error)
	Disconnect(ctx context.Context, address string) error
	Snapshot(ctx context.Context, address string) (orchestrator.DeviceView, error)
	Addresses() []string
	Forget(ctx context.Context, address string) error
	VerifyStreams(ctx context.Context, address string) (bool, error)
	Events(ctx context.Context, address string, limit int) ([]model.ConnectionEvent, error)
}

type Server struct {
	cfg config.Config
	hub Hub
	log *slog.Logger
}

func NewRouter(cfg config.Config, hub Hub, log *slog.Logger) http.Handler {
	s := &Server{cfg: cfg, hub: hub, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	// Stream verification waits on the relay API for both paths.
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(auth.Middleware(cfg.JWTSecret))
		v1.Post("/devices/connect", s.handleConnect)
		v1.Get("/devices", s.handleListDevices)
		v1.Get("/devices/{address}", s.handleGetDevice)
		v1.Delete("/devices/{address}", s.handleForgetDevice)
		v1.Post("/devices/{address}/disconnect", s.handleDisconnect)
		v1.Post("/devices/{address}/streams/verify", s.handleVerifyStreams)
		v1.Get("/devices/{address}/events", s.handleEvents)
	})

	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"event", "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
