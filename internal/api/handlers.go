package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/telemyapp/dwarf-link/internal/auth"
	"github.com/telemyapp/dwarf-link/internal/orchestrator"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type connectRequest struct {
	Address      string `json:"address"`
	ForceAddress bool   `json:"force_address"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	address := strings.TrimSpace(req.Address)
	if !validAddress(address) {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "address must be a host name or IP address")
		return
	}

	operator, _ := auth.OperatorFromContext(r.Context())
	s.log.Info("connect requested", "event", "connect_requested", "address", address, "force_address", req.ForceAddress, "operator", operator)

	view, err := s.hub.Connect(r.Context(), address, req.ForceAddress)
	if err != nil {
		s.log.Error("connect failed", "event", "connect_failed", "address", address, "err", err)
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to start device connection")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"device": view})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.hub.Addresses()})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	view, err := s.hub.Snapshot(r.Context(), address)
	if err != nil {
		s.writeHubError(w, r, err, "failed to read device state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": view})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if err := s.hub.Disconnect(r.Context(), address); err != nil {
		s.writeHubError(w, r, err, "failed to disconnect device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": address, "status": "disconnected"})
}

func (s *Server) handleForgetDevice(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if err := s.hub.Forget(r.Context(), address); err != nil {
		s.writeHubError(w, r, err, "failed to forget device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyStreams(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	configured, err := s.hub.VerifyStreams(r.Context(), address)
	if err != nil {
		s.writeHubError(w, r, err, "failed to verify relay streams")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": address, "configured": configured})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := s.hub.Events(r.Context(), address, limit)
	if err != nil {
		s.log.Error("event query failed", "event", "events_query_failed", "address", address, "err", err)
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to query connection events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": address, "events": events})
}

func (s *Server) writeHubError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownDevice):
		writeAPIError(w, r, http.StatusNotFound, "not_found", "device not found")
	case errors.Is(err, orchestrator.ErrSessionClosed):
		writeAPIError(w, r, http.StatusConflict, "session_closed", "device session is shutting down")
	default:
		s.log.Error(message, "event", "hub_call_failed", "path", r.URL.Path, "err", err)
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", message)
	}
}

func validAddress(address string) bool {
	if address == "" || len(address) > 253 {
		return false
	}
	if net.ParseIP(address) != nil {
		return true
	}
	for _, c := range address {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}
