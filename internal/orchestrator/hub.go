package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/telemyapp/dwarf-link/internal/channel"
	"github.com/telemyapp/dwarf-link/internal/device"
	"github.com/telemyapp/dwarf-link/internal/metrics"
	"github.com/telemyapp/dwarf-link/internal/model"
	"github.com/telemyapp/dwarf-link/internal/relay"
	"github.com/telemyapp/dwarf-link/internal/state"
	"github.com/telemyapp/dwarf-link/internal/store"
)

var ErrUnknownDevice = errors.New("unknown device")

type TransportFactory func(address string) channel.Transport

// EventLister is implemented by backends that can read the audit log back.
type EventLister interface {
	ListConnectionEvents(ctx context.Context, address string, limit int) ([]model.ConnectionEvent, error)
}

type HubOptions struct {
	Store           store.Backend
	Persister       state.Persister
	NewTransport    TransportFactory
	Identifier      *device.Identifier
	Relay           relay.Configurator
	Log             *slog.Logger
	WatchdogTimeout time.Duration
	ProbeTimeout    time.Duration
	RelayTimeout    time.Duration
}

// DeviceView is what the API reports for one device.
type DeviceView struct {
	State state.Snapshot `json:"state"`
	UI    UIStatus       `json:"ui"`
}

type entry struct {
	session *Session
	board   *StatusBoard
}

// Hub keeps one Session per device address.
type Hub struct {
	opts HubOptions
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

func NewHub(opts HubOptions) *Hub {
	if opts.Persister == nil {
		opts.Persister = opts.Store
	}
	if opts.Relay == nil {
		opts.Relay = relay.NewNopConfigurator(opts.Log)
	}
	return &Hub{
		opts:     opts,
		log:      opts.Log,
		sessions: make(map[string]*entry),
	}
}

// Connect starts or reuses the session for address.
func (h *Hub) Connect(ctx context.Context, address string, forceAddress bool) (DeviceView, error) {
	e, created := h.getOrCreate(ctx, address)
	result := "reused"
	if created {
		result = "started"
	}
	metrics.Default().IncCounter("dwarf_connect_attempts_total", map[string]string{"result": result})
	if err := e.session.Connect(ctx, forceAddress); err != nil {
		return DeviceView{}, fmt.Errorf("connect %s: %w", address, err)
	}
	return e.view(ctx)
}

// getOrCreate loads persisted state outside h.mu. When two callers race on
// a new address the first insert wins and the loser's session is closed.
func (h *Hub) getOrCreate(ctx context.Context, address string) (*entry, bool) {
	if e, err := h.lookup(address); err == nil {
		return e, false
	}

	initial, err := h.opts.Store.LoadState(ctx, address)
	if err != nil {
		h.log.Error("state rehydrate failed", "event", "state_load_failed", "address", address, "err", err)
		initial = nil
	}
	board := NewStatusBoard()
	sess := NewSession(SessionOptions{
		Address:         address,
		Transport:       h.opts.NewTransport(address),
		Identifier:      h.opts.Identifier,
		Relay:           h.opts.Relay,
		Persister:       h.opts.Persister,
		Events:          h.opts.Store,
		UI:              board,
		Log:             h.log,
		WatchdogTimeout: h.opts.WatchdogTimeout,
		ProbeTimeout:    h.opts.ProbeTimeout,
		RelayTimeout:    h.opts.RelayTimeout,
		Initial:         initial,
	})

	h.mu.Lock()
	if e, ok := h.sessions[address]; ok {
		h.mu.Unlock()
		sess.Close()
		return e, false
	}
	e := &entry{session: sess, board: board}
	h.sessions[address] = e
	h.mu.Unlock()
	return e, true
}

func (h *Hub) lookup(address string) (*entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.sessions[address]
	if !ok {
		return nil, ErrUnknownDevice
	}
	return e, nil
}

func (h *Hub) Disconnect(ctx context.Context, address string) error {
	e, err := h.lookup(address)
	if err != nil {
		return err
	}
	return e.session.Disconnect(ctx)
}

func (h *Hub) Snapshot(ctx context.Context, address string) (DeviceView, error) {
	e, err := h.lookup(address)
	if err != nil {
		return DeviceView{}, err
	}
	return e.view(ctx)
}

func (h *Hub) Addresses() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sessions))
	for addr := range h.sessions {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Forget disconnects the device and deletes its persisted state.
func (h *Hub) Forget(ctx context.Context, address string) error {
	h.mu.Lock()
	e, live := h.sessions[address]
	delete(h.sessions, address)
	h.mu.Unlock()

	if live {
		if err := e.session.Disconnect(ctx); err != nil {
			h.log.Warn("disconnect before forget failed", "event", "forget_disconnect_failed", "address", address, "err", err)
		}
		e.session.Close()
	}
	err := h.opts.Store.DeleteDevice(ctx, address)
	switch {
	case errors.Is(err, store.ErrNotFound) && live:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrUnknownDevice
	case err != nil:
		return fmt.Errorf("delete device %s: %w", address, err)
	}
	return nil
}

func (h *Hub) VerifyStreams(ctx context.Context, address string) (bool, error) {
	e, err := h.lookup(address)
	if err != nil {
		return false, err
	}
	return e.session.VerifyStreams(ctx)
}

// AuditStreams re-runs the relay check for every connected relay-capable
// device and returns how many were checked and how many failed.
func (h *Hub) AuditStreams(ctx context.Context) (checked, failed int) {
	h.mu.Lock()
	entries := make([]*entry, 0, len(h.sessions))
	for _, e := range h.sessions {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	for _, e := range entries {
		address, ok := e.session.relayEligible(ctx)
		if !ok {
			continue
		}
		checked++
		if !h.opts.Relay.EnsureStreamsConfigured(ctx, address) {
			failed++
		}
	}
	return checked, failed
}

func (h *Hub) Events(ctx context.Context, address string, limit int) ([]model.ConnectionEvent, error) {
	lister, ok := h.opts.Store.(EventLister)
	if !ok {
		return nil, fmt.Errorf("state backend does not keep connection events")
	}
	return lister.ListConnectionEvents(ctx, address, limit)
}

// Shutdown disconnects and closes every session.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	entries := h.sessions
	h.sessions = make(map[string]*entry)
	h.mu.Unlock()

	for addr, e := range entries {
		if err := e.session.Disconnect(ctx); err != nil {
			h.log.Warn("disconnect on shutdown failed", "event", "shutdown_disconnect_failed", "address", addr, "err", err)
		}
		e.session.Close()
	}
}

func (e *entry) view(ctx context.Context) (DeviceView, error) {
	snap, err := e.session.Snapshot(ctx)
	if err != nil {
		return DeviceView{}, err
	}
	return DeviceView{State: snap, UI: e.board.Status()}, nil
}
