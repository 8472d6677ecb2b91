// Package orchestrator owns the lifecycle of device sessions.
//
// Each Session runs a single event loop. Transport callbacks, timer
// expirations and probe results are posted onto it as closures, so the loop
// is the only goroutine that touches the session state and the reconciler.
// Posting blocks rather than drops, which keeps delivery order intact.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telemyapp/dwarf-link/internal/channel"
	"github.com/telemyapp/dwarf-link/internal/device"
	"github.com/telemyapp/dwarf-link/internal/metrics"
	"github.com/telemyapp/dwarf-link/internal/model"
	"github.com/telemyapp/dwarf-link/internal/relay"
	"github.com/telemyapp/dwarf-link/internal/state"
)

var ErrSessionClosed = errors.New("session closed")

const defaultWatchdog = 5 * time.Second

// EventRecorder stores lifecycle transitions for auditing.
type EventRecorder interface {
	RecordConnectionEvent(ctx context.Context, ev model.ConnectionEvent) error
}

type SessionOptions struct {
	Address         string
	Transport       channel.Transport
	Identifier      *device.Identifier
	Relay           relay.Configurator
	Persister       state.Persister
	Events          EventRecorder
	UI              UI
	Log             *slog.Logger
	WatchdogTimeout time.Duration
	ProbeTimeout    time.Duration
	RelayTimeout    time.Duration
	Initial         map[string]string
}

type Session struct {
	transport  channel.Transport
	identifier *device.Identifier
	relay      relay.Configurator
	events     EventRecorder
	ui         UI
	log        *slog.Logger
	watchdogD  time.Duration
	probeD     time.Duration
	relayD     time.Duration

	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Owned by the loop.
	state          *state.Session
	rec            *Reconciler
	connectionID   string
	watchdog       *time.Timer
	watchdogGen    uint64
	watchdogArmed  bool
	identifying    bool
	relayTriggered bool
	inBandID       *int
	// failing is set from the first channel error until the channel
	// comes back, so retries against an unreachable device are logged once.
	failing        bool
}

func NewSession(opts SessionOptions) *Session {
	if opts.UI == nil {
		opts.UI = NopUI{}
	}
	if opts.Relay == nil {
		opts.Relay = relay.NewNopConfigurator(opts.Log)
	}
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = defaultWatchdog
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = 10 * time.Second
	}
	s := &Session{
		transport:  opts.Transport,
		identifier: opts.Identifier,
		relay:      opts.Relay,
		events:     opts.Events,
		ui:         opts.UI,
		log:        opts.Log.With("address", opts.Address),
		watchdogD:  opts.WatchdogTimeout,
		probeD:     opts.ProbeTimeout,
		relayD:     opts.RelayTimeout,
		queue:      make(chan func(), 256),
		done:       make(chan struct{}),
		state:      state.New(opts.Address, opts.Persister, opts.Log),
	}
	if len(opts.Initial) > 0 {
		s.state.Rehydrate(opts.Initial)
	}
	s.rec = NewReconciler(s.state, s.ui, s.fetchCameraSettings, s.log)
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-s.done:
			return
		}
	}
}

// post enqueues fn on the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case s.queue <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the loop and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrSessionClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// Connect opens (or reuses) the device channel and runs the startup
// sequence. With forceAddress the transport is rebound to the session address
// first.
func (s *Session) Connect(ctx context.Context, forceAddress bool) error {
	var err error
	doErr := s.do(ctx, func() {
		if forceAddress {
			if err = s.transport.SetAddress(ctx, s.state.Address()); err != nil {
				return
			}
		}
		s.connectionID = "conn_" + uuid.NewString()
		s.relayTriggered = false
		s.inBandID = nil
		s.failing = false
		s.rec.ResetConnection()
		s.record(model.EventConnect, "")
		metrics.Default().IncCounter("dwarf_connection_events_total", map[string]string{"event": model.EventConnect})
		s.armWatchdog()
		s.startConnect()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) startConnect() {
	s.state.SetSlaveMode(false)
	s.ui.SetSlaveMode(false)
	s.ui.SetGoLive(false)
	s.ui.SetConnecting(true)

	sub := channel.Subscription{
		Wildcard: true,
		Codes: []model.Command{
			model.CmdNotifySDCardInfo,
			model.CmdCameraTeleGetSystemWorkingState,
			model.CmdNotifyWSHostSlaveMode,
			model.CmdNotifyStateCaptureRawLiveStacking,
			model.CmdNotifyStateCaptureRawWideLiveStacking,
			model.CmdNotifyProgressCaptureRawLiveStacking,
			model.CmdNotifyProgressCaptureRawWideLiveStacking,
			model.CmdNotifyEle,
			model.CmdNotifyCharge,
			model.CmdNotifyRGBState,
			model.CmdNotifyPowerIndState,
			model.CmdNotifyPowerOff,
		},
	}
	s.transport.Prepare(channel.StartupBatch(), "Connect", sub, channel.Handlers{
		OnMessage: func(label string, n model.Notification) {
			s.post(func() { s.onMessage(label, n) })
		},
		OnStateChange: func(connected bool) {
			s.post(func() { s.onStateChange(connected) })
		},
		OnError: func(err error) {
			s.post(func() { s.onError(err) })
		},
		OnReconnect: func() {
			s.post(s.onReconnect)
		},
	})
	if !s.transport.Run() {
		s.log.Error("device channel did not start", "event", "connect_run_failed")
	}
}

func (s *Session) onMessage(label string, n model.Notification) {
	s.settleConnect()
	cmd := "other"
	if n.Cmd.Known() {
		cmd = n.Cmd.String()
	}
	metrics.Default().IncCounter("dwarf_notifications_total", map[string]string{"cmd": cmd})
	if s.inBandID == nil && n.DeviceID != nil {
		id := *n.DeviceID
		s.inBandID = &id
	}

	switch n.Cmd {
	case model.CmdNotifyPowerOff:
		s.powerOff()
	case model.CmdNotifySDCardInfo:
		s.rec.Apply(n)
		s.identify()
	default:
		s.rec.Apply(n)
	}
	s.log.Debug("notification", "event", "notification", "label", label, "cmd", n.Cmd.String())
}

func (s *Session) onStateChange(connected bool) {
	if connected {
		s.settleConnect()
	}
	if s.state.SetConnectionStatus(connected) {
		s.log.Info("connection status changed", "event", "connection_status", "connected", connected)
	}
}

func (s *Session) onError(err error) {
	s.cancelWatchdog()
	s.ui.SetConnecting(false)
	if s.failing {
		s.log.Debug("device channel still failing", "event", "connection_error_repeat", "err", err)
		return
	}
	s.failing = true
	s.state.ForceConnectionStatus(false)
	s.log.Error("device channel error", "event", "connection_error", "err", err)
	s.record(model.EventError, errString(err))
	metrics.Default().IncCounter("dwarf_connection_events_total", map[string]string{"event": model.EventError})
}

func (s *Session) onReconnect() {
	s.log.Info("device channel reconnected", "event", "reconnect")
	s.record(model.EventReconnect, "")
	metrics.Default().IncCounter("dwarf_connection_events_total", map[string]string{"event": model.EventReconnect})
	s.startConnect()
	// Reconnect is only reported once the channel is open again.
	s.ui.SetConnecting(false)
}

func (s *Session) powerOff() {
	s.cancelWatchdog()
	text := " The " + s.state.TypeName() + " is powering Off!"
	s.state.SetErrorText(text)
	s.ui.SetErrorText(text)
	s.ui.SetConnecting(false)
	s.state.ForceConnectionStatus(false)
	s.transport.Cleanup(true)
	s.log.Warn("device powering off", "event", "power_off")
	s.record(model.EventPowerOff, "")
	metrics.Default().IncCounter("dwarf_connection_events_total", map[string]string{"event": model.EventPowerOff})
}

func (s *Session) armWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.watchdogGen++
	s.watchdogArmed = true
	gen := s.watchdogGen
	s.watchdog = time.AfterFunc(s.watchdogD, func() {
		s.post(func() { s.watchdogFired(gen) })
	})
}

// cancelWatchdog reports whether an armed watchdog was cancelled.
func (s *Session) cancelWatchdog() bool {
	if !s.watchdogArmed {
		return false
	}
	s.watchdogArmed = false
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	return true
}

// settleConnect handles a resolving event: the channel is live again and a
// pending connect no longer shows as connecting.
func (s *Session) settleConnect() {
	s.failing = false
	if s.cancelWatchdog() {
		s.ui.SetConnecting(false)
	}
}

func (s *Session) watchdogFired(gen uint64) {
	if !s.watchdogArmed || gen != s.watchdogGen {
		return
	}
	s.watchdogArmed = false
	s.transport.HandleClose("")
	s.state.ForceConnectionStatus(false)
	s.ui.SetConnecting(false)
	s.log.Warn("connect watchdog expired", "event", "watchdog_timeout", "timeout_ms", s.watchdogD.Milliseconds())
	s.record(model.EventWatchdogTimeout, "")
	metrics.Default().IncCounter("dwarf_connection_events_total", map[string]string{"event": model.EventWatchdogTimeout})
}

// identify resolves the device type off-loop. At most one attempt is in
// flight; an unresolved result is retried on the next storage notification.
func (s *Session) identify() {
	if s.identifying || s.identifier == nil {
		return
	}
	s.identifying = true
	in := device.Input{Address: s.state.Address(), KnownName: s.state.TypeName()}
	if id, ok := s.state.TypeID(); ok {
		in.KnownID = &id
	}
	if s.inBandID != nil {
		id := *s.inBandID
		in.InBandID = &id
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.probeD*3)
		defer cancel()
		res := s.identifier.Identify(ctx, in)
		s.post(func() { s.applyIdentity(res) })
	}()
}

func (s *Session) applyIdentity(res device.Result) {
	s.identifying = false
	if !res.Resolved {
		return
	}
	if s.state.SetDeviceType(res.TypeID, res.TypeName) {
		s.record(model.EventIdentified, res.Source)
	}
	id, _ := s.state.TypeID()
	if !s.transport.SetDeviceID(id) {
		s.log.Error("device id update failed", "event", "set_device_id_failed", "type_id", id)
	}
	if device.RelayCapable(id) && !s.relayTriggered {
		s.relayTriggered = true
		s.ensureStreams(s.state.Address())
	}
}

// ensureStreams runs the relay configurator without blocking the loop. The
// outcome is only logged.
func (s *Session) ensureStreams(address string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.relayD)
		defer cancel()
		ok := s.relay.EnsureStreamsConfigured(ctx, address)
		s.log.Info("relay streams checked", "event", "relay_streams", "configured", ok)
	}()
}

func (s *Session) fetchCameraSettings() {
	if err := s.transport.Send(channel.CameraSettingsBatch()); err != nil {
		s.log.Warn("camera settings fetch failed", "event", "camera_settings_failed", "err", err)
	}
}

// Disconnect tears the channel down in an orderly way.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.do(ctx, func() {
		s.cancelWatchdog()
		s.transport.Cleanup(false)
		s.state.ForceConnectionStatus(false)
		s.ui.SetConnecting(false)
		s.record(model.EventDisconnect, "")
		metrics.Default().IncCounter("dwarf_connection_events_total", map[string]string{"event": model.EventDisconnect})
	})
}

func (s *Session) Snapshot(ctx context.Context) (state.Snapshot, error) {
	var snap state.Snapshot
	err := s.do(ctx, func() { snap = s.state.Snapshot() })
	return snap, err
}

// VerifyStreams runs one verify-then-repair pass for the session address and
// waits for the result.
func (s *Session) VerifyStreams(ctx context.Context) (bool, error) {
	var address string
	if err := s.do(ctx, func() { address = s.state.Address() }); err != nil {
		return false, err
	}
	return s.relay.EnsureStreamsConfigured(ctx, address), nil
}

// relayEligible reports whether the session is connected to a relay-capable
// device.
func (s *Session) relayEligible(ctx context.Context) (string, bool) {
	var address string
	var ok bool
	_ = s.do(ctx, func() {
		connected, _ := s.state.ConnectionStatus()
		id, known := s.state.TypeID()
		address = s.state.Address()
		ok = connected && known && device.RelayCapable(id)
	})
	return address, ok
}

// Close stops the loop and waits for background work. The transport is not
// touched; call Disconnect first.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.do(context.Background(), func() { s.cancelWatchdog() })
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Session) record(event, detail string) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.events.RecordConnectionEvent(ctx, model.ConnectionEvent{
		Address:      s.state.Address(),
		ConnectionID: s.connectionID,
		Event:        event,
		Detail:       detail,
	})
	if err != nil {
		s.log.Error("connection event write failed", "event", "connection_event_failed", "connection_event", event, "err", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
