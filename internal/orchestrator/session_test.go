package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/telemyapp/dwarf-link/internal/channel"
	"github.com/telemyapp/dwarf-link/internal/device"
	"github.com/telemyapp/dwarf-link/internal/logger"
	"github.com/telemyapp/dwarf-link/internal/model"
	"github.com/telemyapp/dwarf-link/internal/state"
	"github.com/telemyapp/dwarf-link/internal/store"
)

type sessionFixture struct {
	address   string
	session   *Session
	transport *fakeTransport
	relay     *fakeRelay
	ui        *recordingUI
	store     *store.MemoryStore
}

func newSessionFixture(t *testing.T, address string, mutate func(*SessionOptions)) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		address:   address,
		transport: &fakeTransport{},
		relay:     newFakeRelay(true),
		ui:        &recordingUI{},
		store:     store.NewMemoryStore(),
	}
	opts := SessionOptions{
		Address:         address,
		Transport:       f.transport,
		Identifier:      device.NewIdentifier([]device.Probe{device.SessionProbe{}, device.NotificationProbe{}}, logger.Discard()),
		Relay:           f.relay,
		Persister:       f.store,
		Events:          f.store,
		UI:              f.ui,
		Log:             logger.Discard(),
		WatchdogTimeout: time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.session = NewSession(opts)
	t.Cleanup(f.session.Close)
	return f
}

func (f *sessionFixture) connect(t *testing.T, force bool) {
	t.Helper()
	if err := f.session.Connect(context.Background(), force); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func (f *sessionFixture) snapshot(t *testing.T) state.Snapshot {
	t.Helper()
	snap, err := f.session.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func (f *sessionFixture) events(t *testing.T) []string {
	t.Helper()
	evs, err := f.store.ListConnectionEvents(context.Background(), f.address, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	out := make([]string, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		out = append(out, evs[i].Event)
	}
	return out
}

type statusRoutes map[string]int

func (r statusRoutes) RoundTrip(req *http.Request) (*http.Response, error) {
	status, ok := r[req.URL.String()]
	if !ok {
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func TestConnect_PreparesStartupBatch(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.5", nil)
	f.connect(t, false)

	calls := f.transport.snapshot()
	if calls.prepares != 1 || calls.runs != 1 {
		t.Fatalf("prepares=%d runs=%d", calls.prepares, calls.runs)
	}
	if calls.label != "Connect" || !calls.sub.Wildcard {
		t.Fatalf("unexpected label/subscription: %q %+v", calls.label, calls.sub)
	}
	want := channel.StartupBatch()
	if len(calls.batch) != len(want) {
		t.Fatalf("batch len %d, want %d", len(calls.batch), len(want))
	}
	for i := range want {
		if calls.batch[i].Cmd != want[i].Cmd || calls.batch[i].Module != want[i].Module {
			t.Fatalf("batch[%d] = %+v, want %+v", i, calls.batch[i], want[i])
		}
	}
	if len(calls.addresses) != 0 {
		t.Fatal("unforced connect must not rebind the address")
	}
	if f.ui.count("connecting", true) != 1 || f.ui.count("slave", false) != 1 || f.ui.count("golive", false) != 1 {
		t.Fatalf("unexpected UI calls: %+v", f.ui.calls)
	}
	if got := f.events(t); len(got) != 1 || got[0] != model.EventConnect {
		t.Fatalf("events = %v", got)
	}
}

func TestConnect_ForcedRebindsAddress(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.6", nil)
	f.connect(t, true)

	calls := f.transport.snapshot()
	if len(calls.addresses) != 1 || calls.addresses[0] != "10.0.0.6" {
		t.Fatalf("addresses = %v", calls.addresses)
	}
}

func TestWatchdog_FiresOnceWithoutNotifications(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.7", func(o *SessionOptions) { o.WatchdogTimeout = 30 * time.Millisecond })
	f.connect(t, false)

	eventually(t, func() bool { return len(f.transport.snapshot().closes) == 1 })
	time.Sleep(100 * time.Millisecond)

	if n := len(f.transport.snapshot().closes); n != 1 {
		t.Fatalf("close called %d times", n)
	}
	if f.ui.count("connecting", false) != 1 {
		t.Fatalf("expected one connecting=false, calls: %+v", f.ui.calls)
	}
	snap := f.snapshot(t)
	if snap.Connected == nil || *snap.Connected {
		t.Fatalf("connected = %v, want false", snap.Connected)
	}
	persisted, _ := f.store.LoadState(context.Background(), "10.0.0.7")
	if persisted[state.KeyConnectionStatus] != "false" {
		t.Fatalf("persisted status %q", persisted[state.KeyConnectionStatus])
	}
	got := f.events(t)
	if got[len(got)-1] != model.EventWatchdogTimeout {
		t.Fatalf("events = %v", got)
	}
}

func TestWatchdog_CancelledByNotification(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.8", func(o *SessionOptions) { o.WatchdogTimeout = 50 * time.Millisecond })
	f.connect(t, false)
	f.transport.deliver(model.Notification{Cmd: model.CmdNotifyEle, Data: model.Payload{Value: 64}})
	f.snapshot(t)

	time.Sleep(150 * time.Millisecond)
	if n := len(f.transport.snapshot().closes); n != 0 {
		t.Fatalf("watchdog closed the channel %d times", n)
	}
	if f.snapshot(t).BatteryLevel != 64 {
		t.Fatal("notification was not applied")
	}
}

func TestWatchdog_CancelledByStateChange(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.9", func(o *SessionOptions) { o.WatchdogTimeout = 50 * time.Millisecond })
	f.connect(t, false)
	f.transport.current().OnStateChange(true)

	time.Sleep(150 * time.Millisecond)
	if n := len(f.transport.snapshot().closes); n != 0 {
		t.Fatalf("watchdog closed the channel %d times", n)
	}
	if snap := f.snapshot(t); snap.Connected == nil || !*snap.Connected {
		t.Fatal("state change should mark the session connected")
	}
}

func TestPowerOff(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.10", func(o *SessionOptions) {
		o.Initial = map[string]string{state.KeyTypeID: "2", state.KeyTypeName: "Dwarf3"}
	})
	f.connect(t, false)
	f.transport.deliver(model.Notification{Cmd: model.CmdNotifyPowerOff})

	snap := f.snapshot(t)
	if snap.ErrorText != " The Dwarf3 is powering Off!" {
		t.Fatalf("error text %q", snap.ErrorText)
	}
	if v, _ := f.ui.last("error"); v != " The Dwarf3 is powering Off!" {
		t.Fatalf("UI error text %v", v)
	}
	calls := f.transport.snapshot()
	if len(calls.cleanups) != 1 || !calls.cleanups[0] {
		t.Fatalf("cleanups = %v, want one forced cleanup", calls.cleanups)
	}
	if snap.Connected == nil || *snap.Connected {
		t.Fatal("power off should mark the session disconnected")
	}
}

func TestIdentify_FilesystemLayoutTriggersRelay(t *testing.T) {
	routes := statusRoutes{"http://192.168.1.1/DWARF3/Astronomy/": http.StatusOK}
	client := &http.Client{Transport: routes, Timeout: time.Second}
	f := newSessionFixture(t, "192.168.1.1", func(o *SessionOptions) {
		o.Identifier = device.NewIdentifier(device.DefaultProbes(client, device.DefaultURLs()), logger.Discard())
	})
	f.connect(t, false)
	f.transport.deliver(model.Notification{Cmd: model.CmdNotifySDCardInfo, Data: model.Payload{AvailableSize: 12, TotalSize: 32}})

	if addr := waitAddress(t, f.relay.called); addr != "192.168.1.1" {
		t.Fatalf("relay called for %q", addr)
	}
	snap := f.snapshot(t)
	if snap.TypeID == nil || *snap.TypeID != model.DeviceTypeDwarf3 || snap.TypeName != "Dwarf3" {
		t.Fatalf("type = %v %q", snap.TypeID, snap.TypeName)
	}
	if ids := f.transport.snapshot().deviceIDs; len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("device ids = %v", ids)
	}
	persisted, _ := f.store.LoadState(context.Background(), "192.168.1.1")
	if persisted[state.KeyTypeID] != "2" || persisted[state.KeyTypeName] != "Dwarf3" {
		t.Fatalf("persisted = %#v", persisted)
	}
}

func TestIdentify_InBandDeviceID(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.11", nil)
	f.connect(t, false)
	f.transport.deliver(model.Notification{Cmd: model.CmdNotifySDCardInfo, DeviceID: intPtr(1)})

	eventually(t, func() bool {
		snap := f.snapshot(t)
		return snap.TypeID != nil && *snap.TypeID == 1
	})
	if f.snapshot(t).TypeName != "Dwarf II" {
		t.Fatal("expected the Dwarf II display name")
	}
	time.Sleep(30 * time.Millisecond)
	if f.relay.count() != 0 {
		t.Fatal("relay must not be configured for a Dwarf II")
	}
}

func TestRelay_AtMostOncePerConnect(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.12", func(o *SessionOptions) {
		o.Initial = map[string]string{state.KeyTypeID: "2"}
	})
	f.connect(t, false)
	for i := 0; i < 3; i++ {
		f.transport.deliver(model.Notification{Cmd: model.CmdNotifySDCardInfo})
	}
	waitAddress(t, f.relay.called)
	for i := 0; i < 3; i++ {
		f.transport.deliver(model.Notification{Cmd: model.CmdNotifySDCardInfo})
	}
	f.snapshot(t)
	time.Sleep(50 * time.Millisecond)
	if n := f.relay.count(); n != 1 {
		t.Fatalf("relay called %d times in one connect", n)
	}

	f.connect(t, false)
	f.transport.deliver(model.Notification{Cmd: model.CmdNotifySDCardInfo})
	waitAddress(t, f.relay.called)
	if n := f.relay.count(); n != 2 {
		t.Fatalf("relay called %d times after reconnect", n)
	}
}

func TestOnError_PersistsDisconnected(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.13", nil)
	f.connect(t, false)
	f.transport.current().OnStateChange(true)
	f.transport.current().OnError(errors.New("connection reset"))

	snap := f.snapshot(t)
	if snap.Connected == nil || *snap.Connected {
		t.Fatal("error should mark the session disconnected")
	}
	persisted, _ := f.store.LoadState(context.Background(), "10.0.0.13")
	if persisted[state.KeyConnectionStatus] != "false" {
		t.Fatalf("persisted status %q", persisted[state.KeyConnectionStatus])
	}
	if v, _ := f.ui.last("connecting"); v != false {
		t.Fatal("error should clear the connecting indicator")
	}
	evs, _ := f.store.ListConnectionEvents(context.Background(), "10.0.0.13", 1)
	if len(evs) != 1 || evs[0].Event != model.EventError || evs[0].Detail != "connection reset" {
		t.Fatalf("latest event = %+v", evs)
	}
}

func TestOnReconnect_RerunsStartup(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.14", nil)
	f.connect(t, false)
	f.transport.current().OnReconnect()
	f.snapshot(t)

	calls := f.transport.snapshot()
	if calls.prepares != 2 || calls.runs != 2 {
		t.Fatalf("prepares=%d runs=%d", calls.prepares, calls.runs)
	}
	got := f.events(t)
	if got[len(got)-1] != model.EventReconnect {
		t.Fatalf("events = %v", got)
	}
}

func TestOnError_RepeatedFailuresRecordedOnce(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.19", nil)
	f.connect(t, false)
	for i := 0; i < 3; i++ {
		f.transport.current().OnError(errors.New("connection refused"))
	}
	f.snapshot(t)

	countErrors := func() int {
		n := 0
		for _, ev := range f.events(t) {
			if ev == model.EventError {
				n++
			}
		}
		return n
	}
	if n := countErrors(); n != 1 {
		t.Fatalf("error events = %d, want 1 for one failure streak", n)
	}

	f.transport.current().OnStateChange(true)
	f.transport.current().OnError(errors.New("connection reset"))
	f.snapshot(t)
	if n := countErrors(); n != 2 {
		t.Fatalf("error events = %d, want a new event after the channel recovered", n)
	}
}

func TestConnectingClearedWhenChannelResolves(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.20", nil)
	f.connect(t, false)
	if v, _ := f.ui.last("connecting"); v != true {
		t.Fatalf("connecting = %v after connect, want true", v)
	}

	f.transport.current().OnStateChange(true)
	f.transport.deliver(model.Notification{Cmd: model.CmdNotifySDCardInfo, Data: model.Payload{AvailableSize: 1, TotalSize: 2}})
	f.snapshot(t)
	if v, _ := f.ui.last("connecting"); v != false {
		t.Fatalf("connecting = %v on a live channel, want false", v)
	}
	if n := f.ui.count("connecting", false); n != 1 {
		t.Fatalf("connecting cleared %d times, want 1", n)
	}

	f.transport.current().OnStateChange(true)
	f.transport.current().OnReconnect()
	f.snapshot(t)
	if v, _ := f.ui.last("connecting"); v != false {
		t.Fatalf("connecting = %v after reconnect, want false", v)
	}
}

func TestWorkingState_FetchesCameraSettings(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.15", nil)
	f.connect(t, false)
	f.transport.deliver(model.Notification{Cmd: model.CmdCameraTeleGetSystemWorkingState})
	f.transport.deliver(model.Notification{Cmd: model.CmdCameraTeleGetSystemWorkingState})
	f.snapshot(t)

	sent := f.transport.snapshot().sent
	if len(sent) != 1 || len(sent[0]) != len(channel.CameraSettingsBatch()) {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestDisconnect(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.16", func(o *SessionOptions) { o.WatchdogTimeout = 40 * time.Millisecond })
	f.connect(t, false)
	if err := f.session.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	calls := f.transport.snapshot()
	if len(calls.cleanups) != 1 || calls.cleanups[0] {
		t.Fatalf("cleanups = %v, want one orderly cleanup", calls.cleanups)
	}
	if len(calls.closes) != 0 {
		t.Fatal("disconnect should cancel the watchdog")
	}
}

func TestClosedSessionRejectsCalls(t *testing.T) {
	f := newSessionFixture(t, "10.0.0.17", nil)
	f.session.Close()
	if err := f.session.Connect(context.Background(), false); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}
