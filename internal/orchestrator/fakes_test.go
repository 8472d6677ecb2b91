package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/telemyapp/dwarf-link/internal/channel"
	"github.com/telemyapp/dwarf-link/internal/model"
)

type transportCalls struct {
	batch     []channel.Command
	label     string
	sub       channel.Subscription
	prepares  int
	runs      int
	sent      [][]channel.Command
	closes    []string
	cleanups  []bool
	deviceIDs []int
	addresses []string
}

type fakeTransport struct {
	mu       sync.Mutex
	handlers channel.Handlers
	calls    transportCalls
}

func (f *fakeTransport) Prepare(batch []channel.Command, label string, sub channel.Subscription, h channel.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
	f.calls.batch, f.calls.label, f.calls.sub = batch, label, sub
	f.calls.prepares++
}

func (f *fakeTransport) Run() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.runs++
	return f.calls.prepares > 0
}

func (f *fakeTransport) HandleClose(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.closes = append(f.calls.closes, reason)
}

func (f *fakeTransport) Cleanup(force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.cleanups = append(f.calls.cleanups, force)
}

func (f *fakeTransport) SetDeviceID(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.deviceIDs = append(f.calls.deviceIDs, id)
	return id > 0
}

func (f *fakeTransport) SetAddress(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.addresses = append(f.calls.addresses, address)
	return nil
}

func (f *fakeTransport) Send(batch []channel.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.sent = append(f.calls.sent, batch)
	return nil
}

func (f *fakeTransport) current() channel.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

func (f *fakeTransport) deliver(n model.Notification) {
	f.current().OnMessage("Connect", n)
}

func (f *fakeTransport) snapshot() transportCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.calls
	c.batch = append([]channel.Command(nil), c.batch...)
	c.sent = append([][]channel.Command(nil), c.sent...)
	c.closes = append([]string(nil), c.closes...)
	c.cleanups = append([]bool(nil), c.cleanups...)
	c.deviceIDs = append([]int(nil), c.deviceIDs...)
	c.addresses = append([]string(nil), c.addresses...)
	return c
}

type fakeRelay struct {
	mu     sync.Mutex
	calls  []string
	result bool
	called chan string
}

func newFakeRelay(result bool) *fakeRelay {
	return &fakeRelay{result: result, called: make(chan string, 16)}
}

func (r *fakeRelay) EnsureStreamsConfigured(_ context.Context, address string) bool {
	r.mu.Lock()
	r.calls = append(r.calls, address)
	r.mu.Unlock()
	r.called <- address
	return r.result
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type uiCall struct {
	name  string
	value any
}

type recordingUI struct {
	mu    sync.Mutex
	calls []uiCall
}

func (u *recordingUI) add(name string, v any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, uiCall{name, v})
}

func (u *recordingUI) SetConnecting(v bool)          { u.add("connecting", v) }
func (u *recordingUI) SetSlaveMode(v bool)           { u.add("slave", v) }
func (u *recordingUI) SetGoLive(v bool)              { u.add("golive", v) }
func (u *recordingUI) SetErrorText(v string)         { u.add("error", v) }
func (u *recordingUI) SetAstroCamera(c model.Camera) { u.add("camera", c) }

func (u *recordingUI) count(name string, v any) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.calls {
		if c.name == name && c.value == v {
			n++
		}
	}
	return n
}

func (u *recordingUI) last(name string) (any, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.calls) - 1; i >= 0; i-- {
		if u.calls[i].name == name {
			return u.calls[i].value, true
		}
	}
	return nil, false
}

func waitAddress(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case addr := <-ch:
		return addr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay call")
		return ""
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func intPtr(v int) *int { return &v }
