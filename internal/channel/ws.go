package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telemyapp/dwarf-link/internal/model"
)

type WSOptions struct {
	Port              int
	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration
	// MaxReconnectDelay caps the doubling retry delay while the device
	// cannot be dialled.
	MaxReconnectDelay time.Duration
}

// WSTransport speaks JSON text frames over a websocket to ws://<address>:<port>/.
// One reader goroutine per connection invokes the handlers, so handler calls
// never overlap.
type WSTransport struct {
	log      *slog.Logger
	dialer   *websocket.Dialer
	port     int
	delay    time.Duration
	maxDelay time.Duration

	mu       sync.Mutex
	address  string
	deviceID int
	prepared bool
	batch    []Command
	label    string
	sub      Subscription
	handlers Handlers
	pending  bool
	running  bool
	gen      uint64
	cancel   context.CancelFunc
	conn     *websocket.Conn

	writeMu sync.Mutex
}

func NewWSTransport(address string, opts WSOptions, log *slog.Logger) *WSTransport {
	if opts.Port <= 0 {
		opts.Port = 9900
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}
	return &WSTransport{
		log:      log,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		port:     opts.Port,
		delay:    opts.ReconnectDelay,
		maxDelay: opts.MaxReconnectDelay,
		address:  address,
	}
}

func (t *WSTransport) Prepare(batch []Command, label string, sub Subscription, h Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batch = cloneBatch(batch)
	t.label = label
	t.sub = sub
	t.handlers = h
	t.prepared = true
}

func (t *WSTransport) Run() bool {
	t.mu.Lock()
	if !t.prepared {
		t.mu.Unlock()
		return false
	}
	if t.running {
		conn := t.conn
		batch := t.batch
		if conn == nil {
			t.pending = true
			t.mu.Unlock()
			return true
		}
		t.mu.Unlock()
		if err := t.write(conn, batch); err != nil {
			t.log.Warn("startup batch write failed", "event", "ws_write_failed", "address", t.currentAddress(), "err", err)
		}
		return true
	}
	t.gen++
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.running = true
	t.pending = true
	gen := t.gen
	t.mu.Unlock()

	go t.loop(ctx, gen)
	return true
}

func (t *WSTransport) HandleClose(reason string) {
	t.log.Info("closing device channel", "event", "ws_close", "address", t.currentAddress(), "reason", reason)
	t.stop(false, reason)
}

func (t *WSTransport) Cleanup(force bool) {
	t.stop(force, "")
}

func (t *WSTransport) SetDeviceID(id int) bool {
	if id <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deviceID = id
	return true
}

// SetAddress rebinds the channel. A live connection is dropped so the next
// Run dials the new address.
func (t *WSTransport) SetAddress(_ context.Context, address string) error {
	if address == "" {
		return fmt.Errorf("empty device address")
	}
	t.mu.Lock()
	changed := t.address != address
	t.address = address
	t.mu.Unlock()
	if changed {
		t.stop(false, "address changed")
	}
	return nil
}

func (t *WSTransport) Send(batch []Command) error {
	t.mu.Lock()
	prepared, conn := t.prepared, t.conn
	t.mu.Unlock()
	if !prepared {
		return ErrNotPrepared
	}
	if conn == nil {
		return ErrNotConnected
	}
	return t.write(conn, batch)
}

func (t *WSTransport) currentAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

func (t *WSTransport) stop(force bool, reason string) {
	t.mu.Lock()
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	conn := t.conn
	t.conn = nil
	t.running = false
	t.pending = false
	t.mu.Unlock()

	if conn == nil {
		return
	}
	if !force {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.writeMu.Unlock()
	}
	_ = conn.Close()
}

func (t *WSTransport) loop(ctx context.Context, gen uint64) {
	connectedOnce := false
	backoff := t.delay
	for {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if h, ok := t.live(gen); ok {
				call(h.OnError, err)
			}
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, t.maxDelay)
			continue
		}
		backoff = t.delay

		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		h := t.handlers
		var batch []Command
		if t.pending {
			batch = t.batch
			t.pending = false
		}
		t.mu.Unlock()

		t.log.Info("device channel open", "event", "ws_open", "address", t.currentAddress())
		if h.OnStateChange != nil {
			h.OnStateChange(true)
		}
		if connectedOnce && h.OnReconnect != nil {
			h.OnReconnect()
		}
		connectedOnce = true
		if len(batch) > 0 {
			if err := t.write(conn, batch); err != nil {
				t.log.Warn("startup batch write failed", "event", "ws_write_failed", "address", t.currentAddress(), "err", err)
			}
		}

		err = t.read(conn, gen)

		t.mu.Lock()
		stale := t.gen != gen
		if !stale {
			t.conn = nil
		}
		h = t.handlers
		t.mu.Unlock()
		_ = conn.Close()
		if stale {
			return
		}
		t.log.Warn("device channel dropped", "event", "ws_dropped", "address", t.currentAddress(), "err", err)
		if h.OnStateChange != nil {
			h.OnStateChange(false)
		}
		call(h.OnError, err)
		if !sleep(ctx, t.delay) {
			return
		}
	}
}

func (t *WSTransport) read(conn *websocket.Conn, gen uint64) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var n model.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			t.log.Debug("skipping undecodable frame", "event", "ws_bad_frame", "err", err)
			continue
		}
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return nil
		}
		label, sub, h := t.label, t.sub, t.handlers
		t.mu.Unlock()
		if sub.Accepts(n.Cmd) && h.OnMessage != nil {
			h.OnMessage(label, n)
		}
	}
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	u := "ws://" + net.JoinHostPort(t.address, strconv.Itoa(t.port)) + "/"
	t.mu.Unlock()
	conn, _, err := t.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return conn, nil
}

func (t *WSTransport) write(conn *websocket.Conn, batch []Command) error {
	t.mu.Lock()
	id := t.deviceID
	t.mu.Unlock()
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, c := range batch {
		if id > 0 {
			c.DeviceID = id
		}
		if err := conn.WriteJSON(c); err != nil {
			return fmt.Errorf("write %s: %w", c.Cmd, err)
		}
	}
	return nil
}

func (t *WSTransport) live(gen uint64) (Handlers, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers, t.gen == gen
}

func call(fn func(error), err error) {
	if fn != nil {
		fn(err)
	}
}

// nextBackoff doubles d up to limit.
func nextBackoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func cloneBatch(in []Command) []Command {
	return append([]Command(nil), in...)
}
