package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/telemyapp/dwarf-link/internal/metrics"
)

var errStatus = errors.New("unexpected relay status")

// MediaMTX manages relay paths through the MediaMTX v3 config API.
type MediaMTX struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

type MediaMTXOptions struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

func NewMediaMTX(opts MediaMTXOptions, log *slog.Logger) *MediaMTX {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &MediaMTX{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
		log:     log,
	}
}

func (m *MediaMTX) EnsureStreamsConfigured(ctx context.Context, address string) bool {
	if m.Verify(ctx, address) {
		m.log.Info("relay paths already configured", "event", "relay_verified", "address", address)
		return true
	}
	for _, name := range Paths {
		if err := m.replacePath(ctx, address, name); err != nil {
			m.log.Error("relay path replace failed", "event", "relay_replace_failed", "address", address, "path", name, "err", err)
			return false
		}
	}
	m.log.Info("relay paths configured", "event", "relay_configured", "address", address)
	return true
}

// Verify reports whether both relay paths already source from address.
func (m *MediaMTX) Verify(ctx context.Context, address string) bool {
	for _, name := range Paths {
		source, err := m.getSource(ctx, name)
		if err != nil {
			m.log.Warn("relay path lookup failed", "event", "relay_get_failed", "address", address, "path", name, "err", err)
			return false
		}
		u, err := url.Parse(source)
		if err != nil || u.Hostname() != address {
			return false
		}
	}
	return true
}

func (m *MediaMTX) getSource(ctx context.Context, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/v3/config/paths/get/"+url.PathEscape(name), nil)
	if err != nil {
		return "", err
	}
	resp, err := m.do(req, "get", name)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %d", errStatus, resp.StatusCode)
	}
	var body struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode path %s: %w", name, err)
	}
	return body.Source, nil
}

func (m *MediaMTX) replacePath(ctx context.Context, address, name string) error {
	desired, err := DesiredPath(address, name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(desired)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v3/config/paths/replace/"+url.PathEscape(name), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.do(req, "replace", name)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", errStatus, resp.StatusCode)
	}
	return nil
}

func (m *MediaMTX) do(req *http.Request, op, name string) (*http.Response, error) {
	start := time.Now()
	resp, err := m.client.Do(req)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	metrics.Default().IncCounter("dwarf_relay_requests_total", map[string]string{"op": op, "path": name, "status": status})
	metrics.Default().ObserveHistogram("dwarf_relay_request_latency_ms", float64(time.Since(start).Milliseconds()), map[string]string{"op": op, "status": status})
	return resp, err
}
