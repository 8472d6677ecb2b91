package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Default probe URL templates; %s is the device address.
const (
	DefaultDwarfIIURL = "http://%s/sdcard/DWARF_II/Astronomy/"
	DefaultDwarf3URL  = "http://%s/DWARF3/Astronomy/"
	DefaultConfigURL  = "http://%s:8082/getDefaultParamsConfig"
)

type URLs struct {
	DwarfII string
	Dwarf3  string
	Config  string
}

func DefaultURLs() URLs {
	return URLs{DwarfII: DefaultDwarfIIURL, Dwarf3: DefaultDwarf3URL, Config: DefaultConfigURL}
}

// DefaultProbes returns the probes in resolution order: session value,
// in-band device id, filesystem layout, configuration endpoint.
func DefaultProbes(client *http.Client, urls URLs) []Probe {
	return []Probe{
		SessionProbe{},
		NotificationProbe{},
		&FilesystemProbe{Client: client, DwarfIIURL: urls.DwarfII, Dwarf3URL: urls.Dwarf3},
		&ConfigEndpointProbe{Client: client, URL: urls.Config},
	}
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// SessionProbe reuses a type already carried by the session.
type SessionProbe struct{}

func (SessionProbe) Name() string { return "session" }

func (SessionProbe) Resolve(_ context.Context, in Input) (Result, error) {
	if in.KnownID == nil {
		return Result{}, nil
	}
	return Result{TypeID: *in.KnownID, TypeName: in.KnownName, Resolved: true}, nil
}

// NotificationProbe takes the device id carried in-band by a notification.
type NotificationProbe struct{}

func (NotificationProbe) Name() string { return "notification" }

func (NotificationProbe) Resolve(_ context.Context, in Input) (Result, error) {
	if in.InBandID == nil || *in.InBandID <= 0 {
		return Result{}, nil
	}
	return Result{TypeID: *in.InBandID, Resolved: true}, nil
}

// FilesystemProbe checks which astronomy folder layout the device serves.
type FilesystemProbe struct {
	Client     *http.Client
	DwarfIIURL string
	Dwarf3URL  string
}

func (p *FilesystemProbe) Name() string { return "filesystem" }

func (p *FilesystemProbe) Resolve(ctx context.Context, in Input) (Result, error) {
	ok, err := p.exists(ctx, fmt.Sprintf(p.DwarfIIURL, in.Address))
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{TypeID: 1, Resolved: true}, nil
	}
	ok, err = p.exists(ctx, fmt.Sprintf(p.Dwarf3URL, in.Address))
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{TypeID: 2, Resolved: true}, nil
	}
	return Result{}, nil
}

func (p *FilesystemProbe) exists(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode <= 299, nil
}

// ConfigEndpointProbe reads the id/name pair from the default-parameters
// document.
type ConfigEndpointProbe struct {
	Client *http.Client
	URL    string
}

func (p *ConfigEndpointProbe) Name() string { return "config_endpoint" }

func (p *ConfigEndpointProbe) Resolve(ctx context.Context, in Input) (Result, error) {
	url := fmt.Sprintf(p.URL, in.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	var doc struct {
		Data *struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Result{}, fmt.Errorf("decode default params: %w", err)
	}
	if doc.Data == nil || doc.Data.ID == 0 {
		return Result{}, nil
	}
	return Result{TypeID: doc.Data.ID, TypeName: doc.Data.Name, Resolved: true}, nil
}
