package device

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemyapp/dwarf-link/internal/logger"
)

type cannedResponse struct {
	status int
	body   string
	err    error
}

// routeTransport answers requests by exact URL and records what was asked.
type routeTransport struct {
	mu        sync.Mutex
	responses map[string]cannedResponse
	requested []string
}

func (rt *routeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	u := req.URL.String()
	rt.requested = append(rt.requested, u)
	c, ok := rt.responses[u]
	if !ok {
		c = cannedResponse{status: http.StatusNotFound}
	}
	if c.err != nil {
		return nil, c.err
	}
	return &http.Response{
		StatusCode: c.status,
		Body:       io.NopCloser(strings.NewReader(c.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func newTestIdentifier(rt *routeTransport) *Identifier {
	return NewIdentifier(DefaultProbes(&http.Client{Transport: rt}, DefaultURLs()), logger.Discard())
}

func intPtr(v int) *int { return &v }

func TestDisplayName(t *testing.T) {
	tests := []struct {
		id   int
		want string
	}{
		{id: 1, want: "Dwarf II"},
		{id: 2, want: "Dwarf3"},
		{id: 0, want: "Dwarf1"},
		{id: 3, want: "Dwarf4"},
		{id: 10, want: "Dwarf11"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DisplayName(tt.id), "id=%d", tt.id)
	}
}

func TestIdentify_FilesystemResolvesDwarf3(t *testing.T) {
	rt := &routeTransport{responses: map[string]cannedResponse{
		"http://192.168.1.1/DWARF3/Astronomy/": {status: http.StatusOK, body: "<html></html>"},
	}}
	res := newTestIdentifier(rt).Identify(context.Background(), Input{Address: "192.168.1.1"})

	require.True(t, res.Resolved)
	assert.Equal(t, 2, res.TypeID)
	assert.Equal(t, "Dwarf3", res.TypeName)
	assert.Equal(t, "filesystem", res.Source)
	assert.True(t, RelayCapable(res.TypeID))
	assert.Equal(t, []string{
		"http://192.168.1.1/sdcard/DWARF_II/Astronomy/",
		"http://192.168.1.1/DWARF3/Astronomy/",
	}, rt.requested)
}

func TestIdentify_FilesystemPrefersDwarfII(t *testing.T) {
	rt := &routeTransport{responses: map[string]cannedResponse{
		"http://10.0.0.5/sdcard/DWARF_II/Astronomy/": {status: http.StatusOK},
		"http://10.0.0.5/DWARF3/Astronomy/":          {status: http.StatusOK},
	}}
	res := newTestIdentifier(rt).Identify(context.Background(), Input{Address: "10.0.0.5"})

	require.True(t, res.Resolved)
	assert.Equal(t, 1, res.TypeID)
	assert.Equal(t, "Dwarf II", res.TypeName)
	assert.Len(t, rt.requested, 1)
}

func TestIdentify_SessionValueSkipsNetwork(t *testing.T) {
	rt := &routeTransport{}
	res := newTestIdentifier(rt).Identify(context.Background(), Input{
		Address:   "10.0.0.5",
		KnownID:   intPtr(2),
		KnownName: "Dwarf3",
		InBandID:  intPtr(1),
	})

	require.True(t, res.Resolved)
	assert.Equal(t, 2, res.TypeID)
	assert.Equal(t, "session", res.Source)
	assert.Empty(t, rt.requested)
}

func TestIdentify_InBandBeforeProbes(t *testing.T) {
	rt := &routeTransport{}
	res := newTestIdentifier(rt).Identify(context.Background(), Input{Address: "10.0.0.5", InBandID: intPtr(2)})

	require.True(t, res.Resolved)
	assert.Equal(t, "notification", res.Source)
	assert.Equal(t, "Dwarf3", res.TypeName)
	assert.Empty(t, rt.requested)
}

func TestIdentify_ConfigEndpointFallback(t *testing.T) {
	rt := &routeTransport{responses: map[string]cannedResponse{
		"http://10.0.0.5:8082/getDefaultParamsConfig": {status: http.StatusOK, body: `{"data":{"id":2,"name":"DWARF 3"}}`},
	}}
	res := newTestIdentifier(rt).Identify(context.Background(), Input{Address: "10.0.0.5"})

	require.True(t, res.Resolved)
	assert.Equal(t, "config_endpoint", res.Source)
	assert.Equal(t, "DWARF 3", res.TypeName)
	assert.Len(t, rt.requested, 3)
}

func TestIdentify_ProbeErrorsLeaveUnresolved(t *testing.T) {
	rt := &routeTransport{responses: map[string]cannedResponse{
		"http://10.0.0.5/sdcard/DWARF_II/Astronomy/":  {err: errors.New("connection refused")},
		"http://10.0.0.5:8082/getDefaultParamsConfig": {status: http.StatusOK, body: `{"data":null}`},
	}}
	res := newTestIdentifier(rt).Identify(context.Background(), Input{Address: "10.0.0.5"})

	assert.False(t, res.Resolved)
}

func TestConfigEndpointProbe_MalformedBody(t *testing.T) {
	rt := &routeTransport{responses: map[string]cannedResponse{
		"http://10.0.0.5:8082/getDefaultParamsConfig": {status: http.StatusOK, body: `{"data":`},
	}}
	p := &ConfigEndpointProbe{Client: &http.Client{Transport: rt}, URL: DefaultConfigURL}
	_, err := p.Resolve(context.Background(), Input{Address: "10.0.0.5"})

	assert.Error(t, err)
}
