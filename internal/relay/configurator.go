package relay

import (
	"context"
	"fmt"

	"github.com/telemyapp/dwarf-link/internal/model"
)

// Fixed relay path names for the two device cameras.
const (
	PathWide = "dwarf_wide"
	PathTele = "dwarf_tele"
)

// Paths lists the relay paths in the order they are repaired.
var Paths = []string{PathWide, PathTele}

type Configurator interface {
	// EnsureStreamsConfigured points both relay paths at the device's video
	// sources. It reports success and never returns an error to the caller.
	EnsureStreamsConfigured(ctx context.Context, address string) bool
}

// DesiredPath returns the path definition a relay path should carry for the
// device at address.
func DesiredPath(address, name string) (model.StreamPath, error) {
	var channel string
	switch name {
	case PathWide:
		channel = "ch1"
	case PathTele:
		channel = "ch0"
	default:
		return model.StreamPath{}, fmt.Errorf("unknown relay path %q", name)
	}
	return model.StreamPath{
		Source:                   fmt.Sprintf("rtsp://%s:554/%s/stream0", address, channel),
		SourceOnDemand:           true,
		SourceOnDemandCloseAfter: "10s",
		Record:                   false,
	}, nil
}
