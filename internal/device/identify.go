// Package device resolves which hardware variant sits behind an address.
//
// Identification is a first-success fold over an ordered list of probes. A
// probe either resolves the type, declines (not applicable or nothing
// found) or fails; failures are logged and the fold moves on, so an
// unresolved result simply means "try again on the next notification".
package device

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/telemyapp/dwarf-link/internal/metrics"
	"github.com/telemyapp/dwarf-link/internal/model"
)

// Input is what the probes may draw on for one identification attempt.
type Input struct {
	Address   string
	KnownID   *int
	KnownName string
	InBandID  *int
}

type Result struct {
	TypeID   int
	TypeName string
	Source   string
	Resolved bool
}

type Probe interface {
	Name() string
	Resolve(ctx context.Context, in Input) (Result, error)
}

type Identifier struct {
	probes []Probe
	log    *slog.Logger
}

func NewIdentifier(probes []Probe, log *slog.Logger) *Identifier {
	return &Identifier{probes: probes, log: log}
}

// Identify runs the probes in order and returns the first resolved result.
func (i *Identifier) Identify(ctx context.Context, in Input) Result {
	for _, p := range i.probes {
		res, err := p.Resolve(ctx, in)
		switch {
		case err != nil:
			i.log.Warn("identify probe failed", "event", "identify_probe_failed", "probe", p.Name(), "address", in.Address, "err", err)
			countProbe(p.Name(), "error")
		case res.Resolved:
			res.Source = p.Name()
			if res.TypeName == "" {
				res.TypeName = DisplayName(res.TypeID)
			}
			countProbe(p.Name(), "resolved")
			i.log.Info("device identified", "event", "device_identified", "probe", p.Name(), "address", in.Address, "type_id", res.TypeID, "type_name", res.TypeName)
			return res
		default:
			countProbe(p.Name(), "skipped")
		}
	}
	i.log.Warn("device type unresolved", "event", "identify_unresolved", "address", in.Address)
	return Result{}
}

// DisplayName derives the marketing name from a type id. Variant 1 is the
// "Dwarf II"; every other id is offset by one ("Dwarf3" for 2).
func DisplayName(id int) string {
	if id == model.DeviceTypeDwarfII {
		return "Dwarf II"
	}
	return "Dwarf" + strconv.Itoa(id+1)
}

// RelayCapable reports whether the variant serves RTSP streams through the
// external relay.
func RelayCapable(id int) bool {
	return id == model.DeviceTypeDwarf3
}

func countProbe(probe, status string) {
	metrics.Default().IncCounter("dwarf_identify_total", map[string]string{"probe": probe, "status": status})
}
