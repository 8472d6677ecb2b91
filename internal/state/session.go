// Package state holds the per-device connection and imaging-session state.
//
// A Session has exactly one writer: the orchestrator's event loop for the
// device. Every mutation that changes a persisted field is written through
// to the Persister under a fixed key so the last known state survives a
// restart. Persistence failures are logged and never returned to callers.
package state

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/telemyapp/dwarf-link/internal/model"
)

// Persisted keys.
const (
	KeyConnectionStatus      = "connectionStatus"
	KeyAddress               = "IPDwarf"
	KeyInitialConnectionTime = "initialConnectionTime"
	KeyTypeID                = "typeIdDwarf"
	KeyTypeName              = "typeNameDwarf"
	KeyIsRecording           = "isRecording"
	KeyEndRecording          = "endRecording"
	KeyIsGoLive              = "isGoLive"
	KeyIsStackedCountStart   = "isStackedCountStart"
	KeyImagesTaken           = "imagesTaken"
	KeyImagesStacked         = "imagesStacked"
	KeyAstroCamera           = "astroCamera"
)

type Persister interface {
	PutState(ctx context.Context, address, key, value string) error
}

type Imaging struct {
	IsRecording         bool         `json:"is_recording"`
	EndRecording        bool         `json:"end_recording"`
	IsGoLive            bool         `json:"is_go_live"`
	IsStackedCountStart bool         `json:"is_stacked_count_start"`
	ImagesTaken         int          `json:"images_taken"`
	ImagesStacked       int          `json:"images_stacked"`
	AstroCamera         model.Camera `json:"astro_camera"`
}

// Snapshot is a read-only copy of a Session.
type Snapshot struct {
	Address               string    `json:"address"`
	Connected             *bool     `json:"connected"`
	TypeID                *int      `json:"type_id,omitempty"`
	TypeName              string    `json:"type_name,omitempty"`
	SlaveMode             bool      `json:"slave_mode"`
	BatteryLevel          int       `json:"battery_level"`
	ChargeStatus          int       `json:"charge_status"`
	AvailableSize         int64     `json:"available_size"`
	TotalSize             int64     `json:"total_size"`
	RingLights            bool      `json:"ring_lights"`
	PowerLights           bool      `json:"power_lights"`
	InitialConnectionTime time.Time `json:"initial_connection_time,omitempty"`
	ErrorText             string    `json:"error_text,omitempty"`
	Imaging               Imaging   `json:"imaging"`
}

type Session struct {
	address string
	persist Persister
	log     *slog.Logger
	timeout time.Duration

	connected   *bool
	typeID      *int
	typeName    string
	slave       bool
	battery     int
	charge      int
	available   int64
	total       int64
	ringLights  bool
	powerLights bool
	initialTime time.Time
	errorText   string
	imaging     Imaging
}

func New(address string, persist Persister, log *slog.Logger) *Session {
	return &Session{
		address: address,
		persist: persist,
		log:     log,
		timeout: 2 * time.Second,
	}
}

func (s *Session) Address() string { return s.address }

// SetAddress rebinds the session to a new device address.
func (s *Session) SetAddress(address string) {
	s.address = address
}

func (s *Session) put(key, value string) {
	if s.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.persist.PutState(ctx, s.address, key, value); err != nil {
		s.log.Error("state write failed", "event", "state_write_failed", "address", s.address, "key", key, "err", err)
	}
}

// ConnectionStatus returns the status and whether it is known.
func (s *Session) ConnectionStatus() (connected bool, known bool) {
	if s.connected == nil {
		return false, false
	}
	return *s.connected, true
}

// SetConnectionStatus updates and persists the status. It reports whether
// the value changed; unchanged values are not rewritten.
func (s *Session) SetConnectionStatus(v bool) bool {
	if s.connected != nil && *s.connected == v {
		return false
	}
	s.connected = &v
	s.put(KeyConnectionStatus, strconv.FormatBool(v))
	return true
}

// ForceConnectionStatus persists v even if unchanged.
func (s *Session) ForceConnectionStatus(v bool) {
	s.connected = &v
	s.put(KeyConnectionStatus, strconv.FormatBool(v))
}

// MarkConnected records the first-contact facts of a live connection.
func (s *Session) MarkConnected(now time.Time) {
	s.ForceConnectionStatus(true)
	s.initialTime = now
	s.put(KeyInitialConnectionTime, strconv.FormatInt(now.UnixMilli(), 10))
	s.put(KeyAddress, s.address)
}

func (s *Session) TypeID() (int, bool) {
	if s.typeID == nil {
		return 0, false
	}
	return *s.typeID, true
}

func (s *Session) TypeName() string { return s.typeName }

// SetDeviceType sets the device type once. Later calls are ignored and
// return false.
func (s *Session) SetDeviceType(id int, name string) bool {
	if s.typeID != nil {
		return false
	}
	s.typeID = &id
	s.put(KeyTypeID, strconv.Itoa(id))
	if s.typeName == "" && name != "" {
		s.typeName = name
		s.put(KeyTypeName, name)
	}
	return true
}

func (s *Session) SlaveMode() bool       { return s.slave }
func (s *Session) SetSlaveMode(v bool)   { s.slave = v }
func (s *Session) SetBatteryLevel(v int) { s.battery = v }
func (s *Session) SetChargeStatus(v int) { s.charge = v }
func (s *Session) SetRingLights(v bool)  { s.ringLights = v }
func (s *Session) SetPowerLights(v bool) { s.powerLights = v }

func (s *Session) SetStorage(available, total int64) {
	s.available = available
	s.total = total
}

func (s *Session) ErrorText() string { return s.errorText }

func (s *Session) SetErrorText(v string) { s.errorText = v }

// AppendError adds a fragment to the accumulated error text and returns it.
func (s *Session) AppendError(fragment string) string {
	s.errorText = s.errorText + " " + fragment
	return s.errorText
}

func (s *Session) Imaging() Imaging { return s.imaging }

func (s *Session) SetRecording(v bool) {
	s.imaging.IsRecording = v
	s.put(KeyIsRecording, strconv.FormatBool(v))
}

func (s *Session) SetEndRecording(v bool) {
	s.imaging.EndRecording = v
	s.put(KeyEndRecording, strconv.FormatBool(v))
}

func (s *Session) SetGoLive(v bool) {
	s.imaging.IsGoLive = v
	s.put(KeyIsGoLive, strconv.FormatBool(v))
}

func (s *Session) SetStackedCountStart(v bool) {
	s.imaging.IsStackedCountStart = v
	s.put(KeyIsStackedCountStart, strconv.FormatBool(v))
}

func (s *Session) SetImagesTaken(n int) {
	s.imaging.ImagesTaken = n
	s.put(KeyImagesTaken, strconv.Itoa(n))
}

func (s *Session) SetImagesStacked(n int) {
	s.imaging.ImagesStacked = n
	s.put(KeyImagesStacked, strconv.Itoa(n))
}

func (s *Session) SetAstroCamera(c model.Camera) {
	s.imaging.AstroCamera = c
	s.put(KeyAstroCamera, strconv.Itoa(int(c)))
}

// Rehydrate restores persisted values without writing them back. A persisted
// "true" connection status is not trusted across restarts and is left unknown.
func (s *Session) Rehydrate(values map[string]string) {
	for key, raw := range values {
		switch key {
		case KeyConnectionStatus:
			if b, err := strconv.ParseBool(raw); err == nil && !b {
				s.connected = &b
			}
		case KeyTypeID:
			if n, err := strconv.Atoi(raw); err == nil {
				s.typeID = &n
			}
		case KeyTypeName:
			s.typeName = raw
		case KeyInitialConnectionTime:
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				s.initialTime = time.UnixMilli(ms)
			}
		case KeyIsRecording:
			s.imaging.IsRecording = parseBool(raw)
		case KeyEndRecording:
			s.imaging.EndRecording = parseBool(raw)
		case KeyIsGoLive:
			s.imaging.IsGoLive = parseBool(raw)
		case KeyIsStackedCountStart:
			s.imaging.IsStackedCountStart = parseBool(raw)
		case KeyImagesTaken:
			s.imaging.ImagesTaken, _ = strconv.Atoi(raw)
		case KeyImagesStacked:
			s.imaging.ImagesStacked, _ = strconv.Atoi(raw)
		case KeyAstroCamera:
			if n, err := strconv.Atoi(raw); err == nil {
				s.imaging.AstroCamera = model.Camera(n)
			}
		}
	}
}

func (s *Session) Snapshot() Snapshot {
	out := Snapshot{
		Address:               s.address,
		TypeName:              s.typeName,
		SlaveMode:             s.slave,
		BatteryLevel:          s.battery,
		ChargeStatus:          s.charge,
		AvailableSize:         s.available,
		TotalSize:             s.total,
		RingLights:            s.ringLights,
		PowerLights:           s.powerLights,
		InitialConnectionTime: s.initialTime,
		ErrorText:             s.errorText,
		Imaging:               s.imaging,
	}
	if s.connected != nil {
		v := *s.connected
		out.Connected = &v
	}
	if s.typeID != nil {
		v := *s.typeID
		out.TypeID = &v
	}
	return out
}

func parseBool(raw string) bool {
	b, _ := strconv.ParseBool(raw)
	return b
}
