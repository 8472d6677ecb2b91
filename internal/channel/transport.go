// Package channel is the bidirectional command/notification channel to a
// device.
package channel

import (
	"context"
	"errors"
	"slices"

	"github.com/telemyapp/dwarf-link/internal/model"
)

var (
	ErrNotPrepared  = errors.New("channel not prepared")
	ErrNotConnected = errors.New("channel not connected")
)

// Device module ids carried on outbound frames.
const (
	ModuleTelephoto = 1
	ModuleWideAngle = 2
)

// Command is one outbound request frame.
type Command struct {
	Module   int            `json:"module"`
	Cmd      model.Command  `json:"cmd"`
	DeviceID int            `json:"deviceId,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Subscription selects which inbound codes reach the message handler.
type Subscription struct {
	Wildcard bool
	Codes    []model.Command
}

func (s Subscription) Accepts(cmd model.Command) bool {
	return s.Wildcard || slices.Contains(s.Codes, cmd)
}

// Handlers are invoked one at a time in delivery order.
type Handlers struct {
	OnMessage     func(label string, n model.Notification)
	OnStateChange func(connected bool)
	OnError       func(err error)
	OnReconnect   func()
}

type Transport interface {
	// Prepare registers the startup batch, subscription and handlers. It
	// must be called before Run.
	Prepare(batch []Command, label string, sub Subscription, h Handlers)
	// Run opens the channel if needed and submits the prepared batch. It
	// reports false when nothing was prepared.
	Run() bool
	// HandleClose closes the live connection without reconnecting.
	HandleClose(reason string)
	// Cleanup tears the channel down. A forced cleanup skips the close
	// handshake.
	Cleanup(force bool)
	SetDeviceID(id int) bool
	SetAddress(ctx context.Context, address string) error
	Send(batch []Command) error
}

func GetSystemWorkingState() Command {
	return Command{Module: ModuleTelephoto, Cmd: model.CmdCameraTeleGetSystemWorkingState}
}

func OpenWideCamera() Command {
	return Command{Module: ModuleWideAngle, Cmd: model.CmdCameraWideOpenCamera, Data: map[string]any{"action": 0}}
}

func OpenTeleCamera() Command {
	return Command{Module: ModuleTelephoto, Cmd: model.CmdCameraTeleOpenCamera, Data: map[string]any{"binning": false, "rtspEncodeType": 0}}
}

func GetAllTeleParams() Command {
	return Command{Module: ModuleTelephoto, Cmd: model.CmdCameraTeleGetAllParams}
}

func GetAllFeatureParams() Command {
	return Command{Module: ModuleTelephoto, Cmd: model.CmdCameraTeleGetAllFeatureParams}
}

// StartupBatch is sent on every (re)connect.
func StartupBatch() []Command {
	return []Command{GetSystemWorkingState(), OpenWideCamera(), OpenTeleCamera()}
}

// CameraSettingsBatch fetches the extended camera settings.
func CameraSettingsBatch() []Command {
	return []Command{GetAllTeleParams(), GetAllFeatureParams()}
}
