package model

import (
	"strconv"
	"time"
)

// Command is the numeric command code carried by every frame exchanged with
// the device.
type Command int

const (
	CmdCameraTeleOpenCamera            Command = 10000
	CmdCameraTeleGetAllParams          Command = 10036
	CmdCameraTeleGetAllFeatureParams   Command = 10038
	CmdCameraTeleGetSystemWorkingState Command = 10039
	CmdCameraWideOpenCamera            Command = 12000

	CmdNotifyEle                                Command = 15201
	CmdNotifyCharge                             Command = 15202
	CmdNotifySDCardInfo                         Command = 15203
	CmdNotifyStateCaptureRawLiveStacking        Command = 15213
	CmdNotifyProgressCaptureRawLiveStacking     Command = 15214
	CmdNotifyWSHostSlaveMode                    Command = 15223
	CmdNotifyPowerOff                           Command = 15226
	CmdNotifyRGBState                           Command = 15228
	CmdNotifyPowerIndState                      Command = 15229
	CmdNotifyStateCaptureRawWideLiveStacking    Command = 15234
	CmdNotifyProgressCaptureRawWideLiveStacking Command = 15235
)

var commandNames = map[Command]string{
	CmdCameraTeleOpenCamera:                     "CMD_CAMERA_TELE_OPEN_CAMERA",
	CmdCameraTeleGetAllParams:                   "CMD_CAMERA_TELE_GET_ALL_PARAMS",
	CmdCameraTeleGetAllFeatureParams:            "CMD_CAMERA_TELE_GET_ALL_FEATURE_PARAMS",
	CmdCameraTeleGetSystemWorkingState:          "CMD_CAMERA_TELE_GET_SYSTEM_WORKING_STATE",
	CmdCameraWideOpenCamera:                     "CMD_CAMERA_WIDE_OPEN_CAMERA",
	CmdNotifyEle:                                "CMD_NOTIFY_ELE",
	CmdNotifyCharge:                             "CMD_NOTIFY_CHARGE",
	CmdNotifySDCardInfo:                         "CMD_NOTIFY_SDCARD_INFO",
	CmdNotifyStateCaptureRawLiveStacking:        "CMD_NOTIFY_STATE_CAPTURE_RAW_LIVE_STACKING",
	CmdNotifyProgressCaptureRawLiveStacking:     "CMD_NOTIFY_PROGRASS_CAPTURE_RAW_LIVE_STACKING",
	CmdNotifyWSHostSlaveMode:                    "CMD_NOTIFY_WS_HOST_SLAVE_MODE",
	CmdNotifyPowerOff:                           "CMD_NOTIFY_POWER_OFF",
	CmdNotifyRGBState:                           "CMD_NOTIFY_RGB_STATE",
	CmdNotifyPowerIndState:                      "CMD_NOTIFY_POWER_IND_STATE",
	CmdNotifyStateCaptureRawWideLiveStacking:    "CMD_NOTIFY_STATE_CAPTURE_RAW_WIDE_LIVE_STACKING",
	CmdNotifyProgressCaptureRawWideLiveStacking: "CMD_NOTIFY_PROGRASS_CAPTURE_RAW_WIDE_LIVE_STACKING",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return strconv.Itoa(int(c))
}

// Known reports whether c is one of the codes this service interprets.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// OperationState is the device-side state of a capture operation.
type OperationState int

const (
	OperationIdle     OperationState = 0
	OperationRunning  OperationState = 1
	OperationStopping OperationState = 2
	OperationStopped  OperationState = 3
)

// ErrorCode is the status code embedded in notification payloads.
type ErrorCode int

const CodeOK ErrorCode = 0

// Camera identifies the physical camera an astro capture runs on.
type Camera int

const (
	TelephotoCamera Camera = 0
	WideAngleCamera Camera = 1
)

func (c Camera) String() string {
	if c == WideAngleCamera {
		return "wide-angle"
	}
	return "telephoto"
}

// Device type identifiers as reported by the hardware.
const (
	DeviceTypeDwarfII = 1
	DeviceTypeDwarf3  = 2
)

// Count update discriminator for capture progress notifications.
const (
	CountTaken   = 0
	CountStacked = 1
	CountBoth    = 2
)

// Notification is an inbound frame from the device. Payload fields are
// populated according to Cmd.
type Notification struct {
	Cmd      Command `json:"cmd"`
	DeviceID *int    `json:"deviceId,omitempty"`
	Data     Payload `json:"data"`
}

type Payload struct {
	Code            ErrorCode      `json:"code"`
	AvailableSize   int64          `json:"availableSize,omitempty"`
	TotalSize       int64          `json:"totalSize,omitempty"`
	Value           int            `json:"value,omitempty"`
	State           OperationState `json:"state,omitempty"`
	Mode            int            `json:"mode,omitempty"`
	ErrorPlainTxt   string         `json:"errorPlainTxt,omitempty"`
	ErrorTxt        string         `json:"errorTxt,omitempty"`
	UpdateCountType int            `json:"updateCountType,omitempty"`
	CurrentCount    int            `json:"currentCount,omitempty"`
	StackedCount    int            `json:"stackedCount,omitempty"`
}

// StreamPath is the relay-side definition of one named media path.
type StreamPath struct {
	Source                   string `json:"source"`
	SourceOnDemand           bool   `json:"sourceOnDemand"`
	SourceOnDemandCloseAfter string `json:"sourceOnDemandCloseAfter"`
	Record                   bool   `json:"record"`
}

// Connection lifecycle events recorded in the audit log.
const (
	EventConnect         = "connect"
	EventReconnect       = "reconnect"
	EventError           = "error"
	EventWatchdogTimeout = "watchdog_timeout"
	EventPowerOff        = "power_off"
	EventDisconnect      = "disconnect"
	EventIdentified      = "identified"
)

type ConnectionEvent struct {
	ID           string    `json:"id" dynamodbav:"event_id"`
	Address      string    `json:"address" dynamodbav:"device_address"`
	ConnectionID string    `json:"connection_id" dynamodbav:"connection_id"`
	Event        string    `json:"event" dynamodbav:"event"`
	Detail       string    `json:"detail,omitempty" dynamodbav:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at" dynamodbav:"created_at"`
}
