package orchestrator

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/telemyapp/dwarf-link/internal/model"
	"github.com/telemyapp/dwarf-link/internal/state"
)

// Reconciler folds device notifications into the session state. It is only
// ever called from the owning session loop.
type Reconciler struct {
	state         *state.Session
	ui            UI
	log           *slog.Logger
	now           func() time.Time
	fetchSettings func()

	stopping        bool
	settingsFetched bool
}

func NewReconciler(st *state.Session, ui UI, fetchSettings func(), log *slog.Logger) *Reconciler {
	return &Reconciler{
		state:         st,
		ui:            ui,
		log:           log,
		now:           time.Now,
		fetchSettings: fetchSettings,
	}
}

// ResetConnection starts a new connection: the camera settings fetch is
// re-enabled and no stop is considered in progress.
func (r *Reconciler) ResetConnection() {
	r.settingsFetched = false
	r.stopping = false
}

func (r *Reconciler) Apply(n model.Notification) {
	d := n.Data
	switch n.Cmd {
	case model.CmdNotifySDCardInfo:
		if d.Code == model.CodeOK {
			r.state.SetStorage(d.AvailableSize, d.TotalSize)
		}
		r.state.MarkConnected(r.now())

	case model.CmdCameraTeleGetSystemWorkingState:
		r.state.SetConnectionStatus(true)
		if d.Code == model.CodeOK {
			if !r.settingsFetched {
				r.settingsFetched = true
				if r.fetchSettings != nil {
					r.fetchSettings()
				}
			}
			return
		}
		text := r.state.AppendError(errorFragment(d))
		r.ui.SetErrorText(text)
		r.log.Warn("device reported error", "event", "device_error", "address", r.state.Address(), "code", int(d.Code))

	case model.CmdNotifyWSHostSlaveMode:
		slave := d.Mode == 1
		if slave {
			r.log.Warn("device is in slave mode", "event", "slave_mode", "address", r.state.Address())
		}
		r.state.SetSlaveMode(slave)
		r.ui.SetSlaveMode(slave)

	case model.CmdNotifyStateCaptureRawLiveStacking, model.CmdNotifyStateCaptureRawWideLiveStacking:
		r.setCamera(n.Cmd)
		r.applyCaptureState(d.State)

	case model.CmdNotifyProgressCaptureRawLiveStacking, model.CmdNotifyProgressCaptureRawWideLiveStacking:
		r.setCamera(n.Cmd)
		r.applyProgress(d)

	case model.CmdNotifyEle:
		if d.Code == model.CodeOK {
			r.state.SetBatteryLevel(d.Value)
		}

	case model.CmdNotifyCharge:
		if d.Code == model.CodeOK {
			r.state.SetChargeStatus(d.Value)
		}

	case model.CmdNotifyRGBState:
		if d.Code == model.CodeOK {
			r.state.SetRingLights(d.State == 1)
		}

	case model.CmdNotifyPowerIndState:
		if d.Code == model.CodeOK {
			r.state.SetPowerLights(d.State == 1)
		}

	default:
		r.log.Debug("unhandled notification", "event", "notification_unhandled", "address", r.state.Address(), "cmd", n.Cmd.String())
	}
}

func (r *Reconciler) applyCaptureState(s model.OperationState) {
	switch s {
	case model.OperationStopped:
		r.stopping = true
		r.state.SetRecording(false)
		r.state.SetEndRecording(true)
		r.state.SetGoLive(true)
		r.ui.SetGoLive(true)
	case model.OperationStopping:
		r.stopping = true
		r.state.SetRecording(false)
		r.state.SetEndRecording(true)
	case model.OperationRunning:
		r.stopping = false
		r.state.SetRecording(true)
		r.state.SetEndRecording(false)
	}
}

// applyProgress updates the counters selected by the count type. Progress
// that races a stop never re-asserts recording.
func (r *Reconciler) applyProgress(d model.Payload) {
	switch d.UpdateCountType {
	case model.CountTaken, model.CountBoth:
		if !r.stopping {
			r.state.SetRecording(true)
			r.state.SetEndRecording(false)
		}
		r.state.SetImagesTaken(d.CurrentCount)
	}
	switch d.UpdateCountType {
	case model.CountStacked, model.CountBoth:
		if !r.stopping && r.state.Imaging().EndRecording {
			r.state.SetRecording(false)
		}
		r.state.SetStackedCountStart(true)
		r.state.SetImagesStacked(d.StackedCount)
	}
}

func (r *Reconciler) setCamera(cmd model.Command) {
	camera := model.TelephotoCamera
	if cmd == model.CmdNotifyStateCaptureRawWideLiveStacking || cmd == model.CmdNotifyProgressCaptureRawWideLiveStacking {
		camera = model.WideAngleCamera
	}
	if r.state.Imaging().AstroCamera != camera {
		r.state.SetAstroCamera(camera)
	}
	r.ui.SetAstroCamera(camera)
}

// errorFragment picks the most descriptive message a payload carries.
func errorFragment(d model.Payload) string {
	switch {
	case d.ErrorPlainTxt != "":
		return d.ErrorPlainTxt
	case d.ErrorTxt != "":
		return d.ErrorTxt
	case d.Code != model.CodeOK:
		return "Error: " + strconv.Itoa(int(d.Code))
	default:
		return "Error"
	}
}
