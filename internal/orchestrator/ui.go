package orchestrator

import (
	"sync"

	"github.com/telemyapp/dwarf-link/internal/model"
)

// UI receives presentation updates. Calls are fire-and-forget from the
// session loop and must not block.
type UI interface {
	SetConnecting(v bool)
	SetSlaveMode(v bool)
	SetGoLive(v bool)
	SetErrorText(v string)
	SetAstroCamera(c model.Camera)
}

type NopUI struct{}

func (NopUI) SetConnecting(bool)          {}
func (NopUI) SetSlaveMode(bool)           {}
func (NopUI) SetGoLive(bool)              {}
func (NopUI) SetErrorText(string)         {}
func (NopUI) SetAstroCamera(model.Camera) {}

type UIStatus struct {
	Connecting  bool   `json:"connecting"`
	SlaveMode   bool   `json:"slave_mode"`
	GoLive      bool   `json:"go_live"`
	ErrorText   string `json:"error_text,omitempty"`
	AstroCamera string `json:"astro_camera"`
}

// StatusBoard keeps the latest UI flags so API clients can poll them.
type StatusBoard struct {
	mu     sync.RWMutex
	status UIStatus
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{status: UIStatus{AstroCamera: model.TelephotoCamera.String()}}
}

func (b *StatusBoard) SetConnecting(v bool) {
	b.mu.Lock()
	b.status.Connecting = v
	b.mu.Unlock()
}

func (b *StatusBoard) SetSlaveMode(v bool) {
	b.mu.Lock()
	b.status.SlaveMode = v
	b.mu.Unlock()
}

func (b *StatusBoard) SetGoLive(v bool) {
	b.mu.Lock()
	b.status.GoLive = v
	b.mu.Unlock()
}

func (b *StatusBoard) SetErrorText(v string) {
	b.mu.Lock()
	b.status.ErrorText = v
	b.mu.Unlock()
}

func (b *StatusBoard) SetAstroCamera(c model.Camera) {
	b.mu.Lock()
	b.status.AstroCamera = c.String()
	b.mu.Unlock()
}

func (b *StatusBoard) Status() UIStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}
