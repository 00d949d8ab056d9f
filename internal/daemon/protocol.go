package daemon

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/cochaviz/vmdesk/internal/input"
	"github.com/cochaviz/vmdesk/internal/power"
	"github.com/cochaviz/vmdesk/internal/services"
	"github.com/cochaviz/vmdesk/internal/session"
	"github.com/cochaviz/vmdesk/internal/setup"
)

var DefaultSocketPath = setup.SocketPath

type Command string

const (
	CommandScreen      Command = "screen"
	CommandKeys        Command = "keys"
	CommandType        Command = "type"
	CommandEnter       Command = "enter"
	CommandBackspace   Command = "backspace"
	CommandMouse       Command = "mouse"
	CommandPower       Command = "power"
	CommandAutoRestart Command = "autorestart"
	CommandInfo        Command = "info"
	CommandMachine     Command = "vm"
)

// Machine actions carried as the first argument of CommandMachine.
const (
	MachineList       = "list"
	MachineCreate     = "create"
	MachineDelete     = "delete"
	MachineReset      = "reset"
	MachineSetCurrent = "current"
	MachineSetParent  = "parent"
)

// IPCRequest is one request on the control socket. Each connection carries
// exactly one request and one response.
type IPCRequest struct {
	ID      string          `json:"id,omitempty"`
	Command Command         `json:"command"`
	Args    []string        `json:"args,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type IPCResponse struct {
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type MouseAction string

const (
	MouseMove   MouseAction = "move"
	MouseClick  MouseAction = "click"
	MouseHold   MouseAction = "hold"
	MouseScroll MouseAction = "scroll"
)

type MouseRequest struct {
	Action MouseAction `json:"action"`
	X      uint16      `json:"x"`
	Y      uint16      `json:"y"`
	Button string      `json:"button,omitempty"`
	Up     bool        `json:"up,omitempty"` // scroll direction
}

type Screenshot struct {
	Width   int       `json:"width"`
	Height  int       `json:"height"`
	Format  string    `json:"format"`
	Data    []byte    `json:"data"`
	TakenAt time.Time `json:"taken_at"`
}

type PowerResult struct {
	State string `json:"state"`
}

type Status struct {
	Power               string    `json:"power"`
	ObservedAt          time.Time `json:"observed_at"`
	Monitor             string    `json:"monitor"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Session             string    `json:"session"`
	SessionID           string    `json:"session_id,omitempty"`
	AutoRestart         bool      `json:"auto_restart"`
	Machine             string    `json:"machine,omitempty"`
	Parent              string    `json:"parent,omitempty"`
}

type MachineEntry struct {
	ID      string `json:"id"`
	Path    string `json:"path,omitempty"`
	Current bool   `json:"current,omitempty"`
	Parent  bool   `json:"parent,omitempty"`
}

type MachineResult struct {
	ID string `json:"id"`
}

const (
	codeNotPoweredOn    = "not_powered_on"
	codeNotReady        = "not_ready"
	codeCaptureBusy     = "capture_busy"
	codeNotConnected    = "not_connected"
	codeConnectFailed   = "connect_failed"
	codeInvalidInput    = "invalid_input"
	codeAlreadyRunning  = "already_running"
	codeInvalidRequest  = "invalid_request"
	codeUnsupported     = "unsupported"
	codeNoCurrent       = "no_current_machine"
	codeNoParent        = "no_parent_machine"
	codeInternalFailure = "internal"
)

// RemoteError is a failure reported by the daemon. errors.Is and errors.As
// match it against the session and power errors it was built from.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case codeNotPoweredOn:
		return target == session.ErrNotPoweredOn
	case codeCaptureBusy:
		return target == session.ErrCaptureBusy
	case codeNotConnected:
		return target == session.ErrNotConnected
	case codeAlreadyRunning:
		return target == power.ErrAlreadyRunning
	case codeUnsupported:
		return target == services.ErrNotProvisioner
	case codeNoCurrent:
		return target == services.ErrNoCurrent
	case codeNoParent:
		return target == services.ErrNoParent
	}
	return false
}

func (e *RemoteError) As(target any) bool {
	if e.Code != codeNotReady {
		return false
	}
	if t, ok := target.(**session.NotReadyError); ok {
		*t = &session.NotReadyError{}
		return true
	}
	return false
}

func errorCode(err error) string {
	var (
		notReady    *session.NotReadyError
		connectErr  *session.ConnectError
		translation *input.TranslationError
		badRequest  *requestError
	)
	switch {
	case errors.Is(err, session.ErrNotPoweredOn):
		return codeNotPoweredOn
	case errors.As(err, &notReady):
		return codeNotReady
	case errors.Is(err, session.ErrCaptureBusy):
		return codeCaptureBusy
	case errors.Is(err, power.ErrAlreadyRunning):
		return codeAlreadyRunning
	case errors.As(err, &connectErr):
		return codeConnectFailed
	case errors.Is(err, session.ErrNotConnected):
		return codeNotConnected
	case errors.As(err, &translation):
		return codeInvalidInput
	case errors.As(err, &badRequest):
		return codeInvalidRequest
	case errors.Is(err, services.ErrNotProvisioner):
		return codeUnsupported
	case errors.Is(err, services.ErrNoCurrent):
		return codeNoCurrent
	case errors.Is(err, services.ErrNoParent):
		return codeNoParent
	default:
		return codeInternalFailure
	}
}

// requestError is a malformed request: unknown command, bad arguments.
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return e.msg
}
