package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/vmdesk/internal/input"
	"github.com/cochaviz/vmdesk/internal/logging"
	"github.com/cochaviz/vmdesk/internal/power"
	"github.com/cochaviz/vmdesk/internal/services"
	"github.com/cochaviz/vmdesk/internal/session"
	"github.com/cochaviz/vmdesk/internal/setup"
)

const (
	DefaultRequestTimeout = time.Minute

	readTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Service is what the daemon exposes on its socket. services.Desk
// implements it.
type Service interface {
	Screen(ctx context.Context) (*session.Snapshot, error)
	KeyCombo(ctx context.Context, keys []string) error
	Type(ctx context.Context, text string) error
	Enter(ctx context.Context) error
	Backspace(ctx context.Context, count int) error
	Move(ctx context.Context, x, y uint16) error
	Click(ctx context.Context, x, y uint16, button input.Button) error
	Hold(ctx context.Context, x, y uint16, buttons input.Button) error
	Scroll(ctx context.Context, x, y uint16, up bool) error
	Power(ctx context.Context, cmd power.Command) (power.State, error)
	SetAutoRestart(enabled bool) error
	Info() services.Info
	Machines(ctx context.Context) ([]services.MachineInfo, error)
	CreateMachine(ctx context.Context) (string, error)
	DeleteMachine(ctx context.Context) error
	ResetMachine(ctx context.Context) (string, error)
	SetCurrentMachine(ctx context.Context, id string) error
	SetParentMachine(id string) error
	Run(ctx context.Context) error
	Close() error
}

var _ Service = (*services.Desk)(nil)

// Daemon serves one Service on a unix socket.
type Daemon struct {
	socketPath     string
	service        Service
	logger         *slog.Logger
	RequestTimeout time.Duration

	wg sync.WaitGroup
}

func New(socketPath string, service Service, logger *slog.Logger) *Daemon {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Daemon{
		socketPath:     socketPath,
		service:        service,
		logger:         logging.Ensure(logger).With("component", "daemon"),
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Start serves requests until ctx is done. The service's status poller runs
// for the same lifetime; the service is closed before Start returns.
func (d *Daemon) Start(ctx context.Context) error {
	if err := setup.PrepareSocket(d.socketPath); err != nil {
		return err
	}
	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.socketPath, err)
	}
	if err := os.Chmod(d.socketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- d.service.Run(runCtx)
	}()
	go func() {
		<-runCtx.Done()
		listener.Close()
	}()

	d.logger.Info("daemon listening", "socket", d.socketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if runCtx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			d.logger.Warn("accept failed", "error", err)
			continue
		}
		d.wg.Add(1)
		go d.handle(runCtx, conn)
	}

	cancel()
	d.wg.Wait()
	var errs []error
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, fmt.Errorf("status poller: %w", err))
	}
	if err := d.service.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close service: %w", err))
	}
	return errors.Join(errs...)
}

func (d *Daemon) handle(ctx context.Context, conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		d.logger.Warn("decode request failed", "error", err)
		d.respond(conn, IPCResponse{Error: fmt.Sprintf("decode request: %v", err), Code: codeInvalidRequest})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	logger := d.logger.With("request", req.ID, "command", req.Command)

	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	data, err := d.dispatch(reqCtx, req)
	resp := IPCResponse{ID: req.ID, OK: err == nil, Data: data}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = errorCode(err)
		logger.Warn("request failed", "code", resp.Code, "error", err)
	} else {
		logger.Debug("request served", "duration", time.Since(started))
	}
	d.respond(conn, resp)
}

func (d *Daemon) respond(conn net.Conn, resp IPCResponse) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		d.logger.Warn("write response failed", "error", err)
	}
}

func (d *Daemon) dispatch(ctx context.Context, req IPCRequest) (any, error) {
	switch req.Command {
	case CommandScreen:
		snap, err := d.service.Screen(ctx)
		if err != nil {
			return nil, err
		}
		return Screenshot{
			Width:   snap.Width,
			Height:  snap.Height,
			Format:  snap.Format,
			Data:    snap.Data,
			TakenAt: snap.TakenAt,
		}, nil
	case CommandKeys:
		if len(req.Args) == 0 {
			return nil, &requestError{"keys: at least one key is required"}
		}
		return nil, d.service.KeyCombo(ctx, req.Args)
	case CommandType:
		return nil, d.service.Type(ctx, strings.Join(req.Args, " "))
	case CommandEnter:
		return nil, d.service.Enter(ctx)
	case CommandBackspace:
		count := 1
		if len(req.Args) > 0 {
			n, err := strconv.Atoi(req.Args[0])
			if err != nil {
				return nil, &requestError{fmt.Sprintf("backspace: invalid count %q", req.Args[0])}
			}
			count = n
		}
		return nil, d.service.Backspace(ctx, count)
	case CommandMouse:
		return nil, d.mouse(ctx, req.Payload)
	case CommandPower:
		if len(req.Args) != 1 {
			return nil, &requestError{"power: exactly one command is required"}
		}
		cmd, err := power.ParseCommand(req.Args[0])
		if err != nil {
			return nil, &requestError{err.Error()}
		}
		state, err := d.service.Power(ctx, cmd)
		if err != nil {
			return nil, err
		}
		return PowerResult{State: state.String()}, nil
	case CommandAutoRestart:
		if len(req.Args) != 1 {
			return nil, &requestError{"autorestart: expected on or off"}
		}
		switch strings.ToLower(req.Args[0]) {
		case "on":
			return nil, d.service.SetAutoRestart(true)
		case "off":
			return nil, d.service.SetAutoRestart(false)
		default:
			return nil, &requestError{fmt.Sprintf("autorestart: expected on or off, got %q", req.Args[0])}
		}
	case CommandInfo:
		info := d.service.Info()
		return Status{
			Power:               info.Power.Power.String(),
			ObservedAt:          info.Power.ObservedAt,
			Monitor:             info.Power.Monitor.String(),
			ConsecutiveFailures: info.Power.ConsecutiveFailures,
			LastError:           info.Power.LastError,
			Session:             info.Session,
			SessionID:           info.SessionID,
			AutoRestart:         info.AutoRestart,
			Machine:             info.Machine,
			Parent:              info.Parent,
		}, nil
	case CommandMachine:
		return d.machine(ctx, req.Args)
	default:
		return nil, &requestError{fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (d *Daemon) machine(ctx context.Context, args []string) (any, error) {
	if len(args) == 0 {
		return nil, &requestError{"vm: an action is required"}
	}
	action, rest := args[0], args[1:]
	needID := action == MachineSetCurrent || action == MachineSetParent
	if needID && len(rest) != 1 {
		return nil, &requestError{fmt.Sprintf("vm %s: exactly one machine id is required", action)}
	}
	if !needID && len(rest) != 0 {
		return nil, &requestError{fmt.Sprintf("vm %s: unexpected arguments", action)}
	}

	switch action {
	case MachineList:
		infos, err := d.service.Machines(ctx)
		if err != nil {
			return nil, err
		}
		entries := make([]MachineEntry, 0, len(infos))
		for _, info := range infos {
			entries = append(entries, MachineEntry{ID: info.ID, Path: info.Path, Current: info.Current, Parent: info.Parent})
		}
		return entries, nil
	case MachineCreate, MachineReset:
		create := d.service.CreateMachine
		if action == MachineReset {
			create = d.service.ResetMachine
		}
		id, err := create(ctx)
		if err != nil {
			return nil, err
		}
		return MachineResult{ID: id}, nil
	case MachineDelete:
		return nil, d.service.DeleteMachine(ctx)
	case MachineSetCurrent:
		return nil, d.service.SetCurrentMachine(ctx, rest[0])
	case MachineSetParent:
		return nil, d.service.SetParentMachine(rest[0])
	default:
		return nil, &requestError{fmt.Sprintf("vm: unknown action %q", action)}
	}
}

func (d *Daemon) mouse(ctx context.Context, payload json.RawMessage) error {
	var req MouseRequest
	if len(payload) == 0 {
		return &requestError{"mouse: payload is required"}
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return &requestError{fmt.Sprintf("mouse: decode payload: %v", err)}
	}
	switch req.Action {
	case MouseMove:
		return d.service.Move(ctx, req.X, req.Y)
	case MouseScroll:
		return d.service.Scroll(ctx, req.X, req.Y, req.Up)
	case MouseClick, MouseHold:
		button, err := input.ParseButton(req.Button)
		if err != nil {
			return &requestError{err.Error()}
		}
		if req.Action == MouseHold {
			return d.service.Hold(ctx, req.X, req.Y, button)
		}
		return d.service.Click(ctx, req.X, req.Y, button)
	default:
		return &requestError{fmt.Sprintf("mouse: unknown action %q", req.Action)}
	}
}
