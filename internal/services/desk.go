package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/vmdesk/internal/input"
	"github.com/cochaviz/vmdesk/internal/keysym"
	"github.com/cochaviz/vmdesk/internal/power"
	"github.com/cochaviz/vmdesk/internal/session"
)

const (
	DefaultVNCPort = 5901
	// DefaultFrameWait bounds how long Screen waits for the first frame of a
	// fresh connection.
	DefaultFrameWait = 5 * time.Second

	framePollInterval = 50 * time.Millisecond
)

// RemoteSession is the view of session.Session the desk drives.
type RemoteSession interface {
	EnsureConnected(ctx context.Context, host string, port int) error
	SendKeys(ctx context.Context, events []input.KeyEvent) error
	SendPointerEvents(ctx context.Context, events []input.PointerEvent) error
	Snapshot(ctx context.Context) (*session.Snapshot, error)
	State() session.State
	ID() string
	Close() error
}

var _ RemoteSession = (*session.Session)(nil)

// Info summarises the desk for status output.
type Info struct {
	Power       power.Status
	Session     string
	SessionID   string
	AutoRestart bool
	Machine     string
	Parent      string
}

// Desk performs operator actions against the VM: every input operation
// checks that the machine is powered on, connects on demand, translates the
// request and sends it.
type Desk struct {
	Logger     *slog.Logger
	Hypervisor power.Hypervisor
	Monitor    *power.Monitor
	Session    RemoteSession
	Translator *input.Translator
	Port       int
	// FrameWait is the Screen budget for a frame to arrive. Negative disables
	// waiting.
	FrameWait time.Duration
	// Parent is the machine CreateMachine clones from.
	Parent string
	// SaveMachines, when set, records the current and parent machine ids
	// after every change.
	SaveMachines func(current, parent string) error

	machineMu sync.Mutex
}

func (d *Desk) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Desk) translator() *input.Translator {
	if d.Translator == nil {
		d.Translator = input.NewTranslator(keysym.Default())
	}
	return d.Translator
}

func (d *Desk) frameWait() time.Duration {
	if d.FrameWait == 0 {
		return DefaultFrameWait
	}
	return d.FrameWait
}

func (d *Desk) port() int {
	if d.Port <= 0 {
		return DefaultVNCPort
	}
	return d.Port
}

// ready requires a powered-on machine and a live session.
func (d *Desk) ready(ctx context.Context) error {
	state := d.Monitor.CurrentPowerState()
	if state == power.Unknown {
		// No poll has completed yet; ask once.
		refreshed, err := d.Monitor.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("query power state: %w", err)
		}
		state = refreshed
	}
	if state != power.PoweredOn {
		return fmt.Errorf("%w (state %s)", session.ErrNotPoweredOn, state)
	}

	host, err := d.Hypervisor.HostAddress(ctx)
	if err != nil {
		return fmt.Errorf("resolve vnc host: %w", err)
	}
	return d.Session.EnsureConnected(ctx, host, d.port())
}

// Screen captures the current frame. A session that has not painted a frame
// yet is polled until FrameWait runs out.
func (d *Desk) Screen(ctx context.Context) (*session.Snapshot, error) {
	if err := d.ready(ctx); err != nil {
		return nil, err
	}
	snap, err := d.Session.Snapshot(ctx)
	var notReady *session.NotReadyError
	if err == nil || !errors.As(err, &notReady) || d.frameWait() < 0 {
		return snap, err
	}

	d.logger().Debug("waiting for first frame", "budget", d.frameWait())
	timer := time.NewTimer(d.frameWait())
	defer timer.Stop()
	ticker := time.NewTicker(framePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, err
		case <-ticker.C:
		}
		snap, err = d.Session.Snapshot(ctx)
		if err == nil || !errors.As(err, &notReady) {
			return snap, err
		}
	}
}

// KeyCombo presses keys together, then releases them.
func (d *Desk) KeyCombo(ctx context.Context, keys []string) error {
	events, err := d.translator().Translate(keys)
	if err != nil {
		return err
	}
	return d.sendKeys(ctx, events, "key combo")
}

// Type enters text one character at a time.
func (d *Desk) Type(ctx context.Context, text string) error {
	events, err := d.translator().TranslateText(text)
	if err != nil {
		return err
	}
	return d.sendKeys(ctx, events, "type")
}

// Enter taps the enter key.
func (d *Desk) Enter(ctx context.Context) error {
	events, err := d.translator().Translate([]string{"enter"})
	if err != nil {
		return err
	}
	return d.sendKeys(ctx, events, "enter")
}

// Backspace taps BackSpace count times.
func (d *Desk) Backspace(ctx context.Context, count int) error {
	events, err := d.translator().Repeat("BackSpace", count)
	if err != nil {
		return err
	}
	return d.sendKeys(ctx, events, "backspace")
}

func (d *Desk) sendKeys(ctx context.Context, events []input.KeyEvent, action string) error {
	if err := d.ready(ctx); err != nil {
		return err
	}
	if err := d.Session.SendKeys(ctx, events); err != nil {
		return err
	}
	d.logger().Info("keys sent", "action", action, "events", len(events))
	return nil
}

// Move positions the pointer.
func (d *Desk) Move(ctx context.Context, x, y uint16) error {
	return d.sendPointer(ctx, []input.PointerEvent{input.Move(x, y)}, "move")
}

// Click presses and releases button at (x, y).
func (d *Desk) Click(ctx context.Context, x, y uint16, button input.Button) error {
	return d.sendPointer(ctx, input.Click(x, y, button), "click")
}

// Hold presses buttons at (x, y) and leaves them down until the next pointer event.
func (d *Desk) Hold(ctx context.Context, x, y uint16, buttons input.Button) error {
	return d.sendPointer(ctx, []input.PointerEvent{input.Hold(x, y, buttons)}, "hold")
}

// Scroll turns the wheel one notch.
func (d *Desk) Scroll(ctx context.Context, x, y uint16, up bool) error {
	return d.sendPointer(ctx, input.Scroll(x, y, up), "scroll")
}

func (d *Desk) sendPointer(ctx context.Context, events []input.PointerEvent, action string) error {
	if err := d.ready(ctx); err != nil {
		return err
	}
	if err := d.Session.SendPointerEvents(ctx, events); err != nil {
		return err
	}
	d.logger().Info("pointer sent", "action", action, "x", events[0].X, "y", events[0].Y)
	return nil
}

// Power applies cmd and returns the state observed afterwards.
func (d *Desk) Power(ctx context.Context, cmd power.Command) (power.State, error) {
	logger := d.logger().With("command", cmd)
	if err := d.Hypervisor.SetPowerState(ctx, cmd); err != nil {
		return power.Unknown, fmt.Errorf("set power state %s: %w", cmd, err)
	}
	state, err := d.Monitor.Refresh(ctx)
	if err != nil {
		logger.Warn("power command applied but state refresh failed", "error", err)
		return state, nil
	}
	logger.Info("power command applied", "state", state)
	return state, nil
}

// SetAutoRestart arms or disarms the auto-heal loop. Enabling it twice
// reports power.ErrAlreadyRunning.
func (d *Desk) SetAutoRestart(enabled bool) error {
	if enabled {
		return d.Monitor.Arm()
	}
	d.Monitor.Disarm()
	return nil
}

// Info reports power, monitor and session state.
func (d *Desk) Info() Info {
	status := d.Monitor.Status()
	return Info{
		Power:       status,
		Session:     d.Session.State().String(),
		SessionID:   d.Session.ID(),
		AutoRestart: status.Monitor == power.Armed,
		Machine:     d.machine(),
		Parent:      d.parent(),
	}
}

func (d *Desk) machine() string {
	if p, ok := d.Hypervisor.(power.Provisioner); ok {
		return p.Current()
	}
	return ""
}

// Run keeps the monitor's power cache fresh and logs heal events until ctx
// is done.
func (d *Desk) Run(ctx context.Context) error {
	go d.relayHealEvents(ctx)
	return d.Monitor.Run(ctx)
}

func (d *Desk) relayHealEvents(ctx context.Context) {
	events := d.Monitor.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			d.logger().Warn("virtual machine powered back on", "observed", event.Observed, "at", event.At)
		}
	}
}

// Close stops the auto-heal loop and drops the remote session.
func (d *Desk) Close() error {
	d.Monitor.Close()
	return d.Session.Close()
}
