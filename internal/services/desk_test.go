package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/vmdesk/internal/input"
	"github.com/cochaviz/vmdesk/internal/keysym"
	"github.com/cochaviz/vmdesk/internal/power"
	"github.com/cochaviz/vmdesk/internal/rfb"
	"github.com/cochaviz/vmdesk/internal/rfb/rfbtest"
	"github.com/cochaviz/vmdesk/internal/session"
)

const waitTimeout = 2 * time.Second

type stubHypervisor struct {
	mu       sync.Mutex
	state    power.State
	host     string
	hostErr  error
	commands []power.Command
}

func (h *stubHypervisor) HostAddress(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.host, h.hostErr
}

func (h *stubHypervisor) PowerState(ctx context.Context) (power.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, nil
}

func (h *stubHypervisor) SetPowerState(ctx context.Context, cmd power.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd)
	switch cmd {
	case power.CommandOn:
		h.state = power.PoweredOn
	case power.CommandOff, power.CommandShutdown:
		h.state = power.PoweredOff
	case power.CommandPause:
		h.state = power.Paused
	}
	return nil
}

type fixture struct {
	desk   *Desk
	hv     *stubHypervisor
	server *rfbtest.Server
}

func newFixture(t *testing.T, state power.State) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := rfbtest.NewServer(t, rfbtest.Config{})
	host, port := server.Addr()

	hv := &stubHypervisor{state: state, host: host}
	monitor := power.NewMonitor(hv, power.MonitorOptions{Interval: 10 * time.Millisecond, Logger: logger})
	sess := session.New(session.Options{
		ConnectTimeout: time.Second,
		RetryDelay:     time.Millisecond,
		Shared:         true,
		Gate:           monitor,
		Logger:         logger,
	})
	desk := &Desk{
		Logger:     logger,
		Hypervisor: hv,
		Monitor:    monitor,
		Session:    sess,
		Translator: input.NewTranslator(keysym.Default()),
		Port:       port,
	}
	t.Cleanup(func() { _ = desk.Close() })
	return &fixture{desk: desk, hv: hv, server: server}
}

func (f *fixture) conn(t *testing.T) *rfbtest.ServerConn {
	t.Helper()
	sc, err := f.server.Next(waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	return sc
}

func TestKeyComboConnectsOnDemand(t *testing.T) {
	f := newFixture(t, power.PoweredOn)
	ctx := context.Background()

	if err := f.desk.KeyCombo(ctx, []string{"Control_L", "Alt_L", "Delete"}); err != nil {
		t.Fatalf("KeyCombo() error = %v", err)
	}
	sc := f.conn(t)
	keys, err := sc.Collect(rfbtest.KeyEvent, 6, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		key  uint32
		down bool
	}{
		{0xffe3, true}, {0xffe9, true}, {0xffff, true},
		{0xffe3, false}, {0xffe9, false}, {0xffff, false},
	}
	for i, w := range want {
		if keys[i].Key != w.key || keys[i].Down != w.down {
			t.Fatalf("event %d = %#x/%v, want %#x/%v", i, keys[i].Key, keys[i].Down, w.key, w.down)
		}
	}

	// The second action reuses the session.
	if err := f.desk.Enter(ctx); err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	enter, err := sc.Collect(rfbtest.KeyEvent, 2, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if enter[0].Key != keysym.ISOEnter || !enter[0].Down || enter[1].Down {
		t.Fatalf("enter events = %+v", enter)
	}
	if got := f.server.Accepted(); got != 1 {
		t.Fatalf("accepted %d connections, want 1", got)
	}
}

func TestTypeAndBackspace(t *testing.T) {
	f := newFixture(t, power.PoweredOn)
	ctx := context.Background()

	if err := f.desk.Type(ctx, "hi"); err != nil {
		t.Fatalf("Type() error = %v", err)
	}
	sc := f.conn(t)
	typed, err := sc.Collect(rfbtest.KeyEvent, 4, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if typed[0].Key != 'h' || typed[2].Key != 'i' || !typed[0].Down || typed[1].Down {
		t.Fatalf("typed events = %+v", typed)
	}

	if err := f.desk.Backspace(ctx, 3); err != nil {
		t.Fatalf("Backspace() error = %v", err)
	}
	erased, err := sc.Collect(rfbtest.KeyEvent, 6, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range erased {
		if ev.Key != keysym.BackSpace {
			t.Fatalf("backspace event = %+v", ev)
		}
	}
}

func TestInvalidInputDoesNotConnect(t *testing.T) {
	f := newFixture(t, power.PoweredOn)
	ctx := context.Background()

	var terr *input.TranslationError
	if err := f.desk.KeyCombo(ctx, []string{"NoSuchKey"}); !errors.As(err, &terr) || terr.Kind != input.UnknownKeyName {
		t.Fatalf("KeyCombo() error = %v, want unknown key name", err)
	}
	if err := f.desk.Type(ctx, "☃"); !errors.As(err, &terr) || terr.Kind != input.UnmappableCharacter {
		t.Fatalf("Type() error = %v, want unmappable character", err)
	}
	if err := f.desk.Backspace(ctx, -1); err == nil {
		t.Fatal("expected error for negative count")
	}
	if f.desk.Session.State() != session.Disconnected {
		t.Fatalf("session state = %v, want disconnected", f.desk.Session.State())
	}
}

func TestInputRequiresPoweredOn(t *testing.T) {
	f := newFixture(t, power.PoweredOff)
	ctx := context.Background()

	if err := f.desk.Move(ctx, 1, 1); !errors.Is(err, session.ErrNotPoweredOn) {
		t.Fatalf("Move() error = %v, want ErrNotPoweredOn", err)
	}
	if _, err := f.desk.Screen(ctx); !errors.Is(err, session.ErrNotPoweredOn) {
		t.Fatalf("Screen() error = %v, want ErrNotPoweredOn", err)
	}
	if got := f.server.Accepted(); got != 0 {
		t.Fatalf("accepted %d connections, want 0", got)
	}
}

func TestHostAddressFailure(t *testing.T) {
	f := newFixture(t, power.PoweredOn)
	f.hv.hostErr = errors.New("no lease")

	if err := f.desk.Enter(context.Background()); err == nil {
		t.Fatal("expected host lookup failure")
	}
}

func TestPointerActions(t *testing.T) {
	f := newFixture(t, power.PoweredOn)
	ctx := context.Background()

	if err := f.desk.Click(ctx, 10, 20, input.ButtonRight); err != nil {
		t.Fatalf("Click() error = %v", err)
	}
	sc := f.conn(t)
	if err := f.desk.Scroll(ctx, 10, 20, false); err != nil {
		t.Fatalf("Scroll() error = %v", err)
	}
	if err := f.desk.Move(ctx, 3, 4); err != nil {
		t.Fatalf("Move() error = %v", err)
	}

	events, err := sc.Collect(rfbtest.PointerEvent, 5, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	wantButtons := []uint8{4, 0, 16, 0, 0}
	for i, ev := range events {
		if ev.Buttons != wantButtons[i] {
			t.Fatalf("event %d buttons = %d, want %d", i, ev.Buttons, wantButtons[i])
		}
	}
	if last := events[4]; last.X != 3 || last.Y != 4 {
		t.Fatalf("move event = %+v", last)
	}
}

func TestScreen(t *testing.T) {
	f := newFixture(t, power.PoweredOn)
	ctx := context.Background()

	type result struct {
		snap *session.Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := f.desk.Screen(ctx)
		done <- result{snap, err}
	}()

	sc := f.conn(t)
	if _, err := sc.Expect(rfbtest.FramebufferUpdateRequest, waitTimeout); err != nil {
		t.Fatal(err)
	}
	pixels := make([]byte, 4*2*4)
	if err := sc.SendUpdate(rfbtest.Rectangle{Rect: rfb.Rect{Width: 4, Height: 2}, Encoding: rfb.EncodingRaw, Pixels: pixels}); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Screen() error = %v", res.err)
		}
		if res.snap.Width != 4 || res.snap.Height != 2 || res.snap.Format != "png" {
			t.Fatalf("snapshot = %dx%d %s", res.snap.Width, res.snap.Height, res.snap.Format)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Screen() did not return")
	}
}

func TestScreenFrameWaitExpires(t *testing.T) {
	f := newFixture(t, power.PoweredOn)
	f.desk.FrameWait = 30 * time.Millisecond

	_, err := f.desk.Screen(context.Background())
	var notReady *session.NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("Screen() error = %v, want NotReadyError", err)
	}

	f.desk.FrameWait = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := f.desk.Screen(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Screen() with expired context error = %v", err)
	}
}

func TestPowerRefreshesCache(t *testing.T) {
	f := newFixture(t, power.PoweredOff)
	ctx := context.Background()

	state, err := f.desk.Power(ctx, power.CommandOn)
	if err != nil {
		t.Fatalf("Power() error = %v", err)
	}
	if state != power.PoweredOn || f.desk.Monitor.CurrentPowerState() != power.PoweredOn {
		t.Fatalf("state after power on = %v", state)
	}
	if err := f.desk.Enter(ctx); err != nil {
		t.Fatalf("Enter() after power on error = %v", err)
	}
}

func TestAutoRestartAndInfo(t *testing.T) {
	f := newFixture(t, power.PoweredOn)

	if err := f.desk.SetAutoRestart(true); err != nil {
		t.Fatalf("SetAutoRestart(true) error = %v", err)
	}
	if err := f.desk.SetAutoRestart(true); !errors.Is(err, power.ErrAlreadyRunning) {
		t.Fatalf("second arm error = %v, want ErrAlreadyRunning", err)
	}
	info := f.desk.Info()
	if !info.AutoRestart || info.Session != session.Disconnected.String() || info.SessionID != "" {
		t.Fatalf("Info() = %+v", info)
	}

	if err := f.desk.SetAutoRestart(false); err != nil {
		t.Fatal(err)
	}
	if f.desk.Info().AutoRestart {
		t.Fatal("auto restart still reported after disarm")
	}
}

func TestRunKeepsPowerCacheFresh(t *testing.T) {
	f := newFixture(t, power.PoweredOff)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.desk.Run(ctx) }()

	deadline := time.Now().Add(waitTimeout)
	for f.desk.Monitor.CurrentPowerState() != power.PoweredOff {
		if time.Now().After(deadline) {
			t.Fatal("status poller never refreshed the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run() did not return after cancel")
	}
}
