package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/vmdesk/internal/input"
	"github.com/cochaviz/vmdesk/internal/power"
	"github.com/cochaviz/vmdesk/internal/services"
	"github.com/cochaviz/vmdesk/internal/session"
)

type stubService struct {
	mu      sync.Mutex
	calls   []string
	keys    []string
	text    string
	count   int
	pointer []input.PointerEvent
	buttons []input.Button
	armed   bool
	failAll error
	running chan struct{}
	closed  bool
	current string
	parent  string
}

func (s *stubService) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return s.failAll
}

func (s *stubService) Screen(ctx context.Context) (*session.Snapshot, error) {
	if err := s.record("screen"); err != nil {
		return nil, err
	}
	return &session.Snapshot{Width: 4, Height: 2, Format: "png", Data: []byte{0x89, 'P', 'N', 'G'}, TakenAt: time.Unix(1700000000, 0).UTC()}, nil
}

func (s *stubService) KeyCombo(ctx context.Context, keys []string) error {
	s.keys = keys
	return s.record("keys")
}

func (s *stubService) Type(ctx context.Context, text string) error {
	s.text = text
	return s.record("type")
}

func (s *stubService) Enter(ctx context.Context) error { return s.record("enter") }

func (s *stubService) Backspace(ctx context.Context, count int) error {
	s.count = count
	return s.record("backspace")
}

func (s *stubService) Move(ctx context.Context, x, y uint16) error {
	s.pointer = append(s.pointer, input.Move(x, y))
	return s.record("move")
}

func (s *stubService) Click(ctx context.Context, x, y uint16, button input.Button) error {
	s.buttons = append(s.buttons, button)
	return s.record("click")
}

func (s *stubService) Hold(ctx context.Context, x, y uint16, buttons input.Button) error {
	s.buttons = append(s.buttons, buttons)
	return s.record("hold")
}

func (s *stubService) Scroll(ctx context.Context, x, y uint16, up bool) error {
	return s.record("scroll")
}

func (s *stubService) Power(ctx context.Context, cmd power.Command) (power.State, error) {
	if err := s.record("power " + string(cmd)); err != nil {
		return power.Unknown, err
	}
	return power.PoweredOff, nil
}

func (s *stubService) SetAutoRestart(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled && s.armed {
		return power.ErrAlreadyRunning
	}
	s.armed = enabled
	return nil
}

func (s *stubService) Info() services.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return services.Info{
		Power:       power.Status{Power: power.PoweredOn, Monitor: power.Idle},
		Session:     session.Connected.String(),
		SessionID:   "abc",
		AutoRestart: s.armed,
	}
}

func (s *stubService) Machines(ctx context.Context) ([]services.MachineInfo, error) {
	if err := s.record("vm list"); err != nil {
		return nil, err
	}
	return []services.MachineInfo{
		{Machine: power.Machine{ID: "base", Path: "/vms/base.vmx"}, Parent: true},
		{Machine: power.Machine{ID: s.current}, Current: true},
	}, nil
}

func (s *stubService) CreateMachine(ctx context.Context) (string, error) {
	if err := s.record("vm create"); err != nil {
		return "", err
	}
	if s.parent == "" {
		return "", services.ErrNoParent
	}
	s.current = s.parent + "-clone"
	return s.current, nil
}

func (s *stubService) DeleteMachine(ctx context.Context) error {
	if err := s.record("vm delete"); err != nil {
		return err
	}
	if s.current == "" {
		return services.ErrNoCurrent
	}
	s.current = ""
	return nil
}

func (s *stubService) ResetMachine(ctx context.Context) (string, error) {
	if err := s.DeleteMachine(ctx); err != nil {
		return "", err
	}
	return s.CreateMachine(ctx)
}

func (s *stubService) SetCurrentMachine(ctx context.Context, id string) error {
	s.current = id
	return s.record("vm current " + id)
}

func (s *stubService) SetParentMachine(id string) error {
	s.parent = id
	return s.record("vm parent " + id)
}

func (s *stubService) Run(ctx context.Context) error {
	close(s.running)
	<-ctx.Done()
	return nil
}

func (s *stubService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func startDaemon(t *testing.T, svc *stubService) (DaemonClient, string) {
	t.Helper()
	// Unix socket paths are length limited; keep this one short.
	dir, err := os.MkdirTemp("", "vmd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")

	svc.running = make(chan struct{})
	d := New(socket, svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	select {
	case <-svc.running:
	case <-time.After(2 * time.Second):
		t.Fatal("service Run was not started")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", socket)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon socket never came up: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return NewClient(socket), socket
}

func TestClientServerRoundTrip(t *testing.T) {
	svc := &stubService{}
	client, _ := startDaemon(t, svc)

	shot, err := client.Screen()
	if err != nil {
		t.Fatalf("Screen() error = %v", err)
	}
	if shot.Width != 4 || shot.Height != 2 || !bytes.Equal(shot.Data, []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatalf("Screen() = %+v", shot)
	}
	if !shot.TakenAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("TakenAt = %v", shot.TakenAt)
	}

	if err := client.Keys("Control_L", "c"); err != nil {
		t.Fatal(err)
	}
	if strings.Join(svc.keys, "+") != "Control_L+c" {
		t.Fatalf("keys = %v", svc.keys)
	}
	if err := client.Type("hello world"); err != nil {
		t.Fatal(err)
	}
	if svc.text != "hello world" {
		t.Fatalf("text = %q", svc.text)
	}
	if err := client.Backspace(4); err != nil {
		t.Fatal(err)
	}
	if svc.count != 4 {
		t.Fatalf("count = %d", svc.count)
	}
	if err := client.Enter(); err != nil {
		t.Fatal(err)
	}

	if err := client.Mouse(MouseRequest{Action: MouseClick, X: 5, Y: 6, Button: "right"}); err != nil {
		t.Fatal(err)
	}
	if err := client.Mouse(MouseRequest{Action: MouseHold, X: 5, Y: 6, Button: "middle"}); err != nil {
		t.Fatal(err)
	}
	if err := client.Mouse(MouseRequest{Action: MouseMove, X: 7, Y: 8}); err != nil {
		t.Fatal(err)
	}
	if err := client.Mouse(MouseRequest{Action: MouseScroll, Up: true}); err != nil {
		t.Fatal(err)
	}
	if len(svc.buttons) != 2 || svc.buttons[0] != input.ButtonRight || svc.buttons[1] != input.ButtonMiddle {
		t.Fatalf("buttons = %v", svc.buttons)
	}
	if len(svc.pointer) != 1 || svc.pointer[0].X != 7 || svc.pointer[0].Y != 8 {
		t.Fatalf("pointer = %+v", svc.pointer)
	}

	state, err := client.Power("shutdown")
	if err != nil || state != "poweredOff" {
		t.Fatalf("Power() = %q, %v", state, err)
	}

	if err := client.AutoRestart(true); err != nil {
		t.Fatal(err)
	}
	if err := client.AutoRestart(true); !errors.Is(err, power.ErrAlreadyRunning) {
		t.Fatalf("second AutoRestart(true) error = %v, want ErrAlreadyRunning", err)
	}
	status, err := client.Info()
	if err != nil {
		t.Fatal(err)
	}
	if status.Power != "poweredOn" || status.Session != "connected" || status.SessionID != "abc" || !status.AutoRestart {
		t.Fatalf("Info() = %+v", status)
	}

	want := "screen,keys,type,backspace,enter,click,hold,move,scroll,power shutdown"
	if got := strings.Join(svc.calls, ","); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
}

func TestErrorsCrossTheSocket(t *testing.T) {
	svc := &stubService{failAll: session.ErrNotPoweredOn}
	client, _ := startDaemon(t, svc)

	err := client.Enter()
	if !errors.Is(err, session.ErrNotPoweredOn) {
		t.Fatalf("Enter() error = %v, want ErrNotPoweredOn", err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != codeNotPoweredOn {
		t.Fatalf("Enter() error = %#v", err)
	}

	svc.failAll = &session.NotReadyError{}
	_, err = client.Screen()
	var notReady *session.NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("Screen() error = %v, want NotReadyError", err)
	}
}

func TestBadRequests(t *testing.T) {
	svc := &stubService{}
	client, socket := startDaemon(t, svc)

	testCases := []struct {
		name string
		call func() error
	}{
		{"power without valid command", func() error { _, err := client.Power("explode"); return err }},
		{"unknown mouse action", func() error { return client.Mouse(MouseRequest{Action: "wiggle"}) }},
		{"unknown button", func() error { return client.Mouse(MouseRequest{Action: MouseClick, Button: "thumb"}) }},
		{"no keys", func() error { return client.Keys() }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var remote *RemoteError
			if err := tc.call(); !errors.As(err, &remote) || remote.Code != codeInvalidRequest {
				t.Fatalf("error = %v, want invalid request", err)
			}
		})
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("{not json\n")); err != nil {
		t.Fatal(err)
	}
	reply, _ := io.ReadAll(conn)
	if !strings.Contains(string(reply), `"code":"invalid_request"`) {
		t.Fatalf("reply to garbage = %s", reply)
	}

	if len(svc.calls) != 0 {
		t.Fatalf("service called for bad requests: %v", svc.calls)
	}
}

func TestMachineCommands(t *testing.T) {
	svc := &stubService{current: "vm1"}
	client, _ := startDaemon(t, svc)

	if _, err := client.Machine(MachineCreate); !errors.Is(err, services.ErrNoParent) {
		t.Fatalf("create without parent error = %v, want ErrNoParent", err)
	}
	if _, err := client.Machine(MachineSetParent, "base"); err != nil {
		t.Fatal(err)
	}
	id, err := client.Machine(MachineReset)
	if err != nil || id != "base-clone" {
		t.Fatalf("reset = %q, %v", id, err)
	}
	entries, err := client.Machines()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || !entries[0].Parent || entries[1].ID != "base-clone" || !entries[1].Current {
		t.Fatalf("Machines() = %+v", entries)
	}
	if _, err := client.Machine(MachineDelete); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Machine(MachineDelete); !errors.Is(err, services.ErrNoCurrent) {
		t.Fatalf("second delete error = %v, want ErrNoCurrent", err)
	}
	if _, err := client.Machine(MachineSetCurrent, "vm7"); err != nil {
		t.Fatal(err)
	}

	for _, args := range [][]string{{MachineSetCurrent}, {MachineList, "extra"}, {"explode"}} {
		var remote *RemoteError
		if _, err := client.Machine(args[0], args[1:]...); !errors.As(err, &remote) || remote.Code != codeInvalidRequest {
			t.Fatalf("vm %v error = %v, want invalid request", args, err)
		}
	}

	want := "vm create,vm parent base,vm delete,vm create,vm list,vm delete,vm delete,vm current vm7"
	if got := strings.Join(svc.calls, ","); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
}

func TestStartClosesService(t *testing.T) {
	svc := &stubService{}
	dir, err := os.MkdirTemp("", "vmd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	svc.running = make(chan struct{})
	d := New(filepath.Join(dir, "d.sock"), svc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	<-svc.running
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return")
	}
	if !svc.closed {
		t.Fatal("service not closed")
	}
	if _, err := os.Stat(filepath.Join(dir, "d.sock")); !os.IsNotExist(err) {
		t.Fatalf("socket left behind: %v", err)
	}
}
