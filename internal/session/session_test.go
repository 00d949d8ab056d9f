package session

import (
	"context"
	"errors"
	"image/color"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cochaviz/vmdesk/internal/input"
	"github.com/cochaviz/vmdesk/internal/power"
	"github.com/cochaviz/vmdesk/internal/rfb"
	"github.com/cochaviz/vmdesk/internal/rfb/rfbtest"
)

const waitTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyDialer fails the first failures dials and counts every call.
type flakyDialer struct {
	failures int32
	calls    atomic.Int32
}

func (d *flakyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.calls.Add(1) <= d.failures {
		return nil, errors.New("connection refused")
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

type stubGate struct {
	mu    sync.Mutex
	state power.State
}

func (g *stubGate) CurrentPowerState() power.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func newTestSession(opts Options) *Session {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	return New(opts)
}

func connect(t *testing.T, s *Session, server *rfbtest.Server) *rfbtest.ServerConn {
	t.Helper()
	host, port := server.Addr()
	if err := s.EnsureConnected(context.Background(), host, port); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	sc, err := server.Next(waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	return sc
}

// solidFrame returns RGBX pixels of one colour.
func solidFrame(width, height int, r, g, b byte) []byte {
	pixels := make([]byte, 0, width*height*4)
	for i := 0; i < width*height; i++ {
		pixels = append(pixels, r, g, b, 0)
	}
	return pixels
}

func waitSnapshot(t *testing.T, s *Session, ready func(*Snapshot) bool) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		snap, err := s.Snapshot(context.Background())
		if err == nil && ready(snap) {
			return snap
		}
		var notReady *NotReadyError
		if err != nil && !errors.As(err, &notReady) {
			t.Fatalf("Snapshot() error = %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for snapshot")
	return nil
}

func TestConcurrentEnsureConnectedSharesOneAttempt(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{HandshakeDelay: 50 * time.Millisecond})
	dialer := &flakyDialer{}
	s := newTestSession(Options{Dialer: dialer})
	defer s.Close()

	host, port := server.Addr()
	const callers = 8
	errs := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			errs <- s.EnsureConnected(context.Background(), host, port)
		}()
	}
	start.Done()

	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("EnsureConnected() error = %v", err)
		}
	}
	if got := dialer.calls.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	if s.State() != Connected || s.ID() == "" {
		t.Fatalf("State() = %v, ID() = %q", s.State(), s.ID())
	}

	// Already connected: no new dial.
	if err := s.EnsureConnected(context.Background(), host, port); err != nil {
		t.Fatal(err)
	}
	if got := dialer.calls.Load(); got != 1 {
		t.Fatalf("dials after reconnect check = %d, want 1", got)
	}
}

func TestConnectNegotiatesFormatAndEncodings(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{Width: 4, Height: 2})
	s := newTestSession(Options{Shared: true})
	defer s.Close()
	sc := connect(t, s, server)

	if !sc.Shared {
		t.Fatal("ClientInit was not shared")
	}
	msg, err := sc.Expect(rfbtest.SetPixelFormat, waitTimeout)
	if err != nil || msg.Format != rfb.RGBX32 {
		t.Fatalf("SetPixelFormat = %+v, %v", msg.Format, err)
	}
	msg, err = sc.Expect(rfbtest.SetEncodings, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	want := []int32{rfb.EncodingRaw, rfb.EncodingCopyRect, rfb.EncodingDesktopSize}
	if len(msg.Encodings) != len(want) {
		t.Fatalf("encodings = %v, want %v", msg.Encodings, want)
	}
	for i := range want {
		if msg.Encodings[i] != want[i] {
			t.Fatalf("encodings = %v, want %v", msg.Encodings, want)
		}
	}
	msg, err = sc.Expect(rfbtest.FramebufferUpdateRequest, waitTimeout)
	if err != nil || msg.Incremental || msg.Rect != (rfb.Rect{Width: 4, Height: 2}) {
		t.Fatalf("initial update request = %+v, %v", msg, err)
	}
}

func TestSnapshotNotReadyBeforeFirstFrame(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{})
	s := newTestSession(Options{})
	defer s.Close()
	connect(t, s, server)

	_, err := s.Snapshot(context.Background())
	var notReady *NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("Snapshot() error = %v, want *NotReadyError", err)
	}
}

func TestSnapshotEncodesLatestFrame(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{Width: 4, Height: 2})
	s := newTestSession(Options{})
	defer s.Close()
	sc := connect(t, s, server)

	if err := sc.SendUpdate(rfbtest.Rectangle{
		Rect:     rfb.Rect{Width: 4, Height: 2},
		Encoding: rfb.EncodingRaw,
		Pixels:   solidFrame(4, 2, 10, 20, 30),
	}); err != nil {
		t.Fatal(err)
	}
	snap := waitSnapshot(t, s, func(*Snapshot) bool { return true })
	if snap.Width != 4 || snap.Height != 2 || snap.Format != "png" {
		t.Fatalf("snapshot = %dx%d %s", snap.Width, snap.Height, snap.Format)
	}
	img, err := snap.Image()
	if err != nil {
		t.Fatalf("Image() error = %v", err)
	}
	got := color.RGBAModel.Convert(img.At(3, 1)).(color.RGBA)
	if got != (color.RGBA{R: 10, G: 20, B: 30, A: 0xff}) {
		t.Fatalf("pixel = %+v", got)
	}

	// An incremental update and a CopyRect land in the same buffer.
	if err := sc.SendUpdate(
		rfbtest.Rectangle{Rect: rfb.Rect{X: 0, Y: 0, Width: 1, Height: 1}, Encoding: rfb.EncodingRaw, Pixels: solidFrame(1, 1, 200, 0, 0)},
		rfbtest.Rectangle{Rect: rfb.Rect{X: 3, Y: 1, Width: 1, Height: 1}, Encoding: rfb.EncodingCopyRect, SrcX: 0, SrcY: 0},
	); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, s, func(snap *Snapshot) bool {
		img, err := snap.Image()
		if err != nil {
			return false
		}
		return color.RGBAModel.Convert(img.At(3, 1)).(color.RGBA).R == 200
	})

	// The client keeps asking for incremental updates.
	msg, err := sc.Expect(rfbtest.FramebufferUpdateRequest, waitTimeout)
	for err == nil && !msg.Incremental {
		msg, err = sc.Expect(rfbtest.FramebufferUpdateRequest, waitTimeout)
	}
	if err != nil {
		t.Fatalf("no incremental update request: %v", err)
	}
}

func TestResizeKeepsSnapshotConsistent(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{Width: 4, Height: 2})
	s := newTestSession(Options{})
	defer s.Close()
	sc := connect(t, s, server)

	if err := sc.SendUpdate(rfbtest.Rectangle{Rect: rfb.Rect{Width: 4, Height: 2}, Encoding: rfb.EncodingRaw, Pixels: solidFrame(4, 2, 1, 1, 1)}); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, s, func(*Snapshot) bool { return true })

	if err := sc.SendUpdate(rfbtest.Rectangle{Rect: rfb.Rect{Width: 8, Height: 6}, Encoding: rfb.EncodingDesktopSize}); err != nil {
		t.Fatal(err)
	}
	// After a resize the client asks for a full frame of the new size.
	var msg rfbtest.ClientMessage
	var err error
	for {
		msg, err = sc.Expect(rfbtest.FramebufferUpdateRequest, waitTimeout)
		if err != nil {
			t.Fatalf("waiting for full update request: %v", err)
		}
		if !msg.Incremental && msg.Rect.Width == 8 {
			break
		}
	}
	if msg.Rect != (rfb.Rect{Width: 8, Height: 6}) {
		t.Fatalf("full update request = %+v", msg.Rect)
	}

	if err := sc.SendUpdate(rfbtest.Rectangle{Rect: rfb.Rect{Width: 8, Height: 6}, Encoding: rfb.EncodingRaw, Pixels: solidFrame(8, 6, 9, 9, 9)}); err != nil {
		t.Fatal(err)
	}
	snap := waitSnapshot(t, s, func(snap *Snapshot) bool { return snap.Width == 8 })
	img, err := snap.Image()
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != snap.Width || b.Dy() != snap.Height || snap.Height != 6 {
		t.Fatalf("image bounds %v disagree with snapshot %dx%d", b, snap.Width, snap.Height)
	}
}

func TestSnapshotRejectsOverlappingCapture(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{})
	s := newTestSession(Options{})
	defer s.Close()
	connect(t, s, server)

	s.captureMu.Lock()
	_, err := s.Snapshot(context.Background())
	s.captureMu.Unlock()
	if !errors.Is(err, ErrCaptureBusy) {
		t.Fatalf("Snapshot() error = %v, want ErrCaptureBusy", err)
	}
}

func TestConnectFailureThenRetry(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{})
	dialer := &flakyDialer{failures: 2}
	s := newTestSession(Options{Dialer: dialer, MaxAttempts: 2})
	defer s.Close()
	host, port := server.Addr()

	err := s.EnsureConnected(context.Background(), host, port)
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("EnsureConnected() error = %v, want *ConnectError", err)
	}
	if connectErr.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", connectErr.Attempts)
	}
	if s.State() != Failed {
		t.Fatalf("State() = %v, want failed", s.State())
	}
	if err := s.SendKeys(context.Background(), nil); !errors.Is(err, ErrNotConnected) || !errors.As(err, &connectErr) {
		t.Fatalf("SendKeys() on failed session error = %v", err)
	}

	if err := s.EnsureConnected(context.Background(), host, port); err != nil {
		t.Fatalf("retry EnsureConnected() error = %v", err)
	}
	if s.State() != Connected {
		t.Fatalf("State() = %v, want connected", s.State())
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{Password: "hunter2"})
	s := newTestSession(Options{Password: "wrong", MaxAttempts: 3})
	defer s.Close()
	host, port := server.Addr()

	err := s.EnsureConnected(context.Background(), host, port)
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) || !errors.Is(err, rfb.ErrAuthFailed) {
		t.Fatalf("EnsureConnected() error = %v, want auth failure", err)
	}
	if connectErr.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", connectErr.Attempts)
	}
}

func TestEnsureConnectedHonoursContext(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{HandshakeDelay: time.Second})
	s := newTestSession(Options{ConnectTimeout: 5 * time.Second})
	defer s.Close()
	host, port := server.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	err := s.EnsureConnected(ctx, host, port)
	if err == nil {
		t.Fatal("expected EnsureConnected to fail")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("EnsureConnected() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("EnsureConnected took %v after cancellation", elapsed)
	}
}

func TestSendKeysInOrder(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{})
	s := newTestSession(Options{})
	defer s.Close()
	sc := connect(t, s, server)

	events, err := input.NewTranslator(nil).Translate([]string{"Control_L", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SendKeys(context.Background(), events); err != nil {
		t.Fatalf("SendKeys() error = %v", err)
	}
	got, err := sc.Collect(rfbtest.KeyEvent, len(events), waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	for i, event := range events {
		if got[i].Key != event.Keysym || got[i].Down != event.Down {
			t.Fatalf("key event %d = %+v, want %v", i, got[i], event)
		}
	}

	if err := s.SendPointerEvents(context.Background(), input.Click(7, 8, input.ButtonLeft)); err != nil {
		t.Fatalf("SendPointerEvents() error = %v", err)
	}
	pointer, err := sc.Collect(rfbtest.PointerEvent, 2, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if pointer[0].Buttons != 1 || pointer[1].Buttons != 0 || pointer[1].X != 7 || pointer[1].Y != 8 {
		t.Fatalf("pointer events = %+v", pointer)
	}
}

func TestInputRequiresConnectionAndPower(t *testing.T) {
	gate := &stubGate{state: power.PoweredOn}
	s := newTestSession(Options{Gate: gate})
	defer s.Close()

	if err := s.SendKeys(context.Background(), nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendKeys() error = %v, want ErrNotConnected", err)
	}
	if _, err := s.Snapshot(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Snapshot() error = %v, want ErrNotConnected", err)
	}

	gate.mu.Lock()
	gate.state = power.Paused
	gate.mu.Unlock()
	if err := s.SendPointer(context.Background(), input.Move(1, 1)); !errors.Is(err, ErrNotPoweredOn) {
		t.Fatalf("SendPointer() error = %v, want ErrNotPoweredOn", err)
	}
}

func TestServerDisconnectFailsSession(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{})
	s := newTestSession(Options{})
	defer s.Close()
	sc := connect(t, s, server)

	_ = sc.Close()
	deadline := time.Now().Add(waitTimeout)
	for s.State() != Failed {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %v, want failed", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := s.SendKeys(context.Background(), []input.KeyEvent{{Keysym: 0x61, Down: true}})
	var protoErr *ProtocolError
	if !errors.Is(err, ErrNotConnected) || !errors.As(err, &protoErr) {
		t.Fatalf("SendKeys() error = %v, want ErrNotConnected wrapping *ProtocolError", err)
	}

	// The next EnsureConnected starts over.
	connect(t, s, server)
	if s.State() != Connected {
		t.Fatalf("State() = %v after reconnect", s.State())
	}
}

func TestMalformedUpdateFailsSession(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{Width: 4, Height: 2})
	s := newTestSession(Options{})
	defer s.Close()
	sc := connect(t, s, server)

	if err := sc.SendUpdate(rfbtest.Rectangle{Rect: rfb.Rect{X: 4, Width: 1, Height: 1}, Encoding: rfb.EncodingRaw, Pixels: make([]byte, 4)}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(waitTimeout)
	for s.State() != Failed {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %v, want failed", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseReturnsToDisconnected(t *testing.T) {
	server := rfbtest.NewServer(t, rfbtest.Config{})
	s := newTestSession(Options{})
	connect(t, s, server)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.State() != Disconnected || s.ID() != "" {
		t.Fatalf("State() = %v, ID() = %q after Close", s.State(), s.ID())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
