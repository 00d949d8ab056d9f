package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/vmdesk/internal/input"
	"github.com/cochaviz/vmdesk/internal/power"
	"github.com/cochaviz/vmdesk/internal/rfb"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultMaxAttempts    = 5
	DefaultRetryDelay     = time.Second
)

// State is the connection lifecycle of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Dialer opens the transport to the RFB server. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// PowerGate reports the cached power state; input is refused unless it is poweredOn.
type PowerGate interface {
	CurrentPowerState() power.State
}

// Options configures a Session. Zero durations and counts use the defaults.
type Options struct {
	Dialer         Dialer
	ConnectTimeout time.Duration // per attempt, covering dial and handshake
	MaxAttempts    int
	RetryDelay     time.Duration
	Password       string
	Shared         bool
	Gate           PowerGate
	Logger         *slog.Logger
}

// Snapshot is one encoded capture of the remote desktop.
type Snapshot struct {
	Width   int
	Height  int
	Format  string
	Data    []byte
	TakenAt time.Time
}

// Image decodes the snapshot.
func (s *Snapshot) Image() (image.Image, error) {
	return png.Decode(bytes.NewReader(s.Data))
}

type attempt struct {
	done chan struct{}
	err  error
}

// Session owns at most one RFB connection. Concurrent EnsureConnected calls
// share a single connection attempt.
type Session struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	inflight *attempt
	lastErr  error
	conn     *rfb.Conn
	fb       *framebuffer
	addr     string
	id       string
	epoch    uint64 // bumped by Close and by every new connection

	captureMu sync.Mutex
}

// New constructs a Disconnected session.
func New(opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		opts:   opts,
		logger: logger.With("component", "session"),
		state:  Disconnected,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID identifies the current connection, or "" when there is none.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// EnsureConnected returns once a connection to host:port is live. A caller
// arriving during an attempt waits for it and gets its result; after a
// failure the next call starts a fresh attempt.
func (s *Session) EnsureConnected(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	s.mu.Lock()
	switch s.state {
	case Connected:
		if s.addr == addr {
			s.mu.Unlock()
			return nil
		}
		s.logger.Info("remote address changed; reconnecting", "from", s.addr, "to", addr)
		if old := s.teardownLocked(); old != nil {
			_ = old.Close()
		}
	case Connecting:
		a := s.inflight
		s.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a := &attempt{done: make(chan struct{})}
	s.inflight = a
	s.state = Connecting
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	conn, err := s.connect(ctx, addr)

	s.mu.Lock()
	if s.epoch != epoch {
		// Closed while connecting.
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		a.err = fmt.Errorf("session closed during connect: %w", ErrNotConnected)
		close(a.done)
		return a.err
	}
	s.inflight = nil
	if err != nil {
		s.state = Failed
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Error("unable to connect", "addr", addr, "error", err)
		a.err = err
		close(a.done)
		return err
	}

	id := uuid.NewString()
	desktop := conn.Init()
	fb := newFramebuffer(int(desktop.Width), int(desktop.Height))
	logger := s.logger.With("session", id)
	s.state = Connected
	s.lastErr = nil
	s.conn = conn
	s.fb = fb
	s.addr = addr
	s.id = id
	s.mu.Unlock()

	logger.Info("connected",
		"addr", addr,
		"desktop", desktop.Name,
		"width", desktop.Width,
		"height", desktop.Height,
		"protocol", conn.Version(),
	)
	go s.receive(conn, &sink{conn: conn, fb: fb, logger: logger}, epoch, logger)

	close(a.done)
	return nil
}

func (s *Session) connect(ctx context.Context, addr string) (*rfb.Conn, error) {
	var lastErr error
	attempts := 0
	for attempts < s.opts.MaxAttempts {
		attempts++
		conn, err := s.dialOnce(ctx, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		s.logger.Warn("connection attempt failed", "addr", addr, "attempt", attempts, "error", err)

		if ctx.Err() != nil {
			return nil, &ConnectError{Addr: addr, Attempts: attempts, Err: ctx.Err()}
		}
		if errors.Is(err, rfb.ErrAuthFailed) || attempts == s.opts.MaxAttempts {
			break
		}
		timer := time.NewTimer(s.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &ConnectError{Addr: addr, Attempts: attempts, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return nil, &ConnectError{Addr: addr, Attempts: attempts, Err: lastErr}
}

func (s *Session) dialOnce(ctx context.Context, addr string) (*rfb.Conn, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	nc, err := s.opts.Dialer.DialContext(attemptCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if deadline, ok := attemptCtx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	// Unblock handshake reads when the caller gives up.
	stop := context.AfterFunc(attemptCtx, func() {
		_ = nc.SetDeadline(time.Unix(1, 0))
	})

	conn, err := s.setup(nc)
	if !stop() && err == nil {
		err = attemptCtx.Err()
	}
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	return conn, nil
}

func (s *Session) setup(nc net.Conn) (*rfb.Conn, error) {
	conn, err := rfb.Handshake(nc, rfb.ClientConfig{
		Password:     s.opts.Password,
		Shared:       s.opts.Shared,
		WriteTimeout: s.opts.ConnectTimeout,
		Logger:       s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := conn.SetPixelFormat(rfb.RGBX32); err != nil {
		return nil, err
	}
	if err := conn.SetEncodings(rfb.EncodingRaw, rfb.EncodingCopyRect, rfb.EncodingDesktopSize); err != nil {
		return nil, err
	}
	desktop := conn.Init()
	if err := conn.FramebufferUpdateRequest(false, 0, 0, desktop.Width, desktop.Height); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) receive(conn *rfb.Conn, h rfb.Handler, epoch uint64, logger *slog.Logger) {
	err := conn.Serve(h)
	s.fail(epoch, &ProtocolError{Op: "receive", Err: err}, logger)
}

// fail moves the session to Failed if epoch still names the live connection.
func (s *Session) fail(epoch uint64, err error, logger *slog.Logger) {
	s.mu.Lock()
	if s.epoch != epoch || s.state != Connected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.state = Failed
	s.lastErr = err
	s.mu.Unlock()

	_ = conn.Close()
	logger.Error("connection lost", "error", err)
}

// live returns the connection for an input or capture operation.
func (s *Session) live() (*rfb.Conn, *framebuffer, uint64, *slog.Logger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Connected:
		return s.conn, s.fb, s.epoch, s.logger.With("session", s.id), nil
	case Failed:
		return nil, nil, 0, nil, fmt.Errorf("%w: %w", ErrNotConnected, s.lastErr)
	default:
		return nil, nil, 0, nil, ErrNotConnected
	}
}

func (s *Session) gate() error {
	if s.opts.Gate == nil {
		return nil
	}
	if state := s.opts.Gate.CurrentPowerState(); state != power.PoweredOn {
		return fmt.Errorf("%w (state %s)", ErrNotPoweredOn, state)
	}
	return nil
}

// SendKeys writes key events in order. It does not wait for the guest.
func (s *Session) SendKeys(ctx context.Context, events []input.KeyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.gate(); err != nil {
		return err
	}
	conn, _, epoch, logger, err := s.live()
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := conn.KeyEvent(event.Keysym, event.Down); err != nil {
			perr := &ProtocolError{Op: "send key event", Err: err}
			s.fail(epoch, perr, logger)
			return perr
		}
	}
	logger.Debug("sent key events", "count", len(events))
	return nil
}

// SendPointer writes one pointer event.
func (s *Session) SendPointer(ctx context.Context, event input.PointerEvent) error {
	return s.SendPointerEvents(ctx, []input.PointerEvent{event})
}

// SendPointerEvents writes pointer events in order.
func (s *Session) SendPointerEvents(ctx context.Context, events []input.PointerEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.gate(); err != nil {
		return err
	}
	conn, _, epoch, logger, err := s.live()
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := conn.PointerEvent(uint8(event.Buttons), event.X, event.Y); err != nil {
			perr := &ProtocolError{Op: "send pointer event", Err: err}
			s.fail(epoch, perr, logger)
			return perr
		}
	}
	return nil
}

// Snapshot encodes the latest complete frame as PNG. Only one capture runs
// at a time; an overlapping call fails with ErrCaptureBusy.
func (s *Session) Snapshot(ctx context.Context) (*Snapshot, error) {
	_, fb, _, logger, err := s.live()
	if err != nil {
		return nil, err
	}
	if !s.captureMu.TryLock() {
		return nil, ErrCaptureBusy
	}
	defer s.captureMu.Unlock()

	img, ok := fb.copy()
	if !ok {
		return nil, &NotReadyError{}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	bounds := img.Bounds()
	logger.Debug("captured screen", "width", bounds.Dx(), "height", bounds.Dy(), "bytes", buf.Len())
	return &Snapshot{
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
		Format:  "png",
		Data:    buf.Bytes(),
		TakenAt: time.Now().UTC(),
	}, nil
}

// Close drops the connection, if any, and returns to Disconnected.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.teardownLocked()
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.logger.Info("session closed")
	return conn.Close()
}

func (s *Session) teardownLocked() *rfb.Conn {
	conn := s.conn
	s.epoch++
	s.conn = nil
	s.fb = nil
	s.id = ""
	s.inflight = nil
	s.lastErr = nil
	s.state = Disconnected
	return conn
}
