package rfb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Security types.
const (
	SecurityInvalid uint8 = 0
	SecurityNone    uint8 = 1
	SecurityVNCAuth uint8 = 2
)

// Encodings.
const (
	EncodingRaw         int32 = 0
	EncodingCopyRect    int32 = 1
	EncodingDesktopSize int32 = -223
)

// Client-to-server message types.
const (
	msgSetPixelFormat           uint8 = 0
	msgSetEncodings             uint8 = 2
	msgFramebufferUpdateRequest uint8 = 3
	msgKeyEvent                 uint8 = 4
	msgPointerEvent             uint8 = 5
	msgClientCutText            uint8 = 6
)

const (
	// MaxFramebufferPixels bounds the framebuffer geometry a server may
	// announce (16384 x 16384) so a hostile size cannot exhaust memory.
	MaxFramebufferPixels = 16384 * 16384

	maxReasonLength  = 64 << 10
	maxCutTextLength = 16 << 20
)

var (
	// ErrAuthFailed is returned when the server rejects the credentials.
	ErrAuthFailed = errors.New("rfb authentication failed")
	// ErrUnsupportedSecurity is returned when no offered security type is usable.
	ErrUnsupportedSecurity = errors.New("rfb server offers no supported security type")
)

// ServerError carries a failure reason sent by the server.
type ServerError struct {
	Stage  string
	Reason string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rfb server refused %s: %s", e.Stage, e.Reason)
}

// ClientConfig controls the handshake.
type ClientConfig struct {
	// Password enables VNC Authentication when the server offers it.
	Password string
	// Shared asks the server to leave other clients connected.
	Shared bool
	// WriteTimeout bounds each client message write. Zero means no deadline.
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// ServerInit is the server's description of the desktop.
type ServerInit struct {
	Width  uint16
	Height uint16
	Format PixelFormat
	Name   string
}

// Conn is a client connection that completed the RFB handshake. Client
// messages may be sent from any goroutine; Serve must run on exactly one.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *slog.Logger

	version      int // minor protocol version: 3, 7 or 8
	init         ServerInit
	writeTimeout time.Duration

	wmu sync.Mutex

	// format is the pixel format the server uses for updates. It is written
	// by SetPixelFormat before Serve starts and only read by Serve after.
	fmtMu  sync.RWMutex
	format PixelFormat

	rawBuf []byte
}

// Handshake runs the protocol version, security and initialisation phases on
// an established transport. The caller owns any deadline on conn.
func Handshake(conn net.Conn, cfg ClientConfig) (*Conn, error) {
	if conn == nil {
		return nil, errors.New("rfb: nil connection")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 64<<10),
		logger:       logger,
		writeTimeout: cfg.WriteTimeout,
	}

	if err := c.negotiateVersion(); err != nil {
		return nil, err
	}
	if err := c.negotiateSecurity(cfg.Password); err != nil {
		return nil, err
	}
	if err := c.initialise(cfg.Shared); err != nil {
		return nil, err
	}

	logger.Debug("rfb handshake complete",
		"version", fmt.Sprintf("3.%d", c.version),
		"desktop", c.init.Name,
		"width", c.init.Width,
		"height", c.init.Height,
	)
	return c, nil
}

func (c *Conn) negotiateVersion() error {
	var buf [12]byte
	if _, err := io.ReadFull(c.reader, buf[:]); err != nil {
		return fmt.Errorf("read protocol version: %w", err)
	}
	var major, minor int
	if _, err := fmt.Sscanf(string(buf[:]), "RFB %03d.%03d\n", &major, &minor); err != nil {
		return fmt.Errorf("parse protocol version %q: %w", string(buf[:]), err)
	}
	if major != 3 {
		return fmt.Errorf("unsupported rfb protocol version %d.%d", major, minor)
	}

	switch {
	case minor >= 8:
		c.version = 8
	case minor == 7:
		c.version = 7
	default:
		c.version = 3
	}
	if _, err := fmt.Fprintf(c.conn, "RFB 003.%03d\n", c.version); err != nil {
		return fmt.Errorf("write protocol version: %w", err)
	}
	return nil
}

func (c *Conn) negotiateSecurity(password string) error {
	var chosen uint8

	if c.version == 3 {
		var secType uint32
		if err := binary.Read(c.reader, binary.BigEndian, &secType); err != nil {
			return fmt.Errorf("read security type: %w", err)
		}
		if secType == uint32(SecurityInvalid) {
			return c.readServerError("connection")
		}
		if secType != uint32(SecurityNone) && secType != uint32(SecurityVNCAuth) {
			return fmt.Errorf("%w: %d", ErrUnsupportedSecurity, secType)
		}
		chosen = uint8(secType)
	} else {
		var count uint8
		if err := binary.Read(c.reader, binary.BigEndian, &count); err != nil {
			return fmt.Errorf("read security type count: %w", err)
		}
		if count == 0 {
			return c.readServerError("connection")
		}
		offered := make([]byte, count)
		if _, err := io.ReadFull(c.reader, offered); err != nil {
			return fmt.Errorf("read security types: %w", err)
		}
		var err error
		chosen, err = chooseSecurity(offered, password)
		if err != nil {
			return err
		}
		if _, err := c.conn.Write([]byte{chosen}); err != nil {
			return fmt.Errorf("write security type: %w", err)
		}
	}

	if chosen == SecurityVNCAuth {
		if password == "" {
			return fmt.Errorf("%w: server requires a password", ErrAuthFailed)
		}
		challenge := make([]byte, challengeSize)
		if _, err := io.ReadFull(c.reader, challenge); err != nil {
			return fmt.Errorf("read auth challenge: %w", err)
		}
		response, err := VNCAuthResponse(password, challenge)
		if err != nil {
			return err
		}
		if _, err := c.conn.Write(response); err != nil {
			return fmt.Errorf("write auth response: %w", err)
		}
	}

	// Before 3.8 the result is only sent after VNC Authentication.
	if chosen == SecurityNone && c.version < 8 {
		return nil
	}

	var result uint32
	if err := binary.Read(c.reader, binary.BigEndian, &result); err != nil {
		return fmt.Errorf("read security result: %w", err)
	}
	if result == 0 {
		return nil
	}
	if c.version >= 8 {
		if err := c.readServerError("authentication"); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}
	return ErrAuthFailed
}

func chooseSecurity(offered []byte, password string) (uint8, error) {
	var hasNone, hasVNC bool
	for _, t := range offered {
		switch t {
		case SecurityNone:
			hasNone = true
		case SecurityVNCAuth:
			hasVNC = true
		}
	}
	switch {
	case hasVNC && password != "":
		return SecurityVNCAuth, nil
	case hasNone:
		return SecurityNone, nil
	case hasVNC:
		return 0, fmt.Errorf("%w: server requires a password", ErrAuthFailed)
	default:
		return 0, fmt.Errorf("%w: offered %v", ErrUnsupportedSecurity, offered)
	}
}

// readServerError reads a length-prefixed reason string and returns it as a
// *ServerError. A failure to read the reason is returned instead.
func (c *Conn) readServerError(stage string) error {
	var length uint32
	if err := binary.Read(c.reader, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read failure reason: %w", err)
	}
	if length > maxReasonLength {
		return fmt.Errorf("failure reason too long (%d bytes)", length)
	}
	reason := make([]byte, length)
	if _, err := io.ReadFull(c.reader, reason); err != nil {
		return fmt.Errorf("read failure reason: %w", err)
	}
	return &ServerError{Stage: stage, Reason: string(reason)}
}

func (c *Conn) initialise(shared bool) error {
	if _, err := c.conn.Write([]byte{boolByte(shared)}); err != nil {
		return fmt.Errorf("write client init: %w", err)
	}

	var header [20]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return fmt.Errorf("read server init: %w", err)
	}
	width := binary.BigEndian.Uint16(header[0:2])
	height := binary.BigEndian.Uint16(header[2:4])
	if err := checkGeometry(int(width), int(height)); err != nil {
		return err
	}
	format, err := UnmarshalPixelFormat(header[4:20])
	if err != nil {
		return err
	}

	var nameLength uint32
	if err := binary.Read(c.reader, binary.BigEndian, &nameLength); err != nil {
		return fmt.Errorf("read desktop name length: %w", err)
	}
	if nameLength > maxReasonLength {
		return fmt.Errorf("desktop name too long (%d bytes)", nameLength)
	}
	name := make([]byte, nameLength)
	if _, err := io.ReadFull(c.reader, name); err != nil {
		return fmt.Errorf("read desktop name: %w", err)
	}

	c.init = ServerInit{Width: width, Height: height, Format: format, Name: string(name)}
	c.format = format
	return nil
}

func checkGeometry(width, height int) error {
	if width*height > MaxFramebufferPixels {
		return fmt.Errorf("framebuffer %dx%d exceeds supported size", width, height)
	}
	return nil
}

// Init returns the ServerInit received during the handshake.
func (c *Conn) Init() ServerInit {
	return c.init
}

// Version returns the negotiated protocol version as "3.x".
func (c *Conn) Version() string {
	return fmt.Sprintf("3.%d", c.version)
}

// RemoteAddr returns the server address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying transport; a running Serve returns.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// SetPixelFormat asks the server to encode future updates in pf.
func (c *Conn) SetPixelFormat(pf PixelFormat) error {
	if err := pf.Validate(); err != nil {
		return err
	}
	msg := make([]byte, 4, 20)
	msg[0] = msgSetPixelFormat
	msg = append(msg, MarshalPixelFormat(pf)...)
	if err := c.write(msg); err != nil {
		return fmt.Errorf("set pixel format: %w", err)
	}

	c.fmtMu.Lock()
	c.format = pf
	c.fmtMu.Unlock()
	return nil
}

// PixelFormat returns the format the server is expected to use for updates.
func (c *Conn) PixelFormat() PixelFormat {
	c.fmtMu.RLock()
	defer c.fmtMu.RUnlock()
	return c.format
}

// SetEncodings announces the encodings this client understands, in order of preference.
func (c *Conn) SetEncodings(encodings ...int32) error {
	msg := make([]byte, 4+4*len(encodings))
	msg[0] = msgSetEncodings
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(encodings)))
	for i, enc := range encodings {
		binary.BigEndian.PutUint32(msg[4+4*i:], uint32(enc))
	}
	if err := c.write(msg); err != nil {
		return fmt.Errorf("set encodings: %w", err)
	}
	return nil
}

// FramebufferUpdateRequest asks for the given region; incremental requests
// only return changed pixels.
func (c *Conn) FramebufferUpdateRequest(incremental bool, x, y, width, height uint16) error {
	var msg [10]byte
	msg[0] = msgFramebufferUpdateRequest
	msg[1] = boolByte(incremental)
	binary.BigEndian.PutUint16(msg[2:4], x)
	binary.BigEndian.PutUint16(msg[4:6], y)
	binary.BigEndian.PutUint16(msg[6:8], width)
	binary.BigEndian.PutUint16(msg[8:10], height)
	if err := c.write(msg[:]); err != nil {
		return fmt.Errorf("framebuffer update request: %w", err)
	}
	return nil
}

// KeyEvent presses (down) or releases a key symbol.
func (c *Conn) KeyEvent(keysym uint32, down bool) error {
	var msg [8]byte
	msg[0] = msgKeyEvent
	msg[1] = boolByte(down)
	binary.BigEndian.PutUint32(msg[4:8], keysym)
	if err := c.write(msg[:]); err != nil {
		return fmt.Errorf("key event: %w", err)
	}
	return nil
}

// PointerEvent moves the pointer to (x, y) with the given button mask held.
func (c *Conn) PointerEvent(buttons uint8, x, y uint16) error {
	var msg [6]byte
	msg[0] = msgPointerEvent
	msg[1] = buttons
	binary.BigEndian.PutUint16(msg[2:4], x)
	binary.BigEndian.PutUint16(msg[4:6], y)
	if err := c.write(msg[:]); err != nil {
		return fmt.Errorf("pointer event: %w", err)
	}
	return nil
}

// CutText sends Latin-1 clipboard text to the server.
func (c *Conn) CutText(text string) error {
	msg := make([]byte, 8, 8+len(text))
	msg[0] = msgClientCutText
	binary.BigEndian.PutUint32(msg[4:8], uint32(len(text)))
	msg = append(msg, text...)
	if err := c.write(msg); err != nil {
		return fmt.Errorf("client cut text: %w", err)
	}
	return nil
}

func (c *Conn) write(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(msg)
	return err
}
