// Package rfbtest provides an in-process RFB server for tests.
package rfbtest

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cochaviz/vmdesk/internal/rfb"
)

// Client message types as seen by the server.
const (
	SetPixelFormat           uint8 = 0
	SetEncodings             uint8 = 2
	FramebufferUpdateRequest uint8 = 3
	KeyEvent                 uint8 = 4
	PointerEvent             uint8 = 5
	ClientCutText            uint8 = 6
)

// Config describes how the fake server behaves during the handshake.
type Config struct {
	// Version is "3.3", "3.7" or "3.8" (the default).
	Version string
	Width   uint16
	Height  uint16
	Name    string
	Format  *rfb.PixelFormat
	// Password switches the server to VNC Authentication.
	Password string
	// Refuse makes the server reject every connection with this reason.
	Refuse string
	// HandshakeDelay is slept before the server greets a new client.
	HandshakeDelay time.Duration
}

// ClientMessage is one decoded client-to-server message.
type ClientMessage struct {
	Type uint8

	Format      rfb.PixelFormat // SetPixelFormat
	Encodings   []int32         // SetEncodings
	Incremental bool            // FramebufferUpdateRequest
	Rect        rfb.Rect        // FramebufferUpdateRequest
	Key         uint32          // KeyEvent
	Down        bool            // KeyEvent
	Buttons     uint8           // PointerEvent
	X, Y        uint16          // PointerEvent
	Text        string          // ClientCutText
}

// Rectangle is one rectangle of a FramebufferUpdate sent by the server.
type Rectangle struct {
	Rect     rfb.Rect
	Encoding int32
	Pixels   []byte // raw encoding
	SrcX     uint16 // copyrect encoding
	SrcY     uint16
}

// Server accepts RFB clients on a loopback TCP listener.
type Server struct {
	cfg      Config
	listener net.Listener

	conns    chan *ServerConn
	accepted atomic.Int32
	wg       sync.WaitGroup

	mu     sync.Mutex
	open   []*ServerConn
	closed bool
}

// NewServer starts a server that is closed when the test finishes.
func NewServer(t testing.TB, cfg Config) *Server {
	t.Helper()
	if cfg.Version == "" {
		cfg.Version = "3.8"
	}
	if cfg.Width == 0 {
		cfg.Width = 4
	}
	if cfg.Height == 0 {
		cfg.Height = 2
	}
	if cfg.Name == "" {
		cfg.Name = "rfbtest"
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		cfg:      cfg,
		listener: listener,
		conns:    make(chan *ServerConn, 16),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host and port clients should dial.
func (s *Server) Addr() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Accepted reports how many TCP connections the server has accepted.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Next waits for the next client that completed the handshake.
func (s *Server) Next(timeout time.Duration) (*ServerConn, error) {
	select {
	case conn := <-s.conns:
		return conn, nil
	case <-time.After(timeout):
		return nil, errors.New("rfbtest: timeout waiting for client")
	}
}

// Close stops accepting and closes every open connection.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.mu.Lock()
	s.closed = true
	for _, conn := range s.open {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sc, err := s.handshake(conn)
			if err != nil {
				_ = conn.Close()
				return
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = sc.Close()
				return
			}
			s.open = append(s.open, sc)
			s.mu.Unlock()
			s.conns <- sc
			sc.readLoop()
		}()
	}
}

func (s *Server) handshake(conn net.Conn) (*ServerConn, error) {
	if s.cfg.HandshakeDelay > 0 {
		time.Sleep(s.cfg.HandshakeDelay)
	}

	var minor int
	switch s.cfg.Version {
	case "3.3":
		minor = 3
	case "3.7":
		minor = 7
	default:
		minor = 8
	}
	if _, err := fmt.Fprintf(conn, "RFB 003.%03d\n", minor); err != nil {
		return nil, err
	}
	var clientVersion [12]byte
	if _, err := io.ReadFull(conn, clientVersion[:]); err != nil {
		return nil, err
	}

	if s.cfg.Refuse != "" {
		if minor == 3 {
			_ = binary.Write(conn, binary.BigEndian, uint32(0))
		} else {
			_, _ = conn.Write([]byte{0})
		}
		writeString(conn, s.cfg.Refuse)
		return nil, errors.New("refused")
	}

	secType := rfb.SecurityNone
	if s.cfg.Password != "" {
		secType = rfb.SecurityVNCAuth
	}
	if minor == 3 {
		if err := binary.Write(conn, binary.BigEndian, uint32(secType)); err != nil {
			return nil, err
		}
	} else {
		if _, err := conn.Write([]byte{1, secType}); err != nil {
			return nil, err
		}
		var chosen [1]byte
		if _, err := io.ReadFull(conn, chosen[:]); err != nil {
			return nil, err
		}
		if chosen[0] != secType {
			return nil, fmt.Errorf("client chose security type %d", chosen[0])
		}
	}

	if secType == rfb.SecurityVNCAuth {
		challenge := make([]byte, 16)
		_, _ = rand.Read(challenge)
		if _, err := conn.Write(challenge); err != nil {
			return nil, err
		}
		response := make([]byte, 16)
		if _, err := io.ReadFull(conn, response); err != nil {
			return nil, err
		}
		want, _ := rfb.VNCAuthResponse(s.cfg.Password, challenge)
		if !bytes.Equal(response, want) {
			_ = binary.Write(conn, binary.BigEndian, uint32(1))
			if minor == 8 {
				writeString(conn, "authentication failed")
			}
			return nil, errors.New("bad password")
		}
		if err := binary.Write(conn, binary.BigEndian, uint32(0)); err != nil {
			return nil, err
		}
	} else if minor == 8 {
		if err := binary.Write(conn, binary.BigEndian, uint32(0)); err != nil {
			return nil, err
		}
	}

	var clientInit [1]byte
	if _, err := io.ReadFull(conn, clientInit[:]); err != nil {
		return nil, err
	}

	format := rfb.RGBX32
	if s.cfg.Format != nil {
		format = *s.cfg.Format
	}
	var serverInit bytes.Buffer
	_ = binary.Write(&serverInit, binary.BigEndian, s.cfg.Width)
	_ = binary.Write(&serverInit, binary.BigEndian, s.cfg.Height)
	serverInit.Write(rfb.MarshalPixelFormat(format))
	writeString(&serverInit, s.cfg.Name)
	if _, err := conn.Write(serverInit.Bytes()); err != nil {
		return nil, err
	}

	return &ServerConn{
		conn:     conn,
		Shared:   clientInit[0] != 0,
		messages: make(chan ClientMessage, 256),
		done:     make(chan struct{}),
	}, nil
}

func writeString(w io.Writer, s string) {
	_ = binary.Write(w, binary.BigEndian, uint32(len(s)))
	_, _ = io.WriteString(w, s)
}

// ServerConn is the server side of one client connection.
type ServerConn struct {
	conn   net.Conn
	Shared bool

	wmu       sync.Mutex
	messages  chan ClientMessage
	done      chan struct{}
	closeOnce sync.Once
}

// Messages delivers decoded client messages; it is closed when the client goes away.
func (c *ServerConn) Messages() <-chan ClientMessage {
	return c.messages
}

// Expect waits for the next client message of type msgType, skipping others.
func (c *ServerConn) Expect(msgType uint8, timeout time.Duration) (ClientMessage, error) {
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-c.messages:
			if !ok {
				return ClientMessage{}, io.EOF
			}
			if msg.Type == msgType {
				return msg, nil
			}
		case <-deadline:
			return ClientMessage{}, fmt.Errorf("rfbtest: timeout waiting for message type %d", msgType)
		}
	}
}

// Collect gathers messages of type msgType until n have arrived.
func (c *ServerConn) Collect(msgType uint8, n int, timeout time.Duration) ([]ClientMessage, error) {
	out := make([]ClientMessage, 0, n)
	for len(out) < n {
		msg, err := c.Expect(msgType, timeout)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// SendUpdate writes one FramebufferUpdate holding rects.
func (c *ServerConn) SendUpdate(rects ...Rectangle) error {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0})
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(rects)))
	for _, r := range rects {
		_ = binary.Write(&buf, binary.BigEndian, r.Rect.X)
		_ = binary.Write(&buf, binary.BigEndian, r.Rect.Y)
		_ = binary.Write(&buf, binary.BigEndian, r.Rect.Width)
		_ = binary.Write(&buf, binary.BigEndian, r.Rect.Height)
		_ = binary.Write(&buf, binary.BigEndian, r.Encoding)
		switch r.Encoding {
		case rfb.EncodingRaw:
			buf.Write(r.Pixels)
		case rfb.EncodingCopyRect:
			_ = binary.Write(&buf, binary.BigEndian, r.SrcX)
			_ = binary.Write(&buf, binary.BigEndian, r.SrcY)
		}
	}
	return c.Write(buf.Bytes())
}

// SendBell writes a Bell message.
func (c *ServerConn) SendBell() error {
	return c.Write([]byte{2})
}

// SendCutText writes a ServerCutText message.
func (c *ServerConn) SendCutText(text string) error {
	var buf bytes.Buffer
	buf.Write([]byte{3, 0, 0, 0})
	writeString(&buf, text)
	return c.Write(buf.Bytes())
}

// Write sends arbitrary bytes, for malformed-input tests.
func (c *ServerConn) Write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// Close drops the connection.
func (c *ServerConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *ServerConn) readLoop() {
	defer close(c.messages)
	for {
		msg, err := readClientMessage(c.conn)
		if err != nil {
			return
		}
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func readClientMessage(r io.Reader) (ClientMessage, error) {
	var msgType [1]byte
	if _, err := io.ReadFull(r, msgType[:]); err != nil {
		return ClientMessage{}, err
	}
	msg := ClientMessage{Type: msgType[0]}

	switch msg.Type {
	case SetPixelFormat:
		var body [19]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return msg, err
		}
		pf, err := rfb.UnmarshalPixelFormat(body[3:])
		if err != nil {
			return msg, err
		}
		msg.Format = pf
	case SetEncodings:
		var header [3]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return msg, err
		}
		count := binary.BigEndian.Uint16(header[1:3])
		msg.Encodings = make([]int32, count)
		if err := binary.Read(r, binary.BigEndian, msg.Encodings); err != nil {
			return msg, err
		}
	case FramebufferUpdateRequest:
		var body [9]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return msg, err
		}
		msg.Incremental = body[0] != 0
		msg.Rect = rfb.Rect{
			X:      binary.BigEndian.Uint16(body[1:3]),
			Y:      binary.BigEndian.Uint16(body[3:5]),
			Width:  binary.BigEndian.Uint16(body[5:7]),
			Height: binary.BigEndian.Uint16(body[7:9]),
		}
	case KeyEvent:
		var body [7]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return msg, err
		}
		msg.Down = body[0] != 0
		msg.Key = binary.BigEndian.Uint32(body[3:7])
	case PointerEvent:
		var body [5]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return msg, err
		}
		msg.Buttons = body[0]
		msg.X = binary.BigEndian.Uint16(body[1:3])
		msg.Y = binary.BigEndian.Uint16(body[3:5])
	case ClientCutText:
		var header [7]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return msg, err
		}
		text := make([]byte, binary.BigEndian.Uint32(header[3:7]))
		if _, err := io.ReadFull(r, text); err != nil {
			return msg, err
		}
		msg.Text = string(text)
	default:
		return msg, fmt.Errorf("rfbtest: unknown client message type %d", msg.Type)
	}
	return msg, nil
}
