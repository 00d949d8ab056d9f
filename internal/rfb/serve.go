package rfb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Server-to-client message types.
const (
	msgFramebufferUpdate   uint8 = 0
	msgSetColourMapEntries uint8 = 1
	msgBell                uint8 = 2
	msgServerCutText       uint8 = 3
)

// Rect is a framebuffer region.
type Rect struct {
	X, Y          uint16
	Width, Height uint16
}

// Area returns the number of pixels in r.
func (r Rect) Area() int {
	return int(r.Width) * int(r.Height)
}

func (r Rect) within(width, height int) bool {
	return int(r.X)+int(r.Width) <= width && int(r.Y)+int(r.Height) <= height
}

// Handler receives decoded server messages. Methods are called from the
// goroutine running Serve, one at a time. Returning an error from any of them
// stops Serve with that error.
type Handler interface {
	// Resize is called when the server changes the desktop geometry.
	Resize(width, height uint16) error
	// Raw delivers pixels for rect in the connection's pixel format. The
	// slice is reused after Raw returns.
	Raw(rect Rect, pixels []byte) error
	// CopyRect copies a region of the framebuffer that starts at
	// (srcX, srcY) to dst.
	CopyRect(dst Rect, srcX, srcY uint16) error
	// UpdateDone is called after every rectangle of one FramebufferUpdate
	// has been delivered.
	UpdateDone() error
	Bell()
	CutText(text string)
}

// Serve reads and dispatches server messages until the transport fails or a
// handler returns an error. Rectangles are checked against the current
// desktop geometry before they reach the handler.
func (c *Conn) Serve(h Handler) error {
	if h == nil {
		return errors.New("rfb: nil handler")
	}

	width, height := int(c.init.Width), int(c.init.Height)
	for {
		msgType, err := c.reader.ReadByte()
		if err != nil {
			return fmt.Errorf("read server message: %w", err)
		}

		switch msgType {
		case msgFramebufferUpdate:
			if err := c.readUpdate(h, &width, &height); err != nil {
				return err
			}
		case msgSetColourMapEntries:
			if err := c.discardColourMap(); err != nil {
				return err
			}
		case msgBell:
			h.Bell()
		case msgServerCutText:
			text, err := c.readCutText()
			if err != nil {
				return err
			}
			h.CutText(text)
		default:
			return fmt.Errorf("unsupported server message type %d", msgType)
		}
	}
}

func (c *Conn) readUpdate(h Handler, width, height *int) error {
	var header [3]byte // padding + rectangle count
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return fmt.Errorf("read framebuffer update: %w", err)
	}
	count := int(binary.BigEndian.Uint16(header[1:3]))
	bpp := c.PixelFormat().BytesPerPixel()

	var rectHeader [12]byte
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(c.reader, rectHeader[:]); err != nil {
			return fmt.Errorf("read rectangle header: %w", err)
		}
		rect := Rect{
			X:      binary.BigEndian.Uint16(rectHeader[0:2]),
			Y:      binary.BigEndian.Uint16(rectHeader[2:4]),
			Width:  binary.BigEndian.Uint16(rectHeader[4:6]),
			Height: binary.BigEndian.Uint16(rectHeader[6:8]),
		}
		encoding := int32(binary.BigEndian.Uint32(rectHeader[8:12]))

		switch encoding {
		case EncodingRaw:
			if !rect.within(*width, *height) {
				return fmt.Errorf("raw rectangle %+v outside %dx%d framebuffer", rect, *width, *height)
			}
			size := rect.Area() * bpp
			if cap(c.rawBuf) < size {
				c.rawBuf = make([]byte, size)
			}
			pixels := c.rawBuf[:size]
			if _, err := io.ReadFull(c.reader, pixels); err != nil {
				return fmt.Errorf("read raw rectangle: %w", err)
			}
			if err := h.Raw(rect, pixels); err != nil {
				return err
			}
		case EncodingCopyRect:
			var src [4]byte
			if _, err := io.ReadFull(c.reader, src[:]); err != nil {
				return fmt.Errorf("read copyrect source: %w", err)
			}
			srcX := binary.BigEndian.Uint16(src[0:2])
			srcY := binary.BigEndian.Uint16(src[2:4])
			source := Rect{X: srcX, Y: srcY, Width: rect.Width, Height: rect.Height}
			if !rect.within(*width, *height) || !source.within(*width, *height) {
				return fmt.Errorf("copyrect %+v from (%d,%d) outside %dx%d framebuffer", rect, srcX, srcY, *width, *height)
			}
			if err := h.CopyRect(rect, srcX, srcY); err != nil {
				return err
			}
		case EncodingDesktopSize:
			if err := checkGeometry(int(rect.Width), int(rect.Height)); err != nil {
				return err
			}
			*width, *height = int(rect.Width), int(rect.Height)
			if err := h.Resize(rect.Width, rect.Height); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported rectangle encoding %d", encoding)
		}
	}
	return h.UpdateDone()
}

func (c *Conn) discardColourMap() error {
	var header [5]byte // padding, first colour, number of colours
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return fmt.Errorf("read colour map entries: %w", err)
	}
	n := int64(binary.BigEndian.Uint16(header[3:5])) * 6
	if _, err := io.CopyN(io.Discard, c.reader, n); err != nil {
		return fmt.Errorf("read colour map entries: %w", err)
	}
	return nil
}

func (c *Conn) readCutText() (string, error) {
	var header [7]byte // padding + length
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return "", fmt.Errorf("read server cut text: %w", err)
	}
	length := binary.BigEndian.Uint32(header[3:7])
	if length > maxCutTextLength {
		return "", fmt.Errorf("server cut text too long (%d bytes)", length)
	}
	text := make([]byte, length)
	if _, err := io.ReadFull(c.reader, text); err != nil {
		return "", fmt.Errorf("read server cut text: %w", err)
	}
	return string(text), nil
}
