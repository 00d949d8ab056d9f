package session

import (
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/cochaviz/vmdesk/internal/rfb"
)

const bytesPerPixel = 4

// framebuffer mirrors the remote desktop. Pixel updates mutate the image in
// place; a geometry change swaps in a new image.
type framebuffer struct {
	mu    sync.RWMutex
	img   *image.RGBA
	ready bool
}

func newFramebuffer(width, height int) *framebuffer {
	return &framebuffer{img: image.NewRGBA(image.Rect(0, 0, width, height))}
}

func (fb *framebuffer) size() (int, int) {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	b := fb.img.Bounds()
	return b.Dx(), b.Dy()
}

// copy returns a private copy of the current image and whether a complete
// frame has been received since the last geometry change.
func (fb *framebuffer) copy() (*image.RGBA, bool) {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	if !fb.ready {
		return nil, false
	}
	out := &image.RGBA{
		Pix:    make([]byte, len(fb.img.Pix)),
		Stride: fb.img.Stride,
		Rect:   fb.img.Rect,
	}
	copy(out.Pix, fb.img.Pix)
	return out, true
}

func (fb *framebuffer) resize(width, height int) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fb.mu.Lock()
	fb.img = img
	fb.ready = false
	fb.mu.Unlock()
}

// raw copies RGBX pixels for rect into the image, forcing alpha to opaque.
func (fb *framebuffer) raw(rect rfb.Rect, pixels []byte) error {
	if len(pixels) != rect.Area()*bytesPerPixel {
		return fmt.Errorf("raw rectangle has %d bytes, want %d", len(pixels), rect.Area()*bytesPerPixel)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if !inside(fb.img, rect) {
		return fmt.Errorf("raw rectangle %+v outside framebuffer %v", rect, fb.img.Rect)
	}
	rowBytes := int(rect.Width) * bytesPerPixel
	for row := 0; row < int(rect.Height); row++ {
		src := pixels[row*rowBytes : (row+1)*rowBytes]
		dst := fb.img.Pix[fb.img.PixOffset(int(rect.X), int(rect.Y)+row):][:rowBytes]
		copy(dst, src)
		for i := 3; i < rowBytes; i += bytesPerPixel {
			dst[i] = 0xff
		}
	}
	return nil
}

// copyRect moves a region within the image. Rows are walked bottom-up when
// the destination is below the source so overlapping regions copy correctly.
func (fb *framebuffer) copyRect(dst rfb.Rect, srcX, srcY uint16) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	src := rfb.Rect{X: srcX, Y: srcY, Width: dst.Width, Height: dst.Height}
	if !inside(fb.img, dst) || !inside(fb.img, src) {
		return fmt.Errorf("copyrect %+v from (%d,%d) outside framebuffer %v", dst, srcX, srcY, fb.img.Rect)
	}

	rowBytes := int(dst.Width) * bytesPerPixel
	copyRow := func(row int) {
		from := fb.img.PixOffset(int(srcX), int(srcY)+row)
		to := fb.img.PixOffset(int(dst.X), int(dst.Y)+row)
		copy(fb.img.Pix[to:to+rowBytes], fb.img.Pix[from:from+rowBytes])
	}
	if dst.Y > srcY {
		for row := int(dst.Height) - 1; row >= 0; row-- {
			copyRow(row)
		}
	} else {
		for row := 0; row < int(dst.Height); row++ {
			copyRow(row)
		}
	}
	return nil
}

func (fb *framebuffer) markReady() {
	fb.mu.Lock()
	fb.ready = true
	fb.mu.Unlock()
}

func inside(img *image.RGBA, r rfb.Rect) bool {
	b := img.Bounds()
	return int(r.X)+int(r.Width) <= b.Dx() && int(r.Y)+int(r.Height) <= b.Dy()
}

// sink feeds server messages of one connection into its framebuffer and
// keeps incremental updates flowing.
type sink struct {
	conn   *rfb.Conn
	fb     *framebuffer
	logger *slog.Logger

	resized bool
}

func (s *sink) Resize(width, height uint16) error {
	s.logger.Info("remote desktop resized", "width", width, "height", height)
	s.fb.resize(int(width), int(height))
	s.resized = true
	return nil
}

func (s *sink) Raw(rect rfb.Rect, pixels []byte) error {
	return s.fb.raw(rect, pixels)
}

func (s *sink) CopyRect(dst rfb.Rect, srcX, srcY uint16) error {
	return s.fb.copyRect(dst, srcX, srcY)
}

// UpdateDone asks for the next frame. An update that changed the geometry
// is followed by a full request, and the frame only counts as complete once
// the new buffer has been painted.
func (s *sink) UpdateDone() error {
	width, height := s.fb.size()
	if s.resized {
		s.resized = false
		return s.conn.FramebufferUpdateRequest(false, 0, 0, uint16(width), uint16(height))
	}
	s.fb.markReady()
	return s.conn.FramebufferUpdateRequest(true, 0, 0, uint16(width), uint16(height))
}

func (s *sink) Bell() {
	s.logger.Debug("remote bell")
}

func (s *sink) CutText(text string) {
	s.logger.Debug("remote clipboard changed", "length", len(text))
}
