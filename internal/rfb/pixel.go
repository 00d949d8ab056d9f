package rfb

import (
	"encoding/binary"
	"fmt"
)

// PixelFormat is the wire description of how the server encodes pixels.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColor    bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

// RGBX32 is 32 bits per pixel, little endian, with red in the lowest byte.
// In memory each pixel is laid out R, G, B, X which lets callers copy raw
// rectangles straight into an image.RGBA buffer.
var RGBX32 = PixelFormat{
	BitsPerPixel: 32,
	Depth:        24,
	BigEndian:    false,
	TrueColor:    true,
	RedMax:       0xff,
	GreenMax:     0xff,
	BlueMax:      0xff,
	RedShift:     0,
	GreenShift:   8,
	BlueShift:    16,
}

// BytesPerPixel returns the size of one encoded pixel.
func (pf PixelFormat) BytesPerPixel() int {
	return int(pf.BitsPerPixel) / 8
}

// Validate reports whether the format is one this client can decode.
func (pf PixelFormat) Validate() error {
	switch pf.BitsPerPixel {
	case 8, 16, 32:
	default:
		return fmt.Errorf("unsupported bits per pixel %d", pf.BitsPerPixel)
	}
	if pf.Depth == 0 || pf.Depth > pf.BitsPerPixel {
		return fmt.Errorf("invalid depth %d for %d bits per pixel", pf.Depth, pf.BitsPerPixel)
	}
	return nil
}

func (pf PixelFormat) marshal() [16]byte {
	var b [16]byte
	b[0] = pf.BitsPerPixel
	b[1] = pf.Depth
	b[2] = boolByte(pf.BigEndian)
	b[3] = boolByte(pf.TrueColor)
	binary.BigEndian.PutUint16(b[4:6], pf.RedMax)
	binary.BigEndian.PutUint16(b[6:8], pf.GreenMax)
	binary.BigEndian.PutUint16(b[8:10], pf.BlueMax)
	b[10] = pf.RedShift
	b[11] = pf.GreenShift
	b[12] = pf.BlueShift
	// b[13:16] padding
	return b
}

// MarshalPixelFormat encodes pf in its 16-byte wire form.
func MarshalPixelFormat(pf PixelFormat) []byte {
	b := pf.marshal()
	return b[:]
}

// UnmarshalPixelFormat decodes the 16-byte wire form.
func UnmarshalPixelFormat(b []byte) (PixelFormat, error) {
	if len(b) < 16 {
		return PixelFormat{}, fmt.Errorf("pixel format needs 16 bytes, got %d", len(b))
	}
	return PixelFormat{
		BitsPerPixel: b[0],
		Depth:        b[1],
		BigEndian:    b[2] != 0,
		TrueColor:    b[3] != 0,
		RedMax:       binary.BigEndian.Uint16(b[4:6]),
		GreenMax:     binary.BigEndian.Uint16(b[6:8]),
		BlueMax:      binary.BigEndian.Uint16(b[8:10]),
		RedShift:     b[10],
		GreenShift:   b[11],
		BlueShift:    b[12],
	}, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
