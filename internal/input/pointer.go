package input

import (
	"fmt"
	"strings"
)

// Button is a pointer button bit mask.
type Button uint8

const (
	ButtonNone      Button = 0
	ButtonLeft      Button = 1 << 0
	ButtonMiddle    Button = 1 << 1
	ButtonRight     Button = 1 << 2
	ButtonWheelUp   Button = 1 << 3
	ButtonWheelDown Button = 1 << 4
)

// ParseButton accepts left, middle, right, or a wheel direction.
func ParseButton(name string) (Button, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "left", "":
		return ButtonLeft, nil
	case "middle":
		return ButtonMiddle, nil
	case "right":
		return ButtonRight, nil
	case "wheelup", "up":
		return ButtonWheelUp, nil
	case "wheeldown", "down":
		return ButtonWheelDown, nil
	default:
		return ButtonNone, fmt.Errorf("unknown pointer button %q", name)
	}
}

// PointerEvent is an absolute pointer position with the buttons held down.
// Events carry no state: every event states the complete button mask.
type PointerEvent struct {
	X, Y    uint16
	Buttons Button
}

// Move positions the pointer with no buttons held.
func Move(x, y uint16) PointerEvent {
	return PointerEvent{X: x, Y: y}
}

// Hold positions the pointer with mask held and leaves it held.
func Hold(x, y uint16, mask Button) PointerEvent {
	return PointerEvent{X: x, Y: y, Buttons: mask}
}

// Click presses and releases button at (x, y).
func Click(x, y uint16, button Button) []PointerEvent {
	return []PointerEvent{
		{X: x, Y: y, Buttons: button},
		{X: x, Y: y},
	}
}

// Scroll turns the wheel one notch at (x, y).
func Scroll(x, y uint16, up bool) []PointerEvent {
	button := ButtonWheelDown
	if up {
		button = ButtonWheelUp
	}
	return Click(x, y, button)
}
