package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("remote session is not connected")
	// ErrCaptureBusy is returned when another snapshot is still being taken.
	ErrCaptureBusy = errors.New("screen capture already in progress")
	// ErrNotPoweredOn is returned when input is sent to a machine that is not running.
	ErrNotPoweredOn = errors.New("virtual machine is not powered on")
)

// ConnectError reports that every connection attempt failed. The next
// EnsureConnected starts over.
type ConnectError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a transport or protocol failure on an established
// connection. The session is Failed afterwards.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rfb %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NotReadyError is returned by Snapshot before the first complete frame.
type NotReadyError struct{}

func (e *NotReadyError) Error() string {
	return "no complete frame received yet"
}
