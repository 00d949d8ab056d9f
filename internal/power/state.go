package power

import (
	"context"
	"fmt"
	"strings"
)

// State is the hypervisor-reported power state of the virtual machine.
type State string

const (
	PoweredOn  State = "poweredOn"
	PoweredOff State = "poweredOff"
	Paused     State = "paused"
	Suspended  State = "suspended"
	Resetting  State = "resetting"
	Unknown    State = "unknown"
)

// ParseState accepts the hypervisor spelling of a power state. Matching is
// case-insensitive; anything unrecognised is an error and yields Unknown.
func ParseState(value string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "poweredon":
		return PoweredOn, nil
	case "poweredoff":
		return PoweredOff, nil
	case "paused":
		return Paused, nil
	case "suspended":
		return Suspended, nil
	case "resetting":
		return Resetting, nil
	case "unknown", "":
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("unknown power state %q", value)
	}
}

// String returns the state as string.
func (s State) String() string {
	return string(s)
}

// Label is the human-readable form used in status output.
func (s State) Label() string {
	switch s {
	case PoweredOn:
		return "Powered ON"
	case PoweredOff:
		return "Powered OFF"
	case Paused:
		return "Paused"
	case Suspended:
		return "Suspended"
	case Resetting:
		return "Resetting"
	default:
		return "Unknown"
	}
}

// Command is a power transition request understood by the hypervisor.
type Command string

const (
	CommandOn       Command = "on"
	CommandOff      Command = "off"
	CommandShutdown Command = "shutdown"
	CommandPause    Command = "pause"
	CommandSuspend  Command = "suspend"
	CommandReset    Command = "reset"
)

// ParseCommand validates an operator-supplied power command.
func ParseCommand(value string) (Command, error) {
	cmd := Command(strings.ToLower(strings.TrimSpace(value)))
	switch cmd {
	case CommandOn, CommandOff, CommandShutdown, CommandPause, CommandSuspend, CommandReset:
		return cmd, nil
	default:
		return "", fmt.Errorf("unknown power command %q (want on, off, shutdown, pause, suspend or reset)", value)
	}
}

// Hypervisor is the synchronous collaborator that owns the virtual machine.
type Hypervisor interface {
	// HostAddress returns the address at which the VM's remote display is reachable.
	HostAddress(ctx context.Context) (string, error)
	PowerState(ctx context.Context) (State, error)
	SetPowerState(ctx context.Context, cmd Command) error
}

// Machine is one VM registered with a hypervisor.
type Machine struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Provisioner is implemented by hypervisors that clone and delete machines.
// The Hypervisor methods act on the machine named by Current.
type Provisioner interface {
	Machines(ctx context.Context) ([]Machine, error)
	Clone(ctx context.Context, parentID, name string) (string, error)
	Delete(ctx context.Context, id string) error
	Current() string
	SetCurrent(id string)
}
