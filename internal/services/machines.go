package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cochaviz/vmdesk/internal/power"
)

// CloneName is the display name given to machines cloned from the parent.
const CloneName = "vmdesk instance"

var (
	ErrNotProvisioner = errors.New("hypervisor cannot provision machines")
	ErrNoParent       = errors.New("parent machine is not set")
	ErrNoCurrent      = errors.New("current machine is not set")
)

// MachineInfo is a registered machine and the role the desk gives it.
type MachineInfo struct {
	power.Machine
	Current bool
	Parent  bool
}

// MachineCheck is the outcome of CheckMachines.
type MachineCheck struct {
	CurrentFound bool
	ParentFound  bool
}

func (d *Desk) provisioner() (power.Provisioner, error) {
	p, ok := d.Hypervisor.(power.Provisioner)
	if !ok {
		return nil, ErrNotProvisioner
	}
	return p, nil
}

func (d *Desk) parent() string {
	d.machineMu.Lock()
	defer d.machineMu.Unlock()
	return d.Parent
}

// Machines lists the machines the hypervisor knows, marking the current one
// and the clone parent.
func (d *Desk) Machines(ctx context.Context) ([]MachineInfo, error) {
	p, err := d.provisioner()
	if err != nil {
		return nil, err
	}
	machines, err := p.Machines(ctx)
	if err != nil {
		return nil, err
	}
	current, parent := p.Current(), d.parent()
	infos := make([]MachineInfo, 0, len(machines))
	for _, m := range machines {
		infos = append(infos, MachineInfo{
			Machine: m,
			Current: current != "" && m.ID == current,
			Parent:  parent != "" && m.ID == parent,
		})
	}
	return infos, nil
}

// CheckMachines confirms the configured current and parent machines are
// still registered. A missing current machine is cleared so input and power
// operations fail fast until one is created or selected; a hypervisor that
// does not provision machines passes trivially.
func (d *Desk) CheckMachines(ctx context.Context) (MachineCheck, error) {
	p, err := d.provisioner()
	if errors.Is(err, ErrNotProvisioner) {
		return MachineCheck{CurrentFound: true, ParentFound: true}, nil
	}
	machines, err := p.Machines(ctx)
	if err != nil {
		return MachineCheck{}, fmt.Errorf("verify machines: %w", err)
	}

	current, parent := p.Current(), d.parent()
	var check MachineCheck
	for _, m := range machines {
		check.CurrentFound = check.CurrentFound || (current != "" && m.ID == current)
		check.ParentFound = check.ParentFound || (parent != "" && m.ID == parent)
	}

	logger := d.logger()
	if !check.CurrentFound {
		logger.Warn("current machine not found; create or select one", "vm", current)
		if current != "" {
			p.SetCurrent("")
			d.persistMachines(p)
		}
	}
	if !check.ParentFound {
		logger.Warn("parent machine not found; set one before creating machines", "vm", parent)
	}
	return check, nil
}

// CreateMachine clones the parent and makes the clone current.
func (d *Desk) CreateMachine(ctx context.Context) (string, error) {
	p, err := d.provisioner()
	if err != nil {
		return "", err
	}
	parent := d.parent()
	if parent == "" {
		return "", ErrNoParent
	}
	id, err := p.Clone(ctx, parent, CloneName)
	if err != nil {
		return "", err
	}
	d.switchMachine(ctx, p, id)
	return id, nil
}

// DeleteMachine deletes the current machine. The desk has no current machine
// afterwards.
func (d *Desk) DeleteMachine(ctx context.Context) error {
	p, err := d.provisioner()
	if err != nil {
		return err
	}
	current := p.Current()
	if current == "" {
		return ErrNoCurrent
	}
	if err := p.Delete(ctx, current); err != nil {
		return err
	}
	d.switchMachine(ctx, p, "")
	return nil
}

// ResetMachine replaces the current machine with a fresh clone of the
// parent.
func (d *Desk) ResetMachine(ctx context.Context) (string, error) {
	p, err := d.provisioner()
	if err != nil {
		return "", err
	}
	if p.Current() == "" {
		return "", ErrNoCurrent
	}
	if d.parent() == "" {
		return "", ErrNoParent
	}
	if err := d.DeleteMachine(ctx); err != nil {
		return "", err
	}
	return d.CreateMachine(ctx)
}

// SetCurrentMachine points the desk at another registered machine.
func (d *Desk) SetCurrentMachine(ctx context.Context, id string) error {
	p, err := d.provisioner()
	if err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNoCurrent
	}
	d.switchMachine(ctx, p, id)
	return nil
}

// SetParentMachine selects the machine new clones are made from.
func (d *Desk) SetParentMachine(id string) error {
	p, err := d.provisioner()
	if err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNoParent
	}
	d.machineMu.Lock()
	d.Parent = id
	d.machineMu.Unlock()
	d.logger().Info("parent machine changed", "vm", id)
	d.persistMachines(p)
	return nil
}

// switchMachine makes id current, drops the session to the old machine and
// starts the power cache over for the new one.
func (d *Desk) switchMachine(ctx context.Context, p power.Provisioner, id string) {
	p.SetCurrent(id)
	d.persistMachines(p)
	if err := d.Session.Close(); err != nil {
		d.logger().Warn("closing session to previous machine failed", "error", err)
	}
	d.Monitor.Forget()
	if _, err := d.Monitor.Refresh(ctx); err != nil && id != "" {
		d.logger().Warn("power state refresh failed", "vm", id, "error", err)
	}
}

func (d *Desk) persistMachines(p power.Provisioner) {
	if d.SaveMachines == nil {
		return
	}
	if err := d.SaveMachines(p.Current(), d.parent()); err != nil {
		d.logger().Warn("saving machine ids failed", "error", err)
	}
}
