// Package libvirt controls the desk VM through libvirt.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/vmdesk/internal/power"

	libvirt "libvirt.org/go/libvirt"
)

const DefaultConnectionURI = "qemu:///system"

// domain is the subset of *libvirt.Domain the driver calls.
type domain interface {
	GetState() (libvirt.DomainState, int, error)
	Create() error
	Resume() error
	PMWakeup(flags uint32) error
	Destroy() error
	Shutdown() error
	Suspend() error
	ManagedSave(flags libvirt.DomainSaveRestoreFlags) error
	Reset(flags uint32) error
	ListAllInterfaceAddresses(src libvirt.DomainInterfaceAddressesSource) ([]libvirt.DomainInterface, error)
}

// Driver implements power.Hypervisor for one libvirt domain. Every call
// opens its own connection.
type Driver struct {
	ConnectionURI string
	Domain        string
	// Bridge is the host bridge the guest is attached to; its IPv4 address
	// is where the VNC server listens.
	Bridge string
	// Namespace names the network namespace holding Bridge; empty means the
	// host namespace.
	Namespace string
	Logger    *slog.Logger

	open       func() (domain, func(), error)
	bridgeAddr func(bridge, namespace string) (net.IP, error)
}

var _ power.Hypervisor = (*Driver)(nil)

// NewDriver returns a driver for the named domain.
func NewDriver(connectionURI, domainName string, logger *slog.Logger) *Driver {
	if strings.TrimSpace(connectionURI) == "" {
		connectionURI = DefaultConnectionURI
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		ConnectionURI: connectionURI,
		Domain:        domainName,
		Logger:        logger.With("component", "hypervisor.libvirt", "domain", domainName),
	}
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Driver) lookup() (domain, func(), error) {
	if d.open != nil {
		return d.open()
	}
	if strings.TrimSpace(d.Domain) == "" {
		return nil, nil, fmt.Errorf("domain name is required")
	}
	uri := strings.TrimSpace(d.ConnectionURI)
	if uri == "" {
		uri = DefaultConnectionURI
	}

	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, nil, fmt.Errorf("open libvirt connection %s: %w", uri, err)
	}
	dom, err := conn.LookupDomainByName(d.Domain)
	if err != nil {
		_, _ = conn.Close()
		return nil, nil, fmt.Errorf("lookup domain %s: %w", d.Domain, err)
	}
	release := func() {
		_ = dom.Free()
		_, _ = conn.Close()
	}
	return dom, release, nil
}

// call runs fn against the domain on its own goroutine and returns early when
// ctx ends. libvirt calls cannot be interrupted, so an abandoned call finishes
// in the background and releases its connection then.
func (d *Driver) call(ctx context.Context, fn func(domain) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		dom, release, err := d.lookup()
		if err != nil {
			done <- err
			return
		}
		err = fn(dom)
		release()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		d.logger().Warn("libvirt call abandoned", "error", ctx.Err())
		return ctx.Err()
	}
}

// PowerState maps the libvirt domain state onto the desk's power states.
func (d *Driver) PowerState(ctx context.Context) (power.State, error) {
	var state power.State
	err := d.call(ctx, func(dom domain) error {
		raw, reason, err := dom.GetState()
		if err != nil {
			return fmt.Errorf("get domain state: %w", err)
		}
		state = mapState(raw, reason)
		return nil
	})
	if err != nil {
		return power.Unknown, err
	}
	return state, nil
}

// mapState folds a libvirt state and its reason into a power state. A domain
// stopped by a managed save is suspended, not off.
func mapState(state libvirt.DomainState, reason int) power.State {
	switch state {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED:
		return power.PoweredOn
	case libvirt.DOMAIN_PAUSED:
		return power.Paused
	case libvirt.DOMAIN_PMSUSPENDED:
		return power.Suspended
	case libvirt.DOMAIN_SHUTOFF:
		if libvirt.DomainShutoffReason(reason) == libvirt.DOMAIN_SHUTOFF_SAVED {
			return power.Suspended
		}
		return power.PoweredOff
	case libvirt.DOMAIN_SHUTDOWN, libvirt.DOMAIN_CRASHED:
		return power.PoweredOff
	default:
		return power.Unknown
	}
}

// SetPowerState applies cmd. Powering on picks Create, Resume or PMWakeup
// depending on the current state; a domain that is already running is left
// alone. Create restores a managed save image when one exists.
func (d *Driver) SetPowerState(ctx context.Context, cmd power.Command) error {
	logger := d.logger()
	err := d.call(ctx, func(dom domain) error {
		switch cmd {
		case power.CommandOn:
			state, _, err := dom.GetState()
			if err != nil {
				return fmt.Errorf("get domain state: %w", err)
			}
			switch state {
			case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED:
				logger.Debug("domain already running")
				return nil
			case libvirt.DOMAIN_PAUSED:
				err = dom.Resume()
			case libvirt.DOMAIN_PMSUSPENDED:
				err = dom.PMWakeup(0)
			default:
				err = dom.Create()
			}
			if err != nil {
				return fmt.Errorf("power on domain: %w", err)
			}
		case power.CommandOff:
			if err := dom.Destroy(); err != nil && !isLibvirtError(err, libvirt.ERR_OPERATION_INVALID) {
				return fmt.Errorf("destroy domain: %w", err)
			}
		case power.CommandShutdown:
			if err := dom.Shutdown(); err != nil {
				return fmt.Errorf("shutdown domain: %w", err)
			}
		case power.CommandPause:
			if err := dom.Suspend(); err != nil {
				return fmt.Errorf("pause domain: %w", err)
			}
		case power.CommandSuspend:
			if err := dom.ManagedSave(0); err != nil {
				return fmt.Errorf("save domain: %w", err)
			}
		case power.CommandReset:
			if err := dom.Reset(0); err != nil {
				return fmt.Errorf("reset domain: %w", err)
			}
		default:
			return fmt.Errorf("unsupported power command %q", cmd)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("power command applied", "command", cmd)
	return nil
}

// HostAddress returns the host-side address of the guest network: the IPv4
// address of the bridge when one is configured, otherwise the guest's own
// address with the last octet set to 1.
func (d *Driver) HostAddress(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if bridge := strings.TrimSpace(d.Bridge); bridge != "" {
		lookup := d.bridgeAddr
		if lookup == nil {
			lookup = bridgeIPv4
		}
		ip, err := lookup(bridge, strings.TrimSpace(d.Namespace))
		if err == nil {
			return ip.String(), nil
		}
		d.logger().Warn("bridge address lookup failed; falling back to guest address", "bridge", bridge, "error", err)
	}

	var guest net.IP
	err := d.call(ctx, func(dom domain) error {
		ifaces, err := dom.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
		if err != nil {
			return fmt.Errorf("list domain addresses: %w", err)
		}
		guest = firstIPv4(ifaces)
		return nil
	})
	if err != nil {
		return "", err
	}
	if guest == nil {
		return "", fmt.Errorf("domain %s has no IPv4 address", d.Domain)
	}
	return gatewayOf(guest).String(), nil
}

func firstIPv4(ifaces []libvirt.DomainInterface) net.IP {
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if ip := net.ParseIP(strings.TrimSpace(addr.Addr)).To4(); ip != nil {
				return ip
			}
		}
	}
	return nil
}

// gatewayOf replaces the last octet of an IPv4 address with 1.
func gatewayOf(ip net.IP) net.IP {
	v4 := append(net.IP(nil), ip.To4()...)
	v4[3] = 1
	return v4
}

func bridgeIPv4(bridge, namespace string) (net.IP, error) {
	var (
		handle *netlink.Handle
		err    error
	)
	if namespace == "" {
		handle, err = netlink.NewHandle()
	} else {
		ns, nsErr := netns.GetFromName(namespace)
		if nsErr != nil {
			return nil, fmt.Errorf("get netns %s: %w", namespace, nsErr)
		}
		defer ns.Close()
		handle, err = netlink.NewHandleAt(ns)
	}
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	defer handle.Close()

	link, err := handle.LinkByName(bridge)
	if err != nil {
		return nil, fmt.Errorf("lookup bridge %s: %w", bridge, err)
	}
	addrs, err := handle.AddrList(link, unix.AF_INET)
	if err != nil {
		return nil, fmt.Errorf("list addresses on %s: %w", bridge, err)
	}
	for _, addr := range addrs {
		if addr.IPNet != nil && addr.IP.To4() != nil {
			return addr.IP.To4(), nil
		}
	}
	return nil, fmt.Errorf("bridge %s has no IPv4 address", bridge)
}

func isLibvirtError(err error, codes ...libvirt.ErrorNumber) bool {
	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}
	return slices.Contains(codes, libErr.Code)
}
