package simple

import (
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cochaviz/vmdesk/internal/hypervisor/libvirt"
	"github.com/cochaviz/vmdesk/internal/hypervisor/vmrest"
	"github.com/cochaviz/vmdesk/internal/input"
	"github.com/cochaviz/vmdesk/internal/keysym"
	"github.com/cochaviz/vmdesk/internal/logging"
	"github.com/cochaviz/vmdesk/internal/power"
	"github.com/cochaviz/vmdesk/internal/services"
	"github.com/cochaviz/vmdesk/internal/session"
)

// DefaultYAML is the commented configuration written by `vmdesk setup`.
//
//go:embed default.yaml
var DefaultYAML []byte

// NewDesk wires the configured hypervisor, power monitor, remote session and
// translator into a Desk.
func NewDesk(cfg *Config, logger *slog.Logger) (*services.Desk, error) {
	logger = logging.Ensure(logger)
	if cfg == nil {
		cfg = Default()
	}

	hv, err := NewHypervisor(cfg.Hypervisor, logger)
	if err != nil {
		return nil, err
	}
	translator, err := NewTranslator(cfg.Keysym)
	if err != nil {
		return nil, err
	}
	healStates, err := cfg.HealStates()
	if err != nil {
		return nil, err
	}

	monitor := power.NewMonitor(hv, power.MonitorOptions{
		Interval:       cfg.Monitor.Interval,
		StatusInterval: cfg.Monitor.StatusInterval,
		QueryTimeout:   cfg.Monitor.QueryTimeout,
		HealStates:     healStates,
		Logger:         logger,
	})
	remote := session.New(session.Options{
		ConnectTimeout: cfg.VNC.ConnectTimeout,
		MaxAttempts:    cfg.VNC.MaxAttempts,
		RetryDelay:     cfg.VNC.RetryDelay,
		Password:       cfg.VNC.Password,
		Shared:         cfg.VNC.Shared,
		Gate:           monitor,
		Logger:         logger,
	})

	desk := &services.Desk{
		Logger:     logger.With("component", "desk"),
		Hypervisor: hv,
		Monitor:    monitor,
		Session:    remote,
		Translator: translator,
		Port:       cfg.VNC.Port,
		FrameWait:  cfg.VNC.FrameWait,
	}
	if cfg.Hypervisor.Driver == DriverVMRest {
		desk.Parent = strings.TrimSpace(cfg.Hypervisor.VMRest.ParentID)
		if path := cfg.Path; path != "" {
			desk.SaveMachines = func(current, parent string) error {
				return SaveMachineIDs(path, current, parent)
			}
		}
	}
	return desk, nil
}

// NewHypervisor returns the driver named by cfg.Driver.
func NewHypervisor(cfg HypervisorConfig, logger *slog.Logger) (power.Hypervisor, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case DriverLibvirt:
		driver := libvirt.NewDriver(cfg.Libvirt.ConnectURI, cfg.Libvirt.Domain, logger)
		driver.Bridge = cfg.Libvirt.Bridge
		driver.Namespace = cfg.Libvirt.Namespace
		return driver, nil
	case DriverVMRest:
		return vmrest.NewClient(cfg.VMRest.BaseURL, cfg.VMRest.Token, cfg.VMRest.VMID, logger), nil
	default:
		return nil, fmt.Errorf("unknown hypervisor driver %q", cfg.Driver)
	}
}

// NewTranslator loads the keysym table described by cfg.
func NewTranslator(cfg KeysymConfig) (*input.Translator, error) {
	policy, err := keysym.ParseDuplicatePolicy(cfg.Duplicates)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Dataset) == "" {
		if policy == keysym.FirstWins {
			return input.NewTranslator(keysym.Default()), nil
		}
		return input.NewTranslator(keysym.Embedded(keysym.WithDuplicatePolicy(policy))), nil
	}
	table, err := keysym.LoadFile(cfg.Dataset, keysym.WithDuplicatePolicy(policy))
	if err != nil {
		return nil, err
	}
	return input.NewTranslator(table), nil
}

// NewLogger builds the daemon logger in the configured format.
func NewLogger(cfg LogConfig, w io.Writer, level slog.Leveler) (*slog.Logger, error) {
	mode, err := logging.ParseMode(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(mode, w, level), nil
}
