package simple

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/vmdesk/internal/keysym"
	"github.com/cochaviz/vmdesk/internal/logging"
	"github.com/cochaviz/vmdesk/internal/power"
	"github.com/cochaviz/vmdesk/internal/setup"
)

const (
	DriverLibvirt = "libvirt"
	DriverVMRest  = "vmrest"

	passwordEnv = "VMDESK_VNC_PASSWORD"
	tokenEnv    = "VMDESK_VMREST_TOKEN"
)

var DefaultPath = setup.ConfigFile

type Config struct {
	Hypervisor HypervisorConfig `yaml:"hypervisor"`
	VNC        VNCConfig        `yaml:"vnc"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Keysym     KeysymConfig     `yaml:"keysym"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Log        LogConfig        `yaml:"log"`

	// Path is the file the configuration was read from; empty for defaults.
	Path string `yaml:"-"`
}

type HypervisorConfig struct {
	Driver  string        `yaml:"driver"`
	Libvirt LibvirtConfig `yaml:"libvirt"`
	VMRest  VMRestConfig  `yaml:"vmrest"`
}

type LibvirtConfig struct {
	ConnectURI string `yaml:"connect_uri"`
	Domain     string `yaml:"domain"`
	Bridge     string `yaml:"bridge"`
	Namespace  string `yaml:"namespace"`
}

type VMRestConfig struct {
	BaseURL  string `yaml:"base_url"`
	Token    string `yaml:"token"`
	VMID     string `yaml:"vm_id"`
	// ParentID is the machine `vmdesk vm create` clones.
	ParentID string `yaml:"parent_id"`
}

type VNCConfig struct {
	Port           int           `yaml:"port"`
	Password       string        `yaml:"password"`
	Shared         bool          `yaml:"shared"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	FrameWait      time.Duration `yaml:"frame_wait"`
}

type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StatusInterval time.Duration `yaml:"status_interval"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	HealStates     []string      `yaml:"heal_states"`
}

type KeysymConfig struct {
	// Dataset is a two-column table on disk; empty uses the embedded one.
	Dataset    string `yaml:"dataset"`
	Duplicates string `yaml:"duplicates"`
}

type DaemonConfig struct {
	Socket string `yaml:"socket"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() *Config {
	return &Config{
		Hypervisor: HypervisorConfig{
			Driver: DriverLibvirt,
			Libvirt: LibvirtConfig{
				ConnectURI: "qemu:///system",
				Domain:     "desk",
				Bridge:     "virbr0",
			},
			VMRest: VMRestConfig{
				BaseURL: "http://127.0.0.1:8697/api",
			},
		},
		VNC: VNCConfig{
			Port:           5901,
			Shared:         true,
			ConnectTimeout: 5 * time.Second,
			MaxAttempts:    5,
			RetryDelay:     time.Second,
			FrameWait:      5 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:       5 * time.Second,
			StatusInterval: time.Second,
			QueryTimeout:   10 * time.Second,
			HealStates:     []string{string(power.PoweredOff)},
		},
		Keysym: KeysymConfig{
			Duplicates: "first",
		},
		Daemon: DaemonConfig{
			Socket: setup.SocketPath,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates the file at path. A missing file at DefaultPath
// yields the defaults; a missing file anywhere else is an error.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultPath {
			cfg := Default()
			cfg.applyEnv()
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Secrets may come from the environment instead of the file.
func (c *Config) applyEnv() {
	if value, ok := os.LookupEnv(passwordEnv); ok && c.VNC.Password == "" {
		c.VNC.Password = value
	}
	if value, ok := os.LookupEnv(tokenEnv); ok && c.Hypervisor.VMRest.Token == "" {
		c.Hypervisor.VMRest.Token = value
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Hypervisor.Driver {
	case DriverLibvirt:
		if strings.TrimSpace(c.Hypervisor.Libvirt.Domain) == "" {
			add("hypervisor.libvirt.domain is required")
		}
	case DriverVMRest:
		if strings.TrimSpace(c.Hypervisor.VMRest.VMID) == "" && strings.TrimSpace(c.Hypervisor.VMRest.ParentID) == "" {
			add("hypervisor.vmrest.vm_id or parent_id is required")
		}
	default:
		add("hypervisor.driver %q is not one of %s, %s", c.Hypervisor.Driver, DriverLibvirt, DriverVMRest)
	}

	if c.VNC.Port < 1 || c.VNC.Port > 65535 {
		add("vnc.port %d is out of range", c.VNC.Port)
	}
	if c.VNC.MaxAttempts < 1 {
		add("vnc.max_attempts must be at least 1")
	}
	if len(c.VNC.Password) > 8 {
		// VNC authentication only uses the first eight bytes.
		add("vnc.password is longer than 8 characters")
	}
	durations := []lo.Tuple2[string, time.Duration]{
		lo.T2("vnc.connect_timeout", c.VNC.ConnectTimeout),
		lo.T2("vnc.retry_delay", c.VNC.RetryDelay),
		lo.T2("vnc.frame_wait", c.VNC.FrameWait),
		lo.T2("monitor.interval", c.Monitor.Interval),
		lo.T2("monitor.status_interval", c.Monitor.StatusInterval),
		lo.T2("monitor.query_timeout", c.Monitor.QueryTimeout),
	}
	for _, d := range durations {
		if d.B <= 0 {
			add("%s must be positive", d.A)
		}
	}

	if _, err := c.HealStates(); err != nil {
		add("monitor.heal_states: %w", err)
	}
	if _, err := keysym.ParseDuplicatePolicy(c.Keysym.Duplicates); err != nil {
		add("keysym.duplicates: %w", err)
	}
	if strings.TrimSpace(c.Daemon.Socket) == "" {
		add("daemon.socket is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %w", err)
	}
	if _, err := logging.ParseMode(c.Log.Format); err != nil {
		add("log.format: %w", err)
	}

	return errors.Join(errs...)
}

// HealStates parses the configured heal states.
func (c *Config) HealStates() ([]power.State, error) {
	states := make([]power.State, 0, len(c.Monitor.HealStates))
	for _, value := range c.Monitor.HealStates {
		state, err := power.ParseState(value)
		if err != nil {
			return nil, err
		}
		if state == power.PoweredOn {
			return nil, fmt.Errorf("%s cannot be a heal state", state)
		}
		states = append(states, state)
	}
	return lo.Uniq(states), nil
}
