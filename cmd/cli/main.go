package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	config "github.com/cochaviz/vmdesk/config"
	"github.com/cochaviz/vmdesk/internal/daemon"
	"github.com/cochaviz/vmdesk/internal/input"
	"github.com/cochaviz/vmdesk/internal/keysym"
	"github.com/cochaviz/vmdesk/internal/logging"
	"github.com/cochaviz/vmdesk/internal/power"
	"github.com/cochaviz/vmdesk/internal/setup"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	logLevel   string
	configPath string
	socketPath string
}

// socket prefers the flag, then the configured socket, then the default.
func (o *rootOptions) socket() string {
	if path := strings.TrimSpace(o.socketPath); path != "" {
		return path
	}
	if cfg, err := config.Load(o.configPath); err == nil {
		return cfg.Daemon.Socket
	}
	return daemon.DefaultSocketPath
}

func (o *rootOptions) client() daemon.DaemonClient {
	return daemon.NewClient(o.socket())
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger)

	opts := &rootOptions{logLevel: defaultLogLevel}

	root := &cobra.Command{
		Use:           "vmdesk",
		Short:         "CLI for 'vmdesk': drive a virtual machine's screen, keyboard, mouse and power",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.socketPath, "socket", "", "Path to daemon control socket (default from config)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(opts.logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newServeCommand(logger, levelVar, opts),
		newSetupCommand(logger, opts),
		newScreenCommand(opts),
		newKeysCommand(opts),
		newTypeCommand(opts),
		newEnterCommand(opts),
		newBackspaceCommand(opts),
		newMouseCommand(opts),
		newPowerCommand(logger, opts),
		newAutoRestartCommand(opts),
		newInfoCommand(opts),
		newVMCommand(logger, opts),
		newKeysymCommand(),
	)
	return root
}

func newServeCommand(logger *slog.Logger, levelVar *slog.LevelVar, opts *rootOptions) *cobra.Command {
	var (
		passwordPrompt bool
		autoRestart    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon that owns the VNC session and power monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") {
				level, err := logging.ParseLevel(cfg.Log.Level)
				if err != nil {
					return err
				}
				levelVar.Set(level)
			}
			serveLogger, err := config.NewLogger(cfg.Log, os.Stderr, levelVar)
			if err != nil {
				return err
			}
			serveLogger = serveLogger.With("command", "serve")
			slog.SetDefault(serveLogger)
			setup.SetLogger(serveLogger)

			if passwordPrompt {
				password, err := readPassword()
				if err != nil {
					return err
				}
				cfg.VNC.Password = password
			}
			if strings.TrimSpace(opts.socketPath) != "" {
				cfg.Daemon.Socket = opts.socketPath
			}

			desk, err := config.NewDesk(cfg, serveLogger)
			if err != nil {
				return err
			}
			checkCtx, cancel := context.WithTimeout(cmd.Context(), cfg.Monitor.QueryTimeout)
			_, err = desk.CheckMachines(checkCtx)
			cancel()
			if err != nil {
				_ = desk.Close()
				return err
			}
			if autoRestart {
				if err := desk.SetAutoRestart(true); err != nil {
					return err
				}
			}

			serveLogger.Info("starting daemon",
				"socket", cfg.Daemon.Socket,
				"driver", cfg.Hypervisor.Driver,
				"vnc_port", cfg.VNC.Port,
				"auto_restart", autoRestart,
			)
			d := daemon.New(cfg.Daemon.Socket, desk, serveLogger)
			if err := d.Start(cmd.Context()); err != nil {
				return err
			}
			serveLogger.Info("daemon stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&passwordPrompt, "password-prompt", false, "Read the VNC password from the terminal")
	cmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "Arm the auto-restart loop at startup")

	return cmd
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available for the password prompt")
	}
	fmt.Fprint(os.Stderr, "VNC password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(password), nil
}

func newSetupCommand(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	var clearConfig bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "setup", "path", opts.configPath)

			alreadyConfigured := setup.Verify(opts.configPath) == nil
			if alreadyConfigured && !clearConfig {
				cmdLogger.Info("system already configured", "hint", "use 'vmdesk setup --clear' to reinitialize")
				return nil
			}
			if clearConfig {
				if err := setup.ClearConfig(opts.configPath); err != nil {
					cmdLogger.Error("clear configuration failed", "error", err)
					return fmt.Errorf("clear configuration: %w", err)
				}
			}
			if err := setup.WriteConfig(opts.configPath, config.DefaultYAML); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), opts.configPath)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Remove the existing configuration before writing the default")

	return cmd
}

func newScreenCommand(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Capture the screen to a PNG file",
		RunE: func(cmd *cobra.Command, args []string) error {
			shot, err := opts.client().Screen()
			if err != nil {
				return err
			}
			path := strings.TrimSpace(output)
			if path == "" {
				path = fmt.Sprintf("screen-%s.%s", uuid.New().String(), shot.Format)
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create output directory: %w", err)
				}
			}
			if err := os.WriteFile(path, shot.Data, 0o644); err != nil {
				return fmt.Errorf("write screenshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%dx%d\n", path, shot.Width, shot.Height)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default screen-<uuid>.png)")

	return cmd
}

func newKeysCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "keys <key>...",
		Args:    cobra.MinimumNArgs(1),
		Short:   "Press keys together and release them, e.g. 'keys Control_L Alt_L Delete'",
		Example: "  vmdesk keys Control_L c\n  vmdesk keys Super_L",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := lo.Filter(args, func(key string, _ int) bool {
				return strings.TrimSpace(key) != ""
			})
			if len(keys) == 0 {
				return fmt.Errorf("at least one key is required")
			}
			return opts.client().Keys(keys...)
		},
	}
}

func newTypeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "type <text>...",
		Args:  cobra.MinimumNArgs(1),
		Short: "Type text; multiple arguments are joined with spaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().Type(strings.Join(args, " "))
		},
	}
}

func newEnterCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enter",
		Args:  cobra.NoArgs,
		Short: "Press enter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().Enter()
		},
	}
}

func newBackspaceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backspace [count]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Press backspace count times (default 1)",
		RunE: func(cmd *cobra.Command, args []string) error {
			count := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 0 {
					return fmt.Errorf("count must be a non-negative integer, got %q", args[0])
				}
				count = n
			}
			return opts.client().Backspace(count)
		},
	}
}

func newMouseCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mouse",
		Short: "Move, click or scroll the pointer",
	}

	var (
		clickButton string
		holdButton  string
		scrollUp    bool
	)

	move := &cobra.Command{
		Use:   "move <x> <y>",
		Args:  cobra.ExactArgs(2),
		Short: "Move the pointer with no buttons held",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendMouse(opts, daemon.MouseMove, args, "", false)
		},
	}
	click := &cobra.Command{
		Use:   "click <x> <y>",
		Args:  cobra.ExactArgs(2),
		Short: "Press and release a button at a position",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendMouse(opts, daemon.MouseClick, args, clickButton, false)
		},
	}
	click.Flags().StringVarP(&clickButton, "button", "b", "left", "Button to click (left, middle, right)")

	hold := &cobra.Command{
		Use:   "hold <x> <y>",
		Args:  cobra.ExactArgs(2),
		Short: "Press a button at a position and keep it down until the next pointer event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendMouse(opts, daemon.MouseHold, args, holdButton, false)
		},
	}
	hold.Flags().StringVarP(&holdButton, "button", "b", "left", "Button to hold (left, middle, right)")

	scroll := &cobra.Command{
		Use:   "scroll <x> <y>",
		Args:  cobra.ExactArgs(2),
		Short: "Turn the wheel one notch (down unless --up)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendMouse(opts, daemon.MouseScroll, args, "", scrollUp)
		},
	}
	scroll.Flags().BoolVar(&scrollUp, "up", false, "Scroll up instead of down")

	cmd.AddCommand(move, click, hold, scroll)
	return cmd
}

func sendMouse(opts *rootOptions, action daemon.MouseAction, args []string, button string, up bool) error {
	x, err := parseCoordinate("x", args[0])
	if err != nil {
		return err
	}
	y, err := parseCoordinate("y", args[1])
	if err != nil {
		return err
	}
	if button != "" {
		if _, err := input.ParseButton(button); err != nil {
			return err
		}
	}
	return opts.client().Mouse(daemon.MouseRequest{Action: action, X: x, Y: y, Button: button, Up: up})
}

func parseCoordinate(name, value string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s must be between 0 and 65535, got %q", name, value)
	}
	return uint16(n), nil
}

func newPowerCommand(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "power <on|off|shutdown|pause|suspend|reset>",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off", "shutdown", "pause", "suspend", "reset"},
		Short:     "Change the power state of the virtual machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := power.ParseCommand(args[0])
			if err != nil {
				return err
			}
			state, err := opts.client().Power(string(command))
			if err != nil {
				return err
			}
			logger.Info("power command applied", "command", command, "state", state)
			fmt.Fprintln(cmd.OutOrStdout(), power.State(state).Label())
			return nil
		},
	}
}

func newAutoRestartCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "autorestart <on|off>",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		Short:     "Arm or disarm the loop that powers the machine back on",
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch strings.ToLower(strings.TrimSpace(args[0])) {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			err := opts.client().AutoRestart(enabled)
			if errors.Is(err, power.ErrAlreadyRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "auto-restart already on")
				return nil
			}
			return err
		},
	}
}

func newInfoCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Args:  cobra.NoArgs,
		Short: "Show power, auto-restart and session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Info()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			observed := "never"
			if !status.ObservedAt.IsZero() {
				observed = status.ObservedAt.Format("2006-01-02T15:04:05Z07:00")
			}
			fmt.Fprintf(out, "power:\t%s (observed %s)\n", power.State(status.Power).Label(), observed)
			fmt.Fprintf(out, "auto-restart:\t%s\n", status.Monitor)
			if status.ConsecutiveFailures > 0 {
				fmt.Fprintf(out, "poll failures:\t%d (%s)\n", status.ConsecutiveFailures, status.LastError)
			}
			session := status.Session
			if status.SessionID != "" {
				session = fmt.Sprintf("%s (%s)", session, status.SessionID)
			}
			fmt.Fprintf(out, "session:\t%s\n", session)
			if status.Machine != "" || status.Parent != "" {
				fmt.Fprintf(out, "machine:\t%s (parent %s)\n", lo.Ternary(status.Machine == "", "none", status.Machine), lo.Ternary(status.Parent == "", "none", status.Parent))
			}
			return nil
		},
	}
}

func newVMCommand(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "List, create, delete and select virtual machines (vmrest only)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List registered machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := opts.client().Machines()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, entry := range entries {
				roles := lo.Compact([]string{lo.Ternary(entry.Current, "current", ""), lo.Ternary(entry.Parent, "parent", "")})
				fmt.Fprintf(out, "%s\t%s\t%s\n", entry.ID, strings.Join(roles, ","), entry.Path)
			}
			return nil
		},
	})

	newID := func(use, short, action string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Args:  cobra.NoArgs,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := opts.client().Machine(action)
				if err != nil {
					return err
				}
				logger.Info("machine ready", "action", action, "vm", id)
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			},
		}
	}
	cmd.AddCommand(
		newID("create", "Clone the parent machine and make the clone current", daemon.MachineCreate),
		newID("reset", "Delete the current machine and clone a fresh one", daemon.MachineReset),
	)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Args:  cobra.NoArgs,
		Short: "Delete the current machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := opts.client().Machine(daemon.MachineDelete)
			return err
		},
	})

	setID := func(use, short, action string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Args:  cobra.ExactArgs(1),
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				id := strings.TrimSpace(args[0])
				if id == "" {
					return fmt.Errorf("machine id must not be empty")
				}
				_, err := opts.client().Machine(action, id)
				return err
			},
		}
	}
	cmd.AddCommand(
		setID("set-current", "Point the desk at another machine", daemon.MachineSetCurrent),
		setID("set-parent", "Select the machine new clones are made from", daemon.MachineSetParent),
	)

	return cmd
}

func newKeysymCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keysym <char|name>...",
		Args:  cobra.MinimumNArgs(1),
		Short: "Look up key symbols without contacting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			translator := input.NewTranslator(keysym.Default())
			out := cmd.OutOrStdout()
			for _, token := range args {
				sym, err := translator.Resolve(token)
				if err != nil {
					return err
				}
				name := keysym.Name(sym)
				if name == "" {
					if r, ok := keysym.Default().Rune(sym); ok {
						name = strconv.QuoteRune(r)
					}
				}
				fmt.Fprintf(out, "%s\t%#06x\t%s\n", token, sym, name)
			}
			return nil
		},
	}
}
