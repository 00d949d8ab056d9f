package power

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultStatusInterval = time.Second
	DefaultQueryTimeout   = 10 * time.Second

	healEventBuffer = 8
)

// ErrAlreadyRunning is returned by Arm when the auto-heal loop is already active.
var ErrAlreadyRunning = errors.New("auto-heal loop already running")

// PollError describes a failed hypervisor call made by one of the monitor
// loops. It is logged and recorded in Status but never stops a loop.
type PollError struct {
	Op  string
	Err error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("power monitor: %s: %v", e.Op, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// MonitorState is the lifecycle of the auto-heal loop.
type MonitorState int

const (
	Idle MonitorState = iota
	Armed
	Stopped
)

func (s MonitorState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("MonitorState(%d)", int(s))
	}
}

// HealEvent is published after the armed loop found the VM in a heal state
// and successfully requested a power-on.
type HealEvent struct {
	Observed State
	At       time.Time
}

// Status is a consistent copy of the monitor's cached observations.
type Status struct {
	Power               State
	ObservedAt          time.Time
	Monitor             MonitorState
	ConsecutiveFailures int
	LastError           string
}

// MonitorOptions configures a Monitor. Zero values fall back to the defaults.
type MonitorOptions struct {
	Interval       time.Duration // armed auto-heal tick
	StatusInterval time.Duration // status poller tick
	QueryTimeout   time.Duration
	HealStates     []State // states that trigger a power-on while armed
	Logger         *slog.Logger
}

// Monitor tracks the VM power state. Run keeps a last-known cache fresh; Arm
// starts a separate loop that powers the machine back on when it is found in
// one of the heal states.
type Monitor struct {
	hv         Hypervisor
	logger     *slog.Logger
	interval   time.Duration
	statusTick time.Duration
	timeout    time.Duration
	heal       map[State]struct{}
	events     chan HealEvent

	mu    sync.Mutex
	state MonitorState
	stop  chan struct{}
	done  chan struct{}

	cacheMu    sync.RWMutex
	last       State
	observedAt time.Time
	failures   int
	lastErr    error

	activeLoops atomic.Int32
}

// NewMonitor constructs a Monitor in the Idle state.
func NewMonitor(hv Hypervisor, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if len(opts.HealStates) == 0 {
		opts.HealStates = []State{PoweredOff}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		hv:         hv,
		logger:     logger.With("component", "power.monitor"),
		interval:   opts.Interval,
		statusTick: opts.StatusInterval,
		timeout:    opts.QueryTimeout,
		heal:       lo.SliceToMap(opts.HealStates, func(s State) (State, struct{}) { return s, struct{}{} }),
		events:     make(chan HealEvent, healEventBuffer),
		state:      Idle,
		last:       Unknown,
	}
}

// Arm starts the auto-heal loop. Calling Arm while already armed returns
// ErrAlreadyRunning and leaves the existing loop untouched.
func (m *Monitor) Arm() error {
	if m.hv == nil {
		return fmt.Errorf("power monitor has no hypervisor")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Armed {
		return ErrAlreadyRunning
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.state = Armed
	go m.healLoop(m.stop, m.done)

	m.logger.Info("auto-heal armed", "interval", m.interval, "heal_states", lo.Keys(m.heal))
	return nil
}

// Disarm asks the auto-heal loop to stop. The loop notices at its next
// wake-up; a tick already in progress is allowed to finish.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Armed {
		return
	}
	close(m.stop)
	m.state = Stopped
	m.logger.Info("auto-heal disarmed")
}

// Close disarms the monitor and waits for the auto-heal loop to exit.
func (m *Monitor) Close() {
	m.Disarm()

	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	if done != nil {
		<-done
	}
}

// State reports the auto-heal lifecycle state.
func (m *Monitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events delivers HealEvents. Events are dropped when nobody drains the channel.
func (m *Monitor) Events() <-chan HealEvent {
	return m.events
}

// CurrentPowerState returns the last successfully observed state, or Unknown
// before the first successful poll.
func (m *Monitor) CurrentPowerState() State {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.last
}

// Status returns a snapshot of the cache together with poll health.
func (m *Monitor) Status() Status {
	m.cacheMu.RLock()
	status := Status{
		Power:               m.last,
		ObservedAt:          m.observedAt,
		ConsecutiveFailures: m.failures,
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	m.cacheMu.RUnlock()

	status.Monitor = m.State()
	return status
}

// Refresh samples the power state once, synchronously. On failure the cache
// keeps its previous value and the *PollError is returned.
func (m *Monitor) Refresh(ctx context.Context) (State, error) {
	if m.hv == nil {
		return Unknown, fmt.Errorf("power monitor has no hypervisor")
	}
	return m.sample(ctx)
}

// Forget drops the cached observation, returning CurrentPowerState to
// Unknown. Used when the monitored machine is replaced.
func (m *Monitor) Forget() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.last = Unknown
	m.observedAt = time.Time{}
	m.failures = 0
	m.lastErr = nil
}

// Run is the status poller: it refreshes the cache every StatusInterval until
// ctx is done. It never changes the power state of the machine.
func (m *Monitor) Run(ctx context.Context) error {
	if m.hv == nil {
		return fmt.Errorf("power monitor has no hypervisor")
	}

	ticker := time.NewTicker(m.statusTick)
	defer ticker.Stop()

	m.pollStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			m.pollStatus(ctx)
		}
	}
}

func (m *Monitor) pollStatus(ctx context.Context) {
	if _, err := m.sample(ctx); err != nil && ctx.Err() == nil {
		m.logger.Debug("status poll failed", "error", err)
	}
}

func (m *Monitor) healLoop(stop <-chan struct{}, done chan<- struct{}) {
	m.activeLoops.Add(1)
	defer func() {
		m.activeLoops.Add(-1)
		close(done)
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		// Both channels may have been ready; stop takes precedence.
		select {
		case <-stop:
			return
		default:
		}
		m.healTick()
	}
}

func (m *Monitor) healTick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	state, err := m.sample(ctx)
	if err != nil {
		m.logger.Warn("power poll failed; keeping last known state", "error", err, "last_state", m.CurrentPowerState())
		return
	}
	if _, ok := m.heal[state]; !ok {
		return
	}

	m.logger.Info("vm is not running, powering it on", "state", state)
	if err := m.hv.SetPowerState(ctx, CommandOn); err != nil {
		perr := &PollError{Op: "set power state", Err: err}
		m.recordFailure(perr)
		m.logger.Error("unable to power on vm", "error", perr)
		return
	}

	m.publish(HealEvent{Observed: state, At: time.Now().UTC()})
}

func (m *Monitor) sample(ctx context.Context) (State, error) {
	state, err := m.hv.PowerState(ctx)
	if err != nil {
		perr := &PollError{Op: "query power state", Err: err}
		m.recordFailure(perr)
		return m.CurrentPowerState(), perr
	}

	m.cacheMu.Lock()
	m.last = state
	m.observedAt = time.Now().UTC()
	m.failures = 0
	m.lastErr = nil
	m.cacheMu.Unlock()
	return state, nil
}

func (m *Monitor) recordFailure(err error) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.failures++
	m.lastErr = err
}

func (m *Monitor) publish(event HealEvent) {
	select {
	case m.events <- event:
	default:
		m.logger.Warn("dropping heal event; no reader", "observed", event.Observed)
	}
}
