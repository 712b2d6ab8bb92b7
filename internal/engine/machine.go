// Package engine implements the clinical context engine: the guarded mode
// state machine and the composition root that ties mode changes to feed
// rebuilds, session persistence, audit, and tool scoring.
package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/balhaddad-sys/medward/internal/domain/mode"
	"github.com/balhaddad-sys/medward/internal/observability/metrics"
)

// Transition timing defaults. MinInterval is the debounce window between
// committed transitions; SettleDelay is the window between initiating and
// committing one, so the UI can finish its transition animation before the
// data layer flips.
const (
	DefaultMinInterval = 500 * time.Millisecond
	DefaultSettleDelay = 150 * time.Millisecond
)

// Rejection reasons, used as metric labels and log fields.
const (
	rejectUnknownMode   = "unknown_mode"
	rejectSameMode      = "same_mode"
	rejectLocked        = "locked"
	rejectTransitioning = "transitioning"
	rejectRateLimited   = "rate_limited"
	rejectNotReachable  = "not_reachable"
)

// State is a read-only snapshot of the machine.
type State struct {
	CurrentMode      mode.Mode
	PreviousMode     mode.Mode // empty before the first transition
	Locked           bool
	Transitioning    bool
	LastTransitionAt time.Time // zero before the first commit
}

// TransitionEvent describes an accepted transition.
type TransitionEvent struct {
	From     mode.Mode
	To       mode.Mode
	At       time.Time
	Override bool // transition entered through the hold-to-override path
}

// Hooks are the machine's outbound notifications. OnStart fires when a
// transition is accepted, before the settle delay; OnCommit fires when it
// commits. Both are invoked synchronously and must not call back into the
// machine's transition operations.
type Hooks struct {
	OnStart  func(TransitionEvent)
	OnCommit func(TransitionEvent)
}

// MachineConfig holds transition timing.
type MachineConfig struct {
	MinInterval time.Duration
	SettleDelay time.Duration
}

// DefaultMachineConfig returns production timing.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		MinInterval: DefaultMinInterval,
		SettleDelay: DefaultSettleDelay,
	}
}

// Machine owns the single current mode and enforces transition legality,
// locking, and rate limiting. All mutation goes through SetMode/SetLocked;
// nothing else touches its state.
type Machine struct {
	registry *mode.Registry
	config   MachineConfig
	hooks    Hooks
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu             sync.Mutex
	current        mode.Mode
	previous       mode.Mode
	locked         bool
	transitioning  bool
	lastTransition time.Time
	pendingTarget  mode.Mode
	pendingEvent   TransitionEvent
	settleTimer    *time.Timer
	hold           *OverrideHold
	closed         bool

	now func() time.Time
}

// NewMachine creates a machine starting in the given mode. The initial mode
// must be a registry member; this is a configuration error, checked loudly.
func NewMachine(registry *mode.Registry, initial mode.Mode, cfg MachineConfig, hooks Hooks, m *metrics.Metrics, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if _, ok := registry.Config(initial); !ok {
		logger.Panic("initial mode not in registry", zap.String("mode", string(initial)))
	}
	return &Machine{
		registry: registry,
		config:   cfg,
		hooks:    hooks,
		logger:   logger,
		metrics:  m,
		current:  initial,
		now:      time.Now,
	}
}

// State returns a snapshot of the live state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		CurrentMode:      m.current,
		PreviousMode:     m.previous,
		Locked:           m.locked,
		Transitioning:    m.transitioning,
		LastTransitionAt: m.lastTransition,
	}
}

// SetMode requests a transition to next. It returns false, with no side
// effects, when the target is unknown or unreachable, equals the current
// mode, the machine is locked, a commit is pending, or the debounce window
// has not elapsed. Rejected user actions are logged, never raised.
func (m *Machine) SetMode(next mode.Mode) bool {
	return m.transition(next, false)
}

func (m *Machine) transition(next mode.Mode, override bool) bool {
	m.mu.Lock()

	if reason := m.validateLocked(next, override); reason != "" {
		m.mu.Unlock()
		m.reject(next, reason)
		return false
	}

	event := TransitionEvent{
		From:     m.current,
		To:       next,
		At:       m.now(),
		Override: override,
	}
	m.previous = m.current
	m.transitioning = true
	m.pendingTarget = next
	m.pendingEvent = event
	m.settleTimer = time.AfterFunc(m.config.SettleDelay, m.commit)
	m.mu.Unlock()

	m.logger.Info("mode transition started",
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
		zap.Bool("override", override))

	if m.hooks.OnStart != nil {
		m.hooks.OnStart(event)
	}
	return true
}

// validateLocked returns an empty string when the transition is legal.
func (m *Machine) validateLocked(next mode.Mode, override bool) string {
	switch {
	case m.closed:
		return rejectTransitioning
	case !next.IsValid():
		return rejectUnknownMode
	case next == m.current:
		return rejectSameMode
	case !override && m.locked:
		return rejectLocked
	case m.transitioning:
		return rejectTransitioning
	case !m.registry.CanTransition(m.current, next):
		return rejectNotReachable
	case !m.lastTransition.IsZero() && m.now().Sub(m.lastTransition) < m.config.MinInterval:
		return rejectRateLimited
	}
	return ""
}

// commit finishes the two-phase transition after the settle delay.
// lastTransition carries the initiation time but is only written here, so
// rapid-fire calls during the settle window fail validation instead of
// racing, and the debounce window is measured from when the user acted, not
// from when the animation finished.
func (m *Machine) commit() {
	m.mu.Lock()
	if !m.transitioning || m.closed {
		m.mu.Unlock()
		return
	}
	m.current = m.pendingTarget
	m.lastTransition = m.pendingEvent.At
	m.transitioning = false
	event := m.pendingEvent
	m.mu.Unlock()

	m.logger.Info("mode transition committed",
		zap.String("mode", string(event.To)))

	if m.metrics != nil {
		m.metrics.ModeTransitions.WithLabelValues(string(event.From), string(event.To)).Inc()
		if event.Override {
			m.metrics.LockOverrides.Inc()
		}
	}
	if m.hooks.OnCommit != nil {
		m.hooks.OnCommit(event)
	}
}

func (m *Machine) reject(next mode.Mode, reason string) {
	m.logger.Debug("mode transition rejected",
		zap.String("target", string(next)),
		zap.String("reason", reason))
	if m.metrics != nil {
		m.metrics.TransitionsRejected.WithLabelValues(reason).Inc()
	}
}

// SetLocked sets the lock flag unconditionally. Locking cancels any pending
// override hold.
func (m *Machine) SetLocked(locked bool) {
	m.mu.Lock()
	m.locked = locked
	hold := m.hold
	m.hold = nil
	m.mu.Unlock()

	if hold != nil {
		hold.cancelQuiet()
	}
	m.logger.Info("mode lock changed", zap.Bool("locked", locked))
}

// ToggleLock flips the lock flag and returns the new value.
func (m *Machine) ToggleLock() bool {
	m.mu.Lock()
	m.locked = !m.locked
	locked := m.locked
	hold := m.hold
	m.hold = nil
	m.mu.Unlock()

	if hold != nil {
		hold.cancelQuiet()
	}
	m.logger.Info("mode lock toggled", zap.Bool("locked", locked))
	return locked
}

// OverrideHold models an in-progress hold-to-override interaction. Cancel
// before the hold duration elapses and nothing happens; let it run and the
// lock is force-cleared and the transition applied.
type OverrideHold struct {
	target mode.Mode
	timer  *time.Timer

	mu   sync.Mutex
	done bool
}

// Cancel abandons the hold. Safe to call more than once, and after the hold
// already completed (then it is a no-op).
func (h *OverrideHold) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.done = true
	h.timer.Stop()
}

func (h *OverrideHold) cancelQuiet() { h.Cancel() }

// RequestLockedOverride starts a hold-to-override toward next. Validation
// matches SetMode minus the lock check; an invalid target returns nil with
// no hold started. A new request supersedes any outstanding hold.
func (m *Machine) RequestLockedOverride(next mode.Mode, holdDuration time.Duration) *OverrideHold {
	m.mu.Lock()
	if reason := m.validateLocked(next, true); reason != "" {
		m.mu.Unlock()
		m.reject(next, reason)
		return nil
	}
	prev := m.hold
	hold := &OverrideHold{target: next}
	hold.timer = time.AfterFunc(holdDuration, func() {
		m.completeOverride(hold)
	})
	m.hold = hold
	m.mu.Unlock()

	if prev != nil {
		prev.cancelQuiet()
	}
	m.logger.Info("override hold started",
		zap.String("target", string(next)),
		zap.Duration("hold", holdDuration))
	return hold
}

func (m *Machine) completeOverride(hold *OverrideHold) {
	hold.mu.Lock()
	if hold.done {
		hold.mu.Unlock()
		return
	}
	hold.done = true
	hold.mu.Unlock()

	m.mu.Lock()
	if m.hold == hold {
		m.hold = nil
	}
	m.locked = false // the override path clears the lock before transitioning
	m.mu.Unlock()

	m.transition(hold.target, true)
}

// Recommended returns the modes reachable from the current mode, for UI
// affordances.
func (m *Machine) Recommended() []mode.Mode {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	return m.registry.ReachableFrom(current)
}

// Close cancels any pending settle timer and override hold. A pending commit
// is skipped, not applied.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.transitioning = false
	timer := m.settleTimer
	hold := m.hold
	m.hold = nil
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if hold != nil {
		hold.cancelQuiet()
	}
}
