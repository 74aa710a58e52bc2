// Package fsm implements the per-identity registration state machine
// (§4.3): guarded transitions, a bounded transition ring, listeners
// invoked out-of-lock, and a REGISTERING watchdog. The mutex-guarded
// mutation plus post-unlock listener notification pattern mirrors the
// teacher's gateway/shard_group.go ShardGroup.Start, which mutates
// Manager.ShardGroups under ShardGroupsMu and only then triggers
// follow-on effects (stopping the previous group) after releasing it.
package fsm

import (
	"sync"
	"time"

	"github.com/fulcrum-net/fulcrum/internal/identity"
)

// State re-exports identity.RegistrationState so callers of this
// package don't need to import identity just to name a state.
type State = identity.RegistrationState

const (
	Unregistered  = identity.StateUnregistered
	Registering   = identity.StateRegistering
	Registered    = identity.StateRegistered
	Failed        = identity.StateFailed
	Disconnected  = identity.StateDisconnected
	Deregistering = identity.StateDeregistering
	ReRegistering = identity.StateReRegistering
)

// DefaultRegisteringTimeout is the watchdog period for REGISTERING
// before an automatic FAILED transition (§6).
const DefaultRegisteringTimeout = 30 * time.Second

// ringSize bounds the transition journal (§3 invariant 5).
const ringSize = 10

// permitted lists every allowed from->to transition (§4.3's diagram).
var permitted = map[State]map[State]bool{
	Unregistered: {Registering: true},
	Registering:  {Registered: true, Failed: true},
	Registered:   {Disconnected: true, Deregistering: true, ReRegistering: true},
	Disconnected: {ReRegistering: true},
	ReRegistering: {Registered: true, Failed: true},
	Failed:        {Registering: true},
	Deregistering: {Unregistered: true},
}

// TransitionEvent records one state change for the bounded ring.
type TransitionEvent struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
	Err       error
}

// Listener is invoked after a successful transition, out of the
// machine's lock.
type Listener func(TransitionEvent)

// Machine is one registration FSM instance, owned by a single
// identity.
type Machine struct {
	mu    sync.Mutex
	state State
	ring  []TransitionEvent

	listenersMu sync.Mutex
	listeners   []Listener

	watchdogMu     sync.Mutex
	watchdogCancel func()

	registeringTimeout time.Duration

	// scheduleAfter is overridable in tests so the watchdog doesn't need
	// a real 30s sleep.
	scheduleAfter func(d time.Duration, fn func()) (cancel func())
}

// New creates a Machine starting in UNREGISTERED.
func New() *Machine {
	return &Machine{
		state:              Unregistered,
		registeringTimeout: DefaultRegisteringTimeout,
		scheduleAfter:      scheduleWithTimer,
	}
}

func scheduleWithTimer(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// SetRegisteringTimeout overrides the watchdog period; used by
// operators tuning timeouts (§6) and by tests.
func (m *Machine) SetRegisteringTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registeringTimeout = d
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsActive reports whether the machine is REGISTERED.
func (m *Machine) IsActive() bool {
	return m.State() == Registered
}

// History returns a copy of the bounded transition ring, oldest first.
func (m *Machine) History() []TransitionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionEvent, len(m.ring))
	copy(out, m.ring)
	return out
}

// AddStateChangeListener registers fn to be invoked after every
// successful transition, on the caller's own goroutine scheduling
// (invocation happens synchronously but always after the mutex has
// been released — see transitionTo).
func (m *Machine) AddStateChangeListener(fn Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// TransitionTo attempts a guarded transition. Returns false with no
// side effect if the transition is not permitted from the current
// state (§4.3).
func (m *Machine) TransitionTo(newState State, reason string, transitionErr error) bool {
	m.mu.Lock()

	from := m.state
	if !permitted[from][newState] {
		m.mu.Unlock()
		return false
	}

	m.state = newState
	event := TransitionEvent{From: from, To: newState, Timestamp: time.Now(), Reason: reason, Err: transitionErr}
	m.appendRing(event)

	// Cancel any watchdog if we're leaving REGISTERING by any path.
	if from == Registering {
		m.cancelWatchdog()
	}
	// Arm a fresh watchdog on entering REGISTERING.
	if newState == Registering {
		m.armWatchdog()
	}

	m.mu.Unlock()

	m.notifyListeners(event)
	return true
}

// appendRing must be called with m.mu held.
func (m *Machine) appendRing(event TransitionEvent) {
	m.ring = append(m.ring, event)
	if len(m.ring) > ringSize {
		m.ring = m.ring[len(m.ring)-ringSize:]
	}
}

// armWatchdog must be called with m.mu held.
func (m *Machine) armWatchdog() {
	m.cancelWatchdogLocked()
	timeout := m.registeringTimeout
	cancel := m.scheduleAfter(timeout, func() {
		m.TransitionTo(Failed, "registering watchdog expired", nil)
	})
	m.watchdogMu.Lock()
	m.watchdogCancel = cancel
	m.watchdogMu.Unlock()
}

// cancelWatchdog cancels the watchdog; must be called with m.mu held
// (it only touches watchdogMu internally, which is safe to nest).
func (m *Machine) cancelWatchdog() {
	m.cancelWatchdogLocked()
}

func (m *Machine) cancelWatchdogLocked() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
}

// notifyListeners runs every listener, recovering individual panics so
// one misbehaving observer cannot break the pipeline (§4.3, §7).
func (m *Machine) notifyListeners(event TransitionEvent) {
	m.listenersMu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() { recover() }()
			l(event)
		}()
	}
}

// Reset forces a direct jump to UNREGISTERED, clearing history except
// the reset event itself (§4.3).
func (m *Machine) Reset(reason string) {
	m.mu.Lock()
	from := m.state
	m.cancelWatchdogLocked()
	m.state = Unregistered
	event := TransitionEvent{From: from, To: Unregistered, Timestamp: time.Now(), Reason: reason}
	m.ring = []TransitionEvent{event}
	m.mu.Unlock()

	m.notifyListeners(event)
}
