package fsm_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/fulcrum/internal/fsm"
)

func TestInitialState(t *testing.T) {
	m := fsm.New()
	assert.Equal(t, fsm.Unregistered, m.State())
	assert.False(t, m.IsActive())
}

func TestPermittedTransitionSequence(t *testing.T) {
	m := fsm.New()
	require.True(t, m.TransitionTo(fsm.Registering, "join", nil))
	require.True(t, m.TransitionTo(fsm.Registered, "ok", nil))
	assert.True(t, m.IsActive())
	require.True(t, m.TransitionTo(fsm.Deregistering, "bye", nil))
	require.True(t, m.TransitionTo(fsm.Unregistered, "done", nil))
}

func TestRejectedTransitionHasNoSideEffect(t *testing.T) {
	m := fsm.New()
	ok := m.TransitionTo(fsm.Registered, "skip ahead", nil)
	assert.False(t, ok)
	assert.Equal(t, fsm.Unregistered, m.State())
	assert.Empty(t, m.History())
}

func TestHistoryRingIsBounded(t *testing.T) {
	m := fsm.New()
	m.TransitionTo(fsm.Registering, "r1", nil)
	for i := 0; i < 20; i++ {
		m.TransitionTo(fsm.Registered, "up", nil)
		m.TransitionTo(fsm.Deregistering, "down", nil)
		m.TransitionTo(fsm.Unregistered, "reset", nil)
		m.TransitionTo(fsm.Registering, "again", nil)
	}
	assert.LessOrEqual(t, len(m.History()), 10)
}

func TestListenersNotifiedOutOfLockAndPanicIsolated(t *testing.T) {
	m := fsm.New()
	var mu sync.Mutex
	var seen []fsm.State

	m.AddStateChangeListener(func(fsm.TransitionEvent) {
		panic("boom")
	})
	m.AddStateChangeListener(func(e fsm.TransitionEvent) {
		// State() takes the machine's lock, so this would deadlock if
		// listeners ran while the lock was held.
		assert.Equal(t, e.To, m.State())
		mu.Lock()
		seen = append(seen, e.To)
		mu.Unlock()
	})

	require.True(t, m.TransitionTo(fsm.Registering, "join", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []fsm.State{fsm.Registering}, seen)
}

func TestReset(t *testing.T) {
	m := fsm.New()
	m.TransitionTo(fsm.Registering, "join", nil)
	m.TransitionTo(fsm.Registered, "ok", nil)
	m.Reset("forced")
	assert.Equal(t, fsm.Unregistered, m.State())
	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, "forced", history[0].Reason)
}

func TestRegisteringWatchdogFiresFailed(t *testing.T) {
	m := fsm.New()
	m.SetRegisteringTimeout(10 * time.Millisecond)
	require.True(t, m.TransitionTo(fsm.Registering, "join", nil))

	require.Eventually(t, func() bool {
		return m.State() == fsm.Failed
	}, time.Second, 5*time.Millisecond)
}

func TestWatchdogCancelledOnTransitionOut(t *testing.T) {
	m := fsm.New()
	m.SetRegisteringTimeout(20 * time.Millisecond)
	require.True(t, m.TransitionTo(fsm.Registering, "join", nil))
	require.True(t, m.TransitionTo(fsm.Registered, "fast", nil))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, fsm.Registered, m.State())
}
