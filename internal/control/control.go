// Package control implements the typed operator commands of §4.8:
// shutdown, restart and broadcast, delivered as bus messages and
// driving the registration FSM's REGISTERED -> DEREGISTERING ->
// UNREGISTERED countdown. Grounded on the teacher's manager.go
// restart/shutdown orchestration (Manager.Close stopping shard groups
// in sequence with a bounded wait) generalized to one identity's FSM
// instead of a fleet of shard groups.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/envelope"
	"github.com/fulcrum-net/fulcrum/internal/fsm"
	"github.com/fulcrum-net/fulcrum/internal/identity"
	"github.com/fulcrum-net/fulcrum/internal/registry"
)

// Message type names exchanged over the bus (§4.8).
const (
	TypeShutdown    = "server.shutdown"
	TypeRestart     = "server.restart"
	TypeBroadcast   = "broadcast"
	TypeShutdownAck = "server.shutdown.ack"
)

// ShutdownCommand is the payload of server.shutdown.
type ShutdownCommand struct {
	Target       string `json:"target"`
	DelaySeconds int    `json:"delaySeconds"`
	Reason       string `json:"reason"`
}

// RestartCommand is the payload of server.restart.
type RestartCommand struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// BroadcastCommand is the payload of broadcast.
type BroadcastCommand struct {
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
}

// Warning is broadcast to players during a shutdown countdown.
type Warning struct {
	Target           string `json:"target"`
	SecondsRemaining int    `json:"secondsRemaining"`
	Reason           string `json:"reason"`
}

// Surface wires a single identity's FSM and registry record to the
// control-surface bus messages. One Surface exists per server/proxy
// process — it only ever drives its own identity's FSM, honoring the
// single-writer discipline of §4.4.
type Surface struct {
	selfID string
	kind   identity.Kind
	store  *registry.Store
	b      *bus.Bus
	fsm    *fsm.Machine
	log    zerolog.Logger

	// sleep is overridable in tests to avoid a real countdown wait.
	sleep func(d time.Duration)
}

// NewSurface creates a Surface bound to selfID's FSM instance.
func NewSurface(selfID string, kind identity.Kind, store *registry.Store, b *bus.Bus, machine *fsm.Machine, log zerolog.Logger) *Surface {
	return &Surface{
		selfID: selfID,
		kind:   kind,
		store:  store,
		b:      b,
		fsm:    machine,
		log:    log.With().Str("component", "control").Str("id", selfID).Logger(),
		sleep:  time.Sleep,
	}
}

// SetSleepForTest overrides the countdown's sleep function; only
// meant for tests that don't want to wait on a real countdown.
func (s *Surface) SetSleepForTest(sleep func(time.Duration)) {
	s.sleep = sleep
}

// Subscribe registers this Surface's handlers on the bus; call once
// after the identity has been assigned its final id.
func (s *Surface) Subscribe() error {
	if err := s.b.Subscribe(TypeShutdown, s.handleShutdown); err != nil {
		return err
	}
	if err := s.b.Subscribe(TypeRestart, s.handleRestart); err != nil {
		return err
	}
	return nil
}

func (s *Surface) handleShutdown(_ envelope.Envelope, payload interface{}) {
	cmd, ok := payload.(*ShutdownCommand)
	if !ok || cmd.Target != s.selfID {
		return
	}
	if err := s.RunShutdown(context.Background(), *cmd); err != nil {
		s.log.Error().Err(err).Msg("shutdown command failed")
	}
}

func (s *Surface) handleRestart(_ envelope.Envelope, payload interface{}) {
	cmd, ok := payload.(*RestartCommand)
	if !ok || cmd.Target != s.selfID {
		return
	}
	if err := s.RunRestart(context.Background(), *cmd); err != nil {
		s.log.Error().Err(err).Msg("restart command failed")
	}
}

// RunShutdown drives the REGISTERED -> DEREGISTERING -> UNREGISTERED
// countdown (§4.8): flips status to EVACUATING immediately, broadcasts
// a warning once per second for delaySeconds while refusing new slot
// assignments (enforced by dispatcher filtering on status==AVAILABLE,
// which EVACUATING fails), then transitions to DEREGISTERING and
// finally unregisters.
func (s *Surface) RunShutdown(ctx context.Context, cmd ShutdownCommand) error {
	if err := s.store.UpdateStatus(ctx, s.kind, s.selfID, identity.StatusEvacuating); err != nil {
		s.log.Warn().Err(err).Msg("failed to mark evacuating")
	}

	for remaining := cmd.DelaySeconds; remaining > 0; remaining-- {
		if s.b != nil {
			warning := Warning{Target: s.selfID, SecondsRemaining: remaining, Reason: cmd.Reason}
			if err := s.b.Broadcast("server.shutdown.warning", warning); err != nil {
				s.log.Warn().Err(err).Msg("failed to broadcast shutdown warning")
			}
		}
		s.sleep(1 * time.Second)
	}

	if !s.fsm.TransitionTo(fsm.Deregistering, cmd.Reason, nil) {
		return fmt.Errorf("control: cannot deregister from %s", s.fsm.State())
	}

	if err := s.store.Unregister(ctx, s.kind, s.selfID); err != nil {
		return fmt.Errorf("control: unregister: %w", err)
	}

	if !s.fsm.TransitionTo(fsm.Unregistered, "shutdown complete", nil) {
		s.log.Warn().Msg("unexpected FSM state after unregister")
	}

	if s.b != nil {
		if err := s.b.Broadcast(TypeShutdownAck, map[string]string{"target": s.selfID}); err != nil {
			s.log.Warn().Err(err).Msg("failed to broadcast shutdown ack")
		}
	}

	return nil
}

// RunRestart runs RunShutdown with a fixed 5-second countdown. It does
// not re-register the identity itself. RunShutdown ends in
// Store.Unregister, which writes no dead snapshot, so a later
// Store.Register for the same instanceUuid does not reclaim the old id
// and is assigned a fresh one.
func (s *Surface) RunRestart(ctx context.Context, cmd RestartCommand) error {
	return s.RunShutdown(ctx, ShutdownCommand{Target: cmd.Target, DelaySeconds: 5, Reason: cmd.Reason})
}
