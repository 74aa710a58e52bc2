// Package wire defines the payload shapes exchanged over the bus
// (§4.1, §6) and a single RegisterSchemas entry point that binds every
// known type to the envelope codec before any subscribe happens, per
// §4.1's registration-must-precede-subscribe rule. Centralizing the
// registration list here mirrors the teacher's marshals.go, which
// enumerates every Discord event's marshaler in one place rather than
// scattering addMarshaler calls through the codebase.
package wire

import (
	"github.com/fulcrum-net/fulcrum/internal/control"
	"github.com/fulcrum-net/fulcrum/internal/envelope"
)

// Bus type names (bit-exact strings are part of the external
// contract — see §6 and §4.8).
const (
	TypeServerRegister       = "server.register"
	TypeServerRegisterResult = "server.register.result"
	TypeServerHeartbeat      = "server.heartbeat"
	TypeProxyHeartbeat       = "proxy.heartbeat"
	TypeFamilyAdvertise      = "family.advertise"
	TypeSlotRequest          = "slot.request"
	TypeSlotAssignment       = "slot.assignment"
	TypeSlotRejection        = "slot.rejection"
	TypeServerDeregistered   = "server.deregistered"
	TypeProxyDead            = "proxy.dead"
)

// RegisterRequest is the payload of server.register / the equivalent
// proxy registration message.
type RegisterRequest struct {
	TempID       string `json:"tempId"`
	InstanceUUID string `json:"instanceUuid"`
	Address      string `json:"address"`
	Port         int    `json:"port"`
	Kind         string `json:"kind"`
	Role         string `json:"role"`
	Version      string `json:"version"`
}

// RegisterResult is the payload of server.register.result, returned
// via the request/response primitive.
type RegisterResult struct {
	ID        string `json:"id"`
	Reclaimed bool   `json:"reclaimed"`
}

// HeartbeatPayload carries exactly the field set named in §6's
// heartbeat contract.
type HeartbeatPayload struct {
	ServerID       string   `json:"serverId"`
	ServerType     string   `json:"serverType"`
	TPS            float64  `json:"tps"`
	PlayerCount    int      `json:"playerCount"`
	MaxCapacity    int      `json:"maxCapacity"`
	UptimeSeconds  int64    `json:"uptime"`
	Role           string   `json:"role"`
	AvailablePools []string `json:"availablePools"`
	Status         string   `json:"status"`
	TimestampMs    int64    `json:"timestamp"`
}

// FamilyAdvertise is the payload of family.advertise.
type FamilyAdvertise struct {
	ServerID    string               `json:"serverId"`
	Descriptors []FamilyDescriptor   `json:"descriptors"`
}

// FamilyDescriptor mirrors identity.SlotFamilyDescriptor on the wire;
// kept as a distinct type so the wire contract doesn't silently change
// if the in-memory model grows internal-only fields later.
type FamilyDescriptor struct {
	FamilyID               string            `json:"familyId"`
	VariantID               string            `json:"variantId,omitempty"`
	MinPlayers             int               `json:"minPlayers"`
	MaxPlayers             int               `json:"maxPlayers"`
	PlayerEquivalentFactor int               `json:"playerEquivalentFactor"`
	Metadata               map[string]string `json:"metadata"`
}

// SlotRequestPayload is the payload of slot.request.
type SlotRequestPayload struct {
	PlayerID  string            `json:"playerId"`
	FamilyID  string            `json:"familyId"`
	VariantID string            `json:"variantId,omitempty"`
	Metadata  map[string]string `json:"metadata"`
}

// SlotAssignmentPayload is the payload of slot.assignment.
type SlotAssignmentPayload struct {
	RequestID string            `json:"requestId"`
	ServerID  string            `json:"serverId"`
	SlotID    string            `json:"slotId"`
	Metadata  map[string]string `json:"metadata"`
}

// SlotRejectionPayload is the payload of slot.rejection.
type SlotRejectionPayload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

// RegisterSchemas binds every payload type above, plus the control
// surface's types, to codec. Call once per process before any
// bus.Subscribe.
func RegisterSchemas(codec *envelope.Codec) {
	register(codec, TypeServerRegister, func() interface{} { return &RegisterRequest{} })
	register(codec, TypeServerRegisterResult, func() interface{} { return &RegisterResult{} })
	register(codec, TypeServerHeartbeat, func() interface{} { return &HeartbeatPayload{} })
	register(codec, TypeProxyHeartbeat, func() interface{} { return &HeartbeatPayload{} })
	register(codec, TypeFamilyAdvertise, func() interface{} { return &FamilyAdvertise{} })
	register(codec, TypeSlotRequest, func() interface{} { return &SlotRequestPayload{} })
	register(codec, TypeSlotAssignment, func() interface{} { return &SlotAssignmentPayload{} })
	register(codec, TypeSlotRejection, func() interface{} { return &SlotRejectionPayload{} })
	register(codec, TypeServerDeregistered, func() interface{} { return &map[string]string{} })
	register(codec, TypeProxyDead, func() interface{} { return &map[string]string{} })

	register(codec, control.TypeShutdown, func() interface{} { return &control.ShutdownCommand{} })
	register(codec, control.TypeRestart, func() interface{} { return &control.RestartCommand{} })
	register(codec, control.TypeBroadcast, func() interface{} { return &control.BroadcastCommand{} })
	register(codec, control.TypeShutdownAck, func() interface{} { return &map[string]string{} })
	register(codec, "server.shutdown.warning", func() interface{} { return &control.Warning{} })
}

func register(codec *envelope.Codec, typeName string, newFn func() interface{}) {
	codec.Register(typeName, envelope.JSONSchema{CurrentVersion: 1, New: newFn})
}
