// Package fulcrumsdk is a thin client for external collaborators
// named in the PURPOSE & SCOPE's "out of scope, treated as external
// collaborators" list (player data persistence, chat/menu rendering,
// minigame logic) that still need to request slots, advertise
// families and observe bus traffic without importing the core's
// internal packages directly. It does not register an identity or
// emit heartbeats. The
// single constructor + "do the request, decode the result" surface is
// grounded on the teacher's client/client.go (NewClient + FetchJSON),
// generalized from an HTTP REST call to the bus's request/response
// primitive.
package fulcrumsdk

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/envelope"
	"github.com/fulcrum-net/fulcrum/internal/wire"
)

const defaultRequestTimeout = 5 * time.Second

// Client is a minimal handle onto the bus for collaborators that only
// need to request slots, advertise families and subscribe to bus
// types — registration, heartbeats and the FSM/registry machinery
// stay internal to the daemon.
type Client struct {
	b                *bus.Bus
	requestTimeout   time.Duration
}

// Options configures a Client.
type Options struct {
	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	TempID         string
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// New connects a Client to the shared Redis bus. The codec comes
// pre-registered with every known wire type via wire.RegisterSchemas,
// matching §4.1's "registration must happen before subscribe" rule.
func New(opts Options) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddress,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})
	codec := envelope.NewCodec()
	wire.RegisterSchemas(codec)

	tempID := opts.TempID
	if tempID == "" {
		tempID = "sdk-" + uuid.NewString()
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		b:              bus.New(rdb, codec, tempID, opts.Logger),
		requestTimeout: timeout,
	}
}

// Close drains and stops the underlying bus connection.
func (c *Client) Close() error { return c.b.Close() }

// RequestSlot issues a slot.request to the coordinator and waits for
// either a slot.assignment or slot.rejection response (§4.6).
func (c *Client) RequestSlot(ctx context.Context, playerID, familyID, variantID string, metadata map[string]string) (wire.SlotAssignmentPayload, error) {
	_, payload, err := c.b.Request(ctx, "coordinator", wire.TypeSlotRequest, wire.SlotRequestPayload{
		PlayerID:  playerID,
		FamilyID:  familyID,
		VariantID: variantID,
		Metadata:  metadata,
	}, c.requestTimeout)
	if err != nil {
		return wire.SlotAssignmentPayload{}, err
	}

	switch p := payload.(type) {
	case *wire.SlotAssignmentPayload:
		return *p, nil
	case *wire.SlotRejectionPayload:
		return wire.SlotAssignmentPayload{}, &RejectionError{Reason: p.Reason}
	default:
		return wire.SlotAssignmentPayload{}, fmt.Errorf("fulcrumsdk: unexpected response payload %T", payload)
	}
}

// RejectionError surfaces a dispatcher rejection reason to SDK callers
// without requiring them to import the internal slots package.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return "fulcrumsdk: slot request rejected: " + e.Reason }

// AdvertiseFamily publishes a family.advertise on behalf of a backend
// collaborator that hosts minigame slots but doesn't want to link the
// full daemon.
func (c *Client) AdvertiseFamily(serverID string, descriptors []wire.FamilyDescriptor) error {
	return c.b.Broadcast(wire.TypeFamilyAdvertise, wire.FamilyAdvertise{ServerID: serverID, Descriptors: descriptors})
}

// SubscribeBroadcast lets a collaborator (e.g. chat rendering) observe
// a given bus type without pulling in the full control surface.
func (c *Client) SubscribeBroadcast(typeName string, handler func(envelope.Envelope, interface{})) error {
	return c.b.Subscribe(typeName, bus.Handler(handler))
}
