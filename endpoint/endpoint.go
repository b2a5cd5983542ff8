// Package endpoint implements the EndpointManager (spec.md §4 component
// E): per-endpoint reader and keep-alive loops, frame dispatch to
// registered processors, and the safe-disconnect handshake.
package endpoint

import (
	"sync"
	"time"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/core/worker"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/wire"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

// Direction records which side initiated the logical connection.
type Direction uint8

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// disconnectState drives the safe-disconnect table in spec §4.1.
type disconnectState uint8

const (
	stateConnected disconnectState = iota
	stateAwaitingAck
	stateDisconnected
)

// State is the per-endpoint record EndpointManager maintains —
// spec.md §3's Endpoint entity plus the bookkeeping the reader and
// keep-alive loops need.
type State struct {
	worker.Worker

	EndpointID            string
	Info                  []byte
	Token                 []byte
	Direction             Direction
	SafeDisconnectCapable bool

	ServiceID string
	Client    Client
	Listener  PayloadListener

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	mu               sync.Mutex
	dstate           disconnectState
	lastFailedMedium medium.Kind
	hasFailedMedium  bool
	ackTimer         *time.Timer
}

func newState(endpointID string) *State {
	return &State{EndpointID: endpointID}
}

func (s *State) setLastFailedMedium(k medium.Kind) (prev medium.Kind, had bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had = s.lastFailedMedium, s.hasFailedMedium
	s.lastFailedMedium = k
	s.hasFailedMedium = true
	return
}

func (s *State) clearFailedMedium() {
	s.mu.Lock()
	s.hasFailedMedium = false
	s.mu.Unlock()
}

// Client is the callback surface EndpointManager drives (spec §4.1,
// §5 ordering guarantees).
type Client interface {
	OnConnectionInitiated(endpointID string, info []byte, incoming bool)
	OnDisconnected(endpointID string)
}

// PayloadListener is the narrow slice of the payload package's
// consumer surface EndpointManager needs to notify about raw frames
// it could not hand to a registered FrameProcessor (currently unused
// by the core dispatch path; kept for symmetry with RegisterEndpoint's
// signature in spec §4.1).
type PayloadListener interface{}

// FrameProcessor is polymorphic over one capability per spec.md §3:
// handling an incoming frame of its registered type, and observing
// endpoint teardown.
type FrameProcessor interface {
	OnIncomingFrame(cmd commands.Command, endpointID string, client Client, md medium.Kind, meta wire.PacketMetadata)
	OnEndpointDisconnect(client Client, serviceID, endpointID string, barrier *sync.WaitGroup, reason channel.DisconnectReason)
}
