package bwu

import (
	"fmt"
	"sync"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/endpoint"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/wire"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

// Manager is the BWU handler family façade (spec.md §4 component G):
// it registers itself as the BANDWIDTH_UPGRADE_NEGOTIATION frame
// processor and drives one initiator or target FSM per endpoint
// currently mid-upgrade.
type Manager struct {
	channels  *channel.Manager
	endpoints *endpoint.Manager
	mediums   map[medium.Kind]medium.Medium
	policy    Policy

	mu         sync.Mutex
	initiators map[string]*initiatorState
	targets    map[string]*targetState
}

// NewManager constructs a BWU handler bound to the given mediums
// (keyed by Kind; a medium absent from the map is treated as
// unavailable regardless of Policy.Enabled) and registers it with
// endpoints to receive BANDWIDTH_UPGRADE_NEGOTIATION frames.
func NewManager(channels *channel.Manager, endpoints *endpoint.Manager, mediums map[medium.Kind]medium.Medium, policy Policy) *Manager {
	m := &Manager{
		channels:   channels,
		endpoints:  endpoints,
		mediums:    mediums,
		policy:     policy,
		initiators: make(map[string]*initiatorState),
		targets:    make(map[string]*targetState),
	}
	endpoints.RegisterFrameProcessor(commands.TypeBandwidthUpgradeNegotiation, m)
	return m
}

// RequestUpgrade starts the initiator FSM for endpointID (spec §4.3
// "Client requests upgrade"). Returns an error if an upgrade is
// already in flight for this endpoint, or no medium passes the
// policy gates.
func (m *Manager) RequestUpgrade(endpointID, serviceID string) error {
	seedCh := m.channels.GetChannelForEndpoint(endpointID)
	if seedCh == nil {
		return fmt.Errorf("bwu: no active channel for endpoint %q", endpointID)
	}

	m.mu.Lock()
	if _, inFlight := m.initiators[endpointID]; inFlight {
		m.mu.Unlock()
		return fmt.Errorf("bwu: upgrade already in flight for endpoint %q", endpointID)
	}
	upgradeMedium, ok := m.policy.SelectMedium(seedCh.Medium)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("bwu: no eligible medium for endpoint %q", endpointID)
	}
	md := m.mediums[upgradeMedium]
	if md == nil {
		m.mu.Unlock()
		return fmt.Errorf("bwu: medium %s not available", upgradeMedium)
	}

	creds, err := generateCredentials(toUpgradeMedium(upgradeMedium), serviceID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	st := &initiatorState{
		endpointID:    endpointID,
		serviceID:     serviceID,
		seedMedium:    seedCh.Medium,
		upgradeMedium: upgradeMedium,
		md:            md,
		creds:         creds,
	}
	m.initiators[endpointID] = st
	m.mu.Unlock()

	st.Go(func() { m.runInitiator(st, seedCh) })
	return nil
}

// OnIncomingFrame implements endpoint.FrameProcessor: it dispatches
// BANDWIDTH_UPGRADE_NEGOTIATION frames received on a seed channel.
// Only BWUUpgradePathAvailable arrives this way — ClientIntroduction
// and its ack are exchanged directly on the new medium's bootstrap
// channel, outside EndpointManager's dispatch.
func (m *Manager) OnIncomingFrame(cmd commands.Command, endpointID string, client endpoint.Client, md medium.Kind, meta wire.PacketMetadata) {
	frame, ok := cmd.(*commands.BandwidthUpgradeNegotiation)
	if !ok || frame.Variant != commands.BWUUpgradePathAvailable {
		return
	}

	m.mu.Lock()
	if _, inFlight := m.targets[endpointID]; inFlight {
		m.mu.Unlock()
		log.Warn("bwu: upgrade path available while target already in flight", "endpoint", endpointID)
		return
	}
	upgradeMedium := fromUpgradeMedium(frame.Credentials.Medium)
	upgradeMd := m.mediums[upgradeMedium]
	if upgradeMd == nil {
		m.mu.Unlock()
		log.Warn("bwu: no local medium for offered upgrade", "endpoint", endpointID, "medium", upgradeMedium)
		return
	}

	st := &targetState{
		endpointID:    endpointID,
		serviceID:     endpointID,
		upgradeMedium: upgradeMedium,
		md:            upgradeMd,
		creds:         frame.Credentials,
	}
	m.targets[endpointID] = st
	m.mu.Unlock()

	st.Go(func() { m.runTarget(st) })
}

// OnEndpointDisconnect implements endpoint.FrameProcessor: an
// in-flight upgrade for a torn-down endpoint is abandoned, never
// affecting anything beyond its own bootstrap channel (spec §4.3:
// "any medium-level failure is local").
func (m *Manager) OnEndpointDisconnect(client endpoint.Client, serviceID, endpointID string, barrier *sync.WaitGroup, reason channel.DisconnectReason) {
	// The in-flight FSM goroutine (if any) is left to time out on its
	// own UpgradeTimeout/DiscoveryDeadline bound; it only touches its
	// own bootstrap channel plus the now-gone endpoint entry, so it is
	// harmless to let it unwind asynchronously rather than block this
	// callback waiting on a blocking Accept/Dial to return.
	m.mu.Lock()
	delete(m.initiators, endpointID)
	delete(m.targets, endpointID)
	m.mu.Unlock()
}

func fromUpgradeMedium(u commands.UpgradeMedium) medium.Kind {
	switch u {
	case commands.UpgradeBluetooth:
		return medium.KindBluetooth
	case commands.UpgradeBLE:
		return medium.KindBLE
	case commands.UpgradeWifiLAN:
		return medium.KindWifiLAN
	case commands.UpgradeWifiHotspot:
		return medium.KindWifiHotspot
	case commands.UpgradeAWDL:
		return medium.KindAWDL
	case commands.UpgradeWebRTC:
		return medium.KindWebRTC
	default:
		return medium.KindBluetooth
	}
}
