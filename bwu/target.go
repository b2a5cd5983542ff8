package bwu

import (
	"context"
	"sync"
	"time"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/core/worker"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

type targetPhase uint8

const (
	targetIdle targetPhase = iota
	targetDiscovering
	targetAwaitingAck
	targetUpgraded
)

// targetState is the per-endpoint target FSM from spec §4.3.
type targetState struct {
	worker.Worker

	endpointID    string
	serviceID     string
	upgradeMedium medium.Kind
	md            medium.Medium
	creds         *commands.UpgradeCredentials

	mu    sync.Mutex
	phase targetPhase
}

func (m *Manager) runTarget(st *targetState) {
	ctx, cancel := context.WithTimeout(context.Background(), DiscoveryDeadline)
	defer cancel()

	st.mu.Lock()
	st.phase = targetDiscovering
	st.mu.Unlock()

	found := make(chan medium.PeerInfo, 1)
	scope := credentialScopeName(st.creds)
	if err := st.md.StartDiscovery(ctx, scope, func(p medium.PeerInfo) {
		select {
		case found <- p:
		default:
		}
	}); err != nil {
		log.Warn("bwu target: start discovery failed", "endpoint", st.endpointID, "err", err)
		m.revertTarget(st)
		return
	}

	var peer medium.PeerInfo
	select {
	case peer = <-found:
	case <-ctx.Done():
		_ = st.md.StopDiscovery()
		m.revertTarget(st)
		return
	}
	_ = st.md.StopDiscovery()

	conn, err := st.md.Dial(ctx, peer)
	if err != nil {
		log.Warn("bwu target: dial failed", "endpoint", st.endpointID, "err", err)
		m.revertTarget(st)
		return
	}

	newCh := channel.New(st.serviceID, "bwu-upgrade", st.upgradeMedium, conn)
	_ = newCh.UnderlyingConn().SetDeadline(time.Now().Add(DiscoveryDeadline))

	if err := newCh.Write(&commands.BandwidthUpgradeNegotiation{
		Variant:    commands.BWUClientIntroduction,
		EndpointID: st.endpointID,
	}); err != nil {
		log.Warn("bwu target: write client introduction failed", "endpoint", st.endpointID, "err", err)
		_ = newCh.Close()
		m.revertTarget(st)
		return
	}

	st.mu.Lock()
	st.phase = targetAwaitingAck
	st.mu.Unlock()

	cmd, _, err := newCh.Read()
	if err != nil {
		log.Warn("bwu target: read client introduction ack failed", "endpoint", st.endpointID, "err", err)
		_ = newCh.Close()
		m.revertTarget(st)
		return
	}
	ack, ok := cmd.(*commands.BandwidthUpgradeNegotiation)
	if !ok || ack.Variant != commands.BWUClientIntroductionAck {
		log.Warn("bwu target: unexpected frame awaiting ack", "endpoint", st.endpointID)
		_ = newCh.Close()
		m.revertTarget(st)
		return
	}
	_ = newCh.UnderlyingConn().SetDeadline(time.Time{})

	if err := m.channels.ReplaceChannelForEndpoint(st.endpointID, newCh, channel.ReasonUpgraded, false); err != nil {
		log.Warn("bwu target: replace channel failed", "endpoint", st.endpointID, "err", err)
		_ = newCh.Close()
	}

	st.mu.Lock()
	st.phase = targetUpgraded
	st.mu.Unlock()

	m.clearTarget(st.endpointID)
}

// revertTarget implements the "Any -> timeout/error -> Idle"
// transition: stop discovery, stay on the seed channel.
func (m *Manager) revertTarget(st *targetState) {
	_ = st.md.StopDiscovery()
	st.mu.Lock()
	st.phase = targetIdle
	st.mu.Unlock()
	time.AfterFunc(RevertGrace, func() { m.clearTarget(st.endpointID) })
}

func (m *Manager) clearTarget(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, endpointID)
}
