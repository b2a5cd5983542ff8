package bwu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/core/worker"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

type initiatorPhase uint8

const (
	initIdle initiatorPhase = iota
	initAdvertising
	initAwaitingClientIntroduction
	initUpgraded
)

// initiatorState is the per-endpoint initiator FSM from spec §4.3: one
// instance lives from RequestUpgrade until the upgrade succeeds or
// reverts.
type initiatorState struct {
	worker.Worker

	endpointID    string
	serviceID     string
	seedMedium    medium.Kind
	upgradeMedium medium.Kind
	md            medium.Medium
	creds         *commands.UpgradeCredentials

	mu    sync.Mutex
	phase initiatorPhase
}

func (m *Manager) runInitiator(st *initiatorState, seedCh *channel.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), UpgradeTimeout)
	defer cancel()

	st.mu.Lock()
	st.phase = initAdvertising
	st.mu.Unlock()

	adv := medium.Advertisement{ServiceName: credentialScopeName(st.creds), Info: []byte(st.endpointID)}
	if err := st.md.StartAdvertising(ctx, adv); err != nil {
		log.Warn("bwu initiator: start advertising failed", "endpoint", st.endpointID, "err", err)
		m.revertInitiator(st)
		return
	}

	if err := seedCh.Write(&commands.BandwidthUpgradeNegotiation{
		Variant:     commands.BWUUpgradePathAvailable,
		Credentials: st.creds,
		EndpointID:  st.endpointID,
	}); err != nil {
		log.Warn("bwu initiator: write upgrade path available failed", "endpoint", st.endpointID, "err", err)
		m.revertInitiator(st)
		return
	}

	st.mu.Lock()
	st.phase = initAwaitingClientIntroduction
	st.mu.Unlock()

	conn, err := st.md.Accept(ctx)
	if err != nil {
		log.Warn("bwu initiator: accept failed", "endpoint", st.endpointID, "err", err)
		m.revertInitiator(st)
		return
	}

	newCh := channel.New(st.serviceID, "bwu-upgrade", st.upgradeMedium, conn)
	_ = newCh.UnderlyingConn().SetDeadline(time.Now().Add(DiscoveryDeadline))

	cmd, _, err := newCh.Read()
	if err != nil {
		log.Warn("bwu initiator: read client introduction failed", "endpoint", st.endpointID, "err", err)
		_ = newCh.Close()
		m.revertInitiator(st)
		return
	}
	intro, ok := cmd.(*commands.BandwidthUpgradeNegotiation)
	if !ok || intro.Variant != commands.BWUClientIntroduction || intro.EndpointID != st.endpointID {
		log.Warn("bwu initiator: unexpected frame awaiting client introduction", "endpoint", st.endpointID)
		_ = newCh.Close()
		m.revertInitiator(st)
		return
	}

	if err := newCh.Write(&commands.BandwidthUpgradeNegotiation{
		Variant:    commands.BWUClientIntroductionAck,
		EndpointID: st.endpointID,
	}); err != nil {
		log.Warn("bwu initiator: write client introduction ack failed", "endpoint", st.endpointID, "err", err)
		_ = newCh.Close()
		m.revertInitiator(st)
		return
	}
	_ = newCh.UnderlyingConn().SetDeadline(time.Time{})

	_ = st.md.StopAdvertising()
	if err := m.channels.ReplaceChannelForEndpoint(st.endpointID, newCh, channel.ReasonUpgraded, false); err != nil {
		log.Warn("bwu initiator: replace channel failed", "endpoint", st.endpointID, "err", err)
		_ = newCh.Close()
	}

	st.mu.Lock()
	st.phase = initUpgraded
	st.mu.Unlock()

	m.clearInitiator(st.endpointID)
}

// revertInitiator implements the "Any -> timeout/error -> Idle"
// transition: stop accepting/advertising, leave the seed channel
// untouched (spec §4.3 invariant).
func (m *Manager) revertInitiator(st *initiatorState) {
	_ = st.md.StopAdvertising()
	st.mu.Lock()
	st.phase = initIdle
	st.mu.Unlock()
	time.AfterFunc(RevertGrace, func() { m.clearInitiator(st.endpointID) })
}

func (m *Manager) clearInitiator(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.initiators, endpointID)
}

func credentialScopeName(c *commands.UpgradeCredentials) string {
	switch {
	case c.ServiceName != "":
		return c.ServiceName
	case c.SSID != "":
		return c.SSID
	case c.PeerID != "":
		return c.PeerID
	default:
		return fmt.Sprintf("%x", c.MAC)
	}
}
