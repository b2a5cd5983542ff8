// Package nearby implements the NearbyConnectionsManager façade
// (spec.md §4.6, component K): the single client-facing entry point
// that wires EndpointManager, EndpointChannelManager, the BWU and
// AutoReconnect managers, the encryption handshake, and PayloadManager
// into advertise/discover/connect/send operations.
package nearby

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nearbymesh/nearbycore/analytics"
	"github.com/nearbymesh/nearbycore/autoreconnect"
	"github.com/nearbymesh/nearbycore/bwu"
	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/core/config"
	"github.com/nearbymesh/nearbycore/core/worker"
	"github.com/nearbymesh/nearbycore/core/xlog"
	"github.com/nearbymesh/nearbycore/core/xrand"
	"github.com/nearbymesh/nearbycore/endpoint"
	"github.com/nearbymesh/nearbycore/handshake"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/payload"
	"github.com/nearbymesh/nearbycore/store"
	"github.com/nearbymesh/nearbycore/transfer"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

var log = xlog.New("nearby")

// discoveryServiceID scopes advertise/discover rendezvous at the
// medium layer: every instance of this façade searches for and
// advertises under the same fixed name, independent of each peer's
// own per-session selfID (carried instead in Advertisement.Attributes
// and recovered from PeerInfo.Attributes in onPeerFound below).
const discoveryServiceID = "nearbycore.sharing"

// endpointIDAttr is the Advertisement/PeerInfo attribute key a peer's
// selfID travels under, since medium.PeerInfo.ServiceName identifies
// the rendezvous scope, not the discovered endpoint.
const endpointIDAttr = "endpoint_id"

// foundPeer is what discovery dedup remembers: enough to dial the peer
// back on the medium that actually found it (medium.PeerInfo alone
// doesn't self-identify its medium).
type foundPeer struct {
	peer medium.PeerInfo
	kind medium.Kind
}

type pendingConnect struct {
	cb      ConnectCallback
	timer   *time.Timer
	once    sync.Once
	resolved bool
}

// Manager is the NearbyConnectionsManager façade.
type Manager struct {
	worker.Worker

	cfg     *config.Config
	mediums map[medium.Kind]medium.Medium

	channels  *channel.Manager
	endpoints *endpoint.Manager
	bwuMgr    *bwu.Manager
	reconnect *autoreconnect.Manager
	payloads  *payload.Manager
	store     *store.Store
	telemetry *analytics.Sink

	selfID string

	// mu guards every registry below — several public entrypoints
	// reenter through callbacks, matching spec §5's "single recursive
	// mutex" note (Go's sync.Mutex is not reentrant, so internal
	// helpers called with the lock already held are unexported and
	// never re-lock).
	mu sync.Mutex

	advertising       bool
	advertiseListener ConnectionLifecycleListener
	advertisedInfo    []byte

	discovering      bool
	discoverListener DiscoveryListener
	found            map[string]foundPeer

	pending     map[string]*pendingConnect
	connections map[string]*NearbyConnection

	payloadListeners map[int64]payload.StatusListener
	payloadEndpoint  map[int64]string
	transferManagers map[string]*transfer.Manager

	unexpectedCleanup bool
}

// NewManager wires every collaborator component K needs, registered
// in the teacher's usual "construct, then register with the services
// it depends on" order.
func NewManager(cfg *config.Config, mediums map[medium.Kind]medium.Medium, st *store.Store, telemetry *analytics.Sink) (*Manager, error) {
	selfID, err := resolveSelfID(cfg, st)
	if err != nil {
		return nil, err
	}

	channels := channel.NewManager()
	endpoints := endpoint.NewManager(channels)
	reconnect := autoreconnect.NewManager(channels, endpoints, mediums, 30*time.Second)
	bwuMgr := bwu.NewManager(channels, endpoints, mediums, bwu.Policy{
		Enabled:          enabledMediumSet(cfg),
		PeerSupports:     enabledMediumSet(cfg), // refined per-peer once capability negotiation exists
		DataUsageOffline: cfg.DataUsage == config.DataUsageOffline,
	})
	payloads := payload.NewManager(endpoints, channels, cfg.CustomSavePath)
	endpoints.RegisterFrameProcessor(commands.TypePayloadTransfer, payloads)

	m := &Manager{
		cfg:              cfg,
		mediums:          mediums,
		channels:         channels,
		endpoints:        endpoints,
		bwuMgr:           bwuMgr,
		reconnect:        reconnect,
		payloads:         payloads,
		store:            st,
		telemetry:        telemetry,
		selfID:           selfID,
		found:            make(map[string]foundPeer),
		pending:          make(map[string]*pendingConnect),
		connections:      make(map[string]*NearbyConnection),
		payloadListeners: make(map[int64]payload.StatusListener),
		payloadEndpoint:  make(map[int64]string),
		transferManagers: make(map[string]*transfer.Manager),
		unexpectedCleanup: cfg.UnexpectedPayloadCleanup,
	}
	payloads.SetUnclaimedHandler(&unclaimedPayloadCleanup{m: m})
	return m, nil
}

func resolveSelfID(cfg *config.Config, st *store.Store) (string, error) {
	if !cfg.UseStableEndpointID || st == nil {
		id, err := xrand.HexBytes(4)
		if err != nil {
			return "", err
		}
		return id, nil
	}
	return st.StableEndpointID()
}

// OnConnectionInitiated implements endpoint.Client: it is fired by
// endpoint.Manager.RegisterEndpoint right after a channel is
// installed, for both directions.
func (m *Manager) OnConnectionInitiated(endpointID string, info []byte, incoming bool) {
	m.mu.Lock()
	listener := m.advertiseListener
	m.mu.Unlock()
	if incoming && listener != nil {
		listener.OnConnectionInitiated(endpointID, info)
	}
}

// OnDisconnected implements endpoint.Client: spec §5's ordering
// guarantee that this fires strictly after every FrameProcessor's
// OnEndpointDisconnect (or the barrier timeout) — except when
// AutoReconnect's guardedClient intercepts it for a grace-window
// redial (wired via client() below).
func (m *Manager) OnDisconnected(endpointID string) {
	m.mu.Lock()
	conn, ok := m.connections[endpointID]
	delete(m.connections, endpointID)
	delete(m.transferManagers, endpointID)
	m.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
	m.telemetry.RecordDisconnect(endpointID)
}

// client returns the Client EndpointManager should invoke, wrapped by
// AutoReconnect so an IO_ERROR teardown gets a grace-window redial
// before m.OnDisconnected ever fires (spec §7 "single OnDisconnected
// only if reconnection ultimately fails").
func (m *Manager) client() endpoint.Client { return m.reconnect.WrapClient(m) }

// StartAdvertising implements spec §4.6. Duplicate calls are rejected
// per spec §8/§7 (kAlreadyAdvertising).
func (m *Manager) StartAdvertising(ctx context.Context, info []byte, opts AdvertisingOptions) error {
	m.mu.Lock()
	if m.advertising {
		m.mu.Unlock()
		return statusErr(StatusAlreadyAdvertising, nil)
	}
	m.advertising = true
	m.advertiseListener = opts.Listener
	m.advertisedInfo = info
	m.mu.Unlock()

	fastUUID := len(info) <= kMinimumAdvertisementSize

	for _, k := range allowedMediumsFromConfig(m.cfg, m.mediums) {
		md := m.mediums[k]
		adv := medium.Advertisement{
			ServiceName: discoveryServiceID,
			Info:        info,
			Attributes:  map[string]string{endpointIDAttr: m.selfID},
		}
		if fastUUID {
			adv.Attributes["fast_advertisement"] = "1"
		}
		if err := md.StartAdvertising(ctx, adv); err != nil {
			m.mu.Lock()
			m.advertising = false
			m.mu.Unlock()
			return statusErr(mediumErrorStatus(k), err)
		}
		m.Go(func() { m.acceptLoop(ctx, md, k) })
	}
	return nil
}

// StopAdvertising tears down every advertising medium. Safe to call
// after a prior StartAdvertising→StopAdvertising round-trip (spec §8).
func (m *Manager) StopAdvertising() error {
	m.mu.Lock()
	if !m.advertising {
		m.mu.Unlock()
		return nil
	}
	m.advertising = false
	m.advertiseListener = nil
	m.mu.Unlock()

	for _, k := range allowedMediumsFromConfig(m.cfg, m.mediums) {
		_ = m.mediums[k].StopAdvertising()
	}
	return nil
}

func (m *Manager) acceptLoop(ctx context.Context, md medium.Medium, kind medium.Kind) {
	sem := make(chan struct{}, medium.MaxConcurrentAccepts)
	for {
		select {
		case <-m.HaltCh():
			return
		case <-ctx.Done():
			return
		default:
		}
		conn, err := md.Accept(ctx)
		if err != nil {
			return
		}
		sem <- struct{}{}
		m.Go(func() {
			defer func() { <-sem }()
			m.handleIncomingConnection(conn, kind)
		})
	}
}

// handleIncomingConnection runs on a freshly accepted socket: it reads
// the very first frame, which is either a ConnectionRequest (a new
// logical connection) or an AutoReconnect ClientIntroduction (a
// grace-window redial, spec §4 component I).
func (m *Manager) handleIncomingConnection(conn medium.Conn, kind medium.Kind) {
	bootstrap := channel.New(m.selfID, "bootstrap", kind, conn)
	cmd, _, err := bootstrap.Read()
	if err != nil {
		_ = conn.Close()
		return
	}

	switch req := cmd.(type) {
	case *commands.AutoReconnect:
		if req.Variant == commands.AutoReconnectClientIntroduction {
			if err := m.reconnect.HandleIncomingIntroduction(conn, kind, req); err != nil {
				_ = conn.Close()
			}
		}
		return
	case *commands.ConnectionRequest:
		m.acceptIncoming(conn, kind, req)
	default:
		_ = conn.Close()
	}
}

func (m *Manager) acceptIncoming(conn medium.Conn, kind medium.Kind, req *commands.ConnectionRequest) {
	ch := channel.New(m.selfID, "incoming", kind, conn)
	connToken, err := xrand.HexBytes(8)
	if err != nil {
		_ = conn.Close()
		return
	}
	resp := &commands.ConnectionResponse{
		Status:                0,
		SafeDisconnectCapable: true,
		ConnectionToken:       []byte(connToken),
	}
	if err := ch.Write(resp); err != nil {
		_ = conn.Close()
		return
	}

	enc, err := handshake.NewRunner(handshake.RoleServer, nil).Run(handshakeChannel{ch})
	if err != nil {
		log.Warn("handshake failed", "endpoint", req.EndpointID, "err", err)
		_ = ch.Close()
		return
	}
	ch.EnableEncryption(enc)

	m.endpoints.RegisterEndpoint(m.client(), req.EndpointID, req.EndpointInfo, m.selfID,
		endpoint.DirectionIncoming, req.SafeDisconnectCapable, []byte(connToken),
		m.cfg.KeepAliveInterval(), m.cfg.KeepAliveTimeout(), ch)

	m.reconnect.TrackEndpoint(req.EndpointID, m.selfID, endpoint.DirectionIncoming, kind,
		medium.PeerInfo{}, req.EndpointInfo, []byte(connToken), []byte(connToken), req.SafeDisconnectCapable,
		m.cfg.KeepAliveInterval(), m.cfg.KeepAliveTimeout())

	m.mu.Lock()
	conn2 := newNearbyConnection(m, req.EndpointID, func() { m.endpoints.BeginSafeDisconnect(m.client(), req.EndpointID) })
	m.connections[req.EndpointID] = conn2
	m.mu.Unlock()

	m.telemetry.RecordConnect(req.EndpointID, kind.String())
}

// StartDiscovery implements spec §4.6; dedup is reset on StopDiscovery.
func (m *Manager) StartDiscovery(ctx context.Context, listener DiscoveryListener) error {
	m.mu.Lock()
	if m.discovering {
		m.mu.Unlock()
		return statusErr(StatusAlreadyDiscovering, nil)
	}
	m.discovering = true
	m.discoverListener = listener
	m.found = make(map[string]foundPeer)
	m.mu.Unlock()

	for _, k := range allowedMediumsFromConfig(m.cfg, m.mediums) {
		md := m.mediums[k]
		kind := k
		if err := md.StartDiscovery(ctx, discoveryServiceID, func(p medium.PeerInfo) {
			m.onPeerFound(p, kind)
		}); err != nil {
			return statusErr(mediumErrorStatus(k), err)
		}
	}
	return nil
}

func (m *Manager) onPeerFound(p medium.PeerInfo, kind medium.Kind) {
	endpointID := p.Attributes[endpointIDAttr]
	if endpointID == "" || endpointID == m.selfID {
		return
	}
	m.mu.Lock()
	if _, dup := m.found[endpointID]; dup {
		m.mu.Unlock()
		return
	}
	m.found[endpointID] = foundPeer{peer: p, kind: kind}
	listener := m.discoverListener
	m.mu.Unlock()
	if listener != nil {
		listener.OnEndpointFound(endpointID, p.Info)
	}
}

// StopDiscovery tears down every discovering medium and resets dedup.
func (m *Manager) StopDiscovery() error {
	m.mu.Lock()
	if !m.discovering {
		m.mu.Unlock()
		return nil
	}
	m.discovering = false
	m.discoverListener = nil
	m.found = make(map[string]foundPeer)
	m.mu.Unlock()

	for _, k := range allowedMediumsFromConfig(m.cfg, m.mediums) {
		_ = m.mediums[k].StopDiscovery()
	}
	return nil
}

// Connect implements spec §4.6: dials endpointID over the medium it
// was discovered on, arms the configured connect timeout (60s by
// default, spec §5), and fulfills cb exactly once.
func (m *Manager) Connect(ctx context.Context, endpointID string, info []byte, opts ConnectOptions, cb ConnectCallback) error {
	_ = validBTMAC(opts.BluetoothMAC) // accepted per spec §8; MAC selection itself is medium-internal.

	m.mu.Lock()
	if _, dup := m.connections[endpointID]; dup {
		m.mu.Unlock()
		return statusErr(StatusAlreadyConnectedToEndpoint, nil)
	}
	if _, inFlight := m.pending[endpointID]; inFlight {
		m.mu.Unlock()
		return statusErr(StatusOutOfOrderCall, nil)
	}
	peer, known := m.found[endpointID]
	m.mu.Unlock()
	if !known {
		return statusErr(StatusEndpointUnknown, nil)
	}

	pc := &pendingConnect{cb: cb}
	m.mu.Lock()
	m.pending[endpointID] = pc
	m.mu.Unlock()

	pc.timer = time.AfterFunc(m.cfg.ConnectTimeout(), func() {
		m.resolvePending(endpointID, nil, statusErr(StatusTimeout, nil))
		m.endpoints.DiscardEndpoint(m.client(), endpointID, channel.ReasonIOError)
	})

	m.Go(func() { m.dialAndConnect(ctx, endpointID, info, peer, opts) })
	return nil
}

func (m *Manager) dialAndConnect(ctx context.Context, endpointID string, info []byte, fp foundPeer, opts ConnectOptions) {
	kind := fp.kind
	md := m.mediums[kind]
	if md == nil {
		m.resolvePending(endpointID, nil, statusErr(StatusError, fmt.Errorf("no medium for discovered peer")))
		return
	}

	conn, err := md.Dial(ctx, fp.peer)
	if err != nil {
		m.resolvePending(endpointID, nil, statusErr(mediumErrorStatus(kind), err))
		return
	}
	ch := channel.New(m.selfID, "outgoing", kind, conn)

	req := &commands.ConnectionRequest{
		EndpointID:            m.selfID,
		EndpointInfo:          info,
		SafeDisconnectCapable: true,
	}
	if err := ch.Write(req); err != nil {
		_ = conn.Close()
		m.resolvePending(endpointID, nil, statusErr(StatusEndpointIOError, err))
		return
	}
	cmd, _, err := ch.Read()
	if err != nil {
		_ = conn.Close()
		m.resolvePending(endpointID, nil, statusErr(StatusEndpointIOError, err))
		return
	}
	resp, ok := cmd.(*commands.ConnectionResponse)
	if !ok || resp.Status != 0 {
		_ = conn.Close()
		m.resolvePending(endpointID, nil, statusErr(StatusConnectionRejected, nil))
		return
	}

	enc, err := handshake.NewRunner(handshake.RoleClient, nil).Run(handshakeChannel{ch})
	if err != nil {
		_ = ch.Close()
		m.resolvePending(endpointID, nil, statusErr(StatusError, err))
		return
	}
	ch.EnableEncryption(enc)

	m.endpoints.RegisterEndpoint(m.client(), endpointID, fp.peer.Info, m.selfID,
		endpoint.DirectionOutgoing, true, resp.ConnectionToken,
		m.cfg.KeepAliveInterval(), m.cfg.KeepAliveTimeout(), ch)

	m.reconnect.TrackEndpoint(endpointID, m.selfID, endpoint.DirectionOutgoing, kind, fp.peer,
		fp.peer.Info, resp.ConnectionToken, resp.ConnectionToken, true,
		m.cfg.KeepAliveInterval(), m.cfg.KeepAliveTimeout())

	nc := newNearbyConnection(m, endpointID, func() { m.endpoints.BeginSafeDisconnect(m.client(), endpointID) })
	m.mu.Lock()
	m.connections[endpointID] = nc
	m.mu.Unlock()

	m.telemetry.RecordConnect(endpointID, kind.String())
	m.resolvePending(endpointID, nc, nil)
}

func (m *Manager) resolvePending(endpointID string, conn *NearbyConnection, err error) {
	m.mu.Lock()
	pc, ok := m.pending[endpointID]
	if ok {
		delete(m.pending, endpointID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	pc.once.Do(func() {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.cb(conn, err)
	})
}

func mediumErrorStatus(k medium.Kind) Status {
	switch k {
	case medium.KindBluetooth:
		return StatusBluetoothError
	case medium.KindBLE:
		return StatusBLEError
	case medium.KindWifiLAN, medium.KindWifiHotspot:
		return StatusWifiLANError
	default:
		return StatusError
	}
}

// Shutdown halts every worker. After it returns no further listener
// callback is delivered (spec §8 invariant).
func (m *Manager) Shutdown() {
	_ = m.StopAdvertising()
	_ = m.StopDiscovery()
	m.endpoints.Shutdown(m.client())
	m.Halt()
}
