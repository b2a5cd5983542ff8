// Package autoreconnect implements the AutoReconnect manager
// (spec.md §4 component I): when an endpoint drops with reason
// IO_ERROR, it re-dials the endpoint's last-known medium/address
// within a grace window, replays the AUTO_RECONNECT introduction
// handshake, and revives the endpoint — falling back to a single
// client.OnDisconnected notification only if the window expires.
package autoreconnect

import (
	"context"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/core/xlog"
	"github.com/nearbymesh/nearbycore/endpoint"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/wire"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

// secureBytes locks b (the raw auth token or connection token spec.md
// §3 calls out as opaque, must-not-leak-via-swap bytes) in a memguard
// enclave the way the teacher's ratchet.go locks its derived keys.
// Empty tokens stay nil rather than tripping memguard's zero-size panic.
func secureBytes(b []byte) *memguard.LockedBuffer {
	if len(b) == 0 {
		return nil
	}
	return memguard.NewBufferFromBytes(append([]byte(nil), b...))
}

func secureBytesValue(buf *memguard.LockedBuffer) []byte {
	if buf == nil {
		return nil
	}
	return buf.Bytes()
}

var log = xlog.New("autoreconnect")

// DefaultGraceWindow is spec §4's "auto-reconnect attempt within a
// grace window" default.
const DefaultGraceWindow = 30 * time.Second

// trackedEndpoint is the bookkeeping autoreconnect needs to attempt a
// redial — supplied by the façade whenever an endpoint's channel is
// (re)established.
type trackedEndpoint struct {
	serviceID         string
	direction         endpoint.Direction
	mediumKind        medium.Kind
	peer              medium.PeerInfo
	info              []byte
	token             *memguard.LockedBuffer
	connectionToken   *memguard.LockedBuffer
	safeDisconnect    bool
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
}

// Manager is the AutoReconnect manager (spec.md §4 component I).
type Manager struct {
	channels    *channel.Manager
	endpoints   *endpoint.Manager
	mediums     map[medium.Kind]medium.Medium
	graceWindow time.Duration

	mu       sync.Mutex
	tracked  map[string]*trackedEndpoint
	reasons  map[string]channel.DisconnectReason
	inFlight map[string]chan medium.Conn
}

// NewManager constructs an AutoReconnect manager bound to the mediums
// it is allowed to redial on. It registers itself as the
// AUTO_RECONNECT frame processor so it observes every endpoint
// teardown's reason via OnEndpointDisconnect.
func NewManager(channels *channel.Manager, endpoints *endpoint.Manager, mediums map[medium.Kind]medium.Medium, graceWindow time.Duration) *Manager {
	if graceWindow <= 0 {
		graceWindow = DefaultGraceWindow
	}
	m := &Manager{
		channels:    channels,
		endpoints:   endpoints,
		mediums:     mediums,
		graceWindow: graceWindow,
		tracked:     make(map[string]*trackedEndpoint),
		reasons:     make(map[string]channel.DisconnectReason),
		inFlight:    make(map[string]chan medium.Conn),
	}
	endpoints.RegisterFrameProcessor(commands.TypeAutoReconnect, m)
	return m
}

// TrackEndpoint records the dial target and registration parameters
// needed to redial endpointID, called by the façade whenever its
// channel becomes active (fresh connect, BWU upgrade, or a prior
// successful auto-reconnect).
func (m *Manager) TrackEndpoint(endpointID, serviceID string, direction endpoint.Direction, md medium.Kind, peer medium.PeerInfo, info, token, connectionToken []byte, safeDisconnect bool, keepAliveInterval, keepAliveTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, exists := m.tracked[endpointID]; exists {
		destroyTokens(old)
	}
	m.tracked[endpointID] = &trackedEndpoint{
		serviceID: serviceID, direction: direction, mediumKind: md, peer: peer,
		info: info, token: secureBytes(token), connectionToken: secureBytes(connectionToken), safeDisconnect: safeDisconnect,
		keepAliveInterval: keepAliveInterval, keepAliveTimeout: keepAliveTimeout,
	}
}

// Untrack drops bookkeeping for endpointID, e.g. on a deliberate local
// disconnect that should never trigger a reconnect attempt, wiping its
// tokens immediately rather than waiting on the GC.
func (m *Manager) Untrack(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if te, ok := m.tracked[endpointID]; ok {
		destroyTokens(te)
	}
	delete(m.tracked, endpointID)
}

func destroyTokens(te *trackedEndpoint) {
	if te.token != nil {
		te.token.Destroy()
	}
	if te.connectionToken != nil {
		te.connectionToken.Destroy()
	}
}

// OnIncomingFrame implements endpoint.FrameProcessor. A registered
// endpoint's channel is removed before teardown notifications fire, so
// a live AUTO_RECONNECT frame on an active channel never reaches this
// path in practice; it exists for interface symmetry and defensive
// logging only. The real exchange happens on raw bootstrap connections
// via HandleIncomingIntroduction.
func (m *Manager) OnIncomingFrame(cmd commands.Command, endpointID string, client endpoint.Client, md medium.Kind, meta wire.PacketMetadata) {
	log.Warn("unexpected AUTO_RECONNECT frame on active channel", "endpoint", endpointID)
}

// OnEndpointDisconnect implements endpoint.FrameProcessor: it records
// the teardown reason so the Client wrapper installed via WrapClient
// can decide, once the barrier resolves, whether to suppress the
// OnDisconnected callback and attempt a reconnect instead. This must
// return quickly — it runs inside EndpointManager's disconnect
// barrier, bounded by endpoint.DisconnectBarrierTimeout.
func (m *Manager) OnEndpointDisconnect(client endpoint.Client, serviceID, endpointID string, barrier *sync.WaitGroup, reason channel.DisconnectReason) {
	m.mu.Lock()
	m.reasons[endpointID] = reason
	m.mu.Unlock()
}

// WrapClient returns a Client decorator for inner that intercepts
// OnDisconnected: an IO_ERROR teardown of a tracked endpoint starts a
// grace-window redial instead of forwarding immediately, calling
// inner.OnDisconnected exactly once only if that redial ultimately
// fails (spec §7). Every other disconnect (or an untracked endpoint)
// forwards unchanged.
func (m *Manager) WrapClient(inner endpoint.Client) endpoint.Client {
	return &guardedClient{m: m, inner: inner}
}

type guardedClient struct {
	m     *Manager
	inner endpoint.Client
}

func (g *guardedClient) OnConnectionInitiated(endpointID string, info []byte, incoming bool) {
	g.inner.OnConnectionInitiated(endpointID, info, incoming)
}

func (g *guardedClient) OnDisconnected(endpointID string) {
	m := g.m
	m.mu.Lock()
	reason := m.reasons[endpointID]
	delete(m.reasons, endpointID)
	te, tracked := m.tracked[endpointID]
	m.mu.Unlock()

	if reason != channel.ReasonIOError || !tracked {
		g.inner.OnDisconnected(endpointID)
		return
	}

	go m.attemptReconnect(g, endpointID, te)
}

// attemptReconnect implements the grace-window redial: an outgoing
// endpoint actively dials its last-known peer; an incoming endpoint
// waits passively for HandleIncomingIntroduction to deliver a fresh
// connection from the peer's own redial attempt. client is the
// guardedClient itself, re-registered as the endpoint's Client so a
// later disconnect of the revived endpoint is guarded the same way.
func (m *Manager) attemptReconnect(client endpoint.Client, endpointID string, te *trackedEndpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), m.graceWindow)
	defer cancel()

	var conn medium.Conn
	var err error
	if te.direction == endpoint.DirectionOutgoing {
		conn, err = m.dialReconnect(ctx, endpointID, te)
	} else {
		conn, err = m.awaitIncomingReconnect(ctx, endpointID)
	}

	if err != nil || conn == nil {
		log.Warn("autoreconnect: grace window expired", "endpoint", endpointID, "err", err)
		m.mu.Lock()
		destroyTokens(te)
		delete(m.tracked, endpointID)
		m.mu.Unlock()
		guarded, ok := client.(*guardedClient)
		if ok {
			guarded.inner.OnDisconnected(endpointID)
		} else {
			client.OnDisconnected(endpointID)
		}
		return
	}

	newCh := channel.New(te.serviceID, "auto-reconnect", te.mediumKind, conn)
	m.endpoints.RegisterEndpoint(client, endpointID, te.info, te.serviceID, te.direction, te.safeDisconnect, secureBytesValue(te.token), te.keepAliveInterval, te.keepAliveTimeout, newCh)
}

func (m *Manager) dialReconnect(ctx context.Context, endpointID string, te *trackedEndpoint) (medium.Conn, error) {
	md := m.mediums[te.mediumKind]
	if md == nil {
		return nil, errNoMedium(te.mediumKind)
	}
	conn, err := md.Dial(ctx, te.peer)
	if err != nil {
		return nil, err
	}
	ch := channel.New(te.serviceID, "auto-reconnect-bootstrap", te.mediumKind, conn)
	if err := ch.Write(&commands.AutoReconnect{
		Variant:         commands.AutoReconnectClientIntroduction,
		EndpointID:      endpointID,
		ConnectionToken: secureBytesValue(te.connectionToken),
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	cmd, _, err := ch.Read()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, ok := cmd.(*commands.AutoReconnect)
	if !ok || ack.Variant != commands.AutoReconnectClientIntroductionAck {
		_ = conn.Close()
		return nil, errUnexpectedFrame
	}
	return conn, nil
}

// awaitIncomingReconnect blocks until HandleIncomingIntroduction
// delivers a successfully-acked connection for endpointID, or ctx
// expires.
func (m *Manager) awaitIncomingReconnect(ctx context.Context, endpointID string) (medium.Conn, error) {
	ch := make(chan medium.Conn, 1)
	m.mu.Lock()
	m.inFlight[endpointID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, endpointID)
		m.mu.Unlock()
	}()

	select {
	case conn := <-ch:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleIncomingIntroduction is called by the façade's accept loop
// when a freshly accepted connection's first frame is an
// AUTO_RECONNECT ClientIntroduction instead of a ConnectionRequest. It
// validates the connection token against the tracked endpoint, acks,
// and hands the connection to the matching awaitIncomingReconnect
// call so RegisterEndpoint can revive the endpoint.
func (m *Manager) HandleIncomingIntroduction(conn medium.Conn, mediumKind medium.Kind, intro *commands.AutoReconnect) error {
	m.mu.Lock()
	te, tracked := m.tracked[intro.EndpointID]
	waiter := m.inFlight[intro.EndpointID]
	m.mu.Unlock()

	if !tracked || waiter == nil || string(secureBytesValue(te.connectionToken)) != string(intro.ConnectionToken) {
		return errUnexpectedFrame
	}

	ch := channel.New(te.serviceID, "auto-reconnect-bootstrap", mediumKind, conn)
	if err := ch.Write(&commands.AutoReconnect{
		Variant:    commands.AutoReconnectClientIntroductionAck,
		EndpointID: intro.EndpointID,
	}); err != nil {
		return err
	}

	select {
	case waiter <- conn:
	default:
	}
	return nil
}
