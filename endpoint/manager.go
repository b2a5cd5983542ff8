package endpoint

import (
	"sync"
	"time"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/core/xlog"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

// DisconnectBarrierTimeout is spec §4.1/§5's "waits ≤ 11s for the
// barrier" constant.
const DisconnectBarrierTimeout = 11 * time.Second

var log = xlog.New("endpoint")

// Manager is the EndpointManager (spec.md §4 component E).
type Manager struct {
	channels *channel.Manager
	exec     *serialExecutor

	mu        sync.Mutex
	endpoints map[string]*State

	procMu     sync.Mutex
	processors map[commands.Type]FrameProcessor
}

// NewManager constructs an EndpointManager bound to chanMgr, the
// EndpointChannelManager it delegates channel registration to.
func NewManager(chanMgr *channel.Manager) *Manager {
	return &Manager{
		channels:   chanMgr,
		exec:       newSerialExecutor(),
		endpoints:  make(map[string]*State),
		processors: make(map[commands.Type]FrameProcessor),
	}
}

// RegisterFrameProcessor installs processor for frameType, replacing
// any previous registration. Spec §4.1: "compare by instance
// identity" governs Unregister, not Register.
func (m *Manager) RegisterFrameProcessor(frameType commands.Type, processor FrameProcessor) {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	m.processors[frameType] = processor
}

// UnregisterFrameProcessor removes processor only if it is still the
// one currently registered for frameType (identity comparison).
func (m *Manager) UnregisterFrameProcessor(frameType commands.Type, processor FrameProcessor) {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	if current, ok := m.processors[frameType]; ok && sameProcessor(current, processor) {
		delete(m.processors, frameType)
	}
}

func sameProcessor(a, b FrameProcessor) bool { return a == b }

func (m *Manager) processorFor(t commands.Type) FrameProcessor {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	return m.processors[t]
}

// RegisterEndpoint installs ch as the endpoint's active channel and
// starts its reader and keep-alive loops (spec §4.1). If endpointID
// already has state, it is torn down first via RemoveEndpointState.
func (m *Manager) RegisterEndpoint(
	client Client,
	endpointID string,
	info []byte,
	serviceID string,
	direction Direction,
	safeDisconnect bool,
	token []byte,
	keepAliveInterval, keepAliveTimeout time.Duration,
	ch *channel.Channel,
) {
	m.exec.PostAndWait(func() {
		if _, exists := m.endpoints[endpointID]; exists {
			m.removeEndpointStateLocked(client, endpointID, channel.ReasonUnfinished, false)
		}

		st := newState(endpointID)
		st.Info = info
		st.Token = token
		st.ServiceID = serviceID
		st.Direction = direction
		st.SafeDisconnectCapable = safeDisconnect
		st.Client = client
		st.KeepAliveInterval = keepAliveInterval
		st.KeepAliveTimeout = keepAliveTimeout

		if err := m.channels.RegisterChannel(endpointID, ch); err != nil {
			log.Error("register channel", "endpoint", endpointID, "err", err)
			return
		}

		m.mu.Lock()
		m.endpoints[endpointID] = st
		m.mu.Unlock()

		st.Go(func() { m.readerLoop(st) })
		st.Go(func() { m.keepAliveLoop(st) })

		client.OnConnectionInitiated(endpointID, info, direction == DirectionIncoming)
	})
}

// UnregisterEndpoint synchronously tears endpointID down with reason
// LOCAL_DISCONNECTION (spec §4.1).
func (m *Manager) UnregisterEndpoint(client Client, endpointID string) {
	m.exec.PostAndWait(func() {
		m.mu.Lock()
		st, ok := m.endpoints[endpointID]
		m.mu.Unlock()
		notify := ok
		_ = st
		m.removeEndpointStateLocked(client, endpointID, channel.ReasonLocalDisconnection, notify)
	})
}

// DiscardEndpoint is the async variant callable from I/O threads; it
// must never block the caller on a processor callback (spec §4.1
// deadlock-avoidance note).
func (m *Manager) DiscardEndpoint(client Client, endpointID string, reason channel.DisconnectReason) {
	m.exec.Post(func() {
		m.removeEndpointStateLocked(client, endpointID, reason, true)
	})
}

// removeEndpointStateLocked runs on the serial executor goroutine.
func (m *Manager) removeEndpointStateLocked(client Client, endpointID string, reason channel.DisconnectReason, notify bool) {
	m.mu.Lock()
	st, ok := m.endpoints[endpointID]
	if ok {
		delete(m.endpoints, endpointID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.channels.RemoveChannel(endpointID)
	st.Halt()

	barrier := &sync.WaitGroup{}
	m.procMu.Lock()
	procs := make([]FrameProcessor, 0, len(m.processors))
	for _, p := range m.processors {
		procs = append(procs, p)
	}
	m.procMu.Unlock()

	barrier.Add(len(procs))
	for _, p := range procs {
		p := p
		go func() {
			defer barrier.Done()
			p.OnEndpointDisconnect(client, st.ServiceID, endpointID, barrier, reason)
		}()
	}

	waitCh := make(chan struct{})
	go func() { barrier.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(DisconnectBarrierTimeout):
		log.Warn("disconnect barrier timed out", "endpoint", endpointID)
	}

	if notify {
		client.OnDisconnected(endpointID)
	}
}

// Get returns the endpoint's current state, or nil.
func (m *Manager) Get(endpointID string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoints[endpointID]
}

// SendPayloadChunk attempts to write cmd on each target endpoint's
// current channel, returning the subset that failed (spec §4.1).
func (m *Manager) SendPayloadChunk(targets []string, cmd *commands.PayloadTransfer) []string {
	return m.sendToAll(targets, cmd)
}

// SendControlMessage encodes and writes a CONTROL PayloadTransfer to
// every target endpoint, returning those that failed.
func (m *Manager) SendControlMessage(targets []string, payloadID int64, ctrl commands.ControlType) []string {
	cmd := &commands.PayloadTransfer{Variant: commands.PayloadControl, PayloadID: payloadID, Control: ctrl}
	return m.sendToAll(targets, cmd)
}

func (m *Manager) sendToAll(targets []string, cmd *commands.PayloadTransfer) []string {
	var failed []string
	for _, id := range targets {
		ch := m.channels.GetChannelForEndpoint(id)
		if ch == nil {
			failed = append(failed, id)
			continue
		}
		if err := ch.Write(cmd); err != nil {
			failed = append(failed, id)
		}
	}
	return failed
}

// Shutdown halts the serial executor and every remaining endpoint's
// workers. After it returns no further client callback is delivered
// (spec §8 invariant).
func (m *Manager) Shutdown(client Client) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.endpoints))
	for id := range m.endpoints {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.DiscardEndpoint(client, id, channel.ReasonShutdown)
	}
	m.exec.PostAndWait(func() {})
	m.exec.Stop()
}
