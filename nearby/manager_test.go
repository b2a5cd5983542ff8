package nearby

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/core/config"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/medium/fakemedium"
	"github.com/nearbymesh/nearbycore/payload"
	"github.com/nearbymesh/nearbycore/store"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

type noopLifecycle struct{}

func (noopLifecycle) OnConnectionInitiated(endpointID string, info []byte) {}

type collectingDiscovery struct {
	found chan string
}

func newCollectingDiscovery() *collectingDiscovery {
	return &collectingDiscovery{found: make(chan string, 8)}
}

func (d *collectingDiscovery) OnEndpointFound(endpointID string, info []byte) {
	d.found <- endpointID
}
func (d *collectingDiscovery) OnEndpointLost(endpointID string) {}

func newTestManager(t *testing.T, reg *fakemedium.Registry, addr string) *Manager {
	t.Helper()
	return newTestManagerWithStore(t, reg, addr, nil, false)
}

func newTestManagerWithStore(t *testing.T, reg *fakemedium.Registry, addr string, st *store.Store, unexpectedCleanup bool) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.AllowedMediums = config.AllowedMediums{}
	cfg.CustomSavePath = t.TempDir()
	cfg.UnexpectedPayloadCleanup = unexpectedCleanup

	md := fakemedium.New(reg, addr)
	mgrs := map[medium.Kind]medium.Medium{medium.KindFake: md}

	m, err := NewManager(cfg, mgrs, st, nil)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

// connectPeers drives a full advertise/discover/connect handshake
// between two in-process managers over a shared fakemedium registry,
// returning each side's resulting NearbyConnection.
func connectPeers(t *testing.T, ctx context.Context) (a, b *Manager, connA, connB *NearbyConnection) {
	t.Helper()
	reg := fakemedium.NewRegistry()
	a = newTestManager(t, reg, "peer-a")
	b = newTestManager(t, reg, "peer-b")
	return connectGivenPeers(t, ctx, a, b)
}

// connectGivenPeers drives the same advertise/discover/connect handshake
// as connectPeers but over two already-constructed managers, so tests
// that need non-default Manager options (a real store, cleanup enabled)
// can still reuse the handshake plumbing.
func connectGivenPeers(t *testing.T, ctx context.Context, a, b *Manager) (_, _ *Manager, connA, connB *NearbyConnection) {
	t.Helper()
	require.NoError(t, b.StartAdvertising(ctx, []byte("b-info"), AdvertisingOptions{Listener: noopLifecycle{}}))

	disc := newCollectingDiscovery()
	require.NoError(t, a.StartDiscovery(ctx, disc))

	var endpointID string
	select {
	case endpointID = <-disc.found:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery")
	}

	type result struct {
		conn *NearbyConnection
		err  error
	}
	resCh := make(chan result, 1)
	err := a.Connect(ctx, endpointID, []byte("a-info"), ConnectOptions{}, func(conn *NearbyConnection, err error) {
		resCh <- result{conn, err}
	})
	require.NoError(t, err)

	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		connA = r.conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connect to resolve")
	}

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, c := range b.connections {
			connB = c
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	return a, b, connA, connB
}

func TestConnectAndByteRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _, connA, connB := connectPeers(t, ctx)
	require.NotNil(t, connA)
	require.NotNil(t, connB)

	require.NoError(t, connA.Write([]byte("hello from a")))

	readCh := make(chan []byte, 1)
	go func() {
		blob, err := connB.Read()
		if err != nil {
			return
		}
		readCh <- blob
	}()

	select {
	case blob := <-readCh:
		assert.Equal(t, []byte("hello from a"), blob)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for byte round trip")
	}
}

// TestSafeDisconnectHappyPath drives scenario 6: both peers negotiate
// safe-disconnect on Connect, so closing one side's NearbyConnection
// must run the DISCONNECTION{req,ack} handshake rather than an
// unsafe, frame-less teardown, and both sides should end up with no
// registered connection for the endpoint.
func TestSafeDisconnectHappyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b, connA, connB := connectPeers(t, ctx)
	require.NotNil(t, connA)
	require.NotNil(t, connB)

	require.NoError(t, connA.Close())

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		_, stillThere := a.connections[connA.EndpointID]
		return !stillThere
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, stillThere := b.connections[connB.EndpointID]
		return !stillThere
	}, 2*time.Second, 10*time.Millisecond)
}

// TestConnectTimeoutFiresOnceThenIgnoresLateResolution drives scenario
// 4: a discovered peer accepts the dial and reads the
// ConnectionRequest but never answers with a ConnectionResponse. The
// configured connect deadline (shortened here so the test doesn't
// actually wait 60s) must fire exactly one callback with a null
// connection, and the ghost peer's belated response — delivered after
// the deadline — must be a no-op rather than a second callback.
func TestConnectTimeoutFiresOnceThenIgnoresLateResolution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := fakemedium.NewRegistry()

	cfg := config.Default()
	cfg.AllowedMediums = config.AllowedMediums{}
	cfg.CustomSavePath = t.TempDir()
	cfg.ConnectTimeoutMillis = 50
	md := fakemedium.New(reg, "discoverer")
	a, err := NewManager(cfg, map[medium.Kind]medium.Medium{medium.KindFake: md}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)

	ghost := fakemedium.New(reg, "ghost")
	require.NoError(t, ghost.StartAdvertising(ctx, medium.Advertisement{
		ServiceName: discoveryServiceID,
		Info:        []byte("ghost-info"),
		Attributes:  map[string]string{endpointIDAttr: "ghost-endpoint"},
	}))

	received := make(chan struct{}, 1)
	var respondCh *channel.Channel
	go func() {
		conn, err := ghost.Accept(ctx)
		if err != nil {
			return
		}
		ch := channel.New("ghost", "incoming", medium.KindFake, conn)
		if _, _, err := ch.Read(); err != nil {
			return
		}
		respondCh = ch
		received <- struct{}{}
	}()
	t.Cleanup(func() {
		if respondCh != nil {
			_ = respondCh.Close()
		}
	})

	disc := newCollectingDiscovery()
	require.NoError(t, a.StartDiscovery(ctx, disc))

	var endpointID string
	select {
	case endpointID = <-disc.found:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery")
	}

	type result struct {
		conn *NearbyConnection
		err  error
	}
	resCh := make(chan result, 4)
	require.NoError(t, a.Connect(ctx, endpointID, []byte("a-info"), ConnectOptions{}, func(conn *NearbyConnection, err error) {
		resCh <- result{conn, err}
	}))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ghost to receive the connection request")
	}

	var first result
	select {
	case first = <-resCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the connect timeout callback")
	}
	assert.Nil(t, first.conn)
	require.Error(t, first.err)
	var ce *ConnectError
	require.ErrorAs(t, first.err, &ce)
	assert.Equal(t, StatusTimeout, ce.Status)

	// Belated response, after the deadline already fired: must be a
	// complete no-op, not a second callback. A rejection status is
	// enough to drive dialAndConnect to its own resolvePending call
	// without needing a full handshake on the ghost side.
	require.NoError(t, respondCh.Write(&commands.ConnectionResponse{Status: 1}))

	select {
	case <-resCh:
		t.Fatal("Connect callback fired a second time on late resolution")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectToUnknownEndpointFails(t *testing.T) {
	ctx := context.Background()
	reg := fakemedium.NewRegistry()
	a := newTestManager(t, reg, "only-peer")

	err := a.Connect(ctx, "never-discovered", nil, ConnectOptions{}, func(*NearbyConnection, error) {})
	require.Error(t, err)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StatusEndpointUnknown, ce.Status)
}

func TestDuplicateAdvertisingRejected(t *testing.T) {
	ctx := context.Background()
	reg := fakemedium.NewRegistry()
	a := newTestManager(t, reg, "peer-a")

	require.NoError(t, a.StartAdvertising(ctx, []byte("info"), AdvertisingOptions{Listener: noopLifecycle{}}))
	err := a.StartAdvertising(ctx, []byte("info"), AdvertisingOptions{Listener: noopLifecycle{}})
	require.Error(t, err)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StatusAlreadyAdvertising, ce.Status)
}

// TestCancelDeliversCanceledAndForgetsRegistration exercises Cancel's
// own bookkeeping (synthetic Canceled delivery + deregistration) in
// isolation from a real in-flight transfer: a payload this small would
// otherwise race Cancel to a terminal Success over the in-memory pipe
// before the test ever gets to call it.
func TestCancelDeliversCanceledAndForgetsRegistration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _, connA, _ := connectPeers(t, ctx)
	require.NotNil(t, connA)

	listener := &collectingListener{}
	a.mu.Lock()
	a.payloadListeners[999] = listener
	a.payloadEndpoint[999] = connA.EndpointID
	a.mu.Unlock()

	a.Cancel(999)

	require.Len(t, listener.updates, 1)
	assert.Equal(t, payload.StatusCanceled, listener.last().Status)

	a.mu.Lock()
	_, stillListening := a.payloadListeners[999]
	_, stillHasEndpoint := a.payloadEndpoint[999]
	a.mu.Unlock()
	assert.False(t, stillListening)
	assert.False(t, stillHasEndpoint)
}

// TestCancelOnRealFileSendIssuesTerminalUpdateExactlyOnce drives
// scenario 2 against an actual file payload instead of synthetic map
// injection: Cancel is called twice back-to-back immediately after
// Send registers the payload. Whichever side wins the race against the
// real transfer (a synthetic Canceled from the first Cancel call, or a
// genuine Success racing ahead of it), the client-facing "CancelPayload
// issued exactly once" guarantee means exactly one terminal update ever
// reaches the listener and the second Cancel call is always a no-op.
func TestCancelOnRealFileSendIssuesTerminalUpdateExactlyOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _, connA, _ := connectPeers(t, ctx)
	require.NotNil(t, connA)

	srcPath := t.TempDir() + "/gift.bin"
	require.NoError(t, os.WriteFile(srcPath, bytes.Repeat([]byte("y"), 256*1024), 0o600))

	listener := &collectingListener{}
	err := a.Send(connA.EndpointID, &payload.Payload{ID: 555, Kind: payload.KindFile, FilePath: srcPath}, listener, config.TransportAny)
	require.NoError(t, err)

	a.Cancel(555)
	a.Cancel(555)

	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.updates) > 0 && listener.updates[len(listener.updates)-1].Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	listener.mu.Lock()
	terminal := 0
	for _, u := range listener.updates {
		if u.Status.Terminal() {
			terminal++
		}
	}
	listener.mu.Unlock()
	assert.Equal(t, 1, terminal, "a second Cancel on an already-forgotten payload id must never emit another terminal update")

	a.mu.Lock()
	_, stillListening := a.payloadListeners[555]
	_, stillHasEndpoint := a.payloadEndpoint[555]
	a.mu.Unlock()
	assert.False(t, stillListening)
	assert.False(t, stillHasEndpoint)
}

type collectingListener struct {
	mu      sync.Mutex
	updates []payload.Update
}

func (l *collectingListener) OnPayloadTransferUpdate(u payload.Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func (l *collectingListener) last() payload.Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updates[len(l.updates)-1]
}

// TestUnexpectedFileCleanupQueuesPathWithStore exercises the "receiver
// never pre-registered a listener for this file payload" path end to
// end: the receiving Manager's unexpectedFileListener must, once the
// transfer lands, hand the materialized path to the store's
// unknown-paths set for external cleanup.
func TestUnexpectedFileCleanupQueuesPathWithStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(t.TempDir() + "/cleanup.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := fakemedium.NewRegistry()
	a := newTestManagerWithStore(t, reg, "peer-a", nil, false)
	b := newTestManagerWithStore(t, reg, "peer-b", st, true)

	_, _, connA, _ := connectGivenPeers(t, ctx, a, b)
	require.NotNil(t, connA)

	srcPath := t.TempDir() + "/gift.bin"
	require.NoError(t, os.WriteFile(srcPath, []byte("surprise payload"), 0o600))

	listener := &collectingListener{}
	err = a.Send(connA.EndpointID, &payload.Payload{ID: 4242, Kind: payload.KindFile, FilePath: srcPath}, listener, config.TransportAny)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.updates) > 0 && listener.updates[len(listener.updates)-1].Status == payload.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(st.GetAndClearUnknownFilePathsToDelete()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestUnexpectedFileCleanupIgnoredWithoutStore guards the nil-store
// path: a Manager constructed without a store must not crash when an
// unclaimed file payload arrives, even with cleanup enabled.
func TestUnexpectedFileCleanupIgnoredWithoutStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := fakemedium.NewRegistry()
	a := newTestManagerWithStore(t, reg, "peer-a", nil, false)
	b := newTestManagerWithStore(t, reg, "peer-b", nil, true)

	_, _, connA, _ := connectGivenPeers(t, ctx, a, b)
	require.NotNil(t, connA)

	srcPath := t.TempDir() + "/gift.bin"
	require.NoError(t, os.WriteFile(srcPath, []byte("surprise payload"), 0o600))

	listener := &collectingListener{}
	assert.NotPanics(t, func() {
		_ = a.Send(connA.EndpointID, &payload.Payload{ID: 4343, Kind: payload.KindFile, FilePath: srcPath}, listener, config.TransportAny)
		time.Sleep(50 * time.Millisecond)
	})
}
