package autoreconnect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/endpoint"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/medium/fakemedium"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

type fakeClient struct {
	mu          sync.Mutex
	initiated   []string
	disconnects []string
}

func (c *fakeClient) OnConnectionInitiated(endpointID string, info []byte, incoming bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initiated = append(c.initiated, endpointID)
}

func (c *fakeClient) OnDisconnected(endpointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects = append(c.disconnects, endpointID)
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.disconnects)
}

func (c *fakeClient) initiatedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.initiated)
}

func dialSeed(t *testing.T, reg *fakemedium.Registry, hostAddr, guestAddr string) (medium.Conn, medium.Conn) {
	t.Helper()
	host := fakemedium.New(reg, hostAddr)
	guest := fakemedium.New(reg, guestAddr)
	require.NoError(t, host.StartAdvertising(context.Background(), medium.Advertisement{ServiceName: hostAddr + "-svc"}))

	type res struct {
		c   medium.Conn
		err error
	}
	acceptCh := make(chan res, 1)
	go func() {
		c, err := host.Accept(context.Background())
		acceptCh <- res{c, err}
	}()
	guestConn, err := guest.Dial(context.Background(), medium.PeerInfo{ServiceName: hostAddr + "-svc", Address: hostAddr})
	require.NoError(t, err)
	r := <-acceptCh
	require.NoError(t, r.err)
	return r.c, guestConn
}

func TestOutgoingEndpointReconnectsWithinGraceWindow(t *testing.T) {
	reg := fakemedium.NewRegistry()
	hostConn, guestConn := dialSeed(t, reg, "seed-host", "seed-guest")

	channels := channel.NewManager()
	endpoints := endpoint.NewManager(channels)
	initiatorMedium := fakemedium.New(reg, "initiator-addr")
	mediums := map[medium.Kind]medium.Medium{medium.KindFake: initiatorMedium}

	mgr := NewManager(channels, endpoints, mediums, 2*time.Second)
	client := &fakeClient{}
	wrapped := mgr.WrapClient(client)

	seedCh := channel.New("svc", "seed", medium.KindFake, guestConn)
	endpoints.RegisterEndpoint(wrapped, "E1", []byte("info"), "svc", endpoint.DirectionOutgoing, false, []byte("tok"), time.Minute, time.Minute, seedCh)
	require.Equal(t, 1, client.initiatedCount())

	guestMedium := fakemedium.New(reg, "guest-addr")
	require.NoError(t, guestMedium.StartAdvertising(context.Background(), medium.Advertisement{ServiceName: "guest-svc"}))
	mgr.TrackEndpoint("E1", "svc", endpoint.DirectionOutgoing, medium.KindFake,
		medium.PeerInfo{ServiceName: "guest-svc", Address: "guest-addr"},
		[]byte("info"), []byte("tok"), []byte("ctok"), false, time.Minute, time.Minute)

	go func() {
		conn, err := guestMedium.Accept(context.Background())
		if err != nil {
			return
		}
		tmpCh := channel.New("svc", "tmp", medium.KindFake, conn)
		cmd, _, err := tmpCh.Read()
		if err != nil {
			return
		}
		intro, ok := cmd.(*commands.AutoReconnect)
		if !ok || intro.Variant != commands.AutoReconnectClientIntroduction {
			return
		}
		_ = tmpCh.Write(&commands.AutoReconnect{Variant: commands.AutoReconnectClientIntroductionAck, EndpointID: "E1"})
	}()

	endpoints.DiscardEndpoint(wrapped, "E1", channel.ReasonIOError)
	_ = hostConn

	require.Eventually(t, func() bool {
		return client.initiatedCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, client.disconnectCount())
}

func TestIncomingEndpointGraceWindowExpiryNotifiesOnce(t *testing.T) {
	channels := channel.NewManager()
	endpoints := endpoint.NewManager(channels)
	mgr := NewManager(channels, endpoints, map[medium.Kind]medium.Medium{}, 80*time.Millisecond)
	client := &fakeClient{}
	wrapped := mgr.WrapClient(client)

	reg := fakemedium.NewRegistry()
	_, guestConn := dialSeed(t, reg, "seed-host2", "seed-guest2")
	seedCh := channel.New("svc", "seed", medium.KindFake, guestConn)
	endpoints.RegisterEndpoint(wrapped, "E2", []byte("info"), "svc", endpoint.DirectionIncoming, false, []byte("tok"), time.Minute, time.Minute, seedCh)

	mgr.TrackEndpoint("E2", "svc", endpoint.DirectionIncoming, medium.KindFake, medium.PeerInfo{}, []byte("info"), []byte("tok"), []byte("ctok"), false, time.Minute, time.Minute)

	endpoints.DiscardEndpoint(wrapped, "E2", channel.ReasonIOError)

	require.Eventually(t, func() bool {
		return client.disconnectCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, client.disconnectCount())
}

func TestUntrackWipesTokens(t *testing.T) {
	channels := channel.NewManager()
	endpoints := endpoint.NewManager(channels)
	mgr := NewManager(channels, endpoints, map[medium.Kind]medium.Medium{}, time.Second)

	mgr.TrackEndpoint("E4", "svc", endpoint.DirectionOutgoing, medium.KindFake, medium.PeerInfo{},
		[]byte("info"), []byte("tok"), []byte("ctok"), false, time.Minute, time.Minute)

	mgr.mu.Lock()
	te := mgr.tracked["E4"]
	mgr.mu.Unlock()
	require.NotNil(t, te)
	assert.Equal(t, []byte("tok"), secureBytesValue(te.token))

	mgr.Untrack("E4")
	assert.False(t, te.token.IsAlive())

	mgr.mu.Lock()
	_, stillTracked := mgr.tracked["E4"]
	mgr.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestHandleIncomingIntroductionRevivesEndpoint(t *testing.T) {
	channels := channel.NewManager()
	endpoints := endpoint.NewManager(channels)
	mgr := NewManager(channels, endpoints, map[medium.Kind]medium.Medium{}, 2*time.Second)
	client := &fakeClient{}
	wrapped := mgr.WrapClient(client)

	reg := fakemedium.NewRegistry()
	_, guestConn := dialSeed(t, reg, "seed-host3", "seed-guest3")
	seedCh := channel.New("svc", "seed", medium.KindFake, guestConn)
	endpoints.RegisterEndpoint(wrapped, "E3", []byte("info"), "svc", endpoint.DirectionIncoming, false, []byte("tok"), time.Minute, time.Minute, seedCh)
	mgr.TrackEndpoint("E3", "svc", endpoint.DirectionIncoming, medium.KindFake, medium.PeerInfo{}, []byte("info"), []byte("tok"), []byte("ctok"), false, time.Minute, time.Minute)

	endpoints.DiscardEndpoint(wrapped, "E3", channel.ReasonIOError)

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		_, ok := mgr.inFlight["E3"]
		mgr.mu.Unlock()
		return ok
	}, time.Second, 5*time.Millisecond)

	remoteMedium := fakemedium.New(reg, "remote-redialer")
	serverMedium := fakemedium.New(reg, "server-addr")
	require.NoError(t, serverMedium.StartAdvertising(context.Background(), medium.Advertisement{ServiceName: "server-svc"}))

	acceptCh := make(chan medium.Conn, 1)
	go func() {
		c, err := serverMedium.Accept(context.Background())
		if err == nil {
			acceptCh <- c
		}
	}()

	remoteConn, err := remoteMedium.Dial(context.Background(), medium.PeerInfo{ServiceName: "server-svc", Address: "server-addr"})
	require.NoError(t, err)
	tmpCh := channel.New("svc", "tmp", medium.KindFake, remoteConn)
	require.NoError(t, tmpCh.Write(&commands.AutoReconnect{Variant: commands.AutoReconnectClientIntroduction, EndpointID: "E3", ConnectionToken: []byte("ctok")}))

	serverConn := <-acceptCh
	serverTmpCh := channel.New("svc", "tmp", medium.KindFake, serverConn)
	cmd, _, err := serverTmpCh.Read()
	require.NoError(t, err)
	intro := cmd.(*commands.AutoReconnect)
	require.NoError(t, mgr.HandleIncomingIntroduction(serverConn, medium.KindFake, intro))

	require.Eventually(t, func() bool {
		return client.initiatedCount() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, client.disconnectCount())
}
