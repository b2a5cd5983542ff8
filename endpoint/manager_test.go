package endpoint

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/medium/fakemedium"
	"github.com/nearbymesh/nearbycore/wire"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

func TestMain(m *testing.M) {
	channel.EncryptionRaceRetryDeadline = 20 * time.Millisecond
	channel.EncryptionRacePollInterval = time.Millisecond
	os.Exit(m.Run())
}

type fakeClient struct {
	mu            sync.Mutex
	initiated     []string
	disconnected  []string
}

func (c *fakeClient) OnConnectionInitiated(endpointID string, info []byte, incoming bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initiated = append(c.initiated, endpointID)
}

func (c *fakeClient) OnDisconnected(endpointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = append(c.disconnected, endpointID)
}

func dialedChannels(t *testing.T) (*channel.Channel, *channel.Channel) {
	t.Helper()
	reg := fakemedium.NewRegistry()
	host := fakemedium.New(reg, "host-addr")
	require.NoError(t, host.StartAdvertising(nil, medium.Advertisement{ServiceName: "svc"}))

	acceptCh := make(chan medium.Conn, 1)
	go func() {
		c, err := host.Accept(context.Background())
		require.NoError(t, err)
		acceptCh <- c
	}()

	guest := fakemedium.New(reg, "guest-addr")
	time.Sleep(5 * time.Millisecond)
	clientConn, err := guest.Dial(context.Background(), medium.PeerInfo{ServiceName: "svc", Address: "host-addr"})
	require.NoError(t, err)

	serverConn := <-acceptCh
	clientCh := channel.New("svc", "ch", medium.KindFake, clientConn)
	serverCh := channel.New("svc", "ch", medium.KindFake, serverConn)
	return clientCh, serverCh
}

func TestRegisterEndpointInvokesOnConnectionInitiated(t *testing.T) {
	clientCh, serverCh := dialedChannels(t)
	defer clientCh.Close()
	defer serverCh.Close()

	mgr := NewManager(channel.NewManager())
	cl := &fakeClient{}
	mgr.RegisterEndpoint(cl, "E1", []byte("info"), "svc", DirectionOutgoing, false, nil, 50*time.Millisecond, 500*time.Millisecond, clientCh)

	time.Sleep(10 * time.Millisecond)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	assert.Equal(t, []string{"E1"}, cl.initiated)
}

func TestReaderLoopDispatchesToRegisteredProcessor(t *testing.T) {
	clientCh, serverCh := dialedChannels(t)
	defer clientCh.Close()

	mgr := NewManager(channel.NewManager())
	cl := &fakeClient{}
	mgr.RegisterEndpoint(cl, "E1", nil, "svc", DirectionOutgoing, false, nil, 50*time.Millisecond, 500*time.Millisecond, clientCh)

	received := make(chan *commands.PayloadTransfer, 1)
	mgr.RegisterFrameProcessor(commands.TypePayloadTransfer, procFunc{
		onFrame: func(cmd commands.Command, endpointID string, c Client, md medium.Kind, meta wire.PacketMetadata) {
			received <- cmd.(*commands.PayloadTransfer)
		},
	})

	require.NoError(t, serverCh.Write(&commands.PayloadTransfer{PayloadID: 42}))

	select {
	case pt := <-received:
		assert.Equal(t, int64(42), pt.PayloadID)
	case <-time.After(time.Second):
		t.Fatal("frame not dispatched")
	}
}

func TestTwoInvalidFramesOnSameMediumTerminatesLoop(t *testing.T) {
	clientCh, serverCh := dialedChannels(t)
	defer clientCh.Close()

	mgr := NewManager(channel.NewManager())
	cl := &fakeClient{}
	mgr.RegisterEndpoint(cl, "E1", nil, "svc", DirectionOutgoing, false, nil, time.Second, time.Second, clientCh)

	garbage := []byte{1, 2, 3}
	require.NoError(t, wire.WriteRaw(serverCh.UnderlyingConn(), garbage))
	require.NoError(t, wire.WriteRaw(serverCh.UnderlyingConn(), garbage))

	require.Eventually(t, func() bool {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		return len(cl.disconnected) == 1
	}, time.Second, 5*time.Millisecond, "reader loop should discard the endpoint after two invalid frames")
}

type procFunc struct {
	onFrame func(cmd commands.Command, endpointID string, c Client, md medium.Kind, meta wire.PacketMetadata)
}

func (p procFunc) OnIncomingFrame(cmd commands.Command, endpointID string, c Client, md medium.Kind, meta wire.PacketMetadata) {
	if p.onFrame != nil {
		p.onFrame(cmd, endpointID, c, md, meta)
	}
}

func (p procFunc) OnEndpointDisconnect(client Client, serviceID, endpointID string, barrier *sync.WaitGroup, reason channel.DisconnectReason) {
}
