package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nearbymesh/nearbycore/wire/commands"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []commands.Command{
		&commands.ConnectionRequest{EndpointID: "E1", EndpointInfo: []byte{0x0d, 0x07}},
		&commands.PayloadTransfer{Variant: commands.PayloadData, PayloadID: 689777, Offset: 0, Data: []byte("hello")},
		&commands.KeepAlive{},
		&commands.Disconnection{Req: true, Ack: false},
		&commands.BandwidthUpgradeNegotiation{
			Variant: commands.BWUUpgradePathAvailable,
			Credentials: &commands.UpgradeCredentials{
				Medium:      commands.UpgradeAWDL,
				ServiceName: "abcd1234",
				ServiceType: "_nearby._udp",
				Password:    "s3cr3t",
			},
		},
		&commands.AutoReconnect{Variant: commands.AutoReconnectClientIntroduction, EndpointID: "E1"},
	}

	for _, cmd := range cases {
		raw, err := Encode(cmd)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, cmd.FrameType(), got.FrameType())
	}
}

func TestDecodeInvalidProtocolBuffer(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrInvalidProtocolBuffer)
}

func TestWriteReadCommand(t *testing.T) {
	var buf bytes.Buffer
	cmd := &commands.KeepAlive{}
	require.NoError(t, WriteCommand(&buf, cmd))

	got, err := ReadCommand(&buf)
	require.NoError(t, err)
	require.Equal(t, commands.TypeKeepAlive, got.FrameType())
}

func TestReadCommandTruncated(t *testing.T) {
	_, err := ReadCommand(bytes.NewReader([]byte{0, 0}))
	require.ErrorIs(t, err, ErrIO)
}
