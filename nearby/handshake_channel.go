package nearby

import (
	"github.com/nearbymesh/nearbycore/channel"
	"github.com/nearbymesh/nearbycore/wire"
)

// handshakeChannel adapts a fresh channel.Channel's underlying raw
// connection to handshake.RawChannel: the handshake's opaque messages
// are exchanged before any Command framing exists, using the same
// length-delimited raw write/read the channel package itself uses.
type handshakeChannel struct {
	ch *channel.Channel
}

func (h handshakeChannel) WriteHandshakeMessage(msg []byte) error {
	return wire.WriteRaw(h.ch.UnderlyingConn(), msg)
}

func (h handshakeChannel) ReadHandshakeMessage() ([]byte, error) {
	return wire.ReadRaw(h.ch.UnderlyingConn())
}
