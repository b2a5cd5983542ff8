// Package wire implements the frame codec (spec.md §4 component D):
// encode/decode for the typed frames exchanged on an EndpointChannel.
// Frames are CBOR-tagged structs registered against a shared TagSet,
// the same technique the teacher's server/cborplugin/client.go uses
// to distinguish Request/Response/Parameters on one wire.
package wire

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	mpcodec "github.com/ugorji/go/codec"

	"github.com/nearbymesh/nearbycore/wire/commands"
)

var mpHandle = &mpcodec.MsgpackHandle{}

// Outcome mirrors the teacher's ExceptionOr<T> tagged-result idiom
// (spec §9 design notes: "do not use language-level exceptions for
// flow control"). Reader-loop callers switch on these sentinels.
var (
	// ErrInvalidProtocolBuffer is returned when a frame fails to parse.
	// Reader loops tolerate exactly one of these per medium (spec §4.1).
	ErrInvalidProtocolBuffer = errors.New("wire: invalid protocol buffer")

	// ErrIO wraps a lower-level read/write failure from the channel's
	// underlying stream.
	ErrIO = errors.New("wire: io error")

	// ErrInterrupted indicates the read was cancelled locally.
	ErrInterrupted = errors.New("wire: interrupted")
)

// envelope is the single on-wire struct; Body holds the CBOR-encoded
// concrete command, and Decode picks the concrete type to unmarshal it
// into by switching on Type.
type envelope struct {
	_    struct{} `cbor:",toarray"`
	Type commands.Type
	// Msgpack is true for AUTO_RECONNECT frames, which are encoded
	// with github.com/ugorji/go/codec instead of CBOR — a second,
	// narrower wire format reserved for the reconnect handshake only
	// (see SPEC_FULL.md §4.D).
	Msgpack bool
	Body    cbor.RawMessage
}

var tagSet = cbor.NewTagSet()

// Tag numbers drawn from the IANA "Unassigned" CBOR tag range, the
// same block server/cborplugin/client.go uses (1401-18299), offset to
// avoid collision with that plugin protocol's own tags.
const tagBase = 1450

func init() {
	register(commands.ConnectionRequest{}, tagBase+0)
	register(commands.ConnectionResponse{}, tagBase+1)
	register(commands.PayloadTransfer{}, tagBase+2)
	register(commands.BandwidthUpgradeNegotiation{}, tagBase+3)
	register(commands.KeepAlive{}, tagBase+4)
	register(commands.Disconnection{}, tagBase+5)
	register(commands.AutoReconnect{}, tagBase+6)
}

func register(v interface{}, tag uint64) {
	if err := tagSet.Add(
		cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
		reflect.TypeOf(v), tag,
	); err != nil {
		panic(fmt.Sprintf("wire: tag registration failed for %T: %v", v, err))
	}
}

var (
	encMode, _ = cbor.CTAP2EncOptions().EncModeWithTags(tagSet)
	decMode, _ = cbor.DecOptions{}.DecModeWithTags(tagSet)
)

// Encode serializes cmd into a length-delimited envelope ready to
// write to an EndpointChannel's output stream.
func Encode(cmd commands.Command) ([]byte, error) {
	env := envelope{Type: cmd.FrameType()}

	if ar, ok := cmd.(*commands.AutoReconnect); ok {
		var buf []byte
		if err := mpcodec.NewEncoderBytes(&buf, mpHandle).Encode(ar); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProtocolBuffer, err)
		}
		env.Msgpack = true
		env.Body = buf
	} else {
		body, err := encMode.Marshal(reflect.ValueOf(cmd).Elem().Interface())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProtocolBuffer, err)
		}
		env.Body = body
	}

	out, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProtocolBuffer, err)
	}
	return out, nil
}

// Decode parses a single frame. A malformed buffer yields
// ErrInvalidProtocolBuffer, matching spec §6's "A parse failure yields
// kInvalidProtocolBuffer".
func Decode(raw []byte) (commands.Command, error) {
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProtocolBuffer, err)
	}
	var cmd commands.Command
	switch env.Type {
	case commands.TypeConnectionRequest:
		cmd = &commands.ConnectionRequest{}
	case commands.TypeConnectionResponse:
		cmd = &commands.ConnectionResponse{}
	case commands.TypePayloadTransfer:
		cmd = &commands.PayloadTransfer{}
	case commands.TypeBandwidthUpgradeNegotiation:
		cmd = &commands.BandwidthUpgradeNegotiation{}
	case commands.TypeKeepAlive:
		cmd = &commands.KeepAlive{}
	case commands.TypeDisconnection:
		cmd = &commands.Disconnection{}
	case commands.TypeAutoReconnect:
		cmd = &commands.AutoReconnect{}
	default:
		return nil, fmt.Errorf("%w: unknown frame type %d", ErrInvalidProtocolBuffer, env.Type)
	}

	if env.Msgpack {
		if err := mpcodec.NewDecoderBytes(env.Body, mpHandle).Decode(cmd); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProtocolBuffer, err)
		}
		return cmd, nil
	}
	if err := decMode.Unmarshal(env.Body, cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProtocolBuffer, err)
	}
	return cmd, nil
}

// PacketMetadata accompanies every decoded frame, per spec §4.1's
// "Read one frame with packet-metadata."
type PacketMetadata struct {
	Medium string
	Size   int
}
