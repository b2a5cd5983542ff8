package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nearbymesh/nearbycore/wire/commands"
)

type commandMarshaler = commands.Command

// MaxFrameSize bounds a single encoded frame, defending the reader
// loop against a corrupt length prefix turning into an unbounded
// allocation.
const MaxFrameSize = 32 * 1024 * 1024

// WriteCommand writes a 4-byte big-endian length prefix followed by
// the encoded command, the simplest delimiting scheme for a
// byte-stream medium (TCP-like BT/WiFi-LAN/WiFi-Hotspot/AWDL/WebRTC
// sockets).
func WriteCommand(w io.Writer, cmd commandMarshaler) error {
	payload, err := Encode(cmd)
	if err != nil {
		return err
	}
	return writeFrameBytes(w, payload)
}

// ReadCommand reads and decodes one length-delimited frame.
func ReadCommand(r io.Reader) (commandMarshaler, error) {
	raw, err := readFrameBytes(r)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// WriteRaw frames an already-encoded (and possibly encrypted) payload.
// Channel uses this directly so it can encrypt the CBOR bytes before
// they hit the wire.
func WriteRaw(w io.Writer, payload []byte) error { return writeFrameBytes(w, payload) }

// ReadRaw reads one length-delimited frame without decoding it,
// letting the caller decrypt before calling Decode.
func ReadRaw(r io.Reader) ([]byte, error) { return readFrameBytes(r) }

func writeFrameBytes(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// readFrameBytes reads one length-delimited frame's raw payload.
func readFrameBytes(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds max %d", ErrInvalidProtocolBuffer, n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return buf, nil
}
