// Package medium defines the uniform discover/advertise/accept/connect
// interface spec.md §2 row A asks for, plus the shared types every
// concrete driver (BT, BLE, WiFi-LAN, WiFi-Hotspot, AWDL, WebRTC, and
// the in-memory fakemedium used by tests) speaks.
package medium

import (
	"context"
	"io"
	"time"
)

// Kind identifies a concrete medium.
type Kind uint8

const (
	KindBluetooth Kind = iota
	KindBLE
	KindWifiLAN
	KindWifiHotspot
	KindAWDL
	KindWebRTC
	KindFake
)

func (k Kind) String() string {
	switch k {
	case KindBluetooth:
		return "bluetooth"
	case KindBLE:
		return "ble"
	case KindWifiLAN:
		return "wifi_lan"
	case KindWifiHotspot:
		return "wifi_hotspot"
	case KindAWDL:
		return "awdl"
	case KindWebRTC:
		return "webrtc"
	case KindFake:
		return "fake"
	default:
		return "unknown"
	}
}

// Quality buckets mediums for TransferManager's gate (spec §4.4): the
// seed mediums (BT/BLE) are low quality, everything else is high
// quality.
func (k Kind) IsHighQuality() bool {
	return k != KindBluetooth && k != KindBLE
}

// InternetRequiring mediums are gated by the DataUsage policy (spec §6).
func (k Kind) InternetRequiring() bool {
	return k == KindWebRTC
}

// PeerInfo is what discovery surfaces about a found peer: enough to
// dial it back.
type PeerInfo struct {
	ServiceName string
	Address     string
	Info        []byte
	Attributes  map[string]string
}

// Advertisement is what StartAdvertising publishes.
type Advertisement struct {
	ServiceName string
	Info        []byte
	Attributes  map[string]string
}

// Conn is a single full-duplex byte connection produced by Accept or
// Dial. It additionally reports link characteristics EndpointChannel
// needs (spec §3): technology/band/frequency and a medium-appropriate
// max packet size.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() string
	MaxPacketSize() int
	Technology() string
	Band() string
	Frequency() int32
	SetDeadline(t time.Time) error
}

// Medium is the uniform interface every driver implements.
type Medium interface {
	Kind() Kind

	StartAdvertising(ctx context.Context, adv Advertisement) error
	StopAdvertising() error

	StartDiscovery(ctx context.Context, serviceName string, found func(PeerInfo)) error
	StopDiscovery() error

	// Accept blocks until an incoming connection arrives or ctx is
	// cancelled. The caller (nearby's accept loop) bounds how many
	// accepted connections it handles at once (spec §5: "bounded pool,
	// <= 5 concurrent").
	Accept(ctx context.Context) (Conn, error)

	// Dial connects to a previously discovered peer.
	Dial(ctx context.Context, target PeerInfo) (Conn, error)

	// Close releases any OS resources (listening sockets, discovery
	// handles) held by the driver.
	Close() error
}

// MaxConcurrentAccepts bounds the accept-loop pool per spec §5.
const MaxConcurrentAccepts = 5
