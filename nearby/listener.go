package nearby

import (
	"github.com/nearbymesh/nearbycore/core/config"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/payload"
)

// DiscoveryListener receives deduped endpoint-found/lost events (spec
// §4.6 "Discovery").
type DiscoveryListener interface {
	OnEndpointFound(endpointID string, info []byte)
	OnEndpointLost(endpointID string)
}

// ConnectionLifecycleListener is notified once a remote peer's incoming
// connection attempt has completed the handshake and been registered
// as a live endpoint (spec §4.6: every incoming attempt is accepted).
type ConnectionLifecycleListener interface {
	OnConnectionInitiated(endpointID string, info []byte)
}

// ConnectCallback fulfills a Connect() call exactly once, per spec
// §4.6's "fulfills the outgoing callback with the new NearbyConnection".
type ConnectCallback func(conn *NearbyConnection, err error)

// AdvertisingOptions bundles spec §4.6 StartAdvertising's parameters
// beyond the raw endpoint info bytes.
type AdvertisingOptions struct {
	PowerLevel      config.PowerLevel
	DataUsage       config.DataUsage
	UseStableID     bool
	Listener        ConnectionLifecycleListener
}

// ConnectOptions bundles spec §4.6 Connect's parameters beyond
// endpoint id/info.
type ConnectOptions struct {
	BluetoothMAC  []byte
	DataUsage     config.DataUsage
	TransportType config.TransportType
}

// kMinimumAdvertisementSize gates fast-advertisement UUID selection
// (spec §4.6): 1 (version/visibility byte) + salt + metadata-key hash.
const (
	saltSize             = 2
	metadataKeyHashSize  = 4
	kMinimumAdvertisementSize = 1 + saltSize + metadataKeyHashSize
)

// validBTMAC implements spec §8's boundary behavior: a MAC that is not
// exactly 6 bytes is treated as if none was supplied.
func validBTMAC(mac []byte) []byte {
	if len(mac) != 6 {
		return nil
	}
	return mac
}

// enabledMediumSet converts the config's explicit boolean allowlist
// into the map shape bwu.Policy gates on.
func enabledMediumSet(cfg *config.Config) map[medium.Kind]bool {
	return map[medium.Kind]bool{
		medium.KindBluetooth:   cfg.AllowedMediums.Bluetooth,
		medium.KindBLE:         cfg.AllowedMediums.BLE,
		medium.KindWifiLAN:     cfg.AllowedMediums.WifiLAN,
		medium.KindWifiHotspot: cfg.AllowedMediums.WifiHotspot,
		medium.KindAWDL:        true,
		medium.KindWebRTC:      cfg.AllowedMediums.WebRTC,
	}
}

func allowedMediumsFromConfig(cfg *config.Config, mediums map[medium.Kind]medium.Medium) []medium.Kind {
	var out []medium.Kind
	add := func(allowed bool, k medium.Kind) {
		if allowed {
			if _, ok := mediums[k]; ok {
				out = append(out, k)
			}
		}
	}
	add(cfg.AllowedMediums.Bluetooth, medium.KindBluetooth)
	add(cfg.AllowedMediums.BLE, medium.KindBLE)
	add(cfg.AllowedMediums.WifiLAN, medium.KindWifiLAN)
	add(cfg.AllowedMediums.WifiHotspot, medium.KindWifiHotspot)
	add(cfg.AllowedMediums.WebRTC, medium.KindWebRTC)
	// KindFake has no config surface (spec §6 names no such medium); it
	// is the in-memory stand-in the test suite dials instead of radio
	// hardware, so it is always allowed when wired in.
	add(true, medium.KindFake)
	return out
}

// unclaimedPayloadCleanup wires payload.Manager's UnclaimedHandler to
// the façade's unknown-paths tracking (spec §4.6 "Payload status
// routing").
type unclaimedPayloadCleanup struct {
	m *Manager
}

func (u *unclaimedPayloadCleanup) OnUnclaimedPayload(payloadID int64, kind payload.Kind, totalSize int64, fromEndpoint string) (payload.StatusListener, string, bool) {
	return u.m.handleUnclaimedPayload(payloadID, kind, totalSize, fromEndpoint)
}
