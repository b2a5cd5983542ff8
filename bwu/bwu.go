// Package bwu implements the Bandwidth-Upgrade (BWU) handler family
// (spec.md §4 component G): the initiator/target state machines that
// lift an endpoint's session from its seed medium onto a faster one,
// sharing one common base across BT/BLE/WiFi-LAN/WiFi-Hotspot/AWDL/
// WebRTC.
package bwu

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/nearbymesh/nearbycore/core/xlog"
	"github.com/nearbymesh/nearbycore/core/xrand"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/wire/commands"
)

var log = xlog.New("bwu")

// DiscoveryDeadline bounds how long a target waits for the upgraded
// medium's advertisement to appear (spec §4.3: "5s default for AWDL",
// applied uniformly across mediums here).
const DiscoveryDeadline = 5 * time.Second

// UpgradeTimeout bounds how long the initiator waits, in total, for
// the target to discover its advertisement and complete the
// ClientIntroduction handshake before reverting (spec §4.3's "Any ->
// Timeout/error -> Idle" transition).
const UpgradeTimeout = 30 * time.Second

// RevertGrace is how long a reverted initiator or target stays
// registered for its endpoint after it has already stopped advertising
// or discovering; until it expires, a new upgrade for that endpoint is
// refused.
const RevertGrace = 500 * time.Millisecond

// generateCredentials builds the per-medium credential bundle spec
// §4.3 specifies: service name = 8 random bytes hex; password = 16
// random bytes hex; service type = formatted 6-byte SHA-256-truncated
// hash of serviceID. Each medium that needs a bundle reuses this same
// shape, with the irrelevant fields left zero.
func generateCredentials(md commands.UpgradeMedium, serviceID string) (*commands.UpgradeCredentials, error) {
	serviceName, err := xrand.HexBytes(8)
	if err != nil {
		return nil, fmt.Errorf("bwu: service name: %w", err)
	}
	password, err := xrand.HexBytes(16)
	if err != nil {
		return nil, fmt.Errorf("bwu: password: %w", err)
	}
	sum := sha256.Sum256([]byte(serviceID))
	serviceType := fmt.Sprintf("_%x._tcp", sum[:6])

	creds := &commands.UpgradeCredentials{Medium: md}
	switch md {
	case commands.UpgradeAWDL:
		creds.ServiceName = serviceName
		creds.ServiceType = serviceType
		creds.Password = password
	case commands.UpgradeWifiHotspot:
		creds.SSID = serviceName
		creds.Password = password
		creds.Port = 0
	case commands.UpgradeWifiLAN:
		creds.IP = ""
	case commands.UpgradeWebRTC:
		creds.PeerID = serviceName
	case commands.UpgradeBluetooth, commands.UpgradeBLE:
		// No credential bundle: BT/BLE upgrades dial by MAC, supplied
		// by the caller once the new medium's Accept publishes it.
	}
	return creds, nil
}

// toUpgradeMedium maps a medium.Kind to its wire-frame counterpart.
func toUpgradeMedium(k medium.Kind) commands.UpgradeMedium {
	switch k {
	case medium.KindBluetooth:
		return commands.UpgradeBluetooth
	case medium.KindBLE:
		return commands.UpgradeBLE
	case medium.KindWifiLAN:
		return commands.UpgradeWifiLAN
	case medium.KindWifiHotspot:
		return commands.UpgradeWifiHotspot
	case medium.KindAWDL:
		return commands.UpgradeAWDL
	case medium.KindWebRTC:
		return commands.UpgradeWebRTC
	default:
		return commands.UpgradeBluetooth
	}
}
