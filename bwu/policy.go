package bwu

import "github.com/nearbymesh/nearbycore/medium"

// preferenceOrder is spec §4.3's initiator medium-selection order.
var preferenceOrder = []medium.Kind{
	medium.KindAWDL,
	medium.KindWifiLAN,
	medium.KindWifiHotspot,
	medium.KindWebRTC,
	medium.KindBluetooth,
}

// Policy gates which mediums SelectMedium is allowed to offer.
type Policy struct {
	// Enabled lists feature-flagged-on mediums. A medium absent from
	// this set (or explicitly false) is skipped.
	Enabled map[medium.Kind]bool

	// PeerSupports records which mediums the peer's advertised
	// capabilities include. A medium absent here is skipped.
	PeerSupports map[medium.Kind]bool

	// DataUsageOffline, when true, skips internet-requiring mediums
	// (WebRTC) per spec §6's data-usage policy.
	DataUsageOffline bool
}

// SelectMedium picks the highest-preference medium that passes every
// gate in spec §4.3: feature flag on, applicable to the peer's
// capabilities, not internet-requiring while offline, and distinct
// from the seed medium.
func (p Policy) SelectMedium(seed medium.Kind) (medium.Kind, bool) {
	for _, k := range preferenceOrder {
		if k == seed {
			continue
		}
		if !p.Enabled[k] {
			continue
		}
		if !p.PeerSupports[k] {
			continue
		}
		if p.DataUsageOffline && k.InternetRequiring() {
			continue
		}
		return k, true
	}
	return 0, false
}
