// Package config loads and validates the nearbycore TOML configuration
// document: the recognized options table in spec.md §6. Loading mirrors
// the teacher's own TOML-based client/server configuration.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// TransportType gates TransferManager and hotspot selection (spec §6).
type TransportType string

const (
	TransportAny                       TransportType = "any"
	TransportHighQuality               TransportType = "high_quality"
	TransportHighQualityNonDisruptive  TransportType = "high_quality_non_disruptive"
)

// DataUsage is the policy for internet-requiring mediums (spec §6).
type DataUsage string

const (
	DataUsageOffline  DataUsage = "offline"
	DataUsageWifiOnly DataUsage = "wifi_only"
	DataUsageOnline   DataUsage = "online"
)

// PowerLevel gates BT/BLE/WebRTC listening (spec §6).
type PowerLevel string

const (
	PowerLow  PowerLevel = "low"
	PowerHigh PowerLevel = "high"
)

// AllowedMediums is the explicit boolean set from spec §6.
type AllowedMediums struct {
	Bluetooth    bool `toml:"bluetooth"`
	BLE          bool `toml:"ble"`
	WebRTC       bool `toml:"webrtc"`
	WifiLAN      bool `toml:"wifi_lan"`
	WifiHotspot  bool `toml:"wifi_hotspot"`
}

// Config is the concrete Go struct backing spec §6's "recognized
// options" table.
type Config struct {
	KeepAliveIntervalMillis int64          `toml:"keep_alive_interval_millis"`
	KeepAliveTimeoutMillis  int64          `toml:"keep_alive_timeout_millis"`
	ConnectTimeoutMillis    int64          `toml:"connect_timeout_millis"`
	AllowedMediums          AllowedMediums `toml:"allowed_mediums"`
	AutoUpgradeBandwidth    bool           `toml:"auto_upgrade_bandwidth"`
	EnforceTopologyConstraints bool        `toml:"enforce_topology_constraints"`
	EnableBluetoothListening   bool        `toml:"enable_bluetooth_listening"`
	EnableWebRTCListening      bool        `toml:"enable_webrtc_listening"`
	UseStableEndpointID        bool        `toml:"use_stable_endpoint_id"`
	NonDisruptiveHotspotMode   bool        `toml:"non_disruptive_hotspot_mode"`
	TransportType              TransportType `toml:"transport_type"`
	DataUsage                  DataUsage     `toml:"data_usage"`
	PowerLevel                 PowerLevel    `toml:"power_level"`
	CustomSavePath              string      `toml:"custom_save_path"`
	UnexpectedPayloadCleanup     bool       `toml:"unexpected_payload_cleanup"`
	AnalyticsPostgresDSN         string     `toml:"analytics_postgres_dsn"`
	AnalyticsListenAddr          string     `toml:"analytics_listen_addr"`
}

// KeepAliveInterval returns the configured interval, defaulting per
// spec §5 to 5s.
func (c *Config) KeepAliveInterval() time.Duration {
	if c.KeepAliveIntervalMillis <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.KeepAliveIntervalMillis) * time.Millisecond
}

// KeepAliveTimeout returns the configured timeout, defaulting per
// spec §5 to 30s.
func (c *Config) KeepAliveTimeout() time.Duration {
	if c.KeepAliveTimeoutMillis <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.KeepAliveTimeoutMillis) * time.Millisecond
}

// ConnectTimeout returns the configured Connect deadline, defaulting
// per spec §5/§8 scenario 4 to 60s. Tests shorten this to avoid a
// real 60-second wait; production code leaves it at the default.
func (c *Config) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMillis <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ConnectTimeoutMillis) * time.Millisecond
}

// Default returns a Config with the spec's stated defaults.
func Default() *Config {
	return &Config{
		KeepAliveIntervalMillis: 5000,
		KeepAliveTimeoutMillis:  30000,
		AllowedMediums: AllowedMediums{
			Bluetooth:   true,
			BLE:         true,
			WifiLAN:     true,
			WifiHotspot: true,
			WebRTC:      false,
		},
		AutoUpgradeBandwidth:       false,
		EnforceTopologyConstraints: true,
		TransportType:              TransportAny,
		DataUsage:                  DataUsageOnline,
		PowerLevel:                 PowerHigh,
		UnexpectedPayloadCleanup:   true,
	}
}

// Load parses a TOML document at path into a Config seeded with
// Default(), so unset fields keep sane behavior.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate enforces the boundary constraints spec.md calls out.
func (c *Config) Validate() error {
	if c.KeepAliveTimeout() <= c.KeepAliveInterval() {
		return fmt.Errorf("config: keep_alive_timeout_millis must exceed keep_alive_interval_millis")
	}
	switch c.TransportType {
	case "", TransportAny, TransportHighQuality, TransportHighQualityNonDisruptive:
	default:
		return fmt.Errorf("config: unrecognized transport_type %q", c.TransportType)
	}
	switch c.DataUsage {
	case "", DataUsageOffline, DataUsageWifiOnly, DataUsageOnline:
	default:
		return fmt.Errorf("config: unrecognized data_usage %q", c.DataUsage)
	}
	switch c.PowerLevel {
	case "", PowerLow, PowerHigh:
	default:
		return fmt.Errorf("config: unrecognized power_level %q", c.PowerLevel)
	}
	return nil
}
