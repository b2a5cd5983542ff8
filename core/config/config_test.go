package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsKeepAliveOrdering(t *testing.T) {
	cfg := Default()
	cfg.KeepAliveIntervalMillis = 30000
	cfg.KeepAliveTimeoutMillis = 5000
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEqualKeepAliveBounds(t *testing.T) {
	cfg := Default()
	cfg.KeepAliveIntervalMillis = 5000
	cfg.KeepAliveTimeoutMillis = 5000
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownTransportType(t *testing.T) {
	cfg := Default()
	cfg.TransportType = TransportType("bogus")
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownDataUsage(t *testing.T) {
	cfg := Default()
	cfg.DataUsage = DataUsage("bogus")
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownPowerLevel(t *testing.T) {
	cfg := Default()
	cfg.PowerLevel = PowerLevel("bogus")
	assert.Error(t, cfg.Validate())
}

func TestKeepAliveDefaultsWhenUnset(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 5000, int(cfg.KeepAliveInterval().Milliseconds()))
	assert.Equal(t, 30000, int(cfg.KeepAliveTimeout().Milliseconds()))
}

func TestConnectTimeoutDefaultsWhenUnset(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 60000, int(cfg.ConnectTimeout().Milliseconds()))

	cfg.ConnectTimeoutMillis = 50
	assert.Equal(t, 50*time.Millisecond, cfg.ConnectTimeout())
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nearbycore.toml")
	doc := `
keep_alive_interval_millis = 2000
keep_alive_timeout_millis = 20000
data_usage = "wifi_only"

[allowed_mediums]
webrtc = true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), cfg.KeepAliveIntervalMillis)
	assert.Equal(t, DataUsageWifiOnly, cfg.DataUsage)
	assert.True(t, cfg.AllowedMediums.WebRTC)
	// Untouched defaults survive the partial override.
	assert.True(t, cfg.AllowedMediums.Bluetooth)
	assert.Equal(t, PowerHigh, cfg.PowerLevel)
}

func TestLoadRejectsInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nearbycore.toml")
	require.NoError(t, os.WriteFile(path, []byte("power_level = \"extreme\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
