package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutDSNDisablesPostgres(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NoError(t, s.Close())
}

func TestNewRejectsUnparsableDSN(t *testing.T) {
	_, err := New("postgres://%zz")
	assert.Error(t, err)
}

// A nil *Sink is the zero value handed out whenever a caller skips
// analytics entirely; every method must stay a safe no-op.
func TestNilSinkIsSafe(t *testing.T) {
	var s *Sink
	assert.NotPanics(t, func() {
		s.RecordConnect("ep-1", "wifi_lan")
		s.RecordConnectLatency(50 * time.Millisecond)
		s.RecordDisconnect("ep-1")
		s.RecordSafeDisconnect("ep-1")
		s.RecordUpgrade("ep-1", "wifi_lan", "success")
		s.RecordPayloadBytes("out", 1024)
		assert.NoError(t, s.Close())
	})
}

func TestSinkWithoutDSNRecordsWithoutPanicking(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		s.RecordConnect("ep-2", "bluetooth")
		s.RecordConnectLatency(time.Second)
		s.RecordDisconnect("ep-2")
		s.RecordSafeDisconnect("ep-2")
		s.RecordUpgrade("ep-2", "bluetooth", "failure")
		s.RecordPayloadBytes("in", 2048)
	})
}
