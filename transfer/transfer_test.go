package transfer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearbymesh/nearbycore/medium"
)

func TestSendQueuesUntilMediumUpgrade(t *testing.T) {
	m := NewManager("E1")
	var ran int32
	var wg sync.WaitGroup
	wg.Add(1)
	m.Send(func() { atomic.AddInt32(&ran, 1); wg.Done() })

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))

	m.OnMediumQualityChanged(medium.KindWifiLAN)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued thunk never ran after medium upgrade")
	}
}

func TestLowQualityMediumDoesNotFlush(t *testing.T) {
	m := NewManager("E1")
	var ran int32
	m.Send(func() { atomic.AddInt32(&ran, 1) })

	m.OnMediumQualityChanged(medium.KindBluetooth)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))

	m.OnMediumQualityChanged(medium.KindWifiLAN)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCancelTransferDropsQueuedThunks(t *testing.T) {
	m := NewManager("E1")
	var ran int32
	m.Send(func() { atomic.AddInt32(&ran, 1) })
	m.CancelTransfer()
	m.OnMediumQualityChanged(medium.KindWifiLAN)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestSendAfterFlushRunsImmediately(t *testing.T) {
	m := NewManager("E1")
	m.OnMediumQualityChanged(medium.KindAWDL)

	var ran int32
	m.Send(func() { atomic.AddInt32(&ran, 1) })
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, 5*time.Millisecond)
}
