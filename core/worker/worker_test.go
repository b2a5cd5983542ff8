package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerHaltWaitsForGoroutines(t *testing.T) {
	var w Worker
	started := make(chan struct{})
	done := make(chan struct{})

	w.Go(func() {
		close(started)
		<-w.HaltCh()
		close(done)
	})

	<-started
	w.Halt()

	select {
	case <-done:
	default:
		t.Fatal("Halt returned before goroutine observed HaltCh")
	}
}

func TestWorkerIsHalting(t *testing.T) {
	var w Worker
	require.False(t, w.IsHalting())
	w.Halt()
	require.True(t, w.IsHalting())
}

func TestWorkerHaltIdempotent(t *testing.T) {
	var w Worker
	w.Go(func() { <-w.HaltCh() })
	done := make(chan struct{})
	go func() {
		w.Halt()
		w.Halt()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("double Halt deadlocked")
	}
}
