// Package transfer implements the TransferManager (spec.md §4 component
// J): a per-endpoint outgoing-send queue that delays file sends until a
// high-quality medium is active, or kMediumUpgradeTimeout elapses.
package transfer

import (
	"sync"
	"time"

	channels "gopkg.in/eapache/channels.v1"

	"github.com/nearbymesh/nearbycore/core/worker"
	"github.com/nearbymesh/nearbycore/medium"
)

// MediumUpgradeTimeout is spec §5's "BWU medium-upgrade file-send
// gate: 10s".
const MediumUpgradeTimeout = 10 * time.Second

// Manager gates outgoing file payloads for a single endpoint. The
// deferred-send queue is a gopkg.in/eapache/channels.v1 InfiniteChannel,
// the same unbounded non-blocking producer/consumer primitive the
// teacher pulls in for its own backlog queues.
type Manager struct {
	worker.Worker

	endpointID string
	queue      *channels.InfiniteChannel

	mu       sync.Mutex
	started  bool
	flushed  bool
	timer    *time.Timer
}

// NewManager constructs a TransferManager for one endpoint.
func NewManager(endpointID string) *Manager {
	return &Manager{
		endpointID: endpointID,
		queue:      channels.NewInfiniteChannel(),
	}
}

// Send pushes a thunk to run once the gate opens. If the gate is
// already open, the thunk runs immediately (matching the teacher's
// "no queueing once flushed" fast path for infinite channels sized to
// their current backlog).
func (m *Manager) Send(task func()) {
	m.mu.Lock()
	if m.flushed {
		m.mu.Unlock()
		m.Go(task)
		return
	}
	m.mu.Unlock()
	m.queue.In() <- task
}

// StartTransfer arms the kMediumUpgradeTimeout deadline; if it fires
// before a high-quality medium shows up, queued thunks flush anyway
// (spec §4.4).
func (m *Manager) StartTransfer() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.timer = time.AfterFunc(MediumUpgradeTimeout, m.flush)
	m.mu.Unlock()
}

// OnMediumQualityChanged flushes the queue immediately when md is
// anything other than the seed BT/BLE mediums.
func (m *Manager) OnMediumQualityChanged(md medium.Kind) {
	if md.IsHighQuality() {
		m.flush()
	}
}

func (m *Manager) flush() {
	m.mu.Lock()
	if m.flushed {
		m.mu.Unlock()
		return
	}
	m.flushed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()

	out := m.queue.Out()
	m.queue.Close()
	for v := range out {
		task := v.(func())
		m.Go(task)
	}
}

// CancelTransfer drops all queued thunks without running them.
func (m *Manager) CancelTransfer() {
	m.mu.Lock()
	if m.flushed {
		m.mu.Unlock()
		return
	}
	m.flushed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()
	m.queue.Close()
}
