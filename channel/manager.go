package channel

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
)

// Manager maps endpoint-id -> current channel and implements the
// atomic-replace invariant from spec.md §4.2 and §3: replacing a
// channel atomically closes the previous one before the new one is
// exposed to readers.
type Manager struct {
	mu sync.Mutex

	entries map[string]*entry
}

type entry struct {
	current *Channel
	// history is a bounded ring of prior channels for diagnostics,
	// mirroring the teacher's use of eapache/queue for bounded
	// backlog bookkeeping.
	history *queue.Queue

	// stopWait is signalled by ReplaceChannelForEndpoint and by
	// RemoveChannel so a safe-disconnect FSM blocked waiting for a
	// channel transition can wake up.
	stopWaitCond *sync.Cond
	stopWaiting  bool
}

const maxHistory = 8

// NewManager constructs an empty channel registry.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

func newEntry() *entry {
	e := &entry{history: queue.New()}
	e.stopWaitCond = sync.NewCond(&sync.Mutex{})
	return e
}

// RegisterChannel installs ch as the endpoint's only channel. Returns
// an error if a channel is already registered (callers should use
// ReplaceChannelForEndpoint for upgrades/reconnects).
func (m *Manager) RegisterChannel(endpointID string, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[endpointID]; ok {
		return fmt.Errorf("channel: endpoint %q already registered", endpointID)
	}
	e := newEntry()
	e.current = ch
	m.entries[endpointID] = e
	return nil
}

// GetChannelForEndpoint returns the currently active channel, or nil
// if the endpoint isn't registered. Per the testable invariant in
// spec §8, this is always either the active channel or nil — never a
// closed, replaced channel.
func (m *Manager) GetChannelForEndpoint(endpointID string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[endpointID]
	if !ok {
		return nil
	}
	return e.current
}

// ReplaceChannelForEndpoint implements spec §4.2's atomic swap: the
// previous channel is closed with reason (UPGRADED or
// PREV_CHANNEL_DISCONNECTION_IN_RECONNECT) before newCh becomes
// visible to GetChannelForEndpoint. The encryption context is copied
// forward unless supportEncryptionDisabled is set.
func (m *Manager) ReplaceChannelForEndpoint(endpointID string, newCh *Channel, reason DisconnectReason, supportEncryptionDisabled bool) error {
	m.mu.Lock()
	e, ok := m.entries[endpointID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("channel: endpoint %q not registered", endpointID)
	}
	prev := e.current
	m.mu.Unlock()

	if prev != nil {
		if !supportEncryptionDisabled {
			if enc := prev.encryptionContext(); enc != nil {
				newCh.EnableEncryption(enc)
			}
		}
		// Close the predecessor before publishing, per the invariant
		// in spec §3 and §8: "the predecessor channel is closed with
		// reason UPGRADED before the successor is visible to reader
		// loops."
		_ = prev.Close()
	}

	m.mu.Lock()
	e.history.Add(historyRecord{channel: prev, reason: reason})
	for e.history.Length() > maxHistory {
		e.history.Remove()
	}
	e.current = newCh
	m.mu.Unlock()

	m.notifyStopWait(endpointID)
	return nil
}

type historyRecord struct {
	channel *Channel
	reason  DisconnectReason
}

// RemoveChannel unregisters the endpoint entirely, closing its current
// channel. Idempotent.
func (m *Manager) RemoveChannel(endpointID string) {
	m.mu.Lock()
	e, ok := m.entries[endpointID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.entries, endpointID)
	m.mu.Unlock()

	if e.current != nil {
		_ = e.current.Close()
	}
	m.notifyStopWaitEntry(e)
}

// WaitForStopWait blocks until ReplaceChannelForEndpoint or
// RemoveChannel signals the endpoint's condition, used by the
// safe-disconnect FSM (spec §4.1) when an endpoint is marked
// "stop-wait" pending a remote DISCONNECTION ack.
func (m *Manager) WaitForStopWait(endpointID string) {
	m.mu.Lock()
	e, ok := m.entries[endpointID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.stopWaitCond.L.Lock()
	for !e.stopWaiting {
		e.stopWaitCond.Wait()
	}
	e.stopWaiting = false
	e.stopWaitCond.L.Unlock()
}

func (m *Manager) notifyStopWait(endpointID string) {
	m.mu.Lock()
	e, ok := m.entries[endpointID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.notifyStopWaitEntry(e)
}

func (m *Manager) notifyStopWaitEntry(e *entry) {
	e.stopWaitCond.L.Lock()
	e.stopWaiting = true
	e.stopWaitCond.Broadcast()
	e.stopWaitCond.L.Unlock()
}

// HasEndpoint reports whether endpointID currently has a registered
// channel.
func (m *Manager) HasEndpoint(endpointID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[endpointID]
	return ok
}
