package nearby

import (
	"sync"

	"github.com/nearbymesh/nearbycore/core/xrand"
)

// NearbyConnection is the per-endpoint byte pipe exposed to clients
// (spec.md §4.6). Writes ship a bytes-payload through the façade;
// reads drain a FIFO fed by incoming unclaimed bytes payloads.
type NearbyConnection struct {
	EndpointID string

	m *Manager

	mu       sync.Mutex
	queue    [][]byte
	notEmpty *sync.Cond
	closed   bool

	closeOnce sync.Once
	onClose   func()
}

func newNearbyConnection(m *Manager, endpointID string, onClose func()) *NearbyConnection {
	c := &NearbyConnection{EndpointID: endpointID, m: m, onClose: onClose}
	c.notEmpty = sync.NewCond(&c.mu)
	return c
}

// deliver pushes a received blob onto the read queue, waking any
// blocked Read.
func (c *NearbyConnection) deliver(blob []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, blob)
	c.notEmpty.Signal()
	c.mu.Unlock()
}

// Read returns the next queued blob, blocking until one arrives or
// the connection is closed.
func (c *NearbyConnection) Read() ([]byte, error) {
	c.mu.Lock()
	for len(c.queue) == 0 && !c.closed {
		c.notEmpty.Wait()
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return nil, statusErr(StatusNotConnectedToEndpoint, nil)
	}
	blob := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()
	return blob, nil
}

// Write ships bytes to the remote endpoint as a bytes payload, the
// way spec §4.6 describes NearbyConnection.Write.
func (c *NearbyConnection) Write(data []byte) error {
	id, err := xrand.Int63n(1 << 62)
	if err != nil {
		return err
	}
	return c.m.sendBytes(c.EndpointID, id, data)
}

// Close triggers Disconnect and runs the disconnection listener
// exactly once. Idempotent per spec §8's round-trip law.
func (c *NearbyConnection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.notEmpty.Broadcast()
		c.mu.Unlock()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}
