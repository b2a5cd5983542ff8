// Package ble implements medium.Medium for BLE: a connectionless
// advertisement phase (GAP) plus a reliable channel once paired
// (GATT). Both are modeled over TCP the way bluetooth and wifilan are,
// since the platform BLE stack is an external driver per spec.md §1.
package ble

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nearbymesh/nearbycore/medium"
)

type Medium struct {
	bindAddr string

	mu         sync.Mutex
	listener   net.Listener
	advertised bool
}

func New(bindAddr string) *Medium {
	return &Medium{bindAddr: bindAddr}
}

func (m *Medium) Kind() medium.Kind { return medium.KindBLE }

func (m *Medium) StartAdvertising(ctx context.Context, adv medium.Advertisement) error {
	l, err := net.Listen("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("ble: listen: %w", err)
	}
	m.mu.Lock()
	m.listener = l
	m.advertised = true
	m.mu.Unlock()
	return nil
}

func (m *Medium) StopAdvertising() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	err := m.listener.Close()
	m.listener = nil
	m.advertised = false
	return err
}

// BLE advertisement scanning (the fast-advertisement path, spec §4.6)
// is out of scope for this in-core driver; real scanning is delegated
// to the platform BLE stack. StartDiscovery is a no-op placeholder
// that satisfies the Medium interface for uniform BWU handler wiring.
func (m *Medium) StartDiscovery(ctx context.Context, serviceName string, found func(medium.PeerInfo)) error {
	return nil
}

func (m *Medium) StopDiscovery() error { return nil }

func (m *Medium) Accept(ctx context.Context) (medium.Conn, error) {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("ble: not advertising")
	}
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ble: accept: %w", r.err)
		}
		return wrap(r.c), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Medium) Dial(ctx context.Context, target medium.PeerInfo) (medium.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	c, err := d.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return nil, fmt.Errorf("ble: dial %s: %w", target.Address, err)
	}
	return wrap(c), nil
}

func (m *Medium) Close() error { return m.StopAdvertising() }

type conn struct{ net.Conn }

func wrap(c net.Conn) medium.Conn { return &conn{c} }

func (c *conn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }
func (c *conn) MaxPacketSize() int { return 244 } // typical BLE 4.2+ data length extension MTU
func (c *conn) Technology() string { return "ble" }
func (c *conn) Band() string       { return "2.4ghz" }
func (c *conn) Frequency() int32   { return 2440 }
