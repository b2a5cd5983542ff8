// Package awdl implements medium.Medium for Apple Wireless Direct
// Link. The credential bundle is {service_name, service_type,
// password} (spec.md §6); discovery is scoped mDNS-style lookup by
// service name with a bounded deadline (5s default per spec §5).
package awdl

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/medium/fakemedium"
)

// DefaultDiscoveryTimeout is spec §5's "AWDL upgrade discovery: 5s".
const DefaultDiscoveryTimeout = 5 * time.Second

// Medium implements medium.Medium for AWDL. Service discovery is
// delegated to a shared rendezvous registry the way fakemedium models
// mDNS-style scoped lookup; a real build swaps this for the platform
// Bonjour/AWDL APIs without changing callers.
type Medium struct {
	reg         *fakemedium.Registry
	bindAddr    string
	serviceType string

	mu       sync.Mutex
	listener net.Listener
	inner    *fakemedium.Medium
}

func New(reg *fakemedium.Registry, bindAddr, serviceType string) *Medium {
	return &Medium{reg: reg, bindAddr: bindAddr, serviceType: serviceType}
}

func (m *Medium) Kind() medium.Kind { return medium.KindAWDL }

func (m *Medium) StartAdvertising(ctx context.Context, adv medium.Advertisement) error {
	l, err := net.Listen("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("awdl: listen %s: %w", m.bindAddr, err)
	}
	m.mu.Lock()
	m.listener = l
	m.inner = fakemedium.New(m.reg, l.Addr().String())
	m.mu.Unlock()
	return m.inner.StartAdvertising(ctx, adv)
}

func (m *Medium) StopAdvertising() error {
	m.mu.Lock()
	inner := m.inner
	l := m.listener
	m.listener = nil
	m.inner = nil
	m.mu.Unlock()
	if inner != nil {
		inner.StopAdvertising()
	}
	if l != nil {
		return l.Close()
	}
	return nil
}

// StartDiscovery scopes the lookup to serviceName and stops surfacing
// peers once DefaultDiscoveryTimeout elapses, matching the target
// FSM's "Service found (name matches) before deadline" transition
// (spec §4.3).
func (m *Medium) StartDiscovery(ctx context.Context, serviceName string, found func(medium.PeerInfo)) error {
	dctx, cancel := context.WithTimeout(ctx, DefaultDiscoveryTimeout)
	go func() {
		<-dctx.Done()
		cancel()
	}()
	placeholder := fakemedium.New(m.reg, "awdl-scan-"+serviceName)
	return placeholder.StartDiscovery(dctx, serviceName, found)
}

func (m *Medium) StopDiscovery() error { return nil }

func (m *Medium) Accept(ctx context.Context) (medium.Conn, error) {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("awdl: not advertising")
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
			return nil, fmt.Errorf("awdl: accept: %w", r.err)
		}
		return wrap(r.c), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Medium) Dial(ctx context.Context, target medium.PeerInfo) (medium.Conn, error) {
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return nil, fmt.Errorf("awdl: dial %s: %w", target.Address, err)
	}
	return wrap(c), nil
}

func (m *Medium) Close() error { return m.StopAdvertising() }

type conn struct{ net.Conn }

func wrap(c net.Conn) medium.Conn { return &conn{c} }

func (c *conn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }
func (c *conn) MaxPacketSize() int { return 128 * 1024 }
func (c *conn) Technology() string { return "awdl" }
func (c *conn) Band() string       { return "5ghz" }
func (c *conn) Frequency() int32   { return 5200 }
