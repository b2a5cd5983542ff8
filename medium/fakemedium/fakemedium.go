// Package fakemedium is a deterministic in-memory medium.Medium used
// by endpoint/bwu/nearby tests, standing in for a real radio the way
// the teacher's own tests dial 127.0.0.1 TCP sockets instead of real
// mix node hardware.
package fakemedium

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nearbymesh/nearbycore/medium"
)

// Registry is a shared rendezvous point multiple fakemedium instances
// use to find each other by service name, modeling discovery.
type Registry struct {
	mu    sync.Mutex
	byAdv map[string][]*Medium
}

func NewRegistry() *Registry {
	return &Registry{byAdv: make(map[string][]*Medium)}
}

func (r *Registry) advertise(name string, m *Medium) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAdv[name] = append(r.byAdv[name], m)
}

func (r *Registry) unadvertise(name string, m *Medium) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byAdv[name]
	for i, v := range list {
		if v == m {
			r.byAdv[name] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (r *Registry) find(name string) []*Medium {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Medium, len(r.byAdv[name]))
	copy(out, r.byAdv[name])
	return out
}

// Medium is a fake driver bound to one named peer inside a Registry.
type Medium struct {
	reg      *Registry
	selfAddr string

	mu        sync.Mutex
	advName   string
	advInfo   []byte
	advAttrs  map[string]string
	acceptCh  chan net.Conn
	discoverCancel context.CancelFunc
}

// New creates a fake medium identified by addr, sharing reg with every
// peer it should be able to discover/dial.
func New(reg *Registry, addr string) *Medium {
	return &Medium{reg: reg, selfAddr: addr, acceptCh: make(chan net.Conn, 8)}
}

func (m *Medium) Kind() medium.Kind { return medium.KindFake }

func (m *Medium) StartAdvertising(ctx context.Context, adv medium.Advertisement) error {
	m.mu.Lock()
	m.advName = adv.ServiceName
	m.advInfo = adv.Info
	m.advAttrs = adv.Attributes
	m.mu.Unlock()
	m.reg.advertise(adv.ServiceName, m)
	return nil
}

func (m *Medium) StopAdvertising() error {
	m.mu.Lock()
	name := m.advName
	m.advName = ""
	m.mu.Unlock()
	if name != "" {
		m.reg.unadvertise(name, m)
	}
	return nil
}

func (m *Medium) StartDiscovery(ctx context.Context, serviceName string, found func(medium.PeerInfo)) error {
	dctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.discoverCancel = cancel
	m.mu.Unlock()

	go func() {
		seen := make(map[string]bool)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-dctx.Done():
				return
			case <-ticker.C:
				for _, peer := range m.reg.find(serviceName) {
					if peer == m || seen[peer.selfAddr] {
						continue
					}
					seen[peer.selfAddr] = true
					peer.mu.Lock()
					info := peer.advInfo
					attrs := peer.advAttrs
					peer.mu.Unlock()
					found(medium.PeerInfo{ServiceName: serviceName, Address: peer.selfAddr, Info: info, Attributes: attrs})
				}
			}
		}
	}()
	return nil
}

func (m *Medium) StopDiscovery() error {
	m.mu.Lock()
	cancel := m.discoverCancel
	m.discoverCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (m *Medium) Accept(ctx context.Context) (medium.Conn, error) {
	select {
	case c := <-m.acceptCh:
		return wrap(c, m.Kind()), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Medium) Dial(ctx context.Context, target medium.PeerInfo) (medium.Conn, error) {
	var peer *Medium
	for _, candidate := range m.reg.find(target.ServiceName) {
		if candidate.selfAddr == target.Address {
			peer = candidate
			break
		}
	}
	if peer == nil {
		return nil, fmt.Errorf("fakemedium: peer %q not found", target.Address)
	}
	a, b := net.Pipe()
	select {
	case peer.acceptCh <- b:
	case <-ctx.Done():
		a.Close()
		b.Close()
		return nil, ctx.Err()
	}
	return wrap(a, m.Kind()), nil
}

func (m *Medium) Close() error {
	return m.StopAdvertising()
}

type conn struct {
	net.Conn
	kind medium.Kind
}

func wrap(c net.Conn, kind medium.Kind) medium.Conn {
	return &conn{Conn: c, kind: kind}
}

func (c *conn) RemoteAddr() string    { return c.Conn.RemoteAddr().String() }
func (c *conn) MaxPacketSize() int    { return 16 * 1024 }
func (c *conn) Technology() string    { return "fake" }
func (c *conn) Band() string          { return "n/a" }
func (c *conn) Frequency() int32      { return 0 }
