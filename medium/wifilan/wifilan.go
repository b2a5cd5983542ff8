// Package wifilan implements medium.Medium over a plain TCP listener,
// the simplest of the real drivers and the one used as the reference
// "high quality" BWU upgrade target.
package wifilan

import (
	"context"
	"fmt"
	"net"

	"github.com/nearbymesh/nearbycore/core/xlog"
	"github.com/nearbymesh/nearbycore/medium"
)

type Medium struct {
	log      interface{ Debugf(string, ...interface{}) }
	listener net.Listener
	bindAddr string
}

func New(bindAddr string) *Medium {
	return &Medium{log: xlog.New("medium/wifilan"), bindAddr: bindAddr}
}

func (m *Medium) Kind() medium.Kind { return medium.KindWifiLAN }

func (m *Medium) StartAdvertising(ctx context.Context, adv medium.Advertisement) error {
	l, err := net.Listen("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("wifilan: listen %s: %w", m.bindAddr, err)
	}
	m.listener = l
	return nil
}

func (m *Medium) StopAdvertising() error {
	if m.listener == nil {
		return nil
	}
	err := m.listener.Close()
	m.listener = nil
	return err
}

// StartDiscovery for WiFi-LAN is address-based: the caller already
// knows the candidate IP:port from the UpgradePathAvailable credential
// bundle (spec §6), so discovery here is a no-op that exists only to
// satisfy the Medium interface uniformly.
func (m *Medium) StartDiscovery(ctx context.Context, serviceName string, found func(medium.PeerInfo)) error {
	return nil
}

func (m *Medium) StopDiscovery() error { return nil }

func (m *Medium) Accept(ctx context.Context) (medium.Conn, error) {
	if m.listener == nil {
		return nil, fmt.Errorf("wifilan: not advertising")
	}
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := m.listener.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("wifilan: accept: %w", r.err)
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
		return nil, fmt.Errorf("wifilan: dial %s: %w", target.Address, err)
	}
	return wrap(c), nil
}

func (m *Medium) Close() error {
	return m.StopAdvertising()
}

type conn struct{ net.Conn }

func wrap(c net.Conn) medium.Conn { return &conn{c} }

func (c *conn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }
func (c *conn) MaxPacketSize() int { return 64 * 1024 }
func (c *conn) Technology() string { return "802.11" }
func (c *conn) Band() string       { return "5ghz" }
func (c *conn) Frequency() int32   { return 5180 }
