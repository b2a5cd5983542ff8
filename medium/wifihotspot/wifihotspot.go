// Package wifihotspot implements medium.Medium for a WiFi-Hotspot
// (SoftAP) upgrade target. The credential bundle is {ssid, password,
// gateway, port} per spec.md §6; dialing here assumes the OS has
// already joined the AP (the real join sequence is an external
// driver concern), so Dial just opens a TCP connection to the
// gateway:port pair the advertiser published.
package wifihotspot

import (
	"context"
	"fmt"
	"net"

	"github.com/nearbymesh/nearbycore/medium"
)

type Medium struct {
	bindAddr        string
	ssid, password  string
	gateway         string
	port            int

	listener net.Listener
}

// Config carries the hotspot credential bundle an initiator generates
// (spec §4.3 credential generation).
type Config struct {
	SSID     string
	Password string
	Gateway  string
	Port     int
}

func New(cfg Config) *Medium {
	return &Medium{
		ssid:     cfg.SSID,
		password: cfg.Password,
		gateway:  cfg.Gateway,
		port:     cfg.Port,
		bindAddr: fmt.Sprintf("%s:%d", cfg.Gateway, cfg.Port),
	}
}

func (m *Medium) Kind() medium.Kind { return medium.KindWifiHotspot }

func (m *Medium) StartAdvertising(ctx context.Context, adv medium.Advertisement) error {
	l, err := net.Listen("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("wifihotspot: listen %s: %w", m.bindAddr, err)
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

func (m *Medium) StartDiscovery(ctx context.Context, serviceName string, found func(medium.PeerInfo)) error {
	return nil
}

func (m *Medium) StopDiscovery() error { return nil }

func (m *Medium) Accept(ctx context.Context) (medium.Conn, error) {
	if m.listener == nil {
		return nil, fmt.Errorf("wifihotspot: not advertising")
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
			return nil, fmt.Errorf("wifihotspot: accept: %w", r.err)
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
		return nil, fmt.Errorf("wifihotspot: dial %s: %w", target.Address, err)
	}
	return wrap(c), nil
}

func (m *Medium) Close() error { return m.StopAdvertising() }

type conn struct{ net.Conn }

func wrap(c net.Conn) medium.Conn { return &conn{c} }

func (c *conn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }
func (c *conn) MaxPacketSize() int { return 64 * 1024 }
func (c *conn) Technology() string { return "802.11_softap" }
func (c *conn) Band() string       { return "5ghz" }
func (c *conn) Frequency() int32   { return 5240 }
