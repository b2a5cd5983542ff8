// Package bluetooth implements medium.Medium over BT Classic RFCOMM,
// modeled here as a TCP socket (the platform RFCOMM API is the real
// external driver spec.md §1 excludes from this core).
// LegacyBlockCipher builds a constant-time bit-sliced AES block cipher
// (gitlab.com/yawning/bsaes.git); the driver does not wrap its
// connections with it.
package bluetooth

import (
	"context"
	"crypto/cipher"
	"fmt"
	"net"

	bsaes "gitlab.com/yawning/bsaes.git"

	"github.com/nearbymesh/nearbycore/medium"
)

type Medium struct {
	bindAddr     string
	listener     net.Listener
	legacyCipher bool
}

// Option configures a Medium at construction time.
type Option func(*Medium)

// WithLegacyCipher makes the medium's connections report the
// bt_classic_legacy technology; how bytes are read and written does
// not change.
func WithLegacyCipher() Option {
	return func(m *Medium) { m.legacyCipher = true }
}

func New(bindAddr string, opts ...Option) *Medium {
	m := &Medium{bindAddr: bindAddr}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Medium) Kind() medium.Kind { return medium.KindBluetooth }

func (m *Medium) StartAdvertising(ctx context.Context, adv medium.Advertisement) error {
	l, err := net.Listen("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("bluetooth: listen: %w", err)
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
	return fmt.Errorf("bluetooth: discovery requires the platform driver, not available in this core")
}

func (m *Medium) StopDiscovery() error { return nil }

func (m *Medium) Accept(ctx context.Context) (medium.Conn, error) {
	if m.listener == nil {
		return nil, fmt.Errorf("bluetooth: not advertising")
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
			return nil, fmt.Errorf("bluetooth: accept: %w", r.err)
		}
		return m.wrap(r.c), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Medium) Dial(ctx context.Context, target medium.PeerInfo) (medium.Conn, error) {
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return nil, fmt.Errorf("bluetooth: dial %s: %w", target.Address, err)
	}
	return m.wrap(c), nil
}

func (m *Medium) Close() error { return m.StopAdvertising() }

func (m *Medium) wrap(c net.Conn) medium.Conn {
	return &conn{Conn: c, legacyCipher: m.legacyCipher}
}

type conn struct {
	net.Conn
	legacyCipher bool
}

func (c *conn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }
func (c *conn) MaxPacketSize() int { return 990 } // classic RFCOMM MTU-ish
func (c *conn) Technology() string {
	if c.legacyCipher {
		return "bt_classic_legacy"
	}
	return "bt_classic"
}
func (c *conn) Band() string     { return "2.4ghz" }
func (c *conn) Frequency() int32 { return 2402 }

// LegacyBlockCipher constructs a constant-time AES block cipher via
// bsaes for link-layer obfuscation on BT Classic stacks negotiated
// into WithLegacyCipher mode.
func LegacyBlockCipher(key []byte) (cipher.Block, error) {
	return bsaes.NewCipher(key)
}
