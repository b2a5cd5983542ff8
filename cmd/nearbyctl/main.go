// Command nearbyctl is a thin exerciser of nearby.Manager: the public
// client SDK surface spec.md leaves abstract, given one concrete,
// minimal binding here the way the teacher ships ping/ping.go as a
// minimal exerciser of client2.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/carlmjohnson/versioninfo"

	"github.com/nearbymesh/nearbycore/core/config"
	"github.com/nearbymesh/nearbycore/core/xlog"
	"github.com/nearbymesh/nearbycore/medium"
	"github.com/nearbymesh/nearbycore/medium/fakemedium"
	"github.com/nearbymesh/nearbycore/medium/wifilan"
	"github.com/nearbymesh/nearbycore/nearby"
)

var log = xlog.New("nearbyctl")

func main() {
	versioninfo.AddFlag(flag.CommandLine)

	var configPath string
	var listen string
	var message string
	flag.StringVar(&configPath, "config", "", "path to a nearbycore.toml document (defaults built in if empty)")
	flag.StringVar(&listen, "listen", "127.0.0.1:7463", "wifi_lan bind address for the advertise command")
	flag.StringVar(&message, "message", "hello from nearbyctl", "bytes payload sent by the demo command")
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "demo":
		runDemo(cfg, message)
	case "advertise":
		runAdvertise(cfg, listen)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nearbyctl [-config path] [-listen addr] [-message text] <demo|advertise>")
	fmt.Fprintln(os.Stderr, "  demo       advertise, discover, connect, and exchange one message between two in-process peers")
	fmt.Fprintln(os.Stderr, "  advertise  advertise over wifi_lan on -listen and log every incoming connection until interrupted")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// runDemo drives two in-process nearby.Managers over a shared
// fakemedium registry: the "advertise/discover/send end to end"
// exerciser spec.md's CLI row calls for, with no radio hardware or
// network ports required.
func runDemo(cfg *config.Config, message string) {
	reg := fakemedium.NewRegistry()

	host, err := newDemoManager(cfg, reg, "nearbyctl-host")
	if err != nil {
		log.Error("construct host manager", "err", err)
		os.Exit(1)
	}
	defer host.Shutdown()

	guest, err := newDemoManager(cfg, reg, "nearbyctl-guest")
	if err != nil {
		log.Error("construct guest manager", "err", err)
		os.Exit(1)
	}
	defer guest.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := host.StartAdvertising(ctx, []byte("nearbyctl-host-info"), nearby.AdvertisingOptions{Listener: demoLifecycle{}}); err != nil {
		log.Error("start advertising", "err", err)
		os.Exit(1)
	}

	found := make(chan string, 1)
	if err := guest.StartDiscovery(ctx, demoDiscovery{found: found}); err != nil {
		log.Error("start discovery", "err", err)
		os.Exit(1)
	}

	var endpointID string
	select {
	case endpointID = <-found:
	case <-ctx.Done():
		log.Error("timed out waiting for discovery")
		os.Exit(1)
	}
	fmt.Printf("discovered endpoint %s\n", endpointID)

	type connResult struct {
		conn *nearby.NearbyConnection
		err  error
	}
	resCh := make(chan connResult, 1)
	err = guest.Connect(ctx, endpointID, []byte("nearbyctl-guest-info"), nearby.ConnectOptions{}, func(conn *nearby.NearbyConnection, err error) {
		resCh <- connResult{conn, err}
	})
	if err != nil {
		log.Error("connect", "err", err)
		os.Exit(1)
	}

	var conn *nearby.NearbyConnection
	select {
	case r := <-resCh:
		if r.err != nil {
			log.Error("connect resolved with error", "err", r.err)
			os.Exit(1)
		}
		conn = r.conn
	case <-ctx.Done():
		log.Error("timed out waiting for connect")
		os.Exit(1)
	}

	if err := conn.Write([]byte(message)); err != nil {
		log.Error("write", "err", err)
		os.Exit(1)
	}
	fmt.Printf("sent: %q\n", message)
}

func newDemoManager(cfg *config.Config, reg *fakemedium.Registry, addr string) (*nearby.Manager, error) {
	mediums := map[medium.Kind]medium.Medium{medium.KindFake: fakemedium.New(reg, addr)}
	c := *cfg
	c.CustomSavePath = os.TempDir()
	return nearby.NewManager(&c, mediums, nil, nil)
}

type demoLifecycle struct{}

func (demoLifecycle) OnConnectionInitiated(endpointID string, info []byte) {
	fmt.Printf("host accepted connection from %s (%q)\n", endpointID, info)
}

type demoDiscovery struct {
	found chan string
}

func (d demoDiscovery) OnEndpointFound(endpointID string, info []byte) {
	select {
	case d.found <- endpointID:
	default:
	}
}

func (demoDiscovery) OnEndpointLost(endpointID string) {
	fmt.Printf("lost endpoint %s\n", endpointID)
}

// runAdvertise binds a real wifi_lan listener and logs every inbound
// connection's info bytes until interrupted, the address-based driver
// spec §6 names as the reference "high quality" BWU upgrade target.
func runAdvertise(cfg *config.Config, listen string) {
	mediums := map[medium.Kind]medium.Medium{medium.KindWifiLAN: wifilan.New(listen)}
	c := *cfg
	c.AllowedMediums = config.AllowedMediums{WifiLAN: true}
	c.CustomSavePath = os.TempDir()

	m, err := nearby.NewManager(&c, mediums, nil, nil)
	if err != nil {
		log.Error("construct manager", "err", err)
		os.Exit(1)
	}
	defer m.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.StartAdvertising(ctx, []byte("nearbyctl"), nearby.AdvertisingOptions{Listener: advertiseLifecycle{}}); err != nil {
		log.Error("start advertising", "err", err)
		os.Exit(1)
	}
	log.Info("advertising", "listen", listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	log.Info("shutting down")
}

type advertiseLifecycle struct{}

func (advertiseLifecycle) OnConnectionInitiated(endpointID string, info []byte) {
	log.Info("connection established", "endpoint", endpointID, "info", string(info))
}
