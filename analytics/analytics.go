// Package analytics is the concrete default implementation of the
// "analytics/telemetry sink" external collaborator spec.md §1 names
// but leaves abstract: connect latency, upgrade success rate, and
// payload throughput as github.com/prometheus/client_golang counters
// and a histogram, the same promauto registration style used throughout the
// pack's peer-to-peer sync code. An optional Postgres sink persists
// the same events as rows when a DSN is configured, for offline
// analysis — entirely optional, so the façade runs with zero external
// services by default.
package analytics

import (
	"context"
	"time"

	"github.com/jackc/pgx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nearbymesh/nearbycore/core/xlog"
)

var log = xlog.New("analytics")

var (
	connectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nearbycore_connects_total",
		Help: "Connections established, labeled by medium.",
	}, []string{"medium"})

	disconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nearbycore_disconnects_total",
		Help: "Endpoint teardowns, labeled by reason.",
	}, []string{"reason"})

	upgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nearbycore_bandwidth_upgrades_total",
		Help: "Bandwidth upgrade attempts, labeled by medium and outcome.",
	}, []string{"medium", "outcome"})

	payloadBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nearbycore_payload_bytes_total",
		Help: "Payload bytes transferred, labeled by direction.",
	}, []string{"direction"})

	connectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nearbycore_connect_latency_seconds",
		Help:    "Time from Connect() call to a resolved NearbyConnection.",
		Buckets: prometheus.DefBuckets,
	})
)

// Sink is the façade's analytics handle. The zero value (nil *Sink) is
// valid and every method is a safe no-op, so callers never need to
// guard construction behind a config check.
type Sink struct {
	pg *pgx.Conn
}

// New constructs a Sink. If postgresDSN is empty the Postgres mirror
// is disabled and every event only updates the Prometheus metrics
// above.
func New(postgresDSN string) (*Sink, error) {
	s := &Sink{}
	if postgresDSN == "" {
		return s, nil
	}
	cfg, err := pgx.ParseConnectionString(postgresDSN)
	if err != nil {
		return nil, err
	}
	conn, err := pgx.Connect(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schemaDDL); err != nil {
		conn.Close()
		return nil, err
	}
	s.pg = conn
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS nearbycore_events (
	id BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	endpoint_id TEXT NOT NULL,
	detail TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func (s *Sink) record(ctx context.Context, kind, endpointID, detail string) {
	if s == nil || s.pg == nil {
		return
	}
	if _, err := s.pg.ExecEx(ctx, "INSERT INTO nearbycore_events (kind, endpoint_id, detail) VALUES ($1, $2, $3)", nil, kind, endpointID, detail); err != nil {
		log.Warn("analytics: postgres insert failed", "kind", kind, "err", err)
	}
}

// RecordConnect marks a successful connection establishment on
// endpointID over mediumKind.
func (s *Sink) RecordConnect(endpointID, mediumKind string) {
	connectsTotal.WithLabelValues(mediumKind).Inc()
	s.record(context.Background(), "connect", endpointID, mediumKind)
}

// RecordConnectLatency observes the wall-clock time from Connect() to
// resolution.
func (s *Sink) RecordConnectLatency(d time.Duration) {
	connectLatency.Observe(d.Seconds())
}

// RecordDisconnect marks endpointID's teardown.
func (s *Sink) RecordDisconnect(endpointID string) {
	disconnectsTotal.WithLabelValues("endpoint_disconnected").Inc()
	s.record(context.Background(), "disconnect", endpointID, "")
}

// RecordSafeDisconnect marks a safe-disconnect handshake completion
// (spec §8 scenario 6's "both peers record SAFE_DISCONNECTION").
func (s *Sink) RecordSafeDisconnect(endpointID string) {
	disconnectsTotal.WithLabelValues("safe_disconnection").Inc()
	s.record(context.Background(), "safe_disconnection", endpointID, "")
}

// RecordUpgrade marks a BWU upgrade outcome ("success" or "failure").
func (s *Sink) RecordUpgrade(endpointID, mediumKind, outcome string) {
	upgradesTotal.WithLabelValues(mediumKind, outcome).Inc()
	s.record(context.Background(), "upgrade", endpointID, mediumKind+":"+outcome)
}

// RecordPayloadBytes tallies bytes moved in direction ("in" or "out").
func (s *Sink) RecordPayloadBytes(direction string, n int64) {
	payloadBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// Close releases the Postgres connection, if any.
func (s *Sink) Close() error {
	if s == nil || s.pg == nil {
		return nil
	}
	return s.pg.Close()
}
