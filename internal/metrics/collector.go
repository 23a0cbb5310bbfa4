// Package metrics counts invocation progress and outcomes. Invocations are
// short-lived, so instead of serving an endpoint the collector writes its
// registry to a node-exporter textfile at the end of each command.
package metrics

import (
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector collects and exposes metrics
type Collector struct {
	registry    *prometheus.Registry
	clock       clock.Clock
	checkins    *prometheus.CounterVec
	items       *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	lastOutcome *prometheus.GaugeVec
	setSize     prometheus.Gauge
}

// New creates a collector with its own registry
func New(clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.WallClock
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		clock:    clk,
		checkins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesnap_checkins_total",
				Help: "Checkpoints with useful progress",
			},
			[]string{"kind"},
		),
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesnap_items_total",
				Help: "Files, rows or statements covered by checkpoints",
			},
			[]string{"kind"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesnap_bytes_total",
				Help: "Bytes written by checkpoints",
			},
			[]string{"kind"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesnap_invocations_total",
				Help: "Finished invocations by outcome",
			},
			[]string{"kind", "outcome"},
		),
		lastOutcome: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sitesnap_last_outcome_timestamp_seconds",
				Help: "Time of the last invocation outcome",
			},
			[]string{"kind", "outcome"},
		),
		setSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitesnap_backup_set_bytes",
				Help: "Total size of the last completed backup set",
			},
		),
	}

	c.registry.MustRegister(c.checkins, c.items, c.bytes, c.outcomes, c.lastOutcome, c.setSize)
	return c
}

// Registry returns the registry holding every metric
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Checkin records one checkpoint of a job of the given kind
func (c *Collector) Checkin(kind string, items, bytes int64) {
	c.checkins.WithLabelValues(kind).Inc()
	if items > 0 {
		c.items.WithLabelValues(kind).Add(float64(items))
	}
	if bytes > 0 {
		c.bytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

// Outcome records how an invocation ended
func (c *Collector) Outcome(kind, outcome string) {
	c.outcomes.WithLabelValues(kind, outcome).Inc()
	c.lastOutcome.WithLabelValues(kind, outcome).Set(float64(c.clock.Now().UnixNano()) / float64(time.Second))
}

// BackupSetSize records the size of a completed backup set
func (c *Collector) BackupSetSize(bytes int64) {
	c.setSize.Set(float64(bytes))
}

// WriteTextfile writes every metric to path in the text exposition format.
// The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.registry)
}
