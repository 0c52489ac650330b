// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flush results recorded in courier_delivery_flushes_total.
const (
	flushDelivered = "delivered"
	flushFault     = "fault"
	flushTerminal  = "terminal"
)

// Metrics collects delivery counters for every session that shares
// it. A nil *Metrics is valid and records nothing.
type Metrics struct {
	flushes      *prometheus.CounterVec
	faults       *prometheus.CounterVec
	units        prometheus.Counter
	active       prometheus.Gauge
	flushSeconds prometheus.Histogram
}

// NewMetrics creates the delivery metrics and registers them with
// registerer. Registering twice with the same registerer panics, as
// with any duplicate Prometheus collector.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "delivery",
			Name:      "flushes_total",
			Help:      "Buffer flushes by result (delivered, fault, terminal).",
		}, []string{"result"}),
		faults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "delivery",
			Name:      "faults_total",
			Help:      "Transport call failures by operation and fault class.",
		}, []string{"op", "class"}),
		units: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "delivery",
			Name:      "units_total",
			Help:      "Transport units created, including chained follow-ups.",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "delivery",
			Name:      "sessions_active",
			Help:      "Sessions opened and not yet finalized.",
		}),
		flushSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "delivery",
			Name:      "flush_seconds",
			Help:      "Wall time spent in transport calls per flush.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

func (m *Metrics) flushed(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(result).Inc()
	m.flushSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) fault(op string, class FaultClass) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(op, class.String()).Inc()
}

func (m *Metrics) unitCreated() {
	if m == nil {
		return
	}
	m.units.Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}
