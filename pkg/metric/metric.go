// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	"errors"
	"strings"

	metrics "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "rtbx"

// Metrics holds all exchange metrics using luxfi/metric
type Metrics struct {
	metricsInstance metrics.Metrics

	// Auction metrics
	AuctionsTotal   metrics.CounterVec
	AuctionDuration metrics.Histogram
	ClearingPrice   metrics.Histogram

	// Bidder metrics
	BidderOutcomes metrics.CounterVec
	BidderLatency  *prometheus.HistogramVec
	LateOutcomes   metrics.CounterVec

	// Ledger metrics
	LedgerConflicts metrics.Counter
	Impressions     metrics.Counter
	Expired         metrics.Counter

	// Notification metrics
	Notifications   metrics.CounterVec
	NotifyQueueSize metrics.Gauge

	// API metrics
	RequestsProcessed metrics.CounterVec
}

// NewMetrics creates a new metrics instance using luxfi/metric
func NewMetrics() (*Metrics, error) {
	factory := metrics.NewPrometheusFactory()
	metricsInstance := factory.New(namespace)

	m := &Metrics{
		metricsInstance: metricsInstance,
	}

	// Auction metrics
	m.AuctionsTotal = metricsInstance.NewCounterVec(
		"auctions_total",
		"Total number of auctions by result",
		[]string{"result"},
	)
	m.AuctionDuration = metricsInstance.NewHistogram(
		"auction_duration_seconds",
		"Time from request acceptance to evaluated result",
		[]float64{.005, .01, .025, .05, .075, .1, .15, .25, .5, 1},
	)
	m.ClearingPrice = metricsInstance.NewHistogram(
		"auction_clearing_price",
		"Clearing price of won auctions",
		prometheus.ExponentialBuckets(0.01, 2, 12),
	)

	// Bidder metrics
	m.BidderOutcomes = metricsInstance.NewCounterVec(
		"bidder_outcomes_total",
		"Bid outcomes by bidder and kind",
		[]string{"bidder", "kind"},
	)
	m.LateOutcomes = metricsInstance.NewCounterVec(
		"bidder_late_outcomes_total",
		"Outcomes discarded because they arrived after the auction deadline",
		[]string{"bidder"},
	)

	// Per-bidder latency needs a labelled histogram, registered directly
	// on the instance registry.
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bidder_latency_seconds",
		Help:      "Bidder call latency",
		Buckets:   []float64{.001, .005, .01, .02, .03, .05, .075, .1, .2},
	}, []string{"bidder"})
	if err := m.GetRegisterer().Register(latency); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		latency = already.ExistingCollector.(*prometheus.HistogramVec)
	}
	m.BidderLatency = latency

	// Ledger metrics
	m.LedgerConflicts = metricsInstance.NewCounter("ledger_conflicts_total", "Rejected ledger transitions")
	m.Impressions = metricsInstance.NewCounter("impressions_total", "Confirmed impressions")
	m.Expired = metricsInstance.NewCounter("auctions_expired_total", "Auctions expired by the retention sweep")

	// Notification metrics
	m.Notifications = metricsInstance.NewCounterVec(
		"win_notifications_total",
		"Win notifications by status",
		[]string{"status"},
	)
	m.NotifyQueueSize = metricsInstance.NewGauge("win_notify_queue_size", "Win notices waiting for a worker")

	m.RequestsProcessed = metricsInstance.NewCounterVec(
		"api_requests_processed_total",
		"Total number of API requests processed",
		[]string{"route", "status"},
	)

	return m, nil
}

// NewNop returns a fresh metrics instance. Used by tests and components
// constructed without a metrics sink.
func NewNop() *Metrics {
	m, err := NewMetrics()
	if err != nil {
		panic(err)
	}
	return m
}

// GetGatherer returns the prometheus gatherer for metrics export
func (m *Metrics) GetGatherer() prometheus.Gatherer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultGatherer
}

// GetRegisterer returns the prometheus registerer
func (m *Metrics) GetRegisterer() prometheus.Registerer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultRegisterer
}

// Value reads the current value of a counter or gauge sample, or the sample
// count of a histogram. name may omit the namespace prefix. labels select
// the series; series carrying extra labels still match. It returns 0 when
// nothing matches.
func (m *Metrics) Value(name string, labels map[string]string) float64 {
	families, err := m.GetGatherer().Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name && !strings.HasSuffix(f.GetName(), "_"+name) {
			continue
		}
		for _, s := range f.GetMetric() {
			if !hasLabels(s.GetLabel(), labels) {
				continue
			}
			switch {
			case s.Counter != nil:
				total += s.GetCounter().GetValue()
			case s.Gauge != nil:
				total += s.GetGauge().GetValue()
			case s.Histogram != nil:
				total += float64(s.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func hasLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	found := 0
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; ok {
			if v != p.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(want)
}
