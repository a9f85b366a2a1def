// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsRegistered(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.AuctionsTotal.WithLabelValues("won").Inc()
	m.AuctionsTotal.WithLabelValues("won").Inc()
	m.BidderOutcomes.WithLabelValues("dsp-a", "offer").Inc()
	m.BidderLatency.WithLabelValues("dsp-a").Observe(0.012)

	require.Equal(t, 2.0, m.Value("auctions_total", map[string]string{"result": "won"}))
	require.Equal(t, 0.0, m.Value("auctions_total", map[string]string{"result": "void"}))
	require.Equal(t, 1.0, m.Value("bidder_outcomes_total", map[string]string{"bidder": "dsp-a"}))
	require.Equal(t, 1.0, m.Value("bidder_latency_seconds", nil))

	families, err := m.GetGatherer().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	require.Contains(t, joined, "auctions_total")
	require.Contains(t, joined, "bidder_outcomes_total")
}

func TestGaugeValue(t *testing.T) {
	m := NewNop()
	m.NotifyQueueSize.Set(3)
	require.Equal(t, 3.0, m.Value("win_notify_queue_size", nil))
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a, err := NewMetrics()
	require.NoError(t, err)
	b, err := NewMetrics()
	require.NoError(t, err)

	a.Impressions.Inc()
	require.Equal(t, 1.0, a.Value("impressions_total", nil))
	require.Equal(t, 0.0, b.Value("impressions_total", nil))
}
