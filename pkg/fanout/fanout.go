// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fanout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/rtbx/pkg/bidder"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/metric"
	"github.com/luxfi/rtbx/pkg/rtb"
)

// LateFunc receives outcomes that arrived after the auction deadline. The
// auction id is the one attached with bidder.WithAuctionID, else the request id.
// They are telemetry only and never reach the evaluator.
type LateFunc func(auctionID string, outcome rtb.BidOutcome)

// Coordinator sends an ad request to every enabled bidder in parallel and
// gathers what comes back before the deadline.
type Coordinator struct {
	client  bidder.Client
	log     log.Logger
	metrics *metric.Metrics
	late    LateFunc
	now     func() time.Time
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLateHook installs the late-outcome hook
func WithLateHook(fn LateFunc) Option {
	return func(c *Coordinator) { c.late = fn }
}

// WithMetrics records per-bidder outcome metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the clock used to stamp outcomes
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator over client
func New(client bidder.Client, logger log.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = log.NoOp()
	}
	c := &Coordinator{
		client: client,
		log:    logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect returns the outcomes received before deadline, in arrival order.
// It returns when every enabled bidder has answered or the deadline passes,
// whichever comes first, and cancels calls still in flight.
func (c *Coordinator) Collect(ctx context.Context, req rtb.AdRequest, endpoints []rtb.BidderEndpoint, deadline time.Time) ([]rtb.BidOutcome, error) {
	if len(endpoints) == 0 {
		return nil, rtb.ErrNoBidders
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	enabled := make([]rtb.BidderEndpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Enabled {
			enabled = append(enabled, ep)
		}
	}
	if len(enabled) == 0 {
		return []rtb.BidOutcome{}, nil
	}

	auctionID, ok := bidder.AuctionID(ctx)
	if !ok {
		auctionID = req.ID
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Buffered so callers that finish after we return never block.
	results := make(chan rtb.BidOutcome, len(enabled))
	for _, ep := range enabled {
		go c.call(ctx, ep, req, results)
	}

	outcomes := make([]rtb.BidOutcome, 0, len(enabled))
	received := 0
wait:
	for received < len(enabled) {
		select {
		case outcome := <-results:
			received++
			outcomes = c.accept(auctionID, outcomes, outcome, deadline)
		case <-ctx.Done():
			break wait
		}
	}

	// Outcomes stamped in time may still be sitting in the channel.
drain:
	for received < len(enabled) {
		select {
		case outcome := <-results:
			received++
			outcomes = c.accept(auctionID, outcomes, outcome, deadline)
		default:
			break drain
		}
	}

	if pending := len(enabled) - received; pending > 0 {
		go c.drainLate(auctionID, results, pending)
	}
	return outcomes, nil
}

func (c *Coordinator) call(ctx context.Context, ep rtb.BidderEndpoint, req rtb.AdRequest, results chan<- rtb.BidOutcome) {
	start := c.now()
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("bidder call panicked",
				log.String("bidder", ep.ID),
				log.String("request", req.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			outcome := rtb.NewFailed(ep.ID, fmt.Sprintf("panic: %v", r))
			outcome.ReceivedAt = c.now()
			outcome.Latency = outcome.ReceivedAt.Sub(start)
			results <- outcome
		}
	}()

	outcome := c.client.RequestBid(ctx, ep, req)
	outcome.BidderID = ep.ID
	outcome.ReceivedAt = c.now()
	if outcome.Latency == 0 {
		outcome.Latency = outcome.ReceivedAt.Sub(start)
	}
	results <- outcome
}

func (c *Coordinator) accept(auctionID string, outcomes []rtb.BidOutcome, outcome rtb.BidOutcome, deadline time.Time) []rtb.BidOutcome {
	if outcome.ReceivedAt.After(deadline) {
		c.reportLate(auctionID, outcome)
		return outcomes
	}
	if c.metrics != nil {
		c.metrics.BidderOutcomes.WithLabelValues(outcome.BidderID, outcome.Kind.String()).Inc()
		c.metrics.BidderLatency.WithLabelValues(outcome.BidderID).Observe(outcome.Latency.Seconds())
	}
	return append(outcomes, outcome)
}

func (c *Coordinator) drainLate(auctionID string, results <-chan rtb.BidOutcome, pending int) {
	for i := 0; i < pending; i++ {
		c.reportLate(auctionID, <-results)
	}
}

func (c *Coordinator) reportLate(auctionID string, outcome rtb.BidOutcome) {
	if c.metrics != nil {
		c.metrics.LateOutcomes.WithLabelValues(outcome.BidderID).Inc()
	}
	c.log.Debug("discarding late outcome",
		log.String("auction", auctionID),
		log.String("bidder", outcome.BidderID),
		log.Stringer("kind", outcome.Kind),
		log.Duration("latency", outcome.Latency),
	)
	if c.late != nil {
		c.late(auctionID, outcome)
	}
}
