// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package exchange runs auctions end to end: fanout, evaluation, the
// ledger record and the hand-off to the win notifier.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/luxfi/rtbx/pkg/analytics"
	"github.com/luxfi/rtbx/pkg/auction"
	"github.com/luxfi/rtbx/pkg/bidder"
	"github.com/luxfi/rtbx/pkg/fanout"
	"github.com/luxfi/rtbx/pkg/ledger"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/metric"
	"github.com/luxfi/rtbx/pkg/notify"
	"github.com/luxfi/rtbx/pkg/rtb"
)

const (
	resultWon     = "won"
	resultVoid    = "void"
	resultInvalid = "invalid"
	resultBusy    = "busy"
	resultError   = "error"

	noticePollInterval = 5 * time.Millisecond
)

// Config holds the auction time budget and housekeeping intervals
type Config struct {
	AuctionTimeout  time.Duration
	MaxConcurrent   int
	RetentionWindow time.Duration
	SweepInterval   time.Duration
}

func (c *Config) setDefaults() {
	if c.AuctionTimeout <= 0 {
		c.AuctionTimeout = 100 * time.Millisecond
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 100
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Notifier accepts win notices for asynchronous delivery
type Notifier interface {
	Enqueue(notify.Notice) error
}

// ErrNoNotifier is recorded as the notice error of won auctions when the
// exchange runs without a notifier.
var ErrNoNotifier = errors.New("no win notifier configured")

// Result is what the caller of RunAuction receives
type Result struct {
	AuctionID     string           `json:"auction_id"`
	RequestID     string           `json:"request_id"`
	Winner        *rtb.BidOutcome  `json:"winner,omitempty"`
	ClearingPrice float64          `json:"clearing_price"`
	Outcomes      []rtb.BidOutcome `json:"outcomes"`
	Status        rtb.Status       `json:"status"`
	Duration      time.Duration    `json:"duration"`
}

// Void reports whether the auction cleared without a winner
func (r *Result) Void() bool {
	return r.Winner == nil
}

// Exchange composes the bidder registry, fanout, evaluator and ledger
type Exchange struct {
	cfg         Config
	registry    *bidder.Registry
	coordinator *fanout.Coordinator
	evaluator   *auction.Evaluator
	ledger      *ledger.Ledger
	notifier    Notifier
	stats       analytics.Sink
	log         log.Logger
	metrics     *metric.Metrics
	slots       *semaphore.Weighted
	now         func() time.Time
	newID       func() string
}

// Option configures an Exchange
type Option func(*Exchange)

// WithNotifier hands cleared auctions to n for win notice delivery
func WithNotifier(n Notifier) Option {
	return func(e *Exchange) { e.notifier = n }
}

// WithStats records auction, outcome and impression events to sink
func WithStats(sink analytics.Sink) Option {
	return func(e *Exchange) { e.stats = sink }
}

// WithMetrics sets the metrics instance; a private one is used otherwise
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Exchange) { e.metrics = m }
}

// WithIDGenerator replaces the uuid auction id source
func WithIDGenerator(fn func() string) Option {
	return func(e *Exchange) { e.newID = fn }
}

// New creates an exchange over the given registry, fanout, evaluator and
// ledger. The retention sweep starts with Run.
func New(
	cfg Config,
	registry *bidder.Registry,
	coordinator *fanout.Coordinator,
	evaluator *auction.Evaluator,
	l *ledger.Ledger,
	logger log.Logger,
	opts ...Option,
) *Exchange {
	cfg.setDefaults()
	if logger == nil {
		logger = log.NoOp()
	}
	e := &Exchange{
		cfg:         cfg,
		registry:    registry,
		coordinator: coordinator,
		evaluator:   evaluator,
		ledger:      l,
		stats:       analytics.Discard,
		log:         logger,
		metrics:     metric.NewNop(),
		slots:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration
func (e *Exchange) Config() Config {
	return e.cfg
}

// Registry returns the live bidder registry
func (e *Exchange) Registry() *bidder.Registry {
	return e.registry
}

// Policy returns the pricing rule auctions clear with
func (e *Exchange) Policy() auction.Policy {
	return e.evaluator.Policy()
}

// RunAuction runs one auction for req. It returns within the auction
// deadline plus scheduling overhead with either a winner or a void result.
// Only invalid requests, duplicate ids, capacity exhaustion and ledger
// invariant violations are errors; bidder failures are outcomes.
func (e *Exchange) RunAuction(ctx context.Context, req rtb.AdRequest) (*Result, error) {
	start := e.now()
	if err := req.Validate(); err != nil {
		e.metrics.AuctionsTotal.WithLabelValues(resultInvalid).Inc()
		return nil, err
	}
	endpoints := e.registry.Snapshot()
	if len(endpoints) == 0 {
		e.metrics.AuctionsTotal.WithLabelValues(resultError).Inc()
		return nil, rtb.ErrNoBidders
	}

	deadline := start.Add(e.cfg.AuctionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	actx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := e.slots.Acquire(actx, 1); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		e.metrics.AuctionsTotal.WithLabelValues(resultBusy).Inc()
		e.log.Warn("auction rejected at capacity",
			log.String("request", req.ID),
			log.Int("maxConcurrent", e.cfg.MaxConcurrent),
		)
		return nil, rtb.ErrExchangeBusy
	}
	defer e.slots.Release(1)

	if req.Timestamp.IsZero() {
		req.Timestamp = start
	}
	auctionID := e.newID()
	err := e.ledger.Create(ctx, rtb.AuctionRecord{
		AuctionID: auctionID,
		Request:   req,
		Status:    rtb.StatusPending,
		CreatedAt: start,
	})
	if err != nil {
		e.metrics.AuctionsTotal.WithLabelValues(resultError).Inc()
		return nil, e.ledgerError("create", auctionID, err)
	}

	outcomes, collectErr := e.coordinator.Collect(bidder.WithAuctionID(actx, auctionID), req, endpoints, deadline)
	if collectErr != nil {
		e.log.Error("fanout failed",
			log.String("auction", auctionID),
			log.Error(collectErr),
		)
	}
	winner, price := e.evaluator.Evaluate(req, outcomes)

	// The record must leave Pending even when the caller has gone away.
	rec, err := e.ledger.TransitionTo(context.WithoutCancel(ctx), auctionID, rtb.StatusEvaluated,
		ledger.WithOutcomes(outcomes),
		ledger.WithResult(winner, price),
	)
	if err != nil {
		e.metrics.AuctionsTotal.WithLabelValues(resultError).Inc()
		return nil, e.ledgerError("evaluate", auctionID, err)
	}
	if collectErr != nil {
		e.metrics.AuctionsTotal.WithLabelValues(resultError).Inc()
		return nil, fmt.Errorf("auction %s: %w", auctionID, collectErr)
	}

	elapsed := e.now().Sub(start)
	res := &Result{
		AuctionID:     auctionID,
		RequestID:     req.ID,
		Winner:        rec.Winner,
		ClearingPrice: rec.ClearingPrice,
		Outcomes:      rec.Outcomes,
		Status:        rec.Status,
		Duration:      elapsed,
	}
	e.record(res)

	if res.Winner != nil {
		e.notify(ctx, res)
	}
	return res, nil
}

// notify queues the win notice. When no notice can be queued the record
// still moves to Notified, carrying the reason, so the impression path is
// never blocked on a notice that will not come.
func (e *Exchange) notify(ctx context.Context, res *Result) {
	err := ErrNoNotifier
	if e.notifier != nil {
		err = e.notifier.Enqueue(notify.Notice{
			AuctionID:     res.AuctionID,
			Winner:        *res.Winner,
			ClearingPrice: res.ClearingPrice,
		})
		if err == nil {
			return
		}
		e.log.Warn("win notice not queued",
			log.String("auction", res.AuctionID),
			log.Error(err),
		)
	}

	noticeErr := fmt.Errorf("%w: %v", rtb.ErrNotificationFailed, err)
	rec, err := e.ledger.TransitionTo(context.WithoutCancel(ctx), res.AuctionID, rtb.StatusNotified,
		ledger.WithNoticeError(noticeErr),
	)
	if err != nil {
		e.log.Error("failed to record undelivered win notice",
			log.String("auction", res.AuctionID),
			log.Error(err),
		)
		return
	}
	res.Status = rec.Status
}

func (e *Exchange) record(res *Result) {
	now := e.now()
	for _, o := range res.Outcomes {
		e.stats.Record(analytics.StatRecord{
			Type:      analytics.EventOutcome,
			AuctionID: res.AuctionID,
			BidderID:  o.BidderID,
			Kind:      o.Kind.String(),
			Price:     offerPrice(o),
			LatencyMs: millis(o.Latency),
			Error:     o.Reason,
			Timestamp: now,
		})
	}

	rec := analytics.StatRecord{
		Type:      analytics.EventAuction,
		AuctionID: res.AuctionID,
		Kind:      resultVoid,
		LatencyMs: millis(res.Duration),
		Timestamp: now,
	}
	result := resultVoid
	if w := res.Winner; w != nil {
		result = resultWon
		rec.Kind = resultWon
		rec.BidderID = w.BidderID
		rec.CampaignID = w.Offer.CampaignID
		rec.Price = rtb.Float(res.ClearingPrice)
		e.metrics.ClearingPrice.Observe(res.ClearingPrice)
	}
	e.stats.Record(rec)
	e.metrics.AuctionsTotal.WithLabelValues(result).Inc()
	e.metrics.AuctionDuration.Observe(res.Duration.Seconds())

	fields := []log.Field{
		log.String("auction", res.AuctionID),
		log.String("request", res.RequestID),
		log.String("result", result),
		log.Int("outcomes", len(res.Outcomes)),
		log.Duration("duration", res.Duration),
	}
	if res.Winner != nil {
		fields = append(fields,
			log.String("winner", res.Winner.BidderID),
			log.Float64("price", res.ClearingPrice),
		)
	}
	e.log.Info("auction evaluated", fields...)
}

// ConfirmImpression records that the winning creative was displayed. It
// fails with a ConflictError for void, expired or already impressed
// auctions, and for auctions whose win notice is not yet recorded.
func (e *Exchange) ConfirmImpression(ctx context.Context, auctionID string) (*rtb.ImpressionRecord, error) {
	rec, err := e.ledger.TransitionTo(ctx, auctionID, rtb.StatusImpressed)
	if err != nil {
		return nil, err
	}

	imp := rtb.ImpressionRecord{
		ID:          e.newID(),
		AuctionID:   auctionID,
		BidderID:    rec.Winner.BidderID,
		Price:       rec.ClearingPrice,
		DisplayedAt: rec.ImpressedAt,
	}
	if rec.Winner.Offer != nil {
		imp.CampaignID = rec.Winner.Offer.CampaignID
	}
	if err := e.ledger.AppendImpression(ctx, imp); err != nil {
		return nil, e.ledgerError("impression", auctionID, err)
	}

	e.metrics.Impressions.Inc()
	e.stats.Record(analytics.StatRecord{
		Type:       analytics.EventImpression,
		AuctionID:  auctionID,
		BidderID:   imp.BidderID,
		CampaignID: imp.CampaignID,
		Price:      rtb.Float(imp.Price),
		Timestamp:  imp.DisplayedAt,
	})
	e.log.Info("impression confirmed",
		log.String("auction", auctionID),
		log.String("bidder", imp.BidderID),
		log.Float64("price", imp.Price),
	)
	return &imp, nil
}

// AwaitNotice polls the ledger until the auction leaves Evaluated or ctx is
// done, and returns the last record read.
func (e *Exchange) AwaitNotice(ctx context.Context, auctionID string) (rtb.AuctionRecord, error) {
	ticker := time.NewTicker(noticePollInterval)
	defer ticker.Stop()

	for {
		rec, err := e.ledger.Get(context.WithoutCancel(ctx), auctionID)
		if err != nil || rec.Status != rtb.StatusEvaluated {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return rec, nil
		case <-ticker.C:
		}
	}
}

// Get returns the ledger record of an auction
func (e *Exchange) Get(ctx context.Context, auctionID string) (rtb.AuctionRecord, error) {
	return e.ledger.Get(ctx, auctionID)
}

// List returns ledger records matching filter, newest first
func (e *Exchange) List(ctx context.Context, filter ledger.Filter) ([]rtb.AuctionRecord, error) {
	return e.ledger.List(ctx, filter)
}

// Impressions returns the impression log of an auction
func (e *Exchange) Impressions(ctx context.Context, auctionID string) ([]rtb.ImpressionRecord, error) {
	return e.ledger.Impressions(ctx, auctionID)
}

// Expire runs one retention sweep at now. Evaluated and Notified auctions
// idle for a retention window become Expired; terminal auctions idle for
// a retention window are purged.
func (e *Exchange) Expire(ctx context.Context, now time.Time) (expired, purged int, err error) {
	cutoff := now.Add(-e.cfg.RetentionWindow)
	expired, err = e.ledger.ExpireBefore(ctx, cutoff)
	if err != nil {
		return expired, 0, fmt.Errorf("expire auctions: %w", err)
	}
	purged, err = e.ledger.Purge(ctx, cutoff)
	if err != nil {
		return expired, purged, fmt.Errorf("purge auctions: %w", err)
	}
	if purged > 0 {
		e.log.Debug("purged auctions", log.Int("count", purged))
	}
	return expired, purged, nil
}

// Run sweeps on SweepInterval until ctx is done
func (e *Exchange) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := e.Expire(ctx, e.now()); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("retention sweep failed", log.Error(err))
			}
		}
	}
}

// ledgerError passes duplicates and caller errors through and wraps
// invariant violations as internal errors.
func (e *Exchange) ledgerError(op, auctionID string, err error) error {
	var conflict *rtb.ConflictError
	if errors.As(err, &conflict) {
		e.log.Error("ledger invariant violated",
			log.String("op", op),
			log.String("auction", auctionID),
			log.Error(err),
		)
		return &rtb.LedgerConflictError{Err: err}
	}
	var dup *rtb.DuplicateAuctionError
	if errors.As(err, &dup) {
		e.log.Error("duplicate auction",
			log.String("auction", auctionID),
			log.String("request", dup.RequestID),
		)
		return err
	}
	return fmt.Errorf("%s auction %s: %w", op, auctionID, err)
}

// LateReporter returns a fanout hook that records late outcomes as stats
func LateReporter(sink analytics.Sink) fanout.LateFunc {
	return func(auctionID string, o rtb.BidOutcome) {
		sink.Record(analytics.StatRecord{
			Type:      analytics.EventLateOutcome,
			AuctionID: auctionID,
			BidderID:  o.BidderID,
			Kind:      o.Kind.String(),
			Price:     offerPrice(o),
			LatencyMs: millis(o.Latency),
			Timestamp: o.ReceivedAt,
		})
	}
}

func offerPrice(o rtb.BidOutcome) *float64 {
	if !o.IsOffer() {
		return nil
	}
	return rtb.Float(o.Offer.Price)
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
