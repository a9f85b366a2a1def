// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package notify delivers win notices off the auction path.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/rtbx/pkg/analytics"
	"github.com/luxfi/rtbx/pkg/campaign"
	"github.com/luxfi/rtbx/pkg/ledger"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/metric"
	"github.com/luxfi/rtbx/pkg/rtb"
)

var (
	ErrQueueFull = errors.New("win notice queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	statusDelivered = "delivered"
	statusFailed    = "failed"
	statusSkipped   = "skipped"
	statusDropped   = "dropped"
	statusStale     = "stale"
	statusAbandoned = "abandoned"
)

// Notice is one cleared auction waiting for delivery
type Notice struct {
	AuctionID     string
	Winner        rtb.BidOutcome
	ClearingPrice float64
}

// Ledger is the part of the auction ledger the notifier reads and writes
type Ledger interface {
	Get(ctx context.Context, auctionID string) (rtb.AuctionRecord, error)
	TransitionTo(ctx context.Context, auctionID string, to rtb.Status, fields ...ledger.Field) (rtb.AuctionRecord, error)
}

// Config bounds the worker pool and retry policy
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Timeout     time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// DrainTimeout is how long queued notices keep being delivered after
	// shutdown starts.
	DrainTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
}

// Notifier owns a bounded queue and the workers draining it
type Notifier struct {
	cfg       Config
	queue     chan Notice
	ledger    Ledger
	campaigns campaign.Store
	client    *http.Client
	stats     analytics.Sink
	log       log.Logger
	metrics   *metric.Metrics

	// mu orders Enqueue against shutdown: once stopped is set no notice
	// enters the queue, so the queue can be closed.
	mu      sync.RWMutex
	stopped bool
}

// Option configures a Notifier
type Option func(*Notifier)

// WithCampaigns debits the winning campaign's budget on every win
func WithCampaigns(store campaign.Store) Option {
	return func(n *Notifier) { n.campaigns = store }
}

// WithStats records one notice event per delivered or failed notice
func WithStats(sink analytics.Sink) Option {
	return func(n *Notifier) { n.stats = sink }
}

// WithMetrics sets the metrics instance; a private one is used otherwise
func WithMetrics(m *metric.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithHTTPClient replaces the client used for win notice requests
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// New creates a notifier. Workers start with Run.
func New(cfg Config, l Ledger, logger log.Logger, opts ...Option) *Notifier {
	cfg.setDefaults()
	if logger == nil {
		logger = log.NoOp()
	}
	n := &Notifier{
		cfg:     cfg,
		queue:   make(chan Notice, cfg.QueueSize),
		ledger:  l,
		client:  &http.Client{},
		stats:   analytics.Discard,
		log:     logger,
		metrics: metric.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enqueue hands a notice to the workers without blocking. A full queue
// drops the notice; the auction result is unaffected.
func (n *Notifier) Enqueue(notice Notice) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stopped {
		return ErrStopped
	}
	select {
	case n.queue <- notice:
		n.metrics.NotifyQueueSize.Set(float64(len(n.queue)))
		return nil
	default:
		n.metrics.Notifications.WithLabelValues(statusDropped).Inc()
		n.log.Warn("win notice dropped",
			log.String("auction", notice.AuctionID),
			log.Int("queueSize", n.cfg.QueueSize),
		)
		return fmt.Errorf("%w: auction %s", ErrQueueFull, notice.AuctionID)
	}
}

// Pending returns the number of queued notices
func (n *Notifier) Pending() int {
	return len(n.queue)
}

// Run starts the workers and blocks until ctx is done and the queue is
// drained. Enqueue fails with ErrStopped from the moment ctx is done.
// Notices still queued after DrainTimeout are abandoned: each is logged
// and recorded as Notified with ErrStopped. Run must be called once.
func (n *Notifier) Run(ctx context.Context) {
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < n.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.work(workCtx)
		}()
	}

	n.log.Info("win notifier started", log.Int("workers", n.cfg.Workers))
	<-ctx.Done()

	n.mu.Lock()
	n.stopped = true
	close(n.queue)
	n.mu.Unlock()

	pending := len(n.queue)
	grace := time.AfterFunc(n.cfg.DrainTimeout, cancel)
	wg.Wait()
	grace.Stop()
	n.log.Info("win notifier stopped", log.Int("drained", pending))
}

func (n *Notifier) work(ctx context.Context) {
	for notice := range n.queue {
		n.metrics.NotifyQueueSize.Set(float64(len(n.queue)))
		if ctx.Err() != nil {
			n.abandon(notice)
			continue
		}
		n.Deliver(ctx, notice)
	}
}

// abandon settles a notice that shutdown left undelivered
func (n *Notifier) abandon(notice Notice) {
	n.log.Warn("win notice abandoned at shutdown",
		log.String("auction", notice.AuctionID),
		log.String("bidder", notice.Winner.BidderID),
	)
	err := fmt.Errorf("%w: %w", rtb.ErrNotificationFailed, ErrStopped)
	n.settle(context.Background(), notice, statusAbandoned, err, time.Now())
}

// Deliver sends one notice synchronously: the HTTP notice with retries,
// the ledger transition to Notified and then the budget debit. Notices
// for auctions no longer awaiting one are skipped.
func (n *Notifier) Deliver(ctx context.Context, notice Notice) {
	start := time.Now()

	// Bookkeeping outlives shutdown of the send loop.
	bookCtx := context.WithoutCancel(ctx)
	rec, err := n.ledger.Get(bookCtx, notice.AuctionID)
	if err != nil || rec.Status != rtb.StatusEvaluated {
		fields := []log.Field{log.String("auction", notice.AuctionID)}
		if err != nil {
			fields = append(fields, log.Error(err))
		} else {
			fields = append(fields, log.Stringer("status", rec.Status))
		}
		n.log.Debug("win notice no longer due", fields...)
		n.metrics.Notifications.WithLabelValues(statusStale).Inc()
		return
	}

	status, noticeErr := n.send(ctx, notice)
	n.settle(bookCtx, notice, status, noticeErr, start)
}

// settle records the notice outcome. The budget is debited only when
// this notice moved the record to Notified.
func (n *Notifier) settle(ctx context.Context, notice Notice, status string, noticeErr error, start time.Time) {
	_, err := n.ledger.TransitionTo(ctx, notice.AuctionID, rtb.StatusNotified, ledger.WithNoticeError(noticeErr))
	var conflict *rtb.ConflictError
	switch {
	case errors.As(err, &conflict):
		// Expired or already notified between the check and the write.
		n.log.Debug("notice transition skipped",
			log.String("auction", notice.AuctionID),
			log.Error(err),
		)
		status = statusStale
	case err != nil:
		n.log.Error("failed to record win notice",
			log.String("auction", notice.AuctionID),
			log.Error(err),
		)
	default:
		n.debit(ctx, notice)
	}

	n.metrics.Notifications.WithLabelValues(status).Inc()
	rec := analytics.StatRecord{
		Type:      analytics.EventNotice,
		AuctionID: notice.AuctionID,
		BidderID:  notice.Winner.BidderID,
		Kind:      status,
		Price:     rtb.Float(notice.ClearingPrice),
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
		Timestamp: time.Now(),
	}
	if notice.Winner.Offer != nil {
		rec.CampaignID = notice.Winner.Offer.CampaignID
	}
	if noticeErr != nil {
		rec.Error = noticeErr.Error()
	}
	n.stats.Record(rec)
}

func (n *Notifier) send(ctx context.Context, notice Notice) (string, error) {
	if notice.Winner.Offer == nil || notice.Winner.Offer.WinNoticeURL == "" {
		return statusSkipped, nil
	}
	url := rtb.ExpandPriceMacro(notice.Winner.Offer.WinNoticeURL, notice.ClearingPrice)

	var lastErr error
	backoff := n.cfg.BaseBackoff
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		lastErr = n.get(ctx, url)
		if lastErr == nil {
			n.log.Debug("win notice delivered",
				log.String("auction", notice.AuctionID),
				log.String("bidder", notice.Winner.BidderID),
				log.Int("attempt", attempt),
			)
			return statusDelivered, nil
		}
		n.log.Debug("win notice attempt failed",
			log.String("auction", notice.AuctionID),
			log.Int("attempt", attempt),
			log.Error(lastErr),
		)
		if attempt == n.cfg.MaxAttempts {
			break
		}

		if err := sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
		backoff = min(backoff*2, n.cfg.MaxBackoff)
	}

	err := fmt.Errorf("%w: bidder %s: %v", rtb.ErrNotificationFailed, notice.Winner.BidderID, lastErr)
	n.log.Warn("win notice failed",
		log.String("auction", notice.AuctionID),
		log.String("bidder", notice.Winner.BidderID),
		log.Error(err),
	)
	return statusFailed, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (n *Notifier) get(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) debit(ctx context.Context, notice Notice) {
	if n.campaigns == nil || notice.Winner.Offer == nil || notice.Winner.Offer.CampaignID == "" {
		return
	}
	campaignID := notice.Winner.Offer.CampaignID
	_, err := n.campaigns.DebitBudget(ctx, campaignID, decimal.NewFromFloat(notice.ClearingPrice))
	switch {
	case err == nil:
	case errors.Is(err, campaign.ErrNotFound):
		n.log.Debug("win for unknown campaign",
			log.String("auction", notice.AuctionID),
			log.String("campaign", campaignID),
		)
	case errors.Is(err, campaign.ErrBudgetExceeded):
		n.log.Warn("campaign budget exhausted",
			log.String("auction", notice.AuctionID),
			log.String("campaign", campaignID),
			log.Float64("price", notice.ClearingPrice),
		)
	default:
		n.log.Error("failed to debit campaign budget",
			log.String("auction", notice.AuctionID),
			log.String("campaign", campaignID),
			log.Error(err),
		)
	}
}
