// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/rtbx/pkg/log"
)

// Publisher forwards records to an external system
type Publisher interface {
	Publish(ctx context.Context, rec StatRecord) error
}

// Tracker aggregates exchange telemetry. Record never blocks: when the
// event stream is full the record is dropped and counted.
type Tracker struct {
	log log.Logger

	// Event stream for real-time analytics
	EventStream chan StatRecord
	outbound    chan StatRecord
	publishers  []Publisher
	dropped     atomic.Uint64

	mu    sync.RWMutex
	stats *stats

	feeRate    decimal.Decimal
	bucketSize time.Duration
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithBufferSize sets the event stream capacity
func WithBufferSize(n int) TrackerOption {
	return func(t *Tracker) {
		t.EventStream = make(chan StatRecord, n)
		t.outbound = make(chan StatRecord, n)
	}
}

// WithPublisher adds a downstream publisher
func WithPublisher(p Publisher) TrackerOption {
	return func(t *Tracker) { t.publishers = append(t.publishers, p) }
}

// WithBucketSize sets the width of the auctions-per-bucket series
func WithBucketSize(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.bucketSize = d }
}

// NewTracker creates a tracker charging feeRate on every clearing price
func NewTracker(feeRate float64, logger log.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = log.NoOp()
	}
	t := &Tracker{
		log:         logger,
		EventStream: make(chan StatRecord, 10000),
		outbound:    make(chan StatRecord, 10000),
		feeRate:     decimal.NewFromFloat(feeRate),
		bucketSize:  time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.stats = newStats(t.feeRate, t.bucketSize)
	return t
}

// Record enqueues a record for aggregation
func (t *Tracker) Record(rec StatRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case t.EventStream <- rec:
	default:
		// Buffer full, drop event
		t.dropped.Add(1)
	}
}

// Run aggregates records until ctx is done, then drains what is buffered
func (t *Tracker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if len(t.publishers) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.publish(ctx)
		}()
	}
	defer wg.Wait()

	for {
		select {
		case rec := <-t.EventStream:
			t.process(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-t.EventStream:
					t.process(rec)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracker) process(rec StatRecord) {
	t.mu.Lock()
	t.stats.apply(rec)
	t.mu.Unlock()

	if len(t.publishers) == 0 {
		return
	}
	select {
	case t.outbound <- rec:
	default:
		t.dropped.Add(1)
	}
}

func (t *Tracker) publish(ctx context.Context) {
	for {
		select {
		case rec := <-t.outbound:
			for _, p := range t.publishers {
				if err := p.Publish(ctx, rec); err != nil {
					t.log.Warn("failed to publish stat record",
						log.String("type", string(rec.Type)),
						log.String("auction", rec.AuctionID),
						log.Error(err),
					)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns current platform statistics
func (t *Tracker) Stats() Snapshot {
	t.mu.RLock()
	snap := t.stats.snapshot()
	t.mu.RUnlock()

	snap.Dropped = t.dropped.Load()
	return snap
}

// Transactions returns up to limit recent transactions, newest first
func (t *Tracker) Transactions(limit int) []Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats.recentTransactions(limit)
}

// Reset clears all aggregates
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.stats = newStats(t.feeRate, t.bucketSize)
	t.mu.Unlock()
	t.dropped.Store(0)
}

// FeeRate returns the platform fee rate applied to clearing prices
func (t *Tracker) FeeRate() decimal.Decimal {
	return t.feeRate
}
