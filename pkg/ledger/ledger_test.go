// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/metric"
	"github.com/luxfi/rtbx/pkg/rtb"
	"github.com/luxfi/rtbx/pkg/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T) (*Ledger, *clock, *metric.Metrics) {
	t.Helper()
	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := metric.NewNop()
	l, err := New(storage.NewMemory(), log.NoOp(), WithClock(clk.Now), WithMetrics(m))
	require.NoError(t, err)
	return l, clk, m
}

func pending(auctionID, requestID string) rtb.AuctionRecord {
	return rtb.AuctionRecord{
		AuctionID: auctionID,
		Request: rtb.AdRequest{
			ID:   requestID,
			Slot: rtb.AdSlot{ID: "slot", Width: 300, Height: 250, Position: "top", FloorPrice: rtb.Float(0.1)},
		},
	}
}

func winner(bidder string, price float64) *rtb.BidOutcome {
	o := rtb.NewOffer(bidder, rtb.Offer{Price: price, CampaignID: "camp", WinNoticeURL: "http://w/" + rtb.AuctionPriceMacro})
	o.ReceivedAt = time.Date(2025, 3, 1, 12, 0, 0, 5e6, time.UTC)
	return &o
}

func evaluate(t *testing.T, l *Ledger, id string, w *rtb.BidOutcome, price float64) rtb.AuctionRecord {
	t.Helper()
	var outcomes []rtb.BidOutcome
	if w != nil {
		outcomes = []rtb.BidOutcome{*w}
	}
	rec, err := l.TransitionTo(context.Background(), id, rtb.StatusEvaluated, WithOutcomes(outcomes), WithResult(w, price))
	require.NoError(t, err)
	return rec
}

func TestCreateAndGet(t *testing.T) {
	require := require.New(t)
	l, clk, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(l.Create(ctx, pending("a1", "r1")))

	rec, err := l.Get(ctx, "a1")
	require.NoError(err)
	require.Equal(rtb.StatusPending, rec.Status)
	require.True(clk.Now().Equal(rec.CreatedAt))
	require.Equal(0.1, rec.Request.Slot.Floor())

	id, err := l.AuctionForRequest(ctx, "r1")
	require.NoError(err)
	require.Equal("a1", id)

	_, err = l.Get(ctx, "missing")
	require.True(rtb.IsNotFound(err))
}

func TestCreateRejectsDuplicates(t *testing.T) {
	require := require.New(t)
	l, _, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(l.Create(ctx, pending("a1", "r1")))

	var dup *rtb.DuplicateAuctionError
	err := l.Create(ctx, pending("a1", "r2"))
	require.True(errors.As(err, &dup))

	err = l.Create(ctx, pending("a2", "r1"))
	require.True(errors.As(err, &dup))
	require.Equal("a1", dup.AuctionID)
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	l, clk, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(l.Create(ctx, pending("a1", "r1")))

	clk.Advance(80 * time.Millisecond)
	rec := evaluate(t, l, "a1", winner("dsp-a", 0.75), 0.60)
	require.Equal(rtb.StatusEvaluated, rec.Status)
	require.Equal("dsp-a", rec.Winner.BidderID)
	require.Equal(0.60, rec.ClearingPrice)
	require.Len(rec.Outcomes, 1)

	clk.Advance(time.Millisecond)
	rec, err := l.TransitionTo(ctx, "a1", rtb.StatusNotified, WithNoticeError(errors.New("503")))
	require.NoError(err)
	require.Equal("503", rec.NoticeError)

	clk.Advance(time.Second)
	rec, err = l.TransitionTo(ctx, "a1", rtb.StatusImpressed)
	require.NoError(err)
	require.Equal(rtb.StatusImpressed, rec.Status)
	require.True(rec.ImpressedAt.After(rec.NotifiedAt))
	require.True(rec.NotifiedAt.After(rec.EvaluatedAt))

	stored, err := l.Get(ctx, "a1")
	require.NoError(err)
	require.Equal(rec.Winner.Offer.Price, stored.Winner.Offer.Price)
	require.True(rec.ImpressedAt.Equal(stored.ImpressedAt))
	require.True(winner("dsp-a", 0.75).ReceivedAt.Equal(stored.Winner.ReceivedAt))
}

func TestPendingToImpressedRejected(t *testing.T) {
	require := require.New(t)
	l, _, m := newLedger(t)
	ctx := context.Background()

	require.NoError(l.Create(ctx, pending("a1", "r1")))

	_, err := l.TransitionTo(ctx, "a1", rtb.StatusImpressed)
	var conflict *rtb.ConflictError
	require.True(errors.As(err, &conflict))
	require.Equal(rtb.StatusPending, conflict.From)
	require.Equal(rtb.StatusImpressed, conflict.To)

	rec, err := l.Get(ctx, "a1")
	require.NoError(err)
	require.Equal(rtb.StatusPending, rec.Status)
	require.True(rec.ImpressedAt.IsZero())
	require.Equal(1.0, m.Value("ledger_conflicts_total", nil))
}

func TestDoubleEvaluationKeepsFirstResult(t *testing.T) {
	require := require.New(t)
	l, _, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(l.Create(ctx, pending("a1", "r1")))
	evaluate(t, l, "a1", winner("dsp-a", 0.9), 0.5)

	_, err := l.TransitionTo(ctx, "a1", rtb.StatusEvaluated, WithResult(winner("dsp-b", 2.0), 1.0))
	require.True(rtb.IsConflict(err))

	rec, err := l.Get(ctx, "a1")
	require.NoError(err)
	require.Equal("dsp-a", rec.Winner.BidderID)
	require.Equal(0.5, rec.ClearingPrice)
}

func TestConcurrentEvaluationHasOneWinner(t *testing.T) {
	require := require.New(t)
	l, _, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(l.Create(ctx, pending("a1", "r1")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := winner(fmt.Sprintf("dsp-%02d", i), 1.0)
			if _, err := l.TransitionTo(ctx, "a1", rtb.StatusEvaluated, WithResult(w, 0.5)); err == nil {
				wins.Add(1)
			} else {
				assert.True(t, rtb.IsConflict(err))
			}
		}(i)
	}
	wg.Wait()
	require.EqualValues(1, wins.Load())

	rec, err := l.Get(ctx, "a1")
	require.NoError(err)
	require.Equal(rtb.StatusEvaluated, rec.Status)
	require.NotNil(rec.Winner)
}

func TestResultOnlyAtEvaluation(t *testing.T) {
	require := require.New(t)
	l, _, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(l.Create(ctx, pending("a1", "r1")))
	evaluate(t, l, "a1", winner("dsp-a", 0.9), 0.5)

	_, err := l.TransitionTo(ctx, "a1", rtb.StatusNotified, WithResult(winner("dsp-b", 3), 3))
	require.True(rtb.IsConflict(err))

	rec, err := l.Get(ctx, "a1")
	require.NoError(err)
	require.Equal(rtb.StatusEvaluated, rec.Status)
	require.Equal("dsp-a", rec.Winner.BidderID)
}

func TestClearingPriceAboveOfferRejected(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Create(ctx, pending("a1", "r1")))
	_, err := l.TransitionTo(ctx, "a1", rtb.StatusEvaluated, WithResult(winner("dsp-a", 0.5), 0.9))
	require.True(t, rtb.IsConflict(err))
}

func TestVoidAuctionCannotBeNotified(t *testing.T) {
	require := require.New(t)
	l, _, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(l.Create(ctx, pending("a1", "r1")))
	rec := evaluate(t, l, "a1", nil, 0)
	require.False(rec.HasWinner())

	_, err := l.TransitionTo(ctx, "a1", rtb.StatusNotified)
	require.True(rtb.IsConflict(err))
	_, err = l.TransitionTo(ctx, "a1", rtb.StatusImpressed)
	require.True(rtb.IsConflict(err))
}

func TestEvaluatedToImpressedRejected(t *testing.T) {
	require := require.New(t)
	l, _, m := newLedger(t)
	ctx := context.Background()

	require.NoError(l.Create(ctx, pending("a1", "r1")))
	evaluate(t, l, "a1", winner("dsp-a", 0.75), 0.60)

	_, err := l.TransitionTo(ctx, "a1", rtb.StatusImpressed)
	var conflict *rtb.ConflictError
	require.True(errors.As(err, &conflict))
	require.Equal(rtb.StatusEvaluated, conflict.From)
	require.Equal(rtb.StatusImpressed, conflict.To)
	require.Equal(1.0, m.Value("ledger_conflicts_total", nil))

	rec, err := l.Get(ctx, "a1")
	require.NoError(err)
	require.Equal(rtb.StatusEvaluated, rec.Status)
	require.True(rec.ImpressedAt.IsZero())

	// The regular order still goes through afterwards.
	_, err = l.TransitionTo(ctx, "a1", rtb.StatusNotified)
	require.NoError(err)
	rec, err = l.TransitionTo(ctx, "a1", rtb.StatusImpressed)
	require.NoError(err)
	require.False(rec.NotifiedAt.IsZero())
}

func TestExpireBeforeAndPurge(t *testing.T) {
	require := require.New(t)
	l, clk, m := newLedger(t)
	ctx := context.Background()

	for _, id := range []string{"old-evaluated", "old-impressed", "pending"} {
		require.NoError(l.Create(ctx, pending(id, "r-"+id)))
	}
	evaluate(t, l, "old-evaluated", winner("dsp-a", 1), 0.5)
	evaluate(t, l, "old-impressed", winner("dsp-a", 1), 0.5)
	_, err := l.TransitionTo(ctx, "old-impressed", rtb.StatusNotified)
	require.NoError(err)
	_, err = l.TransitionTo(ctx, "old-impressed", rtb.StatusImpressed)
	require.NoError(err)

	clk.Advance(time.Hour)
	require.NoError(l.Create(ctx, pending("fresh", "r-fresh")))
	evaluate(t, l, "fresh", winner("dsp-a", 1), 0.5)

	expired, err := l.ExpireBefore(ctx, clk.Now().Add(-30*time.Minute))
	require.NoError(err)
	require.Equal(1, expired)
	require.Equal(1.0, m.Value("auctions_expired_total", nil))

	rec, err := l.Get(ctx, "old-evaluated")
	require.NoError(err)
	require.Equal(rtb.StatusExpired, rec.Status)

	rec, err = l.Get(ctx, "fresh")
	require.NoError(err)
	require.Equal(rtb.StatusEvaluated, rec.Status)

	expiredOnly, err := l.List(ctx, Filter{Status: rtb.StatusExpired})
	require.NoError(err)
	require.Len(expiredOnly, 1)

	clk.Advance(time.Hour)
	purged, err := l.Purge(ctx, clk.Now().Add(-30*time.Minute))
	require.NoError(err)
	require.Equal(2, purged)

	_, err = l.Get(ctx, "old-impressed")
	require.True(rtb.IsNotFound(err))

	var dup *rtb.DuplicateAuctionError
	require.True(errors.As(l.Create(ctx, pending("old-impressed", "r-new")), &dup))
	require.True(errors.As(l.Create(ctx, pending("new", "r-old-impressed")), &dup))

	remaining, err := l.List(ctx, Filter{})
	require.NoError(err)
	require.Len(remaining, 2)
	require.Equal("fresh", remaining[0].AuctionID)
}

func TestImpressionLog(t *testing.T) {
	require := require.New(t)
	l, clk, _ := newLedger(t)
	ctx := context.Background()

	require.NoError(l.Create(ctx, pending("a1", "r1")))
	evaluate(t, l, "a1", winner("dsp-a", 1), 0.5)

	imp := rtb.ImpressionRecord{ID: "imp-1", AuctionID: "a1", BidderID: "dsp-a", CampaignID: "camp", Price: 0.5, DisplayedAt: clk.Now()}
	err := l.AppendImpression(ctx, imp)
	require.True(rtb.IsConflict(err))

	_, err = l.TransitionTo(ctx, "a1", rtb.StatusNotified)
	require.NoError(err)
	_, err = l.TransitionTo(ctx, "a1", rtb.StatusImpressed)
	require.NoError(err)
	require.NoError(l.AppendImpression(ctx, imp))

	var dup *rtb.DuplicateAuctionError
	require.True(errors.As(l.AppendImpression(ctx, imp), &dup))

	imps, err := l.Impressions(ctx, "a1")
	require.NoError(err)
	require.Len(imps, 1)
	require.Equal("imp-1", imps[0].ID)
	require.True(imp.DisplayedAt.Equal(imps[0].DisplayedAt))
}

func TestConcurrentAuctionsDoNotInterfere(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("a%d", i)
			assert.NoError(t, l.Create(ctx, pending(id, "r"+id)))
			_, err := l.TransitionTo(ctx, id, rtb.StatusEvaluated, WithResult(winner("dsp", 1), 0.5))
			assert.NoError(t, err)
			_, err = l.TransitionTo(ctx, id, rtb.StatusNotified)
			assert.NoError(t, err)
			_, err = l.TransitionTo(ctx, id, rtb.StatusImpressed)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	impressed, err := l.List(ctx, Filter{Status: rtb.StatusImpressed})
	require.NoError(t, err)
	require.Len(t, impressed, 64)
}

func TestCancelledContext(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, l.Create(ctx, pending("a1", "r1")), context.Canceled)
	_, err := l.Get(ctx, "a1")
	require.ErrorIs(t, err, context.Canceled)
}
