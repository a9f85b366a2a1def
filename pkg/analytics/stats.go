// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package analytics

import (
	"time"

	"github.com/shopspring/decimal"
)

const maxTransactions = 1000

// BidderStats tracks one bidder's behaviour across auctions
type BidderStats struct {
	BidderID       string  `json:"bidder_id"`
	Requests       uint64  `json:"requests"`
	Offers         uint64  `json:"offers"`
	Wins           uint64  `json:"wins"`
	NoBids         uint64  `json:"no_bids"`
	Timeouts       uint64  `json:"timeouts"`
	Failures       uint64  `json:"failures"`
	Late           uint64  `json:"late"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	WinRate        float64 `json:"win_rate"`
	NoticeFailures uint64  `json:"notice_failures"`

	totalLatencyMs float64
}

// Transaction is the financial record of a won auction
type Transaction struct {
	AuctionID     string          `json:"auction_id"`
	BidderID      string          `json:"bidder_id"`
	CampaignID    string          `json:"campaign_id"`
	ClearingPrice decimal.Decimal `json:"clearing_price"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Snapshot is a point-in-time copy of the platform statistics
type Snapshot struct {
	TotalAuctions      uint64                 `json:"total_auctions"`
	SuccessfulAuctions uint64                 `json:"successful_auctions"`
	VoidAuctions       uint64                 `json:"void_auctions"`
	FillRate           float64                `json:"fill_rate"`
	Impressions        uint64                 `json:"impressions"`
	GrossSpend         decimal.Decimal        `json:"gross_spend"`
	TotalRevenue       decimal.Decimal        `json:"total_revenue"`
	NoticesDelivered   uint64                 `json:"notices_delivered"`
	NoticesFailed      uint64                 `json:"notices_failed"`
	Dropped            uint64                 `json:"dropped_events"`
	Bidders            map[string]BidderStats `json:"bidders"`
	AuctionsPerMinute  map[int64]uint64       `json:"auctions_per_minute,omitempty"`
}

// stats aggregates records. Callers serialise access.
type stats struct {
	feeRate decimal.Decimal

	totalAuctions      uint64
	successfulAuctions uint64
	voidAuctions       uint64
	impressions        uint64
	grossSpend         decimal.Decimal
	revenue            decimal.Decimal
	noticesDelivered   uint64
	noticesFailed      uint64

	bidders      map[string]*BidderStats
	transactions []Transaction
	timeSeries   *TimeSeriesData
}

func newStats(feeRate decimal.Decimal, bucketSize time.Duration) *stats {
	return &stats{
		feeRate:    feeRate,
		bidders:    make(map[string]*BidderStats),
		timeSeries: NewTimeSeries(bucketSize),
	}
}

func (s *stats) bidder(id string) *BidderStats {
	b, ok := s.bidders[id]
	if !ok {
		b = &BidderStats{BidderID: id}
		s.bidders[id] = b
	}
	return b
}

func (s *stats) apply(rec StatRecord) {
	switch rec.Type {
	case EventAuction:
		s.totalAuctions++
		s.timeSeries.Add(rec.Timestamp)
		if rec.BidderID == "" || rec.Price == nil {
			s.voidAuctions++
			return
		}
		s.successfulAuctions++
		s.bidder(rec.BidderID).Wins++

		price := decimal.NewFromFloat(*rec.Price)
		fee := price.Mul(s.feeRate).Round(6)
		s.grossSpend = s.grossSpend.Add(price)
		s.revenue = s.revenue.Add(fee)
		s.transactions = append(s.transactions, Transaction{
			AuctionID:     rec.AuctionID,
			BidderID:      rec.BidderID,
			CampaignID:    rec.CampaignID,
			ClearingPrice: price,
			PlatformFee:   fee,
			Timestamp:     rec.Timestamp,
		})
		if over := len(s.transactions) - maxTransactions; over > 0 {
			s.transactions = append(s.transactions[:0:0], s.transactions[over:]...)
		}

	case EventOutcome:
		b := s.bidder(rec.BidderID)
		b.Requests++
		b.totalLatencyMs += rec.LatencyMs
		switch rec.Kind {
		case "offer":
			b.Offers++
		case "no_bid":
			b.NoBids++
		case "timed_out":
			b.Timeouts++
		case "failed":
			b.Failures++
		}

	case EventLateOutcome:
		b := s.bidder(rec.BidderID)
		b.Requests++
		b.Late++
		b.totalLatencyMs += rec.LatencyMs

	case EventImpression:
		s.impressions++

	case EventNotice:
		if rec.Error == "" {
			s.noticesDelivered++
			return
		}
		s.noticesFailed++
		if rec.BidderID != "" {
			s.bidder(rec.BidderID).NoticeFailures++
		}
	}
}

func (s *stats) snapshot() Snapshot {
	snap := Snapshot{
		TotalAuctions:      s.totalAuctions,
		SuccessfulAuctions: s.successfulAuctions,
		VoidAuctions:       s.voidAuctions,
		Impressions:        s.impressions,
		GrossSpend:         s.grossSpend,
		TotalRevenue:       s.revenue,
		NoticesDelivered:   s.noticesDelivered,
		NoticesFailed:      s.noticesFailed,
		Bidders:            make(map[string]BidderStats, len(s.bidders)),
		AuctionsPerMinute:  s.timeSeries.Counts(),
	}
	if s.totalAuctions > 0 {
		snap.FillRate = float64(s.successfulAuctions) / float64(s.totalAuctions)
	}
	for id, b := range s.bidders {
		out := *b
		if b.Requests > 0 {
			out.AvgLatencyMs = b.totalLatencyMs / float64(b.Requests)
			out.WinRate = float64(b.Wins) / float64(b.Requests)
		}
		snap.Bidders[id] = out
	}
	return snap
}

// recentTransactions returns up to limit transactions, newest first
func (s *stats) recentTransactions(limit int) []Transaction {
	n := len(s.transactions)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Transaction, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.transactions[i])
	}
	return out
}
