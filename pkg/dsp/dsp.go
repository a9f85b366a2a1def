// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dsp is a demand-side bidder that prices exchange requests from
// its campaigns and the user's profile.
package dsp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/luxfi/rtbx/pkg/campaign"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/profile"
	"github.com/luxfi/rtbx/pkg/rtb"
)

// Config tunes the pricing model
type Config struct {
	BidderID      string
	MinBid        float64
	MaxBid        float64
	BaseBid       float64
	InterestBoost float64
	FloorMarkup   float64
	FrequencyCap  int

	// DebitOnWin charges the clearing price to the campaign budget when a
	// win notice arrives. Enable it when no exchange settles against the
	// same campaign store.
	DebitOnWin bool
}

func (c *Config) setDefaults() {
	if c.MinBid <= 0 {
		c.MinBid = 0.10
	}
	if c.MaxBid <= 0 {
		c.MaxBid = 5.00
	}
	if c.BaseBid <= 0 {
		c.BaseBid = 0.50
	}
	if c.InterestBoost <= 0 {
		c.InterestBoost = 0.25
	}
	if c.FloorMarkup <= 0 {
		c.FloorMarkup = 0.10
	}
	if c.FrequencyCap <= 0 {
		c.FrequencyCap = 5
	}
}

// Bid is the bidder's answer for one request
type Bid struct {
	Campaign campaign.Campaign
	Price    float64
}

// CampaignStats counts what a campaign bought through this bidder
type CampaignStats struct {
	CampaignID  string          `json:"campaign_id"`
	Bids        uint64          `json:"bids"`
	Impressions uint64          `json:"impressions"`
	Spend       decimal.Decimal `json:"spend"`
}

// Bidder evaluates requests against the active campaigns routed to it
type Bidder struct {
	cfg       Config
	campaigns campaign.Store
	profiles  profile.Store
	freq      *FrequencyManager
	log       log.Logger

	mu    sync.Mutex
	stats map[string]*CampaignStats
}

func New(cfg Config, campaigns campaign.Store, profiles profile.Store, logger log.Logger) (*Bidder, error) {
	cfg.setDefaults()
	if cfg.BidderID == "" {
		return nil, errors.New("dsp: bidder id required")
	}
	if cfg.MinBid > cfg.MaxBid {
		return nil, fmt.Errorf("dsp: min bid %v above max bid %v", cfg.MinBid, cfg.MaxBid)
	}
	if logger == nil {
		logger = log.NoOp()
	}
	return &Bidder{
		cfg:       cfg,
		campaigns: campaigns,
		profiles:  profiles,
		freq:      NewFrequencyManager(cfg.FrequencyCap, logger),
		log:       logger,
		stats:     make(map[string]*CampaignStats),
	}, nil
}

// ID returns the exchange-facing bidder id
func (b *Bidder) ID() string {
	return b.cfg.BidderID
}

// Evaluate picks a campaign and a price for req. It returns nil when no
// campaign matches, fits its budget and frequency cap, and can beat the floor.
func (b *Bidder) Evaluate(ctx context.Context, req rtb.AdRequest) (*Bid, error) {
	active, err := b.campaigns.GetActiveCampaignsForBidder(ctx, b.cfg.BidderID)
	if err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}

	var prof profile.Profile
	if req.UserID != "" && b.profiles != nil {
		prof, err = b.profiles.GetProfile(ctx, req.UserID)
		if err != nil && !errors.Is(err, profile.ErrNotFound) {
			return nil, fmt.Errorf("load profile: %w", err)
		}
	}

	var candidates []campaign.Campaign
	for _, c := range active {
		if matches(c.Targeting, req, prof) && b.freq.Allowed(req.UserID, c.ID) {
			candidates = append(candidates, c)
		}
	}
	best, ok := selectBest(candidates)
	if !ok {
		return nil, nil
	}

	price, ok := b.price(best, req, prof)
	if !ok {
		b.log.Debug("floor above campaign max bid",
			log.String("campaign", best.ID),
			log.Float64("floor", req.Slot.Floor()),
		)
		return nil, nil
	}

	b.mu.Lock()
	b.statsFor(best.ID).Bids++
	b.mu.Unlock()
	return &Bid{Campaign: best, Price: price}, nil
}

// RecordWin books an impression against the campaign's frequency cap and
// stats. With DebitOnWin the price is also debited from the campaign
// budget; otherwise the exchange settles it.
func (b *Bidder) RecordWin(ctx context.Context, campaignID, userID string, price float64) error {
	b.freq.Record(userID, campaignID)

	b.mu.Lock()
	s := b.statsFor(campaignID)
	s.Impressions++
	s.Spend = s.Spend.Add(decimal.NewFromFloat(price))
	b.mu.Unlock()

	b.log.Info("win recorded",
		log.String("campaign", campaignID),
		log.String("user", userID),
		log.Float64("price", price),
	)
	if !b.cfg.DebitOnWin {
		return nil
	}
	if _, err := b.campaigns.DebitBudget(ctx, campaignID, decimal.NewFromFloat(price)); err != nil {
		return fmt.Errorf("debit campaign %s: %w", campaignID, err)
	}
	return nil
}

// Stats returns per-campaign counters sorted by campaign id
func (b *Bidder) Stats() []CampaignStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]CampaignStats, 0, len(b.stats))
	for _, s := range b.stats {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(x, y CampaignStats) int { return strings.Compare(x.CampaignID, y.CampaignID) })
	return out
}

func (b *Bidder) statsFor(campaignID string) *CampaignStats {
	s, ok := b.stats[campaignID]
	if !ok {
		s = &CampaignStats{CampaignID: campaignID}
		b.stats[campaignID] = s
	}
	return s
}

// price boosts the base bid per matched interest, keeps it within the
// campaign and bidder limits and above the floor, rounded to 4 places.
func (b *Bidder) price(c campaign.Campaign, req rtb.AdRequest, prof profile.Profile) (float64, bool) {
	ceiling := decimal.NewFromFloat(b.cfg.MaxBid)
	if c.MaxBid.IsPositive() && c.MaxBid.LessThan(ceiling) {
		ceiling = c.MaxBid
	}
	if remaining := c.Remaining(); remaining.LessThan(ceiling) {
		ceiling = remaining
	}

	matched := 0
	for _, interest := range c.Targeting.Interests {
		if prof.HasInterest(interest) {
			matched++
		}
	}
	boost := decimal.NewFromFloat(1 + b.cfg.InterestBoost*float64(matched))
	p := decimal.NewFromFloat(b.cfg.BaseBid).Mul(boost)

	floor := decimal.NewFromFloat(req.Slot.Floor())
	if !p.GreaterThan(floor) {
		p = floor.Mul(decimal.NewFromFloat(1 + b.cfg.FloorMarkup))
	}
	p = decimal.Max(p, decimal.NewFromFloat(b.cfg.MinBid))
	p = decimal.Min(p, ceiling).Round(4)

	if !p.GreaterThan(floor) || !p.IsPositive() {
		return 0, false
	}
	return p.InexactFloat64(), true
}

// matches applies device, country and interest targeting. Empty lists
// match everything; interest targeting needs at least one shared interest.
func matches(t campaign.Targeting, req rtb.AdRequest, prof profile.Profile) bool {
	if len(t.DeviceTypes) > 0 && !containsFold(t.DeviceTypes, req.Device.Type) {
		return false
	}
	if len(t.Countries) > 0 && !containsFold(t.Countries, req.Geo.Country) {
		return false
	}
	if len(t.Interests) > 0 && !slices.ContainsFunc(t.Interests, prof.HasInterest) {
		return false
	}
	return true
}

// selectBest prefers the campaign with the most budget left
func selectBest(candidates []campaign.Campaign) (campaign.Campaign, bool) {
	if len(candidates) == 0 {
		return campaign.Campaign{}, false
	}
	best := slices.MaxFunc(candidates, func(x, y campaign.Campaign) int {
		if c := x.Remaining().Cmp(y.Remaining()); c != 0 {
			return c
		}
		return strings.Compare(y.ID, x.ID)
	})
	return best, true
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}
