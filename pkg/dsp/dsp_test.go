// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dsp

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rtbx/pkg/campaign"
	"github.com/luxfi/rtbx/pkg/profile"
	"github.com/luxfi/rtbx/pkg/rtb"
)

const bidderID = "dsp-demo"

func sampleCampaign(id string, budget, spent float64) campaign.Campaign {
	return campaign.Campaign{
		ID:           id,
		Name:         "Campaign " + id,
		AdvertiserID: "adv_1",
		BidderID:     bidderID,
		Budget:       decimal.NewFromFloat(budget),
		Spent:        decimal.NewFromFloat(spent),
		MaxBid:       decimal.NewFromFloat(2.5),
		Targeting: campaign.Targeting{
			DeviceTypes: []string{"mobile", "desktop"},
			Interests:   []string{"gaming", "technology"},
			Countries:   []string{"US", "CA"},
		},
		Creative: campaign.Creative{
			Title:    "Play now",
			ImageURL: "https://cdn.example.com/" + id + ".png",
			ClickURL: "https://advertiser.example.com/" + id,
		},
		Status: campaign.StatusActive,
	}
}

func sampleRequest(floor float64) rtb.AdRequest {
	return rtb.AdRequest{
		ID:     "req-1",
		UserID: "user_1",
		Slot:   rtb.AdSlot{ID: "slot-1", Width: 300, Height: 250, Position: "above_fold", FloorPrice: rtb.Float(floor)},
		Device: rtb.Device{Type: "mobile", OS: "iOS"},
		Geo:    rtb.Geo{Country: "US"},
	}
}

type fixture struct {
	bidder    *Bidder
	campaigns *campaign.MemoryStore
	profiles  *profile.MemoryStore
}

func newFixture(t *testing.T, cfg Config, camps ...campaign.Campaign) *fixture {
	t.Helper()
	ctx := context.Background()

	campaigns := campaign.NewMemoryStore(nil)
	for _, c := range camps {
		_, err := campaigns.Create(ctx, c)
		require.NoError(t, err)
	}
	profiles := profile.NewMemoryStore(nil)
	_, err := profiles.Upsert(ctx, profile.Profile{UserID: "user_1", Interests: []string{"Gaming", "technology", "music"}})
	require.NoError(t, err)

	cfg.BidderID = bidderID
	b, err := New(cfg, campaigns, profiles, nil)
	require.NoError(t, err)
	return &fixture{bidder: b, campaigns: campaigns, profiles: profiles}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil)
	require.Error(t, err)

	_, err = New(Config{BidderID: "x", MinBid: 3, MaxBid: 1}, nil, nil, nil)
	require.Error(t, err)
}

func TestMatches(t *testing.T) {
	prof := profile.Profile{UserID: "user_1", Interests: []string{"technology"}}
	base := sampleCampaign("camp_1", 1000, 100).Targeting

	tests := []struct {
		name   string
		target campaign.Targeting
		mutate func(*rtb.AdRequest)
		prof   profile.Profile
		want   bool
	}{
		{name: "all match", target: base, prof: prof, want: true},
		{name: "device case insensitive", target: base, mutate: func(r *rtb.AdRequest) { r.Device.Type = "Desktop" }, prof: prof, want: true},
		{name: "wrong device", target: base, mutate: func(r *rtb.AdRequest) { r.Device.Type = "ctv" }, prof: prof},
		{name: "wrong country", target: base, mutate: func(r *rtb.AdRequest) { r.Geo.Country = "FR" }, prof: prof},
		{name: "no shared interest", target: base, prof: profile.Profile{Interests: []string{"cooking"}}},
		{name: "unknown user", target: base},
		{name: "empty targeting", target: campaign.Targeting{}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sampleRequest(0.5)
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			require.Equal(t, tt.want, matches(tt.target, req, tt.prof))
		})
	}
}

func TestEvaluatePrefersMostRemainingBudget(t *testing.T) {
	f := newFixture(t, Config{},
		sampleCampaign("camp_small", 1000, 600),
		sampleCampaign("camp_large", 1000, 100),
	)

	bid, err := f.bidder.Evaluate(context.Background(), sampleRequest(0.5))
	require.NoError(t, err)
	require.NotNil(t, bid)
	require.Equal(t, "camp_large", bid.Campaign.ID)
}

func TestEvaluatePricing(t *testing.T) {
	f := newFixture(t, Config{}, sampleCampaign("camp_1", 1000, 100))
	ctx := context.Background()

	// two matched interests boost the base bid by half
	bid, err := f.bidder.Evaluate(ctx, sampleRequest(0.5))
	require.NoError(t, err)
	require.NotNil(t, bid)
	require.InDelta(t, 0.75, bid.Price, 1e-9)

	bid, err = f.bidder.Evaluate(ctx, sampleRequest(2.0))
	require.NoError(t, err)
	require.NotNil(t, bid)
	require.Greater(t, bid.Price, 2.0)
	require.LessOrEqual(t, bid.Price, 2.5)
	require.Equal(t, bid.Price, decimal.NewFromFloat(bid.Price).Round(4).InexactFloat64())

	// the floor is above the campaign max bid
	bid, err = f.bidder.Evaluate(ctx, sampleRequest(3.0))
	require.NoError(t, err)
	require.Nil(t, bid)
}

func TestEvaluateRespectsRemainingBudget(t *testing.T) {
	f := newFixture(t, Config{}, sampleCampaign("camp_1", 10, 9.6))

	bid, err := f.bidder.Evaluate(context.Background(), sampleRequest(0.1))
	require.NoError(t, err)
	require.NotNil(t, bid)
	require.InDelta(t, 0.4, bid.Price, 1e-9)
}

func TestEvaluateSkipsExhaustedAndPaused(t *testing.T) {
	paused := sampleCampaign("camp_paused", 1000, 0)
	paused.Status = campaign.StatusPaused
	f := newFixture(t, Config{}, sampleCampaign("camp_spent", 100, 100), paused)

	bid, err := f.bidder.Evaluate(context.Background(), sampleRequest(0.5))
	require.NoError(t, err)
	require.Nil(t, bid)
}

func TestFrequencyCap(t *testing.T) {
	f := newFixture(t, Config{FrequencyCap: 2}, sampleCampaign("camp_1", 1000, 100))
	ctx := context.Background()
	day := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f.bidder.freq.now = func() time.Time { return day }

	for range 2 {
		bid, err := f.bidder.Evaluate(ctx, sampleRequest(0.5))
		require.NoError(t, err)
		require.NotNil(t, bid)
		require.NoError(t, f.bidder.RecordWin(ctx, bid.Campaign.ID, "user_1", bid.Price))
	}

	bid, err := f.bidder.Evaluate(ctx, sampleRequest(0.5))
	require.NoError(t, err)
	require.Nil(t, bid)

	// another user is not capped
	req := sampleRequest(0.5)
	req.UserID = "user_2"
	_, err = f.profiles.Upsert(ctx, profile.Profile{UserID: "user_2", Interests: []string{"gaming"}})
	require.NoError(t, err)
	bid, err = f.bidder.Evaluate(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, bid)

	day = day.Add(24 * time.Hour)
	bid, err = f.bidder.Evaluate(ctx, sampleRequest(0.5))
	require.NoError(t, err)
	require.NotNil(t, bid)
}

func TestRecordWinStats(t *testing.T) {
	f := newFixture(t, Config{}, sampleCampaign("camp_1", 1000, 100))

	_, err := f.bidder.Evaluate(context.Background(), sampleRequest(0.5))
	require.NoError(t, err)
	require.NoError(t, f.bidder.RecordWin(context.Background(), "camp_1", "user_1", 0.6))
	require.NoError(t, f.bidder.RecordWin(context.Background(), "camp_1", "user_1", 0.4))

	stats := f.bidder.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, uint64(1), stats[0].Bids)
	require.Equal(t, uint64(2), stats[0].Impressions)
	require.Equal(t, "1", stats[0].Spend.String())

	// The exchange owns settlement by default.
	c, err := f.campaigns.Get(context.Background(), "camp_1")
	require.NoError(t, err)
	require.True(t, c.Spent.IsZero())
}

func TestRecordWinDebitsBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{DebitOnWin: true}, sampleCampaign("camp_1", 1, 0))

	require.NoError(t, f.bidder.RecordWin(ctx, "camp_1", "user_1", 0.6))
	c, err := f.campaigns.Get(ctx, "camp_1")
	require.NoError(t, err)
	require.Equal(t, "0.4", c.Remaining().String())
	require.EqualValues(t, 1, c.Impressions)

	err = f.bidder.RecordWin(ctx, "camp_1", "user_1", 0.6)
	require.ErrorIs(t, err, campaign.ErrBudgetExceeded)
	require.ErrorIs(t, f.bidder.RecordWin(ctx, "missing", "user_1", 0.1), campaign.ErrNotFound)
}
