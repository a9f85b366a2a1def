// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bidder

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/rtbx/internal/testing/bidders"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/rtb"
)

func testRequest() rtb.AdRequest {
	return rtb.AdRequest{
		ID:     "req-1",
		UserID: "user-1",
		Slot: rtb.AdSlot{
			ID:         "slot-1",
			Width:      300,
			Height:     250,
			Position:   "above_fold",
			FloorPrice: rtb.Float(0.5),
		},
		Device: rtb.Device{Type: "mobile", OS: "ios", IP: "10.0.0.1"},
		Geo:    rtb.Geo{Country: "US"},
	}
}

func TestHTTPClientOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		behavior bidders.Behavior
		kind     rtb.OutcomeKind
	}{
		{name: "offer", behavior: bidders.Fixed(0.75, "camp-a"), kind: rtb.OutcomeOffer},
		{name: "no content", behavior: bidders.NoBid(), kind: rtb.OutcomeNoBid},
		{name: "empty seatbid", behavior: bidders.EmptySeatBid(), kind: rtb.OutcomeNoBid},
		{name: "server error", behavior: bidders.Status(http.StatusInternalServerError), kind: rtb.OutcomeFailed},
		{name: "garbage body", behavior: bidders.Garbage(), kind: rtb.OutcomeFailed},
		{name: "hang", behavior: bidders.Hang(), kind: rtb.OutcomeTimedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			srv := bidders.New(t, tt.behavior)
			client := NewHTTPClient(nil, log.NoOp())

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			ctx = WithAuctionID(ctx, "auction-1")

			start := time.Now()
			outcome := client.RequestBid(ctx, srv.Endpoint("dsp", 50*time.Millisecond), testRequest())
			require.Less(time.Since(start), 500*time.Millisecond)
			require.Equal(tt.kind, outcome.Kind, outcome.Reason)
			require.Equal("dsp", outcome.BidderID)
			require.Positive(outcome.Latency)
		})
	}
}

func TestHTTPClientSendsOpenRTBRequest(t *testing.T) {
	require := require.New(t)

	srv := bidders.New(t, bidders.Fixed(0.75, "camp-a"))
	client := NewHTTPClient(nil, log.NoOp())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	outcome := client.RequestBid(WithAuctionID(ctx, "auction-1"), srv.Endpoint("dsp", 0), testRequest())
	require.True(outcome.IsOffer())
	require.Equal(0.75, outcome.Offer.Price)
	require.Equal("camp-a", outcome.Offer.CampaignID)
	require.Equal(srv.WinURL(), outcome.Offer.WinNoticeURL)

	sent := srv.LastRequest()
	require.NotNil(sent)
	require.Equal("auction-1", sent.ID)
	require.Equal(0.5, sent.Imp[0].BidFloor)
	require.EqualValues(300, *sent.Imp[0].Banner.W)
	require.Equal("user-1", sent.User.ID)
	require.Positive(sent.TMax)
	require.LessOrEqual(sent.TMax, int64(80))
}

func TestHTTPClientCancelledContext(t *testing.T) {
	srv := bidders.New(t, bidders.Fixed(1, "camp"))
	client := NewHTTPClient(nil, log.NoOp())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := client.RequestBid(ctx, srv.Endpoint("dsp", 0), testRequest())
	require.Equal(t, rtb.OutcomeTimedOut, outcome.Kind)
	require.Zero(t, srv.Requests())
}

func TestHTTPClientQPSLimit(t *testing.T) {
	require := require.New(t)

	srv := bidders.New(t, bidders.NoBid())
	client := NewHTTPClient(nil, log.NoOp())
	endpoint := srv.Endpoint("dsp", 0)
	endpoint.QPS = 1

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first := client.RequestBid(ctx, endpoint, testRequest())
	require.Equal(rtb.OutcomeNoBid, first.Kind)

	second := client.RequestBid(ctx, endpoint, testRequest())
	require.Equal(rtb.OutcomeFailed, second.Kind)
	require.Equal("qps limit exceeded", second.Reason)
	require.Equal(1, srv.Requests())
}

func TestHTTPClientUnreachable(t *testing.T) {
	client := NewHTTPClient(nil, log.NoOp())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	outcome := client.RequestBid(ctx, rtb.BidderEndpoint{ID: "gone", Address: "http://127.0.0.1:1/bid", Enabled: true}, testRequest())
	require.Equal(t, rtb.OutcomeFailed, outcome.Kind)
	require.NotEmpty(t, outcome.Reason)
}
