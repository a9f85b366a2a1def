// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rtb

import (
	"testing"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/stretchr/testify/require"
)

func TestNewBidRequest(t *testing.T) {
	require := require.New(t)

	req := validRequest()
	bidReq := NewBidRequest("auc-123", req, 45*time.Millisecond)

	require.Equal("auc-123", bidReq.ID)
	require.Equal(int64(45), bidReq.TMax)
	require.Len(bidReq.Imp, 1)
	require.Equal(0.1, bidReq.Imp[0].BidFloor)
	require.Equal(int64(728), *bidReq.Imp[0].Banner.W)
	require.Equal(int64(90), *bidReq.Imp[0].Banner.H)
	require.Equal("user-001", bidReq.User.ID)
	require.Equal("US", bidReq.Device.Geo.Country)

	back, err := AdRequestFromBidRequest(bidReq)
	require.NoError(err)
	require.Equal("auc-123", back.ID)
	require.Equal("top", back.Slot.Position)
	require.Equal(728, back.Slot.Width)
	require.Equal(0.1, back.Slot.Floor())
	require.Equal("desktop", back.Device.Type)
	require.Equal("San Francisco", back.Geo.City)
}

func TestAdRequestFromBidRequestMissingImp(t *testing.T) {
	_, err := AdRequestFromBidRequest(&openrtb2.BidRequest{ID: "x"})
	require.Error(t, err)
}

func TestOutcomeFromResponse(t *testing.T) {
	tests := []struct {
		name  string
		resp  *openrtb2.BidResponse
		kind  OutcomeKind
		price float64
	}{
		{name: "nil response", resp: nil, kind: OutcomeNoBid},
		{name: "empty seatbid", resp: &openrtb2.BidResponse{ID: "auc-1"}, kind: OutcomeNoBid},
		{
			name: "seat without bids",
			resp: &openrtb2.BidResponse{ID: "auc-1", SeatBid: []openrtb2.SeatBid{{Seat: "s"}}},
			kind: OutcomeNoBid,
		},
		{
			name: "highest bid wins",
			resp: &openrtb2.BidResponse{ID: "auc-1", SeatBid: []openrtb2.SeatBid{{
				Bid: []openrtb2.Bid{
					{ID: "b1", ImpID: "1", Price: 0.4, CID: "c1"},
					{ID: "b2", ImpID: "1", Price: 0.9, CID: "c2", AdM: "<div/>"},
				},
			}}},
			kind:  OutcomeOffer,
			price: 0.9,
		},
		{
			name: "id mismatch",
			resp: &openrtb2.BidResponse{ID: "other", SeatBid: []openrtb2.SeatBid{{
				Bid: []openrtb2.Bid{{ID: "b1", Price: 0.4}},
			}}},
			kind: OutcomeFailed,
		},
		{
			name: "zero price",
			resp: &openrtb2.BidResponse{ID: "auc-1", SeatBid: []openrtb2.SeatBid{{
				Bid: []openrtb2.Bid{{ID: "b1", Price: 0}},
			}}},
			kind: OutcomeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := OutcomeFromResponse("dsp-a", "auc-1", tt.resp)
			require.Equal(t, tt.kind, out.Kind)
			require.Equal(t, "dsp-a", out.BidderID)
			require.Equal(t, tt.price, out.Price())
		})
	}
}

func TestExpandPriceMacro(t *testing.T) {
	got := ExpandPriceMacro("http://dsp/win?p=${AUCTION_PRICE}&a=1", 0.65)
	require.Equal(t, "http://dsp/win?p=0.65&a=1", got)
	require.Equal(t, "http://dsp/win", ExpandPriceMacro("http://dsp/win", 0.65))
}
