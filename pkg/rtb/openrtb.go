// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rtb

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
)

// AuctionPriceMacro is substituted with the clearing price in win notice URLs.
const AuctionPriceMacro = "${AUCTION_PRICE}"

// impExt carries slot fields that have no OpenRTB banner equivalent.
type impExt struct {
	Position string `json:"position"`
	SlotID   string `json:"slot_id,omitempty"`
}

type deviceExt struct {
	Type    string `json:"type,omitempty"`
	Browser string `json:"browser,omitempty"`
}

type geoExt struct {
	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`
}

// NewBidRequest maps an AdRequest onto the OpenRTB request sent to a bidder.
// tmax is the time the bidder has left to answer.
func NewBidRequest(auctionID string, req AdRequest, tmax time.Duration) *openrtb2.BidRequest {
	w, h := int64(req.Slot.Width), int64(req.Slot.Height)
	ie, _ := json.Marshal(impExt{Position: req.Slot.Position, SlotID: req.Slot.ID})
	de, _ := json.Marshal(deviceExt{Type: req.Device.Type, Browser: req.Device.Browser})

	geo := &openrtb2.Geo{
		Country: req.Geo.Country,
		Region:  req.Geo.Region,
		City:    req.Geo.City,
	}
	if req.Geo.Lat != nil || req.Geo.Lon != nil {
		geo.Ext, _ = json.Marshal(geoExt{Lat: req.Geo.Lat, Lon: req.Geo.Lon})
	}

	bidReq := &openrtb2.BidRequest{
		ID: auctionID,
		Imp: []openrtb2.Imp{
			{
				ID:          "1",
				TagID:       req.Slot.ID,
				Banner:      &openrtb2.Banner{W: &w, H: &h},
				BidFloor:    req.Slot.Floor(),
				BidFloorCur: "USD",
				Ext:         ie,
			},
		},
		Device: &openrtb2.Device{
			IP:  req.Device.IP,
			OS:  req.Device.OS,
			Geo: geo,
			Ext: de,
		},
		TMax: tmax.Milliseconds(),
		Cur:  []string{"USD"},
	}
	if req.UserID != "" {
		bidReq.User = &openrtb2.User{ID: req.UserID}
	}
	return bidReq
}

// AdRequestFromBidRequest recovers the exchange view of an OpenRTB request.
// Bidders use it to price with the same fields the exchange validated.
func AdRequestFromBidRequest(bidReq *openrtb2.BidRequest) (AdRequest, error) {
	if bidReq == nil || len(bidReq.Imp) == 0 {
		return AdRequest{}, &InvalidRequestError{Field: "imp", Reason: "missing"}
	}
	imp := bidReq.Imp[0]
	req := AdRequest{ID: bidReq.ID}
	req.Slot.ID = imp.TagID
	req.Slot.FloorPrice = Float(imp.BidFloor)
	if imp.Banner != nil {
		if imp.Banner.W != nil {
			req.Slot.Width = int(*imp.Banner.W)
		}
		if imp.Banner.H != nil {
			req.Slot.Height = int(*imp.Banner.H)
		}
	}
	if len(imp.Ext) > 0 {
		var ext impExt
		if err := json.Unmarshal(imp.Ext, &ext); err != nil {
			return AdRequest{}, &InvalidRequestError{Field: "imp.ext", Reason: err.Error()}
		}
		req.Slot.Position = ext.Position
	}
	if bidReq.User != nil {
		req.UserID = bidReq.User.ID
	}
	if d := bidReq.Device; d != nil {
		req.Device.IP = d.IP
		req.Device.OS = d.OS
		if len(d.Ext) > 0 {
			var ext deviceExt
			if err := json.Unmarshal(d.Ext, &ext); err == nil {
				req.Device.Type = ext.Type
				req.Device.Browser = ext.Browser
			}
		}
		if g := d.Geo; g != nil {
			req.Geo.Country = g.Country
			req.Geo.Region = g.Region
			req.Geo.City = g.City
		}
	}
	return req, nil
}

// OutcomeFromResponse converts a decoded bidder response into an outcome.
// An empty seatbid is the OpenRTB no-bid signal.
func OutcomeFromResponse(bidderID, auctionID string, resp *openrtb2.BidResponse) BidOutcome {
	if resp == nil || len(resp.SeatBid) == 0 {
		return NewNoBid(bidderID)
	}
	if resp.ID != "" && resp.ID != auctionID {
		return NewFailed(bidderID, fmt.Sprintf("response id %q does not match auction %q", resp.ID, auctionID))
	}

	var best *openrtb2.Bid
	for i := range resp.SeatBid {
		for j := range resp.SeatBid[i].Bid {
			bid := &resp.SeatBid[i].Bid[j]
			if best == nil || bid.Price > best.Price {
				best = bid
			}
		}
	}
	if best == nil {
		return NewNoBid(bidderID)
	}
	if math.IsNaN(best.Price) || math.IsInf(best.Price, 0) || best.Price <= 0 {
		return NewFailed(bidderID, fmt.Sprintf("invalid bid price %v", best.Price))
	}
	return NewOffer(bidderID, Offer{
		Price:        best.Price,
		Creative:     best.AdM,
		CampaignID:   best.CID,
		WinNoticeURL: best.NURL,
	})
}

// ExpandPriceMacro substitutes the clearing price into a win notice URL.
func ExpandPriceMacro(url string, price float64) string {
	return strings.ReplaceAll(url, AuctionPriceMacro, strconv.FormatFloat(price, 'f', -1, 64))
}
