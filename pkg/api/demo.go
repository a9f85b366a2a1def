// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/rtb"
)

const demoNoticeWait = 2 * time.Second

// demoContext is the optional caller context of the demo flow
type demoContext struct {
	UserID     string   `json:"user_id"`
	DeviceType string   `json:"device_type"`
	OS         string   `json:"os"`
	FloorPrice *float64 `json:"floor_price"`
	Location   struct {
		Country string `json:"country"`
		Region  string `json:"region"`
		City    string `json:"city"`
	} `json:"location"`
}

type demoAuction struct {
	AuctionID    string           `json:"auction_id"`
	Status       string           `json:"status"`
	WinningBid   *rtb.BidOutcome  `json:"winning_bid,omitempty"`
	AuctionPrice float64          `json:"auction_price"`
	Outcomes     []rtb.BidOutcome `json:"outcomes"`
}

type demoDisplay struct {
	ImpressionConfirmed bool                  `json:"impression_confirmed"`
	Impression          *rtb.ImpressionRecord `json:"impression,omitempty"`
	Reason              string                `json:"reason,omitempty"`
}

type demoSteps struct {
	UserVisit     rtb.AdRequest `json:"user_visit"`
	AuctionResult *demoAuction  `json:"auction_result,omitempty"`
	DisplayResult *demoDisplay  `json:"display_result,omitempty"`
}

type demoWorkflow struct {
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	DurationMs float64   `json:"duration_ms"`
	Steps      demoSteps `json:"steps"`
	Error      string    `json:"error,omitempty"`
}

// sampleRequest builds the ad request of a simulated page visit
func (s *Server) sampleRequest(dc demoContext) rtb.AdRequest {
	req := rtb.AdRequest{
		ID:     "demo-" + uuid.NewString(),
		UserID: dc.UserID,
		Slot: rtb.AdSlot{
			ID:         "demo-banner",
			Width:      728,
			Height:     90,
			Position:   "above_fold",
			FloorPrice: rtb.Float(s.floor),
		},
		Device: rtb.Device{
			Type:    "desktop",
			OS:      "macos",
			Browser: "chrome",
			IP:      "203.0.113.10",
		},
		Geo:       rtb.Geo{Country: "US", Region: "CA", City: "San Francisco"},
		Timestamp: time.Now(),
	}
	if req.UserID == "" {
		req.UserID = "demo-user-" + uuid.NewString()[:8]
	}
	if dc.DeviceType != "" {
		req.Device.Type = dc.DeviceType
	}
	if dc.OS != "" {
		req.Device.OS = dc.OS
	}
	if dc.FloorPrice != nil {
		req.Slot.FloorPrice = rtb.Float(*dc.FloorPrice)
	}
	if dc.Location.Country != "" {
		req.Geo = rtb.Geo{Country: dc.Location.Country, Region: dc.Location.Region, City: dc.Location.City}
	}
	return req
}

// handleDemoFlow simulates a visit, runs the auction and confirms the
// impression when there is a winner. Failures are reported in the body.
func (s *Server) handleDemoFlow(w http.ResponseWriter, r *http.Request) {
	var dc demoContext
	if err := decode(r, &dc); err != nil {
		s.writeError(w, err)
		return
	}

	start := time.Now()
	wf := demoWorkflow{WorkflowID: uuid.NewString(), Status: "success"}
	wf.Steps.UserVisit = s.sampleRequest(dc)

	s.run(r, &wf)
	wf.DurationMs = float64(time.Since(start).Microseconds()) / 1000

	s.log.Info("demo flow finished",
		log.String("workflow", wf.WorkflowID),
		log.String("status", wf.Status),
		log.Float64("durationMs", wf.DurationMs),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"demo_info": map[string]string{
			"description": "Complete RTB workflow demonstration",
			"flow":        "user visit -> auction -> win notice -> impression",
		},
		"workflow_result": wf,
	})
}

func (s *Server) run(r *http.Request, wf *demoWorkflow) {
	res, err := s.exchange.RunAuction(r.Context(), wf.Steps.UserVisit)
	if err != nil {
		wf.Status = "failed"
		wf.Error = err.Error()
		return
	}

	auction := &demoAuction{
		AuctionID:    res.AuctionID,
		Status:       res.Status.String(),
		WinningBid:   res.Winner,
		AuctionPrice: res.ClearingPrice,
		Outcomes:     res.Outcomes,
	}
	wf.Steps.AuctionResult = auction

	if res.Void() {
		wf.Status = "no_winner"
		wf.Steps.DisplayResult = &demoDisplay{Reason: "no eligible bids"}
		return
	}

	// The impression can only follow the recorded win notice.
	wctx, cancel := context.WithTimeout(r.Context(), demoNoticeWait)
	rec, err := s.exchange.AwaitNotice(wctx, res.AuctionID)
	cancel()
	if err != nil {
		wf.Status = "failed"
		wf.Error = err.Error()
		return
	}
	auction.Status = rec.Status.String()
	if rec.Status == rtb.StatusEvaluated {
		wf.Status = "impression_pending"
		wf.Steps.DisplayResult = &demoDisplay{Reason: "win notice not yet recorded"}
		return
	}

	imp, err := s.exchange.ConfirmImpression(r.Context(), res.AuctionID)
	if err != nil {
		wf.Status = "failed"
		wf.Error = err.Error()
		wf.Steps.DisplayResult = &demoDisplay{Reason: err.Error()}
		return
	}
	wf.Steps.DisplayResult = &demoDisplay{ImpressionConfirmed: true, Impression: imp}
}
