// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dsp

import (
	"encoding/json"
	"errors"
	"html"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/luxfi/rtbx/pkg/campaign"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/rtb"
)

const maxBodyBytes = 1 << 20

// Server exposes a Bidder as an OpenRTB endpoint
type Server struct {
	bidder     *Bidder
	publicURL  string
	log        log.Logger
	management http.Handler
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithManagement serves h under /api/ next to the bidding endpoints, so
// campaign and profile edits reach the stores this bidder prices from.
func WithManagement(h http.Handler) ServerOption {
	return func(s *Server) { s.management = h }
}

// NewServer serves b. publicURL is the base the exchange reaches this
// bidder at and prefixes the win notice URL.
func NewServer(b *Bidder, publicURL string, logger log.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = log.NoOp()
	}
	s := &Server{bidder: b, publicURL: publicURL, log: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	if s.management != nil {
		r.PathPrefix("/api/").Handler(s.management)
	}
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/bid", s.handleBid).Methods(http.MethodPost)
	r.HandleFunc("/win", s.handleWin).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/campaigns", s.handleCampaigns).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "bidder": s.bidder.ID()})
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	var bidReq openrtb2.BidRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&bidReq); err != nil {
		http.Error(w, "invalid bid request", http.StatusBadRequest)
		return
	}
	req, err := rtb.AdRequestFromBidRequest(&bidReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	bid, err := s.bidder.Evaluate(r.Context(), req)
	if err != nil {
		s.log.Error("bid evaluation failed", log.String("request", bidReq.ID), log.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if bid == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	c := bid.Campaign
	resp := openrtb2.BidResponse{
		ID: bidReq.ID,
		SeatBid: []openrtb2.SeatBid{{
			Seat: s.bidder.ID(),
			Bid: []openrtb2.Bid{{
				ID:    bidReq.ID + "-" + c.ID,
				ImpID: bidReq.Imp[0].ID,
				Price: bid.Price,
				AdM:   renderCreative(c.Creative.Title, c.Creative.ImageURL, c.Creative.ClickURL),
				CID:   c.ID,
				CrID:  c.ID + "-creative",
				NURL:  s.winURL(c.ID, req.UserID),
			}},
		}},
		Cur: "USD",
	}
	writeJSON(w, http.StatusOK, resp)
}

// winURL leaves the price macro unescaped so the exchange can expand it
func (s *Server) winURL(campaignID, userID string) string {
	q := url.Values{}
	q.Set("campaign", campaignID)
	if userID != "" {
		q.Set("user", userID)
	}
	return s.publicURL + "/win?" + q.Encode() + "&price=" + rtb.AuctionPriceMacro
}

func (s *Server) handleWin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	campaignID := q.Get("campaign")
	price, err := strconv.ParseFloat(q.Get("price"), 64)
	if campaignID == "" || err != nil || price <= 0 {
		http.Error(w, "campaign and positive price required", http.StatusBadRequest)
		return
	}
	if err := s.bidder.RecordWin(r.Context(), campaignID, q.Get("user"), price); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, campaign.ErrBudgetExceeded):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, campaign.ErrNotFound):
			status = http.StatusNotFound
		}
		s.log.Warn("win settlement failed", log.String("campaign", campaignID), log.Error(err))
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"bidder":    s.bidder.ID(),
		"campaigns": s.bidder.Stats(),
	})
}

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	active, err := s.bidder.campaigns.GetActiveCampaignsForBidder(r.Context(), s.bidder.ID())
	if err != nil {
		s.log.Error("listing campaigns failed", log.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func renderCreative(title, image, click string) string {
	if title == "" {
		title = "Sponsored"
	}
	title = html.EscapeString(title)
	adm := `<a href="` + html.EscapeString(click) + `">`
	if image != "" {
		adm += `<img src="` + html.EscapeString(image) + `" alt="` + title + `"/>`
	} else {
		adm += title
	}
	return adm + "</a>"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
