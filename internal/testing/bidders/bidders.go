// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bidders provides httptest OpenRTB bidders for exchange tests.
package bidders

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/luxfi/rtbx/pkg/rtb"
)

// Behavior decides how a fake bidder answers one bid request
type Behavior func(s *Server, w http.ResponseWriter, r *http.Request, req *openrtb2.BidRequest)

// Server is a fake bidder backed by httptest
type Server struct {
	*httptest.Server

	behavior Behavior
	done     chan struct{}
	requests atomic.Int64

	mu      sync.Mutex
	last    *openrtb2.BidRequest
	notices []string
}

// New starts a fake bidder and closes it when the test ends
func New(t testing.TB, behavior Behavior) *Server {
	s := &Server{behavior: behavior, done: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/bid", s.handleBid)
	mux.HandleFunc("/win", s.handleWin)
	s.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		close(s.done)
		s.Server.Close()
	})
	return s
}

// Endpoint returns an enabled registry entry pointing at this server
func (s *Server) Endpoint(id string, timeout time.Duration) rtb.BidderEndpoint {
	return rtb.BidderEndpoint{
		ID:      id,
		Address: s.URL + "/bid",
		Enabled: true,
		Timeout: timeout,
	}
}

// WinURL is the notice URL fake bidders put in nurl
func (s *Server) WinURL() string {
	return s.URL + "/win?price=" + rtb.AuctionPriceMacro
}

// Requests returns the number of bid requests received
func (s *Server) Requests() int {
	return int(s.requests.Load())
}

// LastRequest returns the most recent decoded bid request
func (s *Server) LastRequest() *openrtb2.BidRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Notices returns the raw query strings of received win notices
func (s *Server) Notices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.notices...)
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	var req openrtb2.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.last = &req
	s.mu.Unlock()

	s.behavior(s, w, r, &req)
}

func (s *Server) handleWin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.notices = append(s.notices, r.URL.RawQuery)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// Fixed bids price for every request
func Fixed(price float64, campaignID string) Behavior {
	return func(s *Server, w http.ResponseWriter, _ *http.Request, req *openrtb2.BidRequest) {
		resp := openrtb2.BidResponse{
			ID: req.ID,
			SeatBid: []openrtb2.SeatBid{{
				Bid: []openrtb2.Bid{{
					ID:    req.ID + "-bid",
					ImpID: req.Imp[0].ID,
					Price: price,
					AdM:   "<div>" + campaignID + "</div>",
					CID:   campaignID,
					NURL:  s.WinURL(),
				}},
			}},
			Cur: "USD",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// NoBid answers 204
func NoBid() Behavior {
	return func(_ *Server, w http.ResponseWriter, _ *http.Request, _ *openrtb2.BidRequest) {
		w.WriteHeader(http.StatusNoContent)
	}
}

// EmptySeatBid answers 200 with no seatbid
func EmptySeatBid() Behavior {
	return func(_ *Server, w http.ResponseWriter, _ *http.Request, req *openrtb2.BidRequest) {
		_ = json.NewEncoder(w).Encode(openrtb2.BidResponse{ID: req.ID})
	}
}

// Status answers with a bare status code
func Status(code int) Behavior {
	return func(_ *Server, w http.ResponseWriter, _ *http.Request, _ *openrtb2.BidRequest) {
		w.WriteHeader(code)
	}
}

// Garbage answers 200 with a body that is not JSON
func Garbage() Behavior {
	return func(_ *Server, w http.ResponseWriter, _ *http.Request, _ *openrtb2.BidRequest) {
		_, _ = w.Write([]byte("<html>not a bid</html>"))
	}
}

// Hang never answers. It returns once the caller gives up or the server closes.
func Hang() Behavior {
	return func(s *Server, _ http.ResponseWriter, r *http.Request, _ *openrtb2.BidRequest) {
		select {
		case <-r.Context().Done():
		case <-s.done:
		}
	}
}

// Delay waits d before running next
func Delay(d time.Duration, next Behavior) Behavior {
	return func(s *Server, w http.ResponseWriter, r *http.Request, req *openrtb2.BidRequest) {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
		next(s, w, r, req)
	}
}
