// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api serves the exchange over HTTP.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/rtbx/pkg/analytics"
	"github.com/luxfi/rtbx/pkg/bidder"
	"github.com/luxfi/rtbx/pkg/exchange"
	"github.com/luxfi/rtbx/pkg/ledger"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/metric"
	"github.com/luxfi/rtbx/pkg/rtb"
)

const maxBodyBytes = 1 << 20

// Server holds the handlers of the exchange API
type Server struct {
	exchange *exchange.Exchange
	tracker  *analytics.Tracker
	hub      *Hub
	metrics  *metric.Metrics
	log      log.Logger
	floor    float64
	version  string
	started  time.Time
}

type Option func(*Server)

func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithDefaultFloor sets the floor used by the demo flow when the caller
// gives none
func WithDefaultFloor(floor float64) Option {
	return func(s *Server) { s.floor = floor }
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

func NewServer(ex *exchange.Exchange, tracker *analytics.Tracker, hub *Hub, logger log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.NoOp()
	}
	s := &Server{
		exchange: ex,
		tracker:  tracker,
		hub:      hub,
		metrics:  metric.NewNop(),
		log:      logger,
		floor:    0.01,
		version:  "dev",
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetGatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auctions", s.handleRunAuction).Methods(http.MethodPost)
	v1.HandleFunc("/auctions", s.handleListAuctions).Methods(http.MethodGet)
	v1.HandleFunc("/auctions/{id}", s.handleGetAuction).Methods(http.MethodGet)
	v1.HandleFunc("/auctions/{id}/impression", s.handleImpression).Methods(http.MethodPost)
	v1.HandleFunc("/bidders", s.handleListBidders).Methods(http.MethodGet)
	v1.HandleFunc("/bidders/{id}", s.handleUpdateBidder).Methods(http.MethodPut)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/stats/reset", s.handleResetStats).Methods(http.MethodPost)
	v1.HandleFunc("/demo/rtb-flow", s.handleDemoFlow).Methods(http.MethodPost)
	if s.hub != nil {
		v1.Handle("/stream", s.hub).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"pricing_rule":   s.exchange.Policy().String(),
		"bidders":        len(s.exchange.Registry().Enabled()),
	})
}

func (s *Server) handleRunAuction(w http.ResponseWriter, r *http.Request) {
	var req rtb.AdRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.exchange.RunAuction(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.Filter{Limit: 100}
	if raw := q.Get("status"); raw != "" {
		st, err := rtb.ParseStatus(raw)
		if err != nil {
			s.writeError(w, &rtb.InvalidRequestError{Field: "status", Reason: err.Error()})
			return
		}
		filter.Status = st
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, &rtb.InvalidRequestError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		filter.Limit = n
	}

	records, err := s.exchange.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auctions": records, "count": len(records)})
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.exchange.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	imps, err := s.exchange.Impressions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auction": rec, "impressions": imps})
}

func (s *Server) handleImpression(w http.ResponseWriter, r *http.Request) {
	imp, err := s.exchange.ConfirmImpression(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, imp)
}

func (s *Server) handleListBidders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bidders": s.exchange.Registry().Snapshot()})
}

type bidderUpdate struct {
	Address   *string `json:"address"`
	Enabled   *bool   `json:"enabled"`
	TimeoutMs *int    `json:"timeout_ms"`
	QPS       *int    `json:"qps"`
}

// handleUpdateBidder toggles or edits an endpoint; a body with an address
// registers a new one.
func (s *Server) handleUpdateBidder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var upd bidderUpdate
	if err := decode(r, &upd); err != nil {
		s.writeError(w, err)
		return
	}

	registry := s.exchange.Registry()
	ep, exists := registry.Get(id)
	if !exists {
		if upd.Address == nil {
			s.writeError(w, fmt.Errorf("%w: %s", bidder.ErrUnknownBidder, id))
			return
		}
		ep = rtb.BidderEndpoint{ID: id, Enabled: true, Timeout: 50 * time.Millisecond}
	}
	if upd.Address != nil {
		if *upd.Address == "" {
			s.writeError(w, &rtb.InvalidRequestError{Field: "address", Reason: "missing"})
			return
		}
		ep.Address = *upd.Address
	}
	if upd.Enabled != nil {
		ep.Enabled = *upd.Enabled
	}
	if upd.TimeoutMs != nil {
		if *upd.TimeoutMs <= 0 {
			s.writeError(w, &rtb.InvalidRequestError{Field: "timeout_ms", Reason: "must be positive"})
			return
		}
		ep.Timeout = time.Duration(*upd.TimeoutMs) * time.Millisecond
	}
	if upd.QPS != nil {
		ep.QPS = *upd.QPS
	}

	if err := registry.Upsert(ep); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("bidder updated",
		log.String("bidder", id),
		log.String("address", ep.Address),
		log.String("enabled", strconv.FormatBool(ep.Enabled)),
	)
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("transactions"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        s.tracker.Stats(),
		"transactions": s.tracker.Transactions(limit),
		"fee_rate":     s.tracker.FeeRate(),
	})
}

func (s *Server) handleResetStats(w http.ResponseWriter, _ *http.Request) {
	s.tracker.Reset()
	s.log.Info("statistics reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// statusFor maps exchange errors onto HTTP status codes
func statusFor(err error) int {
	var (
		invalid  *rtb.InvalidRequestError
		internal *rtb.LedgerConflictError
		conflict *rtb.ConflictError
		dup      *rtb.DuplicateAuctionError
	)
	switch {
	case errors.As(err, &internal):
		return http.StatusInternalServerError
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case rtb.IsNotFound(err), errors.Is(err, bidder.ErrUnknownBidder):
		return http.StatusNotFound
	case errors.As(err, &conflict), errors.As(err, &dup):
		return http.StatusConflict
	case errors.Is(err, rtb.ErrExchangeBusy), errors.Is(err, rtb.ErrNoBidders):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	var conflict *rtb.ConflictError
	if code == http.StatusConflict && errors.As(err, &conflict) && conflict.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", log.Error(err))
		var internal *rtb.LedgerConflictError
		if !errors.As(err, &internal) {
			msg = "internal error"
		}
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &rtb.InvalidRequestError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// instrument counts requests by route template and status
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RequestsProcessed.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
