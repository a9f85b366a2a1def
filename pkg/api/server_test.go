// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rtbx/internal/testing/bidders"
	"github.com/luxfi/rtbx/pkg/analytics"
	"github.com/luxfi/rtbx/pkg/auction"
	"github.com/luxfi/rtbx/pkg/bidder"
	"github.com/luxfi/rtbx/pkg/exchange"
	"github.com/luxfi/rtbx/pkg/fanout"
	"github.com/luxfi/rtbx/pkg/ledger"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/metric"
	"github.com/luxfi/rtbx/pkg/notify"
	"github.com/luxfi/rtbx/pkg/rtb"
	"github.com/luxfi/rtbx/pkg/storage"
)

type testEnv struct {
	srv     *httptest.Server
	tracker *analytics.Tracker
	hub     *Hub
}

func newEnv(t *testing.T, endpoints ...rtb.BidderEndpoint) *testEnv {
	t.Helper()
	return newEnvWith(t, nil, endpoints...)
}

func newEnvWith(t *testing.T, opts []exchange.Option, endpoints ...rtb.BidderEndpoint) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m := metric.NewNop()
	registry, err := bidder.NewRegistry(endpoints...)
	require.NoError(t, err)
	l, err := ledger.New(storage.NewMemory(), log.NoOp(), ledger.WithMetrics(m))
	require.NoError(t, err)

	tracker := analytics.NewTracker(0.1, log.NoOp())
	hub := NewHub(log.NoOp())
	go tracker.Run(ctx)
	go hub.Run(ctx)

	coordinator := fanout.New(bidder.NewHTTPClient(nil, log.NoOp()), log.NoOp(), fanout.WithMetrics(m))
	opts = append([]exchange.Option{
		exchange.WithMetrics(m),
		exchange.WithStats(analytics.Multi(tracker, hub)),
	}, opts...)
	ex := exchange.New(exchange.Config{}, registry, coordinator, auction.NewEvaluator(auction.SecondPrice), l, log.NoOp(), opts...)

	s := NewServer(ex, tracker, hub, log.NoOp(), WithMetrics(m), WithDefaultFloor(0.5), WithVersion("test"))
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, tracker: tracker, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func sampleRequest(id string) rtb.AdRequest {
	return rtb.AdRequest{
		ID:     id,
		UserID: "user-1",
		Slot:   rtb.AdSlot{ID: "slot", Width: 300, Height: 250, Position: "sidebar", FloorPrice: rtb.Float(0.5)},
		Device: rtb.Device{Type: "mobile"},
		Geo:    rtb.Geo{Country: "US"},
	}
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	code, body := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "test", body["version"])
	require.Equal(t, "second_price", body["pricing_rule"])
}

func TestAuctionLifecycle(t *testing.T) {
	require := require.New(t)
	a := bidders.New(t, bidders.Fixed(0.75, "camp_a"))
	c := bidders.New(t, bidders.Fixed(0.60, "camp_c"))
	env := newEnv(t, a.Endpoint("A", 50*time.Millisecond), c.Endpoint("C", 50*time.Millisecond))

	code, body := env.do(t, http.MethodPost, "/v1/auctions", sampleRequest("req-1"))
	require.Equal(http.StatusOK, code)
	require.Equal(0.6, body["clearing_price"])
	// Without a notifier the undelivered notice is recorded right away.
	require.Equal("notified", body["status"])
	auctionID := body["auction_id"].(string)

	code, body = env.do(t, http.MethodGet, "/v1/auctions/"+auctionID, nil)
	require.Equal(http.StatusOK, code)
	auction := body["auction"].(map[string]any)
	require.Equal("notified", auction["status"])
	require.Contains(auction["notice_error"], exchange.ErrNoNotifier.Error())

	code, body = env.do(t, http.MethodPost, "/v1/auctions/"+auctionID+"/impression", nil)
	require.Equal(http.StatusCreated, code)
	require.Equal("camp_a", body["campaign_id"])

	code, _ = env.do(t, http.MethodPost, "/v1/auctions/"+auctionID+"/impression", nil)
	require.Equal(http.StatusConflict, code)

	code, _ = env.do(t, http.MethodPost, "/v1/auctions", sampleRequest("req-1"))
	require.Equal(http.StatusConflict, code)

	code, body = env.do(t, http.MethodGet, "/v1/auctions?status=impressed", nil)
	require.Equal(http.StatusOK, code)
	require.Equal(1.0, body["count"])
}

// heldNotices accepts notices and never delivers them
type heldNotices struct{}

func (heldNotices) Enqueue(notify.Notice) error { return nil }

func TestImpressionBeforeNoticeIsRetryable(t *testing.T) {
	require := require.New(t)
	a := bidders.New(t, bidders.Fixed(0.75, "camp_a"))
	env := newEnvWith(t, []exchange.Option{exchange.WithNotifier(heldNotices{})}, a.Endpoint("A", 50*time.Millisecond))

	code, body := env.do(t, http.MethodPost, "/v1/auctions", sampleRequest("req-1"))
	require.Equal(http.StatusOK, code)
	require.Equal("evaluated", body["status"])
	auctionID := body["auction_id"].(string)

	resp, err := http.Post(env.srv.URL+"/v1/auctions/"+auctionID+"/impression", "application/json", nil)
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusConflict, resp.StatusCode)
	require.Equal("1", resp.Header.Get("Retry-After"))

	code, body = env.do(t, http.MethodGet, "/v1/auctions/"+auctionID, nil)
	require.Equal(http.StatusOK, code)
	require.Equal("evaluated", body["auction"].(map[string]any)["status"])
}

func TestDemoFlowPendingNotice(t *testing.T) {
	a := bidders.New(t, bidders.Fixed(0.75, "camp_a"))
	env := newEnvWith(t, []exchange.Option{exchange.WithNotifier(heldNotices{})}, a.Endpoint("A", 50*time.Millisecond))

	code, body := env.do(t, http.MethodPost, "/v1/demo/rtb-flow", nil)
	require.Equal(t, http.StatusOK, code)
	wf := body["workflow_result"].(map[string]any)
	require.Equal(t, "impression_pending", wf["status"])
	display := wf["steps"].(map[string]any)["display_result"].(map[string]any)
	require.Equal(t, false, display["impression_confirmed"])
}

func TestAuctionErrors(t *testing.T) {
	a := bidders.New(t, bidders.NoBid())
	env := newEnv(t, a.Endpoint("A", 50*time.Millisecond))

	bad := sampleRequest("req-1")
	bad.Slot.Width = 0
	code, body := env.do(t, http.MethodPost, "/v1/auctions", bad)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body["error"], "width")
	require.Zero(t, a.Requests())

	code, _ = env.do(t, http.MethodGet, "/v1/auctions/missing", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodGet, "/v1/auctions?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestBidderManagement(t *testing.T) {
	require := require.New(t)
	a := bidders.New(t, bidders.Fixed(1, "camp"))
	env := newEnv(t, a.Endpoint("A", 50*time.Millisecond))

	code, body := env.do(t, http.MethodGet, "/v1/bidders", nil)
	require.Equal(http.StatusOK, code)
	require.Len(body["bidders"], 1)

	code, body = env.do(t, http.MethodPut, "/v1/bidders/A", map[string]any{"enabled": false})
	require.Equal(http.StatusOK, code)
	require.Equal(false, body["enabled"])

	code, body = env.do(t, http.MethodPost, "/v1/auctions", sampleRequest("req-1"))
	require.Equal(http.StatusOK, code)
	require.Nil(body["winner"])
	require.Zero(a.Requests())

	code, _ = env.do(t, http.MethodPut, "/v1/bidders/ghost", map[string]any{"enabled": true})
	require.Equal(http.StatusNotFound, code)

	code, body = env.do(t, http.MethodPut, "/v1/bidders/B", map[string]any{"address": a.URL + "/bid", "timeout_ms": 40})
	require.Equal(http.StatusOK, code)
	require.Equal(true, body["enabled"])

	code, body = env.do(t, http.MethodGet, "/v1/bidders", nil)
	require.Equal(http.StatusOK, code)
	require.Len(body["bidders"], 2)
}

func TestStatsAndReset(t *testing.T) {
	require := require.New(t)
	a := bidders.New(t, bidders.Fixed(0.75, "camp_a"))
	c := bidders.New(t, bidders.Fixed(0.60, "camp_c"))
	env := newEnv(t, a.Endpoint("A", 50*time.Millisecond), c.Endpoint("C", 50*time.Millisecond))

	code, _ := env.do(t, http.MethodPost, "/v1/auctions", sampleRequest("req-1"))
	require.Equal(http.StatusOK, code)

	require.Eventually(func() bool { return env.tracker.Stats().TotalAuctions == 1 }, time.Second, 5*time.Millisecond)

	code, body := env.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(http.StatusOK, code)
	stats := body["stats"].(map[string]any)
	require.Equal(1.0, stats["successful_auctions"])
	require.Len(body["transactions"], 1)

	code, _ = env.do(t, http.MethodPost, "/v1/stats/reset", nil)
	require.Equal(http.StatusOK, code)
	require.Zero(env.tracker.Stats().TotalAuctions)
}

func TestDemoFlow(t *testing.T) {
	require := require.New(t)
	a := bidders.New(t, bidders.Fixed(0.75, "camp_a"))
	env := newEnv(t, a.Endpoint("A", 50*time.Millisecond))

	code, body := env.do(t, http.MethodPost, "/v1/demo/rtb-flow", map[string]any{
		"user_id":     "demo-user-456",
		"device_type": "mobile",
	})
	require.Equal(http.StatusOK, code)
	require.Equal("Complete RTB workflow demonstration", body["demo_info"].(map[string]any)["description"])

	wf := body["workflow_result"].(map[string]any)
	require.Equal("success", wf["status"])
	steps := wf["steps"].(map[string]any)
	require.Equal("demo-user-456", steps["user_visit"].(map[string]any)["user_id"])
	require.Equal(0.5, steps["auction_result"].(map[string]any)["auction_price"])
	require.Equal(true, steps["display_result"].(map[string]any)["impression_confirmed"])
}

func TestDemoFlowWithoutBidders(t *testing.T) {
	env := newEnv(t)
	code, body := env.do(t, http.MethodPost, "/v1/demo/rtb-flow", nil)
	require.Equal(t, http.StatusOK, code)
	wf := body["workflow_result"].(map[string]any)
	require.Equal(t, "failed", wf["status"])
	require.Contains(t, wf["error"], "no bidder")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodGet, "/health", nil)

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), `api_requests_processed_total{route="/health",status="200"} 1`)
}

func TestStream(t *testing.T) {
	require := require.New(t)
	a := bidders.New(t, bidders.Fixed(0.75, "camp_a"))
	env := newEnv(t, a.Endpoint("A", 50*time.Millisecond))

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/stream?types=auction"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(err)
	defer conn.Close()
	require.Eventually(func() bool { return env.hub.Clients() == 1 }, time.Second, time.Millisecond)

	code, _ := env.do(t, http.MethodPost, "/v1/auctions", sampleRequest("req-1"))
	require.Equal(http.StatusOK, code)

	require.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	var rec analytics.StatRecord
	require.NoError(conn.ReadJSON(&rec))
	require.Equal(analytics.EventAuction, rec.Type)
	require.Equal("A", rec.BidderID)
	require.NotNil(rec.Price)
	require.Equal(0.5, *rec.Price)
}

func TestStatusFor(t *testing.T) {
	conflict := &rtb.ConflictError{AuctionID: "a", From: rtb.StatusPending, To: rtb.StatusImpressed}
	tests := []struct {
		err  error
		want int
	}{
		{&rtb.InvalidRequestError{Field: "id"}, http.StatusBadRequest},
		{&rtb.NotFoundError{AuctionID: "a"}, http.StatusNotFound},
		{fmt.Errorf("%w: x", bidder.ErrUnknownBidder), http.StatusNotFound},
		{conflict, http.StatusConflict},
		{&rtb.DuplicateAuctionError{AuctionID: "a"}, http.StatusConflict},
		{&rtb.LedgerConflictError{Err: conflict}, http.StatusInternalServerError},
		{rtb.ErrExchangeBusy, http.StatusServiceUnavailable},
		{rtb.ErrNoBidders, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
