// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bidder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
	"golang.org/x/time/rate"

	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/rtb"
)

const maxResponseBytes = 1 << 20

// Client solicits a single bid from one bidder. Implementations must return
// no later than the context deadline and must report every failure as an
// outcome rather than an error.
type Client interface {
	RequestBid(ctx context.Context, endpoint rtb.BidderEndpoint, req rtb.AdRequest) rtb.BidOutcome
}

// ClientFunc adapts a function to the Client interface
type ClientFunc func(ctx context.Context, endpoint rtb.BidderEndpoint, req rtb.AdRequest) rtb.BidOutcome

func (f ClientFunc) RequestBid(ctx context.Context, endpoint rtb.BidderEndpoint, req rtb.AdRequest) rtb.BidOutcome {
	return f(ctx, endpoint, req)
}

type auctionIDKey struct{}

// WithAuctionID attaches the auction id sent as the OpenRTB request id
func WithAuctionID(ctx context.Context, auctionID string) context.Context {
	return context.WithValue(ctx, auctionIDKey{}, auctionID)
}

// AuctionID returns the auction id attached to ctx, if any
func AuctionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(auctionIDKey{}).(string)
	return id, ok && id != ""
}

// HTTPClient talks OpenRTB 2.x over HTTP POST
type HTTPClient struct {
	client *http.Client
	log    log.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPClient creates a bidder client. A nil http.Client uses a pooled
// transport without a client-wide timeout; deadlines come from the context.
func NewHTTPClient(client *http.Client, logger log.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        256,
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = log.NoOp()
	}
	return &HTTPClient{
		client:   client,
		log:      logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// RequestBid sends one bid request and maps the reply to an outcome
func (c *HTTPClient) RequestBid(ctx context.Context, endpoint rtb.BidderEndpoint, req rtb.AdRequest) rtb.BidOutcome {
	start := time.Now()
	outcome := c.requestBid(ctx, endpoint, req)
	outcome.Latency = time.Since(start)
	return outcome
}

func (c *HTTPClient) requestBid(ctx context.Context, endpoint rtb.BidderEndpoint, req rtb.AdRequest) rtb.BidOutcome {
	if !c.allow(endpoint) {
		return rtb.NewFailed(endpoint.ID, "qps limit exceeded")
	}
	if err := ctx.Err(); err != nil {
		return rtb.NewTimedOut(endpoint.ID)
	}

	auctionID, ok := AuctionID(ctx)
	if !ok {
		auctionID = req.ID
	}
	var tmax time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		tmax = time.Until(deadline)
	}

	body, err := json.Marshal(rtb.NewBidRequest(auctionID, req, tmax))
	if err != nil {
		return rtb.NewFailed(endpoint.ID, fmt.Sprintf("encode bid request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.Address, bytes.NewReader(body))
	if err != nil {
		return rtb.NewFailed(endpoint.ID, fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Openrtb-Version", "2.6")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return c.transportFailure(ctx, endpoint, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return rtb.NewNoBid(endpoint.ID)
	case http.StatusOK:
	default:
		return rtb.NewFailed(endpoint.ID, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.transportFailure(ctx, endpoint, err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return rtb.NewNoBid(endpoint.ID)
	}

	var bidResp openrtb2.BidResponse
	if err := json.Unmarshal(payload, &bidResp); err != nil {
		return rtb.NewFailed(endpoint.ID, fmt.Sprintf("decode bid response: %v", err))
	}
	return rtb.OutcomeFromResponse(endpoint.ID, auctionID, &bidResp)
}

func (c *HTTPClient) transportFailure(ctx context.Context, endpoint rtb.BidderEndpoint, err error) rtb.BidOutcome {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return rtb.NewTimedOut(endpoint.ID)
	}
	c.log.Debug("bidder transport error",
		log.String("bidder", endpoint.ID),
		log.Error(err),
	)
	return rtb.NewFailed(endpoint.ID, err.Error())
}

// allow applies the endpoint's QPS budget. A QPS of zero is unlimited.
func (c *HTTPClient) allow(endpoint rtb.BidderEndpoint) bool {
	if endpoint.QPS <= 0 {
		return true
	}

	c.mu.Lock()
	limiter, ok := c.limiters[endpoint.ID]
	if !ok || limiter.Burst() != endpoint.QPS {
		limiter = rate.NewLimiter(rate.Limit(endpoint.QPS), endpoint.QPS)
		c.limiters[endpoint.ID] = limiter
	}
	c.mu.Unlock()

	return limiter.Allow()
}
