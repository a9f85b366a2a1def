// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/luxfi/rtbx/pkg/rtb"
)

var (
	targetURL = flag.String("target", "http://localhost:8004", "Exchange base URL")
	mode      = flag.String("type", "flood", "Load type: flood, replay, malformed")
	duration  = flag.Duration("duration", 30*time.Second, "Run duration")
	workers   = flag.Int("workers", 32, "Number of concurrent workers")
	rps       = flag.Int("rps", 500, "Requests per second across all workers")
	timeout   = flag.Duration("timeout", time.Second, "Per-request timeout")
)

// counters are updated by every worker
type counters struct {
	total      atomic.Int64
	won        atomic.Int64
	void       atomic.Int64
	rejected   atomic.Int64
	duplicate  atomic.Int64
	busy       atomic.Int64
	errors     atomic.Int64
	latencySum atomic.Int64
	maxLatency atomic.Int64
}

var (
	devices   = []string{"mobile", "desktop", "tablet"}
	countries = []string{"US", "CA", "GB", "DE"}
	positions = []string{"above_fold", "below_fold", "sidebar"}
)

func main() {
	flag.Parse()

	var gen func() []byte
	switch *mode {
	case "flood":
		gen = floodRequest
	case "replay":
		gen = replayRequest()
	case "malformed":
		gen = malformedRequest
	default:
		fmt.Fprintf(os.Stderr, "unknown load type %q\n", *mode)
		os.Exit(2)
	}

	fmt.Printf("=== RTBX Load Generator ===\n")
	fmt.Printf("Target:   %s\n", *targetURL)
	fmt.Printf("Type:     %s\n", *mode)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers:  %d\n", *workers)
	fmt.Printf("RPS:      %d\n\n", *rps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var c counters
	client := &http.Client{Timeout: *timeout}
	limiter := rate.NewLimiter(rate.Limit(*rps), max(1, *rps/10))

	g, gctx := errgroup.WithContext(ctx)
	for range *workers {
		g.Go(func() error {
			for {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
				send(gctx, client, gen(), &c)
			}
		})
	}
	_ = g.Wait()

	printStatistics(&c)
}

func send(ctx context.Context, client *http.Client, body []byte, c *counters) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *targetURL+"/v1/auctions", bytes.NewReader(body))
	if err != nil {
		c.errors.Add(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if ctx.Err() != nil {
		return
	}
	c.total.Add(1)
	if err != nil {
		c.errors.Add(1)
		return
	}
	defer resp.Body.Close()

	elapsed := time.Since(start).Microseconds()
	c.latencySum.Add(elapsed)
	for {
		cur := c.maxLatency.Load()
		if elapsed <= cur || c.maxLatency.CompareAndSwap(cur, elapsed) {
			break
		}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var res struct {
			Winner *json.RawMessage `json:"winner"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err == nil && res.Winner != nil {
			c.won.Add(1)
		} else {
			c.void.Add(1)
		}
	case http.StatusBadRequest:
		c.rejected.Add(1)
	case http.StatusConflict:
		c.duplicate.Add(1)
	case http.StatusServiceUnavailable:
		c.busy.Add(1)
	default:
		c.errors.Add(1)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
}

func randomRequest(id string) rtb.AdRequest {
	return rtb.AdRequest{
		ID:     id,
		UserID: fmt.Sprintf("user_%d", rand.IntN(1000)),
		Slot: rtb.AdSlot{
			ID:         fmt.Sprintf("slot_%d", rand.IntN(20)),
			Width:      728,
			Height:     90,
			Position:   positions[rand.IntN(len(positions))],
			FloorPrice: rtb.Float(float64(rand.IntN(100)) / 100),
		},
		Device: rtb.Device{Type: devices[rand.IntN(len(devices))], OS: "linux"},
		Geo:    rtb.Geo{Country: countries[rand.IntN(len(countries))]},
	}
}

// floodRequest sends well formed requests with fresh ids
func floodRequest() []byte {
	b, _ := json.Marshal(randomRequest(uuid.NewString()))
	return b
}

// replayRequest cycles a small set of request ids so all but the first
// submission of each should be rejected as duplicates
func replayRequest() func() []byte {
	captured := make([][]byte, 10)
	for i := range captured {
		captured[i], _ = json.Marshal(randomRequest(uuid.NewString()))
	}
	return func() []byte { return captured[rand.IntN(len(captured))] }
}

func malformedRequest() []byte {
	switch rand.IntN(3) {
	case 0:
		return []byte("{invalid json: true, }")
	case 1:
		req := randomRequest(uuid.NewString())
		req.Slot.Width = 0
		b, _ := json.Marshal(req)
		return b
	default:
		req := randomRequest(uuid.NewString())
		req.Slot.FloorPrice = rtb.Float(-1)
		b, _ := json.Marshal(req)
		return b
	}
}

func printStatistics(c *counters) {
	total := c.total.Load()
	fmt.Println("\n=== Load Statistics ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Won:             %d\n", c.won.Load())
	fmt.Printf("Void:            %d\n", c.void.Load())
	fmt.Printf("Rejected (400):  %d\n", c.rejected.Load())
	fmt.Printf("Duplicate (409): %d\n", c.duplicate.Load())
	fmt.Printf("Busy (503):      %d\n", c.busy.Load())
	fmt.Printf("Errors:          %d\n", c.errors.Load())

	if total > 0 {
		fmt.Printf("Avg Latency:     %.2f ms\n", float64(c.latencySum.Load())/float64(total)/1000)
		fmt.Printf("Max Latency:     %.2f ms\n", float64(c.maxLatency.Load())/1000)
	}
}
