// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bidder

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/luxfi/rtbx/pkg/rtb"
)

var (
	ErrUnknownBidder   = errors.New("unknown bidder")
	ErrDuplicateBidder = errors.New("duplicate bidder")
)

// Registry holds the bidder endpoints. Readers load an immutable snapshot
// without locking; writers copy, modify and swap it.
type Registry struct {
	mu       sync.Mutex // serialises writers
	snapshot atomic.Pointer[[]rtb.BidderEndpoint]
}

// NewRegistry creates a registry seeded with endpoints
func NewRegistry(endpoints ...rtb.BidderEndpoint) (*Registry, error) {
	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		if ep.ID == "" {
			return nil, fmt.Errorf("%w: empty bidder id", ErrUnknownBidder)
		}
		if seen[ep.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBidder, ep.ID)
		}
		seen[ep.ID] = true
	}

	r := &Registry{}
	initial := slices.Clone(endpoints)
	r.snapshot.Store(&initial)
	return r, nil
}

// Snapshot returns the current endpoints in registration order
func (r *Registry) Snapshot() []rtb.BidderEndpoint {
	return slices.Clone(*r.snapshot.Load())
}

// Enabled returns the endpoints currently accepting requests
func (r *Registry) Enabled() []rtb.BidderEndpoint {
	current := *r.snapshot.Load()
	enabled := make([]rtb.BidderEndpoint, 0, len(current))
	for _, ep := range current {
		if ep.Enabled {
			enabled = append(enabled, ep)
		}
	}
	return enabled
}

// Get looks up an endpoint by id
func (r *Registry) Get(id string) (rtb.BidderEndpoint, bool) {
	for _, ep := range *r.snapshot.Load() {
		if ep.ID == id {
			return ep, true
		}
	}
	return rtb.BidderEndpoint{}, false
}

// SetEnabled toggles an endpoint. Auctions already in flight keep the
// snapshot they started with.
func (r *Registry) SetEnabled(id string, enabled bool) (rtb.BidderEndpoint, error) {
	return r.update(id, func(ep *rtb.BidderEndpoint) { ep.Enabled = enabled })
}

// Upsert adds an endpoint or replaces the one with the same id
func (r *Registry) Upsert(endpoint rtb.BidderEndpoint) error {
	if endpoint.ID == "" {
		return fmt.Errorf("%w: empty bidder id", ErrUnknownBidder)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := slices.Clone(*r.snapshot.Load())
	if i := slices.IndexFunc(next, func(ep rtb.BidderEndpoint) bool { return ep.ID == endpoint.ID }); i >= 0 {
		next[i] = endpoint
	} else {
		next = append(next, endpoint)
	}
	r.snapshot.Store(&next)
	return nil
}

func (r *Registry) update(id string, fn func(*rtb.BidderEndpoint)) (rtb.BidderEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := slices.Clone(*r.snapshot.Load())
	i := slices.IndexFunc(next, func(ep rtb.BidderEndpoint) bool { return ep.ID == id })
	if i < 0 {
		return rtb.BidderEndpoint{}, fmt.Errorf("%w: %s", ErrUnknownBidder, id)
	}
	fn(&next[i])
	r.snapshot.Store(&next)
	return next[i], nil
}
