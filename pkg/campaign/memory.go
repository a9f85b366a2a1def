// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package campaign

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/rtbx/pkg/log"
)

// MemoryStore keeps campaigns in process
type MemoryStore struct {
	mu        sync.RWMutex
	campaigns map[string]*Campaign
	log       log.Logger
	now       func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore(logger log.Logger) *MemoryStore {
	if logger == nil {
		logger = log.NoOp()
	}
	return &MemoryStore{
		campaigns: make(map[string]*Campaign),
		log:       logger,
		now:       time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, c Campaign) (Campaign, error) {
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if err := c.Validate(); err != nil {
		return Campaign{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.campaigns[c.ID]; exists {
		return Campaign{}, fmt.Errorf("%w: %s", ErrExists, c.ID)
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.campaigns[c.ID] = &c

	s.log.Info("campaign created",
		log.String("campaign", c.ID),
		log.String("bidder", c.BidderID),
		log.String("budget", c.Budget.String()),
	)
	return c, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *c, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		if f.match(*c) {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b Campaign) int { return strings.Compare(a.ID, b.ID) })
	return f.page(out), nil
}

func (s *MemoryStore) Update(_ context.Context, c Campaign) (Campaign, error) {
	if err := c.Validate(); err != nil {
		return Campaign{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.campaigns[c.ID]
	if !ok {
		return Campaign{}, fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	c.CreatedAt = existing.CreatedAt
	c.Impressions = existing.Impressions
	c.UpdatedAt = s.now()
	s.campaigns[c.ID] = &c
	return c, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.campaigns, id)
	return nil
}

func (s *MemoryStore) GetActiveCampaignsForBidder(_ context.Context, bidderID string) ([]Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Campaign
	for _, c := range s.campaigns {
		if c.BidderID == bidderID && c.Biddable() {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b Campaign) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) DebitBudget(_ context.Context, campaignID string, amount decimal.Decimal) (Campaign, error) {
	if amount.IsNegative() {
		return Campaign{}, ErrNegativeAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		return Campaign{}, fmt.Errorf("%w: %s", ErrNotFound, campaignID)
	}
	if c.Remaining().LessThan(amount) {
		return Campaign{}, fmt.Errorf("%w: campaign %s has %s left, debit %s", ErrBudgetExceeded, campaignID, c.Remaining(), amount)
	}

	c.Spent = c.Spent.Add(amount)
	c.Impressions++
	c.UpdatedAt = s.now()
	if !c.Remaining().IsPositive() && c.Status == StatusActive {
		c.Status = StatusCompleted
	}

	s.log.Debug("budget debited",
		log.String("campaign", campaignID),
		log.String("amount", amount.String()),
		log.String("remaining", c.Remaining().String()),
	)
	return *c, nil
}
