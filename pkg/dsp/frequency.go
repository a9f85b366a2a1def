// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dsp

import (
	"sync"
	"time"

	"github.com/luxfi/rtbx/pkg/log"
)

// FrequencyManager caps impressions per user and campaign. Counters live for
// one UTC day and are dropped together when the epoch rolls over.
type FrequencyManager struct {
	mu       sync.Mutex
	counters map[string]int
	epoch    string
	cap      int
	now      func() time.Time
	log      log.Logger
}

func NewFrequencyManager(cap int, logger log.Logger) *FrequencyManager {
	if logger == nil {
		logger = log.NoOp()
	}
	return &FrequencyManager{
		counters: make(map[string]int),
		cap:      cap,
		now:      time.Now,
		log:      logger,
	}
}

// Allowed reports whether the user may see the campaign again today.
// Anonymous requests are never capped.
func (fm *FrequencyManager) Allowed(userID, campaignID string) bool {
	if userID == "" {
		return true
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.roll()
	return fm.counters[counterKey(userID, campaignID)] < fm.cap
}

// Record counts one impression and returns the user's count for today
func (fm *FrequencyManager) Record(userID, campaignID string) int {
	if userID == "" {
		return 0
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.roll()

	key := counterKey(userID, campaignID)
	fm.counters[key]++
	count := fm.counters[key]

	fm.log.Debug("frequency counter incremented",
		log.String("campaign", campaignID),
		log.Int("count", count),
		log.Int("cap", fm.cap),
	)
	return count
}

func (fm *FrequencyManager) roll() {
	epoch := fm.now().UTC().Format(time.DateOnly)
	if epoch != fm.epoch {
		fm.epoch = epoch
		clear(fm.counters)
	}
}

func counterKey(userID, campaignID string) string {
	return userID + ":" + campaignID
}
