// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package analytics

import (
	"time"
)

// EventType represents the type of analytics event
type EventType string

const (
	EventAuction     EventType = "auction"
	EventOutcome     EventType = "outcome"
	EventLateOutcome EventType = "late_outcome"
	EventImpression  EventType = "impression"
	EventNotice      EventType = "notice"
)

// StatRecord is one telemetry event. Price is nil for events without a price.
type StatRecord struct {
	Type       EventType `json:"type"`
	AuctionID  string    `json:"auction_id"`
	BidderID   string    `json:"bidder_id,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Price      *float64  `json:"price,omitempty"`
	LatencyMs  float64   `json:"latency_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink accepts telemetry without blocking the caller
type Sink interface {
	Record(StatRecord)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(StatRecord)

func (f SinkFunc) Record(rec StatRecord) { f(rec) }

// Discard drops every record
var Discard Sink = SinkFunc(func(StatRecord) {})

// Multi fans each record out to every sink
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(rec StatRecord) {
		for _, s := range sinks {
			s.Record(rec)
		}
	})
}
