// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rtb

import (
	"math"
	"strings"
	"time"
)

// AdSlot describes the placement being auctioned.
type AdSlot struct {
	ID         string   `json:"id"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Position   string   `json:"position"`
	FloorPrice *float64 `json:"floor_price"`
}

// Floor returns the slot floor price, 0 when unset.
func (s AdSlot) Floor() float64 {
	if s.FloorPrice == nil {
		return 0
	}
	return *s.FloorPrice
}

// Device carries the requesting device context
type Device struct {
	Type    string `json:"type"`
	OS      string `json:"os"`
	Browser string `json:"browser"`
	IP      string `json:"ip"`
}

// Geo carries the requesting user's location
type Geo struct {
	Country string   `json:"country"`
	Region  string   `json:"region"`
	City    string   `json:"city"`
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
}

// AdRequest is a single incoming ad opportunity. It is treated as read-only
// once accepted by the exchange.
type AdRequest struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Slot      AdSlot    `json:"ad_slot"`
	Device    Device    `json:"device"`
	Geo       Geo       `json:"geo"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate performs the cheap structural checks that must pass before any
// bidder is contacted.
func (r AdRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &InvalidRequestError{Field: "id", Reason: "missing"}
	}
	if r.Slot.FloorPrice == nil {
		return &InvalidRequestError{Field: "ad_slot.floor_price", Reason: "missing"}
	}
	floor := *r.Slot.FloorPrice
	if math.IsNaN(floor) || math.IsInf(floor, 0) || floor < 0 {
		return &InvalidRequestError{Field: "ad_slot.floor_price", Reason: "must be a finite non-negative number"}
	}
	if r.Slot.Width <= 0 || r.Slot.Height <= 0 {
		return &InvalidRequestError{Field: "ad_slot", Reason: "width and height must be positive"}
	}
	if strings.TrimSpace(r.Slot.Position) == "" {
		return &InvalidRequestError{Field: "ad_slot.position", Reason: "missing"}
	}
	return nil
}

// Float returns a pointer to v. Handy for building floor prices.
func Float(v float64) *float64 {
	return &v
}

// BidderEndpoint is a registered bidder. Only Enabled is changed at runtime.
type BidderEndpoint struct {
	ID      string        `json:"id"`
	Address string        `json:"address"`
	Enabled bool          `json:"enabled"`
	Timeout time.Duration `json:"timeout"`
	QPS     int           `json:"qps"`
}

// OutcomeKind tags the variant held by a BidOutcome.
type OutcomeKind uint8

const (
	OutcomeOffer OutcomeKind = iota + 1
	OutcomeNoBid
	OutcomeTimedOut
	OutcomeFailed
)

var outcomeKindNames = map[OutcomeKind]string{
	OutcomeOffer:    "offer",
	OutcomeNoBid:    "no_bid",
	OutcomeTimedOut: "timed_out",
	OutcomeFailed:   "failed",
}

func (k OutcomeKind) String() string {
	if name, ok := outcomeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OutcomeKind) UnmarshalText(text []byte) error {
	for kind, name := range outcomeKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return &InvalidRequestError{Field: "kind", Reason: "unknown outcome kind " + string(text)}
}

// Offer is a priced bid for the slot.
type Offer struct {
	Price        float64 `json:"price"`
	Creative     string  `json:"creative"`
	CampaignID   string  `json:"campaign_id"`
	WinNoticeURL string  `json:"win_notice_url,omitempty"`
}

// BidOutcome is the result of a single bidder call. Exactly one of the
// variants applies, selected by Kind.
type BidOutcome struct {
	BidderID   string        `json:"bidder_id"`
	Kind       OutcomeKind   `json:"kind"`
	Offer      *Offer        `json:"offer,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Latency    time.Duration `json:"latency"`
	ReceivedAt time.Time     `json:"received_at"`
}

// NewOffer creates an Offer outcome
func NewOffer(bidderID string, offer Offer) BidOutcome {
	return BidOutcome{BidderID: bidderID, Kind: OutcomeOffer, Offer: &offer}
}

// NewNoBid creates a NoBid outcome
func NewNoBid(bidderID string) BidOutcome {
	return BidOutcome{BidderID: bidderID, Kind: OutcomeNoBid}
}

// NewTimedOut creates a TimedOut outcome
func NewTimedOut(bidderID string) BidOutcome {
	return BidOutcome{BidderID: bidderID, Kind: OutcomeTimedOut}
}

// NewFailed creates a Failed outcome
func NewFailed(bidderID, reason string) BidOutcome {
	return BidOutcome{BidderID: bidderID, Kind: OutcomeFailed, Reason: reason}
}

// IsOffer reports whether the outcome carries a price.
func (o BidOutcome) IsOffer() bool {
	return o.Kind == OutcomeOffer && o.Offer != nil
}

// Price returns the offered price, 0 for non-offers.
func (o BidOutcome) Price() float64 {
	if !o.IsOffer() {
		return 0
	}
	return o.Offer.Price
}

func (o BidOutcome) clone() BidOutcome {
	if o.Offer != nil {
		offer := *o.Offer
		o.Offer = &offer
	}
	return o
}

// AuctionRecord is the ledger's view of one auction.
type AuctionRecord struct {
	AuctionID     string       `json:"auction_id"`
	Request       AdRequest    `json:"request"`
	Outcomes      []BidOutcome `json:"outcomes"`
	Winner        *BidOutcome  `json:"winner,omitempty"`
	ClearingPrice float64      `json:"clearing_price"`
	Status        Status       `json:"status"`
	NoticeError   string       `json:"notice_error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	EvaluatedAt time.Time `json:"evaluated_at,omitempty"`
	NotifiedAt  time.Time `json:"notified_at,omitempty"`
	ImpressedAt time.Time `json:"impressed_at,omitempty"`
	ExpiredAt   time.Time `json:"expired_at,omitempty"`
}

// HasWinner reports whether the auction cleared.
func (r AuctionRecord) HasWinner() bool {
	return r.Winner != nil
}

// Clone returns a deep copy so callers never share slices with the ledger.
func (r AuctionRecord) Clone() AuctionRecord {
	if r.Outcomes != nil {
		outcomes := make([]BidOutcome, len(r.Outcomes))
		for i, o := range r.Outcomes {
			outcomes[i] = o.clone()
		}
		r.Outcomes = outcomes
	}
	if r.Winner != nil {
		winner := r.Winner.clone()
		r.Winner = &winner
	}
	if r.Request.Slot.FloorPrice != nil {
		r.Request.Slot.FloorPrice = Float(*r.Request.Slot.FloorPrice)
	}
	return r
}

// UpdatedAt returns the timestamp of the latest transition.
func (r AuctionRecord) UpdatedAt() time.Time {
	switch r.Status {
	case StatusEvaluated:
		return r.EvaluatedAt
	case StatusNotified:
		return r.NotifiedAt
	case StatusImpressed:
		return r.ImpressedAt
	case StatusExpired:
		return r.ExpiredAt
	}
	return r.CreatedAt
}

// ImpressionRecord is appended once the winning creative was displayed.
type ImpressionRecord struct {
	ID          string    `json:"id"`
	AuctionID   string    `json:"auction_id"`
	CampaignID  string    `json:"campaign_id"`
	BidderID    string    `json:"bidder_id"`
	Price       float64   `json:"price"`
	DisplayedAt time.Time `json:"displayed_at"`
}
