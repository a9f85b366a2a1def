// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"time"

	"github.com/luxfi/rtbx/pkg/rtb"
)

// Field sets record data as part of a transition
type Field func(*change)

type change struct {
	outcomes    []rtb.BidOutcome
	setOutcomes bool

	winner    *rtb.BidOutcome
	price     float64
	setResult bool

	noticeErr string
	at        time.Time
}

// WithOutcomes stores the outcomes received before the deadline. Only
// valid on the transition to Evaluated.
func WithOutcomes(outcomes []rtb.BidOutcome) Field {
	return func(c *change) {
		c.outcomes = outcomes
		c.setOutcomes = true
	}
}

// WithResult stores the winner and clearing price. Only valid on the
// transition to Evaluated; a nil winner records a void auction.
func WithResult(winner *rtb.BidOutcome, clearingPrice float64) Field {
	return func(c *change) {
		c.winner = winner
		c.price = clearingPrice
		c.setResult = true
	}
}

// WithNoticeError records why the win notice could not be delivered
func WithNoticeError(err error) Field {
	return func(c *change) {
		if err != nil {
			c.noticeErr = err.Error()
		}
	}
}

// At overrides the transition timestamp
func At(t time.Time) Field {
	return func(c *change) { c.at = t }
}

func (c *change) apply(rec *rtb.AuctionRecord, to rtb.Status) error {
	if (c.setOutcomes || c.setResult) && to != rtb.StatusEvaluated {
		return &rtb.ConflictError{AuctionID: rec.AuctionID, From: rec.Status, To: to, Reason: "auction result is fixed at evaluation"}
	}

	if c.setOutcomes {
		rec.Outcomes = make([]rtb.BidOutcome, len(c.outcomes))
		copy(rec.Outcomes, c.outcomes)
	}
	if c.setResult {
		switch {
		case c.winner == nil && c.price != 0:
			return &rtb.ConflictError{AuctionID: rec.AuctionID, From: rec.Status, To: to, Reason: "void auction with a clearing price"}
		case c.winner != nil && !c.winner.IsOffer():
			return &rtb.ConflictError{AuctionID: rec.AuctionID, From: rec.Status, To: to, Reason: "winner is not an offer"}
		case c.winner != nil && c.price > c.winner.Offer.Price:
			return &rtb.ConflictError{AuctionID: rec.AuctionID, From: rec.Status, To: to, Reason: "clearing price exceeds winning offer"}
		}
		rec.ClearingPrice = c.price
		rec.Winner = nil
		if c.winner != nil {
			winner := *c.winner
			offer := *winner.Offer
			winner.Offer = &offer
			rec.Winner = &winner
		}
	}
	if c.noticeErr != "" {
		rec.NoticeError = c.noticeErr
	}
	return nil
}
