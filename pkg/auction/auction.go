// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package auction

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/luxfi/rtbx/pkg/rtb"
)

// Policy selects how the clearing price is derived from the ranked offers
type Policy uint8

const (
	// SecondPrice charges the runner-up's price, or the floor when the
	// winner is the only eligible offer.
	SecondPrice Policy = iota
	// FirstPrice charges the winning offer.
	FirstPrice
)

func (p Policy) String() string {
	switch p {
	case SecondPrice:
		return "second_price"
	case FirstPrice:
		return "first_price"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy accepts "second_price" or "first_price" (the "_price" suffix is optional)
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "second_price", "second", "":
		return SecondPrice, nil
	case "first_price", "first":
		return FirstPrice, nil
	}
	return SecondPrice, fmt.Errorf("unknown pricing rule %q", name)
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Ranking splits outcomes into ranked eligible offers and offers under the floor
type Ranking struct {
	Eligible   []rtb.BidOutcome
	BelowFloor []rtb.BidOutcome
}

// Rank keeps offers priced at or above floor, ordered by price descending
// and then bidder id ascending. Non-offers are dropped.
func Rank(floor float64, outcomes []rtb.BidOutcome) Ranking {
	var r Ranking
	for _, o := range outcomes {
		if !o.IsOffer() {
			continue
		}
		if o.Offer.Price >= floor {
			r.Eligible = append(r.Eligible, o)
		} else {
			r.BelowFloor = append(r.BelowFloor, o)
		}
	}
	slices.SortStableFunc(r.Eligible, func(a, b rtb.BidOutcome) int {
		if c := cmp.Compare(b.Offer.Price, a.Offer.Price); c != 0 {
			return c
		}
		return strings.Compare(a.BidderID, b.BidderID)
	})
	return r
}

// Evaluator picks the winner of an auction. It is pure and safe for
// concurrent use.
type Evaluator struct {
	policy Policy
}

// NewEvaluator creates an evaluator for policy
func NewEvaluator(policy Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// Policy returns the configured pricing rule
func (e *Evaluator) Policy() Policy {
	return e.policy
}

// Evaluate returns the winning outcome and the clearing price. A nil winner
// with price 0 means no offer met the floor.
func (e *Evaluator) Evaluate(req rtb.AdRequest, outcomes []rtb.BidOutcome) (*rtb.BidOutcome, float64) {
	floor := req.Slot.Floor()
	ranked := Rank(floor, outcomes).Eligible
	if len(ranked) == 0 {
		return nil, 0
	}

	winner := ranked[0]
	offer := *winner.Offer
	winner.Offer = &offer

	price := winner.Offer.Price
	if e.policy == SecondPrice {
		price = floor
		if len(ranked) > 1 {
			price = ranked[1].Offer.Price
		}
	}
	return &winner, price
}
