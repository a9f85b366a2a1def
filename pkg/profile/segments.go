// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package profile

import (
	"slices"
	"strconv"
	"strings"
)

// Segments assigned from profile contents
const (
	SegmentHighValue       = "high_value"
	SegmentFrequentBuyers  = "frequent_buyers"
	SegmentMobileUsers     = "mobile_users"
	SegmentYoungAdults     = "young_adults"
	SegmentTechEnthusiasts = "tech_enthusiasts"
)

const frequentBuyerPurchases = 3

var techInterests = []string{"technology", "gadgets", "software", "electronics"}

// behaviorByEvent tags a profile with a behavior for each known event type
var behaviorByEvent = map[string]string{
	"click":      "clicker",
	"view":       "viewer",
	"purchase":   "buyer",
	"signup":     "new_user",
	"page_visit": "browser",
	"search":     "searcher",
}

type segmentRule struct {
	name  string
	match func(Profile) bool
}

var segmentRules = []segmentRule{
	{SegmentHighValue, func(p Profile) bool { return slices.Contains(p.Behaviors, "buyer") }},
	{SegmentFrequentBuyers, func(p Profile) bool { return p.EventCounts["purchase"] >= frequentBuyerPurchases }},
	{SegmentMobileUsers, func(p Profile) bool { return strings.EqualFold(p.Demographics["device_type"], "mobile") }},
	{SegmentYoungAdults, youngAdult},
	{SegmentTechEnthusiasts, func(p Profile) bool { return slices.ContainsFunc(techInterests, p.HasInterest) }},
}

// AutoSegments names the segments assigned by rule, in rule order
func AutoSegments() []string {
	out := make([]string, len(segmentRules))
	for i, r := range segmentRules {
		out[i] = r.name
	}
	return out
}

// applySegmentRules adds every rule segment p qualifies for. Membership is
// never withdrawn by a rule.
func applySegmentRules(p *Profile) {
	for _, r := range segmentRules {
		if r.match(*p) && !p.InSegment(r.name) {
			p.Segments = append(p.Segments, r.name)
		}
	}
}

// youngAdult accepts an age of 18 to 35. Non-numeric ages never match.
func youngAdult(p Profile) bool {
	age, err := strconv.Atoi(strings.TrimSpace(p.Demographics["age"]))
	return err == nil && age >= 18 && age <= 35
}
