// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package campaign

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("campaign not found")
	ErrExists         = errors.New("campaign already exists")
	ErrBudgetExceeded = errors.New("insufficient budget")
	ErrNegativeAmount = errors.New("negative budget delta")
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Status is the campaign lifecycle state
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusDraft     Status = "draft"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusDraft:
		return true
	}
	return false
}

// Targeting restricts where a campaign bids. Empty lists match everything.
type Targeting struct {
	DeviceTypes []string `json:"device_types,omitempty"`
	Interests   []string `json:"interests,omitempty"`
	Countries   []string `json:"countries,omitempty"`
}

// Creative is the ad shown when the campaign wins
type Creative struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	ClickURL    string `json:"click_url,omitempty"`
}

// Campaign is an advertiser budget bid through one bidder
type Campaign struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	AdvertiserID string          `json:"advertiser_id"`
	BidderID     string          `json:"bidder_id"`
	Budget       decimal.Decimal `json:"budget"`
	Spent        decimal.Decimal `json:"spent"`
	Impressions  int64           `json:"impressions"`
	MaxBid       decimal.Decimal `json:"max_bid"`
	Targeting    Targeting       `json:"targeting"`
	Creative     Creative        `json:"creative"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ValidationError reports an invalid campaign field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid campaign: %s: %s", e.Field, e.Reason)
}

// Validate checks ids, amounts and status
func (c Campaign) Validate() error {
	switch {
	case !idPattern.MatchString(c.ID):
		return &ValidationError{Field: "id", Reason: "must contain only alphanumeric characters, underscores and hyphens"}
	case !idPattern.MatchString(c.AdvertiserID):
		return &ValidationError{Field: "advertiser_id", Reason: "must contain only alphanumeric characters, underscores and hyphens"}
	case strings.TrimSpace(c.Name) == "":
		return &ValidationError{Field: "name", Reason: "missing"}
	case strings.TrimSpace(c.BidderID) == "":
		return &ValidationError{Field: "bidder_id", Reason: "missing"}
	case c.Budget.IsNegative():
		return &ValidationError{Field: "budget", Reason: "must not be negative"}
	case c.Impressions < 0:
		return &ValidationError{Field: "impressions", Reason: "must not be negative"}
	case c.Spent.IsNegative():
		return &ValidationError{Field: "spent", Reason: "must not be negative"}
	case c.Spent.GreaterThan(c.Budget):
		return &ValidationError{Field: "spent", Reason: "cannot exceed budget"}
	case c.MaxBid.IsNegative():
		return &ValidationError{Field: "max_bid", Reason: "must not be negative"}
	case !c.Status.Valid():
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", c.Status)}
	}
	return nil
}

// Remaining returns the unspent budget
func (c Campaign) Remaining() decimal.Decimal {
	return c.Budget.Sub(c.Spent)
}

// Biddable reports whether the campaign can still buy impressions
func (c Campaign) Biddable() bool {
	return c.Status == StatusActive && c.Remaining().IsPositive()
}

// Utilization is the spent share of the budget, 0 for an empty budget
func (c Campaign) Utilization() float64 {
	if !c.Budget.IsPositive() {
		return 0
	}
	return c.Spent.Div(c.Budget).Round(4).InexactFloat64()
}

// BudgetHealth grades how close a campaign is to exhausting its budget
type BudgetHealth string

const (
	BudgetHealthy  BudgetHealth = "healthy"
	BudgetWarning  BudgetHealth = "warning"
	BudgetCritical BudgetHealth = "critical"
)

const (
	warningUtilization  = 0.7
	criticalUtilization = 0.9
)

// BudgetStatus reports a campaign's spend against its budget
type BudgetStatus struct {
	CampaignID      string          `json:"campaign_id"`
	TotalBudget     decimal.Decimal `json:"total_budget"`
	Spent           decimal.Decimal `json:"spent"`
	Remaining       decimal.Decimal `json:"remaining"`
	UtilizationRate float64         `json:"utilization_rate"`
	Status          BudgetHealth    `json:"status"`
}

func (c Campaign) BudgetStatus() BudgetStatus {
	u := c.Utilization()
	health := BudgetHealthy
	switch {
	case u >= criticalUtilization:
		health = BudgetCritical
	case u >= warningUtilization:
		health = BudgetWarning
	}
	return BudgetStatus{
		CampaignID:      c.ID,
		TotalBudget:     c.Budget,
		Spent:           c.Spent,
		Remaining:       c.Remaining(),
		UtilizationRate: u,
		Status:          health,
	}
}

// Stats are the delivery counters of one campaign. AverageCPM is the mean
// price per thousand impressions.
type Stats struct {
	CampaignID  string          `json:"campaign_id"`
	Impressions int64           `json:"impressions"`
	Spend       decimal.Decimal `json:"spend"`
	Remaining   decimal.Decimal `json:"remaining"`
	AverageCPM  decimal.Decimal `json:"average_cpm"`
}

func (c Campaign) Stats() Stats {
	s := Stats{
		CampaignID:  c.ID,
		Impressions: c.Impressions,
		Spend:       c.Spent,
		Remaining:   c.Remaining(),
	}
	if c.Impressions > 0 {
		s.AverageCPM = c.Spent.Mul(decimal.NewFromInt(1000)).Div(decimal.NewFromInt(c.Impressions)).Round(4)
	}
	return s
}

// Summary aggregates budgets and statuses across campaigns
type Summary struct {
	TotalCampaigns     int             `json:"total_campaigns"`
	ActiveCampaigns    int             `json:"active_campaigns"`
	PausedCampaigns    int             `json:"paused_campaigns"`
	CompletedCampaigns int             `json:"completed_campaigns"`
	DraftCampaigns     int             `json:"draft_campaigns"`
	TotalBudget        decimal.Decimal `json:"total_budget"`
	TotalSpent         decimal.Decimal `json:"total_spent"`
	RemainingBudget    decimal.Decimal `json:"remaining_budget"`
	BudgetUtilization  float64         `json:"budget_utilization"`
	TotalImpressions   int64           `json:"total_impressions"`
}

// Summarize totals list
func Summarize(list []Campaign) Summary {
	var s Summary
	for _, c := range list {
		s.TotalCampaigns++
		switch c.Status {
		case StatusActive:
			s.ActiveCampaigns++
		case StatusPaused:
			s.PausedCampaigns++
		case StatusCompleted:
			s.CompletedCampaigns++
		case StatusDraft:
			s.DraftCampaigns++
		}
		s.TotalBudget = s.TotalBudget.Add(c.Budget)
		s.TotalSpent = s.TotalSpent.Add(c.Spent)
		s.TotalImpressions += c.Impressions
	}
	s.RemainingBudget = s.TotalBudget.Sub(s.TotalSpent)
	s.BudgetUtilization = Campaign{Budget: s.TotalBudget, Spent: s.TotalSpent}.Utilization()
	return s
}

// Filter narrows List. Zero values match everything and a zero Limit
// returns every match.
type Filter struct {
	AdvertiserID string
	Status       Status
	Offset       int
	Limit        int
}

func (f Filter) match(c Campaign) bool {
	if f.AdvertiserID != "" && c.AdvertiserID != f.AdvertiserID {
		return false
	}
	return f.Status == "" || c.Status == f.Status
}

// page applies Offset and Limit to an ordered result
func (f Filter) page(list []Campaign) []Campaign {
	if f.Offset > 0 {
		if f.Offset >= len(list) {
			return nil
		}
		list = list[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(list) {
		list = list[:f.Limit]
	}
	return list
}

// Store persists campaigns and their budgets
type Store interface {
	Create(ctx context.Context, c Campaign) (Campaign, error)
	Get(ctx context.Context, id string) (Campaign, error)
	// List returns campaigns matching f ordered by id.
	List(ctx context.Context, f Filter) ([]Campaign, error)
	Update(ctx context.Context, c Campaign) (Campaign, error)
	Delete(ctx context.Context, id string) error

	// GetActiveCampaignsForBidder returns biddable campaigns routed through bidderID.
	GetActiveCampaignsForBidder(ctx context.Context, bidderID string) ([]Campaign, error)

	// DebitBudget adds amount to spent and counts one paid impression.
	// It fails with ErrBudgetExceeded rather than overspend, and completes
	// the campaign once the budget is exhausted.
	DebitBudget(ctx context.Context, campaignID string, amount decimal.Decimal) (Campaign, error)
}
