// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package admin serves campaign, profile and segment management for
// advertisers.
package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/luxfi/rtbx/pkg/campaign"
	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/profile"
)

const defaultPageSize = 100

// Handler holds the stores behind the management API
type Handler struct {
	campaigns campaign.Store
	dmp       *profile.DMP
	log       log.Logger
}

func NewHandler(campaigns campaign.Store, dmp *profile.DMP, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NoOp()
	}
	return &Handler{campaigns: campaigns, dmp: dmp, log: logger}
}

// Router builds the gin engine. origins lists the CORS origins allowed to
// call the API; empty allows none beyond same-origin.
func (h *Handler) Router(origins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(origins) > 0 {
		config := cors.DefaultConfig()
		config.AllowOrigins = origins
		config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
		router.Use(cors.New(config))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/campaigns", h.createCampaign)
		api.GET("/campaigns", h.listCampaigns)
		api.GET("/campaigns/:id", h.getCampaign)
		api.PUT("/campaigns/:id", h.updateCampaign)
		api.DELETE("/campaigns/:id", h.deleteCampaign)
		api.GET("/campaigns/bidder/:bidder", h.activeForBidder)
		api.GET("/campaigns/:id/budget-status", h.budgetStatus)
		api.GET("/campaigns/:id/stats", h.campaignStats)
		api.POST("/campaigns/:id/spend", h.recordSpend)
		api.GET("/stats/summary", h.summary)

		api.GET("/profiles/:id", h.getProfile)
		api.PUT("/profiles/:id", h.upsertProfile)
		api.POST("/user/:id/events", h.recordEvent)
		api.GET("/user/:id/events", h.listEvents)

		api.GET("/segments", h.listSegments)
		api.GET("/segments/:name", h.getSegment)
		api.POST("/segments/:name/users/:user", h.addToSegment)
		api.DELETE("/segments/:name/users/:user", h.removeFromSegment)
	}
	return router
}

func (h *Handler) createCampaign(c *gin.Context) {
	var req campaign.Campaign
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := h.campaigns.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// listCampaigns filters by advertiser_id and status and pages with
// offset and limit.
func (h *Handler) listCampaigns(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil || limit == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	status := campaign.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(status)})
		return
	}

	list, err := h.campaigns.List(c.Request.Context(), campaign.Filter{
		AdvertiserID: c.Query("advertiser_id"),
		Status:       status,
		Offset:       offset,
		Limit:        limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"campaigns": list,
		"total":     len(list),
		"offset":    offset,
		"limit":     limit,
	})
}

func (h *Handler) getCampaign(c *gin.Context) {
	got, err := h.campaigns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, got)
}

// updateCampaign replaces the editable fields. Spend only moves through
// budget debits, so the stored value wins.
func (h *Handler) updateCampaign(c *gin.Context) {
	ctx := c.Request.Context()
	existing, err := h.campaigns.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	var req campaign.Campaign
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ID = existing.ID
	req.Spent = existing.Spent
	req.Impressions = existing.Impressions
	if req.Status == "" {
		req.Status = existing.Status
	}
	updated, err := h.campaigns.Update(ctx, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) deleteCampaign(c *gin.Context) {
	id := c.Param("id")
	if err := h.campaigns.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Campaign deleted",
		"id":      id,
	})
}

func (h *Handler) activeForBidder(c *gin.Context) {
	list, err := h.campaigns.GetActiveCampaignsForBidder(c.Request.Context(), c.Param("bidder"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"campaigns": list,
		"total":     len(list),
	})
}

func (h *Handler) budgetStatus(c *gin.Context) {
	got, err := h.campaigns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, got.BudgetStatus())
}

func (h *Handler) campaignStats(c *gin.Context) {
	got, err := h.campaigns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, got.Stats())
}

type spendRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// recordSpend settles one impression bought outside the exchange against
// the campaign budget.
func (h *Handler) recordSpend(c *gin.Context) {
	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	updated, err := h.campaigns.DebitBudget(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"campaign_id": updated.ID,
		"spent":       updated.Spent,
		"remaining":   updated.Remaining(),
		"status":      updated.Status,
	})
}

func (h *Handler) summary(c *gin.Context) {
	list, err := h.campaigns.List(c.Request.Context(), campaign.Filter{})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign.Summarize(list))
}

func (h *Handler) getProfile(c *gin.Context) {
	p, err := h.dmp.GetProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) upsertProfile(c *gin.Context) {
	var req profile.Profile
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserID = c.Param("id")
	p, err := h.dmp.UpdateProfile(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type eventRequest struct {
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data"`
}

func (h *Handler) recordEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, _, err := h.dmp.RecordEvent(c.Request.Context(), profile.Event{
		UserID: c.Param("id"),
		Type:   req.EventType,
		Data:   req.EventData,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":  "Event recorded",
		"event_id": e.ID,
	})
}

func (h *Handler) listEvents(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := c.Param("id")
	events, total, err := h.dmp.Events(c.Request.Context(), userID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"events":       events,
		"total_events": total,
	})
}

func (h *Handler) listSegments(c *gin.Context) {
	all, err := h.dmp.Segments(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, all)
}

func (h *Handler) getSegment(c *gin.Context) {
	name := c.Param("name")
	users, err := h.dmp.Segment(c.Request.Context(), name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"segment_name": name,
		"users":        users,
		"user_count":   len(users),
	})
}

func (h *Handler) addToSegment(c *gin.Context) {
	name, user := c.Param("name"), c.Param("user")
	if _, err := h.dmp.AddToSegment(c.Request.Context(), name, user); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "User added to segment",
		"segment": name,
		"user_id": user,
	})
}

func (h *Handler) removeFromSegment(c *gin.Context) {
	name, user := c.Param("name"), c.Param("user")
	if err := h.dmp.RemoveFromSegment(c.Request.Context(), name, user); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "User removed from segment",
		"segment": name,
		"user_id": user,
	})
}

// queryInt reads a non-negative integer query parameter
func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func (h *Handler) fail(c *gin.Context, err error) {
	var verr *campaign.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr), errors.Is(err, campaign.ErrNegativeAmount),
		errors.Is(err, profile.ErrNoUserID), errors.Is(err, profile.ErrNoEventType), errors.Is(err, profile.ErrNoSegmentName):
		status = http.StatusBadRequest
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, profile.ErrNotFound), errors.Is(err, profile.ErrSegmentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, campaign.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, campaign.ErrBudgetExceeded):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", log.String("path", c.FullPath()), log.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
