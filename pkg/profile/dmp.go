// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package profile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/luxfi/rtbx/pkg/log"
)

var (
	ErrNoEventType     = errors.New("profile: missing event type")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrNoSegmentName   = errors.New("profile: missing segment name")
)

const defaultEventLimit = 100

// DMP derives profile data from user events and maintains segment
// membership on top of a Store.
type DMP struct {
	store Store
	log   log.Logger
}

func NewDMP(store Store, logger log.Logger) *DMP {
	if logger == nil {
		logger = log.NoOp()
	}
	return &DMP{store: store, log: logger}
}

// Store returns the backing profile store
func (d *DMP) Store() Store {
	return d.store
}

func (d *DMP) GetProfile(ctx context.Context, userID string) (Profile, error) {
	return d.store.GetProfile(ctx, userID)
}

// UpdateProfile merges p into the stored profile and assigns rule segments
func (d *DMP) UpdateProfile(ctx context.Context, p Profile) (Profile, error) {
	updated, err := d.store.Update(ctx, p.UserID, func(cur *Profile) error {
		cur.Merge(p)
		applySegmentRules(cur)
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	d.log.Info("profile updated",
		log.String("user", updated.UserID),
		log.Int("interests", len(updated.Interests)),
		log.Int("segments", len(updated.Segments)),
	)
	return updated, nil
}

// RecordEvent stores the event and folds it into the user's profile: the
// event type adds a behavior, a category adds an interest and a device
// type sets the device demographic.
func (d *DMP) RecordEvent(ctx context.Context, e Event) (Event, Profile, error) {
	if strings.TrimSpace(e.UserID) == "" {
		return Event{}, Profile{}, ErrNoUserID
	}
	if strings.TrimSpace(e.Type) == "" {
		return Event{}, Profile{}, ErrNoEventType
	}

	stored, err := d.store.AppendEvent(ctx, e)
	if err != nil {
		return Event{}, Profile{}, fmt.Errorf("append event: %w", err)
	}
	p, err := d.store.Update(ctx, e.UserID, func(cur *Profile) error {
		applyEvent(cur, stored)
		applySegmentRules(cur)
		return nil
	})
	if err != nil {
		return Event{}, Profile{}, fmt.Errorf("update profile: %w", err)
	}

	d.log.Debug("event recorded",
		log.String("user", e.UserID),
		log.String("type", e.Type),
		log.String("event", stored.ID),
	)
	return stored, p, nil
}

// Events returns the user's most recent events, newest first, and the
// total recorded. A non-positive limit uses the default of 100.
func (d *DMP) Events(ctx context.Context, userID string, limit int) ([]Event, int, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	return d.store.Events(ctx, userID, limit)
}

// Segments maps every segment to its members. Rule segments are listed
// even when empty.
func (d *DMP) Segments(ctx context.Context) (map[string][]string, error) {
	profiles, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, name := range AutoSegments() {
		out[name] = []string{}
	}
	for _, p := range profiles {
		for _, name := range p.Segments {
			out[name] = append(out[name], p.UserID)
		}
	}
	return out, nil
}

// Segment returns the members of one segment
func (d *DMP) Segment(ctx context.Context, name string) ([]string, error) {
	all, err := d.Segments(ctx)
	if err != nil {
		return nil, err
	}
	users, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
	}
	return users, nil
}

// AddToSegment puts the user in a segment, creating either when missing
func (d *DMP) AddToSegment(ctx context.Context, name, userID string) (Profile, error) {
	if strings.TrimSpace(name) == "" {
		return Profile{}, ErrNoSegmentName
	}
	return d.store.Update(ctx, userID, func(cur *Profile) error {
		if !cur.InSegment(name) {
			cur.Segments = append(cur.Segments, name)
		}
		return nil
	})
}

// RemoveFromSegment drops the user from a segment. Unknown users are left
// alone.
func (d *DMP) RemoveFromSegment(ctx context.Context, name, userID string) error {
	if _, err := d.store.GetProfile(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	_, err := d.store.Update(ctx, userID, func(cur *Profile) error {
		cur.Segments = slices.DeleteFunc(cur.Segments, func(s string) bool { return s == name })
		return nil
	})
	return err
}

func applyEvent(p *Profile, e Event) {
	if p.EventCounts == nil {
		p.EventCounts = make(map[string]int)
	}
	p.EventCounts[e.Type]++

	if behavior, ok := behaviorByEvent[e.Type]; ok {
		p.Behaviors = union(p.Behaviors, []string{behavior})
	}
	if category, ok := e.Data["category"].(string); ok && category != "" {
		p.Interests = union(p.Interests, []string{category})
	}
	if device, ok := e.Data["device_type"].(string); ok && device != "" {
		if p.Demographics == nil {
			p.Demographics = make(map[string]string)
		}
		p.Demographics["device_type"] = device
	}
}
