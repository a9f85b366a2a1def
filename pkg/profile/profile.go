// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package profile keeps the user profiles bidders price against.
package profile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/rtbx/pkg/log"
)

var (
	ErrNotFound = errors.New("profile not found")
	ErrNoUserID = errors.New("profile: missing user id")
)

// Profile describes what is known about a user
type Profile struct {
	UserID       string            `json:"user_id"`
	Demographics map[string]string `json:"demographics,omitempty"`
	Interests    []string          `json:"interests,omitempty"`
	Behaviors    []string          `json:"behaviors,omitempty"`
	Segments     []string          `json:"segments,omitempty"`
	EventCounts  map[string]int    `json:"event_counts,omitempty"`
	LastUpdated  time.Time         `json:"last_updated"`
}

// HasInterest reports a case-insensitive interest match
func (p Profile) HasInterest(interest string) bool {
	return slices.ContainsFunc(p.Interests, func(i string) bool {
		return strings.EqualFold(i, interest)
	})
}

func (p Profile) clone() Profile {
	p.Demographics = maps.Clone(p.Demographics)
	p.Interests = slices.Clone(p.Interests)
	p.Behaviors = slices.Clone(p.Behaviors)
	p.Segments = slices.Clone(p.Segments)
	p.EventCounts = maps.Clone(p.EventCounts)
	return p
}

// Merge folds o into p. Demographics are overwritten key by key; list
// fields are unioned.
func (p *Profile) Merge(o Profile) {
	if len(o.Demographics) > 0 {
		if p.Demographics == nil {
			p.Demographics = make(map[string]string, len(o.Demographics))
		}
		maps.Copy(p.Demographics, o.Demographics)
	}
	p.Interests = union(p.Interests, o.Interests)
	p.Behaviors = union(p.Behaviors, o.Behaviors)
	p.Segments = union(p.Segments, o.Segments)
}

// InSegment reports segment membership
func (p Profile) InSegment(name string) bool {
	return slices.Contains(p.Segments, name)
}

// Event is one recorded user action
type Event struct {
	ID        string         `json:"event_id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"event_data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Store is implemented by profile backends
type Store interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)

	// Upsert creates the profile or merges p into the stored one.
	Upsert(ctx context.Context, p Profile) (Profile, error)

	// Update applies fn to the stored profile, or to an empty one when
	// userID is unknown, and saves the result unless fn fails. Concurrent
	// updates of one profile are serialized.
	Update(ctx context.Context, userID string, fn func(p *Profile) error) (Profile, error)

	// List returns every profile ordered by user id.
	List(ctx context.Context) ([]Profile, error)

	// AppendEvent stores e, assigning its id and timestamp when empty.
	AppendEvent(ctx context.Context, e Event) (Event, error)

	// Events returns up to limit of the user's events, newest first, and
	// the number of events stored for the user.
	Events(ctx context.Context, userID string, limit int) ([]Event, int, error)
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	events   map[string][]Event
	log      log.Logger
	now      func() time.Time
}

func NewMemoryStore(logger log.Logger) *MemoryStore {
	if logger == nil {
		logger = log.NoOp()
	}
	return &MemoryStore{
		profiles: make(map[string]Profile),
		events:   make(map[string][]Event),
		log:      logger,
		now:      time.Now,
	}
}

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return p.clone(), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, p Profile) (Profile, error) {
	merged, err := s.Update(ctx, p.UserID, func(cur *Profile) error {
		cur.Merge(p)
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	s.log.Debug("profile upserted",
		log.String("user", p.UserID),
		log.Int("interests", len(merged.Interests)),
	)
	return merged, nil
}

func (s *MemoryStore) Update(_ context.Context, userID string, fn func(p *Profile) error) (Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return Profile{}, ErrNoUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.profiles[userID]
	if ok {
		cur = cur.clone()
	} else {
		cur = Profile{UserID: userID}
	}
	if err := fn(&cur); err != nil {
		return Profile{}, err
	}
	cur.UserID = userID
	cur.LastUpdated = s.now()
	s.profiles[userID] = cur
	return cur.clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.clone())
	}
	slices.SortFunc(out, func(a, b Profile) int { return strings.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e Event) (Event, error) {
	if strings.TrimSpace(e.UserID) == "" {
		return Event{}, ErrNoUserID
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Data = maps.Clone(e.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.UserID] = append(s.events[e.UserID], e)
	return e, nil
}

func (s *MemoryStore) Events(_ context.Context, userID string, limit int) ([]Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[userID]
	n := len(all)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, n, nil
}

func union(have, add []string) []string {
	out := slices.Clone(have)
	for _, v := range add {
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
