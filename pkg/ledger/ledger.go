// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/luxfi/rtbx/pkg/log"
	"github.com/luxfi/rtbx/pkg/metric"
	"github.com/luxfi/rtbx/pkg/rtb"
	"github.com/luxfi/rtbx/pkg/storage"
)

const (
	stripes = 256

	auctionPrefix    = "auction/"
	requestPrefix    = "request/"
	tombstonePrefix  = "tombstone/"
	impressionPrefix = "impression/"
)

// Ledger is the system of record for auctions. Writes to one auction are
// serialised by a striped mutex; different auctions never share a lock
// unless their ids hash to the same stripe.
type Ledger struct {
	store   *storage.Storage
	enc     cbor.EncMode
	log     log.Logger
	metrics *metric.Metrics
	now     func() time.Time

	locks [stripes]sync.Mutex
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides the clock used for transition timestamps
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics records conflicts and expiries
func WithMetrics(m *metric.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a ledger on store
func New(store *storage.Storage, logger log.Logger, opts ...Option) (*Ledger, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	if logger == nil {
		logger = log.NoOp()
	}
	l := &Ledger{
		store: store,
		enc:   enc,
		log:   logger,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Create records a new auction in Pending. Both the auction id and the
// request id must be unused, including by purged auctions.
func (l *Ledger) Create(ctx context.Context, rec rtb.AuctionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.AuctionID == "" || rec.Request.ID == "" {
		return &rtb.InvalidRequestError{Field: "auction_id", Reason: "auction and request ids are required"}
	}
	if rec.Status == 0 {
		rec.Status = rtb.StatusPending
	}
	if rec.Status != rtb.StatusPending {
		return l.conflict(&rtb.ConflictError{AuctionID: rec.AuctionID, From: rec.Status, To: rtb.StatusPending, Reason: "auctions are created pending"})
	}
	if rec.Winner != nil || len(rec.Outcomes) > 0 {
		return l.conflict(&rtb.ConflictError{AuctionID: rec.AuctionID, From: rtb.StatusPending, To: rtb.StatusPending, Reason: "result is set at evaluation"})
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}

	unlock := l.lock(auctionPrefix+rec.AuctionID, requestPrefix+rec.Request.ID)
	defer unlock()

	for _, key := range []string{auctionPrefix + rec.AuctionID, tombstonePrefix + rec.AuctionID} {
		exists, err := l.store.Has([]byte(key))
		if err != nil {
			return fmt.Errorf("check auction %s: %w", rec.AuctionID, err)
		}
		if exists {
			return &rtb.DuplicateAuctionError{AuctionID: rec.AuctionID, RequestID: rec.Request.ID}
		}
	}

	existing, err := l.store.Get([]byte(requestPrefix + rec.Request.ID))
	switch {
	case err == nil:
		return &rtb.DuplicateAuctionError{AuctionID: string(existing), RequestID: rec.Request.ID}
	case !storage.IsNotFound(err):
		return fmt.Errorf("check request %s: %w", rec.Request.ID, err)
	}

	value, err := l.enc.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode auction %s: %w", rec.AuctionID, err)
	}

	batch := l.store.NewBatch()
	if err := batch.Put([]byte(auctionPrefix+rec.AuctionID), value); err != nil {
		return err
	}
	if err := batch.Put([]byte(requestPrefix+rec.Request.ID), []byte(rec.AuctionID)); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write auction %s: %w", rec.AuctionID, err)
	}

	l.log.Debug("auction created",
		log.String("auction", rec.AuctionID),
		log.String("request", rec.Request.ID),
	)
	return nil
}

// TransitionTo moves an auction to status and applies fields atomically.
// Illegal steps return a ConflictError and leave the record untouched.
func (l *Ledger) TransitionTo(ctx context.Context, auctionID string, to rtb.Status, fields ...Field) (rtb.AuctionRecord, error) {
	if err := ctx.Err(); err != nil {
		return rtb.AuctionRecord{}, err
	}

	var c change
	for _, f := range fields {
		f(&c)
	}

	unlock := l.lock(auctionPrefix + auctionID)
	defer unlock()

	rec, err := l.load(auctionID)
	if err != nil {
		return rtb.AuctionRecord{}, err
	}

	if !rec.Status.CanTransition(to) {
		ce := &rtb.ConflictError{AuctionID: auctionID, From: rec.Status, To: to}
		if ce.Retryable() {
			ce.Reason = "win notice not yet recorded"
		}
		return rtb.AuctionRecord{}, l.conflict(ce)
	}
	if err := c.apply(&rec, to); err != nil {
		return rtb.AuctionRecord{}, l.conflict(err)
	}
	if to.RequiresWinner() && !rec.HasWinner() {
		return rtb.AuctionRecord{}, l.conflict(&rtb.ConflictError{AuctionID: auctionID, From: rec.Status, To: to, Reason: "auction has no winner"})
	}

	at := c.at
	if at.IsZero() {
		at = l.now()
	}
	switch to {
	case rtb.StatusEvaluated:
		rec.EvaluatedAt = at
	case rtb.StatusNotified:
		rec.NotifiedAt = at
	case rtb.StatusImpressed:
		rec.ImpressedAt = at
	case rtb.StatusExpired:
		rec.ExpiredAt = at
	}
	rec.Status = to

	if err := l.save(rec); err != nil {
		return rtb.AuctionRecord{}, err
	}
	return rec.Clone(), nil
}

// Get returns a copy of the auction record
func (l *Ledger) Get(ctx context.Context, auctionID string) (rtb.AuctionRecord, error) {
	if err := ctx.Err(); err != nil {
		return rtb.AuctionRecord{}, err
	}
	return l.load(auctionID)
}

// AuctionForRequest returns the auction id recorded for a request id
func (l *Ledger) AuctionForRequest(ctx context.Context, requestID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, err := l.store.Get([]byte(requestPrefix + requestID))
	if storage.IsNotFound(err) {
		return "", &rtb.NotFoundError{AuctionID: "request " + requestID}
	}
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status rtb.Status
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (f Filter) match(rec *rtb.AuctionRecord) bool {
	if f.Status != 0 && rec.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// List returns matching records, newest first
func (l *Ledger) List(ctx context.Context, filter Filter) ([]rtb.AuctionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []rtb.AuctionRecord
	err := l.store.Scan([]byte(auctionPrefix), func(key, value []byte) error {
		var rec rtb.AuctionRecord
		if err := cbor.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if filter.match(&rec) {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(records, func(a, b rtb.AuctionRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.AuctionID, b.AuctionID)
	})
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

// ExpireBefore expires Evaluated and Notified auctions whose last
// transition happened before cutoff. Auctions that move on concurrently
// are skipped.
func (l *Ledger) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	candidates, err := l.List(ctx, Filter{Until: cutoff})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if !rec.Status.CanTransition(rtb.StatusExpired) || !rec.UpdatedAt().Before(cutoff) {
			continue
		}
		_, err := l.TransitionTo(ctx, rec.AuctionID, rtb.StatusExpired)
		switch {
		case err == nil:
			expired++
		case rtb.IsConflict(err):
			// raced with an impression
		default:
			return expired, err
		}
	}

	if expired > 0 {
		if l.metrics != nil {
			l.metrics.Expired.Add(float64(expired))
		}
		l.log.Info("expired auctions",
			log.Int("count", expired),
			log.String("cutoff", cutoff.Format(time.RFC3339)),
		)
	}
	return expired, nil
}

// Purge deletes terminal auctions last touched before cutoff. A tombstone
// and the request index entry are kept so neither id can be reused.
func (l *Ledger) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	candidates, err := l.List(ctx, Filter{Until: cutoff})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if !rec.Status.Terminal() || !rec.UpdatedAt().Before(cutoff) {
			continue
		}
		if err := l.purge(rec.AuctionID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (l *Ledger) purge(auctionID string) error {
	unlock := l.lock(auctionPrefix + auctionID)
	defer unlock()

	stamp, err := l.now().UTC().MarshalBinary()
	if err != nil {
		return err
	}
	batch := l.store.NewBatch()
	if err := batch.Delete([]byte(auctionPrefix + auctionID)); err != nil {
		return err
	}
	if err := batch.Put([]byte(tombstonePrefix+auctionID), stamp); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("purge auction %s: %w", auctionID, err)
	}
	return nil
}

// AppendImpression adds an impression to the append-only log. The auction
// must already be Impressed.
func (l *Ledger) AppendImpression(ctx context.Context, imp rtb.ImpressionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if imp.ID == "" {
		return &rtb.InvalidRequestError{Field: "impression.id", Reason: "missing"}
	}

	unlock := l.lock(auctionPrefix + imp.AuctionID)
	defer unlock()

	rec, err := l.load(imp.AuctionID)
	if err != nil {
		return err
	}
	if rec.Status != rtb.StatusImpressed {
		return l.conflict(&rtb.ConflictError{AuctionID: imp.AuctionID, From: rec.Status, To: rtb.StatusImpressed, Reason: "impression logged before the auction was impressed"})
	}

	key := impressionKey(imp)
	exists, err := l.store.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return &rtb.DuplicateAuctionError{AuctionID: imp.AuctionID, RequestID: rec.Request.ID}
	}

	value, err := l.enc.Marshal(&imp)
	if err != nil {
		return fmt.Errorf("encode impression %s: %w", imp.ID, err)
	}
	return l.store.Put(key, value)
}

// Impressions returns the impressions logged for an auction in display order
func (l *Ledger) Impressions(ctx context.Context, auctionID string) ([]rtb.ImpressionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var imps []rtb.ImpressionRecord
	err := l.store.Scan([]byte(impressionPrefix+auctionID+"/"), func(key, value []byte) error {
		var imp rtb.ImpressionRecord
		if err := cbor.Unmarshal(value, &imp); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		imps = append(imps, imp)
		return nil
	})
	return imps, err
}

func impressionKey(imp rtb.ImpressionRecord) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", impressionPrefix, imp.AuctionID, imp.DisplayedAt.UnixNano(), imp.ID))
}

func (l *Ledger) load(auctionID string) (rtb.AuctionRecord, error) {
	value, err := l.store.Get([]byte(auctionPrefix + auctionID))
	if storage.IsNotFound(err) {
		return rtb.AuctionRecord{}, &rtb.NotFoundError{AuctionID: auctionID}
	}
	if err != nil {
		return rtb.AuctionRecord{}, fmt.Errorf("load auction %s: %w", auctionID, err)
	}

	var rec rtb.AuctionRecord
	if err := cbor.Unmarshal(value, &rec); err != nil {
		return rtb.AuctionRecord{}, fmt.Errorf("decode auction %s: %w", auctionID, err)
	}
	return rec, nil
}

func (l *Ledger) save(rec rtb.AuctionRecord) error {
	value, err := l.enc.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode auction %s: %w", rec.AuctionID, err)
	}
	if err := l.store.Put([]byte(auctionPrefix+rec.AuctionID), value); err != nil {
		return fmt.Errorf("write auction %s: %w", rec.AuctionID, err)
	}
	return nil
}

func (l *Ledger) conflict(err error) error {
	var ce *rtb.ConflictError
	if errors.As(err, &ce) {
		if l.metrics != nil {
			l.metrics.LedgerConflicts.Inc()
		}
		l.log.Debug("ledger conflict",
			log.String("auction", ce.AuctionID),
			log.Stringer("from", ce.From),
			log.Stringer("to", ce.To),
			log.String("reason", ce.Reason),
		)
	}
	return err
}

// lock takes the stripes for keys in index order and returns the unlock func
func (l *Ledger) lock(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, stripe(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	for _, i := range idx {
		l.locks[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.locks[idx[j]].Unlock()
		}
	}
}

func stripe(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % stripes)
}
