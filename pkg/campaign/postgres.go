// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/luxfi/rtbx/pkg/log"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	advertiser_id TEXT NOT NULL,
	bidder_id     TEXT NOT NULL,
	budget        NUMERIC(20,6) NOT NULL,
	spent         NUMERIC(20,6) NOT NULL DEFAULT 0,
	max_bid       NUMERIC(20,6) NOT NULL DEFAULT 0,
	targeting     JSONB NOT NULL DEFAULT '{}',
	creative      JSONB NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	impressions   BIGINT NOT NULL DEFAULT 0,
	CHECK (spent <= budget)
);
ALTER TABLE campaigns ADD COLUMN IF NOT EXISTS impressions BIGINT NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS campaigns_bidder_status ON campaigns (bidder_id, status);
CREATE INDEX IF NOT EXISTS campaigns_advertiser ON campaigns (advertiser_id);
`

const columns = `id, name, advertiser_id, bidder_id, budget, spent, max_bid, targeting, creative, status, created_at, updated_at, impressions`

// PostgresStore keeps campaigns in a Postgres table
type PostgresStore struct {
	db  *sql.DB
	log log.Logger
	now func() time.Time
}

// NewPostgresStore wraps an open database handle
func NewPostgresStore(db *sql.DB, logger log.Logger) *PostgresStore {
	if logger == nil {
		logger = log.NoOp()
	}
	return &PostgresStore{
		db:  db,
		log: logger,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// OpenPostgres connects with lib/pq and verifies the connection
func OpenPostgres(ctx context.Context, dsn string, logger log.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(db, logger), nil
}

// Migrate creates the campaigns table when missing
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate campaigns: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Create(ctx context.Context, c Campaign) (Campaign, error) {
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if err := c.Validate(); err != nil {
		return Campaign{}, err
	}
	targeting, creative, err := marshalDocs(c)
	if err != nil {
		return Campaign{}, err
	}
	now := p.now()
	c.CreatedAt, c.UpdatedAt = now, now

	q := `INSERT INTO campaigns (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = p.db.ExecContext(ctx, q,
		c.ID,
		c.Name,
		c.AdvertiserID,
		c.BidderID,
		c.Budget,
		c.Spent,
		c.MaxBid,
		targeting,
		creative,
		string(c.Status),
		c.CreatedAt,
		c.UpdatedAt,
		c.Impressions,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Campaign{}, fmt.Errorf("%w: %s", ErrExists, c.ID)
		}
		return Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}

	p.log.Info("campaign created",
		log.String("campaign", c.ID),
		log.String("bidder", c.BidderID),
		log.String("budget", c.Budget.String()),
	)
	return c, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Campaign, error) {
	q := `SELECT ` + columns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(p.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("query campaign: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]Campaign, error) {
	var (
		where []string
		args  []any
	)
	if f.AdvertiserID != "" {
		args = append(args, f.AdvertiserID)
		where = append(where, fmt.Sprintf("advertiser_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	q := `SELECT ` + columns + ` FROM campaigns`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return p.query(ctx, q, args...)
}

func (p *PostgresStore) GetActiveCampaignsForBidder(ctx context.Context, bidderID string) ([]Campaign, error) {
	q := `SELECT ` + columns + ` FROM campaigns
		WHERE bidder_id = $1 AND status = $2 AND spent < budget
		ORDER BY id`
	return p.query(ctx, q, bidderID, string(StatusActive))
}

func (p *PostgresStore) Update(ctx context.Context, c Campaign) (Campaign, error) {
	if err := c.Validate(); err != nil {
		return Campaign{}, err
	}
	targeting, creative, err := marshalDocs(c)
	if err != nil {
		return Campaign{}, err
	}

	q := `UPDATE campaigns SET
			name = $2, advertiser_id = $3, bidder_id = $4, budget = $5, spent = $6,
			max_bid = $7, targeting = $8, creative = $9, status = $10, updated_at = $11
		WHERE id = $1
		RETURNING ` + columns
	updated, err := scanCampaign(p.db.QueryRowContext(ctx, q,
		c.ID,
		c.Name,
		c.AdvertiserID,
		c.BidderID,
		c.Budget,
		c.Spent,
		c.MaxBid,
		targeting,
		creative,
		string(c.Status),
		p.now(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("update campaign: %w", err)
	}
	return updated, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DebitBudget applies the debit in one conditional UPDATE so concurrent
// wins against the same campaign cannot overspend.
func (p *PostgresStore) DebitBudget(ctx context.Context, campaignID string, amount decimal.Decimal) (Campaign, error) {
	if amount.IsNegative() {
		return Campaign{}, ErrNegativeAmount
	}

	q := `UPDATE campaigns SET
			spent = spent + $2,
			impressions = impressions + 1,
			status = CASE WHEN status = $4 AND spent + $2 >= budget THEN $5 ELSE status END,
			updated_at = $3
		WHERE id = $1 AND spent + $2 <= budget
		RETURNING ` + columns
	c, err := scanCampaign(p.db.QueryRowContext(ctx, q,
		campaignID,
		amount,
		p.now(),
		string(StatusActive),
		string(StatusCompleted),
	))
	if err == nil {
		p.log.Debug("budget debited",
			log.String("campaign", campaignID),
			log.String("amount", amount.String()),
			log.String("remaining", c.Remaining().String()),
		)
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, fmt.Errorf("debit budget: %w", err)
	}

	// No row matched: either the campaign is gone or the debit would overspend.
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, campaignID).Scan(&exists); err != nil {
		return Campaign{}, fmt.Errorf("debit budget: %w", err)
	}
	if !exists {
		return Campaign{}, fmt.Errorf("%w: %s", ErrNotFound, campaignID)
	}
	return Campaign{}, fmt.Errorf("%w: campaign %s, debit %s", ErrBudgetExceeded, campaignID, amount)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Campaign, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row scanner) (Campaign, error) {
	var (
		c                   Campaign
		status              string
		targeting, creative []byte
	)
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.AdvertiserID,
		&c.BidderID,
		&c.Budget,
		&c.Spent,
		&c.MaxBid,
		&targeting,
		&creative,
		&status,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.Impressions,
	)
	if err != nil {
		return Campaign{}, err
	}
	c.Status = Status(status)
	if len(targeting) > 0 {
		if err := json.Unmarshal(targeting, &c.Targeting); err != nil {
			return Campaign{}, fmt.Errorf("decode targeting: %w", err)
		}
	}
	if len(creative) > 0 {
		if err := json.Unmarshal(creative, &c.Creative); err != nil {
			return Campaign{}, fmt.Errorf("decode creative: %w", err)
		}
	}
	return c, nil
}

func marshalDocs(c Campaign) ([]byte, []byte, error) {
	targeting, err := json.Marshal(c.Targeting)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal targeting: %w", err)
	}
	creative, err := json.Marshal(c.Creative)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal creative: %w", err)
	}
	return targeting, creative, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
