// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/luxfi/rtbx/pkg/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_profiles (
	user_id    TEXT PRIMARY KEY,
	profile    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS user_events (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS user_events_user_time ON user_events (user_id, created_at DESC);
`

// PostgresStore keeps profiles as JSONB documents and events in their own
// table, so every process pointed at the database prices from the same data.
type PostgresStore struct {
	db  *sql.DB
	log log.Logger
	now func() time.Time
}

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

// Migrate creates the profile and event tables when missing
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate profiles: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT profile FROM user_profiles WHERE user_id = $1`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("query profile: %w", err)
	}
	return decodeProfile(doc)
}

func (p *PostgresStore) Upsert(ctx context.Context, in Profile) (Profile, error) {
	return p.Update(ctx, in.UserID, func(cur *Profile) error {
		cur.Merge(in)
		return nil
	})
}

// Update makes sure the row exists, then locks it for the read-modify-write
// so concurrent merges of one profile never lose each other's fields.
func (p *PostgresStore) Update(ctx context.Context, userID string, fn func(*Profile) error) (Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return Profile{}, ErrNoUserID
	}
	empty, err := json.Marshal(Profile{UserID: userID})
	if err != nil {
		return Profile{}, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("begin profile update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := p.now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, profile, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, empty, now,
	); err != nil {
		return Profile{}, fmt.Errorf("insert profile: %w", err)
	}

	var doc []byte
	if err := tx.QueryRowContext(ctx,
		`SELECT profile FROM user_profiles WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&doc); err != nil {
		return Profile{}, fmt.Errorf("lock profile: %w", err)
	}
	cur, err := decodeProfile(doc)
	if err != nil {
		return Profile{}, err
	}
	if err := fn(&cur); err != nil {
		return Profile{}, err
	}
	cur.UserID = userID
	cur.LastUpdated = now

	doc, err = json.Marshal(cur)
	if err != nil {
		return Profile{}, fmt.Errorf("encode profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE user_profiles SET profile = $2, updated_at = $3 WHERE user_id = $1`,
		userID, doc, now,
	); err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Profile{}, fmt.Errorf("commit profile: %w", err)
	}
	return cur, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]Profile, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT profile FROM user_profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		prof, err := decodeProfile(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, prof)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e Event) (Event, error) {
	if strings.TrimSpace(e.UserID) == "" {
		return Event{}, ErrNoUserID
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now()
	}
	e.Data = maps.Clone(e.Data)
	data := []byte("{}")
	if len(e.Data) > 0 {
		var err error
		if data, err = json.Marshal(e.Data); err != nil {
			return Event{}, fmt.Errorf("encode event data: %w", err)
		}
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO user_events (id, user_id, event_type, event_data, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.UserID, e.Type, data, e.Timestamp,
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) Events(ctx context.Context, userID string, limit int) ([]Event, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_events WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}
	if limit <= 0 || limit > total {
		limit = total
	}
	if limit == 0 {
		return []Event{}, total, nil
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, event_type, event_data, created_at FROM user_events
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e    Event
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &data, &e.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, 0, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	return out, total, nil
}

func decodeProfile(doc []byte) (Profile, error) {
	var p Profile
	if err := json.Unmarshal(doc, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}
