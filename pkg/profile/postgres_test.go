// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rtbx/pkg/log"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewPostgresStore(db, log.NoOp())
	s.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s, mock
}

func profileDoc(t *testing.T, p Profile) []byte {
	t.Helper()
	doc, err := json.Marshal(p)
	require.NoError(t, err)
	return doc
}

func TestPostgresProfileMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_profiles").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetProfile(t *testing.T) {
	require := require.New(t)
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT profile FROM user_profiles WHERE user_id").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"profile"}).
			AddRow(profileDoc(t, Profile{UserID: "user-1", Interests: []string{"sports"}})))
	p, err := s.GetProfile(context.Background(), "user-1")
	require.NoError(err)
	require.True(p.HasInterest("sports"))

	mock.ExpectQuery("SELECT profile FROM user_profiles WHERE user_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = s.GetProfile(context.Background(), "missing")
	require.ErrorIs(err, ErrNotFound)

	require.NoError(mock.ExpectationsWereMet())
}

func TestPostgresUpsertLocksRow(t *testing.T) {
	require := require.New(t)
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_profiles (.+) ON CONFLICT \\(user_id\\) DO NOTHING").
		WithArgs("user-1", sqlmock.AnyArg(), s.now()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT profile FROM user_profiles WHERE user_id = \\$1 FOR UPDATE").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"profile"}).
			AddRow(profileDoc(t, Profile{UserID: "user-1", Interests: []string{"sports"}})))
	mock.ExpectExec("UPDATE user_profiles SET profile").
		WithArgs("user-1", sqlmock.AnyArg(), s.now()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := s.Upsert(context.Background(), Profile{UserID: "user-1", Interests: []string{"travel"}})
	require.NoError(err)
	require.Equal([]string{"sports", "travel"}, p.Interests)
	require.Equal(s.now(), p.LastUpdated)

	require.NoError(mock.ExpectationsWereMet())
}

func TestPostgresUpdateRollsBackOnError(t *testing.T) {
	require := require.New(t)
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_profiles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT profile FROM user_profiles").
		WillReturnRows(sqlmock.NewRows([]string{"profile"}).AddRow(profileDoc(t, Profile{UserID: "user-1"})))
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, err := s.Update(context.Background(), "user-1", func(*Profile) error { return boom })
	require.ErrorIs(err, boom)

	_, err = s.Update(context.Background(), " ", func(*Profile) error { return nil })
	require.ErrorIs(err, ErrNoUserID)

	require.NoError(mock.ExpectationsWereMet())
}

func TestPostgresEvents(t *testing.T) {
	require := require.New(t)
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO user_events").
		WithArgs(sqlmock.AnyArg(), "user-1", "purchase", []byte(`{"category":"books"}`), s.now()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	e, err := s.AppendEvent(ctx, Event{UserID: "user-1", Type: "purchase", Data: map[string]any{"category": "books"}})
	require.NoError(err)
	require.NotEmpty(e.ID)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM user_events").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("SELECT id, user_id, event_type, event_data, created_at FROM user_events").
		WithArgs("user-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "event_type", "event_data", "created_at"}).
			AddRow("e3", "user-1", "purchase", []byte(`{"category":"books"}`), s.now()).
			AddRow("e2", "user-1", "view", []byte(`{}`), s.now()))
	events, total, err := s.Events(ctx, "user-1", 2)
	require.NoError(err)
	require.Equal(3, total)
	require.Len(events, 2)
	require.Equal("books", events[0].Data["category"])

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM user_events").
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	events, total, err = s.Events(ctx, "nobody", 10)
	require.NoError(err)
	require.Zero(total)
	require.Empty(events)

	require.NoError(mock.ExpectationsWereMet())
}
