// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package campaign

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/rtbx/pkg/log"
)

var columnNames = []string{
	"id", "name", "advertiser_id", "bidder_id", "budget", "spent", "max_bid",
	"targeting", "creative", "status", "created_at", "updated_at", "impressions",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewPostgresStore(db, log.NoOp())
	s.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s, mock
}

func campaignRow(rows *sqlmock.Rows, id, bidderID, budget, spent, status string) *sqlmock.Rows {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return rows.AddRow(
		id, "Campaign "+id, "adv_1", bidderID, budget, spent, "2.5",
		[]byte(`{"device_types":["mobile"],"interests":["sports"]}`),
		[]byte(`{"title":"Ad"}`),
		status, ts, ts, int64(0),
	)
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS campaigns").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreate(t *testing.T) {
	require := require.New(t)
	s, mock := newMockStore(t)
	c := testCampaign("camp_1", "dsp-a", 100)

	mock.ExpectExec("INSERT INTO campaigns").
		WithArgs("camp_1", "Campaign camp_1", "adv_1", "dsp-a", c.Budget, c.Spent, c.MaxBid,
			sqlmock.AnyArg(), sqlmock.AnyArg(), "active", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := s.Create(context.Background(), c)
	require.NoError(err)
	require.Equal(s.now(), created.CreatedAt)

	mock.ExpectExec("INSERT INTO campaigns").WillReturnError(&pq.Error{Code: uniqueViolation})
	_, err = s.Create(context.Background(), c)
	require.ErrorIs(err, ErrExists)

	require.NoError(mock.ExpectationsWereMet())
}

func TestPostgresCreateRejectsInvalid(t *testing.T) {
	s, mock := newMockStore(t)
	c := testCampaign("camp_1", "dsp-a", 100)
	c.Spent = decimal.NewFromInt(500)

	_, err := s.Create(context.Background(), c)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	require := require.New(t)
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WithArgs("camp_1").
		WillReturnRows(campaignRow(sqlmock.NewRows(columnNames), "camp_1", "dsp-a", "100", "25.5", "active"))

	c, err := s.Get(context.Background(), "camp_1")
	require.NoError(err)
	require.Equal("dsp-a", c.BidderID)
	require.True(c.Remaining().Equal(decimal.RequireFromString("74.5")))
	require.Equal([]string{"sports"}, c.Targeting.Interests)
	require.Equal("Ad", c.Creative.Title)
	require.Equal(StatusActive, c.Status)

	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(err, ErrNotFound)

	require.NoError(mock.ExpectationsWereMet())
}

func TestPostgresActiveForBidder(t *testing.T) {
	require := require.New(t)
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows(columnNames)
	campaignRow(rows, "a", "dsp-a", "10", "0", "active")
	campaignRow(rows, "b", "dsp-a", "10", "9", "active")
	mock.ExpectQuery("SELECT (.+) FROM campaigns\\s+WHERE bidder_id = \\$1 AND status = \\$2").
		WithArgs("dsp-a", "active").
		WillReturnRows(rows)

	list, err := s.GetActiveCampaignsForBidder(context.Background(), "dsp-a")
	require.NoError(err)
	require.Len(list, 2)
	require.Equal("b", list[1].ID)
	require.NoError(mock.ExpectationsWereMet())
}

func TestPostgresDebitBudget(t *testing.T) {
	require := require.New(t)
	s, mock := newMockStore(t)
	amount := decimal.RequireFromString("0.65")

	mock.ExpectQuery("UPDATE campaigns SET\\s+spent = spent \\+ \\$2,\\s+impressions = impressions \\+ 1").
		WithArgs("camp_1", amount, sqlmock.AnyArg(), "active", "completed").
		WillReturnRows(campaignRow(sqlmock.NewRows(columnNames), "camp_1", "dsp-a", "10", "0.65", "active"))

	c, err := s.DebitBudget(context.Background(), "camp_1", amount)
	require.NoError(err)
	require.True(c.Spent.Equal(amount))

	mock.ExpectQuery("UPDATE campaigns SET").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("camp_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	_, err = s.DebitBudget(context.Background(), "camp_1", decimal.NewFromInt(100))
	require.ErrorIs(err, ErrBudgetExceeded)

	mock.ExpectQuery("UPDATE campaigns SET").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = s.DebitBudget(context.Background(), "gone", amount)
	require.ErrorIs(err, ErrNotFound)

	require.NoError(mock.ExpectationsWereMet())
}

func TestPostgresDelete(t *testing.T) {
	require := require.New(t)
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM campaigns").WithArgs("camp_1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(s.Delete(context.Background(), "camp_1"))

	mock.ExpectExec("DELETE FROM campaigns").WithArgs("camp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(s.Delete(context.Background(), "camp_1"), ErrNotFound)

	require.NoError(mock.ExpectationsWereMet())
}

func TestPostgresListFilter(t *testing.T) {
	require := require.New(t)
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM campaigns ORDER BY id$`).
		WillReturnRows(campaignRow(sqlmock.NewRows(columnNames), "a", "dsp-a", "10", "0", "active"))
	list, err := s.List(context.Background(), Filter{})
	require.NoError(err)
	require.Len(list, 1)

	mock.ExpectQuery(`SELECT (.+) FROM campaigns WHERE advertiser_id = \$1 AND status = \$2 ORDER BY id LIMIT \$3 OFFSET \$4`).
		WithArgs("adv_1", "paused", 10, 20).
		WillReturnRows(sqlmock.NewRows(columnNames))
	list, err = s.List(context.Background(), Filter{AdvertiserID: "adv_1", Status: StatusPaused, Offset: 20, Limit: 10})
	require.NoError(err)
	require.Empty(list)

	mock.ExpectQuery(`SELECT (.+) FROM campaigns WHERE status = \$1 ORDER BY id LIMIT \$2`).
		WithArgs("active", 5).
		WillReturnRows(sqlmock.NewRows(columnNames))
	_, err = s.List(context.Background(), Filter{Status: StatusActive, Limit: 5})
	require.NoError(err)

	require.NoError(mock.ExpectationsWereMet())
}
