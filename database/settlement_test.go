/*
Copyright 2025 Gatherpay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/gatherpay/gatherpay/internal/apierror"
	"github.com/gatherpay/gatherpay/model"
)

func TestSaveSettlementSnapshot_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	snapshot := &model.SettlementSnapshot{
		EventID:        "event_1",
		Currency:       "usd",
		GrossSales:     50000,
		StripeFees:     1750,
		PlatformFees:   2500,
		RefundedAmount: 5000,
		DisputedCount:  1,
		NetRevenue:     40750,
		PaidCount:      9,
		RefundedCount:  1,
	}

	mock.ExpectExec("INSERT INTO settlement_snapshots").
		WithArgs(sqlmock.AnyArg(), "event_1", "usd", int64(50000), int64(1750), int64(2500),
			int64(5000), 1, int64(40750), 9, 1, 0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = ds.SaveSettlementSnapshot(context.Background(), snapshot)
	assert.NoError(t, err)
	assert.NotEmpty(t, snapshot.SnapshotID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSettlementSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows([]string{"id", "snapshot_id", "event_id", "currency", "gross_sales", "stripe_fees",
		"platform_fees", "refunded_amount", "disputed_count", "net_revenue", "paid_count", "refunded_count",
		"waived_count", "generated_at"}).
		AddRow(1, "stl_1", "event_1", "usd", int64(50000), int64(1750), int64(2500), int64(5000), 1,
			int64(40750), 9, 1, 2, time.Now())

	mock.ExpectQuery("SELECT id, snapshot_id, event_id").
		WithArgs("event_1").
		WillReturnRows(rows)

	snapshot, err := ds.GetSettlementSnapshot(context.Background(), "event_1")
	assert.NoError(t, err)
	assert.Equal(t, int64(40750), snapshot.NetRevenue)
	assert.Equal(t, 2, snapshot.WaivedCount)
}

func TestGetSettlementSnapshot_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT id, snapshot_id, event_id").
		WithArgs("event_missing").
		WillReturnError(sql.ErrNoRows)

	_, err = ds.GetSettlementSnapshot(context.Background(), "event_missing")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}
