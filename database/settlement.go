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

	"github.com/gatherpay/gatherpay/internal/apierror"
	"github.com/gatherpay/gatherpay/model"
)

// SaveSettlementSnapshot replaces the snapshot for an event wholesale. The
// event_id upsert means there is always at most one snapshot per event and a
// regeneration never merges with stale numbers.
func (d Datasource) SaveSettlementSnapshot(ctx context.Context, snapshot *model.SettlementSnapshot) error {
	if snapshot.SnapshotID == "" {
		snapshot.SnapshotID = GenerateUUIDWithSuffix("stl")
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO settlement_snapshots
			(snapshot_id, event_id, currency, gross_sales, stripe_fees, platform_fees,
			 refunded_amount, disputed_count, net_revenue, paid_count, refunded_count, waived_count, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (event_id) DO UPDATE
		SET snapshot_id = EXCLUDED.snapshot_id, currency = EXCLUDED.currency,
		    gross_sales = EXCLUDED.gross_sales, stripe_fees = EXCLUDED.stripe_fees,
		    platform_fees = EXCLUDED.platform_fees, refunded_amount = EXCLUDED.refunded_amount,
		    disputed_count = EXCLUDED.disputed_count, net_revenue = EXCLUDED.net_revenue,
		    paid_count = EXCLUDED.paid_count, refunded_count = EXCLUDED.refunded_count,
		    waived_count = EXCLUDED.waived_count, generated_at = NOW()
	`, snapshot.SnapshotID, snapshot.EventID, snapshot.Currency, snapshot.GrossSales, snapshot.StripeFees,
		snapshot.PlatformFees, snapshot.RefundedAmount, snapshot.DisputedCount, snapshot.NetRevenue,
		snapshot.PaidCount, snapshot.RefundedCount, snapshot.WaivedCount)
	return apierror.ClassifyDBError(err, "saving settlement snapshot")
}

// GetSettlementSnapshot retrieves the current snapshot for an event.
func (d Datasource) GetSettlementSnapshot(ctx context.Context, eventID string) (*model.SettlementSnapshot, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT id, snapshot_id, event_id, currency, gross_sales, stripe_fees, platform_fees,
		       refunded_amount, disputed_count, net_revenue, paid_count, refunded_count, waived_count, generated_at
		FROM settlement_snapshots
		WHERE event_id = $1
	`, eventID)

	s := model.SettlementSnapshot{}
	err := row.Scan(&s.ID, &s.SnapshotID, &s.EventID, &s.Currency, &s.GrossSales, &s.StripeFees,
		&s.PlatformFees, &s.RefundedAmount, &s.DisputedCount, &s.NetRevenue,
		&s.PaidCount, &s.RefundedCount, &s.WaivedCount, &s.GeneratedAt)
	if err != nil {
		return nil, apierror.ClassifyDBError(err, "fetching settlement snapshot")
	}
	return &s, nil
}
