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
	"time"

	"github.com/gatherpay/gatherpay/internal/apierror"
	"github.com/gatherpay/gatherpay/model"
)

const payoutColumns = `
	id, payout_id, event_id, user_id, destination_account_id, status,
	net_payout_amount, currency, stripe_transfer_id, notes, processed_at, created_at, updated_at`

// CreatePayout inserts a new payout row. The payout id is generated here so
// the scheduler can use it as the transfer idempotency key before the
// processor call.
func (d Datasource) CreatePayout(ctx context.Context, p *model.Payout) error {
	if p.PayoutID == "" {
		p.PayoutID = GenerateUUIDWithSuffix("pyt")
	}
	if p.Status == "" {
		p.Status = model.PayoutStatusPending
	}
	p.CreatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO payouts (payout_id, event_id, user_id, destination_account_id, status, net_payout_amount, currency, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
	`, p.PayoutID, p.EventID, p.UserID, p.DestinationID, p.Status, p.NetPayoutAmount, p.Currency, p.Notes)
	return apierror.ClassifyDBError(err, "creating payout")
}

// UpdatePayoutStatus transitions a payout. Terminal statuses also stamp
// processed_at. Empty transferID/notes leave the stored values untouched.
func (d Datasource) UpdatePayoutStatus(ctx context.Context, payoutID, status, transferID, notes string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE payouts
		SET status = $2,
		    stripe_transfer_id = COALESCE(NULLIF($3, ''), stripe_transfer_id),
		    notes = COALESCE(NULLIF($4, ''), notes),
		    processed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE processed_at END,
		    updated_at = NOW()
		WHERE payout_id = $1
	`, payoutID, status, transferID, notes)
	return apierror.ClassifyDBError(err, "updating payout status")
}

// GetPayoutByID retrieves one payout.
func (d Datasource) GetPayoutByID(ctx context.Context, payoutID string) (*model.Payout, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE payout_id = $1
	`, payoutID)
	return scanPayout(row)
}

// GetPayoutByTransferID retrieves the payout tied to a processor transfer.
func (d Datasource) GetPayoutByTransferID(ctx context.Context, transferID string) (*model.Payout, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE stripe_transfer_id = $1
	`, transferID)
	return scanPayout(row)
}

// GetStuckPayouts returns non-terminal payouts that have been in flight longer
// than olderThan. These are the rows reconciliation converges against the
// processor's transfer state. Completed and failed payouts never appear here.
// Stale pending rows are included: a payout left pending blocks its event's
// eligibility, so it must be converged like any other in-flight row.
func (d Datasource) GetStuckPayouts(ctx context.Context, olderThan time.Duration) ([]*model.Payout, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE status IN ('pending', 'processing', 'processing_error')
		  AND updated_at < NOW() - ($1 * INTERVAL '1 second')
		ORDER BY updated_at
	`, int64(olderThan.Seconds()))
	if err != nil {
		return nil, apierror.ClassifyDBError(err, "listing stuck payouts")
	}
	defer rows.Close()

	payouts := []*model.Payout{}
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, apierror.ClassifyDBError(rows.Err(), "listing stuck payouts")
}

// GetEligibleEvents returns the financial summary for every event whose end
// date is at least daysAfterEvent days in the past and which has no payout in
// flight or completed. Gross, processor fee and net come from settled payment
// rows; the platform fee is the application-fee total already collected per
// charge. Events without a destination account or without settled payments
// come back with Eligible = false and a machine-readable reason so the run
// log explains every skip.
func (d Datasource) GetEligibleEvents(ctx context.Context, daysAfterEvent, limit int) ([]*model.EligibleEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT e.event_id, e.name, e.organizer_user_id, COALESCE(e.stripe_account_id, ''), e.currency, e.ends_at,
		       COUNT(p.id) FILTER (WHERE p.status IN ('paid', 'received')) AS paid_count,
		       COALESCE(SUM(p.amount) FILTER (WHERE p.status IN ('paid', 'received')), 0) AS gross_sales,
		       COALESCE(SUM(p.stripe_fee_amount) FILTER (WHERE p.status IN ('paid', 'received')), 0) AS stripe_fee,
		       COALESCE(SUM(p.amount - p.net_amount - p.stripe_fee_amount) FILTER (WHERE p.status IN ('paid', 'received') AND p.net_amount > 0), 0) AS platform_fee,
		       COALESCE(SUM(p.net_amount) FILTER (WHERE p.status IN ('paid', 'received')), 0) AS net_payout
		FROM events e
		LEFT JOIN payments p ON p.event_id = e.event_id
		WHERE e.ends_at < NOW() - ($1 * INTERVAL '1 day')
		  AND NOT EXISTS (
			SELECT 1 FROM payouts po
			WHERE po.event_id = e.event_id
			  AND po.status IN ('pending', 'processing', 'processing_error', 'completed')
		  )
		GROUP BY e.event_id, e.name, e.organizer_user_id, e.stripe_account_id, e.currency, e.ends_at
		ORDER BY e.ends_at
		LIMIT $2
	`, daysAfterEvent, limit)
	if err != nil {
		return nil, apierror.ClassifyDBError(err, "querying eligible events")
	}
	defer rows.Close()

	events := []*model.EligibleEvent{}
	for rows.Next() {
		ev := model.EligibleEvent{}
		err := rows.Scan(&ev.EventID, &ev.EventName, &ev.OrganizerID, &ev.DestinationID, &ev.Currency, &ev.EndedAt,
			&ev.PaidCount, &ev.GrossSales, &ev.StripeFee, &ev.PlatformFee, &ev.NetPayout)
		if err != nil {
			return nil, apierror.ClassifyDBError(err, "scanning eligible event")
		}

		switch {
		case ev.DestinationID == "":
			ev.IneligibleReason = model.IneligibleNoDestinationAccount
		case ev.PaidCount == 0:
			ev.IneligibleReason = model.IneligibleNoSettledPayments
		case ev.NetPayout <= 0:
			ev.IneligibleReason = model.IneligibleZeroNetPayout
		default:
			ev.Eligible = true
		}
		events = append(events, &ev)
	}
	return events, apierror.ClassifyDBError(rows.Err(), "querying eligible events")
}

func scanPayout(row rowScanner) (*model.Payout, error) {
	p := model.Payout{}
	var destinationID, transferID, notes sql.NullString
	var processedAt sql.NullTime

	err := row.Scan(&p.ID, &p.PayoutID, &p.EventID, &p.UserID, &destinationID, &p.Status,
		&p.NetPayoutAmount, &p.Currency, &transferID, &notes, &processedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, apierror.ClassifyDBError(err, "scanning payout")
	}

	p.DestinationID = destinationID.String
	p.StripeTransferID = transferID.String
	p.Notes = notes.String
	if processedAt.Valid {
		p.ProcessedAt = &processedAt.Time
	}
	return &p, nil
}
