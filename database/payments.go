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
	"encoding/json"

	"github.com/gatherpay/gatherpay/internal/apierror"
	"github.com/gatherpay/gatherpay/model"
)

const paymentColumns = `
	id, payment_id, event_id, user_id, method, amount, currency, status,
	stripe_payment_intent_id, stripe_session_id, stripe_charge_id, stripe_transfer_id,
	stripe_application_fee_id, stripe_fee_amount, net_amount, refunded_amount,
	application_fee_refunded_amount, dispute_id, failure_code, failure_message,
	version, created_at, updated_at, meta_data`

// ResolvePayment locates the local payment a notification refers to, using
// the fallback chain intent id -> charge id -> metadata correlation id. The
// first key that matches exactly one row wins; a key matching more than one
// row is a data-integrity error because the handler could mutate the wrong
// payment. A key matching nothing falls through to the next key.
func (d Datasource) ResolvePayment(ctx context.Context, intentID, chargeID, metadataID string) (*model.Payment, error) {
	lookups := []struct {
		column string
		value  string
	}{
		{"stripe_payment_intent_id", intentID},
		{"stripe_charge_id", chargeID},
		{"payment_id", metadataID},
	}

	for _, lookup := range lookups {
		if lookup.value == "" {
			continue
		}
		payments, err := d.paymentsByColumn(ctx, lookup.column, lookup.value)
		if err != nil {
			return nil, err
		}
		switch len(payments) {
		case 0:
			continue
		case 1:
			return payments[0], nil
		default:
			return nil, apierror.NewAPIError(apierror.ErrDataIntegrity, "ambiguous payment resolution",
				map[string]interface{}{"column": lookup.column, "value": lookup.value, "matches": len(payments)})
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "no payment matches the notification", map[string]interface{}{
		"intent_id": intentID, "charge_id": chargeID, "metadata_id": metadataID,
	})
}

func (d Datasource) paymentsByColumn(ctx context.Context, column, value string) ([]*model.Payment, error) {
	// column comes from the fixed lookup table above, never from input.
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE `+column+` = $1
		LIMIT 2
	`, value)
	if err != nil {
		return nil, apierror.ClassifyDBError(err, "resolving payment")
	}
	defer rows.Close()

	var payments []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, apierror.ClassifyDBError(rows.Err(), "resolving payment")
}

// GetPaymentByID retrieves a payment by its local id.
func (d Datasource) GetPaymentByID(ctx context.Context, paymentID string) (*model.Payment, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE payment_id = $1
	`, paymentID)
	return scanPayment(row)
}

// UpdatePaymentOptimistic writes every mutable payment field, guarded by the
// version the caller read. Zero rows affected means a concurrent writer got
// there first; the caller gets a CONFLICT, which is retryable — the re-read
// will observe the other writer's state and the lattice decides again.
func (d Datasource) UpdatePaymentOptimistic(ctx context.Context, p *model.Payment) error {
	metaJSON, err := json.Marshal(p.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrDataIntegrity, "marshaling payment metadata", err.Error())
	}

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE payments
		SET status = $3, stripe_payment_intent_id = NULLIF($4, ''), stripe_charge_id = NULLIF($5, ''),
		    stripe_transfer_id = NULLIF($6, ''), stripe_application_fee_id = NULLIF($7, ''),
		    stripe_fee_amount = $8, net_amount = $9, refunded_amount = $10,
		    application_fee_refunded_amount = $11, dispute_id = NULLIF($12, ''),
		    failure_code = NULLIF($13, ''), failure_message = NULLIF($14, ''),
		    meta_data = $15, version = version + 1, updated_at = NOW()
		WHERE payment_id = $1 AND version = $2
	`, p.PaymentID, p.Version, p.Status, p.StripePaymentIntentID, p.StripeChargeID,
		p.StripeTransferID, p.StripeApplicationFeeID, p.StripeFeeAmount, p.NetAmount,
		p.RefundedAmount, p.AppFeeRefundedAmount, p.DisputeID, p.FailureCode, p.FailureMessage, metaJSON)
	if err != nil {
		return apierror.ClassifyDBError(err, "updating payment")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apierror.ClassifyDBError(err, "updating payment")
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, "payment version conflict",
			map[string]interface{}{"payment_id": p.PaymentID, "version": p.Version})
	}
	p.Version++
	return nil
}

// GetPaymentsByEventID returns every payment for one event, the input to a
// settlement snapshot recompute.
func (d Datasource) GetPaymentsByEventID(ctx context.Context, eventID string) ([]*model.Payment, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE event_id = $1
		ORDER BY created_at
	`, eventID)
	if err != nil {
		return nil, apierror.ClassifyDBError(err, "listing payments for event")
	}
	defer rows.Close()

	payments := []*model.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, apierror.ClassifyDBError(rows.Err(), "listing payments for event")
}

func scanPayment(row rowScanner) (*model.Payment, error) {
	p := model.Payment{}
	var method, intentID, sessionID, chargeID, transferID, appFeeID, disputeID, failureCode, failureMessage sql.NullString
	var metaJSON []byte

	err := row.Scan(&p.ID, &p.PaymentID, &p.EventID, &p.UserID, &method, &p.Amount, &p.Currency, &p.Status,
		&intentID, &sessionID, &chargeID, &transferID, &appFeeID,
		&p.StripeFeeAmount, &p.NetAmount, &p.RefundedAmount, &p.AppFeeRefundedAmount,
		&disputeID, &failureCode, &failureMessage, &p.Version, &p.CreatedAt, &p.UpdatedAt, &metaJSON)
	if err != nil {
		return nil, apierror.ClassifyDBError(err, "scanning payment")
	}

	p.Method = method.String
	p.StripePaymentIntentID = intentID.String
	p.StripeSessionID = sessionID.String
	p.StripeChargeID = chargeID.String
	p.StripeTransferID = transferID.String
	p.StripeApplicationFeeID = appFeeID.String
	p.DisputeID = disputeID.String
	p.FailureCode = failureCode.String
	p.FailureMessage = failureMessage.String
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &p.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrDataIntegrity, "payment metadata is not valid JSON", err.Error())
		}
	}
	return &p, nil
}
