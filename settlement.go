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

package gatherpay

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gatherpay/gatherpay/config"
	"github.com/gatherpay/gatherpay/database"
	"github.com/gatherpay/gatherpay/internal/apierror"
	"github.com/gatherpay/gatherpay/model"
)

// platformFeeFor computes the platform's cut of one payment in the smallest
// currency unit, rounded half-up. Decimal arithmetic here because a float
// percent times an int64 amount is exactly the place rounding drift creeps in.
func platformFeeFor(amount int64, percent float64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(percent)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

// RegenerateSettlement rebuilds the settlement snapshot for an event from the
// current payment rows and replaces the stored snapshot wholesale. Called on
// every refund, refund reversal, application-fee refund and dispute, so the
// snapshot always reflects the ledger rather than a sequence of patches.
func (g *Gatherpay) RegenerateSettlement(ctx context.Context, eventID string) error {
	ctx, span := tracer.Start(ctx, "Regenerating Settlement Snapshot")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payments, err := g.datasource.GetPaymentsByEventID(ctx, eventID)
	if err != nil {
		return err
	}

	snapshot := &model.SettlementSnapshot{
		SnapshotID:  database.GenerateUUIDWithSuffix("snp"),
		EventID:     eventID,
		GeneratedAt: time.Now(),
	}

	// Refunds against settled payments leave the organizer's net; a fully
	// refunded payment never entered gross, so its refund must not be
	// subtracted a second time.
	var refundedFromSettled int64

	for _, p := range payments {
		if snapshot.Currency == "" && p.Currency != "" {
			snapshot.Currency = p.Currency
		}
		if p.DisputeID != "" {
			snapshot.DisputedCount++
		}

		switch p.Status {
		case model.PaymentStatusPaid, model.PaymentStatusReceived:
			snapshot.PaidCount++
			snapshot.GrossSales += p.Amount
			snapshot.StripeFees += p.StripeFeeAmount
			snapshot.PlatformFees += platformFeeFor(p.Amount, cfg.Scheduler.PlatformFeePercent) - p.AppFeeRefundedAmount
			// A partially refunded payment stays paid but its refunded slice
			// still leaves the organizer's net.
			snapshot.RefundedAmount += p.RefundedAmount
			refundedFromSettled += p.RefundedAmount
		case model.PaymentStatusRefunded:
			snapshot.RefundedCount++
			snapshot.RefundedAmount += p.RefundedAmount
		case model.PaymentStatusWaived:
			snapshot.WaivedCount++
		}
	}

	snapshot.NetRevenue = snapshot.GrossSales - snapshot.StripeFees - snapshot.PlatformFees - refundedFromSettled

	if err := g.datasource.SaveSettlementSnapshot(ctx, snapshot); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"event_id":    eventID,
		"snapshot_id": snapshot.SnapshotID,
		"net_revenue": snapshot.NetRevenue,
		"paid_count":  snapshot.PaidCount,
	}).Info("settlement snapshot regenerated")
	return nil
}

// GetSettlement returns the stored snapshot for an event, regenerating it on
// demand when none exists yet.
func (g *Gatherpay) GetSettlement(ctx context.Context, eventID string) (*model.SettlementSnapshot, error) {
	snapshot, err := g.datasource.GetSettlementSnapshot(ctx, eventID)
	if err == nil {
		return snapshot, nil
	}
	if apierror.Code(err) != apierror.ErrNotFound {
		return nil, err
	}
	if regenErr := g.RegenerateSettlement(ctx, eventID); regenErr != nil {
		return nil, regenErr
	}
	return g.datasource.GetSettlementSnapshot(ctx, eventID)
}
