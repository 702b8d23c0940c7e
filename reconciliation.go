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
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"

	"github.com/gatherpay/gatherpay/config"
	"github.com/gatherpay/gatherpay/model"
)

// How far back reconciliation looks when matching an orphaned payout against
// the processor's transfer list.
const transferLookbackSlack = time.Hour

// ReconciliationReport summarizes one reconciliation pass.
type ReconciliationReport struct {
	Checked    int                  `json:"checked"`
	Completed  int                  `json:"completed"`
	Failed     int                  `json:"failed"`
	Unresolved int                  `json:"unresolved"`
	Details    []model.PayoutResult `json:"details,omitempty"`
}

// ReconcileStuckPayouts converges payouts whose processor-side outcome is
// unknown: rows stuck in pending, processing or processing_error past the
// staleness threshold. For each, the authoritative transfer state decides the
// terminal status; payouts already terminal are never revisited, so a second
// pass over a converged set is a no-op.
//
// A payout that never learned its transfer id (crash between submission and
// the status write) is matched against the processor's recent transfers by
// event and destination; the transfer idempotency key guarantees at most one
// such transfer exists.
func (g *Gatherpay) ReconcileStuckPayouts(ctx context.Context) (*ReconciliationReport, error) {
	ctx, span := tracer.Start(ctx, "Reconciling Stuck Payouts")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	threshold := time.Duration(cfg.Scheduler.StalePayoutMinutes) * time.Minute

	stuck, err := g.datasource.GetStuckPayouts(ctx, threshold)
	if err != nil {
		return nil, err
	}

	report := &ReconciliationReport{}
	for _, payout := range stuck {
		if payout.IsTerminal() {
			continue
		}
		report.Checked++

		result := g.reconcileOne(ctx, payout)
		report.Details = append(report.Details, result)
		switch result.Status {
		case model.PayoutStatusCompleted:
			report.Completed++
		case model.PayoutStatusFailed:
			report.Failed++
		default:
			report.Unresolved++
		}
	}

	if report.Checked > 0 {
		logrus.WithFields(logrus.Fields{
			"checked":    report.Checked,
			"completed":  report.Completed,
			"failed":     report.Failed,
			"unresolved": report.Unresolved,
		}).Info("payout reconciliation pass finished")
	}
	return report, nil
}

// reconcileOne converges a single stuck payout against the processor.
func (g *Gatherpay) reconcileOne(ctx context.Context, payout *model.Payout) model.PayoutResult {
	result := model.PayoutResult{
		EventID:         payout.EventID,
		PayoutID:        payout.PayoutID,
		DestinationID:   payout.DestinationID,
		NetPayoutAmount: payout.NetPayoutAmount,
	}

	// A transfer is only ever submitted after the processing transition, so a
	// payout still pending past the staleness threshold never moved money.
	// Failing it unblocks the event for the next scheduler run.
	if payout.Status == model.PayoutStatusPending {
		if err := g.datasource.UpdatePayoutStatus(ctx, payout.PayoutID, model.PayoutStatusFailed, "", "payout never left pending"); err != nil {
			result.Status = payout.Status
			result.Error = err.Error()
			return result
		}
		result.Status = model.PayoutStatusFailed
		result.Error = "payout never left pending"
		return result
	}

	transferID := payout.StripeTransferID
	if transferID == "" {
		matched, err := g.matchTransfer(ctx, payout)
		if err != nil {
			result.Status = payout.Status
			result.Error = err.Error()
			return result
		}
		if matched == nil {
			// No transfer exists processor-side: the submission never landed,
			// so the payout is safe to fail and the event becomes payable
			// again on the next scheduler run.
			if err := g.datasource.UpdatePayoutStatus(ctx, payout.PayoutID, model.PayoutStatusFailed, "", "no matching transfer at processor"); err != nil {
				result.Status = payout.Status
				result.Error = err.Error()
				return result
			}
			result.Status = model.PayoutStatusFailed
			result.Error = "no matching transfer at processor"
			return result
		}
		transferID = matched.ID
	}

	transfer, err := g.processor.GetTransfer(ctx, transferID)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			if markErr := g.datasource.UpdatePayoutStatus(ctx, payout.PayoutID, model.PayoutStatusFailed, "", "transfer not found at processor"); markErr != nil {
				result.Status = payout.Status
				result.Error = markErr.Error()
				return result
			}
			result.Status = model.PayoutStatusFailed
			result.Error = "transfer not found at processor"
			return result
		}
		// Leave the payout for the next pass.
		result.Status = payout.Status
		result.Error = err.Error()
		return result
	}

	if transfer.AmountReversed > 0 {
		if err := g.datasource.UpdatePayoutStatus(ctx, payout.PayoutID, model.PayoutStatusFailed, transfer.ID, "transfer reversed at processor"); err != nil {
			result.Status = payout.Status
			result.Error = err.Error()
			return result
		}
		result.Status = model.PayoutStatusFailed
		result.StripeTransferID = transfer.ID
		result.Error = "transfer reversed at processor"
		return result
	}

	if err := g.datasource.UpdatePayoutStatus(ctx, payout.PayoutID, model.PayoutStatusCompleted, transfer.ID, ""); err != nil {
		result.Status = payout.Status
		result.Error = err.Error()
		return result
	}
	result.Status = model.PayoutStatusCompleted
	result.StripeTransferID = transfer.ID
	return result
}

// matchTransfer searches the processor's recent transfers for the one this
// payout would have created: same transfer group (the event id) and same
// destination. Returns nil when no candidate exists.
func (g *Gatherpay) matchTransfer(ctx context.Context, payout *model.Payout) (*stripe.Transfer, error) {
	since := payout.CreatedAt.Add(-transferLookbackSlack)
	transfers, err := g.processor.ListRecentTransfers(ctx, since, 100)
	if err != nil {
		return nil, err
	}

	for _, t := range transfers {
		if t.TransferGroup != payout.EventID {
			continue
		}
		if t.Destination == nil || t.Destination.ID != payout.DestinationID {
			continue
		}
		return t, nil
	}
	return nil, nil
}
