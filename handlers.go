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
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"

	"github.com/gatherpay/gatherpay/internal/apierror"
	"github.com/gatherpay/gatherpay/internal/notification"
	"github.com/gatherpay/gatherpay/model"
)

// Metadata key our checkout flow stamps on processor objects, used as the
// resolution fallback when an object carries neither an intent nor a known
// charge id.
const metadataPaymentKey = "payment_id"

// classifyProcessorError maps a failed authoritative re-fetch onto the retry
// taxonomy. A 404 means the processor no longer knows the object the webhook
// told us about, which no retry will fix. Everything else (the fetch already
// retried transient failures internally) consumes retry budget instead of
// releasing the claim, so a persistently broken fetch eventually dead-letters
// rather than looping forever.
func classifyProcessorError(err error, message string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
		return apierror.NewAPIError(apierror.ErrDataIntegrity, message, stripeErr.Error())
	}
	return apierror.NewAPIError(apierror.ErrInternalServer, message, err.Error())
}

// transitionDenied is the terminal result recorded when the status lattice
// refuses a transition. This is the normal outcome for out-of-order and
// duplicate deliveries, so it commits as processed rather than failing.
func transitionDenied(p *model.Payment, target string) map[string]interface{} {
	logrus.WithFields(logrus.Fields{
		"payment_id":     p.PaymentID,
		"current_status": p.Status,
		"target_status":  target,
	}).Info("status transition denied by lattice, no-op")
	return map[string]interface{}{
		"status":         "noop",
		"reason":         "transition denied",
		"payment_id":     p.PaymentID,
		"current_status": p.Status,
		"target_status":  target,
	}
}

func processedResult(p *model.Payment) map[string]interface{} {
	return map[string]interface{}{
		"status":         "processed",
		"payment_id":     p.PaymentID,
		"payment_status": p.Status,
	}
}

// applyChargeMoneyFields copies the money-moving fields from an
// authoritatively fetched charge onto the payment. Webhook payload figures
// never reach these fields.
func applyChargeMoneyFields(p *model.Payment, fresh *stripe.Charge) {
	p.StripeChargeID = fresh.ID
	if fresh.PaymentIntent != nil {
		p.StripePaymentIntentID = fresh.PaymentIntent.ID
	}
	if fresh.BalanceTransaction != nil {
		p.StripeFeeAmount = fresh.BalanceTransaction.Fee
		p.NetAmount = fresh.BalanceTransaction.Net
	}
	if fresh.Transfer != nil {
		p.StripeTransferID = fresh.Transfer.ID
	}
	if fresh.ApplicationFee != nil {
		p.StripeApplicationFeeID = fresh.ApplicationFee.ID
	}
	if fresh.PaymentMethodDetails != nil {
		p.Method = string(fresh.PaymentMethodDetails.Type)
	}
}

func chargeIntentID(ch *stripe.Charge) string {
	if ch.PaymentIntent != nil {
		return ch.PaymentIntent.ID
	}
	return ""
}

// handleChargeSucceeded settles a payment: resolve, gate through the lattice,
// re-fetch the charge for the authoritative fee breakdown, then persist paid.
func (g *Gatherpay) handleChargeSucceeded(ctx context.Context, ch *stripe.Charge) (map[string]interface{}, error) {
	payment, err := g.datasource.ResolvePayment(ctx, chargeIntentID(ch), ch.ID, ch.Metadata[metadataPaymentKey])
	if err != nil {
		return nil, err
	}

	if !model.CanPromote(payment.Status, model.PaymentStatusPaid) {
		return transitionDenied(payment, model.PaymentStatusPaid), nil
	}

	fresh, err := g.processor.GetCharge(ctx, ch.ID)
	if err != nil {
		return nil, classifyProcessorError(err, "authoritative charge fetch failed")
	}

	applyChargeMoneyFields(payment, fresh)
	payment.Status = model.PaymentStatusPaid
	payment.FailureCode = ""
	payment.FailureMessage = ""

	if err := g.datasource.UpdatePaymentOptimistic(ctx, payment); err != nil {
		return nil, err
	}

	g.DispatchUserNotification(ctx, UserNotification{
		UserID:    payment.UserID,
		EventID:   payment.EventID,
		PaymentID: payment.PaymentID,
		Template:  "payment_receipt",
		Data:      map[string]interface{}{"amount": payment.Amount, "currency": payment.Currency},
	})
	return processedResult(payment), nil
}

// handleChargeFailed records a failed charge. No money moved, so the payload
// is trusted as-is; no authoritative re-fetch.
func (g *Gatherpay) handleChargeFailed(ctx context.Context, ch *stripe.Charge) (map[string]interface{}, error) {
	payment, err := g.datasource.ResolvePayment(ctx, chargeIntentID(ch), ch.ID, ch.Metadata[metadataPaymentKey])
	if err != nil {
		return nil, err
	}

	if !model.CanPromote(payment.Status, model.PaymentStatusFailed) {
		return transitionDenied(payment, model.PaymentStatusFailed), nil
	}

	payment.Status = model.PaymentStatusFailed
	payment.StripeChargeID = ch.ID
	payment.FailureCode = ch.FailureCode
	payment.FailureMessage = ch.FailureMessage

	if err := g.datasource.UpdatePaymentOptimistic(ctx, payment); err != nil {
		return nil, err
	}

	g.DispatchUserNotification(ctx, UserNotification{
		UserID:    payment.UserID,
		EventID:   payment.EventID,
		PaymentID: payment.PaymentID,
		Template:  "payment_failed",
		Data:      map[string]interface{}{"failure_message": payment.FailureMessage},
	})
	return processedResult(payment), nil
}

// handleChargeRefunded applies a full or partial refund. The refunded total is
// re-fetched from the processor, never read off the payload, and any refund
// movement invalidates the event's settlement snapshot.
func (g *Gatherpay) handleChargeRefunded(ctx context.Context, ch *stripe.Charge) (map[string]interface{}, error) {
	payment, err := g.datasource.ResolvePayment(ctx, chargeIntentID(ch), ch.ID, ch.Metadata[metadataPaymentKey])
	if err != nil {
		return nil, err
	}

	fresh, err := g.processor.GetCharge(ctx, ch.ID)
	if err != nil {
		return nil, classifyProcessorError(err, "authoritative charge fetch failed")
	}

	if fresh.Refunded && !model.CanPromote(payment.Status, model.PaymentStatusRefunded) {
		return transitionDenied(payment, model.PaymentStatusRefunded), nil
	}

	applyChargeMoneyFields(payment, fresh)
	payment.RefundedAmount = fresh.AmountRefunded
	if fresh.Refunded {
		payment.Status = model.PaymentStatusRefunded
	}

	if err := g.datasource.UpdatePaymentOptimistic(ctx, payment); err != nil {
		return nil, err
	}
	if err := g.RegenerateSettlement(ctx, payment.EventID); err != nil {
		return nil, err
	}

	g.DispatchUserNotification(ctx, UserNotification{
		UserID:    payment.UserID,
		EventID:   payment.EventID,
		PaymentID: payment.PaymentID,
		Template:  "refund_processed",
		Data:      map[string]interface{}{"refunded_amount": payment.RefundedAmount},
	})

	result := processedResult(payment)
	result["refunded_amount"] = payment.RefundedAmount
	result["fully_refunded"] = fresh.Refunded
	return result, nil
}

// handleRefundUpdated handles the refund-failure path: when a refund the
// processor previously accepted later fails or is canceled, the payment's
// refunded total is re-derived from the charge and, if the charge is no longer
// fully refunded, the payment takes the one permitted demotion back to paid.
func (g *Gatherpay) handleRefundUpdated(ctx context.Context, re *stripe.Refund) (map[string]interface{}, error) {
	if re.Status != stripe.RefundStatusFailed && re.Status != stripe.RefundStatusCanceled {
		return map[string]interface{}{
			"status": "ignored", "reason": "refund status not actionable", "refund_status": string(re.Status),
		}, nil
	}
	if re.Charge == nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidPayload, "refund carries no charge reference", re.ID)
	}

	payment, err := g.datasource.ResolvePayment(ctx, "", re.Charge.ID, re.Metadata[metadataPaymentKey])
	if err != nil {
		return nil, err
	}

	fresh, err := g.processor.GetCharge(ctx, re.Charge.ID)
	if err != nil {
		return nil, classifyProcessorError(err, "authoritative charge fetch failed")
	}

	payment.RefundedAmount = fresh.AmountRefunded
	reversed := false
	if !fresh.Refunded && model.AllowRefundReversal(payment.Status, model.PaymentStatusPaid) {
		payment.Status = model.PaymentStatusPaid
		reversed = true
	}

	if err := g.datasource.UpdatePaymentOptimistic(ctx, payment); err != nil {
		return nil, err
	}
	if err := g.RegenerateSettlement(ctx, payment.EventID); err != nil {
		return nil, err
	}

	notification.NotifyError(fmt.Errorf("refund %s on payment %s reported %s", re.ID, payment.PaymentID, re.Status))

	result := processedResult(payment)
	result["refund_status"] = string(re.Status)
	result["status_reversed"] = reversed
	return result, nil
}

// handleIntentSucceeded mirrors handleChargeSucceeded for flows keyed on the
// payment intent; money fields come off the expanded latest charge.
func (g *Gatherpay) handleIntentSucceeded(ctx context.Context, pi *stripe.PaymentIntent) (map[string]interface{}, error) {
	chargeID := ""
	if pi.LatestCharge != nil {
		chargeID = pi.LatestCharge.ID
	}
	payment, err := g.datasource.ResolvePayment(ctx, pi.ID, chargeID, pi.Metadata[metadataPaymentKey])
	if err != nil {
		return nil, err
	}

	if !model.CanPromote(payment.Status, model.PaymentStatusPaid) {
		return transitionDenied(payment, model.PaymentStatusPaid), nil
	}

	fresh, err := g.processor.GetPaymentIntent(ctx, pi.ID)
	if err != nil {
		return nil, classifyProcessorError(err, "authoritative intent fetch failed")
	}

	payment.StripePaymentIntentID = fresh.ID
	if fresh.LatestCharge != nil {
		applyChargeMoneyFields(payment, fresh.LatestCharge)
	}
	payment.Status = model.PaymentStatusPaid
	payment.FailureCode = ""
	payment.FailureMessage = ""

	if err := g.datasource.UpdatePaymentOptimistic(ctx, payment); err != nil {
		return nil, err
	}

	g.DispatchUserNotification(ctx, UserNotification{
		UserID:    payment.UserID,
		EventID:   payment.EventID,
		PaymentID: payment.PaymentID,
		Template:  "payment_receipt",
		Data:      map[string]interface{}{"amount": payment.Amount, "currency": payment.Currency},
	})
	return processedResult(payment), nil
}

// handleIntentFailed records a failed intent. Arriving after a success is the
// classic out-of-order case and resolves to a lattice no-op.
func (g *Gatherpay) handleIntentFailed(ctx context.Context, pi *stripe.PaymentIntent) (map[string]interface{}, error) {
	payment, err := g.datasource.ResolvePayment(ctx, pi.ID, "", pi.Metadata[metadataPaymentKey])
	if err != nil {
		return nil, err
	}

	if !model.CanPromote(payment.Status, model.PaymentStatusFailed) {
		return transitionDenied(payment, model.PaymentStatusFailed), nil
	}

	payment.Status = model.PaymentStatusFailed
	payment.StripePaymentIntentID = pi.ID
	if pi.LastPaymentError != nil {
		payment.FailureCode = string(pi.LastPaymentError.Code)
		payment.FailureMessage = pi.LastPaymentError.Msg
	}

	if err := g.datasource.UpdatePaymentOptimistic(ctx, payment); err != nil {
		return nil, err
	}

	g.DispatchUserNotification(ctx, UserNotification{
		UserID:    payment.UserID,
		EventID:   payment.EventID,
		PaymentID: payment.PaymentID,
		Template:  "payment_failed",
		Data:      map[string]interface{}{"failure_message": payment.FailureMessage},
	})
	return processedResult(payment), nil
}

// handleIntentCanceled parks a never-completed payment on the canceled side
// branch. The lattice restricts this to pending and failed payments.
func (g *Gatherpay) handleIntentCanceled(ctx context.Context, pi *stripe.PaymentIntent) (map[string]interface{}, error) {
	payment, err := g.datasource.ResolvePayment(ctx, pi.ID, "", pi.Metadata[metadataPaymentKey])
	if err != nil {
		return nil, err
	}

	if !model.CanPromote(payment.Status, model.PaymentStatusCanceled) {
		return transitionDenied(payment, model.PaymentStatusCanceled), nil
	}

	payment.Status = model.PaymentStatusCanceled
	payment.StripePaymentIntentID = pi.ID

	if err := g.datasource.UpdatePaymentOptimistic(ctx, payment); err != nil {
		return nil, err
	}
	return processedResult(payment), nil
}

// handleDisputeCreated pins the dispute id onto the payment and alerts
// operators. The payment status is left alone: funds are frozen, not moved,
// until the dispute resolves.
func (g *Gatherpay) handleDisputeCreated(ctx context.Context, dp *stripe.Dispute) (map[string]interface{}, error) {
	chargeID := ""
	if dp.Charge != nil {
		chargeID = dp.Charge.ID
	}
	intentID := ""
	if dp.PaymentIntent != nil {
		intentID = dp.PaymentIntent.ID
	}

	payment, err := g.datasource.ResolvePayment(ctx, intentID, chargeID, "")
	if err != nil {
		return nil, err
	}

	payment.DisputeID = dp.ID
	if payment.MetaData == nil {
		payment.MetaData = map[string]interface{}{}
	}
	payment.MetaData["dispute_reason"] = string(dp.Reason)
	payment.MetaData["dispute_amount"] = dp.Amount

	if err := g.datasource.UpdatePaymentOptimistic(ctx, payment); err != nil {
		return nil, err
	}
	if err := g.RegenerateSettlement(ctx, payment.EventID); err != nil {
		return nil, err
	}

	notification.NotifyError(fmt.Errorf("dispute %s opened on payment %s (%s, %d)",
		dp.ID, payment.PaymentID, dp.Reason, dp.Amount))

	result := processedResult(payment)
	result["dispute_id"] = dp.ID
	return result, nil
}

// handleAppFeeRefunded re-derives the refunded platform fee from the
// processor and regenerates the settlement snapshot, since the platform's cut
// of the event just changed.
func (g *Gatherpay) handleAppFeeRefunded(ctx context.Context, fee *stripe.ApplicationFee) (map[string]interface{}, error) {
	if fee.Charge == nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidPayload, "application fee carries no charge reference", fee.ID)
	}

	payment, err := g.datasource.ResolvePayment(ctx, "", fee.Charge.ID, "")
	if err != nil {
		return nil, err
	}

	fresh, err := g.processor.GetApplicationFee(ctx, fee.ID)
	if err != nil {
		return nil, classifyProcessorError(err, "authoritative application fee fetch failed")
	}

	payment.StripeApplicationFeeID = fresh.ID
	payment.AppFeeRefundedAmount = fresh.AmountRefunded

	if err := g.datasource.UpdatePaymentOptimistic(ctx, payment); err != nil {
		return nil, err
	}
	if err := g.RegenerateSettlement(ctx, payment.EventID); err != nil {
		return nil, err
	}

	result := processedResult(payment)
	result["app_fee_refunded_amount"] = fresh.AmountRefunded
	return result, nil
}
