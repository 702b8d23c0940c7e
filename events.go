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
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatherpay/gatherpay/config"
	"github.com/gatherpay/gatherpay/internal/apierror"
	"github.com/gatherpay/gatherpay/internal/notification"
	"github.com/gatherpay/gatherpay/model"
)

// Notification families this service consumes. Everything else is
// acknowledged and recorded as ignored so the processor stops redelivering.
const (
	familyCharge       = "charge"
	familyIntent       = "intent"
	familyRefund       = "refund"
	familyDispute      = "dispute"
	familyAppFeeRefund = "app_fee_refund"
	familyUnknown      = "unknown"
)

// eventPayload is the typed decode of one notification: exactly one of the
// object pointers is set, matching the family. Payloads are decoded once at
// the boundary; handlers never touch raw JSON.
type eventPayload struct {
	family  string
	kind    stripe.EventType
	charge  *stripe.Charge
	intent  *stripe.PaymentIntent
	refund  *stripe.Refund
	dispute *stripe.Dispute
	appFee  *stripe.ApplicationFee
}

// decodeEvent maps a processor event onto its family and decodes the payload
// object. Unrecognized event types come back as the explicit unknown family
// rather than an error: the endpoint is subscribed per event type, but the
// subscription list and the code can briefly disagree during a rollout.
func decodeEvent(evt *stripe.Event) (*eventPayload, error) {
	payload := &eventPayload{kind: evt.Type}

	var target interface{}
	switch evt.Type {
	case "charge.succeeded", "charge.failed", "charge.refunded":
		payload.family = familyCharge
		payload.charge = &stripe.Charge{}
		target = payload.charge
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		payload.family = familyIntent
		payload.intent = &stripe.PaymentIntent{}
		target = payload.intent
	case "charge.refund.updated":
		payload.family = familyRefund
		payload.refund = &stripe.Refund{}
		target = payload.refund
	case "charge.dispute.created":
		payload.family = familyDispute
		payload.dispute = &stripe.Dispute{}
		target = payload.dispute
	case "application_fee.refunded":
		payload.family = familyAppFeeRefund
		payload.appFee = &stripe.ApplicationFee{}
		target = payload.appFee
	default:
		payload.family = familyUnknown
		return payload, nil
	}

	if err := json.Unmarshal(evt.Data.Raw, target); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidPayload, "event payload does not decode", err.Error())
	}
	return payload, nil
}

// correlationIDs extracts the object and account ids stored on the
// idempotency record for traceability.
func (p *eventPayload) correlationIDs() (objectID string) {
	switch p.family {
	case familyCharge:
		return p.charge.ID
	case familyIntent:
		return p.intent.ID
	case familyRefund:
		return p.refund.ID
	case familyDispute:
		return p.dispute.ID
	case familyAppFeeRefund:
		return p.appFee.ID
	}
	return ""
}

// ProcessEvent runs one verified notification through the claim -> handle ->
// commit protocol. The returned map is the terminal answer the caller may
// acknowledge with a 2xx; a non-nil error means the outcome is not durable
// and the processor must redeliver.
//
// Safety rests entirely on the idempotency store: the claim is the only thing
// serializing concurrent deliveries of the same id, and a crash between claim
// and commit is healed by stale-lock recovery on the next delivery.
func (g *Gatherpay) ProcessEvent(ctx context.Context, evt *stripe.Event) (map[string]interface{}, error) {
	ctx, span := tracer.Start(ctx, "Processing Webhook Event")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", evt.ID), attribute.String("event.type", string(evt.Type)))

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	lockTTL := time.Duration(cfg.Webhook.LockTTLSec) * time.Second

	claim, err := g.datasource.ClaimWebhookEvent(ctx, evt.ID, string(evt.Type), lockTTL)
	if err != nil {
		return nil, err
	}

	switch claim.Status {
	case model.ClaimAlreadyProcessed:
		logrus.WithFields(logrus.Fields{"event_id": evt.ID, "event_type": evt.Type}).
			Info("duplicate notification replayed, returning stored result")
		return claim.StoredResult, nil
	case model.ClaimAlreadyLocked:
		// Another worker is mid-flight; let the processor retry later rather
		// than blocking here.
		return nil, apierror.NewAPIError(apierror.ErrTransient, "event is being processed by another worker",
			map[string]interface{}{"event_id": evt.ID})
	case model.ClaimDeadLettered:
		logrus.WithField("event_id", evt.ID).Warn("notification is dead-lettered, acknowledging without processing")
		return map[string]interface{}{"status": "dead_lettered"}, nil
	}

	payload, err := decodeEvent(evt)
	if err != nil {
		return g.finishTerminalFailure(ctx, evt.ID, err)
	}

	if payload.family == familyUnknown {
		result := map[string]interface{}{"status": "ignored", "reason": "unhandled event type", "event_type": string(evt.Type)}
		if err := g.datasource.CommitWebhookEvent(ctx, evt.ID, result, true); err != nil {
			return nil, err
		}
		return result, nil
	}

	if objectID := payload.correlationIDs(); objectID != "" {
		if err := g.datasource.UpdateWebhookEventCorrelation(ctx, evt.ID, objectID, evt.Account); err != nil {
			logrus.Warnf("failed to store correlation for %s: %v", evt.ID, err)
		}
	}

	result, err := g.dispatchEvent(ctx, payload)
	if err != nil {
		return g.finishFailure(ctx, evt.ID, err, cfg.Webhook.MaxRetries, span)
	}

	if err := g.datasource.CommitWebhookEvent(ctx, evt.ID, result, true); err != nil {
		// The side effects happened but the commit did not stick; release is
		// wrong here (it would rerun the handler), so surface the error and
		// rely on the lattice no-op when the redelivery arrives.
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"event_id": evt.ID, "event_type": evt.Type}).Info("notification processed")
	return result, nil
}

// dispatchEvent routes a decoded payload to its family handler.
func (g *Gatherpay) dispatchEvent(ctx context.Context, payload *eventPayload) (map[string]interface{}, error) {
	switch payload.family {
	case familyCharge:
		switch payload.kind {
		case "charge.succeeded":
			return g.handleChargeSucceeded(ctx, payload.charge)
		case "charge.failed":
			return g.handleChargeFailed(ctx, payload.charge)
		case "charge.refunded":
			return g.handleChargeRefunded(ctx, payload.charge)
		}
	case familyIntent:
		switch payload.kind {
		case "payment_intent.succeeded":
			return g.handleIntentSucceeded(ctx, payload.intent)
		case "payment_intent.payment_failed":
			return g.handleIntentFailed(ctx, payload.intent)
		case "payment_intent.canceled":
			return g.handleIntentCanceled(ctx, payload.intent)
		}
	case familyRefund:
		return g.handleRefundUpdated(ctx, payload.refund)
	case familyDispute:
		return g.handleDisputeCreated(ctx, payload.dispute)
	case familyAppFeeRefund:
		return g.handleAppFeeRefunded(ctx, payload.appFee)
	}
	return nil, apierror.NewAPIError(apierror.ErrInvalidPayload, "no handler for event", string(payload.kind))
}

// finishFailure settles a handler error against the idempotency store using
// the error taxonomy:
//
//   - not-found: benign no-op — the processor can run ahead of local
//     provisioning, so the event commits as processed with a marker result.
//   - terminal (payload/data-integrity): dead-lettered immediately; retrying
//     cannot change the outcome.
//   - transient: the claim is released so the processor's redelivery starts
//     from scratch, and the caller answers non-2xx.
//   - anything else: consumes retry budget; the event dies after maxRetries.
func (g *Gatherpay) finishFailure(ctx context.Context, eventID string, procErr error, maxRetries int, span trace.Span) (map[string]interface{}, error) {
	span.RecordError(procErr)

	if apierror.Code(procErr) == apierror.ErrNotFound {
		result := map[string]interface{}{"status": "noop", "reason": "payment not found", "detail": procErr.Error()}
		logrus.WithField("event_id", eventID).Info("no local payment for notification, acknowledging as no-op")
		if err := g.datasource.CommitWebhookEvent(ctx, eventID, result, true); err != nil {
			return nil, err
		}
		return result, nil
	}

	if apierror.IsTerminal(procErr) {
		return g.finishTerminalFailure(ctx, eventID, procErr)
	}

	if apierror.IsRetryable(procErr) {
		if err := g.datasource.CommitWebhookEvent(ctx, eventID, nil, false); err != nil {
			logrus.Errorf("failed to release claim for %s: %v", eventID, err)
		}
		return nil, procErr
	}

	dead, err := g.datasource.MarkWebhookEventFailed(ctx, eventID, procErr.Error(), maxRetries, false)
	if err != nil {
		return nil, err
	}
	if dead {
		notification.NotifyError(fmt.Errorf("webhook event %s dead-lettered: %w", eventID, procErr))
		return map[string]interface{}{"status": "dead_lettered", "error": procErr.Error()}, nil
	}
	// Still has retry budget; answer non-2xx so the processor redelivers.
	return nil, procErr
}

// finishTerminalFailure dead-letters an event without consuming retry budget
// and acknowledges the delivery so the processor stops resending it.
func (g *Gatherpay) finishTerminalFailure(ctx context.Context, eventID string, procErr error) (map[string]interface{}, error) {
	if _, err := g.datasource.MarkWebhookEventFailed(ctx, eventID, procErr.Error(), 0, true); err != nil {
		return nil, err
	}
	notification.NotifyError(fmt.Errorf("webhook event %s dead-lettered: %w", eventID, procErr))
	return map[string]interface{}{"status": "dead_lettered", "error": procErr.Error()}, nil
}
