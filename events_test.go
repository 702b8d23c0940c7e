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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/gatherpay/gatherpay/internal/apierror"
	"github.com/gatherpay/gatherpay/model"
)

func stripeEvent(t *testing.T, id string, kind stripe.EventType, object interface{}) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &stripe.Event{ID: id, Type: kind, Data: &stripe.EventData{Raw: raw}}
}

func seedPayment(store *memStore, p *model.Payment) {
	if p.Version == 0 {
		p.Version = 1
	}
	store.payments[p.PaymentID] = p
}

func TestProcessEvent_ChargeSucceededSettlesPayment(t *testing.T) {
	store := newMemStore()
	processor := newFakeProcessor()
	svc := newTestService(store, processor)

	seedPayment(store, &model.Payment{
		PaymentID: "pay_1", EventID: "event_1", UserID: "user_1",
		Amount: 5000, Currency: "usd", Status: model.PaymentStatusPending,
		StripeChargeID: "ch_1",
	})
	processor.charges["ch_1"] = &stripe.Charge{
		ID:                 "ch_1",
		PaymentIntent:      &stripe.PaymentIntent{ID: "pi_1"},
		BalanceTransaction: &stripe.BalanceTransaction{Fee: 175, Net: 4825},
	}

	evt := stripeEvent(t, "evt_1", "charge.succeeded", &stripe.Charge{ID: "ch_1"})
	result, err := svc.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "processed", result["status"])
	assert.Equal(t, "pay_1", result["payment_id"])

	payment := store.payments["pay_1"]
	assert.Equal(t, model.PaymentStatusPaid, payment.Status)
	assert.Equal(t, int64(175), payment.StripeFeeAmount)
	assert.Equal(t, int64(4825), payment.NetAmount)
	assert.Equal(t, "pi_1", payment.StripePaymentIntentID)

	record := store.webhookEvents["evt_1"]
	require.NotNil(t, record)
	assert.Equal(t, model.WebhookEventStatusProcessed, record.Status)
	assert.Equal(t, "ch_1", record.ObjectID)
}

func TestProcessEvent_DuplicateReturnsStoredResultWithoutRerunning(t *testing.T) {
	store := newMemStore()
	processor := newFakeProcessor()
	svc := newTestService(store, processor)

	seedPayment(store, &model.Payment{
		PaymentID: "pay_1", EventID: "event_1", Status: model.PaymentStatusPending,
		StripeChargeID: "ch_1",
	})
	processor.charges["ch_1"] = &stripe.Charge{ID: "ch_1"}

	evt := stripeEvent(t, "evt_dup", "charge.succeeded", &stripe.Charge{ID: "ch_1"})

	first, err := svc.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)
	fetchesAfterFirst := processor.getChargeCalls

	second, err := svc.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, fetchesAfterFirst, processor.getChargeCalls, "handler must not run again for a replayed event id")
}

func TestProcessEvent_OutOfOrderFailureIsLatticeNoop(t *testing.T) {
	store := newMemStore()
	processor := newFakeProcessor()
	svc := newTestService(store, processor)

	// Payment already settled; the delayed failure notification must not
	// clobber it.
	seedPayment(store, &model.Payment{
		PaymentID: "pay_1", EventID: "event_1", Status: model.PaymentStatusPaid,
		StripePaymentIntentID: "pi_1",
	})

	evt := stripeEvent(t, "evt_late_fail", "payment_intent.payment_failed", &stripe.PaymentIntent{ID: "pi_1"})
	result, err := svc.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "noop", result["status"])
	assert.Equal(t, model.PaymentStatusPaid, store.payments["pay_1"].Status)

	// The no-op is terminal: the record commits as processed.
	assert.Equal(t, model.WebhookEventStatusProcessed, store.webhookEvents["evt_late_fail"].Status)
}

func TestProcessEvent_UnknownTypeAcknowledgedAsIgnored(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newFakeProcessor())

	evt := stripeEvent(t, "evt_unknown", "customer.created", map[string]string{"id": "cus_1"})
	result, err := svc.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "ignored", result["status"])
	assert.Equal(t, model.WebhookEventStatusProcessed, store.webhookEvents["evt_unknown"].Status)
}

func TestProcessEvent_MalformedPayloadDeadLetters(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newFakeProcessor())

	evt := &stripe.Event{
		ID:   "evt_bad",
		Type: "charge.succeeded",
		Data: &stripe.EventData{Raw: json.RawMessage(`{"amount": "not a number"}`)},
	}
	result, err := svc.ProcessEvent(context.Background(), evt)
	require.NoError(t, err, "terminal failures are acknowledged, not retried")
	assert.Equal(t, "dead_lettered", result["status"])
	assert.Equal(t, model.WebhookEventStatusDead, store.webhookEvents["evt_bad"].Status)
}

func TestProcessEvent_LiveLockAnswersTransient(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newFakeProcessor())

	now := time.Now()
	store.webhookEvents["evt_locked"] = &model.WebhookEvent{
		EventID: "evt_locked", EventType: "charge.succeeded",
		Status: model.WebhookEventStatusPending, Locked: true, LockedAt: &now,
	}

	evt := stripeEvent(t, "evt_locked", "charge.succeeded", &stripe.Charge{ID: "ch_1"})
	_, err := svc.ProcessEvent(context.Background(), evt)
	require.Error(t, err)
	assert.Equal(t, apierror.ErrTransient, apierror.Code(err))
}

func TestProcessEvent_DeadLetteredEventIsAcknowledged(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newFakeProcessor())

	store.webhookEvents["evt_dead"] = &model.WebhookEvent{
		EventID: "evt_dead", EventType: "charge.succeeded", Status: model.WebhookEventStatusDead,
	}

	evt := stripeEvent(t, "evt_dead", "charge.succeeded", &stripe.Charge{ID: "ch_1"})
	result, err := svc.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "dead_lettered", result["status"])
}

func TestProcessEvent_UnknownPaymentIsBenignNoop(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newFakeProcessor())

	// The processor can deliver before local provisioning created the payment.
	evt := stripeEvent(t, "evt_early", "charge.succeeded", &stripe.Charge{ID: "ch_unknown"})
	result, err := svc.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "noop", result["status"])
	assert.Equal(t, model.WebhookEventStatusProcessed, store.webhookEvents["evt_early"].Status)
}

func TestProcessEvent_VanishedChargeDeadLetters(t *testing.T) {
	store := newMemStore()
	processor := newFakeProcessor()
	svc := newTestService(store, processor)

	// Payment exists locally but the authoritative re-fetch 404s: retrying
	// cannot fix that, so the event dead-letters immediately.
	seedPayment(store, &model.Payment{
		PaymentID: "pay_1", EventID: "event_1", Status: model.PaymentStatusPending,
		StripeChargeID: "ch_gone",
	})

	evt := stripeEvent(t, "evt_gone", "charge.succeeded", &stripe.Charge{ID: "ch_gone"})
	result, err := svc.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "dead_lettered", result["status"])
	assert.Equal(t, model.WebhookEventStatusDead, store.webhookEvents["evt_gone"].Status)
}

func TestProcessEvent_IntentCanceledParksPayment(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newFakeProcessor())

	seedPayment(store, &model.Payment{
		PaymentID: "pay_1", EventID: "event_1", Status: model.PaymentStatusPending,
		StripePaymentIntentID: "pi_1",
	})

	evt := stripeEvent(t, "evt_cancel", "payment_intent.canceled", &stripe.PaymentIntent{ID: "pi_1"})
	result, err := svc.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "processed", result["status"])
	assert.Equal(t, model.PaymentStatusCanceled, store.payments["pay_1"].Status)

	// Canceled is a terminal side branch: a late success must not resurrect it.
	late := stripeEvent(t, "evt_late_success", "payment_intent.succeeded", &stripe.PaymentIntent{ID: "pi_1"})
	result, err = svc.ProcessEvent(context.Background(), late)
	require.NoError(t, err)
	assert.Equal(t, "noop", result["status"])
	assert.Equal(t, model.PaymentStatusCanceled, store.payments["pay_1"].Status)
}
