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

package model

import "time"

// Status constants representing the states a payment can be in.
const (
	PaymentStatusPending  = "pending"  // Payment created, no processor outcome yet.
	PaymentStatusFailed   = "failed"   // Processor reported a failed charge or intent.
	PaymentStatusPaid     = "paid"     // Funds captured by the processor.
	PaymentStatusReceived = "received" // Funds received out-of-band (interchangeable with paid).
	PaymentStatusWaived   = "waived"   // Fee waived by the organizer; no processor charge exists.
	PaymentStatusCanceled = "canceled" // Intent canceled before completion.
	PaymentStatusRefunded = "refunded" // Captured funds returned to the payer.
)

// statusRank assigns each payment status its position in the status lattice.
// A webhook may only move a payment to a status of equal or higher rank, which
// is what stops a delayed "payment_failed" from clobbering a paid payment or a
// duplicate "succeeded" from downgrading a refunded one.
var statusRank = map[string]int{
	PaymentStatusPending:  10,
	PaymentStatusFailed:   15,
	PaymentStatusPaid:     20,
	PaymentStatusReceived: 20,
	PaymentStatusWaived:   25,
	PaymentStatusCanceled: 35,
	PaymentStatusRefunded: 40,
}

// StatusRank returns the lattice rank for a status and whether the status is known.
func StatusRank(status string) (int, bool) {
	rank, ok := statusRank[status]
	return rank, ok
}

// CanPromote reports whether a payment currently in `current` may be moved to
// `target`. The lattice is monotonic: the target rank must be greater than or
// equal to the current rank. Equal ranks are interchangeable (paid and received
// describe the same settled state), and current == target is an idempotent
// no-op so replayed webhooks are harmless.
//
// Canceled is a terminal side branch for payments that never completed: it is
// reachable only from pending or failed, and a canceled payment never moves
// onward to refunded.
func CanPromote(current, target string) bool {
	currentRank, ok := statusRank[current]
	if !ok {
		return false
	}
	targetRank, ok := statusRank[target]
	if !ok {
		return false
	}

	if current == target {
		return true
	}
	if current == PaymentStatusCanceled {
		// Canceled payments never completed; there is nothing to refund or pay.
		return false
	}
	if target == PaymentStatusCanceled {
		return current == PaymentStatusPending || current == PaymentStatusFailed
	}
	return targetRank >= currentRank
}

// AllowRefundReversal reports whether the single permitted demotion applies:
// refunded back to paid, used only when the processor reports that a refund
// itself failed or was canceled. CanPromote never allows a rank decrease, so
// this path is explicit and cannot be reached by a replayed success webhook.
func AllowRefundReversal(current, target string) bool {
	return current == PaymentStatusRefunded && (target == PaymentStatusPaid || target == PaymentStatusReceived)
}

// Payment represents one participant's fee for one event, as recorded in the
// local ledger. Money-moving fields (fee breakdown, transfer id, application
// fee figures) are only ever written from authoritative processor re-fetches,
// never from webhook payloads.
type Payment struct {
	ID                       int64                  `json:"-"`
	PaymentID                string                 `json:"payment_id"`
	EventID                  string                 `json:"event_id"`
	UserID                   string                 `json:"user_id"`
	Method                   string                 `json:"method"`
	Amount                   int64                  `json:"amount"` // Smallest currency unit.
	Currency                 string                 `json:"currency"`
	Status                   string                 `json:"status"`
	StripePaymentIntentID    string                 `json:"stripe_payment_intent_id,omitempty"`
	StripeSessionID          string                 `json:"stripe_session_id,omitempty"`
	StripeChargeID           string                 `json:"stripe_charge_id,omitempty"`
	StripeTransferID         string                 `json:"stripe_transfer_id,omitempty"`
	StripeApplicationFeeID   string                 `json:"stripe_application_fee_id,omitempty"`
	StripeFeeAmount          int64                  `json:"stripe_fee_amount"`
	NetAmount                int64                  `json:"net_amount"`
	RefundedAmount           int64                  `json:"refunded_amount"`
	AppFeeRefundedAmount     int64                  `json:"application_fee_refunded_amount"`
	DisputeID                string                 `json:"dispute_id,omitempty"`
	Version                  int                    `json:"version"`
	FailureCode              string                 `json:"failure_code,omitempty"`
	FailureMessage           string                 `json:"failure_message,omitempty"`
	CreatedAt                time.Time              `json:"created_at"`
	UpdatedAt                time.Time              `json:"updated_at"`
	MetaData                 map[string]interface{} `json:"meta_data,omitempty"`
}

// IsSettled reports whether the payment counts toward an event's settled funds.
func (p *Payment) IsSettled() bool {
	return p.Status == PaymentStatusPaid || p.Status == PaymentStatusReceived
}
