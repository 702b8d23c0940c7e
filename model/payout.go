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

// Payout statuses. completed and failed are terminal and are never revisited
// by reconciliation; processing_error marks a transfer whose processor-side
// outcome is unknown and is what the reconciliation service converges.
const (
	PayoutStatusPending         = "pending"
	PayoutStatusProcessing      = "processing"
	PayoutStatusCompleted       = "completed"
	PayoutStatusFailed          = "failed"
	PayoutStatusProcessingError = "processing_error"
)

// Machine-readable reasons an otherwise due event cannot be paid out.
const (
	IneligibleNoDestinationAccount = "no_destination_account"
	IneligiblePayoutsDisabled      = "payouts_not_enabled_on_destination_account"
	IneligibleNoSettledPayments    = "no_settled_payments"
	IneligibleZeroNetPayout        = "zero_net_payout"
)

// Payout records one transfer of settled funds for one event to its
// organizer's destination account.
type Payout struct {
	ID               int64      `json:"-"`
	PayoutID         string     `json:"payout_id"`
	EventID          string     `json:"event_id"`
	UserID           string     `json:"user_id"`
	DestinationID    string     `json:"destination_account_id"`
	Status           string     `json:"status"`
	NetPayoutAmount  int64      `json:"net_payout_amount"`
	Currency         string     `json:"currency"`
	StripeTransferID string     `json:"stripe_transfer_id,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the payout has reached a state reconciliation
// must not touch.
func (p *Payout) IsTerminal() bool {
	return p.Status == PayoutStatusCompleted || p.Status == PayoutStatusFailed
}

// EligibleEvent is one row of the scheduler's eligibility query: the financial
// summary of an event that is due for payout, plus the destination account the
// transfer must go to. Ineligible rows carry a machine-readable reason so the
// run log explains every skipped event.
type EligibleEvent struct {
	EventID          string    `json:"event_id"`
	EventName        string    `json:"event_name"`
	OrganizerID      string    `json:"organizer_user_id"`
	DestinationID    string    `json:"destination_account_id"`
	Currency         string    `json:"currency"`
	EndedAt          time.Time `json:"ended_at"`
	PaidCount        int       `json:"paid_count"`
	GrossSales       int64     `json:"gross_sales"`
	StripeFee        int64     `json:"stripe_fee"`
	PlatformFee      int64     `json:"platform_fee"`
	NetPayout        int64     `json:"net_payout"`
	Eligible         bool      `json:"eligible"`
	IneligibleReason string    `json:"ineligible_reason,omitempty"`
}
