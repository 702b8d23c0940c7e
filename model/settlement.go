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

// SettlementSnapshot is the derived financial summary for one event. It is
// regenerated wholesale from the current payment rows whenever a refund or
// dispute mutation lands, never patched incrementally, so it cannot drift from
// the ledger.
type SettlementSnapshot struct {
	ID             int64     `json:"-"`
	SnapshotID     string    `json:"snapshot_id"`
	EventID        string    `json:"event_id"`
	Currency       string    `json:"currency"`
	GrossSales     int64     `json:"gross_sales"`
	StripeFees     int64     `json:"stripe_fees"`
	PlatformFees   int64     `json:"platform_fees"`
	RefundedAmount int64     `json:"refunded_amount"` // Total refunded across all payments, settled or not.
	DisputedCount  int       `json:"disputed_count"`
	// GrossSales minus StripeFees, PlatformFees and the refunds taken against
	// settled payments. Fully refunded payments contribute nothing: their
	// amount never entered gross, so their refund is not subtracted either.
	NetRevenue int64 `json:"net_revenue"`
	PaidCount      int       `json:"paid_count"`
	RefundedCount  int       `json:"refunded_count"`
	WaivedCount    int       `json:"waived_count"`
	GeneratedAt    time.Time `json:"generated_at"`
}
