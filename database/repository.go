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
	"time"

	"github.com/gatherpay/gatherpay/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	webhookEvent // Idempotency store for processor notifications
	payment      // Payment ledger reads and guarded writes
	payout       // Payout rows, eligibility and staleness queries
	scheduler    // Scheduler lock and run logs
	settlement   // Settlement snapshot persistence
}

// webhookEvent defines the claim/commit protocol over the webhook_events table.
type webhookEvent interface {
	ClaimWebhookEvent(ctx context.Context, eventID, eventType string, lockTTL time.Duration) (*model.Claim, error)            // Reserves an event id for processing
	CommitWebhookEvent(ctx context.Context, eventID string, result map[string]interface{}, shouldPersist bool) error          // Records terminal success, or deletes the claim
	MarkWebhookEventFailed(ctx context.Context, eventID string, procErr string, maxRetries int, terminal bool) (bool, error)  // Increments retries; returns whether the event dead-lettered
	UpdateWebhookEventCorrelation(ctx context.Context, eventID, objectID, accountID string) error                             // Stores correlation keys once known
	GetWebhookEvent(ctx context.Context, eventID string) (*model.WebhookEvent, error)                                         // Retrieves one idempotency record
	GetDeadWebhookEvents(ctx context.Context, limit, offset int) ([]model.WebhookEvent, error)                                // Dead-letter queue for operators
}

// payment defines ledger operations. Writes are optimistic: they carry the
// version observed at read time and fail on mismatch.
type payment interface {
	ResolvePayment(ctx context.Context, intentID, chargeID, metadataID string) (*model.Payment, error) // Intent -> charge -> metadata fallback chain
	GetPaymentByID(ctx context.Context, paymentID string) (*model.Payment, error)
	UpdatePaymentOptimistic(ctx context.Context, p *model.Payment) error // Guarded by payment_id + version
	GetPaymentsByEventID(ctx context.Context, eventID string) ([]*model.Payment, error)
}

// payout defines payout persistence plus the scheduler's two queries.
type payout interface {
	CreatePayout(ctx context.Context, p *model.Payout) error
	UpdatePayoutStatus(ctx context.Context, payoutID, status, transferID, notes string) error
	GetPayoutByID(ctx context.Context, payoutID string) (*model.Payout, error)
	GetPayoutByTransferID(ctx context.Context, transferID string) (*model.Payout, error)
	GetStuckPayouts(ctx context.Context, olderThan time.Duration) ([]*model.Payout, error)      // processing/processing_error rows past the staleness threshold
	GetEligibleEvents(ctx context.Context, daysAfterEvent, limit int) ([]*model.EligibleEvent, error) // Settlement-eligible events with financial summary
}

// scheduler defines the single-row lock and the per-run log.
type scheduler interface {
	AcquireSchedulerLock(ctx context.Context, name, processID string, ttl time.Duration) (bool, error)
	ExtendSchedulerLock(ctx context.Context, name, processID string, ttl time.Duration) (bool, error)
	ReleaseSchedulerLock(ctx context.Context, name, processID string) error
	RecordSchedulerRun(ctx context.Context, runLog *model.SchedulerRunLog) error
}

// settlement defines snapshot persistence; snapshots are replaced wholesale.
type settlement interface {
	SaveSettlementSnapshot(ctx context.Context, snapshot *model.SettlementSnapshot) error
	GetSettlementSnapshot(ctx context.Context, eventID string) (*model.SettlementSnapshot, error)
}
