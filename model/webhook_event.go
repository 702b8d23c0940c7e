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

// Lifecycle states of a webhook event record. An event is created on first
// sighting, moves to processed on terminal success, and cycles through failed
// until the retry ceiling flips it to dead. Processed events are never
// resurrected.
const (
	WebhookEventStatusPending   = "pending"
	WebhookEventStatusProcessed = "processed"
	WebhookEventStatusFailed    = "failed"
	WebhookEventStatusDead      = "dead"
)

// WebhookEvent is the durable idempotency record for one processor
// notification id. The row doubles as the processing lock: Locked/LockedAt
// implement the claim protocol, and ProcessingResult stores the outcome that
// replays observe.
type WebhookEvent struct {
	ID               int64                  `json:"-"`
	EventID          string                 `json:"event_id"` // Processor-assigned, unique.
	EventType        string                 `json:"event_type"`
	Status           string                 `json:"status"`
	RetryCount       int                    `json:"retry_count"`
	Locked           bool                   `json:"locked"`
	LockedAt         *time.Time             `json:"locked_at,omitempty"`
	ProcessingResult map[string]interface{} `json:"processing_result,omitempty"`
	ObjectID         string                 `json:"object_id,omitempty"`  // Correlation key, e.g. charge id.
	AccountID        string                 `json:"account_id,omitempty"` // Connected account, when present.
	CreatedAt        time.Time              `json:"created_at"`
	ProcessedAt      *time.Time             `json:"processed_at,omitempty"`
	LastRetryAt      *time.Time             `json:"last_retry_at,omitempty"`
}

// Claim outcomes returned by the idempotency store.
const (
	ClaimAcquired         = "acquired"          // Caller holds the lock and must process.
	ClaimAlreadyProcessed = "already_processed" // Terminal success exists; stored result returned.
	ClaimAlreadyLocked    = "already_locked"    // Another worker holds a live lock.
	ClaimDeadLettered     = "dead_lettered"     // Retry budget exhausted; parked for manual review.
)

// Claim is the result of attempting to reserve a webhook event for processing.
type Claim struct {
	Status       string                 `json:"status"`
	StoredResult map[string]interface{} `json:"stored_result,omitempty"`
}
