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

// Status constants for a scheduler run.
const (
	RunStatusStarted   = "started"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusSkipped   = "skipped" // Lock already held by another worker.
	RunStatusAborted   = "aborted" // Heartbeat lost mid-run.
)

// SchedulerLock is the single global row, per lock name, that serializes
// scheduler runs across workers. The row is acquired exclusively, renewed by
// heartbeat, and either released on completion or expires via LockedUntil.
type SchedulerLock struct {
	Name        string    `json:"name"`
	ProcessID   string    `json:"process_id"`
	LockedUntil time.Time `json:"locked_until"`
}

// PayoutResult is the per-event outcome recorded in a scheduler run log.
type PayoutResult struct {
	EventID          string `json:"event_id"`
	PayoutID         string `json:"payout_id,omitempty"`
	DestinationID    string `json:"destination_account_id,omitempty"`
	Status           string `json:"status"`
	NetPayoutAmount  int64  `json:"net_payout_amount"`
	StripeTransferID string `json:"stripe_transfer_id,omitempty"`
	Error            string `json:"error,omitempty"`
	Skipped          bool   `json:"skipped,omitempty"`
	SkipReason       string `json:"skip_reason,omitempty"`
}

// SchedulerRunLog is one row per scheduler run: timing, counters, and the raw
// per-event results, kept for operator inspection.
type SchedulerRunLog struct {
	ID             int64          `json:"-"`
	ExecutionID    string         `json:"execution_id"`
	Status         string         `json:"status"`
	DryRun         bool           `json:"dry_run"`
	EligibleCount  int            `json:"eligible_count"`
	ProcessedCount int            `json:"processed_count"`
	FailedCount    int            `json:"failed_count"`
	SkippedCount   int            `json:"skipped_count"`
	Results        []PayoutResult `json:"results,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}
