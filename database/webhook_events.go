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
	"database/sql"
	"encoding/json"
	"time"

	"github.com/gatherpay/gatherpay/internal/apierror"
	"github.com/gatherpay/gatherpay/model"
)

// ClaimWebhookEvent attempts to reserve a notification id for processing. The
// first sighting inserts a locked row and acquires the claim. On a unique
// violation the existing row decides the outcome:
//
//   - processed: terminal success exists; the stored result is returned so a
//     replay can answer without side effects.
//   - dead: retry budget exhausted; the event stays parked.
//   - otherwise: the lock is stolen if it is free or older than lockTTL (a
//     worker crashed between claim and commit), else the claim is refused.
//
// The steal is a guarded UPDATE, so two workers racing for a stale lock cannot
// both win.
func (d Datasource) ClaimWebhookEvent(ctx context.Context, eventID, eventType string, lockTTL time.Duration) (*model.Claim, error) {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, status, locked, locked_at)
		VALUES ($1, $2, 'pending', TRUE, NOW())
	`, eventID, eventType)
	if err == nil {
		return &model.Claim{Status: model.ClaimAcquired}, nil
	}
	if !apierror.IsUniqueViolation(err) {
		return nil, apierror.ClassifyDBError(err, "claiming webhook event")
	}

	var status string
	var locked bool
	var lockedAt sql.NullTime
	var resultJSON []byte
	row := d.Conn.QueryRowContext(ctx, `
		SELECT status, locked, locked_at, processing_result
		FROM webhook_events
		WHERE event_id = $1
	`, eventID)
	if err := row.Scan(&status, &locked, &lockedAt, &resultJSON); err != nil {
		return nil, apierror.ClassifyDBError(err, "reading existing webhook event claim")
	}

	switch status {
	case model.WebhookEventStatusProcessed:
		claim := &model.Claim{Status: model.ClaimAlreadyProcessed}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &claim.StoredResult); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrDataIntegrity, "stored processing result is not valid JSON", err.Error())
			}
		}
		return claim, nil
	case model.WebhookEventStatusDead:
		return &model.Claim{Status: model.ClaimDeadLettered}, nil
	}

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE webhook_events
		SET locked = TRUE, locked_at = NOW()
		WHERE event_id = $1
		  AND status IN ('pending', 'failed')
		  AND (locked = FALSE OR locked_at < NOW() - ($2 * INTERVAL '1 second'))
	`, eventID, int64(lockTTL.Seconds()))
	if err != nil {
		return nil, apierror.ClassifyDBError(err, "stealing webhook event lock")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apierror.ClassifyDBError(err, "stealing webhook event lock")
	}
	if affected == 0 {
		return &model.Claim{Status: model.ClaimAlreadyLocked}, nil
	}
	return &model.Claim{Status: model.ClaimAcquired}, nil
}

// CommitWebhookEvent finishes a claimed event. With shouldPersist the row
// becomes a durable terminal success holding the handler's result, which is
// exactly what replays of the same id will observe. Without shouldPersist the
// claim row is deleted instead, returning the event to pending so the
// processor's own retry can re-attempt from scratch.
func (d Datasource) CommitWebhookEvent(ctx context.Context, eventID string, result map[string]interface{}, shouldPersist bool) error {
	if !shouldPersist {
		_, err := d.Conn.ExecContext(ctx, `
			DELETE FROM webhook_events
			WHERE event_id = $1 AND status <> 'processed'
		`, eventID)
		return apierror.ClassifyDBError(err, "releasing webhook event claim")
	}

	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrDataIntegrity, "marshaling processing result", err.Error())
		}
	}

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'processed', processing_result = $2, processed_at = NOW(), locked = FALSE, locked_at = NULL
		WHERE event_id = $1
	`, eventID, resultJSON)
	return apierror.ClassifyDBError(err, "committing webhook event")
}

// MarkWebhookEventFailed records a handler failure and releases the lock. A
// terminal failure dead-letters immediately: resubmission cannot change the
// outcome, so burning retries on it only delays the operator alert. Otherwise
// the retry counter advances and flips the row to dead once maxRetries is
// reached. Returns whether the event is now dead.
func (d Datasource) MarkWebhookEventFailed(ctx context.Context, eventID string, procErr string, maxRetries int, terminal bool) (bool, error) {
	resultJSON, err := json.Marshal(map[string]interface{}{"error": procErr})
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrDataIntegrity, "marshaling failure result", err.Error())
	}

	if terminal {
		_, err := d.Conn.ExecContext(ctx, `
			UPDATE webhook_events
			SET status = 'dead', retry_count = retry_count + 1, last_retry_at = NOW(),
			    locked = FALSE, locked_at = NULL, processing_result = $2
			WHERE event_id = $1
		`, eventID, resultJSON)
		if err != nil {
			return false, apierror.ClassifyDBError(err, "dead-lettering webhook event")
		}
		return true, nil
	}

	var status string
	row := d.Conn.QueryRowContext(ctx, `
		UPDATE webhook_events
		SET retry_count = retry_count + 1, last_retry_at = NOW(),
		    locked = FALSE, locked_at = NULL, processing_result = $2,
		    status = CASE WHEN retry_count + 1 >= $3 THEN 'dead' ELSE 'failed' END
		WHERE event_id = $1
		RETURNING status
	`, eventID, resultJSON, maxRetries)
	if err := row.Scan(&status); err != nil {
		return false, apierror.ClassifyDBError(err, "marking webhook event failed")
	}
	return status == model.WebhookEventStatusDead, nil
}

// UpdateWebhookEventCorrelation stores the object and account ids once the
// payload has been decoded, so dead-letter rows can be traced back to the
// charge or account they concern.
func (d Datasource) UpdateWebhookEventCorrelation(ctx context.Context, eventID, objectID, accountID string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE webhook_events
		SET object_id = NULLIF($2, ''), account_id = NULLIF($3, '')
		WHERE event_id = $1
	`, eventID, objectID, accountID)
	return apierror.ClassifyDBError(err, "updating webhook event correlation")
}

// GetWebhookEvent retrieves one idempotency record by processor event id.
func (d Datasource) GetWebhookEvent(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT id, event_id, event_type, status, retry_count, locked, locked_at,
		       processing_result, object_id, account_id, created_at, processed_at, last_retry_at
		FROM webhook_events
		WHERE event_id = $1
	`, eventID)
	return scanWebhookEvent(row)
}

// GetDeadWebhookEvents lists dead-lettered events for manual inspection,
// newest first.
func (d Datasource) GetDeadWebhookEvents(ctx context.Context, limit, offset int) ([]model.WebhookEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, event_id, event_type, status, retry_count, locked, locked_at,
		       processing_result, object_id, account_id, created_at, processed_at, last_retry_at
		FROM webhook_events
		WHERE status = 'dead'
		ORDER BY last_retry_at DESC NULLS LAST
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.ClassifyDBError(err, "listing dead webhook events")
	}
	defer rows.Close()

	events := []model.WebhookEvent{}
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, apierror.ClassifyDBError(rows.Err(), "listing dead webhook events")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWebhookEvent(row rowScanner) (*model.WebhookEvent, error) {
	event := model.WebhookEvent{}
	var lockedAt, processedAt, lastRetryAt sql.NullTime
	var resultJSON []byte
	var objectID, accountID sql.NullString

	err := row.Scan(&event.ID, &event.EventID, &event.EventType, &event.Status, &event.RetryCount,
		&event.Locked, &lockedAt, &resultJSON, &objectID, &accountID,
		&event.CreatedAt, &processedAt, &lastRetryAt)
	if err != nil {
		return nil, apierror.ClassifyDBError(err, "scanning webhook event")
	}

	if lockedAt.Valid {
		event.LockedAt = &lockedAt.Time
	}
	if processedAt.Valid {
		event.ProcessedAt = &processedAt.Time
	}
	if lastRetryAt.Valid {
		event.LastRetryAt = &lastRetryAt.Time
	}
	event.ObjectID = objectID.String
	event.AccountID = accountID.String
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &event.ProcessingResult); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrDataIntegrity, "stored processing result is not valid JSON", err.Error())
		}
	}
	return &event, nil
}
