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
	"encoding/json"
	"time"

	"github.com/gatherpay/gatherpay/internal/apierror"
	"github.com/gatherpay/gatherpay/model"
)

// AcquireSchedulerLock takes the named lock for processID. The upsert succeeds
// when no row exists or the existing row has expired; a live lock held by
// another process leaves zero rows affected. Expiry via locked_until is the
// crash-recovery path: a worker that died mid-run stops blocking future runs
// once its TTL lapses.
func (d Datasource) AcquireSchedulerLock(ctx context.Context, name, processID string, ttl time.Duration) (bool, error) {
	res, err := d.Conn.ExecContext(ctx, `
		INSERT INTO scheduler_locks (name, process_id, locked_until)
		VALUES ($1, $2, NOW() + ($3 * INTERVAL '1 second'))
		ON CONFLICT (name) DO UPDATE
		SET process_id = EXCLUDED.process_id, locked_until = EXCLUDED.locked_until
		WHERE scheduler_locks.locked_until < NOW()
	`, name, processID, int64(ttl.Seconds()))
	if err != nil {
		return false, apierror.ClassifyDBError(err, "acquiring scheduler lock")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apierror.ClassifyDBError(err, "acquiring scheduler lock")
	}
	return affected == 1, nil
}

// ExtendSchedulerLock renews the lock's TTL. The guard on process_id ensures
// only the holder can extend; the guard on locked_until refuses to resurrect
// a lock that already expired and may have been taken by someone else.
func (d Datasource) ExtendSchedulerLock(ctx context.Context, name, processID string, ttl time.Duration) (bool, error) {
	res, err := d.Conn.ExecContext(ctx, `
		UPDATE scheduler_locks
		SET locked_until = NOW() + ($3 * INTERVAL '1 second')
		WHERE name = $1 AND process_id = $2 AND locked_until > NOW()
	`, name, processID, int64(ttl.Seconds()))
	if err != nil {
		return false, apierror.ClassifyDBError(err, "extending scheduler lock")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apierror.ClassifyDBError(err, "extending scheduler lock")
	}
	return affected == 1, nil
}

// ReleaseSchedulerLock drops the lock, owner-guarded so a slow worker whose
// lock was stolen cannot release the thief's lock.
func (d Datasource) ReleaseSchedulerLock(ctx context.Context, name, processID string) error {
	_, err := d.Conn.ExecContext(ctx, `
		DELETE FROM scheduler_locks
		WHERE name = $1 AND process_id = $2
	`, name, processID)
	return apierror.ClassifyDBError(err, "releasing scheduler lock")
}

// RecordSchedulerRun writes the one-row-per-run log, including the raw
// per-event results as JSONB.
func (d Datasource) RecordSchedulerRun(ctx context.Context, runLog *model.SchedulerRunLog) error {
	resultsJSON, err := json.Marshal(runLog.Results)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrDataIntegrity, "marshaling scheduler run results", err.Error())
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO payout_scheduler_logs
			(execution_id, status, dry_run, eligible_count, processed_count, failed_count, skipped_count, results, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
	`, runLog.ExecutionID, runLog.Status, runLog.DryRun, runLog.EligibleCount, runLog.ProcessedCount,
		runLog.FailedCount, runLog.SkippedCount, resultsJSON, runLog.Error, runLog.StartedAt, runLog.CompletedAt)
	return apierror.ClassifyDBError(err, "recording scheduler run")
}
