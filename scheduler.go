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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gatherpay/gatherpay/config"
	"github.com/gatherpay/gatherpay/database"
	"github.com/gatherpay/gatherpay/internal/notification"
	"github.com/gatherpay/gatherpay/model"
)

// Name of the single global lock row serializing payout runs across workers.
const schedulerLockName = "payout_scheduler"

// Consecutive heartbeat failures tolerated before a run assumes it lost the
// lock and aborts.
const heartbeatFailureLimit = 2

// accountCapability is the cached slice of a destination account's state the
// scheduler cares about.
type accountCapability struct {
	PayoutsEnabled bool `json:"payouts_enabled"`
}

// runState is the shared mutable state of one scheduler run: the collected
// per-event results and the adaptive inter-batch delay.
type runState struct {
	mu      sync.Mutex
	results []model.PayoutResult

	// Nanoseconds between transfers to the same destination. Starts at the
	// configured floor and only ever grows within a run, stretched by
	// processor rate-limit hints.
	interBatchDelay atomic.Int64
}

func (s *runState) record(r model.PayoutResult) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

// stretchDelay raises the inter-batch delay to at least d. Never shrinks:
// once the processor has asked for room, the rest of the run keeps it.
func (s *runState) stretchDelay(d time.Duration) {
	for {
		current := s.interBatchDelay.Load()
		if int64(d) <= current {
			return
		}
		if s.interBatchDelay.CompareAndSwap(current, int64(d)) {
			return
		}
	}
}

// RunPayoutScheduler executes one payout run: acquire the global lock,
// reconcile payouts left hanging by previous runs, select events due for
// payout, and transfer each event's net to its organizer's destination
// account. Transfers to distinct destinations run concurrently up to the
// configured bound; transfers to the same destination run strictly in order
// with at least the inter-batch delay between them.
//
// With dryRun set, the run performs every read and eligibility check but
// creates no payout rows and moves no money; the run log records what would
// have been paid.
//
// A second worker calling this while a run is live gets a skipped run log,
// not an error.
func (g *Gatherpay) RunPayoutScheduler(ctx context.Context, dryRun bool) (*model.SchedulerRunLog, error) {
	ctx, span := tracer.Start(ctx, "Running Payout Scheduler")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	processID := uuid.New().String()
	runLog := &model.SchedulerRunLog{
		ExecutionID: database.GenerateUUIDWithSuffix("run"),
		Status:      model.RunStatusStarted,
		DryRun:      dryRun,
		StartedAt:   time.Now(),
	}

	lockTTL := time.Duration(cfg.Scheduler.LockTTLSec) * time.Second
	acquired, err := g.datasource.AcquireSchedulerLock(ctx, schedulerLockName, processID, lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		logrus.WithField("process_id", processID).Info("payout scheduler lock held elsewhere, skipping run")
		runLog.Status = model.RunStatusSkipped
		g.finishRun(ctx, runLog)
		return runLog, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := g.startHeartbeat(runCtx, cancel, processID, cfg)
	defer func() {
		cancel()
		<-heartbeatDone
		// Release on a fresh context: the run context may already be canceled
		// by an abort, and the lock must not be left to expire by TTL.
		if err := g.datasource.ReleaseSchedulerLock(context.Background(), schedulerLockName, processID); err != nil {
			logrus.Warnf("failed to release scheduler lock: %v", err)
		}
	}()

	// Converge payouts stranded by earlier crashes before creating new ones.
	if _, err := g.ReconcileStuckPayouts(runCtx); err != nil {
		logrus.Warnf("stuck payout reconciliation failed, continuing run: %v", err)
	}

	events, err := g.datasource.GetEligibleEvents(runCtx, cfg.Scheduler.DaysAfterEvent, cfg.Scheduler.MaxEventsPerRun)
	if err != nil {
		runLog.Status = model.RunStatusFailed
		runLog.Error = err.Error()
		g.finishRun(ctx, runLog)
		return runLog, err
	}

	state := &runState{}
	state.interBatchDelay.Store(int64(time.Duration(cfg.Scheduler.InterBatchDelaySec) * time.Second))

	groups := map[string][]*model.EligibleEvent{}
	for _, ev := range events {
		if !ev.Eligible {
			state.record(model.PayoutResult{
				EventID:    ev.EventID,
				Status:     "skipped",
				Skipped:    true,
				SkipReason: ev.IneligibleReason,
			})
			continue
		}
		runLog.EligibleCount++
		groups[ev.DestinationID] = append(groups[ev.DestinationID], ev)
	}

	g.processGroups(runCtx, cfg, groups, state, dryRun)

	for _, r := range state.results {
		switch {
		case r.Skipped:
			runLog.SkippedCount++
		case r.Error != "":
			runLog.FailedCount++
		default:
			runLog.ProcessedCount++
		}
	}
	runLog.Results = state.results

	if runCtx.Err() != nil && ctx.Err() == nil {
		runLog.Status = model.RunStatusAborted
		runLog.Error = "heartbeat lost, run aborted"
		notification.NotifyError(errHeartbeatLost)
	} else {
		runLog.Status = model.RunStatusCompleted
	}

	g.finishRun(ctx, runLog)
	logrus.WithFields(logrus.Fields{
		"execution_id": runLog.ExecutionID,
		"status":       runLog.Status,
		"eligible":     runLog.EligibleCount,
		"processed":    runLog.ProcessedCount,
		"failed":       runLog.FailedCount,
		"skipped":      runLog.SkippedCount,
		"dry_run":      dryRun,
	}).Info("payout scheduler run finished")
	return runLog, nil
}

var errHeartbeatLost = &schedulerAbortError{}

type schedulerAbortError struct{}

func (e *schedulerAbortError) Error() string {
	return "payout scheduler aborted: lock heartbeat failed repeatedly, another worker may take over"
}

// startHeartbeat extends the scheduler lock on an interval for as long as the
// run context lives. Two consecutive extension failures mean the lock can no
// longer be trusted (expired, stolen, or the database is unreachable), so the
// run is canceled rather than risking two workers paying out concurrently.
func (g *Gatherpay) startHeartbeat(ctx context.Context, cancel context.CancelFunc, processID string, cfg *config.Configuration) <-chan struct{} {
	done := make(chan struct{})
	interval := time.Duration(cfg.Scheduler.HeartbeatIntervalSec) * time.Second
	ttl := time.Duration(cfg.Scheduler.LockTTLSec) * time.Second

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				extended, err := g.datasource.ExtendSchedulerLock(ctx, schedulerLockName, processID, ttl)
				if err == nil && extended {
					failures = 0
					continue
				}
				failures++
				logrus.WithFields(logrus.Fields{
					"process_id": processID,
					"failures":   failures,
				}).Warnf("scheduler lock heartbeat failed: extended=%v err=%v", extended, err)
				if failures >= heartbeatFailureLimit {
					cancel()
					return
				}
			}
		}
	}()
	return done
}

// processGroups drains destination groups through a bounded worker pool. One
// group never spans workers, which is what guarantees per-destination
// ordering.
func (g *Gatherpay) processGroups(ctx context.Context, cfg *config.Configuration, groups map[string][]*model.EligibleEvent, state *runState, dryRun bool) {
	work := make(chan []*model.EligibleEvent)
	var wg sync.WaitGroup

	workers := cfg.Scheduler.MaxConcurrency
	if workers > len(groups) && len(groups) > 0 {
		workers = len(groups)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range work {
				g.processGroup(ctx, group, state, dryRun)
			}
		}()
	}

	for _, group := range groups {
		select {
		case <-ctx.Done():
			// Abort: stop handing out work; in-flight groups finish their
			// current transfer and bail.
		case work <- group:
			continue
		}
		break
	}
	close(work)
	wg.Wait()
}

// processGroup pays out one destination's events sequentially, waiting the
// current inter-batch delay between transfers.
func (g *Gatherpay) processGroup(ctx context.Context, group []*model.EligibleEvent, state *runState, dryRun bool) {
	for i, ev := range group {
		if ctx.Err() != nil {
			state.record(model.PayoutResult{
				EventID: ev.EventID, Status: "skipped", Skipped: true, SkipReason: "run aborted",
			})
			continue
		}
		if i > 0 {
			delay := time.Duration(state.interBatchDelay.Load())
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
		state.record(g.payOutEvent(ctx, ev, state, dryRun))
	}
}

// payOutEvent executes one event's payout end to end. The payout row is
// created pending, flipped to processing before the transfer call, and the
// transfer's idempotency key is the payout id: if this process dies after
// submission, the re-run's reconciliation (or a retried call with the same
// key) cannot double-pay.
func (g *Gatherpay) payOutEvent(ctx context.Context, ev *model.EligibleEvent, state *runState, dryRun bool) model.PayoutResult {
	result := model.PayoutResult{
		EventID:         ev.EventID,
		DestinationID:   ev.DestinationID,
		NetPayoutAmount: ev.NetPayout,
	}

	// Never initiate a transfer on a canceled run.
	if ctx.Err() != nil {
		result.Status = "skipped"
		result.Skipped = true
		result.SkipReason = "run aborted"
		return result
	}

	capable, reason, err := g.destinationCanReceive(ctx, ev.DestinationID)
	if err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		return result
	}
	if !capable {
		result.Status = "skipped"
		result.Skipped = true
		result.SkipReason = reason
		return result
	}

	if dryRun {
		result.Status = "dry_run"
		result.Skipped = true
		result.SkipReason = "dry run"
		logrus.WithFields(logrus.Fields{
			"event_id":    ev.EventID,
			"destination": ev.DestinationID,
			"net_payout":  ev.NetPayout,
		}).Info("dry run: payout not executed")
		return result
	}

	payout := &model.Payout{
		EventID:         ev.EventID,
		UserID:          ev.OrganizerID,
		DestinationID:   ev.DestinationID,
		Status:          model.PayoutStatusPending,
		NetPayoutAmount: ev.NetPayout,
		Currency:        ev.Currency,
	}
	if err := g.datasource.CreatePayout(ctx, payout); err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		return result
	}
	result.PayoutID = payout.PayoutID

	if err := g.datasource.UpdatePayoutStatus(ctx, payout.PayoutID, model.PayoutStatusProcessing, "", ""); err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		return result
	}

	transfer, err := g.processor.CreateTransfer(ctx, ev.DestinationID, ev.NetPayout, ev.Currency, ev.EventID, payout.PayoutID)
	if err != nil {
		if rateErr, ok := IsRateLimit(err); ok {
			state.stretchDelay(rateErr.SuggestedDelay)
		}
		// The transfer may or may not exist processor-side; park the payout
		// for reconciliation instead of guessing.
		if markErr := g.datasource.UpdatePayoutStatus(ctx, payout.PayoutID, model.PayoutStatusProcessingError, "", err.Error()); markErr != nil {
			logrus.Errorf("failed to mark payout %s as processing_error: %v", payout.PayoutID, markErr)
		}
		result.Status = model.PayoutStatusProcessingError
		result.Error = err.Error()
		return result
	}

	if err := g.datasource.UpdatePayoutStatus(ctx, payout.PayoutID, model.PayoutStatusCompleted, transfer.ID, ""); err != nil {
		// Money moved but the row did not: reconciliation will adopt the
		// transfer by idempotency key on the next run.
		logrus.Errorf("transfer %s executed but payout %s not marked completed: %v", transfer.ID, payout.PayoutID, err)
		result.Status = model.PayoutStatusProcessingError
		result.StripeTransferID = transfer.ID
		result.Error = err.Error()
		return result
	}

	g.DispatchUserNotification(ctx, UserNotification{
		UserID:   ev.OrganizerID,
		EventID:  ev.EventID,
		Template: "payout_sent",
		Data: map[string]interface{}{
			"amount":   ev.NetPayout,
			"currency": ev.Currency,
		},
	})

	result.Status = model.PayoutStatusCompleted
	result.StripeTransferID = transfer.ID
	return result
}

// destinationCanReceive checks whether a destination account has payouts
// enabled, caching the answer briefly so a run with many events per organizer
// asks the processor once.
func (g *Gatherpay) destinationCanReceive(ctx context.Context, destinationID string) (bool, string, error) {
	cacheKey := "acct_caps:" + destinationID

	var caps accountCapability
	if hit, err := g.cache.Get(ctx, cacheKey, &caps); err == nil && hit {
		if !caps.PayoutsEnabled {
			return false, model.IneligiblePayoutsDisabled, nil
		}
		return true, "", nil
	}

	account, err := g.processor.GetAccount(ctx, destinationID)
	if err != nil {
		return false, "", classifyProcessorError(err, "destination account fetch failed")
	}

	caps = accountCapability{PayoutsEnabled: account.PayoutsEnabled}
	if err := g.cache.Set(ctx, cacheKey, caps, 10*time.Minute); err != nil {
		logrus.Warnf("failed to cache account capability for %s: %v", destinationID, err)
	}

	if !caps.PayoutsEnabled {
		return false, model.IneligiblePayoutsDisabled, nil
	}
	return true, "", nil
}

// finishRun stamps completion and persists the run log, best effort.
func (g *Gatherpay) finishRun(ctx context.Context, runLog *model.SchedulerRunLog) {
	now := time.Now()
	runLog.CompletedAt = &now
	if err := g.datasource.RecordSchedulerRun(ctx, runLog); err != nil {
		logrus.Errorf("failed to record scheduler run %s: %v", runLog.ExecutionID, err)
	}
}
