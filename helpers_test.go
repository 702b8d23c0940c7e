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
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/gatherpay/gatherpay/config"
	"github.com/gatherpay/gatherpay/internal/apierror"
	"github.com/gatherpay/gatherpay/model"
)

// memStore is an in-memory database.IDataSource. The scheduler tests exercise
// real goroutines, so a deterministic concurrent-safe store beats ordered SQL
// expectations here.
type memStore struct {
	mu             sync.Mutex
	webhookEvents  map[string]*model.WebhookEvent
	payments       map[string]*model.Payment
	payouts        map[string]*model.Payout
	locks          map[string]*model.SchedulerLock
	runLogs        []*model.SchedulerRunLog
	snapshots      map[string]*model.SettlementSnapshot
	eligibleEvents []*model.EligibleEvent
	payoutSeq      int

	extendLockErr error
}

func newMemStore() *memStore {
	return &memStore{
		webhookEvents: map[string]*model.WebhookEvent{},
		payments:      map[string]*model.Payment{},
		payouts:       map[string]*model.Payout{},
		locks:         map[string]*model.SchedulerLock{},
		snapshots:     map[string]*model.SettlementSnapshot{},
	}
}

func (s *memStore) ClaimWebhookEvent(_ context.Context, eventID, eventType string, lockTTL time.Duration) (*model.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.webhookEvents[eventID]
	if !ok {
		now := time.Now()
		s.webhookEvents[eventID] = &model.WebhookEvent{
			EventID: eventID, EventType: eventType, Status: model.WebhookEventStatusPending,
			Locked: true, LockedAt: &now, CreatedAt: now,
		}
		return &model.Claim{Status: model.ClaimAcquired}, nil
	}

	switch rec.Status {
	case model.WebhookEventStatusProcessed:
		return &model.Claim{Status: model.ClaimAlreadyProcessed, StoredResult: rec.ProcessingResult}, nil
	case model.WebhookEventStatusDead:
		return &model.Claim{Status: model.ClaimDeadLettered}, nil
	}

	if rec.Locked && rec.LockedAt != nil && time.Since(*rec.LockedAt) < lockTTL {
		return &model.Claim{Status: model.ClaimAlreadyLocked}, nil
	}
	now := time.Now()
	rec.Locked = true
	rec.LockedAt = &now
	return &model.Claim{Status: model.ClaimAcquired}, nil
}

func (s *memStore) CommitWebhookEvent(_ context.Context, eventID string, result map[string]interface{}, shouldPersist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.webhookEvents[eventID]
	if !ok {
		return nil
	}
	if !shouldPersist {
		if rec.Status != model.WebhookEventStatusProcessed {
			delete(s.webhookEvents, eventID)
		}
		return nil
	}
	now := time.Now()
	rec.Status = model.WebhookEventStatusProcessed
	rec.ProcessingResult = result
	rec.ProcessedAt = &now
	rec.Locked = false
	rec.LockedAt = nil
	return nil
}

func (s *memStore) MarkWebhookEventFailed(_ context.Context, eventID, procErr string, maxRetries int, terminal bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.webhookEvents[eventID]
	if !ok {
		return false, apierror.NewAPIError(apierror.ErrNotFound, "no webhook event", eventID)
	}
	now := time.Now()
	rec.RetryCount++
	rec.LastRetryAt = &now
	rec.Locked = false
	rec.LockedAt = nil
	rec.ProcessingResult = map[string]interface{}{"error": procErr}
	if terminal || rec.RetryCount >= maxRetries {
		rec.Status = model.WebhookEventStatusDead
		return true, nil
	}
	rec.Status = model.WebhookEventStatusFailed
	return false, nil
}

func (s *memStore) UpdateWebhookEventCorrelation(_ context.Context, eventID, objectID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.webhookEvents[eventID]; ok {
		rec.ObjectID = objectID
		rec.AccountID = accountID
	}
	return nil
}

func (s *memStore) GetWebhookEvent(_ context.Context, eventID string) (*model.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.webhookEvents[eventID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "no webhook event", eventID)
	}
	copied := *rec
	return &copied, nil
}

func (s *memStore) GetDeadWebhookEvents(_ context.Context, limit, offset int) ([]model.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := []model.WebhookEvent{}
	for _, rec := range s.webhookEvents {
		if rec.Status == model.WebhookEventStatusDead {
			events = append(events, *rec)
		}
	}
	return events, nil
}

func (s *memStore) ResolvePayment(_ context.Context, intentID, chargeID, metadataID string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	match := func(pred func(*model.Payment) bool) *model.Payment {
		for _, p := range s.payments {
			if pred(p) {
				copied := *p
				return &copied
			}
		}
		return nil
	}

	if intentID != "" {
		if p := match(func(p *model.Payment) bool { return p.StripePaymentIntentID == intentID }); p != nil {
			return p, nil
		}
	}
	if chargeID != "" {
		if p := match(func(p *model.Payment) bool { return p.StripeChargeID == chargeID }); p != nil {
			return p, nil
		}
	}
	if metadataID != "" {
		if p, ok := s.payments[metadataID]; ok {
			copied := *p
			return &copied, nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "no payment matches the notification", nil)
}

func (s *memStore) GetPaymentByID(_ context.Context, paymentID string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "no payment", paymentID)
	}
	copied := *p
	return &copied, nil
}

func (s *memStore) UpdatePaymentOptimistic(_ context.Context, p *model.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.payments[p.PaymentID]
	if !ok || stored.Version != p.Version {
		return apierror.NewAPIError(apierror.ErrConflict, "payment version conflict", p.PaymentID)
	}
	copied := *p
	copied.Version++
	s.payments[p.PaymentID] = &copied
	p.Version++
	return nil
}

func (s *memStore) GetPaymentsByEventID(_ context.Context, eventID string) ([]*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payments := []*model.Payment{}
	for _, p := range s.payments {
		if p.EventID == eventID {
			copied := *p
			payments = append(payments, &copied)
		}
	}
	return payments, nil
}

func (s *memStore) CreatePayout(_ context.Context, p *model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payoutSeq++
	if p.PayoutID == "" {
		p.PayoutID = fmt.Sprintf("pyt_%d", s.payoutSeq)
	}
	if p.Status == "" {
		p.Status = model.PayoutStatusPending
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	copied := *p
	s.payouts[p.PayoutID] = &copied
	return nil
}

func (s *memStore) UpdatePayoutStatus(_ context.Context, payoutID, status, transferID, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[payoutID]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, "no payout", payoutID)
	}
	p.Status = status
	if transferID != "" {
		p.StripeTransferID = transferID
	}
	if notes != "" {
		p.Notes = notes
	}
	if status == model.PayoutStatusCompleted || status == model.PayoutStatusFailed {
		now := time.Now()
		p.ProcessedAt = &now
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) GetPayoutByID(_ context.Context, payoutID string) (*model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[payoutID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "no payout", payoutID)
	}
	copied := *p
	return &copied, nil
}

func (s *memStore) GetPayoutByTransferID(_ context.Context, transferID string) (*model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payouts {
		if p.StripeTransferID == transferID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "no payout for transfer", transferID)
}

func (s *memStore) GetStuckPayouts(_ context.Context, olderThan time.Duration) ([]*model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stuck := []*model.Payout{}
	cutoff := time.Now().Add(-olderThan)
	for _, p := range s.payouts {
		if (p.Status == model.PayoutStatusPending || p.Status == model.PayoutStatusProcessing || p.Status == model.PayoutStatusProcessingError) &&
			p.UpdatedAt.Before(cutoff) {
			copied := *p
			stuck = append(stuck, &copied)
		}
	}
	return stuck, nil
}

func (s *memStore) GetEligibleEvents(_ context.Context, daysAfterEvent, limit int) ([]*model.EligibleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.eligibleEvents) > limit {
		return s.eligibleEvents[:limit], nil
	}
	return s.eligibleEvents, nil
}

func (s *memStore) AcquireSchedulerLock(_ context.Context, name, processID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if ok && lock.LockedUntil.After(time.Now()) && lock.ProcessID != processID {
		return false, nil
	}
	s.locks[name] = &model.SchedulerLock{Name: name, ProcessID: processID, LockedUntil: time.Now().Add(ttl)}
	return true, nil
}

func (s *memStore) ExtendSchedulerLock(_ context.Context, name, processID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extendLockErr != nil {
		return false, s.extendLockErr
	}
	lock, ok := s.locks[name]
	if !ok || lock.ProcessID != processID || lock.LockedUntil.Before(time.Now()) {
		return false, nil
	}
	lock.LockedUntil = time.Now().Add(ttl)
	return true, nil
}

func (s *memStore) ReleaseSchedulerLock(_ context.Context, name, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[name]; ok && lock.ProcessID == processID {
		delete(s.locks, name)
	}
	return nil
}

func (s *memStore) RecordSchedulerRun(_ context.Context, runLog *model.SchedulerRunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runLogs = append(s.runLogs, runLog)
	return nil
}

func (s *memStore) SaveSettlementSnapshot(_ context.Context, snapshot *model.SettlementSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *snapshot
	s.snapshots[snapshot.EventID] = &copied
	return nil
}

func (s *memStore) GetSettlementSnapshot(_ context.Context, eventID string) (*model.SettlementSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[eventID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "no settlement snapshot", eventID)
	}
	copied := *snapshot
	return &copied, nil
}

// transferCall records one CreateTransfer invocation for ordering assertions.
type transferCall struct {
	destination string
	amount      int64
	key         string
	at          time.Time
}

// fakeProcessor is an in-memory ProcessorClient.
type fakeProcessor struct {
	mu       sync.Mutex
	charges  map[string]*stripe.Charge
	intents  map[string]*stripe.PaymentIntent
	appFees  map[string]*stripe.ApplicationFee
	accounts map[string]*stripe.Account

	transfers     map[string]*stripe.Transfer // by idempotency key
	transferCalls []transferCall
	transferSeq   int

	// One error per queued entry, consumed in call order before transfers
	// start succeeding.
	transferErrs []error

	getChargeCalls int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		charges:   map[string]*stripe.Charge{},
		intents:   map[string]*stripe.PaymentIntent{},
		appFees:   map[string]*stripe.ApplicationFee{},
		accounts:  map[string]*stripe.Account{},
		transfers: map[string]*stripe.Transfer{},
	}
}

func (f *fakeProcessor) GetCharge(_ context.Context, chargeID string) (*stripe.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getChargeCalls++
	ch, ok := f.charges[chargeID]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "no such charge"}
	}
	return ch, nil
}

func (f *fakeProcessor) GetPaymentIntent(_ context.Context, intentID string) (*stripe.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pi, ok := f.intents[intentID]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "no such payment intent"}
	}
	return pi, nil
}

func (f *fakeProcessor) GetBalanceTransaction(_ context.Context, txnID string) (*stripe.BalanceTransaction, error) {
	return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "no such balance transaction"}
}

func (f *fakeProcessor) GetTransfer(_ context.Context, transferID string) (*stripe.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transfers {
		if t.ID == transferID {
			return t, nil
		}
	}
	return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "no such transfer"}
}

func (f *fakeProcessor) GetApplicationFee(_ context.Context, feeID string) (*stripe.ApplicationFee, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fee, ok := f.appFees[feeID]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "no such application fee"}
	}
	return fee, nil
}

func (f *fakeProcessor) GetAccount(_ context.Context, accountID string) (*stripe.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[accountID]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "no such account"}
	}
	return acct, nil
}

func (f *fakeProcessor) CreateTransfer(_ context.Context, destination string, amount int64, currency, transferGroup, idempotencyKey string) (*stripe.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.transferCalls = append(f.transferCalls, transferCall{
		destination: destination, amount: amount, key: idempotencyKey, at: time.Now(),
	})

	if len(f.transferErrs) > 0 {
		err := f.transferErrs[0]
		f.transferErrs = f.transferErrs[1:]
		return nil, err
	}

	if existing, ok := f.transfers[idempotencyKey]; ok {
		return existing, nil
	}
	f.transferSeq++
	transfer := &stripe.Transfer{
		ID:            fmt.Sprintf("tr_%d", f.transferSeq),
		Amount:        amount,
		TransferGroup: transferGroup,
		Destination:   &stripe.Account{ID: destination},
	}
	f.transfers[idempotencyKey] = transfer
	return transfer, nil
}

func (f *fakeProcessor) ListRecentTransfers(_ context.Context, since time.Time, limit int) ([]*stripe.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	transfers := []*stripe.Transfer{}
	for _, t := range f.transfers {
		transfers = append(transfers, t)
	}
	return transfers, nil
}

func (f *fakeProcessor) callsTo(destination string) []transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := []transferCall{}
	for _, c := range f.transferCalls {
		if c.destination == destination {
			calls = append(calls, c)
		}
	}
	return calls
}

// fakeCache is a map-backed cache.Cache.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]interface{}
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]interface{}{}}
}

func (f *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value
	return nil
}

func (f *fakeCache) Get(_ context.Context, key string, data interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.entries[key]
	if !ok {
		return false, nil
	}
	if caps, ok := value.(accountCapability); ok {
		if target, ok := data.(*accountCapability); ok {
			*target = caps
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

// newTestService wires a Gatherpay from in-memory doubles and loads a mock
// configuration.
func newTestService(store *memStore, processor *fakeProcessor) *Gatherpay {
	config.MockConfig(&config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "postgres://localhost/test"},
		Redis:      config.RedisConfig{Dns: "localhost:6379"},
		Stripe: config.StripeConfig{
			SecretKey:      "sk_test_123",
			WebhookSecrets: []string{"whsec_test"},
		},
	})
	return &Gatherpay{
		datasource: store,
		processor:  processor,
		cache:      newFakeCache(),
	}
}
