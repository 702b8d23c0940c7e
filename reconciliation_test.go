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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/gatherpay/gatherpay/model"
)

// seedStuckPayout plants a payout whose last touch predates the staleness
// threshold, as a crashed scheduler run would leave it.
func seedStuckPayout(store *memStore, payout *model.Payout) {
	payout.CreatedAt = time.Now().Add(-2 * time.Hour)
	payout.UpdatedAt = time.Now().Add(-time.Hour)
	store.payouts[payout.PayoutID] = payout
}

func TestReconcileStuckPayouts_TransferIntactCompletes(t *testing.T) {
	store := newMemStore()
	processor := newFakeProcessor()
	svc := newTestService(store, processor)

	seedStuckPayout(store, &model.Payout{
		PayoutID: "pyt_1", EventID: "event_1", DestinationID: "acct_1",
		Status: model.PayoutStatusProcessing, NetPayoutAmount: 45750, Currency: "usd",
		StripeTransferID: "tr_1",
	})
	processor.transfers["pyt_1"] = &stripe.Transfer{
		ID: "tr_1", Amount: 45750, TransferGroup: "event_1",
		Destination: &stripe.Account{ID: "acct_1"},
	}

	report, err := svc.ReconcileStuckPayouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, model.PayoutStatusCompleted, store.payouts["pyt_1"].Status)
}

func TestReconcileStuckPayouts_ReversedTransferFails(t *testing.T) {
	store := newMemStore()
	processor := newFakeProcessor()
	svc := newTestService(store, processor)

	seedStuckPayout(store, &model.Payout{
		PayoutID: "pyt_1", EventID: "event_1", DestinationID: "acct_1",
		Status: model.PayoutStatusProcessingError, NetPayoutAmount: 45750, Currency: "usd",
		StripeTransferID: "tr_1",
	})
	processor.transfers["pyt_1"] = &stripe.Transfer{
		ID: "tr_1", Amount: 45750, AmountReversed: 45750, TransferGroup: "event_1",
		Destination: &stripe.Account{ID: "acct_1"},
	}

	report, err := svc.ReconcileStuckPayouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	payout := store.payouts["pyt_1"]
	assert.Equal(t, model.PayoutStatusFailed, payout.Status)
	assert.Equal(t, "transfer reversed at processor", payout.Notes)
}

func TestReconcileStuckPayouts_OrphanAdoptedByGroupAndDestination(t *testing.T) {
	store := newMemStore()
	processor := newFakeProcessor()
	svc := newTestService(store, processor)

	// Crash between transfer submission and the status write: the row never
	// learned its transfer id.
	seedStuckPayout(store, &model.Payout{
		PayoutID: "pyt_1", EventID: "event_1", DestinationID: "acct_1",
		Status: model.PayoutStatusProcessing, NetPayoutAmount: 45750, Currency: "usd",
	})
	processor.transfers["pyt_1"] = &stripe.Transfer{
		ID: "tr_orphan", Amount: 45750, TransferGroup: "event_1",
		Destination: &stripe.Account{ID: "acct_1"},
	}
	// A transfer for another event must not be adopted.
	processor.transfers["pyt_other"] = &stripe.Transfer{
		ID: "tr_other", Amount: 9000, TransferGroup: "event_other",
		Destination: &stripe.Account{ID: "acct_1"},
	}

	report, err := svc.ReconcileStuckPayouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	payout := store.payouts["pyt_1"]
	assert.Equal(t, model.PayoutStatusCompleted, payout.Status)
	assert.Equal(t, "tr_orphan", payout.StripeTransferID)
}

func TestReconcileStuckPayouts_NoTransferAtProcessorFails(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newFakeProcessor())

	seedStuckPayout(store, &model.Payout{
		PayoutID: "pyt_1", EventID: "event_1", DestinationID: "acct_1",
		Status: model.PayoutStatusProcessing, NetPayoutAmount: 45750, Currency: "usd",
	})

	report, err := svc.ReconcileStuckPayouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	// The submission never landed, so failing the payout makes the event
	// payable again on the next scheduler run.
	payout := store.payouts["pyt_1"]
	assert.Equal(t, model.PayoutStatusFailed, payout.Status)
	assert.Equal(t, "no matching transfer at processor", payout.Notes)
}

func TestReconcileStuckPayouts_StrandedPendingFailsWithoutProcessorCheck(t *testing.T) {
	store := newMemStore()
	processor := newFakeProcessor()
	svc := newTestService(store, processor)

	// Crash (or a failed processing transition) right after CreatePayout: the
	// row never left pending, which blocks the event's eligibility until it is
	// converged.
	stranded := &model.Payout{
		PayoutID: "pyt_1", EventID: "event_1", DestinationID: "acct_1",
		Status: model.PayoutStatusPending, NetPayoutAmount: 45750, Currency: "usd",
	}
	stranded.CreatedAt = time.Now().Add(-48 * time.Hour)
	stranded.UpdatedAt = stranded.CreatedAt
	store.payouts["pyt_1"] = stranded

	report, err := svc.ReconcileStuckPayouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Failed)

	payout := store.payouts["pyt_1"]
	assert.Equal(t, model.PayoutStatusFailed, payout.Status)
	assert.Equal(t, "payout never left pending", payout.Notes)

	// No transfer can exist before the processing transition, so the
	// processor is never consulted for a pending row.
	assert.Empty(t, processor.transferCalls)
}

func TestReconcileStuckPayouts_SecondPassIsNoop(t *testing.T) {
	store := newMemStore()
	processor := newFakeProcessor()
	svc := newTestService(store, processor)

	seedStuckPayout(store, &model.Payout{
		PayoutID: "pyt_1", EventID: "event_1", DestinationID: "acct_1",
		Status: model.PayoutStatusProcessing, NetPayoutAmount: 45750, Currency: "usd",
		StripeTransferID: "tr_1",
	})
	processor.transfers["pyt_1"] = &stripe.Transfer{
		ID: "tr_1", TransferGroup: "event_1", Destination: &stripe.Account{ID: "acct_1"},
	}

	first, err := svc.ReconcileStuckPayouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Completed)

	// Terminal payouts are never revisited.
	store.payouts["pyt_1"].UpdatedAt = time.Now().Add(-time.Hour)
	second, err := svc.ReconcileStuckPayouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Checked)
}

func TestReconcileStuckPayouts_FreshPayoutsLeftAlone(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newFakeProcessor())

	// Still inside the staleness threshold: a live run may own this row.
	store.payouts["pyt_live"] = &model.Payout{
		PayoutID: "pyt_live", EventID: "event_1", DestinationID: "acct_1",
		Status: model.PayoutStatusProcessing, NetPayoutAmount: 45750, Currency: "usd",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}

	report, err := svc.ReconcileStuckPayouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
	assert.Equal(t, model.PayoutStatusProcessing, store.payouts["pyt_live"].Status)
}
