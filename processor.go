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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// ProcessorClient is the surface of the payment processor this service
// depends on: authoritative re-fetches for money-moving fields, transfer
// execution for payouts, and account capability checks. Handlers and the
// scheduler only ever see this interface, so tests substitute a fake.
type ProcessorClient interface {
	GetCharge(ctx context.Context, chargeID string) (*stripe.Charge, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*stripe.PaymentIntent, error)
	GetBalanceTransaction(ctx context.Context, txnID string) (*stripe.BalanceTransaction, error)
	GetTransfer(ctx context.Context, transferID string) (*stripe.Transfer, error)
	GetApplicationFee(ctx context.Context, feeID string) (*stripe.ApplicationFee, error)
	GetAccount(ctx context.Context, accountID string) (*stripe.Account, error)
	CreateTransfer(ctx context.Context, destination string, amount int64, currency, transferGroup, idempotencyKey string) (*stripe.Transfer, error)
	ListRecentTransfers(ctx context.Context, since time.Time, limit int) ([]*stripe.Transfer, error)
}

// RateLimitError signals that the processor refused a call with HTTP 429. The
// scheduler propagates SuggestedDelay as the inter-batch delay for the
// remainder of its run.
type RateLimitError struct {
	SuggestedDelay time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("processor rate limit hit, retry after %s", e.SuggestedDelay)
}

// Default delay applied when the processor rate-limits without a usable
// Retry-After hint.
const defaultRateLimitDelay = 2 * time.Second

// StripeProcessor implements ProcessorClient over the Stripe REST API.
// Re-fetches retry transient failures with bounded exponential backoff;
// terminal API errors (missing resource, bad request) are surfaced
// immediately.
type StripeProcessor struct {
	api *client.API
}

// NewStripeProcessor builds a processor client from an API secret key.
func NewStripeProcessor(secretKey string) *StripeProcessor {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProcessor{api: api}
}

// retryFetch wraps a read-only processor call with bounded exponential
// backoff. Only transient failures retry; everything else is returned as a
// permanent error on the first attempt.
func retryFetch[T any](ctx context.Context, fetch func() (T, error)) (T, error) {
	var result T
	operation := func() error {
		var err error
		result, err = fetch()
		if err == nil {
			return nil
		}
		if isTransientStripeErr(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(operation, policy)
	return result, err
}

// isTransientStripeErr reports whether a processor error is worth retrying:
// network-level failures, 5xx responses, and rate limits.
func isTransientStripeErr(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		return stripeErr.HTTPStatusCode >= 500
	}
	// Errors that never reached Stripe (DNS, connection reset) arrive as plain
	// net errors.
	return true
}

// IsRateLimit extracts a RateLimitError from a processor error, if the error
// is a 429.
func IsRateLimit(err error) (*RateLimitError, bool) {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr, true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &RateLimitError{SuggestedDelay: defaultRateLimitDelay}, true
	}
	return nil, false
}

func (s *StripeProcessor) GetCharge(ctx context.Context, chargeID string) (*stripe.Charge, error) {
	return retryFetch(ctx, func() (*stripe.Charge, error) {
		params := &stripe.ChargeParams{Params: stripe.Params{Context: ctx}}
		params.AddExpand("balance_transaction")
		return s.api.Charges.Get(chargeID, params)
	})
}

func (s *StripeProcessor) GetPaymentIntent(ctx context.Context, intentID string) (*stripe.PaymentIntent, error) {
	return retryFetch(ctx, func() (*stripe.PaymentIntent, error) {
		params := &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}}
		params.AddExpand("latest_charge.balance_transaction")
		return s.api.PaymentIntents.Get(intentID, params)
	})
}

func (s *StripeProcessor) GetBalanceTransaction(ctx context.Context, txnID string) (*stripe.BalanceTransaction, error) {
	return retryFetch(ctx, func() (*stripe.BalanceTransaction, error) {
		params := &stripe.BalanceTransactionParams{Params: stripe.Params{Context: ctx}}
		return s.api.BalanceTransactions.Get(txnID, params)
	})
}

func (s *StripeProcessor) GetTransfer(ctx context.Context, transferID string) (*stripe.Transfer, error) {
	return retryFetch(ctx, func() (*stripe.Transfer, error) {
		params := &stripe.TransferParams{Params: stripe.Params{Context: ctx}}
		return s.api.Transfers.Get(transferID, params)
	})
}

func (s *StripeProcessor) GetApplicationFee(ctx context.Context, feeID string) (*stripe.ApplicationFee, error) {
	return retryFetch(ctx, func() (*stripe.ApplicationFee, error) {
		params := &stripe.ApplicationFeeParams{Params: stripe.Params{Context: ctx}}
		params.AddExpand("refunds")
		return s.api.ApplicationFees.Get(feeID, params)
	})
}

func (s *StripeProcessor) GetAccount(ctx context.Context, accountID string) (*stripe.Account, error) {
	return retryFetch(ctx, func() (*stripe.Account, error) {
		params := &stripe.AccountParams{Params: stripe.Params{Context: ctx}}
		return s.api.Accounts.GetByID(accountID, params)
	})
}

// CreateTransfer executes one payout transfer. The idempotency key is the
// payout id, so a crash after submission cannot double-pay when the scheduler
// re-runs; Stripe returns the original transfer instead. Deliberately not
// retried here — a 429 must surface to the scheduler so it can stretch its
// inter-batch delay.
func (s *StripeProcessor) CreateTransfer(ctx context.Context, destination string, amount int64, currency, transferGroup, idempotencyKey string) (*stripe.Transfer, error) {
	params := &stripe.TransferParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(idempotencyKey),
		},
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		Destination:   stripe.String(destination),
		TransferGroup: stripe.String(transferGroup),
	}
	transfer, err := s.api.Transfers.New(params)
	if err != nil {
		if rateErr, ok := IsRateLimit(err); ok {
			return nil, rateErr
		}
		return nil, err
	}
	return transfer, nil
}

// ListRecentTransfers pages through transfers created since the given time,
// used by reconciliation to catch transfers whose local payout row never
// learned its transfer id.
func (s *StripeProcessor) ListRecentTransfers(ctx context.Context, since time.Time, limit int) ([]*stripe.Transfer, error) {
	return retryFetch(ctx, func() ([]*stripe.Transfer, error) {
		params := &stripe.TransferListParams{
			ListParams: stripe.ListParams{Context: ctx, Limit: stripe.Int64(int64(limit))},
			CreatedRange: &stripe.RangeQueryParams{
				GreaterThanOrEqual: since.Unix(),
			},
		}
		var transfers []*stripe.Transfer
		iter := s.api.Transfers.List(params)
		for iter.Next() {
			transfers = append(transfers, iter.Transfer())
			if len(transfers) >= limit {
				break
			}
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		return transfers, nil
	})
}
