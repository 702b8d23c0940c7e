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

	"go.opentelemetry.io/otel"

	"github.com/gatherpay/gatherpay/config"
	"github.com/gatherpay/gatherpay/database"
	"github.com/gatherpay/gatherpay/internal/cache"
	"github.com/gatherpay/gatherpay/model"
)

var tracer = otel.Tracer("gatherpay")

// Gatherpay is the main struct wiring the payment core together: the
// datasource, the processor client, the outbound notification queue, and the
// short-TTL cache the scheduler uses for account capability lookups.
type Gatherpay struct {
	datasource database.IDataSource
	processor  ProcessorClient
	queue      *Queue
	cache      cache.Cache
}

// NewGatherpay initializes the service from the loaded configuration.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
//
// Returns:
// - *Gatherpay: A pointer to the newly created instance.
// - error: An error if any of the initialization steps fail.
func NewGatherpay(db database.IDataSource) (*Gatherpay, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	newCache, err := cache.NewCache(configuration.Redis.Dns)
	if err != nil {
		return nil, err
	}

	return &Gatherpay{
		datasource: db,
		processor:  NewStripeProcessor(configuration.Stripe.SecretKey),
		queue:      NewQueue(configuration),
		cache:      newCache,
	}, nil
}

// GetWebhookEvent returns one idempotency record.
func (g *Gatherpay) GetWebhookEvent(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	return g.datasource.GetWebhookEvent(ctx, eventID)
}

// GetDeadWebhookEvents pages through dead-lettered events for operator review.
func (g *Gatherpay) GetDeadWebhookEvents(ctx context.Context, limit, offset int) ([]model.WebhookEvent, error) {
	return g.datasource.GetDeadWebhookEvents(ctx, limit, offset)
}

// GetPayout returns one payout row.
func (g *Gatherpay) GetPayout(ctx context.Context, payoutID string) (*model.Payout, error) {
	return g.datasource.GetPayoutByID(ctx, payoutID)
}
