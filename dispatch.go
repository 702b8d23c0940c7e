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
	"encoding/json"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/gatherpay/gatherpay/config"
	redis_db "github.com/gatherpay/gatherpay/internal/redis-db"
	"github.com/gatherpay/gatherpay/internal/request"
)

// Queue wraps the asynq client used for outbound user notifications and
// periodic task scheduling.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// UserNotification is the payload of one outbound participant email, rendered
// and delivered by the mail service behind the configured webhook.
type UserNotification struct {
	UserID    string                 `json:"user_id"`
	EventID   string                 `json:"event_id"`
	PaymentID string                 `json:"payment_id,omitempty"`
	Template  string                 `json:"template"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// DispatchUserNotification enqueues a participant notification. Best effort
// by contract: the webhook handler's success path must never be blocked or
// failed by the notification channel, so all errors are logged and swallowed.
func (g *Gatherpay) DispatchUserNotification(ctx context.Context, n UserNotification) {
	if g.queue == nil || g.queue.Client == nil {
		logrus.Debugf("notification queue not configured, skipping dispatch for user %s", n.UserID)
		return
	}

	cfg, err := config.Fetch()
	if err != nil {
		logrus.Warnf("notification dispatch skipped: %v", err)
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		logrus.Warnf("notification dispatch skipped: %v", err)
		return
	}

	taskOptions := []asynq.Option{asynq.Queue(cfg.Queue.NotificationQueue), asynq.MaxRetry(5)}
	task := asynq.NewTask(cfg.Queue.NotificationQueue, payload, taskOptions...)
	info, err := g.queue.Client.EnqueueContext(ctx, task)
	if err != nil {
		logrus.Warnf("notification enqueue failed for user %s: %v", n.UserID, err)
		return
	}
	log.Printf(" [*] Successfully enqueued notification: %s for user %s", info.ID, n.UserID)
}

// ProcessUserNotification is the asynq worker handler that delivers one
// notification to the mail webhook.
func ProcessUserNotification(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Email.Url == "" {
		return nil
	}

	var payload UserNotification
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		log.Printf("Error unmarshaling notification payload: %v", err)
		return err
	}

	body, err := request.ToJsonReq(&payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", conf.Notification.Email.Url, body)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Email.Headers {
		req.Header.Set(key, value)
	}

	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("Notification delivery failed with status code: %d", resp.StatusCode)
		return nil
	}
	log.Printf("Notification sent for user %s (%s)", payload.UserID, payload.Template)
	return nil
}
