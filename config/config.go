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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5002"

	// Hard ceiling on scheduler concurrency regardless of configuration.
	MaxSchedulerConcurrency = 10
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Port string `json:"port" envconfig:"GATHERPAY_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"GATHERPAY_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"GATHERPAY_REDIS_DNS"`
}

// StripeConfig carries the processor credentials. WebhookSecrets is an ordered
// rotation list: verification tries each secret in turn, so a new secret can
// be prepended while deliveries signed with the old one are still in flight.
type StripeConfig struct {
	SecretKey             string   `json:"secret_key" envconfig:"GATHERPAY_STRIPE_SECRET_KEY"`
	WebhookSecrets        []string `json:"webhook_secrets" envconfig:"GATHERPAY_STRIPE_WEBHOOK_SECRETS"`
	SignatureToleranceSec int      `json:"signature_tolerance_sec" envconfig:"GATHERPAY_STRIPE_SIGNATURE_TOLERANCE_SEC"`
}

// WebhookConfig tunes the idempotency store.
type WebhookConfig struct {
	MaxRetries int `json:"max_retries" envconfig:"GATHERPAY_WEBHOOK_MAX_RETRIES"`
	LockTTLSec int `json:"lock_ttl_sec" envconfig:"GATHERPAY_WEBHOOK_LOCK_TTL_SEC"`
}

// SchedulerConfig tunes the payout scheduler and reconciliation service.
type SchedulerConfig struct {
	DaysAfterEvent       int     `json:"days_after_event" envconfig:"GATHERPAY_SCHEDULER_DAYS_AFTER_EVENT"`
	MaxEventsPerRun      int     `json:"max_events_per_run" envconfig:"GATHERPAY_SCHEDULER_MAX_EVENTS_PER_RUN"`
	MaxConcurrency       int     `json:"max_concurrency" envconfig:"GATHERPAY_SCHEDULER_MAX_CONCURRENCY"`
	InterBatchDelaySec   int     `json:"inter_batch_delay_sec" envconfig:"GATHERPAY_SCHEDULER_INTER_BATCH_DELAY_SEC"`
	LockTTLSec           int     `json:"lock_ttl_sec" envconfig:"GATHERPAY_SCHEDULER_LOCK_TTL_SEC"`
	HeartbeatIntervalSec int     `json:"heartbeat_interval_sec" envconfig:"GATHERPAY_SCHEDULER_HEARTBEAT_INTERVAL_SEC"`
	StalePayoutMinutes   int     `json:"stale_payout_minutes" envconfig:"GATHERPAY_SCHEDULER_STALE_PAYOUT_MINUTES"`
	PlatformFeePercent   float64 `json:"platform_fee_percent" envconfig:"GATHERPAY_PLATFORM_FEE_PERCENT"`
}

type QueueConfig struct {
	NotificationQueue string `json:"notification_queue" envconfig:"GATHERPAY_QUEUE_NOTIFICATION"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"GATHERPAY_SLACK_WEBHOOK_URL"`
}

type EmailWebhook struct {
	Url     string            `json:"url" envconfig:"GATHERPAY_EMAIL_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
	Email EmailWebhook `json:"email"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"GATHERPAY_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Stripe       StripeConfig     `json:"stripe"`
	Webhook      WebhookConfig    `json:"webhook"`
	Scheduler    SchedulerConfig  `json:"scheduler"`
	Queue        QueueConfig      `json:"queue"`
	Notification Notification     `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("gatherpay", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called gatherpay.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Gatherpay Server"
	}
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}
	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}
	if len(cnf.Stripe.WebhookSecrets) == 0 {
		log.Println("Warning: no webhook secrets configured; signature verification will reject every delivery")
	}

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Stripe.SignatureToleranceSec <= 0 {
		cnf.Stripe.SignatureToleranceSec = 300
	}
	if cnf.Webhook.MaxRetries <= 0 {
		cnf.Webhook.MaxRetries = 5
	}
	if cnf.Webhook.LockTTLSec <= 0 {
		cnf.Webhook.LockTTLSec = 300
	}

	if cnf.Scheduler.DaysAfterEvent <= 0 {
		cnf.Scheduler.DaysAfterEvent = 3
	}
	if cnf.Scheduler.MaxEventsPerRun <= 0 {
		cnf.Scheduler.MaxEventsPerRun = 50
	}
	if cnf.Scheduler.MaxConcurrency <= 0 {
		cnf.Scheduler.MaxConcurrency = 3
	}
	if cnf.Scheduler.MaxConcurrency > MaxSchedulerConcurrency {
		log.Printf("Warning: scheduler max concurrency %d exceeds ceiling, capping at %d", cnf.Scheduler.MaxConcurrency, MaxSchedulerConcurrency)
		cnf.Scheduler.MaxConcurrency = MaxSchedulerConcurrency
	}
	if cnf.Scheduler.InterBatchDelaySec < 1 {
		cnf.Scheduler.InterBatchDelaySec = 1
	}
	if cnf.Scheduler.LockTTLSec <= 0 {
		cnf.Scheduler.LockTTLSec = 1800
	}
	if cnf.Scheduler.HeartbeatIntervalSec <= 0 {
		cnf.Scheduler.HeartbeatIntervalSec = 300
	}
	if cnf.Scheduler.StalePayoutMinutes <= 0 {
		cnf.Scheduler.StalePayoutMinutes = 10
	}
	if cnf.Scheduler.PlatformFeePercent <= 0 {
		cnf.Scheduler.PlatformFeePercent = 5.0
	}

	if cnf.Queue.NotificationQueue == "" {
		cnf.Queue.NotificationQueue = "gatherpay:notifications"
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	err := mockConfig.validateAndAddDefaults()
	if err != nil {
		log.Println(err)
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
