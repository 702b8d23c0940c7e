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

package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gatherpay/gatherpay"
	"github.com/gatherpay/gatherpay/config"
	redis_db "github.com/gatherpay/gatherpay/internal/redis-db"
)

// Task types for the periodic jobs the worker process runs on top of the
// notification queue.
const (
	taskPayoutRun         = "payout:run"
	taskReconciliationRun = "reconciliation:run"
)

// runPayoutTask executes one scheduled payout run. The run's own database
// lock keeps overlapping deliveries of this task harmless: a second worker
// simply records a skipped run.
func (app *appInstance) runPayoutTask(ctx context.Context, _ *asynq.Task) error {
	runLog, err := app.gatherpay.RunPayoutScheduler(ctx, false)
	if err != nil {
		logrus.Errorf("scheduled payout run failed: %v", err)
		return err
	}
	log.Printf(" [*] Payout run %s finished: %s", runLog.ExecutionID, runLog.Status)
	return nil
}

// runReconciliationTask executes one scheduled convergence pass over stuck
// payouts.
func (app *appInstance) runReconciliationTask(ctx context.Context, _ *asynq.Task) error {
	report, err := app.gatherpay.ReconcileStuckPayouts(ctx)
	if err != nil {
		logrus.Errorf("scheduled reconciliation failed: %v", err)
		return err
	}
	log.Printf(" [*] Reconciliation checked %d payouts (%d completed, %d failed)",
		report.Checked, report.Completed, report.Failed)
	return nil
}

func initializeQueues(conf *config.Configuration) map[string]int {
	queues := make(map[string]int)
	queues[conf.Queue.NotificationQueue] = 3
	queues["default"] = 1
	return queues
}

func redisClientOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %v", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	opt, err := redisClientOpt(conf)
	if err != nil {
		return nil, err
	}

	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 5,
		Queues:      queues,
	}), nil
}

// initializePeriodicScheduler registers the recurring payout and
// reconciliation tasks. Cadence: payouts daily, reconciliation hourly.
func initializePeriodicScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	opt, err := redisClientOpt(conf)
	if err != nil {
		return nil, err
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{})
	if _, err := scheduler.Register("@daily", asynq.NewTask(taskPayoutRun, nil)); err != nil {
		return nil, err
	}
	if _, err := scheduler.Register("@every 1h", asynq.NewTask(taskReconciliationRun, nil)); err != nil {
		return nil, err
	}
	return scheduler, nil
}

func initializeTaskHandlers(app *appInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(app.cnf.Queue.NotificationQueue, gatherpay.ProcessUserNotification)
	mux.HandleFunc(taskPayoutRun, app.runPayoutTask)
	mux.HandleFunc(taskReconciliationRun, app.runReconciliationTask)
}

// workerCommands defines the "workers" command: the asynq server draining the
// notification queue plus the periodic payout and reconciliation tasks.
func workerCommands(app *appInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start gatherpay workers",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues(conf)

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(app, mux)

			scheduler, err := initializePeriodicScheduler(conf)
			if err != nil {
				log.Fatal(err)
			}
			go func() {
				if err := scheduler.Run(); err != nil {
					log.Fatalf("could not run periodic scheduler: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
