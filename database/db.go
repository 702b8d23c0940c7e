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
	"database/sql"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/gatherpay/gatherpay/config"
)

var instance *Datasource
var once sync.Once

// Datasource wraps the Postgres connection used by every repository method.
type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	err = EnsureSchema(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates every table this service owns. Idempotent; also used by
// the migrate command.
func EnsureSchema(db *sql.DB) error {
	for _, create := range []func(*sql.DB) error{
		createEventsTable,
		createPaymentsTable,
		createWebhookEventsTable,
		createPayoutsTable,
		createSchedulerLockTable,
		createSchedulerLogsTable,
		createSettlementSnapshotsTable,
	} {
		if err := create(db); err != nil {
			return err
		}
	}
	return nil
}

func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// createWebhookEventsTable creates the idempotency ledger. event_id carries
// the processor-assigned id and is the uniqueness anchor for the claim
// protocol.
func createWebhookEventsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS webhook_events (
			id SERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processed', 'failed', 'dead')),
			retry_count INT NOT NULL DEFAULT 0,
			locked BOOLEAN NOT NULL DEFAULT FALSE,
			locked_at TIMESTAMP,
			processing_result JSONB,
			object_id TEXT,
			account_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMP,
			last_retry_at TIMESTAMP
		)
	`)
	if err != nil {
		log.Printf("Error creating webhook_events table: %v", err)
	}
	return err
}

// createEventsTable holds the minimal event fields this subsystem reads.
// Event CRUD itself lives upstream.
func createEventsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id SERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			organizer_user_id TEXT NOT NULL,
			stripe_account_id TEXT,
			currency TEXT NOT NULL DEFAULT 'usd',
			ends_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating events table: %v", err)
	}
	return err
}

func createPaymentsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS payments (
			id SERIAL PRIMARY KEY,
			payment_id TEXT NOT NULL UNIQUE,
			event_id TEXT NOT NULL REFERENCES events(event_id),
			user_id TEXT NOT NULL,
			method TEXT,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'usd',
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'failed', 'paid', 'received', 'waived', 'canceled', 'refunded')),
			stripe_payment_intent_id TEXT,
			stripe_session_id TEXT,
			stripe_charge_id TEXT,
			stripe_transfer_id TEXT,
			stripe_application_fee_id TEXT,
			stripe_fee_amount BIGINT NOT NULL DEFAULT 0,
			net_amount BIGINT NOT NULL DEFAULT 0,
			refunded_amount BIGINT NOT NULL DEFAULT 0,
			application_fee_refunded_amount BIGINT NOT NULL DEFAULT 0,
			dispute_id TEXT,
			failure_code TEXT,
			failure_message TEXT,
			version INT NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			meta_data JSONB
		)
	`)
	if err != nil {
		log.Printf("Error creating payments table: %v", err)
	}
	return err
}

func createPayoutsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS payouts (
			id SERIAL PRIMARY KEY,
			payout_id TEXT NOT NULL UNIQUE,
			event_id TEXT NOT NULL REFERENCES events(event_id),
			user_id TEXT NOT NULL,
			destination_account_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'processing_error')),
			net_payout_amount BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'usd',
			stripe_transfer_id TEXT,
			notes TEXT,
			processed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating payouts table: %v", err)
	}
	return err
}

// createSchedulerLockTable creates the single-row-per-name advisory lock.
func createSchedulerLockTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduler_locks (
			name TEXT PRIMARY KEY,
			process_id TEXT NOT NULL,
			locked_until TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		log.Printf("Error creating scheduler_locks table: %v", err)
	}
	return err
}

func createSchedulerLogsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS payout_scheduler_logs (
			id SERIAL PRIMARY KEY,
			execution_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			eligible_count INT NOT NULL DEFAULT 0,
			processed_count INT NOT NULL DEFAULT 0,
			failed_count INT NOT NULL DEFAULT 0,
			skipped_count INT NOT NULL DEFAULT 0,
			results JSONB,
			error TEXT,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)
	`)
	if err != nil {
		log.Printf("Error creating payout_scheduler_logs table: %v", err)
	}
	return err
}

func createSettlementSnapshotsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settlement_snapshots (
			id SERIAL PRIMARY KEY,
			snapshot_id TEXT NOT NULL UNIQUE,
			event_id TEXT NOT NULL UNIQUE REFERENCES events(event_id),
			currency TEXT NOT NULL DEFAULT 'usd',
			gross_sales BIGINT NOT NULL DEFAULT 0,
			stripe_fees BIGINT NOT NULL DEFAULT 0,
			platform_fees BIGINT NOT NULL DEFAULT 0,
			refunded_amount BIGINT NOT NULL DEFAULT 0,
			disputed_count INT NOT NULL DEFAULT 0,
			net_revenue BIGINT NOT NULL DEFAULT 0,
			paid_count INT NOT NULL DEFAULT 0,
			refunded_count INT NOT NULL DEFAULT 0,
			waived_count INT NOT NULL DEFAULT 0,
			generated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating settlement_snapshots table: %v", err)
	}
	return err
}
