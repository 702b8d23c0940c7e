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
	"log"

	"github.com/spf13/cobra"

	"github.com/gatherpay/gatherpay/config"
	"github.com/gatherpay/gatherpay/database"
)

// migrateCommands defines the "migrate" command, which creates or updates the
// database schema.
func migrateCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply the gatherpay database schema",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Fetch()
			if err != nil {
				log.Fatal(err)
			}

			db, err := database.GetDBConnection(cfg)
			if err != nil {
				log.Fatalf("error getting datasource: %v", err)
			}

			if err := database.EnsureSchema(db.Conn); err != nil {
				log.Fatalf("error applying schema: %v", err)
			}
			log.Println("database schema is up to date")
		},
	}

	return cmd
}
