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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gatherpay/gatherpay"
	"github.com/gatherpay/gatherpay/config"
	"github.com/gatherpay/gatherpay/database"
	"github.com/gatherpay/gatherpay/internal/notification"
)

// CLI encapsulates the root Cobra command for the gatherpay binary.
type CLI struct {
	cmd *cobra.Command
}

// appInstance holds the service instance and its configuration, shared by all
// subcommands once preRun has initialized them.
type appInstance struct {
	gatherpay *gatherpay.Gatherpay
	cnf       *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and initializes the service before any
// subcommand executes.
func preRun(app *appInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("gatherpay.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newService, err := setupGatherpay(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.gatherpay = newService
		app.cnf = cnf

		return nil
	}
}

// setupGatherpay creates the service instance from the configuration.
func setupGatherpay(cfg *config.Configuration) (*gatherpay.Gatherpay, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newService, err := gatherpay.NewGatherpay(db)
	if err != nil {
		return nil, fmt.Errorf("error creating gatherpay: %v", err)
	}
	return newService, nil
}

// NewCLI builds the command-line interface: the root command plus the server,
// workers and migrate subcommands.
func NewCLI() *CLI {
	var configFile string
	app := &appInstance{}

	var rootCmd = &cobra.Command{
		Use:   "gatherpay",
		Short: "Payment webhook processing and payout scheduling",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./gatherpay.json", "Configuration file for gatherpay")
	rootCmd.PersistentPreRunE = preRun(app)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands())

	return &CLI{cmd: rootCmd}
}

func (w CLI) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
