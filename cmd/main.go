/*
Copyright 2024 Blnk Finance Authors.

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

	"github.com/fhirtransfer/outbound"
	"github.com/fhirtransfer/outbound/config"
	"github.com/fhirtransfer/outbound/database"
	"github.com/fhirtransfer/outbound/internal/notification"
)

// Transfer is the CLI application, wrapping the root Cobra command.
type Transfer struct {
	cmd *cobra.Command
}

// outboundInstance holds the runtime Outbound and the configuration it was built from.
type outboundInstance struct {
	outbound *outbound.Outbound
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the Outbound instance before any command runs.
func preRun(app *outboundInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		// Migrations and config printing only need the configuration.
		if cmd.Name() == "config" || (cmd.Parent() != nil && cmd.Parent().Name() == "migrate") {
			app.cnf = cnf
			return nil
		}

		newOutbound, err := setupOutbound(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.outbound = newOutbound
		app.cnf = cnf
		return nil
	}
}

func setupOutbound(cfg *config.Configuration) (*outbound.Outbound, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newOutbound, err := outbound.NewOutbound(db)
	if err != nil {
		return nil, fmt.Errorf("error creating outbound transfer service: %v", err)
	}
	return newOutbound, nil
}

func NewCLI() *Transfer {
	var configFile string
	app := &outboundInstance{}

	var rootCmd = &cobra.Command{
		Use:   "transfer",
		Short: "Outbound patient record transfers",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./transfer.json", "Configuration file for the outbound transfer service")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands())

	return &Transfer{cmd: rootCmd}
}

func (t Transfer) executeCLI() {
	if err := t.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
