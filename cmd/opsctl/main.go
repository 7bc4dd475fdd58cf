// Copyright 2025 OpsConductor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command opsctl is the operator's CLI against a running opsconductord's
// run-control HTTP surface (spec §6): job lifecycle management and run
// submission/inspection/cancellation.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/opsconductor/core/internal/cliutil"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	serverAddr string
	authToken  string
	jsonOutput bool
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "opsctl",
		Short:         "opsctl controls a running opsconductord instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&serverAddr, "server", envOr("OPSCTL_SERVER", "http://localhost:8080"), "opsconductord run-control API address")
	cmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("OPSCTL_TOKEN"), "bearer token for authentication")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output raw JSON instead of formatted text")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *cliutil.Client {
	return cliutil.NewClient(serverAddr, authToken)
}

func main() {
	root := newRootCommand()
	root.AddCommand(newJobCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		cliutil.HandleExitError(err)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print opsctl version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("opsctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
