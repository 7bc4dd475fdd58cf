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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opsconductor/core/internal/cliutil"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit and inspect job runs",
	}
	cmd.AddCommand(newRunCreateCommand())
	cmd.AddCommand(newRunGetCommand())
	cmd.AddCommand(newRunListCommand())
	cmd.AddCommand(newRunCancelCommand())
	return cmd
}

func newRunCreateCommand() *cobra.Command {
	var (
		params     []string
		paramsFile string
		priority   string
	)
	cmd := &cobra.Command{
		Use:   "create <job-id>",
		Short: "Submit a new run of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters, err := resolveRunParameters(params, paramsFile)
			if err != nil {
				return err
			}
			runID, correlationID, status, err := newClient().CreateRun(cmd.Context(), cliutil.CreateRunRequest{
				JobID:      args[0],
				Parameters: parameters,
				Priority:   priority,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, map[string]string{
					"run_id":         runID,
					"correlation_id": correlationID,
					"status":         status,
				})
			}
			cmd.Printf("%s run %s submitted (%s)\n", cliutil.RenderOK("queued"), cliutil.Bold.Render(runID), correlationID)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&params, "param", nil, "a key=value run parameter, repeatable")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "path to a JSON file of run parameters")
	cmd.Flags().StringVar(&priority, "priority", "", "run priority (e.g. normal, high)")
	return cmd
}

// resolveRunParameters merges --params-file with --param overrides, the
// latter taking precedence since they are the more specific, most recently
// stated intent on the command line.
func resolveRunParameters(params []string, file string) (map[string]interface{}, error) {
	parameters := map[string]interface{}{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, cliutil.NewUsageError(fmt.Sprintf("read params file: %v", err))
		}
		if err := json.Unmarshal(data, &parameters); err != nil {
			return nil, cliutil.NewUsageError(fmt.Sprintf("parse params file: %v", err))
		}
	}
	for _, kv := range params {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, cliutil.NewUsageError(fmt.Sprintf("invalid --param %q, expected key=value", kv))
		}
		parameters[key] = value
	}
	if len(parameters) == 0 {
		return nil, nil
	}
	return parameters, nil
}

func newRunGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run's status and step outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, status)
			}
			printRunStatus(cmd, status)
			return nil
		},
	}
}

func printRunStatus(cmd *cobra.Command, status *cliutil.RunStatus) {
	run := status.Run
	cmd.Printf("%s  %s\n", cliutil.Bold.Render(run.ID), cliutil.Muted.Render(run.CorrelationID))
	cmd.Printf("  job:      %s (v%d)\n", run.JobID, run.JobVersion)
	cmd.Printf("  status:   %s\n", cliutil.RunStatusStyle(run.Status))
	cmd.Printf("  worker:   %s\n", run.WorkerHost)
	if run.ErrorMessage != "" {
		cmd.Printf("  error:    %s\n", cliutil.RenderError(run.ErrorMessage))
	}
	if len(status.Steps) == 0 {
		return
	}
	cmd.Println()
	cmd.Printf("  %-4s  %-24s  %-24s  %-10s  %s\n", "#", "TYPE", "TARGET", "STATUS", "EXIT")
	for _, step := range status.Steps {
		cmd.Printf("  %-4d  %-24s  %-24s  %-10s  %d\n", step.Index, step.Type, step.TargetID, cliutil.RunStatusStyle(step.Status), step.ExitCode)
	}
}

func newRunListCommand() *cobra.Command {
	var jobID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := newClient().ListRuns(cmd.Context(), jobID, status)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, runs)
			}
			if len(runs) == 0 {
				cmd.Println(cliutil.Muted.Render("no runs found"))
				return nil
			}
			cmd.Printf("%-36s  %-36s  %-12s  %s\n", "ID", "JOB ID", "STATUS", "CORRELATION ID")
			for _, r := range runs {
				cmd.Printf("%-36s  %-36s  %-12s  %s\n", r.ID, r.JobID, cliutil.RunStatusStyle(r.Status), r.CorrelationID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "filter by job id")
	cmd.Flags().StringVar(&status, "status", "", "filter by run status")
	return cmd
}

func newRunCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := newClient().CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("%s run %s is now %s\n", cliutil.RenderOK("canceled"), cliutil.Bold.Render(run.ID), cliutil.RunStatusStyle(run.Status))
			return nil
		},
	}
}
