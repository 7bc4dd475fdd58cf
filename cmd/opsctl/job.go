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

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/opsconductor/core/internal/cliutil"
)

func newJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage job definitions",
	}
	cmd.AddCommand(newJobCreateCommand())
	cmd.AddCommand(newJobUpdateCommand())
	cmd.AddCommand(newJobGetCommand())
	cmd.AddCommand(newJobListCommand())
	cmd.AddCommand(newJobDeleteCommand())
	cmd.AddCommand(newJobExportCommand())
	cmd.AddCommand(newJobImportCommand())
	return cmd
}

func newJobCreateCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new job from a definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			definition, err := loadOrPromptDefinition(file)
			if err != nil {
				return err
			}
			job, err := newClient().CreateJob(cmd.Context(), definition)
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a job definition JSON file (omit to enter the name interactively)")
	return cmd
}

// loadOrPromptDefinition reads the definition from file, or — for the
// common case of naming a job interactively before editing its graph by
// hand — prompts for just the name and emits a minimal skeleton
// definition at version 1. Non-interactive contexts without --file are a
// usage error rather than a silent empty prompt.
func loadOrPromptDefinition(file string) (json.RawMessage, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, cliutil.NewUsageError(fmt.Sprintf("read definition file: %v", err))
		}
		return data, nil
	}

	if cliutil.IsNonInteractive() {
		return nil, cliutil.NewUsageError("--file is required in a non-interactive context")
	}

	var name string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Job name").
				Description("A unique, human-assigned identity for this job").
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("name must not be empty")
					}
					return nil
				}).
				Value(&name),
		),
	)
	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			os.Exit(130)
		}
		return nil, fmt.Errorf("form cancelled: %w", err)
	}

	skeleton := map[string]interface{}{
		"name":    name,
		"version": 1,
		"nodes":   []interface{}{},
		"edges":   []interface{}{},
	}
	return json.Marshal(skeleton)
}

func newJobUpdateCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update <job-id>",
		Short: "Update a job to a new version from a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return cliutil.NewUsageError("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return cliutil.NewUsageError(fmt.Sprintf("read definition file: %v", err))
			}
			job, err := newClient().UpdateJob(cmd.Context(), args[0], data)
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the updated job definition JSON file")
	return cmd
}

func newJobGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job's identity and current version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := newClient().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
}

func newJobListCommand() *cobra.Command {
	var includeInactive bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := newClient().ListJobs(cmd.Context(), includeInactive)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, jobs)
			}
			if len(jobs) == 0 {
				cmd.Println(cliutil.Muted.Render("no jobs found"))
				return nil
			}
			cmd.Printf("%-36s  %-24s  %-8s  %s\n", "ID", "NAME", "VERSION", "ACTIVE")
			for _, j := range jobs {
				active := cliutil.RenderOK("yes")
				if !j.IsActive {
					active = cliutil.RenderWarn("no")
				}
				cmd.Printf("%-36s  %-24s  %-8d  %s\n", j.ID, j.Name, j.Version, active)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeInactive, "include-inactive", false, "include deactivated jobs")
	return cmd
}

func newJobDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Deactivate a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Println(cliutil.RenderOK("job " + args[0] + " deactivated"))
			return nil
		},
	}
}

func newJobExportCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every active job's definition as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := newClient().ExportJobs(cmd.Context())
			if err != nil {
				return err
			}
			pretty, err := json.MarshalIndent(json.RawMessage(raw), "", "  ")
			if err != nil {
				pretty = raw
			}
			if out == "" {
				cmd.Println(string(pretty))
				return nil
			}
			return os.WriteFile(out, pretty, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the export to this file instead of stdout")
	return cmd
}

func newJobImportCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import jobs from a previously exported JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return cliutil.NewUsageError("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return cliutil.NewUsageError(fmt.Sprintf("read import file: %v", err))
			}
			jobs, err := newClient().ImportJobs(cmd.Context(), data)
			if err != nil {
				return err
			}
			cmd.Println(cliutil.RenderOK(fmt.Sprintf("imported %d job(s)", len(jobs))))
			for _, j := range jobs {
				cmd.Printf("  %s  %s  v%d\n", j.ID, j.Name, j.Version)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to an exported jobs JSON file")
	return cmd
}

func printJob(cmd *cobra.Command, job *cliutil.Job) {
	if jsonOutput {
		printJSON(cmd, job)
		return
	}
	cmd.Printf("%s  %s\n", cliutil.Bold.Render(job.Name), cliutil.Muted.Render(job.ID))
	cmd.Printf("  version: %d\n", job.Version)
	active := cliutil.RenderOK("active")
	if !job.IsActive {
		active = cliutil.RenderWarn("inactive")
	}
	cmd.Printf("  status:  %s\n", active)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
