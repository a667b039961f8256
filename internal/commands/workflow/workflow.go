// Copyright 2025 Tom Barlow
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

// Package workflow implements `conductor workflow list/describe`,
// read-only introspection over the engine's registered workflows.
package workflow

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tombee/conductor/internal/commands/shared"
	"github.com/tombee/conductor/internal/workflows"
	"github.com/tombee/conductor/pkg/engine"
)

func registry() *engine.Registry {
	r := engine.NewRegistry()
	workflows.RegisterExpenseApproval(r)
	return r
}

// NewCommand builds the `conductor workflow` command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect registered process definitions",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDescribeCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workflow keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := registry().Keys()
			sort.Strings(keys)

			if shared.GetJSON() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(keys)
			}
			for _, key := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
}

func newDescribeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <workflow_key>",
		Short: "Show a workflow's steps and forms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := registry().MustResolve(args[0])
			if err != nil {
				return err
			}

			stepNames := make([]string, len(wf.Steps))
			for i, s := range wf.Steps {
				stepNames[i] = s.Name
			}

			if shared.GetJSON() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"name":        wf.Name,
					"target":      wf.Target,
					"description": wf.Description,
					"steps":       stepNames,
					"digest":      wf.Digest(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n%s\n\nsteps:\n", wf.Name, wf.Target, wf.Description)
			for _, name := range stepNames {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", name)
			}
			return nil
		},
	}
}
