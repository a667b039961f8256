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

// Package serve implements `conductor serve`, the foreground server
// command that boots the Controller and blocks until shutdown.
package serve

import (
	"github.com/spf13/cobra"

	"github.com/tombee/conductor/internal/commands/shared"
	"github.com/tombee/conductor/internal/controller"
	"github.com/tombee/conductor/internal/workflows"
	"github.com/tombee/conductor/pkg/engine"
)

// NewCommand creates the `conductor serve` command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the process orchestration engine",
		Long: `serve starts the controller: it loads configuration, builds the
process store, distributed lock, broadcast bus, and executor the
configuration selects, resumes any processes a prior crash left
Running, and serves the process API over HTTP until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := engine.NewRegistry()
			workflows.RegisterExpenseApproval(registry)

			return controller.Run(controller.RunOptions{
				ConfigPath: shared.GetConfigPath(),
				Registry:   registry,
			})
		},
	}
}
