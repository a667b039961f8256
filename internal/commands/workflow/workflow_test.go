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

package workflow

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCommand_HasListAndDescribeSubcommands(t *testing.T) {
	cmd := NewCommand()

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["list"])
	require.True(t, names["describe"])
}

func TestWorkflowList_PrintsRegisteredKeys(t *testing.T) {
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"list"})

	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "expense_approval")
}

func TestWorkflowDescribe_PrintsStepsForKnownWorkflow(t *testing.T) {
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"describe", "expense_approval"})

	require.NoError(t, cmd.Execute())
	output := out.String()
	require.Contains(t, output, "expense_approval")
	require.Contains(t, output, "submit")
	require.Contains(t, output, "manager_approval")
	require.Contains(t, output, "disburse")
}

func TestWorkflowDescribe_UnknownWorkflowErrors(t *testing.T) {
	cmd := NewCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"describe", "does_not_exist"})

	require.Error(t, cmd.Execute())
}

func TestWorkflowDescribe_RequiresExactlyOneArg(t *testing.T) {
	cmd := NewCommand()
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"describe"})

	require.Error(t, cmd.Execute())
}
