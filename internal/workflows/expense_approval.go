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

// Package workflows holds the engine.Workflow definitions this binary
// registers by default. Host applications embedding pkg/engine are free
// to register their own instead; nothing in pkg/engine depends on this
// package.
package workflows

import (
	"github.com/tombee/conductor/internal/util"
	"github.com/tombee/conductor/pkg/engine"
)

// expenseApprovalAmountKey/expenseApprovalReasonKey name the fields the
// initial form and the manager-approval resume form collect.
const (
	expenseApprovalAmountKey = "amount"
	expenseApprovalReasonKey = "reason"
)

// RegisterExpenseApproval registers a three-step demonstration workflow:
// submit, a manager-approval suspend point gated to the "manager" role,
// and a terminal disbursement step. It exists so the shipped binary has
// at least one runnable process definition out of the box.
func RegisterExpenseApproval(registry *engine.Registry) {
	managerOnly := func(user *engine.User) bool {
		if user == nil {
			return false
		}
		return util.Contains(user.Roles, "manager")
	}

	steps := []engine.Step{
		{
			Name: "submit",
			Run: func(state engine.State) engine.ControlSignal {
				return engine.Success(state)
			},
		},
		{
			Name:     "manager_approval",
			Assignee: "manager",
			FormSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"approved": map[string]any{"type": "boolean"},
				},
				"required": []any{"approved"},
			},
			ResumeAuth: managerOnly,
			RetryAuth:  managerOnly,
			Run: func(state engine.State) engine.ControlSignal {
				approved, _ := state["approved"].(bool)
				if !approved {
					return engine.Failed(engine.FailureDetail{Message: "expense rejected by manager"})
				}
				return engine.Success(state)
			},
		},
		{
			Name: "disburse",
			Run: func(state engine.State) engine.ControlSignal {
				return engine.Complete(state)
			},
		},
	}

	registry.Register("expense_approval", &engine.Workflow{
		Name:        "expense_approval",
		Target:      engine.TargetCreate,
		Description: "Three-step expense reimbursement: submit, manager approval, disbursement.",
		InitialFormSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				expenseApprovalAmountKey: map[string]any{"type": "number"},
				expenseApprovalReasonKey: map[string]any{"type": "string"},
			},
			"required": []any{expenseApprovalAmountKey},
		},
		Steps: steps,
	})
}
