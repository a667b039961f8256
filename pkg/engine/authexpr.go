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

package engine

import (
	"github.com/tombee/conductor/pkg/engine/expression"
)

// ExprAuthPredicate compiles a boolean expr-lang expression against a
// User into an AuthPredicate, letting workflow authors write
// `authorize_start`/`resume_auth`/`retry_auth` rules (e.g.
// `"admin" in user.roles`) as data instead of Go closures. A
// compile or evaluation failure is treated as a denial: an
// unauthorizable predicate must never fail open.
func ExprAuthPredicate(eval *expression.Evaluator, expr string) AuthPredicate {
	return func(user *User) bool {
		if user == nil {
			return false
		}
		ok, err := eval.Evaluate(expr, map[string]any{
			"user": map[string]any{
				"name":  user.Name,
				"roles": user.Roles,
			},
		})
		if err != nil {
			return false
		}
		return ok
	}
}

// ExprFilterPredicate compiles an expr-lang expression against a
// Process's field values, letting the list endpoint's `filter=` query
// parameter support more than exact-match equality when a store
// implementation chooses to delegate to it instead of its own
// predicate matcher.
func ExprFilterPredicate(eval *expression.Evaluator, expr string, p *Process) (bool, error) {
	return eval.Evaluate(expr, map[string]any{
		"process": map[string]any{
			"id":           p.ID.String(),
			"workflow_key": p.WorkflowKey,
			"last_status":  string(p.LastStatus),
			"assignee":     p.Assignee,
			"is_task":      p.IsTask,
		},
	})
}
