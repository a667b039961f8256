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

// Entry API (C11): the operations external callers — the HTTP transport,
// the CLI, or an embedding program — use to start, resume, and manage
// processes. Every operation here returns as soon as the durable state
// change is committed; actual step execution continues asynchronously on
// whatever Executor the Engine was built with.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// Engine wires together the pieces the Entry API needs: a Runtime (and
// through it a Store and Registry), an Executor to schedule runs on, a
// DistLock for the resume-all coordinator, and a Broadcaster for
// per-process change notifications.
type Engine struct {
	Runtime     *Runtime
	Executor    Executor
	Lock        DistLock
	Broadcaster Broadcaster
	Validator   FormValidator
}

// NewEngine constructs an Engine from its parts. Broadcaster and
// Validator may be nil; a nil Broadcaster disables change notification,
// and a nil Validator skips form validation (every form is accepted).
func NewEngine(rt *Runtime, exec Executor, lock DistLock, broadcaster Broadcaster, validator FormValidator) *Engine {
	return &Engine{Runtime: rt, Executor: exec, Lock: lock, Broadcaster: broadcaster, Validator: validator}
}

// StartProcess validates inputs, persists a new Created process row, and
// schedules it on the executor. Starting during an engine pause is
// explicitly allowed: the row is created and execution deferred, rather
// than rejected, since a human queuing work during a maintenance pause
// is a normal operation.
func (e *Engine) StartProcess(ctx context.Context, workflowKey string, inputs map[string]any, user *User) (uuid.UUID, error) {
	wf, err := e.Runtime.Registry.MustResolve(workflowKey)
	if err != nil {
		return uuid.Nil, err
	}
	if wf.AuthorizeStart != nil && user != nil && !wf.AuthorizeStart(user) {
		return uuid.Nil, &conductorerrors.ForbiddenError{User: user.Name, Operation: "start " + workflowKey}
	}
	if e.Validator != nil && wf.InitialFormSchema != nil {
		if err := e.Validator.Validate(wf.InitialFormSchema, inputs); err != nil {
			return uuid.Nil, formInvalid(err)
		}
	}

	now := time.Now()
	p := &Process{
		ID:             uuid.New(),
		WorkflowKey:    workflowKey,
		WorkflowDigest: wf.Digest(),
		LastStatus:     StatusCreated,
		CreatedBy:      userName(user),
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if err := e.Runtime.Store.CreateProcess(ctx, p); err != nil {
		return uuid.Nil, &conductorerrors.DatabaseError{Op: "create_process", Cause: err}
	}

	if err := e.Executor.Submit(ctx, p.ID, user); err != nil {
		return p.ID, err
	}
	return p.ID, nil
}

// ResumeProcess reloads the process, validates its current status is one
// that may be resumed, applies RBAC (resume_auth for Suspended, retry_auth
// otherwise), merges inputs into the current step's state, and
// reschedules it.
func (e *Engine) ResumeProcess(ctx context.Context, processID uuid.UUID, inputs map[string]any, user *User) error {
	p, err := e.Runtime.Store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	if !p.CanBeResumed() {
		return &conductorerrors.BadStatusError{
			ProcessID: processID.String(),
			Have:      string(p.LastStatus),
			Want:      []string{string(StatusSuspended), string(StatusFailed), string(StatusWaiting), string(StatusAwaitingCallback), string(StatusAPIUnavailable), string(StatusInconsistentData), string(StatusResumed)},
		}
	}

	stat, err := e.Runtime.LoadProcess(ctx, processID)
	if err != nil {
		return err
	}

	if len(stat.RemainingSteps) > 0 && e.Validator != nil && p.LastStatus == StatusSuspended {
		step := stat.RemainingSteps[0]
		if step.FormSchema != nil {
			if err := e.Validator.Validate(step.FormSchema, inputs); err != nil {
				return formInvalid(err)
			}
		}
	}

	merged := stat.State.Unwrap()
	for k, v := range inputs {
		merged[k] = v
	}
	stat.State = Success(merged)

	p.LastStatus = StatusRunning
	p.LastModifiedAt = time.Now()
	if err := e.Runtime.Store.UpdateProcess(ctx, p); err != nil {
		return &conductorerrors.DatabaseError{Op: "resume_process", Cause: err}
	}

	return e.Executor.Submit(ctx, processID, user)
}

// ContinueAwaitingProcess validates the callback token, writes the
// payload under the step's configured callback-result key, overwrites
// the current step row in place, and internally resumes the process.
func (e *Engine) ContinueAwaitingProcess(ctx context.Context, processID uuid.UUID, token string, payload map[string]any) error {
	p, err := e.Runtime.Store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	if p.LastStatus != StatusAwaitingCallback {
		return &conductorerrors.BadStatusError{ProcessID: processID.String(), Have: string(p.LastStatus), Want: []string{string(StatusAwaitingCallback)}}
	}

	last, err := e.Runtime.Store.LastStep(ctx, processID)
	if err != nil {
		return err
	}
	if last == nil {
		return &conductorerrors.BadStatusError{ProcessID: processID.String(), Have: string(p.LastStatus), Want: []string{string(StatusAwaitingCallback)}}
	}
	if want, _ := last.State[KeyCallbackToken].(string); want != token {
		return &conductorerrors.TokenMismatchError{ProcessID: processID.String()}
	}

	resultKey := DefaultCallbackResultKey
	if k, ok := last.State[KeyCallbackResultKey].(string); ok && k != "" {
		resultKey = k
	}

	next := State{}
	for k, v := range last.State {
		next[k] = v
	}
	next[resultKey] = payload
	last.State = next
	if err := e.Runtime.Store.ReplaceLastStep(ctx, last); err != nil {
		return &conductorerrors.DatabaseError{Op: "continue_awaiting_process", Cause: err}
	}

	return e.ResumeProcess(ctx, processID, nil, nil)
}

// UpdateAwaitingProcessProgress writes progress data onto the current
// step's state under its configured progress key, flags that key for
// removal on the next commit, broadcasts the change, and does NOT
// resume the process — it is for incremental status reporting from a
// long-running external system, not for completing the callback.
func (e *Engine) UpdateAwaitingProcessProgress(ctx context.Context, processID uuid.UUID, token string, data map[string]any) error {
	p, err := e.Runtime.Store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	if p.LastStatus != StatusAwaitingCallback {
		return &conductorerrors.BadStatusError{ProcessID: processID.String(), Have: string(p.LastStatus), Want: []string{string(StatusAwaitingCallback)}}
	}

	last, err := e.Runtime.Store.LastStep(ctx, processID)
	if err != nil {
		return err
	}
	if last == nil || func() string { s, _ := last.State[KeyCallbackToken].(string); return s }() != token {
		return &conductorerrors.TokenMismatchError{ProcessID: processID.String()}
	}

	progressKey := DefaultProgressKey
	if k, ok := last.State["__progress_key"].(string); ok && k != "" {
		progressKey = k
	}

	next := State{}
	for k, v := range last.State {
		next[k] = v
	}
	next[progressKey] = data
	next[KeyRemoveKeys] = []string{progressKey}
	last.State = next
	if err := e.Runtime.Store.ReplaceLastStep(ctx, last); err != nil {
		return &conductorerrors.DatabaseError{Op: "update_awaiting_process_progress", Cause: err}
	}

	if e.Broadcaster != nil {
		_ = e.Broadcaster.Publish(ctx, ChangeEvent{ProcessID: processID, Status: p.LastStatus, Step: last.Name})
	}
	return nil
}

// AbortProcess appends a terminal Aborted step without running any
// remaining step body. There is no cross-worker cancellation: a step
// currently executing elsewhere observes the abort only at its next
// boundary.
func (e *Engine) AbortProcess(ctx context.Context, processID uuid.UUID, user *User) error {
	p, err := e.Runtime.Store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}

	row := &ProcessStep{
		ProcessID:  processID,
		Name:       p.LastStep,
		Status:     StatusAborted,
		State:      State{},
		CreatedBy:  userName(user),
		ExecutedAt: []time.Time{time.Now()},
	}
	if err := e.Runtime.Store.AppendStep(ctx, row); err != nil {
		return &conductorerrors.DatabaseError{Op: "abort_process", Cause: err}
	}

	p.LastStatus = StatusAborted
	p.LastModifiedAt = time.Now()
	if err := e.Runtime.Store.UpdateProcess(ctx, p); err != nil {
		return &conductorerrors.DatabaseError{Op: "abort_process", Cause: err}
	}

	if e.Broadcaster != nil {
		_ = e.Broadcaster.Publish(ctx, ChangeEvent{ProcessID: processID, Status: StatusAborted, Step: p.LastStep})
	}
	return nil
}

// DeleteProcess hard-deletes a task process and its step log. Only
// is_task processes may be deleted; the rewrite additionally requires
// last_status != Running, a documented tightening of the source's
// unconditional delete (see Design Notes).
func (e *Engine) DeleteProcess(ctx context.Context, processID uuid.UUID) error {
	p, err := e.Runtime.Store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	if !p.IsTask {
		return &conductorerrors.NotTaskError{ProcessID: processID.String()}
	}
	if p.LastStatus == StatusRunning {
		return &conductorerrors.BadStatusError{ProcessID: processID.String(), Have: string(p.LastStatus), Want: []string{"not running"}}
	}
	if err := e.Runtime.Store.DeleteProcess(ctx, processID); err != nil {
		return &conductorerrors.DatabaseError{Op: "delete_process", Cause: err}
	}
	if e.Broadcaster != nil {
		_ = e.Broadcaster.Publish(ctx, ChangeEvent{ProcessID: processID, Status: StatusAborted})
	}
	return nil
}

// AsyncResumeProcesses resumes every process in plist whose status is
// not already Running or Resumed, serialized cluster-wide by the
// resume-all DistLock with a TTL scaled to the batch size. It returns
// false immediately, without touching any process, if another instance
// already holds the lock.
func (e *Engine) AsyncResumeProcesses(ctx context.Context, plist []uuid.UUID, user *User) (bool, error) {
	ttl := time.Duration(math.Max(30, float64(len(plist))/10)) * time.Second

	ran := false
	err := WithResumeAllLock(ctx, e.Lock, ttl, func(ctx context.Context) error {
		ran = true
		for _, id := range plist {
			p, err := e.Runtime.Store.GetProcess(ctx, id)
			if err != nil {
				continue
			}
			if p.LastStatus == StatusRunning || p.LastStatus == StatusResumed {
				continue
			}
			_ = e.ResumeProcess(ctx, id, nil, user)
		}
		return nil
	})
	if err != nil {
		var inProgress *conductorerrors.ResumeAllInProgressError
		if conductorerrors.As(err, &inProgress) {
			return false, nil
		}
		return false, err
	}
	return ran, nil
}

// MarshallProcesses transitions the engine lock. Turning the lock on
// simply commits the flag, leaving running processes to drain at their
// next boundary. Turning it off commits the flag, then calls
// ResumeProcess on every row still marked Running — the store may
// legitimately contain such rows after a crash, and re-arming them is
// the engine's documented recovery path. On any store anomaly the engine
// locks itself and returns an error rather than leaving settings in an
// unknown state.
func (e *Engine) MarshallProcesses(ctx context.Context, newLock bool) error {
	_, err := e.Runtime.Store.WithLock(ctx, func(s EngineSettings) (EngineSettings, error) {
		s.GlobalLock = newLock
		return s, nil
	})
	if err != nil {
		lockErr := fmt.Errorf("marshall_processes: %w", err)
		_, _ = e.Runtime.Store.WithLock(ctx, func(s EngineSettings) (EngineSettings, error) {
			s.GlobalLock = true
			return s, nil
		})
		return &conductorerrors.DatabaseError{Op: "marshall_processes", Cause: lockErr}
	}

	if newLock {
		return nil
	}

	running, _, err := e.listRunning(ctx)
	if err != nil {
		return &conductorerrors.DatabaseError{Op: "marshall_processes", Cause: err}
	}
	for _, p := range running {
		_ = e.ResumeProcess(ctx, p.ID, nil, nil)
	}
	return nil
}

func (e *Engine) listRunning(ctx context.Context) ([]*Process, int, error) {
	return e.Runtime.Store.ListProcesses(ctx, ProcessFilter{
		Predicates: map[string]string{"last_status": string(StatusRunning)},
	})
}

func userName(user *User) string {
	if user == nil {
		return ""
	}
	return user.Name
}

func formInvalid(err error) error {
	return &conductorerrors.FormInvalidError{Details: map[string]string{"form": err.Error()}}
}
