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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// Runtime drives a single process through its workflow's steps. It owns no
// goroutines itself — Executor implementations (the in-process threadpool
// and the queue-worker flavor) call RunStep/RunToBlock on whatever
// goroutine or worker they schedule — so Runtime stays trivially testable
// without a running executor.
type Runtime struct {
	Store       Store
	Registry    *Registry
	Broadcaster Broadcaster
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewRuntime builds a Runtime with the teacher's default-to-slog.Default
// convention and a real wall clock. broadcaster may be nil, disabling
// the per-step change notification RunStep otherwise emits.
func NewRuntime(store Store, registry *Registry, broadcaster Broadcaster, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{Store: store, Registry: registry, Broadcaster: broadcaster, Logger: logger, Now: time.Now}
}

// LoadProcess reconstructs a ProcessStat for resumption: it loads the
// Process row, resolves its workflow, verifies the digest still matches
// (the workflow's step shape must not have changed under an in-flight
// process), and determines which steps remain given the persisted step
// log's high-water mark.
func (rt *Runtime) LoadProcess(ctx context.Context, id uuid.UUID) (*ProcessStat, error) {
	p, err := rt.Store.GetProcess(ctx, id)
	if err != nil {
		return nil, err
	}

	wf, err := rt.Registry.Get(p.WorkflowKey)
	if err != nil {
		return nil, err
	}
	if wf.IsRemoved() {
		return nil, &conductorerrors.WorkflowGoneError{Key: p.WorkflowKey}
	}
	if p.WorkflowDigest != "" && p.WorkflowDigest != wf.Digest() {
		return nil, &conductorerrors.WorkflowDigestMismatchError{ProcessID: p.ID.String(), Key: p.WorkflowKey}
	}

	steps, err := rt.Store.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}

	idx := stepIndexAfter(wf, steps)
	remaining := wf.Steps[idx:]

	last, err := rt.Store.LastStep(ctx, id)
	if err != nil {
		return nil, err
	}
	var sig ControlSignal
	if last != nil {
		sig = resumeSignal(last)
	} else {
		sig = Success(State{})
	}

	return &ProcessStat{
		ProcessID:      id,
		Workflow:       wf,
		State:          sig,
		RemainingSteps: remaining,
	}, nil
}

// stepIndexAfter finds how many of the workflow's leading steps have
// already persisted a step row, so resumption starts at the first step
// without a committed success/skip row.
func stepIndexAfter(wf *Workflow, steps []*ProcessStep) int {
	done := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Status == StatusSuccess || s.Status == StatusSkip || s.Status == StatusCompleted {
			done[s.Name] = true
		}
	}
	idx := 0
	for i, step := range wf.Steps {
		if !done[step.Name] {
			idx = i
			break
		}
		idx = i + 1
	}
	return idx
}

// resumeSignal reconstructs the ControlSignal a persisted step row
// implies, so the runtime can decide what a retry/resume should feed
// into the next step run the same way a freshly-produced signal would.
func resumeSignal(last *ProcessStep) ControlSignal {
	switch last.Status {
	case StatusSuccess:
		return Success(last.State)
	case StatusSkip:
		return Skip(last.State)
	case StatusSuspended:
		return Suspend(last.State)
	case StatusWaiting:
		return Waiting(last.State)
	case StatusAwaitingCallback:
		return AwaitingCallback(last.State)
	case StatusAborted:
		return Abort(last.State)
	case StatusCompleted:
		return Complete(last.State)
	default:
		return Failed(FailureDetail{Class: "Unknown", Message: string(last.Status)})
	}
}

// RunStep executes exactly one step of stat.RemainingSteps[0] against the
// process's current state and persists the resulting ProcessStep row,
// applying retry compaction: a row is merged into the previous one in
// place when (name, status, error-class, error-message) match and the
// previous row's status was not a terminal success/skip, rather than
// appended as a new row. This mirrors the original's safe_logstep, which
// exists to keep a process stuck retrying the same failing step from
// growing its log unboundedly.
func (rt *Runtime) RunStep(ctx context.Context, stat *ProcessStat, user *User) (ControlSignal, error) {
	if len(stat.RemainingSteps) == 0 {
		return Complete(stat.State.Unwrap()), nil
	}
	step := stat.RemainingSteps[0]

	if err := rt.authorizeStep(step, stat, user); err != nil {
		return ControlSignal{}, err
	}

	in := stat.State.Unwrap()
	sig := rt.safeCall(step, in)

	isLast := len(stat.RemainingSteps) == 1 && sig.IsContinuable()
	status := sig.OverallStatus(isLast)

	row, err := rt.buildStepRow(stat.ProcessID, step, sig, status)
	if err != nil {
		return ControlSignal{}, err
	}

	if err := rt.persistStep(ctx, stat.ProcessID, row); err != nil {
		return ControlSignal{}, err
	}

	if err := rt.updateProcessSummary(ctx, stat.ProcessID, step, sig, status); err != nil {
		return ControlSignal{}, err
	}

	if rt.Broadcaster != nil {
		_ = rt.Broadcaster.Publish(ctx, ChangeEvent{ProcessID: stat.ProcessID, Status: status, Step: row.Name})
	}

	return sig, nil
}

// authorizeStep applies RetryAuth for a process resuming from a
// previously-blocking step, and ResumeAuth specifically for Suspend. A
// nil user is treated as already-authorized: the caller is the runtime
// itself (e.g. the distributed queue worker), not an HTTP-originated
// human action.
//
// Per the documented RBAC fallback chain, a step that does not itself
// expose the relevant predicate defers to the nearest already-executed
// step that does, walking backward through the workflow; if none of the
// preceding steps expose one either, the workflow's own AuthorizeRetry
// is the last resort.
func (rt *Runtime) authorizeStep(step Step, stat *ProcessStat, user *User) error {
	if user == nil {
		return nil
	}
	var field func(Step) AuthPredicate
	switch {
	case stat.State.IsSuspend():
		field = func(s Step) AuthPredicate { return s.ResumeAuth }
	case stat.State.IsFailed(), stat.State.IsWaiting(), stat.State.IsAwaitingCallback():
		field = func(s Step) AuthPredicate { return s.RetryAuth }
	default:
		return nil
	}

	pred := rt.resolveAuthPredicate(stat.Workflow, step, field)
	if pred != nil && !pred(user) {
		return &conductorerrors.ForbiddenError{User: user.Name, Operation: "resume " + step.Name}
	}
	return nil
}

// resolveAuthPredicate implements the fallback chain: step's own
// predicate first, then the nearest preceding step's, then the
// workflow-level AuthorizeRetry. A nil result means "always allowed".
func (rt *Runtime) resolveAuthPredicate(wf *Workflow, step Step, field func(Step) AuthPredicate) AuthPredicate {
	if pred := field(step); pred != nil {
		return pred
	}
	for i := stepIndex(wf, step.Name) - 1; i >= 0; i-- {
		if pred := field(wf.Steps[i]); pred != nil {
			return pred
		}
	}
	return wf.AuthorizeRetry
}

// stepIndex returns the position of the step named name within wf.Steps,
// or -1 if not found.
func stepIndex(wf *Workflow, name string) int {
	for i, s := range wf.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// safeCall invokes the step function, converting a panic into a Failed
// signal rather than letting it escape: a step body crashing must not
// take the whole worker down, since many other processes share the
// same in-process threadpool or queue worker.
func (rt *Runtime) safeCall(step Step, in State) (sig ControlSignal) {
	defer func() {
		if r := recover(); r != nil {
			sig = Failed(FailureDetail{
				Class:   "PanicError",
				Message: fmt.Sprintf("step %q panicked: %v", step.Name, r),
			})
		}
	}()
	return step.Run(in)
}

// buildStepRow strips ABI keys from the returned state, applying the
// documented effects (step-name override, key removal, traceback
// extraction) before the row is persisted.
func (rt *Runtime) buildStepRow(processID uuid.UUID, step Step, sig ControlSignal, status Status) (*ProcessStep, error) {
	name := step.Name
	state := State{}
	for k, v := range sig.Unwrap() {
		state[k] = v
	}

	if override, ok := state[KeyStepNameOverride].(string); ok && override != "" {
		name = override
	}
	delete(state, KeyStepNameOverride)

	if remove, ok := state[KeyRemoveKeys].([]string); ok {
		for _, k := range remove {
			delete(state, k)
		}
	}
	delete(state, KeyRemoveKeys)
	delete(state, KeyReplaceLastState)

	var traceback string
	if tb, ok := state[KeyTraceback].(string); ok {
		traceback = tb
		delete(state, KeyTraceback)
	}
	if sig.Failure != nil && traceback == "" {
		traceback = sig.Failure.Traceback
	}
	_ = traceback // surfaced on Process.Traceback by updateProcessSummary

	// state.error/state.details are the fields the compaction rule
	// compares to tell two distinct failures of the same step apart;
	// derive them from the FailureDetail when the step didn't already
	// set them itself.
	if sig.Failure != nil {
		if _, ok := state["error"]; !ok {
			state["error"] = sig.Failure.Class + ": " + sig.Failure.Message
		}
		if _, ok := state["details"]; !ok && sig.Failure.Details != "" {
			state["details"] = sig.Failure.Details
		}
	}

	return &ProcessStep{
		ProcessID:  processID,
		Name:       name,
		Status:     status,
		State:      state,
		ExecutedAt: []time.Time{rt.Now()},
	}, nil
}

// persistStep implements the compaction rule: merge into the previous
// row when it is a same-named retry of a non-terminal status, otherwise
// append.
func (rt *Runtime) persistStep(ctx context.Context, processID uuid.UUID, row *ProcessStep) error {
	last, err := rt.Store.LastStep(ctx, processID)
	if err != nil {
		return err
	}
	if last != nil && shouldCompact(last, row) {
		last.Status = row.Status
		last.State = row.State
		last.ExecutedAt = append(last.ExecutedAt, row.ExecutedAt...)
		last.Retries++
		return rt.Store.ReplaceLastStep(ctx, last)
	}
	return rt.Store.AppendStep(ctx, row)
}

// shouldCompact reports whether row should merge into last rather than
// append as a new row: same step name, same resulting status, and (for
// the blocking/retryable statuses) the same state.error/state.details
// content. A terminal success/skip/complete/abort row is never
// compacted into, since the engine must preserve the historical record
// of a completed step, and two distinct failures of the same step that
// happen to land on the same status (e.g. "connection refused" then
// "invalid credentials", both Failed) must stay as distinct rows.
func shouldCompact(last, row *ProcessStep) bool {
	if last.Name != row.Name || last.Status != row.Status {
		return false
	}
	switch last.Status {
	case StatusFailed, StatusWaiting, StatusAwaitingCallback, StatusInconsistentData, StatusAPIUnavailable:
		return stateString(last.State, "error") == stateString(row.State, "error") &&
			stateString(last.State, "details") == stateString(row.State, "details")
	default:
		return false
	}
}

// stateString reads a string-valued state key, defaulting to "" for a
// missing or non-string value.
func stateString(s State, key string) string {
	v, _ := s[key].(string)
	return v
}

// updateProcessSummary projects the step's outcome onto the Process
// aggregate row (last_status, last_step, assignee, failed_reason), and
// advances RemainingSteps for a continuable signal.
func (rt *Runtime) updateProcessSummary(ctx context.Context, processID uuid.UUID, step Step, sig ControlSignal, status Status) error {
	p, err := rt.Store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	p.LastStatus = status
	p.LastStep = step.Name
	p.LastModifiedAt = rt.Now()

	switch {
	case sig.IsFailed(), sig.IsSuspend(), sig.IsWaiting(), sig.IsAwaitingCallback():
		p.Assignee = step.Assignee
	default:
		p.Assignee = ""
	}

	if sig.IsFailed() && sig.Failure != nil {
		p.FailedReason = sig.Failure.Message
		p.Traceback = sig.Failure.Traceback
	} else if sig.IsComplete() || sig.Kind == KindSuccess {
		p.FailedReason = ""
		p.Traceback = ""
	}

	return rt.Store.UpdateProcess(ctx, p)
}

// RunToBlock runs steps to completion or until a non-continuable signal
// is produced (Suspend, Waiting, AwaitingCallback, Failed, Abort,
// Complete), advancing stat.RemainingSteps after each continuable step.
// This is the loop an Executor's worker goroutine calls once per
// scheduled process.
//
// Before every step it checks EngineSettings.GlobalLock and, if set,
// returns the process's current state without advancing: this is the
// cooperative pause a paused engine relies on to let in-flight runs
// drain at their next boundary rather than being killed mid-step.
func (rt *Runtime) RunToBlock(ctx context.Context, stat *ProcessStat, user *User) (ControlSignal, error) {
	for {
		settings, err := rt.Store.GetSettings(ctx)
		if err != nil {
			return ControlSignal{}, err
		}
		if settings.GlobalLock {
			return stat.State, nil
		}

		sig, err := rt.RunStep(ctx, stat, user)
		if err != nil {
			return ControlSignal{}, err
		}
		if !sig.IsContinuable() {
			return sig, nil
		}
		stat.State = sig
		stat.RemainingSteps = stat.RemainingSteps[1:]
		user = nil // authorization only applies to the resumed step, not subsequent ones
		if len(stat.RemainingSteps) == 0 {
			return Complete(sig.Unwrap()), nil
		}
		select {
		case <-ctx.Done():
			return ControlSignal{}, ctx.Err()
		default:
		}
	}
}
