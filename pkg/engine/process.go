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
	"time"

	"github.com/google/uuid"
)

// Process is the persisted, one-row-per-run aggregate. last_status
// mirrors the status of the most-recently persisted ProcessStep.
type Process struct {
	ID              uuid.UUID
	WorkflowKey     string
	WorkflowDigest  string
	LastStatus      Status
	LastStep        string
	Assignee        string
	FailedReason    string
	Traceback       string
	IsTask          bool
	CreatedBy       string
	CreatedAt       time.Time
	LastModifiedAt  time.Time
}

// ProcessStep is one append-/update-only row recording a single step
// attempt (or a compacted streak of retries of the same attempt).
type ProcessStep struct {
	ProcessID  uuid.UUID
	Name       string
	Status     Status
	State      State
	CreatedBy  string
	ExecutedAt []time.Time
	CommitHash string
	Retries    int
}

// ProcessSubscription links a process to an external subscription
// identifier. The core never interprets Subscription beyond storing and
// returning it; subscription semantics belong to the (out-of-scope)
// domain layer that embeds this engine.
type ProcessSubscription struct {
	ProcessID      uuid.UUID
	SubscriptionID string
}

// EngineSettings is the singleton global-state row.
type EngineSettings struct {
	GlobalLock       bool
	RunningProcesses int
}

// GlobalStatus projects EngineSettings onto the three states clients see.
type GlobalStatus string

const (
	GlobalStatusRunning GlobalStatus = "RUNNING"
	GlobalStatusPausing GlobalStatus = "PAUSING"
	GlobalStatusPaused  GlobalStatus = "PAUSED"
)

// Project computes the external status projection from the raw settings.
func (s EngineSettings) Project() GlobalStatus {
	switch {
	case !s.GlobalLock:
		return GlobalStatusRunning
	case s.RunningProcesses > 0:
		return GlobalStatusPausing
	default:
		return GlobalStatusPaused
	}
}

// ProcessStat is the runtime handle a running or resuming worker owns.
// It is never persisted directly; LoadProcess reconstructs it from the
// Process row and its ProcessStep log.
type ProcessStat struct {
	ProcessID      uuid.UUID
	Workflow       *Workflow
	State          ControlSignal
	RemainingSteps []Step
	CurrentUser    *User
}

// resumableStatuses lists the Process.LastStatus values resume_process
// accepts, per the Entry API contract table.
var resumableStatuses = map[Status]bool{
	StatusSuspended:        true,
	StatusFailed:           true,
	StatusWaiting:          true,
	StatusAwaitingCallback: true,
	StatusAPIUnavailable:   true,
	StatusInconsistentData: true,
	StatusResumed:          true,
}

// CanBeResumed reports whether p.LastStatus is one resume_process accepts.
func (p *Process) CanBeResumed() bool {
	return resumableStatuses[p.LastStatus]
}

// activeStatuses lists statuses a process is still progressing through,
// used by callers that need to know whether it is safe to treat a
// process as finished (e.g. websocket subscription pruning).
var activeStatuses = map[Status]bool{
	StatusCreated:          true,
	StatusRunning:          true,
	StatusResumed:          true,
	StatusSuspended:        true,
	StatusWaiting:          true,
	StatusAwaitingCallback: true,
}

// IsActive reports whether the process is still in flight.
func (p *Process) IsActive() bool {
	return activeStatuses[p.LastStatus]
}
