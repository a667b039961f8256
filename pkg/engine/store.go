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

// Package engine's store.go defines the process store (C3) and
// engine-settings store (C4) interfaces using the same interface
// segregation the rest of this module's persistence layers use: a core
// interface every backend must implement, plus optional capability
// interfaces backends may add and callers detect via type assertion.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// ProcessStore is the core interface every process-store backend
// implements: create, load, and update the per-run aggregate row.
type ProcessStore interface {
	CreateProcess(ctx context.Context, p *Process) error
	GetProcess(ctx context.Context, id uuid.UUID) (*Process, error)
	UpdateProcess(ctx context.Context, p *Process) error
	DeleteProcess(ctx context.Context, id uuid.UUID) error
}

// ProcessLister is an optional capability for paginated, filtered,
// sorted listing — the shape the list endpoint (spec §6) needs.
type ProcessLister interface {
	ListProcesses(ctx context.Context, filter ProcessFilter) ([]*Process, int, error)
}

// StepStore manages the append-/update-mostly ProcessStep log.
type StepStore interface {
	// AppendStep inserts a new step row.
	AppendStep(ctx context.Context, step *ProcessStep) error
	// ReplaceLastStep overwrites the most recently persisted step row for
	// a process (used by retry compaction and by callback/progress
	// mutation, which always target the current step in place).
	ReplaceLastStep(ctx context.Context, step *ProcessStep) error
	// ListSteps returns every persisted step row for a process, ordered
	// by executed_at ascending.
	ListSteps(ctx context.Context, processID uuid.UUID) ([]*ProcessStep, error)
	// LastStep returns the most recently persisted step row, or nil if
	// the process has none yet.
	LastStep(ctx context.Context, processID uuid.UUID) (*ProcessStep, error)
}

// SubscriptionStore records ProcessSubscription linkage rows.
type SubscriptionStore interface {
	LinkSubscription(ctx context.Context, link ProcessSubscription) error
	ListSubscriptions(ctx context.Context, processID uuid.UUID) ([]ProcessSubscription, error)
}

// SettingsStore manages the EngineSettings singleton row (C4). Mutations
// go through WithLock, which the backend must implement as a
// transaction equivalent to SELECT FOR UPDATE: the callback observes the
// current settings and returns the value to persist, and the backend
// commits both atomically with respect to concurrent WithLock calls.
type SettingsStore interface {
	GetSettings(ctx context.Context) (EngineSettings, error)
	WithLock(ctx context.Context, fn func(EngineSettings) (EngineSettings, error)) (EngineSettings, error)
}

// Store composes every process-store capability. Backends implementing
// the full interface (memory, sqlite, postgres) satisfy this; runtime
// code that only needs a subset should accept the narrower interface.
type Store interface {
	ProcessStore
	ProcessLister
	StepStore
	SubscriptionStore
	SettingsStore
	io.Closer
}

// ProcessFilter describes the list endpoint's query parameters.
type ProcessFilter struct {
	// RangeStart/RangeEnd implement the `range=start,end` query parameter
	// (offset pagination over the sorted result set).
	RangeStart, RangeEnd int
	// SortField/SortDescending implement `sort=field,dir`.
	SortField      string
	SortDescending bool
	// Predicates implements `filter=field,val,...` as a conjunction of
	// equality predicates; the HTTP layer may additionally compile a
	// boolean expr-lang predicate from the raw filter string for
	// richer queries and apply it in-process after the backend's
	// coarse-grained filter runs.
	Predicates map[string]string
}

// ListETag computes the weak ETag the list endpoint returns per spec §6:
// "W/" + hex(CRC32 over, for each row, its process_id bytes followed by
// the IEEE-754 big-endian encoding of last_modified_at as Unix seconds).
// This is implemented directly against exported fields, not inside a
// particular backend, so every backend produces byte-identical ETags for
// the same process set.
func ListETag(processes []*Process) string {
	return computeListETag(processes)
}

// rowTimestamp is split out so both the ETag computation and backends
// that need to sort by last_modified_at share one definition of "as
// seconds since epoch", matching the Python original's
// `last_modified_at.timestamp()` semantics.
func rowTimestampSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
