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

// Package memory provides an in-memory process store, suitable for tests
// and single-process deployments with no durability requirement.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/conductor/pkg/engine"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

var _ engine.Store = (*Store)(nil)

// Store is an in-memory engine.Store implementation.
type Store struct {
	mu            sync.RWMutex
	processes     map[uuid.UUID]*engine.Process
	steps         map[uuid.UUID][]*engine.ProcessStep
	subscriptions map[uuid.UUID][]engine.ProcessSubscription
	settings      engine.EngineSettings
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		processes:     make(map[uuid.UUID]*engine.Process),
		steps:         make(map[uuid.UUID][]*engine.ProcessStep),
		subscriptions: make(map[uuid.UUID][]engine.ProcessSubscription),
	}
}

// CreateProcess implements engine.ProcessStore.
func (s *Store) CreateProcess(ctx context.Context, p *engine.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.processes[p.ID]; exists {
		return &conductorerrors.DatabaseError{Op: "create_process", Cause: errAlreadyExists(p.ID)}
	}
	cp := *p
	s.processes[p.ID] = &cp
	return nil
}

// GetProcess implements engine.ProcessStore.
func (s *Store) GetProcess(ctx context.Context, id uuid.UUID) (*engine.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[id]
	if !ok {
		return nil, &conductorerrors.NotFoundError{Resource: "process", ID: id.String()}
	}
	cp := *p
	return &cp, nil
}

// UpdateProcess implements engine.ProcessStore.
func (s *Store) UpdateProcess(ctx context.Context, p *engine.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processes[p.ID]; !ok {
		return &conductorerrors.NotFoundError{Resource: "process", ID: p.ID.String()}
	}
	cp := *p
	s.processes[p.ID] = &cp
	return nil
}

// DeleteProcess implements engine.ProcessStore.
func (s *Store) DeleteProcess(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processes, id)
	delete(s.steps, id)
	delete(s.subscriptions, id)
	return nil
}

// ListProcesses implements engine.ProcessLister. It applies Predicates as
// an exact-match conjunction, then range-slices the result after sorting
// by LastModifiedAt (ascending unless SortDescending is set; SortField is
// not consulted), matching the order the sqlite and postgres stores use.
func (s *Store) ListProcesses(ctx context.Context, filter engine.ProcessFilter) ([]*engine.Process, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*engine.Process, 0, len(s.processes))
	for _, p := range s.processes {
		if !matchesPredicates(p, filter.Predicates) {
			continue
		}
		cp := *p
		all = append(all, &cp)
	}

	sort.Slice(all, func(i, j int) bool {
		if filter.SortDescending {
			return all[i].LastModifiedAt.After(all[j].LastModifiedAt)
		}
		return all[i].LastModifiedAt.Before(all[j].LastModifiedAt)
	})

	total := len(all)
	start, end := filter.RangeStart, filter.RangeEnd
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > total {
		end = total
	}
	if start > end {
		start = end
	}
	return all[start:end], total, nil
}

func matchesPredicates(p *engine.Process, predicates map[string]string) bool {
	for field, want := range predicates {
		switch field {
		case "last_status":
			if string(p.LastStatus) != want {
				return false
			}
		case "workflow_key":
			if p.WorkflowKey != want {
				return false
			}
		case "assignee":
			if p.Assignee != want {
				return false
			}
		case "is_task":
			if want == "true" != p.IsTask {
				return false
			}
		}
	}
	return true
}

// AppendStep implements engine.StepStore.
func (s *Store) AppendStep(ctx context.Context, step *engine.ProcessStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *step
	s.steps[step.ProcessID] = append(s.steps[step.ProcessID], &cp)
	return nil
}

// ReplaceLastStep implements engine.StepStore.
func (s *Store) ReplaceLastStep(ctx context.Context, step *engine.ProcessStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.steps[step.ProcessID]
	if len(rows) == 0 {
		cp := *step
		s.steps[step.ProcessID] = []*engine.ProcessStep{&cp}
		return nil
	}
	cp := *step
	rows[len(rows)-1] = &cp
	return nil
}

// ListSteps implements engine.StepStore.
func (s *Store) ListSteps(ctx context.Context, processID uuid.UUID) ([]*engine.ProcessStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.steps[processID]
	out := make([]*engine.ProcessStep, len(rows))
	for i, r := range rows {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// LastStep implements engine.StepStore.
func (s *Store) LastStep(ctx context.Context, processID uuid.UUID) (*engine.ProcessStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.steps[processID]
	if len(rows) == 0 {
		return nil, nil
	}
	cp := *rows[len(rows)-1]
	return &cp, nil
}

// LinkSubscription implements engine.SubscriptionStore.
func (s *Store) LinkSubscription(ctx context.Context, link engine.ProcessSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[link.ProcessID] = append(s.subscriptions[link.ProcessID], link)
	return nil
}

// ListSubscriptions implements engine.SubscriptionStore.
func (s *Store) ListSubscriptions(ctx context.Context, processID uuid.UUID) ([]engine.ProcessSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.ProcessSubscription, len(s.subscriptions[processID]))
	copy(out, s.subscriptions[processID])
	return out, nil
}

// GetSettings implements engine.SettingsStore.
func (s *Store) GetSettings(ctx context.Context) (engine.EngineSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

// WithLock implements engine.SettingsStore. A plain mutex stands in for
// SELECT FOR UPDATE: the whole store is single-process, so holding s.mu
// for the callback's duration gives the same atomicity guarantee a
// row-locked transaction would on a real database.
func (s *Store) WithLock(ctx context.Context, fn func(engine.EngineSettings) (engine.EngineSettings, error)) (engine.EngineSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(s.settings)
	if err != nil {
		return s.settings, err
	}
	s.settings = next
	return s.settings, nil
}

// Close implements io.Closer; the memory store owns no external resource.
func (s *Store) Close() error { return nil }

type notExistError struct {
	id uuid.UUID
}

func (e notExistError) Error() string {
	return "process already exists: " + e.id.String()
}

func errAlreadyExists(id uuid.UUID) error { return notExistError{id: id} }
