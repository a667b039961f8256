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
	"sort"
	"sync"

	"github.com/google/uuid"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// testStore is a minimal in-package Store double for pkg/engine's own
// unit tests, kept separate from internal/controller/store/memory so
// these tests don't depend on an importer of this very package.
type testStore struct {
	mu            sync.Mutex
	processes     map[uuid.UUID]*Process
	steps         map[uuid.UUID][]*ProcessStep
	subscriptions map[uuid.UUID][]ProcessSubscription
	settings      EngineSettings
}

func newMemoryStore() *testStore {
	return &testStore{
		processes:     make(map[uuid.UUID]*Process),
		steps:         make(map[uuid.UUID][]*ProcessStep),
		subscriptions: make(map[uuid.UUID][]ProcessSubscription),
	}
}

func (s *testStore) CreateProcess(ctx context.Context, p *Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.processes[p.ID] = &cp
	return nil
}

func (s *testStore) GetProcess(ctx context.Context, id uuid.UUID) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	if !ok {
		return nil, &conductorerrors.NotFoundError{Resource: "process", ID: id.String()}
	}
	cp := *p
	return &cp, nil
}

func (s *testStore) UpdateProcess(ctx context.Context, p *Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processes[p.ID]; !ok {
		return &conductorerrors.NotFoundError{Resource: "process", ID: p.ID.String()}
	}
	cp := *p
	s.processes[p.ID] = &cp
	return nil
}

func (s *testStore) DeleteProcess(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processes, id)
	delete(s.steps, id)
	delete(s.subscriptions, id)
	return nil
}

func (s *testStore) ListProcesses(ctx context.Context, filter ProcessFilter) ([]*Process, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		if want, ok := filter.Predicates["last_status"]; ok && string(p.LastStatus) != want {
			continue
		}
		cp := *p
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, len(all), nil
}

func (s *testStore) AppendStep(ctx context.Context, step *ProcessStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *step
	s.steps[step.ProcessID] = append(s.steps[step.ProcessID], &cp)
	return nil
}

func (s *testStore) ReplaceLastStep(ctx context.Context, step *ProcessStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.steps[step.ProcessID]
	if len(rows) == 0 {
		cp := *step
		s.steps[step.ProcessID] = []*ProcessStep{&cp}
		return nil
	}
	cp := *step
	rows[len(rows)-1] = &cp
	return nil
}

func (s *testStore) ListSteps(ctx context.Context, processID uuid.UUID) ([]*ProcessStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.steps[processID]
	out := make([]*ProcessStep, len(rows))
	for i, r := range rows {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (s *testStore) LastStep(ctx context.Context, processID uuid.UUID) (*ProcessStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.steps[processID]
	if len(rows) == 0 {
		return nil, nil
	}
	cp := *rows[len(rows)-1]
	return &cp, nil
}

func (s *testStore) LinkSubscription(ctx context.Context, link ProcessSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[link.ProcessID] = append(s.subscriptions[link.ProcessID], link)
	return nil
}

func (s *testStore) ListSubscriptions(ctx context.Context, processID uuid.UUID) ([]ProcessSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProcessSubscription, len(s.subscriptions[processID]))
	copy(out, s.subscriptions[processID])
	return out, nil
}

func (s *testStore) GetSettings(ctx context.Context) (EngineSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *testStore) WithLock(ctx context.Context, fn func(EngineSettings) (EngineSettings, error)) (EngineSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(s.settings)
	if err != nil {
		return s.settings, err
	}
	s.settings = next
	return s.settings, nil
}

func (s *testStore) Close() error { return nil }

var _ Store = (*testStore)(nil)
