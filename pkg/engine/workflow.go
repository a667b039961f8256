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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// Target classifies what a workflow does to its subject.
type Target string

const (
	TargetCreate    Target = "CREATE"
	TargetModify    Target = "MODIFY"
	TargetTerminate Target = "TERMINATE"
	TargetSystem    Target = "SYSTEM"
	TargetValidate  Target = "VALIDATE"
)

// User is the caller identity threaded through authorization predicates.
// It is intentionally minimal: the engine does not own identity, OIDC, or
// RBAC role storage, only the two predicates workflows and steps expose.
type User struct {
	Name  string
	Roles []string
}

// FormValidator validates an initial-input-form or a step's resume form.
// pkg/engine/schema.DefaultValidator satisfies this against a JSON Schema
// document; callers may supply any implementation.
type FormValidator interface {
	Validate(schema map[string]any, data any) error
}

// AuthPredicate decides whether a user may perform a gated operation.
// A nil predicate means "always allowed".
type AuthPredicate func(user *User) bool

// StepFunc is the pure-ish function a step runs: it reads the current
// state and returns a new ControlSignal. Step bodies SHOULD be
// idempotent, since a crash between execution and commit causes the
// runtime to re-run the step after recovery.
type StepFunc func(state State) ControlSignal

// Step is one unit of execution within a Workflow. Steps are immutable,
// in-memory, process-global records constructed at workflow registration.
type Step struct {
	// Name uniquely identifies this step within its workflow.
	Name string
	// Assignee names the operator role assigned when this step blocks
	// (Suspend/Waiting/AwaitingCallback/Failed).
	Assignee string
	// Run executes the step body.
	Run StepFunc
	// FormSchema, if set, is the JSON Schema a resume input must satisfy
	// when this step is the one currently suspended.
	FormSchema map[string]any
	// ResumeAuth gates resume_process when this step produced the
	// suspended status. Nil means no additional restriction.
	ResumeAuth AuthPredicate
	// RetryAuth gates resume_process for any other blocking status
	// (Failed, Waiting, AwaitingCallback progress) produced by this step.
	RetryAuth AuthPredicate
}

// Workflow is an immutable, in-memory, ordered list of steps plus the
// metadata and authorization predicates that gate starting and resuming
// runs of it.
type Workflow struct {
	Name             string
	Target           Target
	Description      string
	InitialFormSchema map[string]any
	Steps            []Step
	AuthorizeStart   AuthPredicate
	AuthorizeRetry   AuthPredicate

	digest string
}

// Digest returns a stable fingerprint of the workflow's ordered step
// names, computed once at registration. Stored on each Process created
// from this workflow so recovery can detect that the registered
// definition has since changed shape (see the digest-mismatch guard in
// Resume/ContinueAwaiting).
func (w *Workflow) Digest() string {
	return w.digest
}

func computeDigest(steps []Step) string {
	h := sha256.New()
	for _, s := range steps {
		h.Write([]byte(s.Name))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// removedWorkflow is the sentinel Workflow a Registry resolves unknown
// keys to for historical-run inspection. Its step list is empty: it
// supports read-only display of processes whose workflow definition has
// since been deleted from the registry, but starting or resuming it
// always fails with WorkflowGoneError.
var removedWorkflow = &Workflow{
	Name:   "removed_workflow",
	Target: TargetSystem,
	Steps:  nil,
	digest: "",
}

// IsRemoved reports whether w is the removed-workflow sentinel.
func (w *Workflow) IsRemoved() bool {
	return w == removedWorkflow
}

// Registry is an immutable-after-register mapping from workflow key to
// Workflow, supporting lazy (deferred) registration for workflows whose
// construction is expensive or conditional.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Workflow
	lazy    map[string]func() (*Workflow, error)
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Workflow),
		lazy:    make(map[string]func() (*Workflow, error)),
	}
}

// Register adds a workflow under key, computing and caching its digest.
// Registering the same key twice replaces the previous entry; the engine
// does not attempt to detect or prevent this, since §9 already documents
// that changing a registered workflow's step shape is an open hazard the
// digest-mismatch guard exists to catch for in-flight processes.
func (r *Registry) Register(key string, w *Workflow) {
	w.digest = computeDigest(w.Steps)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = w
}

// RegisterLazy defers construction of the workflow until first Get.
func (r *Registry) RegisterLazy(key string, build func() (*Workflow, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lazy[key] = build
}

// Get resolves a workflow key. Unknown keys resolve to the
// removed-workflow sentinel rather than an error, so historical process
// rows can still be displayed; callers that need to distinguish "never
// existed" from "existed, now gone" should consult the process store's
// own record of which keys were ever started.
func (r *Registry) Get(key string) (*Workflow, error) {
	r.mu.RLock()
	w, ok := r.entries[key]
	build, lazyOK := r.lazy[key]
	r.mu.RUnlock()

	if ok {
		return w, nil
	}
	if lazyOK {
		built, err := build()
		if err != nil {
			return nil, fmt.Errorf("engine: lazy workflow %q: %w", key, err)
		}
		r.Register(key, built)
		return built, nil
	}
	return removedWorkflow, nil
}

// MustResolve resolves key for an operation that requires a real,
// executable workflow (start/resume), rejecting the removed sentinel.
func (r *Registry) MustResolve(key string) (*Workflow, error) {
	w, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	if w.IsRemoved() {
		return nil, &conductorerrors.WorkflowGoneError{Key: key}
	}
	return w, nil
}

// Keys returns every registered (non-lazy-pending) workflow key.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries)+len(r.lazy))
	for k := range r.entries {
		keys = append(keys, k)
	}
	for k := range r.lazy {
		if _, already := r.entries[k]; !already {
			keys = append(keys, k)
		}
	}
	return keys
}
