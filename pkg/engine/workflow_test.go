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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGetRoundtrip(t *testing.T) {
	r := NewRegistry()
	wf := &Workflow{Name: "expense_approval", Target: TargetCreate, Steps: []Step{{Name: "submit"}}}
	r.Register("expense_approval", wf)

	got, err := r.Get("expense_approval")
	require.NoError(t, err)
	require.Same(t, wf, got)
}

func TestRegistry_GetUnknownKeyResolvesToRemovedSentinel(t *testing.T) {
	r := NewRegistry()

	got, err := r.Get("never_registered")
	require.NoError(t, err)
	require.True(t, got.IsRemoved())
}

func TestRegistry_MustResolveRejectsRemovedSentinel(t *testing.T) {
	r := NewRegistry()

	_, err := r.MustResolve("never_registered")
	require.Error(t, err)
}

func TestRegistry_RegisterLazyBuildsOnceOnFirstGet(t *testing.T) {
	r := NewRegistry()
	builds := 0
	r.RegisterLazy("deferred", func() (*Workflow, error) {
		builds++
		return &Workflow{Name: "deferred", Target: TargetCreate, Steps: []Step{{Name: "only"}}}, nil
	})

	got1, err := r.Get("deferred")
	require.NoError(t, err)
	got2, err := r.Get("deferred")
	require.NoError(t, err)

	require.Equal(t, 1, builds, "a lazy workflow must only be constructed once, on its first resolution")
	require.Same(t, got1, got2)
}

func TestRegistry_KeysListsBothEagerAndLazyEntries(t *testing.T) {
	r := NewRegistry()
	r.Register("eager", &Workflow{Name: "eager", Target: TargetCreate, Steps: []Step{{Name: "a"}}})
	r.RegisterLazy("lazy", func() (*Workflow, error) {
		return &Workflow{Name: "lazy", Target: TargetCreate, Steps: []Step{{Name: "a"}}}, nil
	})

	keys := r.Keys()
	require.ElementsMatch(t, []string{"eager", "lazy"}, keys)
}

func TestWorkflow_DigestIsStableAndShapeSensitive(t *testing.T) {
	r := NewRegistry()
	wfA := &Workflow{Name: "a", Target: TargetCreate, Steps: []Step{{Name: "one"}, {Name: "two"}}}
	wfB := &Workflow{Name: "b", Target: TargetCreate, Steps: []Step{{Name: "one"}, {Name: "two"}}}
	wfC := &Workflow{Name: "c", Target: TargetCreate, Steps: []Step{{Name: "one"}, {Name: "two"}, {Name: "three"}}}
	r.Register("a", wfA)
	r.Register("b", wfB)
	r.Register("c", wfC)

	require.Equal(t, wfA.Digest(), wfB.Digest(), "two workflows with the same ordered step names must share a digest")
	require.NotEqual(t, wfA.Digest(), wfC.Digest(), "adding a step must change the digest")
	require.NotEmpty(t, wfA.Digest())
}
