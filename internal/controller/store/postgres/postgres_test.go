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

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/pkg/engine"
)

// testDSNEnvVar names the environment variable a developer or CI job sets to
// point these tests at a real PostgreSQL instance. Without it, the suite
// skips rather than failing the build: there is no embedded/in-process
// postgres in this stack the way modernc.org/sqlite provides for the sqlite
// store.
const testDSNEnvVar = "CONDUCTOR_TEST_POSTGRES_DSN"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv(testDSNEnvVar)
	if dsn == "" {
		t.Skipf("skipping: set %s to a postgres DSN to run this suite", testDSNEnvVar)
	}
	s, err := New(Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		s.db.ExecContext(ctx, `DELETE FROM process_subscriptions`)
		s.db.ExecContext(ctx, `DELETE FROM process_steps`)
		s.db.ExecContext(ctx, `DELETE FROM processes`)
		s.db.ExecContext(ctx, `UPDATE engine_settings SET global_lock=FALSE, running_processes=0 WHERE id=1`)
		s.Close()
	})
	return s
}

func TestStore_CreateGetUpdateDeleteProcess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	p := &engine.Process{ID: id, WorkflowKey: "onboarding", LastStatus: engine.StatusCreated, CreatedAt: now, LastModifiedAt: now}
	require.NoError(t, s.CreateProcess(ctx, p))

	got, err := s.GetProcess(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "onboarding", got.WorkflowKey)
	require.Equal(t, engine.StatusCreated, got.LastStatus)

	got.LastStatus = engine.StatusRunning
	got.LastModifiedAt = now.Add(time.Second)
	require.NoError(t, s.UpdateProcess(ctx, got))

	reloaded, err := s.GetProcess(ctx, id)
	require.NoError(t, err)
	require.Equal(t, engine.StatusRunning, reloaded.LastStatus)

	require.NoError(t, s.DeleteProcess(ctx, id))
	_, err = s.GetProcess(ctx, id)
	require.Error(t, err)
}

func TestStore_UpdateProcessUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateProcess(context.Background(), &engine.Process{ID: uuid.New()})
	require.Error(t, err)
}

func TestStore_ListProcessesFiltersAndPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 4; i++ {
		status := engine.StatusRunning
		if i%2 == 0 {
			status = engine.StatusSuspended
		}
		require.NoError(t, s.CreateProcess(ctx, &engine.Process{
			ID:             uuid.New(),
			LastStatus:     status,
			CreatedAt:      base,
			LastModifiedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	rows, total, err := s.ListProcesses(ctx, engine.ProcessFilter{Predicates: map[string]string{"last_status": "suspended"}})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, rows, 2)

	paged, total, err := s.ListProcesses(ctx, engine.ProcessFilter{RangeStart: 0, RangeEnd: 2})
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Len(t, paged, 2)
}

func TestStore_AppendReplaceListAndLastStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, s.CreateProcess(ctx, &engine.Process{ID: id, CreatedAt: time.Now(), LastModifiedAt: time.Now()}))

	require.NoError(t, s.AppendStep(ctx, &engine.ProcessStep{ProcessID: id, Name: "a", Status: engine.StatusSuccess, State: engine.State{}, ExecutedAt: []time.Time{time.Now()}}))
	require.NoError(t, s.AppendStep(ctx, &engine.ProcessStep{ProcessID: id, Name: "b", Status: engine.StatusFailed, State: engine.State{"error": "first"}, Retries: 0, ExecutedAt: []time.Time{time.Now()}}))
	require.NoError(t, s.ReplaceLastStep(ctx, &engine.ProcessStep{ProcessID: id, Name: "b", Status: engine.StatusFailed, State: engine.State{"error": "first"}, Retries: 1, ExecutedAt: []time.Time{time.Now()}}))

	rows, err := s.ListSteps(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 2, "replacing the last row must not duplicate it or disturb the earlier row")
	require.Equal(t, 1, rows[1].Retries)

	last, err := s.LastStep(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "b", last.Name)
}

func TestStore_LinkAndListSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, s.CreateProcess(ctx, &engine.Process{ID: id, CreatedAt: time.Now(), LastModifiedAt: time.Now()}))

	require.NoError(t, s.LinkSubscription(ctx, engine.ProcessSubscription{ProcessID: id, SubscriptionID: "sub-1"}))
	require.NoError(t, s.LinkSubscription(ctx, engine.ProcessSubscription{ProcessID: id, SubscriptionID: "sub-1"}), "re-linking must be idempotent via ON CONFLICT DO NOTHING")

	subs, err := s.ListSubscriptions(ctx, id)
	require.NoError(t, err)
	require.Len(t, subs, 1)
}

func TestStore_WithLockSerializesOnTheSingletonRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	updated, err := s.WithLock(ctx, func(cur engine.EngineSettings) (engine.EngineSettings, error) {
		cur.GlobalLock = true
		cur.RunningProcesses = 7
		return cur, nil
	})
	require.NoError(t, err)
	require.True(t, updated.GlobalLock)

	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	require.True(t, got.GlobalLock)
	require.Equal(t, 7, got.RunningProcesses)
}
