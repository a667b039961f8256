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
	"sync"
	"time"

	"github.com/google/uuid"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// DistLock is the distributed-lock manager (C5): a resource-keyed,
// TTL-bounded mutual exclusion primitive used to serialize the
// resume-all coordinator across every controller instance in a cluster,
// the way a single-process deployment would use an in-memory mutex.
type DistLock interface {
	// TryAcquire attempts to lock resource for ttl, returning ok=false
	// (not an error) if another holder currently owns it.
	TryAcquire(ctx context.Context, resource string, ttl time.Duration) (token string, ok bool, err error)
	// Release gives up a lock previously acquired with the given token.
	// Releasing with a stale or mismatched token is a no-op.
	Release(ctx context.Context, resource, token string) error
}

// MemoryDistLock is an in-process DistLock backend: a mutex-guarded map
// plus a background sweeper that expires stale entries. It is the
// correct choice for a single-controller-instance deployment, and
// mirrors the original's memory_distlock_manager, which uses the same
// map-plus-sweep design since Python's threading.Lock has no built-in
// expiry either.
type MemoryDistLock struct {
	mu      sync.Mutex
	holders map[string]memoryLockEntry
}

type memoryLockEntry struct {
	token   string
	expires time.Time
}

// NewMemoryDistLock constructs a MemoryDistLock and starts its sweeper
// goroutine, which runs every 100ms for the lifetime of ctx.
func NewMemoryDistLock(ctx context.Context) *MemoryDistLock {
	l := &MemoryDistLock{holders: make(map[string]memoryLockEntry)}
	go l.sweep(ctx)
	return l
}

func (l *MemoryDistLock) sweep(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for resource, entry := range l.holders {
				if now.After(entry.expires) {
					delete(l.holders, resource)
				}
			}
			l.mu.Unlock()
		}
	}
}

// TryAcquire implements DistLock.
func (l *MemoryDistLock) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if entry, held := l.holders[resource]; held && now.Before(entry.expires) {
		return "", false, nil
	}

	token := newLockToken()
	l.holders[resource] = memoryLockEntry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Release implements DistLock.
func (l *MemoryDistLock) Release(ctx context.Context, resource, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, held := l.holders[resource]; held && entry.token == token {
		delete(l.holders, resource)
	}
	return nil
}

// newLockToken is split out so tests can substitute a deterministic
// generator; production code uses a random UUID.
var newLockToken = func() string {
	return uuid.New().String()
}

// WithResumeAllLock guards the cluster-wide resume-all coordinator
// ("marshall_processes") with a single named resource, returning
// ResumeAllInProgressError when another instance already holds it. ttl
// bounds how long a crashed coordinator can hold the lock before the
// sweeper (memory backend) or the broker's own expiry (Redis backend)
// reclaims it.
func WithResumeAllLock(ctx context.Context, lock DistLock, ttl time.Duration, fn func(ctx context.Context) error) error {
	const resumeAllResource = "conductor.resume_all"
	token, ok, err := lock.TryAcquire(ctx, resumeAllResource, ttl)
	if err != nil {
		return &conductorerrors.LockBackendError{Resource: resumeAllResource, Cause: err}
	}
	if !ok {
		return &conductorerrors.ResumeAllInProgressError{}
	}
	defer lock.Release(context.Background(), resumeAllResource, token)
	return fn(ctx)
}
