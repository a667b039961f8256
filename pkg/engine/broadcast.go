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

	"github.com/google/uuid"
)

// ChangeEvent is broadcast on every step transition so that websocket
// subscribers (and any other cache in front of the process store) know
// to invalidate and re-fetch, rather than poll.
type ChangeEvent struct {
	ProcessID uuid.UUID
	Status    Status
	Step      string
}

// Broadcaster is the change-broadcast fabric (C6). Publish is called by
// the runtime after every committed step transition; Subscribe returns a
// channel of events for one process, used by the websocket transport to
// push updates to connected clients.
type Broadcaster interface {
	Publish(ctx context.Context, event ChangeEvent) error
	Subscribe(ctx context.Context, processID uuid.UUID) (<-chan ChangeEvent, func(), error)
}

// MemoryBroadcaster is an in-process Broadcaster: a mutex-guarded set of
// per-process subscriber channels. Correct for a single-controller-
// instance deployment; a multi-instance deployment needs the Redis
// pub/sub-backed flavor so a client connected to instance A sees updates
// produced by instance B.
type MemoryBroadcaster struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan ChangeEvent]struct{}
}

// NewMemoryBroadcaster constructs an empty MemoryBroadcaster.
func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{subs: make(map[uuid.UUID]map[chan ChangeEvent]struct{})}
}

// AllProcesses is the subscription key for the ALL_PROCESSES channel:
// every published event is additionally fanned out to its subscribers,
// regardless of which process produced the event.
var AllProcesses = uuid.Nil

// Publish implements Broadcaster. Sends are non-blocking: a slow or
// gone subscriber never stalls the step-committing goroutine. Every
// event reaches both its process-specific subscribers and the
// AllProcesses subscribers.
func (b *MemoryBroadcaster) Publish(ctx context.Context, event ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[event.ProcessID] {
		select {
		case ch <- event:
		default:
		}
	}
	if event.ProcessID != AllProcesses {
		for ch := range b.subs[AllProcesses] {
			select {
			case ch <- event:
			default:
			}
		}
	}
	return nil
}

// Subscribe implements Broadcaster, returning a buffered channel and an
// unsubscribe func the caller must invoke when done listening.
func (b *MemoryBroadcaster) Subscribe(ctx context.Context, processID uuid.UUID) (<-chan ChangeEvent, func(), error) {
	ch := make(chan ChangeEvent, 16)

	b.mu.Lock()
	if b.subs[processID] == nil {
		b.subs[processID] = make(map[chan ChangeEvent]struct{})
	}
	b.subs[processID][ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[processID], ch)
		if len(b.subs[processID]) == 0 {
			delete(b.subs, processID)
		}
		close(ch)
	}
	return ch, unsubscribe, nil
}
