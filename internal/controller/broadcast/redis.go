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

// Package broadcast provides cluster-wide engine.Broadcaster backends,
// so a client connected to one controller instance sees change events
// produced on another.
package broadcast

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tombee/conductor/pkg/engine"
)

var _ engine.Broadcaster = (*RedisBroadcaster)(nil)

const channelPrefix = "conductor:changes:"

// RedisBroadcaster relays engine.ChangeEvent over Redis PUBLISH/PubSub,
// then fans each received message out to local in-process subscriber
// channels exactly as engine.MemoryBroadcaster does, so the websocket
// handler never needs to know which backend is active.
type RedisBroadcaster struct {
	client *redis.Client
	local  *engine.MemoryBroadcaster
}

// NewRedisBroadcaster constructs a RedisBroadcaster over an existing
// client and starts its background relay goroutine, which runs until
// ctx is canceled.
func NewRedisBroadcaster(ctx context.Context, client *redis.Client) *RedisBroadcaster {
	b := &RedisBroadcaster{client: client, local: engine.NewMemoryBroadcaster()}
	go b.relay(ctx)
	return b
}

func (b *RedisBroadcaster) relay(ctx context.Context) {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event engine.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			_ = b.local.Publish(ctx, event)
		}
	}
}

// Publish implements engine.Broadcaster by publishing to Redis; the
// local fan-out for this instance's own subscribers happens when the
// relay goroutine receives the message back, keeping every instance's
// view (including the publisher's) consistent.
func (b *RedisBroadcaster) Publish(ctx context.Context, event engine.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	channel := channelPrefix + event.ProcessID.String()
	return b.client.Publish(ctx, channel, data).Err()
}

// Subscribe implements engine.Broadcaster, delegating to the local
// in-process fan-out that the relay goroutine feeds.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, processID uuid.UUID) (<-chan engine.ChangeEvent, func(), error) {
	return b.local.Subscribe(ctx, processID)
}
