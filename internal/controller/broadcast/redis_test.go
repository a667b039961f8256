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

package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/pkg/engine"
)

func TestRedisBroadcaster_PublishEncodesEventOnProcessChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processID := uuid.New()
	raw := client.Subscribe(ctx, channelPrefix+processID.String())
	defer raw.Close()
	_, err := raw.Receive(ctx)
	require.NoError(t, err)

	b := NewRedisBroadcaster(ctx, client)
	event := engine.ChangeEvent{ProcessID: processID, Status: engine.StatusSuspended, Step: "manager_approval"}
	require.NoError(t, b.Publish(ctx, event))

	select {
	case msg := <-raw.Channel():
		var got engine.ChangeEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		require.Equal(t, event, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestRedisBroadcaster_SubscribeDelegatesToLocalFanout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewRedisBroadcaster(ctx, client)
	processID := uuid.New()

	ch, unsubscribe, err := b.Subscribe(ctx, processID)
	require.NoError(t, err)
	defer unsubscribe()

	event := engine.ChangeEvent{ProcessID: processID, Status: engine.StatusSuccess, Step: "disburse"}
	require.NoError(t, b.local.Publish(ctx, event))

	select {
	case got := <-ch:
		require.Equal(t, event, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for locally fanned-out event")
	}
}
