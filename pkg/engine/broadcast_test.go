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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroadcaster_PublishReachesOnlyMatchingSubscriber(t *testing.T) {
	b := NewMemoryBroadcaster()
	idA, idB := uuid.New(), uuid.New()

	chA, unsubA, err := b.Subscribe(context.Background(), idA)
	require.NoError(t, err)
	defer unsubA()
	chB, unsubB, err := b.Subscribe(context.Background(), idB)
	require.NoError(t, err)
	defer unsubB()

	require.NoError(t, b.Publish(context.Background(), ChangeEvent{ProcessID: idA, Status: StatusSuccess, Step: "a"}))

	select {
	case ev := <-chA:
		require.Equal(t, idA, ev.ProcessID)
	default:
		t.Fatal("subscriber for idA should have received the event")
	}
	select {
	case <-chB:
		t.Fatal("subscriber for idB should not receive an event published for idA")
	default:
	}
}

func TestMemoryBroadcaster_PublishFansOutToAllProcessesSubscribers(t *testing.T) {
	b := NewMemoryBroadcaster()
	id := uuid.New()

	chAll, unsubAll, err := b.Subscribe(context.Background(), AllProcesses)
	require.NoError(t, err)
	defer unsubAll()
	chOne, unsubOne, err := b.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer unsubOne()

	require.NoError(t, b.Publish(context.Background(), ChangeEvent{ProcessID: id, Status: StatusFailed, Step: "x"}))

	select {
	case ev := <-chAll:
		require.Equal(t, id, ev.ProcessID)
	default:
		t.Fatal("an AllProcesses subscriber must receive every published event")
	}
	select {
	case <-chOne:
	default:
		t.Fatal("the process-specific subscriber must also receive its own event")
	}
}

func TestMemoryBroadcaster_PublishToAllProcessesDoesNotDoubleDeliver(t *testing.T) {
	b := NewMemoryBroadcaster()

	ch, unsub, err := b.Subscribe(context.Background(), AllProcesses)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(context.Background(), ChangeEvent{ProcessID: AllProcesses, Status: StatusSuccess}))

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			require.Equal(t, 1, count, "publishing directly with ProcessID==AllProcesses must not be fanned out twice")
			return
		}
	}
}

func TestMemoryBroadcaster_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBroadcaster()
	id := uuid.New()

	ch, unsubscribe, err := b.Subscribe(context.Background(), id)
	require.NoError(t, err)
	unsubscribe()

	require.NoError(t, b.Publish(context.Background(), ChangeEvent{ProcessID: id}))

	_, open := <-ch
	require.False(t, open, "the channel must be closed once unsubscribed")
}

func TestMemoryBroadcaster_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewMemoryBroadcaster()
	id := uuid.New()

	_, unsubscribe, err := b.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer unsubscribe()

	// The subscriber never drains its channel; Publish must still return
	// for every event once the channel's buffer (16) is exceeded, rather
	// than blocking the publishing goroutine.
	for i := 0; i < 32; i++ {
		require.NoError(t, b.Publish(context.Background(), ChangeEvent{ProcessID: id}))
	}
}
