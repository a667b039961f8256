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

// Package queue provides the engine.Queue backend for the distributed
// "queue worker" executor (C8): one Redis list per named queue, so any
// number of worker processes attached to the same Redis instance can
// share the work.
package queue

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/conductor/pkg/engine"
)

var _ engine.Queue = (*RedisQueue)(nil)

const keyPrefix = "conductor:queue:"

// RedisQueue implements engine.Queue over Redis lists: Publish does an
// LPUSH, Consume does a blocking BRPOP so idle workers don't spin.
// There is no visibility timeout or redelivery; a worker that crashes
// mid-job drops it, matching the at-most-once-per-step contract the
// executor interface documents (the process itself remains durably
// recorded in the store and can always be resumed by hand or by the
// next resume-all sweep).
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue constructs a RedisQueue over an existing client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Publish implements engine.Queue.
func (q *RedisQueue) Publish(ctx context.Context, queueName string, job engine.QueueJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, keyPrefix+queueName, data).Err()
}

// Consume implements engine.Queue, blocking until a job is available or
// ctx is cancelled. The returned ack function is a no-op in both
// directions since BRPOP already removed the job from the list; it
// exists only to satisfy the engine.Queue contract for backends (e.g. a
// future visibility-timeout based one) that do need an explicit ack.
func (q *RedisQueue) Consume(ctx context.Context, queueName string) (engine.QueueJob, func(ack bool), error) {
	result, err := q.client.BRPop(ctx, 0, keyPrefix+queueName).Result()
	if err != nil {
		return engine.QueueJob{}, func(bool) {}, err
	}
	// BRPop returns [key, value]; result[1] is the payload.
	var job engine.QueueJob
	if len(result) == 2 {
		_ = json.Unmarshal([]byte(result[1]), &job)
	}
	return job, func(bool) {}, nil
}
