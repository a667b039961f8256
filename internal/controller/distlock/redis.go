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

// Package distlock provides cluster-wide engine.DistLock backends for
// deployments running more than one controller instance.
package distlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tombee/conductor/pkg/engine"
)

var _ engine.DistLock = (*RedisDistLock)(nil)

// releaseScript is the standard single-instance Redlock release: delete
// the key only if it still holds the token we set, so a lock we lost to
// expiry and that was since reacquired by someone else is never stolen
// out from under them.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisDistLock is a Redis-backed engine.DistLock: `SET resource token
// NX PX ttl` for acquisition, a Lua-scripted compare-and-delete for
// release. This is the idiomatic single-instance Redlock primitive the
// source's redis_distlock_manager implements against redis.asyncio.
type RedisDistLock struct {
	client  *redis.Client
	release *redis.Script
	prefix  string
}

// NewRedisDistLock constructs a RedisDistLock over an existing client.
// Keys are namespaced under "conductor:lock:" to share a Redis instance
// safely with the broadcast bus's pub/sub channels.
func NewRedisDistLock(client *redis.Client) *RedisDistLock {
	return &RedisDistLock{client: client, release: redis.NewScript(releaseScript), prefix: "conductor:lock:"}
}

// TryAcquire implements engine.DistLock.
func (l *RedisDistLock) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.prefix+resource, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release implements engine.DistLock.
func (l *RedisDistLock) Release(ctx context.Context, resource, token string) error {
	return l.release.Run(ctx, l.client, []string{l.prefix + resource}, token).Err()
}
