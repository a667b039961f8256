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

package auth

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// Enabled toggles enforcement; when false, Allow always returns true.
	Enabled bool
	// RequestsPerSecond is the sustained refill rate per key.
	RequestsPerSecond float64
	// BurstSize is the maximum tokens a single key's bucket can hold.
	BurstSize int
}

// RateLimiter enforces a per-key token bucket, one bucket per key. The
// HTTP transport keys it by bearer token and applies it to every
// authenticated request, whatever the route or method.
type RateLimiter struct {
	cfg  RateLimitConfig
	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

// NewRateLimiter constructs a RateLimiter from cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{cfg: cfg, keys: make(map[string]*rate.Limiter)}
}

// Allow reports whether a request for key may proceed, consuming one
// token from its bucket if so.
func (r *RateLimiter) Allow(key string) bool {
	if !r.cfg.Enabled {
		return true
	}
	r.mu.Lock()
	limiter, ok := r.keys[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), r.cfg.BurstSize)
		r.keys[key] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}
