// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit tracks GitHub rate-limit buckets and gates every
// outbound API call behind a reservation.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket identifies one of GitHub's rate-limit resource classes.
type Bucket string

const (
	BucketCore                Bucket = "core"
	BucketSearch              Bucket = "search"
	BucketGraphQL             Bucket = "graphql"
	BucketIntegrationManifest Bucket = "integration_manifest"
)

// minSafetyReserve is the floor for the per-bucket safety reserve.
const minSafetyReserve = 10

// defaultSafetyReserveFraction is the fraction of a bucket's limit withheld
// to prevent complete exhaustion.
const defaultSafetyReserveFraction = 0.05

// BucketForResource maps the X-RateLimit-Resource header value to a bucket.
// Unknown resources are charged to core.
func BucketForResource(resource string) Bucket {
	switch resource {
	case "search", "code_search":
		return BucketSearch
	case "graphql":
		return BucketGraphQL
	case "integration_manifest":
		return BucketIntegrationManifest
	default:
		return BucketCore
	}
}

// Grant is the result of a reservation request.
type Grant struct {
	// Granted reports whether the caller may issue the call.
	Granted bool

	// WaitHint is how long the caller should wait before retrying when the
	// reservation was denied. Always positive on denial.
	WaitHint time.Duration
}

// Headroom is a point-in-time view of a bucket.
type Headroom struct {
	Limit          int
	Remaining      int
	SecondsToReset time.Duration
}

type bucketState struct {
	mu        sync.Mutex
	limit     int
	remaining int
	used      int
	resetAt   time.Time
}

// Budget tracks per-bucket rate-limit state. It is shared process-wide
// across all repositories and workers; mutations are serialized per bucket.
type Budget struct {
	mu              sync.Mutex
	buckets         map[Bucket]*bucketState
	reserveFraction float64
	nowFunc         func() time.Time
}

// Option configures a Budget.
type Option func(*Budget)

// WithNowFunc overrides the clock, for testing.
func WithNowFunc(fn func() time.Time) Option {
	return func(b *Budget) {
		b.nowFunc = fn
	}
}

// WithSafetyReserveFraction overrides the fraction of each bucket's limit
// that is withheld from reservations.
func WithSafetyReserveFraction(f float64) Option {
	return func(b *Budget) {
		b.reserveFraction = f
	}
}

// NewBudget creates an empty budget. Buckets are primed by the first Observe
// or Seed call; until then reservations are granted optimistically.
func NewBudget(opts ...Option) *Budget {
	b := &Budget{
		buckets:         make(map[Bucket]*bucketState),
		reserveFraction: defaultSafetyReserveFraction,
		nowFunc:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Budget) bucket(name Bucket) *bucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.buckets[name]
	if !ok {
		s = &bucketState{}
		b.buckets[name] = s
	}
	return s
}

func (b *Budget) safetyReserve(limit int) int {
	r := int(float64(limit) * b.reserveFraction)
	if r < minSafetyReserve {
		r = minSafetyReserve
	}
	return r
}

// Reserve requests n calls from the named bucket. The reservation succeeds
// iff remaining >= n + safety_reserve; otherwise the grant carries a wait
// hint of the time until the bucket resets.
func (b *Budget) Reserve(name Bucket, n int) Grant {
	s := b.bucket(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	// An unprimed bucket has never seen a response header. Grant and let the
	// first observation correct the model.
	if s.limit == 0 {
		return Grant{Granted: true}
	}

	now := b.nowFunc()

	// The window has rolled over since the last observation.
	if !s.resetAt.IsZero() && now.After(s.resetAt) {
		s.remaining = s.limit
		s.used = 0
	}

	if s.remaining >= n+b.safetyReserve(s.limit) {
		s.remaining -= n
		s.used += n
		return Grant{Granted: true}
	}

	wait := s.resetAt.Sub(now)
	if wait <= 0 {
		wait = time.Second
	}
	return Grant{Granted: false, WaitHint: wait}
}

// Observe updates a bucket from response headers. Observations are monotonic
// in resetAt; an observed remaining higher than the local value indicates the
// window reset and rolls the bucket forward.
func (b *Budget) Observe(name Bucket, limit, remaining int, resetAt time.Time) {
	s := b.bucket(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if resetAt.Before(s.resetAt) {
		// Stale response from a previous window.
		return
	}

	s.limit = limit
	s.remaining = remaining
	if used := limit - remaining; used >= 0 {
		s.used = used
	}
	if resetAt.After(s.resetAt) {
		s.resetAt = resetAt
	}
}

// Seed primes a bucket from persisted state, typically the most recent
// rate-limit sample per bucket recorded before a restart.
func (b *Budget) Seed(name Bucket, limit, remaining int, resetAt time.Time) {
	b.Observe(name, limit, remaining, resetAt)
}

// HeadroomFor reports the remaining calls and time to reset for a bucket.
func (b *Budget) HeadroomFor(name Bucket) Headroom {
	s := b.bucket(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	toReset := s.resetAt.Sub(b.nowFunc())
	if toReset < 0 {
		toReset = 0
	}
	return Headroom{
		Limit:          s.limit,
		Remaining:      s.remaining,
		SecondsToReset: toReset,
	}
}

// Snapshot returns headroom for every bucket the budget has seen, keyed by
// bucket name. Used by cycle reporting.
func (b *Budget) Snapshot() map[Bucket]Headroom {
	b.mu.Lock()
	names := make([]Bucket, 0, len(b.buckets))
	for name := range b.buckets {
		names = append(names, name)
	}
	b.mu.Unlock()

	out := make(map[Bucket]Headroom, len(names))
	for _, name := range names {
		out[name] = b.HeadroomFor(name)
	}
	return out
}
