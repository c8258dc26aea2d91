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

package ratelimit

import (
	"testing"
	"time"
)

func TestBudgetReserve(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	reset := now.Add(42 * time.Second)

	cases := []struct {
		name        string
		limit       int
		remaining   int
		n           int
		expGranted  bool
		expWaitHint time.Duration
	}{
		{
			name:       "plenty_of_headroom",
			limit:      5000,
			remaining:  4000,
			n:          1,
			expGranted: true,
		},
		{
			name:        "at_safety_reserve_denies_one",
			limit:       5000,
			remaining:   250, // reserve is 5% of 5000 = 250
			n:           1,
			expGranted:  false,
			expWaitHint: 42 * time.Second,
		},
		{
			name:       "just_above_safety_reserve",
			limit:      5000,
			remaining:  251,
			n:          1,
			expGranted: true,
		},
		{
			name:        "small_limit_uses_minimum_reserve",
			limit:       60,
			remaining:   10, // 5% of 60 is 3, floor is 10
			n:           1,
			expGranted:  false,
			expWaitHint: 42 * time.Second,
		},
		{
			name:        "batch_reservation_denied",
			limit:       5000,
			remaining:   300,
			n:           100,
			expGranted:  false,
			expWaitHint: 42 * time.Second,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b := NewBudget(WithNowFunc(func() time.Time { return now }))
			b.Observe(BucketCore, tc.limit, tc.remaining, reset)

			got := b.Reserve(BucketCore, tc.n)
			if got.Granted != tc.expGranted {
				t.Errorf("Reserve granted = %t, want %t", got.Granted, tc.expGranted)
			}
			if !got.Granted && got.WaitHint != tc.expWaitHint {
				t.Errorf("Reserve wait hint = %s, want %s", got.WaitHint, tc.expWaitHint)
			}
			if !got.Granted && got.WaitHint <= 0 {
				t.Errorf("denied reservation must carry a positive wait hint, got %s", got.WaitHint)
			}
		})
	}
}

func TestBudgetReserveUnprimedBucket(t *testing.T) {
	t.Parallel()

	b := NewBudget()
	if got := b.Reserve(BucketSearch, 1); !got.Granted {
		t.Errorf("unprimed bucket should grant optimistically, got %+v", got)
	}
}

func TestBudgetReserveDecrementsRemaining(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBudget(WithNowFunc(func() time.Time { return now }))
	b.Observe(BucketCore, 5000, 1000, now.Add(time.Hour))

	for i := 0; i < 3; i++ {
		if got := b.Reserve(BucketCore, 1); !got.Granted {
			t.Fatalf("Reserve %d denied unexpectedly", i)
		}
	}

	h := b.HeadroomFor(BucketCore)
	if h.Remaining != 997 {
		t.Errorf("remaining = %d, want 997", h.Remaining)
	}
}

func TestBudgetObserve(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name         string
		observations []struct {
			limit     int
			remaining int
			resetAt   time.Time
		}
		expRemaining int
	}{
		{
			name: "stale_observation_ignored",
			observations: []struct {
				limit     int
				remaining int
				resetAt   time.Time
			}{
				{5000, 100, now.Add(time.Hour)},
				{5000, 4999, now.Add(-time.Hour)},
			},
			expRemaining: 100,
		},
		{
			name: "reset_rolls_bucket_forward",
			observations: []struct {
				limit     int
				remaining int
				resetAt   time.Time
			}{
				{5000, 100, now.Add(time.Minute)},
				{5000, 5000, now.Add(time.Hour)},
			},
			expRemaining: 5000,
		},
		{
			name: "same_window_takes_lower_remaining",
			observations: []struct {
				limit     int
				remaining int
				resetAt   time.Time
			}{
				{5000, 100, now.Add(time.Hour)},
				{5000, 90, now.Add(time.Hour)},
			},
			expRemaining: 90,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b := NewBudget(WithNowFunc(func() time.Time { return now }))
			for _, o := range tc.observations {
				b.Observe(BucketCore, o.limit, o.remaining, o.resetAt)
			}

			if h := b.HeadroomFor(BucketCore); h.Remaining != tc.expRemaining {
				t.Errorf("remaining = %d, want %d", h.Remaining, tc.expRemaining)
			}
		})
	}
}

func TestBudgetReserveRollsForwardAfterReset(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBudget(WithNowFunc(func() time.Time { return now }))

	// Window ended a minute ago with the bucket exhausted.
	b.Observe(BucketCore, 5000, 0, now.Add(-time.Minute))

	if got := b.Reserve(BucketCore, 1); !got.Granted {
		t.Errorf("expired window should roll forward and grant, got %+v", got)
	}
}

func TestBucketForResource(t *testing.T) {
	t.Parallel()

	cases := []struct {
		resource string
		exp      Bucket
	}{
		{"core", BucketCore},
		{"search", BucketSearch},
		{"graphql", BucketGraphQL},
		{"integration_manifest", BucketIntegrationManifest},
		{"", BucketCore},
		{"something-new", BucketCore},
	}

	for _, tc := range cases {
		if got := BucketForResource(tc.resource); got != tc.exp {
			t.Errorf("BucketForResource(%q) = %q, want %q", tc.resource, got, tc.exp)
		}
	}
}

func TestBudgetSnapshot(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBudget(WithNowFunc(func() time.Time { return now }))
	b.Observe(BucketCore, 5000, 4000, now.Add(time.Hour))
	b.Observe(BucketSearch, 30, 29, now.Add(time.Minute))

	snap := b.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d buckets, want 2", len(snap))
	}
	if snap[BucketCore].Remaining != 4000 {
		t.Errorf("core remaining = %d, want 4000", snap[BucketCore].Remaining)
	}
	if snap[BucketSearch].SecondsToReset != time.Minute {
		t.Errorf("search reset = %s, want 1m", snap[BucketSearch].SecondsToReset)
	}
}
