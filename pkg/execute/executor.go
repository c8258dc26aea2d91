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

// Package execute drains pending actions through the GitHub gateway under
// a bounded-concurrency worker pool.
package execute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/abcxyz/github-issue-automator/pkg/githubclient"
	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/workerpool"
)

// Config bounds the executor.
type Config struct {
	// MaxConcurrent is the worker pool size.
	MaxConcurrent int

	// MaxActionsPerRun caps how many actions one Drain call claims.
	MaxActionsPerRun int

	// MaxAttempts bounds retries of transient failures per action.
	MaxAttempts int

	// BackoffBase and BackoffCap shape the transient retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// RateWaitCeiling bounds how long one action waits on rate limits
	// before being released back to pending for the next cycle.
	RateWaitCeiling time.Duration
}

// DefaultConfig returns the documented executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    10,
		MaxActionsPerRun: 100,
		MaxAttempts:      3,
		BackoffBase:      2 * time.Second,
		BackoffCap:       60 * time.Second,
		RateWaitCeiling:  5 * time.Minute,
	}
}

// Failure is one terminal failure in a drain pass.
type Failure struct {
	ActionID string
	Type     store.ActionType
	Err      string
}

// Report summarizes one drain pass.
type Report struct {
	Claimed   int
	Completed int
	Cancelled int
	Failed    int
	Released  int
	Failures  []Failure
}

// Executor claims and runs pending actions.
type Executor struct {
	store   store.Store
	gh      Gateway
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
	nowFunc func() time.Time
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleepFunc overrides how the executor waits, for tests.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(e *Executor) { e.nowFunc = now }
}

// New creates an Executor.
func New(s store.Store, gh Gateway, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		store: s,
		gh:    gh,
		cfg:   cfg,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type actionResult struct {
	action *store.Action
	status store.ActionStatus
	err    error
}

// Drain claims and executes pending actions until the queue is empty, the
// per-run cap is reached, or the context expires. Unfinished actions stay
// pending for the next cycle.
func (e *Executor) Drain(ctx context.Context) (*Report, error) {
	logger := logging.FromContext(ctx)
	report := &Report{}

	for report.Claimed < e.cfg.MaxActionsPerRun {
		if err := ctx.Err(); err != nil {
			logger.WarnContext(ctx, "drain stopped on context", "claimed", report.Claimed)
			break
		}

		batch := e.cfg.MaxConcurrent
		if remaining := e.cfg.MaxActionsPerRun - report.Claimed; remaining < batch {
			batch = remaining
		}
		actions, err := e.store.ClaimActions(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to claim actions: %w", err)
		}
		if len(actions) == 0 {
			break
		}
		report.Claimed += len(actions)

		pool := workerpool.New[*actionResult](&workerpool.Config{
			Concurrency: int64(e.cfg.MaxConcurrent),
			StopOnError: false,
		})
		for _, action := range actions {
			action := action
			if err := pool.Do(ctx, func() (*actionResult, error) {
				return e.runAction(ctx, action), nil
			}); err != nil {
				return nil, fmt.Errorf("failed to enqueue action %s: %w", action.ID, err)
			}
		}
		results, err := pool.Done(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to drain worker pool: %w", err)
		}

		released := 0
		for _, r := range results {
			res := r.Value
			switch res.status {
			case store.ActionCompleted:
				report.Completed++
			case store.ActionCancelled:
				report.Cancelled++
			case store.ActionFailed:
				report.Failed++
				report.Failures = append(report.Failures, Failure{
					ActionID: res.action.ID,
					Type:     res.action.Type,
					Err:      res.err.Error(),
				})
			case store.ActionPending:
				report.Released++
				released++
			}
		}

		// A release means the rate budget is exhausted past the wait
		// ceiling. Stop draining so released actions are not re-claimed
		// until the next cycle.
		if released > 0 {
			logger.WarnContext(ctx, "drain stopped after rate-limited releases",
				"released", released,
				"claimed", report.Claimed)
			break
		}
	}

	return report, nil
}

// runAction executes one claimed action through the attempt loop. The
// returned status is where the action landed: completed, cancelled,
// failed, or pending (released after hitting the rate-wait ceiling).
func (e *Executor) runAction(ctx context.Context, action *store.Action) *actionResult {
	logger := logging.FromContext(ctx)
	start := e.nowFunc()

	h, err := handlerFor(action.Type)
	if err != nil {
		e.finish(ctx, action, &store.ActionOutcome{
			Status:            store.ActionFailed,
			Success:           toPtr(false),
			ErrorMessage:      err.Error(),
			ExecutionAttempts: action.ExecutionAttempts,
		})
		return &actionResult{action: action, status: store.ActionFailed, err: err}
	}

	backoff := retry.WithJitterPercent(20,
		retry.WithCappedDuration(e.cfg.BackoffCap,
			retry.NewExponential(e.cfg.BackoffBase)))

	attempts := action.ExecutionAttempts
	apiCalls := 0
	var rateWaited time.Duration

	for {
		// Preconditions are checked against live state, not the mirror: a
		// human may have acted since planning.
		live, err := e.gh.GetIssue(ctx, action.RepoOwner, action.RepoName, action.IssueNumber)
		apiCalls++
		if err == nil {
			if ok, reason := h.check(live, action); !ok {
				e.finish(ctx, action, &store.ActionOutcome{
					Status:            store.ActionCancelled,
					Success:           toPtr(false),
					ErrorMessage:      "precondition failed: " + reason,
					ExecutionAttempts: attempts,
					APICallsUsed:      apiCalls,
				})
				logger.InfoContext(ctx, "action cancelled on precondition",
					"action_id", action.ID,
					"type", action.Type,
					"reason", reason)
				return &actionResult{action: action, status: store.ActionCancelled}
			}
			// Rollback data is captured before mutating.
			action.RollbackData = h.snapshot(live, action)
		}

		var ghResp, extra store.JSONMap
		attempted := false
		if err == nil {
			attempts++
			attempted = true
			ghResp, extra, err = h.execute(ctx, e.gh, action)
			apiCalls++
		}

		if err == nil {
			for k, v := range extra {
				action.RollbackData[k] = v
			}
			e.finish(ctx, action, &store.ActionOutcome{
				Status:            store.ActionCompleted,
				Success:           toPtr(true),
				ExecutionAttempts: attempts,
				APICallsUsed:      apiCalls,
				GitHubResponse:    ghResp,
				RollbackData:      action.RollbackData,
				CanRollback:       h.canRollback(),
			})
			logger.InfoContext(ctx, "action completed",
				"action_id", action.ID,
				"type", action.Type,
				"attempts", attempts,
				"duration", e.nowFunc().Sub(start))
			return &actionResult{action: action, status: store.ActionCompleted}
		}

		var rateErr *githubclient.RateLimitedError
		var transientErr *githubclient.TransientError
		switch {
		case errors.As(err, &rateErr):
			wait := time.Until(rateErr.ResetAt)
			if wait < time.Second {
				wait = time.Second
			}
			if rateWaited+wait > e.cfg.RateWaitCeiling {
				// Ceiling hit: give the claim back for the next cycle.
				if relErr := e.store.ReleaseAction(ctx, action.ID, attempts); relErr != nil {
					logger.ErrorContext(ctx, "failed to release rate-limited action",
						"action_id", action.ID, "error", relErr)
				}
				logger.WarnContext(ctx, "action released on rate-wait ceiling",
					"action_id", action.ID,
					"waited", rateWaited,
					"next_wait", wait)
				return &actionResult{action: action, status: store.ActionPending}
			}
			rateWaited += wait
			if err := e.sleep(ctx, wait); err != nil {
				e.releaseQuietly(ctx, action, attempts)
				return &actionResult{action: action, status: store.ActionPending}
			}

		case errors.As(err, &transientErr):
			// A transient precondition fetch consumes an attempt too, so a
			// flapping GetIssue cannot retry forever.
			if !attempted {
				attempts++
			}
			if attempts >= e.cfg.MaxAttempts {
				e.finish(ctx, action, &store.ActionOutcome{
					Status:            store.ActionFailed,
					Success:           toPtr(false),
					ErrorMessage:      err.Error(),
					ExecutionAttempts: attempts,
					APICallsUsed:      apiCalls,
				})
				return &actionResult{action: action, status: store.ActionFailed, err: err}
			}
			wait, _ := backoff.Next()
			if err := e.sleep(ctx, wait); err != nil {
				e.releaseQuietly(ctx, action, attempts)
				return &actionResult{action: action, status: store.ActionPending}
			}

		default:
			// Permanent, or something unclassified. Either way retrying is
			// pointless.
			e.finish(ctx, action, &store.ActionOutcome{
				Status:            store.ActionFailed,
				Success:           toPtr(false),
				ErrorMessage:      err.Error(),
				ExecutionAttempts: attempts,
				APICallsUsed:      apiCalls,
			})
			return &actionResult{action: action, status: store.ActionFailed, err: err}
		}
	}
}

func (e *Executor) finish(ctx context.Context, action *store.Action, out *store.ActionOutcome) {
	if err := e.store.CompleteAction(ctx, action.ID, out); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to persist action outcome",
			"action_id", action.ID,
			"status", out.Status,
			"error", err)
	}
}

func (e *Executor) releaseQuietly(ctx context.Context, action *store.Action, attempts int) {
	// The surrounding context may already be cancelled; use a short
	// detached context so the release still lands.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.ReleaseAction(releaseCtx, action.ID, attempts); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to release action",
			"action_id", action.ID, "error", err)
	}
}

func toPtr[T any](v T) *T {
	return &v
}
