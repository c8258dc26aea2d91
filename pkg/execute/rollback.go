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
)

// RollbackUnavailableError reports why an action cannot be rolled back.
type RollbackUnavailableError struct {
	ActionID string
	Reason   string
}

func (e *RollbackUnavailableError) Error() string {
	return fmt.Sprintf("action %s cannot be rolled back: %s", e.ActionID, e.Reason)
}

// Rollback reverses a completed action, then marks it rolled_back with the
// given reason. The inverse call runs under the same retry discipline as
// forward execution.
func (e *Executor) Rollback(ctx context.Context, actionID, reason string) error {
	logger := logging.FromContext(ctx)

	action, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return fmt.Errorf("failed to load action %s: %w", actionID, err)
	}

	switch {
	case action.Status != store.ActionCompleted:
		return &RollbackUnavailableError{ActionID: actionID, Reason: fmt.Sprintf("status is %s, not completed", action.Status)}
	case action.RolledBack:
		return &RollbackUnavailableError{ActionID: actionID, Reason: "already rolled back"}
	case !action.CanRollback:
		return &RollbackUnavailableError{ActionID: actionID, Reason: "not invertible"}
	}

	h, err := handlerFor(action.Type)
	if err != nil {
		return &RollbackUnavailableError{ActionID: actionID, Reason: err.Error()}
	}

	if err := e.withRetries(ctx, func(ctx context.Context) error {
		return h.invert(ctx, e.gh, action)
	}); err != nil {
		return fmt.Errorf("failed to invert %s action %s: %w", action.Type, actionID, err)
	}

	if err := e.store.MarkActionRolledBack(ctx, actionID, reason); err != nil {
		return fmt.Errorf("failed to mark action rolled back: %w", err)
	}
	logger.InfoContext(ctx, "action rolled back",
		"action_id", actionID,
		"type", action.Type,
		"reason", reason)
	return nil
}

// withRetries runs fn with transient backoff and bounded rate-limit waits.
func (e *Executor) withRetries(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithJitterPercent(20,
		retry.WithCappedDuration(e.cfg.BackoffCap,
			retry.NewExponential(e.cfg.BackoffBase)))

	attempts := 0
	var rateWaited time.Duration
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
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
				return err
			}
			rateWaited += wait
			if sleepErr := e.sleep(ctx, wait); sleepErr != nil {
				return sleepErr
			}

		case errors.As(err, &transientErr):
			if attempts >= e.cfg.MaxAttempts {
				return err
			}
			wait, _ := backoff.Next()
			if sleepErr := e.sleep(ctx, wait); sleepErr != nil {
				return sleepErr
			}

		default:
			return err
		}
	}
}
