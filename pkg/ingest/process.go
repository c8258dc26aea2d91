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

// Package ingest keeps the issue mirror current, from webhook deliveries
// and from periodic repository sync.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v61/github"

	"github.com/abcxyz/github-issue-automator/pkg/githubclient"
	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// Delivery is one validated webhook delivery, as handed over by the HTTP
// surface.
type Delivery struct {
	DeliveryID string
	EventType  string
	Payload    []byte
	ReceivedAt time.Time
}

// ProcessResult reports what a delivery did.
type ProcessResult struct {
	// Duplicate is true when the delivery id was seen before. Event then
	// holds the previously stored row, including its outcome.
	Duplicate bool
	Event     *store.WebhookEvent

	TriggeredActions int
}

// Rollbacker reverses a completed action. Implemented by the executor.
type Rollbacker interface {
	Rollback(ctx context.Context, actionID, reason string) error
}

// closingRefPattern matches GitHub closing keywords in pull request bodies.
var closingRefPattern = regexp.MustCompile(`(?i)(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?)\s+#(\d+)`)

// reopenRollbackReason marks rollbacks triggered by a human reopening an
// issue shortly after an automated close.
const reopenRollbackReason = "human_reopen_detected"

// Processor applies webhook deliveries to the store, exactly once per
// delivery id.
type Processor struct {
	store        store.Store
	rollbacker   Rollbacker
	reopenWindow time.Duration
	nowFunc      func() time.Time
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithReopenWindow overrides how soon after an automated close a human
// reopen triggers automatic rollback.
func WithReopenWindow(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.reopenWindow = d }
}

// WithProcessorNowFunc overrides the clock, for tests.
func WithProcessorNowFunc(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.nowFunc = now }
}

// NewProcessor creates a Processor. The rollbacker may be nil, in which
// case reopens are recorded but nothing is reversed.
func NewProcessor(s store.Store, rollbacker Rollbacker, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:        s,
		rollbacker:   rollbacker,
		reopenWindow: 10 * time.Minute,
		nowFunc:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MalformedPayloadError reports a payload that could not be parsed as the
// declared event type. It is a caller error, not a processing failure.
type MalformedPayloadError struct {
	EventType string
	Err       error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %q payload: %v", e.EventType, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// Process applies one delivery. A replayed delivery id whose first attempt
// completed short-circuits with the stored outcome and touches nothing; a
// replay of a failed attempt is processed again.
func (p *Processor) Process(ctx context.Context, delivery *Delivery) (*ProcessResult, error) {
	start := p.nowFunc()

	event, err := github.ParseWebHook(delivery.EventType, delivery.Payload)
	if err != nil {
		return nil, &MalformedPayloadError{EventType: delivery.EventType, Err: err}
	}

	var payloadMap store.JSONMap
	if err := json.Unmarshal(delivery.Payload, &payloadMap); err != nil {
		return nil, &MalformedPayloadError{EventType: delivery.EventType, Err: err}
	}

	row := &store.WebhookEvent{
		DeliveryID: delivery.DeliveryID,
		EventType:  delivery.EventType,
		Payload:    payloadMap,
		ReceivedAt: delivery.ReceivedAt,
	}
	if action, ok := payloadMap["action"].(string); ok {
		row.Action = action
	}
	if repo, ok := payloadMap["repository"].(map[string]any); ok {
		if owner, ok := repo["owner"].(map[string]any); ok {
			row.RepoOwner, _ = owner["login"].(string)
		}
		row.RepoName, _ = repo["name"].(string)
	}

	isNew, stored, err := p.store.UpsertWebhookEvent(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !isNew {
		// Only a completed prior attempt counts as a duplicate; a redelivery
		// of a failed attempt runs again.
		if stored.Processed {
			return &ProcessResult{Duplicate: true, Event: stored}, nil
		}
		logging.FromContext(ctx).InfoContext(ctx, "reprocessing failed delivery",
			"delivery_id", delivery.DeliveryID,
			"prior_error", stored.ProcessingError)
	}

	triggered, results, procErr := p.dispatch(ctx, row, event)

	out := &store.WebhookOutcome{
		Processed:        procErr == nil,
		Duration:         p.nowFunc().Sub(start),
		TriggeredActions: triggered,
		Results:          results,
	}
	if procErr != nil {
		out.Error = procErr.Error()
	}
	if err := p.store.FinishWebhookEvent(ctx, delivery.DeliveryID, out); err != nil {
		return nil, fmt.Errorf("failed to finish webhook event: %w", err)
	}
	if procErr != nil {
		return nil, procErr
	}

	return &ProcessResult{Event: row, TriggeredActions: triggered}, nil
}

func (p *Processor) dispatch(ctx context.Context, row *store.WebhookEvent, event any) (int, store.JSONMap, error) {
	logger := logging.FromContext(ctx)

	switch ev := event.(type) {
	case *github.IssuesEvent:
		return p.processIssuesEvent(ctx, row, ev)

	case *github.IssueCommentEvent:
		issue := ev.GetIssue()
		if issue.IsPullRequest() {
			return 0, store.JSONMap{"handled": "skipped_pull_request_comment"}, nil
		}
		err := p.store.TouchIssue(ctx, row.RepoOwner, row.RepoName, issue.GetNumber(), issue.GetUpdatedAt().Time)
		if errors.Is(err, store.ErrNotFound) {
			// Comment on an issue we have not mirrored yet; mirror it now.
			snap := githubclient.SnapshotFromIssue(row.RepoOwner, row.RepoName, issue)
			if _, err := p.store.UpsertIssue(ctx, snap); err != nil {
				return 0, nil, fmt.Errorf("failed to mirror commented issue: %w", err)
			}
			return 0, store.JSONMap{"handled": "issue_mirrored"}, nil
		}
		if err != nil {
			return 0, nil, fmt.Errorf("failed to touch issue for comment: %w", err)
		}
		return 0, store.JSONMap{"handled": "issue_touched"}, nil

	case *github.PullRequestEvent:
		return p.processPullRequestEvent(ctx, row, ev)

	default:
		logger.DebugContext(ctx, "webhook event recorded without handler",
			"delivery_id", row.DeliveryID,
			"event_type", row.EventType)
		return 0, store.JSONMap{"handled": "recorded_only"}, nil
	}
}

func (p *Processor) processIssuesEvent(ctx context.Context, row *store.WebhookEvent, ev *github.IssuesEvent) (int, store.JSONMap, error) {
	logger := logging.FromContext(ctx)

	snap := githubclient.SnapshotFromIssue(row.RepoOwner, row.RepoName, ev.GetIssue())
	res, err := p.store.UpsertIssue(ctx, snap)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to upsert issue from event: %w", err)
	}

	results := store.JSONMap{
		"handled":        "issue_upserted",
		"was_new":        res.WasNew,
		"changed_fields": res.ChangedFields,
	}

	if ev.GetAction() != "reopened" || ev.GetSender().GetType() == "Bot" {
		return 0, results, nil
	}

	// A human reopened the issue. If an automated close completed within
	// the reopen window, reverse it.
	closeAction, err := p.store.LatestCompletedActionForIssue(ctx, res.IssueID, store.ActionCloseIssue)
	if errors.Is(err, store.ErrNotFound) {
		return 0, results, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to look up close action: %w", err)
	}
	if closeAction.RolledBack || closeAction.CompletedAt == nil {
		return 0, results, nil
	}
	if p.nowFunc().Sub(*closeAction.CompletedAt) > p.reopenWindow {
		return 0, results, nil
	}
	if p.rollbacker == nil {
		logger.WarnContext(ctx, "human reopen within window but no rollbacker configured",
			"issue_id", res.IssueID,
			"action_id", closeAction.ID)
		return 0, results, nil
	}

	if err := p.rollbacker.Rollback(ctx, closeAction.ID, reopenRollbackReason); err != nil {
		return 0, nil, fmt.Errorf("failed to roll back close after human reopen: %w", err)
	}
	logger.InfoContext(ctx, "rolled back automated close after human reopen",
		"issue_id", res.IssueID,
		"action_id", closeAction.ID,
		"sender", ev.GetSender().GetLogin())
	results["rolled_back_action"] = closeAction.ID
	return 1, results, nil
}

func (p *Processor) processPullRequestEvent(ctx context.Context, row *store.WebhookEvent, ev *github.PullRequestEvent) (int, store.JSONMap, error) {
	// Only merges matter; a merged fix is fresh evidence for the issues the
	// pull request claims to close.
	if ev.GetAction() != "closed" || !ev.GetPullRequest().GetMerged() {
		return 0, store.JSONMap{"handled": "recorded_only"}, nil
	}

	var touched []string
	mergedAt := ev.GetPullRequest().GetMergedAt().Time
	for _, m := range closingRefPattern.FindAllStringSubmatch(ev.GetPullRequest().GetBody(), -1) {
		number, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		err = p.store.TouchIssue(ctx, row.RepoOwner, row.RepoName, number, mergedAt)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("failed to touch issue #%d for merged pull request: %w", number, err)
		}
		touched = append(touched, strconv.Itoa(number))
	}

	return 0, store.JSONMap{
		"handled":        "merged_pull_request",
		"touched_issues": touched,
	}, nil
}
