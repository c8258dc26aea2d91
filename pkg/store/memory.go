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

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*InMemory)(nil)

// InMemory is a Store implementation backed by process memory. It enforces
// the same invariants as the SQL store and is used by tests and local
// development.
type InMemory struct {
	mu             sync.Mutex
	issues         map[string]*Issue // by internal id
	issuesByGHID   map[int64]string
	actions        map[string]*Action
	detections     map[string][]*FeatureDetection // by issue id
	webhookEvents  map[string]*WebhookEvent       // by delivery id
	samples        []*RateLimitSample
	nowFunc        func() time.Time
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithNowFunc overrides the clock, for testing.
func WithNowFunc(fn func() time.Time) InMemoryOption {
	return func(m *InMemory) {
		m.nowFunc = fn
	}
}

// NewInMemory creates an empty in-memory store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{
		issues:        make(map[string]*Issue),
		issuesByGHID:  make(map[int64]string),
		actions:       make(map[string]*Action),
		detections:    make(map[string][]*FeatureDetection),
		webhookEvents: make(map[string]*WebhookEvent),
		nowFunc:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *InMemory) UpsertIssue(ctx context.Context, snap *IssueSnapshot) (*UpsertIssueResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc().UTC()

	id, ok := m.issuesByGHID[snap.GitHubIssueID]
	if !ok {
		issue := issueFromSnapshot(snap)
		issue.ID = uuid.NewString()
		issue.FirstDetectedAt = now
		m.issues[issue.ID] = issue
		m.issuesByGHID[snap.GitHubIssueID] = issue.ID
		return &UpsertIssueResult{IssueID: issue.ID, WasNew: true}, nil
	}

	existing := m.issues[id]
	changed := applySnapshot(existing, snap)
	return &UpsertIssueResult{IssueID: id, WasNew: false, ChangedFields: changed}, nil
}

func (m *InMemory) GetIssue(ctx context.Context, id string) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %q: %w", id, ErrNotFound)
	}
	cp := *issue
	return &cp, nil
}

func (m *InMemory) GetIssueByGitHubID(ctx context.Context, githubIssueID int64) (*Issue, error) {
	m.mu.Lock()
	id, ok := m.issuesByGHID[githubIssueID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("github issue %d: %w", githubIssueID, ErrNotFound)
	}
	return m.GetIssue(ctx, id)
}

func (m *InMemory) TouchIssue(ctx context.Context, owner, repo string, number int, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, issue := range m.issues {
		if issue.RepoOwner == owner && issue.RepoName == repo && issue.GitHubIssueNumber == number {
			if updatedAt.After(issue.GitHubUpdatedAt) {
				issue.GitHubUpdatedAt = updatedAt
			}
			return nil
		}
	}
	return fmt.Errorf("issue %s/%s#%d: %w", owner, repo, number, ErrNotFound)
}

func (m *InMemory) ListIssuesForAnalysis(ctx context.Context, owner, repo string, limit int) ([]*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Issue
	for _, issue := range m.issues {
		if issue.RepoOwner != owner || issue.RepoName != repo {
			continue
		}
		if issue.LastAnalyzedAt != nil && !issue.GitHubUpdatedAt.After(*issue.LastAnalyzedAt) {
			continue
		}
		cp := *issue
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GitHubUpdatedAt.Before(out[j].GitHubUpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemory) MarkIssueAnalyzed(ctx context.Context, issueID string, res *AnalysisResult) error {
	if !ValidScore(res.Score) {
		return fmt.Errorf("feature completion score %f: %w", res.Score, ErrInvalidScore)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[issueID]
	if !ok {
		return fmt.Errorf("issue %q: %w", issueID, ErrNotFound)
	}

	now := m.nowFunc().UTC()
	issue.LastAnalyzedAt = &now
	issue.AnalysisCount++
	issue.LastAnalysisDuration = res.Duration
	issue.FeatureCompletionScore = res.Score
	issue.AutomationConfidence = res.Confidence
	issue.AutomationEligible = res.AutomationEligible
	return nil
}

func (m *InMemory) RecordDetections(ctx context.Context, issueID string, detections []*FeatureDetection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.issues[issueID]; !ok {
		return fmt.Errorf("issue %q: %w", issueID, ErrNotFound)
	}

	now := m.nowFunc().UTC()
	for _, d := range detections {
		if !ValidScore(d.ConfidenceScore) || !ValidScore(d.FalsePositiveScore) {
			return fmt.Errorf("detection %q: %w", d.FeatureName, ErrInvalidScore)
		}
		cp := *d
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		cp.IssueID = issueID
		if cp.DetectedAt.IsZero() {
			cp.DetectedAt = now
		}
		m.detections[issueID] = append(m.detections[issueID], &cp)
	}
	return nil
}

// DetectionsForIssue returns the recorded detections for an issue, oldest
// first. Not part of the Store interface; used by tests.
func (m *InMemory) DetectionsForIssue(issueID string) []*FeatureDetection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.detections[issueID])
}

func (m *InMemory) CreateAction(ctx context.Context, action *Action) (string, error) {
	if !ValidScore(action.ConfidenceScore) {
		return "", fmt.Errorf("action confidence %f: %w", action.ConfidenceScore, ErrInvalidScore)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *action
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Status = ActionPending
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.nowFunc().UTC()
	}
	m.actions[cp.ID] = &cp
	return cp.ID, nil
}

func (m *InMemory) GetAction(ctx context.Context, id string) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[id]
	if !ok {
		return nil, fmt.Errorf("action %q: %w", id, ErrNotFound)
	}
	cp := *action
	return &cp, nil
}

func (m *InMemory) ClaimActions(ctx context.Context, limit int) ([]*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	busy := make(map[string]bool)
	for _, a := range m.actions {
		if a.Status == ActionInProgress {
			busy[a.IssueID] = true
		}
	}

	var pending []*Action
	for _, a := range m.actions {
		if a.Status == ActionPending && !busy[a.IssueID] {
			pending = append(pending, a)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].PriorityScore != pending[j].PriorityScore {
			return pending[i].PriorityScore > pending[j].PriorityScore
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	now := m.nowFunc().UTC()
	var claimed []*Action
	for _, a := range pending {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		if busy[a.IssueID] {
			continue
		}
		busy[a.IssueID] = true
		a.Status = ActionInProgress
		started := now
		a.StartedAt = &started
		cp := *a
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *InMemory) CompleteAction(ctx context.Context, actionID string, out *ActionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[actionID]
	if !ok {
		return fmt.Errorf("action %q: %w", actionID, ErrNotFound)
	}
	if !ValidTransition(action.Status, out.Status) {
		return fmt.Errorf("%s -> %s: %w", action.Status, out.Status, ErrInvalidTransition)
	}

	now := m.nowFunc().UTC()
	action.Status = out.Status
	action.Success = out.Success
	action.ErrorMessage = out.ErrorMessage
	action.ExecutionAttempts = out.ExecutionAttempts
	action.APICallsUsed = out.APICallsUsed
	action.RateLimitRemainingSeen = out.RateLimitRemaining
	action.GitHubResponse = out.GitHubResponse
	action.RollbackData = out.RollbackData
	action.CanRollback = out.CanRollback
	action.CompletedAt = &now
	if action.StartedAt != nil {
		action.Duration = now.Sub(*action.StartedAt)
	}
	return nil
}

func (m *InMemory) ReleaseAction(ctx context.Context, actionID string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[actionID]
	if !ok {
		return fmt.Errorf("action %q: %w", actionID, ErrNotFound)
	}
	if !ValidTransition(action.Status, ActionPending) {
		return fmt.Errorf("%s -> %s: %w", action.Status, ActionPending, ErrInvalidTransition)
	}
	action.Status = ActionPending
	action.StartedAt = nil
	action.ExecutionAttempts = attempts
	return nil
}

func (m *InMemory) CancelAction(ctx context.Context, actionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[actionID]
	if !ok {
		return fmt.Errorf("action %q: %w", actionID, ErrNotFound)
	}
	if !ValidTransition(action.Status, ActionCancelled) {
		return fmt.Errorf("%s -> %s: %w", action.Status, ActionCancelled, ErrInvalidTransition)
	}

	now := m.nowFunc().UTC()
	action.Status = ActionCancelled
	action.ErrorMessage = reason
	action.CompletedAt = &now
	return nil
}

func (m *InMemory) MarkActionRolledBack(ctx context.Context, actionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[actionID]
	if !ok {
		return fmt.Errorf("action %q: %w", actionID, ErrNotFound)
	}
	if !ValidTransition(action.Status, ActionRolledBack) {
		return fmt.Errorf("%s -> %s: %w", action.Status, ActionRolledBack, ErrInvalidTransition)
	}
	action.Status = ActionRolledBack
	action.RolledBack = true
	action.RollbackReason = reason
	return nil
}

func (m *InMemory) PendingActionCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.actions {
		if a.Status == ActionPending {
			n++
		}
	}
	return n, nil
}

func (m *InMemory) LatestCompletedActionForIssue(ctx context.Context, issueID string, t ActionType) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *Action
	for _, a := range m.actions {
		if a.IssueID != issueID || a.Type != t || a.Status != ActionCompleted {
			continue
		}
		if latest == nil || (a.CompletedAt != nil && latest.CompletedAt != nil && a.CompletedAt.After(*latest.CompletedAt)) {
			latest = a
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("completed %s action for issue %q: %w", t, issueID, ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (m *InMemory) HasOpenActionOfType(ctx context.Context, issueID string, t ActionType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.actions {
		if a.IssueID == issueID && a.Type == t && (a.Status == ActionPending || a.Status == ActionInProgress) {
			return true, nil
		}
	}
	return false, nil
}

func (m *InMemory) UpsertWebhookEvent(ctx context.Context, event *WebhookEvent) (bool, *WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stored, ok := m.webhookEvents[event.DeliveryID]; ok {
		cp := *stored
		return false, &cp, nil
	}

	cp := *event
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = m.nowFunc().UTC()
	}
	m.webhookEvents[event.DeliveryID] = &cp
	out := cp
	return true, &out, nil
}

func (m *InMemory) FinishWebhookEvent(ctx context.Context, deliveryID string, out *WebhookOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.webhookEvents[deliveryID]
	if !ok {
		return fmt.Errorf("webhook event %q: %w", deliveryID, ErrNotFound)
	}

	now := m.nowFunc().UTC()
	event.Processed = out.Processed
	event.ProcessingDuration = out.Duration
	event.ProcessingError = out.Error
	event.TriggeredActions = out.TriggeredActions
	event.AutomationResults = out.Results
	event.ProcessedAt = &now
	return nil
}

func (m *InMemory) RecordRateLimitSample(ctx context.Context, sample *RateLimitSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sample
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = m.nowFunc().UTC()
	}
	m.samples = append(m.samples, &cp)
	return nil
}

func (m *InMemory) LatestRateLimitSamples(ctx context.Context) ([]*RateLimitSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := make(map[string]*RateLimitSample)
	for _, s := range m.samples {
		cur, ok := latest[s.RateLimitType]
		if !ok || s.RecordedAt.After(cur.RecordedAt) {
			latest[s.RateLimitType] = s
		}
	}

	out := make([]*RateLimitSample, 0, len(latest))
	for _, s := range latest {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RateLimitType < out[j].RateLimitType })
	return out, nil
}

func (m *InMemory) Close() error {
	return nil
}

func issueFromSnapshot(snap *IssueSnapshot) *Issue {
	return &Issue{
		RepoOwner:         snap.RepoOwner,
		RepoName:          snap.RepoName,
		GitHubIssueNumber: snap.GitHubIssueNumber,
		GitHubIssueID:     snap.GitHubIssueID,
		Title:             snap.Title,
		Body:              snap.Body,
		Status:            snap.Status,
		Author:            snap.Author,
		Assignees:         slices.Clone(snap.Assignees),
		Labels:            slices.Clone(snap.Labels),
		Milestone:         snap.Milestone,
		MilestoneNumber:   snap.MilestoneNumber,
		GitHubCreatedAt:   snap.GitHubCreatedAt,
		GitHubUpdatedAt:   snap.GitHubUpdatedAt,
		GitHubClosedAt:    snap.GitHubClosedAt,
	}
}

// applySnapshot overwrites the issue's GitHub-owned attributes with the
// snapshot values (last writer wins, driven by github_updated_at) and
// returns the names of changed fields. Local automation aggregates are left
// untouched.
func applySnapshot(issue *Issue, snap *IssueSnapshot) []string {
	var changed []string

	if issue.Title != snap.Title {
		issue.Title = snap.Title
		changed = append(changed, "title")
	}
	if issue.Body != snap.Body {
		issue.Body = snap.Body
		changed = append(changed, "body")
	}
	if issue.Status != snap.Status {
		issue.Status = snap.Status
		changed = append(changed, "status")
	}
	if issue.Author != snap.Author {
		issue.Author = snap.Author
		changed = append(changed, "author")
	}
	if !slices.Equal(issue.Assignees, snap.Assignees) {
		issue.Assignees = slices.Clone(snap.Assignees)
		changed = append(changed, "assignees")
	}
	if !slices.Equal(issue.Labels, snap.Labels) {
		issue.Labels = slices.Clone(snap.Labels)
		changed = append(changed, "labels")
	}
	if !equalStringPtr(issue.Milestone, snap.Milestone) {
		issue.Milestone = snap.Milestone
		issue.MilestoneNumber = snap.MilestoneNumber
		changed = append(changed, "milestone")
	}
	if !issue.GitHubUpdatedAt.Equal(snap.GitHubUpdatedAt) {
		issue.GitHubUpdatedAt = snap.GitHubUpdatedAt
		changed = append(changed, "github_updated_at")
	}
	if !equalTimePtr(issue.GitHubClosedAt, snap.GitHubClosedAt) {
		issue.GitHubClosedAt = snap.GitHubClosedAt
		changed = append(changed, "github_closed_at")
	}
	return changed
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
