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

// Package store owns durable persistence of issues, actions, detections,
// webhook events, and rate-limit samples. The store is authoritative;
// in-memory copies held by other components during a cycle are derived views.
package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// IssueStatus is the lifecycle state of an issue as mirrored from GitHub.
type IssueStatus string

const (
	IssueOpen   IssueStatus = "open"
	IssueClosed IssueStatus = "closed"
	IssueDraft  IssueStatus = "draft"
)

// Confidence is the categorical projection of a feature-completion score.
// The empty string means the issue has not been analyzed.
type Confidence string

const (
	ConfidenceLow      Confidence = "low"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceHigh     Confidence = "high"
	ConfidenceVeryHigh Confidence = "very_high"
)

// ActionType enumerates the mutations the automation core can perform.
type ActionType string

const (
	ActionCloseIssue     ActionType = "close_issue"
	ActionUpdateIssue    ActionType = "update_issue"
	ActionCreateIssue    ActionType = "create_issue"
	ActionLabelIssue     ActionType = "label_issue"
	ActionAssignIssue    ActionType = "assign_issue"
	ActionMilestoneIssue ActionType = "milestone_issue"
	ActionCommentIssue   ActionType = "comment_issue"
)

// ActionStatus is the execution state of an action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
	ActionRolledBack ActionStatus = "rolled_back"
	ActionCancelled  ActionStatus = "cancelled"
)

// CompletionStatus is the detected state of a feature referenced by an issue.
type CompletionStatus string

const (
	CompletionNotStarted CompletionStatus = "not_started"
	CompletionInProgress CompletionStatus = "in_progress"
	CompletionCompleted  CompletionStatus = "completed"
	CompletionVerified   CompletionStatus = "verified"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidScore is returned when a score is outside [0,1].
	ErrInvalidScore = errors.New("score must be in [0,1]")

	// ErrInvalidTransition is returned when an action status change violates
	// the state machine.
	ErrInvalidTransition = errors.New("invalid action status transition")
)

// validTransitions is the action state machine. Terminal states have no
// outgoing edges except completed -> rolled_back.
var validTransitions = map[ActionStatus][]ActionStatus{
	ActionPending:    {ActionInProgress, ActionCancelled},
	ActionInProgress: {ActionCompleted, ActionFailed, ActionCancelled, ActionPending},
	ActionCompleted:  {ActionRolledBack},
}

// ValidTransition reports whether an action may move from one status to
// another. in_progress -> pending covers actions returned to the queue after
// a rate-limit wait ceiling.
func ValidTransition(from, to ActionStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ValidScore reports whether a score is within [0,1].
func ValidScore(s float64) bool {
	return s >= 0 && s <= 1
}

// JSONMap is a schema-less payload container persisted as JSON. It backs
// evidence, rollback data, recorded API responses, and webhook payloads.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json map: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if err := json.Unmarshal(b, m); err != nil {
		return fmt.Errorf("failed to unmarshal json map: %w", err)
	}
	return nil
}

// Issue is the locally persisted mirror of a GitHub issue, plus automation
// aggregates. github_issue_id is the external identity used for idempotent
// upsert; rows are never deleted by the core.
type Issue struct {
	ID                     string        `db:"id" json:"id"`
	RepoOwner              string        `db:"repo_owner" json:"repo_owner"`
	RepoName               string        `db:"repo_name" json:"repo_name"`
	GitHubIssueNumber      int           `db:"github_issue_number" json:"github_issue_number"`
	GitHubIssueID          int64         `db:"github_issue_id" json:"github_issue_id"`
	Title                  string        `db:"title" json:"title"`
	Body                   string        `db:"body" json:"body"`
	Status                 IssueStatus   `db:"status" json:"status"`
	Author                 string        `db:"author" json:"author"`
	Assignees              StringList    `db:"assignees" json:"assignees"`
	Labels                 StringList    `db:"labels" json:"labels"`
	Milestone              *string       `db:"milestone" json:"milestone,omitempty"`
	MilestoneNumber        *int          `db:"milestone_number" json:"milestone_number,omitempty"`
	AutomationEligible     bool          `db:"automation_eligible" json:"automation_eligible"`
	AutomationConfidence   Confidence    `db:"automation_confidence" json:"automation_confidence,omitempty"`
	FeatureCompletionScore float64       `db:"feature_completion_score" json:"feature_completion_score"`
	GitHubCreatedAt        time.Time     `db:"github_created_at" json:"github_created_at"`
	GitHubUpdatedAt        time.Time     `db:"github_updated_at" json:"github_updated_at"`
	GitHubClosedAt         *time.Time    `db:"github_closed_at" json:"github_closed_at,omitempty"`
	FirstDetectedAt        time.Time     `db:"first_detected_at" json:"first_detected_at"`
	LastAnalyzedAt         *time.Time    `db:"last_analyzed_at" json:"last_analyzed_at,omitempty"`
	AnalysisCount          int           `db:"analysis_count" json:"analysis_count"`
	LastAnalysisDuration   time.Duration `db:"last_analysis_duration" json:"last_analysis_duration"`
}

// StringList is an ordered list of strings persisted as JSON.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return driver.Value([]byte("[]")), nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal string list: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	if err := json.Unmarshal(b, l); err != nil {
		return fmt.Errorf("failed to unmarshal string list: %w", err)
	}
	return nil
}

// IssueSnapshot is the external view of an issue as fetched from the GitHub
// API or carried in a webhook payload.
type IssueSnapshot struct {
	RepoOwner         string
	RepoName          string
	GitHubIssueNumber int
	GitHubIssueID     int64
	Title             string
	Body              string
	Status            IssueStatus
	Author            string
	Assignees         []string
	Labels            []string
	Milestone         *string
	MilestoneNumber   *int
	GitHubCreatedAt   time.Time
	GitHubUpdatedAt   time.Time
	GitHubClosedAt    *time.Time
}

// UpsertIssueResult reports the outcome of an issue upsert.
type UpsertIssueResult struct {
	IssueID       string
	WasNew        bool
	ChangedFields []string
}

// Action is a single planned mutation on GitHub with a full audit and
// rollback record.
type Action struct {
	ID                     string        `db:"id" json:"id"`
	IssueID                string        `db:"issue_id" json:"issue_id"`
	RepoOwner              string        `db:"repo_owner" json:"repo_owner"`
	RepoName               string        `db:"repo_name" json:"repo_name"`
	IssueNumber            int           `db:"issue_number" json:"issue_number"`
	Type                   ActionType    `db:"action_type" json:"action_type"`
	Status                 ActionStatus  `db:"status" json:"status"`
	ConfidenceScore        float64       `db:"confidence_score" json:"confidence_score"`
	PriorityScore          float64       `db:"priority_score" json:"priority_score"`
	Reasoning              string        `db:"reasoning" json:"reasoning"`
	Evidence               JSONMap       `db:"evidence" json:"evidence,omitempty"`
	Payload                JSONMap       `db:"payload" json:"payload,omitempty"`
	ExecutionAttempts      int           `db:"execution_attempts" json:"execution_attempts"`
	MaxAttempts            int           `db:"max_attempts" json:"max_attempts"`
	APICallsUsed           int           `db:"api_calls_used" json:"api_calls_used"`
	RateLimitRemainingSeen int           `db:"rate_limit_remaining_seen" json:"rate_limit_remaining_seen"`
	Success                *bool         `db:"success" json:"success,omitempty"`
	ErrorMessage           string        `db:"error_message" json:"error_message,omitempty"`
	GitHubResponse         JSONMap       `db:"github_response" json:"github_response,omitempty"`
	RollbackData           JSONMap       `db:"rollback_data" json:"rollback_data,omitempty"`
	CanRollback            bool          `db:"can_rollback" json:"can_rollback"`
	RolledBack             bool          `db:"rolled_back" json:"rolled_back"`
	RollbackReason         string        `db:"rollback_reason" json:"rollback_reason,omitempty"`
	CreatedAt              time.Time     `db:"created_at" json:"created_at"`
	StartedAt              *time.Time    `db:"started_at" json:"started_at,omitempty"`
	CompletedAt            *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	Duration               time.Duration `db:"duration" json:"duration"`
}

// ActionOutcome carries the terminal result of one action execution.
type ActionOutcome struct {
	Status             ActionStatus
	Success            *bool
	ErrorMessage       string
	ExecutionAttempts  int
	APICallsUsed       int
	RateLimitRemaining int
	GitHubResponse     JSONMap
	RollbackData       JSONMap
	CanRollback        bool
}

// FeatureDetection is a scored observation that a feature referenced by an
// issue appears complete. Detections are append-only; old rows remain for
// trend analysis.
type FeatureDetection struct {
	ID                 string           `db:"id" json:"id"`
	IssueID            string           `db:"issue_id" json:"issue_id"`
	FeatureName        string           `db:"feature_name" json:"feature_name"`
	FeatureCategory    string           `db:"feature_category" json:"feature_category"`
	CompletionStatus   CompletionStatus `db:"completion_status" json:"completion_status"`
	ConfidenceScore    float64          `db:"confidence_score" json:"confidence_score"`
	DetectionMethod    string           `db:"detection_method" json:"detection_method"`
	CodeEvidence       JSONMap          `db:"code_evidence" json:"code_evidence,omitempty"`
	CommitEvidence     JSONMap          `db:"commit_evidence" json:"commit_evidence,omitempty"`
	TestEvidence       JSONMap          `db:"test_evidence" json:"test_evidence,omitempty"`
	DocEvidence        JSONMap          `db:"doc_evidence" json:"doc_evidence,omitempty"`
	AnalysisVersion    string           `db:"analysis_version" json:"analysis_version"`
	FalsePositiveScore float64          `db:"false_positive_score" json:"false_positive_score"`
	DetectedAt         time.Time        `db:"detected_at" json:"detected_at"`
	VerifiedAt         *time.Time       `db:"verified_at" json:"verified_at,omitempty"`
}

// WebhookEvent is one received webhook delivery. github_delivery_id is
// globally unique and enforces exactly-once ingest.
type WebhookEvent struct {
	DeliveryID         string        `db:"github_delivery_id" json:"github_delivery_id"`
	EventType          string        `db:"event_type" json:"event_type"`
	Action             string        `db:"action" json:"action,omitempty"`
	RepoOwner          string        `db:"repo_owner" json:"repo_owner,omitempty"`
	RepoName           string        `db:"repo_name" json:"repo_name,omitempty"`
	Payload            JSONMap       `db:"payload" json:"payload,omitempty"`
	Headers            JSONMap       `db:"headers" json:"headers,omitempty"`
	Processed          bool          `db:"processed" json:"processed"`
	ProcessingDuration time.Duration `db:"processing_duration" json:"processing_duration"`
	ProcessingError    string        `db:"processing_error" json:"processing_error,omitempty"`
	TriggeredActions   int           `db:"triggered_actions" json:"triggered_actions"`
	AutomationResults  JSONMap       `db:"automation_results" json:"automation_results,omitempty"`
	ReceivedAt         time.Time     `db:"received_at" json:"received_at"`
	ProcessedAt        *time.Time    `db:"processed_at" json:"processed_at,omitempty"`
}

// WebhookOutcome carries the result of processing one webhook delivery.
type WebhookOutcome struct {
	Processed        bool
	Duration         time.Duration
	Error            string
	TriggeredActions int
	Results          JSONMap
}

// RateLimitSample is one observed rate-limit header set, append-only.
type RateLimitSample struct {
	ID              string        `db:"id" json:"id"`
	APIEndpoint     string        `db:"api_endpoint" json:"api_endpoint"`
	RateLimitType   string        `db:"rate_limit_type" json:"rate_limit_type"`
	Limit           int           `db:"rate_limit" json:"limit"`
	Remaining       int           `db:"remaining" json:"remaining"`
	ResetTimestamp  int64         `db:"reset_timestamp" json:"reset_timestamp"`
	Used            int           `db:"used" json:"used"`
	RequestURL      string        `db:"request_url" json:"request_url,omitempty"`
	ResponseStatus  int           `db:"response_status" json:"response_status"`
	RequestDuration time.Duration `db:"request_duration" json:"request_duration"`
	RecordedAt      time.Time     `db:"recorded_at" json:"recorded_at"`
}

// AnalysisResult carries per-issue aggregates written after a detector pass.
type AnalysisResult struct {
	Duration           time.Duration
	Score              float64
	Confidence         Confidence
	AutomationEligible bool
}

// Store is the persistence surface consumed by the automation core.
type Store interface {
	// UpsertIssue inserts or updates an issue keyed on github_issue_id.
	UpsertIssue(ctx context.Context, snap *IssueSnapshot) (*UpsertIssueResult, error)

	// GetIssue fetches an issue by internal id.
	GetIssue(ctx context.Context, id string) (*Issue, error)

	// GetIssueByGitHubID fetches an issue by its global GitHub id.
	GetIssueByGitHubID(ctx context.Context, githubIssueID int64) (*Issue, error)

	// TouchIssue bumps github_updated_at for the issue with the given repo
	// coordinates, marking it for re-analysis.
	TouchIssue(ctx context.Context, owner, repo string, number int, updatedAt time.Time) error

	// ListIssuesForAnalysis returns issues in the repo whose github_updated_at
	// is after their last_analyzed_at (or that were never analyzed).
	ListIssuesForAnalysis(ctx context.Context, owner, repo string, limit int) ([]*Issue, error)

	// MarkIssueAnalyzed increments analysis_count and writes the aggregates.
	MarkIssueAnalyzed(ctx context.Context, issueID string, res *AnalysisResult) error

	// RecordDetections appends detections for an issue.
	RecordDetections(ctx context.Context, issueID string, detections []*FeatureDetection) error

	// CreateAction persists a new pending action and returns its id.
	CreateAction(ctx context.Context, action *Action) (string, error)

	// GetAction fetches an action by id.
	GetAction(ctx context.Context, id string) (*Action, error)

	// ClaimActions atomically selects up to limit pending actions, ordered by
	// (priority_score desc, created_at asc), and marks them in_progress. No
	// two claimed actions share an issue, and issues with an in-flight action
	// are skipped entirely.
	ClaimActions(ctx context.Context, limit int) ([]*Action, error)

	// CompleteAction writes the terminal outcome of a claimed action.
	CompleteAction(ctx context.Context, actionID string, out *ActionOutcome) error

	// ReleaseAction returns an in_progress action to pending, preserving its
	// attempt count. Used when a rate-limit wait ceiling is hit.
	ReleaseAction(ctx context.Context, actionID string, attempts int) error

	// CancelAction moves a pending action to cancelled.
	CancelAction(ctx context.Context, actionID, reason string) error

	// MarkActionRolledBack flags a completed action as rolled back.
	MarkActionRolledBack(ctx context.Context, actionID, reason string) error

	// PendingActionCount returns the number of pending actions.
	PendingActionCount(ctx context.Context) (int, error)

	// LatestCompletedActionForIssue returns the most recently completed
	// action of the given type for an issue, or ErrNotFound.
	LatestCompletedActionForIssue(ctx context.Context, issueID string, t ActionType) (*Action, error)

	// HasOpenActionOfType reports whether the issue already has a pending or
	// in_progress action of the given type.
	HasOpenActionOfType(ctx context.Context, issueID string, t ActionType) (bool, error)

	// UpsertWebhookEvent inserts a webhook event keyed on delivery id. When
	// the delivery was seen before, isNew is false and the stored event is
	// returned unchanged.
	UpsertWebhookEvent(ctx context.Context, event *WebhookEvent) (isNew bool, stored *WebhookEvent, err error)

	// FinishWebhookEvent writes the processing outcome onto the event row.
	FinishWebhookEvent(ctx context.Context, deliveryID string, out *WebhookOutcome) error

	// RecordRateLimitSample appends a rate-limit sample.
	RecordRateLimitSample(ctx context.Context, sample *RateLimitSample) error

	// LatestRateLimitSamples returns the most recent sample per bucket.
	LatestRateLimitSamples(ctx context.Context) ([]*RateLimitSample, error)

	// Close releases the store's resources.
	Close() error
}
