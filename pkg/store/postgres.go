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
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*Postgres)(nil)

// Postgres is the production Store backed by PostgreSQL via sqlx over the
// pgx stdlib driver.
type Postgres struct {
	db      *sqlx.DB
	nowFunc func() time.Time
}

// NewPostgres connects to the database at the given DSN.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Postgres{db: db, nowFunc: time.Now}, nil
}

// NewPostgresFromDB wraps an existing connection. Used by tests with sqlmock.
func NewPostgresFromDB(db *sql.DB, driverName string) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, driverName), nowFunc: time.Now}
}

// Migrate applies all pending embedded migrations.
func Migrate(ctx context.Context, dsn string) error {
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migration: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertIssue(ctx context.Context, snap *IssueSnapshot) (*UpsertIssueResult, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var existing Issue
	err = tx.GetContext(ctx, &existing,
		`SELECT * FROM issues WHERE github_issue_id = $1 FOR UPDATE`, snap.GitHubIssueID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		issue := issueFromSnapshot(snap)
		issue.ID = uuid.NewString()
		issue.FirstDetectedAt = p.nowFunc().UTC()
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO issues (
				id, repo_owner, repo_name, github_issue_number, github_issue_id,
				title, body, status, author, assignees, labels, milestone,
				milestone_number, github_created_at, github_updated_at,
				github_closed_at, first_detected_at
			) VALUES (
				:id, :repo_owner, :repo_name, :github_issue_number, :github_issue_id,
				:title, :body, :status, :author, :assignees, :labels, :milestone,
				:milestone_number, :github_created_at, :github_updated_at,
				:github_closed_at, :first_detected_at
			)`, issue); err != nil {
			return nil, fmt.Errorf("failed to insert issue: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit issue insert: %w", err)
		}
		return &UpsertIssueResult{IssueID: issue.ID, WasNew: true}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load issue for upsert: %w", err)
	}

	changed := applySnapshot(&existing, snap)
	if len(changed) > 0 {
		if _, err := tx.NamedExecContext(ctx, `
			UPDATE issues SET
				title = :title, body = :body, status = :status, author = :author,
				assignees = :assignees, labels = :labels, milestone = :milestone,
				milestone_number = :milestone_number,
				github_updated_at = :github_updated_at,
				github_closed_at = :github_closed_at
			WHERE id = :id`, &existing); err != nil {
			return nil, fmt.Errorf("failed to update issue: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit issue update: %w", err)
	}
	return &UpsertIssueResult{IssueID: existing.ID, WasNew: false, ChangedFields: changed}, nil
}

func (p *Postgres) GetIssue(ctx context.Context, id string) (*Issue, error) {
	var issue Issue
	if err := p.db.GetContext(ctx, &issue, `SELECT * FROM issues WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("issue %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return &issue, nil
}

func (p *Postgres) GetIssueByGitHubID(ctx context.Context, githubIssueID int64) (*Issue, error) {
	var issue Issue
	if err := p.db.GetContext(ctx, &issue,
		`SELECT * FROM issues WHERE github_issue_id = $1`, githubIssueID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("github issue %d: %w", githubIssueID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return &issue, nil
}

func (p *Postgres) TouchIssue(ctx context.Context, owner, repo string, number int, updatedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE issues SET github_updated_at = GREATEST(github_updated_at, $4)
		WHERE repo_owner = $1 AND repo_name = $2 AND github_issue_number = $3`,
		owner, repo, number, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to touch issue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("issue %s/%s#%d: %w", owner, repo, number, ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListIssuesForAnalysis(ctx context.Context, owner, repo string, limit int) ([]*Issue, error) {
	var issues []*Issue
	if err := p.db.SelectContext(ctx, &issues, `
		SELECT * FROM issues
		WHERE repo_owner = $1 AND repo_name = $2
		  AND (last_analyzed_at IS NULL OR github_updated_at > last_analyzed_at)
		ORDER BY github_updated_at ASC
		LIMIT $3`, owner, repo, limit); err != nil {
		return nil, fmt.Errorf("failed to list issues for analysis: %w", err)
	}
	return issues, nil
}

func (p *Postgres) MarkIssueAnalyzed(ctx context.Context, issueID string, res *AnalysisResult) error {
	if !ValidScore(res.Score) {
		return fmt.Errorf("feature completion score %f: %w", res.Score, ErrInvalidScore)
	}

	var confidence any
	if res.Confidence != "" {
		confidence = string(res.Confidence)
	}
	if _, err := p.db.ExecContext(ctx, `
		UPDATE issues SET
			last_analyzed_at = now(),
			analysis_count = analysis_count + 1,
			last_analysis_duration = $2,
			feature_completion_score = $3,
			automation_confidence = $4,
			automation_eligible = $5
		WHERE id = $1`,
		issueID, res.Duration, res.Score, confidence, res.AutomationEligible); err != nil {
		return fmt.Errorf("failed to mark issue analyzed: %w", err)
	}
	return nil
}

func (p *Postgres) RecordDetections(ctx context.Context, issueID string, detections []*FeatureDetection) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := p.nowFunc().UTC()
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
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO feature_detections (
				id, issue_id, feature_name, feature_category, completion_status,
				confidence_score, detection_method, code_evidence, commit_evidence,
				test_evidence, doc_evidence, analysis_version, false_positive_score,
				detected_at, verified_at
			) VALUES (
				:id, :issue_id, :feature_name, :feature_category, :completion_status,
				:confidence_score, :detection_method, :code_evidence, :commit_evidence,
				:test_evidence, :doc_evidence, :analysis_version, :false_positive_score,
				:detected_at, :verified_at
			)`, &cp); err != nil {
			return fmt.Errorf("failed to insert detection: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit detections: %w", err)
	}
	return nil
}

func (p *Postgres) CreateAction(ctx context.Context, action *Action) (string, error) {
	if !ValidScore(action.ConfidenceScore) {
		return "", fmt.Errorf("action confidence %f: %w", action.ConfidenceScore, ErrInvalidScore)
	}

	cp := *action
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Status = ActionPending
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = p.nowFunc().UTC()
	}
	if _, err := p.db.NamedExecContext(ctx, `
		INSERT INTO actions (
			id, issue_id, repo_owner, repo_name, issue_number, action_type,
			status, confidence_score, priority_score, reasoning, evidence,
			payload, max_attempts, created_at
		) VALUES (
			:id, :issue_id, :repo_owner, :repo_name, :issue_number, :action_type,
			:status, :confidence_score, :priority_score, :reasoning, :evidence,
			:payload, :max_attempts, :created_at
		)`, &cp); err != nil {
		return "", fmt.Errorf("failed to insert action: %w", err)
	}
	return cp.ID, nil
}

func (p *Postgres) GetAction(ctx context.Context, id string) (*Action, error) {
	var action Action
	if err := p.db.GetContext(ctx, &action, `SELECT * FROM actions WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("action %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return &action, nil
}

func (p *Postgres) ClaimActions(ctx context.Context, limit int) ([]*Action, error) {
	// SKIP LOCKED lets concurrent claimers race without blocking. Per-issue
	// mutual exclusion needs two guards: NOT EXISTS keeps off issues with an
	// in-flight action, and the correlated top-pick keeps a single batch from
	// claiming two pending actions on the same issue.
	var actions []*Action
	if err := p.db.SelectContext(ctx, &actions, `
		UPDATE actions SET status = 'in_progress', started_at = now()
		WHERE id IN (
			SELECT a.id FROM actions a
			WHERE a.status = 'pending'
			  AND NOT EXISTS (
				SELECT 1 FROM actions b
				WHERE b.issue_id = a.issue_id AND b.status = 'in_progress'
			  )
			  AND a.id = (
				SELECT c.id FROM actions c
				WHERE c.issue_id = a.issue_id AND c.status = 'pending'
				ORDER BY c.priority_score DESC, c.created_at ASC, c.id ASC
				LIMIT 1
			  )
			ORDER BY a.priority_score DESC, a.created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, limit); err != nil {
		return nil, fmt.Errorf("failed to claim actions: %w", err)
	}
	return actions, nil
}

func (p *Postgres) CompleteAction(ctx context.Context, actionID string, out *ActionOutcome) error {
	return p.transitionAction(ctx, actionID, out.Status, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE actions SET
				status = $2, success = $3, error_message = $4,
				execution_attempts = $5, api_calls_used = $6,
				rate_limit_remaining_seen = $7, github_response = $8,
				rollback_data = $9, can_rollback = $10,
				completed_at = now(),
				duration = (EXTRACT(EPOCH FROM (now() - started_at)) * 1e9)::BIGINT
			WHERE id = $1`,
			actionID, out.Status, out.Success, out.ErrorMessage,
			out.ExecutionAttempts, out.APICallsUsed, out.RateLimitRemaining,
			out.GitHubResponse, out.RollbackData, out.CanRollback); err != nil {
			return fmt.Errorf("failed to complete action: %w", err)
		}
		return nil
	})
}

func (p *Postgres) ReleaseAction(ctx context.Context, actionID string, attempts int) error {
	return p.transitionAction(ctx, actionID, ActionPending, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE actions SET status = 'pending', started_at = NULL, execution_attempts = $2
			WHERE id = $1`, actionID, attempts); err != nil {
			return fmt.Errorf("failed to release action: %w", err)
		}
		return nil
	})
}

func (p *Postgres) CancelAction(ctx context.Context, actionID, reason string) error {
	return p.transitionAction(ctx, actionID, ActionCancelled, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE actions SET status = 'cancelled', error_message = $2, completed_at = now()
			WHERE id = $1`, actionID, reason); err != nil {
			return fmt.Errorf("failed to cancel action: %w", err)
		}
		return nil
	})
}

func (p *Postgres) MarkActionRolledBack(ctx context.Context, actionID, reason string) error {
	return p.transitionAction(ctx, actionID, ActionRolledBack, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE actions SET status = 'rolled_back', rolled_back = TRUE, rollback_reason = $2
			WHERE id = $1`, actionID, reason); err != nil {
			return fmt.Errorf("failed to mark action rolled back: %w", err)
		}
		return nil
	})
}

// transitionAction validates the status transition under a row lock before
// applying the mutation.
func (p *Postgres) transitionAction(ctx context.Context, actionID string, to ActionStatus, apply func(context.Context, *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var from ActionStatus
	if err := tx.GetContext(ctx, &from,
		`SELECT status FROM actions WHERE id = $1 FOR UPDATE`, actionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("action %q: %w", actionID, ErrNotFound)
		}
		return fmt.Errorf("failed to load action status: %w", err)
	}
	if !ValidTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	if err := apply(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit action transition: %w", err)
	}
	return nil
}

func (p *Postgres) PendingActionCount(ctx context.Context) (int, error) {
	var n int
	if err := p.db.GetContext(ctx, &n,
		`SELECT count(*) FROM actions WHERE status = 'pending'`); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return n, nil
}

func (p *Postgres) LatestCompletedActionForIssue(ctx context.Context, issueID string, t ActionType) (*Action, error) {
	var action Action
	if err := p.db.GetContext(ctx, &action, `
		SELECT * FROM actions
		WHERE issue_id = $1 AND action_type = $2 AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT 1`, issueID, t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("completed %s action for issue %q: %w", t, issueID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load latest completed action: %w", err)
	}
	return &action, nil
}

func (p *Postgres) HasOpenActionOfType(ctx context.Context, issueID string, t ActionType) (bool, error) {
	var n int
	if err := p.db.GetContext(ctx, &n, `
		SELECT count(*) FROM actions
		WHERE issue_id = $1 AND action_type = $2 AND status IN ('pending', 'in_progress')`,
		issueID, t); err != nil {
		return false, fmt.Errorf("failed to count open actions: %w", err)
	}
	return n > 0, nil
}

func (p *Postgres) UpsertWebhookEvent(ctx context.Context, event *WebhookEvent) (bool, *WebhookEvent, error) {
	cp := *event
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = p.nowFunc().UTC()
	}
	res, err := p.db.NamedExecContext(ctx, `
		INSERT INTO webhook_events (
			github_delivery_id, event_type, action, repo_owner, repo_name,
			payload, headers, received_at
		) VALUES (
			:github_delivery_id, :event_type, :action, :repo_owner, :repo_name,
			:payload, :headers, :received_at
		)
		ON CONFLICT (github_delivery_id) DO NOTHING`, &cp)
	if err != nil {
		return false, nil, fmt.Errorf("failed to upsert webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to read rows affected: %w", err)
	}

	var stored WebhookEvent
	if err := p.db.GetContext(ctx, &stored,
		`SELECT * FROM webhook_events WHERE github_delivery_id = $1`, event.DeliveryID); err != nil {
		return false, nil, fmt.Errorf("failed to load webhook event: %w", err)
	}
	return n > 0, &stored, nil
}

func (p *Postgres) FinishWebhookEvent(ctx context.Context, deliveryID string, out *WebhookOutcome) error {
	if _, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events SET
			processed = $2, processing_duration = $3, processing_error = $4,
			triggered_actions = $5, automation_results = $6, processed_at = now()
		WHERE github_delivery_id = $1`,
		deliveryID, out.Processed, out.Duration, out.Error,
		out.TriggeredActions, out.Results); err != nil {
		return fmt.Errorf("failed to finish webhook event: %w", err)
	}
	return nil
}

func (p *Postgres) RecordRateLimitSample(ctx context.Context, sample *RateLimitSample) error {
	cp := *sample
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = p.nowFunc().UTC()
	}
	if _, err := p.db.NamedExecContext(ctx, `
		INSERT INTO rate_limit_samples (
			id, api_endpoint, rate_limit_type, rate_limit, remaining,
			reset_timestamp, used, request_url, response_status,
			request_duration, recorded_at
		) VALUES (
			:id, :api_endpoint, :rate_limit_type, :rate_limit, :remaining,
			:reset_timestamp, :used, :request_url, :response_status,
			:request_duration, :recorded_at
		)`, &cp); err != nil {
		return fmt.Errorf("failed to insert rate limit sample: %w", err)
	}
	return nil
}

func (p *Postgres) LatestRateLimitSamples(ctx context.Context) ([]*RateLimitSample, error) {
	var samples []*RateLimitSample
	if err := p.db.SelectContext(ctx, &samples, `
		SELECT DISTINCT ON (rate_limit_type) *
		FROM rate_limit_samples
		ORDER BY rate_limit_type, recorded_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to load latest rate limit samples: %w", err)
	}
	return samples, nil
}

func (p *Postgres) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
