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

// Package githubclient is the typed gateway over the GitHub REST and
// GraphQL surfaces. Every operation reserves from the rate budget before
// issuing, observes the response headers back into the budget, and records
// a rate-limit sample.
package githubclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v61/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/abcxyz/github-issue-automator/pkg/ratelimit"
	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/pkg/githubauth"
	"github.com/abcxyz/pkg/logging"
)

// SampleRecorder persists observed rate-limit samples.
type SampleRecorder interface {
	RecordRateLimitSample(ctx context.Context, sample *store.RateLimitSample) error
}

// GitHub is the gateway. All mutations needed for automation and rollback
// go through it.
type GitHub struct {
	client      *github.Client
	graphql     *githubv4.Client
	budget      *ratelimit.Budget
	samples     SampleRecorder
	httpTimeout time.Duration
	nowFunc     func() time.Time
}

// New creates a gateway from config, wiring the shared rate budget and the
// sample recorder.
func New(ctx context.Context, cfg *Config, budget *ratelimit.Budget, samples SampleRecorder) (*GitHub, error) {
	ts, err := tokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	httpClient := oauth2.NewClient(ctx, ts)
	client := github.NewClient(httpClient)
	if cfg.GitHubEnterpriseURL != "" {
		client, err = client.WithEnterpriseURLs(cfg.GitHubEnterpriseURL, cfg.GitHubEnterpriseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create enterprise client: %w", err)
		}
	}

	graphql := githubv4.NewClient(httpClient)
	if cfg.GitHubEnterpriseURL != "" {
		graphql = githubv4.NewEnterpriseClient(cfg.GitHubEnterpriseURL+"/api/graphql", httpClient)
	}

	return &GitHub{
		client:      client,
		graphql:     graphql,
		budget:      budget,
		samples:     samples,
		httpTimeout: cfg.HTTPTimeout,
		nowFunc:     time.Now,
	}, nil
}

func tokenSource(ctx context.Context, cfg *Config) (oauth2.TokenSource, error) {
	if cfg.GitHubToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken}), nil
	}

	signer, err := githubauth.NewPrivateKeySigner(cfg.GitHubPrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to create private key signer: %w", err)
	}

	var appOpts []githubauth.Option
	if cfg.GitHubEnterpriseURL != "" {
		appOpts = append(appOpts, githubauth.WithBaseURL(cfg.GitHubEnterpriseURL+"/api/v3"))
	}
	app, err := githubauth.NewApp(cfg.GitHubAppID, signer, appOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create github app: %w", err)
	}
	return app.OAuthAppTokenSource(), nil
}

// call wraps one REST request: reserve from the budget, run it with the
// per-call timeout, observe headers, record a sample, classify the outcome.
func (gh *GitHub) call(ctx context.Context, bucket ratelimit.Bucket, endpoint string, fn func(context.Context) (*github.Response, error)) error {
	grant := gh.budget.Reserve(bucket, 1)
	if !grant.Granted {
		return &RateLimitedError{ResetAt: gh.nowFunc().Add(grant.WaitHint)}
	}

	callCtx := ctx
	if gh.httpTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, gh.httpTimeout)
		defer cancel()
	}

	start := gh.nowFunc()
	resp, err := fn(callCtx)
	gh.observe(ctx, bucket, endpoint, resp, gh.nowFunc().Sub(start))
	return classify(resp, err)
}

// observe updates the budget from response headers and appends a sample.
// Sample persistence failures are logged, not propagated; losing a sample
// must not fail the call that produced it.
func (gh *GitHub) observe(ctx context.Context, bucket ratelimit.Bucket, endpoint string, resp *github.Response, duration time.Duration) {
	if resp == nil {
		return
	}

	if resource := resp.Header.Get("X-RateLimit-Resource"); resource != "" {
		bucket = ratelimit.BucketForResource(resource)
	}
	gh.budget.Observe(bucket, resp.Rate.Limit, resp.Rate.Remaining, resp.Rate.Reset.Time)

	if gh.samples == nil {
		return
	}
	used := 0
	if v := resp.Header.Get("X-RateLimit-Used"); v != "" {
		used, _ = strconv.Atoi(v)
	}
	requestURL := ""
	if resp.Request != nil && resp.Request.URL != nil {
		requestURL = resp.Request.URL.String()
	}
	sample := &store.RateLimitSample{
		APIEndpoint:     endpoint,
		RateLimitType:   string(bucket),
		Limit:           resp.Rate.Limit,
		Remaining:       resp.Rate.Remaining,
		ResetTimestamp:  resp.Rate.Reset.Unix(),
		Used:            used,
		RequestURL:      requestURL,
		ResponseStatus:  resp.StatusCode,
		RequestDuration: duration,
	}
	if err := gh.samples.RecordRateLimitSample(ctx, sample); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to record rate limit sample",
			"endpoint", endpoint,
			"error", err)
	}
}

// Headroom reports remaining calls and time to reset for a bucket.
func (gh *GitHub) Headroom(bucket ratelimit.Bucket) ratelimit.Headroom {
	return gh.budget.HeadroomFor(bucket)
}

// IssuePage is one page of issue snapshots.
type IssuePage struct {
	Issues   []*store.IssueSnapshot
	NextPage int
}

// ListRepositoryIssues returns one page of issues for the repo, optionally
// filtered by update time.
func (gh *GitHub) ListRepositoryIssues(ctx context.Context, owner, repo string, since time.Time, state string, perPage, page int) (*IssuePage, error) {
	opts := &github.IssueListByRepoOptions{
		State:     state,
		Sort:      "updated",
		Direction: "asc",
		ListOptions: github.ListOptions{
			PerPage: perPage,
			Page:    page,
		},
	}
	if !since.IsZero() {
		opts.Since = since
	}

	var issues []*github.Issue
	var nextPage int
	err := gh.call(ctx, ratelimit.BucketCore, "issues.list", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		issues, resp, err = gh.client.Issues.ListByRepo(ctx, owner, repo, opts)
		if resp != nil {
			nextPage = resp.NextPage
		}
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list issues for %s/%s: %w", owner, repo, err)
	}

	page2 := &IssuePage{NextPage: nextPage}
	for _, issue := range issues {
		// The issues listing includes pull requests; the core acts on issues
		// only.
		if issue.IsPullRequest() {
			continue
		}
		page2.Issues = append(page2.Issues, SnapshotFromIssue(owner, repo, issue))
	}
	return page2, nil
}

// GetIssue fetches a single issue snapshot.
func (gh *GitHub) GetIssue(ctx context.Context, owner, repo string, number int) (*store.IssueSnapshot, error) {
	var issue *github.Issue
	err := gh.call(ctx, ratelimit.BucketCore, "issues.get", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = gh.client.Issues.Get(ctx, owner, repo, number)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return SnapshotFromIssue(owner, repo, issue), nil
}

// CloseIssue closes an open issue.
func (gh *GitHub) CloseIssue(ctx context.Context, owner, repo string, number int) error {
	err := gh.call(ctx, ratelimit.BucketCore, "issues.close", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := gh.client.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{
			State: github.String("closed"),
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to close issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// ReopenIssue reopens a closed issue. Used by rollback.
func (gh *GitHub) ReopenIssue(ctx context.Context, owner, repo string, number int) error {
	err := gh.call(ctx, ratelimit.BucketCore, "issues.reopen", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := gh.client.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{
			State: github.String("open"),
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to reopen issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// AddLabels adds labels to an issue.
func (gh *GitHub) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	err := gh.call(ctx, ratelimit.BucketCore, "issues.add_labels", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := gh.client.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to add labels to %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// RemoveLabels removes labels from an issue. Used by rollback; labels that
// are already gone are not an error.
func (gh *GitHub) RemoveLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	for _, label := range labels {
		label := label
		err := gh.call(ctx, ratelimit.BucketCore, "issues.remove_label", func(ctx context.Context) (*github.Response, error) {
			resp, err := gh.client.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
			return resp, err
		})
		if err != nil {
			var perm *PermanentError
			if errors.As(err, &perm) && perm.StatusCode == http.StatusNotFound {
				continue
			}
			return fmt.Errorf("failed to remove label %q from %s/%s#%d: %w", label, owner, repo, number, err)
		}
	}
	return nil
}

// AddComment posts a comment and returns the created comment id, which the
// executor persists for rollback.
func (gh *GitHub) AddComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	var comment *github.IssueComment
	err := gh.call(ctx, ratelimit.BucketCore, "issues.add_comment", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		comment, resp, err = gh.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
			Body: github.String(body),
		})
		return resp, err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	return comment.GetID(), nil
}

// DeleteComment deletes a comment by id. Used by rollback.
func (gh *GitHub) DeleteComment(ctx context.Context, owner, repo string, commentID int64) error {
	err := gh.call(ctx, ratelimit.BucketCore, "issues.delete_comment", func(ctx context.Context) (*github.Response, error) {
		resp, err := gh.client.Issues.DeleteComment(ctx, owner, repo, commentID)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to delete comment %d on %s/%s: %w", commentID, owner, repo, err)
	}
	return nil
}

// SetAssignees replaces the assignee list on an issue.
func (gh *GitHub) SetAssignees(ctx context.Context, owner, repo string, number int, assignees []string) error {
	err := gh.call(ctx, ratelimit.BucketCore, "issues.set_assignees", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := gh.client.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{
			Assignees: &assignees,
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to set assignees on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// SetMilestone sets or clears the milestone on an issue. A nil milestone
// clears it.
func (gh *GitHub) SetMilestone(ctx context.Context, owner, repo string, number int, milestone *int) error {
	err := gh.call(ctx, ratelimit.BucketCore, "issues.set_milestone", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := gh.client.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{
			Milestone: milestone,
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to set milestone on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// IssueEdit carries the mutable fields for UpdateIssue. Nil fields are
// left untouched.
type IssueEdit struct {
	Title     *string
	Body      *string
	Labels    *[]string
	Assignees *[]string
	Milestone *int
}

// CreateIssue opens a new issue and returns its number.
func (gh *GitHub) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (int, error) {
	var created *github.Issue
	err := gh.call(ctx, ratelimit.BucketCore, "issues.create", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		req := &github.IssueRequest{
			Title: github.String(title),
			Body:  github.String(body),
		}
		if len(labels) > 0 {
			req.Labels = &labels
		}
		created, resp, err = gh.client.Issues.Create(ctx, owner, repo, req)
		return resp, err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create issue in %s/%s: %w", owner, repo, err)
	}
	return created.GetNumber(), nil
}

// UpdateIssue edits an issue's fields.
func (gh *GitHub) UpdateIssue(ctx context.Context, owner, repo string, number int, edit *IssueEdit) error {
	req := &github.IssueRequest{
		Title:     edit.Title,
		Body:      edit.Body,
		Labels:    edit.Labels,
		Assignees: edit.Assignees,
		Milestone: edit.Milestone,
	}
	err := gh.call(ctx, ratelimit.BucketCore, "issues.update", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := gh.client.Issues.Edit(ctx, owner, repo, number, req)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to update issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// SnapshotFromIssue converts a go-github issue into the store's snapshot
// form. Also used by the ingestor for webhook-embedded issues.
func SnapshotFromIssue(owner, repo string, issue *github.Issue) *store.IssueSnapshot {
	snap := &store.IssueSnapshot{
		RepoOwner:         owner,
		RepoName:          repo,
		GitHubIssueNumber: issue.GetNumber(),
		GitHubIssueID:     issue.GetID(),
		Title:             issue.GetTitle(),
		Body:              issue.GetBody(),
		Status:            store.IssueStatus(issue.GetState()),
		Author:            issue.GetUser().GetLogin(),
		GitHubCreatedAt:   issue.GetCreatedAt().Time,
		GitHubUpdatedAt:   issue.GetUpdatedAt().Time,
	}
	for _, a := range issue.Assignees {
		snap.Assignees = append(snap.Assignees, a.GetLogin())
	}
	for _, l := range issue.Labels {
		snap.Labels = append(snap.Labels, l.GetName())
	}
	if m := issue.Milestone; m != nil {
		title := m.GetTitle()
		number := m.GetNumber()
		snap.Milestone = &title
		snap.MilestoneNumber = &number
	}
	if c := issue.ClosedAt; c != nil {
		t := c.Time
		snap.GitHubClosedAt = &t
	}
	return snap
}
