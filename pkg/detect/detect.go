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

// Package detect scores per-issue completion evidence gathered from
// commits, tests, documentation, and issue lifecycle.
package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/abcxyz/github-issue-automator/pkg/githubclient"
	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// EvidenceSource is the slice of the gateway the detector reads from.
// Implemented by [githubclient.GitHub].
type EvidenceSource interface {
	SearchCommitsReferencing(ctx context.Context, owner, repo string, number int) ([]*githubclient.CommitRef, error)
	CommitFiles(ctx context.Context, owner, repo, sha string) ([]*githubclient.CommitFile, error)
	AssociatedPullRequests(ctx context.Context, owner, repo string, number int) ([]*githubclient.LinkedPullRequest, error)
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*githubclient.IssueComment, error)
	IssueTimeline(ctx context.Context, owner, repo string, number int) ([]*githubclient.TimelineEntry, error)
}

// Evidence is everything gathered for one issue before scoring. Scoring is
// a pure function of Evidence, the issue, and the weight set.
type Evidence struct {
	Commits   []*githubclient.CommitRef
	Files     []*githubclient.CommitFile
	PRs       []*githubclient.LinkedPullRequest
	Comments  []*githubclient.IssueComment
	Timeline  []*githubclient.TimelineEntry
	FetchedAt time.Time
}

// Analysis is the scored outcome for one issue.
type Analysis struct {
	Score              float64
	Confidence         store.Confidence
	FalsePositiveScore float64
	Eligible           bool
	IneligibleReason   string
	Detections         []*store.FeatureDetection
	Duration           time.Duration
}

// Detector scores issues. Safe for concurrent use.
type Detector struct {
	gh              EvidenceSource
	weights         Weights
	expectedFiles   int
	lifecycleWindow time.Duration
	holdWindow      time.Duration
	maxCommitFetch  int
	nowFunc         func() time.Time
}

// Option customizes a Detector.
type Option func(*Detector)

// WithWeights overrides the default weight set.
func WithWeights(w Weights) Option {
	return func(d *Detector) { d.weights = w }
}

// WithExpectedFiles overrides how many touched code files count as full
// code evidence.
func WithExpectedFiles(n int) Option {
	return func(d *Detector) { d.expectedFiles = n }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(d *Detector) { d.nowFunc = now }
}

// New creates a Detector over the given evidence source.
func New(gh EvidenceSource, opts ...Option) (*Detector, error) {
	d := &Detector{
		gh:              gh,
		weights:         DefaultWeights(),
		expectedFiles:   3,
		lifecycleWindow: 14 * 24 * time.Hour,
		holdWindow:      24 * time.Hour,
		maxCommitFetch:  10,
		nowFunc:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.weights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid weights: %w", err)
	}
	return d, nil
}

// AnalyzeIssue gathers evidence and scores the issue. Given identical
// evidence and the same [AnalysisVersion], the result is identical.
func (d *Detector) AnalyzeIssue(ctx context.Context, issue *store.Issue) (*Analysis, error) {
	start := d.nowFunc()

	evidence, err := d.gather(ctx, issue)
	if err != nil {
		return nil, err
	}

	analysis := d.Score(issue, evidence)
	analysis.Duration = d.nowFunc().Sub(start)

	logging.FromContext(ctx).DebugContext(ctx, "analyzed issue",
		"issue", fmt.Sprintf("%s/%s#%d", issue.RepoOwner, issue.RepoName, issue.GitHubIssueNumber),
		"score", analysis.Score,
		"confidence", analysis.Confidence,
		"eligible", analysis.Eligible,
		"false_positive", analysis.FalsePositiveScore)
	return analysis, nil
}

func (d *Detector) gather(ctx context.Context, issue *store.Issue) (*Evidence, error) {
	owner, repo, number := issue.RepoOwner, issue.RepoName, issue.GitHubIssueNumber

	comments, err := d.gh.ListIssueComments(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to gather comments: %w", err)
	}

	commits, err := d.gh.SearchCommitsReferencing(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to gather commits: %w", err)
	}

	var files []*githubclient.CommitFile
	for i, c := range commits {
		if i >= d.maxCommitFetch {
			break
		}
		cf, err := d.gh.CommitFiles(ctx, owner, repo, c.SHA)
		if err != nil {
			return nil, fmt.Errorf("failed to gather files for %s: %w", c.SHA, err)
		}
		files = append(files, cf...)
	}

	prs, err := d.gh.AssociatedPullRequests(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to gather linked pull requests: %w", err)
	}

	timeline, err := d.gh.IssueTimeline(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to gather timeline: %w", err)
	}

	return &Evidence{
		Commits:   commits,
		Files:     files,
		PRs:       prs,
		Comments:  comments,
		Timeline:  timeline,
		FetchedAt: d.nowFunc(),
	}, nil
}

// Score computes the analysis from evidence alone, no network. Exported so
// the planner's tests can drive it directly.
func (d *Detector) Score(issue *store.Issue, ev *Evidence) *Analysis {
	now := d.nowFunc()

	// Hard disqualifiers: no detections, not eligible, regardless of score.
	if hasDoNotAutomateLabel(issue) {
		return &Analysis{
			Confidence:       store.ConfidenceLow,
			Eligible:         false,
			IneligibleReason: "labeled " + DoNotAutomateLabel,
		}
	}
	if assigneeHoldRequested(issue, ev.Comments, now, d.holdWindow) {
		return &Analysis{
			Confidence:       store.ConfidenceLow,
			Eligible:         false,
			IneligibleReason: "assignee requested hold",
		}
	}

	codeVal := codeEvidenceValue(ev.Files, d.expectedFiles)
	testVal := testEvidenceValue(ev.Files, ev.PRs)
	commitVal := commitEvidenceValue(ev.Commits)
	docVal := docEvidenceValue(ev.Files)
	lifecycleVal := lifecycleEvidenceValue(issue, ev.Comments, now, d.lifecycleWindow)

	score := d.weights.Code*codeVal +
		d.weights.Test*testVal +
		d.weights.Commit*commitVal +
		d.weights.Doc*docVal +
		d.weights.Lifecycle*lifecycleVal

	fp, fpSignals := falsePositiveScore(ev.Files, ev.Comments, ev.Timeline, now)
	confidence := confidenceFor(score, fp)

	detection := &store.FeatureDetection{
		IssueID:          issue.ID,
		FeatureName:      fmt.Sprintf("%s/%s#%d", issue.RepoOwner, issue.RepoName, issue.GitHubIssueNumber),
		FeatureCategory:  "issue_completion",
		CompletionStatus: completionStatusFor(score),
		ConfidenceScore:  score,
		DetectionMethod:  "weighted_evidence",
		CodeEvidence: store.JSONMap{
			"value":          codeVal,
			"files_touched":  len(ev.Files),
			"expected_files": d.expectedFiles,
		},
		CommitEvidence: store.JSONMap{
			"value":   commitVal,
			"commits": len(ev.Commits),
		},
		TestEvidence: store.JSONMap{
			"value":      testVal,
			"linked_prs": len(ev.PRs),
		},
		DocEvidence: store.JSONMap{
			"value": docVal,
		},
		AnalysisVersion:    AnalysisVersion,
		FalsePositiveScore: fp,
		DetectedAt:         now,
	}
	if fpSignals.ConflictingSignals {
		detection.CodeEvidence["conflicting_signals"] = true
	}
	if fpSignals.RecentReopen {
		detection.CommitEvidence["recent_reopen"] = true
	}
	if fpSignals.DisputeComments > 0 {
		detection.CommitEvidence["dispute_comments"] = fpSignals.DisputeComments
	}

	return &Analysis{
		Score:              score,
		Confidence:         confidence,
		FalsePositiveScore: fp,
		Eligible:           true,
		Detections:         []*store.FeatureDetection{detection},
	}
}
