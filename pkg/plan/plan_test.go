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

package plan

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/abcxyz/github-issue-automator/pkg/detect"
	"github.com/abcxyz/github-issue-automator/pkg/store"
)

func seedIssue(t *testing.T, s store.Store, ghID int64, number int, labels []string, status store.IssueStatus) *store.Issue {
	t.Helper()

	snap := &store.IssueSnapshot{
		RepoOwner:         "octo",
		RepoName:          "widgets",
		GitHubIssueNumber: number,
		GitHubIssueID:     ghID,
		Title:             fmt.Sprintf("issue %d", number),
		Status:            status,
		Author:            "octocat",
		Labels:            labels,
		GitHubCreatedAt:   time.Now().Add(-72 * time.Hour),
		GitHubUpdatedAt:   time.Now().Add(-time.Hour),
	}
	res, err := s.UpsertIssue(context.Background(), snap)
	if err != nil {
		t.Fatalf("seed issue: %v", err)
	}
	issue, err := s.GetIssue(context.Background(), res.IssueID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	return issue
}

func analysisWith(score float64, confidence store.Confidence) *detect.Analysis {
	return &detect.Analysis{
		Score:      score,
		Confidence: confidence,
		Eligible:   true,
		Detections: []*store.FeatureDetection{{
			FeatureName:      "octo/widgets#42",
			FeatureCategory:  "issue_completion",
			CompletionStatus: store.CompletionVerified,
			ConfidenceScore:  score,
			AnalysisVersion:  detect.AnalysisVersion,
		}},
	}
}

func pendingByType(t *testing.T, s *store.InMemory, issueID string) map[store.ActionType]bool {
	t.Helper()

	got := map[store.ActionType]bool{}
	for _, typ := range []store.ActionType{
		store.ActionCloseIssue, store.ActionLabelIssue, store.ActionCommentIssue,
		store.ActionAssignIssue, store.ActionMilestoneIssue,
	} {
		open, err := s.HasOpenActionOfType(context.Background(), issueID, typ)
		if err != nil {
			t.Fatalf("has open: %v", err)
		}
		if open {
			got[typ] = true
		}
	}
	return got
}

func TestPlanHighConfidenceClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewInMemory()
	issue := seedIssue(t, s, 9001, 42, nil, store.IssueOpen)

	p := New(s, DefaultConfig())
	report, err := p.Plan(ctx, []*Item{{Issue: issue, Analysis: analysisWith(0.92, store.ConfidenceVeryHigh)}})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	// close + label + comment.
	if report.Planned != 3 {
		t.Errorf("planned = %d, want 3", report.Planned)
	}
	types := pendingByType(t, s, issue.ID)
	for _, want := range []store.ActionType{store.ActionCloseIssue, store.ActionLabelIssue, store.ActionCommentIssue} {
		if !types[want] {
			t.Errorf("missing pending %s", want)
		}
	}
}

func TestPlanGates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		cfg       func() Config
		status    store.IssueStatus
		labels    []string
		analysis  *detect.Analysis
		wantTypes []store.ActionType
	}{
		{
			name:      "medium_confidence_labels_only",
			cfg:       DefaultConfig,
			status:    store.IssueOpen,
			analysis:  analysisWith(0.65, store.ConfidenceMedium),
			wantTypes: []store.ActionType{store.ActionLabelIssue, store.ActionCommentIssue},
		},
		{
			name: "auto_close_disabled",
			cfg: func() Config {
				cfg := DefaultConfig()
				cfg.EnableAutoClose = false
				return cfg
			},
			status:    store.IssueOpen,
			analysis:  analysisWith(0.92, store.ConfidenceVeryHigh),
			wantTypes: []store.ActionType{store.ActionLabelIssue, store.ActionCommentIssue},
		},
		{
			name:      "closed_issue_never_closed_again",
			cfg:       DefaultConfig,
			status:    store.IssueClosed,
			analysis:  analysisWith(0.92, store.ConfidenceVeryHigh),
			wantTypes: []store.ActionType{store.ActionLabelIssue, store.ActionCommentIssue},
		},
		{
			name:     "low_score_nothing",
			cfg:      DefaultConfig,
			status:   store.IssueOpen,
			analysis: analysisWith(0.40, store.ConfidenceLow),
		},
		{
			name:     "ineligible_nothing",
			cfg:      DefaultConfig,
			status:   store.IssueOpen,
			analysis: &detect.Analysis{Score: 0.95, Confidence: store.ConfidenceVeryHigh, Eligible: false},
		},
		{
			name:      "labels_already_present_no_label_action",
			cfg:       DefaultConfig,
			status:    store.IssueOpen,
			labels:    []string{"automation:feature-complete"},
			analysis:  analysisWith(0.92, store.ConfidenceVeryHigh),
			wantTypes: []store.ActionType{store.ActionCloseIssue, store.ActionCommentIssue},
		},
		{
			name: "comment_disabled",
			cfg: func() Config {
				cfg := DefaultConfig()
				cfg.EnableAutoComment = false
				return cfg
			},
			status:    store.IssueOpen,
			analysis:  analysisWith(0.92, store.ConfidenceVeryHigh),
			wantTypes: []store.ActionType{store.ActionCloseIssue, store.ActionLabelIssue},
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			s := store.NewInMemory()
			issue := seedIssue(t, s, 9001, 42, tc.labels, tc.status)

			p := New(s, tc.cfg())
			report, err := p.Plan(ctx, []*Item{{Issue: issue, Analysis: tc.analysis}})
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			if report.Planned != len(tc.wantTypes) {
				t.Errorf("planned = %d, want %d", report.Planned, len(tc.wantTypes))
			}
			types := pendingByType(t, s, issue.ID)
			if len(types) != len(tc.wantTypes) {
				t.Errorf("pending types = %v, want %v", types, tc.wantTypes)
			}
			for _, want := range tc.wantTypes {
				if !types[want] {
					t.Errorf("missing pending %s", want)
				}
			}
		})
	}
}

func TestPlanSkipsIssuesWithOpenAction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewInMemory()
	issue := seedIssue(t, s, 9001, 42, nil, store.IssueOpen)

	p := New(s, DefaultConfig())
	if _, err := p.Plan(ctx, []*Item{{Issue: issue, Analysis: analysisWith(0.92, store.ConfidenceVeryHigh)}}); err != nil {
		t.Fatalf("first plan: %v", err)
	}

	report, err := p.Plan(ctx, []*Item{{Issue: issue, Analysis: analysisWith(0.92, store.ConfidenceVeryHigh)}})
	if err != nil {
		t.Fatalf("second plan: %v", err)
	}
	if report.Planned != 0 {
		t.Errorf("second pass planned = %d, want 0", report.Planned)
	}
	if report.SkippedBusy == 0 {
		t.Errorf("expected skipped-busy count")
	}
}

func TestPlanRespectsCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewInMemory()

	cfg := DefaultConfig()
	cfg.MaxActionsPerRun = 2

	var items []*Item
	for i := 0; i < 5; i++ {
		issue := seedIssue(t, s, int64(9000+i), 40+i, nil, store.IssueOpen)
		items = append(items, &Item{Issue: issue, Analysis: analysisWith(0.92, store.ConfidenceVeryHigh)})
	}

	p := New(s, cfg)
	report, err := p.Plan(ctx, items)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if report.Planned != 2 {
		t.Errorf("planned = %d, want 2", report.Planned)
	}
	if !report.CapReached {
		t.Errorf("cap not reported")
	}
}

func TestPriorityScore(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	p := New(store.NewInMemory(), DefaultConfig(), WithNowFunc(func() time.Time { return now }))

	cases := []struct {
		name    string
		labels  []string
		updated time.Time
		score   float64
		want    float64
	}{
		{
			name:    "fresh_security_issue",
			labels:  []string{"security"},
			updated: now,
			score:   0.9,
			want:    0.6*0.9 + 0.3*1 + 0.1*1.0,
		},
		{
			name:    "fresh_bug",
			labels:  []string{"bug"},
			updated: now,
			score:   0.9,
			want:    0.6*0.9 + 0.3*1 + 0.1*0.7,
		},
		{
			name:    "stale_default_impact",
			labels:  nil,
			updated: now.Add(-60 * 24 * time.Hour),
			score:   0.9,
			want:    0.6*0.9 + 0 + 0.1*0.3,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			issue := &store.Issue{Labels: tc.labels, GitHubUpdatedAt: tc.updated}
			got := p.priorityScore(issue, &detect.Analysis{Score: tc.score})
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("priorityScore = %f, want %f", got, tc.want)
			}
		})
	}
}
