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

package cycle

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"testing"
	"time"

	"github.com/abcxyz/github-issue-automator/pkg/detect"
	"github.com/abcxyz/github-issue-automator/pkg/execute"
	"github.com/abcxyz/github-issue-automator/pkg/ingest"
	"github.com/abcxyz/github-issue-automator/pkg/plan"
	"github.com/abcxyz/github-issue-automator/pkg/store"
)

type fakeSyncer struct {
	report *ingest.SyncReport
	err    error
	calls  int
}

func (f *fakeSyncer) Sync(ctx context.Context, owner, repo string, force bool) (*ingest.SyncReport, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

type fakeAnalyzer struct {
	failNumbers map[int]bool
	score       float64
}

func (f *fakeAnalyzer) AnalyzeIssue(ctx context.Context, issue *store.Issue) (*detect.Analysis, error) {
	if f.failNumbers[issue.GitHubIssueNumber] {
		return nil, fmt.Errorf("evidence fetch failed for #%d", issue.GitHubIssueNumber)
	}
	return &detect.Analysis{
		Score:      f.score,
		Confidence: store.ConfidenceHigh,
		Eligible:   true,
		Detections: []*store.FeatureDetection{{
			FeatureName:     fmt.Sprintf("%s/%s#%d", issue.RepoOwner, issue.RepoName, issue.GitHubIssueNumber),
			FeatureCategory: "issue_completion",
		}},
	}, nil
}

type fakePlanner struct {
	items  []*plan.Item
	report *plan.Report
}

func (f *fakePlanner) Plan(ctx context.Context, items []*plan.Item) (*plan.Report, error) {
	f.items = items
	return f.report, nil
}

type fakeDrainer struct {
	report *execute.Report
	calls  int
}

func (f *fakeDrainer) Drain(ctx context.Context) (*execute.Report, error) {
	f.calls++
	return f.report, nil
}

func seedIssue(t *testing.T, s store.Store, owner, repo string, number int) string {
	t.Helper()

	// Fabricated GitHub ids must be unique across repos, like real ones.
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%s", owner, repo)
	ghID := int64(h.Sum32())*1000 + int64(number)

	res, err := s.UpsertIssue(context.Background(), &store.IssueSnapshot{
		RepoOwner:         owner,
		RepoName:          repo,
		GitHubIssueNumber: number,
		GitHubIssueID:     ghID,
		Title:             fmt.Sprintf("issue %d", number),
		Status:            store.IssueOpen,
		Author:            "octocat",
		GitHubCreatedAt:   time.Now().Add(-48 * time.Hour),
		GitHubUpdatedAt:   time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed issue: %v", err)
	}
	return res.IssueID
}

func defaultTestConfig() *Config {
	return &Config{
		Repos:                  []string{"octo/widgets"},
		DatabaseURL:            "postgres://localhost/test",
		MaxConcurrentActions:   10,
		MaxActionsPerRun:       100,
		MinConfidenceAutoClose: 0.80,
		MinConfidenceAutoLabel: 0.60,
		ActionMaxAttempts:      3,
		BackoffBase:            2 * time.Second,
		BackoffCap:             60 * time.Second,
		RateWaitCeiling:        5 * time.Minute,
		CycleDeadline:          30 * time.Minute,
		FullScanWindow:         24 * time.Hour,
		AnalysisBatchLimit:     200,
	}
}

func TestRunCycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewInMemory()
	id1 := seedIssue(t, s, "octo", "widgets", 1)
	id2 := seedIssue(t, s, "octo", "widgets", 2)

	syncer := &fakeSyncer{report: &ingest.SyncReport{Fetched: 2, New: 2, Pages: 1}}
	planner := &fakePlanner{report: &plan.Report{Planned: 3}}
	drainer := &fakeDrainer{report: &execute.Report{Claimed: 3, Completed: 3}}
	c := New(s, syncer, &fakeAnalyzer{score: 0.9}, planner, drainer, nil, defaultTestConfig())

	report, err := c.RunCycle(ctx, "octo", "widgets")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.CycleID == "" {
		t.Error("CycleID is empty")
	}
	if got, want := report.Analyzed, 2; got != want {
		t.Errorf("Analyzed = %d, want %d", got, want)
	}
	if got, want := len(planner.items), 2; got != want {
		t.Fatalf("planner got %d items, want %d", got, want)
	}
	if got, want := report.Plan.Planned, 3; got != want {
		t.Errorf("Plan.Planned = %d, want %d", got, want)
	}
	if got, want := report.Execution.Completed, 3; got != want {
		t.Errorf("Execution.Completed = %d, want %d", got, want)
	}

	// Aggregates land on the issue rows.
	for _, id := range []string{id1, id2} {
		issue, err := s.GetIssue(ctx, id)
		if err != nil {
			t.Fatalf("GetIssue: %v", err)
		}
		if issue.LastAnalyzedAt == nil {
			t.Errorf("issue %s was not marked analyzed", id)
		}
		if got, want := issue.FeatureCompletionScore, 0.9; got != want {
			t.Errorf("FeatureCompletionScore = %v, want %v", got, want)
		}
		if !issue.AutomationEligible {
			t.Errorf("issue %s not marked eligible", id)
		}
	}
}

func TestRunCycleAnalysisFailureContinues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewInMemory()
	seedIssue(t, s, "octo", "widgets", 1)
	seedIssue(t, s, "octo", "widgets", 2)
	seedIssue(t, s, "octo", "widgets", 3)

	analyzer := &fakeAnalyzer{score: 0.7, failNumbers: map[int]bool{2: true}}
	planner := &fakePlanner{report: &plan.Report{}}
	c := New(s, &fakeSyncer{report: &ingest.SyncReport{}}, analyzer, planner,
		&fakeDrainer{report: &execute.Report{}}, nil, defaultTestConfig())

	report, err := c.RunCycle(ctx, "octo", "widgets")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if got, want := report.Analyzed, 2; got != want {
		t.Errorf("Analyzed = %d, want %d", got, want)
	}
	if got, want := len(report.AnalysisFailures), 1; got != want {
		t.Fatalf("AnalysisFailures = %d, want %d", got, want)
	}
	if got, want := report.AnalysisFailures[0].Number, 2; got != want {
		t.Errorf("failed issue number = %d, want %d", got, want)
	}
	if got, want := len(planner.items), 2; got != want {
		t.Errorf("planner got %d items, want %d", got, want)
	}
}

func TestRunCycleSyncError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewInMemory()
	drainer := &fakeDrainer{report: &execute.Report{}}
	c := New(s, &fakeSyncer{err: fmt.Errorf("boom")}, &fakeAnalyzer{},
		&fakePlanner{report: &plan.Report{}}, drainer, nil, defaultTestConfig())

	if _, err := c.RunCycle(ctx, "octo", "widgets"); err == nil {
		t.Fatal("RunCycle succeeded, want sync error")
	}
	if drainer.calls != 0 {
		t.Errorf("drain ran %d times after sync failure, want 0", drainer.calls)
	}
}

func TestRunAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewInMemory()
	seedIssue(t, s, "octo", "widgets", 1)
	seedIssue(t, s, "octo", "gadgets", 1)

	syncer := &fakeSyncer{report: &ingest.SyncReport{}}
	c := New(s, syncer, &fakeAnalyzer{score: 0.5},
		&fakePlanner{report: &plan.Report{}},
		&fakeDrainer{report: &execute.Report{}}, nil, defaultTestConfig())

	reports, err := c.RunAll(ctx, []string{"octo/widgets", "octo/gadgets"})
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if got, want := len(reports), 2; got != want {
		t.Fatalf("got %d reports, want %d", got, want)
	}
	for _, r := range reports {
		if r == nil {
			t.Fatal("nil report")
		}
		if got, want := r.Analyzed, 1; got != want {
			t.Errorf("repo %s/%s Analyzed = %d, want %d", r.RepoOwner, r.RepoName, got, want)
		}
	}
}

func TestRunAllBadRepo(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(store.NewInMemory(), &fakeSyncer{report: &ingest.SyncReport{}},
		&fakeAnalyzer{}, &fakePlanner{report: &plan.Report{}},
		&fakeDrainer{report: &execute.Report{}}, nil, defaultTestConfig())

	if _, err := c.RunAll(ctx, []string{"not-a-repo"}); err == nil {
		t.Fatal("RunAll succeeded, want repo parse error")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults_pass",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "missing_repos",
			mutate:  func(cfg *Config) { cfg.Repos = nil },
			wantErr: "REPOS is required",
		},
		{
			name:    "malformed_repo",
			mutate:  func(cfg *Config) { cfg.Repos = []string{"octo"} },
			wantErr: "not in owner/name form",
		},
		{
			name:    "missing_database_url",
			mutate:  func(cfg *Config) { cfg.DatabaseURL = "" },
			wantErr: "DATABASE_URL is required",
		},
		{
			name:    "threshold_out_of_range",
			mutate:  func(cfg *Config) { cfg.MinConfidenceAutoClose = 1.5 },
			wantErr: "MIN_CONFIDENCE_AUTO_CLOSE must be in [0,1]",
		},
		{
			name:    "cap_below_base",
			mutate:  func(cfg *Config) { cfg.BackoffCap = time.Second },
			wantErr: "cap must be at least base",
		},
		{
			name:    "zero_attempts",
			mutate:  func(cfg *Config) { cfg.ActionMaxAttempts = 0 },
			wantErr: "ACTION_MAX_ATTEMPTS must be at least 1",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := defaultTestConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}
