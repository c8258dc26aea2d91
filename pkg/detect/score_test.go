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

package detect

import (
	"math"
	"testing"
	"time"

	"github.com/abcxyz/github-issue-automator/pkg/githubclient"
	"github.com/abcxyz/github-issue-automator/pkg/store"
)

func TestDefaultWeightsValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultWeights().Validate(); err != nil {
		t.Errorf("default weights invalid: %v", err)
	}
}

func TestWeightsValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		weights Weights
		wantErr bool
	}{
		{
			name:    "valid",
			weights: Weights{Code: 0.4, Test: 0.3, Commit: 0.1, Doc: 0.1, Lifecycle: 0.1},
		},
		{
			name:    "sum_not_one",
			weights: Weights{Code: 0.5, Test: 0.5, Commit: 0.5},
			wantErr: true,
		},
		{
			name:    "negative_weight",
			weights: Weights{Code: -0.1, Test: 0.5, Commit: 0.2, Doc: 0.2, Lifecycle: 0.2},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.weights.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %t", err, tc.wantErr)
			}
		})
	}
}

func TestCodeEvidenceValue(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		files    []*githubclient.CommitFile
		expected int
		want     float64
	}{
		{
			name:     "no_files",
			expected: 3,
			want:     0,
		},
		{
			name: "partial",
			files: []*githubclient.CommitFile{
				{Filename: "pkg/widget/widget.go", Status: "modified"},
			},
			expected: 3,
			want:     1.0 / 3.0,
		},
		{
			name: "capped_at_one",
			files: []*githubclient.CommitFile{
				{Filename: "a.go", Status: "modified"},
				{Filename: "b.go", Status: "added"},
				{Filename: "c.go", Status: "modified"},
				{Filename: "d.go", Status: "modified"},
			},
			expected: 3,
			want:     1,
		},
		{
			name: "tests_and_docs_excluded",
			files: []*githubclient.CommitFile{
				{Filename: "pkg/widget/widget_test.go", Status: "added"},
				{Filename: "docs/widget.md", Status: "added"},
			},
			expected: 3,
			want:     0,
		},
		{
			name: "removed_files_do_not_count",
			files: []*githubclient.CommitFile{
				{Filename: "pkg/widget/widget.go", Status: "removed"},
			},
			expected: 3,
			want:     0,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := codeEvidenceValue(tc.files, tc.expected)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("codeEvidenceValue = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestTestEvidenceValue(t *testing.T) {
	t.Parallel()

	testFile := &githubclient.CommitFile{Filename: "pkg/widget/widget_test.go", Status: "added"}
	codeFile := &githubclient.CommitFile{Filename: "pkg/widget/widget.go", Status: "modified"}
	mergedPR := &githubclient.LinkedPullRequest{Number: 7, Merged: true}
	openPR := &githubclient.LinkedPullRequest{Number: 8, State: "OPEN"}

	cases := []struct {
		name  string
		files []*githubclient.CommitFile
		prs   []*githubclient.LinkedPullRequest
		want  float64
	}{
		{
			name:  "tests_added_and_merged_pr",
			files: []*githubclient.CommitFile{testFile},
			prs:   []*githubclient.LinkedPullRequest{mergedPR},
			want:  1,
		},
		{
			name:  "tests_added_no_passing_signal",
			files: []*githubclient.CommitFile{testFile},
			prs:   []*githubclient.LinkedPullRequest{openPR},
			want:  0.5,
		},
		{
			name:  "no_tests",
			files: []*githubclient.CommitFile{codeFile},
			prs:   []*githubclient.LinkedPullRequest{mergedPR},
			want:  0,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := testEvidenceValue(tc.files, tc.prs); got != tc.want {
				t.Errorf("testEvidenceValue = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestCommitEvidenceValue(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		commits []*githubclient.CommitRef
		want    float64
	}{
		{
			name: "no_commits",
			want: 0,
		},
		{
			name: "all_match",
			commits: []*githubclient.CommitRef{
				{Message: "fix crash on empty input (#42)"},
				{Message: "Implement retry for #42"},
			},
			want: 1,
		},
		{
			name: "half_match",
			commits: []*githubclient.CommitRef{
				{Message: "fixes #42"},
				{Message: "wip on #42"},
			},
			want: 0.5,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := commitEvidenceValue(tc.commits); got != tc.want {
				t.Errorf("commitEvidenceValue = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestConfidenceFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		score         float64
		falsePositive float64
		want          store.Confidence
	}{
		{name: "very_high", score: 0.92, falsePositive: 0.05, want: store.ConfidenceVeryHigh},
		{name: "very_high_boundary", score: 0.85, falsePositive: 0.15, want: store.ConfidenceVeryHigh},
		{name: "high_score_but_elevated_fp", score: 0.90, falsePositive: 0.30, want: store.ConfidenceHigh},
		{name: "high", score: 0.70, falsePositive: 0, want: store.ConfidenceHigh},
		{name: "medium", score: 0.50, falsePositive: 0, want: store.ConfidenceMedium},
		{name: "low", score: 0.49, falsePositive: 0, want: store.ConfidenceLow},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := confidenceFor(tc.score, tc.falsePositive); got != tc.want {
				t.Errorf("confidenceFor(%f, %f) = %q, want %q", tc.score, tc.falsePositive, got, tc.want)
			}
		})
	}
}

func TestFalsePositiveScore(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		files    []*githubclient.CommitFile
		comments []*githubclient.IssueComment
		timeline []*githubclient.TimelineEntry
		wantMin  float64
		wantMax  float64
	}{
		{
			name:    "clean",
			wantMin: 0,
			wantMax: 0,
		},
		{
			name: "removed_code",
			files: []*githubclient.CommitFile{
				{Filename: "pkg/widget/widget.go", Status: "removed"},
			},
			wantMin: 0.30,
			wantMax: 0.30,
		},
		{
			name: "recent_reopen",
			timeline: []*githubclient.TimelineEntry{
				{Event: "reopened", CreatedAt: now.Add(-2 * 24 * time.Hour)},
			},
			wantMin: 0.25,
			wantMax: 0.25,
		},
		{
			name: "old_reopen_ignored",
			timeline: []*githubclient.TimelineEntry{
				{Event: "reopened", CreatedAt: now.Add(-30 * 24 * time.Hour)},
			},
			wantMin: 0,
			wantMax: 0,
		},
		{
			name: "dispute_comment",
			comments: []*githubclient.IssueComment{
				{Author: "octocat", Body: "this is still broken on main"},
			},
			wantMin: 0.30,
			wantMax: 0.30,
		},
		{
			name: "everything_at_once",
			files: []*githubclient.CommitFile{
				{Filename: "pkg/widget/widget.go", Status: "removed"},
			},
			comments: []*githubclient.IssueComment{
				{Author: "octocat", Body: "not done, please revert"},
				{Author: "hubot", Body: "still broken"},
			},
			timeline: []*githubclient.TimelineEntry{
				{Event: "reopened", CreatedAt: now.Add(-time.Hour)},
			},
			wantMin: 0.9,
			wantMax: 1,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, _ := falsePositiveScore(tc.files, tc.comments, tc.timeline, now)
			if got < tc.wantMin-1e-9 || got > tc.wantMax+1e-9 {
				t.Errorf("falsePositiveScore = %f, want in [%f, %f]", got, tc.wantMin, tc.wantMax)
			}
		})
	}
}
