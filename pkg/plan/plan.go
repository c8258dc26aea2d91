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

// Package plan turns scored issues into pending actions. It never executes
// anything.
package plan

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/abcxyz/github-issue-automator/pkg/detect"
	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// Config are the planner gates.
type Config struct {
	EnableAutoClose   bool
	EnableAutoLabel   bool
	EnableAutoComment bool

	MinConfidenceAutoClose float64
	MinConfidenceAutoLabel float64

	MaxActionsPerRun int
}

// DefaultConfig returns the documented planner defaults.
func DefaultConfig() Config {
	return Config{
		EnableAutoClose:        true,
		EnableAutoLabel:        true,
		EnableAutoComment:      true,
		MinConfidenceAutoClose: 0.80,
		MinConfidenceAutoLabel: 0.60,
		MaxActionsPerRun:       100,
	}
}

// Item pairs an issue with its freshest analysis.
type Item struct {
	Issue    *store.Issue
	Analysis *detect.Analysis
}

// Report summarizes one planning pass.
type Report struct {
	Planned     int
	ByType      map[store.ActionType]int
	CapReached  bool
	SkippedBusy int
}

// Planner emits pending actions for scored issues.
type Planner struct {
	store   store.Store
	cfg     Config
	nowFunc func() time.Time
}

// Option customizes a Planner.
type Option func(*Planner)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(p *Planner) { p.nowFunc = now }
}

// New creates a Planner.
func New(s store.Store, cfg Config, opts ...Option) *Planner {
	p := &Planner{
		store:   s,
		cfg:     cfg,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan walks the scored issues in priority order and persists at most one
// pending action per type per issue, up to the per-run cap.
func (p *Planner) Plan(ctx context.Context, items []*Item) (*Report, error) {
	logger := logging.FromContext(ctx)
	report := &Report{ByType: map[store.ActionType]int{}}

	// Highest-value issues claim the cap first.
	sorted := make([]*Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Analysis.Score > sorted[j].Analysis.Score
	})

	for _, item := range sorted {
		if report.Planned >= p.cfg.MaxActionsPerRun {
			report.CapReached = true
			break
		}

		actions, skipped, err := p.planIssue(ctx, item)
		if err != nil {
			return nil, err
		}
		report.SkippedBusy += skipped

		for _, action := range actions {
			if report.Planned >= p.cfg.MaxActionsPerRun {
				report.CapReached = true
				break
			}
			if _, err := p.store.CreateAction(ctx, action); err != nil {
				return nil, fmt.Errorf("failed to create %s action for issue %s: %w", action.Type, action.IssueID, err)
			}
			report.Planned++
			report.ByType[action.Type]++
			logger.InfoContext(ctx, "planned action",
				"issue", fmt.Sprintf("%s/%s#%d", action.RepoOwner, action.RepoName, action.IssueNumber),
				"type", action.Type,
				"confidence", action.ConfidenceScore,
				"priority", action.PriorityScore)
		}
	}

	return report, nil
}

// planIssue decides which actions one issue earns. Returns the actions and
// how many were skipped because an open action of that type already exists.
func (p *Planner) planIssue(ctx context.Context, item *Item) ([]*store.Action, int, error) {
	issue, analysis := item.Issue, item.Analysis

	if !analysis.Eligible {
		return nil, 0, nil
	}

	var actions []*store.Action
	skipped := 0
	priority := p.priorityScore(issue, analysis)

	appendAction := func(t store.ActionType, payload store.JSONMap, reasoning string) error {
		open, err := p.store.HasOpenActionOfType(ctx, issue.ID, t)
		if err != nil {
			return fmt.Errorf("failed to check open actions: %w", err)
		}
		if open {
			skipped++
			return nil
		}
		actions = append(actions, &store.Action{
			IssueID:         issue.ID,
			RepoOwner:       issue.RepoOwner,
			RepoName:        issue.RepoName,
			IssueNumber:     issue.GitHubIssueNumber,
			Type:            t,
			ConfidenceScore: analysis.Score,
			PriorityScore:   priority,
			Reasoning:       reasoning,
			Evidence:        evidenceSummary(analysis),
			Payload:         payload,
		})
		return nil
	}

	wantClose := p.cfg.EnableAutoClose &&
		issue.Status == store.IssueOpen &&
		(analysis.Confidence == store.ConfidenceHigh || analysis.Confidence == store.ConfidenceVeryHigh) &&
		analysis.Score >= p.cfg.MinConfidenceAutoClose
	if wantClose {
		if err := appendAction(store.ActionCloseIssue, nil,
			fmt.Sprintf("completion score %.2f with %s confidence", analysis.Score, analysis.Confidence)); err != nil {
			return nil, skipped, err
		}
	}

	var addLabels []string
	if p.cfg.EnableAutoLabel && analysis.Score >= p.cfg.MinConfidenceAutoLabel {
		addLabels = labelDiff(derivedLabels(analysis.Score), issue.Labels)
		if len(addLabels) > 0 {
			if err := appendAction(store.ActionLabelIssue,
				store.JSONMap{"add_labels": addLabels},
				fmt.Sprintf("completion score %.2f maps to labels %s", analysis.Score, strings.Join(addLabels, ", "))); err != nil {
				return nil, skipped, err
			}
		}
	}

	// A summary comment only ever rides along with a close or a label.
	if p.cfg.EnableAutoComment && (wantClose || len(addLabels) > 0) && len(actions) > 0 {
		if err := appendAction(store.ActionCommentIssue,
			store.JSONMap{"body": p.summaryComment(issue, analysis)},
			"summary of automated evidence"); err != nil {
			return nil, skipped, err
		}
	}

	return actions, skipped, nil
}

// derivedLabels maps a completion score onto the automation label set.
func derivedLabels(score float64) []string {
	switch {
	case score >= 0.85:
		return []string{"automation:feature-complete"}
	case score >= 0.60:
		return []string{"automation:likely-complete"}
	default:
		return nil
	}
}

// labelDiff returns the labels in want that the issue does not carry yet.
func labelDiff(want, have []string) []string {
	existing := make(map[string]bool, len(have))
	for _, l := range have {
		existing[strings.ToLower(l)] = true
	}
	var out []string
	for _, l := range want {
		if !existing[strings.ToLower(l)] {
			out = append(out, l)
		}
	}
	return out
}

// priorityScore orders execution: confidence dominates, fresh issues beat
// stale ones, impactful labels break near-ties.
func (p *Planner) priorityScore(issue *store.Issue, analysis *detect.Analysis) float64 {
	ageDays := p.nowFunc().Sub(issue.GitHubUpdatedAt).Hours() / 24
	recency := math.Max(0, 1-ageDays/30)

	impact := 0.3
	for _, l := range issue.Labels {
		switch strings.ToLower(l) {
		case "security":
			impact = math.Max(impact, 1.0)
		case "bug":
			impact = math.Max(impact, 0.7)
		}
	}

	return 0.6*analysis.Score + 0.3*recency + 0.1*impact
}

func (p *Planner) summaryComment(issue *store.Issue, analysis *detect.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated analysis found evidence that this issue is complete (score %.2f, confidence %s).\n\n", analysis.Score, analysis.Confidence)
	for _, det := range analysis.Detections {
		fmt.Fprintf(&b, "- %s: %s (analysis %s)\n", det.FeatureName, det.CompletionStatus, det.AnalysisVersion)
	}
	b.WriteString("\nIf this is wrong, reopen the issue or apply the `do-not-automate` label.")
	return b.String()
}

func evidenceSummary(analysis *detect.Analysis) store.JSONMap {
	out := store.JSONMap{
		"score":                analysis.Score,
		"confidence":           string(analysis.Confidence),
		"false_positive_score": analysis.FalsePositiveScore,
	}
	if len(analysis.Detections) > 0 {
		out["analysis_version"] = analysis.Detections[0].AnalysisVersion
		out["completion_status"] = string(analysis.Detections[0].CompletionStatus)
	}
	return out
}
