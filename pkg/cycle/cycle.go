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

// Package cycle sequences one automation pass over a repository: sync,
// analyze, plan, execute.
package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/github-issue-automator/pkg/detect"
	"github.com/abcxyz/github-issue-automator/pkg/execute"
	"github.com/abcxyz/github-issue-automator/pkg/ingest"
	"github.com/abcxyz/github-issue-automator/pkg/plan"
	"github.com/abcxyz/github-issue-automator/pkg/ratelimit"
	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/pkg/logging"
)

// Syncer mirrors repository issues into the store.
type Syncer interface {
	Sync(ctx context.Context, owner, repo string, force bool) (*ingest.SyncReport, error)
}

// Analyzer scores one issue.
type Analyzer interface {
	AnalyzeIssue(ctx context.Context, issue *store.Issue) (*detect.Analysis, error)
}

// Planner turns analyses into pending actions.
type Planner interface {
	Plan(ctx context.Context, items []*plan.Item) (*plan.Report, error)
}

// Drainer executes pending actions.
type Drainer interface {
	Drain(ctx context.Context) (*execute.Report, error)
}

// AnalysisFailure is one issue the detector could not score.
type AnalysisFailure struct {
	IssueID string
	Number  int
	Err     string
}

// Report summarizes one cycle over one repository.
type Report struct {
	CycleID   string
	RepoOwner string
	RepoName  string
	StartedAt time.Time
	Duration  time.Duration

	SyncDuration    time.Duration
	AnalyzeDuration time.Duration
	PlanDuration    time.Duration
	ExecuteDuration time.Duration

	Sync             *ingest.SyncReport
	Analyzed         int
	AnalysisFailures []AnalysisFailure
	Plan             *plan.Report
	Execution        *execute.Report

	Headroom map[ratelimit.Bucket]ratelimit.Headroom
}

// Controller runs automation cycles.
type Controller struct {
	store    store.Store
	syncer   Syncer
	detector Analyzer
	planner  Planner
	executor Drainer
	budget   *ratelimit.Budget

	deadline   time.Duration
	batchLimit int
	forceSync  bool
	nowFunc    func() time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Controller) { c.nowFunc = now }
}

// New wires a Controller from already-constructed phase components.
func New(s store.Store, syncer Syncer, detector Analyzer, planner Planner, executor Drainer, budget *ratelimit.Budget, cfg *Config, opts ...Option) *Controller {
	c := &Controller{
		store:      s,
		syncer:     syncer,
		detector:   detector,
		planner:    planner,
		executor:   executor,
		budget:     budget,
		deadline:   cfg.CycleDeadline,
		batchLimit: cfg.AnalysisBatchLimit,
		forceSync:  cfg.ForceFullSync,
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunCycle runs one sync-analyze-plan-execute pass over a repository. The
// whole pass shares one deadline; a phase that runs out of time leaves its
// work pending for the next cycle rather than failing the run.
func (c *Controller) RunCycle(ctx context.Context, owner, repo string) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	report := &Report{
		CycleID:   uuid.New().String(),
		RepoOwner: owner,
		RepoName:  repo,
		StartedAt: c.nowFunc(),
	}
	logger := logging.FromContext(ctx)
	logger.InfoContext(ctx, "cycle starting",
		"cycle_id", report.CycleID,
		"repo", owner+"/"+repo)

	phaseStart := c.nowFunc()
	syncReport, err := c.syncer.Sync(ctx, owner, repo, c.forceSync)
	report.SyncDuration = c.nowFunc().Sub(phaseStart)
	if err != nil {
		return report, fmt.Errorf("sync phase: %w", err)
	}
	report.Sync = syncReport

	phaseStart = c.nowFunc()
	items, err := c.analyze(ctx, owner, repo, report)
	report.AnalyzeDuration = c.nowFunc().Sub(phaseStart)
	if err != nil {
		return report, fmt.Errorf("analyze phase: %w", err)
	}

	phaseStart = c.nowFunc()
	planReport, err := c.planner.Plan(ctx, items)
	report.PlanDuration = c.nowFunc().Sub(phaseStart)
	if err != nil {
		return report, fmt.Errorf("plan phase: %w", err)
	}
	report.Plan = planReport

	phaseStart = c.nowFunc()
	execReport, err := c.executor.Drain(ctx)
	report.ExecuteDuration = c.nowFunc().Sub(phaseStart)
	if err != nil {
		return report, fmt.Errorf("execute phase: %w", err)
	}
	report.Execution = execReport

	report.Duration = c.nowFunc().Sub(report.StartedAt)
	if c.budget != nil {
		report.Headroom = c.budget.Snapshot()
	}

	logger.InfoContext(ctx, "cycle finished",
		"cycle_id", report.CycleID,
		"repo", owner+"/"+repo,
		"duration", report.Duration,
		"synced", report.Sync.Fetched,
		"analyzed", report.Analyzed,
		"planned", report.Plan.Planned,
		"executed", report.Execution.Completed)
	return report, nil
}

// analyze scores every issue whose mirror changed since its last analysis.
// A failure to score one issue is recorded and the pass continues.
func (c *Controller) analyze(ctx context.Context, owner, repo string, report *Report) ([]*plan.Item, error) {
	logger := logging.FromContext(ctx)

	issues, err := c.store.ListIssuesForAnalysis(ctx, owner, repo, c.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues for analysis: %w", err)
	}

	items := make([]*plan.Item, 0, len(issues))
	for _, issue := range issues {
		if err := ctx.Err(); err != nil {
			logger.WarnContext(ctx, "analysis stopped on deadline",
				"analyzed", report.Analyzed,
				"remaining", len(issues)-report.Analyzed)
			break
		}

		analysis, err := c.detector.AnalyzeIssue(ctx, issue)
		if err != nil {
			report.AnalysisFailures = append(report.AnalysisFailures, AnalysisFailure{
				IssueID: issue.ID,
				Number:  issue.GitHubIssueNumber,
				Err:     err.Error(),
			})
			logger.ErrorContext(ctx, "failed to analyze issue",
				"issue", fmt.Sprintf("%s/%s#%d", owner, repo, issue.GitHubIssueNumber),
				"error", err)
			continue
		}

		if err := c.store.RecordDetections(ctx, issue.ID, analysis.Detections); err != nil {
			return nil, fmt.Errorf("failed to record detections: %w", err)
		}
		if err := c.store.MarkIssueAnalyzed(ctx, issue.ID, &store.AnalysisResult{
			Duration:           analysis.Duration,
			Score:              analysis.Score,
			Confidence:         analysis.Confidence,
			AutomationEligible: analysis.Eligible,
		}); err != nil {
			return nil, fmt.Errorf("failed to mark issue analyzed: %w", err)
		}

		report.Analyzed++
		items = append(items, &plan.Item{Issue: issue, Analysis: analysis})
	}
	return items, nil
}

// RunAll runs one cycle per repository, repositories in parallel. All
// repositories share the store, the rate budget, and the action queue; the
// executor's per-run cap therefore bounds the whole fleet, not each repo.
func (c *Controller) RunAll(ctx context.Context, repos []string) ([]*Report, error) {
	reports := make([]*Report, len(repos))

	g, ctx := errgroup.WithContext(ctx)
	for i, r := range repos {
		i, r := i, r
		g.Go(func() error {
			owner, name, err := SplitRepo(r)
			if err != nil {
				return err
			}
			report, err := c.RunCycle(ctx, owner, name)
			reports[i] = report
			if err != nil {
				return fmt.Errorf("cycle for %s: %w", r, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}
