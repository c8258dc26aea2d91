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

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/abcxyz/github-issue-automator/pkg/cycle"
	"github.com/abcxyz/github-issue-automator/pkg/detect"
	"github.com/abcxyz/github-issue-automator/pkg/execute"
	"github.com/abcxyz/github-issue-automator/pkg/githubclient"
	"github.com/abcxyz/github-issue-automator/pkg/ingest"
	"github.com/abcxyz/github-issue-automator/pkg/plan"
	"github.com/abcxyz/github-issue-automator/pkg/ratelimit"
	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
)

var _ cli.Command = (*CycleRunCommand)(nil)

type CycleRunCommand struct {
	cli.BaseCommand

	cfg   *cycle.Config
	ghCfg *githubclient.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testStore is only used for testing.
	testStore store.Store
}

func (c *CycleRunCommand) Desc() string {
	return `Run one automation cycle over the configured repositories`
}

func (c *CycleRunCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Sync issues, analyze completion evidence, plan actions, and execute the
  pending queue for every configured repository.
`
}

func (c *CycleRunCommand) Flags() *cli.FlagSet {
	c.cfg = &cycle.Config{}
	c.ghCfg = &githubclient.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	set = c.cfg.ToFlags(set)
	return c.ghCfg.ToFlags(set)
}

func (c *CycleRunCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)

	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.ghCfg.Validate(); err != nil {
		return fmt.Errorf("invalid github configuration: %w", err)
	}

	st := c.testStore
	if st == nil {
		var err error
		st, err = store.NewPostgres(ctx, c.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer st.Close()
	}

	budget := ratelimit.NewBudget(
		ratelimit.WithSafetyReserveFraction(c.cfg.SafetyReserveFraction))
	c.seedBudget(ctx, st, budget)

	gh, err := githubclient.New(ctx, c.ghCfg, budget, st)
	if err != nil {
		return fmt.Errorf("failed to create github client: %w", err)
	}

	detector, err := detect.New(gh)
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}

	controller := cycle.New(st,
		ingest.NewSyncer(st, gh, ingest.WithFullScanWindow(c.cfg.FullScanWindow)),
		detector,
		plan.New(st, c.cfg.PlannerConfig()),
		execute.New(st, gh, c.cfg.ExecutorConfig()),
		budget, c.cfg)

	reports, err := controller.RunAll(ctx, c.cfg.Repos)
	for _, report := range reports {
		if report == nil {
			continue
		}
		logger.InfoContext(ctx, "cycle report",
			"cycle_id", report.CycleID,
			"repo", report.RepoOwner+"/"+report.RepoName,
			"duration", report.Duration,
			"analyzed", report.Analyzed,
			"analysis_failures", len(report.AnalysisFailures))
	}
	if err != nil {
		return fmt.Errorf("cycle run failed: %w", err)
	}
	return nil
}

// seedBudget primes the rate budget from the last persisted header samples
// so a fresh process does not assume a full quota. Stale samples are skipped
// since their reset windows have already passed.
func (c *CycleRunCommand) seedBudget(ctx context.Context, st store.Store, budget *ratelimit.Budget) {
	logger := logging.FromContext(ctx)

	samples, err := st.LatestRateLimitSamples(ctx)
	if err != nil {
		logger.WarnContext(ctx, "failed to load rate limit samples, starting cold", "error", err)
		return
	}
	for _, s := range samples {
		resetAt := time.Unix(s.ResetTimestamp, 0)
		if resetAt.Before(time.Now()) {
			continue
		}
		budget.Seed(ratelimit.Bucket(s.RateLimitType), s.Limit, s.Remaining, resetAt)
	}
}
