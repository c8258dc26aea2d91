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

	"github.com/abcxyz/github-issue-automator/pkg/execute"
	"github.com/abcxyz/github-issue-automator/pkg/githubclient"
	"github.com/abcxyz/github-issue-automator/pkg/ratelimit"
	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
)

var _ cli.Command = (*ActionRollbackCommand)(nil)

type ActionRollbackCommand struct {
	cli.BaseCommand

	ghCfg *githubclient.Config

	flagDatabaseURL string
	flagReason      string

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testStore is only used for testing.
	testStore store.Store
}

func (c *ActionRollbackCommand) Desc() string {
	return `Reverse a completed automation action`
}

func (c *ActionRollbackCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] ACTION_ID
  Invert a completed action (reopen a closed issue, strip added labels,
  delete a posted comment) and mark it rolled back.
`
}

func (c *ActionRollbackCommand) Flags() *cli.FlagSet {
	c.ghCfg = &githubclient.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)

	f := set.NewSection("ROLLBACK OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "database-url",
		Target: &c.flagDatabaseURL,
		EnvVar: "DATABASE_URL",
		Usage:  `PostgreSQL connection string.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "reason",
		Target:  &c.flagReason,
		Default: "manual_rollback",
		Usage:   `Recorded reason for the rollback.`,
	})

	return c.ghCfg.ToFlags(set)
}

func (c *ActionRollbackCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one ACTION_ID argument, got %q", args)
	}
	actionID := args[0]

	if c.flagDatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if err := c.ghCfg.Validate(); err != nil {
		return fmt.Errorf("invalid github configuration: %w", err)
	}

	st := c.testStore
	if st == nil {
		var err error
		st, err = store.NewPostgres(ctx, c.flagDatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer st.Close()
	}

	gh, err := githubclient.New(ctx, c.ghCfg, ratelimit.NewBudget(), st)
	if err != nil {
		return fmt.Errorf("failed to create github client: %w", err)
	}

	executor := execute.New(st, gh, execute.DefaultConfig())
	if err := executor.Rollback(ctx, actionID, c.flagReason); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	logging.FromContext(ctx).InfoContext(ctx, "rollback complete",
		"action_id", actionID,
		"reason", c.flagReason)
	return nil
}
