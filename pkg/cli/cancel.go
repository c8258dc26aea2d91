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

	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
)

var _ cli.Command = (*ActionCancelCommand)(nil)

type ActionCancelCommand struct {
	cli.BaseCommand

	flagDatabaseURL string
	flagReason      string

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testStore is only used for testing.
	testStore store.Store
}

func (c *ActionCancelCommand) Desc() string {
	return `Cancel a pending automation action`
}

func (c *ActionCancelCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] ACTION_ID
  Cancel a pending action before it executes. Actions that already ran
  must be reversed with "action rollback" instead.
`
}

func (c *ActionCancelCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet(c.testFlagSetOpts...)

	f := set.NewSection("CANCEL OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "database-url",
		Target: &c.flagDatabaseURL,
		EnvVar: "DATABASE_URL",
		Usage:  `PostgreSQL connection string.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "reason",
		Target:  &c.flagReason,
		Default: "operator_cancelled",
		Usage:   `Recorded reason for the cancellation.`,
	})

	return set
}

func (c *ActionCancelCommand) Run(ctx context.Context, args []string) error {
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

	st := c.testStore
	if st == nil {
		var err error
		st, err = store.NewPostgres(ctx, c.flagDatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer st.Close()
	}

	if err := st.CancelAction(ctx, actionID, c.flagReason); err != nil {
		return fmt.Errorf("cancel failed: %w", err)
	}

	logging.FromContext(ctx).InfoContext(ctx, "action cancelled",
		"action_id", actionID,
		"reason", c.flagReason)
	return nil
}
