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

var _ cli.Command = (*DatabaseMigrateCommand)(nil)

type DatabaseMigrateCommand struct {
	cli.BaseCommand

	flagDatabaseURL string

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *DatabaseMigrateCommand) Desc() string {
	return `Apply pending database migrations`
}

func (c *DatabaseMigrateCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Apply pending database migrations.
`
}

func (c *DatabaseMigrateCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet(c.testFlagSetOpts...)

	f := set.NewSection("DATABASE OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "database-url",
		Target: &c.flagDatabaseURL,
		EnvVar: "DATABASE_URL",
		Usage:  `PostgreSQL connection string.`,
	})

	return set
}

func (c *DatabaseMigrateCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	if c.flagDatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if err := store.Migrate(ctx, c.flagDatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	logging.FromContext(ctx).InfoContext(ctx, "migrations applied")
	return nil
}
