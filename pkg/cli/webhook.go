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
	"net/http"

	"github.com/abcxyz/github-issue-automator/pkg/execute"
	"github.com/abcxyz/github-issue-automator/pkg/githubclient"
	"github.com/abcxyz/github-issue-automator/pkg/ingest"
	"github.com/abcxyz/github-issue-automator/pkg/ratelimit"
	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/github-issue-automator/pkg/version"
	"github.com/abcxyz/github-issue-automator/pkg/webhook"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"
)

var _ cli.Command = (*WebhookServerCommand)(nil)

type WebhookServerCommand struct {
	cli.BaseCommand

	cfg   *webhook.Config
	ghCfg *githubclient.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testStore is only used for testing.
	testStore store.Store
}

func (c *WebhookServerCommand) Desc() string {
	return `Start the webhook server for GitHub Issue Automator`
}

func (c *WebhookServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Start the webhook server for GitHub Issue Automator.
`
}

func (c *WebhookServerCommand) Flags() *cli.FlagSet {
	c.cfg = &webhook.Config{}
	c.ghCfg = &githubclient.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	set = c.cfg.ToFlags(set)
	return c.ghCfg.ToFlags(set)
}

func (c *WebhookServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}

	return server.StartHTTPHandler(ctx, mux)
}

func (c *WebhookServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st := c.testStore
	if st == nil {
		st, err = store.NewPostgres(ctx, c.cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
	}

	// GitHub credentials are optional here. Without them human reopens are
	// still recorded, but completed close actions are not auto-reversed.
	var rollbacker ingest.Rollbacker
	if c.ghCfg.GitHubToken != "" || c.ghCfg.GitHubAppID != "" {
		if err := c.ghCfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid github configuration: %w", err)
		}
		budget := ratelimit.NewBudget()
		gh, err := githubclient.New(ctx, c.ghCfg, budget, st)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create github client: %w", err)
		}
		rollbacker = execute.New(st, gh, execute.DefaultConfig())
	}

	processor := ingest.NewProcessor(st, rollbacker)

	webhookServer, err := webhook.NewServer(ctx, h, c.cfg, processor)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server: %w", err)
	}

	mux := webhookServer.Routes(ctx)

	server, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return server, mux, nil
}
