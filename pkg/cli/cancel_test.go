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
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/testutil"
)

func TestActionCancelCommand(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	cases := []struct {
		name   string
		args   []string
		env    map[string]string
		expErr string
	}{
		{
			name:   "missing_action_id",
			args:   []string{},
			env:    map[string]string{"DATABASE_URL": "postgres://localhost/test"},
			expErr: `expected exactly one ACTION_ID argument`,
		},
		{
			name:   "too_many_args",
			args:   []string{"action-1", "action-2"},
			env:    map[string]string{"DATABASE_URL": "postgres://localhost/test"},
			expErr: `expected exactly one ACTION_ID argument`,
		},
		{
			name:   "missing_database_url",
			args:   []string{"action-1"},
			env:    map[string]string{},
			expErr: `DATABASE_URL is required`,
		},
		{
			name:   "unknown_action",
			args:   []string{"no-such-action"},
			env:    map[string]string{"DATABASE_URL": "postgres://localhost/test"},
			expErr: `cancel failed`,
		},
		{
			name: "happy_path",
			env:  map[string]string{"DATABASE_URL": "postgres://localhost/test"},
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := store.NewInMemory()
			res, err := s.UpsertIssue(ctx, &store.IssueSnapshot{
				RepoOwner:         "octo",
				RepoName:          "widgets",
				GitHubIssueNumber: 42,
				GitHubIssueID:     9001,
				Title:             "crash on empty input",
				Status:            store.IssueOpen,
				Author:            "octocat",
				GitHubCreatedAt:   time.Now().Add(-48 * time.Hour),
				GitHubUpdatedAt:   time.Now().Add(-time.Hour),
			})
			if err != nil {
				t.Fatalf("seed issue: %v", err)
			}
			actionID, err := s.CreateAction(ctx, &store.Action{
				IssueID:         res.IssueID,
				RepoOwner:       "octo",
				RepoName:        "widgets",
				IssueNumber:     42,
				Type:            store.ActionCloseIssue,
				ConfidenceScore: 0.9,
				Reasoning:       "test",
			})
			if err != nil {
				t.Fatalf("create action: %v", err)
			}

			args := tc.args
			if args == nil {
				args = []string{actionID}
			}

			var cmd ActionCancelCommand
			cmd.testStore = s
			cmd.testFlagSetOpts = []cli.Option{cli.WithLookupEnv(
				envconfig.MapLookuper(tc.env).Lookup)}
			_, _, _ = cmd.Pipe()

			err = cmd.Run(ctx, args)
			if diff := testutil.DiffErrString(err, tc.expErr); diff != "" {
				t.Fatal(diff)
			}
			if err != nil {
				return
			}

			action, err := s.GetAction(ctx, actionID)
			if err != nil {
				t.Fatal(err)
			}
			if action.Status != store.ActionCancelled {
				t.Errorf("status = %s, want cancelled", action.Status)
			}
		})
	}
}
