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

package githubclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v61/github"
	"github.com/shurcooL/githubv4"

	"github.com/abcxyz/github-issue-automator/pkg/ratelimit"
)

// CommitRef is a commit found to reference an issue.
type CommitRef struct {
	SHA     string
	Message string
	Author  string
	Date    time.Time
}

// CommitFile is one file touched by a commit.
type CommitFile struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
}

// LinkedPullRequest is a pull request that GitHub cross-references to an
// issue via closing keywords or manual links.
type LinkedPullRequest struct {
	Number   int
	Title    string
	State    string
	Merged   bool
	MergedAt *time.Time
}

// IssueComment is a comment on an issue, in the shape the detector consumes.
type IssueComment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// TimelineEntry is a state-change event on an issue (closed, reopened).
type TimelineEntry struct {
	Event     string
	Actor     string
	CommitSHA string
	CreatedAt time.Time
}

// SearchCommitsReferencing searches the repository's default branch for
// commits whose message mentions the issue number. This draws from the
// search bucket, which is far smaller than core.
func (gh *GitHub) SearchCommitsReferencing(ctx context.Context, owner, repo string, number int) ([]*CommitRef, error) {
	query := fmt.Sprintf("repo:%s/%s %q", owner, repo, fmt.Sprintf("#%d", number))

	var result *github.CommitsSearchResult
	err := gh.call(ctx, ratelimit.BucketSearch, "search.commits", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		result, resp, err = gh.client.Search.Commits(ctx, query, &github.SearchOptions{
			Sort:        "committer-date",
			Order:       "desc",
			ListOptions: github.ListOptions{PerPage: 30},
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search commits for %s/%s#%d: %w", owner, repo, number, err)
	}

	refs := make([]*CommitRef, 0, len(result.Commits))
	for _, c := range result.Commits {
		ref := &CommitRef{
			SHA:     c.GetSHA(),
			Message: c.GetCommit().GetMessage(),
		}
		if a := c.GetCommit().GetAuthor(); a != nil {
			ref.Author = a.GetName()
			ref.Date = a.GetDate().Time
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// CommitFiles returns the files touched by a commit.
func (gh *GitHub) CommitFiles(ctx context.Context, owner, repo, sha string) ([]*CommitFile, error) {
	var commit *github.RepositoryCommit
	err := gh.call(ctx, ratelimit.BucketCore, "repos.get_commit", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		commit, resp, err = gh.client.Repositories.GetCommit(ctx, owner, repo, sha, &github.ListOptions{PerPage: 100})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s in %s/%s: %w", sha, owner, repo, err)
	}

	files := make([]*CommitFile, 0, len(commit.Files))
	for _, f := range commit.Files {
		files = append(files, &CommitFile{
			Filename:  f.GetFilename(),
			Status:    f.GetStatus(),
			Additions: f.GetAdditions(),
			Deletions: f.GetDeletions(),
		})
	}
	return files, nil
}

// AssociatedPullRequests returns the pull requests GitHub has linked to the
// issue. The cross-reference graph is only exposed over GraphQL. GraphQL
// responses carry no rate headers, so only the reservation is budgeted; the
// next observed sample corrects any drift.
func (gh *GitHub) AssociatedPullRequests(ctx context.Context, owner, repo string, number int) ([]*LinkedPullRequest, error) {
	grant := gh.budget.Reserve(ratelimit.BucketGraphQL, 1)
	if !grant.Granted {
		return nil, &RateLimitedError{ResetAt: gh.nowFunc().Add(grant.WaitHint)}
	}

	var q struct {
		Repository struct {
			Issue struct {
				TimelineItems struct {
					Nodes []struct {
						CrossReferencedEvent struct {
							Source struct {
								PullRequest struct {
									Number   githubv4.Int
									Title    githubv4.String
									State    githubv4.String
									Merged   githubv4.Boolean
									MergedAt *githubv4.DateTime
								} `graphql:"... on PullRequest"`
							}
						} `graphql:"... on CrossReferencedEvent"`
					}
				} `graphql:"timelineItems(first: 50, itemTypes: [CROSS_REFERENCED_EVENT])"`
			} `graphql:"issue(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}

	callCtx := ctx
	if gh.httpTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, gh.httpTimeout)
		defer cancel()
	}
	if err := gh.graphql.Query(callCtx, &q, vars); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to query linked pull requests for %s/%s#%d: %w", owner, repo, number, err)}
	}

	var prs []*LinkedPullRequest
	for _, node := range q.Repository.Issue.TimelineItems.Nodes {
		pr := node.CrossReferencedEvent.Source.PullRequest
		if pr.Number == 0 {
			continue
		}
		linked := &LinkedPullRequest{
			Number: int(pr.Number),
			Title:  string(pr.Title),
			State:  string(pr.State),
			Merged: bool(pr.Merged),
		}
		if pr.MergedAt != nil {
			t := pr.MergedAt.Time
			linked.MergedAt = &t
		}
		prs = append(prs, linked)
	}
	return prs, nil
}

// ListIssueComments returns all comments on an issue, oldest first.
func (gh *GitHub) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*IssueComment, error) {
	var all []*IssueComment
	opts := &github.IssueListCommentsOptions{
		Sort:        github.String("created"),
		Direction:   github.String("asc"),
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		var comments []*github.IssueComment
		var nextPage int
		err := gh.call(ctx, ratelimit.BucketCore, "issues.list_comments", func(ctx context.Context) (*github.Response, error) {
			var resp *github.Response
			var err error
			comments, resp, err = gh.client.Issues.ListComments(ctx, owner, repo, number, opts)
			if resp != nil {
				nextPage = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list comments on %s/%s#%d: %w", owner, repo, number, err)
		}

		for _, c := range comments {
			all = append(all, &IssueComment{
				ID:        c.GetID(),
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if nextPage == 0 {
			break
		}
		opts.Page = nextPage
	}
	return all, nil
}

// IssueTimeline returns the closed and reopened events on an issue, which
// the detector uses for lifecycle scoring and reopen history.
func (gh *GitHub) IssueTimeline(ctx context.Context, owner, repo string, number int) ([]*TimelineEntry, error) {
	var events []*github.IssueEvent
	err := gh.call(ctx, ratelimit.BucketCore, "issues.list_events", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		events, resp, err = gh.client.Issues.ListIssueEvents(ctx, owner, repo, number, &github.ListOptions{PerPage: 100})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events on %s/%s#%d: %w", owner, repo, number, err)
	}

	var entries []*TimelineEntry
	for _, ev := range events {
		kind := ev.GetEvent()
		if kind != "closed" && kind != "reopened" {
			continue
		}
		entries = append(entries, &TimelineEntry{
			Event:     kind,
			Actor:     ev.GetActor().GetLogin(),
			CommitSHA: ev.GetCommitID(),
			CreatedAt: ev.GetCreatedAt().Time,
		})
	}
	return entries, nil
}
