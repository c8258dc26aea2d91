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

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/abcxyz/github-issue-automator/pkg/githubclient"
	"github.com/abcxyz/github-issue-automator/pkg/store"
)

type listCall struct {
	since time.Time
	page  int
}

type mockLister struct {
	pages []*githubclient.IssuePage
	errs  []error
	calls []listCall
}

func (m *mockLister) ListRepositoryIssues(ctx context.Context, owner, repo string, since time.Time, state string, perPage, page int) (*githubclient.IssuePage, error) {
	i := len(m.calls)
	m.calls = append(m.calls, listCall{since: since, page: page})
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	return m.pages[i], nil
}

func syncSnapshot(ghID int64, number int, title string) *store.IssueSnapshot {
	return &store.IssueSnapshot{
		RepoOwner:         "octo",
		RepoName:          "widgets",
		GitHubIssueNumber: number,
		GitHubIssueID:     ghID,
		Title:             title,
		Status:            store.IssueOpen,
		Author:            "octocat",
		GitHubCreatedAt:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		GitHubUpdatedAt:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSyncPaginatesAndCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewInMemory()

	// Issue 1 is already mirrored with a stale title, issue 2 is identical,
	// issue 3 is new.
	if _, err := s.UpsertIssue(ctx, syncSnapshot(1, 1, "old title")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.UpsertIssue(ctx, syncSnapshot(2, 2, "same title")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	lister := &mockLister{
		pages: []*githubclient.IssuePage{
			{
				Issues: []*store.IssueSnapshot{
					syncSnapshot(1, 1, "new title"),
					syncSnapshot(2, 2, "same title"),
				},
				NextPage: 2,
			},
			{
				Issues: []*store.IssueSnapshot{
					syncSnapshot(3, 3, "brand new"),
				},
			},
		},
	}

	sy := NewSyncer(s, lister)
	report, err := sy.Sync(ctx, "octo", "widgets", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	want := &SyncReport{
		Fetched:   3,
		New:       1,
		Updated:   1,
		Unchanged: 1,
		Pages:     2,
	}
	ignoreDuration := cmp.FilterPath(
		func(p cmp.Path) bool { return p.Last().String() == ".Duration" },
		cmp.Ignore(),
	)
	if diff := cmp.Diff(want, report, ignoreDuration); diff != "" {
		t.Errorf("report mismatch (-want, +got):\n%s", diff)
	}
	if len(lister.calls) != 2 {
		t.Fatalf("list calls = %d, want 2", len(lister.calls))
	}
	if lister.calls[1].page != 2 {
		t.Errorf("second call page = %d, want 2", lister.calls[1].page)
	}
}

func TestSyncForceIgnoresScanWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lister := &mockLister{pages: []*githubclient.IssuePage{{}}}
	sy := NewSyncer(store.NewInMemory(), lister)

	if _, err := sy.Sync(ctx, "octo", "widgets", true); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !lister.calls[0].since.IsZero() {
		t.Errorf("force sync passed since = %v, want zero", lister.calls[0].since)
	}
}

func TestSyncIncrementalUsesScanWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	lister := &mockLister{pages: []*githubclient.IssuePage{{}}}
	sy := NewSyncer(store.NewInMemory(), lister,
		WithFullScanWindow(6*time.Hour),
		WithSyncerNowFunc(func() time.Time { return now }),
	)

	if _, err := sy.Sync(ctx, "octo", "widgets", false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	want := now.Add(-6 * time.Hour)
	if !lister.calls[0].since.Equal(want) {
		t.Errorf("since = %v, want %v", lister.calls[0].since, want)
	}
}

func TestSyncPartialOnRateBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lister := &mockLister{
		pages: []*githubclient.IssuePage{
			{
				Issues:   []*store.IssueSnapshot{syncSnapshot(1, 1, "a")},
				NextPage: 2,
			},
			nil,
		},
		errs: []error{nil, &githubclient.RateLimitedError{ResetAt: time.Now().Add(time.Minute)}},
	}

	sy := NewSyncer(store.NewInMemory(), lister)
	report, err := sy.Sync(ctx, "octo", "widgets", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !report.Partial {
		t.Errorf("report not marked partial")
	}
	if report.Fetched != 1 {
		t.Errorf("fetched = %d, want 1", report.Fetched)
	}
}

func TestSyncRateBudgetOnFirstPageFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lister := &mockLister{
		pages: []*githubclient.IssuePage{nil},
		errs:  []error{&githubclient.RateLimitedError{ResetAt: time.Now().Add(time.Minute)}},
	}

	sy := NewSyncer(store.NewInMemory(), lister)
	if _, err := sy.Sync(ctx, "octo", "widgets", false); err == nil {
		t.Fatalf("expected error when budget denies the first page")
	}
}
