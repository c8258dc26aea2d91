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

package execute

import (
	"context"
	"fmt"
	"strings"

	"github.com/abcxyz/github-issue-automator/pkg/githubclient"
	"github.com/abcxyz/github-issue-automator/pkg/store"
)

// Gateway is the slice of the GitHub client the executor mutates through.
type Gateway interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*store.IssueSnapshot, error)
	CloseIssue(ctx context.Context, owner, repo string, number int) error
	ReopenIssue(ctx context.Context, owner, repo string, number int) error
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	RemoveLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	AddComment(ctx context.Context, owner, repo string, number int, body string) (int64, error)
	DeleteComment(ctx context.Context, owner, repo string, commentID int64) error
	SetAssignees(ctx context.Context, owner, repo string, number int, assignees []string) error
	SetMilestone(ctx context.Context, owner, repo string, number int, milestone *int) error
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (int, error)
	UpdateIssue(ctx context.Context, owner, repo string, number int, edit *githubclient.IssueEdit) error
}

// handler is the per-action-type behavior: precondition check, rollback
// snapshot, mutation, and inverse.
type handler interface {
	// check verifies the action still applies against live issue state. A
	// false return cancels the action with the given reason.
	check(live *store.IssueSnapshot, action *store.Action) (ok bool, reason string)

	// snapshot captures rollback data before the mutation runs.
	snapshot(live *store.IssueSnapshot, action *store.Action) store.JSONMap

	// execute performs the mutation. It returns response details and any
	// rollback data only known after the call (created ids).
	execute(ctx context.Context, gh Gateway, action *store.Action) (response, extra store.JSONMap, err error)

	// canRollback reports whether a completed action of this type is
	// invertible.
	canRollback() bool

	// invert reverses a completed action using its stored rollback data.
	invert(ctx context.Context, gh Gateway, action *store.Action) error
}

func handlerFor(t store.ActionType) (handler, error) {
	switch t {
	case store.ActionCloseIssue:
		return closeHandler{}, nil
	case store.ActionLabelIssue:
		return labelHandler{}, nil
	case store.ActionCommentIssue:
		return commentHandler{}, nil
	case store.ActionAssignIssue:
		return assignHandler{}, nil
	case store.ActionMilestoneIssue:
		return milestoneHandler{}, nil
	case store.ActionUpdateIssue:
		return updateHandler{}, nil
	case store.ActionCreateIssue:
		return createHandler{}, nil
	default:
		return nil, fmt.Errorf("no handler for action type %q", t)
	}
}

type closeHandler struct{}

func (closeHandler) check(live *store.IssueSnapshot, action *store.Action) (bool, string) {
	if live.Status != store.IssueOpen {
		return false, fmt.Sprintf("issue is %s, not open", live.Status)
	}
	return true, ""
}

func (closeHandler) snapshot(live *store.IssueSnapshot, action *store.Action) store.JSONMap {
	return store.JSONMap{"prior_status": string(live.Status)}
}

func (closeHandler) execute(ctx context.Context, gh Gateway, action *store.Action) (store.JSONMap, store.JSONMap, error) {
	if err := gh.CloseIssue(ctx, action.RepoOwner, action.RepoName, action.IssueNumber); err != nil {
		return nil, nil, err
	}
	return store.JSONMap{"closed": true}, nil, nil
}

func (closeHandler) canRollback() bool { return true }

func (closeHandler) invert(ctx context.Context, gh Gateway, action *store.Action) error {
	return gh.ReopenIssue(ctx, action.RepoOwner, action.RepoName, action.IssueNumber)
}

type labelHandler struct{}

// labelsToAdd recomputes the add set against live labels so a retry never
// re-adds a label a human applied in between.
func labelsToAdd(live *store.IssueSnapshot, action *store.Action) []string {
	want := stringsFromJSON(action.Payload["add_labels"])
	have := make(map[string]bool, len(live.Labels))
	for _, l := range live.Labels {
		have[strings.ToLower(l)] = true
	}
	var out []string
	for _, l := range want {
		if !have[strings.ToLower(l)] {
			out = append(out, l)
		}
	}
	return out
}

func (labelHandler) check(live *store.IssueSnapshot, action *store.Action) (bool, string) {
	if len(labelsToAdd(live, action)) == 0 {
		return false, "labels already present"
	}
	return true, ""
}

func (labelHandler) snapshot(live *store.IssueSnapshot, action *store.Action) store.JSONMap {
	return store.JSONMap{
		"prior_labels": append([]string{}, live.Labels...),
		"added_labels": labelsToAdd(live, action),
	}
}

func (labelHandler) execute(ctx context.Context, gh Gateway, action *store.Action) (store.JSONMap, store.JSONMap, error) {
	add := stringsFromJSON(action.RollbackData["added_labels"])
	if len(add) == 0 {
		add = stringsFromJSON(action.Payload["add_labels"])
	}
	if err := gh.AddLabels(ctx, action.RepoOwner, action.RepoName, action.IssueNumber, add); err != nil {
		return nil, nil, err
	}
	return store.JSONMap{"labels_added": add}, nil, nil
}

func (labelHandler) canRollback() bool { return true }

func (labelHandler) invert(ctx context.Context, gh Gateway, action *store.Action) error {
	added := stringsFromJSON(action.RollbackData["added_labels"])
	if len(added) == 0 {
		return fmt.Errorf("rollback data has no added_labels")
	}
	return gh.RemoveLabels(ctx, action.RepoOwner, action.RepoName, action.IssueNumber, added)
}

type commentHandler struct{}

func (commentHandler) check(live *store.IssueSnapshot, action *store.Action) (bool, string) {
	return true, ""
}

func (commentHandler) snapshot(live *store.IssueSnapshot, action *store.Action) store.JSONMap {
	// The comment id only exists after the call; execute records it.
	return store.JSONMap{}
}

func (commentHandler) execute(ctx context.Context, gh Gateway, action *store.Action) (store.JSONMap, store.JSONMap, error) {
	body, _ := action.Payload["body"].(string)
	if body == "" {
		return nil, nil, fmt.Errorf("comment action has empty body")
	}
	id, err := gh.AddComment(ctx, action.RepoOwner, action.RepoName, action.IssueNumber, body)
	if err != nil {
		return nil, nil, err
	}
	return store.JSONMap{"comment_id": id}, store.JSONMap{"comment_id": id}, nil
}

func (commentHandler) canRollback() bool { return true }

func (commentHandler) invert(ctx context.Context, gh Gateway, action *store.Action) error {
	id, ok := int64FromJSON(action.RollbackData["comment_id"])
	if !ok {
		return fmt.Errorf("rollback data has no comment_id")
	}
	return gh.DeleteComment(ctx, action.RepoOwner, action.RepoName, id)
}

type assignHandler struct{}

func (assignHandler) check(live *store.IssueSnapshot, action *store.Action) (bool, string) {
	return true, ""
}

func (assignHandler) snapshot(live *store.IssueSnapshot, action *store.Action) store.JSONMap {
	return store.JSONMap{"prior_assignees": append([]string{}, live.Assignees...)}
}

func (assignHandler) execute(ctx context.Context, gh Gateway, action *store.Action) (store.JSONMap, store.JSONMap, error) {
	assignees := stringsFromJSON(action.Payload["assignees"])
	if err := gh.SetAssignees(ctx, action.RepoOwner, action.RepoName, action.IssueNumber, assignees); err != nil {
		return nil, nil, err
	}
	return store.JSONMap{"assignees": assignees}, nil, nil
}

func (assignHandler) canRollback() bool { return true }

func (assignHandler) invert(ctx context.Context, gh Gateway, action *store.Action) error {
	prior := stringsFromJSON(action.RollbackData["prior_assignees"])
	return gh.SetAssignees(ctx, action.RepoOwner, action.RepoName, action.IssueNumber, prior)
}

type milestoneHandler struct{}

func (milestoneHandler) check(live *store.IssueSnapshot, action *store.Action) (bool, string) {
	return true, ""
}

func (milestoneHandler) snapshot(live *store.IssueSnapshot, action *store.Action) store.JSONMap {
	m := store.JSONMap{}
	if live.MilestoneNumber != nil {
		m["prior_milestone"] = *live.MilestoneNumber
	}
	return m
}

func (milestoneHandler) execute(ctx context.Context, gh Gateway, action *store.Action) (store.JSONMap, store.JSONMap, error) {
	var milestone *int
	if n, ok := int64FromJSON(action.Payload["milestone_number"]); ok {
		v := int(n)
		milestone = &v
	}
	if err := gh.SetMilestone(ctx, action.RepoOwner, action.RepoName, action.IssueNumber, milestone); err != nil {
		return nil, nil, err
	}
	return store.JSONMap{"milestone_set": milestone != nil}, nil, nil
}

func (milestoneHandler) canRollback() bool { return true }

func (milestoneHandler) invert(ctx context.Context, gh Gateway, action *store.Action) error {
	var prior *int
	if n, ok := int64FromJSON(action.RollbackData["prior_milestone"]); ok {
		v := int(n)
		prior = &v
	}
	return gh.SetMilestone(ctx, action.RepoOwner, action.RepoName, action.IssueNumber, prior)
}

type updateHandler struct{}

func (updateHandler) check(live *store.IssueSnapshot, action *store.Action) (bool, string) {
	return true, ""
}

func (updateHandler) snapshot(live *store.IssueSnapshot, action *store.Action) store.JSONMap {
	return store.JSONMap{
		"prior_title": live.Title,
		"prior_body":  live.Body,
	}
}

func (updateHandler) execute(ctx context.Context, gh Gateway, action *store.Action) (store.JSONMap, store.JSONMap, error) {
	edit := &githubclient.IssueEdit{}
	if title, ok := action.Payload["title"].(string); ok {
		edit.Title = &title
	}
	if body, ok := action.Payload["body"].(string); ok {
		edit.Body = &body
	}
	if err := gh.UpdateIssue(ctx, action.RepoOwner, action.RepoName, action.IssueNumber, edit); err != nil {
		return nil, nil, err
	}
	return store.JSONMap{"updated": true}, nil, nil
}

func (updateHandler) canRollback() bool { return true }

func (updateHandler) invert(ctx context.Context, gh Gateway, action *store.Action) error {
	edit := &githubclient.IssueEdit{}
	if title, ok := action.RollbackData["prior_title"].(string); ok {
		edit.Title = &title
	}
	if body, ok := action.RollbackData["prior_body"].(string); ok {
		edit.Body = &body
	}
	return gh.UpdateIssue(ctx, action.RepoOwner, action.RepoName, action.IssueNumber, edit)
}

type createHandler struct{}

func (createHandler) check(live *store.IssueSnapshot, action *store.Action) (bool, string) {
	return true, ""
}

func (createHandler) snapshot(live *store.IssueSnapshot, action *store.Action) store.JSONMap {
	return store.JSONMap{}
}

func (createHandler) execute(ctx context.Context, gh Gateway, action *store.Action) (store.JSONMap, store.JSONMap, error) {
	title, _ := action.Payload["title"].(string)
	body, _ := action.Payload["body"].(string)
	if title == "" {
		return nil, nil, fmt.Errorf("create action has empty title")
	}
	number, err := gh.CreateIssue(ctx, action.RepoOwner, action.RepoName, title, body, stringsFromJSON(action.Payload["labels"]))
	if err != nil {
		return nil, nil, err
	}
	return store.JSONMap{"created_issue_number": number}, nil, nil
}

func (createHandler) canRollback() bool { return false }

func (createHandler) invert(ctx context.Context, gh Gateway, action *store.Action) error {
	return fmt.Errorf("create_issue is not invertible")
}

// stringsFromJSON normalizes a JSONMap value into a string slice. Values
// round-tripped through the database arrive as []any.
func stringsFromJSON(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// int64FromJSON normalizes a JSONMap numeric value. JSON decoding yields
// float64.
func int64FromJSON(v any) (int64, bool) {
	switch vv := v.(type) {
	case int64:
		return vv, true
	case int:
		return int64(vv), true
	case float64:
		return int64(vv), true
	default:
		return 0, false
	}
}
