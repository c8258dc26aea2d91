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

package detect

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/abcxyz/github-issue-automator/pkg/githubclient"
	"github.com/abcxyz/github-issue-automator/pkg/store"
)

// AnalysisVersion identifies the weight set and lexicons below. Bump it
// whenever either changes so stored detections stay comparable.
const AnalysisVersion = "v1"

// Weights are the per-signal contributions to the completion score. They
// must sum to 1.
type Weights struct {
	Code      float64
	Test      float64
	Commit    float64
	Doc       float64
	Lifecycle float64
}

// DefaultWeights returns the shipped weight set for [AnalysisVersion].
func DefaultWeights() Weights {
	return Weights{
		Code:      0.35,
		Test:      0.25,
		Commit:    0.20,
		Doc:       0.10,
		Lifecycle: 0.10,
	}
}

// Validate checks that the weights form a convex combination.
func (w Weights) Validate() error {
	var merr error
	for name, v := range map[string]float64{
		"code":      w.Code,
		"test":      w.Test,
		"commit":    w.Commit,
		"doc":       w.Doc,
		"lifecycle": w.Lifecycle,
	} {
		if v < 0 || v > 1 {
			merr = errors.Join(merr, fmt.Errorf("%s weight %f out of [0,1]", name, v))
		}
	}
	sum := w.Code + w.Test + w.Commit + w.Doc + w.Lifecycle
	if math.Abs(sum-1) > 1e-9 {
		merr = errors.Join(merr, fmt.Errorf("weights sum to %f, want 1", sum))
	}
	return merr
}

var (
	// completionLexicon matches commit messages that claim the work is done.
	completionLexicon = regexp.MustCompile(`(?i)\b(fix(e[sd])?|close[sd]?|resolve[sd]?|implement(s|ed)?|complete[sd]?|done|finish(es|ed)?)\b`)

	// disputeLexicon matches comments pushing back on completion.
	disputeLexicon = regexp.MustCompile(`(?i)(not done|still broken|still happening|still an issue|doesn't work|does not work|revert)`)

	// holdLexicon matches comments asking automation to stay away.
	holdLexicon = regexp.MustCompile(`(?i)(hold off|on hold|do ?n['o]t close|please wait|keep open|not done)`)

	testFilePattern = regexp.MustCompile(`(_test\.go$|\.test\.[jt]sx?$|_spec\.rb$|^tests?/|/tests?/|^spec/|/spec/)`)
	docFilePattern  = regexp.MustCompile(`(\.(md|rst|adoc)$|^docs?/|/docs?/)`)
)

// DoNotAutomateLabel is the hard opt-out. Issues carrying it never produce
// detections or actions.
const DoNotAutomateLabel = "do-not-automate"

func isTestFile(name string) bool {
	return testFilePattern.MatchString(name)
}

func isDocFile(name string) bool {
	return docFilePattern.MatchString(name)
}

func isCodeFile(name string) bool {
	return !isTestFile(name) && !isDocFile(name)
}

// codeEvidenceValue scores how much of the expected code surface the
// referencing commits touched.
func codeEvidenceValue(files []*githubclient.CommitFile, expectedFiles int) float64 {
	if expectedFiles <= 0 {
		expectedFiles = 1
	}
	touched := 0
	for _, f := range files {
		if isCodeFile(f.Filename) && f.Status != "removed" {
			touched++
		}
	}
	return math.Min(1, float64(touched)/float64(expectedFiles))
}

// testEvidenceValue is 1 when tests were added and a passing signal (a
// merged linked pull request) exists, 0.5 when tests were added without
// one, 0 otherwise.
func testEvidenceValue(files []*githubclient.CommitFile, prs []*githubclient.LinkedPullRequest) float64 {
	added := false
	for _, f := range files {
		if isTestFile(f.Filename) && f.Status != "removed" {
			added = true
			break
		}
	}
	if !added {
		return 0
	}
	for _, pr := range prs {
		if pr.Merged {
			return 1
		}
	}
	return 0.5
}

// commitEvidenceValue is the fraction of referencing commits whose message
// matches the completion lexicon.
func commitEvidenceValue(commits []*githubclient.CommitRef) float64 {
	if len(commits) == 0 {
		return 0
	}
	matched := 0
	for _, c := range commits {
		if completionLexicon.MatchString(c.Message) {
			matched++
		}
	}
	return float64(matched) / float64(len(commits))
}

// docEvidenceValue is 1 when any documentation file was touched.
func docEvidenceValue(files []*githubclient.CommitFile) float64 {
	for _, f := range files {
		if isDocFile(f.Filename) && f.Status != "removed" {
			return 1
		}
	}
	return 0
}

// lifecycleEvidenceValue is 1 when the author or an assignee engaged with
// the issue within the window, 0.5 otherwise.
func lifecycleEvidenceValue(issue *store.Issue, comments []*githubclient.IssueComment, now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	participants := map[string]bool{issue.Author: true}
	for _, a := range issue.Assignees {
		participants[a] = true
	}
	for _, c := range comments {
		if participants[c.Author] && c.CreatedAt.After(cutoff) {
			return 1
		}
	}
	return 0.5
}

// falsePositiveSignals explains what drove the false-positive score up.
type falsePositiveSignals struct {
	ConflictingSignals bool
	RecentReopen       bool
	DisputeComments    int
}

// falsePositiveScore estimates how likely the completion evidence is
// misleading.
func falsePositiveScore(files []*githubclient.CommitFile, comments []*githubclient.IssueComment, timeline []*githubclient.TimelineEntry, now time.Time) (float64, falsePositiveSignals) {
	var signals falsePositiveSignals
	score := 0.0

	// Deleted code or removed tests contradict "the work landed".
	for _, f := range files {
		if f.Status == "removed" && (isCodeFile(f.Filename) || isTestFile(f.Filename)) {
			signals.ConflictingSignals = true
			score += 0.30
			break
		}
	}

	for _, ev := range timeline {
		if ev.Event == "reopened" && now.Sub(ev.CreatedAt) <= 7*24*time.Hour {
			signals.RecentReopen = true
			score += 0.25
			break
		}
	}

	for _, c := range comments {
		if disputeLexicon.MatchString(c.Body) {
			signals.DisputeComments++
		}
	}
	if signals.DisputeComments > 0 {
		score += math.Min(0.45, 0.30+0.15*float64(signals.DisputeComments-1))
	}

	return math.Min(1, score), signals
}

// confidenceFor projects a completion score onto the categorical gate.
func confidenceFor(score, falsePositive float64) store.Confidence {
	switch {
	case score >= 0.85 && falsePositive <= 0.15:
		return store.ConfidenceVeryHigh
	case score >= 0.70:
		return store.ConfidenceHigh
	case score >= 0.50:
		return store.ConfidenceMedium
	default:
		return store.ConfidenceLow
	}
}

// completionStatusFor buckets a score into the detection's completion
// status.
func completionStatusFor(score float64) store.CompletionStatus {
	switch {
	case score >= 0.85:
		return store.CompletionVerified
	case score >= 0.70:
		return store.CompletionCompleted
	case score >= 0.30:
		return store.CompletionInProgress
	default:
		return store.CompletionNotStarted
	}
}

// hasDoNotAutomateLabel reports the hard label opt-out.
func hasDoNotAutomateLabel(issue *store.Issue) bool {
	for _, l := range issue.Labels {
		if strings.EqualFold(l, DoNotAutomateLabel) {
			return true
		}
	}
	return false
}

// assigneeHoldRequested reports whether an assignee asked for a hold within
// the window.
func assigneeHoldRequested(issue *store.Issue, comments []*githubclient.IssueComment, now time.Time, window time.Duration) bool {
	assignees := make(map[string]bool, len(issue.Assignees))
	for _, a := range issue.Assignees {
		assignees[a] = true
	}
	cutoff := now.Add(-window)
	for _, c := range comments {
		if assignees[c.Author] && c.CreatedAt.After(cutoff) && holdLexicon.MatchString(c.Body) {
			return true
		}
	}
	return false
}
