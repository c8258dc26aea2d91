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

package cycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abcxyz/github-issue-automator/pkg/execute"
	"github.com/abcxyz/github-issue-automator/pkg/plan"
	"github.com/abcxyz/pkg/cli"
)

// Config defines the set of environment variables required for running
// automation cycles.
type Config struct {
	Repos       []string `env:"REPOS"`
	DatabaseURL string   `env:"DATABASE_URL"`

	MaxConcurrentActions int `env:"MAX_CONCURRENT_ACTIONS,default=10"`
	MaxActionsPerRun     int `env:"MAX_ACTIONS_PER_RUN,default=100"`

	EnableAutoClose   bool `env:"ENABLE_AUTO_CLOSE,default=true"`
	EnableAutoLabel   bool `env:"ENABLE_AUTO_LABEL,default=true"`
	EnableAutoComment bool `env:"ENABLE_AUTO_COMMENT,default=true"`

	MinConfidenceAutoClose float64 `env:"MIN_CONFIDENCE_AUTO_CLOSE,default=0.80"`
	MinConfidenceAutoLabel float64 `env:"MIN_CONFIDENCE_AUTO_LABEL,default=0.60"`

	ActionMaxAttempts int           `env:"ACTION_MAX_ATTEMPTS,default=3"`
	BackoffBase       time.Duration `env:"ACTION_BACKOFF_BASE,default=2s"`
	BackoffCap        time.Duration `env:"ACTION_BACKOFF_CAP,default=60s"`
	RateWaitCeiling   time.Duration `env:"RATE_WAIT_CEILING,default=5m"`

	SafetyReserveFraction float64       `env:"RATE_LIMIT_SAFETY_RESERVE,default=0.05"`
	CycleDeadline         time.Duration `env:"CYCLE_DEADLINE,default=30m"`
	FullScanWindow        time.Duration `env:"FULL_SCAN_WINDOW,default=24h"`
	AnalysisBatchLimit    int           `env:"ANALYSIS_BATCH_LIMIT,default=200"`
	ForceFullSync         bool          `env:"FORCE_FULL_SYNC,default=false"`
}

// Validate validates the cycle config after load.
func (cfg *Config) Validate() error {
	var merr error

	if len(cfg.Repos) == 0 {
		merr = errors.Join(merr, fmt.Errorf("REPOS is required"))
	}
	for _, r := range cfg.Repos {
		if _, _, err := SplitRepo(r); err != nil {
			merr = errors.Join(merr, err)
		}
	}

	if cfg.DatabaseURL == "" {
		merr = errors.Join(merr, fmt.Errorf("DATABASE_URL is required"))
	}

	if cfg.MaxConcurrentActions < 1 {
		merr = errors.Join(merr, fmt.Errorf("MAX_CONCURRENT_ACTIONS must be at least 1"))
	}
	if cfg.MaxActionsPerRun < 1 {
		merr = errors.Join(merr, fmt.Errorf("MAX_ACTIONS_PER_RUN must be at least 1"))
	}
	if cfg.ActionMaxAttempts < 1 {
		merr = errors.Join(merr, fmt.Errorf("ACTION_MAX_ATTEMPTS must be at least 1"))
	}

	for name, v := range map[string]float64{
		"MIN_CONFIDENCE_AUTO_CLOSE": cfg.MinConfidenceAutoClose,
		"MIN_CONFIDENCE_AUTO_LABEL": cfg.MinConfidenceAutoLabel,
	} {
		if v < 0 || v > 1 {
			merr = errors.Join(merr, fmt.Errorf("%s must be in [0,1]", name))
		}
	}
	if cfg.SafetyReserveFraction < 0 || cfg.SafetyReserveFraction >= 1 {
		merr = errors.Join(merr, fmt.Errorf("RATE_LIMIT_SAFETY_RESERVE must be in [0,1)"))
	}

	if cfg.CycleDeadline <= 0 {
		merr = errors.Join(merr, fmt.Errorf("CYCLE_DEADLINE must be positive"))
	}
	if cfg.BackoffBase <= 0 || cfg.BackoffCap < cfg.BackoffBase {
		merr = errors.Join(merr, fmt.Errorf("backoff base must be positive and cap must be at least base"))
	}

	return merr
}

// SplitRepo parses an "owner/name" reference.
func SplitRepo(s string) (owner, name string, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repo %q is not in owner/name form", s)
	}
	return parts[0], parts[1], nil
}

// PlannerConfig projects the planner's slice of the config.
func (cfg *Config) PlannerConfig() plan.Config {
	return plan.Config{
		EnableAutoClose:        cfg.EnableAutoClose,
		EnableAutoLabel:        cfg.EnableAutoLabel,
		EnableAutoComment:      cfg.EnableAutoComment,
		MinConfidenceAutoClose: cfg.MinConfidenceAutoClose,
		MinConfidenceAutoLabel: cfg.MinConfidenceAutoLabel,
		MaxActionsPerRun:       cfg.MaxActionsPerRun,
	}
}

// ExecutorConfig projects the executor's slice of the config.
func (cfg *Config) ExecutorConfig() execute.Config {
	return execute.Config{
		MaxConcurrent:    cfg.MaxConcurrentActions,
		MaxActionsPerRun: cfg.MaxActionsPerRun,
		MaxAttempts:      cfg.ActionMaxAttempts,
		BackoffBase:      cfg.BackoffBase,
		BackoffCap:       cfg.BackoffCap,
		RateWaitCeiling:  cfg.RateWaitCeiling,
	}
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("CYCLE OPTIONS")

	f.StringSliceVar(&cli.StringSliceVar{
		Name:    "repos",
		Target:  &cfg.Repos,
		EnvVar:  "REPOS",
		Example: "octo/widgets,octo/gadgets",
		Usage:   `Repositories to automate, in owner/name form.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "database-url",
		Target: &cfg.DatabaseURL,
		EnvVar: "DATABASE_URL",
		Usage:  `PostgreSQL connection string.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-concurrent-actions",
		Target:  &cfg.MaxConcurrentActions,
		EnvVar:  "MAX_CONCURRENT_ACTIONS",
		Default: 10,
		Usage:   `Worker pool size for action execution.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-actions-per-run",
		Target:  &cfg.MaxActionsPerRun,
		EnvVar:  "MAX_ACTIONS_PER_RUN",
		Default: 100,
		Usage:   `Per-cycle cap on planned and executed actions.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "enable-auto-close",
		Target:  &cfg.EnableAutoClose,
		EnvVar:  "ENABLE_AUTO_CLOSE",
		Default: true,
		Usage:   `Allow the planner to emit close_issue actions.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "enable-auto-label",
		Target:  &cfg.EnableAutoLabel,
		EnvVar:  "ENABLE_AUTO_LABEL",
		Default: true,
		Usage:   `Allow the planner to emit label_issue actions.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "enable-auto-comment",
		Target:  &cfg.EnableAutoComment,
		EnvVar:  "ENABLE_AUTO_COMMENT",
		Default: true,
		Usage:   `Allow the planner to attach summary comments.`,
	})

	f.Float64Var(&cli.Float64Var{
		Name:    "min-confidence-auto-close",
		Target:  &cfg.MinConfidenceAutoClose,
		EnvVar:  "MIN_CONFIDENCE_AUTO_CLOSE",
		Default: 0.80,
		Usage:   `Completion score threshold for close_issue.`,
	})

	f.Float64Var(&cli.Float64Var{
		Name:    "min-confidence-auto-label",
		Target:  &cfg.MinConfidenceAutoLabel,
		EnvVar:  "MIN_CONFIDENCE_AUTO_LABEL",
		Default: 0.60,
		Usage:   `Completion score threshold for label_issue.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "action-max-attempts",
		Target:  &cfg.ActionMaxAttempts,
		EnvVar:  "ACTION_MAX_ATTEMPTS",
		Default: 3,
		Usage:   `Maximum execution attempts per action on transient errors.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "action-backoff-base",
		Target:  &cfg.BackoffBase,
		EnvVar:  "ACTION_BACKOFF_BASE",
		Default: 2 * time.Second,
		Usage:   `Base delay for exponential retry backoff.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "action-backoff-cap",
		Target:  &cfg.BackoffCap,
		EnvVar:  "ACTION_BACKOFF_CAP",
		Default: 60 * time.Second,
		Usage:   `Upper bound on retry backoff.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "rate-wait-ceiling",
		Target:  &cfg.RateWaitCeiling,
		EnvVar:  "RATE_WAIT_CEILING",
		Default: 5 * time.Minute,
		Usage:   `Maximum time one action waits on rate limits before being deferred.`,
	})

	f.Float64Var(&cli.Float64Var{
		Name:    "rate-limit-safety-reserve",
		Target:  &cfg.SafetyReserveFraction,
		EnvVar:  "RATE_LIMIT_SAFETY_RESERVE",
		Default: 0.05,
		Usage:   `Fraction of each rate bucket kept in reserve.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "cycle-deadline",
		Target:  &cfg.CycleDeadline,
		EnvVar:  "CYCLE_DEADLINE",
		Default: 30 * time.Minute,
		Usage:   `Wall-clock budget for one automation cycle.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "full-scan-window",
		Target:  &cfg.FullScanWindow,
		EnvVar:  "FULL_SCAN_WINDOW",
		Default: 24 * time.Hour,
		Usage:   `How far back incremental sync looks for updated issues.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "analysis-batch-limit",
		Target:  &cfg.AnalysisBatchLimit,
		EnvVar:  "ANALYSIS_BATCH_LIMIT",
		Default: 200,
		Usage:   `Maximum issues analyzed per cycle.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "force-full-sync",
		Target: &cfg.ForceFullSync,
		EnvVar: "FORCE_FULL_SYNC",
		Usage:  `Ignore the scan window and sync every issue.`,
	})

	return set
}
