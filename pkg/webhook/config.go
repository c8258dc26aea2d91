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

package webhook

import (
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/cli"
)

// Config defines the set of environment variables required
// for running the webhook server.
type Config struct {
	Port                string        `env:"PORT,default=8080"`
	DatabaseURL         string        `env:"DATABASE_URL"`
	GitHubWebhookSecret string        `env:"GITHUB_WEBHOOK_SECRET"`
	PerEventTimeout     time.Duration `env:"PER_EVENT_TIMEOUT,default=30s"`
}

// Validate validates the service config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.DatabaseURL == "" {
		merr = errors.Join(merr, fmt.Errorf("DATABASE_URL is required"))
	}

	if cfg.GitHubWebhookSecret == "" {
		merr = errors.Join(merr, fmt.Errorf("GITHUB_WEBHOOK_SECRET is required"))
	}

	if cfg.PerEventTimeout <= 0 {
		merr = errors.Join(merr, fmt.Errorf("PER_EVENT_TIMEOUT must be positive"))
	}

	return merr
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("WEBHOOK SERVER OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `The port the webhook server listens to.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "database-url",
		Target: &cfg.DatabaseURL,
		EnvVar: "DATABASE_URL",
		Usage:  `PostgreSQL connection string.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-webhook-secret",
		Target: &cfg.GitHubWebhookSecret,
		EnvVar: "GITHUB_WEBHOOK_SECRET",
		Usage:  `GitHub webhook secret.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "per-event-timeout",
		Target:  &cfg.PerEventTimeout,
		EnvVar:  "PER_EVENT_TIMEOUT",
		Default: 30 * time.Second,
		Usage:   `Maximum wall time for processing a single delivery.`,
	})

	return set
}
