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
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/cli"
)

// Config holds the GitHub credentials and client settings. Either a personal
// access token or a GitHub App key pair must be supplied.
type Config struct {
	GitHubToken         string        `env:"GITHUB_TOKEN"`
	GitHubAppID         string        `env:"GITHUB_APP_ID"`
	GitHubPrivateKeyPEM string        `env:"GITHUB_PRIVATE_KEY_PEM"`
	GitHubEnterpriseURL string        `env:"GITHUB_ENTERPRISE_URL"`
	HTTPTimeout         time.Duration `env:"HTTP_TIMEOUT,default=60s"`
}

// Validate validates the client config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.GitHubToken == "" && (cfg.GitHubAppID == "" || cfg.GitHubPrivateKeyPEM == "") {
		merr = errors.Join(merr, fmt.Errorf("either GITHUB_TOKEN or GITHUB_APP_ID and GITHUB_PRIVATE_KEY_PEM are required"))
	}

	if cfg.HTTPTimeout <= 0 {
		merr = errors.Join(merr, fmt.Errorf("HTTP_TIMEOUT must be positive"))
	}

	return merr
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("GITHUB OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "github-token",
		Target: &cfg.GitHubToken,
		EnvVar: "GITHUB_TOKEN",
		Usage:  `GitHub personal access token.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-app-id",
		Target: &cfg.GitHubAppID,
		EnvVar: "GITHUB_APP_ID",
		Usage:  `GitHub App ID, used instead of a token.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-private-key-pem",
		Target: &cfg.GitHubPrivateKeyPEM,
		EnvVar: "GITHUB_PRIVATE_KEY_PEM",
		Usage:  `PEM-encoded RSA private key for the GitHub App.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-enterprise-url",
		Target: &cfg.GitHubEnterpriseURL,
		EnvVar: "GITHUB_ENTERPRISE_URL",
		Usage:  `Base URL of a GitHub Enterprise instance, if any.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "http-timeout",
		Target:  &cfg.HTTPTimeout,
		EnvVar:  "HTTP_TIMEOUT",
		Default: 60 * time.Second,
		Usage:   `Per-call HTTP timeout for GitHub requests.`,
	})

	return set
}
