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

// Package webhook is the HTTP surface that receives GitHub webhook
// deliveries and hands them to the ingest processor.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/abcxyz/github-issue-automator/pkg/ingest"
	"github.com/abcxyz/github-issue-automator/pkg/version"
	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
)

// Processor consumes a validated delivery. Implemented by
// [ingest.Processor].
type Processor interface {
	Process(ctx context.Context, delivery *ingest.Delivery) (*ingest.ProcessResult, error)
}

// Server provides the webhook server implementation.
type Server struct {
	h               *renderer.Renderer
	processor       Processor
	webhookSecret   string
	perEventTimeout time.Duration
}

// NewServer creates a new HTTP server implementation that will handle
// receiving webhook payloads.
func NewServer(ctx context.Context, h *renderer.Renderer, cfg *Config, processor Processor) (*Server, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}

	return &Server{
		h:               h,
		processor:       processor,
		webhookSecret:   cfg.GitHubWebhookSecret,
		perEventTimeout: cfg.PerEventTimeout,
	}, nil
}

// Routes creates a ServeMux of all of the routes that
// this Router supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/webhook", s.handleWebhook())
	mux.Handle("/version", s.handleVersion())

	// Middleware
	root := logging.HTTPInterceptor(logger, "")(mux)

	return root
}

// handleVersion is a simple http.HandlerFunc that responds
// with version information for the server.
func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":%q}`+"\n", version.HumanVersion)
	})
}
