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
	"net/http"
	"time"

	"github.com/google/go-github/v61/github"
)

// The gateway collapses HTTP outcomes into three error kinds. Higher
// components classify by these kinds, never by HTTP status codes.

// RateLimitedError indicates the call was refused because a rate-limit
// bucket is exhausted. It is a deferral, not a failure; callers sleep until
// ResetAt and retry.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// TransientError wraps server-side and network failures that are safe to
// retry with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient github error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError wraps client-side failures that will not succeed on retry.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent github error: status %d: %s", e.StatusCode, e.Body)
}

// classify maps a go-github call result onto the gateway's error surface.
// A nil return means the call succeeded.
func classify(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &RateLimitedError{ResetAt: rateErr.Rate.Reset.Time}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		resetAt := time.Now().Add(time.Minute)
		if abuseErr.RetryAfter != nil {
			resetAt = time.Now().Add(*abuseErr.RetryAfter)
		}
		return &RateLimitedError{ResetAt: resetAt}
	}

	if resp == nil {
		// No response at all: DNS failure, connection reset, timeout.
		return &TransientError{Err: err}
	}

	code := resp.StatusCode
	switch {
	case code == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return &RateLimitedError{ResetAt: resp.Rate.Reset.Time}
	case code == http.StatusTooManyRequests:
		return &RateLimitedError{ResetAt: resp.Rate.Reset.Time}
	case code >= 500:
		return &TransientError{Err: err}
	case code >= 400:
		body := ""
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) {
			body = ghErr.Message
		}
		return &PermanentError{StatusCode: code, Body: body}
	default:
		return &TransientError{Err: err}
	}
}
