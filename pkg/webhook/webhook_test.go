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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abcxyz/github-issue-automator/pkg/ingest"
	"github.com/abcxyz/github-issue-automator/pkg/store"
	"github.com/abcxyz/pkg/renderer"
)

const testWebhookSecret = "test-webhook-secret"

type mockProcessor struct {
	result *ingest.ProcessResult
	err    error

	gotDelivery *ingest.Delivery
}

func (m *mockProcessor) Process(ctx context.Context, delivery *ingest.Delivery) (*ingest.ProcessResult, error) {
	m.gotDelivery = delivery
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func TestHandleWebhook(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	payload := []byte(`{"action":"opened","issue":{"number":42}}`)

	cases := []struct {
		name          string
		payload       []byte
		deliveryID    string
		eventType     string
		signature     string
		processor     *mockProcessor
		expStatusCode int
		expBodySubstr string
	}{
		{
			name:       "accepted",
			payload:    payload,
			deliveryID: "delivery-1",
			eventType:  "issues",
			signature:  signFor(payload, testWebhookSecret),
			processor: &mockProcessor{
				result: &ingest.ProcessResult{TriggeredActions: 1},
			},
			expStatusCode: http.StatusAccepted,
			expBodySubstr: `"status":"accepted"`,
		},
		{
			name:       "duplicate_delivery",
			payload:    payload,
			deliveryID: "delivery-1",
			eventType:  "issues",
			signature:  signFor(payload, testWebhookSecret),
			processor: &mockProcessor{
				result: &ingest.ProcessResult{
					Duplicate: true,
					Event: &store.WebhookEvent{
						DeliveryID:        "delivery-1",
						Processed:         true,
						AutomationResults: store.JSONMap{"handled": "issue_upserted"},
					},
				},
			},
			expStatusCode: http.StatusConflict,
			expBodySubstr: `"status":"duplicate"`,
		},
		{
			name:          "empty_payload",
			payload:       nil,
			deliveryID:    "delivery-1",
			eventType:     "issues",
			signature:     signFor(nil, testWebhookSecret),
			processor:     &mockProcessor{},
			expStatusCode: http.StatusBadRequest,
			expBodySubstr: "no payload received",
		},
		{
			name:          "missing_delivery_id",
			payload:       payload,
			eventType:     "issues",
			signature:     signFor(payload, testWebhookSecret),
			processor:     &mockProcessor{},
			expStatusCode: http.StatusBadRequest,
			expBodySubstr: "missing delivery id",
		},
		{
			name:          "missing_event_type",
			payload:       payload,
			deliveryID:    "delivery-1",
			signature:     signFor(payload, testWebhookSecret),
			processor:     &mockProcessor{},
			expStatusCode: http.StatusBadRequest,
			expBodySubstr: "missing event type",
		},
		{
			name:          "bad_signature",
			payload:       payload,
			deliveryID:    "delivery-1",
			eventType:     "issues",
			signature:     signFor(payload, "wrong-secret"),
			processor:     &mockProcessor{},
			expStatusCode: http.StatusUnauthorized,
			expBodySubstr: "failed to validate webhook signature",
		},
		{
			name:       "malformed_payload",
			payload:    payload,
			deliveryID: "delivery-1",
			eventType:  "issues",
			signature:  signFor(payload, testWebhookSecret),
			processor: &mockProcessor{
				err: fmt.Errorf("handler: %w", &ingest.MalformedPayloadError{
					EventType: "issues",
					Err:       fmt.Errorf("unexpected end of JSON input"),
				}),
			},
			expStatusCode: http.StatusBadRequest,
			expBodySubstr: "malformed webhook payload",
		},
		{
			name:       "processing_error",
			payload:    payload,
			deliveryID: "delivery-1",
			eventType:  "issues",
			signature:  signFor(payload, testWebhookSecret),
			processor: &mockProcessor{
				err: fmt.Errorf("db unavailable"),
			},
			expStatusCode: http.StatusInternalServerError,
			expBodySubstr: "failed to process webhook event",
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(tc.payload))
			if tc.deliveryID != "" {
				req.Header.Add(DeliveryIDHeader, tc.deliveryID)
			}
			if tc.eventType != "" {
				req.Header.Add(EventTypeHeader, tc.eventType)
			}
			req.Header.Add(SHA256SignatureHeader, tc.signature)

			resp := httptest.NewRecorder()

			h, err := renderer.New(ctx, nil,
				renderer.WithDebug(true),
				renderer.WithOnError(func(err error) {
					t.Error(err)
				}))
			if err != nil {
				t.Fatal(err)
			}

			srv, err := NewServer(ctx, h, &Config{
				DatabaseURL:         "postgres://localhost/test",
				GitHubWebhookSecret: testWebhookSecret,
				PerEventTimeout:     30 * time.Second,
			}, tc.processor)
			if err != nil {
				t.Fatalf("failed to create new server: %v", err)
			}

			srv.handleWebhook().ServeHTTP(resp, req)

			if got, want := resp.Code, tc.expStatusCode; got != want {
				t.Errorf("code = %d, want %d (body %q)", got, want, resp.Body.String())
			}
			if !strings.Contains(resp.Body.String(), tc.expBodySubstr) {
				t.Errorf("body %q missing %q", resp.Body.String(), tc.expBodySubstr)
			}
		})
	}
}

func TestHandleWebhookPassesDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	payload := []byte(`{"action":"opened"}`)
	processor := &mockProcessor{result: &ingest.ProcessResult{}}

	h, err := renderer.New(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(ctx, h, &Config{
		DatabaseURL:         "postgres://localhost/test",
		GitHubWebhookSecret: testWebhookSecret,
		PerEventTimeout:     30 * time.Second,
	}, processor)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Add(DeliveryIDHeader, "delivery-xyz")
	req.Header.Add(EventTypeHeader, "issues")
	req.Header.Add(SHA256SignatureHeader, signFor(payload, testWebhookSecret))

	srv.handleWebhook().ServeHTTP(httptest.NewRecorder(), req)

	if processor.gotDelivery == nil {
		t.Fatalf("processor never called")
	}
	if got, want := processor.gotDelivery.DeliveryID, "delivery-xyz"; got != want {
		t.Errorf("delivery id = %q, want %q", got, want)
	}
	if got, want := processor.gotDelivery.EventType, "issues"; got != want {
		t.Errorf("event type = %q, want %q", got, want)
	}
	if !bytes.Equal(processor.gotDelivery.Payload, payload) {
		t.Errorf("payload = %q, want %q", processor.gotDelivery.Payload, payload)
	}
}

// signFor creates the HMAC-SHA256 signature header for a test payload.
func signFor(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
