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
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/abcxyz/github-issue-automator/pkg/githubclient"
	"github.com/abcxyz/github-issue-automator/pkg/ingest"
	"github.com/abcxyz/pkg/logging"
)

const (
	// SHA256SignatureHeader is the GitHub header key used to pass the HMAC-SHA256 hexdigest.
	SHA256SignatureHeader = "X-Hub-Signature-256"

	// EventTypeHeader is the GitHub header key used to pass the event type.
	EventTypeHeader = "X-Github-Event"

	// DeliveryIDHeader is the GitHub header key used to pass the unique ID for the webhook event.
	DeliveryIDHeader = "X-Github-Delivery"

	// mb is used for conversion to megabytes.
	mb = 1000000
)

var (
	errReadingPayload   = map[string]string{"error": "failed to read webhook payload"}
	errNoPayload        = map[string]string{"error": "no payload received"}
	errNoDeliveryID     = map[string]string{"error": "missing delivery id header"}
	errNoEventType      = map[string]string{"error": "missing event type header"}
	errInvalidSignature = map[string]string{"error": "failed to validate webhook signature"}
	errMalformedPayload = map[string]string{"error": "malformed webhook payload"}
	errProcessing       = map[string]string{"error": "failed to process webhook event"}
)

// handleWebhook validates a delivery and passes it to the processor. A
// delivery that was already processed answers 409 with the stored outcome
// so redeliveries never trigger duplicate automation.
func (s *Server) handleWebhook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received := time.Now().UTC()
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		deliveryID := r.Header.Get(DeliveryIDHeader)
		eventType := r.Header.Get(EventTypeHeader)
		signature := r.Header.Get(SHA256SignatureHeader)

		payload, err := io.ReadAll(io.LimitReader(r.Body, 25*mb))
		if err != nil {
			logger.ErrorContext(ctx, "failed to read webhook request body",
				"code", http.StatusInternalServerError,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errReadingPayload)
			return
		}

		if len(payload) == 0 {
			logger.WarnContext(ctx, "no payload received", "code", http.StatusBadRequest)
			s.h.RenderJSON(w, http.StatusBadRequest, errNoPayload)
			return
		}
		if deliveryID == "" {
			logger.WarnContext(ctx, "missing delivery id", "code", http.StatusBadRequest)
			s.h.RenderJSON(w, http.StatusBadRequest, errNoDeliveryID)
			return
		}
		if eventType == "" {
			logger.WarnContext(ctx, "missing event type", "code", http.StatusBadRequest)
			s.h.RenderJSON(w, http.StatusBadRequest, errNoEventType)
			return
		}

		if !githubclient.SignatureValid(payload, signature, s.webhookSecret) {
			logger.ErrorContext(ctx, "failed to validate webhook payload",
				"code", http.StatusUnauthorized,
				"delivery_id", deliveryID)
			s.h.RenderJSON(w, http.StatusUnauthorized, errInvalidSignature)
			return
		}

		delivery := &ingest.Delivery{
			DeliveryID: deliveryID,
			EventType:  eventType,
			Payload:    payload,
			ReceivedAt: received,
		}

		processCtx, cancel := context.WithTimeout(ctx, s.perEventTimeout)
		defer cancel()

		result, err := s.processor.Process(processCtx, delivery)
		var malformedErr *ingest.MalformedPayloadError
		if errors.As(err, &malformedErr) {
			logger.WarnContext(ctx, "malformed webhook payload",
				"code", http.StatusBadRequest,
				"delivery_id", deliveryID,
				"event_type", eventType,
				"error", err)
			s.h.RenderJSON(w, http.StatusBadRequest, errMalformedPayload)
			return
		}
		if err != nil {
			logger.ErrorContext(ctx, "failed to process webhook event",
				"code", http.StatusInternalServerError,
				"delivery_id", deliveryID,
				"event_type", eventType,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, errProcessing)
			return
		}

		if result.Duplicate {
			logger.InfoContext(ctx, "duplicate webhook delivery",
				"delivery_id", deliveryID,
				"event_type", eventType)
			s.h.RenderJSON(w, http.StatusConflict, map[string]any{
				"status":      "duplicate",
				"delivery_id": deliveryID,
				"result":      result.Event.AutomationResults,
			})
			return
		}

		s.h.RenderJSON(w, http.StatusAccepted, map[string]any{
			"status":            "accepted",
			"delivery_id":       deliveryID,
			"triggered_actions": result.TriggeredActions,
		})
	})
}
