// SPDX-License-Identifier: MIT

package ops

import (
	"encoding/json"
	"net/http"

	"github.com/evergrid/evbus/internal/log"
	"github.com/evergrid/evbus/pkg/evbus"
)

// maxPublishBody bounds the demo publish payload.
const maxPublishBody = 1 << 20

// publishRequest is the demo publish payload.
type publishRequest struct {
	EventName string          `json:"eventName"`
	Data      json.RawMessage `json:"data"`
}

// PublishHandler returns the demo publish endpoint. The posted payload is
// published on the current bus and the request ID travels as the envelope's
// correlation ID. The bus getter indirection survives config-reload swaps.
func PublishHandler(getBus func() evbus.EventBus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.WithComponentFromContext(r.Context(), "demo-publish")

		bus := getBus()
		if bus == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "bus not ready")
			return
		}

		var req publishRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody))
		if err := dec.Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.EventName == "" {
			writeJSONError(w, http.StatusBadRequest, "eventName is required")
			return
		}
		data := req.Data
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		}

		if err := bus.Publish(r.Context(), req.EventName, data, nil); err != nil {
			logger.Error().
				Err(err).
				Str("eventName", req.EventName).
				Msg("demo publish failed")
			writeJSONError(w, http.StatusInternalServerError, "publish failed")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":        "published",
			"eventName":     req.EventName,
			"correlationId": log.CorrelationIDFromContext(r.Context()),
		})
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
