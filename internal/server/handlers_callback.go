package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/service/ingest"
)

// HandleCallback handles POST /callback and /callback/memories-ai.
//
// Once the token (if required) is accepted the provider always gets
// 200 {"received":true}: a non-2xx makes it retry, which would duplicate
// ledger entries. Failures are logged.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if h.verifier != nil {
		if _, err := h.verifier.Verify(callbackToken(r)); err != nil {
			h.logger.Warn("callback: rejected token", "error", err, "remote_addr", r.RemoteAddr)
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid callback token")
			return
		}
	}

	var payload model.CallbackPayload
	body := http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		// A mistyped field leaves the rest of the payload decoded; record
		// what arrived. Only unparseable or oversized bodies are dropped.
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			h.logger.Warn("callback: undecodable body", "error", err, "request_id", RequestIDFromContext(r.Context()))
			writeAck(w)
			return
		}
		h.logger.Warn("callback: mistyped field, recording partial payload",
			"field", typeErr.Field, "error", err, "request_id", RequestIDFromContext(r.Context()))
	}

	cb := ingest.Callback{Status: payload.Status}
	if payload.TaskID != nil {
		cb.TaskID = *payload.TaskID
	}
	if payload.Data != nil {
		cb.Text = payload.Data.Text
		cb.Timestamp = model.NormalizeTimestamp(payload.Data.Timestamp)
	}

	if _, err := h.pipeline.Ingest(r.Context(), cb); err != nil {
		h.logger.Error("callback: ingest failed", "task_id", cb.TaskID, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
	}
	writeAck(w)
}

// callbackToken reads the token from the query string, falling back to a
// bearer Authorization header.
func callbackToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return token
	}
	return ""
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.CallbackAck{Received: true})
}
