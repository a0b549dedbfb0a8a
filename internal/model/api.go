package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Field length limits for session parameters.
const (
	MaxPromptLen  = 16 * 1024
	MaxRTMPURLLen = 2048
	MaxUserIDLen  = 255
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CallbackPayload is the body the provider POSTs to the callback endpoint.
// Status and TaskID are pointers so absent fields can be told apart from zero values.
type CallbackPayload struct {
	TaskID *string       `json:"task_id"`
	Status *int          `json:"status"`
	Data   *CallbackData `json:"data"`
}

// CallbackData carries the observation text and provider timestamp.
// Timestamp may arrive as a JSON string or number.
type CallbackData struct {
	Text      string          `json:"text"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// NormalizeTimestamp renders a provider timestamp as a string.
// Strings pass through, numbers keep their decimal form, anything else
// (including absence) yields "".
func NormalizeTimestamp(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return num.String()
	}
	return ""
}

// CallbackAck is the fixed acknowledgment returned to the provider.
type CallbackAck struct {
	Received bool `json:"received"`
}

// StartStreamRequest is the request body for POST /v1/streams.
type StartStreamRequest struct {
	RTMPURL      string `json:"rtmp_url"`
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
	UserID       string `json:"user_id,omitempty"`
	Thinking     bool   `json:"thinking,omitempty"`
}

// Validate checks required fields and length limits.
func (r StartStreamRequest) Validate() error {
	if strings.TrimSpace(r.RTMPURL) == "" {
		return &ValidationError{Field: "rtmp_url", Message: "is required"}
	}
	if len(r.RTMPURL) > MaxRTMPURLLen {
		return &ValidationError{Field: "rtmp_url", Message: fmt.Sprintf("exceeds %d bytes", MaxRTMPURLLen)}
	}
	if len(r.SystemPrompt) > MaxPromptLen {
		return &ValidationError{Field: "system_prompt", Message: fmt.Sprintf("exceeds %d bytes", MaxPromptLen)}
	}
	if len(r.UserPrompt) > MaxPromptLen {
		return &ValidationError{Field: "user_prompt", Message: fmt.Sprintf("exceeds %d bytes", MaxPromptLen)}
	}
	if len(r.UserID) > MaxUserIDLen {
		return &ValidationError{Field: "user_id", Message: fmt.Sprintf("exceeds %d bytes", MaxUserIDLen)}
	}
	return nil
}

// StartStreamResponse is returned by POST /v1/streams.
type StartStreamResponse struct {
	TaskID string     `json:"task_id"`
	Task   StreamTask `json:"task"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Storage    string `json:"storage"`
	Backend    string `json:"backend"`
	QueueDepth int64  `json:"queue_depth"`
	SSEBroker  string `json:"sse_broker,omitempty"`
	Uptime     int64  `json:"uptime_seconds"`
}
