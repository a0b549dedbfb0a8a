// Package provider talks to the remote video-understanding service that runs
// stream sessions and posts observation callbacks.
//
// Defines a Client interface, an HTTP implementation and a Disabled
// implementation used when no API key is configured.
package provider

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by Disabled for every call.
var ErrNotConfigured = errors.New("provider: not configured")

// DefaultBaseURL is the provider's public API endpoint.
const DefaultBaseURL = "https://stream.memories.ai"

// StartRequest describes a stream session to start.
type StartRequest struct {
	RTMPURL      string
	SystemPrompt string
	UserPrompt   string
	CallbackURL  string
	Thinking     bool
}

// Client starts and stops remote stream sessions.
type Client interface {
	// StartStream returns the provider-issued task ID.
	StartStream(ctx context.Context, req StartRequest) (string, error)
	StopStream(ctx context.Context, taskID string) error
}

// Disabled is a Client for deployments without provider credentials.
// Callback ingestion and queries keep working; session control fails.
type Disabled struct{}

// StartStream always fails with ErrNotConfigured.
func (Disabled) StartStream(context.Context, StartRequest) (string, error) {
	return "", ErrNotConfigured
}

// StopStream always fails with ErrNotConfigured.
func (Disabled) StopStream(context.Context, string) error {
	return ErrNotConfigured
}
