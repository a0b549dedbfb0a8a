// Package session starts and stops provider stream sessions and keeps the
// task registry in step with them.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/provider"
	"github.com/ashita-ai/kiai/internal/service/registry"
)

// CallbackPath is the route the provider posts observations to.
const CallbackPath = "/callback"

// TokenIssuer mints the token embedded in callback URLs.
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
}

// Service coordinates the provider and the registry.
type Service struct {
	client    provider.Client
	registry  *registry.Registry
	signer    TokenIssuer
	publicURL string
	logger    *slog.Logger
}

// New creates a Service. signer may be nil, in which case callback URLs
// carry no token.
func New(client provider.Client, reg *registry.Registry, signer TokenIssuer, publicURL string, logger *slog.Logger) *Service {
	return &Service{
		client:    client,
		registry:  reg,
		signer:    signer,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger,
	}
}

// StartInput is a request to start a session.
type StartInput struct {
	RTMPURL      string
	SystemPrompt string
	UserPrompt   string
	UserID       string
	Thinking     bool
}

// Start asks the provider for a session and registers the resulting task.
// The registry entry is created only after the provider accepted.
func (s *Service) Start(ctx context.Context, in StartInput) (model.StreamTask, error) {
	if err := (model.StartStreamRequest{
		RTMPURL: in.RTMPURL, SystemPrompt: in.SystemPrompt, UserPrompt: in.UserPrompt, UserID: in.UserID,
	}).Validate(); err != nil {
		return model.StreamTask{}, err
	}

	callbackURL, err := s.CallbackURL(in.UserID)
	if err != nil {
		return model.StreamTask{}, err
	}

	taskID, err := s.client.StartStream(ctx, provider.StartRequest{
		RTMPURL:      in.RTMPURL,
		SystemPrompt: in.SystemPrompt,
		UserPrompt:   in.UserPrompt,
		CallbackURL:  callbackURL,
		Thinking:     in.Thinking,
	})
	if err != nil {
		return model.StreamTask{}, fmt.Errorf("session: start: %w", err)
	}

	task, err := s.registry.Create(ctx, registry.CreateInput{
		TaskID:       taskID,
		UserID:       in.UserID,
		RTMPURL:      in.RTMPURL,
		SystemPrompt: in.SystemPrompt,
		UserPrompt:   in.UserPrompt,
	})
	if err != nil {
		// Don't leave a provider session running that nothing tracks.
		if stopErr := s.client.StopStream(context.WithoutCancel(ctx), taskID); stopErr != nil {
			s.logger.Error("session: stop orphaned provider session", "task_id", taskID, "error", stopErr)
		}
		return model.StreamTask{}, fmt.Errorf("session: register task: %w", err)
	}
	return task, nil
}

// Stop ends a session at the provider and records a manual stop. Stopping a
// task that is already terminal returns it unchanged without calling the
// provider.
func (s *Service) Stop(ctx context.Context, taskID string) (model.StreamTask, error) {
	task, err := s.registry.Get(ctx, taskID)
	if err != nil {
		return model.StreamTask{}, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	if err := s.client.StopStream(ctx, taskID); err != nil {
		return model.StreamTask{}, fmt.Errorf("session: stop: %w", err)
	}
	if _, err := s.registry.Stop(ctx, taskID, model.StopReasonManual); err != nil {
		return model.StreamTask{}, fmt.Errorf("session: record stop: %w", err)
	}
	return s.registry.Get(ctx, taskID)
}

// CallbackURL returns the URL handed to the provider for a new session.
func (s *Service) CallbackURL(userID string) (string, error) {
	u, err := url.Parse(s.publicURL + CallbackPath)
	if err != nil {
		return "", fmt.Errorf("session: parse public URL: %w", err)
	}
	if s.signer != nil {
		token, _, err := s.signer.Issue(userID)
		if err != nil {
			return "", fmt.Errorf("session: issue callback token: %w", err)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
