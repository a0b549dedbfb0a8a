package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/kiai/internal/classify"
	"github.com/ashita-ai/kiai/internal/model"
)

// HTTPClient calls the provider's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a client. An empty baseURL selects DefaultBaseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if !strings.HasPrefix(apiKey, "sk-") {
		logger.Warn("provider: API key does not start with sk-")
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type startRequestBody struct {
	URL          string `json:"url"`
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
	Callback     string `json:"callback"`
	Thinking     bool   `json:"thinking"`
}

// startResponse accepts both response shapes the API has used:
// {status, task_id} and {code, msg, data: {task_id}}.
type startResponse struct {
	Status *int       `json:"status"`
	TaskID string     `json:"task_id"`
	Code   *int       `json:"code"`
	Msg    string     `json:"msg"`
	Data   *startData `json:"data"`
}

type startData struct {
	TaskID string `json:"task_id"`
}

// StartStream asks the provider to begin analysing an RTMP stream.
func (c *HTTPClient) StartStream(ctx context.Context, req StartRequest) (string, error) {
	var resp startResponse
	if err := c.post(ctx, "/v1/understand/streamConnect", startRequestBody{
		URL:          req.RTMPURL,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		Callback:     req.CallbackURL,
		Thinking:     req.Thinking,
	}, &resp); err != nil {
		return "", fmt.Errorf("provider: start stream: %w", err)
	}

	switch {
	case resp.Status != nil:
		if *resp.Status != classify.StatusSuccess {
			return "", fmt.Errorf("provider: start stream: %w", upstreamError(*resp.Status, ""))
		}
		if resp.TaskID == "" {
			return "", fmt.Errorf("provider: start stream: task_id missing from response")
		}
		c.logger.Info("provider: stream started", "task_id", resp.TaskID)
		return resp.TaskID, nil
	case resp.Code != nil:
		if *resp.Code != classify.StatusSuccess {
			return "", fmt.Errorf("provider: start stream: %w", upstreamError(*resp.Code, resp.Msg))
		}
		if resp.Data == nil || resp.Data.TaskID == "" {
			return "", fmt.Errorf("provider: start stream: task_id missing from response")
		}
		c.logger.Info("provider: stream started", "task_id", resp.Data.TaskID)
		return resp.Data.TaskID, nil
	default:
		return "", fmt.Errorf("provider: start stream: unexpected response format")
	}
}

// StopStream asks the provider to end a session.
func (c *HTTPClient) StopStream(ctx context.Context, taskID string) error {
	if err := c.post(ctx, "/v1/understand/stop/"+url.PathEscape(taskID), struct{}{}, nil); err != nil {
		return fmt.Errorf("provider: stop stream %s: %w", taskID, err)
	}
	c.logger.Info("provider: stream stopped", "task_id", taskID)
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var e struct {
			Message string `json:"message"`
			Msg     string `json:"msg"`
		}
		_ = json.Unmarshal(raw, &e)
		detail := e.Message
		if detail == "" {
			detail = e.Msg
		}
		if detail == "" {
			detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return &model.UpstreamError{Status: classify.StatusFailure, Detail: detail}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// upstreamError describes a provider status code. Known codes get the
// classifier's detail text; msg overrides it when the provider sent one.
func upstreamError(status int, msg string) *model.UpstreamError {
	detail := msg
	if detail == "" {
		detail = classify.Classify(status).Detail
	}
	return &model.UpstreamError{Status: status, Detail: detail}
}
