package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gougi-ai/gougi/internal/model"
)

// AnthropicAdapter calls the Anthropic Messages API.
type AnthropicAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicAdapter creates an adapter for the Anthropic Messages API.
func NewAnthropicAdapter(baseURL, apiKey, modelName string, timeout time.Duration, logger *slog.Logger) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicAdapter{
		name:       "anthropic",
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      modelName,
		timeout:    timeout,
		httpClient: newHTTPClient(timeout),
		logger:     logger,
	}
}

// Name returns "anthropic".
func (a *AnthropicAdapter) Name() string { return a.name }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Answer implements Adapter. All failures become sentinel results.
func (a *AnthropicAdapter) Answer(ctx context.Context, question string) model.ProviderResult {
	start := time.Now()

	text, perr := a.complete(ctx, question)
	if perr != nil {
		a.logger.Warn("provider call failed", "provider", a.name, "tag", perr.Tag, "error", perr.Err)
		return sentinel(a.name, perr.Tag, time.Since(start))
	}

	answer, confidence, reasoning := parseAnswer(text)
	return model.ProviderResult{
		Provider:   a.name,
		Response:   answer,
		Confidence: confidence,
		Reasoning:  reasoning,
		LatencyMs:  time.Since(start).Milliseconds(),
	}
}

func (a *AnthropicAdapter) complete(ctx context.Context, question string) (string, *ProviderError) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reqBody, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		MaxTokens: 1024,
		System:    answerInstruction,
		Messages:  []anthropicMessage{{Role: "user", Content: question}},
	})
	if err != nil {
		return "", &ProviderError{Provider: a.name, Tag: TagMalformed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return "", &ProviderError{Provider: a.name, Tag: TagNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: a.name, Tag: classify(err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &ProviderError{
			Provider: a.name,
			Tag:      TagStatus,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var result anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ProviderError{Provider: a.name, Tag: TagMalformed, Err: err}
	}
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", &ProviderError{Provider: a.name, Tag: TagMalformed, Err: fmt.Errorf("no text content block")}
}
