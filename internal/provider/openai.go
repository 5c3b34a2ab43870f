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

// OpenAIAdapter calls an OpenAI-compatible chat completions API.
// Works against api.openai.com and any compatible gateway (set baseURL).
type OpenAIAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAIAdapter(baseURL, apiKey, modelName string, timeout time.Duration, logger *slog.Logger) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIAdapter{
		name:       "openai",
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      modelName,
		timeout:    timeout,
		httpClient: newHTTPClient(timeout),
		logger:     logger,
	}
}

// Name returns "openai".
func (a *OpenAIAdapter) Name() string { return a.name }

type openaiChatRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
}

// Answer implements Adapter. All failures become sentinel results.
func (a *OpenAIAdapter) Answer(ctx context.Context, question string) model.ProviderResult {
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

func (a *OpenAIAdapter) complete(ctx context.Context, question string) (string, *ProviderError) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reqBody, err := json.Marshal(openaiChatRequest{
		Model: a.model,
		Messages: []openaiMessage{
			{Role: "system", Content: answerInstruction},
			{Role: "user", Content: question},
		},
	})
	if err != nil {
		return "", &ProviderError{Provider: a.name, Tag: TagMalformed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", &ProviderError{Provider: a.name, Tag: TagNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

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

	var result openaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ProviderError{Provider: a.name, Tag: TagMalformed, Err: err}
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", &ProviderError{Provider: a.name, Tag: TagMalformed, Err: fmt.Errorf("empty completion")}
	}
	return result.Choices[0].Message.Content, nil
}
